// Package pcpu provides the per-CPU primitives used by the mapping cache:
// a cooperative, non-preemptible section (standing in for "interrupts
// disabled" on a pinned CPU), plus a host CPU count query. The buddy
// allocator does not use this package.
//
// A real hypervisor kernel runs cooperative sections by disabling
// interrupts on the current physical CPU. Go has no such primitive and no
// guarantee that a goroutine stays on one OS thread, so callers of kseg
// are required to identify "which CPU" they are acting as explicitly
// (typically because they've pinned a goroutine to an OS thread with
// runtime.LockOSThread and a matching CPU affinity). Section only tracks
// the *nesting* of interrupt-disable so that the fast paths in kseg can
// assert they are not re-entered from a preemptible context.
package pcpu

import "sync/atomic"

// Section represents one logical CPU's interrupt-disable nesting counter.
// Zero value is ready to use: interrupts considered enabled.
type Section struct {
	depth int32
}

// Disable marks the start of a non-preemptible section, returning whether
// interrupts were already disabled (so the caller knows whether it must
// re-enable them on exit).
func (s *Section) Disable() (alreadyDisabled bool) {
	prev := atomic.AddInt32(&s.depth, 1)
	return prev > 1
}

// Enable ends a non-preemptible section started with Disable, unless
// wasAlreadyDisabled is true (the caller's Disable call was itself nested
// inside an outer disabled section it does not own).
func (s *Section) Enable(wasAlreadyDisabled bool) {
	if wasAlreadyDisabled {
		// The nested Disable still bumped the counter; undo only that
		// bump, leaving the outer section non-preemptible.
		atomic.AddInt32(&s.depth, -1)
		return
	}
	if atomic.AddInt32(&s.depth, -1) < 0 {
		panic("pcpu: Section.Enable without matching Disable")
	}
}

// Disabled reports whether the section is currently non-preemptible.
func (s *Section) Disabled() bool {
	return atomic.LoadInt32(&s.depth) > 0
}
