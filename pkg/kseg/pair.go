package kseg

import (
	"sync/atomic"

	"github.com/vmkern/hypercore/pkg/frame"
)

const (
	pageSize  = 4096
	pageShift = 12
	pageMask  = pageSize - 1
)

// noOwner and noPageNum together form the invalid pair encoding (spec
// §3.2: "Invalid pair encoding is pageNum = none ∧ ownerID = none").
const (
	noOwner   = frame.Owner(^uint64(0))
	noPageNum = ^uint64(0)
)

func pageBase(addr uint64) uint64 { return addr &^ pageMask }

// Pair is one way of the mapping cache: a reserved, permanently-assigned
// pair of adjacent kernel virtual pages, plus the mutable fields naming
// what it currently aliases (spec §3.2). Every mutable field uses
// sync/atomic so that a remote flush_remote and a local lookup observe a
// consistent ordering without a lock (spec §4.2.2): Go's atomic loads
// and stores are the acquire/release pair the spec calls for, standing
// in for "treat pair fields as volatile".
type Pair struct {
	table       *Table // owning table, for Release's debug-ceiling bookkeeping
	vaddr       uint64 // immutable: this pair's first reserved virtual page
	secondVAddr uint64 // immutable: this pair's second reserved virtual page

	pageNum  atomic.Uint64 // MPN (owner==noOwner) or guest PPN
	owner    atomic.Uint64 // frame.Owner, or noOwner
	maxAddr  atomic.Uint64 // first address past the currently mapped extent
	refCount atomic.Int32

	secondInstalled atomic.Bool
}

// matches reports whether p currently names (pageNum, owner) regardless
// of extent.
func (p *Pair) matches(pageNum uint64, owner frame.Owner) bool {
	return p.pageNum.Load() == pageNum && frame.Owner(p.owner.Load()) == owner
}

// covers reports whether p currently names (pageNum, owner) with an
// extent reaching at least wantEnd (spec §4.2.1 fast path / scan:
// "(pageNum, ownerID) match and maxAddr >= maddr + length").
func (p *Pair) covers(pageNum uint64, owner frame.Owner, wantEnd uint64) bool {
	return p.matches(pageNum, owner) && p.maxAddr.Load() >= wantEnd
}

// invalidate drops p's translation. Per spec §4.2.2 this write must
// happen before any reader checks refCount, which every caller here
// respects by invalidating first and only then inspecting refCount.
func (p *Pair) invalidate() {
	p.owner.Store(uint64(noOwner))
	p.pageNum.Store(noPageNum)
	p.maxAddr.Store(0)
	p.secondInstalled.Store(false)
}

func (p *Pair) isInvalid() bool {
	return p.pageNum.Load() == noPageNum && frame.Owner(p.owner.Load()) == noOwner
}

// Release implements release (spec §4.2): decrements the pair's
// reference count, interrupt-safe like the map calls.
func Release(p *Pair) {
	p.table.releaseAcquire(p)
}
