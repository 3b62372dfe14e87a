package buddy

import (
	"github.com/vmkern/hypercore/pkg/corelog"
	"github.com/vmkern/hypercore/pkg/hexaddr"
)

// allocationKind indexes Memspace.allocCounts; it records which of the
// three in-use size encodings (spec §3.1) a live allocation used, purely
// for the statistics dump (spec §6).
const (
	kindPow2 = iota
	kindSize3
	kindComplex
)

// buddyOf (freelist.go) returns the distance-numMinBuffers(s) sibling of a
// size-shift-s run head (§4.1.1).

// findAndSplit locates a free run at size-shift >= shiftNeeded honoring
// color, and splits it down to exactly shiftNeeded (spec §4.1.3: walk
// free lists of the caller's size-shift then larger ones; when color is
// ANY, scan all colors at a level before moving up; when color is
// specific, each step up halves the required color index).
func (m *Memspace) findAndSplit(shiftNeeded uint, color Color) (BufNum, error) {
	if color == ColorAny {
		for s := shiftNeeded; s <= m.maxShift; s++ {
			n := m.numColors(s)
			for c := Color(0); c < n; c++ {
				if bn, ok := m.popFreeAny(s, c); ok {
					return m.splitDown(bn, s, shiftNeeded, ColorAny), nil
				}
			}
		}
		return bufNumNone, ErrNoResources
	}
	c := color
	for s := shiftNeeded; s <= m.maxShift; s++ {
		if bn, ok := m.popFreeAny(s, c); ok {
			return m.splitDown(bn, s, shiftNeeded, color), nil
		}
		c = parentColor(c)
	}
	return bufNumNone, ErrNoResources
}

// splitDown repeatedly halves a free run of size-shift fromShift down to
// toShift, at every step keeping the half that contains the sub-buffer
// whose color (at toShift) is targetColor and pushing the other half back
// onto its own free list (spec §4.1.1). When targetColor is ColorAny, the
// lower half is always kept, matching §4.1.1's stated default.
func (m *Memspace) splitDown(bn0 BufNum, fromShift, toShift uint, targetColor Color) BufNum {
	if fromShift == toShift {
		return bn0
	}
	targetBn := bn0
	if targetColor != ColorAny {
		offsetBits := fromShift - toShift
		mask := Color(1)<<offsetBits - 1
		offset := targetColor & mask
		unit := BufNum(1) << (toShift - m.minShift)
		targetBn = bn0 + BufNum(offset)*unit
	}
	bn := bn0
	for s := fromShift; s > toShift; s-- {
		half := BufNum(1) << (s - 1 - m.minShift)
		lower, upper := bn, bn+half
		if targetBn < upper {
			m.pushFree(upper, s-1)
			bn = lower
		} else {
			m.pushFree(lower, s-1)
			bn = upper
		}
	}
	return bn
}

// freeAndCoalesce frees a run whose head is bn at size-shift s, eagerly
// merging with its buddy while the buddy is the head of an equally-sized
// free run and s has not yet reached maxShift (spec §4.1.1). Caller holds
// m.mu.
func (m *Memspace) freeAndCoalesce(bn BufNum, s uint) {
	for s < m.maxShift {
		buddy := buddyOf(bn, s, m.minShift)
		if m.blockOf(buddy) != m.blockOf(bn) {
			break
		}
		bst, bshift := m.statusAt(buddy)
		if bst != stateFree || bshift != uint8(s) {
			break
		}
		m.removeFree(buddy, s)
		absorbed := buddy
		if buddy < bn {
			absorbed = bn
			bn = buddy
		}
		m.setStatusAt(absorbed, stateFree, shiftInvalid)
		s++
	}
	m.pushFree(bn, s)
}

// defragmentAndFinalize implements spec §4.1.2: after allocation picks a
// power-of-two buffer of size-shift s, the tail beyond need bytes is
// decomposed into maximal aligned power-of-two runs and freed back, and
// the head is tagged with the chosen size encoding.
func (m *Memspace) defragmentAndFinalize(bn BufNum, s uint, need uint64) {
	full := uint64(1) << s
	if need < full {
		tailStart := bn + BufNum(need>>m.minShift)
		tailLenMin := (full - need) >> m.minShift
		for _, r := range decompose(tailStart, tailLenMin, m.minShift, m.maxShift) {
			m.freeAndCoalesce(r.bn, r.s)
		}
	}
	m.finalizeInUseHead(bn, need)
}

func (m *Memspace) finalizeInUseHead(bn BufNum, need uint64) {
	needMin := need >> m.minShift
	switch {
	case hexaddr.IsPowerOfTwo(need):
		m.setStatusAt(bn, stateInUse, uint8(hexaddr.Log2Floor(need)))
		m.allocCounts[kindPow2]++
	case needMin == 3:
		m.setStatusAt(bn, stateInUse, shiftSize3)
		m.allocCounts[kindSize3]++
	default:
		m.setStatusAt(bn, stateInUse, shiftComplex)
		m.writeComplexLength(bn, needMin)
		m.allocCounts[kindComplex]++
	}
}

// writeComplexLength stashes a run's minimum-buffer count in the head's
// free-list link cell. That cell only carries meaning while a run is
// free; once a run is InUse it is otherwise unused, so repurposing it
// avoids touching the interior status bytes AllocateRange's linear scan
// relies on to find legitimate free-run heads.
func (m *Memspace) writeComplexLength(bn BufNum, needMin uint64) {
	m.setLink(bn, BufNum(needMin), bufNumNone)
}

// decodeRunLength recovers, in bytes, the stored size of the in-use run
// headed at bn (spec §3.1 "Size encoding for in-use runs").
func (m *Memspace) decodeRunLength(bn BufNum) uint64 {
	st, shift := m.statusAt(bn)
	if st != stateInUse {
		corelog.Fatalf(component, "memspace %s: decodeRunLength on non-InUse buffer", m.name)
	}
	switch shift {
	case shiftSize3:
		return 3 << m.minShift
	case shiftComplex:
		needMin, _ := m.getLink(bn)
		return uint64(needMin) << m.minShift
	case shiftInvalid:
		corelog.Fatalf(component, "memspace %s: freeing non-head buffer", m.name)
		return 0
	default:
		return uint64(1) << shift
	}
}

// Allocate implements allocate (spec §4.1).
func Allocate(h Handle, size uint64, color Color) (Addr, error) {
	if size == 0 {
		return 0, ErrBadParam
	}
	var addr Addr
	err := withMemspace(h, func(m *Memspace) error {
		if size > m.maxBufSize() {
			return ErrBadParam
		}
		shiftNeeded := m.minShift
		if s := hexaddr.Log2Ceil(size); s > shiftNeeded {
			shiftNeeded = s
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		bn, err := m.findAndSplit(shiftNeeded, color)
		if err != nil {
			return err
		}
		need := hexaddr.RoundUp(size, m.minBufSize())
		m.defragmentAndFinalize(bn, shiftNeeded, need)
		m.inUseBytes += need
		addr = m.addrOf(bn)
		return nil
	})
	return addr, err
}

// Free implements free (spec §4.1): recovers the stored run size,
// fragments it into its largest-aligned-fit power-of-two pieces, and
// frees each with eager coalescing.
func Free(h Handle, addr Addr) (uint64, error) {
	var freed uint64
	err := withMemspace(h, func(m *Memspace) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		bn := m.bufNumOf(addr)
		length := m.decodeRunLength(bn)
		_, headShift := m.statusAt(bn)
		switch headShift {
		case shiftSize3:
			m.allocCounts[kindSize3]--
		case shiftComplex:
			m.allocCounts[kindComplex]--
		default:
			m.allocCounts[kindPow2]--
		}
		lengthMin := length >> m.minShift
		m.inUseBytes -= length
		for _, r := range decompose(bn, lengthMin, m.minShift, m.maxShift) {
			m.freeAndCoalesce(r.bn, r.s)
		}
		freed = length
		return nil
	})
	return freed, err
}

// scanBound is the bounded linear scan width used by AllocateRange when
// the requested starting address is not itself a free-run head (spec
// §4.1: "a bounded scan (e.g. 64 Ki minimum buffers)").
const scanBound = 64 * 1024

// AllocateRange implements allocate_range (spec §4.1): attempts to
// allocate the single free run that starts at *addr. On failure, it
// advances *addr to the next candidate free-run head within scanBound
// minimum buffers and returns ErrNoResources.
func AllocateRange(h Handle, addr *Addr, size *uint64) error {
	return withMemspace(h, func(m *Memspace) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		bn := m.bufNumOf(*addr)
		if st, shift := m.statusAt(bn); st == stateFree && shift != shiftInvalid {
			runShift := uint(shift)
			m.removeFree(bn, runShift)
			full := uint64(1) << runShift
			m.finalizeInUseHead(bn, full)
			m.inUseBytes += full
			*size = full
			return nil
		}

		totalMin := uint64(m.highWaterBlocks) * uint64(m.numMinPerBlock)
		cur := bn
		for i := 0; i < scanBound; i++ {
			cur++
			if uint64(cur) >= totalMin {
				break
			}
			if st, shift := m.statusAt(cur); st == stateFree && shift != shiftInvalid {
				*addr = m.addrOf(cur)
				return ErrNoResources
			}
		}
		return ErrNoResources
	})
}
