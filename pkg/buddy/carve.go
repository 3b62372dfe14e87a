package buddy

import "fmt"

func (m *Memspace) minBufSize() uint64 { return uint64(1) << m.minShift }
func (m *Memspace) maxBufSize() uint64 { return uint64(1) << m.maxShift }

// run is one maximal, address-aligned power-of-two piece produced by the
// "largest aligned fit" walk used by carving, defragmentation, and free
// (spec §4.1.2, §4.1.3).
type run struct {
	bn BufNum
	s  uint
}

// decompose splits [startBn, startBn+lengthMin) into the maximal,
// address-aligned power-of-two runs that cover it, each no larger than
// 1<<maxShift.
func decompose(startBn BufNum, lengthMin uint64, minShift, maxShift uint) []run {
	var runs []run
	bn := startBn
	remaining := lengthMin
	for remaining > 0 {
		s := maxShift
		for s > minShift {
			size := uint64(1) << (s - minShift)
			if uint64(bn)%size == 0 && remaining >= size {
				break
			}
			s--
		}
		size := uint64(1) << (s - minShift)
		runs = append(runs, run{bn: bn, s: s})
		bn += BufNum(size)
		remaining -= size
	}
	return runs
}

// carveLocked flips sr from Reserved to Free, decomposing it into maximal
// aligned power-of-two runs and releasing each through the normal
// coalescing path (spec §3.1 "Lifecycle"). Caller holds m.mu.
func (m *Memspace) carveLocked(sr SubRange) error {
	if sr.Length == 0 {
		return nil
	}
	minBuf := m.minBufSize()
	if sr.Start%minBuf != 0 || sr.Length%minBuf != 0 {
		return fmt.Errorf("%w: sub-range not aligned to min buffer size", ErrBadParam)
	}
	if sr.Start < m.start || sr.Start+sr.Length > m.start+m.managedLength {
		return fmt.Errorf("%w: sub-range outside managed range", ErrBadParam)
	}
	startBn := m.bufNumOf(sr.Start)
	lengthMin := sr.Length / minBuf
	for _, r := range decompose(startBn, lengthMin, m.minShift, m.maxShift) {
		m.freeAndCoalesce(r.bn, r.s)
	}
	m.reservedBytes -= sr.Length
	return nil
}
