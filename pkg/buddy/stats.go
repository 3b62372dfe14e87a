package buddy

import (
	"fmt"
	"strings"
)

// Stats is a point-in-time snapshot of a memspace's accounting (spec §6).
type Stats struct {
	Name          string
	FreeBytes     uint64
	InUseBytes    uint64
	ReservedBytes uint64
	ManagedLength uint64
	Pow2Allocs    uint64
	Size3Allocs   uint64
	ComplexAllocs uint64
}

// GetStats implements get_stats (spec §4.1).
func GetStats(h Handle) (Stats, error) {
	var s Stats
	err := withMemspace(h, func(m *Memspace) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		s = Stats{
			Name:          m.name,
			FreeBytes:     m.freeBytes,
			InUseBytes:    m.inUseBytes,
			ReservedBytes: m.reservedBytes,
			ManagedLength: m.managedLength,
			Pow2Allocs:    m.allocCounts[kindPow2],
			Size3Allocs:   m.allocCounts[kindSize3],
			ComplexAllocs: m.allocCounts[kindComplex],
		}
		return nil
	})
	return s, err
}

// String renders the figures of statsTextLocked's first two lines (the
// summary and the allocs line) as one line, for callers (cmd/memdiag's
// "stats" command) that only hold a snapshot.
func (s Stats) String() string {
	return fmt.Sprintf("memspace %s: managed=%d free=%d inuse=%d reserved=%d allocs: pow2=%d size3=%d complex=%d\n",
		s.Name, s.ManagedLength, s.FreeBytes, s.InUseBytes, s.ReservedBytes, s.Pow2Allocs, s.Size3Allocs, s.ComplexAllocs)
}

// statsTextLocked renders a human-readable accounting dump for the
// process-wide registry (spec §6 "diagnostic text dump"). Caller holds
// m.mu.
func (m *Memspace) statsTextLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "memspace %s: managed=%d free=%d inuse=%d reserved=%d\n",
		m.name, m.managedLength, m.freeBytes, m.inUseBytes, m.reservedBytes)
	fmt.Fprintf(&b, "  allocs: pow2=%d size3=%d complex=%d\n",
		m.allocCounts[kindPow2], m.allocCounts[kindSize3], m.allocCounts[kindComplex])
	fmt.Fprintf(&b, "  blocks: realized=%d capacity=%d min=1<<%d max=1<<%d colorBits=%d\n",
		m.highWaterBlocks, len(m.blocks), m.minShift, m.maxShift, m.colorBits)
	for si, heads := range m.freeHeads {
		shift := m.minShift + uint(si)
		nonEmpty := 0
		for _, head := range heads {
			if head != bufNumNone {
				nonEmpty++
			}
		}
		if nonEmpty > 0 {
			fmt.Fprintf(&b, "  free[shift=%d]: %d/%d colors non-empty\n", shift, nonEmpty, len(heads))
		}
	}
	return b.String()
}
