package kseg

import (
	"fmt"
	"strings"
)

// Stats is a point-in-time snapshot of one CPU's cache counters (spec
// §3.2 "Statistics" and §6's reset command).
type Stats struct {
	CPU           int
	TriesFirstWay uint64
	HitsFirstWay  uint64
	TriesOther    uint64
	HitsOther     uint64
	LiveDebug     int32
}

// Stats returns a snapshot of cpu's counters.
func (c *Cache) Stats(cpu int) Stats {
	t := c.tables[cpu]
	return Stats{
		CPU:           cpu,
		TriesFirstWay: t.triesFirstWay.Load(),
		HitsFirstWay:  t.hitsFirstWay.Load(),
		TriesOther:    t.triesOther.Load(),
		HitsOther:     t.hitsOther.Load(),
		LiveDebug:     t.liveDebug.Load(),
	}
}

// ResetStats implements the §6 "reset" write command: zeros every CPU's
// try/hit counters without touching live pair state.
func (c *Cache) ResetStats() {
	for _, t := range c.tables {
		t.triesFirstWay.Store(0)
		t.hitsFirstWay.Store(0)
		t.triesOther.Store(0)
		t.hitsOther.Store(0)
	}
}

func (t *Table) statsText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cpu %d: tries1=%d hits1=%d triesN=%d hitsN=%d live=%d/%d\n",
		t.cpu, t.triesFirstWay.Load(), t.hitsFirstWay.Load(), t.triesOther.Load(), t.hitsOther.Load(), t.liveDebug.Load(), t.assoc)
	return b.String()
}
