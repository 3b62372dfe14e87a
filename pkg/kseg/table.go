package kseg

import (
	"sync/atomic"

	"github.com/vmkern/hypercore/pkg/corelog"
	"github.com/vmkern/hypercore/pkg/pcpu"
)

const component = "kseg"

// Table is one CPU's mapping-cache table: an array of sets addressed by
// pageNum mod numSets, accessed through a per-CPU virtual-address window
// (spec §3.2). It also carries that CPU's cooperative non-preemptible
// section and hit/try statistics.
type Table struct {
	cpu   int
	sets  []Set
	assoc int
	sec   pcpu.Section

	triesFirstWay atomic.Uint64
	hitsFirstWay  atomic.Uint64
	triesOther    atomic.Uint64
	hitsOther     atomic.Uint64

	// liveDebug tracks currently-held (refCount>0) pairs on this CPU;
	// exceeding assoc is fatal (spec §4.2.4 "Debug ceiling").
	liveDebug atomic.Int32
}

func newTable(cpu, assoc, numSets int, vaddrBase uint64) *Table {
	t := &Table{cpu: cpu, assoc: assoc, sets: make([]Set, numSets)}
	stride := uint64(assoc) * 2 * pageSize
	for i := range t.sets {
		t.sets[i] = newSet(assoc, vaddrBase+uint64(i)*stride)
		for w := range t.sets[i].ways {
			t.sets[i].ways[w].table = t
		}
	}
	return t
}

func (t *Table) setFor(pageNum uint64) *Set {
	return &t.sets[pageNum%uint64(len(t.sets))]
}

// acquire bumps a pair's reference count, tracking the debug live-pair
// ceiling on the 0->1 transition (spec §4.2.4).
func (t *Table) acquire(p *Pair) {
	if p.refCount.Add(1) == 1 {
		if n := t.liveDebug.Add(1); n > int32(t.assoc) {
			corelog.Fatalf(component, "cpu %d: live pair ceiling exceeded (%d > %d)", t.cpu, n, t.assoc)
		}
	}
}

// releaseAcquire undoes acquire, whether called from a rolled-back
// lookup retry or from the public Release.
func (t *Table) releaseAcquire(p *Pair) {
	n := p.refCount.Add(-1)
	if n < 0 {
		corelog.Fatalf(component, "cpu %d: release without matching map", t.cpu)
	}
	if n == 0 {
		t.liveDebug.Add(-1)
	}
}
