// Package kseg implements the per-CPU mapping cache described in
// spec.md §3.2 and §4.2: a set-associative cache of machine-address
// translations, looked up lock-free on the owning CPU and invalidated
// cross-CPU under a spin-wait-to-quiescence protocol.
package kseg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/vmkern/hypercore/pkg/corelog"
	"github.com/vmkern/hypercore/pkg/frame"
	"github.com/vmkern/hypercore/pkg/pgtable"
	"github.com/vmkern/hypercore/pkg/registry"
	"golang.org/x/sync/errgroup"
)

// maxRetries bounds the increment-then-recheck retry loop in §4.2.1;
// exhausting it means a pair was repeatedly flushed out from under a
// lookup and is the Stale condition of spec §7.
const maxRetries = 8

// Config describes one Cache's geometry, decoded from coreconfig at
// boot (spec.md §6 "kseg table geometry").
type Config struct {
	CPUs          int
	Assoc         int
	NumSets       int
	VAddrBase     uint64
	FlushDeadline time.Duration
	// Strict, when true, makes an unreclaimable way in Insert a fatal
	// assertion rather than ErrNoResources (spec §7: "fatal in debug,
	// error in release").
	Strict bool
}

// Cache is the whole per-CPU mapping cache: one Table per logical CPU,
// plus the external collaborators §6 names.
type Cache struct {
	tables        []*Table
	assoc         int
	numSets       int
	src           frame.Source
	pt            pgtable.Installer
	strict        bool
	flushDeadline time.Duration
}

// NewCache builds a Cache with cfg.CPUs independent per-CPU tables, each
// given its own slice of the reserved virtual-address window starting
// at cfg.VAddrBase.
func NewCache(cfg Config, src frame.Source, pt pgtable.Installer) *Cache {
	deadline := cfg.FlushDeadline
	if deadline <= 0 {
		deadline = time.Second
	}
	perCPU := uint64(cfg.NumSets) * uint64(cfg.Assoc) * 2 * pageSize
	tables := make([]*Table, cfg.CPUs)
	for i := range tables {
		tables[i] = newTable(i, cfg.Assoc, cfg.NumSets, cfg.VAddrBase+uint64(i)*perCPU)
	}
	return &Cache{
		tables:        tables,
		assoc:         cfg.Assoc,
		numSets:       cfg.NumSets,
		src:           src,
		pt:            pt,
		strict:        cfg.Strict,
		flushDeadline: deadline,
	}
}

// Register adds every per-CPU table to the process-wide diagnostic
// registry (spec.md §9 "Global state").
func (c *Cache) Register() {
	for _, t := range c.tables {
		registry.Register(&tableDumpAdapter{t: t})
	}
}

// Unregister removes every per-CPU table from the registry.
func (c *Cache) Unregister() {
	for _, t := range c.tables {
		registry.Unregister(&tableDumpAdapter{t: t})
	}
}

func (c *Cache) installFirstPage(t *Table, p *Pair, ma uint64) {
	c.pt.InstallPTE(t.cpu, pgtable.VPN(p.vaddr>>pageShift), ma)
}

func (c *Cache) installSecondPage(t *Table, p *Pair, ma uint64) {
	c.pt.InstallPTE(t.cpu, pgtable.VPN(p.secondVAddr>>pageShift), ma)
	p.secondInstalled.Store(true)
}

// resolver returns the machine-address base of the pageIndex'th page
// (0 or 1) of the extent being mapped, or an error (spec §4.2: fed by
// either plain MPN arithmetic for map_machine or the frame Source's
// PhysToMachine for map_physical).
type resolver func(pageIndex int) (machineBase uint64, err error)

// lookupOrInsert is the shared core of map_machine and map_physical
// (spec §4.2.1): fast-path probe, full set scan with in-place extension
// for an existing pair whose extent is too short, then insert-on-miss.
func (c *Cache) lookupOrInsert(t *Table, pageNum uint64, owner frame.Owner, offset, length uint64, resolve resolver) (uint64, *Pair, error) {
	wantEnd := pageNum<<pageShift + offset + length
	pageEnd := pageNum<<pageShift + pageSize
	set := t.setFor(pageNum)

	for attempt := 0; attempt < maxRetries; attempt++ {
		t.triesFirstWay.Add(1)
		if fast := &set.ways[set.lastWayHint]; fast.covers(pageNum, owner, wantEnd) {
			t.acquire(fast)
			if fast.matches(pageNum, owner) {
				t.hitsFirstWay.Add(1)
				return fast.vaddr + offset, fast, nil
			}
			t.releaseAcquire(fast)
		}

		hitStale := false
		for w := range set.ways {
			p := &set.ways[w]
			t.triesOther.Add(1)
			if !p.matches(pageNum, owner) {
				continue
			}
			if p.maxAddr.Load() < wantEnd {
				ma1, err := resolve(1)
				if err != nil {
					return 0, nil, err
				}
				c.installSecondPage(t, p, ma1)
				p.maxAddr.Store(pageEnd + pageSize)
			}
			t.acquire(p)
			if !p.covers(pageNum, owner, wantEnd) {
				t.releaseAcquire(p)
				hitStale = true
				break
			}
			set.promote(w)
			t.hitsOther.Add(1)
			return p.vaddr + offset, p, nil
		}
		if hitStale {
			continue
		}

		w, ok := set.pickVictim()
		if !ok {
			if c.strict {
				corelog.Fatalf(component, "cpu %d: no reclaimable way in set for pageNum=%d owner=%d", t.cpu, pageNum, owner)
			}
			return 0, nil, ErrNoResources
		}
		p := &set.ways[w]
		ma0, err := resolve(0)
		if err != nil {
			return 0, nil, err
		}
		needSecond := wantEnd > pageEnd
		var ma1 uint64
		if needSecond {
			ma1, err = resolve(1)
			if err != nil {
				return 0, nil, err
			}
		}
		c.installFirstPage(t, p, ma0)
		p.pageNum.Store(pageNum)
		p.owner.Store(uint64(owner))
		if needSecond {
			c.installSecondPage(t, p, ma1)
			p.maxAddr.Store(pageEnd + pageSize)
		} else {
			p.maxAddr.Store(pageEnd)
		}
		t.acquire(p)
		if !p.matches(pageNum, owner) {
			t.releaseAcquire(p)
			continue
		}
		set.promote(w)
		return p.vaddr + offset, p, nil
	}

	corelog.Fatalf(component, "cpu %d: %v for pageNum=%d owner=%d", t.cpu, ErrStale, pageNum, owner)
	return 0, nil, nil // unreachable: Fatalf panics
}

// MapMachine implements map_machine (spec §4.2).
func (c *Cache) MapMachine(cpu int, maddr uint64, length uint64) (uint64, *Pair, error) {
	if length > 2*pageSize {
		return 0, nil, ErrBadParam
	}
	t := c.tables[cpu]
	already := t.sec.Disable()
	defer t.sec.Enable(already)
	return c.mapMPN(t, maddr, length)
}

// MapMachineInterruptsOff implements map_machine_interrupts_off: same as
// MapMachine but asserts the caller already disabled interrupts.
func (c *Cache) MapMachineInterruptsOff(cpu int, maddr uint64, length uint64) (uint64, *Pair, error) {
	if length > 2*pageSize {
		return 0, nil, ErrBadParam
	}
	t := c.tables[cpu]
	if !t.sec.Disabled() {
		corelog.Fatalf(component, "cpu %d: map_machine_interrupts_off called with interrupts enabled", cpu)
	}
	return c.mapMPN(t, maddr, length)
}

func (c *Cache) mapMPN(t *Table, maddr, length uint64) (uint64, *Pair, error) {
	pageNum := maddr >> pageShift
	offset := maddr & pageMask
	resolve := func(i int) (uint64, error) {
		return (pageNum + uint64(i)) << pageShift, nil
	}
	return c.lookupOrInsert(t, pageNum, noOwner, offset, length, resolve)
}

// MapPhysical implements map_physical (spec §4.2): translates through
// owner's guest-PA -> MA mapping, retrying the map once the resolver has
// been given a chance to run when mayBlock is true.
func (c *Cache) MapPhysical(cpu int, owner frame.Owner, paddr uint64, length uint64, mayBlock bool) (uint64, *Pair, error) {
	if length > 2*pageSize {
		return 0, nil, ErrBadParam
	}
	t := c.tables[cpu]
	already := t.sec.Disable()
	defer t.sec.Enable(already)

	pageNum := paddr >> pageShift
	offset := paddr & pageMask
	resolve := func(i int) (uint64, error) {
		pa := (pageNum + uint64(i)) << pageShift
		ma, _, err := c.src.PhysToMachine(context.Background(), owner, pa, pageSize, mayBlock)
		if err != nil {
			if errors.Is(err, frame.ErrWouldBlock) {
				return 0, ErrWouldBlock
			}
			return 0, err
		}
		return pageBase(ma), nil
	}
	return c.lookupOrInsert(t, pageNum, owner, offset, length, resolve)
}

// Invalidate implements invalidate (spec §4.2): drops local mappings for
// (owner, ppn), including a two-page pair that starts at ppn-1.
func (c *Cache) Invalidate(cpu int, owner frame.Owner, ppn uint64) {
	t := c.tables[cpu]
	already := t.sec.Disable()
	defer t.sec.Enable(already)
	for _, pn := range [2]uint64{ppn, ppn - 1} {
		set := t.setFor(pn)
		for w := range set.ways {
			p := &set.ways[w]
			if p.matches(pn, owner) {
				p.invalidate()
			}
		}
	}
}

// FlushRemote implements flush_remote (spec §4.2): on every CPU other
// than callerCPU, invalidates any pair matching (owner, ppn) or
// (owner, ppn-1), then spin-waits for its reference count to reach zero.
// Exceeding the deadline is fatal.
func (c *Cache) FlushRemote(callerCPU int, owner frame.Owner, ppn uint64) error {
	targets := [2]uint64{ppn, ppn - 1}
	var g errgroup.Group
	for _, tbl := range c.tables {
		if tbl.cpu == callerCPU {
			continue
		}
		tbl := tbl
		g.Go(func() error {
			c.flushOneTable(tbl, owner, targets)
			return nil
		})
	}
	return g.Wait()
}

func (c *Cache) flushOneTable(t *Table, owner frame.Owner, pageNums [2]uint64) {
	deadline := time.Now().Add(c.flushDeadline)
	for _, pn := range pageNums {
		set := t.setFor(pn)
		for w := range set.ways {
			p := &set.ways[w]
			if !p.matches(pn, owner) {
				continue
			}
			p.invalidate()
			for p.refCount.Load() != 0 {
				if time.Now().After(deadline) {
					corelog.Fatalf(component, "cpu %d: flush_remote deadline exceeded for owner=%d pageNum=%d", t.cpu, owner, pn)
				}
				runtime.Gosched()
			}
		}
	}
}

// CheckRemote implements check_remote (spec §4.2): like FlushRemote but
// non-blocking. It invalidates every remote pair matching (owner, ppn) or
// (owner, ppn-1), busy or not, before reading its refCount, and reports
// whether any of them is still referenced.
func (c *Cache) CheckRemote(callerCPU int, owner frame.Owner, ppn uint64) bool {
	targets := [2]uint64{ppn, ppn - 1}
	results := make([]bool, len(c.tables))
	var g errgroup.Group
	for i, tbl := range c.tables {
		if tbl.cpu == callerCPU {
			continue
		}
		i, tbl := i, tbl
		g.Go(func() error {
			results[i] = c.checkOneTable(tbl, owner, targets)
			return nil
		})
	}
	_ = g.Wait()
	for _, busy := range results {
		if busy {
			return true
		}
	}
	return false
}

func (c *Cache) checkOneTable(t *Table, owner frame.Owner, pageNums [2]uint64) bool {
	busy := false
	for _, pn := range pageNums {
		set := t.setFor(pn)
		for w := range set.ways {
			p := &set.ways[w]
			if !p.matches(pn, owner) {
				continue
			}
			p.invalidate()
			if p.refCount.Load() != 0 {
				busy = true
			}
		}
	}
	return busy
}

// FlushLocal implements flush_local (spec §4.2): drops every local pair
// whose refCount is zero.
func (c *Cache) FlushLocal(cpu int) {
	t := c.tables[cpu]
	already := t.sec.Disable()
	defer t.sec.Enable(already)
	for si := range t.sets {
		for w := range t.sets[si].ways {
			p := &t.sets[si].ways[w]
			if p.refCount.Load() == 0 && !p.isInvalid() {
				p.invalidate()
			}
		}
	}
}

type tableDumpAdapter struct{ t *Table }

func (a *tableDumpAdapter) Name() string      { return fmt.Sprintf("kseg-cpu-%d", a.t.cpu) }
func (a *tableDumpAdapter) Base() uint64      { return uint64(a.t.cpu) }
func (a *tableDumpAdapter) Dump(w io.Writer)  { fmt.Fprint(w, a.t.statsText()) }
