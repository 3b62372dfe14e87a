package kseg

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/vmkern/hypercore/pkg/frame"
	"github.com/vmkern/hypercore/pkg/pgtable"
)

func newTestCache(t *testing.T, cpus int) (*Cache, *frame.Simulator, *pgtable.Simulator) {
	t.Helper()
	sim := frame.NewSimulator(1, 1<<20)
	pt := pgtable.NewSimulator()
	c := NewCache(Config{
		CPUs:          cpus,
		Assoc:         4,
		NumSets:       8,
		VAddrBase:     0x7f0000000000,
		FlushDeadline: 200 * time.Millisecond,
		Strict:        true,
	}, sim, pt)
	return c, sim, pt
}

func TestMapMachineCacheHit(t *testing.T) {
	c, _, _ := newTestCache(t, 2)

	va1, p1, err := c.MapMachine(0, 0x1000*pageSize, pageSize)
	assert.NilError(t, err)
	Release(p1)

	va2, p2, err := c.MapMachine(0, 0x1000*pageSize, pageSize)
	assert.NilError(t, err)
	assert.Equal(t, va1, va2)
	assert.Equal(t, p1, p2)
	Release(p2)

	st := c.Stats(0)
	assert.Assert(t, st.HitsFirstWay >= 1)
}

func TestMapMachineTwoPageSpanLazySecondPage(t *testing.T) {
	c, _, pt := newTestCache(t, 1)

	maddr := 0x2000*pageSize - 16 // near the end of one page
	va, p, err := c.MapMachine(0, maddr, 32)
	assert.NilError(t, err)
	assert.Equal(t, va, p.vaddr+uint64(maddr&pageMask))
	assert.Assert(t, p.secondInstalled.Load())

	_, ok := pt.Lookup(0, pgtable.VPN(p.secondVAddr>>pageShift))
	assert.Assert(t, ok)
	Release(p)
}

func TestMapPhysicalCachesByGuestPPN(t *testing.T) {
	c, sim, _ := newTestCache(t, 1)
	owner := frame.Owner(7)
	sim.Install(owner, 0x3000*pageSize, 0x4000*pageSize, pageSize, true)

	va, p, err := c.MapPhysical(0, owner, 0x3000*pageSize, pageSize, false)
	assert.NilError(t, err)
	assert.Assert(t, va != 0)
	Release(p)
}

func TestMapPhysicalWouldBlockLeavesNoPair(t *testing.T) {
	c, sim, _ := newTestCache(t, 1)
	owner := frame.Owner(9)
	// First page resident, second page's translation not yet resolved.
	sim.Install(owner, 0x5000*pageSize, 0x6000*pageSize, pageSize, true)
	sim.Install(owner, 0x5001*pageSize, 0x6001*pageSize, pageSize, false)

	_, _, err := c.MapPhysical(0, owner, 0x5000*pageSize, 2*pageSize, false)
	assert.ErrorIs(t, err, ErrWouldBlock)

	st := c.Stats(0)
	assert.Equal(t, st.LiveDebug, int32(0))
}

func TestFlushRemoteWaitsForRelease(t *testing.T) {
	c, sim, _ := newTestCache(t, 2)
	owner := frame.Owner(3)
	sim.Install(owner, 5*pageSize, 0x7000*pageSize, pageSize, true)
	// CPU 1 acts as a guest-PA consumer of PPN 5.
	_, p, err := c.MapPhysical(1, owner, 5*pageSize, pageSize, true)
	assert.NilError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.FlushRemote(0, owner, 5)
	}()

	select {
	case <-done:
		t.Fatal("flush_remote returned before release")
	case <-time.After(50 * time.Millisecond):
	}

	Release(p)
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush_remote never returned after release")
	}
}

func TestCheckRemoteReportsBusy(t *testing.T) {
	c, sim, _ := newTestCache(t, 2)
	owner := frame.Owner(11)
	sim.Install(owner, 12*pageSize, 0x8000*pageSize, pageSize, true)
	_, p, err := c.MapPhysical(1, owner, 12*pageSize, pageSize, true)
	assert.NilError(t, err)

	assert.Assert(t, c.CheckRemote(0, owner, 12))
	Release(p)
	assert.Assert(t, !c.CheckRemote(0, owner, 12))
}

func TestInvalidateDropsBothSpanStarts(t *testing.T) {
	c, sim, _ := newTestCache(t, 1)
	owner := frame.Owner(4)
	sim.Install(owner, 19*pageSize, 0x9000*pageSize, 2*pageSize, true)

	_, p, err := c.MapPhysical(0, owner, 20*pageSize, pageSize, true)
	assert.NilError(t, err)
	Release(p)

	// A two-page pair starting at ppn-1 also covers ppn 20.
	_, span, err := c.MapPhysical(0, owner, 19*pageSize, 2*pageSize, true)
	assert.NilError(t, err)
	Release(span)

	c.Invalidate(0, owner, 20)
	assert.Assert(t, p.isInvalid())
	assert.Assert(t, span.isInvalid())
}
