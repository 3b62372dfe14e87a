package buddy

import (
	"testing"

	"gotest.tools/v3/assert"
)

func mustStatic(t *testing.T, name string, rd RangeDesc, subRanges []SubRange) Handle {
	t.Helper()
	need, err := Sizing(KindStatic, rd)
	assert.NilError(t, err)
	storage := make([]byte, need)
	h, err := CreateStatic(name, rd, storage, subRanges)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = Destroy(h) })
	return h
}

func basicRangeDesc(length uint64) RangeDesc {
	return RangeDesc{
		Start:      0,
		Length:     length,
		MinBufSize: 4096,
		MaxBufSize: 1 << 20,
	}
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	rd := basicRangeDesc(4 << 20)
	h := mustStatic(t, "b1", rd, []SubRange{{Start: 0, Length: rd.Length}})

	a1, err := Allocate(h, 4096, ColorAny)
	assert.NilError(t, err)
	a2, err := Allocate(h, 1<<20, ColorAny)
	assert.NilError(t, err)
	assert.Assert(t, a1 != a2)

	n, err := Free(h, a1)
	assert.NilError(t, err)
	assert.Equal(t, n, uint64(4096))

	n, err = Free(h, a2)
	assert.NilError(t, err)
	assert.Equal(t, n, uint64(1<<20))

	st, err := GetStats(h)
	assert.NilError(t, err)
	assert.Equal(t, st.InUseBytes, uint64(0))
	assert.Equal(t, st.FreeBytes, rd.Length)
}

func TestAllocateCoalescesOnFree(t *testing.T) {
	rd := basicRangeDesc(1 << 20)
	h := mustStatic(t, "b2", rd, []SubRange{{Start: 0, Length: rd.Length}})

	a, err := Allocate(h, 1<<20, ColorAny)
	assert.NilError(t, err)

	_, err = Allocate(h, 4096, ColorAny)
	assert.ErrorIs(t, err, ErrNoResources)

	_, err = Free(h, a)
	assert.NilError(t, err)

	// The whole range should have re-coalesced back to one 1MiB run.
	b, err := Allocate(h, 1<<20, ColorAny)
	assert.NilError(t, err)
	assert.Equal(t, b, a)
}

func TestAllocateNonPowerOfTwoSize(t *testing.T) {
	rd := basicRangeDesc(1 << 20)
	h := mustStatic(t, "b3", rd, []SubRange{{Start: 0, Length: rd.Length}})

	// 3 minimum buffers: the dedicated size3 encoding.
	a, err := Allocate(h, 3*rd.MinBufSize, ColorAny)
	assert.NilError(t, err)
	n, err := Free(h, a)
	assert.NilError(t, err)
	assert.Equal(t, n, 3*rd.MinBufSize)

	// 5 minimum buffers: the complex encoding, round-tripped through the
	// head's free-list link cell.
	a, err = Allocate(h, 5*rd.MinBufSize, ColorAny)
	assert.NilError(t, err)
	n, err = Free(h, a)
	assert.NilError(t, err)
	assert.Equal(t, n, 5*rd.MinBufSize)
}

func TestAllocateRejectsZeroAndOversize(t *testing.T) {
	rd := basicRangeDesc(1 << 20)
	h := mustStatic(t, "b4", rd, []SubRange{{Start: 0, Length: rd.Length}})

	_, err := Allocate(h, 0, ColorAny)
	assert.ErrorIs(t, err, ErrBadParam)

	_, err = Allocate(h, 2<<20, ColorAny)
	assert.ErrorIs(t, err, ErrBadParam)
}

func TestDestroyInvalidatesHandle(t *testing.T) {
	rd := basicRangeDesc(1 << 20)
	need, err := Sizing(KindStatic, rd)
	assert.NilError(t, err)
	h, err := CreateStatic("b5", rd, make([]byte, need), []SubRange{{Start: 0, Length: rd.Length}})
	assert.NilError(t, err)

	assert.NilError(t, Destroy(h))
	_, err = Allocate(h, 4096, ColorAny)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, Destroy(h), ErrInvalidHandle)
}

// TestDestroyedHandleDoesNotAliasReusedSlot guards against a stale handle
// from a destroyed memspace resolving to whatever new memspace later
// reclaims its table slot.
func TestDestroyedHandleDoesNotAliasReusedSlot(t *testing.T) {
	rd := basicRangeDesc(1 << 20)
	need, err := Sizing(KindStatic, rd)
	assert.NilError(t, err)

	h1, err := CreateStatic("first", rd, make([]byte, need), []SubRange{{Start: 0, Length: rd.Length}})
	assert.NilError(t, err)
	assert.NilError(t, Destroy(h1))

	h2, err := CreateStatic("second", rd, make([]byte, need), []SubRange{{Start: 0, Length: rd.Length}})
	assert.NilError(t, err)
	t.Cleanup(func() { _ = Destroy(h2) })

	_, err = Allocate(h1, 4096, ColorAny)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = Allocate(h2, 4096, ColorAny)
	assert.NilError(t, err)
}

func TestColorConstrainedAllocation(t *testing.T) {
	rd := basicRangeDesc(4 << 20)
	rd.ColorBits = 14 // colorBits - minShift(12) = 2 => 4 colors at the minimum buffer size
	h := mustStatic(t, "b6", rd, []SubRange{{Start: 0, Length: rd.Length}})

	seen := map[Color]bool{}
	for c := Color(0); c < 4; c++ {
		a, err := Allocate(h, 4096, c)
		assert.NilError(t, err)
		bn := BufNum((a - rd.Start) / rd.MinBufSize)
		got := bn & 3
		assert.Equal(t, got, c)
		seen[c] = true
	}
	assert.Equal(t, len(seen), 4)
}

func TestAllocateRange(t *testing.T) {
	rd := basicRangeDesc(1 << 20)
	h := mustStatic(t, "b7", rd, []SubRange{{Start: 0, Length: rd.Length}})

	addr := rd.Start
	var size uint64
	assert.NilError(t, AllocateRange(h, &addr, &size))
	assert.Equal(t, addr, rd.Start)
	assert.Equal(t, size, rd.Length)

	addr = rd.Start
	err := AllocateRange(h, &addr, &size)
	assert.ErrorIs(t, err, ErrNoResources)
}

func TestHotAddExtendsDynamicMemspace(t *testing.T) {
	rd := RangeDesc{
		Start:      0,
		Length:     1 << 20,
		MaxExtent:  4 << 20,
		MinBufSize: 4096,
		MaxBufSize: 1 << 20,
		HotAddHint: 1 << 20,
	}
	need, err := Sizing(KindDynamic, rd)
	assert.NilError(t, err)
	h, err := CreateDynamic("d1", rd, make([]byte, need), []SubRange{{Start: 0, Length: rd.Length}})
	assert.NilError(t, err)
	t.Cleanup(func() { _ = Destroy(h) })

	added := uint64(1 << 20)
	start := rd.Start + rd.Length
	addNeed, err := HotAddSizing(h, start, added)
	assert.NilError(t, err)
	assert.Assert(t, addNeed > 0)

	newRange := SubRange{Start: start, Length: added}
	assert.NilError(t, HotAdd(h, make([]byte, addNeed), start, added, []SubRange{newRange}))

	a, err := Allocate(h, added, ColorAny)
	assert.NilError(t, err)
	assert.Equal(t, a, newRange.Start)

	st, err := GetStats(h)
	assert.NilError(t, err)
	assert.Equal(t, st.ManagedLength, rd.Length+added)
}

func TestHotAddRejectsStaticMemspace(t *testing.T) {
	rd := basicRangeDesc(1 << 20)
	h := mustStatic(t, "b8", rd, []SubRange{{Start: 0, Length: rd.Length}})

	_, err := HotAddSizing(h, rd.Start+rd.Length, 1<<20)
	assert.ErrorIs(t, err, ErrBadParam)
}

func TestHotAddRejectsStartBelowLowWatermark(t *testing.T) {
	rd := RangeDesc{
		Start:      0,
		Length:     1 << 20,
		MaxExtent:  4 << 20,
		MinBufSize: 4096,
		MaxBufSize: 1 << 20,
		HotAddHint: 1 << 20,
	}
	need, err := Sizing(KindDynamic, rd)
	assert.NilError(t, err)
	h, err := CreateDynamic("d2", rd, make([]byte, need), []SubRange{{Start: 0, Length: rd.Length}})
	assert.NilError(t, err)
	t.Cleanup(func() { _ = Destroy(h) })

	// A start anywhere within the already-managed range is below the
	// current low watermark (rd.Start + rd.Length) and must be rejected.
	_, err = HotAddSizing(h, rd.Start, 1<<20)
	assert.ErrorIs(t, err, ErrBadParam)

	err = HotAdd(h, make([]byte, 1<<20), rd.Start+4096, 1<<20, nil)
	assert.ErrorIs(t, err, ErrBadParam)
}
