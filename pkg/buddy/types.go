package buddy

import "github.com/vmkern/hypercore/pkg/hexaddr"

// Addr is a byte address within a memspace's managed range.
type Addr = uint64

// BufNum is a global minimum-buffer number: a buffer's offset from the
// memspace's start address, measured in units of minBufSize. Free-list
// links are stored as BufNum, not pointers (spec §9 "Cyclic / back
// pointers"); every dereference of one goes through block-index math in
// blockOf/localOf.
type BufNum = uint32

// bufNumNone is the free-list sentinel for "no buffer" (empty list, or
// list head/tail termination).
const bufNumNone BufNum = ^BufNum(0)

// Color constrains an allocation to one cache-color equivalence class.
type Color = uint32

// ColorAny disables the color constraint.
const ColorAny Color = ^Color(0)

// state is the 2-bit buffer state packed into a status byte.
type state uint8

const (
	stateReserved state = 0
	stateFree     state = 1
	stateInUse    state = 2
)

// Sentinel size-shift values stored in the 6-bit shift field of a status
// byte. Real power-of-two shifts are small (12-30ish), leaving plenty of
// the 6-bit space for these.
const (
	shiftInvalid uint8 = 0x3F // non-head buffer of a run: "don't read me"
	shiftSize3   uint8 = 0x3E // in-use run of exactly 3 minimum buffers
	shiftComplex uint8 = 0x3D // in-use run whose minimum-buffer count is kept
	// in the head's free-list link cell (see writeComplexLength); the status
	// bytes after the head do not hold the length
)

func packStatus(st state, shift uint8) byte {
	return byte(st)&0x3 | (shift&0x3F)<<2
}

func unpackStatus(b byte) (state, uint8) {
	return state(b & 0x3), (b >> 2) & 0x3F
}

// Kind distinguishes a single-block, exactly-sized memspace from a
// dynamic one backed by many equal hot-add-granularity blocks.
type Kind int

const (
	// KindStatic is a single block, exactly sized to the range.
	KindStatic Kind = iota
	// KindDynamic is many equal-sized blocks, extensible via hot-add.
	KindDynamic
)

// RangeDesc describes the address range a memspace will manage.
type RangeDesc struct {
	// Start is the managed range's base address. For static memspaces it
	// must be aligned to MaxBufSize; for dynamic ones, to the resulting
	// block size.
	Start Addr
	// Length is the initial (static: total; dynamic: initial) managed
	// length. It must be a whole multiple of the range's alignment.
	Length uint64
	// MaxExtent is, for dynamic memspaces only, the largest length the
	// memspace will ever be hot-added to. Sizing is computed against this.
	MaxExtent uint64
	// MinBufSize and MaxBufSize are the smallest and largest allocation
	// granularities, both powers of two.
	MinBufSize uint64
	MaxBufSize uint64
	// ColorBits is the number of low-order address bits participating in
	// color equivalence classes.
	ColorBits uint
	// HotAddHint is, for dynamic memspaces, a hint for the block size;
	// the actual block size is the smallest power of two that is both
	// >= HotAddHint and >= MaxBufSize.
	HotAddHint uint64
}

// SubRange is an address interval, initially available within the
// managed range, that carving flips from Reserved to Free.
type SubRange struct {
	Start  Addr
	Length uint64
}

func blockSizeFor(kind Kind, rd RangeDesc) uint64 {
	if kind == KindStatic {
		return hexaddr.RoundUp(rd.Length, rd.MaxBufSize)
	}
	hint := rd.HotAddHint
	if hint < rd.MaxBufSize {
		hint = rd.MaxBufSize
	}
	return hexaddr.CeilToPowerOfTwo(hint)
}
