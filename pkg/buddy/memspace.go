// Package buddy implements the buddy allocator described in spec.md §3.1
// and §4.1: variable-size allocations over one or more non-contiguous
// address ranges, with cache-color constraints, partial (non-power-of-two)
// allocations via fragmentation reduction, and on-line range extension.
package buddy

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/vmkern/hypercore/pkg/corelog"
	"github.com/vmkern/hypercore/pkg/hexaddr"
	"github.com/vmkern/hypercore/pkg/registry"
	"golang.org/x/sync/semaphore"
)

const component = "buddy"

// drainCapacity bounds concurrent public-call entries into one memspace.
// destroy() acquires the entire capacity, which only succeeds once every
// outstanding call has released its single unit back — i.e. once the
// memspace's effective reference count has drained to zero (spec §4.1
// "Reference counting... a non-zero count blocks destroy").
const drainCapacity = 1 << 30

// Handle names a live memspace. It pairs a table index with a generation
// counter so a stale or forged handle is rejected rather than aliasing a
// reused slot (spec §9 Open Question: any forgery-resistant tag is
// acceptable; this module does not replicate the XOR-with-address trick).
type Handle struct {
	idx uint32
	gen uint32
}

var (
	tableMu sync.Mutex
	table   []*Memspace
	// slotGen is the generation counter for each slot in table, indexed in
	// parallel and owned by the slot rather than by whatever Memspace
	// currently occupies it. registerHandle always bumps slotGen[i] before
	// minting a handle for the new Memspace placed into slot i, so a
	// handle minted for a destroyed memspace can never collide with one
	// minted later for that slot's replacement (spec §7 "Invalid").
	slotGen []uint32
)

func registerHandle(m *Memspace) Handle {
	tableMu.Lock()
	defer tableMu.Unlock()
	for i, slot := range table {
		if slot == nil {
			table[i] = m
			slotGen[i]++
			return Handle{idx: uint32(i), gen: slotGen[i]}
		}
	}
	table = append(table, m)
	slotGen = append(slotGen, 1)
	return Handle{idx: uint32(len(table) - 1), gen: slotGen[len(slotGen)-1]}
}

func resolve(h Handle) (*Memspace, error) {
	tableMu.Lock()
	defer tableMu.Unlock()
	if int(h.idx) >= len(table) {
		return nil, ErrInvalidHandle
	}
	m := table[h.idx]
	if m == nil || slotGen[h.idx] != h.gen {
		return nil, ErrInvalidHandle
	}
	return m, nil
}

func releaseHandleSlot(h Handle) {
	tableMu.Lock()
	defer tableMu.Unlock()
	if int(h.idx) < len(table) && table[h.idx] != nil && slotGen[h.idx] == h.gen {
		table[h.idx] = nil
	}
}

// Memspace is a named, managed address range (spec §3.1).
type Memspace struct {
	mu sync.Mutex

	name      string
	kind      Kind
	start     Addr
	minShift  uint
	maxShift  uint
	blockShift uint
	colorBits uint

	numMinPerBlock uint32
	blocks         []blockMeta // capacity sized at create time

	// freeHeads[shiftIdx][color] is the global BufNum of the head of that
	// (size-shift, color) free list, or bufNumNone.
	freeHeads [][]BufNum

	// highWaterBlocks is the number of leading blocks currently realized
	// and within the managed range (advanced by create and hot_add).
	highWaterBlocks int
	managedLength   uint64 // sum of realized block sizes within range
	maxLength       uint64 // capacity the handle's storage was sized for

	// stats, updated only under mu.
	freeBytes     uint64
	inUseBytes    uint64
	reservedBytes uint64
	allocCounts   [3]uint64 // [pow2, size3, complex]

	drain     bool
	destroyed bool
	entrySem  *semaphore.Weighted
	handle    Handle
}

func shiftIndexRange(minShift, maxShift uint) int {
	return int(maxShift-minShift) + 1
}

func validateRangeDesc(kind Kind, rd RangeDesc) error {
	if !hexaddr.IsPowerOfTwo(rd.MinBufSize) || !hexaddr.IsPowerOfTwo(rd.MaxBufSize) {
		return fmt.Errorf("%w: buffer sizes must be powers of two", ErrBadParam)
	}
	if rd.MinBufSize > rd.MaxBufSize {
		return fmt.Errorf("%w: min buffer size exceeds max", ErrBadParam)
	}
	minShift := hexaddr.Log2Floor(rd.MinBufSize)
	maxShift := hexaddr.Log2Floor(rd.MaxBufSize)
	if shiftIndexRange(minShift, maxShift) > 16 {
		return fmt.Errorf("%w: more than 16 distinct buffer sizes", ErrBadParam)
	}
	maxLen := rd.Length
	if kind == KindDynamic {
		maxLen = rd.MaxExtent
		if maxLen == 0 || maxLen < rd.Length {
			return fmt.Errorf("%w: dynamic memspace needs MaxExtent >= Length", ErrBadParam)
		}
	}
	limit := hexaddr.RoundDown(^uint64(0)>>32, rd.MaxBufSize) // ROUNDDOWN(UINT32_MAX, maxBufSize)
	if maxLen > limit {
		return fmt.Errorf("%w: length exceeds addressing limit", ErrBadParam)
	}
	totalMinBuffers := maxLen / rd.MinBufSize
	if totalMinBuffers > (1<<31)-1 {
		return fmt.Errorf("%w: buffer count exceeds 31 bits", ErrBadParam)
	}
	return nil
}

// Sizing returns the exact storage, in bytes, that create_static /
// create_dynamic will need for rd. For dynamic ranges this is sized for
// MaxExtent, not Length (spec §4.1).
func Sizing(kind Kind, rd RangeDesc) (uint64, error) {
	if err := validateRangeDesc(kind, rd); err != nil {
		return 0, err
	}
	blockSize := blockSizeFor(kind, rd)
	maxLen := rd.Length
	if kind == KindDynamic {
		maxLen = rd.MaxExtent
	}
	numBlocks := hexaddr.RoundUp(maxLen, blockSize) / blockSize
	numMinPerBlock := uint32(blockSize / rd.MinBufSize)
	return numBlocks * bytesPerBlock(numMinPerBlock), nil
}

func newMemspace(name string, kind Kind, rd RangeDesc) (*Memspace, error) {
	if err := validateRangeDesc(kind, rd); err != nil {
		return nil, err
	}
	blockSize := blockSizeFor(kind, rd)
	blockShift := hexaddr.Log2Floor(blockSize)
	minShift := hexaddr.Log2Floor(rd.MinBufSize)
	maxShift := hexaddr.Log2Floor(rd.MaxBufSize)

	align := rd.MaxBufSize
	if kind == KindDynamic {
		align = blockSize
	}
	if rd.Start%align != 0 {
		return nil, fmt.Errorf("%w: start not aligned to %d", ErrBadParam, align)
	}
	if rd.Length%align != 0 {
		return nil, fmt.Errorf("%w: length not a multiple of %d", ErrBadParam, align)
	}

	maxLen := rd.Length
	if kind == KindDynamic {
		maxLen = rd.MaxExtent
	}
	numBlocksCapacity := hexaddr.RoundUp(maxLen, blockSize) / blockSize
	numMinPerBlock := uint32(blockSize / rd.MinBufSize)

	levels := shiftIndexRange(minShift, maxShift)
	freeHeads := make([][]BufNum, levels)
	for i := range freeHeads {
		s := minShift + uint(i)
		n := int(numColorsAt(rd.ColorBits, s))
		heads := make([]BufNum, n)
		for j := range heads {
			heads[j] = bufNumNone
		}
		freeHeads[i] = heads
	}

	m := &Memspace{
		name:           name,
		kind:           kind,
		start:          rd.Start,
		minShift:       minShift,
		maxShift:       maxShift,
		blockShift:     blockShift,
		colorBits:      rd.ColorBits,
		numMinPerBlock: numMinPerBlock,
		blocks:         make([]blockMeta, numBlocksCapacity),
		freeHeads:      freeHeads,
		maxLength:      maxLen,
		entrySem:       semaphore.NewWeighted(drainCapacity),
	}
	for i := range m.blocks {
		m.blocks[i].base = rd.Start + uint64(i)*blockSize
	}
	return m, nil
}

// CreateStatic implements create_static: a single, exactly-sized block.
func CreateStatic(name string, rd RangeDesc, storage []byte, subRanges []SubRange) (Handle, error) {
	return create(name, KindStatic, rd, storage, subRanges)
}

// CreateDynamic implements create_dynamic: many equal hot-add-granularity
// blocks, extensible later via HotAdd.
func CreateDynamic(name string, rd RangeDesc, storage []byte, subRanges []SubRange) (Handle, error) {
	return create(name, KindDynamic, rd, storage, subRanges)
}

func create(name string, kind Kind, rd RangeDesc, storage []byte, subRanges []SubRange) (Handle, error) {
	need, err := Sizing(kind, rd)
	if err != nil {
		return Handle{}, err
	}
	if uint64(len(storage)) < need {
		return Handle{}, fmt.Errorf("%w: storage too small, need %d bytes", ErrBadParam, need)
	}
	m, err := newMemspace(name, kind, rd)
	if err != nil {
		return Handle{}, err
	}

	numBlocksInitial := hexaddr.RoundUp(rd.Length, uint64(1)<<m.blockShift) / (uint64(1) << m.blockShift)
	off := uint64(0)
	perBlock := bytesPerBlock(m.numMinPerBlock)
	for i := uint64(0); i < numBlocksInitial; i++ {
		m.blocks[i].realize(m.numMinPerBlock, storage[off:off+perBlock])
		off += perBlock
	}
	m.highWaterBlocks = int(numBlocksInitial)
	m.managedLength = numBlocksInitial << m.blockShift
	m.reservedBytes = m.managedLength
	// Every realized buffer starts Reserved; carve the caller's
	// sub-ranges into Free.
	for _, sr := range subRanges {
		if err := m.carveLocked(sr); err != nil {
			return Handle{}, err
		}
	}

	h := registerHandle(m)
	m.handle = h
	registry.Register(&memspaceDumpAdapter{m: m})
	return h, nil
}

// Destroy implements destroy: marks the memspace non-acquirable,
// cooperatively waits for outstanding references to drain, then releases
// it.
func Destroy(h Handle) error {
	m, err := resolve(h)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrInvalidHandle
	}
	m.drain = true
	m.destroyed = true
	m.mu.Unlock()

	if err := m.entrySem.Acquire(context.Background(), drainCapacity); err != nil {
		corelog.Fatalf(component, "destroy(%s): failed to drain: %v", m.name, err)
	}
	registry.Unregister(&memspaceDumpAdapter{m: m})
	releaseHandleSlot(h)
	return nil
}

// enter bumps the reference count if the drain flag is clear; a non-zero
// count blocks destroy (spec §4.1 "Reference counting").
func (m *Memspace) enter() error {
	m.mu.Lock()
	if m.drain {
		m.mu.Unlock()
		return ErrInvalidHandle
	}
	m.mu.Unlock()
	if err := m.entrySem.Acquire(context.Background(), 1); err != nil {
		return ErrInvalidHandle
	}
	return nil
}

func (m *Memspace) exit() {
	m.entrySem.Release(1)
}

func withMemspace(h Handle, fn func(m *Memspace) error) error {
	m, err := resolve(h)
	if err != nil {
		return err
	}
	if err := m.enter(); err != nil {
		return err
	}
	defer m.exit()
	return fn(m)
}

type memspaceDumpAdapter struct{ m *Memspace }

func (a *memspaceDumpAdapter) Name() string { return a.m.name }
func (a *memspaceDumpAdapter) Base() uint64 { return a.m.start }
func (a *memspaceDumpAdapter) Dump(w io.Writer) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	fmt.Fprint(w, a.m.statsTextLocked())
}
