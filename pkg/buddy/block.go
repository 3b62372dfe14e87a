package buddy

import "encoding/binary"

// linkBytesPerPair is the encoded size of one linkRec: two little-endian
// uint32 BufNums (prev, next).
const linkBytesPerPair = 8

// blockMeta is the per-block metadata array pair described in spec §3.1:
// status[N] (one packed byte per minimum buffer) and links[N/2] (prev/next
// free-list cells, addressed by local buffer number / 2). Both are plain
// subslices of the caller-supplied storage buffer threaded through
// Memspace.storage at sizing/realize time, so the allocator's metadata
// genuinely lives in the storage the caller handed it, consumed
// entirely, rather than in allocator-private heap objects.
//
// A pair slot covers local buffer numbers {2k, 2k+1}. Eager coalescing
// guarantees at most one of any such pair is ever simultaneously the
// head of a free run: a run of shift > minShift always starts at an even
// local number and, if long enough to reach 2k+1, makes 2k+1 a non-head;
// a run of shift == minShift at 2k and one at 2k+1 would be buddies that
// coalesce immediately. This is why links can be sized N/2 rather than N.
type blockMeta struct {
	base     Addr
	status   []byte // len numMinPerBlock once realized
	links    []byte // len numMinPerBlock/2 * linkBytesPerPair once realized
	realized bool
}

// bytesPerBlock returns the storage footprint of one block's metadata for
// a memspace with the given number of minimum buffers per block.
func bytesPerBlock(numMinPerBlock uint32) uint64 {
	return uint64(numMinPerBlock) + uint64(numMinPerBlock/2)*linkBytesPerPair
}

func (b *blockMeta) realize(numMinPerBlock uint32, storage []byte) {
	need := bytesPerBlock(numMinPerBlock)
	if uint64(len(storage)) < need {
		panic("buddy: realize given undersized storage slice")
	}
	b.status = storage[:numMinPerBlock]
	b.links = storage[numMinPerBlock:need]
	for i := range b.status {
		b.status[i] = packStatus(stateReserved, shiftInvalid)
	}
	for i := range b.links {
		b.links[i] = 0xFF // bufNumNone's bytes, set below per-pair properly
	}
	// Pre-seed every pair slot's prev/next to bufNumNone.
	n := numMinPerBlock / 2
	for i := uint32(0); i < n; i++ {
		b.setLink(i, bufNumNone, bufNumNone)
	}
	b.realized = true
}

func (b *blockMeta) pairSlot(localBufNum uint32) uint32 {
	return localBufNum / 2
}

func (b *blockMeta) getLink(pair uint32) (prev, next BufNum) {
	off := pair * linkBytesPerPair
	prev = binary.LittleEndian.Uint32(b.links[off : off+4])
	next = binary.LittleEndian.Uint32(b.links[off+4 : off+8])
	return
}

func (b *blockMeta) setLink(pair uint32, prev, next BufNum) {
	off := pair * linkBytesPerPair
	binary.LittleEndian.PutUint32(b.links[off:off+4], prev)
	binary.LittleEndian.PutUint32(b.links[off+4:off+8], next)
}

func (b *blockMeta) statusAt(local uint32) (state, uint8) {
	return unpackStatus(b.status[local])
}

func (b *blockMeta) setStatusAt(local uint32, st state, shift uint8) {
	b.status[local] = packStatus(st, shift)
}
