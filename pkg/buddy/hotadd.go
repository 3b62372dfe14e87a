package buddy

import (
	"fmt"

	"github.com/vmkern/hypercore/pkg/hexaddr"
)

// hotAddExtent computes the block-aligned set of blocks a hot_add of
// [start, start+length) will realize (spec §4.1 "hot-add"): the added
// range is block-aligned via ROUNDDOWN(start)/ROUNDUP(end), and since the
// block array has no notion of an unrealized hole below highWaterBlocks,
// any gap between the memspace's current low watermark and the aligned
// start is realized (left permanently Reserved, like any uncarved block)
// along with the caller's requested extent. A start below the current
// low watermark is always rejected (spec §4.1.4 BAD_PARAM).
func (m *Memspace) hotAddExtent(start Addr, length uint64) (numBlocks uint64, err error) {
	if m.kind != KindDynamic {
		return 0, fmt.Errorf("%w: hot-add requires a dynamic memspace", ErrBadParam)
	}
	watermark := m.start + m.managedLength
	if start < watermark {
		return 0, fmt.Errorf("%w: start 0x%x below current low watermark 0x%x", ErrBadParam, start, watermark)
	}
	if length == 0 {
		return 0, fmt.Errorf("%w: zero-length hot-add", ErrBadParam)
	}
	blockSize := uint64(1) << m.blockShift
	alignedEnd := hexaddr.RoundUp(start+length, blockSize)
	if alignedEnd <= watermark {
		return 0, fmt.Errorf("%w: hot-add adds no new blocks", ErrBadParam)
	}
	if alignedEnd > m.start+m.maxLength {
		return 0, fmt.Errorf("%w: added range exceeds memspace's sized MaxExtent", ErrBadParam)
	}
	return (alignedEnd - watermark) / blockSize, nil
}

// HotAddSizing implements hot_add_sizing: the storage, in bytes, a HotAdd
// call covering [start, start+length) will need (spec §4.1).
func HotAddSizing(h Handle, start Addr, length uint64) (uint64, error) {
	var need uint64
	err := withMemspace(h, func(m *Memspace) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		numBlocks, err := m.hotAddExtent(start, length)
		if err != nil {
			return err
		}
		need = numBlocks * bytesPerBlock(m.numMinPerBlock)
		return nil
	})
	return need, err
}

// HotAdd implements hot_add (spec §4.1): extends a dynamic memspace's
// managed range in place, online, realizing every newly-covered block
// from caller-given storage (sized exactly by a prior HotAddSizing call
// for the same start/length) and carving the given sub-ranges from
// Reserved to Free. HotAdd holds the memspace mutex for its whole run, so
// other operations on the same memspace wait until it returns.
func HotAdd(h Handle, storage []byte, start Addr, length uint64, subRanges []SubRange) error {
	return withMemspace(h, func(m *Memspace) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		numBlocks, err := m.hotAddExtent(start, length)
		if err != nil {
			return err
		}
		need := numBlocks * bytesPerBlock(m.numMinPerBlock)
		if uint64(len(storage)) < need {
			return fmt.Errorf("%w: storage too small, need %d bytes", ErrBadParam, need)
		}

		first := m.highWaterBlocks
		off := uint64(0)
		perBlock := bytesPerBlock(m.numMinPerBlock)
		for i := uint64(0); i < numBlocks; i++ {
			m.blocks[first+int(i)].realize(m.numMinPerBlock, storage[off:off+perBlock])
			off += perBlock
		}
		addedLength := numBlocks << m.blockShift
		// Publish the extension only once every new block's metadata is
		// fully initialized, so a concurrent reader never observes a
		// partially-realized block within the managed range.
		m.highWaterBlocks += int(numBlocks)
		m.managedLength += addedLength
		m.reservedBytes += addedLength

		for _, sr := range subRanges {
			if err := m.carveLocked(sr); err != nil {
				return err
			}
		}
		return nil
	})
}
