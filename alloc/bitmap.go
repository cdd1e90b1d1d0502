package alloc

import (
	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
)

// BlockBitmap is a BitWriter backed by the block cache, one bit per index
// starting at region start. A flipped bit is held in an in-memory pending
// set, not written through immediately: Drain hands the touched blocks to
// the caller, who stages them into the owning transaction's metadata ops
// so the flip is journaled the same way a pointer-tree indirect block is
// (spec.md §4.4 "free(index): ... schedules bitmap block(s) covering
// index for metadata write in the calling transaction").
type BlockBitmap struct {
	bc    *bcache.Bcache
	start common.Bnum
	dirty map[common.Bnum][]byte
}

func NewBlockBitmap(bc *bcache.Bcache, start common.Bnum) *BlockBitmap {
	return &BlockBitmap{bc: bc, start: start, dirty: make(map[common.Bnum][]byte)}
}

func (bm *BlockBitmap) blockOf(index uint64) common.Bnum {
	return bm.start + common.Bnum(index/common.NBitsPerBlock)
}

// blockContent returns blkno's content, preferring this bitmap's own
// not-yet-drained pending write over the block cache, the same way
// txn.Transaction.ReadBlock prefers its own staged metadata.
func (bm *BlockBitmap) blockContent(blkno common.Bnum) ([]byte, error) {
	if pending, ok := bm.dirty[blkno]; ok {
		out := make([]byte, common.BlockSize)
		copy(out, pending)
		return out, nil
	}
	return bm.bc.ReadBlock(blkno)
}

func (bm *BlockBitmap) ReadBit(index uint64) (bool, error) {
	blk, err := bm.blockContent(bm.blockOf(index))
	if err != nil {
		return false, err
	}
	bit := index % common.NBitsPerBlock
	return blk[bit/8]&(1<<(bit%8)) != 0, nil
}

// SetBit flips index's bit in memory and records the owning block as
// pending; it does not touch the device or the block cache. Drain (or
// FlushDirect, at format time before any transaction exists) is what
// actually makes the flip durable.
func (bm *BlockBitmap) SetBit(index uint64, v bool) error {
	blkno := bm.blockOf(index)
	blk, err := bm.blockContent(blkno)
	if err != nil {
		return err
	}
	bit := index % common.NBitsPerBlock
	if v {
		blk[bit/8] |= 1 << (bit % 8)
	} else {
		blk[bit/8] &^= 1 << (bit % 8)
	}
	bm.dirty[blkno] = blk
	return nil
}

// Drain returns every bitmap block modified since the last Drain and
// clears the pending set. The caller is responsible for getting these
// blocks to disk — normally by staging each one into the transaction
// that performed the allocation (spec.md §4.4), via Allocator.DrainDirty.
func (bm *BlockBitmap) Drain() map[common.Bnum][]byte {
	d := bm.dirty
	bm.dirty = make(map[common.Bnum][]byte)
	return d
}

// FlushDirect drains the pending set and writes every block straight
// through the cache, for format time, before a journal exists to stage
// into (spec.md §6 mkfs priming the bitmaps' reserved bits).
func (bm *BlockBitmap) FlushDirect() error {
	for blkno, blk := range bm.Drain() {
		if err := bm.bc.WriteBlock(blkno, blk); err != nil {
			return err
		}
	}
	return nil
}
