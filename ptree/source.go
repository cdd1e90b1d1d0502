package ptree

import "github.com/minfs/minfs/common"

// PointerSource is the inode's pointer arrays: dnum[kDirect], inum[kIndirect],
// dinum[kDoublyIndirect]. vnode.Inode implements this directly.
type PointerSource interface {
	Direct(i int) common.Bnum
	SetDirect(i int, b common.Bnum)
	Indirect(i int) common.Bnum
	SetIndirect(i int, b common.Bnum)
	DoubleIndirect(i int) common.Bnum
	SetDoubleIndirect(i int, b common.Bnum)
}

// BlockSource is the subset of the transaction the iterator needs to load
// and stage indirect blocks: read the current on-disk/in-flight content of
// an absolute block, and enqueue a block as a pending metadata write
// (spec.md §4.5 flush: "write all dirty indirect blocks into the
// transaction's metadata list").
type BlockSource interface {
	ReadBlock(bn common.Bnum) ([]byte, error)
	StageMetadata(bn common.Bnum, data []byte)
	// AllocateIndirect allocates one new absolute block to hold an
	// indirect/double-indirect pointer array, zeroed.
	AllocateIndirect() (common.Bnum, error)
	// FreeIndirect returns an indirect/double-indirect block to the data
	// allocator (an all-zero indirect block per spec.md §4.5).
	FreeIndirect(bn common.Bnum) error
}

func decodeIndirect(blk []byte) []common.Bnum {
	out := make([]common.Bnum, common.KDirectPerIndirect)
	for i := range out {
		var v uint64
		for j := 0; j < 8; j++ {
			v = v<<8 | uint64(blk[i*8+j])
		}
		out[i] = common.Bnum(v)
	}
	return out
}

func encodeIndirect(ptrs []common.Bnum) []byte {
	blk := make([]byte, common.BlockSize)
	for i, p := range ptrs {
		v := uint64(p)
		for j := 7; j >= 0; j-- {
			blk[i*8+j] = byte(v)
			v >>= 8
		}
	}
	return blk
}

func allZero(ptrs []common.Bnum) bool {
	for _, p := range ptrs {
		if p != 0 {
			return false
		}
	}
	return true
}
