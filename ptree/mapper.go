// Package ptree maps a file's logical block index to its absolute device
// block through the direct/single-indirect/double-indirect pointer tree,
// and provides an iterator that walks a contiguous range, lazily loading
// and writing back indirect blocks (spec.md §4.5, component C5).
//
// The teacher's inode.go has no indirect pointers at all (just NDIRECT=10
// direct slots) — this package is built fresh, grounded on
// jnwhiteh-minixfs's read_map/write_map/rd_indir zone-walking algorithm
// (single- and double-indirect zones), translated into the teacher's
// buffer/transaction idiom.
package ptree

import (
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
)

// Slot describes where in the pointer tree a given file-block index lives.
type Slot struct {
	Level common.PointerLevel

	DirectIndex int // valid when Level == LevelDirect

	IndirectIndex int // which inum[] slot, valid when Level == LevelIndirect
	Offset        int // offset within that indirect block

	DoubleIndex int // which dinum[] slot, valid when Level == LevelDoubleIndirect
	L1Index     int // offset within the first-level (double-indirect) block
	L1Offset    int // offset within the second-level (leaf) block
}

// Map turns a file-block index into a Slot. Returns ErrFileTooBig if the
// index is common.MaxFileBlocks or more.
func Map(fileBlock uint64) (Slot, error) {
	requested := fileBlock
	if fileBlock < common.KDirect {
		return Slot{Level: common.LevelDirect, DirectIndex: int(fileBlock)}, nil
	}
	fileBlock -= common.KDirect

	indirectCap := uint64(common.KDirectPerIndirect)
	indirectSpan := uint64(common.KIndirect) * indirectCap
	if fileBlock < indirectSpan {
		idx := fileBlock / indirectCap
		off := fileBlock % indirectCap
		return Slot{Level: common.LevelIndirect, IndirectIndex: int(idx), Offset: int(off)}, nil
	}
	fileBlock -= indirectSpan

	doubleCap := indirectCap * indirectCap
	doubleSpan := uint64(common.KDoublyIndirect) * doubleCap
	if fileBlock < doubleSpan {
		idx := fileBlock / doubleCap
		rem := fileBlock % doubleCap
		l1 := rem / indirectCap
		off := rem % indirectCap
		return Slot{Level: common.LevelDoubleIndirect, DoubleIndex: int(idx), L1Index: int(l1), L1Offset: int(off)}, nil
	}
	return Slot{}, merr.Wrapf(merr.ErrFileTooBig, "file block %d exceeds max %d", requested, common.MaxFileBlocks)
}

// RequiredBlockCount returns how many *new* direct/indirect/double-indirect
// slots writing file-blocks [startBlock, endBlock) would newly touch, given
// the pointers already present (per-level, via the hasIndirect and
// hasDoubleL1 callbacks), so
// GetRequiredBlockCount (spec.md §4.6 step 3) can size a reservation.
func RequiredBlockCount(startBlock, endBlock uint64, hasIndirect func(slotIdx int) bool, hasDoubleL1 func(doubleIdx, l1Idx int) bool) (uint64, error) {
	var need uint64
	seenIndirect := map[int]bool{}
	seenDoubleL1 := map[[2]int]bool{}
	for fb := startBlock; fb < endBlock; fb++ {
		slot, err := Map(fb)
		if err != nil {
			return 0, err
		}
		switch slot.Level {
		case common.LevelDirect:
			need++
		case common.LevelIndirect:
			need++ // the data block itself
			if !seenIndirect[slot.IndirectIndex] && !hasIndirect(slot.IndirectIndex) {
				need++ // the indirect block that must be allocated
				seenIndirect[slot.IndirectIndex] = true
			}
		case common.LevelDoubleIndirect:
			need++ // leaf data block
			key := [2]int{slot.DoubleIndex, slot.L1Index}
			if !seenDoubleL1[key] && !hasDoubleL1(slot.DoubleIndex, slot.L1Index) {
				need++ // the leaf-level indirect block
				seenDoubleL1[key] = true
			}
		}
	}
	return need, nil
}
