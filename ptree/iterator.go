package ptree

import "github.com/minfs/minfs/common"

// Iterator walks a contiguous range of file-blocks, lazily loading and
// writing back indirect/double-indirect blocks (spec.md §4.5).
//
// It is a borrowed view over (PointerSource, BlockSource): advancing does
// not allocate, beyond the occasional indirect-block swap, matching §9's
// re-architecture guidance to avoid a per-advance allocation.
type Iterator struct {
	src PointerSource
	bs  BlockSource
	cur uint64

	slot Slot

	// Leaf-level cache: for LevelIndirect this is the inum[]-indexed
	// indirect block; for LevelDoubleIndirect this is the block named by
	// l1Ptrs[L1Index] (the teacher has no analog; see source.go).
	indLoaded   bool
	indOwner    common.PointerLevel
	indOwnerIdx int // IndirectIndex (ordinary) or L1Index (double leaf)
	indBlk      common.Bnum
	indPtrs     []common.Bnum
	indDirty    bool

	// Double-indirect first-level cache: dinum[DoubleIndex]'s block, whose
	// entries point at leaf indirect blocks.
	l1Loaded bool
	dblIdx   int
	l1Blk    common.Bnum
	l1Ptrs   []common.Bnum
	l1Dirty  bool
}

// Init creates an iterator positioned at startFileBlock.
func Init(src PointerSource, bs BlockSource, startFileBlock uint64) (*Iterator, error) {
	it := &Iterator{src: src, bs: bs, cur: startFileBlock}
	slot, err := Map(startFileBlock)
	if err != nil {
		return nil, err
	}
	it.slot = slot
	if err := it.loadLevel(); err != nil {
		return nil, err
	}
	return it, nil
}

// loadLevel loads whatever caches the current slot needs (no-op for
// LevelDirect), assuming it.slot is already set.
func (it *Iterator) loadLevel() error {
	switch it.slot.Level {
	case common.LevelDirect:
		return nil
	case common.LevelIndirect:
		return it.ensureIndirectLoaded()
	case common.LevelDoubleIndirect:
		if err := it.ensureL1Loaded(); err != nil {
			return err
		}
		return it.ensureIndirectLoaded()
	}
	return nil
}

// ensureIndirectLoaded refreshes the leaf-level cache for the current slot,
// flushing a previously-cached different leaf first.
func (it *Iterator) ensureIndirectLoaded() error {
	var blk common.Bnum
	var idx int
	switch it.slot.Level {
	case common.LevelIndirect:
		idx = it.slot.IndirectIndex
		blk = it.src.Indirect(idx)
	case common.LevelDoubleIndirect:
		idx = it.slot.L1Index
		blk = it.l1Ptrs[idx]
	default:
		return nil
	}
	if it.indLoaded && it.indOwner == it.slot.Level && it.indOwnerIdx == idx {
		return nil
	}
	if err := it.flushIndirect(); err != nil {
		return err
	}
	it.indOwner = it.slot.Level
	it.indOwnerIdx = idx
	it.indBlk = blk
	if blk == 0 {
		it.indPtrs = make([]common.Bnum, common.KDirectPerIndirect)
	} else {
		data, err := it.bs.ReadBlock(blk)
		if err != nil {
			return err
		}
		it.indPtrs = decodeIndirect(data)
	}
	it.indLoaded = true
	it.indDirty = false
	return nil
}

func (it *Iterator) ensureL1Loaded() error {
	if it.l1Loaded && it.dblIdx == it.slot.DoubleIndex {
		return nil
	}
	if err := it.flushIndirect(); err != nil { // leaf belongs to the old l1
		return err
	}
	if err := it.flushL1(); err != nil {
		return err
	}
	it.dblIdx = it.slot.DoubleIndex
	blk := it.src.DoubleIndirect(it.dblIdx)
	it.l1Blk = blk
	if blk == 0 {
		it.l1Ptrs = make([]common.Bnum, common.KDirectPerIndirect)
	} else {
		data, err := it.bs.ReadBlock(blk)
		if err != nil {
			return err
		}
		it.l1Ptrs = decodeIndirect(data)
	}
	it.l1Loaded = true
	it.l1Dirty = false
	return nil
}

// Blk returns the current file-block's absolute block number, 0 if sparse.
func (it *Iterator) Blk() common.Bnum {
	switch it.slot.Level {
	case common.LevelDirect:
		return it.src.Direct(it.slot.DirectIndex)
	case common.LevelIndirect:
		if it.indBlk == 0 {
			return 0
		}
		return it.indPtrs[it.slot.Offset]
	case common.LevelDoubleIndirect:
		if it.l1Blk == 0 || it.indBlk == 0 {
			return 0
		}
		return it.indPtrs[it.slot.L1Offset]
	}
	return 0
}

// SetBlk writes abs through the in-memory indirect cache, allocating any
// missing indirect/double-indirect block along the way, and marks the
// relevant cache level dirty.
func (it *Iterator) SetBlk(abs common.Bnum) error {
	switch it.slot.Level {
	case common.LevelDirect:
		it.src.SetDirect(it.slot.DirectIndex, abs)
		return nil
	case common.LevelIndirect:
		if it.indBlk == 0 {
			nb, err := it.bs.AllocateIndirect()
			if err != nil {
				return err
			}
			it.indBlk = nb
			it.src.SetIndirect(it.slot.IndirectIndex, nb)
		}
		it.indPtrs[it.slot.Offset] = abs
		it.indDirty = true
		return nil
	case common.LevelDoubleIndirect:
		if it.l1Blk == 0 {
			nb, err := it.bs.AllocateIndirect()
			if err != nil {
				return err
			}
			it.l1Blk = nb
			it.src.SetDoubleIndirect(it.slot.DoubleIndex, nb)
		}
		if it.indBlk == 0 {
			nb, err := it.bs.AllocateIndirect()
			if err != nil {
				return err
			}
			it.indBlk = nb
			it.l1Ptrs[it.slot.L1Index] = nb
			it.l1Dirty = true
		}
		it.indPtrs[it.slot.L1Offset] = abs
		it.indDirty = true
		return nil
	}
	return nil
}

// Advance moves to the next file block, swapping in a new indirect block
// (flushing or proving the old one unchanged first) whenever the move
// crosses an indirect-block boundary.
func (it *Iterator) Advance() error {
	it.cur++
	slot, err := Map(it.cur)
	if err != nil {
		return err
	}
	it.slot = slot
	return it.loadLevel()
}

// flushIndirect writes the currently cached leaf-level block if dirty,
// freeing it and clearing its owning pointer if it turned out all-zero.
func (it *Iterator) flushIndirect() error {
	if !it.indLoaded {
		return nil
	}
	defer func() { it.indLoaded = false }()
	if !it.indDirty {
		return nil
	}
	if allZero(it.indPtrs) {
		if it.indBlk != 0 {
			if err := it.bs.FreeIndirect(it.indBlk); err != nil {
				return err
			}
			switch it.indOwner {
			case common.LevelIndirect:
				it.src.SetIndirect(it.indOwnerIdx, 0)
			case common.LevelDoubleIndirect:
				if it.l1Loaded && it.dblIdx == it.slot.DoubleIndex {
					it.l1Ptrs[it.indOwnerIdx] = 0
					it.l1Dirty = true
				}
			}
		}
	} else {
		it.bs.StageMetadata(it.indBlk, encodeIndirect(it.indPtrs))
	}
	it.indDirty = false
	return nil
}

// flushL1 writes the currently cached double-indirect first-level block if
// dirty, freeing it and clearing the dinum slot if it turned out all-zero.
func (it *Iterator) flushL1() error {
	if !it.l1Loaded {
		return nil
	}
	defer func() { it.l1Loaded = false }()
	if !it.l1Dirty {
		return nil
	}
	if allZero(it.l1Ptrs) {
		if it.l1Blk != 0 {
			if err := it.bs.FreeIndirect(it.l1Blk); err != nil {
				return err
			}
			it.src.SetDoubleIndirect(it.dblIdx, 0)
		}
	} else {
		it.bs.StageMetadata(it.l1Blk, encodeIndirect(it.l1Ptrs))
	}
	it.l1Dirty = false
	return nil
}

// Flush writes all dirty indirect blocks into the transaction's metadata
// list and drops zero-pointer indirects (spec.md §4.5).
func (it *Iterator) Flush() error {
	if err := it.flushIndirect(); err != nil {
		return err
	}
	return it.flushL1()
}
