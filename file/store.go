package file

import (
	"github.com/minfs/minfs/alloc"
	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/journal"
	"github.com/minfs/minfs/txn"
)

// Store bundles the pieces a File needs to open transactions against:
// the block cache, the journal, both allocators, and the data region's
// starting block. Grounded on the teacher's FsSuper (fs.go), which groups
// the same layout pieces behind bitmapBlockStart/inodeStart/dataStart
// accessors; mount (C10) constructs one of these at startup and hands it
// to every File it opens.
type Store struct {
	bc         *bcache.Bcache
	jnl        *journal.Journal
	balloc     *alloc.Allocator
	ialloc     *alloc.Allocator
	dataStart  common.Bnum
	tableStart common.Bnum
}

func NewStore(bc *bcache.Bcache, jnl *journal.Journal, balloc, ialloc *alloc.Allocator, dataStart, tableStart common.Bnum) *Store {
	return &Store{bc: bc, jnl: jnl, balloc: balloc, ialloc: ialloc, dataStart: dataStart, tableStart: tableStart}
}

// Begin opens a transaction reserving reserveBlocks data blocks and
// reserveInodes inodes.
func (s *Store) Begin(reserveBlocks, reserveInodes uint64) (*txn.Transaction, error) {
	return txn.Begin(s.bc, s.jnl, s.balloc, s.ialloc, s.dataStart, reserveBlocks, reserveInodes)
}

// DataFreeCount reports the data allocator's free count, used by
// checkAndFlush's near-full heuristic.
func (s *Store) DataFreeCount() uint64 {
	return s.balloc.FreeCount()
}
