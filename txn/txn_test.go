package txn_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/minfs/minfs/alloc"
	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/journal"
	"github.com/minfs/minfs/txn"
)

const (
	journalStart = common.Bnum(4)
	journalSize  = uint64(16)
	bitmapBlock  = common.Bnum(30)
	dataStart    = common.Bnum(40)
	totalBlocks  = uint64(64)
	totalInodes  = uint64(16)
	deviceBlocks = common.Bnum(128)
)

type pinnedSpy struct {
	pinned bool
}

func (p *pinnedSpy) Pin()   { p.pinned = true }
func (p *pinnedSpy) Unpin() { p.pinned = false }

type TxnSuite struct {
	suite.Suite
	bc     *bcache.Bcache
	jnl    *journal.Journal
	balloc *alloc.Allocator
	ialloc *alloc.Allocator
}

func (s *TxnSuite) SetupTest() {
	dev := bcache.NewMemDevice(deviceBlocks)
	s.bc = bcache.New(dev)
	jnl, err := journal.Format(s.bc, journalStart, journalSize)
	s.Require().NoError(err)
	s.jnl = jnl

	bbm := alloc.NewBlockBitmap(s.bc, bitmapBlock)
	s.Require().NoError(bbm.SetBit(0, true)) // reserve index 0, see txn.Transaction.AllocateBlock
	s.balloc = alloc.New(bbm, totalBlocks, totalBlocks-1)

	ibm := alloc.NewBlockBitmap(s.bc, bitmapBlock+1)
	s.Require().NoError(ibm.SetBit(0, true)) // reserve NullInum
	s.ialloc = alloc.New(ibm, totalInodes, totalInodes-1)
}

func (s *TxnSuite) TestCommitWritesMetadataAndDataAndReleasesReservation() {
	t, err := txn.Begin(s.bc, s.jnl, s.balloc, s.ialloc, dataStart, 4, 1)
	s.Require().NoError(err)

	bn, err := t.AllocateBlock()
	s.Require().NoError(err)
	meta := make([]byte, common.BlockSize)
	meta[0] = 0x7
	t.StageMetadata(bn, meta)

	dataBn, err := t.AllocateBlock()
	s.Require().NoError(err)
	data := make([]byte, common.BlockSize)
	data[0] = 0x9
	t.StageData(dataBn, data)

	freeBefore := s.balloc.FreeCount()
	s.Require().NoError(t.Commit())

	got, err := s.bc.ReadBlock(bn)
	s.Require().NoError(err)
	s.Equal(byte(0x7), got[0])

	got2, err := s.bc.ReadBlock(dataBn)
	s.Require().NoError(err)
	s.Equal(byte(0x9), got2[0])

	// two of the four reserved blocks were allocated; the other two return
	// to the allocator on commit.
	s.EqualValues(freeBefore+2, s.balloc.FreeCount())
}

func (s *TxnSuite) TestReadBlockSeesOwnStagedWrite() {
	t, err := txn.Begin(s.bc, s.jnl, s.balloc, s.ialloc, dataStart, 1, 0)
	s.Require().NoError(err)

	bn, err := t.AllocateBlock()
	s.Require().NoError(err)
	meta := make([]byte, common.BlockSize)
	meta[0] = 0x55
	t.StageMetadata(bn, meta)

	got, err := t.ReadBlock(bn)
	s.Require().NoError(err)
	s.Equal(byte(0x55), got[0])

	s.Require().NoError(t.Commit())
}

func (s *TxnSuite) TestDropReturnsFullReservationAndUnpins() {
	freeBefore := s.balloc.FreeCount()
	t, err := txn.Begin(s.bc, s.jnl, s.balloc, s.ialloc, dataStart, 5, 2)
	s.Require().NoError(err)

	p := &pinnedSpy{}
	t.Pin(p)
	s.True(p.pinned)

	t.Drop()
	s.EqualValues(freeBefore, s.balloc.FreeCount())
	s.False(p.pinned)
}

func (s *TxnSuite) TestContinueTransactionExtendsReservation() {
	t, err := txn.Begin(s.bc, s.jnl, s.balloc, s.ialloc, dataStart, 1, 0)
	s.Require().NoError(err)
	s.Require().NoError(t.ContinueTransaction(3))

	for i := 0; i < 4; i++ {
		_, err := t.AllocateBlock()
		s.Require().NoError(err)
	}
	t.Drop()
}

func (s *TxnSuite) TestSwapBlockIsCopyOnWrite() {
	t, err := txn.Begin(s.bc, s.jnl, s.balloc, s.ialloc, dataStart, 2, 0)
	s.Require().NoError(err)

	old, err := t.AllocateBlock()
	s.Require().NoError(err)

	newBn, err := t.SwapBlock(old)
	s.Require().NoError(err)
	s.NotEqual(old, newBn)
	t.Drop()
}

func (s *TxnSuite) TestAllocateBlockStagesBitmapFlipNotWrittenThroughUntilCommit() {
	before, err := s.bc.ReadBlock(bitmapBlock)
	s.Require().NoError(err)

	t, err := txn.Begin(s.bc, s.jnl, s.balloc, s.ialloc, dataStart, 1, 0)
	s.Require().NoError(err)
	_, err = t.AllocateBlock()
	s.Require().NoError(err)

	// the flip lives in the allocator's pending set; the bitmap block on
	// disk must be untouched until this transaction commits.
	mid, err := s.bc.ReadBlock(bitmapBlock)
	s.Require().NoError(err)
	s.Equal(before, mid)

	s.Require().NoError(t.Commit())

	after, err := s.bc.ReadBlock(bitmapBlock)
	s.Require().NoError(err)
	s.NotEqual(before, after)
}

func (s *TxnSuite) TestDroppedTransactionLeavesBitmapBlockUnwrittenOnDisk() {
	before, err := s.bc.ReadBlock(bitmapBlock)
	s.Require().NoError(err)

	t, err := txn.Begin(s.bc, s.jnl, s.balloc, s.ialloc, dataStart, 1, 0)
	s.Require().NoError(err)
	_, err = t.AllocateBlock()
	s.Require().NoError(err)
	t.Drop()

	after, err := s.bc.ReadBlock(bitmapBlock)
	s.Require().NoError(err)
	s.Equal(before, after)
}

func (s *TxnSuite) TestFreeAfterAllocateInSameTransactionSeesOwnPendingFlip() {
	t, err := txn.Begin(s.bc, s.jnl, s.balloc, s.ialloc, dataStart, 1, 0)
	s.Require().NoError(err)

	bn, err := t.AllocateBlock()
	s.Require().NoError(err)

	// freeing a block this same transaction just allocated (e.g. an
	// indirect block that turned out all-zero) must see its own
	// not-yet-drained flip rather than the stale on-disk bit, or it would
	// wrongly panic as a double free.
	s.Require().NoError(t.FreeBlock(bn))

	s.Require().NoError(t.Commit())
}

func TestTxnSuite(t *testing.T) {
	suite.Run(t, new(TxnSuite))
}
