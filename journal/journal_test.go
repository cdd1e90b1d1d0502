package journal_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/journal"
)

const (
	journalStart = common.Bnum(10)
	journalSize  = uint64(16)
	deviceBlocks = common.Bnum(64)
)

type JournalSuite struct {
	suite.Suite
	dev *bcache.MemDevice
	bc  *bcache.Bcache
}

func (s *JournalSuite) SetupTest() {
	s.dev = bcache.NewMemDevice(deviceBlocks)
	s.bc = bcache.New(s.dev)
}

func (s *JournalSuite) TestCommitInstallsToFinalLocations() {
	j, err := journal.Format(s.bc, journalStart, journalSize)
	s.Require().NoError(err)

	e := journal.NewEntry()
	payload := make([]byte, common.BlockSize)
	payload[0] = 0xAB
	e.AddBlock(common.Bnum(40), payload)
	s.Require().NoError(j.Commit(e))

	got, err := s.bc.ReadBlock(40)
	s.Require().NoError(err)
	s.Equal(byte(0xAB), got[0])
}

func (s *JournalSuite) TestEmptyEntryIsNoop() {
	j, err := journal.Format(s.bc, journalStart, journalSize)
	s.Require().NoError(err)
	s.Require().NoError(j.Commit(journal.NewEntry()))
	s.EqualValues(0, j.Occupied())
}

func (s *JournalSuite) TestEntryLargerThanRingFails() {
	j, err := journal.Format(s.bc, journalStart, journalSize)
	s.Require().NoError(err)

	e := journal.NewEntry()
	for i := 0; i < int(journalSize); i++ {
		e.AddBlock(common.Bnum(40+i), make([]byte, common.BlockSize))
	}
	s.Error(j.Commit(e))
}

func (s *JournalSuite) TestReplayAfterCrashBeforeCheckpoint() {
	j, err := journal.Format(s.bc, journalStart, journalSize)
	s.Require().NoError(err)

	e := journal.NewEntry()
	payload := make([]byte, common.BlockSize)
	payload[0] = 0x42
	e.AddBlock(common.Bnum(50), payload)
	info, err := s.bc.ReadBlock(journalStart)
	s.Require().NoError(err)
	s.Require().NoError(j.Commit(e))

	// Simulate a crash after the entry reached the ring but before the
	// final-location write and the start-pointer update: restore the info
	// block as it was before Commit and roll block 50 back. Reopening the
	// journal replays the entry from the ring.
	s.Require().NoError(s.bc.WriteBlock(journalStart, info))
	s.Require().NoError(s.bc.WriteBlock(50, make([]byte, common.BlockSize)))

	j2, err := journal.Load(s.bc, journalStart, journalSize)
	s.Require().NoError(err)
	s.NotNil(j2)

	got, err := s.bc.ReadBlock(50)
	s.Require().NoError(err)
	s.Equal(byte(0x42), got[0])
}

func (s *JournalSuite) TestLoadEmptyJournalReplaysNothing() {
	_, err := journal.Format(s.bc, journalStart, journalSize)
	s.Require().NoError(err)

	j2, err := journal.Load(s.bc, journalStart, journalSize)
	s.Require().NoError(err)
	s.EqualValues(0, j2.Occupied())
}

func (s *JournalSuite) TestSequentialCommitsWrapTheRing() {
	j, err := journal.Format(s.bc, journalStart, journalSize)
	s.Require().NoError(err)

	for i := 0; i < 20; i++ {
		e := journal.NewEntry()
		p := make([]byte, common.BlockSize)
		p[0] = byte(i)
		e.AddBlock(common.Bnum(40), p)
		s.Require().NoError(j.Commit(e))
	}
	got, err := s.bc.ReadBlock(40)
	s.Require().NoError(err)
	s.Equal(byte(19), got[0])
}

func TestJournalSuite(t *testing.T) {
	suite.Run(t, new(JournalSuite))
}
