package journal

import (
	"testing"

	"github.com/dgryski/go-farm"
	"github.com/stretchr/testify/suite"

	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
)

// These tests live in package journal, not journal_test: they drive replay
// from a (startSeq, startOffset) that Commit itself can never leave on disk,
// since Commit always checkpoints past an entry before returning. Reaching
// that state requires hand-encoding ring entries directly rather than going
// through two Commit calls.
type JournalInternalSuite struct {
	suite.Suite
	dev *bcache.MemDevice
	bc  *bcache.Bcache
}

const (
	internalJournalStart = common.Bnum(10)
	internalJournalSize  = uint64(16)
	internalDeviceBlocks = common.Bnum(64)
)

func (s *JournalInternalSuite) SetupTest() {
	s.dev = bcache.NewMemDevice(internalDeviceBlocks)
	s.bc = bcache.New(s.dev)
}

// writeRawEntry hand-encodes one header/payload.../commit run directly into
// the ring at pos and returns the ring position just past it.
func (s *JournalInternalSuite) writeRawEntry(j *Journal, pos, seq uint64, addrs, revoked []common.Bnum, payloads [][]byte) uint64 {
	hdr, err := encodeHeader(seq, addrs, revoked)
	s.Require().NoError(err)
	s.Require().NoError(s.bc.WriteBlock(j.physical(pos), hdr))

	checksumInput := append([]byte{}, hdr...)
	for i := range addrs {
		s.Require().NoError(s.bc.WriteBlock(j.physical(pos+1+uint64(i)), payloads[i]))
		checksumInput = append(checksumInput, payloads[i]...)
	}
	commitOff := pos + 1 + uint64(len(addrs))
	s.Require().NoError(s.bc.WriteBlock(j.physical(commitOff), encodeCommit(seq, farm.Hash64(checksumInput))))
	return commitOff + 1
}

// TestRevocationSuppressesStaleReplay exercises journal.go's revokeSeq
// logic (replay's honoring of a later entry's revocation list): an entry
// that wrote target is followed by an entry that revokes target without
// rewriting it, and replaying both must leave target untouched rather than
// reinstalling the earlier, now-stale payload.
func (s *JournalInternalSuite) TestRevocationSuppressesStaleReplay() {
	j, err := Format(s.bc, internalJournalStart, internalJournalSize)
	s.Require().NoError(err)

	const target = common.Bnum(40)
	stale := make([]byte, common.BlockSize)
	stale[0] = 0x11

	next := s.writeRawEntry(j, 0, 0, []common.Bnum{target}, nil, [][]byte{stale})
	s.writeRawEntry(j, next, 1, nil, []common.Bnum{target}, nil)

	s.Require().NoError(s.bc.WriteBlock(target, make([]byte, common.BlockSize)))

	j2, err := Load(s.bc, internalJournalStart, internalJournalSize)
	s.Require().NoError(err)
	s.NotNil(j2)

	got, err := s.bc.ReadBlock(target)
	s.Require().NoError(err)
	s.Equal(byte(0), got[0], "revoked address must not be reinstalled from the earlier entry's stale payload")
}

// TestCrashBetweenHeaderAndCommitNeverApplies covers "crash between header
// and commit": a crash that only gets N-1 of the N blocks an entry needs
// onto the ring leaves the commit block missing, so replay must stop before
// that entry and the write it would have made must never reach its target,
// exactly as if it had never been attempted.
func (s *JournalInternalSuite) TestCrashBetweenHeaderAndCommitNeverApplies() {
	j, err := Format(s.bc, internalJournalStart, internalJournalSize)
	s.Require().NoError(err)

	const target = common.Bnum(50)
	payload := make([]byte, common.BlockSize)
	payload[0] = 0x99

	hdr, err := encodeHeader(0, []common.Bnum{target}, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.bc.WriteBlock(j.physical(0), hdr))
	s.Require().NoError(s.bc.WriteBlock(j.physical(1), payload))
	// The commit block at physical(2) is never written: the entry needs 3
	// ring blocks and the simulated crash only lands 2 of them.

	j2, err := Load(s.bc, internalJournalStart, internalJournalSize)
	s.Require().NoError(err)
	s.EqualValues(0, j2.Occupied())

	got, err := s.bc.ReadBlock(target)
	s.Require().NoError(err)
	s.Equal(byte(0), got[0], "an entry missing its commit block must never be installed")
}

func TestJournalInternalSuite(t *testing.T) {
	suite.Run(t, new(JournalInternalSuite))
}
