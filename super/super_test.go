package super_test

import (
	"testing"

	"github.com/kr/pretty"
	"github.com/stretchr/testify/suite"

	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/super"
)

type SuperSuite struct {
	suite.Suite
	bc *bcache.Bcache
}

func mkTestSB() *super.Superblock {
	sb := &super.Superblock{
		Magic0:           common.MagicSuperblock0,
		Magic1:           common.MagicSuperblock1,
		FormatVersion:    1,
		Flags:            super.FlagClean,
		BlockSize:        common.BlockSize,
		InodeSize:        common.InodeSize,
		BitmapBlockStart: 8,
		InodeBitmapStart: 9,
		InodeTableStart:  10,
		JournalStart:     20,
		DataStart:        40,
		BlockCount:       1000,
		InodeCount:       256,
	}
	super.UpdateChecksum(sb)
	return sb
}

func (s *SuperSuite) SetupTest() {
	s.bc = bcache.New(bcache.NewMemDevice(1024))
}

func (s *SuperSuite) TestWriteLoadRoundtrip() {
	sb := mkTestSB()
	s.Require().NoError(super.Write(s.bc, sb))

	loaded, err := super.Load(s.bc)
	s.Require().NoError(err)
	s.Equal(sb.BlockCount, loaded.BlockCount)
	s.Equal(sb.Checksum, loaded.Checksum)

	// pretty.Diff names the individual fields a loaded superblock diverges
	// on, rather than just failing an opaque struct-equality assertion.
	if diff := pretty.Diff(sb, loaded); len(diff) != 0 {
		s.Failf("roundtrip changed fields", "%#v", diff)
	}
}

func (s *SuperSuite) TestCorruptPrimaryRepairsFromBackup() {
	sb := mkTestSB()
	s.Require().NoError(super.Write(s.bc, sb))

	// Corrupt just the primary's format_version field in place (spec.md §8 S4).
	blk, err := s.bc.ReadBlock(common.SuperblockPrimaryBlock)
	s.Require().NoError(err)
	blk[16] ^= 0xFF
	s.Require().NoError(s.bc.WriteBlock(common.SuperblockPrimaryBlock, blk))

	_, err = super.Load(s.bc)
	s.Error(err)

	repaired, err := super.Repair(s.bc, common.Bnum(1000), true)
	s.Require().NoError(err)
	s.Equal(sb.BlockCount, repaired.BlockCount)

	// Primary must now be byte-for-byte the backup.
	reloaded, err := super.Load(s.bc)
	s.Require().NoError(err)
	s.Equal(sb.Checksum, reloaded.Checksum)
}

func (s *SuperSuite) TestBothCorruptFails() {
	sb := mkTestSB()
	s.Require().NoError(super.Write(s.bc, sb))

	for _, bn := range []common.Bnum{common.SuperblockPrimaryBlock, common.SuperblockBackupBlock} {
		blk, err := s.bc.ReadBlock(bn)
		s.Require().NoError(err)
		blk[0] ^= 0xFF
		s.Require().NoError(s.bc.WriteBlock(bn, blk))
	}
	_, err := super.Repair(s.bc, common.Bnum(1000), true)
	s.Error(err)
}

func (s *SuperSuite) TestRepairDisabledFailsClosedOnCorruptPrimary() {
	sb := mkTestSB()
	s.Require().NoError(super.Write(s.bc, sb))

	blk, err := s.bc.ReadBlock(common.SuperblockPrimaryBlock)
	s.Require().NoError(err)
	blk[16] ^= 0xFF
	s.Require().NoError(s.bc.WriteBlock(common.SuperblockPrimaryBlock, blk))

	_, err = super.Repair(s.bc, common.Bnum(1000), false)
	s.Require().Error(err)

	// The backup must not be copied over the primary: the primary block on
	// disk is still the corrupted one, not silently overwritten.
	still, err := s.bc.ReadBlock(common.SuperblockPrimaryBlock)
	s.Require().NoError(err)
	s.Equal(blk, still)
}

func (s *SuperSuite) TestReconstructAllocCounts() {
	sb := mkTestSB()
	// Place 0xFF at byte 0, 30, 100, 5000 of the block-bitmap region, per
	// spec.md §8 S5 — 32 set bits total.
	blk := make([]byte, common.BlockSize)
	for _, off := range []int{0, 30, 100, 5000} {
		blk[off] = 0xFF
	}
	s.Require().NoError(s.bc.WriteBlock(common.Bnum(sb.BitmapBlockStart), blk))
	s.Require().NoError(s.bc.WriteBlock(common.Bnum(sb.InodeBitmapStart), blk))

	s.Require().NoError(super.ReconstructAllocCounts(s.bc, sb))
	s.EqualValues(32, sb.AllocBlockCount)
	s.EqualValues(32, sb.AllocInodeCount)
}

func TestSuperSuite(t *testing.T) {
	suite.Run(t, new(SuperSuite))
}
