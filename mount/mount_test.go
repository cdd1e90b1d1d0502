package mount_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
	"github.com/minfs/minfs/mount"
	"github.com/minfs/minfs/super"
)

const (
	deviceBlocks = common.Bnum(256)
)

func formatOpts() mount.FormatOptions {
	return mount.FormatOptions{DefaultInodeCount: 32, JournalBlocks: 16}
}

func mountOpts() mount.MountOptions {
	return mount.MountOptions{Metrics: true, RepairFilesystem: true, DirtyCacheEnabled: true}
}

type MountSuite struct {
	suite.Suite
	dev *bcache.MemDevice
}

func (s *MountSuite) SetupTest() {
	s.dev = bcache.NewMemDevice(deviceBlocks)
}

func (s *MountSuite) TestFormatProducesCleanSuperblockWithRootInodeReserved() {
	fs, err := mount.Format(s.dev, formatOpts())
	s.Require().NoError(err)
	sb := fs.Superblock()
	s.NotZero(sb.Flags & super.FlagClean)
	// NullInum and RootInum are both pre-allocated.
	s.EqualValues(2, sb.AllocInodeCount)

	f, err := fs.OpenFile(common.RootInum)
	s.Require().NoError(err)
	s.EqualValues(common.InodeMagicDir, f.Vnode().Inode().Magic)
	s.Require().NoError(fs.CloseFile(f))
}

func (s *MountSuite) TestWriteSyncUnmountRemountReadsBackData() {
	fs, err := mount.Format(s.dev, formatOpts())
	s.Require().NoError(err)

	inum, err := fs.CreateFile(common.InodeMagicFile, 1)
	s.Require().NoError(err)

	f, err := fs.OpenFile(inum)
	s.Require().NoError(err)
	_, err = f.Write([]byte("persisted"), 0, 2)
	s.Require().NoError(err)
	s.Require().NoError(fs.CloseFile(f))

	s.Require().NoError(mount.Unmount(fs))
	sb := fs.Superblock()
	s.NotZero(sb.Flags & super.FlagClean)

	fs2, err := mount.Mount(s.dev, mountOpts())
	s.Require().NoError(err)
	s.Zero(fs2.Superblock().Flags & super.FlagClean)

	f2, err := fs2.OpenFile(inum)
	s.Require().NoError(err)
	buf := make([]byte, 9)
	n, err := f2.Read(buf, 0)
	s.Require().NoError(err)
	s.Equal(9, n)
	s.Equal("persisted", string(buf))
	s.Require().NoError(fs2.CloseFile(f2))

	s.Require().NoError(mount.Unmount(fs2))
}

func (s *MountSuite) TestMountBumpsGenerationCountAcrossCycles() {
	fs, err := mount.Format(s.dev, formatOpts())
	s.Require().NoError(err)
	s.Require().NoError(mount.Unmount(fs))

	fs2, err := mount.Mount(s.dev, mountOpts())
	s.Require().NoError(err)
	gen1 := fs2.Superblock().GenerationCount
	s.Require().NoError(mount.Unmount(fs2))

	fs3, err := mount.Mount(s.dev, mountOpts())
	s.Require().NoError(err)
	s.Greater(fs3.Superblock().GenerationCount, gen1)
	s.Require().NoError(mount.Unmount(fs3))
}

func (s *MountSuite) TestStatsTracksOperationsAcrossAHandle() {
	fs, err := mount.Format(s.dev, formatOpts())
	s.Require().NoError(err)

	inum, err := fs.CreateFile(common.InodeMagicFile, 1)
	s.Require().NoError(err)

	f, err := fs.OpenFile(inum)
	s.Require().NoError(err)
	_, err = f.Write([]byte("tracked"), 0, 2)
	s.Require().NoError(err)
	buf := make([]byte, 7)
	_, err = f.Read(buf, 0)
	s.Require().NoError(err)
	s.Require().NoError(fs.CloseFile(f))

	snap := fs.Stats()
	var sawWrite, sawRead bool
	for _, op := range snap.Ops {
		if op.Name() == "write" && op.Count() > 0 {
			sawWrite = true
		}
		if op.Name() == "read" && op.Count() > 0 {
			sawRead = true
		}
	}
	s.True(sawWrite)
	s.True(sawRead)
	s.Require().NoError(mount.Unmount(fs))
}

func (s *MountSuite) TestFormatRejectsDeviceTooSmallForLayout() {
	tiny := bcache.NewMemDevice(common.Bnum(10))
	_, err := mount.Format(tiny, formatOpts())
	s.Require().Error(err)
	s.True(merr.Is(err, merr.ErrNoSpace))
}

func (s *MountSuite) TestReadonlyAfterInitializationRejectsMutationsButAllowsReads() {
	fs, err := mount.Format(s.dev, formatOpts())
	s.Require().NoError(err)
	inum, err := fs.CreateFile(common.InodeMagicFile, 1)
	s.Require().NoError(err)
	f, err := fs.OpenFile(inum)
	s.Require().NoError(err)
	_, err = f.Write([]byte("before readonly mount"), 0, 2)
	s.Require().NoError(err)
	s.Require().NoError(fs.CloseFile(f))
	s.Require().NoError(mount.Unmount(fs))

	ro, err := mount.Mount(s.dev, mount.MountOptions{ReadonlyAfterInitialization: true})
	s.Require().NoError(err)
	s.True(ro.ReadOnly())

	// Clean flag/generation count are left exactly as loaded: mounting
	// read-only performs no writes of its own.
	cleanBefore := ro.Superblock().Flags & super.FlagClean
	s.NotZero(cleanBefore)

	rf, err := ro.OpenFile(inum)
	s.Require().NoError(err)
	buf := make([]byte, 21)
	n, err := rf.Read(buf, 0)
	s.Require().NoError(err)
	s.Equal("before readonly mount", string(buf[:n]))

	_, err = rf.Write([]byte("x"), 0, 3)
	s.Require().Error(err)
	s.True(merr.Is(err, merr.ErrReadOnly))

	_, err = ro.CreateFile(common.InodeMagicFile, 3)
	s.Require().Error(err)
	s.True(merr.Is(err, merr.ErrReadOnly))

	err = mount.Unmount(ro)
	s.Require().Error(err)
	s.True(merr.Is(err, merr.ErrReadOnly))
}

func (s *MountSuite) TestRepairFilesystemDisabledFailsClosedOnCorruptPrimary() {
	fs, err := mount.Format(s.dev, formatOpts())
	s.Require().NoError(err)
	s.Require().NoError(mount.Unmount(fs))

	blk := make([]byte, common.BlockSize)
	s.Require().NoError(s.dev.ReadAt(common.SuperblockPrimaryBlock, blk))
	blk[16] ^= 0xFF
	s.Require().NoError(s.dev.WriteAt(common.SuperblockPrimaryBlock, blk))

	_, err = mount.Mount(s.dev, mount.MountOptions{RepairFilesystem: false})
	s.Require().Error(err)
	s.True(merr.Is(err, merr.ErrBadState))
}

func TestMountSuite(t *testing.T) {
	suite.Run(t, new(MountSuite))
}
