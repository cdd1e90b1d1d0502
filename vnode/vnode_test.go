package vnode_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/vnode"
)

const (
	tableStart   = common.Bnum(5)
	deviceBlocks = common.Bnum(32)
)

type VnodeSuite struct {
	suite.Suite
	bc *bcache.Bcache
}

func (s *VnodeSuite) SetupTest() {
	s.bc = bcache.New(bcache.NewMemDevice(deviceBlocks))
}

func (s *VnodeSuite) TestStoreThenLoadRoundtrip() {
	ip := &vnode.Inode{Magic: common.InodeMagicFile, Size: 4096, LinkCount: 1}
	ip.SetDirect(0, common.Bnum(99))

	blkno, blk, err := vnode.StoreInode(s.bc, tableStart, common.Inum(3), ip)
	s.Require().NoError(err)
	s.Require().NoError(s.bc.WriteBlock(blkno, blk))

	got, err := vnode.LoadInode(s.bc, tableStart, common.Inum(3))
	s.Require().NoError(err)
	s.Equal(common.InodeMagicFile, got.Magic)
	s.EqualValues(4096, got.Size)
	s.EqualValues(99, got.Direct(0))
}

func (s *VnodeSuite) TestTwoInodesShareOneBlockWithoutClobbering() {
	ip1 := &vnode.Inode{Magic: common.InodeMagicFile, Size: 1}
	ip2 := &vnode.Inode{Magic: common.InodeMagicDir, Size: 2}

	blkno1, blk1, err := vnode.StoreInode(s.bc, tableStart, common.Inum(0), ip1)
	s.Require().NoError(err)
	s.Require().NoError(s.bc.WriteBlock(blkno1, blk1))

	blkno2, blk2, err := vnode.StoreInode(s.bc, tableStart, common.Inum(1), ip2)
	s.Require().NoError(err)
	s.Require().Equal(blkno1, blkno2) // both fit in the same table block
	s.Require().NoError(s.bc.WriteBlock(blkno2, blk2))

	got1, err := vnode.LoadInode(s.bc, tableStart, common.Inum(0))
	s.Require().NoError(err)
	got2, err := vnode.LoadInode(s.bc, tableStart, common.Inum(1))
	s.Require().NoError(err)

	s.Equal(common.InodeMagicFile, got1.Magic)
	s.EqualValues(1, got1.Size)
	s.Equal(common.InodeMagicDir, got2.Magic)
	s.EqualValues(2, got2.Size)
}

func (s *VnodeSuite) TestCacheOpenLoadsThenReusesSameHandle() {
	ip := &vnode.Inode{Magic: common.InodeMagicFile, Size: 10}
	blkno, blk, err := vnode.StoreInode(s.bc, tableStart, common.Inum(7), ip)
	s.Require().NoError(err)
	s.Require().NoError(s.bc.WriteBlock(blkno, blk))

	c := vnode.NewCache(s.bc, tableStart)
	v1, err := c.Open(common.Inum(7))
	s.Require().NoError(err)
	v2, err := c.Open(common.Inum(7))
	s.Require().NoError(err)
	s.Same(v1, v2)

	c.Put(v1)
	c.Put(v2)
}

func (s *VnodeSuite) TestTouchBumpsSeqAndMarksDirty() {
	ip := &vnode.Inode{Magic: common.InodeMagicFile}
	blkno, blk, err := vnode.StoreInode(s.bc, tableStart, common.Inum(2), ip)
	s.Require().NoError(err)
	s.Require().NoError(s.bc.WriteBlock(blkno, blk))

	c := vnode.NewCache(s.bc, tableStart)
	v, err := c.Open(common.Inum(2))
	s.Require().NoError(err)

	s.False(v.Dirty())
	v.Touch(1000)
	s.True(v.Dirty())
	s.EqualValues(1, v.Inode().Seq)
	s.EqualValues(1000, v.Inode().ModifyTime)
}

func (s *VnodeSuite) TestPinUnpin() {
	ip := &vnode.Inode{Magic: common.InodeMagicFile}
	blkno, blk, err := vnode.StoreInode(s.bc, tableStart, common.Inum(4), ip)
	s.Require().NoError(err)
	s.Require().NoError(s.bc.WriteBlock(blkno, blk))

	c := vnode.NewCache(s.bc, tableStart)
	v, err := c.Open(common.Inum(4))
	s.Require().NoError(err)

	s.False(v.Pinned())
	v.Pin()
	s.True(v.Pinned())
	v.Unpin()
	s.False(v.Pinned())
}

func TestVnodeSuite(t *testing.T) {
	suite.Run(t, new(VnodeSuite))
}
