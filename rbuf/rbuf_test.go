package rbuf_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/rbuf"
)

type RbufSuite struct {
	suite.Suite
}

func (s *RbufSuite) TestGrowShrinkCapacity() {
	b := rbuf.New("test")
	s.EqualValues(0, b.Capacity())
	b.Grow(3)
	s.EqualValues(3, b.Capacity())
	b.Grow(2)
	s.EqualValues(5, b.Capacity())
	b.Shrink(2)
	s.EqualValues(2, b.Capacity())
}

func (s *RbufSuite) TestGrowPreservesContents() {
	b := rbuf.New("test")
	b.Grow(2)
	d0, err := b.Data(0)
	s.Require().NoError(err)
	d0[5] = 0x42

	b.Grow(1)
	d0again, err := b.Data(0)
	s.Require().NoError(err)
	s.Equal(byte(0x42), d0again[5])
}

func (s *RbufSuite) TestZeroClearsRange() {
	b := rbuf.New("test")
	b.Grow(2)
	d, _ := b.Data(0)
	d[0] = 0xFF
	s.Require().NoError(b.Zero(0, 1))
	d, _ = b.Data(0)
	s.Equal(byte(0), d[0])
}

func (s *RbufSuite) TestFlushAndLoadRoundtrip() {
	dev := bcache.NewMemDevice(16)
	bc := bcache.New(dev)

	b := rbuf.New("test")
	b.Attach(bc)
	b.Grow(2)
	d, _ := b.Data(1)
	d[10] = 7
	s.Require().NoError(b.FlushRange(0, 2, 4))

	b2 := rbuf.New("test2")
	b2.Attach(bc)
	b2.Grow(2)
	s.Require().NoError(b2.LoadRange(0, 2, 4))
	got, _ := b2.Data(1)
	s.Equal(byte(7), got[10])
}

func (s *RbufSuite) TestDataOutOfRange() {
	b := rbuf.New("test")
	b.Grow(1)
	_, err := b.Data(5)
	s.Error(err)
}

func TestRbufSuite(t *testing.T) {
	suite.Run(t, new(RbufSuite))
}
