// Package vnode implements the in-memory inode/vnode: the on-disk inode
// record, its fixed-size table encoding, and a reference-counted VNode
// wrapping it with a dirty-cache state machine and open/close lifecycle
// (spec.md §3, §4.6 Ownership & lifecycles, component C8).
//
// Grounded on the teacher's inode.go (Inode's mu/inum/ref/valid fields,
// mkInodeCache's fixed-size ref-counted slab, encode/load), with the
// direct-only `blks []uint64` replaced by the pointer-tree's
// dnum/inum/dinum arrays (ptree.PointerSource) and the teacher's hand-rolled
// enc/dec replaced by go-restruct, matching super and journal.
package vnode

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/kr/pretty"

	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
)

var order = binary.BigEndian

const inlineNameLen = 64

// Inode is the fixed-size on-disk record (spec.md §3 Data Model, Inode).
// Field order is the wire layout.
type Inode struct {
	Magic uint32
	_pad  uint32

	Size       uint64
	BlockCount uint64

	LinkCount uint32
	_pad2     uint32

	CreateTime uint64
	ModifyTime uint64
	Seq        uint64
	GenNum     uint64

	Dnum  [common.KDirect]uint64
	Inum  [common.KIndirect]uint64
	Dinum [common.KDoublyIndirect]uint64

	// InlineName is the last inline filename slot for the small-dir
	// optimization (spec.md §3, optional); zero-filled when unused.
	InlineName [inlineNameLen]byte
}

var inodeFixedLen = mustPackLen(&Inode{})

func mustPackLen(v interface{}) int {
	b, err := restruct.Pack(order, v)
	if err != nil {
		panic(err)
	}
	return len(b)
}

func init() {
	if inodeFixedLen > common.InodeSize {
		panic("vnode: Inode record exceeds common.InodeSize")
	}
}

// Direct, SetDirect, Indirect, SetIndirect, DoubleIndirect, SetDoubleIndirect
// implement ptree.PointerSource directly against the on-disk pointer arrays.
func (ip *Inode) Direct(i int) common.Bnum            { return common.Bnum(ip.Dnum[i]) }
func (ip *Inode) SetDirect(i int, b common.Bnum)      { ip.Dnum[i] = uint64(b) }
func (ip *Inode) Indirect(i int) common.Bnum          { return common.Bnum(ip.Inum[i]) }
func (ip *Inode) SetIndirect(i int, b common.Bnum)    { ip.Inum[i] = uint64(b) }
func (ip *Inode) DoubleIndirect(i int) common.Bnum    { return common.Bnum(ip.Dinum[i]) }
func (ip *Inode) SetDoubleIndirect(i int, b common.Bnum) { ip.Dinum[i] = uint64(b) }

// IsFree reports whether the record has never held a live file/dir.
func (ip *Inode) IsFree() bool { return ip.Magic == common.InodeMagicNone }

// GoString formats ip field-by-field via kr/pretty, so a failed
// require.Equal on two Inodes in a test prints which field actually
// differs instead of two opaque struct dumps.
func (ip *Inode) GoString() string {
	return pretty.Sprint(*ip)
}

func decodeInode(buf []byte) (*Inode, error) {
	ip := &Inode{}
	if err := restruct.Unpack(buf[:inodeFixedLen], order, ip); err != nil {
		return nil, merr.Wrapf(merr.ErrBadState, "decode inode: %v", err)
	}
	return ip, nil
}

func encodeInode(ip *Inode) ([]byte, error) {
	b, err := restruct.Pack(order, ip)
	if err != nil {
		return nil, merr.Wrapf(merr.ErrBadState, "encode inode: %v", err)
	}
	out := make([]byte, common.InodeSize)
	copy(out, b)
	return out, nil
}

// tableLocation returns which table block holds inum and the byte offset of
// its record within that block.
func tableLocation(tableStart common.Bnum, inum common.Inum) (common.Bnum, int) {
	blk := tableStart + common.Bnum(uint64(inum)/common.InodesPerBlock)
	off := int(uint64(inum)%common.InodesPerBlock) * common.InodeSize
	return blk, off
}

// LoadInode reads inum's record from the inode table.
func LoadInode(bc *bcache.Bcache, tableStart common.Bnum, inum common.Inum) (*Inode, error) {
	blkno, off := tableLocation(tableStart, inum)
	blk, err := bc.ReadBlock(blkno)
	if err != nil {
		return nil, err
	}
	return decodeInode(blk[off : off+common.InodeSize])
}

// StoreInode serializes ip into the inode table block, merges it with that
// block's current content (other inodes sharing the block), and returns the
// absolute block number plus merged block content for the caller to stage
// into a transaction (spec.md §3 "a transaction exclusively owns its
// reservations" — the caller decides how the write joins the transaction).
func StoreInode(bc *bcache.Bcache, tableStart common.Bnum, inum common.Inum, ip *Inode) (common.Bnum, []byte, error) {
	blkno, off := tableLocation(tableStart, inum)
	blk, err := bc.ReadBlock(blkno)
	if err != nil {
		return 0, nil, err
	}
	rec, err := encodeInode(ip)
	if err != nil {
		return 0, nil, err
	}
	copy(blk[off:off+common.InodeSize], rec)
	return blkno, blk, nil
}
