package journal

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
)

var order = binary.BigEndian

// maxAddrsPerHeader bounds how many target addresses one entry's header can
// list, matching common.MaxMetaBlocksPerTxn: a transaction never touches
// more metadata blocks than that in one commit.
const (
	maxAddrsPerHeader   = common.MaxMetaBlocksPerTxn
	maxRevokedPerHeader = common.MaxMetaBlocksPerTxn
)

// info is the journal's own superblock: block 0 of the ring (spec.md §6
// "Journal ring: block 0 is JournalInfo").
type info struct {
	Magic       uint32
	_pad        uint32
	StartSeq    uint64
	StartOffset uint64
}

var infoFixedLen = mustPackLen(&info{})

func decodeInfo(blk []byte) (*info, error) {
	in := &info{}
	if err := restruct.Unpack(blk[:infoFixedLen], order, in); err != nil {
		return nil, merr.Wrapf(merr.ErrBadState, "decode journal info: %v", err)
	}
	if in.Magic != common.MagicJournalInfo {
		return nil, merr.Wrapf(merr.ErrBadState, "journal info magic mismatch")
	}
	return in, nil
}

func encodeInfo(in *info) []byte {
	in.Magic = common.MagicJournalInfo
	b, err := restruct.Pack(order, in)
	if err != nil {
		panic(err)
	}
	out := make([]byte, common.BlockSize)
	copy(out, b)
	return out
}

// header is the fixed portion of a journal entry's header block (spec.md
// §3 "one header block: magic, sequence number, payload_blocks, block
// list"). The address and revocation lists follow as big-endian uint64s;
// restruct has no convenient tag for a count-prefixed variable list packed
// inline, so those are appended by hand, the same way ptree packs indirect
// pointer arrays.
type header struct {
	Magic         uint32
	_pad          uint32
	Seq           uint64
	PayloadBlocks uint32
	NumAddrs      uint32
	NumRevoked    uint32
	_pad2         uint32
}

var headerFixedLen = mustPackLen(&header{})

func encodeHeader(seq uint64, addrs, revoked []common.Bnum) ([]byte, error) {
	if len(addrs) > maxAddrsPerHeader {
		return nil, merr.Wrapf(merr.ErrInvalidArgs, "journal entry touches %d blocks, max %d", len(addrs), maxAddrsPerHeader)
	}
	if len(revoked) > maxRevokedPerHeader {
		return nil, merr.Wrapf(merr.ErrInvalidArgs, "journal entry revokes %d blocks, max %d", len(revoked), maxRevokedPerHeader)
	}
	h := header{
		Magic:         common.MagicJournalHdr,
		Seq:           seq,
		PayloadBlocks: uint32(len(addrs)),
		NumAddrs:      uint32(len(addrs)),
		NumRevoked:    uint32(len(revoked)),
	}
	fixed, err := restruct.Pack(order, &h)
	if err != nil {
		return nil, err
	}
	blk := make([]byte, common.BlockSize)
	copy(blk, fixed)
	off := len(fixed)
	for _, a := range addrs {
		binary.BigEndian.PutUint64(blk[off:off+8], uint64(a))
		off += 8
	}
	for _, r := range revoked {
		binary.BigEndian.PutUint64(blk[off:off+8], uint64(r))
		off += 8
	}
	return blk, nil
}

func decodeHeader(blk []byte) (seq uint64, addrs, revoked []common.Bnum, err error) {
	h := header{}
	if uerr := restruct.Unpack(blk[:headerFixedLen], order, &h); uerr != nil {
		return 0, nil, nil, merr.Wrapf(merr.ErrBadState, "decode journal header: %v", uerr)
	}
	if h.Magic != common.MagicJournalHdr {
		return 0, nil, nil, merr.Wrapf(merr.ErrBadState, "journal header magic mismatch")
	}
	off := headerFixedLen
	addrs = make([]common.Bnum, h.NumAddrs)
	for i := range addrs {
		addrs[i] = common.Bnum(binary.BigEndian.Uint64(blk[off : off+8]))
		off += 8
	}
	revoked = make([]common.Bnum, h.NumRevoked)
	for i := range revoked {
		revoked[i] = common.Bnum(binary.BigEndian.Uint64(blk[off : off+8]))
		off += 8
	}
	return h.Seq, addrs, revoked, nil
}

// commit is the trailer block: magic, sequence number, and a checksum over
// the header block plus every payload block (spec.md §3).
type commit struct {
	Magic    uint32
	_pad     uint32
	Seq      uint64
	Checksum uint64
}

var commitFixedLen = mustPackLen(&commit{})

func encodeCommit(seq, checksum uint64) []byte {
	c := commit{Magic: common.MagicJournalCmt, Seq: seq, Checksum: checksum}
	fixed, err := restruct.Pack(order, &c)
	if err != nil {
		panic(err)
	}
	blk := make([]byte, common.BlockSize)
	copy(blk, fixed)
	return blk
}

func decodeCommit(blk []byte) (seq, checksum uint64, err error) {
	c := commit{}
	if uerr := restruct.Unpack(blk[:commitFixedLen], order, &c); uerr != nil {
		return 0, 0, merr.Wrapf(merr.ErrBadState, "decode journal commit: %v", uerr)
	}
	if c.Magic != common.MagicJournalCmt {
		return 0, 0, merr.Wrapf(merr.ErrBadState, "journal commit magic mismatch")
	}
	return c.Seq, c.Checksum, nil
}

func mustPackLen(v interface{}) int {
	b, err := restruct.Pack(order, v)
	if err != nil {
		panic(err)
	}
	return len(b)
}
