// Package common holds the on-disk format constants shared by every layer
// of the core: block size, pointer-tree fan-out, and the absolute/logical
// block number types. Nothing here touches a device.
package common

// Bnum is an absolute device block number. Zero is the "magic zero" sentinel
// for a sparse/unallocated pointer (see ptree and vnode).
type Bnum uint64

// Inum is an inode number. Inum 0 is reserved (never allocated to a file).
type Inum uint64

const (
	// BlockSize is the fixed filesystem block size in bytes. The superblock's
	// block_size field must equal this constant; a mismatch is BadState.
	BlockSize = 8192

	// InodeSize is the on-disk size of one inode record: large enough to
	// hold KDirect+KIndirect+KDoublyIndirect pointers (8 bytes each) plus
	// the fixed scalar fields and inline filename slot (vnode.Inode).
	InodeSize = 512

	// InodesPerBlock is how many inode records fit in one block.
	InodesPerBlock = BlockSize / InodeSize

	// PointersPerIndirect is how many absolute block numbers (8 bytes each)
	// fit in one indirect block.
	PointersPerIndirect = BlockSize / 8

	// kDirect, kIndirect, kDoublyIndirect: format constants bounding the
	// pointer tree shape (spec.md §3 Data Model, Inode).
	KDirect            = 16
	KIndirect          = 31
	KDoublyIndirect    = 1
	KDirectPerIndirect = PointersPerIndirect

	// MaxFileBlocks is how many logical file-blocks the pointer tree can map
	// (the largest index is MaxFileBlocks-1); MinfsMaxFileSize is that bound
	// in bytes.
	MaxFileBlocks = KDirect +
		KIndirect*KDirectPerIndirect +
		KDoublyIndirect*KDirectPerIndirect*KDirectPerIndirect
	MinfsMaxFileSize = MaxFileBlocks * BlockSize

	// NBitsPerBlock is how many bitmap bits (inode or data block) live in one
	// bitmap block.
	NBitsPerBlock = BlockSize * 8

	// Superblock magics.
	MagicSuperblock0 = uint64(0x4d696e4653210000) // "MinFS!\x00\x00"
	MagicSuperblock1 = uint64(0x2d636f726521) // "-core!"

	// Journal magics.
	MagicJournalInfo = uint32(0x6a6e6c69) // "jnli"
	MagicJournalHdr  = uint32(0x6a686472) // "jhdr"
	MagicJournalCmt  = uint32(0x6a636d74) // "jcmt"

	// Inode kinds.
	InodeMagicNone = uint32(0)
	InodeMagicFile = uint32(1)
	InodeMagicDir  = uint32(2)

	// Block 0 is always the primary superblock; block 7 is the backup slot.
	// super.Write uses block 7 for both layouts; SlicedLayout defines no
	// separate backup location.
	SuperblockPrimaryBlock = Bnum(0)
	SuperblockBackupBlock  = Bnum(7)

	// RootInum is the filesystem root directory's inode number; NullInum (0)
	// is reserved and never allocated.
	NullInum Inum = 0
	RootInum Inum = 1

	// MaxBlocksPerTransaction is spec.md's max_blocks_per_transaction; the
	// file engine sizes its flush thresholds from it. txn.Begin does not
	// enforce it as a cap on a reservation.
	MaxBlocksPerTransaction = 256

	// MaxMetaBlocksPerTxn bounds metadata (indirect/bitmap/inode) blocks
	// touched by a single transaction.
	MaxMetaBlocksPerTxn = 64
)

// PointerLevel identifies which tier of the pointer tree a file-block index
// maps into.
type PointerLevel int

const (
	LevelDirect PointerLevel = iota
	LevelIndirect
	LevelDoubleIndirect
)
