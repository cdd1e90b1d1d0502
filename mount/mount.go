// Package mount implements format, mount, and unmount: superblock layout
// at format time, superblock load plus journal replay at mount time, the
// clean-flag toggle and generation-count bump, and a minimal file-open
// surface over the components the lower layers already build (spec.md
// §4.7 "Clean-flag protocol", component C10).
//
// Grounded on the teacher's fs.go (mkFsSuper's region-start arithmetic,
// initFs's null-inode/root-inode priming loop) and mkfs.go's zero-then-
// format sequencing, translated onto this module's super/journal/alloc/
// vnode/file packages instead of the teacher's flat disk/buf pair.
package mount

import (
	"time"

	"github.com/minfs/minfs"
	"github.com/minfs/minfs/alloc"
	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/diag"
	"github.com/minfs/minfs/file"
	"github.com/minfs/minfs/journal"
	"github.com/minfs/minfs/merr"
	"github.com/minfs/minfs/mlog"
	"github.com/minfs/minfs/super"
	"github.com/minfs/minfs/vnode"
)

var log = mlog.For("mount")

// superblockReservedBlocks is how many leading blocks the fixed (non-sliced)
// layout sets aside for the primary superblock (block 0) and the backup
// (block common.SuperblockBackupBlock); the data-bitmap region starts
// right after.
const superblockReservedBlocks = uint64(common.SuperblockBackupBlock) + 1

// FormatOptions and MountOptions are the root minfs package's documented
// option structs (spec.md §6); mount consumes them directly rather than
// keeping a parallel local definition.
type FormatOptions = minfs.FormatOptions
type MountOptions = minfs.MountOptions

// Filesystem is the mounted instance: the components every other package
// builds, wired together and exposed for file I/O. The directory/namespace
// layer above this (out of scope per spec.md §1) would hold one of these.
type Filesystem struct {
	bc         *bcache.Bcache
	sb         *super.Superblock
	jnl        *journal.Journal
	balloc     *alloc.Allocator
	ialloc     *alloc.Allocator
	store      *file.Store
	vcache     *vnode.Cache
	stats      *diag.Counters
	readOnly   bool
	dirtyCache bool
}

func (fs *Filesystem) Superblock() *super.Superblock { return fs.sb }
func (fs *Filesystem) Journal() *journal.Journal     { return fs.jnl }

// ReadOnly reports whether this mount was opened with
// MountOptions.ReadonlyAfterInitialization set.
func (fs *Filesystem) ReadOnly() bool { return fs.readOnly }

// Stats snapshots the per-operation latency counters alongside the current
// allocator free counts and journal occupancy (spec.md's debug surface,
// component C10's counterpart to the teacher's util/stats dump).
func (fs *Filesystem) Stats() diag.Snapshot {
	totalData := fs.sb.BlockCount - fs.sb.DataStart
	return fs.stats.Take(fs.balloc.FreeCount(), totalData, fs.ialloc.FreeCount(), fs.sb.InodeCount, fs.jnl.Occupied())
}

// Handle is a file-engine handle opened through a Filesystem, recording
// each call's latency into the filesystem's diag.Counters before
// forwarding to the underlying file.File (spec.md's debug surface needs
// every operation instrumented, not just the ones mount itself issues).
type Handle struct {
	f        *file.File
	stats    *diag.Counters
	readOnly bool
}

func (h *Handle) Write(data []byte, off, now uint64) (int, error) {
	if h.readOnly {
		return 0, merr.Wrap(merr.ErrReadOnly, "write on a read-only mount")
	}
	defer h.stats.For(diag.OpWrite).Record(time.Now())
	return h.f.Write(data, off, now)
}

func (h *Handle) Append(data []byte, now uint64) (int, error) {
	if h.readOnly {
		return 0, merr.Wrap(merr.ErrReadOnly, "append on a read-only mount")
	}
	defer h.stats.For(diag.OpWrite).Record(time.Now())
	return h.f.Append(data, now)
}

func (h *Handle) Read(buf []byte, off uint64) (int, error) {
	defer h.stats.For(diag.OpRead).Record(time.Now())
	return h.f.Read(buf, off)
}

func (h *Handle) Truncate(size, now uint64) error {
	if h.readOnly {
		return merr.Wrap(merr.ErrReadOnly, "truncate on a read-only mount")
	}
	defer h.stats.For(diag.OpTruncate).Record(time.Now())
	return h.f.Truncate(size, now)
}

func (h *Handle) Sync() error {
	defer h.stats.For(diag.OpSync).Record(time.Now())
	return h.f.Sync()
}

func (h *Handle) CancelPendingWriteback() { h.f.CancelPendingWriteback() }
func (h *Handle) GetSize() uint64         { return h.f.GetSize() }
func (h *Handle) GetBlockCount() uint64   { return h.f.GetBlockCount() }
func (h *Handle) Vnode() *vnode.VNode     { return h.f.Vnode() }

// OpenFile opens inum's write-engine handle.
func (fs *Filesystem) OpenFile(inum common.Inum) (*Handle, error) {
	vn, err := fs.vcache.Open(inum)
	if err != nil {
		return nil, err
	}
	h := &Handle{f: file.Open(fs.store, fs.bc, vn), stats: fs.stats, readOnly: fs.readOnly}
	h.f.SetDirtyCacheEnabled(fs.dirtyCache)
	return h, nil
}

// CloseFile flushes f's cached transaction and releases its vnode
// reference.
func (fs *Filesystem) CloseFile(h *Handle) error {
	if err := h.Sync(); err != nil {
		return err
	}
	fs.vcache.Put(h.Vnode())
	return nil
}

// CreateFile mints a fresh inode and its inode-table record. The full
// namespace (linking it under a directory entry) is the directory layer's
// job, out of scope here; this is the minimal "give me a new inum", the
// same minting Format does by hand for the root directory, exposed so a
// test or an outer caller can mint further files. Grounded on the teacher's
// initFs, which does exactly this for the null and root inodes by hand.
func (fs *Filesystem) CreateFile(kind uint32, now uint64) (common.Inum, error) {
	if fs.readOnly {
		return 0, merr.Wrap(merr.ErrReadOnly, "create on a read-only mount")
	}
	defer fs.stats.For(diag.OpCreate).Record(time.Now())
	t, err := fs.store.Begin(0, 1)
	if err != nil {
		return 0, err
	}
	inum, err := t.AllocateInode()
	if err != nil {
		t.Drop()
		return 0, err
	}
	ip := &vnode.Inode{Magic: kind, LinkCount: 1, CreateTime: now, ModifyTime: now}
	blkno, blk, err := vnode.StoreInode(fs.bc, common.Bnum(fs.sb.InodeTableStart), inum, ip)
	if err != nil {
		t.Drop()
		return 0, err
	}
	t.StageMetadata(blkno, blk)
	if err := t.Commit(); err != nil {
		return 0, err
	}
	return inum, nil
}

type layout struct {
	dataBitmapStart  uint64
	inodeBitmapStart uint64
	inodeTableStart  uint64
	journalStart     uint64
	dataStart        uint64
	dataBlocks       uint64
}

// computeLayout lays out the fixed (non-sliced) regions in the same
// relative order super.Superblock's fields are checked for monotonicity
// (BitmapBlockStart <= InodeBitmapStart <= InodeTableStart <= JournalStart
// <= DataStart): data-block bitmap, inode bitmap, inode table, journal,
// data. The data region's size depends on how many blocks the bitmap
// regions consume, which depends on the data region's size, so this
// iterates to a fixed point; in practice it converges in one pass unless
// totalBlocks crosses a common.NBitsPerBlock boundary right at the seam.
func computeLayout(totalBlocks, totalInodes, journalBlocks uint64) (layout, error) {
	nInodeTableBlocks := (totalInodes + common.InodesPerBlock - 1) / common.InodesPerBlock
	nInodeBitmapBlocks := (totalInodes + common.NBitsPerBlock - 1) / common.NBitsPerBlock

	dataBitmapStart := superblockReservedBlocks
	guess := totalBlocks
	var l layout
	for i := 0; i < 6; i++ {
		nDataBitmapBlocks := (guess + common.NBitsPerBlock - 1) / common.NBitsPerBlock
		inodeBitmapStart := dataBitmapStart + nDataBitmapBlocks
		inodeTableStart := inodeBitmapStart + nInodeBitmapBlocks
		journalStart := inodeTableStart + nInodeTableBlocks
		dataStart := journalStart + journalBlocks
		if dataStart > totalBlocks {
			return layout{}, merr.Wrapf(merr.ErrNoSpace, "device too small: layout needs %d blocks, have %d", dataStart, totalBlocks)
		}
		dataBlocks := totalBlocks - dataStart
		l = layout{
			dataBitmapStart:  dataBitmapStart,
			inodeBitmapStart: inodeBitmapStart,
			inodeTableStart:  inodeTableStart,
			journalStart:     journalStart,
			dataStart:        dataStart,
			dataBlocks:       dataBlocks,
		}
		if dataBlocks == guess {
			break
		}
		guess = dataBlocks
	}
	return l, nil
}

// Format lays out a fresh filesystem on dev: computes region starts,
// zeroes the bitmap and inode-table regions, reserves data index 0 and
// inode 0/1 (spec.md's "index 0 reserved" convention plus NullInum/
// RootInum), formats the journal, creates the root directory inode, and
// writes the superblock pair.
func Format(dev bcache.Device, opts FormatOptions) (*Filesystem, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	bc := bcache.New(dev)
	total := uint64(dev.Size())

	l, err := computeLayout(total, opts.DefaultInodeCount, opts.JournalBlocks)
	if err != nil {
		return nil, err
	}

	if err := zeroRegion(bc, common.Bnum(l.dataBitmapStart), l.journalStart-l.dataBitmapStart); err != nil {
		return nil, err
	}

	// SetBit only flips the reserved bits in memory; FlushDirect writes
	// them straight through the cache since no journal exists yet for a
	// transaction to stage them into (alloc.BlockBitmap's pending-write
	// design, spec.md §4.4).
	bbm := alloc.NewBlockBitmap(bc, common.Bnum(l.dataBitmapStart))
	if err := bbm.SetBit(0, true); err != nil {
		return nil, err
	}
	if err := bbm.FlushDirect(); err != nil {
		return nil, err
	}
	balloc := alloc.New(bbm, l.dataBlocks, l.dataBlocks-1)

	ibm := alloc.NewBlockBitmap(bc, common.Bnum(l.inodeBitmapStart))
	if err := ibm.SetBit(uint64(common.NullInum), true); err != nil {
		return nil, err
	}
	if err := ibm.SetBit(uint64(common.RootInum), true); err != nil {
		return nil, err
	}
	if err := ibm.FlushDirect(); err != nil {
		return nil, err
	}
	ialloc := alloc.New(ibm, opts.DefaultInodeCount, opts.DefaultInodeCount-2)

	root := &vnode.Inode{Magic: common.InodeMagicDir, LinkCount: 1}
	blkno, blk, err := vnode.StoreInode(bc, common.Bnum(l.inodeTableStart), common.RootInum, root)
	if err != nil {
		return nil, err
	}
	if err := bc.WriteBlock(blkno, blk); err != nil {
		return nil, err
	}

	jnl, err := journal.Format(bc, common.Bnum(l.journalStart), opts.JournalBlocks)
	if err != nil {
		return nil, err
	}

	sb := &super.Superblock{
		Magic0:           common.MagicSuperblock0,
		Magic1:           common.MagicSuperblock1,
		FormatVersion:    1,
		BlockSize:        common.BlockSize,
		InodeSize:        common.InodeSize,
		BitmapBlockStart: l.dataBitmapStart,
		InodeBitmapStart: l.inodeBitmapStart,
		InodeTableStart:  l.inodeTableStart,
		JournalStart:     l.journalStart,
		DataStart:        l.dataStart,
		BlockCount:       total,
		InodeCount:       opts.DefaultInodeCount,
		AllocBlockCount:  1,
		AllocInodeCount:  2,
		Flags:            super.FlagClean,
		DataSlices:       opts.FvmDataSlices,
	}
	if err := super.Write(bc, sb); err != nil {
		return nil, err
	}
	if err := bc.Flush(); err != nil {
		return nil, err
	}

	return &Filesystem{
		bc:         bc,
		sb:         sb,
		jnl:        jnl,
		balloc:     balloc,
		ialloc:     ialloc,
		store:      file.NewStore(bc, jnl, balloc, ialloc, common.Bnum(l.dataStart), common.Bnum(l.inodeTableStart)),
		vcache:     vnode.NewCache(bc, common.Bnum(l.inodeTableStart)),
		stats:      diag.NewCounters(),
		dirtyCache: true,
	}, nil
}

func zeroRegion(bc *bcache.Bcache, start common.Bnum, nblocks uint64) error {
	zero := make([]byte, common.BlockSize)
	for i := uint64(0); i < nblocks; i++ {
		if err := bc.WriteBlock(start+common.Bnum(i), zero); err != nil {
			return err
		}
	}
	return nil
}

// Mount loads the superblock (repairing from the backup if the primary is
// corrupt and opts.RepairFilesystem allows it), opens the journal
// (replaying any entries left logged but not installed), reconstructs the
// allocator counts from the bitmaps so a crash mid-write can't leave a
// stale cached count behind, and clears the clean flag for the duration of
// this mount — unless opts.ReadonlyAfterInitialization is set, in which
// case the clean flag and generation count are left exactly as loaded and
// every subsequent mutating call on the returned Filesystem fails with
// merr.ErrReadOnly (spec.md §4.7 "Clean-flag protocol", §6, §7 Fsck).
func Mount(dev bcache.Device, opts MountOptions) (*Filesystem, error) {
	mlog.SetVerbose(opts.Verbose)

	bc := bcache.New(dev)

	sb, err := super.Repair(bc, bc.Size()-1, opts.RepairFilesystem)
	if err != nil {
		return nil, err
	}

	journalSize := sb.DataStart - sb.JournalStart
	jnl, err := journal.Load(bc, common.Bnum(sb.JournalStart), journalSize)
	if err != nil {
		return nil, err
	}

	if err := super.ReconstructAllocCounts(bc, sb); err != nil {
		return nil, err
	}

	if !opts.ReadonlyAfterInitialization {
		sb.Flags &^= super.FlagClean
		sb.GenerationCount++
		if sb.OldestRevision == 0 {
			sb.OldestRevision = sb.GenerationCount
		}
		if err := super.Write(bc, sb); err != nil {
			return nil, err
		}
	}

	totalDataBlocks := sb.BlockCount - sb.DataStart
	balloc := alloc.New(alloc.NewBlockBitmap(bc, common.Bnum(sb.BitmapBlockStart)), totalDataBlocks, totalDataBlocks-sb.AllocBlockCount)
	ialloc := alloc.New(alloc.NewBlockBitmap(bc, common.Bnum(sb.InodeBitmapStart)), sb.InodeCount, sb.InodeCount-sb.AllocInodeCount)

	stats := diag.NewCounters()
	if !opts.Metrics {
		stats.Disable()
	}

	log.WithField("generation", sb.GenerationCount).WithField("read_only", opts.ReadonlyAfterInitialization).Info("mounted")

	return &Filesystem{
		bc:         bc,
		sb:         sb,
		jnl:        jnl,
		balloc:     balloc,
		ialloc:     ialloc,
		store:      file.NewStore(bc, jnl, balloc, ialloc, common.Bnum(sb.DataStart), common.Bnum(sb.InodeTableStart)),
		vcache:     vnode.NewCache(bc, common.Bnum(sb.InodeTableStart)),
		stats:      stats,
		readOnly:   opts.ReadonlyAfterInitialization,
		dirtyCache: opts.DirtyCacheEnabled,
	}, nil
}

// Unmount requires the journal to have no entries staged-but-not-installed
// (always true here since txn.Transaction.Commit is fully synchronous;
// this is a consistency assertion, not a wait), refreshes the allocator
// counts, sets the clean flag, and persists the superblock pair (spec.md
// §4.7 "Clean-flag protocol", §8 invariant 4: primary/backup byte-identical
// after a clean unmount).
func Unmount(fs *Filesystem) error {
	if fs.readOnly {
		return merr.Wrap(merr.ErrReadOnly, "cannot cleanly unmount a read-only mount; nothing was written to unmark")
	}
	if fs.jnl.ReadOnly() {
		return merr.Wrap(merr.ErrReadOnly, "cannot cleanly unmount a read-only filesystem")
	}
	if occ := fs.jnl.Occupied(); occ != 0 {
		return merr.Wrapf(merr.ErrBadState, "journal has %d blocks not yet installed at unmount", occ)
	}

	totalDataBlocks := fs.sb.BlockCount - fs.sb.DataStart
	fs.sb.AllocBlockCount = totalDataBlocks - fs.balloc.FreeCount()
	fs.sb.AllocInodeCount = fs.sb.InodeCount - fs.ialloc.FreeCount()
	fs.sb.Flags |= super.FlagClean

	if err := super.Write(fs.bc, fs.sb); err != nil {
		return err
	}
	return fs.bc.Flush()
}
