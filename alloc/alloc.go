// Package alloc implements the bitmap allocators for inodes and data
// blocks: an on-disk bitmap cached in memory plus an in-memory reservation
// layer (spec.md §4.4, component C4).
//
// Grounded on the teacher's alloc.go (mkAlloc, findFreeRegion, freeBit,
// incNext's deterministic first-fit-from-hint scan), generalized with an
// explicit Reservation token (the teacher folds reservation directly into
// the allocator's next cursor with no separate hold/release API) so a
// Transaction can reserve, extend, and drop without reaching past the
// allocator's own lock.
package alloc

import (
	"sync"

	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
	"github.com/minfs/minfs/mlog"
)

var log = mlog.For("alloc")

// Reservation is an opaque token a Transaction holds, representing a
// promise that N units (inodes or data blocks) are available. It is valid
// only against the Allocator that issued it.
type Reservation struct {
	remaining uint64
}

// Remaining reports how many reserved-but-not-yet-allocated units are left.
func (r *Reservation) Remaining() uint64 {
	return r.remaining
}

// BitReader/BitWriter decouple the allocator from the block cache so tests
// can drive it with a plain in-memory bitmap, while the real filesystem
// backs it with bcache-managed bitmap blocks. SetBit only ever touches
// memory; Drain hands back the blocks a run of SetBit calls dirtied, for
// DrainDirty to pass up to the caller (txn.Transaction stages them into
// its metadata ops, spec.md §4.4).
type BitReader interface {
	ReadBit(index uint64) (bool, error)
}
type BitWriter interface {
	BitReader
	SetBit(index uint64, v bool) error
	Drain() map[common.Bnum][]byte
}

// Allocator is one bitmap-backed allocator instance: either the inode
// allocator or the data-block allocator.
type Allocator struct {
	mu    sync.Mutex
	bits  BitWriter
	total uint64 // total number of indices
	free  uint64 // cached free count
	next  uint64 // first index to try, for deterministic first-fit scans
}

// New wires an Allocator over a bitmap of total bits with freeCount already
// popcounted (e.g. from super.ReconstructAllocCounts or the superblock's
// cached alloc_*_count).
func New(bits BitWriter, total, freeCount uint64) *Allocator {
	return &Allocator{bits: bits, total: total, free: freeCount}
}

// FreeCount returns the allocator's cached free-unit count.
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// DrainDirty returns every bitmap block that AllocateFrom/Free/Swap calls
// have modified in memory since the last DrainDirty, and clears the
// pending set. The caller stages each one into its transaction's metadata
// ops (spec.md §4.4); the allocator itself never writes a bitmap block to
// disk.
func (a *Allocator) DrainDirty() map[common.Bnum][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits.Drain()
}

// Reserve decrements free-count by n but does not flip any bits; the
// reservation is the token the transaction later drains via AllocateFrom.
func (a *Allocator) Reserve(n uint64) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free < n {
		log.WithField("requested", n).WithField("free", a.free).Debug("reserve failed: no space")
		return nil, merr.Wrapf(merr.ErrNoSpace, "reserve %d: only %d free", n, a.free)
	}
	a.free -= n
	return &Reservation{remaining: n}, nil
}

// ExtendReservation grows an existing reservation by extra units, used by
// ContinueTransaction (spec.md §4.7). On failure the original reservation is
// left untouched.
func (a *Allocator) ExtendReservation(r *Reservation, extra uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free < extra {
		return merr.Wrapf(merr.ErrNoSpace, "extend reservation by %d: only %d free", extra, a.free)
	}
	a.free -= extra
	r.remaining += extra
	return nil
}

// Drop returns the remaining reserved count to free-count (a transaction
// dropped before commit, spec.md §3 Transaction lifecycle).
func (a *Allocator) Drop(r *Reservation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free += r.remaining
	r.remaining = 0
}

// AllocateFrom flips one bit to 1 using a deterministic first-fit scan
// starting from the hint cursor (so tests are reproducible), decrements the
// reservation, and returns the allocated index.
func (a *Allocator) AllocateFrom(r *Reservation) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.remaining == 0 {
		panic("alloc: AllocateFrom on an exhausted reservation")
	}
	idx, err := a.scanAndSet()
	if err != nil {
		return 0, err
	}
	r.remaining--
	return idx, nil
}

// scanAndSet performs the first-fit scan and flips the winning bit. Caller
// holds a.mu.
func (a *Allocator) scanAndSet() (uint64, error) {
	start := a.next
	for i := uint64(0); i < a.total; i++ {
		idx := (start + i) % a.total
		bit, err := a.bits.ReadBit(idx)
		if err != nil {
			return 0, err
		}
		if !bit {
			if err := a.bits.SetBit(idx, true); err != nil {
				return 0, err
			}
			a.next = (idx + 1) % a.total
			return idx, nil
		}
	}
	// Free-count says there should be a bit available; a mismatch here is
	// an allocator invariant violation, not a normal NoSpace condition.
	panic("alloc: free count positive but no free bit found")
}

// Free flips index back to 0 and bumps the free-count. Callers are
// responsible for scheduling the owning bitmap block(s) for metadata write
// in their transaction (spec.md §4.4).
func (a *Allocator) Free(index uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	bit, err := a.bits.ReadBit(index)
	if err != nil {
		return err
	}
	if !bit {
		panic("alloc: double free")
	}
	if err := a.bits.SetBit(index, false); err != nil {
		return err
	}
	a.free++
	return nil
}

// Swap atomically frees oldIndex and allocates a new index, used for
// copy-on-write (spec.md §4.4). If oldIndex == 0 it behaves as a plain
// AllocateFrom, since 0 is the sparse-hole sentinel and was never allocated.
func (a *Allocator) Swap(r *Reservation, oldIndex uint64) (uint64, error) {
	if oldIndex == 0 {
		return a.AllocateFrom(r)
	}
	newIdx, err := a.AllocateFrom(r)
	if err != nil {
		return 0, err
	}
	if err := a.Free(oldIndex); err != nil {
		return 0, err
	}
	return newIdx, nil
}
