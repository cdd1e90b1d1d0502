package vnode

import (
	"sync"

	"github.com/minfs/minfs/common"
)

// VNode is the in-memory handle shared between the open-file table and any
// in-flight transaction pinning it; its lifetime is the longest holder
// (spec.md §3 Ownership & lifecycles). A per-vnode mutex serializes
// Read/Write/Truncate calls per spec.md §5's fixed acquisition order
// (vnode -> allocator -> journal).
//
// Grounded on the teacher's Inode (mu *sync.RWMutex, ref uint32), split
// here into the on-disk Inode record and this in-memory wrapper so the
// pointer-tree iterator (ptree.PointerSource) can operate on the record
// directly without reaching through cache bookkeeping.
type VNode struct {
	mu   sync.Mutex
	inum common.Inum
	ip   *Inode

	pins  int
	dirty bool
}

func newVNode(inum common.Inum, ip *Inode) *VNode {
	return &VNode{inum: inum, ip: ip}
}

func (v *VNode) Inum() common.Inum { return v.inum }

// Inode exposes the on-disk record for direct field access by the file
// write engine (component C9) and the pointer tree (ptree.PointerSource).
func (v *VNode) Inode() *Inode { return v.ip }

// Lock and Unlock serialize Read/Write/Truncate/Sync/CancelPendingWriteback
// calls on this vnode; file.File takes this lock at the entry of each of
// those methods and holds it for the call's full duration, since they all
// read or mutate the same in-memory dirty-cache and cached transaction.
func (v *VNode) Lock()   { v.mu.Lock() }
func (v *VNode) Unlock() { v.mu.Unlock() }

// Pin and Unpin implement txn.Pinned.
func (v *VNode) Pin()   { v.pins++ }
func (v *VNode) Unpin() { v.pins-- }

// Pinned reports whether any transaction currently holds this vnode live.
func (v *VNode) Pinned() bool { return v.pins > 0 }

func (v *VNode) MarkDirty()  { v.dirty = true }
func (v *VNode) Dirty() bool { return v.dirty }
func (v *VNode) ClearDirty() { v.dirty = false }

// Attr mirrors the VFS boundary's get_attr() (spec.md §6).
type Attr struct {
	Size       uint64
	BlockCount uint64
	ModifyTime uint64
	LinkCount  uint32
}

func (v *VNode) GetAttr() Attr {
	return Attr{
		Size:       v.ip.Size,
		BlockCount: v.ip.BlockCount,
		ModifyTime: v.ip.ModifyTime,
		LinkCount:  v.ip.LinkCount,
	}
}

// Touch bumps ModifyTime and Seq, the commit-time bookkeeping spec.md §3's
// Inode invariants require on every mutation. now is passed in by the
// caller rather than read from the wall clock, keeping this package free of
// nondeterministic state.
func (v *VNode) Touch(now uint64) {
	v.ip.ModifyTime = now
	v.ip.Seq++
	v.dirty = true
}

// SetSize updates the cached size. block_count is the pointer tree's
// responsibility to keep accurate (spec.md §3 invariant: block_count
// equals the count of non-zero reachable pointers); VNode only tracks the
// scalar fields callers hand it.
func (v *VNode) SetSize(size uint64) {
	v.ip.Size = size
	v.dirty = true
}

func (v *VNode) SetBlockCount(n uint64) {
	v.ip.BlockCount = n
	v.dirty = true
}

func (v *VNode) IncLinkCount(delta int32) {
	v.ip.LinkCount = uint32(int32(v.ip.LinkCount) + delta)
	v.dirty = true
}
