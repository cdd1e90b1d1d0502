package vnode

import (
	"sync"

	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
	"github.com/minfs/minfs/mlog"
)

var log = mlog.For("vnode")

// cacheSlots matches the teacher's ICACHESZ; a fixed-size, ref-counted slab
// rather than an unbounded map, so a runaway caller can't grow it forever.
const cacheSlots = 64

type slot struct {
	inum  common.Inum
	ref   uint32
	valid bool
	vn    *VNode
}

// Cache is a fixed-size, reference-counted VNode cache, grounded on the
// teacher's inodeCache: a linear-scan slab reusing the first ref==0 slot
// found, rather than an LRU or a map-based cache (the teacher never needed
// a better policy for its target workload, and neither does this one).
type Cache struct {
	mu         sync.Mutex
	bc         *bcache.Bcache
	tableStart common.Bnum
	slots      []slot
}

func NewCache(bc *bcache.Bcache, tableStart common.Bnum) *Cache {
	return &Cache{bc: bc, tableStart: tableStart, slots: make([]slot, cacheSlots)}
}

// Open returns inum's VNode, incrementing its reference count and loading
// it from the inode table on a cache miss (spec.md §3 Ownership &
// lifecycles: "lifetime = longest holder").
func (c *Cache) Open(inum common.Inum) (*VNode, error) {
	c.mu.Lock()
	for i := range c.slots {
		s := &c.slots[i]
		if s.ref > 0 && s.inum == inum {
			s.ref++
			c.mu.Unlock()
			return s.vn, nil
		}
	}
	var free *slot
	for i := range c.slots {
		s := &c.slots[i]
		if s.ref == 0 {
			free = s
			break
		}
	}
	if free == nil {
		c.mu.Unlock()
		return nil, merr.Wrap(merr.ErrIO, "vnode cache exhausted")
	}
	c.mu.Unlock()

	ip, err := LoadInode(c.bc, c.tableStart, inum)
	if err != nil {
		return nil, err
	}
	vn := newVNode(inum, ip)

	c.mu.Lock()
	free.inum = inum
	free.ref = 1
	free.valid = true
	free.vn = vn
	c.mu.Unlock()
	log.WithField("inum", inum).Debug("opened vnode")
	return vn, nil
}

// Put decrements inum's reference count; the slot becomes reusable once it
// reaches zero. Putting a dirty, unpinned VNode with no remaining
// references silently drops any uncommitted in-memory changes, matching
// the teacher's putInode (callers that want those changes durable must
// commit the transaction that dirtied it first).
func (c *Cache) Put(vn *VNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		s := &c.slots[i]
		if s.valid && s.vn == vn && s.ref > 0 {
			s.ref--
			return
		}
	}
}
