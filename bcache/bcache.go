// Package bcache is the typed read/write front-end onto the device that
// backs a MinFS filesystem (spec.md §4.1, component C1).
//
// Grounded on the teacher's bcache.go (write-through Read/Write over a
// reference-counted cache.Cache) and cache.go's slot-eviction policy.
package bcache

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
	"github.com/minfs/minfs/mlog"
)

var log = mlog.For("bcache")

const defaultCacheSlots = 512

// OpKind is the kind of batched operation RunOperation accepts.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpTrim
	OpFlush
)

// Op is one entry in a batched RunOperation call.
type Op struct {
	Kind   OpKind
	Block  common.Bnum
	Buf    []byte // used by OpRead/OpWrite
	Length uint64 // number of contiguous blocks, used by OpTrim
}

type cslot struct {
	mu    sync.Mutex
	data  []byte
	valid bool
}

// Bcache exclusively owns the Device handle for its lifetime (spec.md §3
// Ownership & lifecycles).
type Bcache struct {
	dev    Device
	mu     sync.Mutex
	slots  map[common.Bnum]*cslot
	order  []common.Bnum // crude FIFO eviction order
	maxLen int
}

func New(dev Device) *Bcache {
	return &Bcache{
		dev:    dev,
		slots:  make(map[common.Bnum]*cslot),
		maxLen: defaultCacheSlots,
	}
}

func (bc *Bcache) slotFor(bn common.Bnum) *cslot {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	s, ok := bc.slots[bn]
	if ok {
		return s
	}
	if len(bc.order) >= bc.maxLen {
		victim := bc.order[0]
		bc.order = bc.order[1:]
		delete(bc.slots, victim)
	}
	s = &cslot{}
	bc.slots[bn] = s
	bc.order = append(bc.order, bn)
	return s
}

// ReadBlock reads one FS block, filling the cache slot from the device on a
// miss. Never retries; a device error fails with merr.ErrIO.
func (bc *Bcache) ReadBlock(bn common.Bnum) ([]byte, error) {
	s := bc.slotFor(bn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		buf := make([]byte, common.BlockSize)
		if err := bc.dev.ReadAt(bn, buf); err != nil {
			return nil, err
		}
		s.data = buf
		s.valid = true
	}
	out := make([]byte, common.BlockSize)
	copy(out, s.data)
	return out, nil
}

// WriteBlock writes one FS block through to the device and updates the
// cache slot (write-through, matching the teacher's bcache.Write).
func (bc *Bcache) WriteBlock(bn common.Bnum, buf []byte) error {
	if len(buf) != common.BlockSize {
		return merr.Wrapf(merr.ErrInvalidArgs, "WriteBlock: bad buffer length %d", len(buf))
	}
	s := bc.slotFor(bn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := bc.dev.WriteAt(bn, buf); err != nil {
		return err
	}
	cp := make([]byte, common.BlockSize)
	copy(cp, buf)
	s.data = cp
	s.valid = true
	return nil
}

// RunOperation executes a batch of heterogeneous ops. Reads/writes within the
// batch may be coalesced across an errgroup of device-parallel workers;
// flush/trim are barriers that drain prior ops in the same batch first.
func (bc *Bcache) RunOperation(ops []Op) error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, op := range ops {
		op := op
		switch op.Kind {
		case OpRead:
			g.Go(func() error {
				buf, err := bc.ReadBlock(op.Block)
				if err != nil {
					return err
				}
				copy(op.Buf, buf)
				return nil
			})
		case OpWrite:
			g.Go(func() error {
				return bc.WriteBlock(op.Block, op.Buf)
			})
		case OpTrim:
			if err := g.Wait(); err != nil {
				return err
			}
			log.WithField("block", op.Block).Debug("trim")
		case OpFlush:
			if err := g.Wait(); err != nil {
				return err
			}
			if err := bc.dev.Flush(); err != nil {
				return err
			}
		}
	}
	return g.Wait()
}

// Flush pushes all write-through data to the device, matching the teacher's
// Barrier().
func (bc *Bcache) Flush() error {
	return bc.dev.Flush()
}

func (bc *Bcache) Size() common.Bnum {
	return bc.dev.Size()
}

func (bc *Bcache) Device() Device {
	return bc.dev
}
