// Package rbuf implements a contiguous page-backed buffer attachable to a
// device for batched I/O (spec.md §4.3, component C3).
//
// The teacher never factors this out: its cache.Cache hands out one block at
// a time. This is built fresh for the DMA-style batched I/O spec.md's Data
// Model calls for, following the same "label, grow, shrink, zero, borrow a
// block's worth" shape the reference MinFS implementation exposes (see
// DESIGN.md), using the block-sized pages common.BlockSize already fixes.
package rbuf

import (
	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
)

// Buffer is a contiguous, page-backed (one page == one common.BlockSize
// chunk) region of memory. It is not itself attached to a device address
// range; Attach/Detach register it with a Bcache-backed device for batched
// RunOperation calls that address it by (vmo_offset, dev_offset, length).
type Buffer struct {
	label  string
	pages  [][]byte // each page is common.BlockSize bytes
	device *bcache.Bcache
}

// New creates an empty, detached buffer with the given diagnostic label.
func New(label string) *Buffer {
	return &Buffer{label: label}
}

// Attach associates the buffer with a device for subsequent batched I/O.
// Calling Attach twice without Detach is a programming error.
func (b *Buffer) Attach(device *bcache.Bcache) {
	if b.device != nil {
		panic("rbuf: Attach called while already attached")
	}
	b.device = device
}

// Detach releases the device association. The buffer's contents and
// capacity are unaffected.
func (b *Buffer) Detach() {
	b.device = nil
}

// Capacity returns the number of blocks currently backing the buffer: the
// blocks added by Grow calls, with each Shrink(n) resetting the count to n.
func (b *Buffer) Capacity() uint64 {
	return uint64(len(b.pages))
}

// Grow extends the buffer by n blocks of zeros, preserving existing
// contents.
func (b *Buffer) Grow(n uint64) {
	for i := uint64(0); i < n; i++ {
		b.pages = append(b.pages, make([]byte, common.BlockSize))
	}
}

// Shrink truncates the buffer to its first n blocks. Shrinking to more
// than the current capacity is a programming error and panics.
func (b *Buffer) Shrink(n uint64) {
	if n > b.Capacity() {
		panic("rbuf: Shrink below growth would extend, not shrink")
	}
	b.pages = b.pages[:n]
}

// Zero fills [start, start+len) blocks with zeros.
func (b *Buffer) Zero(start, length uint64) error {
	if start+length > b.Capacity() {
		return merr.Wrapf(merr.ErrInvalidArgs, "rbuf: zero range [%d,%d) exceeds capacity %d", start, start+length, b.Capacity())
	}
	for i := start; i < start+length; i++ {
		for j := range b.pages[i] {
			b.pages[i][j] = 0
		}
	}
	return nil
}

// Data borrows the bytes of one block for read/write in place.
func (b *Buffer) Data(blockIndex uint64) ([]byte, error) {
	if blockIndex >= b.Capacity() {
		return nil, merr.Wrapf(merr.ErrInvalidArgs, "rbuf: block index %d out of range (capacity %d)", blockIndex, b.Capacity())
	}
	return b.pages[blockIndex], nil
}

// FlushRange issues a batched write of [start, start+len) pages to devOffset
// on the attached device, coalesced through Bcache.RunOperation.
func (b *Buffer) FlushRange(start, length uint64, devOffset common.Bnum) error {
	if b.device == nil {
		return merr.Wrap(merr.ErrInvalidArgs, "rbuf: FlushRange on a detached buffer")
	}
	if start+length > b.Capacity() {
		return merr.Wrapf(merr.ErrInvalidArgs, "rbuf: flush range [%d,%d) exceeds capacity %d", start, start+length, b.Capacity())
	}
	ops := make([]bcache.Op, 0, length)
	for i := start; i < start+length; i++ {
		ops = append(ops, bcache.Op{
			Kind:  bcache.OpWrite,
			Block: devOffset + common.Bnum(i-start),
			Buf:   b.pages[i],
		})
	}
	return b.device.RunOperation(ops)
}

// LoadRange issues a batched read of [start, start+len) pages from devOffset
// on the attached device into the buffer.
func (b *Buffer) LoadRange(start, length uint64, devOffset common.Bnum) error {
	if b.device == nil {
		return merr.Wrap(merr.ErrInvalidArgs, "rbuf: LoadRange on a detached buffer")
	}
	if start+length > b.Capacity() {
		return merr.Wrapf(merr.ErrInvalidArgs, "rbuf: load range [%d,%d) exceeds capacity %d", start, start+length, b.Capacity())
	}
	ops := make([]bcache.Op, 0, length)
	for i := start; i < start+length; i++ {
		ops = append(ops, bcache.Op{
			Kind:  bcache.OpRead,
			Block: devOffset + common.Bnum(i-start),
			Buf:   b.pages[i],
		})
	}
	return b.device.RunOperation(ops)
}
