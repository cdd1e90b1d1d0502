// Package journal implements the write-ahead log: a fixed-length ring of
// blocks holding header/payload/commit entries, sequence numbers, replay on
// mount, block revocation, and an idle-sync background flusher (spec.md
// §3, §4.7, component C6).
//
// Grounded on the teacher's wal.go ring bookkeeping (memHead/memTail
// counters, logAppend/logInstall, the logger/installer goroutine pair) with
// disk.Block/buf replaced by this module's bcache, and the header/commit
// checksum framing plus replay/revocation the teacher's hand-rolled header
// lacks added per spec.md §3 and the component table.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/dgryski/go-farm"

	"github.com/minfs/minfs/bcache"
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
	"github.com/minfs/minfs/mlog"
)

var log = mlog.For("journal")

// Journal is a ring of blocks starting at Start: block 0 of the ring is the
// info block, the rest holds header/payload/commit entries, wrapping.
type Journal struct {
	bc     *bcache.Bcache
	start  common.Bnum // absolute block of the info block
	usable uint64      // ring blocks available for entries (size - 1)

	mu       sync.Mutex
	nextSeq  uint64
	headPos  uint64 // monotonic count of ring-blocks written so far
	tailPos  uint64 // monotonic count of ring-blocks known fully installed
	readOnly bool
}

// Format initializes a fresh, empty journal at [start, start+size) and
// writes its info block.
func Format(bc *bcache.Bcache, start common.Bnum, size uint64) (*Journal, error) {
	if size < 3 {
		return nil, merr.Wrapf(merr.ErrInvalidArgs, "journal size %d too small", size)
	}
	j := &Journal{bc: bc, start: start, usable: size - 1}
	if err := j.persistInfo(); err != nil {
		return nil, err
	}
	return j, nil
}

// Load opens an existing journal and replays any entries left logged but
// not yet known-installed (spec.md §4.7 "Replay on mount").
func Load(bc *bcache.Bcache, start common.Bnum, size uint64) (*Journal, error) {
	if size < 3 {
		return nil, merr.Wrapf(merr.ErrInvalidArgs, "journal size %d too small", size)
	}
	blk, err := bc.ReadBlock(start)
	if err != nil {
		return nil, err
	}
	in, err := decodeInfo(blk)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		bc:      bc,
		start:   start,
		usable:  size - 1,
		nextSeq: in.StartSeq,
		headPos: in.StartOffset,
		tailPos: in.StartOffset,
	}
	if err := j.replay(in.StartSeq, in.StartOffset); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) physical(pos uint64) common.Bnum {
	return j.start + 1 + common.Bnum(pos%j.usable)
}

func (j *Journal) persistInfo() error {
	blk := encodeInfo(&info{StartSeq: j.nextSeq, StartOffset: j.headPos})
	return j.bc.WriteBlock(j.start, blk)
}

// Commit runs the full journal protocol for one entry (spec.md §4.7):
// serialize header+payload+commit into the ring, flush, write the metadata
// to its final locations, flush again, then advance the persisted start
// pointer past this entry. A crash between the first flush and the
// persisted-start update is recovered by Load's replay.
func (j *Journal) Commit(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.readOnly {
		return merr.Wrap(merr.ErrReadOnly, "journal is read-only after a prior journal error")
	}
	if e.empty() {
		return nil
	}

	need := uint64(2 + len(e.Addrs))
	if need > j.usable {
		return merr.Wrapf(merr.ErrInvalidArgs, "journal entry needs %d blocks, ring holds %d", need, j.usable)
	}
	if j.headPos-j.tailPos+need > j.usable {
		return merr.Wrap(merr.ErrNoSpace, "journal ring full")
	}

	seq := j.nextSeq
	headerBlk, err := encodeHeader(seq, e.Addrs, e.Revoked)
	if err != nil {
		return err
	}

	checksumInput := append([]byte{}, headerBlk...)
	for i := range e.Addrs {
		checksumInput = append(checksumInput, e.payloadAt(i)...)
	}
	checksum := farm.Hash64(checksumInput)
	commitBlk := encodeCommit(seq, checksum)

	pos := j.headPos
	if err := j.bc.WriteBlock(j.physical(pos), headerBlk); err != nil {
		return j.fail(err)
	}
	for i := range e.Addrs {
		if err := j.bc.WriteBlock(j.physical(pos+1+uint64(i)), e.payloadAt(i)); err != nil {
			return j.fail(err)
		}
	}
	commitOff := pos + 1 + uint64(len(e.Addrs))
	if err := j.bc.WriteBlock(j.physical(commitOff), commitBlk); err != nil {
		return j.fail(err)
	}
	if err := j.bc.Flush(); err != nil {
		return j.fail(err)
	}

	for i, addr := range e.Addrs {
		if err := j.bc.WriteBlock(addr, e.payloadAt(i)); err != nil {
			return j.fail(err)
		}
	}
	if err := j.bc.Flush(); err != nil {
		return j.fail(err)
	}

	j.nextSeq = seq + 1
	j.headPos = commitOff + 1
	j.tailPos = j.headPos
	if err := j.persistInfo(); err != nil {
		return j.fail(err)
	}
	log.WithField("seq", seq).WithField("blocks", len(e.Addrs)).Debug("committed journal entry")
	return nil
}

// fail marks the journal read-only for the rest of the mount, matching
// spec.md §7: "A failed journal write marks the filesystem read-only."
func (j *Journal) fail(err error) error {
	j.readOnly = true
	log.WithField("error", err).Error("journal write failed, entering read-only mode")
	return err
}

type loggedEntry struct {
	seq     uint64
	addrs   []common.Bnum
	revoked []common.Bnum
	payload [][]byte
}

// replay scans the ring from (startSeq, startOffset), verifying the
// header/commit/checksum chain and that seq numbers are consecutive,
// stopping at the first entry that fails either check (spec.md §4.7
// "Replay on mount"). Valid entries are then installed in seq order,
// honoring revocation: a write to addr is skipped if some entry with a
// greater-or-equal seq revoked addr.
func (j *Journal) replay(startSeq, startOffset uint64) error {
	pos := startOffset
	var entries []loggedEntry
	wantSeq := startSeq

	for pos+2 <= startOffset+j.usable {
		hdrBlk, err := j.bc.ReadBlock(j.physical(pos))
		if err != nil {
			return err
		}
		seq, addrs, revoked, err := decodeHeader(hdrBlk)
		if err != nil || seq != wantSeq {
			break
		}

		payload := make([][]byte, len(addrs))
		for i := range addrs {
			blk, err := j.bc.ReadBlock(j.physical(pos + 1 + uint64(i)))
			if err != nil {
				return err
			}
			payload[i] = blk
		}

		commitBlk, err := j.bc.ReadBlock(j.physical(pos + 1 + uint64(len(addrs))))
		if err != nil {
			return err
		}
		commitSeq, checksum, err := decodeCommit(commitBlk)
		if err != nil || commitSeq != seq {
			break
		}
		checksumInput := append([]byte{}, hdrBlk...)
		for _, p := range payload {
			checksumInput = append(checksumInput, p...)
		}
		if farm.Hash64(checksumInput) != checksum {
			break
		}

		entries = append(entries, loggedEntry{seq: seq, addrs: addrs, revoked: revoked, payload: payload})
		pos = pos + 2 + uint64(len(addrs))
		wantSeq++
	}

	if len(entries) == 0 {
		return nil
	}
	log.WithField("count", len(entries)).Info("replaying journal entries")

	revokeSeq := map[common.Bnum]uint64{}
	for _, e := range entries {
		for _, r := range e.revoked {
			if s, ok := revokeSeq[r]; !ok || e.seq > s {
				revokeSeq[r] = e.seq
			}
		}
	}
	for _, e := range entries {
		for i, addr := range e.addrs {
			if s, ok := revokeSeq[addr]; ok && s >= e.seq {
				continue
			}
			if err := j.bc.WriteBlock(addr, e.payload[i]); err != nil {
				return err
			}
		}
	}
	if err := j.bc.Flush(); err != nil {
		return err
	}

	last := entries[len(entries)-1]
	j.nextSeq = last.seq + 1
	j.headPos = pos
	j.tailPos = pos
	return j.persistInfo()
}

// IdleSync runs until ctx is canceled, persisting the journal's start
// pointer whenever it has gone idle for interval with nothing further
// appended, matching the teacher's logger/installer background pair with a
// timer instead of a condition-variable wakeup (spec.md component table,
// C6 "idle-sync").
func (j *Journal) IdleSync(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	var lastHead uint64 = ^uint64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.mu.Lock()
			head := j.headPos
			if head == lastHead {
				if err := j.persistInfo(); err != nil {
					log.WithField("error", err).Warn("idle-sync persist failed")
				}
			}
			lastHead = head
			j.mu.Unlock()
		}
	}
}

// Occupied returns how many ring blocks currently hold unreclaimed entries,
// exposed for minfs/diag.
func (j *Journal) Occupied() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.headPos - j.tailPos
}

// ReadOnly reports whether a prior journal write failure has tripped the
// filesystem into read-only mode.
func (j *Journal) ReadOnly() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readOnly
}
