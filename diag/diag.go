// Package diag is the debug surface spec.md's mount layer exposes: a
// per-operation latency counter and a table-formatted dump of it alongside
// the allocator free counts and journal occupancy a live filesystem
// instance is otherwise opaque about. It is not the out-of-scope inspector
// tool itself, just the hooks such a tool (or an operator shelling in)
// would read.
//
// Grounded on the teacher's util/stats/stats.go (atomic Op counters,
// WriteTable's rodaine/table dump) and stats.go's nfsopNames/GetOpStats
// (naming each tracked operation for the dump), adapted from NFS procedure
// counts onto this module's file-engine operations.
package diag

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rodaine/table"
)

// Op is one named operation's running count and cumulative latency,
// updated with atomics so a live filesystem can be dumped from another
// goroutine without locking the hot path.
type Op struct {
	name  string
	count uint32
	nanos uint64
}

// Record adds one observation of start's elapsed duration. A nil receiver
// (Counters.For on a disabled Counters) is a deliberate no-op, so callers
// can defer h.stats.For(name).Record(...) unconditionally.
func (op *Op) Record(start time.Time) {
	if op == nil {
		return
	}
	atomic.AddUint32(&op.count, 1)
	atomic.AddUint64(&op.nanos, uint64(time.Since(start).Nanoseconds()))
}

func (op *Op) snapshot() Op {
	return Op{
		name:  op.name,
		count: atomic.LoadUint32(&op.count),
		nanos: atomic.LoadUint64(&op.nanos),
	}
}

// Name is the operation's label, one of the Op* constants.
func (op Op) Name() string { return op.name }

// Count is how many times Record has been called.
func (op Op) Count() uint32 { return op.count }

func (op Op) microsPerOp() float64 {
	if op.count == 0 {
		return 0
	}
	return float64(op.nanos) / float64(op.count) / 1e3
}

// Names spec.md's file-engine operations worth tracking; mount.Filesystem
// holds one Op per entry, in this order.
const (
	OpRead     = "read"
	OpWrite    = "write"
	OpTruncate = "truncate"
	OpSync     = "sync"
	OpCreate   = "create"
)

var opOrder = []string{OpRead, OpWrite, OpTruncate, OpSync, OpCreate}

// Counters is a fixed set of named Ops, one per tracked file-engine
// operation, constructed once and handed out by reference so Record calls
// update the same atomics a later Take reads.
type Counters struct {
	ops     map[string]*Op
	enabled uint32
}

// NewCounters builds a zeroed counter set for opOrder's fixed operation
// list, enabled by default.
func NewCounters() *Counters {
	c := &Counters{ops: make(map[string]*Op, len(opOrder)), enabled: 1}
	for _, name := range opOrder {
		c.ops[name] = &Op{name: name}
	}
	return c
}

// Disable stops future Record calls from updating the counters, wired to
// MountOptions.Metrics == false so a latency-sensitive mount can skip the
// atomic increments on its hot path.
func (c *Counters) Disable() { atomic.StoreUint32(&c.enabled, 0) }

// For returns name's counter, or nil if name isn't one of the fixed
// operations Counters tracks or the counters are disabled.
func (c *Counters) For(name string) *Op {
	if atomic.LoadUint32(&c.enabled) == 0 {
		return nil
	}
	return c.ops[name]
}

// Snapshot is a point-in-time dump: the op-latency table plus the
// allocator/journal state a caller building a dump needs to report
// alongside it.
type Snapshot struct {
	Ops             []Op
	DataFree        uint64
	DataTotal       uint64
	InodeFree       uint64
	InodeTotal      uint64
	JournalOccupied uint64
}

// WriteTable renders s as a table, the op-latency rows first (one line
// per tracked operation plus a total row), then the allocator/journal
// state as trailing rows, grounded on the teacher's WriteTable shape
// (name/count/microseconds-per-op columns, a synthesized total row).
func (s Snapshot) WriteTable(w io.Writer) {
	tbl := table.New("op", "count", "us/op")

	var totalCount uint32
	var totalNanos uint64
	for _, op := range s.Ops {
		tbl.AddRow(op.name, op.count, fmt.Sprintf("%0.1f", op.microsPerOp()))
		totalCount += op.count
		totalNanos += op.nanos
	}
	totalMicros := float64(0)
	if totalCount > 0 {
		totalMicros = float64(totalNanos) / float64(totalCount) / 1e3
	}
	tbl.AddRow("total", totalCount, fmt.Sprintf("%0.1f", totalMicros))
	tbl.AddRow("data blocks free", fmt.Sprintf("%d/%d", s.DataFree, s.DataTotal), "")
	tbl.AddRow("inodes free", fmt.Sprintf("%d/%d", s.InodeFree, s.InodeTotal), "")
	tbl.AddRow("journal occupied", s.JournalOccupied, "")
	tbl.WithWriter(w)
	tbl.Print()
}

// FormatTable is WriteTable rendered to a string, for a caller that just
// wants to log or return the dump rather than stream it.
func (s Snapshot) FormatTable() string {
	buf := new(bytes.Buffer)
	s.WriteTable(buf)
	return buf.String()
}

// Take reads every counter into a Snapshot.
func (c *Counters) Take(dataFree, dataTotal, inodeFree, inodeTotal, journalOccupied uint64) Snapshot {
	ops := make([]Op, 0, len(opOrder))
	for _, name := range opOrder {
		ops = append(ops, c.ops[name].snapshot())
	}
	return Snapshot{
		Ops:             ops,
		DataFree:        dataFree,
		DataTotal:       dataTotal,
		InodeFree:       inodeFree,
		InodeTotal:      inodeTotal,
		JournalOccupied: journalOccupied,
	}
}
