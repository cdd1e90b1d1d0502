package diag

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewCountersCoversFixedOpList(t *testing.T) {
	assert := assert.New(t)

	c := NewCounters()
	for _, name := range opOrder {
		assert.NotNil(c.For(name))
	}
	assert.Nil(c.For("not-a-real-op"))
}

func TestRecordAccumulatesCountAndTime(t *testing.T) {
	assert := assert.New(t)

	c := NewCounters()
	op := c.For(OpWrite)
	op.Record(time.Now().Add(-time.Millisecond))
	op.Record(time.Now().Add(-time.Millisecond))

	snap := op.snapshot()
	assert.EqualValues(2, snap.count)
	assert.Greater(snap.nanos, uint64(0))
}

func TestSnapshotFormatTableIncludesEveryRow(t *testing.T) {
	assert := assert.New(t)

	c := NewCounters()
	c.For(OpRead).Record(time.Now().Add(-time.Microsecond))
	snap := c.Take(10, 64, 3, 16, 0)

	out := snap.FormatTable()
	assert.True(strings.Contains(out, "read"))
	assert.True(strings.Contains(out, "total"))
	assert.True(strings.Contains(out, "data blocks free"))
	assert.True(strings.Contains(out, "10/64"))
	assert.True(strings.Contains(out, "inodes free"))
	assert.True(strings.Contains(out, "3/16"))
	assert.True(strings.Contains(out, "journal occupied"))
}
