package journal

import "github.com/minfs/minfs/common"

// Entry is an in-memory journal entry under construction: the metadata ops
// a transaction stages before commit (spec.md §4.7 step 1). The zero value
// is an empty entry.
type Entry struct {
	Addrs   []common.Bnum
	payload [][]byte
	Revoked []common.Bnum
}

// NewEntry returns an empty entry.
func NewEntry() *Entry {
	return &Entry{}
}

// AddBlock stages addr's new content for this entry. data is copied.
func (e *Entry) AddBlock(addr common.Bnum, data []byte) {
	buf := make([]byte, common.BlockSize)
	copy(buf, data)
	e.Addrs = append(e.Addrs, addr)
	e.payload = append(e.payload, buf)
}

// Revoke marks addr as revoked by this entry: on replay, any earlier
// uninstalled entry's write to addr is superseded by this entry and must
// not be replayed over whatever this entry (or a later one) left there.
func (e *Entry) Revoke(addr common.Bnum) {
	e.Revoked = append(e.Revoked, addr)
}

func (e *Entry) empty() bool {
	return len(e.Addrs) == 0 && len(e.Revoked) == 0
}

func (e *Entry) payloadAt(i int) []byte {
	return e.payload[i]
}
