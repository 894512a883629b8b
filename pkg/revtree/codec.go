package revtree

import (
	"encoding/binary"

	"github.com/litecore-db/litecore/pkg/revid"
	"github.com/litecore-db/litecore/pkg/slice"
	"github.com/litecore-db/litecore/pkg/status"
)

// The encoded form is a sequence of length-prefixed records, one per
// revision in arena order after sorting:
//
//	body-length  uvarint
//	body         bytes
//	revID-length uvarint
//	revID        bytes
//	parent-index uvarint  (0 = no parent, otherwise 1+index)
//	sequence     uvarint
//	flags        1 byte
//
// Sorting first makes the encoding stable for a given tree.

// Encode serializes the tree. The tree is sorted as a side effect.
func (t *Tree) Encode() []byte {
	t.Sort()

	index := make(map[*Rev]int, len(t.revs))
	for i, r := range t.revs {
		index[r] = i
	}

	size := 0
	for _, r := range t.revs {
		size += len(r.body) + len(r.id.String()) + 4*binary.MaxVarintLen64 + 1
	}
	buf := make([]byte, 0, size)
	var tmp [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		buf = append(buf, tmp[:n]...)
	}

	for _, r := range t.revs {
		putUvarint(uint64(len(r.body)))
		buf = append(buf, r.body...)
		id := r.id.String()
		putUvarint(uint64(len(id)))
		buf = append(buf, id...)
		if r.parent == nil {
			putUvarint(0)
		} else {
			putUvarint(uint64(1 + index[r.parent]))
		}
		putUvarint(r.sequence)
		buf = append(buf, byte(r.flags&storedFlags))
	}
	return buf
}

// Decode rebuilds a tree from its encoded form. Unknown flag bits are
// masked off so newer encodings stay readable.
func Decode(data []byte) (*Tree, error) {
	t := New()
	if len(data) == 0 {
		return t, nil
	}

	type pending struct {
		rev       *Rev
		parentIdx uint64
	}
	var records []pending

	pos := 0
	readUvarint := func() (uint64, bool) {
		v, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return 0, false
		}
		pos += n
		return v, true
	}
	readBytes := func(n uint64) ([]byte, bool) {
		if uint64(len(data)-pos) < n {
			return nil, false
		}
		b := data[pos : pos+int(n)]
		pos += int(n)
		return b, true
	}

	for pos < len(data) {
		bodyLen, ok := readUvarint()
		if !ok {
			return nil, status.CorruptData("revision tree record truncated")
		}
		body, ok := readBytes(bodyLen)
		if !ok {
			return nil, status.CorruptData("revision tree body truncated")
		}
		idLen, ok := readUvarint()
		if !ok {
			return nil, status.CorruptData("revision tree record truncated")
		}
		idBytes, ok := readBytes(idLen)
		if !ok {
			return nil, status.CorruptData("revision tree ID truncated")
		}
		id, err := revid.Parse(string(idBytes))
		if err != nil {
			return nil, status.CorruptData("revision tree holds invalid ID %q", idBytes)
		}
		parentIdx, ok := readUvarint()
		if !ok {
			return nil, status.CorruptData("revision tree record truncated")
		}
		seq, ok := readUvarint()
		if !ok {
			return nil, status.CorruptData("revision tree record truncated")
		}
		if pos >= len(data) {
			return nil, status.CorruptData("revision tree flags truncated")
		}
		flags := Flags(data[pos]) & storedFlags
		pos++

		var b slice.Slice
		if bodyLen > 0 {
			b = slice.Borrow(body).Copy()
		}
		records = append(records, pending{
			rev: &Rev{
				id:       id,
				body:     b,
				sequence: seq,
				flags:    flags,
			},
			parentIdx: parentIdx,
		})
	}

	for _, p := range records {
		if p.parentIdx > 0 {
			if p.parentIdx > uint64(len(records)) {
				return nil, status.CorruptData("revision tree parent index out of range")
			}
			p.rev.parent = records[p.parentIdx-1].rev
		}
		t.revs = append(t.revs, p.rev)
	}
	t.sorted = true // encoded trees are written sorted
	t.changed = false
	return t, nil
}
