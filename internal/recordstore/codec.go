package recordstore

import (
	"encoding/binary"

	"github.com/litecore-db/litecore/pkg/document"
	"github.com/litecore-db/litecore/pkg/status"
)

// Record envelope layout, after the one-byte format tag:
//
//	flags    1 byte
//	sequence uvarint
//	revIDLen uvarint, revID bytes
//	tree     rest
//
// Envelopes beyond compressThreshold are zstd-compressed (tag formatZstd).

func encodeRecord(rec *document.Record) []byte {
	buf := make([]byte, 0, len(rec.Raw)+len(rec.RevID)+2*binary.MaxVarintLen64+1)
	buf = append(buf, byte(rec.Flags))
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], rec.Sequence)
	buf = append(buf, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], uint64(len(rec.RevID)))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, rec.RevID...)
	buf = append(buf, rec.Raw...)

	if len(buf) > compressThreshold {
		out := make([]byte, 1, len(buf)/2)
		out[0] = formatZstd
		return zstdEnc.EncodeAll(buf, out)
	}
	out := make([]byte, 1+len(buf))
	out[0] = formatRaw
	copy(out[1:], buf)
	return out
}

func decodeRecord(docID string, stored []byte) (*document.Record, error) {
	if len(stored) == 0 {
		return nil, status.CorruptData("empty record for document %q", docID)
	}
	payload := stored[1:]
	switch stored[0] {
	case formatRaw:
	case formatZstd:
		var err error
		payload, err = zstdDec.DecodeAll(payload, nil)
		if err != nil {
			return nil, status.CorruptData("record for %q fails decompression: %v", docID, err)
		}
	default:
		return nil, status.CorruptData("record for %q has unknown format %#x", docID, stored[0])
	}

	if len(payload) < 1 {
		return nil, status.CorruptData("record for %q is truncated", docID)
	}
	rec := &document.Record{DocID: docID, Flags: document.Flags(payload[0])}
	pos := 1

	seq, n := binary.Uvarint(payload[pos:])
	if n <= 0 {
		return nil, status.CorruptData("record for %q has bad sequence", docID)
	}
	pos += n
	rec.Sequence = seq

	revLen, n := binary.Uvarint(payload[pos:])
	if n <= 0 || uint64(len(payload)-pos-n) < revLen {
		return nil, status.CorruptData("record for %q has bad revision ID", docID)
	}
	pos += n
	rec.RevID = string(payload[pos : pos+int(revLen)])
	pos += int(revLen)

	rec.Raw = append([]byte(nil), payload[pos:]...)
	return rec, nil
}
