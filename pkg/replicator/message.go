// Package replicator implements the push/pull replication core: a framed
// request/reply connection, a DB actor serializing database access, the
// pusher and puller state machines, and a debounced checkpointer.
package replicator

import (
	"encoding/binary"
	"sort"
	"strconv"

	"github.com/litecore-db/litecore/pkg/status"
)

// Request profiles used by the protocol.
const (
	ProfileSubChanges    = "subChanges"
	ProfileChanges       = "changes"
	ProfileRev           = "rev"
	ProfileGetCheckpoint = "getCheckpoint"
	ProfileSetCheckpoint = "setCheckpoint"
)

// MessageType discriminates frames sharing a request number.
type MessageType byte

const (
	TypeRequest MessageType = iota
	TypeResponse
	TypeError
)

// Message is one logical protocol message: a request, its reply, or an
// error reply. Properties are short ASCII key=value pairs; the body is an
// opaque byte range.
type Message struct {
	Number     uint64
	Type       MessageType
	Profile    string
	Properties map[string]string
	Body       []byte
	NoReply    bool
}

// NewRequest builds a request message for a profile.
func NewRequest(profile string) *Message {
	return &Message{
		Type:       TypeRequest,
		Profile:    profile,
		Properties: map[string]string{},
	}
}

// NewResponse builds the reply to a request.
func NewResponse(req *Message) *Message {
	return &Message{
		Number:     req.Number,
		Type:       TypeResponse,
		Properties: map[string]string{},
	}
}

// NewErrorResponse builds a structured error reply.
func NewErrorResponse(req *Message, domain status.Domain, code status.Code,
	msg string) *Message {

	return &Message{
		Number: req.Number,
		Type:   TypeError,
		Properties: map[string]string{
			"Error-Domain":  strconv.Itoa(int(domain)),
			"Error-Code":    strconv.Itoa(int(code)),
			"Error-Message": msg,
		},
	}
}

// Err converts an error reply into a *status.Error; nil for non-errors.
func (m *Message) Err() error {
	if m == nil || m.Type != TypeError {
		return nil
	}
	domain, _ := strconv.Atoi(m.Properties["Error-Domain"])
	code, _ := strconv.Atoi(m.Properties["Error-Code"])
	return status.New(status.Domain(domain), status.Code(code),
		"%s", m.Properties["Error-Message"])
}

const noReplyFlag = 0x80

// Encode produces the binary frame:
//
//	number   uvarint
//	type     1 byte (high bit: no reply expected)
//	profile  uvarint length + bytes
//	count    uvarint, then (kLen,k,vLen,v) per property
//	body     rest
func (m *Message) Encode() []byte {
	var tmp [binary.MaxVarintLen64]byte
	buf := make([]byte, 0, 64+len(m.Body))
	put := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		buf = append(buf, tmp[:n]...)
	}
	putStr := func(s string) {
		put(uint64(len(s)))
		buf = append(buf, s...)
	}

	put(m.Number)
	t := byte(m.Type)
	if m.NoReply {
		t |= noReplyFlag
	}
	buf = append(buf, t)
	putStr(m.Profile)
	put(uint64(len(m.Properties)))
	for _, k := range sortedKeys(m.Properties) {
		putStr(k)
		putStr(m.Properties[k])
	}
	buf = append(buf, m.Body...)
	return buf
}

// DecodeMessage parses a received frame.
func DecodeMessage(data []byte) (*Message, error) {
	pos := 0
	readUvarint := func() (uint64, bool) {
		v, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return 0, false
		}
		pos += n
		return v, true
	}
	readStr := func() (string, bool) {
		n, ok := readUvarint()
		if !ok || uint64(len(data)-pos) < n {
			return "", false
		}
		s := string(data[pos : pos+int(n)])
		pos += int(n)
		return s, true
	}

	m := &Message{Properties: map[string]string{}}
	var ok bool
	if m.Number, ok = readUvarint(); !ok {
		return nil, status.New(status.DomainWebSocket, status.CodeCorruptData,
			"frame missing request number")
	}
	if pos >= len(data) {
		return nil, status.New(status.DomainWebSocket, status.CodeCorruptData,
			"frame missing type byte")
	}
	t := data[pos]
	pos++
	m.NoReply = t&noReplyFlag != 0
	m.Type = MessageType(t &^ noReplyFlag)
	if m.Type > TypeError {
		return nil, status.New(status.DomainWebSocket, status.CodeCorruptData,
			"frame has unknown type %d", m.Type)
	}
	if m.Profile, ok = readStr(); !ok {
		return nil, status.New(status.DomainWebSocket, status.CodeCorruptData,
			"frame profile truncated")
	}
	count, ok := readUvarint()
	if !ok {
		return nil, status.New(status.DomainWebSocket, status.CodeCorruptData,
			"frame property count truncated")
	}
	for i := uint64(0); i < count; i++ {
		k, ok1 := readStr()
		v, ok2 := readStr()
		if !ok1 || !ok2 {
			return nil, status.New(status.DomainWebSocket, status.CodeCorruptData,
				"frame property truncated")
		}
		m.Properties[k] = v
	}
	if pos < len(data) {
		m.Body = append([]byte(nil), data[pos:]...)
	}
	return m, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
