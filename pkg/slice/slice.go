// Package slice provides the byte-range type that document bodies, keys and
// revision IDs flow through. A Slice either borrows someone else's bytes or
// owns its own copy; Copy is the only way to cross that line.
package slice

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
)

// Slice is a contiguous byte range. The zero value is the null slice.
type Slice []byte

// Null is the absent slice; distinct from the empty slice.
var Null Slice = nil

// Borrow wraps raw bytes without copying. The caller must keep the backing
// array alive as long as the returned Slice is in use.
func Borrow(b []byte) Slice { return Slice(b) }

// FromString converts s to a Slice; the conversion copies the bytes.
func FromString(s string) Slice { return Slice(s) }

// Copy allocates an owned copy of the slice. A null slice stays null.
func (s Slice) Copy() Slice {
	if s == nil {
		return nil
	}
	out := make(Slice, len(s))
	copy(out, s)
	return out
}

func (s Slice) IsNull() bool { return s == nil }

func (s Slice) String() string { return string(s) }

// Equal is memcmp equality. Null and empty compare equal here; callers that
// care about the distinction check IsNull first.
func (s Slice) Equal(other Slice) bool { return bytes.Equal(s, other) }

// Compare is lexicographic: -1, 0 or +1.
func (s Slice) Compare(other Slice) int { return bytes.Compare(s, other) }

func (s Slice) Hex() string { return hex.EncodeToString(s) }

func FromHex(str string) (Slice, error) {
	b, err := hex.DecodeString(str)
	if err != nil {
		return nil, err
	}
	return Slice(b), nil
}

func (s Slice) Base64() string { return base64.StdEncoding.EncodeToString(s) }

func FromBase64(str string) (Slice, error) {
	b, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return nil, err
	}
	return Slice(b), nil
}
