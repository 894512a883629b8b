// Package revid parses and orders revision identifiers.
//
// Two forms exist. The classic tree form is "<generation>-<digest>", where
// generation is a positive decimal integer and the digest is an opaque tag.
// The version-vector form is "<counter>@<peer-id>". Both parse into a
// generation number plus an opaque tail; the form is remembered so the two
// never compare equal by accident.
package revid

import (
	"strconv"
	"strings"

	"github.com/litecore-db/litecore/pkg/status"
)

// Form discriminates the two ID syntaxes.
type Form int

const (
	FormNone Form = iota
	FormTree
	FormVersion
)

// ID is a parsed revision identifier. The zero ID is the absent ID: its
// generation is zero and IsValid reports false.
type ID struct {
	gen  uint64
	tail string
	form Form
}

// Parse accepts either syntax. It rejects the empty string, a missing or
// empty tail, a non-positive generation and generation overflow.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, status.BadRevID("empty revision ID")
	}
	sep := strings.IndexByte(s, '-')
	form := FormTree
	if at := strings.IndexByte(s, '@'); at >= 0 && (sep < 0 || at < sep) {
		sep = at
		form = FormVersion
	}
	if sep <= 0 || sep == len(s)-1 {
		return ID{}, status.BadRevID("malformed revision ID %q", s)
	}
	gen, err := strconv.ParseUint(s[:sep], 10, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return ID{}, status.BadRevID("revision ID generation overflow in %q", s)
		}
		return ID{}, status.BadRevID("malformed revision ID %q", s)
	}
	if gen == 0 {
		return ID{}, status.BadRevID("revision ID generation must be positive in %q", s)
	}
	return ID{gen: gen, tail: s[sep+1:], form: form}, nil
}

// MustParse is for literals in tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Generation is zero iff the ID is absent.
func (id ID) Generation() uint64 { return id.gen }

func (id ID) Tail() string { return id.tail }

func (id ID) Form() Form { return id.form }

func (id ID) IsValid() bool { return id.gen > 0 }

func (id ID) String() string {
	if !id.IsValid() {
		return ""
	}
	sep := "-"
	if id.form == FormVersion {
		sep = "@"
	}
	return strconv.FormatUint(id.gen, 10) + sep + id.tail
}

func (id ID) Equal(other ID) bool {
	return id.gen == other.gen && id.tail == other.tail && id.form == other.form
}

// Compare orders IDs: generations compare numerically, equal generations
// compare lexicographically on the tail.
func (id ID) Compare(other ID) int {
	switch {
	case id.gen < other.gen:
		return -1
	case id.gen > other.gen:
		return 1
	}
	return strings.Compare(id.tail, other.tail)
}
