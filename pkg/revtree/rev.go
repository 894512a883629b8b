// Package revtree implements a document's multi-version history: an ordered
// arena of revisions linked by parent pointers, with conflict detection,
// bounded-depth pruning and a stable byte encoding.
package revtree

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"

	"github.com/litecore-db/litecore/pkg/revid"
	"github.com/litecore-db/litecore/pkg/slice"
)

// Flags is the per-revision bitset. The byte values are part of the encoded
// form and must not change.
type Flags uint8

const (
	FlagDeleted        Flags = 0x01 // this revision is a tombstone
	FlagLeaf           Flags = 0x02 // no revision has this one as parent
	FlagNew            Flags = 0x04 // inserted since the last save
	FlagHasAttachments Flags = 0x08
	FlagKeepBody       Flags = 0x10 // body must survive body elision
	FlagForeign        Flags = 0x20 // arrived via replication
	FlagConflict       Flags = 0x40 // belongs to a losing/conflicting branch
	flagPurge          Flags = 0x80 // marked for removal by compact
)

// insertableFlags are the caller-suppliable bits on insert.
const insertableFlags = FlagDeleted | FlagHasAttachments | FlagKeepBody | FlagForeign

// storedFlags survive encoding; New and the purge marker do not.
const storedFlags = FlagDeleted | FlagLeaf | FlagHasAttachments | FlagKeepBody |
	FlagForeign | FlagConflict

// Rev is one revision node. Revisions live in their tree's arena and are
// linked by parent pointers; they are never shared between trees.
type Rev struct {
	id       revid.ID
	parent   *Rev
	body     slice.Slice
	sequence uint64
	flags    Flags
}

func (r *Rev) ID() revid.ID { return r.id }

func (r *Rev) RevID() string { return r.id.String() }

func (r *Rev) Generation() uint64 { return r.id.Generation() }

// Parent is nil for roots.
func (r *Rev) Parent() *Rev { return r.parent }

// Body is null when elided or never stored.
func (r *Rev) Body() slice.Slice { return r.body }

func (r *Rev) HasBody() bool { return !r.body.IsNull() }

// Sequence is assigned when the owning document is saved; zero means unsaved.
func (r *Rev) Sequence() uint64 { return r.sequence }

func (r *Rev) Flags() Flags { return r.flags }

func (r *Rev) IsLeaf() bool    { return r.flags&FlagLeaf != 0 }
func (r *Rev) IsDeleted() bool { return r.flags&FlagDeleted != 0 }
func (r *Rev) IsNew() bool     { return r.flags&FlagNew != 0 }
func (r *Rev) IsForeign() bool { return r.flags&FlagForeign != 0 }
func (r *Rev) IsConflict() bool { return r.flags&FlagConflict != 0 }
func (r *Rev) KeepsBody() bool { return r.flags&FlagKeepBody != 0 }
func (r *Rev) HasAttachments() bool { return r.flags&FlagHasAttachments != 0 }

// IsActive means a live branch tip: a leaf that is not a tombstone.
func (r *Rev) IsActive() bool { return r.IsLeaf() && !r.IsDeleted() }

// History walks parent pointers, newest first, root last.
func (r *Rev) History() []*Rev {
	var out []*Rev
	for rev := r; rev != nil; rev = rev.parent {
		out = append(out, rev)
	}
	return out
}

// HistoryIDs is History rendered as revision ID strings.
func (r *Rev) HistoryIDs() []string {
	hist := r.History()
	out := make([]string, len(hist))
	for i, rev := range hist {
		out[i] = rev.RevID()
	}
	return out
}

func (r *Rev) isMarkedForPurge() bool { return r.flags&flagPurge != 0 }

func (r *Rev) addFlags(f Flags)    { r.flags |= f }
func (r *Rev) clearFlags(f Flags)  { r.flags &^= f }

// GenerateRevID derives the tree-form ID of a new child revision from its
// parent ID and content, the same way local inserts name their revisions.
func GenerateRevID(parent revid.ID, body slice.Slice, deleted bool) revid.ID {
	h := sha1.New()
	if parent.IsValid() {
		h.Write([]byte(parent.String()))
	}
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(body)
	digest := h.Sum(nil)
	gen := strconv.FormatUint(parent.Generation()+1, 10)
	return revid.MustParse(gen + "-" + hex.EncodeToString(digest[:16]))
}
