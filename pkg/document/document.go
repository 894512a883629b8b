// Package document binds a revision tree to its durable record. A Document
// is loaded from the record store, mutated through its tree, and written
// back with a freshly assigned sequence when anything changed.
package document

import (
	"github.com/litecore-db/litecore/pkg/revid"
	"github.com/litecore-db/litecore/pkg/revtree"
	"github.com/litecore-db/litecore/pkg/slice"
	"github.com/litecore-db/litecore/pkg/status"
)

// Flags summarize a document's state for change feeds and replication.
type Flags uint8

const (
	FlagExists Flags = 1 << iota
	FlagDeleted
	FlagConflicted
	FlagHasAttachments
)

// Record is the persisted form of a document.
type Record struct {
	DocID    string
	Raw      []byte // encoded revision tree
	RevID    string // winning revision
	Sequence uint64
	Flags    Flags
}

// Store is the narrow persistence contract a Document needs. Load returns
// status.NotFound for an absent document. ReserveSequence hands out the
// next sequence so it can be stamped into the encoded tree; Save then
// writes the record under rec.Sequence. Sequence gaps from failed saves are
// harmless.
type Store interface {
	Load(docID string) (*Record, error)
	ReserveSequence() (uint64, error)
	Save(rec *Record) error
}

// Document is a revision tree bound to a durable record.
type Document struct {
	id       string
	store    Store
	tree     *revtree.Tree
	raw      []byte
	sequence uint64
	exists   bool
	unknown  bool // raw loaded but tree not yet decoded
}

// Load reads a document. An absent document yields an empty, non-existing
// Document ready to accept a first revision.
func Load(store Store, docID string) (*Document, error) {
	if docID == "" {
		return nil, status.BadDocID("empty document ID")
	}
	d := &Document{id: docID, store: store}
	rec, err := store.Load(docID)
	if err != nil {
		if status.IsNotFound(err) {
			d.tree = revtree.New()
			return d, nil
		}
		return nil, err
	}
	d.raw = rec.Raw
	d.sequence = rec.Sequence
	d.exists = true
	d.unknown = true
	return d, nil
}

func (d *Document) ID() string { return d.id }

func (d *Document) Sequence() uint64 { return d.sequence }

func (d *Document) Exists() bool { return d.exists }

// Tree decodes the stored revision tree on first use.
func (d *Document) Tree() (*revtree.Tree, error) {
	if d.unknown {
		tree, err := revtree.Decode(d.raw)
		if err != nil {
			return nil, err
		}
		d.tree = tree
		d.raw = nil
		d.unknown = false
	}
	return d.tree, nil
}

// Flags derives the document-level summary from the tree.
func (d *Document) Flags() (Flags, error) {
	tree, err := d.Tree()
	if err != nil {
		return 0, err
	}
	var f Flags
	winner := tree.Current()
	if winner != nil {
		f |= FlagExists
		if winner.IsDeleted() {
			f |= FlagDeleted
		}
	}
	if tree.HasConflict() {
		f |= FlagConflicted
	}
	for _, leaf := range tree.Leaves() {
		if leaf.HasAttachments() {
			f |= FlagHasAttachments
			break
		}
	}
	return f, nil
}

// PutRevision creates the next local revision on the branch named by
// parentRevID (empty for a new document). It derives the child's ID from
// the parent and content.
func (d *Document) PutRevision(parentRevID string, body slice.Slice,
	deleted bool, allowConflict bool) (*revtree.Rev, error) {

	tree, err := d.Tree()
	if err != nil {
		return nil, err
	}

	var parent *revtree.Rev
	var parentID revid.ID
	if parentRevID != "" {
		parentID, err = revid.Parse(parentRevID)
		if err != nil {
			return nil, err
		}
		parent = tree.Get(parentID)
		if parent == nil {
			return nil, status.NotFound("document %s has no revision %s", d.id, parentRevID)
		}
	}

	var flags revtree.Flags
	if deleted {
		flags |= revtree.FlagDeleted
	}
	newID := revtree.GenerateRevID(parentID, body, deleted)
	rev, _, err := tree.Insert(newID, body, flags, parent, allowConflict)
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// InsertHistory applies a revision pulled from a peer; see
// revtree.Tree.InsertHistory for the return contract.
func (d *Document) InsertHistory(history []string, body slice.Slice,
	flags revtree.Flags) (int, error) {

	tree, err := d.Tree()
	if err != nil {
		return -1, err
	}
	ids := make([]revid.ID, len(history))
	for i, s := range history {
		id, err := revid.Parse(s)
		if err != nil {
			return -1, nil // malformed history is a -1, not an internal error
		}
		ids[i] = id
	}
	return tree.InsertHistory(ids, body, flags), nil
}

// SaveIfChanged re-encodes and writes the document when the tree is dirty,
// pruning to maxDepth first when positive. It reports whether a write
// happened and the sequence it received.
func (d *Document) SaveIfChanged(maxDepth int) (bool, uint64, error) {
	tree, err := d.Tree()
	if err != nil {
		return false, d.sequence, err
	}
	if !tree.Changed() {
		return false, d.sequence, nil
	}
	if maxDepth > 0 {
		tree.Prune(maxDepth)
	}

	newSeq, err := d.store.ReserveSequence()
	if err != nil {
		return false, d.sequence, err
	}
	// stamp sequences before encoding so the stored tree carries them
	tree.Saved(newSeq)

	flags, err := d.Flags()
	if err != nil {
		return false, d.sequence, err
	}
	rec := &Record{
		DocID:    d.id,
		Raw:      tree.Encode(),
		Sequence: newSeq,
		Flags:    flags,
	}
	if winner := tree.Current(); winner != nil {
		rec.RevID = winner.RevID()
	}
	if err := d.store.Save(rec); err != nil {
		return false, d.sequence, err
	}
	d.sequence = newSeq
	d.exists = true
	return true, newSeq, nil
}
