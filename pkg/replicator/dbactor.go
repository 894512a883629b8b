package replicator

import (
	"github.com/sirupsen/logrus"

	"github.com/litecore-db/litecore/internal/recordstore"
	"github.com/litecore-db/litecore/pkg/actor"
	"github.com/litecore-db/litecore/pkg/document"
	"github.com/litecore-db/litecore/pkg/revid"
	"github.com/litecore-db/litecore/pkg/revtree"
	"github.com/litecore-db/litecore/pkg/slice"
	"github.com/litecore-db/litecore/pkg/status"
)

// RevRequest is a revision the peer asked us to send, queued by the pusher.
type RevRequest struct {
	Sequence       uint64
	DocID          string
	RevID          string
	Deleted        bool
	KnownAncestors []string
}

// RevToSend is a fetched revision ready to go on the wire. History holds
// ancestor IDs newest-first, excluding the revision itself, truncated at
// the first ancestor the peer already knows.
type RevToSend struct {
	Sequence uint64
	DocID    string
	RevID    string
	History  []string
	Body     []byte
	Deleted  bool
}

// ChangeEntry mirrors one element of a "changes" message.
type ChangeEntry struct {
	Sequence uint64
	DocID    string
	RevID    string
	Deleted  bool
}

// DBActor serializes every database access of a replication session onto
// one mailbox. Failures never cross the mailbox boundary; they become
// error values passed to the caller's continuation.
type DBActor struct {
	a           *actor.Actor
	store       *recordstore.Store
	maxDepth    int
	historyCap  int
	ancestorCap int
	log         *logrus.Logger
}

// NewDBActor wraps a record store for a session.
func NewDBActor(store *recordstore.Store, maxDepth int, log *logrus.Logger) *DBActor {
	if log == nil {
		log = logrus.New()
	}
	if maxDepth <= 0 {
		maxDepth = 20
	}
	return &DBActor{
		a:           actor.New("db"),
		store:       store,
		maxDepth:    maxDepth,
		historyCap:  maxDepth,
		ancestorCap: 20,
		log:         log,
	}
}

func (db *DBActor) Close() { db.a.Close() }

// call runs fn on the DB mailbox and delivers its result to the caller's
// mailbox. If either actor is closed the continuation is dropped, matching
// whole-message cancellation.
func call[T any](db *DBActor, caller *actor.Actor, fn func() (T, error),
	cb func(T, error)) {

	err := db.a.Enqueue(func() {
		value, err := fn()
		if enqErr := caller.Enqueue(func() { cb(value, err) }); enqErr != nil {
			db.log.Debugf("dropping DB result for closed actor %s", caller.Name())
		}
	})
	if err != nil {
		var zero T
		cb(zero, status.Disconnected("database actor is closed"))
	}
}

// ChangesSince fetches a batch of changes after the given sequence.
func (db *DBActor) ChangesSince(since uint64, limit int, caller *actor.Actor,
	cb func([]recordstore.Change, error)) {

	call(db, caller, func() ([]recordstore.Change, error) {
		return db.store.ChangesSince(since, limit)
	}, cb)
}

// LastSequence reports the store's sequence high-water mark.
func (db *DBActor) LastSequence(caller *actor.Actor, cb func(uint64, error)) {
	call(db, caller, db.store.LastSequence, cb)
}

// WhichRevsUnknown decides, for each offered change, whether to request it.
// The result has one element per entry: nil to skip, otherwise the (possibly
// empty) list of known-ancestor hints to disclose.
func (db *DBActor) WhichRevsUnknown(entries []ChangeEntry, caller *actor.Actor,
	cb func([][]string, error)) {

	call(db, caller, func() ([][]string, error) {
		out := make([][]string, len(entries))
		for i, e := range entries {
			doc, err := document.Load(db.store, e.DocID)
			if err != nil {
				return nil, err
			}
			tree, err := doc.Tree()
			if err != nil {
				// a corrupt tree is terminal for the document, not the scan
				db.log.Warnf("skipping document %q with corrupt tree: %v", e.DocID, err)
				continue
			}
			if id, err := revid.Parse(e.RevID); err == nil && tree.Get(id) != nil {
				continue // already have it: skip
			}
			out[i] = db.ancestorHints(tree)
		}
		return out, nil
	}, cb)
}

// ancestorHints lists revisions the peer may truncate history against,
// leaves first, bounded by ancestorCap.
func (db *DBActor) ancestorHints(tree *revtree.Tree) []string {
	hints := make([]string, 0, db.ancestorCap)
	for _, leaf := range tree.Leaves() {
		if len(hints) == db.ancestorCap {
			return hints
		}
		hints = append(hints, leaf.RevID())
	}
	for _, rev := range tree.Revs() {
		if len(hints) == db.ancestorCap {
			break
		}
		if !rev.IsLeaf() {
			hints = append(hints, rev.RevID())
		}
	}
	if hints == nil {
		hints = []string{}
	}
	return hints
}

// FetchRev fetches a revision's body and its history truncated at a common
// ancestor, ready for a "rev" message.
func (db *DBActor) FetchRev(req RevRequest, caller *actor.Actor,
	cb func(*RevToSend, error)) {

	call(db, caller, func() (*RevToSend, error) {
		doc, err := document.Load(db.store, req.DocID)
		if err != nil {
			return nil, err
		}
		tree, err := doc.Tree()
		if err != nil {
			return nil, err
		}
		id, err := revid.Parse(req.RevID)
		if err != nil {
			return nil, err
		}
		rev := tree.Get(id)
		if rev == nil {
			return nil, status.NotFound("document %q has no revision %s",
				req.DocID, req.RevID)
		}
		if !rev.HasBody() && !rev.IsDeleted() {
			return nil, status.NotFound("body of %q %s is no longer available",
				req.DocID, req.RevID)
		}

		known := make(map[string]struct{}, len(req.KnownAncestors))
		for _, a := range req.KnownAncestors {
			known[a] = struct{}{}
		}
		var history []string
		for anc := rev.Parent(); anc != nil; anc = anc.Parent() {
			history = append(history, anc.RevID())
			if _, ok := known[anc.RevID()]; ok {
				break
			}
			if len(history) == db.historyCap {
				break
			}
		}
		return &RevToSend{
			Sequence: req.Sequence,
			DocID:    req.DocID,
			RevID:    req.RevID,
			History:  history,
			Body:     rev.Body(),
			Deleted:  rev.IsDeleted(),
		}, nil
	}, cb)
}

// InsertRev applies a pulled revision. history is ancestors newest-first,
// excluding the revision itself.
func (db *DBActor) InsertRev(docID, revID string, history []string, body []byte,
	deleted bool, caller *actor.Actor, cb func(uint64, error)) {

	call(db, caller, func() (uint64, error) {
		if docID == "" {
			return 0, status.BadDocID("rev message without document ID")
		}
		doc, err := document.Load(db.store, docID)
		if err != nil {
			return 0, err
		}
		tree, err := doc.Tree()
		if err != nil {
			return 0, err
		}

		full := append([]string{revID}, history...)

		// If the local tree is non-empty, nothing in the chain is known here
		// and the chain does not reach a root, the peer must retry with more
		// history.
		anyKnown := false
		for _, s := range full {
			if id, err := revid.Parse(s); err == nil && tree.Get(id) != nil {
				anyKnown = true
				break
			}
		}
		if !anyKnown && tree.Len() > 0 {
			if oldest, err := revid.Parse(full[len(full)-1]); err == nil &&
				oldest.Generation() > 1 {
				return 0, status.New(status.DomainDatabase, status.CodeNotFound,
					"revision history of %s is too shallow", revID)
			}
		}

		flags := revtree.FlagForeign
		if deleted {
			flags |= revtree.FlagDeleted
		}
		common, err := doc.InsertHistory(full, slice.Borrow(body), flags)
		if err != nil {
			return 0, err
		}
		if common < 0 {
			return 0, status.BadRevID("malformed revision history for %s", revID)
		}
		_, newSeq, err := doc.SaveIfChanged(db.maxDepth)
		if err != nil {
			return 0, err
		}
		return newSeq, nil
	}, cb)
}

// GetCheckpoint reads a named checkpoint.
func (db *DBActor) GetCheckpoint(client string, caller *actor.Actor,
	cb func([]byte, error)) {

	call(db, caller, func() ([]byte, error) {
		return db.store.GetCheckpoint(client)
	}, cb)
}

// SetCheckpoint writes a named checkpoint.
func (db *DBActor) SetCheckpoint(client string, body []byte, caller *actor.Actor,
	cb func(struct{}, error)) {

	call(db, caller, func() (struct{}, error) {
		return struct{}{}, db.store.SetCheckpoint(client, body)
	}, cb)
}

// Subscribe attaches to the store's change feed.
func (db *DBActor) Subscribe() (<-chan uint64, func()) {
	return db.store.Subscribe()
}
