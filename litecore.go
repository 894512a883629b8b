// Package litecore is an embeddable document database: JSON-like documents
// with multi-version revision trees, content-addressed blob storage, and
// push/pull replication with remote peers over websockets.
package litecore

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/litecore-db/litecore/internal/recordstore"
	"github.com/litecore-db/litecore/pkg/blobstore"
	"github.com/litecore-db/litecore/pkg/document"
	"github.com/litecore-db/litecore/pkg/replicator"
	"github.com/litecore-db/litecore/pkg/revid"
	"github.com/litecore-db/litecore/pkg/slice"
	"github.com/litecore-db/litecore/pkg/status"
)

// Database is the facade over the record store, the blob store and
// replication sessions.
type Database struct {
	config  Config
	records *recordstore.Store
	blobs   *blobstore.Store
	log     *logrus.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens or creates a database rooted at config.Path.
func Open(config Config) (*Database, error) {
	config = config.withDefaults()

	records, err := recordstore.Open(recordstore.Options{
		Path:          filepath.Join(config.Path, "records"),
		Create:        config.Create,
		MinimumFreeGB: config.MinimumFreeGB,
		SyncWrites:    config.SyncWrites,
		Logger:        config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening record store: %w", err)
	}

	blobs, err := blobstore.Open(filepath.Join(config.Path, "attachments"),
		blobstore.Options{
			Create:        config.Create,
			EncryptionKey: config.BlobEncryptionKey,
			Logger:        config.Logger,
		})
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("error opening blob store: %w", err)
	}

	db := &Database{
		config:  config,
		records: records,
		blobs:   blobs,
		log:     config.Logger,
		gcStop:  make(chan struct{}),
		gcDone:  make(chan struct{}),
	}
	if config.GarbageCollectionInterval > 0 {
		go db.gcLoop()
	} else {
		close(db.gcDone)
	}
	return db, nil
}

// Close stops background work and closes the stores.
func (db *Database) Close() error {
	close(db.gcStop)
	<-db.gcDone
	return db.records.Close()
}

func (db *Database) gcLoop() {
	defer close(db.gcDone)
	ticker := time.NewTicker(db.config.GarbageCollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := db.Compact(); err != nil {
				db.log.Errorf("background compaction failed: %v", err)
			}
		case <-db.gcStop:
			return
		}
	}
}

// DocumentInfo summarizes a document's current state.
type DocumentInfo struct {
	DocID      string
	RevID      string
	Body       []byte
	Sequence   uint64
	Deleted    bool
	Conflicted bool
}

// PutDocument writes the next revision of a document. parentRevID is empty
// for a new document. It returns the new revision's ID and sequence.
func (db *Database) PutDocument(docID, parentRevID string, body []byte,
	deleted bool) (string, uint64, error) {

	doc, err := document.Load(db.records, docID)
	if err != nil {
		return "", 0, err
	}
	rev, err := doc.PutRevision(parentRevID, slice.Borrow(body), deleted, false)
	if err != nil {
		return "", 0, err
	}
	_, seq, err := doc.SaveIfChanged(db.config.MaxRevTreeDepth)
	if err != nil {
		return "", 0, err
	}
	return rev.RevID(), seq, nil
}

// GetDocument reads a document's winning revision.
func (db *Database) GetDocument(docID string) (*DocumentInfo, error) {
	doc, err := document.Load(db.records, docID)
	if err != nil {
		return nil, err
	}
	if !doc.Exists() {
		return nil, status.NotFound("no document with ID %q", docID)
	}
	tree, err := doc.Tree()
	if err != nil {
		return nil, err
	}
	winner := tree.Current()
	if winner == nil {
		return nil, status.NotFound("document %q has no revisions", docID)
	}
	return &DocumentInfo{
		DocID:      docID,
		RevID:      winner.RevID(),
		Body:       winner.Body(),
		Sequence:   doc.Sequence(),
		Deleted:    winner.IsDeleted(),
		Conflicted: tree.HasConflict(),
	}, nil
}

// DeleteDocument writes a tombstone revision on top of revID.
func (db *Database) DeleteDocument(docID, revID string) (string, uint64, error) {
	return db.PutDocument(docID, revID, nil, true)
}

// PurgeDocument removes every revision of a document, without a tombstone.
// The document's record stays in the store with an empty revision tree,
// saved under a new sequence.
func (db *Database) PurgeDocument(docID string) error {
	doc, err := document.Load(db.records, docID)
	if err != nil {
		return err
	}
	if !doc.Exists() {
		return status.NotFound("no document with ID %q", docID)
	}
	tree, err := doc.Tree()
	if err != nil {
		return err
	}
	tree.PurgeAll()
	_, _, err = doc.SaveIfChanged(0)
	return err
}

// ResolveConflict merges two conflicting leaf revisions of a document.
func (db *Database) ResolveConflict(docID, winnerRevID, loserRevID string,
	mergedBody []byte) (string, error) {

	doc, err := document.Load(db.records, docID)
	if err != nil {
		return "", err
	}
	tree, err := doc.Tree()
	if err != nil {
		return "", err
	}
	winnerID, err := revid.Parse(winnerRevID)
	if err != nil {
		return "", err
	}
	loserID, err := revid.Parse(loserRevID)
	if err != nil {
		return "", err
	}
	merged, err := tree.ResolveConflict(winnerID, loserID, slice.Borrow(mergedBody))
	if err != nil {
		return "", err
	}
	if _, _, err := doc.SaveIfChanged(db.config.MaxRevTreeDepth); err != nil {
		return "", err
	}
	return merged.RevID(), nil
}

// Changes lists committed changes after the given sequence.
func (db *Database) Changes(since uint64, limit int) ([]recordstore.Change, error) {
	return db.records.ChangesSince(since, limit)
}

// LastSequence is the store's sequence high-water mark.
func (db *Database) LastSequence() (uint64, error) {
	return db.records.LastSequence()
}

// PutBlob stores a byte string in the blob store and returns its key.
func (db *Database) PutBlob(data []byte) (string, error) {
	key, err := db.blobs.Put(data)
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

// GetBlob reads a blob by its key string.
func (db *Database) GetBlob(keyStr string) ([]byte, error) {
	key, err := blobstore.ParseKey(keyStr)
	if err != nil {
		return nil, err
	}
	return db.blobs.Contents(key)
}

// BlobStore exposes the underlying store for streaming access.
func (db *Database) BlobStore() *blobstore.Store { return db.blobs }

// Compact bounds storage: it elides non-leaf revision bodies, prunes deep
// histories, deletes blobs no document references, and lets the record
// store reclaim log space.
func (db *Database) Compact() error {
	inUse := make(map[blobstore.Key]struct{})
	err := db.records.EachDocument(func(rec *document.Record) error {
		doc, err := document.Load(db.records, rec.DocID)
		if err != nil {
			return err
		}
		tree, err := doc.Tree()
		if err != nil {
			db.log.Warnf("skipping compaction of corrupt document %q: %v", rec.DocID, err)
			return nil
		}
		tree.RemoveNonLeafBodies()
		tree.Prune(db.config.MaxRevTreeDepth)
		if _, _, err := doc.SaveIfChanged(0); err != nil {
			return err
		}
		for _, rev := range tree.Revs() {
			for _, key := range blobstore.ScanKeys(rev.Body()) {
				inUse[key] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	removed, err := db.blobs.DeleteAllExcept(inUse)
	if err != nil {
		return err
	}
	if removed > 0 {
		db.log.Infof("compaction removed %d unused blobs", removed)
	}
	return db.records.RunValueLogGC(0.5)
}

// NewReplicator builds a replication session over an established
// connection.
func (db *Database) NewReplicator(conn *replicator.Conn,
	opts replicator.Options) *replicator.Replicator {

	if opts.Logger == nil {
		opts.Logger = db.log
	}
	return replicator.New(db.records, conn, opts)
}

// RecordStore exposes the persistence layer to internal collaborators such
// as backup.
func (db *Database) RecordStore() *recordstore.Store { return db.records }
