// Package recordstore is the persistence collaborator of the document core:
// a badger-backed key/value store holding document records by ID, an index
// of records by sequence, replication checkpoints, and a monotonic sequence
// counter. Each exported call is one badger transaction.
package recordstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/litecore-db/litecore/pkg/document"
	"github.com/litecore-db/litecore/pkg/status"
)

const (
	docPrefix  = "d!"
	seqPrefix  = "s!"
	ckptPrefix = "c!"
	metaSeqKey = "m!seq"

	// records larger than this are stored zstd-compressed
	compressThreshold = 4096

	formatRaw  = 0x00
	formatZstd = 0x01
)

var (
	zstdEnc, _ = zstd.NewWriter(nil)
	zstdDec, _ = zstd.NewReader(nil)
)

// Options configures a Store.
type Options struct {
	Path          string
	Create        bool
	MinimumFreeGB int
	SyncWrites    bool
	Logger        *logrus.Logger
}

func (o *Options) check() error {
	if o.Path == "" {
		return status.CantOpenFile("no record store path configured")
	}
	info, err := os.Stat(o.Path)
	if os.IsNotExist(err) {
		if !o.Create {
			return status.CantOpenFile("record store path %s does not exist", o.Path)
		}
		if err := os.MkdirAll(o.Path, 0o755); err != nil {
			return status.IOError(err, "creating record store path %s", o.Path)
		}
	} else if err != nil {
		return status.IOError(err, "opening record store path %s", o.Path)
	} else if !info.IsDir() {
		return status.CantOpenFile("record store path %s is not a directory", o.Path)
	}

	if o.MinimumFreeGB > 0 {
		usage, err := disk.Usage(o.Path)
		if err != nil {
			return status.IOError(err, "checking free space for %s", o.Path)
		}
		freeGB := usage.Free / (1024 * 1024 * 1024)
		if freeGB < uint64(o.MinimumFreeGB) {
			return status.CantOpenFile(
				"not enough space on disk for %s: %d GB free, %d GB required",
				o.Path, freeGB, o.MinimumFreeGB)
		}
	}
	return nil
}

// Change is one entry of the database change feed.
type Change struct {
	Sequence uint64
	DocID    string
	RevID    string
	Deleted  bool
}

// Store is the durable record store.
type Store struct {
	db  *badger.DB
	log *logrus.Logger

	subMu sync.Mutex
	subs  map[int]chan uint64
	subID int
}

var _ document.Store = (*Store)(nil)

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	if err := opts.check(); err != nil {
		return nil, fmt.Errorf("error checking config for record store: %w", err)
	}

	badgerOpts := badger.DefaultOptions(opts.Path)
	badgerOpts.Logger = nil
	badgerOpts.ValueLogFileSize = 1024 * 1024 * 100
	badgerOpts.SyncWrites = opts.SyncWrites

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, status.Wrap(err, status.DomainDatabase, status.CodeCantOpenFile,
			"opening record store at %s", opts.Path)
	}

	return &Store{
		db:   db,
		log:  log,
		subs: make(map[int]chan uint64),
	}, nil
}

func (s *Store) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.db.Close()
}

// Load implements document.Store.
func (s *Store) Load(docID string) (*document.Record, error) {
	var rec *document.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(docPrefix + docID))
		if err == badger.ErrKeyNotFound {
			return status.NotFound("no document with ID %q", docID)
		}
		if err != nil {
			return status.Wrap(err, status.DomainDatabase, status.CodeInternal,
				"loading document %q", docID)
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeRecord(docID, val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ReserveSequence implements document.Store: it hands out the next
// sequence. A reserved sequence that never gets saved leaves a harmless gap.
func (s *Store) ReserveSequence() (uint64, error) {
	var newSeq uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		last, err := readSequenceCounter(txn)
		if err != nil {
			return err
		}
		newSeq = last + 1
		var counter [8]byte
		binary.BigEndian.PutUint64(counter[:], newSeq)
		if err := txn.Set([]byte(metaSeqKey), counter[:]); err != nil {
			return wrapBadger(err, "advancing sequence counter")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newSeq, nil
}

// Save implements document.Store: it writes the record under its reserved
// sequence and maintains the by-sequence index, in one transaction.
func (s *Store) Save(rec *document.Record) error {
	if rec.Sequence == 0 {
		return status.Internal("record for %q has no reserved sequence", rec.DocID)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		// retire the old sequence-index entry
		docKey := []byte(docPrefix + rec.DocID)
		if item, err := txn.Get(docKey); err == nil {
			var oldSeq uint64
			if err := item.Value(func(val []byte) error {
				old, err := decodeRecord(rec.DocID, val)
				if err != nil {
					return err
				}
				oldSeq = old.Sequence
				return nil
			}); err != nil {
				return err
			}
			if oldSeq > 0 {
				if err := txn.Delete(seqKey(oldSeq)); err != nil {
					return wrapBadger(err, "retiring sequence index for %q", rec.DocID)
				}
			}
		} else if err != badger.ErrKeyNotFound {
			return wrapBadger(err, "reading old record for %q", rec.DocID)
		}

		if err := txn.Set(docKey, encodeRecord(rec)); err != nil {
			return wrapBadger(err, "writing document %q", rec.DocID)
		}
		if err := txn.Set(seqKey(rec.Sequence), []byte(rec.DocID)); err != nil {
			return wrapBadger(err, "indexing document %q by sequence", rec.DocID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(rec.Sequence)
	return nil
}

// LastSequence is the highest sequence ever assigned.
func (s *Store) LastSequence() (uint64, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = readSequenceCounter(txn)
		return err
	})
	return last, err
}

// ChangesSince scans the sequence index upward from (exclusive) since,
// returning at most limit entries in increasing sequence order.
func (s *Store) ChangesSince(since uint64, limit int) ([]Change, error) {
	var changes []Change
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(seqKey(since + 1)); it.ValidForPrefix([]byte(seqPrefix)); it.Next() {
			if limit > 0 && len(changes) >= limit {
				break
			}
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(seqPrefix):])

			var docID string
			if err := item.Value(func(val []byte) error {
				docID = string(val)
				return nil
			}); err != nil {
				return wrapBadger(err, "reading sequence index at %d", seq)
			}

			docItem, err := txn.Get([]byte(docPrefix + docID))
			if err != nil {
				// index entry without a record; skip rather than fail the scan
				s.log.Warnf("sequence %d points at missing document %q", seq, docID)
				continue
			}
			var rec *document.Record
			if err := docItem.Value(func(val []byte) error {
				rec, err = decodeRecord(docID, val)
				return err
			}); err != nil {
				return err
			}
			changes = append(changes, Change{
				Sequence: seq,
				DocID:    docID,
				RevID:    rec.RevID,
				Deleted:  rec.Flags&document.FlagDeleted != 0,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// EachDocument walks every record. Used by compaction and backup.
func (s *Store) EachDocument(fn func(rec *document.Record) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(docPrefix)); it.ValidForPrefix([]byte(docPrefix)); it.Next() {
			item := it.Item()
			docID := string(item.Key()[len(docPrefix):])
			var rec *document.Record
			if err := item.Value(func(val []byte) error {
				var err error
				rec, err = decodeRecord(docID, val)
				return err
			}); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCheckpoint reads a named checkpoint blob; NotFound when absent.
func (s *Store) GetCheckpoint(client string) ([]byte, error) {
	var body []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(ckptPrefix + client))
		if err == badger.ErrKeyNotFound {
			return status.NotFound("no checkpoint for client %q", client)
		}
		if err != nil {
			return wrapBadger(err, "reading checkpoint %q", client)
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// SetCheckpoint writes a named checkpoint blob.
func (s *Store) SetCheckpoint(client string, body []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(ckptPrefix+client), body); err != nil {
			return wrapBadger(err, "writing checkpoint %q", client)
		}
		return nil
	})
}

// Subscribe returns a coalescing change-feed channel carrying the latest
// sequence, plus a cancel func. Slow consumers see only the newest value.
func (s *Store) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	s.subMu.Lock()
	s.subID++
	id := s.subID
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) publish(seq uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- seq:
		default:
			// coalesce: replace the stale value with the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- seq:
			default:
			}
		}
	}
}

// RunValueLogGC lets badger reclaim value-log space.
func (s *Store) RunValueLogGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, len(seqPrefix)+8)
	copy(key, seqPrefix)
	binary.BigEndian.PutUint64(key[len(seqPrefix):], seq)
	return key
}

func readSequenceCounter(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(metaSeqKey))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, wrapBadger(err, "reading sequence counter")
	}
	var last uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return status.CorruptData("sequence counter has %d bytes", len(val))
		}
		last = binary.BigEndian.Uint64(val)
		return nil
	})
	return last, err
}

func wrapBadger(err error, format string, args ...interface{}) error {
	return status.Wrap(err, status.DomainDatabase, status.CodeInternal, format, args...)
}
