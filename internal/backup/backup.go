// Package backup snapshots a database into a single lzma-compressed tar
// stream: every document record followed by every blob file. Restore
// replays the records through normal saves, so sequences are reassigned on
// the target.
package backup

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/litecore-db/litecore/internal/recordstore"
	"github.com/litecore-db/litecore/pkg/blobstore"
	"github.com/litecore-db/litecore/pkg/document"
	"github.com/litecore-db/litecore/pkg/status"
)

const (
	recordDir = "records/"
	blobDir   = "blobs/"
)

// recordHeader carries a record's metadata alongside its raw tree bytes.
type recordHeader struct {
	DocID string `json:"docID"`
	RevID string `json:"revID"`
	Flags uint8  `json:"flags"`
}

// Export writes a snapshot of records and blobs to w.
func Export(records *recordstore.Store, blobs *blobstore.Store, w io.Writer,
	log *logrus.Logger) error {

	if log == nil {
		log = logrus.New()
	}
	lw, err := lzma.NewWriter(w)
	if err != nil {
		return status.IOError(err, "starting backup compressor")
	}
	tw := tar.NewWriter(lw)

	count := 0
	err = records.EachDocument(func(rec *document.Record) error {
		meta, _ := json.Marshal(recordHeader{
			DocID: rec.DocID,
			RevID: rec.RevID,
			Flags: uint8(rec.Flags),
		})
		// each record is two entries: metadata JSON, then the raw tree
		if err := writeEntry(tw, recordDir+rec.DocID+".meta", meta); err != nil {
			return err
		}
		if err := writeEntry(tw, recordDir+rec.DocID+".tree", rec.Raw); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("backup wrote %d document records", count)

	entries, err := os.ReadDir(blobs.Dir())
	if err != nil {
		return status.IOError(err, "scanning blob store for backup")
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".blob") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(blobs.Dir(), e.Name()))
		if err != nil {
			return status.IOError(err, "reading blob %s for backup", e.Name())
		}
		if err := writeEntry(tw, blobDir+e.Name(), data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return status.IOError(err, "finishing backup archive")
	}
	if err := lw.Close(); err != nil {
		return status.IOError(err, "finishing backup compression")
	}
	return nil
}

// Restore replays a snapshot into the given stores. Existing documents with
// the same IDs are overwritten by the snapshot's trees.
func Restore(records *recordstore.Store, blobs *blobstore.Store, r io.Reader,
	log *logrus.Logger) error {

	if log == nil {
		log = logrus.New()
	}
	lr, err := lzma.NewReader(r)
	if err != nil {
		return status.CorruptData("backup stream is not lzma: %v", err)
	}
	tr := tar.NewReader(lr)

	var pendingMeta *recordHeader
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return status.CorruptData("backup archive is damaged: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return status.CorruptData("backup entry %s is truncated: %v", hdr.Name, err)
		}

		switch {
		case strings.HasPrefix(hdr.Name, recordDir) && strings.HasSuffix(hdr.Name, ".meta"):
			var meta recordHeader
			if err := json.Unmarshal(data, &meta); err != nil {
				return status.CorruptData("backup metadata %s is damaged: %v", hdr.Name, err)
			}
			pendingMeta = &meta

		case strings.HasPrefix(hdr.Name, recordDir) && strings.HasSuffix(hdr.Name, ".tree"):
			if pendingMeta == nil {
				return status.CorruptData("backup tree %s has no metadata", hdr.Name)
			}
			seq, err := records.ReserveSequence()
			if err != nil {
				return err
			}
			rec := &document.Record{
				DocID:    pendingMeta.DocID,
				RevID:    pendingMeta.RevID,
				Flags:    document.Flags(pendingMeta.Flags),
				Raw:      data,
				Sequence: seq,
			}
			if err := records.Save(rec); err != nil {
				return err
			}
			pendingMeta = nil

		case strings.HasPrefix(hdr.Name, blobDir):
			// blob files are already content-addressed (and sealed, for
			// encrypted stores); restore them byte for byte
			name := filepath.Base(hdr.Name)
			dest := filepath.Join(blobs.Dir(), name)
			if _, err := os.Stat(dest); err == nil {
				continue
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return status.IOError(err, "restoring blob %s", name)
			}

		default:
			log.Warnf("skipping unknown backup entry %s", hdr.Name)
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return status.IOError(err, "writing backup header %s", name)
	}
	if _, err := tw.Write(data); err != nil {
		return status.IOError(err, "writing backup entry %s", name)
	}
	return nil
}
