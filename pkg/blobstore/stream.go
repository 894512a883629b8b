package blobstore

import (
	"bytes"
	"crypto/sha1"
	"hash"
	"io"
	"os"

	"github.com/litecore-db/litecore/pkg/status"
)

// ReadStream is the minimal read capability.
type ReadStream interface {
	io.Reader
	io.Closer
}

// SeekableReadStream adds random access.
type SeekableReadStream interface {
	ReadStream
	io.Seeker
}

// fileReadStream serves a plain blob file.
type fileReadStream struct {
	f *os.File
}

func (r *fileReadStream) Read(p []byte) (int, error) { return r.f.Read(p) }

func (r *fileReadStream) Seek(off int64, whence int) (int64, error) {
	return r.f.Seek(off, whence)
}

func (r *fileReadStream) Close() error { return r.f.Close() }

// memoryReadStream serves decrypted content from a buffer. Encrypted blobs
// are unsealed whole, so seeks are answered from memory.
type memoryReadStream struct {
	r *bytes.Reader
}

func newMemoryReadStream(data []byte) *memoryReadStream {
	return &memoryReadStream{r: bytes.NewReader(data)}
}

func (r *memoryReadStream) Read(p []byte) (int, error)                { return r.r.Read(p) }
func (r *memoryReadStream) Seek(off int64, whence int) (int64, error) { return r.r.Seek(off, whence) }
func (r *memoryReadStream) Close() error                              { return nil }

// Writer is the sequential-only write stream returned by OpenWriteStream.
// Content is staged in a temp file (or in memory for encrypted stores) while
// a running SHA-1 tracks the key. Install moves it into place; closing the
// writer without installing removes the staging file. A writer that is
// neither installed nor closed leaves its staging file in place; Open reaps
// such files.
type Writer struct {
	store     *Store
	tmpPath   string
	tmpFile   *os.File
	buf       *bytes.Buffer
	digest    hash.Hash
	length    int64
	finalized bool
	key       Key
	installed bool
	closed    bool
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, status.Internal("write on closed blob writer")
	}
	if w.finalized {
		return 0, status.Internal("write after ComputeKey on blob writer")
	}
	w.digest.Write(p)
	w.length += int64(len(p))
	if w.buf != nil {
		return w.buf.Write(p)
	}
	n, err := w.tmpFile.Write(p)
	if err != nil {
		return n, status.IOError(err, "writing blob temp file %s", w.tmpPath)
	}
	return n, nil
}

// Length is the number of content bytes written so far.
func (w *Writer) Length() int64 { return w.length }

// ComputeKey finalizes the digest. Further writes fail.
func (w *Writer) ComputeKey() Key {
	if !w.finalized {
		w.finalized = true
		copy(w.key[:], w.digest.Sum(nil))
	}
	return w.key
}

// Install atomically moves the staged content to its content-addressed name.
// With expected non-nil, a digest mismatch fails CorruptData and removes the
// staging file. Racing installs of the same content are not errors.
func (w *Writer) Install(expected *Key) (Key, error) {
	if w.closed {
		return Key{}, status.Internal("install on closed blob writer")
	}
	key := w.ComputeKey()
	if expected != nil && *expected != key {
		w.Close()
		return Key{}, status.CorruptData("blob digest %s does not match expected %s",
			key, *expected)
	}

	dest := w.store.pathOf(key)
	if w.buf != nil {
		// Encrypted store: seal the plaintext and write it out now.
		if err := w.store.writeSealed(dest, w.buf.Bytes()); err != nil {
			w.Close()
			return Key{}, err
		}
		w.installed = true
		w.closed = true
		return key, nil
	}

	if err := w.tmpFile.Close(); err != nil {
		os.Remove(w.tmpPath)
		w.closed = true
		return Key{}, status.IOError(err, "closing blob temp file %s", w.tmpPath)
	}
	if _, err := os.Stat(dest); err == nil {
		// Someone already installed identical content; keep theirs.
		os.Remove(w.tmpPath)
	} else if err := os.Rename(w.tmpPath, dest); err != nil {
		os.Remove(w.tmpPath)
		w.closed = true
		return Key{}, status.IOError(err, "installing blob %s", key)
	}
	w.installed = true
	w.closed = true
	return key, nil
}

// Close without Install aborts the write and removes the staging file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.tmpFile != nil {
		w.tmpFile.Close()
	}
	if !w.installed && w.tmpPath != "" {
		os.Remove(w.tmpPath)
	}
	return nil
}

func newSHA1() hash.Hash { return sha1.New() }
