// Package blobstore implements content-addressed storage of immutable byte
// strings. Each blob is one file in a flat directory, named by the url-safe
// base64 of the SHA-1 of its content. Blobs are written through a staging
// file and installed with an atomic rename, so concurrent installs of
// identical content are idempotent and at most one file exists per key.
package blobstore

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/litecore-db/litecore/pkg/status"
)

const (
	blobSuffix = ".blob"
	tmpPrefix  = "incoming_"
	tmpSuffix  = ".tmp"
)

// Options configures a Store.
type Options struct {
	// Create makes the directory if it does not exist.
	Create bool
	// EncryptionKey, when 32 bytes, seals file contents with
	// XChaCha20-Poly1305. Blob keys stay digests of the plaintext.
	EncryptionKey []byte
	Logger        *logrus.Logger
}

// Store is a content-addressed blob store rooted at one directory.
type Store struct {
	dir  string
	aead cipher.AEAD
	log  *logrus.Logger
}

// Open opens or creates the store directory and reaps staging files
// orphaned by a crash.
func Open(dir string, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if !opts.Create {
			return nil, status.CantOpenFile("blob store directory %s does not exist", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, status.IOError(err, "creating blob store directory %s", dir)
		}
	case err != nil:
		return nil, status.IOError(err, "opening blob store directory %s", dir)
	case !info.IsDir():
		return nil, status.CantOpenFile("blob store path %s is not a directory", dir)
	}

	s := &Store{dir: dir, log: log}
	if len(opts.EncryptionKey) > 0 {
		aead, err := chacha20poly1305.NewX(opts.EncryptionKey)
		if err != nil {
			return nil, status.CantOpenFile("bad blob store encryption key: %v", err)
		}
		s.aead = aead
	}
	s.reapOrphans()
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) pathOf(key Key) string {
	return filepath.Join(s.dir, key.Filename())
}

// PathOf exposes the file path a key resolves to.
func (s *Store) PathOf(key Key) string { return s.pathOf(key) }

// Has reports whether a blob with this key is installed.
func (s *Store) Has(key Key) bool {
	_, err := os.Stat(s.pathOf(key))
	return err == nil
}

// Size returns the content size of a blob, or -1 when absent. For encrypted
// stores this is the plaintext size.
func (s *Store) Size(key Key) int64 {
	info, err := os.Stat(s.pathOf(key))
	if err != nil {
		return -1
	}
	if s.aead != nil {
		n := info.Size() - int64(s.aead.NonceSize()) - int64(s.aead.Overhead())
		if n < 0 {
			return -1
		}
		return n
	}
	return info.Size()
}

// Contents reads a whole blob, verifying its digest against the key.
func (s *Store) Contents(key Key) ([]byte, error) {
	data, err := s.readFile(key)
	if err != nil {
		return nil, err
	}
	if KeyOf(data) != key {
		return nil, status.CorruptData("blob %s content does not match its digest", key)
	}
	return data, nil
}

// Put installs a byte string and returns its key. Idempotent.
func (s *Store) Put(data []byte) (Key, error) {
	w, err := s.OpenWriteStream()
	if err != nil {
		return Key{}, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return Key{}, err
	}
	return w.Install(nil)
}

// OpenReadStream opens a blob for random-access reading.
func (s *Store) OpenReadStream(key Key) (SeekableReadStream, error) {
	if s.aead != nil {
		data, err := s.readFile(key)
		if err != nil {
			return nil, err
		}
		return newMemoryReadStream(data), nil
	}
	f, err := os.Open(s.pathOf(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFound("no blob with key %s", key)
		}
		return nil, status.IOError(err, "opening blob %s", key)
	}
	return &fileReadStream{f: f}, nil
}

// OpenWriteStream starts a sequential write of a new blob.
func (s *Store) OpenWriteStream() (*Writer, error) {
	w := &Writer{store: s, digest: newSHA1()}
	if s.aead != nil {
		// Sealing needs the whole plaintext, so stage in memory.
		w.buf = &bytes.Buffer{}
		return w, nil
	}
	name, err := randomTmpName()
	if err != nil {
		return nil, err
	}
	w.tmpPath = filepath.Join(s.dir, name)
	f, err := os.OpenFile(w.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, status.IOError(err, "creating blob temp file %s", w.tmpPath)
	}
	w.tmpFile = f
	return w, nil
}

// DeleteAllExcept removes every installed blob whose key is not in inUse.
// Callers must ensure no writer is active for a key outside the set.
// Returns the number of blobs removed.
func (s *Store) DeleteAllExcept(inUse map[Key]struct{}) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, status.IOError(err, "scanning blob store %s", s.dir)
	}
	removed := 0
	for _, e := range entries {
		key, ok := keyFromFilename(e.Name())
		if !ok {
			continue
		}
		if _, used := inUse[key]; used {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.log.WithFields(logrus.Fields{
				"blob": key.String(),
			}).Warnf("could not delete unused blob: %v", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Store) readFile(key Key) ([]byte, error) {
	data, err := os.ReadFile(s.pathOf(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFound("no blob with key %s", key)
		}
		return nil, status.IOError(err, "reading blob %s", key)
	}
	if s.aead == nil {
		return data, nil
	}
	ns := s.aead.NonceSize()
	if len(data) < ns {
		return nil, status.CorruptData("blob %s is too short to be sealed", key)
	}
	plain, err := s.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, status.CorruptData("blob %s failed to unseal: %v", key, err)
	}
	return plain, nil
}

func (s *Store) writeSealed(dest string, plain []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return status.IOError(err, "generating blob nonce")
	}
	sealed := append(nonce, s.aead.Seal(nil, nonce, plain, nil)...)

	name, err := randomTmpName()
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, name)
	if err := os.WriteFile(tmp, sealed, 0o644); err != nil {
		return status.IOError(err, "writing sealed blob temp file")
	}
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmp)
		return nil
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return status.IOError(err, "installing sealed blob")
	}
	return nil
}

func (s *Store) reapOrphans() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, tmpPrefix) && strings.HasSuffix(name, tmpSuffix) {
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				s.log.Debugf("reaped orphaned blob staging file %s", name)
			}
		}
	}
}

func randomTmpName() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", status.IOError(err, "generating blob temp name")
	}
	return tmpPrefix + hex.EncodeToString(b[:]) + tmpSuffix, nil
}
