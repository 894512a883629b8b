package blobstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litecore-db/litecore/pkg/status"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs"), Options{Create: true})
	require.NoError(t, err)
	return s
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("sha1-VVVVVVVVVVVVVVVVVVVVVVVVVVU=")
	require.NoError(t, err)
	assert.Equal(t, "sha1-VVVVVVVVVVVVVVVVVVVVVVVVVVU=", key.String())
}

func TestParseKeyRejects(t *testing.T) {
	cases := []string{
		"",
		"rot13-xxxx",
		"sha1-",
		"sha1-VVVVVVVVVVVVVVVVVVVVVV",
		"sha1-VVVVVVVVVVVVVVVVVVVVVVVVVVVVVVU",
	}
	for _, c := range cases {
		_, err := ParseKey(c)
		require.Error(t, err, "expected %q to be rejected", c)
		assert.True(t, status.Is(err, status.CodeBadBlobKey), "wrong error kind for %q", c)
	}
}

func TestPutAndGet(t *testing.T) {
	s := openTestStore(t)
	content := []byte("This is a blob to store in the store!")

	key, err := s.Put(content)
	require.NoError(t, err)
	assert.Equal(t, "sha1-QneWo5IYIQ0ZrbCG0hXPGC6jy7E=", key.String())

	assert.Equal(t, int64(37), s.Size(key))
	got, err := s.Contents(key)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.True(t, strings.HasSuffix(s.PathOf(key), "QneWo5IYIQ0ZrbCG0hXPGC6jy7E=.blob"))

	// idempotent: same content, same key, still one file
	key2, err := s.Put(content)
	require.NoError(t, err)
	assert.Equal(t, key, key2)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	count := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".blob") {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMissingBlob(t *testing.T) {
	s := openTestStore(t)
	key := KeyOf([]byte("never stored"))

	assert.False(t, s.Has(key))
	assert.Equal(t, int64(-1), s.Size(key))
	_, err := s.Contents(key)
	assert.True(t, status.IsNotFound(err))
	_, err = s.OpenReadStream(key)
	assert.True(t, status.IsNotFound(err))
}

func TestCorruptBlobDetected(t *testing.T) {
	s := openTestStore(t)
	key, err := s.Put([]byte("original content"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.PathOf(key), []byte("tampered"), 0o644))
	_, err = s.Contents(key)
	assert.True(t, status.IsCorruptData(err))
}

// pattern fills a buffer with the repeating 25-letter alphabet prefix.
func pattern(n int) []byte {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXY"
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[i%25]
	}
	return out
}

func TestStreamedBlobBoundarySizes(t *testing.T) {
	s := openTestStore(t)
	sizes := []int{0, 1, 15, 16, 17, 4095, 4096, 4097, 4111, 4112, 4113, 8191, 8192, 8193}

	for _, size := range sizes {
		content := pattern(size)

		w, err := s.OpenWriteStream()
		require.NoError(t, err)
		// write in uneven pieces to exercise the running digest
		for off := 0; off < len(content); off += 1000 {
			end := off + 1000
			if end > len(content) {
				end = len(content)
			}
			_, err = w.Write(content[off:end])
			require.NoError(t, err)
		}
		assert.Equal(t, int64(size), w.Length())

		key, err := w.Install(nil)
		require.NoError(t, err)
		assert.Equal(t, KeyOf(content), key)

		r, err := s.OpenReadStream(key)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())

		require.Len(t, got, size, "size %d", size)
		assert.True(t, bytes.Equal(content, got), "content mismatch at size %d", size)
	}
}

func TestReadStreamSeek(t *testing.T) {
	s := openTestStore(t)
	content := pattern(5000)
	key, err := s.Put(content)
	require.NoError(t, err)

	r, err := s.OpenReadStream(key)
	require.NoError(t, err)
	defer r.Close()

	pos, err := r.Seek(4000, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), pos)

	buf := make([]byte, 100)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, content[4000:4100], buf[:n])

	// reading past EOF yields a short read
	_, err = r.Seek(4990, io.SeekStart)
	require.NoError(t, err)
	n, _ = r.Read(buf)
	assert.Equal(t, 10, n)
}

func TestComputeKeyForbidsFurtherWrites(t *testing.T) {
	s := openTestStore(t)
	w, err := s.OpenWriteStream()
	require.NoError(t, err)

	_, err = w.Write([]byte("half"))
	require.NoError(t, err)
	key := w.ComputeKey()
	assert.Equal(t, KeyOf([]byte("half")), key)

	_, err = w.Write([]byte("more"))
	assert.Error(t, err)

	got, err := w.Install(nil)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestInstallWithExpectedKeyMismatch(t *testing.T) {
	s := openTestStore(t)
	w, err := s.OpenWriteStream()
	require.NoError(t, err)
	_, err = w.Write([]byte("actual content"))
	require.NoError(t, err)

	wrong := KeyOf([]byte("different content"))
	_, err = w.Install(&wrong)
	assert.True(t, status.IsCorruptData(err))

	// staging file must be gone
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "incoming_"))
	}
}

func TestAbortedWriterLeavesNothing(t *testing.T) {
	s := openTestStore(t)
	w, err := s.OpenWriteStream()
	require.NoError(t, err)
	_, err = w.Write([]byte("abandoned"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenReapsOrphanedTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	orphan := filepath.Join(dir, "incoming_deadbeef.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("crashed"), 0o644))

	_, err := Open(dir, Options{})
	require.NoError(t, err)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenWithoutCreateFails(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), Options{})
	assert.True(t, status.Is(err, status.CodeCantOpenFile))
}

func TestDeleteAllExcept(t *testing.T) {
	s := openTestStore(t)
	keep, err := s.Put([]byte("keep me"))
	require.NoError(t, err)
	drop1, err := s.Put([]byte("drop one"))
	require.NoError(t, err)
	drop2, err := s.Put([]byte("drop two"))
	require.NoError(t, err)

	removed, err := s.DeleteAllExcept(map[Key]struct{}{keep: {}})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.True(t, s.Has(keep))
	assert.False(t, s.Has(drop1))
	assert.False(t, s.Has(drop2))
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	key32 := bytes.Repeat([]byte{7}, 32)
	s, err := Open(dir, Options{Create: true, EncryptionKey: key32})
	require.NoError(t, err)

	content := []byte("secret blob content")
	key, err := s.Put(content)
	require.NoError(t, err)
	assert.Equal(t, KeyOf(content), key, "key is the plaintext digest")

	got, err := s.Contents(key)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), s.Size(key))

	// on-disk bytes must not contain the plaintext
	raw, err := os.ReadFile(s.PathOf(key))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, content))

	// seeks are served from the unsealed buffer
	r, err := s.OpenReadStream(key)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Seek(7, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, content[7:11], buf[:n])
}

func TestScanKeys(t *testing.T) {
	key := KeyOf([]byte("an attachment"))
	body := []byte(`{"_attachments":{"a.txt":{"digest":"` + key.String() + `"}}}`)
	keys := ScanKeys(body)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])

	assert.Empty(t, ScanKeys([]byte(`{"plain":"doc"}`)))
}
