package blobstore

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/litecore-db/litecore/pkg/status"
)

const keyPrefix = "sha1-"

// Key identifies a blob by the SHA-1 of its content.
type Key [sha1.Size]byte

// KeyOf computes the key of a byte string.
func KeyOf(data []byte) Key {
	return Key(sha1.Sum(data))
}

// ParseKey accepts the canonical string form "sha1-<base64 digest>".
func ParseKey(s string) (Key, error) {
	if !strings.HasPrefix(s, keyPrefix) {
		return Key{}, status.BadBlobKey("blob key %q lacks sha1- prefix", s)
	}
	raw, err := base64.StdEncoding.DecodeString(s[len(keyPrefix):])
	if err != nil {
		return Key{}, status.BadBlobKey("blob key %q has undecodable digest", s)
	}
	if len(raw) != sha1.Size {
		return Key{}, status.BadBlobKey("blob key %q digest is %d bytes, want %d",
			s, len(raw), sha1.Size)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// String renders the canonical form, e.g. "sha1-QneWo5IYIQ0ZrbCG0hXPGC6jy7E=".
func (k Key) String() string {
	return keyPrefix + base64.StdEncoding.EncodeToString(k[:])
}

// Filename is the on-disk name: url-safe base64 of the digest plus ".blob".
func (k Key) Filename() string {
	return base64.URLEncoding.EncodeToString(k[:]) + ".blob"
}

// ScanKeys finds blob-key strings ("sha1-" plus 28 base64 characters)
// embedded in a document body. Compaction uses it to build the in-use set.
func ScanKeys(body []byte) []Key {
	const encLen = 28 // base64 of a 20-byte digest
	var keys []Key
	s := string(body)
	for i := 0; ; {
		j := strings.Index(s[i:], keyPrefix)
		if j < 0 {
			break
		}
		start := i + j
		end := start + len(keyPrefix) + encLen
		if end <= len(s) {
			if k, err := ParseKey(s[start:end]); err == nil {
				keys = append(keys, k)
				i = end
				continue
			}
		}
		i = start + len(keyPrefix)
	}
	return keys
}

func keyFromFilename(name string) (Key, bool) {
	if !strings.HasSuffix(name, blobSuffix) {
		return Key{}, false
	}
	raw, err := base64.URLEncoding.DecodeString(strings.TrimSuffix(name, blobSuffix))
	if err != nil || len(raw) != sha1.Size {
		return Key{}, false
	}
	var k Key
	copy(k[:], raw)
	return k, true
}
