// Package hashing computes the content, flags, includes, and composite
// digests that drive freshness classification for tracked files.
//
// All digests are lowercase hex SHA-256. A file's composite hash changes
// when its bytes change, when its effective compile flags change, or when
// any header it includes changes, and only then.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"strings"
)

// ContentHash returns the hex SHA-256 digest of data.
func ContentHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ContentHashFile hashes the file at path. It returns an empty digest and
// the underlying error when the file cannot be read; callers treat the
// empty string as "content unknown".
func ContentHashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IncludePair is one resolved include dependency of a translation unit:
// the file key of the included header and that header's content hash at
// the time of observation.
type IncludePair struct {
	FileKey     string
	ContentHash string
}

// IncludesHash digests the resolved include closure of a file. The pairs
// are sorted first so the digest does not depend on discovery order.
// Unresolved includes must be filtered out by the caller before hashing.
func IncludesHash(pairs []IncludePair) string {
	sorted := make([]IncludePair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].FileKey != sorted[j].FileKey {
			return sorted[i].FileKey < sorted[j].FileKey
		}
		return sorted[i].ContentHash < sorted[j].ContentHash
	})

	fields := make([]string, 0, len(sorted)*2)
	for _, p := range sorted {
		fields = append(fields, p.FileKey, p.ContentHash)
	}
	canonical := strings.Join(fields, "\x00")
	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:])
}

// CompositeHash combines the three component digests into the single
// freshness fingerprint stored on tracked files. The component order is
// content, flags, includes.
func CompositeHash(contentHash, flagsHash, includesHash string) string {
	canonical := contentHash + "|" + flagsHash + "|" + includesHash
	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:])
}
