package workspace

import "strings"

// NormalizePath converts path separators to forward slashes.
func NormalizePath(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

// MakeFileKey builds the canonical identity "{repo_id}:{rel_path}" for a
// repo-relative path. Original case is preserved for display; lookups go
// through NormalizeKey.
func MakeFileKey(repoID, relPath string) string {
	rel := strings.TrimPrefix(NormalizePath(relPath), "/")
	return repoID + ":" + rel
}

// SplitFileKey splits a file key into repo id and relative path. ok is
// false when the key has no repo separator.
func SplitFileKey(fileKey string) (repoID, relPath string, ok bool) {
	return strings.Cut(fileKey, ":")
}

// NormalizeKey lowercases a file key for case-insensitive lookup.
func NormalizeKey(fileKey string) string {
	return strings.ToLower(fileKey)
}
