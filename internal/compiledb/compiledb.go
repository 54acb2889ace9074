// Package compiledb loads per-repo compile_commands.json databases and
// answers "what flags build this file". Entries are keyed by normalised
// absolute path; headers that have no entry of their own fall back to a
// sibling translation unit in the same directory tree.
package compiledb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/workspace"
)

// rawEntry mirrors one compile_commands.json record. Either Command or
// Arguments is set, never both.
type rawEntry struct {
	Directory string   `json:"directory"`
	Command   string   `json:"command"`
	Arguments []string `json:"arguments"`
	File      string   `json:"file"`
}

// Entry is a resolved compile command for one translation unit.
type Entry struct {
	File      string
	Directory string
	Args      []string
}

// MatchKind says how a lookup found its entry.
type MatchKind string

const (
	// MatchExact means the file has its own compile entry.
	MatchExact MatchKind = "exact"
	// MatchFallback means the flags were borrowed from the nearest
	// translation unit in the same directory tree (header files).
	MatchFallback MatchKind = "fallback"
)

// Database is one loaded compile_commands.json.
type Database struct {
	Path    string
	ModTime int64

	byPath map[string]*Entry
	// byDir groups entry paths by their normalised directory for the
	// header fallback walk.
	byDir map[string][]*Entry
}

// Load reads and indexes a compile database file.
func Load(path string) (*Database, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, cxxerr.Wrap(cxxerr.MissingFlags, "compile database not readable: "+path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cxxerr.Wrap(cxxerr.MissingFlags, "compile database not readable: "+path, err)
	}

	var raw []rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, cxxerr.Wrap(cxxerr.MissingFlags, "compile database is not valid JSON: "+path, err)
	}

	db := &Database{
		Path:    path,
		ModTime: info.ModTime().UnixNano(),
		byPath:  make(map[string]*Entry, len(raw)),
		byDir:   make(map[string][]*Entry),
	}
	for _, r := range raw {
		args := r.Arguments
		if len(args) == 0 && r.Command != "" {
			args = SplitCommand(r.Command)
		}
		// The first token is the compiler; the trailing file argument is
		// positional. Both are stripped so Args carries only flags.
		args = stripNonFlags(args, r.File)
		abs := r.File
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(r.Directory, abs)
		}
		norm := normKey(abs)
		entry := &Entry{File: abs, Directory: r.Directory, Args: args}
		db.byPath[norm] = entry
		dir := dirOf(norm)
		db.byDir[dir] = append(db.byDir[dir], entry)
	}
	return db, nil
}

// Len returns the number of indexed entries.
func (db *Database) Len() int {
	return len(db.byPath)
}

// Lookup returns the compile entry for absPath. Exact matches win; a
// header with no entry borrows flags from a translation unit in its own
// directory, then from the nearest ancestor directory that has one.
func (db *Database) Lookup(absPath string) (*Entry, MatchKind, bool) {
	norm := normKey(absPath)
	if e, ok := db.byPath[norm]; ok {
		return e, MatchExact, true
	}

	for dir := dirOf(norm); ; dir = dirOf(dir) {
		if entries := db.byDir[dir]; len(entries) > 0 {
			return bestFallback(entries), MatchFallback, true
		}
		if dir == "" || dir == "/" || !strings.Contains(dir, "/") {
			break
		}
	}
	return nil, "", false
}

// bestFallback picks a deterministic donor: the lexicographically first
// entry path, so repeated lookups hash identically.
func bestFallback(entries []*Entry) *Entry {
	best := entries[0]
	for _, e := range entries[1:] {
		if e.File < best.File {
			best = e
		}
	}
	return best
}

// SplitCommand tokenises a shell command string, honouring single and
// double quotes and backslash escapes. It is deliberately not a full
// shell: compile_commands.json commands never use substitution.
func SplitCommand(cmd string) []string {
	var out []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, c := range cmd {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case (c == ' ' || c == '\t') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return out
}

// stripNonFlags drops the leading compiler token and the positional
// source-file argument.
func stripNonFlags(args []string, file string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, 0, len(args)-1)
	fileBase := filepath.Base(file)
	for i, arg := range args {
		if i == 0 {
			continue // compiler executable
		}
		if arg == file || filepath.Base(arg) == fileBase && !strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "/") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

// normKey normalises a path for map lookup: forward slashes, lower case.
func normKey(path string) string {
	return strings.ToLower(workspace.NormalizePath(filepath.Clean(path)))
}

func dirOf(norm string) string {
	idx := strings.LastIndex(norm, "/")
	if idx <= 0 {
		return ""
	}
	return norm[:idx]
}

// SortedFiles returns the indexed file paths, for diagnostics.
func (db *Database) SortedFiles() []string {
	out := make([]string, 0, len(db.byPath))
	for _, e := range db.byPath {
		out = append(out, e.File)
	}
	sort.Strings(out)
	return out
}
