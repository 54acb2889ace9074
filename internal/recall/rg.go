// Package recall produces candidate file keys for a symbol: full-text
// hits from the store first, ripgrep over the checkout as fallback for
// files the index has never seen.
package recall

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
)

// Hit is one ripgrep match.
type Hit struct {
	Path string
	Line int
}

// rgEvent is the subset of ripgrep's --json event stream we consume.
type rgEvent struct {
	Type string `json:"type"`
	Data struct {
		Path struct {
			Text string `json:"text"`
		} `json:"path"`
		LineNumber int `json:"line_number"`
	} `json:"data"`
}

// minRgMajor is the oldest ripgrep major version with stable --json
// output.
const minRgMajor = 13

// Runner shells out to ripgrep. A zero Binary disables the fallback.
type Runner struct {
	logger  *logging.Logger
	binary  string
	timeout time.Duration

	// MaxCount bounds matches per file (rg --max-count).
	maxCount int
}

// NewRunner builds a ripgrep runner. binary may be empty; Probe and
// Search then report the tool unavailable.
func NewRunner(logger *logging.Logger, binary string, timeout time.Duration, maxCount int) *Runner {
	if binary == "" {
		binary = "rg"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxCount <= 0 {
		maxCount = 5
	}
	return &Runner{logger: logger.Named("rg"), binary: binary, timeout: timeout, maxCount: maxCount}
}

// Probe checks the binary exists and is a usable version. Returns the
// version string.
func (r *Runner) Probe(ctx context.Context) (string, error) {
	path, err := exec.LookPath(r.binary)
	if err != nil {
		return "", cxxerr.Wrap(cxxerr.ExtractorUnavailable, "ripgrep not found: "+r.binary, err)
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", cxxerr.Wrap(cxxerr.ExtractorUnavailable, "ripgrep --version failed", err)
	}
	version := firstToken(out)
	if major, ok := majorOf(version); ok && major < minRgMajor {
		return version, cxxerr.Newf(cxxerr.ExtractorUnavailable, "ripgrep %s is too old, need >= %d", version, minRgMajor)
	}
	return version, nil
}

// Search runs one pattern over root, restricted to the given source
// globs. Returned paths are absolute. Exit status 1 (no matches) is not
// an error; anything above 1 is.
func (r *Runner) Search(ctx context.Context, pattern, root string, globs []string, maxFiles int) ([]Hit, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{"--json", "--no-heading", "--max-count", strconv.Itoa(r.maxCount)}
	for _, g := range globs {
		args = append(args, "--type-add", "cxx:"+g)
	}
	if len(globs) > 0 {
		args = append(args, "--type", "cxx")
	}
	args = append(args, "--", pattern, root)

	cmd := exec.CommandContext(runCtx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, cxxerr.Newf(cxxerr.ExtractorTimeout, "ripgrep exceeded %s", r.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil // no matches
		}
		return nil, cxxerr.Wrap(cxxerr.Internal, "ripgrep failed: "+firstLine(stderr.String()), err)
	}

	return parseHits(&stdout, maxFiles), nil
}

// parseHits keeps the first hit per file, stopping at maxFiles files.
func parseHits(out *bytes.Buffer, maxFiles int) []Hit {
	var hits []Hit
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev rgEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Type != "match" {
			continue
		}
		path := ev.Data.Path.Text
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		hits = append(hits, Hit{Path: path, Line: ev.Data.LineNumber})
		if maxFiles > 0 && len(hits) >= maxFiles {
			break
		}
	}
	return hits
}

// BuildPattern renders a symbol into a ripgrep regex. Qualified names
// allow whitespace around each "::" the way C++ does; every segment is
// regex-escaped so operator names survive.
func BuildPattern(symbol string) string {
	segments := strings.Split(symbol, "::")
	escaped := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		escaped = append(escaped, regexp.QuoteMeta(seg))
	}
	if len(escaped) == 0 {
		return ""
	}
	return `\b` + strings.Join(escaped, `\s*::\s*`) + `\b`
}

func firstToken(out []byte) string {
	fields := strings.Fields(string(out))
	if len(fields) >= 2 {
		return fields[1]
	}
	return ""
}

func majorOf(version string) (int, bool) {
	idx := strings.IndexByte(version, '.')
	if idx <= 0 {
		return 0, false
	}
	major, err := strconv.Atoi(version[:idx])
	if err != nil {
		return 0, false
	}
	return major, true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
