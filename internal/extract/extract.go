// Package extract drives the native AST extractor subprocess. The
// extractor is opaque to this service: it receives a file plus compile
// arguments on its command line and writes one JSON document to stdout.
// This package owns process lifecycle, timeouts, and the bounded worker
// pool; it never touches the store.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/facts"
	"cxxkb/internal/logging"
)

// Action selects what the extractor emits.
type Action string

const (
	ActionExtractAll     Action = "extract-all"
	ActionExtractSymbols Action = "extract-symbols"
	ActionExtractRefs    Action = "extract-refs"
)

// stderrCap bounds how much extractor stderr is kept for diagnostics.
const stderrCap = 16 * 1024

// Options configures the driver.
type Options struct {
	// Binary is the extractor executable (name or path).
	Binary string
	// Timeout bounds one extractor invocation.
	Timeout time.Duration
	// MaxWorkers bounds concurrent subprocesses.
	MaxWorkers int
}

// Driver spawns extractor subprocesses under a weighted semaphore.
type Driver struct {
	logger  *logging.Logger
	binary  string
	timeout time.Duration
	sem     *semaphore.Weighted

	probeOnce sync.Once
	probeErr  error
}

// NewDriver creates a Driver. The binary is probed lazily on first use
// so construction never fails.
func NewDriver(logger *logging.Logger, opts Options) *Driver {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	return &Driver{
		logger:  logger.Named("extract"),
		binary:  opts.Binary,
		timeout: opts.Timeout,
		sem:     semaphore.NewWeighted(int64(opts.MaxWorkers)),
	}
}

// Available reports whether the extractor binary can be found. The probe
// result is cached for the driver's lifetime.
func (d *Driver) Available() error {
	d.probeOnce.Do(func() {
		if d.binary == "" {
			d.probeErr = cxxerr.New(cxxerr.ExtractorUnavailable, "no extractor binary configured")
			return
		}
		if _, err := exec.LookPath(d.binary); err != nil {
			d.probeErr = cxxerr.Wrap(cxxerr.ExtractorUnavailable, "extractor binary not found: "+d.binary, err)
		}
	})
	return d.probeErr
}

// Result is one completed extraction.
type Result struct {
	Output   *facts.ExtractorOutput
	Duration time.Duration
}

// Extract runs the extractor for one file. The call blocks on the worker
// semaphore, so at most MaxWorkers subprocesses are live. compileArgs
// should already be sanitised and remapped.
func (d *Driver) Extract(ctx context.Context, action Action, absPath string, compileArgs []string) (*Result, error) {
	if err := d.Available(); err != nil {
		return nil, err
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	argv := make([]string, 0, len(compileArgs)+5)
	argv = append(argv, "--action", string(action), "--file", absPath)
	if len(compileArgs) > 0 {
		argv = append(argv, "--")
		argv = append(argv, compileArgs...)
	}

	cmd := exec.CommandContext(runCtx, d.binary, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: stderrCap}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		d.logger.Warn("extractor timed out", map[string]interface{}{
			"file":       absPath,
			"timeout":    d.timeout.String(),
			"elapsed_ms": elapsed.Milliseconds(),
		})
		return &Result{
			Output: &facts.ExtractorOutput{
				File:        absPath,
				Success:     false,
				Diagnostics: []string{"parse_timeout"},
			},
			Duration: elapsed,
		}, cxxerr.Newf(cxxerr.ExtractorTimeout, "extractor exceeded %s on %s", d.timeout, absPath)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		// Non-zero exit means the extractor itself failed; a parse with
		// diagnostics still exits 0.
		return nil, cxxerr.Wrap(cxxerr.ParseFailed,
			"extractor failed on "+absPath+": "+firstLine(stderr.String()), err)
	}

	var output facts.ExtractorOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return nil, cxxerr.Wrap(cxxerr.ParseFailed, "extractor emitted invalid JSON for "+absPath, err)
	}
	if output.File == "" {
		output.File = absPath
	}

	d.logger.Debug("extraction complete", map[string]interface{}{
		"file":        absPath,
		"action":      string(action),
		"symbols":     len(output.Symbols),
		"references":  len(output.References),
		"call_edges":  len(output.CallEdges),
		"duration_ms": elapsed.Milliseconds(),
	})
	return &Result{Output: &output, Duration: elapsed}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// limitedBuffer keeps only the first max bytes written to it.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if l.buf.Len() < l.max {
		room := l.max - l.buf.Len()
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
