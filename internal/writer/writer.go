// Package writer serialises all store mutation through one goroutine.
//
// SQLite permits a single write transaction at a time. Funnelling every
// mutation (parse payloads, overlay GC, sync bookkeeping) through one
// consumer serialises writers fairly in application code and lets the
// consumer coalesce bursts into batches instead of letting connections
// fight over the write lock.
package writer

import (
	"context"
	"errors"
	"sync"
	"time"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
	"cxxkb/internal/storage"
)

// Defaults for Options fields left zero.
const (
	DefaultQueueSize     = 1024
	DefaultBatchSize     = 64
	DefaultBatchWindow   = 25 * time.Millisecond
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = 200 * time.Millisecond
)

var (
	// ErrClosed is returned by Submit after Close has been called.
	ErrClosed = errors.New("writer is closed")
	// ErrWouldBlock is returned by TrySubmit when the queue is full.
	ErrWouldBlock = errors.New("writer queue is full")
)

// WriteOp is one unit of store mutation. Fn runs on the writer goroutine,
// opens its own transaction through the storage layer, and must be safe
// to retry when the store reports lock contention.
type WriteOp struct {
	Name string
	Fn   func() error
}

// Future delivers the outcome of a submitted op asynchronously.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done returns a channel that is closed once the op has been applied or
// given up on.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the op outcome. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the op completes or ctx is cancelled. Cancellation
// abandons the wait, not the op: the writer still applies it.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Options tunes the writer queue and batching. Zero values pick defaults.
type Options struct {
	QueueSize     int
	BatchSize     int
	BatchWindow   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = DefaultBatchWindow
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

type job struct {
	op     WriteOp
	future *Future
}

// Writer owns the write queue and the single consumer goroutine.
type Writer struct {
	logger *logging.Logger
	opts   Options
	queue  chan *job

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	lagMu  sync.Mutex
	oldest time.Time
}

// New creates a Writer. Ops may be submitted immediately; nothing is
// applied until Start.
func New(logger *logging.Logger, opts Options) *Writer {
	opts = opts.withDefaults()
	return &Writer{
		logger: logger.Named("writer"),
		opts:   opts,
		queue:  make(chan *job, opts.QueueSize),
	}
}

// Start launches the consumer goroutine. Calling Start twice is a no-op.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
}

// Submit enqueues op and returns its Future. When the queue is full the
// call blocks until space frees up or ctx is cancelled; this backpressure
// is the pipeline's natural throttle.
func (w *Writer) Submit(ctx context.Context, op WriteOp) (*Future, error) {
	if op.Fn == nil {
		return nil, errors.New("write op has no function")
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrClosed
	}

	j := &job{op: op, future: newFuture()}
	select {
	case w.queue <- j:
		w.noteEnqueue()
		return j.future, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TrySubmit is the non-blocking variant of Submit: a full queue yields
// ErrWouldBlock instead of waiting.
func (w *Writer) TrySubmit(op WriteOp) (*Future, error) {
	if op.Fn == nil {
		return nil, errors.New("write op has no function")
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrClosed
	}

	j := &job{op: op, future: newFuture()}
	select {
	case w.queue <- j:
		w.noteEnqueue()
		return j.future, nil
	default:
		return nil, ErrWouldBlock
	}
}

// Flush blocks until every op submitted before the call has been applied.
func (w *Writer) Flush(ctx context.Context) error {
	future, err := w.Submit(ctx, WriteOp{Name: "flush", Fn: func() error { return nil }})
	if err != nil {
		return err
	}
	return future.Wait(ctx)
}

// Close stops accepting ops, drains the queue, and waits for the consumer
// to finish (bounded by ctx).
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of ops waiting in the queue.
func (w *Writer) QueueDepth() int {
	return len(w.queue)
}

// Lag returns how long the oldest queued op has been waiting, zero when
// the queue is empty.
func (w *Writer) Lag() time.Duration {
	w.lagMu.Lock()
	defer w.lagMu.Unlock()
	if w.oldest.IsZero() {
		return 0
	}
	return time.Since(w.oldest)
}

func (w *Writer) noteEnqueue() {
	w.lagMu.Lock()
	if w.oldest.IsZero() {
		w.oldest = time.Now()
	}
	w.lagMu.Unlock()
}

func (w *Writer) resetLagIfDrained() {
	if len(w.queue) != 0 {
		return
	}
	w.lagMu.Lock()
	w.oldest = time.Time{}
	w.lagMu.Unlock()
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		j, ok := <-w.queue
		if !ok {
			return
		}
		batch := w.collect(j)
		w.apply(batch)
		w.resetLagIfDrained()
	}
}

// collect coalesces queued ops into a batch: up to BatchSize ops, or
// whatever arrives within BatchWindow of the first.
func (w *Writer) collect(first *job) []*job {
	batch := []*job{first}
	timer := time.NewTimer(w.opts.BatchWindow)
	defer timer.Stop()

	for len(batch) < w.opts.BatchSize {
		select {
		case j, ok := <-w.queue:
			if !ok {
				return batch
			}
			batch = append(batch, j)
		case <-timer.C:
			return batch
		}
	}
	return batch
}

// apply runs each op in the batch. A failed op reports through its own
// Future and never aborts the rest of the batch.
func (w *Writer) apply(batch []*job) {
	for _, j := range batch {
		err := w.applyOne(j.op)
		if err != nil {
			w.logger.Error("write op failed", map[string]interface{}{
				"op":    j.op.Name,
				"error": err.Error(),
			})
		}
		j.future.complete(err)
	}
}

// applyOne runs a single op, retrying with exponential backoff on lock
// contention. Non-contention errors (schema, constraint) fail immediately.
func (w *Writer) applyOne(op WriteOp) error {
	var lastErr error
	delay := w.opts.RetryDelay
	for attempt := 1; attempt <= w.opts.RetryAttempts; attempt++ {
		err := op.Fn()
		if err == nil {
			return nil
		}
		if !storage.IsBusy(err) {
			return err
		}

		// With every mutation funnelled through this goroutine, lock
		// contention means some other connection is writing. Surface it
		// loudly: it is a bug, not a normal operating state.
		lastErr = err
		w.logger.Error("store reported busy/locked despite single writer", map[string]interface{}{
			"op":      op.Name,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if attempt < w.opts.RetryAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return cxxerr.Wrap(cxxerr.WriteContention, "write op "+op.Name+" exhausted retries", lastErr)
}
