package writer

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
)

func newTestWriter(t *testing.T, opts Options) *Writer {
	t.Helper()
	logger := logging.NewLogger(logging.Config{
		Format: logging.JSONFormat,
		Level:  logging.ErrorLevel,
		Output: io.Discard,
	})
	w := New(logger, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return w
}

func TestSubmitAppliesOp(t *testing.T) {
	w := newTestWriter(t, Options{})
	w.Start()

	var applied atomic.Bool
	future, err := w.Submit(context.Background(), WriteOp{
		Name: "upsert_file_facts",
		Fn: func() error {
			applied.Store(true)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := future.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !applied.Load() {
		t.Error("op did not run")
	}
}

func TestOpsApplyInSubmissionOrder(t *testing.T) {
	w := newTestWriter(t, Options{})

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		if _, err := w.Submit(context.Background(), WriteOp{
			Name: "op",
			Fn: func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	w.Start()
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("expected 20 ops applied, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("op %d ran out of order (got %d): %v", i, got, order)
		}
	}
}

func TestFailedOpDoesNotAbortBatch(t *testing.T) {
	w := newTestWriter(t, Options{BatchSize: 16})

	opErr := errors.New("UNIQUE constraint failed: symbols.id")
	failed, err := w.Submit(context.Background(), WriteOp{
		Name: "bad",
		Fn:   func() error { return opErr },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var applied atomic.Bool
	ok, err := w.Submit(context.Background(), WriteOp{
		Name: "good",
		Fn: func() error {
			applied.Store(true)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	w.Start()
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := failed.Wait(context.Background()); !errors.Is(got, opErr) {
		t.Errorf("failed op outcome = %v, want %v", got, opErr)
	}
	if got := ok.Wait(context.Background()); got != nil {
		t.Errorf("second op outcome = %v, want nil", got)
	}
	if !applied.Load() {
		t.Error("op after a failed op never ran")
	}
}

func TestRetriesOnBusyThenSucceeds(t *testing.T) {
	w := newTestWriter(t, Options{RetryDelay: time.Millisecond})
	w.Start()

	var attempts atomic.Int32
	future, err := w.Submit(context.Background(), WriteOp{
		Name: "contended",
		Fn: func() error {
			if attempts.Add(1) < 3 {
				return errors.New("database is locked (SQLITE_BUSY)")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := future.Wait(context.Background()); err != nil {
		t.Fatalf("op should have recovered, got %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestContentionExhaustsRetries(t *testing.T) {
	w := newTestWriter(t, Options{RetryAttempts: 3, RetryDelay: time.Millisecond})
	w.Start()

	var attempts atomic.Int32
	future, err := w.Submit(context.Background(), WriteOp{
		Name: "hot",
		Fn: func() error {
			attempts.Add(1)
			return errors.New("database is locked (SQLITE_BUSY)")
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := future.Wait(context.Background())
	if got == nil {
		t.Fatal("expected an error after retries exhausted")
	}
	if !cxxerr.IsKind(got, cxxerr.WriteContention) {
		t.Errorf("expected write_contention kind, got %v", got)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestNonBusyErrorFailsImmediately(t *testing.T) {
	w := newTestWriter(t, Options{RetryDelay: time.Millisecond})
	w.Start()

	var attempts atomic.Int32
	opErr := errors.New("NOT NULL constraint failed: tracked_files.file_key")
	future, err := w.Submit(context.Background(), WriteOp{
		Name: "broken",
		Fn: func() error {
			attempts.Add(1)
			return opErr
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got := future.Wait(context.Background()); !errors.Is(got, opErr) {
		t.Errorf("outcome = %v, want %v", got, opErr)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("constraint errors must not be retried, got %d attempts", n)
	}
}

func TestTrySubmitWouldBlock(t *testing.T) {
	w := newTestWriter(t, Options{QueueSize: 1})

	first, err := w.TrySubmit(WriteOp{Name: "fits", Fn: func() error { return nil }})
	if err != nil {
		t.Fatalf("TrySubmit: %v", err)
	}

	if _, err := w.TrySubmit(WriteOp{Name: "overflow", Fn: func() error { return nil }}); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}

	w.Start()
	if err := first.Wait(context.Background()); err != nil {
		t.Fatalf("queued op failed: %v", err)
	}
}

func TestSubmitBlockedByFullQueueRespectsContext(t *testing.T) {
	w := newTestWriter(t, Options{QueueSize: 1})

	if _, err := w.TrySubmit(WriteOp{Name: "fits", Fn: func() error { return nil }}); err != nil {
		t.Fatalf("TrySubmit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.Submit(ctx, WriteOp{Name: "blocked", Fn: func() error { return nil }}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	w.Start()
}

func TestSubmitAfterClose(t *testing.T) {
	w := newTestWriter(t, Options{})
	w.Start()
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := w.Submit(context.Background(), WriteOp{Name: "late", Fn: func() error { return nil }}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
	if _, err := w.TrySubmit(WriteOp{Name: "late", Fn: func() error { return nil }}); !errors.Is(err, ErrClosed) {
		t.Errorf("TrySubmit after Close = %v, want ErrClosed", err)
	}
}

func TestCloseDrainsPendingOps(t *testing.T) {
	w := newTestWriter(t, Options{})

	var applied atomic.Int32
	futures := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		f, err := w.Submit(context.Background(), WriteOp{
			Name: "pending",
			Fn: func() error {
				applied.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		futures = append(futures, f)
	}

	w.Start()
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := applied.Load(); got != 5 {
		t.Errorf("expected all 5 ops applied before Close returned, got %d", got)
	}
	for i, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Errorf("future %d not completed after Close", i)
		}
	}
}

func TestFlushWaitsForPriorOps(t *testing.T) {
	w := newTestWriter(t, Options{})
	w.Start()

	var applied atomic.Bool
	if _, err := w.Submit(context.Background(), WriteOp{
		Name: "slow",
		Fn: func() error {
			time.Sleep(30 * time.Millisecond)
			applied.Store(true)
			return nil
		},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !applied.Load() {
		t.Error("Flush returned before prior op was applied")
	}
}

func TestFutureWaitHonorsContext(t *testing.T) {
	w := newTestWriter(t, Options{})
	w.Start()

	release := make(chan struct{})
	future, err := w.Submit(context.Background(), WriteOp{
		Name: "stuck",
		Fn: func() error {
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	if err := future.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	if err := future.Wait(context.Background()); err != nil {
		t.Fatalf("op failed after release: %v", err)
	}
}

func TestQueueDepthAndLag(t *testing.T) {
	w := newTestWriter(t, Options{})

	for i := 0; i < 2; i++ {
		if _, err := w.Submit(context.Background(), WriteOp{Name: "queued", Fn: func() error { return nil }}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	if depth := w.QueueDepth(); depth != 2 {
		t.Errorf("QueueDepth = %d, want 2", depth)
	}
	if w.Lag() <= 0 {
		t.Error("expected positive lag while ops are queued")
	}

	w.Start()
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if depth := w.QueueDepth(); depth != 0 {
		t.Errorf("QueueDepth after flush = %d, want 0", depth)
	}

	deadline := time.Now().Add(time.Second)
	for w.Lag() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("lag never reset after the queue drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
