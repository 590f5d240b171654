package pgpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// nilConnector hands back a nil *pgxpool.Pool, which is enough to exercise
// the registry's bookkeeping without a live database.
func nilConnector(calls *atomic.Int32) Connector {
	return func(ctx context.Context, dbname string) (*pgxpool.Pool, error) {
		calls.Add(1)
		return nil, nil
	}
}

func TestAcquireRelease(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(nilConnector(&calls), testLogger(), WithGracePeriod(10*time.Millisecond))

	ctx := context.Background()
	if _, err := r.Acquire(ctx, "tenant1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := r.Acquire(ctx, "tenant1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("connector called %d times, want 1", got)
	}
	if got := r.Refs("tenant1"); got != 2 {
		t.Fatalf("Refs = %d, want 2", got)
	}

	r.Release("tenant1")
	if got := r.Refs("tenant1"); got != 1 {
		t.Fatalf("Refs after release = %d, want 1", got)
	}

	r.Release("tenant1")
	// Zero refs: close is deferred by the grace period, so an immediate
	// re-acquire must reuse the existing pool.
	if _, err := r.Acquire(ctx, "tenant1"); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("re-acquire within grace reconnected: %d calls", got)
	}
}

func TestDeferredClose(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(nilConnector(&calls), testLogger(), WithGracePeriod(5*time.Millisecond))

	ctx := context.Background()
	if _, err := r.Acquire(ctx, "tenant1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r.Release("tenant1")

	time.Sleep(30 * time.Millisecond)

	// The entry is gone; acquiring again reconnects.
	if _, err := r.Acquire(ctx, "tenant1"); err != nil {
		t.Fatalf("Acquire after close: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("connector called %d times, want 2", got)
	}
}

func TestConnectErrorNotCached(t *testing.T) {
	fail := errors.New("connection refused")
	var calls atomic.Int32
	connect := func(ctx context.Context, dbname string) (*pgxpool.Pool, error) {
		calls.Add(1)
		if calls.Load() == 1 {
			return nil, fail
		}
		return nil, nil
	}
	r := NewRegistry(connect, testLogger())

	ctx := context.Background()
	if _, err := r.Acquire(ctx, "tenant1"); !errors.Is(err, fail) {
		t.Fatalf("expected connect error, got %v", err)
	}

	// A failed connect must not poison the name.
	if _, err := r.Acquire(ctx, "tenant1"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestEmptyDbname(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(nilConnector(&calls), testLogger())
	if _, err := r.Acquire(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dbname")
	}
}

func TestConcurrentAcquireSingleConnect(t *testing.T) {
	var calls atomic.Int32
	slow := func(ctx context.Context, dbname string) (*pgxpool.Pool, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}
	r := NewRegistry(slow, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Acquire(context.Background(), "tenant1"); err != nil {
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("connector called %d times under concurrency, want 1", got)
	}
	if got := r.Refs("tenant1"); got != 20 {
		t.Fatalf("Refs = %d, want 20", got)
	}
}

func TestRefcountNeverNegative(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(nilConnector(&calls), testLogger(), WithGracePeriod(time.Minute))

	if _, err := r.Acquire(context.Background(), "tenant1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r.Release("tenant1")
	r.Release("tenant1") // double release is a bug upstream, but must clamp

	if got := r.Refs("tenant1"); got != 0 {
		t.Fatalf("Refs = %d, want 0", got)
	}
}

func TestCloseAllIdempotent(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(nilConnector(&calls), testLogger())

	ctx := context.Background()
	if _, err := r.Acquire(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Acquire(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	r.CloseAll()
	r.CloseAll() // second call is a no-op

	if got := r.Refs("a"); got != 0 {
		t.Fatalf("Refs(a) after CloseAll = %d", got)
	}
}
