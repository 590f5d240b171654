// Package pgpool maintains a process-wide registry of named, ref-counted
// PostgreSQL connection pools keyed by database name. Cache entries hold
// only the name and call Acquire/Release; a pool is closed only when no
// entry references it.
package pgpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Connector opens a pool for the named database.
type Connector func(ctx context.Context, dbname string) (*pgxpool.Pool, error)

// DefaultGracePeriod is how long a zero-ref pool lingers before closing,
// absorbing rapid flush+reuse cycles.
const DefaultGracePeriod = 30 * time.Second

// Registry maps dbname to a shared pool with a reference count.
// The registry lock is never held across connect I/O.
type Registry struct {
	connect Connector
	grace   time.Duration
	logger  *slog.Logger
	gauge   prometheus.Gauge // may be nil

	mu    sync.Mutex
	pools map[string]*entry
}

type entry struct {
	refs  int
	ready chan struct{} // closed once connect finished
	pool  *pgxpool.Pool
	err   error
	close *time.Timer // pending deferred close, nil when referenced
}

// Option configures a Registry.
type Option func(*Registry)

// WithGracePeriod overrides the deferred-close grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) { r.grace = d }
}

// WithGauge reports the number of open pools to the given gauge.
func WithGauge(g prometheus.Gauge) Option {
	return func(r *Registry) { r.gauge = g }
}

// NewRegistry creates a Registry using connect to open pools.
func NewRegistry(connect Connector, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		connect: connect,
		grace:   DefaultGracePeriod,
		logger:  logger,
		pools:   make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Acquire returns the pool for dbname, connecting on first use, and
// increments its reference count. Connect errors surface to every caller
// waiting on the same dbname; the registry does not retry.
func (r *Registry) Acquire(ctx context.Context, dbname string) (*pgxpool.Pool, error) {
	if dbname == "" {
		return nil, fmt.Errorf("empty database name")
	}

	r.mu.Lock()
	e, ok := r.pools[dbname]
	if ok {
		e.refs++
		if e.close != nil {
			e.close.Stop()
			e.close = nil
		}
		ready := e.ready
		r.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			r.Release(dbname)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.pool, nil
	}

	e = &entry{refs: 1, ready: make(chan struct{})}
	r.pools[dbname] = e
	r.mu.Unlock()

	pool, err := r.connect(ctx, dbname)

	r.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("connecting pool %q: %w", dbname, err)
		delete(r.pools, dbname)
	} else {
		e.pool = pool
		if r.gauge != nil {
			r.gauge.Inc()
		}
	}
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		return nil, e.err
	}
	r.logger.Info("tenant pool opened", "dbname", dbname)
	return pool, nil
}

// Release decrements the reference count for dbname. When it reaches zero
// the pool is scheduled for close after the grace period; a re-Acquire
// within the window cancels the close.
func (r *Registry) Release(dbname string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.pools[dbname]
	if !ok {
		return
	}
	e.refs--
	if e.refs < 0 {
		e.refs = 0
	}
	if e.refs > 0 || e.close != nil {
		return
	}

	e.close = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		cur, ok := r.pools[dbname]
		if !ok || cur != e || cur.refs > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.pools, dbname)
		pool := cur.pool
		r.mu.Unlock()

		if pool != nil {
			pool.Close()
			if r.gauge != nil {
				r.gauge.Dec()
			}
			r.logger.Info("tenant pool closed", "dbname", dbname)
		}
	})
}

// Refs returns the current reference count for dbname. Zero for unknown names.
func (r *Registry) Refs(dbname string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pools[dbname]; ok {
		return e.refs
	}
	return 0
}

// CloseAll closes every pool immediately. Idempotent; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*entry)
	r.mu.Unlock()

	for dbname, e := range pools {
		if e.close != nil {
			e.close.Stop()
		}
		select {
		case <-e.ready:
		default:
			continue // connect still in flight; its caller owns the error
		}
		if e.pool != nil {
			e.pool.Close()
			if r.gauge != nil {
				r.gauge.Dec()
			}
			r.logger.Info("tenant pool closed", "dbname", dbname)
		}
	}
}
