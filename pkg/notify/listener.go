// Package notify subscribes to the metadata database's invalidation
// channel and evicts affected tenants the moment their configuration
// changes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Origin labels evictions triggered by LISTEN/NOTIFY.
const Origin = "notify"

// Flusher is the eviction surface the listener drives.
type Flusher interface {
	FlushKey(origin, key string) int
	FlushDatabase(origin, databaseID string) int
	FlushAll(origin string) int
}

// DomainLister enumerates the domain-shaped cache keys registered under a
// database ID. The listener needs it because a NOTIFY carries only the
// database ID while domain-routed tenants are cached under their hostname.
type DomainLister interface {
	DomainKeys(ctx context.Context, databaseID string) ([]string, error)
}

// Ops receives operational state changes. Implementations must tolerate
// being called from the listener goroutine.
type Ops interface {
	ListenerDegraded(ctx context.Context, channel string, since time.Time, lastErr error)
	ListenerRecovered(ctx context.Context, channel string)
}

// Metrics are the listener's instrumentation hooks. Any field may be nil.
type Metrics struct {
	Notifications prometheus.Counter
	Reconnects    prometheus.Counter
}

// Listener holds a dedicated connection to the metadata database and
// reacts to NOTIFY payloads on the configured channel.
type Listener struct {
	connect       func(ctx context.Context) (*pgx.Conn, error)
	channel       string
	flusher       Flusher
	domains       DomainLister
	ops           Ops
	degradedAfter time.Duration
	logger        *slog.Logger
	metrics       Metrics
}

// NewListener creates a Listener. connect must open a fresh dedicated
// connection; pooled connections cannot hold a LISTEN subscription.
// domains may be nil to skip domain-key eviction.
func NewListener(connect func(ctx context.Context) (*pgx.Conn, error), channel string, flusher Flusher, domains DomainLister, ops Ops, degradedAfter time.Duration, logger *slog.Logger, metrics Metrics) *Listener {
	return &Listener{
		connect:       connect,
		channel:       channel,
		flusher:       flusher,
		domains:       domains,
		ops:           ops,
		degradedAfter: degradedAfter,
		logger:        logger,
		metrics:       metrics,
	}
}

// Run listens until ctx is cancelled, reconnecting with exponential
// backoff. Connection loss is tolerated indefinitely; after degradedAfter
// without a subscription the ops channel is told the gateway may serve
// stale configuration.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	var (
		downSince time.Time
		degraded  bool
		lastErr   error
	)

	for {
		err := l.listenOnce(ctx, func() {
			// Subscription established.
			bo.Reset()
			if degraded && l.ops != nil {
				l.ops.ListenerRecovered(ctx, l.channel)
			}
			degraded = false
			downSince = time.Time{}
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if downSince.IsZero() {
			downSince = time.Now()
		}
		if !degraded && l.degradedAfter > 0 && time.Since(downSince) >= l.degradedAfter {
			degraded = true
			l.logger.Error("invalidation listener degraded",
				"channel", l.channel, "down_since", downSince, "error", lastErr)
			if l.ops != nil {
				l.ops.ListenerDegraded(ctx, l.channel, downSince, lastErr)
			}
		}

		wait := bo.NextBackOff()
		l.logger.Warn("invalidation listener reconnecting",
			"channel", l.channel, "in", wait, "error", err)
		if l.metrics.Reconnects != nil {
			l.metrics.Reconnects.Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, onSubscribed func()) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting listener: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("subscribing to %s: %w", l.channel, err)
	}
	l.logger.Info("invalidation listener subscribed", "channel", l.channel)
	onSubscribed()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}
		l.handle(ctx, n.Payload)
	}
}

// payload is the JSON shape of a NOTIFY message. A bare, non-JSON payload
// is treated as a database ID.
type payload struct {
	Key        string `json:"key"`
	DatabaseID string `json:"database_id"`
}

func (l *Listener) handle(ctx context.Context, raw string) {
	if l.metrics.Notifications != nil {
		l.metrics.Notifications.Inc()
	}

	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		p = payload{DatabaseID: raw}
	}

	switch {
	case p.Key != "":
		l.flusher.FlushKey(Origin, p.Key)
	case p.DatabaseID != "":
		l.flusher.FlushDatabase(Origin, p.DatabaseID)
		l.flushDomains(ctx, p.DatabaseID)
	default:
		l.flusher.FlushAll(Origin)
	}
}

// flushDomains evicts the hostname-keyed entries of every tenant under the
// database. Cached entries already match by database ID, but the catalog
// is authoritative for domains whose cached structure predates a move.
func (l *Listener) flushDomains(ctx context.Context, databaseID string) {
	if l.domains == nil {
		return
	}
	keys, err := l.domains.DomainKeys(ctx, databaseID)
	if err != nil {
		l.logger.Error("listing domains for eviction",
			"database_id", databaseID, "error", err)
		return
	}
	for _, key := range keys {
		l.flusher.FlushKey(Origin, key)
	}
}
