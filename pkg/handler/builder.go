// Package handler caches built GraphQL handlers per tenant key and
// deduplicates concurrent builds so a cold tenant triggers exactly one
// construction no matter how many requests arrive at once.
package handler

import (
	"context"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/wisbric/graphgate/pkg/apierr"
	"github.com/wisbric/graphgate/pkg/cache"
	"github.com/wisbric/graphgate/pkg/graphql"
	"github.com/wisbric/graphgate/pkg/pgpool"
	"github.com/wisbric/graphgate/pkg/tenant"
)

// DefaultBuildTimeout bounds a detached handler build.
const DefaultBuildTimeout = 30 * time.Second

// Entry is a cached, ready-to-serve handler. Dbname records which pool
// reference the entry holds so eviction can release it; Pool is the
// tenant pool the handler executes against, shared with authentication.
type Entry struct {
	Handler graphql.Handler
	API     *tenant.ApiStructure
	Pool    *pgxpool.Pool
	Dbname  string
}

// Metrics are the instrumentation hooks the builder reports to. Any field
// may be nil.
type Metrics struct {
	Builds        *prometheus.CounterVec // label: result
	BuildDuration prometheus.Observer
	Lookups       *prometheus.CounterVec // labels: cache, outcome
}

// Builder builds and caches handlers.
type Builder struct {
	factory      graphql.Factory
	pools        *pgpool.Registry
	cache        *cache.Cache[*Entry]
	group        singleflight.Group
	buildTimeout time.Duration
	logger       *slog.Logger
	metrics      Metrics
}

// NewBuilder creates a Builder over the given handler cache. The cache's
// OnEvict hook must release the entry's pool reference; NewCache sets
// that up.
func NewBuilder(factory graphql.Factory, pools *pgpool.Registry, handlerCache *cache.Cache[*Entry], logger *slog.Logger, metrics Metrics) *Builder {
	return &Builder{
		factory:      factory,
		pools:        pools,
		cache:        handlerCache,
		buildTimeout: DefaultBuildTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// NewCache creates the handler cache wired so every eviction, whatever
// the reason, releases the pool reference its entry holds.
func NewCache(maxEntries int, ttl time.Duration, pools *pgpool.Registry, evictions *prometheus.CounterVec) *cache.Cache[*Entry] {
	return cache.New(cache.Config[*Entry]{
		MaxEntries: maxEntries,
		TTL:        ttl,
		OnEvict: func(key string, e *Entry, reason cache.Reason) {
			pools.Release(e.Dbname)
			if evictions != nil {
				evictions.WithLabelValues("handler", string(reason)).Inc()
			}
		},
	})
}

// Cache exposes the handler cache for the flush dispatcher.
func (b *Builder) Cache() *cache.Cache[*Entry] { return b.cache }

// GetOrBuild returns the cached handler for key, building it exactly once
// under concurrency. A failed build is returned to every waiter and never
// cached. The build itself runs on a detached context so the originating
// request's cancellation cannot abort work other waiters depend on.
func (b *Builder) GetOrBuild(ctx context.Context, key string, api *tenant.ApiStructure) (*Entry, error) {
	if e, ok := b.cache.Get(key); ok {
		b.count("handler", "hit")
		return e, nil
	}
	b.count("handler", "miss")

	ch := b.group.DoChan(key, func() (any, error) {
		// Re-check under the flight: a concurrent build may have
		// populated the cache between our miss and this closure.
		if e, ok := b.cache.Get(key); ok {
			return e, nil
		}
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.buildTimeout)
		defer cancel()
		return b.build(bctx, key, api)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		// The build keeps running for the remaining waiters.
		return nil, apierr.From(ctx.Err())
	}
}

func (b *Builder) build(ctx context.Context, key string, api *tenant.ApiStructure) (*Entry, error) {
	start := time.Now()

	pool, err := b.pools.Acquire(ctx, api.Dbname)
	if err != nil {
		b.buildResult("failure", start)
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "connecting to tenant database", err).
			With("dbname", api.Dbname)
	}

	h, err := b.factory.Build(ctx, graphql.BuildSpec{API: api, Pool: pool})
	if err != nil {
		b.pools.Release(api.Dbname)
		b.buildResult("failure", start)
		return nil, apierr.Wrap(apierr.KindHandlerBuildFailed, "building handler", err).
			With("key", key).With("dbname", api.Dbname)
	}

	entry := &Entry{Handler: h, API: api, Pool: pool, Dbname: api.Dbname}
	b.cache.Set(key, entry)
	b.buildResult("success", start)
	b.logger.Info("handler built", "key", key, "dbname", api.Dbname, "took", time.Since(start))
	return entry, nil
}

func (b *Builder) buildResult(result string, start time.Time) {
	if b.metrics.Builds != nil {
		b.metrics.Builds.WithLabelValues(result).Inc()
	}
	if b.metrics.BuildDuration != nil {
		b.metrics.BuildDuration.Observe(time.Since(start).Seconds())
	}
}

func (b *Builder) count(cacheName, outcome string) {
	if b.metrics.Lookups != nil {
		b.metrics.Lookups.WithLabelValues(cacheName, outcome).Inc()
	}
}
