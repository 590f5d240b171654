// Package flush is the single authority for evicting tenant state: it
// drops cached ApiStructures and handlers together so the two tiers never
// diverge, and serves the external flush endpoint.
package flush

import (
	"strings"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/graphgate/pkg/cache"
	"github.com/wisbric/graphgate/pkg/handler"
	"github.com/wisbric/graphgate/pkg/tenant"
)

// NewServiceCache builds the service tier. Every eviction, whatever its
// reason, cascades to the handler cache: a handler entry must never
// outlive the service entry it was built from.
func NewServiceCache(maxEntries int, ttl time.Duration, handlers *cache.Cache[*handler.Entry], evictions *prometheus.CounterVec) *cache.Cache[*tenant.ApiStructure] {
	return cache.New(cache.Config[*tenant.ApiStructure]{
		MaxEntries: maxEntries,
		TTL:        ttl,
		OnEvict: func(key string, _ *tenant.ApiStructure, reason cache.Reason) {
			handlers.Delete(key)
			if evictions != nil {
				evictions.WithLabelValues("service", string(reason)).Inc()
			}
		},
	})
}

// Dispatcher coordinates eviction across the service cache and the
// handler cache. All bulk invalidation flows through it.
type Dispatcher struct {
	services *cache.Cache[*tenant.ApiStructure]
	handlers *cache.Cache[*handler.Entry]
	logger   *slog.Logger
	flushes  *prometheus.CounterVec // label: origin; may be nil
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(services *cache.Cache[*tenant.ApiStructure], handlers *cache.Cache[*handler.Entry], logger *slog.Logger, flushes *prometheus.CounterVec) *Dispatcher {
	return &Dispatcher{
		services: services,
		handlers: handlers,
		logger:   logger,
		flushes:  flushes,
	}
}

// FlushKey evicts one tenant key from both tiers. Returns the number of
// entries removed (0 to 2). The handler goes first: deleting the service
// entry cascades into the handler cache, which would hide the handler
// from the count.
func (d *Dispatcher) FlushKey(origin, key string) int {
	n := 0
	if d.handlers.Delete(key) {
		n++
	}
	if d.services.Delete(key) {
		n++
	}
	d.record(origin)
	d.logger.Info("flushed key", "origin", origin, "key", key, "evicted", n)
	return n
}

// FlushDatabase evicts every key belonging to the given database ID:
// header-shaped keys embed the ID, domain-shaped keys are matched through
// the cached structure. Returns the number of entries removed.
func (d *Dispatcher) FlushDatabase(origin, databaseID string) int {
	apiPrefix := "api:" + databaseID + ":"
	schemataPrefix := "schemata:" + databaseID + ":"
	metaKey := "metaschema:api:" + databaseID

	matchKey := func(key string) bool {
		return strings.HasPrefix(key, apiPrefix) ||
			strings.HasPrefix(key, schemataPrefix) ||
			key == metaKey
	}

	n := d.handlers.DeleteMatching(func(key string, e *handler.Entry) bool {
		return matchKey(key) || e.API.DatabaseID == databaseID
	})
	n += d.services.DeleteMatching(func(key string, api *tenant.ApiStructure) bool {
		return matchKey(key) || api.DatabaseID == databaseID
	})

	d.record(origin)
	d.logger.Info("flushed database", "origin", origin, "database_id", databaseID, "evicted", n)
	return n
}

// FlushAll empties both tiers. Returns the number of entries removed.
func (d *Dispatcher) FlushAll(origin string) int {
	n := d.handlers.Clear()
	n += d.services.Clear()
	d.record(origin)
	d.logger.Info("flushed everything", "origin", origin, "evicted", n)
	return n
}

func (d *Dispatcher) record(origin string) {
	if d.flushes != nil {
		d.flushes.WithLabelValues(origin).Inc()
	}
}
