package flush

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"log/slog"

	"github.com/wisbric/graphgate/pkg/tenant"
)

// OriginEndpoint labels flushes triggered through the HTTP endpoint.
const OriginEndpoint = "endpoint"

// EndpointConfig configures the flush endpoint.
type EndpointConfig struct {
	Secret     string
	TrustProxy bool

	// TenantKey derives the tenant cache key for a request without a
	// catalog lookup; a flush must never miss just because the entry it
	// targets is already gone.
	TenantKey func(r *http.Request) string
}

type flushRequest struct {
	Key        string `json:"key"`
	DatabaseID string `json:"database_id"`
}

// Handler serves POST /flush. The caller must present the shared secret
// as a bearer token; attempts are rate limited per source IP before the
// secret is checked so the endpoint cannot be brute forced. Without a
// body the request's own tenant key is flushed; a body may instead name
// an explicit key or database id.
func Handler(d *Dispatcher, cfg EndpointConfig, limiter *RateLimiter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := tenant.ClientIP(r, cfg.TrustProxy)

		allowed, err := limiter.Allow(r.Context(), ip)
		if err != nil {
			logger.Error("flush rate limit check failed", "error", err, "ip", ip)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rate limiter unavailable"})
			return
		}
		if !allowed {
			logger.Warn("flush rate limited", "ip", ip)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many flush attempts"})
			return
		}

		if cfg.Secret == "" || subtle.ConstantTimeCompare([]byte(bearer(r)), []byte(cfg.Secret)) != 1 {
			logger.Warn("flush rejected", "ip", ip)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid flush secret"})
			return
		}

		var req flushRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		var n int
		switch {
		case req.Key != "":
			n = d.FlushKey(OriginEndpoint, req.Key)
		case req.DatabaseID != "":
			n = d.FlushDatabase(OriginEndpoint, req.DatabaseID)
		default:
			// An empty body flushes the tenant the request itself routes
			// to, so deploy hooks can POST to their own hostname.
			n = d.FlushKey(OriginEndpoint, cfg.TenantKey(r))
		}

		writeJSON(w, http.StatusOK, map[string]int{"flushed": n})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
