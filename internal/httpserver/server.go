package httpserver

import (
	"net/http"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/graphgate/internal/config"
	"github.com/wisbric/graphgate/pkg/auth"
	"github.com/wisbric/graphgate/pkg/graphql"
	"github.com/wisbric/graphgate/pkg/handler"
	"github.com/wisbric/graphgate/pkg/tenant"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	Resolver  *tenant.Resolver
	Builder   *handler.Builder
	Validator auth.Validator
	Metadata  *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry

	CookieAuthEnabled bool
	CookieName        string
	StrictAuth        bool
	TrustProxy        bool
	DevMode           bool
}

// NewServer creates the gateway's HTTP surface: the GraphQL hot path plus
// the operational endpoints. flushHandler serves POST /flush and is built
// by the caller so the dispatcher and rate limiter stay out of this
// package.
func NewServer(cfg *config.Config, logger *slog.Logger, resolver *tenant.Resolver, builder *handler.Builder, validator auth.Validator, metadata *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, flushHandler http.HandlerFunc) *Server {
	s := &Server{
		Router:            chi.NewRouter(),
		Logger:            logger,
		Resolver:          resolver,
		Builder:           builder,
		Validator:         validator,
		Metadata:          metadata,
		Redis:             rdb,
		Metrics:           metricsReg,
		CookieAuthEnabled: cfg.CookieAuthEnabled,
		CookieName:        cfg.CookieName,
		StrictAuth:        cfg.StrictAuth,
		TrustProxy:        cfg.TrustProxy,
		DevMode:           cfg.DevMode,
	}

	// Global middleware
	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Api-Name", "X-Schemata", "X-Meta-Schema", "X-Database-Id"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated)
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics (unauthenticated)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// GraphQL endpoint and the in-browser IDE.
	s.Router.Post("/graphql", s.handleGraphQL)
	s.Router.Get("/graphiql", graphql.GraphiQLHandler())

	// Cache flush for deploy pipelines and operators.
	s.Router.Post("/flush", flushHandler)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.Metadata.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: metadata database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "metadata database not ready")
		return
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
			return
		}
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
