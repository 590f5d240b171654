package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/graphgate/pkg/apierr"
	"github.com/wisbric/graphgate/pkg/cache"
)

// DefaultAdminRole is the PostgreSQL role assumed by admin header modes
// when the gateway does not configure one.
const DefaultAdminRole = "administrator"

// Options configure the resolver's routing behaviour.
type Options struct {
	IsPublic          bool
	MetaSchemas       []string
	DefaultDatabaseID string
	EnableServicesAPI bool
	TrustProxy        bool

	// Fallbacks for catalog rows that leave the field empty.
	DefaultAnonRole string
	DefaultAuthRole string
	ExposedSchemas  []string

	// MetadataDbname is the database admin header modes execute against,
	// and the role they assume there.
	MetadataDbname string
	AdminRole      string

	// Admin gate for private header routing. When AdminAPIKey is set it is
	// required; otherwise AdminAllowedIPs (when set) restricts by source
	// address. With neither configured the gateway is assumed to sit on a
	// trusted network.
	AdminAPIKey     string
	AdminAllowedIPs []string
}

// Resolver maps requests to ApiStructures through the service cache.
type Resolver struct {
	catalog Catalog
	cache   *cache.Cache[*ApiStructure]
	opts    Options
	logger  *slog.Logger
	lookups *prometheus.CounterVec // cache name/outcome; may be nil
}

// NewResolver creates a Resolver. lookups may be nil to disable metrics.
func NewResolver(catalog Catalog, serviceCache *cache.Cache[*ApiStructure], opts Options, logger *slog.Logger, lookups *prometheus.CounterVec) *Resolver {
	return &Resolver{
		catalog: catalog,
		cache:   serviceCache,
		opts:    opts,
		logger:  logger,
		lookups: lookups,
	}
}

// Cache exposes the service cache for the flush dispatcher.
func (rs *Resolver) Cache() *cache.Cache[*ApiStructure] { return rs.cache }

// Catalog exposes the metadata catalog for the invalidation listener.
func (rs *Resolver) Catalog() Catalog { return rs.catalog }

// Resolve maps the request to an ApiStructure, consulting the service
// cache first and the metadata catalog on miss. The returned key is the
// canonical tenant cache key for the request.
func (rs *Resolver) Resolve(r *http.Request) (*ApiStructure, string, error) {
	intent := ParseIntent(r, rs.opts.IsPublic, rs.opts.DefaultDatabaseID)

	if api, ok := rs.cache.Get(intent.Key); ok {
		rs.count("service", "hit")
		return api, intent.Key, nil
	}
	rs.count("service", "miss")

	api, err := rs.lookup(r, intent)
	if err != nil {
		return nil, intent.Key, err
	}
	rs.applyDefaults(api)

	if len(api.Schemas) == 0 {
		return nil, intent.Key, apierr.New(apierr.KindNoValidSchemas, "api exposes no schemas").
			With("key", intent.Key)
	}
	if api.Dbname == "" {
		return nil, intent.Key, apierr.New(apierr.KindInternal, "api has no target database").
			With("key", intent.Key)
	}

	rs.cache.Set(intent.Key, api)
	rs.logger.Debug("tenant resolved",
		"key", intent.Key,
		"dbname", api.Dbname,
		"database_id", api.DatabaseID,
		"schemas", strings.Join(api.Schemas, ","),
	)
	return api, intent.Key, nil
}

func (rs *Resolver) lookup(r *http.Request, intent RouteIntent) (*ApiStructure, error) {
	ctx := r.Context()

	// Admin header modes require the operator credential.
	if intent.Mode != ModeDomain {
		if err := rs.checkAdmin(r); err != nil {
			return nil, err
		}
	}

	// Candidate schema validation against information_schema.schemata.
	// Protects the gateway from configurations naming schemas that do not
	// exist yet on the metadata database.
	candidates := append([]string(nil), rs.opts.MetaSchemas...)
	if intent.Mode == ModeSchemata {
		if len(intent.Schemas) == 0 {
			return nil, apierr.New(apierr.KindNoValidSchemas, "empty schema list")
		}
		candidates = append(candidates, intent.Schemas...)
	}

	valid, err := rs.catalog.ValidSchemas(ctx, candidates)
	if err != nil {
		return nil, classifySchemaErr(err)
	}
	if len(valid) == 0 {
		return nil, apierr.New(apierr.KindNoValidSchemas, "no configured schema exists on the metadata database")
	}
	validSet := make(map[string]bool, len(valid))
	for _, s := range valid {
		validSet[s] = true
	}

	switch intent.Mode {
	case ModeAPIName:
		api, err := rs.catalog.APIByName(ctx, intent.DatabaseID, intent.APIName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, apierr.New(apierr.KindNotFound, "no such api").
					With("api", intent.APIName).With("database_id", intent.DatabaseID)
			}
			return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "metadata lookup failed", err)
		}
		return normalize(api), nil

	case ModeSchemata:
		var surviving []string
		for _, s := range intent.Schemas {
			if validSet[s] {
				surviving = append(surviving, s)
			}
		}
		if len(surviving) != len(intent.Schemas) {
			return nil, apierr.New(apierr.KindAccessDenied, "requested schemas rejected").
				With("requested", strings.Join(intent.Schemas, ","))
		}
		return rs.adminStructure(intent.DatabaseID, surviving), nil

	case ModeMetaSchema:
		if !rs.opts.EnableServicesAPI {
			return nil, apierr.New(apierr.KindNotFound, "services api disabled")
		}
		var metas []string
		for _, s := range rs.opts.MetaSchemas {
			if validSet[s] {
				metas = append(metas, s)
			}
		}
		return rs.adminStructure(intent.DatabaseID, metas), nil

	default: // ModeDomain
		apis, err := rs.catalog.APIsByDomain(ctx, intent.Domain, intent.Subdomain, rs.opts.IsPublic)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "metadata lookup failed", err)
		}
		switch len(apis) {
		case 0:
			return nil, apierr.New(apierr.KindNotFound, "no api for domain").
				With("domain", intent.Domain).With("subdomain", intent.Subdomain)
		case 1:
			return normalize(apis[0]), nil
		default:
			// Misconfiguration with security implications: two tenants
			// claim the same hostname.
			return nil, apierr.New(apierr.KindAmbiguous, "multiple apis match domain").
				With("domain", intent.Domain).With("subdomain", intent.Subdomain)
		}
	}
}

// applyDefaults fills fields a catalog row may leave empty from the
// gateway configuration.
func (rs *Resolver) applyDefaults(api *ApiStructure) {
	if api.AnonRole == "" {
		api.AnonRole = rs.opts.DefaultAnonRole
	}
	if api.AuthRole == "" {
		api.AuthRole = rs.opts.DefaultAuthRole
	}
	if len(api.Schemas) == 0 && len(rs.opts.ExposedSchemas) > 0 {
		api.Schemas = append([]string(nil), rs.opts.ExposedSchemas...)
	}
}

// adminStructure fabricates an administrator ApiStructure over the given
// schemas, targeting the metadata database itself.
func (rs *Resolver) adminStructure(databaseID string, schemas []string) *ApiStructure {
	role := rs.opts.AdminRole
	if role == "" {
		role = DefaultAdminRole
	}
	return normalize(&ApiStructure{
		DatabaseID: databaseID,
		Dbname:     rs.opts.MetadataDbname,
		AnonRole:   role,
		AuthRole:   role,
		Schemas:    schemas,
		IsPublic:   false,
	})
}

// normalize deduplicates the schema list preserving order and converts the
// domain hosts into canonical URLs.
func normalize(api *ApiStructure) *ApiStructure {
	seen := make(map[string]bool, len(api.Schemas))
	var schemas []string
	for _, s := range api.Schemas {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		schemas = append(schemas, s)
	}
	api.Schemas = schemas

	var urls []string
	for _, host := range api.Domains {
		urls = append(urls, CanonicalURL(host))
	}
	api.Domains = urls
	return api
}

// CanonicalURL converts a host into a canonical origin URL: https except
// for localhost.
func CanonicalURL(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	bare := host
	if i := strings.IndexByte(bare, ':'); i >= 0 {
		bare = bare[:i]
	}
	if bare == "localhost" || strings.HasSuffix(bare, ".localhost") {
		return "http://" + host
	}
	return "https://" + host
}

// classifySchemaErr downgrades "does not exist" failures on the schema
// discovery query to not-found: the metadata database has simply not been
// provisioned yet. Everything else is an upstream failure.
func classifySchemaErr(err error) error {
	if strings.Contains(err.Error(), "does not exist") {
		return apierr.Wrap(apierr.KindNotFound, "metadata database not provisioned", err)
	}
	return apierr.Wrap(apierr.KindUpstreamUnavailable, "metadata database unreachable", err)
}

func (rs *Resolver) count(cacheName, outcome string) {
	if rs.lookups != nil {
		rs.lookups.WithLabelValues(cacheName, outcome).Inc()
	}
}

// ResolveContext is a convenience for callers that already have the
// structure and want it attached to a context along with its key.
func ResolveContext(ctx context.Context, api *ApiStructure, key string) context.Context {
	return NewKeyContext(NewContext(ctx, api), key)
}
