package tenant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog retrieves tenant metadata. The production implementation queries
// the services_public schema on the metadata database; tests provide fakes.
type Catalog interface {
	// ValidSchemas intersects candidates against information_schema.schemata.
	ValidSchemas(ctx context.Context, candidates []string) ([]string, error)
	// APIByName fetches the private API registered under (databaseID, name).
	// Returns pgx.ErrNoRows via the error when absent.
	APIByName(ctx context.Context, databaseID, name string) (*ApiStructure, error)
	// APIsByDomain fetches every API owning (domain, subdomain) with the
	// given visibility. Subdomain matching is NULL-aware: the empty string
	// matches a NULL subdomain.
	APIsByDomain(ctx context.Context, domain, subdomain string, isPublic bool) ([]*ApiStructure, error)
	// DomainKeys returns the domain-shaped cache keys of every tenant
	// under the given database ID.
	DomainKeys(ctx context.Context, databaseID string) ([]string, error)
}

// PGCatalog implements Catalog against the metadata pool.
type PGCatalog struct {
	Pool *pgxpool.Pool
}

var _ Catalog = (*PGCatalog)(nil)

func (c *PGCatalog) ValidSchemas(ctx context.Context, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	rows, err := c.Pool.Query(ctx,
		`SELECT schema_name::text FROM information_schema.schemata WHERE schema_name = ANY($1)`,
		candidates,
	)
	if err != nil {
		return nil, fmt.Errorf("querying information_schema.schemata: %w", err)
	}
	defer rows.Close()

	valid := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning schema name: %w", err)
		}
		valid[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading schema names: %w", err)
	}

	// Preserve candidate order.
	var out []string
	for _, s := range candidates {
		if valid[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

// apiSelect aggregates one API row with its schemas, modules and domains.
const apiSelect = `
SELECT a.database_id::text,
       a.dbname,
       a.anon_role,
       a.auth_role,
       a.is_public,
       COALESCE((SELECT array_agg(s.schema_name ORDER BY s.position)
                   FROM services_public.api_schemas s
                  WHERE s.api_id = a.id), '{}'),
       COALESCE((SELECT jsonb_agg(jsonb_build_object('name', m.name, 'data', m.data))
                   FROM services_public.api_modules m
                  WHERE m.api_id = a.id), '[]'),
       COALESCE((SELECT array_agg(CASE WHEN d.subdomain IS NULL THEN d.domain
                                       ELSE d.subdomain || '.' || d.domain END)
                   FROM services_public.domains d
                  WHERE d.api_id = a.id), '{}')
  FROM services_public.apis a`

func (c *PGCatalog) APIByName(ctx context.Context, databaseID, name string) (*ApiStructure, error) {
	row := c.Pool.QueryRow(ctx,
		apiSelect+` WHERE a.database_id = $1::uuid AND a.name = $2 AND NOT a.is_public`,
		databaseID, name,
	)
	api, err := scanAPI(row)
	if err != nil {
		return nil, err
	}
	return api, nil
}

func (c *PGCatalog) APIsByDomain(ctx context.Context, domain, subdomain string, isPublic bool) ([]*ApiStructure, error) {
	rows, err := c.Pool.Query(ctx,
		apiSelect+`
  JOIN services_public.domains d ON d.api_id = a.id
 WHERE d.domain = $1
   AND d.subdomain IS NOT DISTINCT FROM NULLIF($2, '')
   AND a.is_public = $3`,
		domain, subdomain, isPublic,
	)
	if err != nil {
		return nil, fmt.Errorf("querying apis by domain: %w", err)
	}
	defer rows.Close()

	var out []*ApiStructure
	for rows.Next() {
		api, err := scanAPI(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, api)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading apis by domain: %w", err)
	}
	return out, nil
}

func (c *PGCatalog) DomainKeys(ctx context.Context, databaseID string) ([]string, error) {
	rows, err := c.Pool.Query(ctx,
		`SELECT d.domain, COALESCE(d.subdomain, '')
		   FROM services_public.domains d
		   JOIN services_public.apis a ON a.id = d.api_id
		  WHERE a.database_id = $1::uuid`,
		databaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying domains for database %s: %w", databaseID, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var domain, subdomain string
		if err := rows.Scan(&domain, &subdomain); err != nil {
			return nil, fmt.Errorf("scanning domain row: %w", err)
		}
		keys = append(keys, DomainKey(domain, subdomain))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading domain rows: %w", err)
	}
	return keys, nil
}

func scanAPI(row pgx.Row) (*ApiStructure, error) {
	var (
		api        ApiStructure
		schemas    []string
		modulesRaw []byte
		domains    []string
	)
	if err := row.Scan(&api.DatabaseID, &api.Dbname, &api.AnonRole, &api.AuthRole,
		&api.IsPublic, &schemas, &modulesRaw, &domains); err != nil {
		return nil, err
	}

	var modules []struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(modulesRaw, &modules); err != nil {
		return nil, fmt.Errorf("decoding api modules: %w", err)
	}
	for _, m := range modules {
		if m.Name == "rls" {
			rls := &RLSModule{}
			if err := json.Unmarshal(m.Data, rls); err != nil {
				return nil, fmt.Errorf("decoding rls module: %w", err)
			}
			api.RLS = rls
			continue
		}
		api.Modules = append(api.Modules, Module{Name: m.Name, Data: m.Data})
	}

	api.Schemas = schemas
	api.Domains = domains
	return &api, nil
}
