package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/graphgate/pkg/apierr"
	"github.com/wisbric/graphgate/pkg/cache"
)

type fakeCatalog struct {
	schemas   map[string]bool
	byName    map[string]*ApiStructure // "dbid/name"
	byDomain  map[string][]*ApiStructure
	schemaErr error
	lookups   int
}

func (f *fakeCatalog) ValidSchemas(ctx context.Context, candidates []string) ([]string, error) {
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	var out []string
	for _, s := range candidates {
		if f.schemas[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeCatalog) APIByName(ctx context.Context, databaseID, name string) (*ApiStructure, error) {
	f.lookups++
	if api, ok := f.byName[databaseID+"/"+name]; ok {
		clone := *api
		return &clone, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeCatalog) APIsByDomain(ctx context.Context, domain, subdomain string, isPublic bool) ([]*ApiStructure, error) {
	f.lookups++
	var out []*ApiStructure
	for _, api := range f.byDomain[DomainKey(domain, subdomain)] {
		clone := *api
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeCatalog) DomainKeys(ctx context.Context, databaseID string) ([]string, error) {
	return nil, nil
}

func testResolver(cat Catalog, opts Options) *Resolver {
	c := cache.New(cache.Config[*ApiStructure]{MaxEntries: 100})
	return NewResolver(cat, c, opts, slog.New(slog.DiscardHandler), nil)
}

func tenantAPI() *ApiStructure {
	return &ApiStructure{
		DatabaseID: "d1",
		Dbname:     "shop_db",
		AnonRole:   "anon",
		AuthRole:   "member",
		Schemas:    []string{"shop", "shop", "", "billing"},
		Domains:    []string{"shop.example.com", "localhost:3000"},
		IsPublic:   true,
	}
}

func TestResolveByDomain(t *testing.T) {
	cat := &fakeCatalog{
		schemas:  map[string]bool{"services_public": true},
		byDomain: map[string][]*ApiStructure{"shop.example.com": {tenantAPI()}},
	}
	rs := testResolver(cat, Options{IsPublic: true, MetaSchemas: []string{"services_public"}})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Host = "shop.example.com"

	api, key, err := rs.Resolve(r)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "shop.example.com" {
		t.Fatalf("key = %q", key)
	}
	if got := api.Schemas; len(got) != 2 || got[0] != "shop" || got[1] != "billing" {
		t.Fatalf("Schemas not deduplicated: %v", got)
	}
	if got := api.Domains; got[0] != "https://shop.example.com" || got[1] != "http://localhost:3000" {
		t.Fatalf("Domains not canonical: %v", got)
	}

	// Second resolve is served from the cache.
	if _, _, err := rs.Resolve(r); err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
	if cat.lookups != 1 {
		t.Fatalf("catalog consulted %d times, want 1", cat.lookups)
	}
}

func TestResolveDomainNotFound(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{"services_public": true}}
	rs := testResolver(cat, Options{IsPublic: true, MetaSchemas: []string{"services_public"}})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Host = "missing.example.com"

	_, _, err := rs.Resolve(r)
	if !apierr.IsKind(err, apierr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestResolveDomainAmbiguous(t *testing.T) {
	cat := &fakeCatalog{
		schemas:  map[string]bool{"services_public": true},
		byDomain: map[string][]*ApiStructure{"shop.example.com": {tenantAPI(), tenantAPI()}},
	}
	rs := testResolver(cat, Options{IsPublic: true, MetaSchemas: []string{"services_public"}})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Host = "shop.example.com"

	_, _, err := rs.Resolve(r)
	if !apierr.IsKind(err, apierr.KindAmbiguous) {
		t.Fatalf("err = %v, want ambiguous", err)
	}
}

func TestResolveByAPIName(t *testing.T) {
	api := tenantAPI()
	api.IsPublic = false
	cat := &fakeCatalog{
		schemas: map[string]bool{"services_public": true},
		byName:  map[string]*ApiStructure{"d1/shop": api},
	}
	rs := testResolver(cat, Options{IsPublic: false, MetaSchemas: []string{"services_public"}})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Api-Name", "shop")
	r.Header.Set("X-Database-Id", "d1")

	got, key, err := rs.Resolve(r)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "api:d1:shop" {
		t.Fatalf("key = %q", key)
	}
	if got.Dbname != "shop_db" {
		t.Fatalf("Dbname = %q", got.Dbname)
	}
}

func TestResolveAPINameMissing(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{"services_public": true}}
	rs := testResolver(cat, Options{IsPublic: false, MetaSchemas: []string{"services_public"}})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Api-Name", "ghost")
	r.Header.Set("X-Database-Id", "d1")

	_, _, err := rs.Resolve(r)
	if !apierr.IsKind(err, apierr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestResolveSchemata(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{
		"services_public": true, "shop": true, "billing": true,
	}}
	rs := testResolver(cat, Options{
		IsPublic:       false,
		MetaSchemas:    []string{"services_public"},
		MetadataDbname: "services",
	})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Schemata", "shop, billing")
	r.Header.Set("X-Database-Id", "d1")

	api, key, err := rs.Resolve(r)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "schemata:d1:shop,billing" {
		t.Fatalf("key = %q", key)
	}
	if api.AuthRole != DefaultAdminRole || api.Dbname != "services" {
		t.Fatalf("admin structure = %+v", api)
	}
	if len(api.Schemas) != 2 {
		t.Fatalf("Schemas = %v", api.Schemas)
	}
}

func TestResolveSchemataRejectsUnknown(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{
		"services_public": true, "shop": true,
	}}
	rs := testResolver(cat, Options{
		IsPublic:       false,
		MetaSchemas:    []string{"services_public"},
		MetadataDbname: "services",
	})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Schemata", "shop,secret_schema")

	_, _, err := rs.Resolve(r)
	if !apierr.IsKind(err, apierr.KindAccessDenied) {
		t.Fatalf("err = %v, want access denied", err)
	}
}

func TestResolveSchemataEmptyHeader(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{"services_public": true}}
	rs := testResolver(cat, Options{IsPublic: false, MetaSchemas: []string{"services_public"}})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Schemata", "")

	_, _, err := rs.Resolve(r)
	if !apierr.IsKind(err, apierr.KindNoValidSchemas) {
		t.Fatalf("err = %v, want no valid schemas", err)
	}
}

func TestResolveMetaSchema(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{"services_public": true}}
	rs := testResolver(cat, Options{
		IsPublic:          false,
		MetaSchemas:       []string{"services_public"},
		MetadataDbname:    "services",
		EnableServicesAPI: true,
	})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Meta-Schema", "1")
	r.Header.Set("X-Database-Id", "d1")

	api, key, err := rs.Resolve(r)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "metaschema:api:d1" {
		t.Fatalf("key = %q", key)
	}
	if len(api.Schemas) != 1 || api.Schemas[0] != "services_public" {
		t.Fatalf("Schemas = %v", api.Schemas)
	}
}

func TestResolveMetaSchemaDisabled(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{"services_public": true}}
	rs := testResolver(cat, Options{
		IsPublic:    false,
		MetaSchemas: []string{"services_public"},
	})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Meta-Schema", "1")

	_, _, err := rs.Resolve(r)
	if !apierr.IsKind(err, apierr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestResolveNoMetaSchemasProvisioned(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{}}
	rs := testResolver(cat, Options{IsPublic: true, MetaSchemas: []string{"services_public"}})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Host = "shop.example.com"

	_, _, err := rs.Resolve(r)
	if !apierr.IsKind(err, apierr.KindNoValidSchemas) {
		t.Fatalf("err = %v, want no valid schemas", err)
	}
}

func TestResolveSchemaQueryErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind apierr.Kind
	}{
		{"missing relation", errors.New(`relation "services_public.apis" does not exist`), apierr.KindNotFound},
		{"connection refused", errors.New("dial tcp: connection refused"), apierr.KindUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := &fakeCatalog{schemaErr: tt.err}
			rs := testResolver(cat, Options{IsPublic: true, MetaSchemas: []string{"services_public"}})

			r := httptest.NewRequest("POST", "/graphql", nil)
			r.Host = "shop.example.com"

			_, _, err := rs.Resolve(r)
			if !apierr.IsKind(err, tt.kind) {
				t.Fatalf("err = %v, want kind %v", err, tt.kind)
			}
		})
	}
}

func TestResolveErrorsNotCached(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{"services_public": true}}
	rs := testResolver(cat, Options{IsPublic: true, MetaSchemas: []string{"services_public"}})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Host = "missing.example.com"

	for i := 0; i < 2; i++ {
		if _, _, err := rs.Resolve(r); err == nil {
			t.Fatal("expected error")
		}
	}
	if cat.lookups != 2 {
		t.Fatalf("catalog consulted %d times, want 2 (failures must not be cached)", cat.lookups)
	}
}

func TestAdminGateAPIKey(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{"services_public": true, "shop": true}}
	rs := testResolver(cat, Options{
		IsPublic:       false,
		MetaSchemas:    []string{"services_public"},
		MetadataDbname: "services",
		AdminAPIKey:    "topsecret",
	})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Schemata", "shop")

	_, _, err := rs.Resolve(r)
	if !apierr.IsKind(err, apierr.KindAdminAuthRequired) {
		t.Fatalf("err = %v, want admin auth required", err)
	}

	r.Header.Set("Authorization", "Bearer wrong")
	if _, _, err := rs.Resolve(r); !apierr.IsKind(err, apierr.KindAdminAuthRequired) {
		t.Fatalf("err = %v, want admin auth required", err)
	}

	r.Header.Set("Authorization", "Bearer topsecret")
	if _, _, err := rs.Resolve(r); err != nil {
		t.Fatalf("Resolve with valid key: %v", err)
	}
}

func TestAdminGateIPAllowlist(t *testing.T) {
	cat := &fakeCatalog{schemas: map[string]bool{"services_public": true, "shop": true}}
	rs := testResolver(cat, Options{
		IsPublic:        false,
		MetaSchemas:     []string{"services_public"},
		MetadataDbname:  "services",
		AdminAllowedIPs: []string{"10.0.0.5"},
	})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Schemata", "shop")
	r.RemoteAddr = "192.168.1.9:51234"

	if _, _, err := rs.Resolve(r); !apierr.IsKind(err, apierr.KindAdminAuthRequired) {
		t.Fatalf("err = %v, want admin auth required", err)
	}

	r.RemoteAddr = "10.0.0.5:51234"
	if _, _, err := rs.Resolve(r); err != nil {
		t.Fatalf("Resolve from allowed IP: %v", err)
	}
}

func TestAdminGateForwardedHeader(t *testing.T) {
	newResolver := func(trustProxy bool) *Resolver {
		cat := &fakeCatalog{schemas: map[string]bool{"services_public": true, "shop": true}}
		return testResolver(cat, Options{
			IsPublic:        false,
			MetaSchemas:     []string{"services_public"},
			MetadataDbname:  "services",
			AdminAllowedIPs: []string{"10.0.0.5"},
			TrustProxy:      trustProxy,
		})
	}

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-Schemata", "shop")
	r.Header.Set("X-Forwarded-For", "10.0.0.5")
	r.RemoteAddr = "192.168.1.9:51234"

	// Spoofed header from an untrusted peer must not open the gate.
	if _, _, err := newResolver(false).Resolve(r); !apierr.IsKind(err, apierr.KindAdminAuthRequired) {
		t.Fatalf("err = %v, want admin auth required", err)
	}

	// Behind a trusted proxy the forwarded address is the client.
	if _, _, err := newResolver(true).Resolve(r); err != nil {
		t.Fatalf("Resolve behind trusted proxy: %v", err)
	}
}

func TestResolveAppliesConfigDefaults(t *testing.T) {
	api := tenantAPI()
	api.AnonRole = ""
	api.AuthRole = ""
	api.Schemas = nil
	cat := &fakeCatalog{
		schemas:  map[string]bool{"services_public": true},
		byDomain: map[string][]*ApiStructure{"shop.example.com": {api}},
	}
	rs := testResolver(cat, Options{
		IsPublic:        true,
		MetaSchemas:     []string{"services_public"},
		DefaultAnonRole: "anonymous",
		DefaultAuthRole: "authenticated",
		ExposedSchemas:  []string{"app_public"},
	})

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Host = "shop.example.com"

	got, _, err := rs.Resolve(r)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.AnonRole != "anonymous" || got.AuthRole != "authenticated" {
		t.Fatalf("roles = %q/%q", got.AnonRole, got.AuthRole)
	}
	if len(got.Schemas) != 1 || got.Schemas[0] != "app_public" {
		t.Fatalf("Schemas = %v", got.Schemas)
	}
}
