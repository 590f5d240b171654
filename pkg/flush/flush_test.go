package flush

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/graphgate/pkg/cache"
	"github.com/wisbric/graphgate/pkg/handler"
	"github.com/wisbric/graphgate/pkg/pgpool"
	"github.com/wisbric/graphgate/pkg/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testDispatcher() (*Dispatcher, *cache.Cache[*tenant.ApiStructure], *cache.Cache[*handler.Entry]) {
	pools := pgpool.NewRegistry(
		func(ctx context.Context, dbname string) (*pgxpool.Pool, error) { return nil, nil },
		testLogger(),
	)
	handlers := handler.NewCache(100, 0, pools, nil)
	services := NewServiceCache(100, 0, handlers, nil)
	return NewDispatcher(services, handlers, testLogger(), nil), services, handlers
}

func seed(services *cache.Cache[*tenant.ApiStructure], handlers *cache.Cache[*handler.Entry], key, databaseID string) {
	api := &tenant.ApiStructure{DatabaseID: databaseID, Dbname: databaseID + "_db"}
	services.Set(key, api)
	handlers.Set(key, &handler.Entry{API: api, Dbname: api.Dbname})
}

func TestFlushKey(t *testing.T) {
	d, services, handlers := testDispatcher()
	seed(services, handlers, "shop.example.com", "d1")
	seed(services, handlers, "blog.example.com", "d2")

	if n := d.FlushKey("test", "shop.example.com"); n != 2 {
		t.Fatalf("FlushKey = %d, want 2", n)
	}
	if _, ok := services.Get("shop.example.com"); ok {
		t.Fatal("service entry survived")
	}
	if _, ok := handlers.Get("shop.example.com"); ok {
		t.Fatal("handler entry survived")
	}
	if _, ok := services.Get("blog.example.com"); !ok {
		t.Fatal("unrelated entry evicted")
	}
}

func TestFlushDatabase(t *testing.T) {
	d, services, handlers := testDispatcher()
	seed(services, handlers, "shop.example.com", "d1")
	seed(services, handlers, "api:d1:shop", "d1")
	seed(services, handlers, "schemata:d1:shop,billing", "d1")
	seed(services, handlers, "metaschema:api:d1", "d1")
	seed(services, handlers, "blog.example.com", "d2")

	if n := d.FlushDatabase("test", "d1"); n != 8 {
		t.Fatalf("FlushDatabase = %d, want 8", n)
	}
	if services.Len() != 1 || handlers.Len() != 1 {
		t.Fatalf("remaining = %d services, %d handlers, want 1 each",
			services.Len(), handlers.Len())
	}
	if _, ok := services.Get("blog.example.com"); !ok {
		t.Fatal("other database's entry evicted")
	}
}

func TestServiceCacheEvictionCascades(t *testing.T) {
	pools := pgpool.NewRegistry(
		func(ctx context.Context, dbname string) (*pgxpool.Pool, error) { return nil, nil },
		testLogger(),
	)
	handlers := handler.NewCache(100, 0, pools, nil)
	services := NewServiceCache(100, 0, handlers, nil)
	seed(services, handlers, "shop.example.com", "d1")

	services.Delete("shop.example.com")
	if _, ok := handlers.Get("shop.example.com"); ok {
		t.Fatal("handler entry outlived its service entry")
	}

	// Replacing a service entry drops the handler built from the old one.
	seed(services, handlers, "shop.example.com", "d1")
	services.Set("shop.example.com", &tenant.ApiStructure{DatabaseID: "d1", Dbname: "shop_db"})
	if _, ok := handlers.Get("shop.example.com"); ok {
		t.Fatal("handler entry survived a service entry replacement")
	}
}

func TestFlushAll(t *testing.T) {
	d, services, handlers := testDispatcher()
	seed(services, handlers, "shop.example.com", "d1")
	seed(services, handlers, "blog.example.com", "d2")

	if n := d.FlushAll("test"); n != 4 {
		t.Fatalf("FlushAll = %d, want 4", n)
	}
	if services.Len() != 0 || handlers.Len() != 0 {
		t.Fatal("caches not empty after FlushAll")
	}
}

func newTestEndpoint(t *testing.T, secret string, maxAttempts int) (http.HandlerFunc, *Dispatcher, func(*tenant.ApiStructure, string)) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRateLimiter(rdb, maxAttempts, time.Minute)

	d, services, handlers := testDispatcher()
	add := func(api *tenant.ApiStructure, key string) {
		services.Set(key, api)
		handlers.Set(key, &handler.Entry{API: api, Dbname: api.Dbname})
	}
	cfg := EndpointConfig{
		Secret: secret,
		TenantKey: func(r *http.Request) string {
			return tenant.ParseIntent(r, true, "").Key
		},
	}
	return Handler(d, cfg, limiter, testLogger()), d, add
}

func flushCall(h http.HandlerFunc, host, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest("POST", "/flush", &buf)
	r.Host = host
	r.RemoteAddr = "203.0.113.7:40000"
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func TestFlushEndpoint(t *testing.T) {
	h, _, add := newTestEndpoint(t, "s3cret", 10)
	add(&tenant.ApiStructure{DatabaseID: "d1", Dbname: "shop_db"}, "shop.example.com")

	w := flushCall(h, "shop.example.com", "s3cret", flushRequest{Key: "shop.example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["flushed"] != 2 {
		t.Fatalf("flushed = %d, want 2", resp["flushed"])
	}
}

func TestFlushEndpointEmptyBodyTargetsOwnTenant(t *testing.T) {
	h, d, add := newTestEndpoint(t, "s3cret", 10)
	add(&tenant.ApiStructure{DatabaseID: "d1", Dbname: "shop_db"}, "shop.example.com")
	add(&tenant.ApiStructure{DatabaseID: "d2", Dbname: "blog_db"}, "blog.example.com")

	w := flushCall(h, "shop.example.com", "s3cret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["flushed"] != 2 {
		t.Fatalf("flushed = %d, want only the caller's tenant", resp["flushed"])
	}
	if _, ok := d.services.Get("blog.example.com"); !ok {
		t.Fatal("unrelated tenant evicted")
	}
	if _, ok := d.services.Get("shop.example.com"); ok {
		t.Fatal("caller's tenant survived")
	}
}

func TestFlushEndpointRejectsBadSecret(t *testing.T) {
	h, _, _ := newTestEndpoint(t, "s3cret", 10)

	if w := flushCall(h, "shop.example.com", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if w := flushCall(h, "shop.example.com", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status for missing token = %d, want 401", w.Code)
	}
}

func TestFlushEndpointRejectsWhenUnconfigured(t *testing.T) {
	h, _, _ := newTestEndpoint(t, "", 10)
	if w := flushCall(h, "shop.example.com", "anything", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with no secret configured", w.Code)
	}
}

func TestFlushEndpointRateLimit(t *testing.T) {
	h, _, _ := newTestEndpoint(t, "s3cret", 3)

	// Failed attempts count against the limit too.
	for i := 0; i < 3; i++ {
		if w := flushCall(h, "shop.example.com", "wrong", nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d", i, w.Code)
		}
	}
	if w := flushCall(h, "shop.example.com", "s3cret", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}
