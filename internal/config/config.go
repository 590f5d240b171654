package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all graphgate configuration, loaded from the environment.
type Config struct {
	Mode string `env:"APP_MODE" envDefault:"api"`

	// Server
	Host       string `env:"APP_HOST" envDefault:"0.0.0.0"`
	Port       int    `env:"APP_PORT" envDefault:"8080"`
	TrustProxy bool   `env:"SERVER_TRUST_PROXY" envDefault:"false"`
	StrictAuth bool   `env:"SERVER_STRICT_AUTH" envDefault:"false"`

	// Metadata database. DATABASE_URL wins when set; otherwise the DSN is
	// assembled from the discrete PG* fields.
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5432"`
	PGUser      string `env:"PGUSER" envDefault:"postgres"`
	PGPassword  string `env:"PGPASSWORD"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"graphgate"`
	PGSSLMode   string `env:"PGSSLMODE" envDefault:"disable"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Routing behaviour
	IsPublic          bool     `env:"API_IS_PUBLIC" envDefault:"true"`
	MetaSchemas       []string `env:"API_META_SCHEMAS" envDefault:"services_public" envSeparator:","`
	EnableServicesAPI bool     `env:"API_ENABLE_SERVICES" envDefault:"true"`
	ExposedSchemas    []string `env:"API_EXPOSED_SCHEMAS" envSeparator:","`
	AnonRole          string   `env:"API_ANON_ROLE" envDefault:"anonymous"`
	RoleName          string   `env:"API_ROLE_NAME" envDefault:"authenticated"`
	DefaultDatabaseID string   `env:"API_DEFAULT_DATABASE_ID"`
	AdminAPIKey       string   `env:"ADMIN_API_KEY"`
	AdminAllowedIPs   []string `env:"ADMIN_ALLOWED_IPS" envSeparator:","`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Caches
	CacheSize int           `env:"CACHE_SIZE" envDefault:"1000"`
	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"0"`

	// Flush endpoint
	FlushSecret    string `env:"FLUSH_SECRET"`
	FlushRateLimit int    `env:"FLUSH_RATE_LIMIT" envDefault:"10"`

	// Cookie credentials
	CookieAuthEnabled bool   `env:"COOKIE_AUTH_ENABLED" envDefault:"false"`
	CookieName        string `env:"COOKIE_NAME" envDefault:"session"`

	// Invalidation listener
	ListenChannel       string        `env:"LISTEN_CHANNEL" envDefault:"schema:update"`
	ListenDegradedAfter time.Duration `env:"LISTEN_DEGRADED_AFTER" envDefault:"5m"`

	// Slack (operator notifications; empty token disables)
	SlackBotToken   string `env:"SLACK_BOT_TOKEN"`
	SlackOpsChannel string `env:"SLACK_OPS_CHANNEL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Migrations
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations/global"`

	// Dev mode relaxes error sanitization.
	DevMode bool `env:"DEV_MODE" envDefault:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetadataURL returns the metadata database DSN.
func (c *Config) MetadataURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.PGHost, c.PGPort),
		Path:   "/" + c.PGDatabase,
	}
	if c.PGPassword != "" {
		u.User = url.UserPassword(c.PGUser, c.PGPassword)
	} else {
		u.User = url.User(c.PGUser)
	}
	q := url.Values{}
	q.Set("sslmode", c.PGSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// TenantURL returns the DSN for a tenant database on the same cluster as
// the metadata database, with only the database name swapped.
func (c *Config) TenantURL(dbname string) (string, error) {
	u, err := url.Parse(c.MetadataURL())
	if err != nil {
		return "", fmt.Errorf("parsing metadata DSN: %w", err)
	}
	u.Path = "/" + dbname
	return u.String(), nil
}
