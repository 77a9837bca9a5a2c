package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Debug bool   `env:"DEBUG" env-default:"false"`
	Port  string `env:"FUNCTIONS_CUSTOMHANDLER_PORT" env-default:"8080"`

	PG      PGConfig
	Redis   RedisConfig
	Storage StorageConfig
	Auth    AuthConfig
	Events  EventsConfig
	Move    MoveConfig
}

type PGConfig struct {
	// DSN selects the Postgres repository. Empty runs on the in-memory store.
	DSN      string `env:"PG_DSN"`
	MaxConns int32  `env:"PG_MAX_CONNS" env-default:"10"`
}

type RedisConfig struct {
	// ConnectionString is either a redis:// URL or the Azure form
	// "host:port,password=...,ssl=true".
	ConnectionString string        `env:"REDIS_CONNECTION_STRING" env-required:"true"`
	DeduperTTL       time.Duration `env:"DEDUPER_TTL" env-default:"24h"`
	ViewerBuffer     int           `env:"VIEWER_BUFFER" env-default:"64"`
}

type StorageConfig struct {
	ConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	AuditTable       string `env:"AUDIT_TABLE"`
	DeadLetterQueue  string `env:"HANDLER_DEADLETTER_QUEUE"`
}

type AuthConfig struct {
	Domain      string        `env:"AUTH0_DOMAIN"`
	Audience    string        `env:"AUTH0_AUDIENCE"`
	TestMode    bool          `env:"AUTH0_TEST_MODE" env-default:"false"`
	TestSecret  string        `env:"TEST_JWT_SECRET"`
	KeyCacheTTL time.Duration `env:"JWKS_KEY_CACHE_TTL" env-default:"5m"`
}

type EventsConfig struct {
	Workers        int           `env:"EVENT_WORKERS" env-default:"4"`
	Buffer         int           `env:"EVENT_BUFFER" env-default:"1024"`
	HandoffTimeout time.Duration `env:"EVENT_HANDOFF_TIMEOUT" env-default:"50ms"`
	HandlerTimeout time.Duration `env:"EVENT_HANDLER_TIMEOUT" env-default:"5s"`
}

type MoveConfig struct {
	MaxAttempts  int           `env:"MOVE_MAX_ATTEMPTS" env-default:"4"`
	RetryInitial time.Duration `env:"MOVE_RETRY_INITIAL" env-default:"20ms"`
	RetryMax     time.Duration `env:"MOVE_RETRY_MAX" env-default:"500ms"`
}

func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Auth.TestMode {
		if c.Auth.TestSecret == "" {
			return fmt.Errorf("TEST_JWT_SECRET is required when AUTH0_TEST_MODE is set")
		}
	} else if c.Auth.Domain == "" || c.Auth.Audience == "" {
		return fmt.Errorf("missing Auth0 config")
	}
	if c.Events.Workers <= 0 || c.Events.Buffer <= 0 {
		return fmt.Errorf("EVENT_WORKERS and EVENT_BUFFER must be greater than zero")
	}
	if c.Redis.DeduperTTL <= 0 {
		return fmt.Errorf("invalid DEDUPER_TTL: must be greater than zero")
	}
	if (c.Storage.AuditTable != "" || c.Storage.DeadLetterQueue != "") && c.Storage.ConnectionString == "" {
		return fmt.Errorf("STORAGE_CONNECTION_STRING is required for AUDIT_TABLE or HANDLER_DEADLETTER_QUEUE")
	}
	if _, err := ParseRedis(c.Redis.ConnectionString); err != nil {
		return fmt.Errorf("REDIS_CONNECTION_STRING: %w", err)
	}
	return nil
}

// JWKSURL is the Auth0 key set for the configured tenant.
func (a AuthConfig) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

// Issuer is the token issuer Auth0 stamps for the tenant.
func (a AuthConfig) Issuer() string {
	return "https://" + a.Domain + "/"
}

// ParseRedis accepts a redis:// or rediss:// URL, falling back to the Azure
// Cache connection string format.
func ParseRedis(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, fmt.Errorf("empty connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if parts[0] == "" || strings.Contains(parts[0], "://") {
		return nil, fmt.Errorf("unrecognised connection string")
	}
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
