// Package config reads gatekeeper's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Event bus backends.
const (
	BusLog   = "log"
	BusRedis = "redis"
	BusKafka = "kafka"
)

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server captures everything main needs to wire the service.
type Server struct {
	Addr            string
	BaseURL         string
	LogLevel        string
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	AdminAPIToken   string

	JWKSURL          string
	Issuer           string
	Audience         string
	JWKSMaxAge       time.Duration
	JWKSCooldown     time.Duration
	JWKSFetchTimeout time.Duration
	TokenCacheSize   int
	TokenCacheTTL    time.Duration

	AuthBackendURL         string
	AuthBackendSessionPath string
	AuthBackendTimeout     time.Duration

	MaxSessions  int
	SessionStore string
	LockWait     time.Duration
	Redis        RedisConfig
	DatabaseURL  string

	EventBus     string
	KafkaBrokers []string
	EventsTopic  string

	errs []error
}

// FromEnv builds a Server config from environment variables.
// Malformed values are reported by Validate.
func FromEnv() Server {
	var cfg Server
	env := envReader{cfg: &cfg}

	cfg.Addr = env.str("GATEKEEPER_ADDR", ":8000")
	cfg.BaseURL = strings.TrimRight(env.str("BASE_URL", "http://localhost:8000"), "/")
	cfg.LogLevel = env.str("LOG_LEVEL", "info")
	cfg.ShutdownTimeout = env.duration("SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.CORSOrigins = env.list("CORS_ORIGIN", []string{"http://localhost:3000"})
	cfg.AdminAPIToken = os.Getenv("ADMIN_API_TOKEN")

	// Issuer and audience default to the base URL, the way the auth backend signs them.
	cfg.JWKSURL = env.str("JWKS_URL", cfg.BaseURL+"/api/auth/jwks")
	cfg.Issuer = env.str("JWT_ISSUER", cfg.BaseURL)
	cfg.Audience = env.str("JWT_AUDIENCE", cfg.BaseURL)
	cfg.JWKSMaxAge = env.duration("JWKS_MAX_AGE", 10*time.Minute)
	cfg.JWKSCooldown = env.duration("JWKS_COOLDOWN", 30*time.Second)
	cfg.JWKSFetchTimeout = env.duration("JWKS_FETCH_TIMEOUT", 5*time.Second)
	cfg.TokenCacheSize = env.integer("TOKEN_CACHE_SIZE", 10_000)
	cfg.TokenCacheTTL = env.duration("TOKEN_CACHE_TTL", time.Minute)

	cfg.AuthBackendURL = strings.TrimRight(env.str("AUTH_BACKEND_URL", cfg.BaseURL), "/")
	cfg.AuthBackendSessionPath = env.str("AUTH_BACKEND_SESSION_PATH", "/api/auth/get-session")
	cfg.AuthBackendTimeout = env.duration("AUTH_BACKEND_TIMEOUT", 2*time.Second)

	cfg.MaxSessions = env.integer("MAX_SESSIONS", 5)
	cfg.SessionStore = strings.ToLower(env.str("SESSION_STORE", StoreMemory))
	cfg.LockWait = env.duration("SESSION_LOCK_WAIT", 5*time.Second)
	cfg.Redis = RedisConfig{
		URL:          os.Getenv("REDIS_URL"),
		PoolSize:     env.integer("REDIS_POOL_SIZE", 10),
		MinIdleConns: env.integer("REDIS_MIN_IDLE_CONNS", 2),
		DialTimeout:  env.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  env.duration("REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: env.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.EventBus = strings.ToLower(env.str("EVENT_BUS", BusLog))
	cfg.KafkaBrokers = env.list("KAFKA_BROKERS", nil)
	cfg.EventsTopic = env.str("EVENTS_TOPIC", "user-events")

	return cfg
}

// Validate reports every malformed or inconsistent setting at once.
func (c Server) Validate() error {
	errs := append([]error(nil), c.errs...)

	for name, raw := range map[string]string{
		"BASE_URL":         c.BaseURL,
		"JWKS_URL":         c.JWKSURL,
		"AUTH_BACKEND_URL": c.AuthBackendURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, raw))
		}
	}
	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("MAX_SESSIONS must be at least 1, got %d", c.MaxSessions))
	}

	switch c.SessionStore {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("SESSION_STORE=redis requires REDIS_URL"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("SESSION_STORE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be one of memory, redis, postgres; got %q", c.SessionStore))
	}

	switch c.EventBus {
	case BusLog:
	case BusRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("EVENT_BUS=redis requires REDIS_URL"))
		}
	case BusKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("EVENT_BUS=kafka requires KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("EVENT_BUS must be one of log, redis, kafka; got %q", c.EventBus))
	}

	return errors.Join(errs...)
}

type envReader struct {
	cfg *Server
}

func (e envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e envReader) integer(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.cfg.errs = append(e.cfg.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.cfg.errs = append(e.cfg.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	if v <= 0 {
		e.cfg.errs = append(e.cfg.errs, fmt.Errorf("%s must be positive, got %s", key, raw))
		return def
	}
	return v
}

func (e envReader) list(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
