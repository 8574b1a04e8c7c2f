// Package config loads agent and server settings from the environment, an
// optional .env file and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sbarhandoff/backend/internal/db"
	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/features"
	"github.com/sbarhandoff/backend/internal/sync/codec"
)

// Store backends for the agent's queue.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	Environment string
	LogLevel    string

	AgentAddr  string
	ServerAddr string

	// Agent
	RemoteURL      string
	HealthURL      string
	RemoteTimeout  time.Duration
	RemoteRate     float64
	RemoteBurst    int
	ProbeInterval  time.Duration
	SyncInterval   time.Duration
	FlushDelay     time.Duration
	MaxRetries     int
	StoreBackend   string
	DataDir        string
	RedisURL       string
	RedisNamespace string
	QueueCodec     string
	AllowedOrigins []string
	FeaturePhase   features.Phase

	// QueueEncryptionKey seals the persisted queue when set.
	QueueEncryptionKey string

	// Server
	DBDriver    db.Dialect
	DatabaseURL string
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// LoadConfig reads .env when present, then CONFIG_FILE when set, then the
// environment. Environment variables win over the YAML file.
func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	file := map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if file, err = readFile(path); err != nil {
			return nil, err
		}
	}
	return load(lookup(file))
}

// readFile parses a flat YAML mapping whose keys are the environment
// variable names, e.g. "SYNC_INTERVAL: 45s".
func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read config file", err)
	}

	var values map[string]interface{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("invalid config file %s", path), err)
	}

	file := make(map[string]string, len(values))
	for k, v := range values {
		switch v := v.(type) {
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			file[strings.ToUpper(k)] = strings.Join(parts, ",")
		case nil:
		default:
			file[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	return file, nil
}

type getter func(key, fallback string) string

func lookup(file map[string]string) getter {
	return func(key, fallback string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		if value, exists := file[key]; exists {
			return value
		}
		return fallback
	}
}

func load(getEnv getter) (*Config, error) {
	p := &parser{getEnv: getEnv}

	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AgentAddr:      getEnv("AGENT_ADDR", ":8090"),
		ServerAddr:     getEnv("SERVER_ADDR", ":8080"),
		RemoteURL:      getEnv("REMOTE_URL", ""),
		HealthURL:      getEnv("HEALTH_URL", ""),
		RemoteTimeout:  p.duration("REMOTE_TIMEOUT", "15s"),
		RemoteRate:     p.float("REMOTE_RATE", "0"),
		RemoteBurst:    p.int("REMOTE_BURST", "1"),
		ProbeInterval:  p.duration("PROBE_INTERVAL", "10s"),
		SyncInterval:   p.duration("SYNC_INTERVAL", "30s"),
		FlushDelay:     p.duration("FLUSH_DELAY", "1s"),
		MaxRetries:     p.int("MAX_RETRIES", "3"),
		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite)),
		DataDir:        getEnv("DATA_DIR", "./data"),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisNamespace: getEnv("REDIS_NAMESPACE", "handoff"),
		QueueCodec:     strings.ToLower(getEnv("QUEUE_CODEC", "json")),
		AllowedOrigins: splitList(getEnv("WS_ALLOWED_ORIGINS", "")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
	}

	cfg.QueueEncryptionKey = getEnv("QUEUE_ENCRYPTION_KEY", "")

	if dialect, err := db.ParseDialect(getEnv("DB_DRIVER", "sqlite")); err != nil {
		p.fail("DB_DRIVER", err)
	} else {
		cfg.DBDriver = dialect
	}
	if phase, err := features.ParsePhase(getEnv("FEATURE_PHASE", "ga")); err != nil {
		p.fail("FEATURE_PHASE", err)
	} else {
		cfg.FeaturePhase = phase
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreSQLite, StoreMemory, StoreRedis:
	default:
		return invalid("STORE_BACKEND", fmt.Errorf("unsupported store backend %q", c.StoreBackend))
	}
	if _, err := codec.ByName(c.QueueCodec); err != nil {
		return invalid("QUEUE_CODEC", err)
	}
	if c.MaxRetries < 1 {
		return invalid("MAX_RETRIES", fmt.Errorf("must be at least 1, got %d", c.MaxRetries))
	}
	for key, d := range map[string]time.Duration{
		"REMOTE_TIMEOUT": c.RemoteTimeout,
		"PROBE_INTERVAL": c.ProbeInterval,
		"SYNC_INTERVAL":  c.SyncInterval,
	} {
		if d <= 0 {
			return invalid(key, fmt.Errorf("must be positive, got %s", d))
		}
	}
	if c.FlushDelay < 0 {
		return invalid("FLUSH_DELAY", fmt.Errorf("must not be negative, got %s", c.FlushDelay))
	}
	if c.RemoteRate < 0 {
		return invalid("REMOTE_RATE", fmt.Errorf("must not be negative, got %v", c.RemoteRate))
	}
	if c.DBDriver == db.DialectPostgres && c.DatabaseURL == "" {
		return invalid("DATABASE_URL", fmt.Errorf("required when DB_DRIVER is postgres"))
	}
	return nil
}

// ProbeURL returns the URL the connectivity prober polls: HEALTH_URL, or the
// remote's /api/health.
func (c *Config) ProbeURL() string {
	if c.HealthURL != "" {
		return c.HealthURL
	}
	if c.RemoteURL == "" {
		return ""
	}
	return strings.TrimRight(c.RemoteURL, "/") + "/api/health"
}

type parser struct {
	getEnv getter
	err    error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = invalid(key, err)
	}
}

func (p *parser) duration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(p.getEnv(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) int(key, fallback string) int {
	n, err := strconv.Atoi(strings.TrimSpace(p.getEnv(key, fallback)))
	if err != nil {
		p.fail(key, err)
	}
	return n
}

func (p *parser) float(key, fallback string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(p.getEnv(key, fallback)), 64)
	if err != nil {
		p.fail(key, err)
	}
	return f
}

func invalid(key string, err error) error {
	return apperrors.Wrap(apperrors.ErrConfig, "invalid "+key, err)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
