package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarhandoff/backend/internal/db"
	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/features"
)

func fromMap(values map[string]string) getter {
	return func(key, fallback string) string {
		if v, ok := values[key]; ok {
			return v
		}
		return fallback
	}
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := load(fromMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8090", cfg.AgentAddr)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 15*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 10*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, time.Second, cfg.FlushDelay)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
	assert.Equal(t, "json", cfg.QueueCodec)
	assert.Equal(t, db.DialectSQLite, cfg.DBDriver)
	assert.Equal(t, features.GA, cfg.FeaturePhase)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Empty(t, cfg.ProbeURL())
	assert.Empty(t, cfg.QueueEncryptionKey)
}

func TestLoad_queueEncryptionKey(t *testing.T) {
	cfg, err := load(fromMap(map[string]string{"QUEUE_ENCRYPTION_KEY": "s3cret"}))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.QueueEncryptionKey)
}

func TestLoad_overrides(t *testing.T) {
	cfg, err := load(fromMap(map[string]string{
		"ENVIRONMENT":        "production",
		"REMOTE_URL":         "https://handoff.example/",
		"SYNC_INTERVAL":      "45s",
		"MAX_RETRIES":        "5",
		"STORE_BACKEND":      "Redis",
		"QUEUE_CODEC":        "msgpack",
		"REMOTE_RATE":        "2.5",
		"WS_ALLOWED_ORIGINS": "ward.example, ,nurses.example:443",
		"DB_DRIVER":          "postgres",
		"DATABASE_URL":       "postgres://localhost/handoff",
		"FEATURE_PHASE":      "beta",
	}))
	require.NoError(t, err)

	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 45*time.Second, cfg.SyncInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, StoreRedis, cfg.StoreBackend)
	assert.Equal(t, 2.5, cfg.RemoteRate)
	assert.Equal(t, []string{"ward.example", "nurses.example:443"}, cfg.AllowedOrigins)
	assert.Equal(t, db.DialectPostgres, cfg.DBDriver)
	assert.Equal(t, features.Beta, cfg.FeaturePhase)
	assert.Equal(t, "https://handoff.example/api/health", cfg.ProbeURL())
}

func TestLoad_healthURLWins(t *testing.T) {
	cfg, err := load(fromMap(map[string]string{
		"REMOTE_URL": "https://handoff.example",
		"HEALTH_URL": "https://status.example/ping",
	}))
	require.NoError(t, err)
	assert.Equal(t, "https://status.example/ping", cfg.ProbeURL())
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{"bad duration", map[string]string{"SYNC_INTERVAL": "soon"}},
		{"zero interval", map[string]string{"PROBE_INTERVAL": "0s"}},
		{"negative flush delay", map[string]string{"FLUSH_DELAY": "-1s"}},
		{"bad retries", map[string]string{"MAX_RETRIES": "three"}},
		{"zero retries", map[string]string{"MAX_RETRIES": "0"}},
		{"bad rate", map[string]string{"REMOTE_RATE": "fast"}},
		{"negative rate", map[string]string{"REMOTE_RATE": "-1"}},
		{"unknown store", map[string]string{"STORE_BACKEND": "etcd"}},
		{"unknown codec", map[string]string{"QUEUE_CODEC": "xml"}},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres"}},
		{"unknown phase", map[string]string{"FEATURE_PHASE": "canary"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(fromMap(tt.values))
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfig), "got %v", err)
		})
	}
}

func TestLoadConfig_yamlFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync_interval: 45s
MAX_RETRIES: 4
QUEUE_CODEC: msgpack
WS_ALLOWED_ORIGINS:
  - ward.example
  - nurses.example
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_RETRIES", "6")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.SyncInterval)
	assert.Equal(t, 6, cfg.MaxRetries, "environment wins over the file")
	assert.Equal(t, "msgpack", cfg.QueueCodec)
	assert.Equal(t, []string{"ward.example", "nurses.example"}, cfg.AllowedOrigins)
}

func TestLoadConfig_badFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("SYNC_INTERVAL: [unclosed"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	_, err = LoadConfig()
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}
