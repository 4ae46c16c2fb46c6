package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/plotcache/cache"
	"github.com/agentuity/plotcache/logger"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plotcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cache.ScopeProcess, cfg.DefaultScope())
	assert.Equal(t, ByteSize(10_000_000), cfg.MaxBytes)
	assert.Equal(t, ByteSize(100_000_000), cfg.PersistentMaxBytes)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.QueryTimeout))
	assert.False(t, cfg.HasPersistentBackend())

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, []int{100, 150, 220, 320, 460, 650, 920, 1300, 1600}, policy.Ladder())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "process", cfg.Scope)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
scope: persistent
persistentPath: /tmp/plots.db
maxBytes: 8Mi
persistentMaxBytes: 1G
queryTimeout: 1m30s
breakerCooldown: 1d
breakerFailures: 3
sizeLadder: [64, 128, 256]
logFormat: json
imageFit: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cache.ScopePersistent, cfg.DefaultScope())
	assert.Equal(t, ByteSize(8*1024*1024), cfg.MaxBytes)
	assert.Equal(t, ByteSize(1_000_000_000), cfg.PersistentMaxBytes)
	assert.Equal(t, 90*time.Second, time.Duration(cfg.QueryTimeout))
	assert.Equal(t, 24*time.Hour, cfg.Breaker().Cooldown)
	assert.Equal(t, 3, cfg.Breaker().MaxFailures)
	assert.True(t, cfg.ImageFit)
	assert.Equal(t, "plotcache", cfg.RedisPrefix, "unset keys keep their default")

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, []int{64, 128, 256}, policy.Ladder())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestLoadBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"quantity": "maxBytes: lots\n",
		"negative": "maxBytes: -1\n",
		"duration": "queryTimeout: soon\n",
		"yaml":     "scope: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PLOTCACHE_SCOPE", "session")
	t.Setenv("PLOTCACHE_MAX_BYTES", "2M")
	t.Setenv("PLOTCACHE_QUERY_TIMEOUT", "250ms")
	t.Setenv("PLOTCACHE_IMAGE_FIT", "true")
	t.Setenv("PLOTCACHE_REDIS_PREFIX", "tenant-a")
	t.Setenv("PLOTCACHE_OTLP_ENDPOINT", "http://localhost:4318")

	cfg, err := Load(writeConfig(t, "scope: process\nmaxBytes: 1M\n"))
	require.NoError(t, err)
	assert.Equal(t, cache.ScopeSession, cfg.DefaultScope())
	assert.Equal(t, ByteSize(2_000_000), cfg.MaxBytes)
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.QueryTimeout))
	assert.True(t, cfg.ImageFit)
	assert.Equal(t, "tenant-a", cfg.RedisPrefix)
	assert.Equal(t, "http://localhost:4318", cfg.OTLPEndpoint)
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("PLOTCACHE_BREAKER_FAILURES", "many")
	_, err := Load("")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *Config){
		"unknown scope":        func(c *Config) { c.Scope = "galaxy" },
		"empty scope":          func(c *Config) { c.Scope = "" },
		"both backends":        func(c *Config) { c.PersistentPath = "a.db"; c.RedisURL = "redis://localhost" },
		"persistent unbacked":  func(c *Config) { c.Scope = "persistent" },
		"zero maxBytes":        func(c *Config) { c.MaxBytes = 0 },
		"bad ratio":            func(c *Config) { c.GrowthRatio = 1 },
		"bad ladder":           func(c *Config) { c.SizeLadder = []int{200, 100} },
		"bad log format":       func(c *Config) { c.LogFormat = "xml" },
		"zero query timeout":   func(c *Config) { c.QueryTimeout = 0 },
		"negative persistence": func(c *Config) { c.PersistentMaxBytes = -1 },
		"grpc otlp endpoint":   func(c *Config) { c.OTLPEndpoint = "grpc://collector:4317" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	buf, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(buf), "maxBytes: 10M")
	assert.Contains(t, string(buf), "queryTimeout: 5s")

	var back Config
	require.NoError(t, yaml.Unmarshal(buf, &back))
	assert.Equal(t, *cfg, back)
}

func TestLoggerFormats(t *testing.T) {
	for _, format := range []string{"console", "json", "otel"} {
		t.Run(format, func(t *testing.T) {
			cfg := Default()
			cfg.LogFormat = format
			cfg.LogLevel = "warn"
			require.NoError(t, cfg.Validate())
			log := cfg.Logger()
			require.NotNil(t, log)
			assert.True(t, log.IsLevelEnabled(logger.LevelError))
			assert.False(t, log.IsLevelEnabled(logger.LevelInfo))
		})
	}
}
