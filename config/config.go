package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/plotcache/cache"
	"github.com/agentuity/plotcache/logger"
	"github.com/agentuity/plotcache/resilience"
	"github.com/agentuity/plotcache/sizing"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"go.opentelemetry.io/otel/log/global"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid config")
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLOTCACHE_"

const instrumentationName = "github.com/agentuity/plotcache"

// ByteSize is a byte count written as a quantity ("10M", "8Mi", "10000000").
type ByteSize int64

func parseByteSize(s string) (ByteSize, error) {
	q, err := resource.ParseQuantity(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "error parsing byte size '%s'", s)
	}
	if q.Sign() < 0 {
		return 0, errors.Newf("byte size must be >= 0, got '%s'", s)
	}
	return ByteSize(q.Value()), nil
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return resource.NewQuantity(int64(b), resource.DecimalSI).String(), nil
}

func (b ByteSize) String() string {
	return resource.NewQuantity(int64(b), resource.DecimalSI).String()
}

// Duration is a time.Duration written as "500ms", "1m" or "1d".
type Duration time.Duration

func parseDuration(s string) (Duration, error) {
	d, err := str2duration.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "error parsing duration '%s'", s)
	}
	return Duration(d), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d Duration) String() string {
	return str2duration.String(time.Duration(d))
}

type Config struct {
	Scope              string   `json:"scope" yaml:"scope"`
	PersistentPath     string   `json:"persistentPath,omitempty" yaml:"persistentPath,omitempty"`
	RedisURL           string   `json:"redisURL,omitempty" yaml:"redisURL,omitempty"`
	RedisPrefix        string   `json:"redisPrefix" yaml:"redisPrefix"`
	MaxBytes           ByteSize `json:"maxBytes" yaml:"maxBytes"`
	PersistentMaxBytes ByteSize `json:"persistentMaxBytes" yaml:"persistentMaxBytes"`
	SizeLadder         []int    `json:"sizeLadder,omitempty" yaml:"sizeLadder,omitempty"`
	GrowthRatio        float64  `json:"growthRatio" yaml:"growthRatio"`
	MinSize            int      `json:"minSize" yaml:"minSize"`
	MaxSize            int      `json:"maxSize" yaml:"maxSize"`
	Quantum            int      `json:"quantum" yaml:"quantum"`
	QueryTimeout       Duration `json:"queryTimeout" yaml:"queryTimeout"`
	BreakerFailures    int      `json:"breakerFailures" yaml:"breakerFailures"`
	BreakerCooldown    Duration `json:"breakerCooldown" yaml:"breakerCooldown"`
	LogLevel           string   `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFormat          string   `json:"logFormat" yaml:"logFormat"`
	ImageFit           bool     `json:"imageFit" yaml:"imageFit"`
	OTLPEndpoint       string   `json:"otlpEndpoint,omitempty" yaml:"otlpEndpoint,omitempty"`
	OTLPToken          string   `json:"otlpToken,omitempty" yaml:"otlpToken,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	breaker := resilience.DefaultBreakerConfig()
	return &Config{
		Scope:              cache.ScopeProcess.String(),
		RedisPrefix:        "plotcache",
		MaxBytes:           ByteSize(cache.DefaultMaxBytes),
		PersistentMaxBytes: 100_000_000,
		GrowthRatio:        sizing.DefaultGrowthRatio,
		MinSize:            sizing.DefaultMinSize,
		MaxSize:            sizing.DefaultMaxSize,
		Quantum:            sizing.DefaultQuantum,
		QueryTimeout:       Duration(cache.DefaultQueryTimeout),
		BreakerFailures:    breaker.MaxFailures,
		BreakerCooldown:    Duration(breaker.Cooldown),
		LogFormat:          "console",
	}
}

// Load reads the YAML file at path over the defaults, applies PLOTCACHE_*
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrConfigNotFound, "%s", path)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error reading config %s", path)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "error parsing config %s", path), ErrInvalidConfig)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PLOTCACHE_* environment variables.
func (c *Config) ApplyEnv() error {
	var err error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	parse := func(name string, fn func(string) error) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && err == nil {
			if perr := fn(v); perr != nil {
				err = errors.Mark(errors.Wrapf(perr, "%s%s", EnvPrefix, name), ErrInvalidConfig)
			}
		}
	}

	str("SCOPE", &c.Scope)
	str("PERSISTENT_PATH", &c.PersistentPath)
	str("REDIS_URL", &c.RedisURL)
	str("REDIS_PREFIX", &c.RedisPrefix)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("OTLP_TOKEN", &c.OTLPToken)
	parse("MAX_BYTES", func(v string) (err error) { c.MaxBytes, err = parseByteSize(v); return })
	parse("PERSISTENT_MAX_BYTES", func(v string) (err error) { c.PersistentMaxBytes, err = parseByteSize(v); return })
	parse("QUERY_TIMEOUT", func(v string) (err error) { c.QueryTimeout, err = parseDuration(v); return })
	parse("BREAKER_COOLDOWN", func(v string) (err error) { c.BreakerCooldown, err = parseDuration(v); return })
	parse("BREAKER_FAILURES", func(v string) (err error) { c.BreakerFailures, err = strconv.Atoi(v); return })
	parse("IMAGE_FIT", func(v string) (err error) { c.ImageFit, err = strconv.ParseBool(v); return })
	return err
}

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidConfig)
}

// Validate checks the configuration for values no component can use.
func (c *Config) Validate() error {
	scope, err := cache.ParseScope(c.Scope)
	if err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}
	if scope == cache.ScopeDefault {
		return invalid("scope must be process, session or persistent")
	}
	if c.PersistentPath != "" && c.RedisURL != "" {
		return invalid("persistentPath and redisURL are mutually exclusive")
	}
	if scope == cache.ScopePersistent && !c.HasPersistentBackend() {
		return invalid("scope persistent requires persistentPath or redisURL")
	}
	if c.MaxBytes <= 0 {
		return invalid("maxBytes must be > 0, got %d", c.MaxBytes)
	}
	if c.PersistentMaxBytes < 0 {
		return invalid("persistentMaxBytes must be >= 0, got %d", c.PersistentMaxBytes)
	}
	if c.QueryTimeout <= 0 {
		return invalid("queryTimeout must be > 0")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json", "otel":
	default:
		return invalid("logFormat must be console, json or otel, got '%s'", c.LogFormat)
	}
	if c.OTLPEndpoint != "" {
		u, err := url.Parse(c.OTLPEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("otlpEndpoint must be an http or https url, got '%s'", c.OTLPEndpoint)
		}
	}
	if _, err := c.Policy(); err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}
	return nil
}

// DefaultScope is the scope ScopeDefault requests resolve to. It assumes a
// validated config.
func (c *Config) DefaultScope() cache.Scope {
	scope, _ := cache.ParseScope(c.Scope)
	if scope == cache.ScopeDefault {
		return cache.ScopeProcess
	}
	return scope
}

// HasPersistentBackend reports whether a persistent backend is configured.
func (c *Config) HasPersistentBackend() bool {
	return c.PersistentPath != "" || c.RedisURL != ""
}

// SizingOptions converts the sizing keys to policy options.
func (c *Config) SizingOptions() []sizing.Option {
	if len(c.SizeLadder) > 0 {
		return []sizing.Option{sizing.WithLadder(c.SizeLadder)}
	}
	return []sizing.Option{
		sizing.WithBounds(c.MinSize, c.MaxSize),
		sizing.WithGrowthRatio(c.GrowthRatio),
		sizing.WithQuantum(c.Quantum),
	}
}

// Policy builds the sizing policy.
func (c *Config) Policy() (*sizing.Policy, error) {
	return sizing.New(c.SizingOptions()...)
}

// Breaker returns the circuit breaker settings for the persistent backend.
func (c *Config) Breaker() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		MaxFailures: c.BreakerFailures,
		Cooldown:    time.Duration(c.BreakerCooldown),
	}
}

// Level is the configured log level, falling back to PLOTCACHE_LOG_LEVEL.
func (c *Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel, logger.GetLevelFromEnv())
}

// Logger returns a logger at the configured level and format.
func (c *Config) Logger() logger.Logger {
	level := c.Level()
	switch strings.ToLower(c.LogFormat) {
	case "json":
		return logger.NewJSONLogger(level)
	case "otel":
		return logger.NewOtelLogger(global.Logger(instrumentationName), level)
	default:
		return logger.NewConsoleLogger(level)
	}
}
