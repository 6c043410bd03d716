package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ecologicaleaving/startapp-sub002/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REFWATCH"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	envFiles   []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a YAML file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// AddEnvFile adds a .env file. Missing files are skipped and variables
// already set in the environment are never overwritten.
func (l *Loader) AddEnvFile(path string) {
	l.envFiles = append(l.envFiles, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load applies defaults, every layer, .env files and environment overrides,
// then validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	for _, path := range l.envFiles {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read env file "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadYAML decodes path over cfg so absent keys keep their current value.
func (l *Loader) loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapInvalid(errors.Join(errors.ErrMissingConfig, err), "config", "Load", "read "+path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidConfig, err), "config", "Load", "parse "+path)
	}
	return nil
}

// applyEnvOverrides applies REFWATCH_* variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := l.lookupEnv(l.envPrefix + "_" + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := l.lookupEnv(l.envPrefix + "_" + name); ok && v != "" {
			d, err := parseDurationWithDays(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := l.lookupEnv(l.envPrefix + "_" + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := l.lookupEnv(l.envPrefix + "_" + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("NATS_URL", &cfg.NATS.URL)
	str("NATS_USERNAME", &cfg.NATS.Username)
	str("NATS_PASSWORD", &cfg.NATS.Password)
	str("NATS_TOKEN", &cfg.NATS.Token)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	dur("STORAGE_TTL", &cfg.Storage.TTL)
	flag("MIRROR_ENABLED", &cfg.Mirror.Enabled)
	str("MIRROR_DRIVER", &cfg.Mirror.Driver)
	str("MIRROR_DSN", &cfg.Mirror.DSN)
	str("ORIGIN_BASE_URL", &cfg.Origin.BaseURL)
	str("ORIGIN_API_KEY", &cfg.Origin.APIKey)
	dur("CACHE_TTL", &cfg.Cache.TTL)
	str("REALTIME_TRANSPORT", &cfg.Realtime.Transport)
	dur("REALTIME_BATCH_DELAY", &cfg.Realtime.BatchDelay)
	str("HTTP_ADDR", &cfg.HTTP.Addr)

	var tournaments string
	str("REALTIME_TOURNAMENTS", &tournaments)
	if tournaments != "" {
		cfg.Realtime.Tournaments = splitList(tournaments)
	}

	if len(errs) > 0 {
		return errors.WrapInvalid(errors.Join(append([]error{errors.ErrInvalidConfig}, errs...)...),
			"config", "Load", "parse environment overrides")
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field rules and cross-field requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidConfig, err), "config", "Validate", "check fields")
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if c.NeedsNATS() && strings.TrimSpace(c.NATS.URL) == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url is required for the kv backend or nats transport")
	}
	if c.Storage.Backend == StorageRedis && c.Redis.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "redis.addr is required for the redis backend")
	}
	if c.Mirror.Enabled && c.Mirror.DSN == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "mirror.dsn is required when the mirror is enabled")
	}
	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.CertFile == "" || c.HTTP.TLS.KeyFile == "") {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "http.tls needs cert_file and key_file")
	}
	if len(c.Realtime.Tournaments) > 0 && c.Realtime.EnableBatching && c.Realtime.BatchDelay == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "realtime.batch_delay must be set when batching")
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
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
