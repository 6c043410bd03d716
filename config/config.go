// Package config loads the refwatch configuration from layered YAML files,
// a .env file and REFWATCH_* environment variables, in that order of
// precedence (later wins), and validates the result.
package config

import (
	"time"

	"github.com/ecologicaleaving/startapp-sub002/circuitbreaker"
	"github.com/ecologicaleaving/startapp-sub002/pkg/cache"
	"github.com/ecologicaleaving/startapp-sub002/pkg/retry"
	"github.com/ecologicaleaving/startapp-sub002/pkg/tlsutil"
	"github.com/ecologicaleaving/startapp-sub002/storage/kvstore"
	"github.com/ecologicaleaving/startapp-sub002/storage/mirror"
	"github.com/ecologicaleaving/startapp-sub002/storage/redisstore"
	"github.com/ecologicaleaving/startapp-sub002/tiered"
)

// Storage backends
const (
	StorageKV    = "kv"
	StorageRedis = "redis"
	StorageNone  = "none"
)

// Realtime transports
const (
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Log      LogConfig             `yaml:"log" json:"log"`
	NATS     NATSConfig            `yaml:"nats" json:"nats"`
	Redis    RedisConfig           `yaml:"redis" json:"redis"`
	Storage  StorageConfig         `yaml:"storage" json:"storage"`
	Mirror   MirrorConfig          `yaml:"mirror" json:"mirror"`
	Origin   OriginConfig          `yaml:"origin" json:"origin"`
	Cache    CacheConfig           `yaml:"cache" json:"cache"`
	Breaker  circuitbreaker.Config `yaml:"breaker" json:"breaker"`
	Realtime RealtimeConfig        `yaml:"realtime" json:"realtime"`
	HTTP     HTTPConfig            `yaml:"http" json:"http"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json text"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string        `yaml:"url" json:"url"`
	Username      string        `yaml:"username" json:"username,omitempty"`
	Password      string        `yaml:"password" json:"-"`
	Token         string        `yaml:"token" json:"-"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	TLS tlsutil.ClientConfig `yaml:"tls" json:"tls"`
}

// RedisConfig defines the Redis storage backend
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"-"`
	DB        int    `yaml:"db" json:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// StorageConfig selects the persistent tier
type StorageConfig struct {
	Backend  string        `yaml:"backend" json:"backend" validate:"oneof=kv redis none"`
	TTL      time.Duration `yaml:"ttl" json:"ttl" validate:"gte=0"`
	Bucket   string        `yaml:"bucket" json:"bucket"`
	Replicas int           `yaml:"replicas" json:"replicas" validate:"gte=1"`
}

// MirrorConfig defines the mirror database
type MirrorConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Driver       string        `yaml:"driver" json:"driver" validate:"oneof=sqlite3 pgx"`
	DSN          string        `yaml:"dsn" json:"-"`
	Table        string        `yaml:"table" json:"table" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout" validate:"gt=0"`
}

// OriginConfig defines the origin API client
type OriginConfig struct {
	BaseURL     string        `yaml:"base_url" json:"base_url" validate:"required,url"`
	APIKey      string        `yaml:"api_key" json:"-"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	RateLimit   float64       `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`
	Burst       int           `yaml:"burst" json:"burst" validate:"gte=0"`

	TLS tlsutil.ClientConfig `yaml:"tls" json:"tls"`
}

// CacheConfig defines the memory tier and lookup behaviour
type CacheConfig struct {
	Namespace       string        `yaml:"namespace" json:"namespace" validate:"required"`
	MaxSize         int           `yaml:"max_size" json:"max_size" validate:"gte=1"`
	TTL             time.Duration `yaml:"ttl" json:"ttl" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" validate:"gte=0"`
	Coalesce        bool          `yaml:"coalesce" json:"coalesce"`
	BackfillWorkers int           `yaml:"backfill_workers" json:"backfill_workers" validate:"gte=1"`
}

// RealtimeConfig defines the realtime transport and subscription defaults
type RealtimeConfig struct {
	Transport      string        `yaml:"transport" json:"transport" validate:"oneof=nats memory"`
	SubjectPrefix  string        `yaml:"subject_prefix" json:"subject_prefix" validate:"required"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
	EnableBatching bool          `yaml:"enable_batching" json:"enable_batching"`
	BatchDelay     time.Duration `yaml:"batch_delay" json:"batch_delay" validate:"gte=0"`
	Tournaments    []string      `yaml:"tournaments" json:"tournaments"`
}

// HTTPConfig defines the gateway listener
type HTTPConfig struct {
	Addr            string        `yaml:"addr" json:"addr" validate:"required"`
	MetricsPath     string        `yaml:"metrics_path" json:"metrics_path" validate:"startswith=/"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`

	TLS tlsutil.ServerConfig `yaml:"tls" json:"tls"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	memory := cache.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379", KeyPrefix: "refwatch:"},
		Storage: StorageConfig{
			Backend:  StorageKV,
			TTL:      time.Hour,
			Bucket:   kvstore.DefaultConfig().Bucket,
			Replicas: 1,
		},
		Mirror: MirrorConfig{
			Driver:       mirror.DriverSQLite,
			DSN:          ":memory:",
			Table:        "tournaments",
			QueryTimeout: 5 * time.Second,
		},
		Origin: OriginConfig{
			BaseURL:     "http://localhost:8081",
			Timeout:     15 * time.Second,
			MaxAttempts: retry.DefaultConfig().MaxAttempts,
			RateLimit:   10,
			Burst:       20,
		},
		Cache: CacheConfig{
			Namespace:       "tournaments",
			MaxSize:         memory.MaxSize,
			TTL:             memory.TTL,
			CleanupInterval: memory.CleanupInterval,
			Coalesce:        true,
			BackfillWorkers: 2,
		},
		Breaker: circuitbreaker.DefaultConfig(),
		Realtime: RealtimeConfig{
			Transport:      TransportNATS,
			SubjectPrefix:  "realtime",
			ConnectTimeout: 10 * time.Second,
			EnableBatching: true,
			BatchDelay:     time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8080", MetricsPath: "/metrics", ShutdownTimeout: 10 * time.Second},
	}
}

// Tiered returns the orchestrator settings.
func (c *Config) Tiered() tiered.Config {
	cfg := tiered.DefaultConfig()
	cfg.Namespace = c.Cache.Namespace
	cfg.Memory = cache.Config{MaxSize: c.Cache.MaxSize, TTL: c.Cache.TTL, CleanupInterval: c.Cache.CleanupInterval}
	cfg.StorageTTL = c.Storage.TTL
	cfg.Coalesce = c.Cache.Coalesce
	cfg.BackfillWorkers = c.Cache.BackfillWorkers
	return cfg
}

// KVStore returns the JetStream bucket settings.
func (c *Config) KVStore() kvstore.Config {
	cfg := kvstore.DefaultConfig()
	cfg.Bucket = c.Storage.Bucket
	cfg.Replicas = c.Storage.Replicas
	cfg.TTL = c.Storage.TTL
	return cfg
}

// RedisStore returns the Redis backend settings.
func (c *Config) RedisStore() redisstore.Config {
	return redisstore.Config{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		KeyPrefix: c.Redis.KeyPrefix,
		TTL:       c.Storage.TTL,
	}
}

// MirrorDB returns the mirror database settings.
func (c *Config) MirrorDB() mirror.Config {
	return mirror.Config{
		Driver:       c.Mirror.Driver,
		DSN:          c.Mirror.DSN,
		Table:        c.Mirror.Table,
		MaxOpenConns: c.Mirror.MaxOpenConns,
		QueryTimeout: c.Mirror.QueryTimeout,
	}
}

// OriginRetry returns the retry policy for origin requests.
func (c *Config) OriginRetry() retry.Config {
	if c.Origin.MaxAttempts <= 1 {
		return retry.Disabled()
	}
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.Origin.MaxAttempts
	return cfg
}

// NeedsNATS reports whether any configured component uses NATS.
func (c *Config) NeedsNATS() bool {
	return c.Storage.Backend == StorageKV || c.Realtime.Transport == TransportNATS
}
