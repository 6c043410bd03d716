// Package redisstore implements storage.Store on Redis.
package redisstore

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/storage"
)

// Config holds connection and key settings.
type Config struct {
	Addr      string        `json:"addr" yaml:"addr"`
	Password  string        `json:"password" yaml:"password"`
	DB        int           `json:"db" yaml:"db"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `json:"ttl" yaml:"ttl"`
}

// DefaultConfig returns settings for a local Redis.
func DefaultConfig() Config {
	return Config{Addr: "localhost:6379", KeyPrefix: "refwatch:"}
}

// Store is a storage.Store on Redis. Keys are namespaced by KeyPrefix.
type Store struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	owned   bool
	logger  *slog.Logger
	scanCount int64
}

var _ storage.Store = (*Store)(nil)

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "redisstore", "New", "addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "redisstore", "New", "ping redis")
	}
	s := NewFromClient(client, cfg, logger)
	s.owned = true
	return s, nil
}

// NewFromClient wraps an existing client. Close leaves it open.
func NewFromClient(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:  client,
		prefix:  cfg.KeyPrefix,
		ttl:     cfg.TTL,
		logger:  logger.With("component", "redisstore"),
		scanCount: 100,
	}
}

// Put stores data at key with the configured TTL.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return errors.WrapTransient(err, "redisstore", "Put", "set "+key)
	}
	return nil
}

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrap(errors.ErrKeyNotFound, "redisstore", "Get", key)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "redisstore", "Get", "get "+key)
	}
	return data, nil
}

// List scans for keys with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	iter := s.client.Scan(ctx, 0, s.prefix+escapeGlob(prefix)+"*", s.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WrapTransient(err, "redisstore", "List", "scan keys")
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil && err != redis.Nil {
		return errors.WrapTransient(err, "redisstore", "Delete", "del "+key)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(errors.Join(errors.ErrStorageUnavailable, err), "redisstore", "Ping", "ping redis")
	}
	return nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
