// Package kvstore implements storage.Store on a NATS JetStream KeyValue bucket.
package kvstore

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/natsclient"
	"github.com/ecologicaleaving/startapp-sub002/storage"
)

// Config describes the bucket.
type Config struct {
	Bucket   string        `json:"bucket" yaml:"bucket"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
	History  uint8         `json:"history" yaml:"history"`
	Replicas int           `json:"replicas" yaml:"replicas"`
}

// DefaultConfig returns a single-replica bucket with no server-side expiry.
func DefaultConfig() Config {
	return Config{Bucket: "refwatch_cache", History: 1, Replicas: 1}
}

// Store is a storage.Store backed by one bucket.
type Store struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New opens or creates the bucket described by cfg.
func New(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "kvstore", "New", "bucket name is empty")
	}
	if cfg.History == 0 {
		cfg.History = 1
	}
	kv, err := client.KeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "refwatch tiered cache",
		TTL:         cfg.TTL,
		History:     cfg.History,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, errors.Wrap(err, "kvstore", "New", "open bucket")
	}
	return NewFromBucket(kv, logger), nil
}

// NewFromBucket wraps an existing bucket.
func NewFromBucket(kv jetstream.KeyValue, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger.With("component", "kvstore", "bucket", kv.Bucket())}
}

// Put stores data at key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "kvstore", "Put", "put "+key)
	}
	return nil
}

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.Wrap(errors.ErrKeyNotFound, "kvstore", "Get", key)
		}
		return nil, errors.WrapTransient(err, "kvstore", "Get", "get "+key)
	}
	return entry.Value(), nil
}

// List returns keys with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "kvstore", "List", "list keys")
	}
	defer func() {
		if err := lister.Stop(); err != nil {
			s.logger.Debug("Stop key lister", "error", err)
		}
	}()

	keys := []string{}
	for {
		select {
		case key, ok := <-lister.Keys():
			if !ok {
				sort.Strings(keys)
				return keys, nil
			}
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "kvstore", "List", "list keys")
		}
	}
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "kvstore", "Delete", "delete "+key)
	}
	return nil
}
