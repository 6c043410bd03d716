// Package cache provides the in-process memory tier: a generic, thread-safe
// cache that evicts by size (least recently used) and by age (TTL), whichever
// comes first.
//
// Statistics are always collected. Prometheus export is optional through WithMetrics.
package cache

import (
	"time"

	"github.com/ecologicaleaving/startapp-sub002/errors"
)

// Cache is a keyed store of values of type V.
type Cache[V any] interface {
	// Get returns the value and true when the key is present and not expired.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created, false if updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the number of entries, expired ones included until swept.
	Size() int

	// Keys returns live keys, most recently used first.
	Keys() []string

	// Range calls fn for every live entry until fn returns false.
	// fn must not call back into the cache.
	Range(fn func(key string, value V) bool)

	// Stats returns the cache statistics.
	Stats() *Statistics

	// Close stops background cleanup.
	Close() error
}

// EvictCallback is called, outside the cache lock, for each entry removed by
// size or age pressure or by Clear.
type EvictCallback[V any] func(key string, value V)

// Config sizes the cache.
type Config struct {
	MaxSize         int           `json:"max_size" yaml:"max_size"`
	TTL             time.Duration `json:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DefaultConfig returns the memory tier defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:         500,
		TTL:             5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate", "max_size must be positive")
	}
	if c.TTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate", "ttl must be positive")
	}
	if c.CleanupInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate", "cleanup_interval cannot be negative")
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
