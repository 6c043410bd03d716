// Package storage defines the persistent key/value tier and the envelope
// format values are stored in.
//
// Implementations:
//   - kvstore.Store: NATS JetStream KeyValue bucket
//   - redisstore.Store: Redis
//
// Values are JSON envelopes of the form {"data": ..., "timestamp": <unix ms>}.
// Staleness is decided by the reader from the envelope timestamp, so a
// backend does not need native TTL support.
package storage

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/pkg/timestamp"
)

// Store is the pluggable persistent tier. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores data at key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the value for key, or an error wrapping
	// errors.ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns every key starting with prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Envelope wraps a stored value with the time it was written.
type Envelope[T any] struct {
	Data      T     `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// NewEnvelope stamps data with now.
func NewEnvelope[T any](data T, now time.Time) Envelope[T] {
	return Envelope[T]{Data: data, Timestamp: timestamp.ToUnixMs(now)}
}

// Stale reports whether the envelope is older than ttl at now.
// A ttl of zero or less never expires.
func (e Envelope[T]) Stale(ttl time.Duration, now time.Time) bool {
	return timestamp.IsStale(e.Timestamp, ttl, now)
}

// Encode serialises the envelope.
func (e Envelope[T]) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "storage", "Encode", "marshal envelope")
	}
	return data, nil
}

// Decode parses an envelope. A value without a timestamp is malformed.
func Decode[T any](data []byte) (Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.WrapInvalid(errors.ErrMalformedPayload, "storage", "Decode", err.Error())
	}
	if env.Timestamp <= 0 {
		return env, errors.WrapInvalid(errors.ErrMalformedPayload, "storage", "Decode", "missing timestamp")
	}
	return env, nil
}

var keyPattern = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// ValidateKey rejects keys that are not portable across backends.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) || key[0] == '.' || key[len(key)-1] == '.' {
		return errors.WrapInvalid(errors.ErrInvalidData, "storage", "ValidateKey", "invalid key "+key)
	}
	return nil
}
