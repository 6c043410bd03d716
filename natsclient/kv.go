package natsclient

import (
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ecologicaleaving/startapp-sub002/errors"
)

// IsKVNotFoundError reports whether err means the key does not exist.
// Deleted and purged keys surface as not-found too.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}
