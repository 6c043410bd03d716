// Package cachekey derives deterministic cache keys from a namespace and a set
// of filter values.
//
// Keys do not depend on map iteration or insertion order. Entries whose value
// is nil are dropped before hashing, so a filter holding {"year": 2025,
// "type": nil} shares its key with {"year": 2025}. With no filter content the
// key is the bare namespace.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ecologicaleaving/startapp-sub002/model"
)

// digestLen is the number of hex characters of the SHA-256 digest kept in a key.
const digestLen = 16

// Generate returns namespace for empty filters and namespace + "_" + digest otherwise.
func Generate(namespace string, filters map[string]any) string {
	canonical := Canonical(filters)
	if canonical == "" {
		return namespace
	}
	sum := sha256.Sum256([]byte(canonical))
	return namespace + "_" + hex.EncodeToString(sum[:])[:digestLen]
}

// ForFilters is Generate over the set fields of f.
func ForFilters(namespace string, f *model.FilterOptions) string {
	return Generate(namespace, f.Map())
}

// Canonical returns the order-independent serialization hashed by Generate,
// or "" when filters has no non-nil entries.
func Canonical(filters map[string]any) string {
	pruned := prune(filters)
	if len(pruned) == 0 {
		return ""
	}
	// encoding/json writes map keys in sorted order at every depth
	b, err := json.Marshal(pruned)
	if err == nil {
		return string(b)
	}
	return fallback(pruned)
}

func prune(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			continue
		case map[string]any:
			if nested := prune(val); len(nested) > 0 {
				out[k] = nested
			}
		default:
			out[k] = val
		}
	}
	return out
}

// fallback serializes values json cannot encode (channels, funcs, NaN) so key
// generation never fails.
func fallback(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%q:%v", k, m[k])
	}
	return sb.String()
}
