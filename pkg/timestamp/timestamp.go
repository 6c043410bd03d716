// Package timestamp handles the int64 Unix millisecond timestamps stored in
// cache envelopes and carried by realtime payloads.
//
// A value of 0 means "not set". Functions treat it as unknown rather than as
// the epoch.
package timestamp

import (
	"encoding/json"
	"strconv"
	"time"
)

// DateLayout is the column format of start_date and end_date.
const DateLayout = "2006-01-02"

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds. Zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time. 0 maps to zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders ms as RFC3339 in UTC, or "" for 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Parse converts the timestamp shapes found in stored envelopes and realtime
// payloads to Unix milliseconds:
//   - integers and floats (seconds when below 1e12, milliseconds otherwise)
//   - json.Number
//   - RFC3339 / RFC3339Nano strings, or numeric strings
//   - time.Time
//
// Anything else, including nil, yields 0.
func Parse(input any) int64 {
	switch v := input.(type) {
	case nil:
		return 0
	case int64:
		return fromNumber(float64(v))
	case int:
		return fromNumber(float64(v))
	case float64:
		return fromNumber(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return fromNumber(f)
		}
		return 0
	case string:
		if v == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ToUnixMs(t)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return fromNumber(f)
		}
		return 0
	case time.Time:
		return ToUnixMs(v)
	default:
		return 0
	}
}

func fromNumber(v float64) int64 {
	if v <= 0 {
		return 0
	}
	if v > 1e12 {
		return int64(v)
	}
	return int64(v * 1000)
}

// Age returns how old ms is at now. Unset timestamps report 0.
func Age(ms int64, now time.Time) time.Duration {
	if ms == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(ms))
}

// IsStale reports whether ms is older than ttl at now. An unset timestamp is
// always stale; a non-positive ttl never expires.
func IsStale(ms int64, ttl time.Duration, now time.Time) bool {
	if ms == 0 {
		return true
	}
	if ttl <= 0 {
		return false
	}
	return Age(ms, now) > ttl
}

// FormatDate renders t as YYYY-MM-DD in t's location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
