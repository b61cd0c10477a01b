package corvid

import (
	"encoding/json"
	"math"
	"time"
)

// ============================================================================
// Timestamp Normalization
// ============================================================================

// DateConvertible is the shape of remote-document timestamp wrappers that
// expose a zero-argument conversion to a native time.
type DateConvertible interface {
	ToDate() time.Time
}

// TimestampPair is a serialized seconds/nanoseconds timestamp.
type TimestampPair struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int64 `json:"nanoseconds"`
}

// ToDate converts the pair to a native time.
func (t TimestampPair) ToDate() time.Time {
	return time.Unix(t.Seconds, t.Nanoseconds).UTC()
}

// stringTimeLayouts are tried in order for the generic-parse fallback.
var stringTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToEpochMillis converts any supported timestamp representation into a
// comparable epoch-millisecond value. It is total: unknown or malformed
// input yields 0, never a panic. Shapes are checked most specific first.
func ToEpochMillis(v any) int64 {
	ms, _ := normalizeTimestamp(v)
	return ms
}

// normalizeTimestamp reports whether the input was recognized so callers
// that own a logger can warn about malformed records.
func normalizeTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case time.Time:
		if t.IsZero() {
			return 0, false
		}
		return t.UnixMilli(), true
	case *time.Time:
		if t == nil || t.IsZero() {
			return 0, false
		}
		return t.UnixMilli(), true
	case TimestampPair:
		return pairMillis(t.Seconds, t.Nanoseconds)
	case *TimestampPair:
		// Checked before DateConvertible: a nil *TimestampPair still
		// satisfies the interface and would panic inside ToDate.
		if t == nil {
			return 0, false
		}
		return pairMillis(t.Seconds, t.Nanoseconds)
	case DateConvertible:
		return t.ToDate().UnixMilli(), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return normalizeTimestamp(f)
		}
		return 0, false
	case map[string]any:
		// Decoded JSON form of the seconds/nanoseconds pair.
		sec, okSec := numberField(t, "seconds")
		nsec, okNsec := numberField(t, "nanoseconds")
		if okSec && okNsec {
			return pairMillis(sec, nsec)
		}
		return 0, false
	case string:
		for _, layout := range stringTimeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UnixMilli(), true
			}
		}
		return 0, false
	default:
		return 0, false
	}
}

func pairMillis(seconds, nanoseconds int64) (int64, bool) {
	return seconds*1000 + nanoseconds/1e6, true
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch n := m[key].(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}
