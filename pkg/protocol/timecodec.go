package protocol

import "time"

// ISO-8601 layouts used on the wire. Encoding always emits the microsecond
// form; decoding accepts both.
const (
	TimeLayoutMicro  = "20060102T15:04:05.000000"
	timeParseMicro   = "20060102T15:04:05.999999"
	TimeLayoutSecond = "20060102T15:04:05"
)

// parseWireTime converts a wire string to a time value if it matches one of
// the accepted layouts.
func parseWireTime(s string) (time.Time, bool) {
	// Both layouts are fixed-width up to the optional fraction; a cheap
	// length check avoids time.Parse on the vast majority of strings.
	if len(s) < len(TimeLayoutSecond) || len(s) > len(TimeLayoutMicro) {
		return time.Time{}, false
	}
	if t, err := time.Parse(timeParseMicro, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(TimeLayoutSecond, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// normalize walks a decoded value tree replacing time values with their wire
// string form so the stock JSON encoder can handle them.
func normalize(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.Format(TimeLayoutMicro)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// revive walks a decoded value tree replacing strings that match a wire
// time layout with time values.
func revive(v any) any {
	switch val := v.(type) {
	case string:
		if t, ok := parseWireTime(val); ok {
			return t
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = revive(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = revive(item)
		}
		return val
	default:
		return v
	}
}
