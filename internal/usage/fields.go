package usage

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// fieldPath is a dotted path into a decoded JSON object, e.g. "usage.credits".
type fieldPath []string

func paths(dotted ...string) []fieldPath {
	out := make([]fieldPath, 0, len(dotted))
	for _, d := range dotted {
		out = append(out, fieldPath(strings.Split(d, ".")))
	}
	return out
}

// Alias lists, highest priority first.
var (
	creditPaths = paths(
		"credits_used", "credit_cost", "credits", "llm_credits", "cost_credits", "total_credits", "credit_usage",
		"usage.credits_used", "usage.credits", "usage.total_credits", "usage.credit_cost",
		"billing.credits_used", "billing.credits", "billing.total_credits", "billing.cost",
		"pricing.credits_used", "pricing.credits", "pricing.total_credits", "pricing.cost",
		"metadata.cost",
	)
	durationPaths = paths(
		"call_duration_secs", "duration_secs", "duration_seconds", "duration",
		"total_duration_secs", "metadata.call_duration_secs",
	)
	startPaths = paths(
		"start_time_unix_secs", "call_start_unix", "start_unix", "start_time", "started_at", "created_at",
		"metadata.start_time_unix_secs",
	)
	successPaths = paths("call_successful", "status")
	callsPaths   = paths("calls", "total_calls", "call_count", "num_calls", "conversations", "num_conversations", "total_conversations")
	// analytics answers sometimes nest their totals one level down
	analyticsContainers = []string{"data", "totals", "summary", "analytics"}
)

func lookup(obj map[string]any, p fieldPath) (any, bool) {
	var cur any = obj
	for _, key := range p {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// firstFloat returns the first path holding a finite number (or numeric
// string) that passes accept.
func firstFloat(obj map[string]any, ps []fieldPath, accept func(float64) bool) (float64, bool) {
	for _, p := range ps {
		v, ok := lookup(obj, p)
		if !ok {
			continue
		}
		f, ok := toFloat(v)
		if !ok || (accept != nil && !accept(f)) {
			continue
		}
		return f, true
	}
	return 0, false
}

func firstString(obj map[string]any, ps []fieldPath) (string, bool) {
	for _, p := range ps {
		v, ok := lookup(obj, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// firstTimestamp returns the first parseable timestamp as unix seconds.
func firstTimestamp(obj map[string]any, ps []fieldPath) (int64, bool) {
	for _, p := range ps {
		v, ok := lookup(obj, p)
		if !ok {
			continue
		}
		if ts, ok := toUnix(v); ok {
			return ts, true
		}
	}
	return 0, false
}

func nonNegative(f float64) bool { return f >= 0 }

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, false
		}
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// millisThreshold separates unix seconds from unix milliseconds.
const millisThreshold = 1e12

func toUnix(v any) (int64, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Unix(), true
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return 0, false
	}
	if f > millisThreshold {
		f /= 1000
	}
	return int64(f), true
}
