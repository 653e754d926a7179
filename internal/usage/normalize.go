package usage

import (
	"strings"

	"voicebridge/internal/domain"
)

// Contribution is one record's share of the totals.
type Contribution struct {
	Calls           int
	Credits         float64
	DurationSeconds float64
	// Estimated is set when credits were derived from duration.
	Estimated bool
}

func (c Contribution) Totals() domain.UsageTotals {
	return domain.UsageTotals{Calls: c.Calls, Credits: c.Credits, DurationSeconds: c.DurationSeconds}
}

// NormalizeRecord reads one conversation record. It is pure: the same record
// and rate always give the same contribution.
func NormalizeRecord(rec map[string]any, fallbackCreditsPerSec float64) Contribution {
	var c Contribution
	if !isFailure(rec) {
		c.Calls = 1
	}
	if d, ok := firstFloat(rec, durationPaths, nonNegative); ok {
		c.DurationSeconds = d
	}
	if credits, ok := firstFloat(rec, creditPaths, nonNegative); ok {
		c.Credits = credits
	} else if c.DurationSeconds > 0 {
		c.Credits = c.DurationSeconds * fallbackCreditsPerSec
		c.Estimated = true
	}
	return c
}

// RecordStart returns the record's start time in unix seconds.
func RecordStart(rec map[string]any) (int64, bool) {
	return firstTimestamp(rec, startPaths)
}

func isFailure(rec map[string]any) bool {
	s, ok := firstString(rec, successPaths)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "failure", "failed":
		return true
	}
	return false
}

// normalizeAnalytics reads totals from an analytics answer. Totals may sit at
// the top level or under one of analyticsContainers. It reports false when no
// calls, duration or credits field is present anywhere, so an answer that
// says nothing about usage is not mistaken for zero usage.
func normalizeAnalytics(obj map[string]any, fallbackCreditsPerSec float64) (domain.UsageTotals, bool) {
	src := obj
	if !hasAny(src) {
		src = nil
		for _, k := range analyticsContainers {
			if inner, ok := obj[k].(map[string]any); ok && hasAny(inner) {
				src = inner
				break
			}
		}
		if src == nil {
			return domain.UsageTotals{}, false
		}
	}

	var t domain.UsageTotals
	if calls, ok := firstFloat(src, callsPaths, nonNegative); ok {
		t.Calls = int(calls)
	}
	if d, ok := firstFloat(src, durationPaths, nonNegative); ok {
		t.DurationSeconds = d
	}
	if credits, ok := firstFloat(src, creditPaths, nonNegative); ok {
		t.Credits = credits
	} else if t.DurationSeconds > 0 {
		t.Credits = t.DurationSeconds * fallbackCreditsPerSec
	}
	return t, true
}

func hasAny(obj map[string]any) bool {
	for _, group := range [][]fieldPath{callsPaths, durationPaths, creditPaths} {
		if _, ok := firstFloat(obj, group, nonNegative); ok {
			return true
		}
	}
	return false
}
