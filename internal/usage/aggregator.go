// Package usage computes consumption totals for an agent over a time window
// from an upstream API whose analytics contract and listing schema are not
// stable.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"voicebridge/internal/domain"
	"voicebridge/internal/observability"
	"voicebridge/internal/providers/elevenlabs"
)

const (
	ConversationsPath = "/convai/conversations"

	DefaultPageSize = 30
	DefaultMaxPages = 50
	MaxPagesLimit   = 200

	DefaultFallbackCreditsPerSec = 10.73
)

// ErrUsageUnavailable means no source answered at all, as opposed to zero usage.
var ErrUsageUnavailable = errors.New("usage unavailable")

type Aggregator struct {
	Client   elevenlabs.Doer
	Variants []Variant
	// Retry bounds both analytics rounds and per-page attempts.
	Retry    elevenlabs.RetryPolicy
	PageSize int
	MaxPages int
	// FallbackCreditsPerSec estimates credits for records that carry a
	// duration but no credit figure.
	FallbackCreditsPerSec float64
	Logger                *slog.Logger
}

func (a *Aggregator) GetUsage(ctx context.Context, agentID string, w domain.UsageWindow) (domain.UsageReport, error) {
	if agentID == "" {
		return domain.UsageReport{}, domain.ErrMissingAgentID
	}
	if err := w.Validate(); err != nil {
		return domain.UsageReport{}, err
	}

	if report, ok := a.fromAnalytics(ctx, agentID, w); ok {
		observability.UsageQueries.WithLabelValues(domain.UsageSourceAnalytics, "ok").Inc()
		return report, nil
	}

	report, err := a.fromConversations(ctx, agentID, w)
	switch {
	case err != nil:
		observability.UsageQueries.WithLabelValues(domain.UsageSourceConversations, "error").Inc()
	case report.Truncated:
		observability.UsageQueries.WithLabelValues(domain.UsageSourceConversations, "partial").Inc()
	default:
		observability.UsageQueries.WithLabelValues(domain.UsageSourceConversations, "ok").Inc()
	}
	return report, err
}

// fromAnalytics tries every variant once per round. The first 2xx with a
// usable body wins. A round where every variant answered 404, or where
// nothing was retryable, ends the attempt early.
func (a *Aggregator) fromAnalytics(ctx context.Context, agentID string, w domain.UsageWindow) (domain.UsageReport, bool) {
	if len(a.Variants) == 0 {
		return domain.UsageReport{}, false
	}
	log := a.logger().With("agent_id", agentID)
	rounds := a.Retry.Attempts()

	for round := 0; round < rounds; round++ {
		if round > 0 {
			if err := elevenlabs.Sleep(ctx, a.Retry.Delay(round-1)); err != nil {
				return domain.UsageReport{}, false
			}
		}

		all404 := true
		retryable := false
		for _, v := range a.Variants {
			resp, err := a.Client.Do(ctx, v.request(agentID, w))
			if err != nil {
				all404 = false
				retryable = retryable || elevenlabs.ShouldRetry(0, err)
				log.Debug("usage analytics variant transport error", "variant", v.Name, "round", round, "err", err)
				continue
			}
			if resp.OK() {
				if report, ok := a.analyticsReport(resp, agentID, w); ok {
					log.Info("usage analytics variant succeeded", "variant", v.Name, "round", round)
					return report, true
				}
				all404 = false
				log.Warn("usage analytics variant returned unusable body", "variant", v.Name)
				continue
			}
			if resp.Status != http.StatusNotFound {
				all404 = false
			}
			retryable = retryable || elevenlabs.ShouldRetry(resp.Status, nil)
			log.Debug("usage analytics variant failed", "variant", v.Name, "round", round, "status", resp.Status)
		}

		if all404 {
			log.Info("usage analytics endpoint not found, using conversation listing")
			return domain.UsageReport{}, false
		}
		if !retryable {
			log.Info("usage analytics variants rejected, using conversation listing")
			return domain.UsageReport{}, false
		}
	}
	log.Warn("usage analytics retries exhausted, using conversation listing", "rounds", rounds)
	return domain.UsageReport{}, false
}

func (a *Aggregator) analyticsReport(resp elevenlabs.Response, agentID string, w domain.UsageWindow) (domain.UsageReport, bool) {
	report := domain.UsageReport{AgentID: agentID, Window: w, Source: domain.UsageSourceAnalytics, Pages: 1}
	switch b := resp.Body.(type) {
	case map[string]any:
		totals, ok := normalizeAnalytics(b, a.FallbackCreditsPerSec)
		if !ok {
			return domain.UsageReport{}, false
		}
		report.Totals = totals
		return report, true
	case []any:
		pg, err := parsePage(resp)
		if err != nil {
			return domain.UsageReport{}, false
		}
		a.accumulate(&report, pg.records, w)
		return report, true
	}
	return domain.UsageReport{}, false
}

// fromConversations pages through the conversation listing. Only the end
// boundary is sent upstream; the start boundary is enforced locally.
func (a *Aggregator) fromConversations(ctx context.Context, agentID string, w domain.UsageWindow) (domain.UsageReport, error) {
	report := domain.UsageReport{AgentID: agentID, Window: w, Source: domain.UsageSourceConversations}
	log := a.logger().With("agent_id", agentID)
	pageSize := a.pageSize()
	maxPages := a.maxPages()

	base := url.Values{}
	base.Set("agent_id", agentID)
	base.Set("page_size", strconv.Itoa(pageSize))
	// the upstream filter is exclusive
	base.Set("call_start_before_unix", strconv.FormatInt(w.End+1, 10))

	req := elevenlabs.Request{
		Operation: "list_conversations",
		Method:    http.MethodGet,
		Path:      ConversationsPath,
		Query:     base,
	}
	offset := 0

	for {
		resp, _, err := elevenlabs.DoWithRetry(ctx, a.Client, a.Retry, req)
		if err == nil {
			err = resp.Err()
		}
		var pg page
		if err == nil {
			pg, err = parsePage(resp)
		}
		if err != nil {
			if report.Pages == 0 {
				return report, fmt.Errorf("%w: list conversations: %w", ErrUsageUnavailable, err)
			}
			report.Truncated = true
			log.Warn("usage pagination truncated after page failure", "pages", report.Pages, "err", err)
			break
		}

		report.Pages++
		a.accumulate(&report, pg.records, w)

		st, more := pg.next(pageSize)
		if !more {
			break
		}
		if report.Pages >= maxPages {
			report.Truncated = true
			log.Warn("usage pagination hit page cap", "max_pages", maxPages)
			break
		}

		switch st.kind {
		case stepCursor:
			req.Path, req.Query = ConversationsPath, with(base, "cursor", st.value)
		case stepToken:
			req.Path, req.Query = ConversationsPath, with(base, "page_token", st.value)
		case stepURL:
			req.Path, req.Query = st.value, nil
		case stepOffset:
			offset += pageSize
			req.Path, req.Query = ConversationsPath, with(base, "offset", strconv.Itoa(offset))
		}
	}

	if report.Excluded > 0 {
		log.Warn("usage records without start timestamp excluded", "excluded", report.Excluded)
	}
	return report, nil
}

func (a *Aggregator) accumulate(report *domain.UsageReport, records []map[string]any, w domain.UsageWindow) {
	for _, rec := range records {
		ts, ok := RecordStart(rec)
		if !ok {
			report.Excluded++
			a.logger().Debug("usage record without start timestamp", "conversation_id", rec["conversation_id"])
			continue
		}
		if !w.Contains(ts) {
			continue
		}
		report.Totals.Add(NormalizeRecord(rec, a.FallbackCreditsPerSec).Totals())
	}
}

func (a *Aggregator) pageSize() int {
	if a.PageSize <= 0 {
		return DefaultPageSize
	}
	return a.PageSize
}

func (a *Aggregator) maxPages() int {
	switch {
	case a.MaxPages <= 0:
		return DefaultMaxPages
	case a.MaxPages > MaxPagesLimit:
		return MaxPagesLimit
	}
	return a.MaxPages
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func with(base url.Values, key, value string) url.Values {
	q := make(url.Values, len(base)+1)
	for k, v := range base {
		q[k] = append([]string(nil), v...)
	}
	q.Set(key, value)
	return q
}
