package usage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/domain"
	"voicebridge/internal/providers/elevenlabs"
)

type fakeUpstream struct {
	mu    sync.Mutex
	calls []elevenlabs.Request
	fn    func(n int, req elevenlabs.Request) (elevenlabs.Response, error)
}

func (f *fakeUpstream) Do(ctx context.Context, req elevenlabs.Request) (elevenlabs.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(n, req)
}

func (f *fakeUpstream) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Operation == op {
			n++
		}
	}
	return n
}

func (f *fakeUpstream) requests(op string) []elevenlabs.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []elevenlabs.Request
	for _, c := range f.calls {
		if c.Operation == op {
			out = append(out, c)
		}
	}
	return out
}

func jsonResp(status int, body any) elevenlabs.Response {
	raw, _ := json.Marshal(body)
	var v any
	_ = json.Unmarshal(raw, &v)
	return elevenlabs.Response{Status: status, Body: v, Raw: raw}
}

func fastRetry() elevenlabs.RetryPolicy {
	return elevenlabs.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Factor: 1.5}
}

func newAggregator(up elevenlabs.Doer, variants []Variant) *Aggregator {
	return &Aggregator{
		Client:                up,
		Variants:              variants,
		Retry:                 fastRetry(),
		PageSize:              2,
		MaxPages:              50,
		FallbackCreditsPerSec: 10.73,
	}
}

func conv(id string, start int64, secs float64, extra map[string]any) map[string]any {
	m := map[string]any{"conversation_id": id, "start_time_unix_secs": start, "call_duration_secs": secs}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestNormalizeRecordIsIdempotent(t *testing.T) {
	page := jsonResp(200, map[string]any{"conversations": []any{
		conv("c1", 100, 30, map[string]any{"credits_used": 12}),
		conv("c2", 101, 15, nil),
		conv("c3", 102, 0, map[string]any{"call_successful": "failure"}),
	}})
	pg, err := parsePage(page)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	sum := func() domain.UsageTotals {
		var total domain.UsageTotals
		for _, rec := range pg.records {
			total.Add(NormalizeRecord(rec, 10.73).Totals())
		}
		return total
	}
	first, second := sum(), sum()
	if first != second {
		t.Fatalf("normalization not idempotent: %+v vs %+v", first, second)
	}
	if first.Calls != 2 {
		t.Fatalf("expected failed call not counted, got %d calls", first.Calls)
	}
}

func TestNormalizeRecordCreditFallback(t *testing.T) {
	rec := map[string]any{"call_duration_secs": 12.5}
	c := NormalizeRecord(rec, 10.73)
	if !almostEqual(c.Credits, 12.5*10.73) {
		t.Fatalf("expected %v credits, got %v", 12.5*10.73, c.Credits)
	}
	if !c.Estimated {
		t.Fatalf("expected estimated flag")
	}

	none := NormalizeRecord(map[string]any{}, 10.73)
	if none.Credits != 0 || none.DurationSeconds != 0 || none.Calls != 1 {
		t.Fatalf("expected lenient zero record counted as a call, got %+v", none)
	}
}

func TestNormalizeRecordCreditAliases(t *testing.T) {
	cases := []struct {
		name string
		rec  map[string]any
		want float64
	}{
		{"top level", map[string]any{"credit_cost": 7.0, "duration_secs": 3.0}, 7},
		{"numeric string", map[string]any{"credits": "4.5"}, 4.5},
		{"negative skipped", map[string]any{"credits_used": -1.0, "total_credits": 9.0}, 9},
		{"nested usage", map[string]any{"usage": map[string]any{"credits": 11.0}}, 11},
		{"nested billing", map[string]any{"billing": map[string]any{"credits_used": 2.0}}, 2},
		{"nested pricing", map[string]any{"pricing": map[string]any{"cost": 3.0}}, 3},
		{"priority order", map[string]any{"credits": 1.0, "credits_used": 5.0}, 5},
		{"null ignored", map[string]any{"credits_used": nil, "llm_credits": 6.0}, 6},
	}
	for _, tc := range cases {
		c := NormalizeRecord(tc.rec, 10.73)
		if !almostEqual(c.Credits, tc.want) || c.Estimated {
			t.Fatalf("%s: expected %v explicit credits, got %+v", tc.name, tc.want, c)
		}
	}
}

func TestNormalizeRecordDurationAliases(t *testing.T) {
	c := NormalizeRecord(map[string]any{"metadata": map[string]any{"call_duration_secs": 42.0}, "credits": 1.0}, 10.73)
	if c.DurationSeconds != 42 {
		t.Fatalf("expected nested duration, got %v", c.DurationSeconds)
	}
}

func TestRecordStartFormats(t *testing.T) {
	cases := []struct {
		rec  map[string]any
		want int64
		ok   bool
	}{
		{map[string]any{"start_time_unix_secs": 1700000000.0}, 1700000000, true},
		{map[string]any{"start_time_unix_secs": 1700000000123.0}, 1700000000, true},
		{map[string]any{"start_unix": "1700000000"}, 1700000000, true},
		{map[string]any{"started_at": "2023-11-14T22:13:20Z"}, 1700000000, true},
		{map[string]any{"metadata": map[string]any{"start_time_unix_secs": 1700000000.0}}, 1700000000, true},
		{map[string]any{"start_time": "yesterday"}, 0, false},
		{map[string]any{}, 0, false},
	}
	for i, tc := range cases {
		got, ok := RecordStart(tc.rec)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("case %d: got (%d, %v), want (%d, %v)", i, got, ok, tc.want, tc.ok)
		}
	}
}

func TestWindowIsInclusiveOnBothEnds(t *testing.T) {
	const T = int64(1700000000)
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		return jsonResp(200, map[string]any{
			"conversations": []any{
				conv("before", T-1, 10, map[string]any{"credits": 1.0}),
				conv("exact", T, 10, map[string]any{"credits": 2.0}),
				conv("after", T+1, 10, map[string]any{"credits": 4.0}),
			},
			"has_more": false,
		}), nil
	}}
	agg := newAggregator(up, nil)

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: T, End: T})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if report.Totals.Calls != 1 || report.Totals.Credits != 2 {
		t.Fatalf("expected only the exact record, got %+v", report.Totals)
	}

	reqs := up.requests("list_conversations")
	if len(reqs) != 1 {
		t.Fatalf("expected one listing call, got %d", len(reqs))
	}
	q := reqs[0].Query
	if q.Get("call_start_before_unix") != strconv.FormatInt(T+1, 10) {
		t.Fatalf("expected exclusive end boundary T+1, got %q", q.Get("call_start_before_unix"))
	}
	if q.Get("agent_id") != "agent_1" {
		t.Fatalf("expected agent filter, got %v", q)
	}
	for k := range q {
		if k == "start_unix" || k == "call_start_after_unix" {
			t.Fatalf("start boundary must not be sent upstream, got %s", k)
		}
	}
}

func TestAnalytics404ShortCircuitsToFallback(t *testing.T) {
	variants := DefaultVariants()
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		if req.Operation == "usage_analytics" {
			return jsonResp(http.StatusNotFound, map[string]any{"detail": "Not Found"}), nil
		}
		return jsonResp(200, map[string]any{"conversations": []any{conv("c1", 150, 60, nil)}, "has_more": false}), nil
	}}
	agg := newAggregator(up, variants)

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 100, End: 200})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if got := up.count("usage_analytics"); got != len(variants) {
		t.Fatalf("expected a single round of %d analytics calls, got %d", len(variants), got)
	}
	if report.Source != domain.UsageSourceConversations {
		t.Fatalf("expected conversation fallback, got %s", report.Source)
	}
	if report.Totals.Calls != 1 || !almostEqual(report.Totals.Credits, 60*10.73) {
		t.Fatalf("unexpected totals %+v", report.Totals)
	}
}

func TestAnalyticsFirstSuccessWins(t *testing.T) {
	variants := DefaultVariants()
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		switch n {
		case 1:
			return jsonResp(http.StatusInternalServerError, map[string]any{}), nil
		case 2:
			return jsonResp(200, map[string]any{"data": map[string]any{"total_calls": 4, "credits": 10.0, "duration_secs": 60.0}}), nil
		}
		t.Fatalf("unexpected call %d to %s", n, req.Path)
		return elevenlabs.Response{}, nil
	}}
	agg := newAggregator(up, variants)

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if report.Source != domain.UsageSourceAnalytics {
		t.Fatalf("expected analytics source, got %s", report.Source)
	}
	want := domain.UsageTotals{Calls: 4, Credits: 10, DurationSeconds: 60}
	if report.Totals != want {
		t.Fatalf("expected %+v, got %+v", want, report.Totals)
	}
}

func TestAnalyticsBodyWithoutUsageFieldsFallsBack(t *testing.T) {
	variants := DefaultVariants()
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		if req.Operation == "usage_analytics" {
			return jsonResp(200, map[string]any{"agent_id": "agent_1", "status": "ok", "data": map[string]any{"note": "x"}}), nil
		}
		return jsonResp(200, map[string]any{"conversations": []any{conv("c1", 5, 30, map[string]any{"credits": 7})}, "has_more": false}), nil
	}}
	agg := newAggregator(up, variants)

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if got := up.count("usage_analytics"); got != len(variants) {
		t.Fatalf("expected a single round of %d analytics calls, got %d", len(variants), got)
	}
	if report.Source != domain.UsageSourceConversations || report.Totals.Calls != 1 || report.Totals.Credits != 7 {
		t.Fatalf("expected listing totals, got %+v", report)
	}
}

func TestAnalyticsExplicitZeroIsUsage(t *testing.T) {
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		if req.Operation == "usage_analytics" {
			return jsonResp(200, map[string]any{"total_calls": 0, "credits": 0}), nil
		}
		t.Fatalf("listing must not be called")
		return elevenlabs.Response{}, nil
	}}
	agg := newAggregator(up, DefaultVariants())

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if report.Source != domain.UsageSourceAnalytics || report.Totals != (domain.UsageTotals{}) {
		t.Fatalf("expected zero analytics report, got %+v", report)
	}
}

func TestAnalyticsRetriesRoundsOnServerErrors(t *testing.T) {
	variants := DefaultVariants()[:2]
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		if req.Operation == "usage_analytics" {
			return jsonResp(http.StatusServiceUnavailable, map[string]any{}), nil
		}
		return jsonResp(200, map[string]any{"conversations": []any{}}), nil
	}}
	agg := newAggregator(up, variants)

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if got := up.count("usage_analytics"); got != 3*len(variants) {
		t.Fatalf("expected 3 rounds of %d variants, got %d calls", len(variants), got)
	}
	if report.Source != domain.UsageSourceConversations || report.Totals != (domain.UsageTotals{}) {
		t.Fatalf("expected empty fallback report, got %+v", report)
	}
}

func TestAnalyticsNonRetryableRejectionFallsBackAfterOneRound(t *testing.T) {
	variants := DefaultVariants()
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		if req.Operation == "usage_analytics" {
			if n%2 == 0 {
				return jsonResp(http.StatusUnprocessableEntity, map[string]any{}), nil
			}
			return jsonResp(http.StatusNotFound, map[string]any{}), nil
		}
		return jsonResp(200, map[string]any{"conversations": []any{}}), nil
	}}
	agg := newAggregator(up, variants)

	if _, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10}); err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if got := up.count("usage_analytics"); got != len(variants) {
		t.Fatalf("expected a single round, got %d analytics calls", got)
	}
}

func TestConversationListingRetryCap(t *testing.T) {
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		return jsonResp(http.StatusServiceUnavailable, map[string]any{"detail": "overloaded"}), nil
	}}
	agg := newAggregator(up, nil)

	_, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if !errors.Is(err, ErrUsageUnavailable) || !errors.Is(err, elevenlabs.ErrRetryExhausted) {
		t.Fatalf("expected unavailable + retry exhausted, got %v", err)
	}
	if got := up.count("list_conversations"); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestPaginationStopsAtPageCap(t *testing.T) {
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		return jsonResp(200, map[string]any{
			"conversations": []any{conv("c"+strconv.Itoa(n), 5, 1, map[string]any{"credits": 1.0})},
			"has_more":      true,
			"next_cursor":   "again",
		}), nil
	}}
	agg := newAggregator(up, nil)
	agg.MaxPages = 5

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if !report.Truncated || report.Pages != 5 {
		t.Fatalf("expected truncated report after 5 pages, got %+v", report)
	}
	if got := up.count("list_conversations"); got != 5 {
		t.Fatalf("expected 5 page fetches, got %d", got)
	}
	if report.Totals.Calls != 5 || report.Totals.Credits != 5 {
		t.Fatalf("expected partial aggregate of 5 pages, got %+v", report.Totals)
	}
}

func TestPaginationFollowsCursorTokenURLAndOffset(t *testing.T) {
	const next = "https://api.example.test/v1/convai/conversations?cursor=from-url"
	up := &fakeUpstream{}
	up.fn = func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		rec := []any{conv("c"+strconv.Itoa(n), 5, 1, map[string]any{"credits": 1.0})}
		switch n {
		case 1:
			return jsonResp(200, map[string]any{"conversations": rec, "next_cursor": "cur-2"}), nil
		case 2:
			if req.Query.Get("cursor") != "cur-2" {
				t.Errorf("page 2: expected cursor, got %v", req.Query)
			}
			return jsonResp(200, map[string]any{"conversations": rec, "next_page_token": "tok-3"}), nil
		case 3:
			if req.Query.Get("page_token") != "tok-3" || req.Query.Get("cursor") != "" {
				t.Errorf("page 3: expected page token only, got %v", req.Query)
			}
			return jsonResp(200, map[string]any{"conversations": rec, "next": next}), nil
		case 4:
			if req.Path != next || req.Query != nil {
				t.Errorf("page 4: expected absolute next url, got %s %v", req.Path, req.Query)
			}
			// full page (page size 2) without any cursor
			return jsonResp(200, map[string]any{"items": append(rec, conv("x", 5, 1, map[string]any{"credits": 1.0}))}), nil
		case 5:
			if req.Query.Get("offset") != "2" {
				t.Errorf("page 5: expected offset 2, got %v", req.Query)
			}
			return jsonResp(200, []any{conv("last", 5, 1, map[string]any{"credits": 1.0})}), nil
		}
		t.Fatalf("unexpected page %d", n)
		return elevenlabs.Response{}, nil
	}
	agg := newAggregator(up, nil)

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if report.Pages != 5 || report.Truncated {
		t.Fatalf("expected 5 complete pages, got %+v", report)
	}
	if report.Totals.Calls != 6 {
		t.Fatalf("expected 6 calls across pages, got %d", report.Totals.Calls)
	}
}

func TestPaginationHasMoreFalseIsFinal(t *testing.T) {
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		return jsonResp(200, map[string]any{
			"conversations": []any{conv("a", 5, 1, nil), conv("b", 5, 1, nil)},
			"has_more":      false,
			"next_cursor":   "ignored",
		}), nil
	}}
	agg := newAggregator(up, nil)

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if report.Pages != 1 || up.count("list_conversations") != 1 {
		t.Fatalf("expected a single page, got %+v", report)
	}
}

func TestLaterPageFailureReturnsPartialAggregate(t *testing.T) {
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		if n == 1 {
			return jsonResp(200, map[string]any{
				"conversations": []any{conv("a", 5, 10, map[string]any{"credits": 3.0})},
				"next_cursor":   "p2",
			}), nil
		}
		return jsonResp(http.StatusBadRequest, map[string]any{"detail": "bad cursor"}), nil
	}}
	agg := newAggregator(up, nil)

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if err != nil {
		t.Fatalf("expected partial success, got %v", err)
	}
	if !report.Truncated || report.Pages != 1 {
		t.Fatalf("expected truncated report through page 1, got %+v", report)
	}
	want := domain.UsageTotals{Calls: 1, Credits: 3, DurationSeconds: 10}
	if report.Totals != want {
		t.Fatalf("expected %+v, got %+v", want, report.Totals)
	}
}

func TestFirstPageUnparseableIsError(t *testing.T) {
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		return elevenlabs.Response{Status: 200, Body: "<html>maintenance</html>", Raw: []byte("<html>maintenance</html>")}, nil
	}}
	agg := newAggregator(up, nil)

	_, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if !errors.Is(err, ErrUsageUnavailable) || !errors.Is(err, ErrUnexpectedBody) {
		t.Fatalf("expected unexpected body error, got %v", err)
	}
}

func TestRecordsWithoutStartAreExcluded(t *testing.T) {
	up := &fakeUpstream{fn: func(n int, req elevenlabs.Request) (elevenlabs.Response, error) {
		return jsonResp(200, map[string]any{"conversations": []any{
			map[string]any{"conversation_id": "nostart", "credits": 100.0},
			conv("ok", 5, 0, map[string]any{"credits": 1.0}),
		}}), nil
	}}
	agg := newAggregator(up, nil)

	report, err := agg.GetUsage(context.Background(), "agent_1", domain.UsageWindow{Start: 0, End: 10})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if report.Excluded != 1 || report.Totals.Calls != 1 || report.Totals.Credits != 1 {
		t.Fatalf("expected record without start excluded, got %+v", report)
	}
}

func TestGetUsageValidatesInput(t *testing.T) {
	agg := newAggregator(&fakeUpstream{fn: func(int, elevenlabs.Request) (elevenlabs.Response, error) {
		t.Fatalf("no upstream call expected")
		return elevenlabs.Response{}, nil
	}}, nil)

	if _, err := agg.GetUsage(context.Background(), "", domain.UsageWindow{}); !errors.Is(err, domain.ErrMissingAgentID) {
		t.Fatalf("expected missing agent id, got %v", err)
	}
	if _, err := agg.GetUsage(context.Background(), "a", domain.UsageWindow{Start: 2, End: 1}); !errors.Is(err, domain.ErrInvalidWindow) {
		t.Fatalf("expected invalid window, got %v", err)
	}
}
