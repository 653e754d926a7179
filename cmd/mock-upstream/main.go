package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"voicebridge/internal/providers/twilio"
)

// config drives a local stand-in for the voice-agent platform and the SMS
// provider.
type config struct {
	Port          string `envconfig:"PORT" default:"8089"`
	APIKey        string `envconfig:"MOCK_XI_API_KEY" default:"mock_key"`
	AccountSID    string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken     string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	OutcomeMode   string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw   string `envconfig:"MOCK_OUTCOMES" default:"ok"`
	DelayMs       int    `envconfig:"MOCK_DELAY_MS" default:"0"`
	Conversations int    `envconfig:"MOCK_CONVERSATIONS" default:"75"`
	// AnalyticsStatus is returned by every analytics endpoint; 404 pushes
	// clients onto the conversation listing.
	AnalyticsStatus int `envconfig:"MOCK_ANALYTICS_STATUS" default:"404"`

	WebhookDelayMs     int `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"500"`
	WebhookMaxRetries  int `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBaseMs int `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`
	WebhookRetryMaxMs  int `envconfig:"MOCK_WEBHOOK_RETRY_MAX_MS" default:"10000"`

	Outcomes []string
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
	now    func() time.Time
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := newServer(cfg)
	slog.Info("mock upstream listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(s.routes())); err != nil {
		slog.Error("mock upstream server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config) *server {
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	return &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1/convai").Subrouter()
	v1.Use(s.requireAPIKey)
	v1.HandleFunc("/twilio/outbound-call", s.handleOutboundCall).Methods(http.MethodPost)
	v1.HandleFunc("/batch-calling/submit", s.handleBatchSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/conversations", s.handleConversations).Methods(http.MethodGet)
	v1.HandleFunc("/analytics/agent", s.handleAnalytics)
	v1.HandleFunc("/agents/{agent_id}/analytics", s.handleAnalytics)
	v1.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	v1.HandleFunc("/phone-numbers", s.handlePhoneNumbers).Methods(http.MethodGet)

	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleSMS).Methods(http.MethodPost)
	return r
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h).With("service", "mock-upstream"))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock upstream request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock upstream config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	return cfg
}

func (s *server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != s.cfg.APIKey {
			writeDetail(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleOutboundCall answers according to the next outcome: ok, busy (503),
// reject (422) or ratelimit (429).
func (s *server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID  string `json:"agent_id"`
		ToNumber string `json:"to_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" || body.ToNumber == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "agent_id and to_number are required")
		return
	}
	if !s.delay(r.Context()) {
		return
	}

	switch outcome := s.nextOutcome(); outcome {
	case "busy":
		writeDetail(w, http.StatusServiceUnavailable, "upstream busy")
	case "reject":
		writeDetail(w, http.StatusUnprocessableEntity, "invalid number "+body.ToNumber)
	case "ratelimit":
		w.Header().Set("Retry-After", "1")
		writeDetail(w, http.StatusTooManyRequests, "too many requests")
	default:
		n := atomic.AddUint64(&s.idx, 1)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"message":         "call initiated",
			"conversation_id": fmt.Sprintf("conv_mock_%06d", n),
			"callSid":         fmtSID("CA", n),
		})
	}
}

func (s *server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CallName   string           `json:"call_name"`
		Recipients []map[string]any `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Recipients) == 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "recipients are required")
		return
	}
	n := atomic.AddUint64(&s.idx, 1)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              fmt.Sprintf("btcal_mock_%06d", n),
		"name":            body.CallName,
		"total_calls":     len(body.Recipients),
		"status":          "pending",
		"created_at_unix": s.now().Unix(),
	})
}

// handleConversations lists a deterministic set of conversations, newest
// first, one every ten minutes back from now, paged by an opaque cursor.
func (s *server) handleConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 30
	}
	before := s.now().Unix() + 1
	if v, err := strconv.ParseInt(q.Get("call_start_before_unix"), 10, 64); err == nil {
		before = v
	}
	offset, _ := strconv.Atoi(q.Get("cursor"))

	all := s.conversations(q.Get("agent_id"), before)
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}
	if offset > end {
		offset = end
	}
	resp := map[string]any{
		"conversations": all[offset:end],
		"has_more":      end < len(all),
	}
	if end < len(all) {
		resp["next_cursor"] = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) conversations(agentID string, before int64) []map[string]any {
	base := s.now().Truncate(10 * time.Minute).Unix()
	out := make([]map[string]any, 0, s.cfg.Conversations)
	for i := 0; i < s.cfg.Conversations; i++ {
		start := base - int64(i)*600
		if start >= before {
			continue
		}
		dur := 30 + (i*37)%240
		out = append(out, map[string]any{
			"agent_id":             agentID,
			"conversation_id":      fmt.Sprintf("conv_hist_%04d", i),
			"start_time_unix_secs": start,
			"call_duration_secs":   dur,
			"call_successful":      "success",
			"metadata":             map[string]any{"cost": dur * 10},
		})
	}
	return out
}

func (s *server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AnalyticsStatus != http.StatusOK {
		writeDetail(w, s.cfg.AnalyticsStatus, "analytics not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"calls": 0, "credits": 0, "duration_secs": 0}})
}

func (s *server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": []map[string]any{
			{"agent_id": "agent_mock_1", "name": "Recepción"},
			{"agent_id": "agent_mock_2", "name": "Campañas"},
		},
		"has_more": false,
	})
}

func (s *server) handlePhoneNumbers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]any{
		{"phone_number_id": "phnum_mock_1", "phone_number": "+15550100000", "label": "main"},
	})
}

// handleSMS mimics the Messages resource and replays queued, sent and a
// final delivery status to the StatusCallback, signed like the real thing.
func (s *server) handleSMS(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.AccountSID || pass != s.cfg.AuthToken {
		writeTwilioError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeTwilioError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.Form.Get("To") == "" || r.Form.Get("Body") == "" {
		writeTwilioError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.Form.Get("MessagingServiceSid") == "" && r.Form.Get("From") == "" {
		writeTwilioError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}
	if !s.delay(r.Context()) {
		return
	}

	final, code := "delivered", 0
	switch s.nextOutcome() {
	case "busy":
		writeTwilioError(w, http.StatusServiceUnavailable, 20503, "Service unavailable")
		return
	case "ratelimit":
		writeTwilioError(w, http.StatusTooManyRequests, 20429, "Too Many Requests")
		return
	case "reject":
		final, code = "undelivered", 30003
	}

	sid := fmtSID("SM", atomic.AddUint64(&s.idx, 1))
	writeJSON(w, http.StatusCreated, map[string]any{"sid": sid, "status": "queued", "error_code": nil})

	if cb := r.Form.Get("StatusCallback"); cb != "" {
		go s.statusSequence(cb, sid, final, code)
	}
}

func (s *server) statusSequence(callbackURL, sid, final string, code int) {
	delay := time.Duration(s.cfg.WebhookDelayMs) * time.Millisecond
	for _, status := range []string{"queued", "sent", final} {
		form := url.Values{}
		form.Set("MessageSid", sid)
		form.Set("MessageStatus", status)
		if status == final && code != 0 {
			form.Set("ErrorCode", strconv.Itoa(code))
		}
		time.Sleep(delay)
		if err := s.postWebhookWithRetry(context.Background(), callbackURL, form); err != nil {
			return
		}
	}
}

func (s *server) postWebhookWithRetry(ctx context.Context, callbackURL string, form url.Values) error {
	sig := twilio.Signature(s.cfg.AuthToken, callbackURL, form)
	maxAttempts := s.cfg.WebhookMaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := s.client.Do(req)
		status := 0
		retryAfter := time.Duration(0)
		if resp != nil {
			status = resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}

		if attempt == maxAttempts-1 {
			slog.Error("mock webhook post failed", "url", callbackURL, "attempt", attempt+1, "status", status, "err", err)
			if err != nil {
				return err
			}
			return fmt.Errorf("webhook post failed: status=%d", status)
		}
		if err == nil && !isRetryableStatus(status) {
			slog.Error("mock webhook post non-retryable", "url", callbackURL, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := retryAfter
		if wait <= 0 {
			wait = s.retryBackoff(attempt)
		}
		slog.Warn("mock webhook post retrying", "url", callbackURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

// retryBackoff is base * 2^attempt, capped.
func (s *server) retryBackoff(attempt int) time.Duration {
	base := time.Duration(s.cfg.WebhookRetryBaseMs) * time.Millisecond
	max := time.Duration(s.cfg.WebhookRetryMaxMs) * time.Millisecond
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	wait := base * time.Duration(1<<attempt)
	if wait > max || wait <= 0 {
		wait = max
	}
	return wait
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx%uint64(len(s.cfg.Outcomes)))]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func (s *server) delay(ctx context.Context) bool {
	if s.cfg.DelayMs <= 0 {
		return true
	}
	t := time.NewTimer(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fmtSID(prefix string, n uint64) string {
	return fmt.Sprintf("%s%032x", prefix, n)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"detail": map[string]any{"status": "error", "message": msg}})
}

func writeTwilioError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{"code": code, "message": msg, "status": status})
}
