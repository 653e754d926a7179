package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"voicebridge/internal/auth"
	"voicebridge/internal/batch"
	"voicebridge/internal/domain"
	"voicebridge/internal/store"
	"voicebridge/internal/tenant"
)

const (
	maxUploadBytes = 10 << 20
	dateLayout     = "2006-01-02"
)

type TenantDirectory interface {
	ByUsername(username string) (tenant.Config, error)
	BySlug(slug string) (tenant.Config, error)
}

type UsageSource interface {
	GetUsage(ctx context.Context, agentID string, w domain.UsageWindow) (domain.UsageReport, error)
}

type BatchDispatcher interface {
	Dispatch(ctx context.Context, callName, agentID, phoneNumberID string, recipients []domain.Recipient) (domain.BatchResult, error)
}

type BatchAudit interface {
	InsertBatch(ctx context.Context, in store.Batch, res domain.BatchResult) error
}

// Panel serves the tenant panel: login, consumption and batch calls.
type Panel struct {
	Tenants      TenantDirectory
	Tokens       *auth.Manager
	Usage        UsageSource
	Dispatcher   BatchDispatcher
	Batches      BatchAudit
	USDPerCredit float64
	// Location interprets panel dates; UTC when nil.
	Location *time.Location
	Logger   *slog.Logger
}

func (p *Panel) Register(r *mux.Router) {
	r.HandleFunc("/agent/login", p.handleLogin).Methods(http.MethodPost)

	protected := r.PathPrefix("/agent").Subrouter()
	protected.Use(auth.RequireBearer(p.Tokens))
	protected.HandleFunc("/data", p.handleData).Methods(http.MethodPost)
	protected.HandleFunc("/start-batch-call", p.handleBatchCall).Methods(http.MethodPost)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (p *Panel) handleLogin(w http.ResponseWriter, r *http.Request) {
	log := loggerFor(p.Logger, r)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, ErrBadForm)
		return
	}
	username := strings.TrimSpace(r.PostForm.Get("username"))
	password := r.PostForm.Get("password")
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	cfg, err := p.Tenants.ByUsername(username)
	if err != nil {
		if !errors.Is(err, tenant.ErrNotFound) {
			log.Error("tenant lookup failed", "err", err)
		}
		log.Info("login failed", "username", username, "reason", "unknown user")
		writeError(w, http.StatusUnauthorized, ErrInvalidCredentials)
		return
	}
	switch err := auth.CheckPassword(cfg.AgentPassHash, password); {
	case errors.Is(err, auth.ErrBadHash):
		log.Error("tenant password hash is invalid", "tenant", cfg.Slug)
		writeError(w, http.StatusInternalServerError, "account configuration error")
		return
	case err != nil:
		log.Info("login failed", "username", username, "reason", "bad password")
		writeError(w, http.StatusUnauthorized, ErrInvalidCredentials)
		return
	}

	tok, err := p.Tokens.Issue(time.Now(), cfg.Slug)
	if err != nil {
		log.Error("issue token failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	log.Info("login ok", "username", username, "tenant", cfg.Slug)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: tok,
		TokenType:   "bearer",
		ExpiresIn:   int64(p.Tokens.TTL() / time.Second),
	})
}

type dataRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type usageData struct {
	AgentName       string  `json:"agent_name"`
	PhoneNumber     string  `json:"phone_number"`
	Calls           int     `json:"calls"`
	CreditsConsumed float64 `json:"credits_consumed"`
	DurationMinutes float64 `json:"duration_minutes"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	UsageAvailable  bool    `json:"usage_available"`
	Truncated       bool    `json:"truncated,omitempty"`
}

func (p *Panel) handleData(w http.ResponseWriter, r *http.Request) {
	log := loggerFor(p.Logger, r)
	cfg, ok := p.currentTenant(w, r)
	if !ok {
		return
	}
	if cfg.AgentID == "" {
		writeError(w, http.StatusBadRequest, "tenant has no elevenlabs_agent_id")
		return
	}

	var req dataRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	window, err := PanelWindow(req.StartDate, req.EndDate, p.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := usageData{AgentName: cfg.DisplayName(), PhoneNumber: cfg.PhoneNumber}
	report, err := p.Usage.GetUsage(r.Context(), cfg.AgentID, window)
	if err != nil {
		log.Error("usage unavailable", "err", err, "tenant", cfg.Slug, "agent_id", cfg.AgentID)
	} else {
		out.UsageAvailable = true
		out.Truncated = report.Truncated
		out.Calls = report.Totals.Calls
		out.CreditsConsumed = round(report.Totals.Credits, 2)
		out.DurationMinutes = round(report.Totals.DurationSeconds/60, 2)
		out.TotalCostUSD = round(report.Totals.Credits*p.USDPerCredit, 4)
	}
	writeOK(w, out)
}

func (p *Panel) handleBatchCall(w http.ResponseWriter, r *http.Request) {
	log := loggerFor(p.Logger, r)
	cfg, ok := p.currentTenant(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with batch_name and csv_file")
		return
	}
	name := strings.TrimSpace(r.FormValue("batch_name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "batch_name is required")
		return
	}
	file, header, err := r.FormFile("csv_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "csv_file is required")
		return
	}
	defer file.Close()
	if header.Size > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, ErrPayloadTooLarge)
		return
	}

	recipients, err := batch.ParseRecipients(header.Filename, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := p.Dispatcher.Dispatch(r.Context(), name, cfg.AgentID, cfg.PhoneNumberID, recipients)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.Batches != nil {
		if err := p.Batches.InsertBatch(r.Context(), store.Batch{TenantSlug: cfg.Slug, AgentID: cfg.AgentID, CreatedAt: time.Now().UTC()}, res); err != nil {
			log.Error("record batch failed", "err", err, "batch_id", res.BatchID)
		}
	}
	writeOK(w, res)
}

// currentTenant resolves the slug set by the bearer middleware. A token for
// a tenant that no longer exists is treated as invalid.
func (p *Panel) currentTenant(w http.ResponseWriter, r *http.Request) (tenant.Config, bool) {
	slug, err := auth.Slug(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrInvalidCredentials)
		return tenant.Config{}, false
	}
	cfg, err := p.Tenants.BySlug(slug)
	if err != nil {
		if !errors.Is(err, tenant.ErrNotFound) {
			loggerFor(p.Logger, r).Error("tenant lookup failed", "err", err, "tenant", slug)
		}
		writeError(w, http.StatusUnauthorized, ErrInvalidCredentials)
		return tenant.Config{}, false
	}
	return cfg, true
}

// PanelWindow converts inclusive YYYY-MM-DD dates into unix seconds; the end
// day runs through its last second.
func PanelWindow(startDate, endDate string, loc *time.Location) (domain.UsageWindow, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(dateLayout, strings.TrimSpace(startDate), loc)
	if err != nil {
		return domain.UsageWindow{}, errors.New("invalid start_date, expected YYYY-MM-DD")
	}
	end, err := time.ParseInLocation(dateLayout, strings.TrimSpace(endDate), loc)
	if err != nil {
		return domain.UsageWindow{}, errors.New("invalid end_date, expected YYYY-MM-DD")
	}
	w := domain.UsageWindow{
		Start: start.Unix(),
		End:   end.AddDate(0, 0, 1).Add(-time.Second).Unix(),
	}
	if err := w.Validate(); err != nil {
		return domain.UsageWindow{}, err
	}
	return w, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
