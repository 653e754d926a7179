package httpserver

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"voicebridge/internal/providers/elevenlabs"
)

type Directory interface {
	ListAgents(ctx context.Context) ([]elevenlabs.AgentSummary, error)
	ListPhoneNumbers(ctx context.Context) ([]elevenlabs.PhoneNumberSummary, error)
}

// Admin exposes upstream agents and numbers for tenant onboarding. When
// Token is empty the endpoints are open.
type Admin struct {
	Directory Directory
	Token     string
	Logger    *slog.Logger
}

func (a *Admin) Register(r *mux.Router) {
	sub := r.PathPrefix("/admin").Subrouter()
	sub.Use(a.requireToken)
	sub.HandleFunc("/sync-agents", a.handleAgents).Methods(http.MethodGet)
	sub.HandleFunc("/sync-numbers", a.handleNumbers).Methods(http.MethodGet)
}

func (a *Admin) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Admin-Token")), []byte(a.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, ErrInvalidCredentials)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Admin) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.Directory.ListAgents(r.Context())
	if err != nil {
		loggerFor(a.Logger, r).Error("list agents failed", "err", err)
		writeError(w, http.StatusBadGateway, ErrUpstream)
		return
	}
	if agents == nil {
		agents = []elevenlabs.AgentSummary{}
	}
	writeOK(w, agents)
}

func (a *Admin) handleNumbers(w http.ResponseWriter, r *http.Request) {
	numbers, err := a.Directory.ListPhoneNumbers(r.Context())
	if err != nil {
		loggerFor(a.Logger, r).Error("list phone numbers failed", "err", err)
		writeError(w, http.StatusBadGateway, ErrUpstream)
		return
	}
	if numbers == nil {
		numbers = []elevenlabs.PhoneNumberSummary{}
	}
	writeOK(w, numbers)
}
