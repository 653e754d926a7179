package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"voicebridge/internal/providers/elevenlabs"
)

type fakeDirectory struct{ err error }

func (f fakeDirectory) ListAgents(ctx context.Context) ([]elevenlabs.AgentSummary, error) {
	return []elevenlabs.AgentSummary{{AgentID: "agent_1", Name: "Sol"}}, f.err
}

func (f fakeDirectory) ListPhoneNumbers(ctx context.Context) ([]elevenlabs.PhoneNumberSummary, error) {
	return nil, f.err
}

func TestAdminSync(t *testing.T) {
	a := &Admin{Directory: fakeDirectory{}, Token: "adm"}

	req := httptest.NewRequest(http.MethodGet, "/admin/sync-agents", nil)
	if rec := serve(a, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/sync-agents", nil)
	req.Header.Set("X-Admin-Token", "adm")
	rec := serve(a, req)
	out := decode(t, rec)
	agents := out["data"].([]any)
	if rec.Code != http.StatusOK || out["ok"] != true || agents[0].(map[string]any)["agent_id"] != "agent_1" {
		t.Fatalf("unexpected response %d %v", rec.Code, out)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/sync-numbers", nil)
	req.Header.Set("X-Admin-Token", "adm")
	if out := decode(t, serve(a, req)); len(out["data"].([]any)) != 0 {
		t.Fatalf("expected empty list, got %v", out)
	}

	a = &Admin{Directory: fakeDirectory{err: errors.New("boom")}}
	req = httptest.NewRequest(http.MethodGet, "/admin/sync-numbers", nil)
	if rec := serve(a, req); rec.Code != http.StatusBadGateway || decode(t, rec)["error"] != ErrUpstream {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := New(nil)
	RegisterHealth(s.Mux, func(ctx context.Context) error { return errors.New("db down") })

	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: expected 503, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound || decode(t, rec)["error"] != ErrNotFound {
		t.Fatalf("expected JSON 404, got %d", rec.Code)
	}
}
