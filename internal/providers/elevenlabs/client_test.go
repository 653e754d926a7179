package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient("xi-test", srv.URL, 5*time.Second)
	return c, srv
}

func TestDoSendsAPIKeyAndDecodesJSON(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "xi-test" {
			t.Errorf("expected api key header, got %q", got)
		}
		if r.URL.Path != "/convai/agents" || r.URL.Query().Get("page_size") != "10" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"agents":[]}`))
	})

	resp, err := c.Do(context.Background(), Request{Path: "/convai/agents", Query: url.Values{"page_size": {"10"}}})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if _, ok := resp.Object(); !ok {
		t.Fatalf("expected decoded object, got %T", resp.Body)
	}
}

func TestDoReturnsTextBodyAndNoErrorForHTTPFailures(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such endpoint"))
	})

	resp, err := c.Do(context.Background(), Request{Path: "/missing"})
	if err != nil {
		t.Fatalf("http status must not be an error: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Status)
	}
	if s, ok := resp.Body.(string); !ok || s != "no such endpoint" {
		t.Fatalf("expected raw text body, got %#v", resp.Body)
	}
	var apiErr *APIError
	if !errors.As(resp.Err(), &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected APIError 404, got %v", resp.Err())
	}
}

func TestDoTransportErrorIsReturned(t *testing.T) {
	c := NewClient("k", "http://127.0.0.1:1", time.Second)
	_, err := c.Do(context.Background(), Request{Path: "/x"})
	if err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestDoFollowsAbsoluteURL(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") != "abc" {
			t.Errorf("expected cursor from absolute url, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})
	c.BaseURL = "http://example.invalid/v1"

	resp, err := c.Do(context.Background(), Request{Path: srv.URL + "/convai/conversations?cursor=abc"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if _, ok := resp.Body.([]any); !ok {
		t.Fatalf("expected list body, got %T", resp.Body)
	}
}

func TestErrorMessagePrefersDetail(t *testing.T) {
	resp := Response{Status: 422, Body: map[string]any{"detail": map[string]any{"message": "bad agent"}}, Raw: []byte(`{}`)}
	if got := resp.ErrorMessage(); got != "bad agent" {
		t.Fatalf("expected detail message, got %q", got)
	}
}

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		status int
		err    error
		want   bool
	}{
		{429, nil, true},
		{500, nil, true},
		{503, nil, true},
		{599, nil, true},
		{400, nil, false},
		{404, nil, false},
		{408, nil, false},
		{200, nil, false},
		{0, errors.New("dial tcp: refused"), true},
		{0, context.Canceled, false},
	}
	for _, tc := range cases {
		if got := ShouldRetry(tc.status, tc.err); got != tc.want {
			t.Fatalf("ShouldRetry(%d, %v) = %v, want %v", tc.status, tc.err, got, tc.want)
		}
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Second, Factor: 1.5}
	if p.Delay(0) != time.Second {
		t.Fatalf("expected 1s, got %v", p.Delay(0))
	}
	if p.Delay(1) != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", p.Delay(1))
	}
	if p.Delay(2) != 2250*time.Millisecond {
		t.Fatalf("expected 2.25s, got %v", p.Delay(2))
	}
}

func TestDoWithRetryStopsAtCap(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, attempts, err := c.DoWithRetry(context.Background(), RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Factor: 1.5}, Request{Path: "/x"})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected wrapped APIError 503, got %v", err)
	}
	if attempts != 3 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected exactly 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDoWithRetryDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	resp, attempts, err := c.DoWithRetry(context.Background(), RetryPolicy{MaxAttempts: 3, Base: time.Millisecond}, Request{Path: "/x"})
	if err != nil {
		t.Fatalf("expected no error for a final 4xx, got %v", err)
	}
	if resp.Status != http.StatusBadRequest || attempts != 1 || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected single 400 attempt, got status=%d attempts=%d calls=%d", resp.Status, attempts, calls)
	}
}

func TestListAgentsAcceptsBothShapes(t *testing.T) {
	bodies := []string{
		`{"agents":[{"agent_id":"a1","name":"Front desk"},"junk"]}`,
		`[{"agent_id":"a1","name":"Front desk"}]`,
	}
	for _, body := range bodies {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		})
		agents, err := c.ListAgents(context.Background())
		if err != nil {
			t.Fatalf("list agents: %v", err)
		}
		if len(agents) != 1 || agents[0].AgentID != "a1" || agents[0].Name != "Front desk" {
			t.Fatalf("unexpected agents for %s: %+v", body, agents)
		}
	}
}

func TestOutboundCallPayload(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != OutboundCallPath || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var got map[string]any
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		if got["to_number"] != "+15550001" || got["agent_phone_number_id"] != "pn1" {
			t.Errorf("unexpected payload %v", got)
		}
		cd, _ := got["conversation_initiation_client_data"].(map[string]any)
		dv, _ := cd["dynamic_variables"].(map[string]any)
		if dv["name"] != "Ana" {
			t.Errorf("expected dynamic variables, got %v", cd)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"conversation_id":"conv_1","callSid":"CA1"}`))
	})

	resp, err := c.OutboundCall(context.Background(), OutboundCallRequest{
		AgentID: "a1", AgentPhoneNumberID: "pn1", ToNumber: "+15550001",
		ClientData: &ClientData{DynamicVariables: map[string]string{"name": "Ana"}},
	})
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	res := ParseOutboundCallResult(resp)
	if res.ConversationID != "conv_1" || res.CallSid != "CA1" {
		t.Fatalf("unexpected result %+v", res)
	}
}
