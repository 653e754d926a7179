package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	sqsqueue "voicebridge/internal/queue/sqs"
	"voicebridge/internal/tenant"
	"voicebridge/internal/webhook"
	"voicebridge/internal/workflow"
)

type stubTenants map[string]tenant.Config

func (s stubTenants) BySlug(slug string) (tenant.Config, error) {
	if c, ok := s[slug]; ok {
		return c, nil
	}
	return tenant.Config{}, tenant.ErrNotFound
}

type stubProcessor struct {
	res   workflow.Result
	err   error
	calls int
}

func (s *stubProcessor) Process(ctx context.Context, cfg tenant.Config, ev webhook.Event) (workflow.Result, error) {
	s.calls++
	return s.res, s.err
}

type stubAudit map[string]string

func (s stubAudit) MarkWebhookEvent(ctx context.Context, id, status string) error {
	s[id] = status
	return nil
}

func TestEventHandler(t *testing.T) {
	proc := &stubProcessor{res: workflow.Result{Status: workflow.StatusBooked}}
	audit := stubAudit{}
	h := &eventHandler{
		tenants:   stubTenants{"sol": {Slug: "sol"}},
		processor: proc,
		audit:     audit,
		logger:    slog.Default(),
	}
	ctx := context.Background()

	if err := h.handle(ctx, sqsqueue.EventJob{ID: "evt_1", TenantSlug: "sol"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if audit["evt_1"] != workflow.StatusBooked {
		t.Fatalf("expected event marked booked, got %v", audit)
	}

	if err := h.handle(ctx, sqsqueue.EventJob{ID: "evt_2", TenantSlug: "gone"}); err != nil {
		t.Fatalf("missing tenants must not be redelivered: %v", err)
	}
	if audit["evt_2"] != "tenant_missing" || proc.calls != 1 {
		t.Fatalf("unexpected state %v calls=%d", audit, proc.calls)
	}

	proc.err = context.Canceled
	if err := h.handle(ctx, sqsqueue.EventJob{ID: "evt_3", TenantSlug: "sol"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to propagate, got %v", err)
	}
	if _, ok := audit["evt_3"]; ok {
		t.Fatalf("cancelled events must stay unmarked")
	}
}
