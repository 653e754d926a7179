package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"voicebridge/internal/observability"
	sqsqueue "voicebridge/internal/queue/sqs"
	"voicebridge/internal/store"
	"voicebridge/internal/tenant"
	"voicebridge/internal/util"
	"voicebridge/internal/webhook"
	"voicebridge/internal/workflow"
)

const maxWebhookBody = 1 << 20

var signatureHeaders = []string{"X-Signature", "ElevenLabs-Signature"}

type AgentLookup interface {
	ByAgentID(agentID string) (tenant.Config, error)
}

type EventProcessor interface {
	Process(ctx context.Context, cfg tenant.Config, ev webhook.Event) (workflow.Result, error)
}

type EventQueue interface {
	Enqueue(ctx context.Context, job sqsqueue.EventJob) error
}

type Deduper interface {
	Claim(ctx context.Context, body []byte) (bool, error)
	Release(ctx context.Context, body []byte) error
}

type EventAudit interface {
	InsertWebhookEvent(ctx context.Context, ev store.WebhookEvent) error
	MarkWebhookEvent(ctx context.Context, id, status string) error
}

// Webhook receives agent events. Queue, Dedupe and Audit are optional;
// without a queue events are processed inline.
type Webhook struct {
	Tenants   AgentLookup
	Secret    string
	SkipHMAC  bool
	Processor EventProcessor
	Queue     EventQueue
	Dedupe    Deduper
	Audit     EventAudit
	Logger    *slog.Logger
}

func (h *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/webhook", h.handle).Methods(http.MethodPost)
	r.HandleFunc("/api/agent-event", h.handle).Methods(http.MethodPost)
}

func (h *Webhook) handle(w http.ResponseWriter, r *http.Request) {
	log := loggerFor(h.Logger, r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrPayloadTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}

	if h.SkipHMAC {
		log.Warn("webhook signature check bypassed")
	} else if err := webhook.Verify(h.Secret, body, signatureHeader(r)); err != nil {
		observability.WebhookEvents.WithLabelValues("invalid_signature").Inc()
		log.Warn("webhook signature rejected", "err", err)
		writeError(w, http.StatusUnauthorized, ErrInvalidSignature)
		return
	}

	ev, err := webhook.Normalize(body)
	if err != nil {
		observability.WebhookEvents.WithLabelValues("invalid_payload").Inc()
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if ev.AgentID == "" {
		observability.WebhookEvents.WithLabelValues("missing_agent").Inc()
		writeError(w, http.StatusBadRequest, ErrMissingAgentID)
		return
	}

	cfg, err := h.Tenants.ByAgentID(ev.AgentID)
	if errors.Is(err, tenant.ErrNotFound) {
		observability.WebhookEvents.WithLabelValues("unknown_agent").Inc()
		log.Warn("webhook for unknown agent", "agent_id", ev.AgentID)
		writeError(w, http.StatusNotFound, ErrUnknownAgent)
		return
	}
	if err != nil {
		log.Error("tenant lookup failed", "err", err, "agent_id", ev.AgentID)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	log = log.With("tenant", cfg.Slug, "agent_id", ev.AgentID, "conversation_id", ev.ConversationID)

	ctx := r.Context()
	claimed := false
	if h.Dedupe != nil {
		first, err := h.Dedupe.Claim(ctx, body)
		switch {
		case err != nil:
			// Redis down: process anyway rather than drop the event.
			log.Warn("dedupe unavailable", "err", err)
		case !first:
			observability.WebhookEvents.WithLabelValues("duplicate").Inc()
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duplicate": true})
			return
		default:
			claimed = true
		}
	}
	release := func() {
		if claimed {
			if err := h.Dedupe.Release(context.WithoutCancel(ctx), body); err != nil {
				log.Warn("dedupe release failed", "err", err)
			}
		}
	}

	id := util.NewEventID()
	h.audit(ctx, log, store.WebhookEvent{
		ID:             id,
		TenantSlug:     cfg.Slug,
		AgentID:        ev.AgentID,
		ConversationID: ev.ConversationID,
		EventType:      ev.Type,
		Status:         "received",
		Payload:        body,
		ReceivedAt:     util.NowUTC(),
	})

	if h.Queue != nil {
		err := h.Queue.Enqueue(ctx, sqsqueue.EventJob{ID: id, TenantSlug: cfg.Slug, Event: ev, ReceivedAt: util.NowUTC()})
		if err != nil {
			release()
			observability.WebhookEvents.WithLabelValues("error").Inc()
			log.Error("enqueue webhook event failed", "err", err)
			writeError(w, http.StatusInternalServerError, ErrInternal)
			return
		}
		h.mark(ctx, log, id, "queued")
		observability.WebhookEvents.WithLabelValues("queued").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queued": true})
		return
	}

	res, err := h.Processor.Process(ctx, cfg, ev)
	if err != nil {
		release()
		observability.WebhookEvents.WithLabelValues("error").Inc()
		log.Error("workflow failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	h.mark(ctx, log, id, res.Status)
	observability.WebhookEvents.WithLabelValues("processed").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "workflow": res.Status})
}

func (h *Webhook) audit(ctx context.Context, log *slog.Logger, ev store.WebhookEvent) {
	if h.Audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := h.Audit.InsertWebhookEvent(auditCtx, ev); err != nil {
		log.Error("audit webhook event failed", "err", err)
	}
}

func (h *Webhook) mark(ctx context.Context, log *slog.Logger, id, status string) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.MarkWebhookEvent(ctx, id, status); err != nil {
		log.Error("mark webhook event failed", "err", err, "event_id", id)
	}
}

func signatureHeader(r *http.Request) string {
	for _, name := range signatureHeaders {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}
