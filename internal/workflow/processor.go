// Package workflow turns a normalized agent event into business actions:
// intent detection, extraction, availability check, booking and notification.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"voicebridge/internal/domain"
	"voicebridge/internal/notify"
	"voicebridge/internal/observability"
	"voicebridge/internal/store"
	"voicebridge/internal/tenant"
	"voicebridge/internal/util"
	"voicebridge/internal/webhook"
)

const (
	StatusIgnored          = "ignored"
	StatusBooked           = "booked"
	StatusConflict         = "conflict"
	StatusExtractionFailed = "extraction_failed"
	StatusBookingFailed    = "booking_failed"
)

// Outcomes of an address request, reported in Result.AddressStatus.
const (
	AddressSent    = "sent"
	AddressFailed  = "failed"
	AddressSkipped = "skipped"
)

const (
	DefaultTrigger        = "AGENDAR_CITA_CONFIRMADA"
	DefaultAddressTrigger = "ENVIAR_DIRECCION"
)

var emailPattern = regexp.MustCompile(`[\w.+-]+@[\w-]+(\.[\w-]+)*\.\w+`)

type Extractor interface {
	Extract(ctx context.Context, turns []domain.Turn) (domain.Appointment, error)
}

type Availability interface {
	IsAvailable(ctx context.Context, calendarID string, appt domain.Appointment) (bool, error)
}

type Booker interface {
	Book(ctx context.Context, url string, appt domain.Appointment) error
}

type Notifier interface {
	AppointmentBooked(ctx context.Context, cfg tenant.Config, appt domain.Appointment) error
	ConversationSummary(ctx context.Context, cfg tenant.Config, ev webhook.Event) error
	AddressRequested(ctx context.Context, cfg tenant.Config, to, address, caller string) error
}

type Recorder interface {
	InsertBooking(ctx context.Context, b store.Booking) error
}

// Result is the outcome of one event. AddressStatus is set only when the
// conversation asked for the business address.
type Result struct {
	Status        string              `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	Appointment   *domain.Appointment `json:"appointment,omitempty"`
	AddressStatus string              `json:"address_status,omitempty"`
}

// Processor runs the workflow. Triggers and AddressTriggers fall back to
// DefaultTrigger and DefaultAddressTrigger when empty.
type Processor struct {
	Triggers        []string
	AddressTriggers []string
	Extractor       Extractor
	Calendar        Availability
	Booker          Booker
	Notifier        Notifier
	Recorder        Recorder
	Logger          *slog.Logger
	Now             func() time.Time
}

// Process runs the booking workflow for one event. Business outcomes are
// reported in Result.Status; the error is reserved for cancellation so a
// queue consumer can redeliver.
func (p *Processor) Process(ctx context.Context, cfg tenant.Config, ev webhook.Event) (Result, error) {
	log := p.logger().With("tenant", cfg.Slug, "agent_id", ev.AgentID, "conversation_id", ev.ConversationID)

	res := p.book(ctx, cfg, ev, log)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	observability.WorkflowResults.WithLabelValues(res.Status).Inc()
	res.AddressStatus = p.sendAddress(ctx, cfg, ev, log)
	log.Info("workflow finished", "status", res.Status, "reason", res.Reason, "address_status", res.AddressStatus)

	if p.Notifier != nil {
		err := p.Notifier.ConversationSummary(ctx, cfg, ev)
		switch {
		case errors.Is(err, notify.ErrSkipped):
		case err != nil:
			log.Warn("conversation summary failed", "err", err)
		}
	}
	return res, nil
}

func (p *Processor) book(ctx context.Context, cfg tenant.Config, ev webhook.Event, log *slog.Logger) Result {
	if !p.hasIntent(ev) {
		return Result{Status: StatusIgnored}
	}
	if p.Extractor == nil {
		return p.finish(ctx, cfg, ev, Result{Status: StatusExtractionFailed, Reason: "extractor not configured"}, log)
	}

	appt, err := p.Extractor.Extract(ctx, turnsOf(ev))
	if err != nil {
		log.Warn("appointment extraction failed", "err", err)
		return p.finish(ctx, cfg, ev, Result{Status: StatusExtractionFailed, Reason: err.Error()}, log)
	}
	if missing := appt.MissingRequired(); len(missing) > 0 {
		return p.finish(ctx, cfg, ev, Result{
			Status:      StatusExtractionFailed,
			Reason:      "missing " + strings.Join(missing, ", "),
			Appointment: &appt,
		}, log)
	}
	if appt.Phone == "" {
		appt.Phone = ev.Caller
	}
	if appt.Address == "" {
		appt.Address = cfg.BusinessAddress()
	}

	// Without a calendar the slot cannot be confirmed free, so nothing is booked.
	if p.Calendar == nil {
		log.Warn("availability check not configured, refusing to book")
		return p.finish(ctx, cfg, ev, Result{Status: StatusConflict, Reason: "availability check not configured", Appointment: &appt}, log)
	}
	free, err := p.Calendar.IsAvailable(ctx, cfg.CalendarID, appt)
	if err != nil {
		log.Warn("availability check failed, refusing to book", "err", err)
		return p.finish(ctx, cfg, ev, Result{Status: StatusConflict, Reason: fmt.Sprintf("availability unknown: %v", err), Appointment: &appt}, log)
	}
	if !free {
		return p.finish(ctx, cfg, ev, Result{Status: StatusConflict, Reason: "slot busy", Appointment: &appt}, log)
	}

	if p.Booker == nil {
		return p.finish(ctx, cfg, ev, Result{Status: StatusBookingFailed, Reason: "booker not configured", Appointment: &appt}, log)
	}
	if err := p.Booker.Book(ctx, cfg.AppsScriptURL, appt); err != nil {
		log.Warn("booking failed", "err", err)
		return p.finish(ctx, cfg, ev, Result{Status: StatusBookingFailed, Reason: err.Error(), Appointment: &appt}, log)
	}

	if p.Notifier != nil {
		if err := p.Notifier.AppointmentBooked(ctx, cfg, appt); err != nil {
			log.Warn("booking notification failed", "err", err)
		}
	}
	return p.finish(ctx, cfg, ev, Result{Status: StatusBooked, Appointment: &appt}, log)
}

// finish records the outcome when a recorder is configured.
func (p *Processor) finish(ctx context.Context, cfg tenant.Config, ev webhook.Event, res Result, log *slog.Logger) Result {
	if p.Recorder == nil {
		return res
	}
	b := store.Booking{
		ID:             util.NewBookingID(),
		TenantSlug:     cfg.Slug,
		ConversationID: ev.ConversationID,
		Status:         res.Status,
		Reason:         res.Reason,
		CreatedAt:      p.now(),
	}
	if a := res.Appointment; a != nil {
		b.Name, b.Phone, b.Email, b.Date, b.Time = a.Name, a.Phone, a.Email, a.Date, a.Time
	}
	if err := p.Recorder.InsertBooking(ctx, b); err != nil {
		log.Error("record booking", "err", err)
	}
	return res
}

// sendAddress mails the business location when the agent flagged an address
// request, either with address_to_send/email_to_send_to in the payload or with
// an address trigger in the user turns. It returns "" when nothing was asked.
func (p *Processor) sendAddress(ctx context.Context, cfg tenant.Config, ev webhook.Event, log *slog.Logger) string {
	if ev.AddressToSend == "" && ev.EmailToSendTo == "" && !containsTrigger(userText(ev), p.AddressTriggers, DefaultAddressTrigger) {
		return ""
	}
	address := firstNonEmpty(ev.AddressToSend, cfg.MapsLink(), cfg.BusinessAddress())
	to := ev.EmailToSendTo
	if to == "" {
		to = findEmail(ev)
	}
	if address == "" || to == "" || p.Notifier == nil {
		log.Warn("address request skipped", "has_address", address != "", "has_recipient", to != "")
		return AddressSkipped
	}
	if err := p.Notifier.AddressRequested(ctx, cfg, to, address, ev.Caller); err != nil {
		log.Warn("address email failed", "err", err)
		return AddressFailed
	}
	return AddressSent
}

// findEmail returns the first address mentioned by the caller, lowercased.
func findEmail(ev webhook.Event) string {
	for _, m := range append(ev.UserMessages(), ev.TranscriptText) {
		if e := emailPattern.FindString(m); e != "" {
			return strings.ToLower(strings.TrimRight(e, "."))
		}
	}
	return ""
}

// hasIntent looks for any booking trigger in the caller's words.
func (p *Processor) hasIntent(ev webhook.Event) bool {
	return containsTrigger(userText(ev), p.Triggers, DefaultTrigger)
}

// userText is the user turns joined, or the flattened transcript when no
// turns were parsed.
func userText(ev webhook.Event) string {
	text := strings.Join(ev.UserMessages(), " ")
	if text == "" {
		text = ev.TranscriptText
	}
	return text
}

// containsTrigger matches case-insensitively; def applies when triggers is empty.
func containsTrigger(text string, triggers []string, def string) bool {
	text = strings.ToUpper(text)
	if text == "" {
		return false
	}
	if len(triggers) == 0 {
		triggers = []string{def}
	}
	for _, t := range triggers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" && strings.Contains(text, t) {
			return true
		}
	}
	return false
}

func turnsOf(ev webhook.Event) []domain.Turn {
	if len(ev.Turns) > 0 {
		return ev.Turns
	}
	return []domain.Turn{{Role: "user", Message: ev.TranscriptText}}
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
