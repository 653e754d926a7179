// Package notify delivers booking confirmations and conversation summaries
// by email and SMS, and records every attempt.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"voicebridge/internal/domain"
	"voicebridge/internal/observability"
	"voicebridge/internal/providers/email"
	"voicebridge/internal/providers/twilio"
	"voicebridge/internal/store"
	"voicebridge/internal/tenant"
	"voicebridge/internal/util"
	"voicebridge/internal/webhook"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"

	DefaultSMSTemplate = "Hola {name}, tu cita con {business} quedó agendada para el {date} a las {time}. {address}"

	smsAttempts = 3
)

var ErrSkipped = errors.New("notification skipped")

type SMSSender interface {
	SendSMS(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, []byte, error)
}

type Recorder interface {
	InsertNotification(ctx context.Context, n store.Notification) error
}

type Notifier struct {
	Mail     email.Sender
	SMS      SMSSender
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker
	Recorder Recorder
	Logger   *slog.Logger

	// Backoff defaults to twilio.Backoff.
	Backoff func(attempt int) time.Duration
	Now     func() time.Time
}

// AppointmentBooked sends the client confirmation on every enabled channel.
// Channel failures are joined; a disabled channel is not an error.
func (n *Notifier) AppointmentBooked(ctx context.Context, cfg tenant.Config, appt domain.Appointment) error {
	var errs []error

	settings := cfg.EmailSettings()
	if settings.NotifyClient && strings.TrimSpace(appt.Email) != "" {
		msg, err := email.BookingConfirmation{
			BusinessName: cfg.DisplayName(),
			Appointment:  appt,
			Address:      firstNonEmpty(appt.Address, cfg.BusinessAddress()),
			MapsURL:      cfg.MapsLink(),
		}.Message()
		if err == nil {
			msg.From = settings.From
			err = n.sendEmail(ctx, cfg.Slug, msg)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if cfg.SMS.Enabled {
		if err := n.sendSMS(ctx, cfg, appt); err != nil {
			errs = append(errs, fmt.Errorf("sms: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ConversationSummary mails the transcript to the tenant when enabled.
func (n *Notifier) ConversationSummary(ctx context.Context, cfg tenant.Config, ev webhook.Event) error {
	settings := cfg.EmailSettings()
	if !settings.NotifyConversations || strings.TrimSpace(settings.To) == "" || len(ev.Turns) == 0 {
		return ErrSkipped
	}
	msg, err := email.ConversationSummary{
		AgentName:    cfg.DisplayName(),
		CallerNumber: ev.Caller,
		CallTime:     eventTime(ev.Timestamp, n.now()),
		Turns:        ev.Turns,
	}.Message()
	if err != nil {
		return err
	}
	msg.To = settings.To
	msg.From = settings.From
	return n.sendEmail(ctx, cfg.Slug, msg)
}

// AddressRequested mails the business location to a caller who asked for it.
func (n *Notifier) AddressRequested(ctx context.Context, cfg tenant.Config, to, address, caller string) error {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(address) == "" {
		return ErrSkipped
	}
	msg, err := email.AddressInfo{BusinessName: cfg.DisplayName(), To: to, Address: address}.Message()
	if err != nil {
		return err
	}
	msg.From = cfg.EmailSettings().From
	n.logger().Info("sending address email", "tenant", cfg.Slug, "caller", caller)
	return n.sendEmail(ctx, cfg.Slug, msg)
}

func (n *Notifier) sendEmail(ctx context.Context, slug string, msg email.Message) error {
	if n.Mail == nil {
		return email.ErrNotConfigured
	}
	err := n.Mail.Send(ctx, msg)
	rec := store.Notification{
		TenantSlug: slug,
		Channel:    ChannelEmail,
		Recipient:  msg.To,
		Provider:   n.Mail.Name(),
		State:      store.NotificationSent,
	}
	if err != nil {
		rec.State = store.NotificationFailed
		rec.LastError = err.Error()
	}
	n.record(ctx, rec)
	return err
}

func (n *Notifier) sendSMS(ctx context.Context, cfg tenant.Config, appt domain.Appointment) error {
	if n.SMS == nil {
		return twilio.ErrNotConfigured
	}
	to := util.NormalizePhone(appt.Phone)
	if to == "" {
		observability.Notifications.WithLabelValues(ChannelSMS, "no_phone").Inc()
		return errors.New("appointment has no phone number")
	}
	first, _ := appt.SplitName()
	tmpl := cfg.SMS.Template
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultSMSTemplate
	}
	body := strings.TrimSpace(util.RenderTemplate(tmpl, map[string]string{
		"name":     first,
		"date":     appt.Date,
		"time":     appt.Time,
		"business": cfg.DisplayName(),
		"address":  firstNonEmpty(appt.Address, cfg.BusinessAddress()),
	}))

	rec := store.Notification{TenantSlug: cfg.Slug, Channel: ChannelSMS, Recipient: to, Provider: "twilio"}
	sid, err := n.deliverSMS(ctx, to, body)
	if err != nil {
		rec.State = store.NotificationFailed
		rec.LastError = err.Error()
	} else {
		rec.State = store.NotificationSent
		rec.ProviderID = sid
	}
	n.record(ctx, rec)
	return err
}

// deliverSMS paces, breaks and retries the Twilio call the same way the
// outbound dispatcher does for ElevenLabs.
func (n *Notifier) deliverSMS(ctx context.Context, to, body string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < smsAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, n.backoff(attempt-1)); err != nil {
				return "", err
			}
		}
		if n.Limiter != nil {
			waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := n.Limiter.Wait(waitCtx)
			cancel()
			if err != nil {
				observability.Notifications.WithLabelValues(ChannelSMS, "rate_limited_local").Inc()
				lastErr = err
				continue
			}
		}

		resp, status, err := n.executeWithBreaker(ctx, to, body)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.Notifications.WithLabelValues(ChannelSMS, "cb_open").Inc()
			return "", err
		}
		if err == nil {
			return resp.Sid, nil
		}
		lastErr = err
		if !twilio.ShouldRetry(err, status) {
			return "", err
		}
		n.logger().Warn("sms send retry", "attempt", attempt+1, "status", strconv.Itoa(status), "err", err)
	}
	return "", fmt.Errorf("retries exhausted: %w", lastErr)
}

func (n *Notifier) executeWithBreaker(ctx context.Context, to, body string) (twilio.SendResponse, int, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()
		resp, status, _, err := n.SMS.SendSMS(reqCtx, twilio.SendRequest{To: to, Body: body})
		if err != nil {
			return nil, smsCallError{err: err, status: status}
		}
		return smsResult{resp: resp, status: status}, nil
	}

	var (
		v   any
		err error
	)
	if n.Breaker == nil {
		v, err = call()
	} else {
		v, err = n.Breaker.Execute(call)
	}
	if err != nil {
		var ce smsCallError
		if errors.As(err, &ce) {
			return twilio.SendResponse{}, ce.status, ce.err
		}
		return twilio.SendResponse{}, 0, err
	}
	r := v.(smsResult)
	return r.resp, r.status, nil
}

func (n *Notifier) record(ctx context.Context, rec store.Notification) {
	observability.Notifications.WithLabelValues(rec.Channel, rec.State).Inc()
	log := n.logger().With("tenant", rec.TenantSlug, "channel", rec.Channel, "provider", rec.Provider)
	if rec.State == store.NotificationFailed {
		log.Warn("notification failed", "err", rec.LastError)
	} else {
		log.Info("notification sent", "provider_id", rec.ProviderID)
	}
	if n.Recorder == nil {
		return
	}
	now := n.now()
	rec.ID = util.NewNotificationID()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := n.Recorder.InsertNotification(ctx, rec); err != nil {
		log.Error("record notification", "err", err)
	}
}

func (n *Notifier) backoff(attempt int) time.Duration {
	if n.Backoff != nil {
		return n.Backoff(attempt)
	}
	return twilio.Backoff(attempt)
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return util.NowUTC()
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// eventTime reads unix seconds or RFC 3339; anything else yields fallback.
func eventTime(ts string, fallback time.Time) time.Time {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return fallback
	}
	if secs, err := strconv.ParseFloat(ts, 64); err == nil {
		if secs > 1e12 {
			secs /= 1000
		}
		return time.Unix(int64(secs), 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t
	}
	return fallback
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type smsResult struct {
	resp   twilio.SendResponse
	status int
}

type smsCallError struct {
	err    error
	status int
}

func (e smsCallError) Error() string { return e.err.Error() }
func (e smsCallError) Unwrap() error { return e.err }
