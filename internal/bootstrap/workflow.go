// Package bootstrap builds the booking workflow from configuration. The API
// (inline mode) and the webhook processor share it.
package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"voicebridge/internal/config"
	"voicebridge/internal/notify"
	"voicebridge/internal/providers/calendar"
	"voicebridge/internal/providers/email"
	"voicebridge/internal/providers/gemini"
	"voicebridge/internal/providers/twilio"
	"voicebridge/internal/workflow"
)

// Recorder persists workflow outcomes. A nil Recorder disables persistence.
type Recorder interface {
	workflow.Recorder
	notify.Recorder
}

// Workflow wires extraction, availability, booking and notifications. Missing
// credentials disable the matching collaborator instead of failing startup.
func Workflow(ctx context.Context, cfg config.Workflow, rec Recorder, logger *slog.Logger) (*workflow.Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &workflow.Processor{
		Triggers:        cfg.BookingTriggers,
		AddressTriggers: cfg.AddressTriggers,
		Booker:          calendar.NewAppsScript(cfg.AppsScriptURL),
		Notifier:        Notifier(cfg, rec, logger),
		Logger:          logger,
	}
	if rec != nil {
		p.Recorder = rec
	}

	if cfg.GeminiAPIKey != "" {
		p.Extractor = gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL)
	} else {
		logger.Warn("GEMINI_API_KEY not set, bookings will fail extraction")
	}

	if cfg.GoogleCredentialsJSON != "" || cfg.GoogleCredentialsFile != "" {
		fb, err := calendar.NewFreeBusy(ctx, cfg.GoogleCalendarID, cfg.GoogleCredentialsJSON, cfg.GoogleCredentialsFile, cfg.CalendarTimezone, cfg.CalendarSlot)
		if err != nil {
			return nil, err
		}
		p.Calendar = fb
	} else {
		logger.Warn("google credentials not set, bookings will be refused as unverifiable")
	}
	return p, nil
}

// Notifier builds email (Zoho API first, SMTP second) and Twilio SMS
// delivery with the same limiter and breaker settings for every tenant.
func Notifier(cfg config.Workflow, rec notify.Recorder, logger *slog.Logger) *notify.Notifier {
	zoho := email.NewZoho(cfg.ZohoAPIDomain, cfg.ZohoAccessToken, cfg.ZohoRefreshToken, cfg.ZohoClientID, cfg.ZohoClientSecret, cfg.MailFrom)
	smtp := &email.SMTP{
		Host:     cfg.SMTPServer,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
		Timeout:  20 * time.Second,
	}

	n := &notify.Notifier{
		Mail:    email.Fallback{zoho, smtp},
		Limiter: rate.NewLimiter(rate.Limit(cfg.TwilioRPS), cfg.TwilioBurst),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "twilio",
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
		Logger: logger,
	}
	if rec != nil {
		n.Recorder = rec
	}

	tw := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioMessagingServiceSID, cfg.TwilioFromNumber, cfg.TwilioBaseURL)
	tw.StatusCallbackURL = cfg.TwilioCallbackURL()
	if tw.Configured() {
		n.SMS = tw
	} else {
		logger.Warn("twilio credentials not set, sms disabled")
	}
	return n
}
