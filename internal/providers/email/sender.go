// Package email sends notification mail through the Zoho Mail API with an
// SMTP fallback, and renders the notification bodies.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotConfigured = errors.New("email sender not configured")

type Message struct {
	To      string
	From    string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("email: recipient is required")
	}
	return nil
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Fallback tries each sender in order and stops at the first success.
type Fallback []Sender

func (f Fallback) Name() string { return "fallback" }

func (f Fallback) Send(ctx context.Context, msg Message) error {
	if len(f) == 0 {
		return ErrNotConfigured
	}
	var errs []error
	for _, s := range f {
		err := s.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return errors.Join(errs...)
}

// replyTo returns the tenant address as Reply-To when it differs from the
// authenticated sender.
func replyTo(from, tenantFrom string) string {
	tenantFrom = strings.TrimSpace(tenantFrom)
	if tenantFrom == "" || strings.EqualFold(tenantFrom, strings.TrimSpace(from)) {
		return ""
	}
	return tenantFrom
}
