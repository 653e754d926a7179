package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"voicebridge/internal/domain"
	"voicebridge/internal/observability"
)

const (
	DefaultTimezone = "America/Chicago"
	DefaultSlot     = 30 * time.Minute
)

var ErrInvalidSlot = errors.New("invalid appointment date or time")

// FreeBusy answers whether a slot on a calendar has no busy periods.
type FreeBusy struct {
	Service    *gcal.Service
	CalendarID string
	Location   *time.Location
	Slot       time.Duration
}

// NewFreeBusy builds the calendar service from service-account credentials.
// credentialsJSON wins over credentialsFile; extra options are appended and
// are mainly useful in tests.
func NewFreeBusy(ctx context.Context, calendarID, credentialsJSON, credentialsFile, timezone string, slot time.Duration, extra ...option.ClientOption) (*FreeBusy, error) {
	opts := []option.ClientOption{option.WithScopes(gcal.CalendarReadonlyScope)}
	switch {
	case credentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	case credentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, extra...)

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("calendar timezone: %w", err)
	}
	if slot <= 0 {
		slot = DefaultSlot
	}
	return &FreeBusy{Service: svc, CalendarID: calendarID, Location: loc, Slot: slot}, nil
}

// IsAvailable reports whether [date time, +Slot) is free. calendarID
// overrides the default calendar when set.
func (f *FreeBusy) IsAvailable(ctx context.Context, calendarID string, appt domain.Appointment) (bool, error) {
	if calendarID == "" {
		calendarID = f.CalendarID
	}
	if calendarID == "" {
		return false, errors.New("calendar id not configured")
	}
	start, err := SlotStart(appt.Date, appt.Time, f.Location)
	if err != nil {
		return false, err
	}
	end := start.Add(f.Slot)

	t0 := time.Now()
	resp, err := f.Service.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: start.Format(time.RFC3339),
		TimeMax: end.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: calendarID}},
	}).Context(ctx).Do()
	observability.UpstreamLatency.WithLabelValues("calendar_freebusy").Observe(time.Since(t0).Seconds())
	if err != nil {
		observability.UpstreamRequests.WithLabelValues("calendar_freebusy", "error").Inc()
		return false, fmt.Errorf("freebusy query: %w", err)
	}
	observability.UpstreamRequests.WithLabelValues("calendar_freebusy", "200").Inc()

	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return false, fmt.Errorf("freebusy: calendar %s missing from response", calendarID)
	}
	if len(cal.Errors) > 0 {
		return false, fmt.Errorf("freebusy: calendar %s: %s", calendarID, cal.Errors[0].Reason)
	}
	return len(cal.Busy) == 0, nil
}

// SlotStart parses YYYY-MM-DD and HH:MM in loc.
func SlotStart(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(date)+" "+strings.TrimSpace(clock), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q %q", ErrInvalidSlot, date, clock)
	}
	return t, nil
}
