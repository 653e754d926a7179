package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"voicebridge/internal/domain"
	"voicebridge/internal/observability"
)

var ErrBookingRejected = errors.New("booking rejected")

// AppsScript books appointments through a Google Apps Script web app.
type AppsScript struct {
	URL  string
	HTTP *http.Client
}

func NewAppsScript(url string) *AppsScript {
	return &AppsScript{URL: url, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type bookingRequest struct {
	Nombre    string `json:"nombre"`
	Apellido  string `json:"apellido"`
	Telefono  string `json:"telefono"`
	Email     string `json:"email"`
	FechaCita string `json:"fechaCita"`
	HoraCita  string `json:"horaCita"`
}

type bookingResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Book succeeds only when the script answers {"status":"success"}. url
// overrides the default endpoint when set.
func (a *AppsScript) Book(ctx context.Context, url string, appt domain.Appointment) error {
	if url == "" {
		url = a.URL
	}
	if url == "" {
		return errors.New("apps script url not configured")
	}
	first, last := appt.SplitName()
	b, err := json.Marshal(bookingRequest{
		Nombre:    first,
		Apellido:  last,
		Telefono:  appt.Phone,
		Email:     appt.Email,
		FechaCita: appt.Date,
		HoraCita:  appt.Time,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.HTTP.Do(req)
	observability.UpstreamLatency.WithLabelValues("apps_script_book").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.UpstreamRequests.WithLabelValues("apps_script_book", "error").Inc()
		return fmt.Errorf("apps script: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	observability.UpstreamRequests.WithLabelValues("apps_script_book", fmt.Sprint(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("apps script: http %d", resp.StatusCode)
	}
	var out bookingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("apps script: decode response: %w", err)
	}
	if out.Status != "success" {
		return fmt.Errorf("%w: %s", ErrBookingRejected, out.Message)
	}
	return nil
}
