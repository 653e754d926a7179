// Package twilio sends appointment SMS and verifies status callbacks.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"voicebridge/internal/observability"
)

const DefaultBaseURL = "https://api.twilio.com"

var ErrNotConfigured = errors.New("twilio: account sid, auth token and sender are required")

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	MessagingServiceSID string
	FromNumber          string
	BaseURL             string
	// StatusCallbackURL is attached to every message when set.
	StatusCallbackURL string
}

func NewClient(accountSID, authToken, messagingServiceSID, fromNumber, baseURL string) *Client {
	return &Client{
		AccountSID:          accountSID,
		AuthToken:           authToken,
		MessagingServiceSID: messagingServiceSID,
		FromNumber:          fromNumber,
		BaseURL:             baseURL,
		HTTP:                &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.AccountSID != "" && c.AuthToken != "" && (c.MessagingServiceSID != "" || c.FromNumber != "")
}

type SendRequest struct {
	To                string
	Body              string
	StatusCallbackURL string
}

type SendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

// SendSMS creates one message. It returns the decoded answer, the HTTP
// status and the raw body; the error is set for transport failures and
// non-2xx answers alike.
func (c *Client) SendSMS(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	if !c.Configured() {
		return SendResponse{}, 0, nil, ErrNotConfigured
	}
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("Body", req.Body)
	if cb := firstNonEmpty(req.StatusCallbackURL, c.StatusCallbackURL); cb != "" {
		form.Set("StatusCallback", cb)
	}
	if c.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", c.MessagingServiceSID)
	} else {
		form.Set("From", c.FromNumber)
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + url.PathEscape(c.AccountSID) + "/Messages.json"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

	start := time.Now()
	resp, err := c.httpClient().Do(httpReq)
	observability.UpstreamLatency.WithLabelValues("twilio_send").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.UpstreamRequests.WithLabelValues("twilio_send", "error").Inc()
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	observability.UpstreamRequests.WithLabelValues("twilio_send", strconv.Itoa(resp.StatusCode)).Inc()

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	// Twilio answers 201 on create.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, b, errors.New(out.Message)
		}
		return out, resp.StatusCode, b, errors.New("twilio send failed: " + resp.Status)
	}
	return out, resp.StatusCode, b, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// ShouldRetry is true for timeouts, 408, 429 and 5xx.
func ShouldRetry(err error, httpStatus int) bool {
	if httpStatus == 0 && err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

// Backoff is roughly 200ms, 600ms, then 1.4s for every later attempt.
func Backoff(attempt int) time.Duration {
	steps := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return steps[0]
	}
	if attempt >= len(steps) {
		return steps[len(steps)-1]
	}
	return steps[attempt]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
