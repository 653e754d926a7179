package elevenlabs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// ShouldRetry reports whether a call is worth repeating: transport failures,
// 429 and any 5xx. Other 4xx are final.
func ShouldRetry(status int, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Second, Factor: 1.5}
}

func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay is the pause after the given zero-based attempt: Base * Factor^attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	f := p.Factor
	if f < 1 {
		f = 1
	}
	return time.Duration(float64(p.Base) * math.Pow(f, float64(attempt)))
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

type Doer interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// DoWithRetry repeats req while ShouldRetry holds, up to p.Attempts(). A
// non-retryable answer is returned as-is. When attempts run out the last
// response is returned with an error wrapping ErrRetryExhausted. The int is
// the number of attempts made.
func DoWithRetry(ctx context.Context, d Doer, p RetryPolicy, req Request) (Response, int, error) {
	var (
		resp    Response
		lastErr error
	)
	attempts := p.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		var err error
		resp, err = d.Do(ctx, req)
		if !ShouldRetry(resp.Status, err) {
			return resp, attempt + 1, err
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = resp.Err()
		}
		if attempt == attempts-1 {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return resp, attempt + 1, err
		}
	}
	return resp, attempts, fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr)
}

func (c *Client) DoWithRetry(ctx context.Context, p RetryPolicy, req Request) (Response, int, error) {
	return DoWithRetry(ctx, c, p, req)
}
