package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"voicebridge/internal/observability"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io/v1"
	DefaultTimeout = 30 * time.Second

	maxErrorExcerpt = 300
)

var ErrRetryExhausted = errors.New("upstream retries exhausted")

// APIError is a non-2xx upstream answer surfaced to a caller.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("elevenlabs: http %d: %s", e.Status, e.Message)
}

type Client struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		APIKey:  apiKey,
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type Request struct {
	// Operation labels metrics; defaults to the path.
	Operation string
	Method    string
	// Path is relative to BaseURL unless it is an absolute http(s) URL.
	Path    string
	Query   url.Values
	Body    any
	Timeout time.Duration
}

// Response carries the status and the decoded body. Body is the JSON value
// for JSON content types and the raw text otherwise.
type Response struct {
	Status   int
	Body     any
	Raw      []byte
	ParseErr error
}

func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Object returns the body as a JSON object, if it is one.
func (r Response) Object() (map[string]any, bool) {
	m, ok := r.Body.(map[string]any)
	return m, ok
}

// Err converts a non-2xx response into an *APIError.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	return &APIError{Status: r.Status, Message: r.ErrorMessage()}
}

// ErrorMessage prefers the upstream detail message over the raw body excerpt.
func (r Response) ErrorMessage() string {
	if m, ok := r.Object(); ok {
		switch d := m["detail"].(type) {
		case map[string]any:
			if s, ok := d["message"].(string); ok && s != "" {
				return s
			}
		case string:
			if d != "" {
				return d
			}
		}
		if s, ok := m["message"].(string); ok && s != "" {
			return s
		}
	}
	s := strings.TrimSpace(string(r.Raw))
	if len(s) > maxErrorExcerpt {
		s = s[:maxErrorExcerpt]
	}
	if s == "" {
		s = http.StatusText(r.Status)
	}
	return s
}

// Do performs one call. The returned error is set only for transport
// failures; HTTP error statuses are reported through Response.Status.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	endpoint, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return Response{}, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return Response{}, fmt.Errorf("elevenlabs: encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return Response{}, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", c.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	op := req.Operation
	if op == "" {
		op = req.Path
	}

	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}

	start := time.Now()
	resp, err := hc.Do(httpReq)
	observability.UpstreamLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.UpstreamRequests.WithLabelValues(op, "transport_error").Inc()
		return Response{}, err
	}
	defer resp.Body.Close()
	observability.UpstreamRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Status: resp.StatusCode}, fmt.Errorf("elevenlabs: read body: %w", err)
	}

	out := Response{Status: resp.StatusCode, Raw: raw}
	if isJSON(resp.Header.Get("Content-Type")) {
		if len(bytes.TrimSpace(raw)) > 0 {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				out.ParseErr = err
			} else {
				out.Body = v
			}
		}
	} else {
		out.Body = string(raw)
	}
	return out, nil
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	var endpoint string
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		endpoint = path
	} else {
		base := strings.TrimRight(c.BaseURL, "/")
		if base == "" {
			base = DefaultBaseURL
		}
		endpoint = base + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) == 0 {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: bad url %q: %w", endpoint, err)
	}
	q := u.Query()
	for k, vs := range query {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
