package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"voicebridge/internal/observability"
)

const DefaultZohoAPIDomain = "https://www.zohoapis.com"

// Zoho sends through the Zoho Mail REST API. The access token is refreshed
// once on 401 when refresh credentials are configured.
type Zoho struct {
	APIDomain    string
	RefreshToken string
	ClientID     string
	ClientSecret string
	From         string
	HTTP         *http.Client

	mu          sync.Mutex
	accessToken string
	accountID   string
}

func NewZoho(apiDomain, accessToken, refreshToken, clientID, clientSecret, from string) *Zoho {
	if apiDomain == "" {
		apiDomain = DefaultZohoAPIDomain
	}
	return &Zoho{
		APIDomain:    strings.TrimRight(apiDomain, "/"),
		RefreshToken: refreshToken,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		From:         from,
		HTTP:         &http.Client{Timeout: 15 * time.Second},
		accessToken:  accessToken,
	}
}

func (z *Zoho) Name() string { return "zoho_api" }

func (z *Zoho) Configured() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.accessToken != "" || z.canRefresh()
}

func (z *Zoho) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	// the configured mailbox sends; the tenant address becomes Reply-To
	from := firstNonEmpty(z.From, msg.From)

	token, accountID, err := z.session(ctx)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("fromAddress", from)
	form.Set("toAddress", msg.To)
	form.Set("subject", msg.Subject)
	form.Set("content", msg.HTML)
	form.Set("mailFormat", "html")
	if rt := replyTo(from, firstNonEmpty(msg.ReplyTo, msg.From)); rt != "" {
		form.Set("replyToAddress", rt)
	}
	endpoint := z.APIDomain + "/mail/v2/accounts/" + url.PathEscape(accountID) + "/messages"

	status, body, err := z.postForm(ctx, endpoint, token, form)
	if err == nil && status == http.StatusUnauthorized {
		if token, err = z.refresh(ctx); err != nil {
			return err
		}
		status, body, err = z.postForm(ctx, endpoint, token, form)
	}
	if err != nil {
		return fmt.Errorf("zoho send: %w", err)
	}
	if status >= 300 {
		return fmt.Errorf("zoho send: http %d: %s", status, excerpt(body))
	}
	return nil
}

// session returns a token and the primary account id, resolving the account
// (and refreshing the token if needed) on first use.
func (z *Zoho) session(ctx context.Context) (string, string, error) {
	z.mu.Lock()
	token, accountID := z.accessToken, z.accountID
	z.mu.Unlock()
	if token != "" && accountID != "" {
		return token, accountID, nil
	}

	var err error
	if token == "" {
		if token, err = z.refresh(ctx); err != nil {
			return "", "", err
		}
	}
	accountID, err = z.fetchAccountID(ctx, token)
	if err != nil {
		if token, err = z.refresh(ctx); err != nil {
			return "", "", err
		}
		if accountID, err = z.fetchAccountID(ctx, token); err != nil {
			return "", "", err
		}
	}

	z.mu.Lock()
	z.accountID = accountID
	z.mu.Unlock()
	return token, accountID, nil
}

func (z *Zoho) fetchAccountID(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, z.APIDomain+"/mail/v2/accounts", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	resp, err := z.do(req, "zoho_accounts")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("zoho accounts: http %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			AccountID json.Number `json:"accountId"`
			IsPrimary bool        `json:"isPrimary"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("zoho accounts: %w", err)
	}
	if len(out.Data) == 0 {
		return "", errors.New("zoho accounts: no mail account")
	}
	for _, a := range out.Data {
		if a.IsPrimary {
			return a.AccountID.String(), nil
		}
	}
	return out.Data[0].AccountID.String(), nil
}

func (z *Zoho) refresh(ctx context.Context) (string, error) {
	z.mu.Lock()
	ok := z.canRefresh()
	z.mu.Unlock()
	if !ok {
		return "", errors.New("zoho: access token rejected and no refresh credentials")
	}

	form := url.Values{}
	form.Set("refresh_token", z.RefreshToken)
	form.Set("client_id", z.ClientID)
	form.Set("client_secret", z.ClientSecret)
	form.Set("grant_type", "refresh_token")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, z.APIDomain+"/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := z.do(req, "zoho_token")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("zoho token: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("zoho token: refresh failed: %s", out.Error)
	}

	z.mu.Lock()
	z.accessToken = out.AccessToken
	z.mu.Unlock()
	return out.AccessToken, nil
}

func (z *Zoho) postForm(ctx context.Context, endpoint, token string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := z.do(req, "zoho_send")
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, b, nil
}

func (z *Zoho) do(req *http.Request, op string) (*http.Response, error) {
	start := time.Now()
	resp, err := z.HTTP.Do(req)
	observability.UpstreamLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.UpstreamRequests.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	observability.UpstreamRequests.WithLabelValues(op, fmt.Sprint(resp.StatusCode)).Inc()
	return resp, nil
}

func (z *Zoho) canRefresh() bool {
	return z.RefreshToken != "" && z.ClientID != "" && z.ClientSecret != ""
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
