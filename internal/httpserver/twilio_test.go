package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"voicebridge/internal/providers/twilio"
	"voicebridge/internal/store"
)

type fakeStatusStore struct {
	updates []store.NotificationStatusUpdate
	found   bool
}

func (f *fakeStatusStore) UpdateNotificationStatus(ctx context.Context, in store.NotificationStatusUpdate) (bool, error) {
	f.updates = append(f.updates, in)
	return f.found, nil
}

const callbackURL = "https://api.example/twilio/status"

func statusRequest(form url.Values, sig string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)
	return req
}

func TestTwilioStatus(t *testing.T) {
	st := &fakeStatusStore{found: true}
	h := &TwilioStatus{Store: st, AuthToken: "tok", PublicURL: callbackURL}
	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30003"}}

	rec := serve(h, statusRequest(form, twilio.Signature("tok", callbackURL, form)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(st.updates) != 1 || st.updates[0].ProviderID != "SM1" || st.updates[0].State != "undelivered" || st.updates[0].LastError != "30003" {
		t.Fatalf("unexpected updates %+v", st.updates)
	}

	if rec := serve(h, statusRequest(form, "bogus")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	st.found = false
	if rec := serve(h, statusRequest(form, twilio.Signature("tok", callbackURL, form))); rec.Code != http.StatusOK {
		t.Fatalf("unknown sids must still answer 200, got %d", rec.Code)
	}
}
