package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"voicebridge/internal/observability"
	"voicebridge/internal/providers/twilio"
	"voicebridge/internal/store"
	"voicebridge/internal/util"
)

type NotificationStatusStore interface {
	UpdateNotificationStatus(ctx context.Context, in store.NotificationStatusUpdate) (bool, error)
}

// TwilioStatus receives SMS delivery callbacks. PublicURL must be the exact
// callback URL Twilio signs.
type TwilioStatus struct {
	Store     NotificationStatusStore
	AuthToken string
	PublicURL string
	Logger    *slog.Logger
}

func (t *TwilioStatus) Register(r *mux.Router) {
	r.HandleFunc("/twilio/status", t.handle).Methods(http.MethodPost)
}

func (t *TwilioStatus) handle(w http.ResponseWriter, r *http.Request) {
	log := loggerFor(t.Logger, r)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, ErrBadForm)
		return
	}
	if !twilio.VerifySignature(t.AuthToken, t.PublicURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		observability.WebhookEvents.WithLabelValues("twilio_invalid_signature").Inc()
		writeError(w, http.StatusUnauthorized, ErrInvalidSignature)
		return
	}

	cb := twilio.ParseStatusCallback(r.PostForm)
	observability.WebhookEvents.WithLabelValues("twilio_" + cb.MessageStatus).Inc()
	if cb.MessageSid == "" || cb.MessageStatus == "" || t.Store == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	found, err := t.Store.UpdateNotificationStatus(r.Context(), store.NotificationStatusUpdate{
		Provider:   "twilio",
		ProviderID: cb.MessageSid,
		State:      cb.MessageStatus,
		LastError:  cb.ErrorCode,
		Now:        util.NowUTC(),
	})
	if err != nil {
		log.Error("update notification status failed", "err", err, "message_sid", cb.MessageSid)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	if !found {
		log.Warn("status callback for unknown message", "message_sid", cb.MessageSid, "status", cb.MessageStatus)
	}
	w.WriteHeader(http.StatusOK)
}
