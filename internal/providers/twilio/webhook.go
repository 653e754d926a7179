package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// Signature computes X-Twilio-Signature: base64 HMAC-SHA1 of the full URL
// followed by every form key and value, keys sorted.
func Signature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	if authToken == "" || provided == "" {
		return false
	}
	return hmac.Equal([]byte(Signature(authToken, fullURL, form)), []byte(provided))
}

// StatusCallback is the subset of a message status callback we persist.
type StatusCallback struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
}

func ParseStatusCallback(form url.Values) StatusCallback {
	return StatusCallback{
		MessageSid:    form.Get("MessageSid"),
		MessageStatus: strings.ToLower(form.Get("MessageStatus")),
		ErrorCode:     form.Get("ErrorCode"),
	}
}
