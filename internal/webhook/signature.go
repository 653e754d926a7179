package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature   = errors.New("missing signature header")
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// Signature is a parsed "t=<ts>,v0=<hex>" header. Parts may come in any order.
type Signature struct {
	Timestamp string
	V0        string
}

func ParseHeader(header string) (Signature, error) {
	if strings.TrimSpace(header) == "" {
		return Signature{}, ErrMissingSignature
	}
	var sig Signature
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			sig.Timestamp = v
		case "v0":
			sig.V0 = strings.ToLower(v)
		}
	}
	if sig.V0 == "" {
		return Signature{}, ErrMalformedSignature
	}
	return sig, nil
}

// Verify accepts the header when v0 is the HMAC-SHA256 of the body, of
// "t.body" or of "tbody". All comparisons are constant time.
func Verify(secret string, body []byte, header string) error {
	sig, err := ParseHeader(header)
	if err != nil {
		return err
	}
	if secret == "" {
		return ErrSignatureMismatch
	}

	got := []byte(sig.V0)
	candidates := [][]byte{
		body,
		append([]byte(sig.Timestamp+"."), body...),
		append([]byte(sig.Timestamp), body...),
	}
	match := false
	for _, msg := range candidates {
		if hmac.Equal(got, []byte(Sign(secret, msg))) {
			match = true
		}
	}
	if !match {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 of msg.
func Sign(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}
