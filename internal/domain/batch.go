package domain

import "errors"

var (
	ErrNoRecipients         = errors.New("recipients must be a non-empty list")
	ErrMissingAgentID       = errors.New("agent_id is required")
	ErrMissingPhoneNumberID = errors.New("phone_number_id is required")
)

const ErrMsgMissingPhone = "missing phone number"

type Recipient struct {
	PhoneNumber string            `json:"phone_number"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// CustomFields returns every non-blank field except the phone number.
func (r Recipient) CustomFields() map[string]string {
	out := make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		if k == "phone_number" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// BatchFailure is one recipient that was not called. RetriesExhausted marks a
// retryable failure that outlasted every attempt.
type BatchFailure struct {
	PhoneNumber      string `json:"phone_number"`
	Error            string `json:"error"`
	StatusCode       int    `json:"status_code"`
	RetriesExhausted bool   `json:"retries_exhausted,omitempty"`
}

type BatchSample struct {
	PhoneNumber    string `json:"phone_number"`
	StatusCode     int    `json:"status_code"`
	ConversationID string `json:"conversation_id,omitempty"`
	CallSid        string `json:"call_sid,omitempty"`
}

// BatchResult reports per-recipient outcomes. OK stays true even when every
// recipient failed; detail lives in Failures.
type BatchResult struct {
	OK       bool           `json:"ok"`
	BatchID  string         `json:"batch_id"`
	CallName string         `json:"call_name"`
	Total    int            `json:"total"`
	Sent     int            `json:"sent"`
	Failed   int            `json:"failed"`
	Failures []BatchFailure `json:"failures"`
	Samples  []BatchSample  `json:"samples"`
}
