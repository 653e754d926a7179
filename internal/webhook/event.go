package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"voicebridge/internal/domain"
)

var ErrInvalidPayload = errors.New("invalid json payload")

// Event is the normalized form of an agent webhook. Missing fields stay empty.
// AddressToSend and EmailToSendTo are set by the agent when the caller asked
// for the business location.
type Event struct {
	Type           string          `json:"type,omitempty"`
	AgentID        string          `json:"agent_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Turns          []domain.Turn   `json:"turns,omitempty"`
	TranscriptText string          `json:"transcript_text"`
	Caller         string          `json:"caller,omitempty"`
	Called         string          `json:"called,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
	AddressToSend  string          `json:"address_to_send,omitempty"`
	EmailToSendTo  string          `json:"email_to_send_to,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// UserMessages returns the trimmed, non-empty user turns.
func (e Event) UserMessages() []string {
	var out []string
	for _, t := range e.Turns {
		if t.Role != "user" {
			continue
		}
		if m := strings.TrimSpace(t.Message); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func Normalize(body []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var top map[string]any
	if err := dec.Decode(&top); err != nil || top == nil {
		return Event{}, ErrInvalidPayload
	}

	root := top
	if data, ok := top["data"].(map[string]any); ok {
		root = data
	}

	ev := Event{
		Type:           text(top["type"]),
		AgentID:        text(root["agent_id"]),
		ConversationID: text(root["conversation_id"]),
		Raw:            json.RawMessage(append([]byte(nil), body...)),
	}
	if ev.AgentID == "" {
		if agent, ok := root["agent"].(map[string]any); ok {
			ev.AgentID = text(agent["id"])
		}
	}
	if ev.AgentID == "" {
		ev.AgentID = text(top["agent_id"])
	}

	transcript := root["transcript"]
	if isEmpty(transcript) {
		transcript = root["transcription"]
	}
	switch tr := transcript.(type) {
	case []any:
		for _, item := range tr {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ev.Turns = append(ev.Turns, domain.Turn{Role: text(m["role"]), Message: text(m["message"])})
		}
		ev.TranscriptText = strings.TrimSpace(strings.Join(ev.UserMessages(), " "))
	case string:
		ev.TranscriptText = strings.TrimSpace(tr)
	}

	if cd, ok := root["conversation_initiation_client_data"].(map[string]any); ok {
		if dyn, ok := cd["dynamic_variables"].(map[string]any); ok {
			ev.Caller = text(dyn["system__caller_id"])
			ev.Called = text(dyn["system__called_number"])
		}
	}

	ev.AddressToSend = firstText(root, top, "address_to_send")
	ev.EmailToSendTo = firstText(root, top, "email_to_send_to")

	ev.Timestamp = text(root["timestamp"])
	if ev.Timestamp == "" {
		ev.Timestamp = text(top["timestamp"])
	}
	return ev, nil
}

// firstText reads key from the data object, then from the envelope.
func firstText(root, top map[string]any, key string) string {
	if v := text(root[key]); v != "" {
		return v
	}
	return text(top[key])
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return fmt.Sprint(x)
	}
	return ""
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	}
	return false
}
