package elevenlabs

import (
	"context"
	"net/http"
)

const (
	OutboundCallPath = "/convai/twilio/outbound-call"
	BatchSubmitPath  = "/convai/batch-calling/submit"
)

type ClientData struct {
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

type OutboundCallRequest struct {
	AgentID            string      `json:"agent_id"`
	AgentPhoneNumberID string      `json:"agent_phone_number_id"`
	ToNumber           string      `json:"to_number"`
	ClientData         *ClientData `json:"conversation_initiation_client_data,omitempty"`
}

type OutboundCallResult struct {
	ConversationID string
	CallSid        string
}

// OutboundCall places one call. Like Do, the error is transport-only.
func (c *Client) OutboundCall(ctx context.Context, req OutboundCallRequest) (Response, error) {
	return c.Do(ctx, Request{
		Operation: "outbound_call",
		Method:    http.MethodPost,
		Path:      OutboundCallPath,
		Body:      req,
	})
}

func ParseOutboundCallResult(resp Response) OutboundCallResult {
	m, ok := resp.Object()
	if !ok {
		return OutboundCallResult{}
	}
	out := OutboundCallResult{ConversationID: stringField(m, "conversation_id")}
	out.CallSid = stringField(m, "callSid")
	if out.CallSid == "" {
		out.CallSid = stringField(m, "call_sid")
	}
	return out
}

type BatchRecipient map[string]string

type BatchSubmitRequest struct {
	CallName           string           `json:"call_name"`
	AgentID            string           `json:"agent_id"`
	AgentPhoneNumberID string           `json:"agent_phone_number_id"`
	Recipients         []BatchRecipient `json:"recipients"`
}

func (c *Client) SubmitBatch(ctx context.Context, req BatchSubmitRequest) (Response, error) {
	return c.Do(ctx, Request{
		Operation: "batch_submit",
		Method:    http.MethodPost,
		Path:      BatchSubmitPath,
		Body:      req,
	})
}
