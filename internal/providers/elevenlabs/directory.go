package elevenlabs

import (
	"context"
	"fmt"
	"net/http"
)

type AgentSummary struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

type PhoneNumberSummary struct {
	PhoneNumberID string `json:"phone_number_id"`
	PhoneNumber   string `json:"phone_number"`
}

func (c *Client) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	items, err := c.listObjects(ctx, "list_agents", "/convai/agents", "agents")
	if err != nil {
		return nil, err
	}
	out := make([]AgentSummary, 0, len(items))
	for _, it := range items {
		out = append(out, AgentSummary{AgentID: stringField(it, "agent_id"), Name: stringField(it, "name")})
	}
	return out, nil
}

func (c *Client) ListPhoneNumbers(ctx context.Context) ([]PhoneNumberSummary, error) {
	items, err := c.listObjects(ctx, "list_phone_numbers", "/convai/phone-numbers", "phone_numbers")
	if err != nil {
		return nil, err
	}
	out := make([]PhoneNumberSummary, 0, len(items))
	for _, it := range items {
		out = append(out, PhoneNumberSummary{
			PhoneNumberID: stringField(it, "phone_number_id"),
			PhoneNumber:   stringField(it, "phone_number"),
		})
	}
	return out, nil
}

// listObjects accepts either {key: [...]} or a bare list.
func (c *Client) listObjects(ctx context.Context, op, path, key string) ([]map[string]any, error) {
	resp, err := c.Do(ctx, Request{Operation: op, Method: http.MethodGet, Path: path})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	var list []any
	switch b := resp.Body.(type) {
	case map[string]any:
		list, _ = b[key].([]any)
	case []any:
		list = b
	default:
		return nil, fmt.Errorf("%s: unexpected response body", op)
	}

	out := make([]map[string]any, 0, len(list))
	for _, v := range list {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
