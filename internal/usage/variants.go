package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"voicebridge/internal/domain"
	"voicebridge/internal/providers/elevenlabs"
)

// Variant is one guess at the analytics endpoint contract. Params values may
// hold {agent_id}, {start} and {end}; for GET they become query parameters,
// otherwise a JSON body.
type Variant struct {
	Name   string            `json:"name"`
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Params map[string]string `json:"params"`
}

func DefaultVariants() []Variant {
	return []Variant{
		{
			Name:   "analytics_post_unix",
			Method: http.MethodPost,
			Path:   "/convai/analytics/agent",
			Params: map[string]string{"agent_id": "{agent_id}", "start_unix": "{start}", "end_unix": "{end}"},
		},
		{
			Name:   "analytics_post_time_unix",
			Method: http.MethodPost,
			Path:   "/convai/analytics/agent",
			Params: map[string]string{"agent_id": "{agent_id}", "start_time_unix": "{start}", "end_time_unix": "{end}"},
		},
		{
			Name:   "analytics_get",
			Method: http.MethodGet,
			Path:   "/convai/analytics/agent",
			Params: map[string]string{"agent_id": "{agent_id}", "start_unix": "{start}", "end_unix": "{end}"},
		},
		{
			Name:   "agent_analytics_get",
			Method: http.MethodGet,
			Path:   "/convai/agents/{agent_id}/analytics",
			Params: map[string]string{"start_unix": "{start}", "end_unix": "{end}"},
		},
	}
}

// ParseVariants reads a JSON array of variants. Empty input means the
// defaults; "off" or "none" disables the analytics step.
func ParseVariants(raw string) ([]Variant, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return DefaultVariants(), nil
	case "off", "none", "[]":
		return nil, nil
	}
	var vs []Variant
	if err := json.Unmarshal([]byte(raw), &vs); err != nil {
		return nil, fmt.Errorf("parse analytics variants: %w", err)
	}
	for i := range vs {
		if vs[i].Path == "" {
			return nil, errors.New("parse analytics variants: path is required")
		}
		vs[i].Method = strings.ToUpper(strings.TrimSpace(vs[i].Method))
		if vs[i].Method == "" {
			vs[i].Method = http.MethodGet
		}
		if vs[i].Name == "" {
			vs[i].Name = vs[i].Method + " " + vs[i].Path
		}
	}
	return vs, nil
}

func (v Variant) request(agentID string, w domain.UsageWindow) elevenlabs.Request {
	start := strconv.FormatInt(w.Start, 10)
	end := strconv.FormatInt(w.End, 10)
	expand := strings.NewReplacer("{agent_id}", agentID, "{start}", start, "{end}", end)

	req := elevenlabs.Request{
		Operation: "usage_analytics",
		Method:    v.Method,
		Path:      strings.ReplaceAll(v.Path, "{agent_id}", url.PathEscape(agentID)),
	}

	if v.Method == http.MethodGet {
		q := url.Values{}
		for k, tpl := range v.Params {
			q.Set(k, expand.Replace(tpl))
		}
		req.Query = q
		return req
	}

	body := make(map[string]any, len(v.Params))
	for k, tpl := range v.Params {
		switch tpl {
		case "{start}":
			body[k] = w.Start
		case "{end}":
			body[k] = w.End
		default:
			body[k] = expand.Replace(tpl)
		}
	}
	req.Body = body
	return req
}
