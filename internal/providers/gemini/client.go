// Package gemini extracts appointment details from a call transcript with
// the Gemini generateContent API and a fixed response schema.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voicebridge/internal/domain"
	"voicebridge/internal/observability"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.5-flash-preview-09-2025"
)

var (
	ErrNotConfigured      = errors.New("gemini api key not configured")
	ErrUnexpectedResponse = errors.New("unexpected gemini response shape")
)

const systemPrompt = "Eres un extractor de datos de alta precisión. Analiza la transcripción de una llamada " +
	"entre un agente y un cliente y extrae los datos de contacto y la información de la cita. " +
	"Si la fecha u hora no están explícitas, infiere la mencionada en el último turno. " +
	"Responde EXCLUSIVAMENTE con un objeto JSON que siga el esquema. " +
	"Si un campo no se menciona, usa una cadena vacía."

var responseSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"cliente_nombre_completo": map[string]any{"type": "STRING", "description": "Nombre y apellido completo del cliente."},
		"cliente_telefono":        map[string]any{"type": "STRING", "description": "Número de teléfono del cliente."},
		"cliente_email":           map[string]any{"type": "STRING", "description": "Correo electrónico del cliente."},
		"fecha_cita_iso":          map[string]any{"type": "STRING", "description": "Fecha de la cita, YYYY-MM-DD."},
		"hora_cita_24h":           map[string]any{"type": "STRING", "description": "Hora de la cita, HH:MM en 24 horas."},
		"cliente_direccion":       map[string]any{"type": "STRING", "description": "Dirección física del cliente."},
	},
	"required": []string{"cliente_nombre_completo", "cliente_telefono", "cliente_email", "fecha_cita_iso", "hora_cita_24h"},
}

type Client struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

func NewClient(apiKey, model, baseURL string) *Client {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{APIKey: apiKey, Model: model, BaseURL: baseURL, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type extraction struct {
	Name    string `json:"cliente_nombre_completo"`
	Phone   string `json:"cliente_telefono"`
	Email   string `json:"cliente_email"`
	Date    string `json:"fecha_cita_iso"`
	Time    string `json:"hora_cita_24h"`
	Address string `json:"cliente_direccion"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Extract asks the model for the appointment fields. Fields the caller did not
// mention come back empty; callers check Appointment.MissingRequired.
func (c *Client) Extract(ctx context.Context, turns []domain.Turn) (domain.Appointment, error) {
	if c.APIKey == "" {
		return domain.Appointment{}, ErrNotConfigured
	}

	payload := map[string]any{
		"contents":          []any{map[string]any{"parts": []any{map[string]any{"text": userQuery(turns)}}}},
		"systemInstruction": map[string]any{"parts": []any{map[string]any{"text": systemPrompt}}},
		"generationConfig": map[string]any{
			"responseMimeType": "application/json",
			"responseSchema":   responseSchema,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return domain.Appointment{}, err
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/models/" + url.PathEscape(c.Model) + ":generateContent?key=" + url.QueryEscape(c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return domain.Appointment{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	observability.UpstreamLatency.WithLabelValues("gemini_extract").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.UpstreamRequests.WithLabelValues("gemini_extract", "error").Inc()
		return domain.Appointment{}, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	observability.UpstreamRequests.WithLabelValues("gemini_extract", fmt.Sprint(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Appointment{}, fmt.Errorf("gemini: http %d: %s", resp.StatusCode, excerpt(raw))
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return domain.Appointment{}, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return domain.Appointment{}, ErrUnexpectedResponse
	}

	var ex extraction
	if err := json.Unmarshal([]byte(gr.Candidates[0].Content.Parts[0].Text), &ex); err != nil {
		return domain.Appointment{}, fmt.Errorf("%w: model text is not json: %v", ErrUnexpectedResponse, err)
	}
	return domain.Appointment{
		Name:    strings.TrimSpace(ex.Name),
		Phone:   strings.TrimSpace(ex.Phone),
		Email:   strings.TrimSpace(ex.Email),
		Date:    strings.TrimSpace(ex.Date),
		Time:    strings.TrimSpace(ex.Time),
		Address: strings.TrimSpace(ex.Address),
	}, nil
}

func userQuery(turns []domain.Turn) string {
	var b strings.Builder
	b.WriteString("Analiza la siguiente transcripción y extrae los datos de contacto y de la cita:\n\n--- TRANSCRIPCIÓN ---\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "<%s>: %s\n", strings.ToUpper(t.Role), t.Message)
	}
	b.WriteString("---------------------\n\nGenera el objeto JSON con las claves solicitadas.")
	return b.String()
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
