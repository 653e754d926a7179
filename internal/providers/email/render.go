package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"voicebridge/internal/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type ConversationSummary struct {
	AgentName    string
	CallerNumber string
	CallTime     time.Time
	Turns        []domain.Turn
}

type summaryTurn struct {
	Agent   bool
	Message string
	Label   string
}

// Message renders the summary. Empty turns are dropped; "client" is read as
// the user role.
func (s ConversationSummary) Message() (Message, error) {
	agent := orDash(s.AgentName)
	caller := orDash(s.CallerNumber)
	when := s.CallTime.Format("2006-01-02 15:04")

	var turns []summaryTurn
	var text strings.Builder
	text.WriteString("RESUMEN DE LLAMADA\n--------------------------\n")
	fmt.Fprintf(&text, "Agente: %s\nNúmero de contacto: %s\n\nTRANSCRIPCIÓN:\n", agent, caller)
	for _, t := range s.Turns {
		msg := strings.TrimSpace(t.Message)
		if msg == "" {
			continue
		}
		isAgent := strings.EqualFold(t.Role, "agent")
		label := "Cliente · " + caller
		if isAgent {
			label = "Agente"
		}
		turns = append(turns, summaryTurn{Agent: isAgent, Message: msg, Label: label})
		fmt.Fprintf(&text, "%s: %s\n", label, msg)
	}
	text.WriteString("--------------------------")

	var html bytes.Buffer
	err := templates.ExecuteTemplate(&html, "conversation_summary.html", map[string]any{
		"AgentName":    agent,
		"CallerNumber": caller,
		"CallTime":     when,
		"Turns":        turns,
	})
	if err != nil {
		return Message{}, fmt.Errorf("render conversation summary: %w", err)
	}
	return Message{
		Subject: fmt.Sprintf("📞 Conversación %s | Contacto: %s", agent, caller),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

type BookingConfirmation struct {
	BusinessName string
	Appointment  domain.Appointment
	Address      string
	MapsURL      string
}

func (b BookingConfirmation) Message() (Message, error) {
	first, _ := b.Appointment.SplitName()
	data := map[string]any{
		"BusinessName": b.BusinessName,
		"ClientName":   first,
		"Date":         b.Appointment.Date,
		"Time":         b.Appointment.Time,
		"Address":      b.Address,
		"MapsURL":      b.MapsURL,
	}
	var html bytes.Buffer
	if err := templates.ExecuteTemplate(&html, "booking_confirmation.html", data); err != nil {
		return Message{}, fmt.Errorf("render booking confirmation: %w", err)
	}
	text := fmt.Sprintf("Hola %s, tu cita con %s quedó agendada para el %s a las %s.",
		first, b.BusinessName, b.Appointment.Date, b.Appointment.Time)
	if b.Address != "" {
		text += " Dirección: " + b.Address
	}
	return Message{
		To:      b.Appointment.Email,
		Subject: fmt.Sprintf("Cita confirmada - %s", b.BusinessName),
		HTML:    html.String(),
		Text:    text,
	}, nil
}

// AddressInfo answers a caller who asked where the business is. Address may
// be a maps link or a street address.
type AddressInfo struct {
	BusinessName string
	To           string
	Address      string
}

func (a AddressInfo) Message() (Message, error) {
	isLink := strings.HasPrefix(a.Address, "http://") || strings.HasPrefix(a.Address, "https://")
	var html bytes.Buffer
	err := templates.ExecuteTemplate(&html, "address_info.html", map[string]any{
		"BusinessName": a.BusinessName,
		"Address":      a.Address,
		"IsLink":       isLink,
	})
	if err != nil {
		return Message{}, fmt.Errorf("render address info: %w", err)
	}
	return Message{
		To:      a.To,
		Subject: fmt.Sprintf("📍 Ubicación de %s", a.BusinessName),
		HTML:    html.String(),
		Text:    fmt.Sprintf("Hola, esta es la ubicación de %s: %s", a.BusinessName, a.Address),
	}, nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "—"
	}
	return s
}
