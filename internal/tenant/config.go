package tenant

import (
	"encoding/json"
	"strings"
)

type EmailSettings struct {
	To                  string `json:"to"`
	From                string `json:"from"`
	NotifyClient        bool   `json:"notify_client"`
	NotifyConversations bool   `json:"notify_conversations"`
}

type SMSSettings struct {
	Enabled  bool   `json:"enabled"`
	Template string `json:"template"`
}

type Location struct {
	Address string `json:"address"`
	MapsURL string `json:"maps_url"`
}

// Config is one tenant file. Slug is the file name without extension and is
// never read from the file itself. Address and MapsURL are the older
// top-level spelling of Location.
type Config struct {
	Slug               string         `json:"-"`
	Name               string         `json:"name"`
	AgentID            string         `json:"elevenlabs_agent_id"`
	PhoneNumberID      string         `json:"elevenlabs_phone_number_id"`
	AgentUser          string         `json:"agent_user"`
	AgentPassHash      string         `json:"agent_pass_hash"`
	PhoneNumber        string         `json:"phone_number"`
	Email              *EmailSettings `json:"email,omitempty"`
	LegacyEmailService *EmailSettings `json:"email_service,omitempty"`
	SMS                SMSSettings    `json:"sms"`
	CalendarID         string         `json:"calendar_id"`
	AppsScriptURL      string         `json:"apps_script_url"`
	Location           Location       `json:"location"`
	Address            string         `json:"address"`
	MapsURL            string         `json:"maps_url"`
}

// EmailSettings prefers the "email" block over the older "email_service" key.
func (c Config) EmailSettings() EmailSettings {
	if c.Email != nil {
		return *c.Email
	}
	if c.LegacyEmailService != nil {
		return *c.LegacyEmailService
	}
	return EmailSettings{}
}

// BusinessAddress prefers location.address over the top-level key.
func (c Config) BusinessAddress() string {
	return firstNonEmpty(c.Location.Address, c.Address)
}

// MapsLink prefers location.maps_url over the top-level key.
func (c Config) MapsLink() string {
	return firstNonEmpty(c.Location.MapsURL, c.MapsURL)
}

// DisplayName falls back to the slug.
func (c Config) DisplayName() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return c.Slug
}

func parseConfig(slug string, b []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	c.Slug = slug
	return c, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
