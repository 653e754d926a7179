package tenant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTenant(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestStoreLookups(t *testing.T) {
	dir := t.TempDir()
	writeTenant(t, dir, "clinica.json", `{
		"name": "Clinica Sol",
		"elevenlabs_agent_id": "agent_1",
		"elevenlabs_phone_number_id": "phnum_1",
		"agent_user": "sol",
		"agent_pass_hash": "$2a$10$x",
		"email_service": {"to": "ops@sol.test", "notify_conversations": true},
		"sms": {"enabled": true, "template": "Hola {name}"}
	}`)
	writeTenant(t, dir, "_template.json", `{"elevenlabs_agent_id": "agent_tpl", "agent_user": "tpl"}`)
	writeTenant(t, dir, "broken.json", `{not json`)
	writeTenant(t, dir, "notes.txt", `{"elevenlabs_agent_id": "agent_txt"}`)

	s := NewStore(dir, nil)

	c, err := s.ByAgentID("agent_1")
	if err != nil {
		t.Fatalf("by agent id: %v", err)
	}
	if c.Slug != "clinica" || c.DisplayName() != "Clinica Sol" || c.PhoneNumberID != "phnum_1" {
		t.Fatalf("unexpected config %+v", c)
	}
	if em := c.EmailSettings(); em.To != "ops@sol.test" || !em.NotifyConversations {
		t.Fatalf("expected legacy email settings, got %+v", em)
	}
	if !c.SMS.Enabled || c.SMS.Template != "Hola {name}" {
		t.Fatalf("unexpected sms settings %+v", c.SMS)
	}

	if c, err := s.ByUsername("sol"); err != nil || c.AgentID != "agent_1" {
		t.Fatalf("by username: %+v %v", c, err)
	}
	if c, err := s.BySlug("clinica"); err != nil || c.AgentUser != "sol" {
		t.Fatalf("by slug: %+v %v", c, err)
	}

	for _, id := range []string{"agent_tpl", "agent_txt", "missing", ""} {
		if _, err := s.ByAgentID(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: expected not found, got %v", id, err)
		}
	}
	for _, slug := range []string{"_template", "../clinica", "missing", ""} {
		if _, err := s.BySlug(slug); !errors.Is(err, ErrNotFound) {
			t.Fatalf("slug %q: expected not found, got %v", slug, err)
		}
	}
}

func TestEmailSettingsPreferNewKey(t *testing.T) {
	c, err := parseConfig("x", []byte(`{"email": {"to": "new@x"}, "email_service": {"to": "old@x"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.EmailSettings().To != "new@x" {
		t.Fatalf("expected email block to win, got %+v", c.EmailSettings())
	}
	if (Config{}).EmailSettings() != (EmailSettings{}) {
		t.Fatalf("expected zero settings")
	}
}

func TestStoreCachesUntilInvalidated(t *testing.T) {
	dir := t.TempDir()
	writeTenant(t, dir, "a.json", `{"elevenlabs_agent_id": "agent_1", "name": "First"}`)
	s := NewStore(dir, nil)

	if c, _ := s.ByAgentID("agent_1"); c.Name != "First" {
		t.Fatalf("unexpected name %q", c.Name)
	}
	writeTenant(t, dir, "a.json", `{"elevenlabs_agent_id": "agent_1", "name": "Second"}`)
	if c, _ := s.ByAgentID("agent_1"); c.Name != "First" {
		t.Fatalf("expected cached value, got %q", c.Name)
	}

	s.Invalidate()
	if c, _ := s.ByAgentID("agent_1"); c.Name != "Second" {
		t.Fatalf("expected fresh value after invalidate, got %q", c.Name)
	}
}

func TestZeroValueStore(t *testing.T) {
	dir := t.TempDir()
	writeTenant(t, dir, "a.json", `{"elevenlabs_agent_id": "agent_1", "agent_user": "ana"}`)
	s := &Store{Dir: dir}

	if c, err := s.ByAgentID("agent_1"); err != nil || c.Slug != "a" {
		t.Fatalf("by agent id: %+v %v", c, err)
	}
	if c, err := s.ByUsername("ana"); err != nil || c.AgentID != "agent_1" {
		t.Fatalf("by username: %+v %v", c, err)
	}
	s.Invalidate()
	if _, err := s.ByUsername("ana"); err != nil {
		t.Fatalf("lookup after invalidate: %v", err)
	}
}

func TestLocationPreferredOverTopLevelKeys(t *testing.T) {
	c, err := parseConfig("x", []byte(`{"address": "Old St", "maps_url": "https://maps.old", "location": {"address": "New St 5", "maps_url": "https://maps.new"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.BusinessAddress() != "New St 5" || c.MapsLink() != "https://maps.new" {
		t.Fatalf("expected location block to win, got %q %q", c.BusinessAddress(), c.MapsLink())
	}
	legacy := Config{Address: "Old St", MapsURL: "https://maps.old"}
	if legacy.BusinessAddress() != "Old St" || legacy.MapsLink() != "https://maps.old" {
		t.Fatalf("expected top-level fallback")
	}
}

func TestWatchInvalidatesOnChange(t *testing.T) {
	dir := t.TempDir()
	writeTenant(t, dir, "a.json", `{"elevenlabs_agent_id": "agent_1", "name": "First"}`)
	s := NewStore(dir, nil)
	if _, err := s.ByAgentID("agent_1"); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	time.Sleep(50 * time.Millisecond)
	writeTenant(t, dir, "a.json", `{"elevenlabs_agent_id": "agent_1", "name": "Second"}`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c, _ := s.ByAgentID("agent_1"); c.Name == "Second" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("cache not invalidated after file change")
}
