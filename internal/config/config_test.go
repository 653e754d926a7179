package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

func TestAPIConfigDefaults(t *testing.T) {
	t.Setenv("ELEVENLABS_API_KEY", "xi-test")
	t.Setenv("ELEVENLABS_HMAC_SECRET", "s")

	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if cfg.CreditsPerSecFallback != 10.73 {
		t.Fatalf("expected fallback rate 10.73, got %v", cfg.CreditsPerSecFallback)
	}
	if cfg.USDPerCredit != 0.0001 {
		t.Fatalf("expected usd per credit 0.0001, got %v", cfg.USDPerCredit)
	}
	if cfg.JWTTTL != 12*time.Hour {
		t.Fatalf("expected 12h jwt ttl, got %v", cfg.JWTTTL)
	}
	if cfg.ElevenLabsBaseURL != "https://api.elevenlabs.io/v1" {
		t.Fatalf("unexpected base url %q", cfg.ElevenLabsBaseURL)
	}
	if len(cfg.BookingTriggers) != 1 || cfg.BookingTriggers[0] != "AGENDAR_CITA_CONFIRMADA" {
		t.Fatalf("unexpected triggers %v", cfg.BookingTriggers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.JWTSigningSecret() != "s" {
		t.Fatalf("expected jwt secret to fall back to hmac secret")
	}
}

func TestAPIConfigValidateRequiresSecretUnlessSkipped(t *testing.T) {
	cfg := APIConfig{BatchMode: "call", BatchConcurrency: 1, Usage: Usage{PageSize: 30, MaxRounds: 3, ReportTimezone: "UTC"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "ELEVENLABS_HMAC_SECRET") {
		t.Fatalf("expected hmac secret error, got %v", err)
	}

	cfg.SkipHMAC = true
	cfg.JWTSecret = "jwt"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config with bypass, got %v", err)
	}
}

func TestAPIConfigValidateAggregatesErrors(t *testing.T) {
	cfg := APIConfig{
		HMACSecret:       "s",
		BatchMode:        "parallel",
		BatchConcurrency: 0,
		Usage:            Usage{PageSize: 0, MaxRounds: 3, ReportTimezone: "Nowhere/Nope"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"BATCH_MODE", "BATCH_CONCURRENCY", "USAGE_PAGE_SIZE", "REPORT_TIMEZONE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("VB_TEST_FROM_FILE=file\nVB_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("VB_TEST_PRESET", "env")
	t.Cleanup(func() { os.Unsetenv("VB_TEST_FROM_FILE") })

	if got := LoadDotEnv(); got != path {
		t.Fatalf("expected %s loaded, got %q", path, got)
	}
	if os.Getenv("VB_TEST_FROM_FILE") != "file" {
		t.Fatalf("expected file value to be loaded")
	}
	if os.Getenv("VB_TEST_PRESET") != "env" {
		t.Fatalf("expected environment to win over file")
	}
}

func TestTwilioCallbackURL(t *testing.T) {
	if got := (Workflow{}).TwilioCallbackURL(); got != "" {
		t.Fatalf("expected no callback without public url, got %q", got)
	}
	if got := (Workflow{PublicBaseURL: "https://api.example/"}).TwilioCallbackURL(); got != "https://api.example/twilio/status" {
		t.Fatalf("unexpected callback url %q", got)
	}
}
