package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Base struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

type ElevenLabs struct {
	ElevenLabsAPIKey      string        `envconfig:"ELEVENLABS_API_KEY" required:"true"`
	ElevenLabsBaseURL     string        `envconfig:"ELEVENLABS_BASE_URL" default:"https://api.elevenlabs.io/v1"`
	ElevenLabsHTTPTimeout time.Duration `envconfig:"ELEVENLABS_HTTP_TIMEOUT" default:"30s"`
}

type Usage struct {
	CreditsPerSecFallback float64       `envconfig:"ELEVENLABS_CREDITS_PER_SEC_FALLBACK" default:"10.73"`
	USDPerCredit          float64       `envconfig:"ELEVENLABS_USD_PER_CREDIT" default:"0.0001"`
	AnalyticsVariants     string        `envconfig:"USAGE_ANALYTICS_VARIANTS"`
	MaxRounds             int           `envconfig:"USAGE_MAX_ROUNDS" default:"3"`
	BackoffBase           time.Duration `envconfig:"USAGE_BACKOFF_BASE" default:"1s"`
	BackoffFactor         float64       `envconfig:"USAGE_BACKOFF_FACTOR" default:"1.5"`
	PageSize              int           `envconfig:"USAGE_PAGE_SIZE" default:"30"`
	MaxPages              int           `envconfig:"USAGE_MAX_PAGES" default:"50"`
	ReportTimezone        string        `envconfig:"REPORT_TIMEZONE" default:"UTC"`
}

type Tenants struct {
	AgentsDir   string `envconfig:"AGENTS_DIR" default:"./agents"`
	AgentsWatch bool   `envconfig:"AGENTS_WATCH" default:"true"`
}

type Database struct {
	DBDSN                   string `envconfig:"DB_DSN"`
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type Queue struct {
	AWSRegion             string `envconfig:"AWS_REGION" default:"us-east-1"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
}

// Workflow holds the collaborators of the booking workflow. It is shared by
// the API (inline processing) and the webhook processor.
type Workflow struct {
	BookingTriggers []string `envconfig:"BOOKING_TRIGGERS" default:"AGENDAR_CITA_CONFIRMADA"`
	AddressTriggers []string `envconfig:"ADDRESS_TRIGGERS" default:"ENVIAR_DIRECCION"`

	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	GeminiModel   string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash-preview-09-2025"`
	GeminiBaseURL string `envconfig:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta"`

	GoogleCalendarID      string        `envconfig:"GOOGLE_CALENDAR_ID"`
	GoogleCredentialsFile string        `envconfig:"GOOGLE_CREDENTIALS_FILE"`
	GoogleCredentialsJSON string        `envconfig:"GOOGLE_CREDENTIALS_JSON"`
	CalendarTimezone      string        `envconfig:"CALENDAR_TIMEZONE" default:"America/Chicago"`
	CalendarSlot          time.Duration `envconfig:"CALENDAR_SLOT" default:"30m"`

	AppsScriptURL string `envconfig:"APPS_SCRIPT_URL"`

	ZohoAPIDomain    string `envconfig:"ZOHO_API_DOMAIN" default:"https://www.zohoapis.com"`
	ZohoAccessToken  string `envconfig:"ZOHO_ACCESS_TOKEN"`
	ZohoRefreshToken string `envconfig:"ZOHO_REFRESH_TOKEN"`
	ZohoClientID     string `envconfig:"ZOHO_CLIENT_ID"`
	ZohoClientSecret string `envconfig:"ZOHO_CLIENT_SECRET"`
	MailFrom         string `envconfig:"MAIL_FROM"`

	SMTPServer   string `envconfig:"SMTP_SERVER" default:"smtp.zoho.com"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`

	TwilioAccountSID          string  `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string  `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string  `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string  `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioRPS                 float64 `envconfig:"TWILIO_RPS" default:"5"`
	TwilioBurst               int     `envconfig:"TWILIO_BURST" default:"10"`

	// PublicBaseURL is the externally reachable API origin; Twilio status
	// callbacks are signed against it.
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL"`
}

// TwilioCallbackURL is empty when no public origin is configured.
func (w Workflow) TwilioCallbackURL() string {
	if w.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(w.PublicBaseURL, "/") + "/twilio/status"
}

type APIConfig struct {
	Base
	ElevenLabs
	Usage
	Tenants
	Database
	Queue
	Workflow

	HMACSecret string `envconfig:"ELEVENLABS_HMAC_SECRET"`
	SkipHMAC   bool   `envconfig:"ELEVENLABS_SKIP_HMAC" default:"false"`

	JWTSecret  string        `envconfig:"AGENT_JWT_SECRET"`
	JWTIssuer  string        `envconfig:"AGENT_JWT_ISSUER" default:"voicebridge"`
	JWTTTL     time.Duration `envconfig:"AGENT_JWT_TTL" default:"12h"`
	AdminToken string        `envconfig:"ADMIN_TOKEN"`

	BatchMode        string        `envconfig:"BATCH_MODE" default:"call"`
	BatchDelay       time.Duration `envconfig:"BATCH_DELAY" default:"0s"`
	BatchConcurrency int           `envconfig:"BATCH_CONCURRENCY" default:"1"`
	BatchRPS         float64       `envconfig:"BATCH_RPS" default:"0"`
	BatchBurst       int           `envconfig:"BATCH_BURST" default:"1"`
	BatchMaxAttempts int           `envconfig:"BATCH_MAX_ATTEMPTS" default:"3"`

	RedisAddr        string        `envconfig:"REDIS_ADDR"`
	RedisPassword    string        `envconfig:"REDIS_PASSWORD"`
	RedisDB          int           `envconfig:"REDIS_DB" default:"0"`
	WebhookDedupeTTL time.Duration `envconfig:"WEBHOOK_DEDUPE_TTL" default:"24h"`
}

type ProcessorConfig struct {
	Base
	Tenants
	Database
	Queue
	Workflow

	SQSWaitTime          int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs           int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout        int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"120"`
	ProcessorConcurrency int   `envconfig:"PROCESSOR_CONCURRENCY" default:"4"`
}

type UsageConfig struct {
	ElevenLabs
	Usage

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// JWTSigningSecret falls back to the webhook HMAC secret when no dedicated
// panel secret is configured.
func (c APIConfig) JWTSigningSecret() string {
	if c.JWTSecret != "" {
		return c.JWTSecret
	}
	return c.HMACSecret
}

func (c APIConfig) Validate() error {
	var errs []error
	if c.HMACSecret == "" && !c.SkipHMAC {
		errs = append(errs, errors.New("ELEVENLABS_HMAC_SECRET is required unless ELEVENLABS_SKIP_HMAC=true"))
	}
	if c.JWTSigningSecret() == "" {
		errs = append(errs, errors.New("AGENT_JWT_SECRET (or ELEVENLABS_HMAC_SECRET) is required"))
	}
	switch c.BatchMode {
	case "call", "submit":
	default:
		errs = append(errs, fmt.Errorf("BATCH_MODE must be call or submit, got %q", c.BatchMode))
	}
	if c.BatchConcurrency < 1 {
		errs = append(errs, errors.New("BATCH_CONCURRENCY must be >= 1"))
	}
	if err := c.Usage.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c ProcessorConfig) Validate() error {
	if c.WebhookEventsQueueURL == "" {
		return errors.New("WEBHOOK_EVENTS_QUEUE_URL is required")
	}
	return nil
}

func (c UsageConfig) Validate() error {
	return c.Usage.validate()
}

func (u Usage) validate() error {
	var errs []error
	if u.CreditsPerSecFallback < 0 {
		errs = append(errs, errors.New("ELEVENLABS_CREDITS_PER_SEC_FALLBACK must be >= 0"))
	}
	if u.PageSize < 1 {
		errs = append(errs, errors.New("USAGE_PAGE_SIZE must be >= 1"))
	}
	if u.MaxRounds < 1 {
		errs = append(errs, errors.New("USAGE_MAX_ROUNDS must be >= 1"))
	}
	if _, err := time.LoadLocation(u.ReportTimezone); err != nil {
		errs = append(errs, fmt.Errorf("REPORT_TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

// LoadDotEnv loads the first env file found. Existing environment variables
// always win over file values.
func LoadDotEnv() string {
	paths := []string{".env", "/etc/secrets/.env"}
	if p := strings.TrimSpace(os.Getenv("ENV_FILE")); p != "" {
		paths = append([]string{p}, paths...)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err == nil {
				return p
			}
		}
	}
	return ""
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	mustProcess(&cfg)
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadProcessor() ProcessorConfig {
	var cfg ProcessorConfig
	mustProcess(&cfg)
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadUsage() UsageConfig {
	var cfg UsageConfig
	mustProcess(&cfg)
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func mustProcess(cfg any) {
	LoadDotEnv()
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}
