// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/mail"
	"strings"
	_ "time/tzdata" // embedded zone database for DIGEST_TIMEZONE

	"blog-notifier/schedule"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Email providers.
const (
	ProviderMock     = "mock"
	ProviderSendGrid = "sendgrid"
	ProviderBrevo    = "brevo"
	ProviderResend   = "resend"
	ProviderGmail    = "gmail"
	ProviderSMTP     = "smtp"
)

// Config is read once at start-up.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	BaseURL  string `envconfig:"BASE_URL"`

	StorageBucket string `envconfig:"STORAGE_BUCKET"`
	LocalStorage  string `envconfig:"LOCAL_STORAGE"`

	EmailProvider         string `envconfig:"EMAIL_PROVIDER"`
	FromEmail             string `envconfig:"FROM_EMAIL"`
	FromName              string `envconfig:"FROM_NAME"`
	SendGridAPIKey        string `envconfig:"SENDGRID_API_KEY"`
	BrevoAPIKey           string `envconfig:"BREVO_API_KEY"`
	ResendAPIKey          string `envconfig:"RESEND_API_KEY"`
	GoogleCredentialsJSON string `envconfig:"GOOGLE_CREDENTIALS_JSON"`
	SMTPHost              string `envconfig:"SMTP_HOST"`
	SMTPPort              int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser              string `envconfig:"SMTP_USER"`
	SMTPPassword          string `envconfig:"SMTP_PASSWORD"`

	TriggerToken    string `envconfig:"TRIGGER_TOKEN"`
	MirrorDocuments bool   `envconfig:"MIRROR_DOCUMENTS"`
	DedupEvents     bool   `envconfig:"DEDUP_EVENTS" default:"true"`
	FanoutLimit     int    `envconfig:"FANOUT_LIMIT" default:"10"`

	DigestSchedule    string `envconfig:"DIGEST_SCHEDULE" default:"MON 09:00"`
	DigestTimezone    string `envconfig:"DIGEST_TIMEZONE" default:"America/New_York"`
	InternalScheduler bool   `envconfig:"INTERNAL_SCHEDULER"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
		logger.Debug("No .env file found, relying on environment variables")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Local reports whether documents are kept in a local directory.
func (c *Config) Local() bool {
	return c.StorageBucket == ""
}

// Validate fills development defaults and checks provider credentials.
func (c *Config) Validate() error {
	var errs []error

	c.EmailProvider = strings.ToLower(strings.TrimSpace(c.EmailProvider))
	if c.Local() {
		if c.EmailProvider == "" {
			c.EmailProvider = ProviderMock
		}
		if c.LocalStorage == "" {
			c.LocalStorage = "./data"
		}
		if c.BaseURL == "" {
			c.BaseURL = "http://localhost:" + c.Port
		}
	} else {
		if c.BaseURL == "" {
			errs = append(errs, errors.New("BASE_URL environment variable required (e.g., https://blog.example.com)"))
		}
		// Deployed services must name their provider; mock is never implied.
		if c.EmailProvider == "" {
			errs = append(errs, errors.New("EMAIL_PROVIDER required when STORAGE_BUCKET is set"))
		}
	}
	if c.EmailProvider == ProviderMock && c.FromEmail == "" {
		c.FromEmail = "noreply@localhost"
	}

	if c.EmailProvider != ProviderMock && c.EmailProvider != "" {
		if _, err := mail.ParseAddress(c.FromEmail); err != nil {
			errs = append(errs, fmt.Errorf("FROM_EMAIL %q is not a valid address", c.FromEmail))
		}
	}

	switch c.EmailProvider {
	case "", ProviderMock:
	case ProviderSendGrid:
		errs = append(errs, c.required("SENDGRID_API_KEY", c.SendGridAPIKey))
	case ProviderBrevo:
		errs = append(errs, c.required("BREVO_API_KEY", c.BrevoAPIKey))
	case ProviderResend:
		errs = append(errs, c.required("RESEND_API_KEY", c.ResendAPIKey))
	case ProviderGmail:
		// Application default credentials are used when no JSON key is given.
	case ProviderSMTP:
		errs = append(errs, c.required("SMTP_HOST", c.SMTPHost))
	default:
		errs = append(errs, fmt.Errorf("unknown EMAIL_PROVIDER %q", c.EmailProvider))
	}

	if c.FanoutLimit < 1 {
		errs = append(errs, fmt.Errorf("FANOUT_LIMIT must be at least 1, got %d", c.FanoutLimit))
	}
	if _, err := c.Schedule(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Schedule parses the weekly digest schedule.
func (c *Config) Schedule() (schedule.Weekly, error) {
	return schedule.Parse(c.DigestSchedule, c.DigestTimezone)
}

// SenderName returns the display name used for outgoing mail.
func (c *Config) SenderName() string {
	if c.FromName != "" {
		return c.FromName
	}
	return "The Blog"
}

func (c *Config) required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s required for EMAIL_PROVIDER=%s", name, c.EmailProvider)
	}
	return nil
}
