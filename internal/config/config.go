package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"socialbridge/internal/constants"
	"socialbridge/internal/models"
	"socialbridge/internal/security"

	"github.com/ilyakaznacheev/cleanenv"
)

var (
	ErrMissingDBPath        = models.ConfigError{Message: "missing database path"}
	ErrMissingGraphURL      = models.ConfigError{Message: "missing Graph API base URL"}
	ErrMissingWhatsAppURL   = models.ConfigError{Message: "missing WhatsApp API base URL"}
	ErrUnknownQueueDriver   = models.ConfigError{Message: "queue driver must be sqlite or amqp"}
	ErrMissingAMQPURL       = models.ConfigError{Message: "amqp queue driver requires SOCIALBRIDGE_AMQP_URL"}
	ErrInvalidSampleRate    = models.ConfigError{Message: "tracing sample rate must be between 0 and 1"}
	ErrMissingVerifyToken   = models.ConfigError{Message: "webhook verify token is required in production (set SOCIALBRIDGE_VERIFY_TOKEN)"}
	ErrWeakEncryptionKey    = models.ConfigError{Message: fmt.Sprintf("encryption secret must be at least %d characters (set SOCIALBRIDGE_ENCRYPTION_SECRET)", constants.MinEncryptionSecret)}
	ErrDebugLogInProduction = models.ConfigError{Message: "debug logging should not be used in production"}
)

// LoadConfig reads the JSON or YAML file at path, applies environment
// overrides and defaults, then validates the result. An empty path reads the
// environment only.
func LoadConfig(path string) (*models.Config, error) {
	var config models.Config

	if path == "" {
		if err := cleanenv.ReadEnv(&config); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &config); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Usage renders the environment variables the config understands
func Usage() string {
	var config models.Config
	text, err := cleanenv.GetDescription(&config, nil)
	if err != nil {
		return err.Error()
	}
	return text
}

func validate(c *models.Config) error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return ErrMissingDBPath
	}
	if err := checkURL(c.Graph.BaseURL, ErrMissingGraphURL); err != nil {
		return err
	}
	if err := checkURL(c.WhatsApp.BaseURL, ErrMissingWhatsAppURL); err != nil {
		return err
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	switch c.Queue.Driver {
	case "", constants.DefaultQueueDriver:
		c.Queue.Driver = constants.DefaultQueueDriver
	case "amqp":
		if c.Queue.AMQPURL == "" {
			return ErrMissingAMQPURL
		}
	default:
		return ErrUnknownQueueDriver
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return ErrInvalidSampleRate
	}

	// Defaults for values a file may have zeroed out explicitly
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = constants.MaxWebhookBodyBytes
	}
	if c.Graph.APIVersion == "" {
		c.Graph.APIVersion = constants.DefaultGraphAPIVersion
	}
	if c.WhatsApp.APIVersion == "" {
		c.WhatsApp.APIVersion = constants.DefaultGraphAPIVersion
	}
	if c.WhatsApp.TemplateLanguage == "" {
		c.WhatsApp.TemplateLanguage = constants.DefaultTemplateLang
	}
	if c.Token.RefreshMarginMin <= 0 {
		c.Token.RefreshMarginMin = constants.DefaultRefreshMarginMin
	}
	if c.RateLimit.MinIntervalMs <= 0 {
		c.RateLimit.MinIntervalMs = constants.DefaultMinCallIntervalMs
	}
	if c.RateLimit.CooldownSec <= 0 {
		c.RateLimit.CooldownSec = constants.DefaultRateLimitCooldownSec
	}
	if c.Breaker.MaxFailures <= 0 {
		c.Breaker.MaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.Breaker.TimeoutSec <= 0 {
		c.Breaker.TimeoutSec = constants.DefaultBreakerTimeoutSec
	}
	if c.Queue.PollIntervalSec <= 0 {
		c.Queue.PollIntervalSec = int(constants.DefaultQueuePollInterval.Seconds())
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = constants.DefaultQueueBatchSize
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = constants.DefaultJobMaxAttempts
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}
	return nil
}

func checkURL(raw string, missing models.ConfigError) error {
	if strings.TrimSpace(raw) == "" {
		return missing
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid URL %q", raw)}
	}
	return nil
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if c.Server.Production {
		if c.Server.WebhookVerifyToken == "" {
			return ErrMissingVerifyToken
		}
		if len(c.Database.EncryptionSecret) < constants.MinEncryptionSecret {
			return ErrWeakEncryptionKey
		}
		if strings.EqualFold(c.LogLevel, "debug") {
			return ErrDebugLogInProduction
		}
		return nil
	}

	if c.Server.WebhookVerifyToken == "" {
		fmt.Fprintf(os.Stderr, "WARNING: webhook verify token not set. Set SOCIALBRIDGE_VERIFY_TOKEN to enable Meta subscription verification.\n")
	}
	if c.Database.EncryptionSecret == "" {
		fmt.Fprintf(os.Stderr, "WARNING: SOCIALBRIDGE_ENCRYPTION_SECRET not set. Account secrets will be stored unencrypted.\n")
	}
	return nil
}
