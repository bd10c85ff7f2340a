package models

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Graph     GraphConfig     `json:"graph" yaml:"graph"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp" yaml:"whatsapp"`
	Token     TokenConfig     `json:"token" yaml:"token"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Breaker   BreakerConfig   `json:"breaker" yaml:"breaker"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Leads     LeadsConfig     `json:"leads" yaml:"leads"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	LogLevel  string          `json:"log_level" yaml:"log_level" env:"SOCIALBRIDGE_LOG_LEVEL" env-default:"info"`
}

// ServerConfig holds HTTP listener and webhook settings
type ServerConfig struct {
	Port               int    `json:"port" yaml:"port" env:"SOCIALBRIDGE_PORT" env-default:"8082"`
	ReadTimeoutSec     int    `json:"read_timeout_sec" yaml:"read_timeout_sec" env-default:"15"`
	WriteTimeoutSec    int    `json:"write_timeout_sec" yaml:"write_timeout_sec" env-default:"15"`
	IdleTimeoutSec     int    `json:"idle_timeout_sec" yaml:"idle_timeout_sec" env-default:"60"`
	WebhookVerifyToken string `json:"webhook_verify_token" yaml:"webhook_verify_token" env:"SOCIALBRIDGE_VERIFY_TOKEN"`
	WebhookAppSecret   string `json:"-" yaml:"-" env:"SOCIALBRIDGE_APP_SECRET"`
	MaxBodyBytes       int64  `json:"max_body_bytes" yaml:"max_body_bytes" env-default:"1048576"`
	Production         bool   `json:"production" yaml:"production" env:"SOCIALBRIDGE_PRODUCTION"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path             string `json:"path" yaml:"path" env:"SOCIALBRIDGE_DB_PATH" env-default:"socialbridge.db"`
	EncryptionSecret string `json:"-" yaml:"-" env:"SOCIALBRIDGE_ENCRYPTION_SECRET"`
}

// GraphConfig points the Facebook and Instagram connectors at the Graph API
type GraphConfig struct {
	BaseURL    string `json:"base_url" yaml:"base_url" env:"SOCIALBRIDGE_GRAPH_URL" env-default:"https://graph.facebook.com"`
	APIVersion string `json:"api_version" yaml:"api_version" env-default:"v18.0"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec" env-default:"30"`
}

// WhatsAppConfig points the WhatsApp connector at the Cloud API
type WhatsAppConfig struct {
	BaseURL          string `json:"base_url" yaml:"base_url" env:"SOCIALBRIDGE_WHATSAPP_URL" env-default:"https://graph.facebook.com"`
	APIVersion       string `json:"api_version" yaml:"api_version" env-default:"v18.0"`
	TemplateLanguage string `json:"template_language" yaml:"template_language" env-default:"en_US"`
	TimeoutSec       int    `json:"timeout_sec" yaml:"timeout_sec" env-default:"30"`
}

// TokenConfig tunes proactive token refresh
type TokenConfig struct {
	RefreshMarginMin int `json:"refresh_margin_min" yaml:"refresh_margin_min" env-default:"10"`
}

// RateLimitConfig tunes the fallback pacing used without provider headers
type RateLimitConfig struct {
	MinIntervalMs int `json:"min_interval_ms" yaml:"min_interval_ms" env-default:"200"`
	CooldownSec   int `json:"cooldown_sec" yaml:"cooldown_sec" env-default:"60"`
}

// BreakerConfig tunes the per-platform circuit breakers
type BreakerConfig struct {
	MaxFailures int `json:"max_failures" yaml:"max_failures" env-default:"5"`
	TimeoutSec  int `json:"timeout_sec" yaml:"timeout_sec" env-default:"30"`
}

// QueueConfig selects the deferred job backend
type QueueConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"SOCIALBRIDGE_QUEUE_DRIVER" env-default:"sqlite"`
	AMQPURL         string `json:"-" yaml:"-" env:"SOCIALBRIDGE_AMQP_URL"`
	Exchange        string `json:"exchange" yaml:"exchange" env-default:"socialbridge.jobs"`
	PollIntervalSec int    `json:"poll_interval_sec" yaml:"poll_interval_sec" env-default:"5"`
	BatchSize       int    `json:"batch_size" yaml:"batch_size" env-default:"20"`
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts" env-default:"3"`
}

// LeadsConfig holds the defaults for automatically created leads
type LeadsConfig struct {
	Disabled bool   `json:"disabled" yaml:"disabled" env:"SOCIALBRIDGE_LEADS_DISABLED"`
	Owner    string `json:"owner" yaml:"owner" env:"SOCIALBRIDGE_LEAD_OWNER"`
	Company  string `json:"company" yaml:"company" env:"SOCIALBRIDGE_LEAD_COMPANY"`
}

// SchedulerConfig sets the periodic sync and lead backfill run by the worker.
// A zero interval disables the task.
type SchedulerConfig struct {
	SyncIntervalMin     int `json:"sync_interval_min" yaml:"sync_interval_min" env:"SOCIALBRIDGE_SYNC_INTERVAL_MIN" env-default:"15"`
	BackfillIntervalMin int `json:"backfill_interval_min" yaml:"backfill_interval_min" env-default:"60"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled" env:"SOCIALBRIDGE_TRACING_ENABLED"`
	ServiceName    string  `json:"service_name" yaml:"service_name" env-default:"socialbridge"`
	ServiceVersion string  `json:"service_version" yaml:"service_version" env-default:"dev"`
	Environment    string  `json:"environment" yaml:"environment" env-default:"development"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4318"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate" env-default:"0.1"`
	UseStdout      bool    `json:"use_stdout" yaml:"use_stdout"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms" yaml:"initial_backoff_ms" env-default:"1000"`
	MaxBackoffMs     int `json:"max_backoff_ms" yaml:"max_backoff_ms" env-default:"60000"`
	MaxAttempts      int `json:"max_attempts" yaml:"max_attempts" env-default:"5"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
