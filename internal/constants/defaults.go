package constants

import "time"

// Graph API defaults
const (
	DefaultGraphBaseURL    = "https://graph.facebook.com"
	DefaultGraphAPIVersion = "v18.0"
	DefaultPostURLPrefix   = "https://facebook.com/"
	DefaultTokenLifetime   = 60 * 24 * time.Hour
	DefaultTemplateLang    = "en_US"
)

// Token and rate limit defaults
const (
	DefaultRefreshMarginMin      = 10
	DefaultMinCallIntervalMs     = 200
	DefaultRateLimitCooldownSec  = 60
	DefaultUsageThresholdPercent = 100
)

// Server and HTTP defaults
const (
	DefaultServerPort            = 8082
	DefaultHTTPTimeoutSec        = 30
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	MaxWebhookBodyBytes          = 1 << 20
	DefaultMessageListLimit      = 50
	MaxMessageListLimit          = 500
	ServerErrorChannelSize       = 1
)

// Retry and resilience defaults
const (
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultMaxAttempts           = 5
	DefaultDatabaseRetryAttempts = 3
	DefaultBreakerMaxFailures    = 5
	DefaultBreakerTimeoutSec     = 30
)

// Queue defaults
const (
	DefaultQueueDriver       = "sqlite"
	DefaultQueuePollInterval = 5 * time.Second
	DefaultQueueBatchSize    = 20
	DefaultJobMaxAttempts    = 3
	PublishPostJob           = "publish_post"
	DefaultAMQPExchange      = "socialbridge.jobs"
	DefaultAMQPWorkQueue     = "socialbridge.jobs.work"
	DefaultAMQPDelayQueue    = "socialbridge.jobs.delay"
)

// Lead defaults
const (
	DefaultLeadStatus      = "Lead"
	DefaultWhatsAppContact = "WhatsApp Contact"
)

// Content limits per platform, in characters
var ContentLimits = map[string]int{
	"Facebook":  63206,
	"Instagram": 2200,
}

// Validation constants
const (
	MaxMessageIDLength   = 256
	MaxChannelNameLen    = 140
	MinPhoneNumberLength = 7
	MaxPhoneNumberLength = 15
	BulkRecipientSep     = ","
)

// Encryption constants
const (
	EncryptionSalt         = "socialbridge-secret-fields-v1"
	MinEncryptionSecret    = 32
	DefaultFilePermissions = 0600
)

// Inbox stream
const (
	StreamBufferSize   = 256
	StreamWriteTimeout = 10 * time.Second
	StreamPingInterval = 30 * time.Second
)
