package constants

// Standard log field names. Use these exact keys so log queries work across
// the HTTP layer, connectors and background workers.
const (
	LogFieldPlatform       = "platform"
	LogFieldChannelID      = "channel_id"
	LogFieldAccountID      = "account_id"
	LogFieldMessageID      = "message_id"
	LogFieldExternalID     = "external_id"
	LogFieldConversationID = "conversation_id"
	LogFieldLeadID         = "lead_id"
	LogFieldPostID         = "post_id"
	LogFieldJobID          = "job_id"
	LogFieldJobKind        = "job_kind"
	LogFieldSendRequestID  = "send_request_id"
	LogFieldRecipient      = "recipient"
	LogFieldSenderID       = "sender_id"

	LogFieldService   = "service"
	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldEvent     = "event"
	LogFieldField     = "field"

	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"

	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"
	LogFieldWait     = "wait_ms"

	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)
