package database

// Channel queries
const (
	channelColumns = `id, name, platform, external_account_id, organization, is_default, status, last_sync_timestamp, created_at`

	UpsertChannelQuery = `
		INSERT INTO channels (` + channelColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			external_account_id = excluded.external_account_id,
			organization = excluded.organization,
			is_default = excluded.is_default,
			status = excluded.status,
			last_sync_timestamp = excluded.last_sync_timestamp
	`

	SelectChannelByIDQuery = `SELECT ` + channelColumns + ` FROM channels WHERE id = ?`

	SelectChannelsQuery = `
		SELECT ` + channelColumns + ` FROM channels
		WHERE (? = '' OR platform = ?) AND (? = 0 OR status = 'Active')
		ORDER BY created_at, id
	`

	SelectDefaultChannelQuery = `
		SELECT ` + channelColumns + ` FROM channels
		WHERE platform = ? AND status = 'Active'
		ORDER BY is_default DESC, created_at, id
		LIMIT 1
	`

	UpdateChannelStatusQuery   = `UPDATE channels SET status = ? WHERE id = ?`
	UpdateChannelLastSyncQuery = `UPDATE channels SET last_sync_timestamp = ? WHERE id = ?`
)

// Account queries
const (
	accountColumns = `id, channel_id, platform, app_id, access_token, refresh_token, app_secret, token_url, expires_at, status, updated_at`

	UpsertAccountQuery = `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			platform = excluded.platform,
			app_id = excluded.app_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			app_secret = excluded.app_secret,
			token_url = excluded.token_url,
			expires_at = excluded.expires_at,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	SelectAccountByIDQuery      = `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	SelectAccountByChannelQuery = `SELECT ` + accountColumns + ` FROM accounts WHERE channel_id = ? ORDER BY updated_at DESC LIMIT 1`

	UpdateAccountTokenQuery = `
		UPDATE accounts SET
			access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			expires_at = ?,
			status = 'Active',
			updated_at = ?
		WHERE id = ?
	`

	UpdateAccountStatusQuery = `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`
)

// Conversation and message queries
const (
	conversationColumns = `id, channel_id, external_conversation_id, participants, subject, status, last_message_time`

	UpsertConversationQuery = `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, external_conversation_id) DO UPDATE SET
			last_message_time = MAX(conversations.last_message_time, excluded.last_message_time)
	`

	SelectConversationQuery = `
		SELECT ` + conversationColumns + ` FROM conversations
		WHERE channel_id = ? AND external_conversation_id = ?
	`

	messageColumns = `id, channel_id, platform, external_id, sender_id, recipient_id, contact_name, content,
		message_type, media_ref, timestamp, direction, delivery_status, conversation_id, lead_id`

	InsertMessageQuery = `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, external_id) DO NOTHING
	`

	SelectMessageByIDQuery         = `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	SelectMessageByExternalIDQuery = `SELECT ` + messageColumns + ` FROM messages WHERE channel_id = ? AND external_id = ?`

	// Keyset paging on (timestamp, id) so messages that stay unlinked do not
	// hide newer ones
	SelectMessagesWithoutLeadQuery = `
		SELECT ` + messageColumns + ` FROM messages
		WHERE direction = 'incoming' AND lead_id IS NULL AND sender_id != ''
			AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp, id
		LIMIT ?
	`

	SelectMessagesQuery = `
		SELECT ` + messageColumns + ` FROM messages
		WHERE (? = '' OR platform = ?)
			AND (? = '' OR channel_id = ?)
			AND (? = '' OR sender_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	SetMessageLeadQuery = `UPDATE messages SET lead_id = ? WHERE id = ? AND lead_id IS NULL`

	// Statuses only move forward: pending, sent, delivered, then read or failed
	UpdateMessageDeliveryStatusQuery = `
		UPDATE messages SET delivery_status = ?
		WHERE channel_id = ? AND external_id = ?
			AND (CASE delivery_status
				WHEN 'pending' THEN 0
				WHEN 'sent' THEN 1
				WHEN 'delivered' THEN 2
				ELSE 3
			END) < ?
	`

	SelectMessageStatsQuery = `
		SELECT platform, COUNT(*), SUM(CASE WHEN lead_id IS NULL THEN 1 ELSE 0 END)
		FROM messages
		WHERE direction = 'incoming'
		GROUP BY platform
	`
)

// Lead queries
const (
	leadColumns = `id, first_name, whatsapp_no, mobile_no, external_sender_id, source, status, owner, company, created_at`

	InsertLeadQuery = `INSERT INTO leads (` + leadColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	SelectLeadByPhoneQuery    = `SELECT ` + leadColumns + ` FROM leads WHERE whatsapp_no = ? ORDER BY created_at LIMIT 1`
	SelectLeadByMobileQuery   = `SELECT ` + leadColumns + ` FROM leads WHERE mobile_no = ? ORDER BY created_at LIMIT 1`
	SelectLeadBySenderIDQuery = `SELECT ` + leadColumns + ` FROM leads WHERE external_sender_id = ? ORDER BY created_at LIMIT 1`
	SelectLeadByIDQuery       = `SELECT ` + leadColumns + ` FROM leads WHERE id = ?`

	SelectLeadsBySourceQuery = `SELECT source, COUNT(*) FROM leads GROUP BY source`
)

// Post and send request queries
const (
	postColumns = `id, content, attachments, targets, status, scheduled_time, scheduled_job_id, published_at, error_log, created_at, updated_at`

	UpsertPostQuery = `
		INSERT INTO posts (` + postColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			attachments = excluded.attachments,
			targets = excluded.targets,
			status = excluded.status,
			scheduled_time = excluded.scheduled_time,
			scheduled_job_id = excluded.scheduled_job_id,
			published_at = excluded.published_at,
			error_log = excluded.error_log,
			updated_at = excluded.updated_at
	`

	SelectPostByIDQuery = `SELECT ` + postColumns + ` FROM posts WHERE id = ?`

	CompareAndSetPostStatusQuery = `UPDATE posts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

	SchedulePostQuery = `
		UPDATE posts SET status = 'Scheduled', scheduled_time = ?, scheduled_job_id = ?, updated_at = ?
		WHERE id = ? AND status = 'Draft'
	`

	UnschedulePostQuery = `
		UPDATE posts SET status = 'Draft', scheduled_job_id = '', updated_at = ?
		WHERE id = ? AND status = 'Scheduled' AND scheduled_job_id = ?
	`

	sendRequestColumns = `id, platform, recipient, content, type, media_ref, template_name, send_immediately, status,
		retry_count, response_message, created_message_id, error_log, sent_at, created_at`

	UpsertSendRequestQuery = `
		INSERT INTO send_requests (` + sendRequestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			type = excluded.type,
			media_ref = excluded.media_ref,
			template_name = excluded.template_name,
			status = excluded.status,
			retry_count = excluded.retry_count,
			response_message = excluded.response_message,
			created_message_id = excluded.created_message_id,
			error_log = excluded.error_log,
			sent_at = excluded.sent_at
	`

	SelectSendRequestByIDQuery = `SELECT ` + sendRequestColumns + ` FROM send_requests WHERE id = ?`

	CompareAndSetSendRequestStatusQuery = `UPDATE send_requests SET status = ? WHERE id = ? AND status = ?`

	ResetSendRequestForRetryQuery = `
		UPDATE send_requests SET status = 'Draft', retry_count = retry_count + 1
		WHERE id = ? AND status = 'Failed'
	`
)

// Job queries
const (
	jobColumns = `id, kind, args, run_at, status, attempts, last_error, created_at`

	InsertJobQuery = `INSERT INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	SelectJobByIDQuery = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	SelectDueJobsQuery = `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'Queued' AND run_at <= ?
		ORDER BY run_at, id
		LIMIT ?
	`

	ClaimJobQuery  = `UPDATE jobs SET status = 'Running', attempts = attempts + 1 WHERE id = ? AND status = 'Queued'`
	CancelJobQuery = `UPDATE jobs SET status = 'Canceled' WHERE id = ? AND status = 'Queued'`
	FinishJobQuery = `UPDATE jobs SET status = ?, last_error = ? WHERE id = ?`
	RetryJobQuery  = `UPDATE jobs SET status = 'Queued', run_at = ?, last_error = ? WHERE id = ?`
)
