package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/google/uuid"
)

func scanConversation(row scanner) (*models.Conversation, error) {
	var conv models.Conversation
	var participants string
	if err := row.Scan(
		&conv.ID,
		&conv.ChannelID,
		&conv.ExternalConversationID,
		&participants,
		&conv.Subject,
		&conv.Status,
		&conv.LastMessageTime,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	conv.LastMessageTime = conv.LastMessageTime.UTC()
	return &conv, nil
}

// UpsertConversation creates the conversation for (channel, external id) or
// bumps lastMessageTime on the existing one. conv is filled with the stored
// row; created reports whether it was inserted.
func (d *Database) UpsertConversation(ctx context.Context, conv *models.Conversation) (bool, error) {
	proposedID := conv.ID
	if proposedID == "" {
		proposedID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationOpen
	}
	if conv.Subject == "" {
		conv.Subject = models.DefaultSubject(conv.Participants)
	}
	participants := conv.Participants
	if participants == nil {
		participants = []string{}
	}
	encoded, err := json.Marshal(participants)
	if err != nil {
		return false, fmt.Errorf("failed to encode participants: %w", err)
	}

	err = withRetry(ctx, "upsert conversation", func() error {
		_, err := d.db.ExecContext(ctx, UpsertConversationQuery,
			proposedID,
			conv.ChannelID,
			conv.ExternalConversationID,
			string(encoded),
			conv.Subject,
			conv.Status,
			conv.LastMessageTime.UTC(),
		)
		return err
	})
	if err != nil {
		return false, apperrors.NewDatabaseError("upsert conversation", err)
	}

	stored, err := scanConversation(d.db.QueryRowContext(ctx, SelectConversationQuery, conv.ChannelID, conv.ExternalConversationID))
	if err != nil {
		return false, apperrors.NewDatabaseError("reload conversation", err)
	}
	*conv = *stored
	return stored.ID == proposedID, nil
}

// FindConversation returns nil when the conversation does not exist
func (d *Database) FindConversation(ctx context.Context, channelID, externalID string) (*models.Conversation, error) {
	conv, err := scanConversation(d.db.QueryRowContext(ctx, SelectConversationQuery, channelID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("find conversation", err)
	}
	return conv, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var leadID sql.NullString
	if err := row.Scan(
		&msg.ID,
		&msg.ChannelID,
		&msg.Platform,
		&msg.ExternalID,
		&msg.SenderID,
		&msg.RecipientID,
		&msg.ContactName,
		&msg.Content,
		&msg.MessageType,
		&msg.MediaRef,
		&msg.Timestamp,
		&msg.Direction,
		&msg.DeliveryStatus,
		&msg.ConversationID,
		&leadID,
	); err != nil {
		return nil, err
	}
	msg.LeadID = leadID.String
	msg.Timestamp = msg.Timestamp.UTC()
	return &msg, nil
}

// InsertMessage stores msg unless (channel, external id) already exists.
// created is false for duplicates and msg is left untouched.
func (d *Database) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	if msg.ExternalID == "" {
		return false, apperrors.NewValidationError("external_id", "", "message external id is required")
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	if msg.DeliveryStatus == "" {
		msg.DeliveryStatus = models.DeliveryStatusPending
	}
	if msg.MessageType == "" {
		msg.MessageType = models.MessageTypeText
	}
	var leadID interface{}
	if msg.LeadID != "" {
		leadID = msg.LeadID
	}

	var affected int64
	err := withRetry(ctx, "insert message", func() error {
		result, err := d.db.ExecContext(ctx, InsertMessageQuery,
			id,
			msg.ChannelID,
			msg.Platform,
			msg.ExternalID,
			msg.SenderID,
			msg.RecipientID,
			msg.ContactName,
			msg.Content,
			msg.MessageType,
			msg.MediaRef,
			msg.Timestamp.UTC(),
			msg.Direction,
			msg.DeliveryStatus,
			msg.ConversationID,
			leadID,
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, apperrors.NewDatabaseError("insert message", err)
	}
	if affected == 0 {
		return false, nil
	}
	msg.ID = id
	return true, nil
}

// GetMessage loads a message by id
func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(d.db.QueryRowContext(ctx, SelectMessageByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("message", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get message", err)
	}
	return msg, nil
}

// FindMessageByExternalID returns nil when the message was never stored
func (d *Database) FindMessageByExternalID(ctx context.Context, channelID, externalID string) (*models.Message, error) {
	msg, err := scanMessage(d.db.QueryRowContext(ctx, SelectMessageByExternalIDQuery, channelID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("find message", err)
	}
	return msg, nil
}

// SetLead links a message to a lead at most once. It reports false when the
// message already had a lead.
func (d *Database) SetLead(ctx context.Context, messageID, leadID string) (bool, error) {
	var affected int64
	err := withRetry(ctx, "set message lead", func() error {
		result, err := d.db.ExecContext(ctx, SetMessageLeadQuery, leadID, messageID)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, apperrors.NewDatabaseError("set message lead", err)
	}
	return affected == 1, nil
}

// UpdateDeliveryStatus records a provider status callback. It reports false
// when no message matches or the stored status is already as far along.
func (d *Database) UpdateDeliveryStatus(ctx context.Context, channelID, externalID string, status models.DeliveryStatus) (bool, error) {
	var affected int64
	err := withRetry(ctx, "update delivery status", func() error {
		result, err := d.db.ExecContext(ctx, UpdateMessageDeliveryStatusQuery, status, channelID, externalID, status.Rank())
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, apperrors.NewDatabaseError("update delivery status", err)
	}
	return affected > 0, nil
}

// MessagesWithoutLead returns up to limit incoming messages after the cursor
// that still wait for lead linking. Messages without a sender are skipped.
func (d *Database) MessagesWithoutLead(ctx context.Context, after models.MessageCursor, limit int) ([]*models.Message, error) {
	at := after.Timestamp.UTC()
	rows, err := d.db.QueryContext(ctx, SelectMessagesWithoutLeadQuery, at, at, after.ID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list messages without lead", err)
	}
	return collectMessages(rows)
}

// ListMessages returns the newest messages matching filter across platforms
func (d *Database) ListMessages(ctx context.Context, filter models.MessageFilter) ([]*models.Message, error) {
	platform := string(filter.Platform)
	rows, err := d.db.QueryContext(ctx, SelectMessagesQuery,
		platform, platform,
		filter.ChannelID, filter.ChannelID,
		filter.SenderID, filter.SenderID,
		filter.Limit,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	return messages, nil
}

// LeadStats summarizes incoming messages and created leads per platform
func (d *Database) LeadStats(ctx context.Context) ([]models.PlatformLeadStats, error) {
	stats := make(map[models.Platform]*models.PlatformLeadStats)
	for _, p := range models.Platforms() {
		stats[p] = &models.PlatformLeadStats{Platform: p}
	}

	rows, err := d.db.QueryContext(ctx, SelectMessageStatsQuery)
	if err != nil {
		return nil, apperrors.NewDatabaseError("message stats", err)
	}
	for rows.Next() {
		var platform models.Platform
		var total, pending int
		if err := rows.Scan(&platform, &total, &pending); err != nil {
			rows.Close()
			return nil, apperrors.NewDatabaseError("scan message stats", err)
		}
		if s, ok := stats[platform]; ok {
			s.TotalMessages = total
			s.Pending = pending
		}
	}
	if err := rows.Close(); err != nil {
		return nil, apperrors.NewDatabaseError("message stats", err)
	}

	leadRows, err := d.db.QueryContext(ctx, SelectLeadsBySourceQuery)
	if err != nil {
		return nil, apperrors.NewDatabaseError("lead stats", err)
	}
	defer leadRows.Close()
	for leadRows.Next() {
		var source string
		var created int
		if err := leadRows.Scan(&source, &created); err != nil {
			return nil, apperrors.NewDatabaseError("scan lead stats", err)
		}
		if s, ok := stats[models.Platform(source)]; ok {
			s.LeadsCreated = created
		}
	}
	if err := leadRows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("lead stats", err)
	}

	result := make([]models.PlatformLeadStats, 0, len(stats))
	for _, p := range models.Platforms() {
		result = append(result, *stats[p])
	}
	return result, nil
}
