package database

import (
	"context"
	"database/sql"
	"errors"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/google/uuid"
)

func scanLead(row scanner) (*models.Lead, error) {
	var lead models.Lead
	if err := row.Scan(
		&lead.ID,
		&lead.FirstName,
		&lead.Phone,
		&lead.Mobile,
		&lead.ExternalSenderID,
		&lead.Source,
		&lead.Status,
		&lead.Owner,
		&lead.Company,
		&lead.CreatedAt,
	); err != nil {
		return nil, err
	}
	lead.CreatedAt = lead.CreatedAt.UTC()
	return &lead, nil
}

func (d *Database) findLead(ctx context.Context, query, value string) (*models.Lead, error) {
	if value == "" {
		return nil, nil
	}
	lead, err := scanLead(d.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("find lead", err)
	}
	return lead, nil
}

// FindByPhone matches the primary WhatsApp number
func (d *Database) FindByPhone(ctx context.Context, phone string) (*models.Lead, error) {
	return d.findLead(ctx, SelectLeadByPhoneQuery, phone)
}

// FindByMobile matches the secondary mobile number
func (d *Database) FindByMobile(ctx context.Context, mobile string) (*models.Lead, error) {
	return d.findLead(ctx, SelectLeadByMobileQuery, mobile)
}

// FindBySenderID matches the platform-scoped sender id of Facebook and Instagram users
func (d *Database) FindBySenderID(ctx context.Context, senderID string) (*models.Lead, error) {
	return d.findLead(ctx, SelectLeadBySenderIDQuery, senderID)
}

// GetLead loads a lead by id
func (d *Database) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	lead, err := d.findLead(ctx, SelectLeadByIDQuery, id)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, apperrors.NewNotFoundError("lead", id)
	}
	return lead, nil
}

// CreateLead inserts a new lead
func (d *Database) CreateLead(ctx context.Context, lead *models.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Status == "" {
		lead.Status = constants.DefaultLeadStatus
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = d.timestamp()
	}

	err := withRetry(ctx, "create lead", func() error {
		_, err := d.db.ExecContext(ctx, InsertLeadQuery,
			lead.ID,
			lead.FirstName,
			lead.Phone,
			lead.Mobile,
			lead.ExternalSenderID,
			lead.Source,
			lead.Status,
			lead.Owner,
			lead.Company,
			lead.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError("create lead", err)
	}
	return nil
}
