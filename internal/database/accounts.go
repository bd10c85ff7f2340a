package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/google/uuid"
)

func (d *Database) scanAccount(row scanner) (*models.Account, error) {
	var acc models.Account
	var accessToken, refreshToken, appSecret string
	if err := row.Scan(
		&acc.ID,
		&acc.ChannelID,
		&acc.Platform,
		&acc.AppID,
		&accessToken,
		&refreshToken,
		&appSecret,
		&acc.TokenURL,
		&acc.ExpiresAt,
		&acc.Status,
		&acc.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if acc.AccessToken, err = d.encryptor.Decrypt(accessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if acc.RefreshToken, err = d.encryptor.Decrypt(refreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if acc.AppSecret, err = d.encryptor.Decrypt(appSecret); err != nil {
		return nil, fmt.Errorf("failed to decrypt app secret: %w", err)
	}
	acc.ExpiresAt = acc.ExpiresAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return &acc, nil
}

// SaveAccount inserts or replaces an account, sealing its secrets
func (d *Database) SaveAccount(ctx context.Context, acc *models.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if err := acc.Validate(d.now()); err != nil {
		return err
	}
	acc.UpdatedAt = d.timestamp()

	accessToken, err := d.encryptor.Encrypt(acc.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshToken, err := d.encryptor.Encrypt(acc.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	appSecret, err := d.encryptor.Encrypt(acc.AppSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt app secret: %w", err)
	}

	err = withRetry(ctx, "save account", func() error {
		_, err := d.db.ExecContext(ctx, UpsertAccountQuery,
			acc.ID,
			acc.ChannelID,
			acc.Platform,
			acc.AppID,
			accessToken,
			refreshToken,
			appSecret,
			acc.TokenURL,
			acc.ExpiresAt.UTC(),
			acc.Status,
			acc.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError("save account", err)
	}
	return nil
}

// GetAccount loads an account with decrypted secrets
func (d *Database) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	acc, err := d.scanAccount(d.db.QueryRowContext(ctx, SelectAccountByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("account", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get account", err)
	}
	return acc, nil
}

// GetAccountByChannel returns the account a channel authenticates with
func (d *Database) GetAccountByChannel(ctx context.Context, channelID string) (*models.Account, error) {
	acc, err := d.scanAccount(d.db.QueryRowContext(ctx, SelectAccountByChannelQuery, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("account for channel", channelID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get account by channel", err)
	}
	return acc, nil
}

// UpdateToken persists a refreshed access token. An empty refreshToken keeps
// the stored one.
func (d *Database) UpdateToken(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	sealedAccess, err := d.encryptor.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	sealedRefresh, err := d.encryptor.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	return d.execOne(ctx, "update token", "account", accountID, UpdateAccountTokenQuery,
		sealedAccess,
		sealedRefresh,
		sealedRefresh,
		expiresAt.UTC(),
		d.timestamp(),
		accountID,
	)
}

// UpdateAccountStatus marks an account Active, Expired or Error
func (d *Database) UpdateAccountStatus(ctx context.Context, accountID string, status models.AccountStatus) error {
	return d.execOne(ctx, "update account status", "account", accountID, UpdateAccountStatusQuery,
		status, d.timestamp(), accountID)
}
