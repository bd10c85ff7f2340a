package token

import (
	"context"
	"fmt"
	"net/http"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"golang.org/x/oauth2"
)

// OAuth2Refresher runs the standard refresh_token grant against the
// account's token URL.
type OAuth2Refresher struct {
	client *http.Client
}

// NewOAuth2Refresher uses client for the token endpoint; nil means
// http.DefaultClient.
func NewOAuth2Refresher(client *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{client: client}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, acc *models.Account) (*Token, error) {
	if acc.RefreshToken == "" || acc.TokenURL == "" {
		return nil, apperrors.NewTokenRefreshError(acc.ID, ErrNoRefreshCredentials)
	}

	cfg := &oauth2.Config{
		ClientID:     acc.AppID,
		ClientSecret: acc.AppSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  acc.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	// An empty access token forces the source to hit the token endpoint
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh_token grant failed: %w", err)
	}

	refreshToken := ""
	if tok.RefreshToken != acc.RefreshToken {
		refreshToken = tok.RefreshToken
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}, nil
}
