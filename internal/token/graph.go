package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"
)

// GraphExchangeRefresher trades a Facebook or Instagram token for a fresh
// long-lived one through the fb_exchange_token grant.
type GraphExchangeRefresher struct {
	baseURL    string
	apiVersion string
	client     *http.Client
	now        func() time.Time
}

func NewGraphExchangeRefresher(baseURL, apiVersion string, client *http.Client) *GraphExchangeRefresher {
	if baseURL == "" {
		baseURL = constants.DefaultGraphBaseURL
	}
	if apiVersion == "" {
		apiVersion = constants.DefaultGraphAPIVersion
	}
	if client == nil {
		client = &http.Client{Timeout: time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second}
	}
	return &GraphExchangeRefresher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		client:     client,
		now:        time.Now,
	}
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (r *GraphExchangeRefresher) Refresh(ctx context.Context, acc *models.Account) (*Token, error) {
	if acc.AppSecret == "" {
		return nil, apperrors.NewTokenRefreshError(acc.ID, ErrNoRefreshCredentials)
	}

	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", acc.AppID)
	params.Set("client_secret", acc.AppSecret)
	params.Set("fb_exchange_token", acc.AccessToken)
	endpoint := fmt.Sprintf("%s/%s/oauth/access_token?%s", r.baseURL, r.apiVersion, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewProviderError(string(acc.Platform), "oauth/access_token", resp.StatusCode, string(body))
	}

	var parsed exchangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode exchange response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("token exchange rejected: %s", parsed.Error.Message)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token exchange returned no access token")
	}

	lifetime := constants.DefaultTokenLifetime
	if parsed.ExpiresIn > 0 {
		lifetime = time.Duration(parsed.ExpiresIn) * time.Second
	}
	return &Token{
		AccessToken: parsed.AccessToken,
		ExpiresAt:   r.now().Add(lifetime).UTC(),
	}, nil
}
