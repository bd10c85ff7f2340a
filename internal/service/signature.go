package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"
)

// SignatureHeader carries the HMAC of a Meta webhook body
const SignatureHeader = "X-Hub-Signature-256"

// SecretSource lists the app secrets a webhook for platform may be signed with
type SecretSource interface {
	WebhookSecrets(ctx context.Context, platform models.Platform) ([]string, error)
}

// AppSecrets accepts the configured app secret and the app secret of every
// account behind an Active channel of the platform.
type AppSecrets struct {
	configured string
	store      interface {
		ChannelStore
		AccountStore
	}
}

func NewAppSecrets(configured string, store Store) *AppSecrets {
	return &AppSecrets{configured: configured, store: store}
}

func (s *AppSecrets) WebhookSecrets(ctx context.Context, platform models.Platform) ([]string, error) {
	var secrets []string
	seen := make(map[string]bool)
	add := func(secret string) {
		if secret != "" && !seen[secret] {
			seen[secret] = true
			secrets = append(secrets, secret)
		}
	}
	add(s.configured)
	if s.store == nil {
		return secrets, nil
	}

	channels, err := s.store.ListChannels(ctx, platform, true)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		acc, err := s.store.GetAccountByChannel(ctx, ch.ID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		add(acc.AppSecret)
	}
	return secrets, nil
}

// VerifySignature checks header against HMAC-SHA256(secret, body) for any of
// the secrets. No secrets means no payload can be trusted.
func VerifySignature(body []byte, header string, secrets []string) error {
	if len(secrets) == 0 {
		return apperrors.NewSignatureError("no app secret configured")
	}
	if header == "" {
		return apperrors.NewSignatureError("missing " + SignatureHeader + " header")
	}

	parts := strings.SplitN(header, "=", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "sha256" {
		return apperrors.NewSignatureError("invalid signature format")
	}
	expected, err := hex.DecodeString(parts[1])
	if err != nil {
		return apperrors.NewSignatureError("signature is not hex encoded")
	}

	for _, secret := range secrets {
		if hmac.Equal(expected, Sign(body, secret)) {
			return nil
		}
	}
	return apperrors.NewSignatureError("signature mismatch")
}

// Sign returns the raw HMAC-SHA256 of body
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeaderValue formats body's signature the way Meta sends it
func SignatureHeaderValue(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(Sign(body, secret))
}
