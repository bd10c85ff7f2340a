package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"socialbridge/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceSize        = 12
	keySize          = 32
	pbkdf2Iterations = 100000
	cipherPrefix     = "enc:v1:"
)

// encryptor seals account secrets at rest. A nil gcm stores plaintext.
type encryptor struct {
	gcm cipher.AEAD
}

func newEncryptor(secret string) (*encryptor, error) {
	if secret == "" {
		return &encryptor{}, nil
	}
	if len(secret) < constants.MinEncryptionSecret {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", constants.MinEncryptionSecret)
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) enabled() bool {
	return e.gcm != nil
}

func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt opens values written by Encrypt. Values without the cipher prefix
// were stored before encryption was enabled and are returned as is.
func (e *encryptor) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, cipherPrefix) {
		return stored, nil
	}
	if e.gcm == nil {
		return "", fmt.Errorf("value is encrypted but no encryption secret is configured")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, cipherPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
