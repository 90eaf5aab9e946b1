package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jameshartig/solarkmon/pkg/log"
	"github.com/jameshartig/solarkmon/pkg/types"
)

// Cipher seals credentials with AES-256-GCM before they leave the process.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher returns a Cipher for a 32-byte key.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, errors.New("no encryption key configured")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key length %d (must be 32 bytes)", len(key))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Encrypt returns nonce||ciphertext of the JSON encoded credential.
func (c *Cipher) Encrypt(ctx context.Context, cred types.Credential) ([]byte, error) {
	jsonBytes, err := json.Marshal(cred)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal credential", slog.Any("error", err))
		return nil, fmt.Errorf("failed to marshal credential: %w", err)
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.gcm.Seal(nonce, nonce, jsonBytes, nil), nil
}

// Decrypt reverses Encrypt. Empty input decodes to the zero credential.
func (c *Cipher) Decrypt(ctx context.Context, encrypted []byte) (types.Credential, error) {
	if len(encrypted) == 0 {
		return types.Credential{}, nil
	}
	if len(encrypted) < c.gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted credential", slog.Int("length", len(encrypted)))
		return types.Credential{}, errors.New("malformed encrypted credential")
	}

	nonce, ciphertext := encrypted[:c.gcm.NonceSize()], encrypted[c.gcm.NonceSize():]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credential", slog.Any("error", err))
		return types.Credential{}, fmt.Errorf("failed to decrypt credential: %w", err)
	}

	var cred types.Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to unmarshal credential", slog.Any("error", err))
		return types.Credential{}, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return cred, nil
}
