package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jameshartig/solarkmon/pkg/types"
)

func TestCipher(t *testing.T) {
	// 32-byte key for AES-256
	testKey := "01234567890123456789012345678901"

	cred := types.Credential{
		Token:        "access",
		IssuedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt:    time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
		RefreshToken: "refresh",
		Scheme:       types.AuthSchemeLegacy,
	}

	t.Run("Encrypt and Decrypt", func(t *testing.T) {
		c, err := NewCipher(testKey)
		require.NoError(t, err)

		encrypted, err := c.Encrypt(t.Context(), cred)
		require.NoError(t, err)
		assert.NotEmpty(t, encrypted)
		assert.NotContains(t, string(encrypted), "access")

		decrypted, err := c.Decrypt(t.Context(), encrypted)
		require.NoError(t, err)
		assert.Equal(t, cred, decrypted)
	})

	t.Run("Decryption with Wrong Key Fails", func(t *testing.T) {
		c1, err := NewCipher(testKey)
		require.NoError(t, err)
		c2, err := NewCipher("12345678901234567890123456789012")
		require.NoError(t, err)

		encrypted, err := c1.Encrypt(t.Context(), cred)
		require.NoError(t, err)

		_, err = c2.Decrypt(t.Context(), encrypted)
		assert.Error(t, err)
	})

	t.Run("Bad Keys", func(t *testing.T) {
		_, err := NewCipher("")
		assert.ErrorContains(t, err, "no encryption key configured")

		_, err = NewCipher("short")
		assert.ErrorContains(t, err, "must be 32 bytes")
	})

	t.Run("Malformed Ciphertext", func(t *testing.T) {
		c, err := NewCipher(testKey)
		require.NoError(t, err)

		_, err = c.Decrypt(t.Context(), []byte("short"))
		assert.Error(t, err)

		_, err = c.Decrypt(t.Context(), make([]byte, 50))
		assert.Error(t, err)

		got, err := c.Decrypt(t.Context(), nil)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})
}

func TestNoneProvider(t *testing.T) {
	var db Database = noneProvider{}
	require.NoError(t, db.SetCredential(t.Context(), "a", types.Credential{Token: "x"}))
	got, err := db.GetCredential(t.Context(), "a")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	require.NoError(t, db.DeleteCredential(t.Context(), "a"))
	require.NoError(t, db.Close())
}

func TestAccountDocID(t *testing.T) {
	id := accountDocID("User@Example.com ")
	assert.Equal(t, accountDocID("user@example.com"), id)
	assert.Len(t, id, 64)
	assert.NotContains(t, id, "@")
}
