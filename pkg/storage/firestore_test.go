package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jameshartig/solarkmon/pkg/types"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	c, err := NewCipher("01234567890123456789012345678901")
	require.NoError(t, err)

	// Use a random database for isolation
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  fmt.Sprintf("test-db-%d", time.Now().UnixNano()),
		cipher:    c,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
		assert.Error(t, (&FirestoreProvider{}).Validate())
	})

	t.Run("Missing", func(t *testing.T) {
		got, err := f.GetCredential(ctx, "nobody@example.com")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("Round Trip", func(t *testing.T) {
		// Firestore timestamps are microsecond precision
		now := time.Now().Truncate(time.Second).UTC()
		cred := types.Credential{
			Token:        "tok",
			IssuedAt:     now,
			ExpiresAt:    now.Add(time.Hour),
			RefreshToken: "ref",
			Scheme:       types.AuthSchemePrimary,
		}
		require.NoError(t, f.SetCredential(ctx, "user@example.com", cred))

		got, err := f.GetCredential(ctx, "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, cred.Token, got.Token)
		assert.Equal(t, cred.RefreshToken, got.RefreshToken)
		assert.Equal(t, cred.Scheme, got.Scheme)
		assert.True(t, cred.ExpiresAt.Equal(got.ExpiresAt))

		require.NoError(t, f.DeleteCredential(ctx, "user@example.com"))
		got, err = f.GetCredential(ctx, "user@example.com")
		require.NoError(t, err)
		assert.True(t, got.IsZero())

		// deleting again is fine
		require.NoError(t, f.DeleteCredential(ctx, "user@example.com"))
	})

	t.Run("EmptyAccount", func(t *testing.T) {
		_, err := f.GetCredential(ctx, "")
		assert.ErrorContains(t, err, "account cannot be empty")
	})
}
