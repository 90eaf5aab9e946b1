package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jameshartig/solarkmon/pkg/log"
	"github.com/jameshartig/solarkmon/pkg/types"
)

const credentialsCollection = "solark_credentials"

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Credentials are stored encrypted, one document per account.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	cipher    *Cipher
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.cipher == nil {
		return errors.New("firestore credential cache requires an encryption key")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// accountDocID keeps the account email out of document ids.
func accountDocID(account string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(account))))
	return hex.EncodeToString(sum[:])
}

func (f *FirestoreProvider) getDoc(account string) (*firestore.DocumentRef, error) {
	if account == "" {
		return nil, fmt.Errorf("account cannot be empty")
	}
	return f.client.Collection(credentialsCollection).Doc(accountDocID(account)), nil
}

// GetCredential returns the cached credential for account, or the zero
// credential if none is stored.
func (f *FirestoreProvider) GetCredential(ctx context.Context, account string) (types.Credential, error) {
	ref, err := f.getDoc(account)
	if err != nil {
		return types.Credential{}, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Credential{}, nil
		}
		return types.Credential{}, fmt.Errorf("failed to fetch credential doc: %w", err)
	}

	val, err := doc.DataAt("credential")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "credential doc missing credential", slog.String("docID", doc.Ref.ID))
		return types.Credential{}, fmt.Errorf("credential document missing 'credential' field: %w", err)
	}
	encrypted, ok := val.([]byte)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "credential doc credential not bytes", slog.String("docID", doc.Ref.ID))
		return types.Credential{}, fmt.Errorf("credential 'credential' field is not bytes")
	}
	return f.cipher.Decrypt(ctx, encrypted)
}

// SetCredential stores cred for account, replacing any previous one.
func (f *FirestoreProvider) SetCredential(ctx context.Context, account string, cred types.Credential) error {
	ref, err := f.getDoc(account)
	if err != nil {
		return err
	}
	encrypted, err := f.cipher.Encrypt(ctx, cred)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]interface{}{
		"credential": encrypted,
		"scheme":     cred.Scheme.String(),
		"expiresAt":  cred.ExpiresAt,
		"updatedAt":  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to set credential doc: %w", err)
	}
	return nil
}

// DeleteCredential removes the cached credential for account. Deleting a
// missing credential is not an error.
func (f *FirestoreProvider) DeleteCredential(ctx context.Context, account string) error {
	ref, err := f.getDoc(account)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("failed to delete credential doc: %w", err)
	}
	return nil
}
