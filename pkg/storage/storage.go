package storage

import (
	"context"

	"github.com/jameshartig/solarkmon/pkg/types"
)

// Database persists the session credential so a restart does not need a fresh
// login. A missing credential is returned as the zero value with no error.
type Database interface {
	GetCredential(ctx context.Context, account string) (types.Credential, error)
	SetCredential(ctx context.Context, account string, cred types.Credential) error
	DeleteCredential(ctx context.Context, account string) error

	// Lifecycle
	Close() error
}

// noneProvider keeps nothing.
type noneProvider struct{}

func (noneProvider) GetCredential(ctx context.Context, account string) (types.Credential, error) {
	return types.Credential{}, nil
}

func (noneProvider) SetCredential(ctx context.Context, account string, cred types.Credential) error {
	return nil
}

func (noneProvider) DeleteCredential(ctx context.Context, account string) error {
	return nil
}

func (noneProvider) Close() error {
	return nil
}
