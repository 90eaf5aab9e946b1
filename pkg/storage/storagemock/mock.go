package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/jameshartig/solarkmon/pkg/storage"
	"github.com/jameshartig/solarkmon/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetCredential(ctx context.Context, account string) (types.Credential, error) {
	args := m.Called(ctx, account)
	if len(args) > 0 {
		return args.Get(0).(types.Credential), args.Error(1)
	}
	return types.Credential{}, nil
}

func (m *MockDatabase) SetCredential(ctx context.Context, account string, cred types.Credential) error {
	args := m.Called(ctx, account, cred)
	return args.Error(0)
}

func (m *MockDatabase) DeleteCredential(ctx context.Context, account string) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
