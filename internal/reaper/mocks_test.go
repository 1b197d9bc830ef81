package reaper

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockInventory mocks provider.Inventory.
type MockInventory struct {
	mock.Mock
}

func (m *MockInventory) ListSandboxes(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockInventory) Release(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
