package provider

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDriver mocks the Driver interface.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Provision(ctx context.Context, vm VMConfig) (string, error) {
	args := m.Called(ctx, vm)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Exec(ctx context.Context, id string, script string) (string, error) {
	args := m.Called(ctx, id, script)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Release(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockInventoryDriver is a MockDriver that can also list its sandboxes.
type MockInventoryDriver struct {
	MockDriver
}

func (m *MockInventoryDriver) ListSandboxes(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}
