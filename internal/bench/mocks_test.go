package bench

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandbench/internal/provider"
)

// MockSweeper mocks the Sweeper interface.
type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) Sweep(ctx context.Context, providerName string, inv provider.Inventory) int {
	args := m.Called(ctx, providerName, inv)
	return args.Int(0)
}

// inventoryAdapter is a fake adapter that also owns an inventory.
type inventoryAdapter struct {
	provider.Adapter
}

func (inventoryAdapter) ListSandboxes(ctx context.Context) ([]string, error) { return nil, nil }
func (inventoryAdapter) Release(ctx context.Context, id string) error       { return nil }

type preparingAdapter struct {
	provider.Adapter
	err error
}

func (p preparingAdapter) Prepare(ctx context.Context, vm provider.VMConfig) error { return p.err }
