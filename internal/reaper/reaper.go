// Package reaper removes sandboxes a provider run left behind, such as
// those whose teardown failed or raced with cancellation.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/sandbench/internal/provider"
)

const defaultReleaseTimeout = time.Minute

type Reaper struct {
	releaseTimeout time.Duration
	logger         *slog.Logger
}

func New(releaseTimeout time.Duration, logger *slog.Logger) *Reaper {
	if releaseTimeout <= 0 {
		releaseTimeout = defaultReleaseTimeout
	}
	return &Reaper{releaseTimeout: releaseTimeout, logger: logger}
}

// Sweep releases every sandbox inv still reports and returns how many were
// released. Errors are logged, never returned.
func (r *Reaper) Sweep(ctx context.Context, providerName string, inv provider.Inventory) int {
	leftover, err := inv.ListSandboxes(ctx)
	if err != nil {
		r.logger.Error("reaper: list sandboxes", "provider", providerName, "error", err)
		return 0
	}
	if len(leftover) == 0 {
		return 0
	}

	r.logger.Warn("reaper: found leftover sandboxes", "provider", providerName, "count", len(leftover))

	released := 0
	for _, id := range leftover {
		if ctx.Err() != nil {
			break
		}
		if r.release(ctx, providerName, inv, id) {
			released++
		}
	}

	r.logger.Info("reaper: released sandboxes", "provider", providerName, "count", released)
	return released
}

func (r *Reaper) release(ctx context.Context, providerName string, inv provider.Inventory, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.releaseTimeout)
	defer cancel()

	r.logger.Info("reaping sandbox", "provider", providerName, "sandbox_id", id)
	if err := inv.Release(ctx, id); err != nil {
		r.logger.Error("reaper: release sandbox", "provider", providerName, "sandbox_id", id, "error", err)
		return false
	}
	return true
}
