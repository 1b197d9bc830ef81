// Package provider defines the contract a sandbox provider binding implements
// to be measured by the benchmark engine.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrNoSamples         = errors.New("no successful samples")
)

// VMConfig is the canonical resource request applied to every sandbox in a run.
// Drivers translate it into their native units.
type VMConfig struct {
	VCPUs    int `json:"vcpus" yaml:"vcpus"`
	MemoryMB int `json:"memory_mb" yaml:"memory_mb"`
	DiskGB   int `json:"disk_gb" yaml:"disk_gb"`
}

// DefaultVMConfig is 1 vCPU, 2048 MB RAM, 2 GB disk.
func DefaultVMConfig() VMConfig {
	return VMConfig{VCPUs: 1, MemoryMB: 2048, DiskGB: 2}
}

func (v VMConfig) String() string {
	return fmt.Sprintf("%d vCPU, %dMB RAM, %dGB disk", v.VCPUs, v.MemoryMB, v.DiskGB)
}

// TestScript is the minimal workload every sandbox executes once it is ready.
const TestScript = `import sys
print(f"Python {sys.version_info.major}.{sys.version_info.minor} ready")`

// Adapter measures one full sandbox lifecycle. Implementations must be safe
// for concurrent use: the orchestrator calls Measure from many goroutines
// against a single Adapter value.
type Adapter interface {
	Name() string
	Measure(ctx context.Context, vm VMConfig) (time.Duration, error)
}

// Preparer is implemented by adapters that need one-time setup (image pull,
// snapshot creation) before the first batch.
type Preparer interface {
	Prepare(ctx context.Context, vm VMConfig) error
}

// Inventory is implemented by adapters that can enumerate sandboxes they own,
// so leftovers from failed teardowns can be swept.
type Inventory interface {
	ListSandboxes(ctx context.Context) ([]string, error)
	Release(ctx context.Context, id string) error
}

// Closer releases the shared provider client after its run.
type Closer interface {
	Close() error
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
