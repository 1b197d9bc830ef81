package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stage names the lifecycle step a failure happened in.
type Stage string

const (
	StageProvision Stage = "provision"
	StageReady     Stage = "ready"
	StageExec      Stage = "exec"
	StageTeardown  Stage = "teardown"
	StageUnknown   Stage = "unknown"
)

// LifecycleError voids a single sample.
type LifecycleError struct {
	Provider string
	Stage    Stage
	Err      error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Stage, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// Driver is the vendor-specific part of a lifecycle. Provision returns once
// the sandbox reports ready.
type Driver interface {
	Provision(ctx context.Context, vm VMConfig) (string, error)
	Exec(ctx context.Context, id string, script string) (string, error)
	Release(ctx context.Context, id string) error
}

// ReadyError lets a driver mark a provisioning failure as having happened
// while waiting for readiness rather than while acquiring the sandbox.
type ReadyError struct {
	Err error
}

func (e *ReadyError) Error() string { return "wait ready: " + e.Err.Error() }
func (e *ReadyError) Unwrap() error { return e.Err }

const releaseTimeout = 2 * time.Minute

// Measure times provision -> exec -> release. Teardown is part of the
// measured interval. Release is attempted whenever a sandbox id was obtained,
// using a detached context so a cancelled run does not leak sandboxes.
func Measure(ctx context.Context, name string, d Driver, vm VMConfig) (time.Duration, error) {
	start := time.Now()

	id, err := d.Provision(ctx, vm)
	if err != nil {
		stage := StageProvision
		var re *ReadyError
		if errors.As(err, &re) {
			stage = StageReady
		}
		if id != "" {
			err = withRelease(err, d, id)
		}
		return 0, &LifecycleError{Provider: name, Stage: stage, Err: err}
	}

	if _, err := d.Exec(ctx, id, TestScript); err != nil {
		return 0, &LifecycleError{Provider: name, Stage: StageExec, Err: withRelease(err, d, id)}
	}

	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := d.Release(relCtx, id); err != nil {
		return 0, &LifecycleError{Provider: name, Stage: StageTeardown, Err: err}
	}

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	return elapsed, nil
}

// withRelease tears down a sandbox whose lifecycle already failed. A
// teardown error is joined to cause so a possible leak stays visible.
func withRelease(cause error, d Driver, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := d.Release(ctx, id); err != nil {
		return errors.Join(cause, fmt.Errorf("release %s: %w", id, err))
	}
	return cause
}

// DriverAdapter turns a Driver into an Adapter.
type DriverAdapter struct {
	name   string
	driver Driver
}

func NewDriverAdapter(name string, d Driver) *DriverAdapter {
	return &DriverAdapter{name: name, driver: d}
}

func (a *DriverAdapter) Name() string { return a.name }

func (a *DriverAdapter) Driver() Driver { return a.driver }

func (a *DriverAdapter) Measure(ctx context.Context, vm VMConfig) (time.Duration, error) {
	return Measure(ctx, a.name, a.driver, vm)
}

// Prepare forwards to the driver when it needs one-time setup.
func (a *DriverAdapter) Prepare(ctx context.Context, vm VMConfig) error {
	if p, ok := a.driver.(Preparer); ok {
		return p.Prepare(ctx, vm)
	}
	return nil
}

func (a *DriverAdapter) Close() error {
	if c, ok := a.driver.(Closer); ok {
		return c.Close()
	}
	return nil
}

// InventoryOf returns the sandbox inventory behind an adapter, if any.
func InventoryOf(a Adapter) (Inventory, bool) {
	if inv, ok := a.(Inventory); ok {
		return inv, true
	}
	if da, ok := a.(*DriverAdapter); ok {
		inv, ok := da.driver.(Inventory)
		return inv, ok
	}
	return nil, false
}
