// Package runloop measures sandbox lifecycles as Runloop devboxes.
package runloop

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/p-arndt/sandbench/internal/provider"
	"github.com/p-arndt/sandbench/internal/provider/httpapi"
)

const (
	metadataKey   = "sandbench"
	statusRunning = "running"
)

type Options struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	ExecTimeout  time.Duration
}

type launchParameters struct {
	CustomCPUCores      int    `json:"custom_cpu_cores"`
	CustomGBMemory      int    `json:"custom_gb_memory"`
	CustomDiskSize      int    `json:"custom_disk_size"`
	ResourceSizeRequest string `json:"resource_size_request"`
}

type createRequest struct {
	LaunchParameters launchParameters  `json:"launch_parameters"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type devbox struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	FailureCause string            `json:"failure_reason,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type listResponse struct {
	Devboxes []devbox `json:"devboxes"`
	HasMore  bool     `json:"has_more"`
}

type executeRequest struct {
	Command string `json:"command"`
}

type executeResponse struct {
	ExitStatus int    `json:"exit_status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// Driver implements provider.Driver and provider.Inventory against the
// Runloop devbox API.
type Driver struct {
	api  *httpapi.Client
	opts Options
}

func New(opts Options) *Driver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = time.Minute
	}
	return &Driver{
		api:  httpapi.New(opts.BaseURL, opts.APIKey, opts.ExecTimeout+30*time.Second),
		opts: opts,
	}
}

// launchParams translates a VM config. Memory is rounded up to whole GB and
// raised to the provider's minimum of 2 GB per vCPU.
func launchParams(vm provider.VMConfig) launchParameters {
	gb := (vm.MemoryMB + 1023) / 1024
	if floor := 2 * vm.VCPUs; gb < floor {
		gb = floor
	}
	return launchParameters{
		CustomCPUCores:      vm.VCPUs,
		CustomGBMemory:      gb,
		CustomDiskSize:      vm.DiskGB,
		ResourceSizeRequest: "CUSTOM_SIZE",
	}
}

func (d *Driver) Provision(ctx context.Context, vm provider.VMConfig) (string, error) {
	req := createRequest{
		LaunchParameters: launchParams(vm),
		Metadata:         map[string]string{metadataKey: "true"},
	}
	var box devbox
	if err := d.api.DoJSON(ctx, http.MethodPost, "/v1/devboxes", req, &box); err != nil {
		return "", fmt.Errorf("create devbox: %w", err)
	}
	if box.ID == "" {
		return "", fmt.Errorf("create devbox: empty id")
	}
	if err := d.awaitRunning(ctx, box); err != nil {
		return box.ID, &provider.ReadyError{Err: err}
	}
	return box.ID, nil
}

func (d *Driver) awaitRunning(ctx context.Context, box devbox) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		switch box.Status {
		case statusRunning:
			return nil
		case "failure", "shutdown":
			if box.FailureCause != "" {
				return fmt.Errorf("devbox %s entered %s: %s", box.ID, box.Status, box.FailureCause)
			}
			return fmt.Errorf("devbox %s entered %s", box.ID, box.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		id := box.ID
		if err := d.api.DoJSON(ctx, http.MethodGet, "/v1/devboxes/"+id, nil, &box); err != nil {
			return fmt.Errorf("get devbox: %w", err)
		}
		if box.ID == "" {
			box.ID = id
		}
	}
}

func (d *Driver) Exec(ctx context.Context, id string, script string) (string, error) {
	req := executeRequest{Command: "python3 -c " + provider.ShellQuote(script)}
	var out executeResponse
	if err := d.api.DoJSON(ctx, http.MethodPost, "/v1/devboxes/"+id+"/execute_sync", req, &out); err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}
	if out.ExitStatus != 0 {
		return "", fmt.Errorf("execute exited with code %d: %s", out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (d *Driver) Release(ctx context.Context, id string) error {
	err := d.api.DoJSON(ctx, http.MethodPost, "/v1/devboxes/"+id+"/shutdown", nil, nil)
	if err != nil && !httpapi.IsNotFound(err) {
		return fmt.Errorf("shutdown devbox: %w", err)
	}
	return nil
}

// ListSandboxes returns running devboxes tagged with our metadata.
func (d *Driver) ListSandboxes(ctx context.Context) ([]string, error) {
	var ids []string
	startingAfter := ""
	for {
		q := url.Values{"status": {statusRunning}, "limit": {"100"}}
		if startingAfter != "" {
			q.Set("starting_after", startingAfter)
		}
		var page listResponse
		if err := d.api.DoJSON(ctx, http.MethodGet, "/v1/devboxes?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("list devboxes: %w", err)
		}
		for _, b := range page.Devboxes {
			if b.Metadata[metadataKey] == "true" {
				ids = append(ids, b.ID)
			}
		}
		if !page.HasMore || len(page.Devboxes) == 0 {
			return ids, nil
		}
		startingAfter = page.Devboxes[len(page.Devboxes)-1].ID
	}
}

func (d *Driver) Close() error {
	d.api.CloseIdle()
	return nil
}
