// Package docker measures sandbox lifecycles as containers on the local
// Docker daemon.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/p-arndt/sandbench/internal/provider"
)

const (
	labelPrefix    = "sandbench."
	labelManaged   = labelPrefix + "managed"
	labelDriver    = labelPrefix + "driver"
	workspacePath  = "/workspace"
	keepaliveCmd   = "while true; do sleep 3600; done"
	readyPollDelay = 25 * time.Millisecond
)

// APIClient is the subset of the Docker API the driver uses.
type APIClient interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, container string, config container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

type Options struct {
	Image       string
	Shell       string
	Interpreter string
	ExecTimeout time.Duration
}

// Driver implements provider.Driver, provider.Preparer and
// provider.Inventory against a Docker daemon.
type Driver struct {
	api  APIClient
	opts Options
	// instance tags every container this driver creates so its sweep never
	// touches containers owned by another run on the same daemon.
	instance string
}

func New(opts Options) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewWithClient(cli, opts), nil
}

func NewWithClient(api APIClient, opts Options) *Driver {
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	return &Driver{api: api, opts: opts, instance: uuid.NewString()}
}

func (d *Driver) Close() error {
	return d.api.Close()
}

// Prepare pulls the image unless it is already present, so the first batch
// does not pay for the download.
func (d *Driver) Prepare(ctx context.Context, _ provider.VMConfig) error {
	images, err := d.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", d.opts.Image)),
	})
	if err != nil {
		return fmt.Errorf("image list: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	reader, err := d.api.ImagePull(ctx, d.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", d.opts.Image, err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("image pull %s: %w", d.opts.Image, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("image pull %s: %s", d.opts.Image, msg.Error.Message)
		}
	}
}

// hostConfig translates a VM config into container limits. Disk becomes a
// size-bounded tmpfs workspace.
func hostConfig(vm provider.VMConfig) *container.HostConfig {
	return &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(vm.VCPUs) * 1e9,
			Memory:   int64(vm.MemoryMB) * units.MiB,
		},
		SecurityOpt: []string{"no-new-privileges"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: workspacePath,
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: int64(vm.DiskGB) * units.GiB,
				},
			},
		},
	}
}

func (d *Driver) Provision(ctx context.Context, vm provider.VMConfig) (string, error) {
	cfg := &container.Config{
		Image:      d.opts.Image,
		Labels:     map[string]string{labelManaged: "true", labelDriver: d.instance},
		Cmd:        []string{d.opts.Shell, "-c", keepaliveCmd},
		WorkingDir: workspacePath,
	}
	name := "sandbench-" + uuid.NewString()[:12]

	resp, err := d.api.ContainerCreate(ctx, cfg, hostConfig(vm), nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("container start: %w", err)
	}

	if err := d.waitRunning(ctx, resp.ID); err != nil {
		return resp.ID, &provider.ReadyError{Err: err}
	}
	return resp.ID, nil
}

func (d *Driver) waitRunning(ctx context.Context, id string) error {
	for {
		info, err := d.api.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("container inspect: %w", err)
		}
		if info.ContainerJSONBase != nil && info.State != nil {
			if info.State.Running {
				return nil
			}
			switch info.State.Status {
			case "exited", "dead":
				return fmt.Errorf("container %s exited with code %d", id, info.State.ExitCode)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollDelay):
		}
	}
}

// Exec runs script with the interpreter and returns its stdout.
func (d *Driver) Exec(ctx context.Context, id string, script string) (string, error) {
	if d.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.ExecTimeout)
		defer cancel()
	}

	execResp, err := d.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          []string{d.opts.Interpreter, "-c", script},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := d.api.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return "", fmt.Errorf("exec read: %w", err)
	}

	inspect, err := d.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return "", fmt.Errorf("exec exited with code %d: %s", inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Release force-removes the container. A container that is already gone
// counts as released.
func (d *Driver) Release(ctx context.Context, id string) error {
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// ListSandboxes returns the ids of containers created by this driver.
func (d *Driver) ListSandboxes(ctx context.Context) ([]string, error) {
	containers, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
			filters.Arg("label", labelDriver+"="+d.instance),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
