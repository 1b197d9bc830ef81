// Package sandkasten measures sandbox lifecycles as sessions on a
// Sandkasten daemon.
package sandkasten

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/p-arndt/sandbench/internal/provider"
	"github.com/p-arndt/sandbench/internal/provider/httpapi"
)

type Options struct {
	Host        string
	APIKey      string
	Image       string
	ExecTimeout time.Duration
}

type createSessionRequest struct {
	Image      string `json:"image,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type sessionInfo struct {
	ID     string `json:"id"`
	Image  string `json:"image"`
	Status string `json:"status"`
}

type execRequest struct {
	Cmd       string `json:"cmd"`
	TimeoutMs int    `json:"timeout_ms"`
}

type execResponse struct {
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	DurationMs int64  `json:"duration_ms"`
}

// sessionTTL bounds how long a leaked session survives on the daemon.
const sessionTTL = 600

// Driver implements provider.Driver, provider.Preparer and
// provider.Inventory. Sessions carry no labels, so the inventory is the set
// of sessions this driver created and has not yet released.
type Driver struct {
	api  *httpapi.Client
	opts Options

	mu   sync.Mutex
	live map[string]struct{}
}

func New(opts Options) *Driver {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = time.Minute
	}
	return &Driver{
		api:  httpapi.New(opts.Host, opts.APIKey, opts.ExecTimeout+30*time.Second),
		opts: opts,
		live: make(map[string]struct{}),
	}
}

// Prepare checks the daemon is reachable.
func (d *Driver) Prepare(ctx context.Context, _ provider.VMConfig) error {
	if err := d.api.DoJSON(ctx, http.MethodGet, "/healthz", nil, nil); err != nil {
		return fmt.Errorf("sandkasten %s unreachable: %w", d.api.BaseURL(), err)
	}
	return nil
}

// Provision creates a session. The daemon sizes sandboxes from its own
// configuration, so the VM config is not forwarded.
func (d *Driver) Provision(ctx context.Context, _ provider.VMConfig) (string, error) {
	var out sessionInfo
	req := createSessionRequest{Image: d.opts.Image, TTLSeconds: sessionTTL}
	if err := d.api.DoJSON(ctx, http.MethodPost, "/v1/sessions", req, &out); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create session: empty session id")
	}
	d.track(out.ID)
	if out.Status != "" && out.Status != "running" {
		return out.ID, &provider.ReadyError{Err: fmt.Errorf("session %s is %s", out.ID, out.Status)}
	}
	return out.ID, nil
}

// Exec runs script through the session's shell as a python3 heredoc.
func (d *Driver) Exec(ctx context.Context, id string, script string) (string, error) {
	req := execRequest{Cmd: pythonCommand(script), TimeoutMs: int(d.opts.ExecTimeout.Milliseconds())}
	var out execResponse
	if err := d.api.DoJSON(ctx, http.MethodPost, "/v1/sessions/"+id+"/exec", req, &out); err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("exec exited with code %d: %s", out.ExitCode, strings.TrimSpace(out.Output))
	}
	return strings.TrimSpace(out.Output), nil
}

func pythonCommand(script string) string {
	return "python3 - <<'SANDBENCH_EOF'\n" + script + "\nSANDBENCH_EOF"
}

// Release destroys the session. A session that is already gone counts as
// released.
func (d *Driver) Release(ctx context.Context, id string) error {
	err := d.api.DoJSON(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
	if err != nil && !httpapi.IsNotFound(err) {
		return fmt.Errorf("destroy session: %w", err)
	}
	d.untrack(id)
	return nil
}

// ListSandboxes returns sessions this driver created that the daemon still
// reports.
func (d *Driver) ListSandboxes(ctx context.Context) ([]string, error) {
	var sessions []sessionInfo
	if err := d.api.DoJSON(ctx, http.MethodGet, "/v1/sessions", nil, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, s := range sessions {
		if _, ok := d.live[s.ID]; ok {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (d *Driver) Close() error {
	d.api.CloseIdle()
	return nil
}

func (d *Driver) track(id string) {
	d.mu.Lock()
	d.live[id] = struct{}{}
	d.mu.Unlock()
}

func (d *Driver) untrack(id string) {
	d.mu.Lock()
	delete(d.live, id)
	d.mu.Unlock()
}
