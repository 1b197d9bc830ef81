// Package process measures a host shell in a pseudo-terminal as the
// baseline floor. It provides no isolation and ignores the VM config.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/p-arndt/sandbench/internal/provider"
)

// Markers are printed as two halves joined by printf so the echoed command
// line never contains the full marker.
const (
	readyMarker = "__SANDBENCH_READY__"
	endMarker   = "__SANDBENCH_END__"
	readyCmd    = "set +m 2>/dev/null; stty -echo 2>/dev/null; printf '%s_%s\\n' __SANDBENCH READY__\n"
	endCmdFmt   = "%s -c %s; printf '\\n%%s_%%s:%%d\\n' __SANDBENCH END__ $?\n"
)

var (
	ansiRegex = regexp.MustCompile("[\u001b\u009b][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))")
	endRegex  = regexp.MustCompile(endMarker + `:(-?\d+)`)
)

type Options struct {
	Shell       string
	Interpreter string
	// ExecTimeout bounds both the ready wait and the script run.
	ExecTimeout time.Duration
}

// Driver implements provider.Driver and provider.Inventory. Each sandbox is
// a shell in its own pty and scratch directory; its id is the shell's pid.
type Driver struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
}

func New(opts Options) *Driver {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = time.Minute
	}
	return &Driver{opts: opts, sessions: make(map[string]*session)}
}

type session struct {
	cmd  *exec.Cmd
	ptmx *os.File
	dir  string

	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
	done   chan struct{}
}

func (s *session) readLoop() {
	defer close(s.done)
	chunk := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.mu.Unlock()
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *session) reset() {
	s.mu.Lock()
	s.buf.Reset()
	s.mu.Unlock()
}

// waitFor blocks until match finds something in the buffered output.
func (s *session) waitFor(ctx context.Context, match func(string) bool) (string, error) {
	for {
		s.mu.Lock()
		out := s.buf.String()
		s.mu.Unlock()
		if match(out) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-s.done:
			return out, fmt.Errorf("shell exited")
		case <-s.notify:
		}
	}
}

func (d *Driver) Provision(ctx context.Context, _ provider.VMConfig) (string, error) {
	dir, err := os.MkdirTemp("", "sandbench-")
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}

	cmd := exec.Command(d.opts.Shell)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"TERM=dumb",
		"PS1=",
		"PS2=",
		"HISTFILE=",
	)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("pty start: %w", err)
	}
	pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	s := &session{cmd: cmd, ptmx: ptmx, dir: dir, notify: make(chan struct{}, 1), done: make(chan struct{})}
	id := strconv.Itoa(cmd.Process.Pid)
	d.mu.Lock()
	d.sessions[id] = s
	d.mu.Unlock()
	go s.readLoop()

	if _, err := ptmx.Write([]byte(readyCmd)); err != nil {
		return id, &provider.ReadyError{Err: fmt.Errorf("write to pty: %w", err)}
	}
	readyCtx, cancel := context.WithTimeout(ctx, d.opts.ExecTimeout)
	defer cancel()
	if _, err := s.waitFor(readyCtx, func(out string) bool { return strings.Contains(out, readyMarker) }); err != nil {
		return id, &provider.ReadyError{Err: err}
	}
	return id, nil
}

func (d *Driver) Exec(ctx context.Context, id string, script string) (string, error) {
	s := d.session(id)
	if s == nil {
		return "", fmt.Errorf("unknown sandbox %s", id)
	}

	s.reset()
	line := fmt.Sprintf(endCmdFmt, d.opts.Interpreter, provider.ShellQuote(script))
	if _, err := s.ptmx.Write([]byte(line)); err != nil {
		return "", fmt.Errorf("write to pty: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, d.opts.ExecTimeout)
	defer cancel()
	out, err := s.waitFor(execCtx, endRegex.MatchString)
	if err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}
	output, code := parseOutput(out)
	if code != 0 {
		return "", fmt.Errorf("exited with code %d: %s", code, output)
	}
	return output, nil
}

// parseOutput splits raw pty output into the command's text and its exit
// code taken from the end marker.
func parseOutput(raw string) (string, int) {
	raw = strings.ReplaceAll(raw, "\r", "")
	raw = ansiRegex.ReplaceAllString(raw, "")

	loc := endRegex.FindStringSubmatchIndex(raw)
	if loc == nil {
		return strings.TrimSpace(raw), -1
	}
	code, _ := strconv.Atoi(raw[loc[2]:loc[3]])
	return strings.TrimSpace(raw[:loc[0]]), code
}

// Release kills the shell's process group and removes its scratch
// directory. Unknown ids count as released.
func (d *Driver) Release(_ context.Context, id string) error {
	d.mu.Lock()
	s := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if s == nil {
		return nil
	}

	// The shell leads its own session with job control off, so children
	// still holding the pty share its group.
	if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	_ = s.cmd.Wait()
	s.ptmx.Close()
	<-s.done
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// ListSandboxes returns shells that were provisioned and not released.
func (d *Driver) ListSandboxes(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (d *Driver) session(id string) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[id]
}
