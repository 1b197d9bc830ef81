package sandkasten

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandbench/internal/provider"
	"github.com/p-arndt/sandbench/internal/testutil"
)

// fakeDaemon is an in-memory stand-in for the session API.
type fakeDaemon struct {
	mu       sync.Mutex
	next     int
	sessions map[string]bool
	exitCode int
	status   string
	deleteFn func(id string) int
}

func newFakeDaemon(t *testing.T) (*fakeDaemon, *httptest.Server) {
	t.Helper()
	f := &fakeDaemon{sessions: make(map[string]bool), status: "running"}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req createSessionRequest
		testutil.DecodeJSON(t, r, &req)
		assert.Equal(t, "python", req.Image)

		f.mu.Lock()
		f.next++
		id := fmt.Sprintf("s%d", f.next)
		f.sessions[id] = true
		status := f.status
		f.mu.Unlock()
		testutil.WriteJSON(w, http.StatusCreated, sessionInfo{ID: id, Image: req.Image, Status: status})
	})
	mux.HandleFunc("GET /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		var out []sessionInfo
		for id := range f.sessions {
			out = append(out, sessionInfo{ID: id, Status: "running"})
		}
		f.mu.Unlock()
		out = append(out, sessionInfo{ID: "foreign", Status: "running"})
		testutil.WriteJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/exec", func(w http.ResponseWriter, r *http.Request) {
		var req execRequest
		testutil.DecodeJSON(t, r, &req)
		assert.True(t, strings.HasPrefix(req.Cmd, "python3 - <<'SANDBENCH_EOF'"))
		assert.Equal(t, 5000, req.TimeoutMs)
		f.mu.Lock()
		code := f.exitCode
		f.mu.Unlock()
		testutil.WriteJSON(w, http.StatusOK, execResponse{ExitCode: code, Output: "Python 3.12 ready\n"})
	})
	mux.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.deleteFn != nil {
			if code := f.deleteFn(id); code != 0 {
				w.WriteHeader(code)
				return
			}
		}
		if !f.sessions[id] {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		delete(f.sessions, id)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestDriver(srv *httptest.Server) *Driver {
	return New(Options{Host: srv.URL, APIKey: "key", Image: "python", ExecTimeout: 5 * time.Second})
}

func TestLifecycle(t *testing.T) {
	f, srv := newFakeDaemon(t)
	d := newTestDriver(srv)
	ctx := context.Background()

	require.NoError(t, d.Prepare(ctx, provider.DefaultVMConfig()))

	id, err := d.Provision(ctx, provider.DefaultVMConfig())
	require.NoError(t, err)

	out, err := d.Exec(ctx, id, provider.TestScript)
	require.NoError(t, err)
	assert.Equal(t, "Python 3.12 ready", out)

	require.NoError(t, d.Release(ctx, id))
	f.mu.Lock()
	assert.Empty(t, f.sessions)
	f.mu.Unlock()
}

func TestExec_NonZeroExit(t *testing.T) {
	f, srv := newFakeDaemon(t)
	f.mu.Lock()
	f.exitCode = 1
	f.mu.Unlock()
	d := newTestDriver(srv)

	id, err := d.Provision(context.Background(), provider.DefaultVMConfig())
	require.NoError(t, err)
	_, err = d.Exec(context.Background(), id, provider.TestScript)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 1")
}

func TestProvision_NotRunningIsReadyError(t *testing.T) {
	f, srv := newFakeDaemon(t)
	f.mu.Lock()
	f.status = "crashed"
	f.mu.Unlock()
	d := newTestDriver(srv)

	id, err := d.Provision(context.Background(), provider.DefaultVMConfig())
	require.Error(t, err)
	assert.NotEmpty(t, id)
	var re *provider.ReadyError
	assert.True(t, errors.As(err, &re))
}

func TestRelease_AlreadyGone(t *testing.T) {
	_, srv := newFakeDaemon(t)
	d := newTestDriver(srv)

	assert.NoError(t, d.Release(context.Background(), "missing"))
}

func TestInventory_OnlyOwnLeftovers(t *testing.T) {
	f, srv := newFakeDaemon(t)
	d := newTestDriver(srv)
	ctx := context.Background()

	leaked, err := d.Provision(ctx, provider.DefaultVMConfig())
	require.NoError(t, err)
	released, err := d.Provision(ctx, provider.DefaultVMConfig())
	require.NoError(t, err)

	f.mu.Lock()
	f.deleteFn = func(id string) int {
		if id == leaked {
			return http.StatusInternalServerError
		}
		return 0
	}
	f.mu.Unlock()
	require.Error(t, d.Release(ctx, leaked))
	require.NoError(t, d.Release(ctx, released))

	ids, err := d.ListSandboxes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{leaked}, ids)
}

func TestPrepare_Unreachable(t *testing.T) {
	d := New(Options{Host: "http://127.0.0.1:1"})
	assert.Error(t, d.Prepare(context.Background(), provider.DefaultVMConfig()))
}

func TestMeasure(t *testing.T) {
	_, srv := newFakeDaemon(t)
	a := provider.NewDriverAdapter("sandkasten", newTestDriver(srv))

	elapsed, err := a.Measure(context.Background(), provider.DefaultVMConfig())
	require.NoError(t, err)
	assert.Positive(t, elapsed)
	assert.NoError(t, a.Close())
}
