// Package store keeps benchmark run history in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p-arndt/sandbench/internal/bench"
	"github.com/p-arndt/sandbench/internal/provider"
)

var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// RunSummary is one row of the history listing.
type RunSummary struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	Config       bench.RunConfig `json:"config"`
	Providers    int             `json:"providers"`
	Samples      int             `json:"samples"`
	Failures     int             `json:"failures"`
	SnapshotPath string          `json:"snapshot_path,omitempty"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	created_at     DATETIME NOT NULL,
	concurrent     INTEGER NOT NULL,
	batches        INTEGER NOT NULL,
	vcpus          INTEGER NOT NULL,
	memory_mb      INTEGER NOT NULL,
	disk_gb        INTEGER NOT NULL,
	python_version TEXT NOT NULL DEFAULT '',
	snapshot_path  TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS samples (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	provider        TEXT NOT NULL,
	batch_index     INTEGER NOT NULL,
	run_index       INTEGER NOT NULL,
	elapsed_seconds REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS failures (
	run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	count    INTEGER NOT NULL,
	PRIMARY KEY (run_id, provider)
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_samples_run_id ON samples(run_id);
`

// DefaultMaxOpenConns is the default connection pool size.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size
// (0 = default 4). An in-memory database is pinned to one connection since
// every connection would otherwise see its own empty database.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun persists a run with its samples and failure counts in one
// transaction.
func (s *Store) SaveRun(run *bench.Run, snapshotPath string) error {
	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		vm := run.Config.VM
		if _, err := tx.Exec(
			`INSERT INTO runs (id, created_at, concurrent, batches, vcpus, memory_mb, disk_gb, python_version, snapshot_path)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Timestamp.UTC(), run.Config.Concurrent, run.Config.Batches,
			vm.VCPUs, vm.MemoryMB, vm.DiskGB, run.Config.PythonVersion, snapshotPath,
		); err != nil {
			return err
		}

		stmt, err := tx.Prepare(
			`INSERT INTO samples (run_id, provider, batch_index, run_index, elapsed_seconds) VALUES (?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, name := range run.Providers() {
			for _, smp := range run.Samples[name] {
				if _, err := stmt.Exec(run.ID, name, smp.BatchIndex, smp.RunIndex, smp.ElapsedSeconds); err != nil {
					return err
				}
			}
		}

		for name, n := range run.Failures {
			if _, err := tx.Exec(
				`INSERT INTO failures (run_id, provider, count) VALUES (?, ?, ?)`, run.ID, name, n,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]*RunSummary, error) {
	q := `SELECT r.id, r.created_at, r.concurrent, r.batches, r.vcpus, r.memory_mb, r.disk_gb, r.python_version, r.snapshot_path,
		(SELECT COUNT(DISTINCT provider) FROM samples WHERE run_id = r.id),
		(SELECT COUNT(*) FROM samples WHERE run_id = r.id),
		(SELECT COALESCE(SUM(count), 0) FROM failures WHERE run_id = r.id)
		FROM runs r ORDER BY r.created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(
			&r.ID, &r.CreatedAt, &r.Config.Concurrent, &r.Config.Batches,
			&r.Config.VM.VCPUs, &r.Config.VM.MemoryMB, &r.Config.VM.DiskGB, &r.Config.PythonVersion, &r.SnapshotPath,
			&r.Providers, &r.Samples, &r.Failures,
		); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// GetRun rebuilds a stored run. A unique id prefix is accepted.
func (s *Store) GetRun(id string) (*bench.Run, error) {
	runID, err := s.resolveID(id)
	if err != nil {
		return nil, err
	}

	var (
		createdAt time.Time
		cfg       bench.RunConfig
		vm        provider.VMConfig
	)
	err = s.db.QueryRow(
		`SELECT created_at, concurrent, batches, vcpus, memory_mb, disk_gb, python_version FROM runs WHERE id = ?`, runID,
	).Scan(&createdAt, &cfg.Concurrent, &cfg.Batches, &vm.VCPUs, &vm.MemoryMB, &vm.DiskGB, &cfg.PythonVersion)
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	cfg.VM = vm

	samples, err := s.samples(runID)
	if err != nil {
		return nil, err
	}
	failures, err := s.failures(runID)
	if err != nil {
		return nil, err
	}
	return bench.NewRunFromSamples(runID, createdAt, cfg, samples, failures), nil
}

func (s *Store) resolveID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	rows, err := s.db.Query(`SELECT id FROM runs WHERE id = ? OR id LIKE ? ORDER BY id LIMIT 2`, id, id+"%")
	if err != nil {
		return "", fmt.Errorf("resolving run id: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", fmt.Errorf("resolving run id: %w", err)
		}
		if v == id {
			return v, nil
		}
		ids = append(ids, v)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("resolving run id: %w", err)
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("run %q: %w", id, ErrNotFound)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("run id prefix %q is ambiguous", id)
	}
}

func (s *Store) samples(runID string) ([]bench.Sample, error) {
	rows, err := s.db.Query(
		`SELECT provider, batch_index, run_index, elapsed_seconds FROM samples WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing samples: %w", err)
	}
	defer rows.Close()

	var out []bench.Sample
	for rows.Next() {
		var smp bench.Sample
		if err := rows.Scan(&smp.Provider, &smp.BatchIndex, &smp.RunIndex, &smp.ElapsedSeconds); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}
	return out, nil
}

func (s *Store) failures(runID string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT provider, count FROM failures WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scanning failure: %w", err)
		}
		out[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failures: %w", err)
	}
	return out, nil
}

// DeleteRun removes a run and everything recorded for it.
func (s *Store) DeleteRun(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}
