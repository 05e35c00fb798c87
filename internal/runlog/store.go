// Package runlog keeps a SQLite ledger of detector runs and their per-step
// losses.
package runlog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"retina-forge/internal/loss"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	backbone     TEXT NOT NULL,
	source       TEXT NOT NULL,
	batch_size   INTEGER NOT NULL,
	image_size   INTEGER NOT NULL,
	num_classes  INTEGER NOT NULL,
	seed         INTEGER NOT NULL,
	device       TEXT,
	status       TEXT NOT NULL,
	error        TEXT,
	started_at   TEXT NOT NULL,
	finished_at  TEXT
);

CREATE TABLE IF NOT EXISTS steps (
	run_id         TEXT NOT NULL,
	step           INTEGER NOT NULL,
	total_loss     REAL NOT NULL,
	cls_loss       REAL NOT NULL,
	box_loss       REAL NOT NULL,
	num_foreground INTEGER NOT NULL,
	created_at     TEXT NOT NULL,
	PRIMARY KEY (run_id, step),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// ErrUnknownRun is returned for run ids that were never started.
var ErrUnknownRun = errors.New("runlog: unknown run")

// RunMeta describes a run when it starts.
type RunMeta struct {
	Backbone   string
	Source     string
	BatchSize  int
	ImageSize  int
	NumClasses int
	Seed       int64
	Device     string
}

// Run is a stored run row.
type Run struct {
	ID         string
	Meta       RunMeta
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Step is one recorded loss evaluation.
type Step struct {
	Step   int
	Result loss.Result
}

// Store manages the run ledger in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a running row and returns its id.
func (s *Store) StartRun(meta RunMeta) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, backbone, source, batch_size, image_size, num_classes, seed, device, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, meta.Backbone, meta.Source, meta.BatchSize, meta.ImageSize, meta.NumClasses, meta.Seed,
		nullIfEmpty(meta.Device), StatusRunning, now(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// RecordStep stores the loss of one step. Re-recording a step overwrites it.
func (s *Store) RecordStep(runID string, step int, res loss.Result) error {
	_, err := s.db.Exec(
		`INSERT INTO steps (run_id, step, total_loss, cls_loss, box_loss, num_foreground, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step) DO UPDATE SET
		   total_loss = excluded.total_loss,
		   cls_loss = excluded.cls_loss,
		   box_loss = excluded.box_loss,
		   num_foreground = excluded.num_foreground`,
		runID, step, res.Total, res.Cls, res.Box, res.NumForeground, now(),
	)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}

// FinishRun marks the run finished, or failed when runErr is non-nil.
func (s *Store) FinishRun(runID string, runErr error) error {
	status, msg := StatusFinished, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		status, nullIfEmpty(msg), now(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

// GetRun loads a run row.
func (s *Store) GetRun(runID string) (Run, error) {
	var (
		r                        Run
		device, errMsg, finished sql.NullString
		started                  string
	)
	err := s.db.QueryRow(
		`SELECT run_id, backbone, source, batch_size, image_size, num_classes, seed, device, status, error, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&r.ID, &r.Meta.Backbone, &r.Meta.Source, &r.Meta.BatchSize, &r.Meta.ImageSize, &r.Meta.NumClasses,
		&r.Meta.Seed, &device, &r.Status, &errMsg, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	r.Meta.Device = device.String
	r.Error = errMsg.String
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, fmt.Errorf("parse started_at: %w", err)
	}
	if finished.Valid {
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished.String); err != nil {
			return Run{}, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	return r, nil
}

// Steps returns the recorded steps of a run in step order.
func (s *Store) Steps(runID string) ([]Step, error) {
	rows, err := s.db.Query(
		`SELECT step, total_loss, cls_loss, box_loss, num_foreground
		 FROM steps WHERE run_id = ? ORDER BY step`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.Step, &st.Result.Total, &st.Result.Cls, &st.Result.Box, &st.Result.NumForeground); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
