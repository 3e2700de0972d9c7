package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/profile"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    task_id     INTEGER NOT NULL,
    signature   TEXT NOT NULL,
    status      TEXT NOT NULL,
    platform    TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS task_events (
    task_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (task_id, seq)
)`

const createSamplesTable = `
CREATE TABLE IF NOT EXISTS profile_samples (
    platform   TEXT NOT NULL,
    core_id    INTEGER NOT NULL,
    impl_id    INTEGER NOT NULL,
    task_id    INTEGER NOT NULL,
    runner     TEXT NOT NULL,
    worker     INTEGER NOT NULL,
    wait_ms    REAL NOT NULL,
    time_ms    REAL NOT NULL,
    energy     REAL NOT NULL,
    sizes      BLOB,
    created_at DATETIME NOT NULL
)`

const createSamplesIndex = `
CREATE INDEX IF NOT EXISTS profile_samples_impl
    ON profile_samples (platform, core_id, impl_id)`

const createCheckpointsTable = `
CREATE TABLE IF NOT EXISTS checkpoints (
    renaming   TEXT PRIMARY KEY,
    data_id    INTEGER NOT NULL,
    version_id INTEGER NOT NULL,
    producer   INTEGER NOT NULL,
    path       TEXT NOT NULL,
    size       INTEGER NOT NULL,
    saved_at   DATETIME NOT NULL
)`

var migrations = []string{
	createTasksTable,
	createEventsTable,
	createSamplesTable,
	createSamplesIndex,
	createCheckpointsTable,
}

// ErrNotFound is returned when a task record is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskColumns = `id, task_id, signature, status, platform, error,
	duration_ms, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.TaskRecord, error) {
	r := &model.TaskRecord{}
	err := row.Scan(
		&r.ID, &r.TaskID, &r.Signature, &r.Status, &r.Platform, &r.Error,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, r *model.TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Signature, r.Status, r.Platform, r.Error,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task record by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.TaskRecord, error) {
	r, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r, nil
}

// ListTasks returns a page of task records in submission order, along with
// the total count of all records.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY task_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var records []*model.TaskRecord
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return records, total, nil
}

// UpdateTaskStatus moves a task record to status. Entering running sets
// started_at; entering a terminal status sets finished_at and the duration.
// A non-empty platform or failure is stored alongside.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status, platform, failure string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	r, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if !model.ValidTransition(r.Status, status) {
		return fmt.Errorf("%s -> %s: %w", r.Status, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	r.Status = status
	if platform != "" {
		r.Platform = platform
	}
	if failure != "" {
		r.Error = failure
	}
	if status == model.StatusRunning {
		r.StartedAt = &now
	}
	if model.IsTerminal(status) {
		r.FinishedAt = &now
		from := r.CreatedAt
		if r.StartedAt != nil {
			from = *r.StartedAt
		}
		d := int(now.Sub(from).Milliseconds())
		r.DurationMS = &d
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, platform = ?, error = ?, duration_ms = ?,
			started_at = ?, finished_at = ? WHERE id = ?`,
		r.Status, r.Platform, r.Error, r.DurationMS, r.StartedAt, r.FinishedAt, id,
	); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTaskStats computes aggregate statistics over every task record.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus:   make(map[string]int),
		CountByPlatform: make(map[string]int),
	}

	count := func(query string, into map[string]int) error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			into[key] = n
		}
		return rows.Err()
	}
	if err := count("SELECT status, COUNT(*) FROM tasks GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	if err := count("SELECT platform, COUNT(*) FROM tasks WHERE platform != '' GROUP BY platform", stats.CountByPlatform); err != nil {
		return nil, fmt.Errorf("count by platform: %w", err)
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE status = ? AND duration_ms IS NOT NULL",
		model.StatusCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM profile_samples").Scan(&stats.ProfileSamples); err != nil {
		return nil, fmt.Errorf("count samples: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&stats.CheckpointedValues); err != nil {
		return nil, fmt.Errorf("count checkpoints: %w", err)
	}
	return stats, nil
}

// InsertEvent appends a line to a task's history.
func (s *SQLiteStore) InsertEvent(ctx context.Context, taskID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_events (task_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		taskID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns a task's history in sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, taskID string) ([]model.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, line, created_at FROM task_events WHERE task_id = ? ORDER BY seq", taskID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.TaskEvent
	for rows.Next() {
		var ev model.TaskEvent
		if err := rows.Scan(&ev.Seq, &ev.Line, &ev.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// sampleSizes is the msgpack-encoded size part of a profile sample.
type sampleSizes struct {
	Params []profile.ParamSize `msgpack:"p"`
	Target profile.ParamSize   `msgpack:"t"`
	Result int64               `msgpack:"r"`
}

// AppendSample persists one job measurement.
func (s *SQLiteStore) AppendSample(ctx context.Context, jp profile.JobProfile) error {
	sizes, err := msgpack.Marshal(sampleSizes{Params: jp.Params, Target: jp.Target, Result: jp.Result})
	if err != nil {
		return fmt.Errorf("encode sample sizes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profile_samples (
			platform, core_id, impl_id, task_id, runner, worker,
			wait_ms, time_ms, energy, sizes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jp.Platform, jp.CoreID, jp.ImplID, jp.TaskID, jp.Runner, jp.Worker,
		float64(jp.Wait)/float64(time.Millisecond), jp.Millis(), jp.Energy, sizes, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Samples returns the persisted samples of one implementation, oldest first.
func (s *SQLiteStore) Samples(ctx context.Context, platform string, coreID, implID int) ([]profile.JobProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, runner, worker, wait_ms, time_ms, energy, sizes
		FROM profile_samples WHERE platform = ? AND core_id = ? AND impl_id = ?
		ORDER BY rowid`, platform, coreID, implID)
	if err != nil {
		return nil, fmt.Errorf("get samples: %w", err)
	}
	defer rows.Close()

	var out []profile.JobProfile
	for rows.Next() {
		jp := profile.JobProfile{Platform: platform, CoreID: coreID, ImplID: implID}
		var waitMS, timeMS float64
		var raw []byte
		if err := rows.Scan(&jp.TaskID, &jp.Runner, &jp.Worker, &waitMS, &timeMS, &jp.Energy, &raw); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		jp.Wait = time.Duration(waitMS * float64(time.Millisecond))
		jp.ExecutionTime = time.Duration(timeMS * float64(time.Millisecond))
		if len(raw) > 0 {
			var sizes sampleSizes
			if err := msgpack.Unmarshal(raw, &sizes); err != nil {
				return nil, fmt.Errorf("decode sample sizes: %w", err)
			}
			jp.Params, jp.Target, jp.Result = sizes.Params, sizes.Target, sizes.Result
		}
		out = append(out, jp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return out, nil
}

// ProfileAggregates summarizes every persisted sample of a platform into one
// [min, max] aggregate per implementation.
func (s *SQLiteStore) ProfileAggregates(ctx context.Context, platform string) ([]profile.Aggregate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT core_id, impl_id, COUNT(*), MIN(time_ms), MAX(time_ms), MIN(energy), MAX(energy)
		FROM profile_samples WHERE platform = ?
		GROUP BY core_id, impl_id ORDER BY core_id, impl_id`, platform)
	if err != nil {
		return nil, fmt.Errorf("aggregate samples: %w", err)
	}
	defer rows.Close()

	var aggs []profile.Aggregate
	for rows.Next() {
		a := profile.Aggregate{Platform: platform}
		if err := rows.Scan(&a.CoreID, &a.ImplID, &a.Samples,
			&a.TimeMS.Min, &a.TimeMS.Max, &a.Energy.Min, &a.Energy.Max); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	return aggs, nil
}

// RecordCheckpoint adds a saved version to the catalog, replacing an earlier
// entry for the same renaming.
func (s *SQLiteStore) RecordCheckpoint(ctx context.Context, c Checkpoint) error {
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (
			renaming, data_id, version_id, producer, path, size, saved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Renaming, c.DataID, c.VersionID, c.Producer, c.Path, c.Size, c.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns the catalog ordered by data id and version.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT renaming, data_id, version_id, producer, path, size, saved_at
		FROM checkpoints ORDER BY data_id, version_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.Renaming, &c.DataID, &c.VersionID, &c.Producer, &c.Path, &c.Size, &c.SavedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}
