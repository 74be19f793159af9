package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/flowctl/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection. File databases run in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_txlock=immediate"}
	if !isMemory(s.cfg.Path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// StartRun inserts a run that has not finished yet. An existing row with the
// same id is left untouched.
func (s *SQLiteStore) StartRun(ctx context.Context, run *RunRecord) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	query := `
		INSERT INTO runs (id, workflow, status, success, error, stats, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Workflow,
		string(run.Status),
		run.Success,
		run.Error,
		string(stats),
		run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// SaveReport writes the final run row and every node result in one
// transaction. Node results of an earlier save of the same run are replaced.
func (s *SQLiteStore) SaveReport(ctx context.Context, workflow string, report *engine.Report) error {
	if report == nil {
		return fmt.Errorf("report is nil")
	}

	stats, err := json.Marshal(report.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	runQuery := `
		INSERT INTO runs (id, workflow, status, success, error, stats, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow = CASE WHEN excluded.workflow != '' THEN excluded.workflow ELSE runs.workflow END,
			status = excluded.status,
			success = excluded.success,
			error = excluded.error,
			stats = excluded.stats,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms
	`
	if _, err := tx.ExecContext(ctx, runQuery,
		report.RunID,
		workflow,
		string(report.Status),
		report.Success,
		report.Error,
		string(stats),
		report.StartedAt.UTC(),
		report.CompletedAt.UTC(),
		report.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_results WHERE run_id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to clear node results: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO node_results (run_id, node_id, name, task, kind, state, attempts, loop_index, rescue_of,
			item, result, error, error_class, reason, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range report.Nodes {
		item := encodeJSON(n.Item)
		result := encodeJSON(n.Result)
		if _, err := stmt.ExecContext(ctx,
			report.RunID,
			int(n.ID),
			n.Name,
			n.Task,
			string(n.Kind),
			string(n.State),
			n.Attempts,
			n.LoopIndex,
			int(n.RescueOf),
			item,
			result,
			n.Error,
			string(n.ErrorClass),
			n.Reason,
			nullTime(n.StartedAt),
			nullTime(n.CompletedAt),
		); err != nil {
			return fmt.Errorf("failed to save node %s: %w", n.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, workflow, status, success, error, stats, started_at, completed_at, duration_ms
		FROM runs
		WHERE id = ?
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, workflow, status, success, error, stats, started_at, completed_at, duration_ms FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun deletes a run together with its nodes and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// PruneRuns deletes runs started before the given time and returns how many
// were removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

// ListNodes returns the node results of a run in node id order.
func (s *SQLiteStore) ListNodes(ctx context.Context, runID string) ([]*NodeRecord, error) {
	query := `
		SELECT run_id, node_id, name, task, kind, state, attempts, loop_index, rescue_of,
			item, result, error, error_class, reason, started_at, completed_at
		FROM node_results
		WHERE run_id = ?
		ORDER BY node_id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*NodeRecord
	for rows.Next() {
		var (
			n                    NodeRecord
			nodeID, rescueOf     int
			kind, state, class   string
			startedAt, completed sql.NullTime
		)
		if err := rows.Scan(
			&n.RunID, &nodeID, &n.Name, &n.Task, &kind, &state, &n.Attempts, &n.LoopIndex, &rescueOf,
			&n.Item, &n.Result, &n.Error, &class, &n.Reason, &startedAt, &completed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.NodeID = engine.NodeID(nodeID)
		n.RescueOf = engine.NodeID(rescueOf)
		n.Kind = engine.NodeKind(kind)
		n.State = engine.NodeState(state)
		n.ErrorClass = engine.ErrorClass(class)
		n.StartedAt = timePtr(startedAt)
		n.CompletedAt = timePtr(completed)
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// AppendEvent stores an event. The run row must already exist.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (run_id, seq, id, type, node_id, node, task, from_state, to_state, attempt, message, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Seq,
		event.ID,
		string(event.Type),
		int(event.NodeID),
		event.Node,
		event.Task,
		string(event.From),
		string(event.To),
		event.Attempt,
		event.Message,
		event.Error,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*EventRecord, error) {
	query := `
		SELECT run_id, seq, id, type, node_id, node, task, from_state, to_state, attempt, message, error, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var (
			e             EventRecord
			nodeID        int
			typ, from, to string
		)
		if err := rows.Scan(
			&e.RunID, &e.Seq, &e.ID, &typ, &nodeID, &e.Node, &e.Task, &from, &to,
			&e.Attempt, &e.Message, &e.Error, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = engine.EventType(typ)
		e.NodeID = engine.NodeID(nodeID)
		e.From = engine.NodeState(from)
		e.To = engine.NodeState(to)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		run        RunRecord
		status     string
		stats      string
		completed  sql.NullTime
		durationMS int64
	)
	if err := row.Scan(
		&run.ID,
		&run.Workflow,
		&status,
		&run.Success,
		&run.Error,
		&stats,
		&run.StartedAt,
		&completed,
		&durationMS,
	); err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	run.CompletedAt = timePtr(completed)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &run, nil
}

// encodeJSON stores values that cannot be marshalled as their string form.
func encodeJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(v))
	}
	return string(data)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
