package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/blockflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database. The path is a file URI, e.g. "file:/path/to/runs.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open libsql").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, "migrate").WithCause(err)
	}
	return nil
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

// SaveRun inserts or replaces run and its logs in one transaction.
func (s *LibSQLStore) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, success, input, output, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, success=excluded.success, output=excluded.output,
		   error=excluded.error, completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		run.ID, run.WorkflowID, string(run.Status), boolInt(run.Success),
		nullRaw(run.Input), nullRaw(run.Output), nullStr(run.Error),
		timeOrNow(run.StartedAt), timeOrNow(run.CompletedAt), run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_logs WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("clear run logs: %w", err)
	}
	for i, l := range run.Logs {
		id := l.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_logs (id, run_id, position, block_id, block_type, level, message, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, run.ID, i, l.BlockID, nullStr(l.BlockType), string(l.Level), l.Message, timeOrNow(l.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert run log: %w", err)
		}
	}
	return tx.Commit()
}

// GetRun returns a run with its logs.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, success, input, output, error, started_at, completed_at, duration_ms
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	if run.Logs, err = s.runLogs(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, workflow_id, status, success, input, output, error, started_at, completed_at, duration_ms FROM runs`
	var (
		where []string
		args  []any
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.WithLogs {
		for _, run := range runs {
			if run.Logs, err = s.runLogs(ctx, run.ID); err != nil {
				return nil, err
			}
		}
	}
	return runs, nil
}

// DeleteRun removes a run, its logs and its events.
func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "run", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_logs WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE execution_id = ? OR execution_id LIKE ?`, id, id+":%"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) runLogs(ctx context.Context, runID string) ([]schema.BlockLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, block_id, block_type, level, message, timestamp FROM run_logs WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []schema.BlockLog{}
	for rows.Next() {
		var (
			l         schema.BlockLog
			blockType sql.NullString
			level     string
		)
		if err := rows.Scan(&l.ID, &l.BlockID, &blockType, &level, &l.Message, &l.Timestamp); err != nil {
			return nil, err
		}
		l.BlockType = blockType.String
		l.Level = schema.LogLevel(level)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run           Run
		status        string
		success       int
		input, output sql.NullString
		errMsg        sql.NullString
	)
	if err := sc.Scan(&run.ID, &run.WorkflowID, &status, &success, &input, &output, &errMsg,
		&run.StartedAt, &run.CompletedAt, &run.DurationMs); err != nil {
		return nil, err
	}
	run.Status = schema.ExecutorState(status)
	run.Success = success != 0
	run.Input = rawOrNil(input)
	run.Output = rawOrNil(output)
	run.Error = errMsg.String
	return &run, nil
}

// --- Events ---

// AppendEvent appends event with the next per-execution sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event execution id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, block_id, event_type, payload, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.WorkflowID), nullStr(event.BlockID), event.Type,
		nullRaw(event.Payload), seq, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

// ListEvents returns events of executionID with sequence > since, in order.
func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, block_id, event_type, payload, sequence, timestamp
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`, executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e                   Event
			workflowID, blockID sql.NullString
			payload             sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &workflowID, &blockID, &e.Type, &payload, &e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		e.WorkflowID = workflowID.String
		e.BlockID = blockID.String
		e.Payload = rawOrNil(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
