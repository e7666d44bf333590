package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/serialization"
	"github.com/muaviaUsmani/planner/internal/task"
)

const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS planned_workflows (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  type TEXT NOT NULL,
  data BLOB NOT NULL,
  execute_at INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','cancelled')),
  priority TEXT NOT NULL DEFAULT 'normal',
  retry_policy TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  send_individual_messages INTEGER NOT NULL DEFAULT 0,
  per_user_variables TEXT,
  recipient_count INTEGER,
  metadata TEXT,
  result TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_planned_workflows_due ON planned_workflows(status, execute_at);
`

const columns = `seq,id,type,data,execute_at,status,priority,retry_policy,retry_count,
send_individual_messages,per_user_variables,recipient_count,metadata,result,last_error,
created_at,updated_at,started_at,completed_at`

// SQLiteStore keeps one planned_workflows row per task. Timestamps are stored
// as unix nanoseconds so they round-trip exactly.
type SQLiteStore struct {
	db         *sql.DB
	serializer *serialization.Serializer
	log        logger.Logger
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, ser *serialization.Serializer) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" to one database
	db.SetMaxOpenConns(1)

	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLiteStore(db, ser), nil
}

// EnsureSchema creates the planned_workflows table if it doesn't exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// NewSQLiteStore wraps an open database that already has the schema
func NewSQLiteStore(db *sql.DB, ser *serialization.Serializer) *SQLiteStore {
	if ser == nil {
		ser = serialization.NewJSONSerializer()
	}
	return &SQLiteStore{
		db:         db,
		serializer: ser,
		log:        logger.Default().WithComponent(logger.ComponentStore),
	}
}

// DB returns the underlying database connection
func (s *SQLiteStore) DB() *sql.DB { return s.db }

type row struct {
	data                            []byte
	retryPolicy, perUser, meta, res sql.NullString
	recipientCount                  sql.NullInt64
	startedAt, completedAt          sql.NullInt64
	executeAt, createdAt, updatedAt int64
	individual                      bool
}

func (s *SQLiteStore) args(t *task.Task) ([]any, error) {
	data, err := s.serializer.EncodeData(t.Data)
	if err != nil {
		return nil, err
	}
	retryPolicy, err := nullJSON(t.RetryPolicy, t.RetryPolicy == nil)
	if err != nil {
		return nil, err
	}
	perUser, err := nullJSON(t.PerUserVariables, t.PerUserVariables == nil)
	if err != nil {
		return nil, err
	}
	meta, err := nullJSON(t.Metadata, t.Metadata == nil)
	if err != nil {
		return nil, err
	}
	res, err := nullJSON(t.Result, t.Result == nil)
	if err != nil {
		return nil, err
	}
	var recipientCount sql.NullInt64
	if t.RecipientCount != nil {
		recipientCount = sql.NullInt64{Int64: int64(*t.RecipientCount), Valid: true}
	}

	return []any{
		t.ID, string(t.Type), data, t.ExecuteAt.UnixNano(), string(t.Status), string(t.Priority),
		retryPolicy, t.RetryCount, t.SendIndividualMessages, perUser, recipientCount, meta, res,
		t.LastError, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scan(sc scanner) (*task.Task, error) {
	var t task.Task
	var r row
	var typ, status, priority string
	if err := sc.Scan(&t.Seq, &t.ID, &typ, &r.data, &r.executeAt, &status, &priority, &r.retryPolicy,
		&t.RetryCount, &r.individual, &r.perUser, &r.recipientCount, &r.meta, &r.res, &t.LastError,
		&r.createdAt, &r.updatedAt, &r.startedAt, &r.completedAt); err != nil {
		return nil, err
	}

	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.SendIndividualMessages = r.individual
	t.ExecuteAt = time.Unix(0, r.executeAt).UTC()
	t.CreatedAt = time.Unix(0, r.createdAt).UTC()
	t.UpdatedAt = time.Unix(0, r.updatedAt).UTC()
	if r.startedAt.Valid {
		ts := time.Unix(0, r.startedAt.Int64).UTC()
		t.StartedAt = &ts
	}
	if r.completedAt.Valid {
		ts := time.Unix(0, r.completedAt.Int64).UTC()
		t.CompletedAt = &ts
	}
	if r.recipientCount.Valid {
		n := int(r.recipientCount.Int64)
		t.RecipientCount = &n
	}

	data, err := s.serializer.DecodeData(r.data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data for task %s: %w", t.ID, err)
	}
	t.Data = data

	for _, col := range []struct {
		src sql.NullString
		dst any
	}{
		{r.retryPolicy, &t.RetryPolicy},
		{r.perUser, &t.PerUserVariables},
		{r.meta, &t.Metadata},
		{r.res, &t.Result},
	} {
		if !col.src.Valid {
			continue
		}
		if err := json.Unmarshal([]byte(col.src.String), col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// Create implements Store
func (s *SQLiteStore) Create(ctx context.Context, t *task.Task) error {
	args, err := s.args(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO planned_workflows (id,type,data,execute_at,status,priority,retry_policy,retry_count,
send_individual_messages,per_user_variables,recipient_count,metadata,result,last_error,
created_at,updated_at,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read task sequence: %w", err)
	}
	t.Seq = seq
	return nil
}

// Get implements Store
func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.scan(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM planned_workflows WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// Transition implements Store. The UPDATE is conditioned on the old status,
// so a concurrent writer makes it affect no rows instead of overwriting.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from task.Status, mutate func(*task.Task)) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := s.scan(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM planned_workflows WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if t.Status != from {
		return nil, conflict(id, t.Status, from)
	}

	mutate(t)
	args, err := s.args(t)
	if err != nil {
		return nil, err
	}
	// args[0] is the id; the SET list takes the rest, then id and from
	res, err := tx.ExecContext(ctx, `
UPDATE planned_workflows SET type=?,data=?,execute_at=?,status=?,priority=?,retry_policy=?,retry_count=?,
send_individual_messages=?,per_user_variables=?,recipient_count=?,metadata=?,result=?,last_error=?,
created_at=?,updated_at=?,started_at=?,completed_at=?
WHERE id=? AND status=?`, append(args[1:], id, string(from))...)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, task.Errorf(task.KindConflict, "Task %s changed concurrently", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return t, nil
}

// Delete implements Store
func (s *SQLiteStore) Delete(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM planned_workflows WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// List implements Store
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*task.Task, error) {
	query := `SELECT ` + columns + ` FROM planned_workflows`
	var args []any
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",") + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY seq`
	return s.query(ctx, query, args...)
}

// DuePending implements Store
func (s *SQLiteStore) DuePending(ctx context.Context, before time.Time) ([]*task.Task, error) {
	return s.query(ctx, `SELECT `+columns+` FROM planned_workflows
WHERE status='pending' AND execute_at <= ? ORDER BY seq`, before.UnixNano())
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*task.Task{}
	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			s.log.Error("Skipping undecodable task row", "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Ping implements Store
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullJSON(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
