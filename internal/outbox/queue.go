// Package outbox is the durable, on-device queue of mutations that still need
// to be confirmed by the remote API.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/herdsync/herdsync/internal/db"
	"github.com/jmoiron/sqlx"
)

// Queue persists PendingActions in sqlite. Writes are serialized; reads return
// snapshots and never observe a half-applied write.
type Queue struct {
	dbPath string
	db     *sqlx.DB
	mu     sync.Mutex
	now    func() time.Time
}

// NewQueue creates a queue backed by the database file at dbPath.
// Use db.MemoryPath for a throwaway queue.
func NewQueue(dbPath string) *Queue {
	return &Queue{
		dbPath: dbPath,
		now:    time.Now,
	}
}

// Open opens the database and creates the schema.
func (q *Queue) Open(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.db != nil {
		return fmt.Errorf("outbox already open")
	}

	// one connection: serializes writers and keeps :memory: databases alive
	conn, err := db.NewSqliteDb(db.WithPath(q.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	if err := db.Migrate(ctx, conn, schema...); err != nil {
		conn.Close()
		return fmt.Errorf("%w: init schema: %w", ErrStorageUnavailable, err)
	}

	q.db = conn
	slog.Debug("outbox open", "path", q.dbPath)
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.db == nil {
		return ErrQueueClosed
	}
	err := q.db.Close()
	q.db = nil
	if err != nil {
		slog.Error("outbox close", "error", err)
		return err
	}
	slog.Debug("outbox closed")
	return nil
}

// conn returns the handle, or ErrStorageUnavailable once the queue is closed.
func (q *Queue) conn() (*sqlx.DB, error) {
	if q.db == nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, ErrQueueClosed)
	}
	return q.db, nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.Error("outbox storage", "op", op, "fatal", db.IsUnavailable(err), "error", err)
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Enqueue assigns id, enqueue time and (for creates) an idempotency key, then
// persists the action. It either stores the action or returns an error.
func (q *Queue) Enqueue(ctx context.Context, in *PendingActionInput) (*PendingAction, error) {
	if in == nil {
		return nil, fmt.Errorf("cannot enqueue nil action")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	method, _ := in.ActionType.Method()

	idemKey := in.IdempotencyKey
	if idemKey == "" && in.ActionType.IsCreate() {
		idemKey = uuid.NewString()
	}

	return q.insert(ctx, &PendingAction{
		ActionType:     in.ActionType,
		TargetEndpoint: in.TargetEndpoint,
		HTTPMethod:     method,
		Payload:        in.Payload,
		AuthToken:      in.AuthToken,
		IdempotencyKey: idemKey,
	})
}

func (q *Queue) insert(ctx context.Context, action *PendingAction) (*PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.conn()
	if err != nil {
		return nil, err
	}

	action.EnqueuedAt = q.now().UTC()
	action.RetryCount = 0
	action.LastError = ""
	action.LastAttemptAt = nil

	res, err := conn.ExecContext(ctx, `INSERT INTO pending_actions
        (action_type, target_endpoint, http_method, payload, auth_token, idempotency_key, enqueued_at, retry_count)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		string(action.ActionType), action.TargetEndpoint, action.HTTPMethod, []byte(action.Payload),
		action.AuthToken, action.IdempotencyKey, formatTime(action.EnqueuedAt),
	)
	if err != nil {
		return nil, storageErr("enqueue", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr("enqueue", err)
	}
	action.ID = id

	slog.Debug("outbox enqueue", "id", id, "type", action.ActionType, "endpoint", action.TargetEndpoint)
	return action, nil
}

// ListPending returns a FIFO snapshot of every queued action.
func (q *Queue) ListPending(ctx context.Context) ([]*PendingAction, error) {
	q.mu.Lock()
	conn, err := q.conn()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var rows []dbAction
	if err := conn.SelectContext(ctx, &rows, "SELECT "+actionColumns+" FROM pending_actions ORDER BY id ASC"); err != nil {
		return nil, storageErr("list pending", err)
	}

	actions := make([]*PendingAction, 0, len(rows))
	for i := range rows {
		action, err := rows[i].toAction()
		if err != nil {
			return nil, storageErr("list pending", err)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// Get returns a single queued action.
func (q *Queue) Get(ctx context.Context, id int64) (*PendingAction, error) {
	q.mu.Lock()
	conn, err := q.conn()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var row dbAction
	err = conn.GetContext(ctx, &row, "SELECT "+actionColumns+" FROM pending_actions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: #%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	action, err := row.toAction()
	if err != nil {
		return nil, storageErr("get", err)
	}
	return action, nil
}

// Oldest returns the head of the queue, or nil when the queue is empty.
func (q *Queue) Oldest(ctx context.Context) (*PendingAction, error) {
	q.mu.Lock()
	conn, err := q.conn()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var row dbAction
	err = conn.GetContext(ctx, &row, "SELECT "+actionColumns+" FROM pending_actions ORDER BY id ASC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("oldest", err)
	}
	action, err := row.toAction()
	if err != nil {
		return nil, storageErr("oldest", err)
	}
	return action, nil
}

// Remove deletes a queued action. Removing an unknown id is a no-op.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.conn()
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM pending_actions WHERE id = ?", id)
	if err != nil {
		return storageErr("remove", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("outbox remove", "id", id)
	}
	return nil
}

// IncrementRetry bumps retryCount and records the failure cause in one statement.
func (q *Queue) IncrementRetry(ctx context.Context, id int64, cause error) (*PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.conn()
	if err != nil {
		return nil, err
	}

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageErr("increment retry", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE pending_actions
        SET retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?
        WHERE id = ?`, lastError, formatTime(q.now()), id)
	if err != nil {
		return nil, storageErr("increment retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: #%d", ErrNotFound, id)
	}

	var row dbAction
	if err := tx.GetContext(ctx, &row, "SELECT "+actionColumns+" FROM pending_actions WHERE id = ?", id); err != nil {
		return nil, storageErr("increment retry", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("increment retry", err)
	}

	action, err := row.toAction()
	if err != nil {
		return nil, storageErr("increment retry", err)
	}
	slog.Debug("outbox retry", "id", id, "retryCount", action.RetryCount)
	return action, nil
}

// Count returns the number of queued actions.
func (q *Queue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	conn, err := q.conn()
	q.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var count int
	if err := conn.GetContext(ctx, &count, "SELECT COUNT(*) FROM pending_actions"); err != nil {
		return 0, storageErr("count", err)
	}
	return count, nil
}

// Clear removes every queued action. Ids are still never reused afterwards.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.conn()
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM pending_actions")
	if err != nil {
		return storageErr("clear", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("outbox cleared", "removed", n)
	}
	return nil
}
