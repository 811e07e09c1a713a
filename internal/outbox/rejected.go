package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Reject moves a pending action into the rejected set in one transaction.
// The action keeps its id, so the user can still match it to what they did.
func (q *Queue) Reject(ctx context.Context, id int64, reason string, statusCode int) (*RejectedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.conn()
	if err != nil {
		return nil, err
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageErr("reject", err)
	}
	defer tx.Rollback()

	var row dbAction
	err = tx.GetContext(ctx, &row, "SELECT "+actionColumns+" FROM pending_actions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: #%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("reject", err)
	}

	rejected := dbRejected{
		dbAction:   row,
		Reason:     reason,
		StatusCode: statusCode,
		RejectedAt: formatTime(q.now()),
	}
	_, err = tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO rejected_actions
        (`+actionColumns+`, reason, status_code, rejected_at)
        VALUES (:id, :action_type, :target_endpoint, :http_method, :payload, :auth_token,
            :idempotency_key, :enqueued_at, :retry_count, :last_error, :last_attempt_at,
            :reason, :status_code, :rejected_at)`, rejected)
	if err != nil {
		return nil, storageErr("reject", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_actions WHERE id = ?", id); err != nil {
		return nil, storageErr("reject", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("reject", err)
	}

	result, err := rejected.toRejected()
	if err != nil {
		return nil, storageErr("reject", err)
	}
	slog.Warn("outbox reject", "id", id, "type", result.ActionType, "endpoint", result.TargetEndpoint, "status", statusCode, "reason", reason)
	return result, nil
}

// ListRejected returns rejected actions, oldest rejection first.
func (q *Queue) ListRejected(ctx context.Context) ([]*RejectedAction, error) {
	q.mu.Lock()
	conn, err := q.conn()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var rows []dbRejected
	err = conn.SelectContext(ctx, &rows, "SELECT "+actionColumns+`, reason, status_code, rejected_at
        FROM rejected_actions ORDER BY rejected_at ASC, id ASC`)
	if err != nil {
		return nil, storageErr("list rejected", err)
	}

	result := make([]*RejectedAction, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRejected()
		if err != nil {
			return nil, storageErr("list rejected", err)
		}
		result = append(result, r)
	}
	return result, nil
}

// CountRejected returns the number of rejected actions awaiting a user decision.
func (q *Queue) CountRejected(ctx context.Context) (int, error) {
	q.mu.Lock()
	conn, err := q.conn()
	q.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var count int
	if err := conn.GetContext(ctx, &count, "SELECT COUNT(*) FROM rejected_actions"); err != nil {
		return 0, storageErr("count rejected", err)
	}
	return count, nil
}

// DiscardRejected forgets a rejected action. Unknown ids are a no-op.
func (q *Queue) DiscardRejected(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.conn()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "DELETE FROM rejected_actions WHERE id = ?", id); err != nil {
		return storageErr("discard rejected", err)
	}
	return nil
}

// Requeue puts a rejected action back at the tail of the pending queue under a
// fresh id with a zero retry count. The idempotency key is kept so the remote
// can still recognise a create it already applied.
func (q *Queue) Requeue(ctx context.Context, id int64) (*PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.conn()
	if err != nil {
		return nil, err
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageErr("requeue", err)
	}
	defer tx.Rollback()

	var row dbRejected
	err = tx.GetContext(ctx, &row, "SELECT "+actionColumns+`, reason, status_code, rejected_at
        FROM rejected_actions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rejected #%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("requeue", err)
	}

	enqueuedAt := q.now().UTC()
	res, err := tx.ExecContext(ctx, `INSERT INTO pending_actions
        (action_type, target_endpoint, http_method, payload, auth_token, idempotency_key, enqueued_at, retry_count)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		row.ActionType, row.TargetEndpoint, row.HTTPMethod, row.Payload, row.AuthToken, row.IdempotencyKey,
		formatTime(enqueuedAt),
	)
	if err != nil {
		return nil, storageErr("requeue", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr("requeue", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM rejected_actions WHERE id = ?", id); err != nil {
		return nil, storageErr("requeue", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("requeue", err)
	}

	action, err := row.dbAction.toAction()
	if err != nil {
		return nil, storageErr("requeue", err)
	}
	action.ID = newID
	action.EnqueuedAt = enqueuedAt
	action.RetryCount = 0
	action.LastError = ""
	action.LastAttemptAt = nil

	slog.Info("outbox requeue", "rejectedId", id, "id", newID, "type", action.ActionType)
	return action, nil
}
