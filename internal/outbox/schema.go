package outbox

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// AUTOINCREMENT keeps ids from being reused after deletes.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pending_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action_type TEXT NOT NULL,
    target_endpoint TEXT NOT NULL,
    http_method TEXT NOT NULL,
    payload BLOB,
    auth_token TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    enqueued_at TEXT NOT NULL, -- RFC3339Nano
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    last_attempt_at TEXT
)`,
	`CREATE TABLE IF NOT EXISTS rejected_actions (
    id INTEGER PRIMARY KEY,
    action_type TEXT NOT NULL,
    target_endpoint TEXT NOT NULL,
    http_method TEXT NOT NULL,
    payload BLOB,
    auth_token TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    enqueued_at TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    last_attempt_at TEXT,
    reason TEXT NOT NULL,
    status_code INTEGER NOT NULL DEFAULT 0,
    rejected_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_rejected_at ON rejected_actions(rejected_at)`,
}

const actionColumns = `id, action_type, target_endpoint, http_method, payload, auth_token,
    idempotency_key, enqueued_at, retry_count, last_error, last_attempt_at`

// dbAction mirrors a pending_actions row, timestamps stored as TEXT.
type dbAction struct {
	ID             int64          `db:"id"`
	ActionType     string         `db:"action_type"`
	TargetEndpoint string         `db:"target_endpoint"`
	HTTPMethod     string         `db:"http_method"`
	Payload        []byte         `db:"payload"`
	AuthToken      string         `db:"auth_token"`
	IdempotencyKey string         `db:"idempotency_key"`
	EnqueuedAt     string         `db:"enqueued_at"`
	RetryCount     int            `db:"retry_count"`
	LastError      string         `db:"last_error"`
	LastAttemptAt  sql.NullString `db:"last_attempt_at"`
}

type dbRejected struct {
	dbAction
	Reason     string `db:"reason"`
	StatusCode int    `db:"status_code"`
	RejectedAt string `db:"rejected_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (r *dbAction) toAction() (*PendingAction, error) {
	enqueuedAt, err := parseTime(r.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse enqueued_at of #%d: %w", r.ID, err)
	}

	action := &PendingAction{
		ID:             r.ID,
		ActionType:     ActionType(r.ActionType),
		TargetEndpoint: r.TargetEndpoint,
		HTTPMethod:     r.HTTPMethod,
		AuthToken:      r.AuthToken,
		IdempotencyKey: r.IdempotencyKey,
		EnqueuedAt:     enqueuedAt,
		RetryCount:     r.RetryCount,
		LastError:      r.LastError,
	}
	if len(r.Payload) > 0 {
		action.Payload = json.RawMessage(r.Payload)
	}
	if r.LastAttemptAt.Valid {
		if t, err := parseTime(r.LastAttemptAt.String); err == nil {
			action.LastAttemptAt = &t
		}
	}
	return action, nil
}

func (r *dbRejected) toRejected() (*RejectedAction, error) {
	action, err := r.dbAction.toAction()
	if err != nil {
		return nil, err
	}
	rejectedAt, err := parseTime(r.RejectedAt)
	if err != nil {
		return nil, fmt.Errorf("parse rejected_at of #%d: %w", r.ID, err)
	}
	return &RejectedAction{
		PendingAction: *action,
		Reason:        r.Reason,
		StatusCode:    r.StatusCode,
		RejectedAt:    rejectedAt,
	}, nil
}
