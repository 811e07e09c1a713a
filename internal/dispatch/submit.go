package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/herdsync/herdsync/internal/remote"
)

// SubmitResult tells the caller whether the action reached the server or was
// saved for later.
type SubmitResult struct {
	Queued   bool                  `json:"queued"`
	Action   *outbox.PendingAction `json:"action,omitempty"`
	Response *remote.Response      `json:"response,omitempty"`
	// Cause is the transient failure that sent a direct attempt to the queue.
	Cause string `json:"cause,omitempty"`
}

// Enqueue stores an action for the next pass and, when online, starts one.
func (d *Dispatcher) Enqueue(ctx context.Context, in *outbox.PendingActionInput) (*outbox.PendingAction, error) {
	action, err := d.queue.Enqueue(ctx, in)
	if err != nil {
		return nil, err
	}

	d.broadcast(&Event{Type: EventActionQueued, ActionID: action.ID, ActionType: action.ActionType, At: action.EnqueuedAt})
	if d.conn.IsOnline() {
		d.kick(TriggerQueued)
	}
	return action, nil
}

// RetryRejected moves a rejected action back to the end of the queue.
func (d *Dispatcher) RetryRejected(ctx context.Context, id int64) (*outbox.PendingAction, error) {
	action, err := d.queue.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}

	d.broadcast(&Event{Type: EventActionQueued, ActionID: action.ID, ActionType: action.ActionType, At: action.EnqueuedAt})
	if d.conn.IsOnline() {
		d.kick(TriggerQueued)
	}
	return action, nil
}

// Submit is the UI action path. It calls the remote API directly when that
// cannot reorder anything, and otherwise queues the action.
//
// A permanent rejection is returned to the caller and never queued. A
// transient failure queues the action under the idempotency key already sent.
func (d *Dispatcher) Submit(ctx context.Context, in *outbox.PendingActionInput) (*SubmitResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	if !d.conn.IsOnline() {
		return d.submitQueued(ctx, in, "")
	}

	// earlier actions must reach the server first
	pending, err := d.queue.Count(ctx)
	if err != nil {
		return nil, err
	}
	if pending > 0 || d.State() == StateDraining {
		return d.submitQueued(ctx, in, "")
	}

	method, err := in.ActionType.Method()
	if err != nil {
		return nil, err
	}
	key := in.IdempotencyKey
	if key == "" && in.ActionType.IsCreate() {
		key = uuid.NewString()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.ReplayTimeout)
	defer cancel()

	resp, err := d.remote.Do(attemptCtx, &remote.Request{
		Method:         method,
		Endpoint:       in.TargetEndpoint,
		Payload:        in.Payload,
		AuthToken:      in.AuthToken,
		IdempotencyKey: key,
	})
	if err == nil {
		return &SubmitResult{Response: resp}, nil
	}
	if remote.IsPermanent(err) {
		return nil, err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		// the caller went away; the request may or may not have landed
		slog.Warn("dispatcher submit cancelled, queueing", "type", in.ActionType, "endpoint", in.TargetEndpoint)
	}

	queued := *in
	queued.IdempotencyKey = key
	return d.submitQueued(context.WithoutCancel(ctx), &queued, err.Error())
}

func (d *Dispatcher) submitQueued(ctx context.Context, in *outbox.PendingActionInput, cause string) (*SubmitResult, error) {
	action, err := d.Enqueue(ctx, in)
	if err != nil {
		return nil, err
	}
	slog.Info("dispatcher submit queued", "action", action.String(), "cause", cause)
	return &SubmitResult{Queued: true, Action: action, Cause: cause}, nil
}
