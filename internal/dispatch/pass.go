package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/herdsync/herdsync/internal/remote"
)

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerReconnect Trigger = "reconnect"
	TriggerStartup   Trigger = "startup"
	TriggerRetry     Trigger = "retry"
	TriggerQueued    Trigger = "queued"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRejected  Outcome = "rejected"
	OutcomeRetry     Outcome = "retry"
	OutcomeAborted   Outcome = "aborted"
	OutcomeSkipped   Outcome = "skipped"
)

// PassResult aggregates one drain of the queue. Per-item errors never leave
// the pass; they only show up here.
type PassResult struct {
	ID          uint64    `json:"id"`
	Trigger     Trigger   `json:"trigger"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Snapshot    int       `json:"snapshot"`
	Succeeded   int       `json:"succeeded"`
	Rejected    int       `json:"rejected"`
	RejectedIDs []int64   `json:"rejectedIds,omitempty"`
	Retried     int       `json:"retried"`
	Aborted     bool      `json:"aborted"`
	Remaining   int       `json:"remaining"`
	Error       string    `json:"error,omitempty"`
}

// Stopped reports whether the pass ended before its snapshot was exhausted.
func (r *PassResult) Stopped() bool {
	return r.Aborted || r.Retried > 0 || r.Error != ""
}

// tryLockPass takes the pass lock. When another pass holds it, an automatic
// trigger is recorded so that pass starts a follow-up when it ends.
func (d *Dispatcher) tryLockPass(trigger Trigger) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.muPass.TryLock() {
		return true
	}
	if trigger != TriggerManual && (d.rerun == "" || trigger == TriggerReconnect) {
		d.rerun = trigger
	}
	return false
}

func (d *Dispatcher) runPass(ctx context.Context, trigger Trigger) (*PassResult, error) {
	if !d.tryLockPass(trigger) {
		return nil, ErrSyncAlreadyRunning
	}

	passCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	// queue bookkeeping must land even when the pass is aborted
	storeCtx := context.WithoutCancel(ctx)

	d.mu.Lock()
	d.stopRetryLocked()
	d.passSeq++
	result := &PassResult{ID: d.passSeq, Trigger: trigger, StartedAt: d.now()}
	d.state = StateDraining
	d.abortPass = abort
	d.rerun = ""
	d.mu.Unlock()

	var lastRetry *outbox.PendingAction
	defer func() {
		result.FinishedAt = d.now()
		if remaining, err := d.queue.Count(storeCtx); err == nil {
			result.Remaining = remaining
		}

		d.mu.Lock()
		d.state = StateIdle
		d.abortPass = nil
		d.lastPass = result
		rerun := d.rerun
		d.rerun = ""
		// released under mu so tryLockPass cannot record a rerun nobody reads
		d.muPass.Unlock()
		d.mu.Unlock()

		d.history.Add(result.ID, result)
		d.broadcast(&Event{Type: EventPassCompleted, PassID: result.ID, Remaining: result.Remaining, Result: result, At: result.FinishedAt})
		slog.Info("dispatcher pass completed", "id", result.ID, "trigger", trigger,
			"succeeded", result.Succeeded, "rejected", result.Rejected, "retried", result.Retried,
			"aborted", result.Aborted, "remaining", result.Remaining, "took", result.FinishedAt.Sub(result.StartedAt))

		switch {
		case result.Remaining == 0 || !d.conn.IsOnline():
		case rerun == TriggerReconnect || rerun == TriggerStartup:
			// the device came back while this pass was winding down
			d.kick(rerun)
		case lastRetry != nil && !result.Aborted:
			d.scheduleRetry(lastRetry.RetryCount)
		case rerun != "" && result.Error == "":
			d.kick(rerun)
		}
	}()

	snapshot, err := d.queue.ListPending(storeCtx)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Snapshot = len(snapshot)

	slog.Info("dispatcher pass started", "id", result.ID, "trigger", trigger, "snapshot", len(snapshot))
	d.broadcast(&Event{Type: EventPassStarted, PassID: result.ID, Remaining: len(snapshot), At: result.StartedAt})

	for i, item := range snapshot {
		if passCtx.Err() != nil {
			result.Aborted = true
			break
		}

		outcome, err := d.replayItem(passCtx, storeCtx, item, result)
		remaining := len(snapshot) - i - 1
		if outcome == OutcomeRetry || outcome == OutcomeAborted {
			remaining++
		}
		ev := &Event{
			Type:       EventItemReplayed,
			PassID:     result.ID,
			ActionID:   item.ID,
			ActionType: item.ActionType,
			Outcome:    outcome,
			Remaining:  remaining,
			At:         d.now(),
		}
		if err != nil {
			ev.Error = err.Error()
		}
		d.broadcast(ev)

		if errors.Is(err, outbox.ErrStorageUnavailable) {
			// stop before more sends go unrecorded
			result.Error = err.Error()
			return result, nil
		}

		switch outcome {
		case OutcomeAborted:
			result.Aborted = true
			return result, nil
		case OutcomeRetry:
			if updated, gerr := d.queue.Get(storeCtx, item.ID); gerr == nil {
				lastRetry = updated
			}
			return result, nil
		}
	}

	return result, nil
}

// replayItem sends one action and records its outcome in the queue.
func (d *Dispatcher) replayItem(passCtx, storeCtx context.Context, snap *outbox.PendingAction, result *PassResult) (Outcome, error) {
	// the user may have discarded it since the snapshot
	action, err := d.queue.Get(storeCtx, snap.ID)
	if errors.Is(err, outbox.ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeRetry, err
	}

	if action.RetryCount >= d.opts.MaxRetries {
		return d.reject(storeCtx, action, result, ReasonRetriesExhausted, 0)
	}

	if remote.TokenExpired(action.AuthToken, d.now()) {
		slog.Warn("dispatcher replay with expired token", "action", action.String())
	}

	attemptCtx, cancel := context.WithTimeout(passCtx, d.opts.ReplayTimeout)
	defer cancel()

	_, err = d.remote.Do(attemptCtx, &remote.Request{
		Method:         action.HTTPMethod,
		Endpoint:       action.TargetEndpoint,
		Payload:        action.Payload,
		AuthToken:      action.AuthToken,
		IdempotencyKey: action.IdempotencyKey,
	})

	if err == nil {
		// confirmed, even if the pass was aborted while the call was in flight
		if err := d.queue.Remove(storeCtx, action.ID); err != nil {
			return OutcomeSucceeded, err
		}
		result.Succeeded++
		slog.Debug("dispatcher replay ok", "action", action.String())
		return OutcomeSucceeded, nil
	}

	if cause := context.Cause(passCtx); cause != nil {
		slog.Info("dispatcher replay aborted", "action", action.String(), "cause", cause)
		return OutcomeAborted, nil
	}

	var perm *remote.PermanentRejectionError
	if errors.As(err, &perm) {
		return d.reject(storeCtx, action, result, perm.Error(), perm.StatusCode)
	}

	if _, ierr := d.queue.IncrementRetry(storeCtx, action.ID, err); ierr != nil && !errors.Is(ierr, outbox.ErrNotFound) {
		return OutcomeRetry, ierr
	}
	result.Retried++
	slog.Warn("dispatcher replay failed", "action", action.String(), "error", err)
	return OutcomeRetry, err
}

func (d *Dispatcher) reject(ctx context.Context, action *outbox.PendingAction, result *PassResult, reason string, status int) (Outcome, error) {
	_, err := d.queue.Reject(ctx, action.ID, reason, status)
	if errors.Is(err, outbox.ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeRetry, err
	}
	result.Rejected++
	result.RejectedIDs = append(result.RejectedIDs, action.ID)
	return OutcomeRejected, fmt.Errorf("rejected: %s", reason)
}
