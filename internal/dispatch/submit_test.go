package dispatch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/herdsync/herdsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_OnlineDirectCall(t *testing.T) {
	h := newHarness(t, true, nil)
	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":7}`))
	})

	result, err := h.d.Submit(context.Background(), createCow("Cow #7"))
	require.NoError(t, err)
	assert.False(t, result.Queued)
	require.NotNil(t, result.Response)
	assert.Equal(t, http.StatusCreated, result.Response.StatusCode)
	assert.JSONEq(t, `{"id":7}`, string(result.Response.Body))
	assert.Zero(t, h.count(t))

	calls := h.api.recorded()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].Key, "creates carry an idempotency key")
}

func TestSubmit_OfflineQueues(t *testing.T) {
	h := newHarness(t, false, nil)
	events := h.d.Subscribe()

	result, err := h.d.Submit(context.Background(), createCow("a"))
	require.NoError(t, err)
	assert.True(t, result.Queued)
	require.NotNil(t, result.Action)
	assert.Equal(t, 1, h.count(t))
	assert.Empty(t, h.api.recorded())

	select {
	case ev := <-events:
		assert.Equal(t, EventActionQueued, ev.Type)
		assert.Equal(t, result.Action.ID, ev.ActionID)
	case <-time.After(time.Second):
		t.Fatal("no action-queued event")
	}
}

func TestSubmit_QueuesBehindPendingActions(t *testing.T) {
	h := newHarness(t, true, nil)
	h.enqueue(t, createCow("earlier"))

	result, err := h.d.Submit(context.Background(), updateCow(1))
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Equal(t, 2, h.count(t))
	assert.Empty(t, h.api.recorded())
}

func TestSubmit_PermanentRejectionNotQueued(t *testing.T) {
	h := newHarness(t, true, nil)
	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	result, err := h.d.Submit(context.Background(), updateCow(9))
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, remote.IsPermanent(err))
	assert.Zero(t, h.count(t))
}

func TestSubmit_TransientFailureQueuesWithSameKey(t *testing.T) {
	h := newHarness(t, true, nil)
	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	result, err := h.d.Submit(context.Background(), createCow("a"))
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Contains(t, result.Cause, "503")

	calls := h.api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, calls[0].Key, result.Action.IdempotencyKey)
	assert.Equal(t, 0, result.Action.RetryCount)
}

func TestSubmit_InvalidInput(t *testing.T) {
	h := newHarness(t, true, nil)

	_, err := h.d.Submit(context.Background(), &outbox.PendingActionInput{ActionType: "sell-livestock", TargetEndpoint: "/api/x"})
	assert.ErrorIs(t, err, outbox.ErrUnknownActionType)
	assert.Empty(t, h.api.recorded())
}

func TestRetryRejected(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	a := h.enqueue(t, createCow("a"))
	_, err := h.queue.Reject(ctx, a.ID, "tag number already registered", http.StatusConflict)
	require.NoError(t, err)

	requeued, err := h.d.RetryRejected(ctx, a.ID)
	require.NoError(t, err)
	assert.Greater(t, requeued.ID, a.ID)
	assert.Equal(t, a.IdempotencyKey, requeued.IdempotencyKey)
	assert.Equal(t, 1, h.count(t))

	_, err = h.d.RetryRejected(ctx, a.ID)
	assert.ErrorIs(t, err, outbox.ErrNotFound)
}
