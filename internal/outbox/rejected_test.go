package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReject_MovesOutOfPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, createCow("duplicate tag"))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, createCow("ok"))
	require.NoError(t, err)

	rejected, err := q.Reject(ctx, a.ID, "conflict: ear tag already registered", 409)
	require.NoError(t, err)
	assert.Equal(t, a.ID, rejected.ID)
	assert.Equal(t, ActionCreateLivestock, rejected.ActionType)
	assert.Equal(t, 409, rejected.StatusCode)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	list, err := q.ListRejected(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/api/livestock", list[0].TargetEndpoint)
	assert.Equal(t, "conflict: ear tag already registered", list[0].Reason)

	n, err := q.CountRejected(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Reject(ctx, a.ID, "again", 400)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeue_AppendsWithFreshID(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, createCow("a"))
	require.NoError(t, err)
	_, err = q.IncrementRetry(ctx, a.ID, nil)
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, createCow("b"))
	require.NoError(t, err)

	_, err = q.Reject(ctx, a.ID, "bad request", 400)
	require.NoError(t, err)

	requeued, err := q.Requeue(ctx, a.ID)
	require.NoError(t, err)
	assert.Greater(t, requeued.ID, b.ID)
	assert.Zero(t, requeued.RetryCount)
	assert.Equal(t, a.IdempotencyKey, requeued.IdempotencyKey)
	assert.Equal(t, "token-1", requeued.AuthToken)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, b.ID, pending[0].ID)
	assert.Equal(t, requeued.ID, pending[1].ID)

	n, err := q.CountRejected(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.Requeue(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiscardRejected_Idempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, createCow("a"))
	require.NoError(t, err)
	_, err = q.Reject(ctx, a.ID, "not found", 404)
	require.NoError(t, err)

	require.NoError(t, q.DiscardRejected(ctx, a.ID))
	require.NoError(t, q.DiscardRejected(ctx, a.ID))

	list, err := q.ListRejected(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
