package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/herdsync/herdsync/internal/connectivity"
	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/herdsync/herdsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Method string
	Path   string
	Key    string
	Body   string
}

// fakeAPI records every request and answers 201 unless handler says otherwise.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []call
	handler func(n int, w http.ResponseWriter, r *http.Request)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, call{Method: r.Method, Path: r.URL.Path, Key: r.Header.Get(remote.HeaderIdempotencyKey), Body: string(body)})
	n := len(f.calls)
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		handler(n, w, r)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeAPI) setHandler(h func(n int, w http.ResponseWriter, r *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeAPI) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeAPI) paths() []string {
	var paths []string
	for _, c := range f.recorded() {
		paths = append(paths, c.Path)
	}
	return paths
}

// fakeConn publishes every change immediately and synchronously.
type fakeConn struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]connectivity.Listener
	next      int
}

func newFakeConn(online bool) *fakeConn {
	return &fakeConn{online: online, listeners: map[int]connectivity.Listener{}}
}

func (c *fakeConn) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) Subscribe(l connectivity.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) set(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	listeners := make([]connectivity.Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	ev := connectivity.Event{Online: online, At: time.Now()}
	for _, l := range listeners {
		l(ev)
	}
}

type harness struct {
	queue *outbox.Queue
	api   *fakeAPI
	conn  *fakeConn
	d     *Dispatcher
}

func newHarness(t *testing.T, online bool, opts *Options) *harness {
	t.Helper()

	q := outbox.NewQueue(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, q.Open(context.Background()))

	api := &fakeAPI{}
	srv := httptest.NewServer(api)

	client, err := remote.New(&remote.Config{BaseURL: srv.URL, DeviceID: "test-device"})
	require.NoError(t, err)

	conn := newFakeConn(online)
	d := New(q, client, conn, opts)

	t.Cleanup(func() {
		d.Stop()
		srv.Close()
		q.Close()
	})
	return &harness{queue: q, api: api, conn: conn, d: d}
}

func (h *harness) enqueue(t *testing.T, in *outbox.PendingActionInput) *outbox.PendingAction {
	t.Helper()
	a, err := h.queue.Enqueue(context.Background(), in)
	require.NoError(t, err)
	return a
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Count(context.Background())
	require.NoError(t, err)
	return n
}

func createCow(name string) *outbox.PendingActionInput {
	return &outbox.PendingActionInput{
		ActionType:     outbox.ActionCreateLivestock,
		TargetEndpoint: "/api/livestock",
		Payload:        json.RawMessage(fmt.Sprintf(`{"name":%q}`, name)),
		AuthToken:      "token-1",
	}
}

func updateCow(id int) *outbox.PendingActionInput {
	return &outbox.PendingActionInput{
		ActionType:     outbox.ActionUpdateLivestock,
		TargetEndpoint: fmt.Sprintf("/api/livestock/%d", id),
		Payload:        json.RawMessage(`{"weight":410}`),
		AuthToken:      "token-1",
	}
}

func TestTriggerSync_CreateSucceeds(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	queued := h.enqueue(t, createCow("Cow #7"))

	result, err := h.d.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Snapshot)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, result.Remaining)
	assert.False(t, result.Aborted)
	assert.Zero(t, h.count(t))

	calls := h.api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "/api/livestock", calls[0].Path)
	assert.Equal(t, queued.IdempotencyKey, calls[0].Key)
	assert.JSONEq(t, `{"name":"Cow #7"}`, calls[0].Body)
	assert.Equal(t, StateIdle, h.d.State())
}

func TestTriggerSync_PreservesOrder(t *testing.T) {
	h := newHarness(t, true, nil)

	h.enqueue(t, createCow("a"))
	h.enqueue(t, updateCow(1))
	h.enqueue(t, &outbox.PendingActionInput{ActionType: outbox.ActionDeleteLivestock, TargetEndpoint: "/api/livestock/2"})
	h.enqueue(t, &outbox.PendingActionInput{ActionType: outbox.ActionBookAppointment, TargetEndpoint: "/api/appointments"})

	result, err := h.d.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, []string{"/api/livestock", "/api/livestock/1", "/api/livestock/2", "/api/appointments"}, h.api.paths())

	methods := []string{}
	for _, c := range h.api.recorded() {
		methods = append(methods, c.Method)
	}
	assert.Equal(t, []string{"POST", "PUT", "DELETE", "POST"}, methods)
}

func TestTriggerSync_TransientFailureStopsPass(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	create := h.enqueue(t, createCow("a"))
	update := h.enqueue(t, updateCow(1))

	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	result, err := h.d.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 2, result.Remaining)
	assert.Equal(t, []string{"/api/livestock"}, h.api.paths(), "update must never be attempted")

	a, err := h.queue.Get(ctx, create.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, a.RetryCount)
	assert.Contains(t, a.LastError, "500")

	b, err := h.queue.Get(ctx, update.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, b.RetryCount)
}

func TestTriggerSync_RetryCountAccumulates(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	a := h.enqueue(t, createCow("a"))
	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 3; i++ {
		_, err := h.d.TriggerSync(ctx)
		require.NoError(t, err)
	}

	stored, err := h.queue.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Len(t, h.api.recorded(), 3)
}

func TestTriggerSync_PermanentRejectionContinues(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	bad := h.enqueue(t, createCow("bad"))
	h.enqueue(t, createCow("good"))

	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"error":"tag number already registered"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	result, err := h.d.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, []int64{bad.ID}, result.RejectedIDs)
	assert.Zero(t, h.count(t))

	rejected, err := h.queue.ListRejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, bad.ID, rejected[0].ID)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected[0].StatusCode)
	assert.Contains(t, rejected[0].Reason, "tag number already registered")
}

func TestTriggerSync_RetriesExhausted(t *testing.T) {
	h := newHarness(t, true, &Options{MaxRetries: 2})
	ctx := context.Background()

	stuck := h.enqueue(t, createCow("stuck"))
	h.enqueue(t, createCow("next"))

	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	for i := 0; i < 2; i++ {
		_, err := h.d.TriggerSync(ctx)
		require.NoError(t, err)
	}

	result, err := h.d.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, h.count(t))
	assert.Len(t, h.api.recorded(), 3, "exhausted item is not sent again")

	rejected, err := h.queue.ListRejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, stuck.ID, rejected[0].ID)
	assert.Equal(t, ReasonRetriesExhausted, rejected[0].Reason)
	assert.Equal(t, 2, rejected[0].RetryCount)
}

func TestTriggerSync_AlreadyRunning(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	h.enqueue(t, createCow("a"))
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		w.WriteHeader(http.StatusCreated)
	})

	done := make(chan *PassResult)
	go func() {
		result, err := h.d.TriggerSync(ctx)
		assert.NoError(t, err)
		done <- result
	}()

	<-entered
	assert.Equal(t, StateDraining, h.d.State())

	second, err := h.d.TriggerSync(ctx)
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)
	assert.Nil(t, second)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.Len(t, h.api.recorded(), 1)
}

func TestTriggerSync_AbortsWhenConnectivityLost(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.enqueue(t, createCow(fmt.Sprintf("cow-%d", i)))
	}

	h.d.unsubscribe = h.conn.Subscribe(h.d.onConnectivity)
	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 2 {
			h.conn.set(false)
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	result, err := h.d.TriggerSync(ctx)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, result.Retried)
	assert.Len(t, h.api.recorded(), 2)

	pending, err := h.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, a := range pending {
		assert.Zero(t, a.RetryCount, "aborted item must be left untouched")
	}
}

func TestTriggerSync_SnapshotOnly(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	h.enqueue(t, createCow("a"))
	h.enqueue(t, createCow("b"))

	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			_, err := h.queue.Enqueue(context.Background(), createCow("late"))
			assert.NoError(t, err)
		}
		w.WriteHeader(http.StatusCreated)
	})

	result, err := h.d.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Snapshot)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Remaining)
	assert.Len(t, h.api.recorded(), 2)
}

func TestTriggerSync_SkipsDiscardedItems(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx := context.Background()

	h.enqueue(t, createCow("a"))
	b := h.enqueue(t, createCow("b"))
	h.enqueue(t, createCow("c"))

	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			assert.NoError(t, h.queue.Remove(context.Background(), b.ID))
		}
		w.WriteHeader(http.StatusCreated)
	})

	result, err := h.d.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Len(t, h.api.recorded(), 2)
}

func TestTriggerSync_ReplayTimeout(t *testing.T) {
	h := newHarness(t, true, &Options{ReplayTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	a := h.enqueue(t, createCow("slow"))
	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	start := time.Now()
	result, err := h.d.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, result.Retried)

	stored, err := h.queue.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestTriggerSync_EmptyQueue(t *testing.T) {
	h := newHarness(t, true, nil)

	result, err := h.d.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Snapshot)
	assert.Empty(t, h.api.recorded())
}

func TestTriggerSync_Events(t *testing.T) {
	h := newHarness(t, true, nil)
	events := h.d.Subscribe()

	h.enqueue(t, createCow("a"))
	h.enqueue(t, createCow("b"))

	_, err := h.d.TriggerSync(context.Background())
	require.NoError(t, err)

	var got []*Event
	for i := 0; i < 4; i++ {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}

	assert.Equal(t, EventPassStarted, got[0].Type)
	assert.Equal(t, 2, got[0].Remaining)
	assert.Equal(t, EventItemReplayed, got[1].Type)
	assert.Equal(t, OutcomeSucceeded, got[1].Outcome)
	assert.Equal(t, 1, got[1].Remaining)
	assert.Equal(t, EventItemReplayed, got[2].Type)
	assert.Equal(t, 0, got[2].Remaining)
	assert.Equal(t, EventPassCompleted, got[3].Type)
	require.NotNil(t, got[3].Result)
	assert.Equal(t, 2, got[3].Result.Succeeded)

	h.d.Unsubscribe(events)
	_, open := <-events
	assert.False(t, open)
}

func TestStart_DrainsOnReconnect(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	require.NoError(t, h.d.Start(ctx))
	h.enqueue(t, createCow("a"))
	h.enqueue(t, updateCow(1))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.api.recorded(), "nothing is sent while offline")

	h.conn.set(true)
	assert.Eventually(t, func() bool { return h.count(t) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/api/livestock", "/api/livestock/1"}, h.api.paths())

	history := h.d.History()
	require.NotEmpty(t, history)
	assert.Equal(t, TriggerReconnect, history[0].Trigger)
}

func TestStart_ResumesWhenReconnectingDuringPass(t *testing.T) {
	h := newHarness(t, true, nil)
	for i := 0; i < 3; i++ {
		h.enqueue(t, createCow(fmt.Sprintf("cow-%d", i)))
	}

	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 2 {
			// the link drops and comes back before the abort lands
			h.conn.set(false)
			h.conn.set(true)
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, h.d.Start(context.Background()))
	assert.Eventually(t, func() bool { return h.count(t) == 0 }, 3*time.Second, 10*time.Millisecond)

	history := h.d.History()
	require.GreaterOrEqual(t, len(history), 2)
	assert.True(t, history[len(history)-1].Aborted, "first pass was aborted")
	assert.Equal(t, TriggerReconnect, history[0].Trigger)
}

func TestTryLockPass_RecordsFollowUp(t *testing.T) {
	h := newHarness(t, true, nil)

	require.True(t, h.d.tryLockPass(TriggerManual))
	defer h.d.muPass.Unlock()

	assert.False(t, h.d.tryLockPass(TriggerManual))
	assert.Equal(t, Trigger(""), h.d.rerun, "manual syncs report busy instead")

	assert.False(t, h.d.tryLockPass(TriggerQueued))
	assert.Equal(t, TriggerQueued, h.d.rerun)

	assert.False(t, h.d.tryLockPass(TriggerReconnect))
	assert.Equal(t, TriggerReconnect, h.d.rerun)

	assert.False(t, h.d.tryLockPass(TriggerRetry))
	assert.Equal(t, TriggerReconnect, h.d.rerun, "a reconnect is not downgraded")
}

func TestStart_DrainsPendingAtStartup(t *testing.T) {
	h := newHarness(t, true, nil)
	h.enqueue(t, createCow("left over"))

	require.NoError(t, h.d.Start(context.Background()))
	assert.Eventually(t, func() bool { return h.count(t) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStart_RetriesWithBackoff(t *testing.T) {
	h := newHarness(t, true, &Options{BaseBackoff: 20 * time.Millisecond, MaxBackoff: 40 * time.Millisecond})
	ctx := context.Background()

	var failures atomic.Int32
	h.api.setHandler(func(n int, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			failures.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	h.enqueue(t, createCow("a"))
	require.NoError(t, h.d.Start(ctx))

	assert.Eventually(t, func() bool { return h.count(t) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), failures.Load())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	h.enqueue(t, createCow("a"))

	status, err := h.d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)
	assert.False(t, status.Online)
	assert.Equal(t, 1, status.Pending)
	assert.Zero(t, status.Rejected)
	assert.Nil(t, status.LastPass)
	assert.Nil(t, status.NextRetryAt)
}

func TestBackoff(t *testing.T) {
	base, ceiling := 5*time.Second, time.Minute
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{40, time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.retry), func(t *testing.T) {
			assert.Equal(t, tt.want, backoff(tt.retry, base, ceiling))
		})
	}
}
