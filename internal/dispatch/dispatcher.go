// Package dispatch drains the outbox against the remote API, one action at a
// time and strictly in enqueue order.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/herdsync/herdsync/internal/connectivity"
	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/herdsync/herdsync/internal/remote"
)

const (
	DefaultReplayTimeout = 8 * time.Second
	DefaultMaxRetries    = 10
	DefaultBaseBackoff   = 5 * time.Second
	DefaultMaxBackoff    = 5 * time.Minute
	DefaultHistorySize   = 50
	DefaultHistoryTTL    = 24 * time.Hour

	ReasonRetriesExhausted = "retries exhausted"
)

var (
	ErrSyncAlreadyRunning = errors.New("sync already running")

	errWentOffline = errors.New("connectivity lost")
	errStopped     = errors.New("dispatcher stopped")
)

// Queue is the durable store the dispatcher drains.
type Queue interface {
	Enqueue(ctx context.Context, in *outbox.PendingActionInput) (*outbox.PendingAction, error)
	ListPending(ctx context.Context) ([]*outbox.PendingAction, error)
	Get(ctx context.Context, id int64) (*outbox.PendingAction, error)
	Remove(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64, cause error) (*outbox.PendingAction, error)
	Reject(ctx context.Context, id int64, reason string, statusCode int) (*outbox.RejectedAction, error)
	Requeue(ctx context.Context, id int64) (*outbox.PendingAction, error)
	Count(ctx context.Context) (int, error)
	CountRejected(ctx context.Context) (int, error)
}

// Remote performs a single call. Errors are expected to be classified by the
// remote package; anything unclassified is treated as transient.
type Remote interface {
	Do(ctx context.Context, r *remote.Request) (*remote.Response, error)
}

type Connectivity interface {
	IsOnline() bool
	Subscribe(l connectivity.Listener) (unsubscribe func())
}

type Options struct {
	ReplayTimeout time.Duration
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	HistorySize   int
	HistoryTTL    time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.ReplayTimeout <= 0 {
		out.ReplayTimeout = DefaultReplayTimeout
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = DefaultBaseBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	if out.MaxBackoff < out.BaseBackoff {
		out.MaxBackoff = out.BaseBackoff
	}
	if out.HistorySize <= 0 {
		out.HistorySize = DefaultHistorySize
	}
	if out.HistoryTTL <= 0 {
		out.HistoryTTL = DefaultHistoryTTL
	}
	return out
}

type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

type Dispatcher struct {
	queue  Queue
	remote Remote
	conn   Connectivity
	opts   Options

	muPass sync.Mutex // held for the whole pass

	mu          sync.Mutex
	state       State
	abortPass   context.CancelCauseFunc
	passSeq     uint64
	lastPass    *PassResult
	rerun       Trigger
	retryTimer  *time.Timer
	nextRetryAt time.Time
	runCtx      context.Context
	runCancel   context.CancelCauseFunc
	unsubscribe func()

	history *expirable.LRU[uint64, *PassResult]

	eventSubs []chan *Event
	eventMu   sync.RWMutex

	wg  sync.WaitGroup
	now func() time.Time
}

func New(queue Queue, client Remote, conn Connectivity, opts *Options) *Dispatcher {
	o := opts.withDefaults()
	return &Dispatcher{
		queue:   queue,
		remote:  client,
		conn:    conn,
		opts:    o,
		state:   StateIdle,
		history: expirable.NewLRU[uint64, *PassResult](o.HistorySize, nil, o.HistoryTTL),
		now:     time.Now,
	}
}

// Start reacts to connectivity events until Stop is called. If the device is
// already online with pending actions, a first pass starts immediately.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.runCtx != nil {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	d.runCtx, d.runCancel = context.WithCancelCause(ctx)
	d.mu.Unlock()

	d.unsubscribe = d.conn.Subscribe(d.onConnectivity)

	slog.Info("dispatcher start", "maxRetries", d.opts.MaxRetries, "replayTimeout", d.opts.ReplayTimeout)
	if d.conn.IsOnline() {
		d.kick(TriggerStartup)
	}
	return nil
}

// Stop aborts any running pass, cancels the retry timer and waits for
// background passes to return.
func (d *Dispatcher) Stop() error {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}

	d.mu.Lock()
	if d.runCancel != nil {
		d.runCancel(errStopped)
	}
	d.stopRetryLocked()
	d.mu.Unlock()

	d.wg.Wait()
	d.closeSubscribers()
	slog.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) onConnectivity(ev connectivity.Event) {
	d.broadcast(&Event{Type: EventType(ev.String()), At: ev.At})

	if !ev.Online {
		d.mu.Lock()
		d.stopRetryLocked()
		abort := d.abortPass
		d.mu.Unlock()
		if abort != nil {
			slog.Info("dispatcher abort pass", "reason", errWentOffline)
			abort(errWentOffline)
		}
		return
	}

	// never block the monitor's notify loop
	d.kick(TriggerReconnect)
}

// kick starts a background pass when there is something to send. A pass that
// is already running will be followed by another one.
func (d *Dispatcher) kick(trigger Trigger) {
	d.mu.Lock()
	ctx := d.runCtx
	if ctx == nil || ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.autoSync(ctx, trigger)
	}()
}

func (d *Dispatcher) autoSync(ctx context.Context, trigger Trigger) {
	count, err := d.queue.Count(ctx)
	if err != nil {
		slog.Error("dispatcher count", "trigger", trigger, "error", err)
		return
	}
	if count == 0 {
		return
	}

	_, err = d.runPass(ctx, trigger)
	if err != nil && !errors.Is(err, ErrSyncAlreadyRunning) {
		slog.Error("dispatcher pass", "trigger", trigger, "error", err)
	}
}

// TriggerSync runs one pass right away and returns its result. It returns
// ErrSyncAlreadyRunning while another pass is draining.
func (d *Dispatcher) TriggerSync(ctx context.Context) (*PassResult, error) {
	return d.runPass(ctx, TriggerManual)
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

type Status struct {
	State       State       `json:"state"`
	Online      bool        `json:"online"`
	Pending     int         `json:"pending"`
	Rejected    int         `json:"rejected"`
	LastPass    *PassResult `json:"lastPass,omitempty"`
	NextRetryAt *time.Time  `json:"nextRetryAt,omitempty"`
}

func (d *Dispatcher) Status(ctx context.Context) (*Status, error) {
	pending, err := d.queue.Count(ctx)
	if err != nil {
		return nil, err
	}
	rejected, err := d.queue.CountRejected(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	status := &Status{
		State:    d.state,
		Online:   d.conn.IsOnline(),
		Pending:  pending,
		Rejected: rejected,
		LastPass: d.lastPass,
	}
	if !d.nextRetryAt.IsZero() {
		next := d.nextRetryAt
		status.NextRetryAt = &next
	}
	return status, nil
}
