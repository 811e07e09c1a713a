// Package connectivity tracks whether the remote API is reachable and
// publishes debounced online/offline transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultSettleWindow  = time.Second
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Event is published on every settled transition.
type Event struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

func (e Event) String() string {
	if e.Online {
		return "became-online"
	}
	return "became-offline"
}

type Listener func(Event)

// Prober checks reachability. A nil error means reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// InitialOnline is the state assumed until the first signal arrives.
	InitialOnline bool
	// SettleWindow is how long a raw state must hold before it is published.
	// Zero publishes every change immediately.
	SettleWindow time.Duration
	// Prober, when set, is polled every ProbeInterval.
	Prober        Prober
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Monitor turns raw reachability signals into edge-triggered events. Listeners
// are always called without any monitor lock held.
type Monitor struct {
	mu         sync.Mutex
	raw        bool
	published  bool
	changedAt  time.Time
	gen        uint64
	timer      *time.Timer
	listeners  map[uint64]Listener
	nextListID uint64

	settle        time.Duration
	prober        Prober
	probeInterval time.Duration
	probeTimeout  time.Duration

	wg sync.WaitGroup
}

func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		raw:           opts.InitialOnline,
		published:     opts.InitialOnline,
		changedAt:     time.Now(),
		listeners:     make(map[uint64]Listener),
		settle:        opts.SettleWindow,
		prober:        opts.Prober,
		probeInterval: opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
	}
	if m.settle < 0 {
		m.settle = DefaultSettleWindow
	}
	if m.probeInterval <= 0 {
		m.probeInterval = DefaultProbeInterval
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = DefaultProbeTimeout
	}
	return m
}

// IsOnline returns the latest raw signal, not the debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raw
}

// Settled returns the last published state and when it was published.
func (m *Monitor) Settled() (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.changedAt
}

// Subscribe registers a listener and returns its unsubscribe function.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListID
	m.nextListID++
	m.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Report feeds a raw reachability signal, e.g. from the platform or the UI.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if online == m.raw && m.timer != nil {
		// already settling towards this state
		m.mu.Unlock()
		return
	}
	m.raw = online
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if online == m.published {
		// flapped back before settling
		m.mu.Unlock()
		return
	}

	if m.settle == 0 {
		ev, listeners := m.publishLocked()
		m.mu.Unlock()
		notify(ev, listeners)
		return
	}

	gen := m.gen
	m.timer = time.AfterFunc(m.settle, func() { m.settled(gen) })
	m.mu.Unlock()
}

func (m *Monitor) settled(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.raw == m.published {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ev, listeners := m.publishLocked()
	m.mu.Unlock()

	notify(ev, listeners)
}

func (m *Monitor) publishLocked() (Event, []Listener) {
	m.published = m.raw
	m.changedAt = time.Now()

	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	return Event{Online: m.published, At: m.changedAt}, listeners
}

func notify(ev Event, listeners []Listener) {
	slog.Info("connectivity", "event", ev.String())
	for _, l := range listeners {
		l(ev)
	}
}

// Start polls the prober until ctx is done. Without a prober it only waits
// for Report calls and returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probe(ctx)

		// timer, not ticker: a slow probe must not queue up ticks
		timer := time.NewTimer(m.probeInterval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				m.probe(ctx)
				timer.Reset(m.probeInterval)
			}
		}
	}()
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Debug("connectivity probe failed", "error", err)
	}
	m.Report(err == nil)
}

// Stop cancels a pending settle timer and waits for the probe loop, whose
// context must already be cancelled.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}
