package dispatch

import (
	"time"

	"github.com/herdsync/herdsync/internal/outbox"
)

const eventBufferSize = 16

type EventType string

const (
	EventPassStarted   EventType = "pass-started"
	EventItemReplayed  EventType = "item-replayed"
	EventPassCompleted EventType = "pass-completed"
	EventActionQueued  EventType = "action-queued"
	EventBecameOnline  EventType = "became-online"
	EventBecameOffline EventType = "became-offline"
)

// Event is a progress notification for the UI.
type Event struct {
	Type       EventType         `json:"type"`
	PassID     uint64            `json:"passId,omitempty"`
	ActionID   int64             `json:"actionId,omitempty"`
	ActionType outbox.ActionType `json:"actionType,omitempty"`
	Outcome    Outcome           `json:"outcome,omitempty"`
	Remaining  int               `json:"remaining"`
	Error      string            `json:"error,omitempty"`
	Result     *PassResult       `json:"result,omitempty"`
	At         time.Time         `json:"at"`
}

// Subscribe returns a channel receiving dispatcher events. Slow readers miss
// events rather than stall a pass.
func (d *Dispatcher) Subscribe() <-chan *Event {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	ch := make(chan *Event, eventBufferSize)
	d.eventSubs = append(d.eventSubs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (d *Dispatcher) Unsubscribe(ch <-chan *Event) {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	for i, sub := range d.eventSubs {
		if sub == ch {
			close(sub)
			d.eventSubs = append(d.eventSubs[:i], d.eventSubs[i+1:]...)
			break
		}
	}
}

func (d *Dispatcher) broadcast(ev *Event) {
	d.eventMu.RLock()
	defer d.eventMu.RUnlock()

	for _, sub := range d.eventSubs {
		select {
		case sub <- ev:
		default:
			// full, skip
		}
	}
}

func (d *Dispatcher) closeSubscribers() {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	for _, sub := range d.eventSubs {
		close(sub)
	}
	d.eventSubs = nil
}
