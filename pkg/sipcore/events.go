package sipcore

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
)

// EventKind is the category of an [Event].
type EventKind string

const (
	// EventRegistrationChanged is emitted on every registration state change of an account,
	// including deletion and the pending-deletion mark.
	EventRegistrationChanged EventKind = "registration-changed"
	// EventCallReceived is emitted once for every incoming call.
	EventCallReceived EventKind = "call-received"
	// EventCallUpdated is emitted on every call state transition except the terminal one.
	EventCallUpdated EventKind = "call-state-updated"
	// EventCallChanged is the coarse projection of call state: hold or mute toggled.
	EventCallChanged EventKind = "call-state-changed"
	// EventCallTerminated is emitted exactly once per call, when it reaches the terminated state.
	EventCallTerminated EventKind = "call-terminated"
	// EventCallTransferStatus reports transfer progress. Transfer.IsFinal marks the last one.
	EventCallTransferStatus EventKind = "call-transfer-status"
	// EventAudioRouteChanged is emitted when the audio route actually changes.
	EventAudioRouteChanged EventKind = "audio-route-changed"
)

// Event is a host-visible state change. Account, Call and Route are snapshots taken
// right after the transition; only the one matching Kind is set.
type Event struct {
	Kind EventKind `json:"kind"`
	// Seq increases by one for every event of the same entity.
	Seq uint64 `json:"seq"`

	Account *AccountInfo `json:"account,omitempty"`
	Call    *CallInfo    `json:"call,omitempty"`
	Route   AudioRoute   `json:"route,omitempty"`
}

// JSON encodes the event for a host bridge.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// emitter delivers events in the order they were posted, on a single goroutine,
// outside of any registry lock.
//
// post is called with registry locks held: mu is a leaf lock and post never blocks.
type emitter struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}

	deliver func(context.Context, Event)
	metrics *metrics
}

func newEmitter(deliver func(context.Context, Event), m *metrics) *emitter {
	return &emitter{
		wake:    make(chan struct{}, 1),
		deliver: deliver,
		metrics: m,
	}
}

func (em *emitter) post(ev Event) {
	em.mu.Lock()
	if em.closed {
		em.mu.Unlock()
		return
	}
	em.queue = append(em.queue, ev)
	em.mu.Unlock()

	select {
	case em.wake <- struct{}{}:
	default:
	}
}

func (em *emitter) take() []Event {
	em.mu.Lock()
	defer em.mu.Unlock()
	batch := em.queue
	em.queue = nil
	return batch
}

// run delivers events until ctx is cancelled, then flushes what is left and stops
// accepting new events.
func (em *emitter) run(ctx context.Context) {
	for {
		for _, ev := range em.take() {
			em.deliverOne(ctx, ev)
		}

		select {
		case <-em.wake:
		case <-ctx.Done():
			em.mu.Lock()
			em.closed = true
			rest := em.queue
			em.queue = nil
			em.mu.Unlock()
			for _, ev := range rest {
				em.deliverOne(ctx, ev)
			}
			return
		}
	}
}

func (em *emitter) deliverOne(ctx context.Context, ev Event) {
	em.metrics.events.WithLabelValues(string(ev.Kind)).Inc()
	em.deliver(ctx, ev)
}
