package session

import (
	"context"
	"iter"
	"sync"
	"time"
)

// State is the connection lifecycle position of an Engine.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange describes one transition.
type StateChange struct {
	From   State
	To     State
	Err    error
	At     time.Time
	ConnID string
}

// StateListener receives state transitions in order. Slow readers lose the oldest entries.
type StateListener struct {
	ch  chan StateChange
	hub *stateHub
}

// C returns the notification channel; it is closed when the listener or the engine closes.
func (l *StateListener) C() <-chan StateChange { return l.ch }

// Close detaches the listener.
func (l *StateListener) Close() {
	l.hub.remove(l)
}

// All yields transitions until ctx ends or the listener closes.
func (l *StateListener) All(ctx context.Context) iter.Seq[StateChange] {
	return func(yield func(StateChange) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-l.ch:
				if !ok || !yield(change) {
					return
				}
			}
		}
	}
}

type stateHub struct {
	mu        sync.Mutex
	buffer    int
	listeners map[*StateListener]struct{}
	closed    bool
}

func newStateHub(buffer int) *stateHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &stateHub{buffer: buffer, listeners: make(map[*StateListener]struct{})}
}

func (h *stateHub) subscribe() *StateListener {
	l := &StateListener{ch: make(chan StateChange, h.buffer), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(l.ch)
		return l
	}
	h.listeners[l] = struct{}{}
	return l
}

func (h *stateHub) remove(l *StateListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[l]; !ok {
		return
	}
	delete(h.listeners, l)
	close(l.ch)
}

// publish never blocks; when a listener is full its oldest entry is evicted.
func (h *stateHub) publish(change StateChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.listeners {
		for {
			select {
			case l.ch <- change:
			default:
				select {
				case <-l.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (h *stateHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for l := range h.listeners {
		delete(h.listeners, l)
		close(l.ch)
	}
}
