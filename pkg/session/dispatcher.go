package session

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/cowanweks/ctrader-go/pkg/frame"
)

var (
	// ErrListenerOverflow is reported by a listener closed under the CloseListener policy.
	ErrListenerOverflow = errors.New("session: listener buffer overflow")
	// ErrDispatcherClosed is reported by listeners closed because the engine shut down.
	ErrDispatcherClosed = errors.New("session: dispatcher closed")
)

// Filter selects payload types; an empty filter matches every frame.
type Filter map[uint32]struct{}

// Types builds a Filter from payload types.
func Types(types ...uint32) Filter {
	f := make(Filter, len(types))
	for _, t := range types {
		f[t] = struct{}{}
	}
	return f
}

func (f Filter) match(payloadType uint32) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[payloadType]
	return ok
}

// ListenerOption customises a listener.
type ListenerOption func(*listenerOptions)

type listenerOptions struct {
	buffer int
	policy OverflowPolicy
}

// WithBuffer overrides the listener channel capacity.
func WithBuffer(n int) ListenerOption {
	return func(o *listenerOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithOverflowPolicy overrides the listener overflow policy.
func WithOverflowPolicy(p OverflowPolicy) ListenerOption {
	return func(o *listenerOptions) {
		switch p {
		case DropNewest, DropOldest, CloseListener:
			o.policy = p
		}
	}
}

// Listener receives dispatched frames in wire order.
type Listener struct {
	filter Filter
	policy OverflowPolicy
	owner  *Dispatcher

	mu      sync.Mutex
	ch      chan frame.Frame
	closed  bool
	err     error
	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed when the listener closes.
func (l *Listener) C() <-chan frame.Frame { return l.ch }

// Dropped reports frames lost to overflow.
func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

// Err reports why the listener was closed by the dispatcher, or nil.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close detaches the listener and closes its channel.
func (l *Listener) Close() {
	l.owner.Unsubscribe(l)
}

// All yields frames until ctx ends or the listener closes.
func (l *Listener) All(ctx context.Context) iter.Seq[frame.Frame] {
	return func(yield func(frame.Frame) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-l.ch:
				if !ok || !yield(f) {
					return
				}
			}
		}
	}
}

func (l *Listener) shut(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	l.err = err
	close(l.ch)
	return true
}

// offer delivers without blocking. lost counts frames discarded by the overflow
// policy; overflowed means the listener must be closed.
func (l *Listener) offer(f frame.Frame) (delivered bool, lost int, overflowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, 0, false
	}
	select {
	case l.ch <- f:
		return true, 0, false
	default:
	}
	switch l.policy {
	case DropOldest:
		select {
		case <-l.ch:
			lost++
		default:
		}
		select {
		case l.ch <- f:
			delivered = true
		default:
			lost++
		}
	case CloseListener:
		lost, overflowed = 1, true
	default:
		lost = 1
	}
	l.dropped.Add(uint64(lost))
	return delivered, lost, overflowed
}

// Dispatcher fans unsolicited frames out to listeners without ever blocking the caller.
type Dispatcher struct {
	buffer int
	policy OverflowPolicy

	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	closed    bool

	dropped  atomic.Uint64
	unrouted atomic.Uint64
	onDrop   func(n int)
}

// NewDispatcher creates a dispatcher with default listener settings.
func NewDispatcher(buffer int, policy OverflowPolicy) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultConfig().ListenerBuffer
	}
	if policy == "" {
		policy = DropNewest
	}
	return &Dispatcher{buffer: buffer, policy: policy, listeners: make(map[*Listener]struct{})}
}

// Subscribe registers a listener for frames matching filter.
func (d *Dispatcher) Subscribe(filter Filter, opts ...ListenerOption) *Listener {
	o := listenerOptions{buffer: d.buffer, policy: d.policy}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	l := &Listener{
		filter: filter,
		policy: o.policy,
		owner:  d,
		ch:     make(chan frame.Frame, o.buffer),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		l.shut(ErrDispatcherClosed)
		return l
	}
	d.listeners[l] = struct{}{}
	return l
}

// Unsubscribe detaches l and closes its channel.
func (d *Dispatcher) Unsubscribe(l *Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	delete(d.listeners, l)
	d.mu.Unlock()
	l.shut(nil)
}

// Dispatch offers f to every matching listener and returns how many accepted it.
func (d *Dispatcher) Dispatch(f frame.Frame) int {
	d.mu.RLock()
	matched, delivered, lost := 0, 0, 0
	var overflowed []*Listener
	for l := range d.listeners {
		if !l.filter.match(f.PayloadType) {
			continue
		}
		matched++
		ok, n, overflow := l.offer(f)
		if ok {
			delivered++
		}
		lost += n
		if overflow {
			overflowed = append(overflowed, l)
		}
	}
	d.mu.RUnlock()

	if matched == 0 {
		d.unrouted.Add(1)
	}
	if lost > 0 {
		d.dropped.Add(uint64(lost))
		if d.onDrop != nil {
			d.onDrop(lost)
		}
	}
	if len(overflowed) > 0 {
		d.mu.Lock()
		for _, l := range overflowed {
			delete(d.listeners, l)
		}
		d.mu.Unlock()
		for _, l := range overflowed {
			l.shut(ErrListenerOverflow)
		}
	}
	return delivered
}

// Dropped reports frames lost to listener overflow across all listeners.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Unrouted reports frames that matched no listener.
func (d *Dispatcher) Unrouted() uint64 { return d.unrouted.Load() }

// Len reports the number of attached listeners.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// Close closes every listener; later subscriptions are returned already closed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	listeners := d.listeners
	d.listeners = make(map[*Listener]struct{})
	d.mu.Unlock()
	for l := range listeners {
		l.shut(ErrDispatcherClosed)
	}
}
