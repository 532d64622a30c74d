package session

import (
	"fmt"
	"sync"
)

// Kind names a class of broker push stream.
type Kind string

const (
	KindSpot         Kind = "spot"
	KindDepth        Kind = "depth"
	KindLiveTrendbar Kind = "live_trendbar"
	KindExecution    Kind = "execution"
)

// Key identifies a stream within its kind. Period is used by live trendbars only.
type Key struct {
	AccountID int64
	SymbolID  int64
	Period    int32
}

// Subscription is one push stream the session must keep alive across reconnects.
type Subscription struct {
	Kind Kind
	Key  Key
}

func (s Subscription) String() string {
	if s.Key.Period != 0 {
		return fmt.Sprintf("%s/%d/%d/%d", s.Kind, s.Key.AccountID, s.Key.SymbolID, s.Key.Period)
	}
	return fmt.Sprintf("%s/%d/%d", s.Kind, s.Key.AccountID, s.Key.SymbolID)
}

// Registry is the ordered set of acknowledged subscriptions. It never touches the transport.
type Registry struct {
	mu    sync.RWMutex
	index map[Subscription]struct{}
	order []Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[Subscription]struct{})}
}

// Add inserts sub and reports whether it was new.
func (r *Registry) Add(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[sub]; ok {
		return false
	}
	r.index[sub] = struct{}{}
	r.order = append(r.order, sub)
	return true
}

// Remove deletes sub and reports whether it was present.
func (r *Registry) Remove(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[sub]; !ok {
		return false
	}
	delete(r.index, sub)
	for i, s := range r.order {
		if s == sub {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether sub is registered.
func (r *Registry) Contains(sub Subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[sub]
	return ok
}

// RemoveWhere deletes every subscription matching pred and returns the count.
func (r *Registry) RemoveWhere(pred func(Subscription) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.order[:0]
	removed := 0
	for _, s := range r.order {
		if pred(s) {
			delete(r.index, s)
			removed++
			continue
		}
		kept = append(kept, s)
	}
	clear(r.order[len(kept):])
	r.order = kept
	return removed
}

// Snapshot returns the subscriptions in insertion order.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
