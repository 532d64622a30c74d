// Package persistence journals session state into durable storage so a restarted
// process can see how the previous session ended and resume its subscriptions.
package persistence

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cowanweks/ctrader-go/internal/infra/persistence/postgres"
	"github.com/cowanweks/ctrader-go/pkg/observability"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

// Writer persists one batch of rows.
type Writer interface {
	WriteBatch(ctx context.Context, b postgres.Batch) error
}

// SubscriptionSource reports the live subscription set in insertion order.
type SubscriptionSource interface {
	Subscriptions() []session.Subscription
}

// Config shapes journal batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c *Config) normalise() {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Option customises a Journal.
type Option func(*Journal)

// WithLogger sets the journal logger.
func WithLogger(logger observability.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.log = logger
		}
	}
}

// WithSubscriptions lets the journal snapshot the subscription set once tracking is enabled.
func WithSubscriptions(src SubscriptionSource) Option {
	return func(j *Journal) { j.subs = src }
}

// Journal drains state transitions into a Writer in batches and keeps the stored
// subscription set in step with the live one. A failed batch is logged and dropped.
type Journal struct {
	w    Writer
	cfg  Config
	log  observability.Logger
	subs SubscriptionSource

	tracking atomic.Bool
	last     []session.Subscription
	synced   bool

	pending postgres.Batch
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewJournal builds a journal writing through w.
func NewJournal(w Writer, cfg Config, opts ...Option) *Journal {
	cfg.normalise()
	j := &Journal{w: w, cfg: cfg, log: observability.Log()}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// TrackSubscriptions starts mirroring the subscription set. Until called only transitions
// are written, so a restored set is not overwritten before it has been resubscribed.
func (j *Journal) TrackSubscriptions() { j.tracking.Store(true) }

// Written reports transitions persisted so far.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Failed reports transitions lost to write errors.
func (j *Journal) Failed() uint64 { return j.failed.Load() }

// Run consumes changes until ctx ends or the channel closes, then flushes what is left.
func (j *Journal) Run(ctx context.Context, changes <-chan session.StateChange) {
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()
	defer j.flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.flush()
		case change, ok := <-changes:
			if !ok {
				return
			}
			j.pending.Transitions = append(j.pending.Transitions, postgres.TransitionRowOf(change))
			if change.To == session.Ready || len(j.pending.Transitions) >= j.cfg.BatchSize {
				j.flush()
			}
		}
	}
}

// flush runs on its own deadline so the final batch survives a cancelled run context.
func (j *Journal) flush() {
	j.snapshot()
	if j.pending.Empty() {
		return
	}
	batch := j.pending
	j.pending = postgres.Batch{}
	n := len(batch.Transitions)

	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.WriteTimeout)
	defer cancel()
	if err := j.w.WriteBatch(ctx, batch); err != nil {
		j.failed.Add(uint64(n))
		if batch.ReplaceSubscriptions {
			j.synced = false
		}
		j.log.Error("journal batch dropped",
			observability.F("transitions", n),
			observability.F("error", err))
		return
	}
	j.written.Add(uint64(n))
	j.log.Debug("journal batch written",
		observability.F("transitions", n),
		observability.F("subscriptions_replaced", batch.ReplaceSubscriptions))
}

func (j *Journal) snapshot() {
	if j.subs == nil || !j.tracking.Load() {
		return
	}
	current := j.subs.Subscriptions()
	if j.synced && slices.Equal(current, j.last) {
		return
	}
	j.last = current
	j.synced = true
	j.pending.Subscriptions = postgres.SubscriptionRows(current)
	j.pending.ReplaceSubscriptions = true
}
