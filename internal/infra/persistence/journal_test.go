package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cowanweks/ctrader-go/internal/infra/persistence/postgres"
	"github.com/cowanweks/ctrader-go/pkg/ctrader"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

type captureWriter struct {
	mu      sync.Mutex
	batches []postgres.Batch
	err     error
}

func (w *captureWriter) WriteBatch(_ context.Context, b postgres.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, b)
	return nil
}

func (w *captureWriter) snapshot() []postgres.Batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]postgres.Batch(nil), w.batches...)
}

type staticSubs struct {
	mu   sync.Mutex
	subs []session.Subscription
}

func (s *staticSubs) Subscriptions() []session.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Subscription(nil), s.subs...)
}

func (s *staticSubs) set(subs ...session.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = subs
}

func change(from, to session.State) session.StateChange {
	return session.StateChange{From: from, To: to, At: time.Now()}
}

func TestJournalFlushesWhenBatchIsFull(t *testing.T) {
	w := &captureWriter{}
	j := NewJournal(w, Config{BatchSize: 2, FlushInterval: time.Hour})

	changes := make(chan session.StateChange, 3)
	changes <- change(session.Disconnected, session.Connecting)
	changes <- change(session.Connecting, session.Reconnecting)
	changes <- change(session.Reconnecting, session.Connecting)
	close(changes)

	j.Run(context.Background(), changes)

	batches := w.snapshot()
	require.Len(t, batches, 2)
	require.Len(t, batches[0].Transitions, 2)
	require.Len(t, batches[1].Transitions, 1, "remainder is flushed when the stream ends")
	require.EqualValues(t, 3, j.Written())
}

func TestJournalFlushesImmediatelyOnReady(t *testing.T) {
	w := &captureWriter{}
	j := NewJournal(w, Config{BatchSize: 100, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan session.StateChange)
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx, changes)
	}()

	connID := uuid.New()
	changes <- session.StateChange{From: session.Authenticating, To: session.Ready, ConnID: connID.String()}
	require.Eventually(t, func() bool { return len(w.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	row := w.snapshot()[0].Transitions[0]
	require.Equal(t, "ready", row.To)
	require.Equal(t, connID, row.ConnID)
}

func TestJournalFlushesOnInterval(t *testing.T) {
	w := &captureWriter{}
	j := NewJournal(w, Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan session.StateChange)
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx, changes)
	}()

	changes <- change(session.Ready, session.Reconnecting)
	require.Eventually(t, func() bool { return len(w.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestJournalMirrorsSubscriptionsOnlyWhenTracking(t *testing.T) {
	w := &captureWriter{}
	src := &staticSubs{}
	j := NewJournal(w, Config{BatchSize: 100, FlushInterval: 5 * time.Millisecond}, WithSubscriptions(src))

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan session.StateChange)
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx, changes)
	}()

	changes <- change(session.Authenticating, session.Ready)
	require.Eventually(t, func() bool { return len(w.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.False(t, w.snapshot()[0].ReplaceSubscriptions, "the set is left alone before tracking starts")

	src.set(ctrader.SpotSubscription(1, 2))
	j.TrackSubscriptions()
	require.Eventually(t, func() bool { return len(w.snapshot()) == 2 }, time.Second, time.Millisecond)
	mirrored := w.snapshot()[1]
	require.True(t, mirrored.ReplaceSubscriptions)
	require.Equal(t, []session.Subscription{ctrader.SpotSubscription(1, 2)}, []session.Subscription{mirrored.Subscriptions[0].Subscription()})

	time.Sleep(30 * time.Millisecond)
	require.Len(t, w.snapshot(), 2, "an unchanged set is not rewritten")

	src.set()
	require.Eventually(t, func() bool { return len(w.snapshot()) == 3 }, time.Second, time.Millisecond)
	cleared := w.snapshot()[2]
	require.True(t, cleared.ReplaceSubscriptions)
	require.Empty(t, cleared.Subscriptions)

	cancel()
	<-done
}

func TestJournalCountsFailedTransitionsAndRetriesSnapshot(t *testing.T) {
	w := &captureWriter{err: errors.New("db down")}
	src := &staticSubs{subs: []session.Subscription{ctrader.SpotSubscription(1, 1)}}
	j := NewJournal(w, Config{BatchSize: 1}, WithSubscriptions(src))
	j.TrackSubscriptions()

	changes := make(chan session.StateChange, 2)
	changes <- change(session.Disconnected, session.Connecting)
	changes <- change(session.Connecting, session.Authenticating)
	close(changes)
	j.Run(context.Background(), changes)

	require.EqualValues(t, 2, j.Failed())
	require.Zero(t, j.Written())

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	j.flush()
	batches := w.snapshot()
	require.Len(t, batches, 1)
	require.True(t, batches[0].ReplaceSubscriptions, "a dropped snapshot is written again")
}
