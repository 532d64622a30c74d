package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cowanweks/ctrader-go/pkg/frame"
)

func push(t uint32, b byte) frame.Frame {
	return frame.Frame{PayloadType: t, Payload: []byte{b}}
}

func TestDispatcherFansOutByFilter(t *testing.T) {
	d := NewDispatcher(8, DropNewest)
	spots1 := d.Subscribe(Types(2131))
	spots2 := d.Subscribe(Types(2131, 2126))
	execs := d.Subscribe(Types(2126))
	all := d.Subscribe(nil)

	require.Equal(t, 3, d.Dispatch(push(2131, 1)))
	require.Equal(t, 3, d.Dispatch(push(2126, 2)))
	require.Equal(t, 1, d.Dispatch(push(9999, 3)))

	require.Equal(t, byte(1), (<-spots1.C()).Payload[0])
	require.Equal(t, byte(1), (<-spots2.C()).Payload[0])
	require.Equal(t, byte(2), (<-spots2.C()).Payload[0])
	require.Equal(t, byte(2), (<-execs.C()).Payload[0])
	require.Len(t, all.C(), 3)
	require.Len(t, spots1.C(), 0)
	require.Zero(t, d.Unrouted())
}

func TestDispatcherCountsUnrouted(t *testing.T) {
	d := NewDispatcher(8, DropNewest)
	d.Subscribe(Types(2131))
	require.Equal(t, 0, d.Dispatch(push(2126, 1)))
	require.Equal(t, uint64(1), d.Unrouted())
}

func TestDispatcherPreservesWireOrder(t *testing.T) {
	d := NewDispatcher(128, DropNewest)
	l := d.Subscribe(Types(2131))
	for i := 0; i < 100; i++ {
		d.Dispatch(push(2131, byte(i)))
	}
	for i := 0; i < 100; i++ {
		f := <-l.C()
		if f.Payload[0] != byte(i) {
			t.Fatalf("position %d: got %d", i, f.Payload[0])
		}
	}
}

func TestDispatcherSlowListenerDoesNotBlockOthers(t *testing.T) {
	d := NewDispatcher(2, DropNewest)
	slow := d.Subscribe(nil)
	fast := d.Subscribe(nil, WithBuffer(64))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			d.Dispatch(push(1, byte(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch blocked on a full listener")
	}
	require.Len(t, fast.C(), 50)
	require.Len(t, slow.C(), 2)
	require.Equal(t, uint64(48), slow.Dropped())
	require.Equal(t, uint64(48), d.Dropped())
}

func TestDispatcherDropNewestKeepsHead(t *testing.T) {
	d := NewDispatcher(2, DropNewest)
	l := d.Subscribe(nil)
	for i := 0; i < 4; i++ {
		d.Dispatch(push(1, byte(i)))
	}
	require.Equal(t, byte(0), (<-l.C()).Payload[0])
	require.Equal(t, byte(1), (<-l.C()).Payload[0])
}

func TestDispatcherDropOldestKeepsTail(t *testing.T) {
	d := NewDispatcher(2, DropNewest)
	l := d.Subscribe(nil, WithOverflowPolicy(DropOldest))
	for i := 0; i < 4; i++ {
		require.Equal(t, 1, d.Dispatch(push(1, byte(i))))
	}
	require.Equal(t, byte(2), (<-l.C()).Payload[0])
	require.Equal(t, byte(3), (<-l.C()).Payload[0])
	require.Equal(t, uint64(2), l.Dropped())
}

func TestDispatcherCloseListenerPolicy(t *testing.T) {
	d := NewDispatcher(1, CloseListener)
	l := d.Subscribe(nil)
	d.Dispatch(push(1, 1))
	d.Dispatch(push(1, 2))

	require.Equal(t, byte(1), (<-l.C()).Payload[0])
	_, ok := <-l.C()
	require.False(t, ok)
	require.ErrorIs(t, l.Err(), ErrListenerOverflow)
	require.Zero(t, d.Len())
}

func TestDispatcherCloseReleasesListeners(t *testing.T) {
	d := NewDispatcher(4, DropNewest)
	l := d.Subscribe(nil)
	d.Close()
	_, ok := <-l.C()
	require.False(t, ok)
	require.ErrorIs(t, l.Err(), ErrDispatcherClosed)

	late := d.Subscribe(nil)
	_, ok = <-late.C()
	require.False(t, ok)
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(4, DropNewest)
	l := d.Subscribe(nil)
	l.Close()
	l.Close()
	require.NoError(t, l.Err())
	require.Equal(t, 0, d.Dispatch(push(1, 1)))
}

func TestListenerAllStopsOnContext(t *testing.T) {
	d := NewDispatcher(4, DropNewest)
	l := d.Subscribe(nil)
	d.Dispatch(push(1, 1))
	d.Dispatch(push(1, 2))

	ctx, cancel := context.WithCancel(context.Background())
	var got []byte
	for f := range l.All(ctx) {
		got = append(got, f.Payload[0])
		if len(got) == 2 {
			cancel()
		}
	}
	require.Equal(t, []byte{1, 2}, got)
}
