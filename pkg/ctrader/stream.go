package ctrader

import (
	"sync"
	"sync/atomic"

	"github.com/cowanweks/ctrader-go/pkg/observability"
	"github.com/cowanweks/ctrader-go/pkg/openapi"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

type unmarshaler[T any] interface {
	*T
	Unmarshal(b []byte) error
}

// Stream delivers decoded push events of one type.
type Stream[T any] struct {
	listener     *session.Listener
	ch           chan T
	done         chan struct{}
	once         sync.Once
	decodeErrors atomic.Uint64
}

func newStream[T any, P unmarshaler[T]](l *session.Listener, log observability.Logger) *Stream[T] {
	s := &Stream[T]{listener: l, ch: make(chan T), done: make(chan struct{})}
	go func() {
		defer close(s.ch)
		for f := range l.C() {
			var v T
			if err := P(&v).Unmarshal(f.Payload); err != nil {
				s.decodeErrors.Add(1)
				log.Warn("dropping undecodable event",
					observability.F("payload_type", openapi.TypeName(f.PayloadType)),
					observability.F("error", err))
				continue
			}
			select {
			case s.ch <- v:
			case <-s.done:
				return
			}
		}
	}()
	return s
}

// C returns the event channel. It closes with the stream or the client.
func (s *Stream[T]) C() <-chan T { return s.ch }

// Close detaches the stream.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		s.listener.Close()
	})
}

// Dropped reports events lost to listener overflow.
func (s *Stream[T]) Dropped() uint64 { return s.listener.Dropped() }

// DecodeErrors reports events skipped because their payload did not decode.
func (s *Stream[T]) DecodeErrors() uint64 { return s.decodeErrors.Load() }

// Err reports why the underlying listener was closed, or nil.
func (s *Stream[T]) Err() error { return s.listener.Err() }
