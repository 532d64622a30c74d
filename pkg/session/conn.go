package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/internal/infra/telemetry"
	"github.com/cowanweks/ctrader-go/pkg/frame"
	"github.com/cowanweks/ctrader-go/pkg/observability"
)

type writeRequest struct {
	data        []byte
	payloadType uint32
	done        chan error
}

// connection is one transport epoch: a reader, a single writer and a heartbeat ticker.
type connection struct {
	id     string
	rw     io.ReadWriteCloser
	writes chan writeRequest
	closed chan struct{}

	once  sync.Once
	cause error
	wg    conc.WaitGroup
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func newConnection(id string, rw io.ReadWriteCloser) *connection {
	return &connection{
		id:     id,
		rw:     rw,
		writes: make(chan writeRequest),
		closed: make(chan struct{}),
	}
}

// fail closes the connection once, remembering the first cause.
func (c *connection) fail(cause error) {
	c.once.Do(func() {
		c.cause = cause
		close(c.closed)
		_ = c.rw.Close()
	})
}

// err returns the first failure cause; valid after closed is closed.
func (c *connection) err() error {
	<-c.closed
	return c.cause
}

func (c *connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// write hands data to the writer goroutine and waits for the write to finish.
func (c *connection) write(ctx context.Context, payloadType uint32, data []byte) error {
	req := writeRequest{data: data, payloadType: payloadType, done: make(chan error, 1)}
	select {
	case c.writes <- req:
	case <-c.closed:
		return connectionLost(c.cause)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := <-req.done; err != nil {
		return connectionLost(err)
	}
	return nil
}

func (e *Engine) startConnection(c *connection) {
	c.wg.Go(func() { e.writeLoop(c) })
	c.wg.Go(func() { e.readLoop(c) })
	c.wg.Go(func() { e.heartbeatLoop(c) })
}

func (e *Engine) writeLoop(c *connection) {
	deadliner, _ := c.rw.(writeDeadliner)
	for {
		select {
		case <-c.closed:
			return
		case req := <-c.writes:
			if deadliner != nil {
				_ = deadliner.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
			}
			_, err := c.rw.Write(req.data)
			if err != nil {
				wrapped := errs.New("transport", errs.CodeTransport, errs.WithMessage("write failed"), errs.WithCause(err))
				req.done <- wrapped
				c.fail(wrapped)
				return
			}
			e.heartbeat.MarkSent(e.now())
			e.metrics.recordFrame(context.Background(), req.payloadType, telemetry.DirectionOutbound)
			req.done <- nil
		}
	}
}

func (e *Engine) readLoop(c *connection) {
	chunk := make([]byte, e.cfg.ReadBufferSize)
	var buf []byte
	for {
		n, err := c.rw.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			offset := 0
			for {
				f, consumed, derr := frame.Decode(buf[offset:], e.cfg.MaxFrameSize)
				if errors.Is(derr, frame.ErrIncomplete) {
					break
				}
				if derr != nil {
					e.log.Error("framing error", observability.F("conn_id", c.id), observability.F("error", derr))
					c.fail(derr)
					return
				}
				offset += consumed
				e.heartbeat.MarkReceived(e.now())
				e.handleInbound(c, f)
			}
			if offset > 0 {
				buf = append(buf[:0], buf[offset:]...)
			}
		}
		if err != nil {
			if c.isClosed() {
				return
			}
			var cause error = errs.New("transport", errs.CodeTransport, errs.WithMessage("read failed"), errs.WithCause(err))
			if errors.Is(err, io.EOF) {
				cause = errs.New("transport", errs.CodeTransport, errs.WithMessage("broker closed the connection"), errs.WithCause(err))
			}
			c.fail(cause)
			return
		}
	}
}

func (e *Engine) heartbeatLoop(c *connection) {
	ticker := time.NewTicker(e.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			send, dead := e.heartbeat.Tick(e.now())
			if dead {
				e.log.Warn("heartbeat timeout",
					observability.F("conn_id", c.id),
					observability.F("last_received", e.heartbeat.LastReceived()))
				c.fail(errs.New("session", errs.CodeTimeout,
					errs.WithMessage("no inbound traffic within "+e.cfg.DeadInterval.String())))
				return
			}
			if !send {
				continue
			}
			data, err := frame.Encode(e.heartbeatType, nil, 0, false)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
			err = c.write(ctx, e.heartbeatType, data)
			cancel()
			if err == nil {
				e.metrics.recordHeartbeat(context.Background())
			}
		}
	}
}

func connectionLost(cause error) error {
	opts := []errs.Option{errs.WithMessage("connection lost")}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("session", errs.CodeConnectionLost, opts...)
}
