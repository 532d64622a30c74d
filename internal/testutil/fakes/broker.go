package fakes

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/cowanweks/ctrader-go/pkg/frame"
	"github.com/cowanweks/ctrader-go/pkg/transport"
)

// ErrDialRefused is returned by the broker dialer while dials are being refused.
var ErrDialRefused = errors.New("fakes: dial refused")

// Handler reacts to one frame received by the broker.
type Handler func(c *BrokerConn, f frame.Frame)

// Received is a frame observed by the broker together with the connection index.
type Received struct {
	Conn  int
	Frame frame.Frame
}

// Broker is an in-memory broker reachable through net.Pipe connections.
type Broker struct {
	mu        sync.Mutex
	handler   Handler
	conns     []*BrokerConn
	received  []Received
	refuse    int
	dials     int
	connected chan *BrokerConn
	notify    chan struct{}
}

// NewBroker returns a broker that answers every correlated request with
// payload type request+1 unless a handler is installed.
func NewBroker() *Broker {
	return &Broker{
		handler:   EchoNext,
		connected: make(chan *BrokerConn, 256),
		notify:    make(chan struct{}, 1),
	}
}

// EchoNext replies to correlated frames with payload type+1 and an empty payload.
func EchoNext(c *BrokerConn, f frame.Frame) {
	if !f.HasClientMsgID {
		return
	}
	_ = c.Reply(f, f.PayloadType+1, nil)
}

// Handle installs h for frames received from now on.
func (b *Broker) Handle(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// RefuseDials makes the next n dials fail.
func (b *Broker) RefuseDials(n int) {
	b.mu.Lock()
	b.refuse = n
	b.mu.Unlock()
}

// Dials reports how many dials were attempted.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Dialer returns a transport.Dialer connected to this broker.
func (b *Broker) Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, _ string) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.dials++
		if b.refuse > 0 {
			b.refuse--
			b.mu.Unlock()
			return nil, ErrDialRefused
		}
		client, server := net.Pipe()
		bc := &BrokerConn{broker: b, index: len(b.conns), conn: server, closed: make(chan struct{})}
		b.conns = append(b.conns, bc)
		b.mu.Unlock()

		go bc.serve()
		b.connected <- bc
		return client, nil
	})
}

// Accept waits for the next connection established through the dialer.
func (b *Broker) Accept(ctx context.Context) (*BrokerConn, error) {
	select {
	case c := <-b.connected:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Received returns every frame observed so far.
func (b *Broker) Received() []Received {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Received, len(b.received))
	copy(out, b.received)
	return out
}

// ReceivedOfType returns observed frames with the given payload type.
func (b *Broker) ReceivedOfType(payloadType uint32) []Received {
	var out []Received
	for _, r := range b.Received() {
		if r.Frame.PayloadType == payloadType {
			out = append(out, r)
		}
	}
	return out
}

// Changed returns a channel signalled whenever a frame is observed.
func (b *Broker) Changed() <-chan struct{} { return b.notify }

func (b *Broker) record(c *BrokerConn, f frame.Frame) Handler {
	b.mu.Lock()
	b.received = append(b.received, Received{Conn: c.index, Frame: f})
	h := b.handler
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return h
}

// BrokerConn is the broker side of one client connection.
type BrokerConn struct {
	broker *Broker
	index  int
	conn   net.Conn

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// Index is the zero-based order in which the connection was accepted.
func (c *BrokerConn) Index() int { return c.index }

// Done is closed when the connection ends.
func (c *BrokerConn) Done() <-chan struct{} { return c.closed }

func (c *BrokerConn) serve() {
	defer c.Close()
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				f, consumed, derr := frame.Decode(buf, 0)
				if errors.Is(derr, frame.ErrIncomplete) {
					break
				}
				if derr != nil {
					return
				}
				buf = buf[consumed:]
				if h := c.broker.record(c, f); h != nil {
					h(c, f)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Send writes an encoded frame to the client.
func (c *BrokerConn) Send(f frame.Frame) error {
	data, err := frame.EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

// Push sends an uncorrelated frame.
func (c *BrokerConn) Push(payloadType uint32, payload []byte) error {
	return c.Send(frame.Frame{PayloadType: payloadType, Payload: payload})
}

// Reply answers req with the given payload type, echoing its client message id.
func (c *BrokerConn) Reply(req frame.Frame, payloadType uint32, payload []byte) error {
	return c.Send(frame.Frame{
		PayloadType:    payloadType,
		Payload:        payload,
		ClientMsgID:    req.ClientMsgID,
		HasClientMsgID: req.HasClientMsgID,
	})
}

// WriteRaw writes bytes verbatim, used to inject malformed input.
func (c *BrokerConn) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// Close drops the connection.
func (c *BrokerConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
