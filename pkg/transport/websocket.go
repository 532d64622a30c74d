package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/frame"
)

// DefaultWebSocketReadLimit caps one inbound websocket message.
const DefaultWebSocketReadLimit = 8 * 1024 * 1024

// WebSocketDialer speaks the Open API over websocket, one bare envelope per binary
// message. The returned stream still carries length-prefixed frames: the prefix is
// stripped on write and added back on read.
//
// address may be a full ws:// or wss:// URL, or host:port in which case wss is assumed.
type WebSocketDialer struct {
	Path       string
	ReadLimit  int64
	HTTPClient *http.Client
	Header     http.Header
}

// Dial performs the websocket handshake and exposes the connection as a byte stream.
func (d WebSocketDialer) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	url := d.url(address)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, dialError(url, err)
	}
	limit := d.ReadLimit
	if limit == 0 {
		limit = DefaultWebSocketReadLimit
	}
	conn.SetReadLimit(limit)
	return newMessageConn(conn), nil
}

func (d WebSocketDialer) url(address string) string {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "ws://") && !strings.HasPrefix(address, "wss://") {
		address = "wss://" + address
	}
	if path := strings.TrimSpace(d.Path); path != "" {
		address = strings.TrimRight(address, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return address
}

// messageConn maps the length-prefixed stream onto websocket messages.
// One goroutine may read while another writes.
type messageConn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	readBuf []byte

	writeMu  sync.Mutex
	writeBuf []byte
	deadline time.Time
}

func newMessageConn(ws *websocket.Conn) *messageConn {
	// The stream outlives the dial context; Close ends it.
	ctx, cancel := context.WithCancel(context.Background())
	return &messageConn{ws: ws, ctx: ctx, cancel: cancel}
}

// Read returns the next message with its length prefix restored.
func (c *messageConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		typ, msg, err := c.ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return 0, io.EOF
			}
			return 0, err
		}
		if typ != websocket.MessageBinary {
			return 0, errs.New("transport", errs.CodeFraming, errs.WithMessage("unexpected text message"))
		}
		buf := make([]byte, frame.LengthPrefixSize+len(msg))
		binary.BigEndian.PutUint32(buf, uint32(len(msg)))
		copy(buf[frame.LengthPrefixSize:], msg)
		c.readBuf = buf
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write buffers p and sends every complete frame as one binary message without its prefix.
func (c *messageConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeBuf = append(c.writeBuf, p...)
	for {
		size, ok := frame.DeclaredLength(c.writeBuf)
		if !ok || len(c.writeBuf) < frame.LengthPrefixSize+size {
			break
		}
		end := frame.LengthPrefixSize + size
		if err := c.send(c.writeBuf[frame.LengthPrefixSize:end]); err != nil {
			c.writeBuf = c.writeBuf[:0]
			return 0, err
		}
		c.writeBuf = append(c.writeBuf[:0], c.writeBuf[end:]...)
	}
	return len(p), nil
}

func (c *messageConn) send(msg []byte) error {
	ctx := c.ctx
	if !c.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, c.deadline)
		defer cancel()
	}
	return c.ws.Write(ctx, websocket.MessageBinary, msg)
}

// SetWriteDeadline bounds subsequent writes.
func (c *messageConn) SetWriteDeadline(t time.Time) error {
	c.writeMu.Lock()
	c.deadline = t
	c.writeMu.Unlock()
	return nil
}

// Close performs the closing handshake and releases the connection.
func (c *messageConn) Close() error {
	defer c.cancel()
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
