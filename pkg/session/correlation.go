package session

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/frame"
)

// ErrorClassifier maps a broker error frame to a protocol error, returning nil for
// frames that are not errors.
type ErrorClassifier func(frame.Frame) error

// Handle is the caller side of a pending request.
type Handle struct {
	id          uint64
	expected    uint32
	hasExpected bool
	issuedAt    time.Time

	table *Correlation
	timer *time.Timer
	done  chan struct{}
	resp  frame.Frame
	err   error
}

// ID returns the client message id allocated to the request.
func (h *Handle) ID() uint64 { return h.id }

// IssuedAt returns the registration time.
func (h *Handle) IssuedAt() time.Time { return h.issuedAt }

// Done is closed once the request completes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome; valid only after Done is closed.
func (h *Handle) Result() (frame.Frame, error) { return h.resp, h.err }

// Wait blocks until completion or until ctx ends. A cancelled wait removes the entry
// and the first late response for its id is dropped.
func (h *Handle) Wait(ctx context.Context) (frame.Frame, error) {
	select {
	case <-h.done:
		return h.resp, h.err
	case <-ctx.Done():
		if h.table.Cancel(h.id) {
			return frame.Frame{}, ctx.Err()
		}
		<-h.done
		return h.resp, h.err
	}
}

func (h *Handle) complete(resp frame.Frame, err error) {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.resp = resp
	h.err = err
	close(h.done)
}

// Correlation maps outstanding client message ids to their waiting callers.
// Every entry completes exactly once: whoever removes it from the table completes it.
type Correlation struct {
	mu        sync.Mutex
	next      uint64
	pending   map[uint64]*Handle
	cancelled map[uint64]struct{}
	order     []uint64
	classify  ErrorClassifier
	now       func() time.Time
}

// maxCancelled bounds how many cancelled ids are remembered for late-response drops.
const maxCancelled = 1024

// NewCorrelation creates an empty table. classify may be nil.
func NewCorrelation(classify ErrorClassifier, now func() time.Time) *Correlation {
	if now == nil {
		now = time.Now
	}
	return &Correlation{
		next:      1,
		pending:   make(map[uint64]*Handle),
		cancelled: make(map[uint64]struct{}),
		classify:  classify,
		now:       now,
	}
}

// Register allocates a fresh id and a pending entry. A positive timeout arms a timer
// that fails the entry with a timeout error.
func (c *Correlation) Register(expectedType uint32, hasExpected bool, timeout time.Duration) *Handle {
	c.mu.Lock()
	id := c.next
	for {
		if _, busy := c.pending[id]; !busy {
			break
		}
		id++
	}
	c.next = id + 1
	h := &Handle{
		id:          id,
		expected:    expectedType,
		hasExpected: hasExpected,
		issuedAt:    c.now(),
		table:       c,
		done:        make(chan struct{}),
	}
	c.pending[id] = h
	if timeout > 0 {
		h.timer = time.AfterFunc(timeout, func() {
			c.Fail(id, errs.New("session", errs.CodeTimeout,
				errs.WithMessage("no response within "+timeout.String()),
				errs.WithField("client_msg_id", strconv.FormatUint(id, 10))))
		})
	}
	c.mu.Unlock()
	return h
}

func (c *Correlation) take(id uint64) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return h, ok
}

// Resolve completes the entry for id with f. Error frames and frames of an unexpected
// type complete it with a protocol error. Unknown ids return false.
func (c *Correlation) Resolve(id uint64, f frame.Frame) bool {
	h, ok := c.take(id)
	if !ok {
		return false
	}
	if c.classify != nil {
		if err := c.classify(f); err != nil {
			h.complete(f, err)
			return true
		}
	}
	if h.hasExpected && f.PayloadType != h.expected {
		h.complete(f, errs.New("session", errs.CodeProtocol,
			errs.WithMessage("unexpected response type"),
			errs.WithField("expected", strconv.FormatUint(uint64(h.expected), 10)),
			errs.WithField("actual", strconv.FormatUint(uint64(f.PayloadType), 10))))
		return true
	}
	h.complete(f, nil)
	return true
}

// Fail completes the entry for id with err. Unknown ids return false.
func (c *Correlation) Fail(id uint64, err error) bool {
	h, ok := c.take(id)
	if !ok {
		return false
	}
	h.complete(frame.Frame{}, err)
	return true
}

// Cancel removes the entry for id and completes it with context.Canceled. The id is
// remembered so that TakeCancelled can recognise its late response.
func (c *Correlation) Cancel(id uint64) bool {
	c.mu.Lock()
	h, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.rememberCancelled(id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	h.complete(frame.Frame{}, context.Canceled)
	return true
}

// TakeCancelled reports whether id belongs to a cancelled request whose response has
// not arrived yet, and forgets it. Only the first frame for such an id matches.
func (c *Correlation) TakeCancelled(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cancelled[id]; !ok {
		return false
	}
	delete(c.cancelled, id)
	return true
}

func (c *Correlation) rememberCancelled(id uint64) {
	if len(c.order) >= maxCancelled {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cancelled, oldest)
	}
	c.order = append(c.order, id)
	c.cancelled[id] = struct{}{}
}

// FailAll completes every outstanding entry with err and returns how many there were.
func (c *Correlation) FailAll(err error) int {
	c.mu.Lock()
	drained := make([]*Handle, 0, len(c.pending))
	for id, h := range c.pending {
		drained = append(drained, h)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for _, h := range drained {
		h.complete(frame.Frame{}, err)
	}
	return len(drained)
}

// Len reports the number of outstanding entries.
func (c *Correlation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Outstanding lists outstanding ids in ascending order.
func (c *Correlation) Outstanding() []uint64 {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	slices.Sort(ids)
	return ids
}
