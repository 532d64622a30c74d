// Package session implements the protocol session engine: connection lifecycle,
// request correlation, heartbeat keep-alive, subscription replay and push fan-out
// over a single multiplexed broker connection.
package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/internal/infra/telemetry"
	"github.com/cowanweks/ctrader-go/pkg/frame"
	"github.com/cowanweks/ctrader-go/pkg/observability"
	"github.com/cowanweks/ctrader-go/pkg/transport"
)

// Engine owns one logical broker session and keeps it alive across reconnects.
type Engine struct {
	cfg    Config
	dialer transport.Dialer

	log           observability.Logger
	now           func() time.Time
	auth          Authenticator
	protocol      SubscriptionProtocol
	classifyErr   ErrorClassifier
	isDisconnect  DisconnectClassifier
	isHistorical  func(uint32) bool
	heartbeatType uint32
	meter         metric.Meter
	metrics       *engineMetrics

	table      *Correlation
	registry   *Registry
	dispatcher *Dispatcher
	states     *stateHub
	heartbeat  *Heartbeat
	general    *rate.Limiter
	historical *rate.Limiter

	// subMu orders registry mutations that follow a wire acknowledgment against replay.
	subMu sync.RWMutex

	mu      sync.Mutex
	state   State
	conn    *connection
	readyCh chan struct{}
	waiting int
	started bool
	fatal   error

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
	finishOnce   sync.Once
	supervisor   conc.WaitGroup
}

// New builds an engine. It does not connect until Start or Connect is called.
func New(cfg Config, dialer transport.Dialer, opts ...Option) (*Engine, error) {
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, errs.New("session", errs.CodeInvalid, errs.WithMessage("dialer required"))
	}
	e := &Engine{
		cfg:           cfg,
		dialer:        dialer,
		log:           observability.Log(),
		now:           time.Now,
		heartbeatType: DefaultHeartbeatPayloadType,
		registry:      NewRegistry(),
		states:        newStateHub(64),
		state:         Disconnected,
		readyCh:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.table = NewCorrelation(e.classifyErr, e.now)
	e.heartbeat = NewHeartbeat(cfg.IdleInterval, cfg.DeadInterval, e.now())
	e.dispatcher = NewDispatcher(cfg.ListenerBuffer, cfg.OverflowPolicy)
	e.general = newLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.RequestBurst)
	e.historical = newLimiter(cfg.RateLimit.HistoricalPerSecond, cfg.RateLimit.HistoricalBurst)
	e.metrics = newEngineMetrics(e.meter, e.table.Len)
	e.dispatcher.onDrop = e.metrics.recordDropped
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Start launches the supervisor without waiting for the connection. The engine runs
// until ctx is cancelled or Shutdown is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Closed {
		e.mu.Unlock()
		return e.closedError()
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if ctx != nil {
		stop := context.AfterFunc(ctx, func() { e.cancel() })
		go func() {
			<-e.done
			stop()
		}()
	}
	e.supervisor.Go(e.run)
	return nil
}

// Connect starts the engine and waits until it is Ready, it closes fatally, or ctx ends.
// ctx bounds the wait only; the engine keeps running after Connect returns.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return e.WaitReady(ctx)
}

// WaitReady blocks until the engine is Ready.
func (e *Engine) WaitReady(ctx context.Context) error {
	for {
		e.mu.Lock()
		state, ch := e.state, e.readyCh
		e.mu.Unlock()
		switch state {
		case Ready:
			return nil
		case Closed:
			return e.closedError()
		}
		select {
		case <-ch:
		case <-e.done:
			return e.closedError()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ConnID returns the id of the current connection epoch, or "" when disconnected.
func (e *Engine) ConnID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return ""
	}
	return e.conn.id
}

// Pending reports the number of outstanding correlated requests.
func (e *Engine) Pending() int { return e.table.Len() }

// Subscriptions returns the registered subscriptions in replay order.
func (e *Engine) Subscriptions() []Subscription { return e.registry.Snapshot() }

// Events attaches a push listener for frames matching filter.
func (e *Engine) Events(filter Filter, opts ...ListenerOption) *Listener {
	return e.dispatcher.Subscribe(filter, opts...)
}

// StateChanges attaches a listener for connection state transitions.
func (e *Engine) StateChanges() *StateListener { return e.states.subscribe() }

// Done is closed once the engine reaches Closed.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the fatal error that closed the engine, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// Shutdown closes the engine: in-flight and queued requests fail, the transport is
// closed and listeners are released. It waits for completion until ctx ends.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		started := e.started
		e.mu.Unlock()
		e.cancel()
		if !started {
			e.finish(nil)
		}
	})
	select {
	case <-e.done:
		e.supervisor.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends a correlated request and waits for its response.
func (e *Engine) Request(ctx context.Context, payloadType uint32, payload []byte, opts ...RequestOption) (frame.Frame, error) {
	o := requestOptions{timeout: e.cfg.RequestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if e.isHistorical != nil && e.isHistorical(payloadType) {
		o.historical = true
	}
	conn, err := e.awaitReady(ctx)
	if err != nil {
		return frame.Frame{}, err
	}
	if err := e.limit(ctx, o.historical); err != nil {
		return frame.Frame{}, err
	}
	return e.exchange(ctx, conn, payloadType, payload, o)
}

// Send writes an uncorrelated frame.
func (e *Engine) Send(ctx context.Context, payloadType uint32, payload []byte) error {
	conn, err := e.awaitReady(ctx)
	if err != nil {
		return err
	}
	historical := e.isHistorical != nil && e.isHistorical(payloadType)
	if err := e.limit(ctx, historical); err != nil {
		return err
	}
	data, err := frame.Encode(payloadType, payload, 0, false)
	if err != nil {
		return err
	}
	return conn.write(ctx, payloadType, data)
}

// Subscribe issues the broker request for sub and records it for replay once acknowledged.
// Subscribing to a registered subscription is a no-op unless ResubscribeDuplicates is set.
func (e *Engine) Subscribe(ctx context.Context, sub Subscription) error {
	if e.protocol == nil {
		return errs.New("session", errs.CodeInvalid, errs.WithMessage("no subscription protocol configured"))
	}
	if e.registry.Contains(sub) && !e.cfg.ResubscribeDuplicates {
		return nil
	}
	out, err := e.protocol.SubscribeRequest(sub)
	if err != nil {
		return err
	}
	if out.PayloadType == 0 {
		e.registry.Add(sub)
		return nil
	}
	conn, err := e.awaitReady(ctx)
	if err != nil {
		return err
	}
	if err := e.limit(ctx, false); err != nil {
		return err
	}
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	if _, err := e.exchange(ctx, conn, out.PayloadType, out.Payload, outboundOptions(out, e.cfg.RequestTimeout)); err != nil {
		return err
	}
	if e.registry.Add(sub) {
		e.log.Debug("subscription added", observability.F("subscription", sub.String()))
	}
	return nil
}

// Unsubscribe forgets sub locally and, when Ready, asks the broker to stop the stream.
func (e *Engine) Unsubscribe(ctx context.Context, sub Subscription) error {
	if e.protocol == nil {
		return errs.New("session", errs.CodeInvalid, errs.WithMessage("no subscription protocol configured"))
	}
	e.subMu.RLock()
	removed := e.registry.Remove(sub)
	e.subMu.RUnlock()
	if !removed {
		return nil
	}
	out, err := e.protocol.UnsubscribeRequest(sub)
	if err != nil || out.PayloadType == 0 {
		return err
	}
	e.mu.Lock()
	conn, ready := e.conn, e.state == Ready
	e.mu.Unlock()
	if !ready {
		return nil
	}
	if err := e.limit(ctx, false); err != nil {
		return err
	}
	_, err = e.exchange(ctx, conn, out.PayloadType, out.Payload, outboundOptions(out, e.cfg.RequestTimeout))
	return err
}

// ForgetAccount drops every subscription of accountID without touching the wire.
func (e *Engine) ForgetAccount(accountID int64) int {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	return e.registry.RemoveWhere(func(s Subscription) bool { return s.Key.AccountID == accountID })
}

func outboundOptions(out Outbound, timeout time.Duration) requestOptions {
	return requestOptions{expected: out.ExpectedType, hasExpected: out.HasExpected, timeout: timeout}
}

// awaitReady returns the live connection, queueing the caller while the session recovers.
func (e *Engine) awaitReady(ctx context.Context) (*connection, error) {
	e.mu.Lock()
	for {
		switch e.state {
		case Ready:
			conn := e.conn
			e.mu.Unlock()
			return conn, nil
		case Closed:
			e.mu.Unlock()
			return nil, e.closedError()
		}
		if !e.started {
			e.mu.Unlock()
			return nil, errs.New("session", errs.CodeNotConnected, errs.WithMessage("engine not started"))
		}
		if !e.cfg.QueueWhileReconnecting {
			state := e.state
			e.mu.Unlock()
			return nil, errs.New("session", errs.CodeNotConnected, errs.WithField("state", state.String()))
		}
		if e.waiting >= e.cfg.PendingRequestQueueDepth {
			e.mu.Unlock()
			return nil, errs.New("session", errs.CodeQueueFull,
				errs.WithMessage("readiness queue full"),
				errs.WithField("depth", strconv.Itoa(e.cfg.PendingRequestQueueDepth)))
		}
		e.waiting++
		ch := e.readyCh
		e.mu.Unlock()

		var waitErr error
		select {
		case <-ch:
		case <-e.done:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}

		e.mu.Lock()
		e.waiting--
		if waitErr != nil {
			e.mu.Unlock()
			return nil, waitErr
		}
	}
}

func (e *Engine) limit(ctx context.Context, historical bool) error {
	limiter := e.general
	if historical {
		limiter = e.historical
	}
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// exchange registers, writes and awaits one correlated request on conn.
func (e *Engine) exchange(ctx context.Context, conn *connection, payloadType uint32, payload []byte, o requestOptions) (frame.Frame, error) {
	started := time.Now()
	h := e.table.Register(o.expected, o.hasExpected, o.timeout)
	data, err := frame.Encode(payloadType, payload, h.ID(), true)
	if err != nil {
		e.table.Fail(h.ID(), err)
		<-h.Done()
		_, err = h.Result()
		e.metrics.recordRequest(ctx, payloadType, started, err)
		return frame.Frame{}, err
	}
	if err := conn.write(ctx, payloadType, data); err != nil {
		e.table.Fail(h.ID(), err)
		<-h.Done()
		_, err = h.Result()
		e.metrics.recordRequest(ctx, payloadType, started, err)
		return frame.Frame{}, err
	}
	resp, err := h.Wait(ctx)
	e.metrics.recordRequest(ctx, payloadType, started, err)
	return resp, err
}

func (e *Engine) handleInbound(c *connection, f frame.Frame) {
	e.metrics.recordFrame(context.Background(), f.PayloadType, telemetry.DirectionInbound)
	if f.HasClientMsgID {
		if e.table.Resolve(f.ClientMsgID, f) {
			return
		}
		if e.table.TakeCancelled(f.ClientMsgID) {
			e.log.Debug("late response for cancelled request dropped",
				observability.F("conn_id", c.id),
				observability.F("client_msg_id", f.ClientMsgID),
				observability.F("payload_type", f.PayloadType))
			return
		}
		e.log.Debug("frame for unknown client message id",
			observability.F("conn_id", c.id),
			observability.F("client_msg_id", f.ClientMsgID),
			observability.F("payload_type", f.PayloadType))
	}
	e.dispatcher.Dispatch(f)
	if e.isDisconnect != nil && e.isDisconnect(f) {
		e.log.Warn("broker requested disconnect", observability.F("conn_id", c.id))
		c.fail(errs.New("session", errs.CodeConnectionLost, errs.WithMessage("broker disconnect notice")))
	}
}

func (e *Engine) closedError() error {
	e.mu.Lock()
	fatal := e.fatal
	e.mu.Unlock()
	if fatal != nil {
		return errs.New("session", errs.CodeClosed, errs.WithMessage("session closed"), errs.WithCause(fatal))
	}
	return errs.New("session", errs.CodeClosed, errs.WithMessage("session closed"))
}

// setState records a transition and notifies listeners. Leaving Ready re-arms the
// readiness gate; entering Ready releases queued callers.
func (e *Engine) setState(to State, cause error) {
	e.mu.Lock()
	from := e.state
	if from == to || from == Closed {
		e.mu.Unlock()
		return
	}
	e.state = to
	if to == Ready {
		close(e.readyCh)
	} else if from == Ready {
		e.readyCh = make(chan struct{})
	}
	connID := ""
	if e.conn != nil {
		connID = e.conn.id
	}
	e.mu.Unlock()

	fields := []observability.Field{
		observability.F("from", from.String()),
		observability.F("to", to.String()),
	}
	if connID != "" {
		fields = append(fields, observability.F("conn_id", connID))
	}
	if cause != nil {
		fields = append(fields, observability.F("error", cause))
	}
	e.log.Info("session state changed", fields...)
	e.metrics.recordTransition(context.Background(), to)
	e.states.publish(StateChange{From: from, To: to, Err: cause, At: e.now(), ConnID: connID})
}
