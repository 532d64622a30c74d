package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/observability"
)

// run is the supervisor: the only goroutine that moves the engine between states.
func (e *Engine) run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.Backoff.Initial
	bo.MaxInterval = e.cfg.Backoff.Max
	bo.Multiplier = e.cfg.Backoff.Multiplier
	bo.RandomizationFactor = e.cfg.Backoff.Jitter
	bo.Reset()

	failures := 0
	authRejections := 0
	for {
		if e.ctx.Err() != nil {
			e.finish(nil)
			return
		}
		e.setState(Connecting, nil)
		wasReady, err := e.session()
		if e.ctx.Err() != nil {
			e.finish(nil)
			return
		}
		if wasReady {
			failures, authRejections = 0, 0
			bo.Reset()
		}

		var rejected *authRejection
		if errors.As(err, &rejected) {
			authRejections++
			if authRejections > e.cfg.MaxAuthRetries {
				e.finish(errs.New("session", errs.CodeAuth,
					errs.WithMessage("authentication rejected"),
					errs.WithField("attempts", strconv.Itoa(authRejections)),
					errs.WithCause(rejected.cause)))
				return
			}
			e.log.Warn("authentication rejected, retrying",
				observability.F("attempt", authRejections),
				observability.F("error", rejected.cause))
		}

		failures++
		if e.cfg.MaxReconnectAttempts > 0 && failures > e.cfg.MaxReconnectAttempts {
			e.finish(errs.New("session", errs.CodeConnectionLost,
				errs.WithMessage("reconnect attempts exhausted"),
				errs.WithField("attempts", strconv.Itoa(failures)),
				errs.WithCause(err)))
			return
		}
		e.setState(Reconnecting, err)
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = e.cfg.Backoff.Max
		}
		e.metrics.recordReconnect(context.Background(), delay)
		timer := time.NewTimer(delay)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			e.finish(nil)
			return
		case <-timer.C:
		}
	}
}

// session runs one connection epoch and returns why it ended. wasReady reports
// whether the epoch reached Ready before failing.
func (e *Engine) session() (wasReady bool, err error) {
	rw, err := e.dialer.Dial(e.ctx, e.cfg.Address)
	if err != nil {
		e.log.Warn("dial failed", observability.F("address", e.cfg.Address), observability.F("error", err))
		return false, err
	}
	conn := newConnection(uuid.NewString(), rw)
	e.heartbeat.Reset(e.now())

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	e.startConnection(conn)

	e.setState(Authenticating, nil)
	if err := e.authenticate(conn); err != nil {
		e.teardown(conn, err)
		return false, err
	}
	if err := e.replay(conn); err != nil {
		e.teardown(conn, err)
		return false, err
	}
	e.setState(Ready, nil)

	select {
	case <-conn.closed:
	case <-e.ctx.Done():
		e.teardown(conn, nil)
		return true, nil
	}
	cause := conn.err()
	e.log.Warn("connection lost", observability.F("conn_id", conn.id), observability.F("error", cause))
	e.failInFlight(conn, cause)
	e.setState(Reconnecting, cause)
	e.teardown(conn, cause)
	return true, cause
}

// teardown closes conn, fails everything outstanding on it and waits for its goroutines.
func (e *Engine) teardown(conn *connection, cause error) {
	e.failInFlight(conn, cause)
	conn.wg.Wait()
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()
}

// failInFlight closes conn and completes every outstanding request. Repeat calls are no-ops.
func (e *Engine) failInFlight(conn *connection, cause error) {
	if cause == nil {
		cause = errs.New("session", errs.CodeClosed, errs.WithMessage("session closing"))
	}
	conn.fail(cause)
	failWith := cause
	if errs.CodeOf(cause) != errs.CodeClosed {
		failWith = connectionLost(cause)
	}
	if n := e.table.FailAll(failWith); n > 0 {
		e.log.Info("failed in-flight requests", observability.F("conn_id", conn.id), observability.F("count", n))
	}
}

type authRejection struct{ cause error }

func (a *authRejection) Error() string { return "authentication rejected: " + a.cause.Error() }
func (a *authRejection) Unwrap() error { return a.cause }

func (e *Engine) authenticate(conn *connection) error {
	if e.auth == nil {
		return nil
	}
	steps, err := e.auth.AuthSteps(e.ctx)
	if err != nil {
		return &authRejection{cause: err}
	}
	for _, step := range steps {
		o := requestOptions{timeout: e.cfg.AuthTimeout}
		if step.ExpectedType != 0 {
			o.expected, o.hasExpected = step.ExpectedType, true
		}
		if _, err := e.exchange(e.ctx, conn, step.PayloadType, step.Payload, o); err != nil {
			if errs.CodeOf(err) == errs.CodeProtocol {
				return &authRejection{cause: err}
			}
			e.log.Warn("authentication step failed", observability.F("step", step.Name), observability.F("error", err))
			return err
		}
		e.log.Debug("authentication step accepted", observability.F("step", step.Name), observability.F("conn_id", conn.id))
	}
	return nil
}

// replay re-issues every registered subscription on conn before it is declared Ready.
// Subscriptions the broker now rejects are dropped; any other failure aborts the epoch.
func (e *Engine) replay(conn *connection) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	subs := e.registry.Snapshot()
	if len(subs) == 0 || e.protocol == nil {
		return nil
	}
	p := pool.New().
		WithContext(e.ctx).
		WithMaxGoroutines(e.cfg.ReplayConcurrency).
		WithCancelOnError().
		WithFirstError()
	for _, sub := range subs {
		p.Go(func(ctx context.Context) error {
			out, err := e.protocol.SubscribeRequest(sub)
			if err != nil {
				e.registry.Remove(sub)
				e.log.Error("subscription dropped on replay", observability.F("subscription", sub.String()), observability.F("error", err))
				return nil
			}
			if out.PayloadType == 0 {
				return nil
			}
			if err := e.limit(ctx, false); err != nil {
				return err
			}
			_, err = e.exchange(ctx, conn, out.PayloadType, out.Payload, outboundOptions(out, e.cfg.RequestTimeout))
			e.metrics.recordReplay(ctx, sub.Kind, err)
			if err != nil && errs.CodeOf(err) == errs.CodeProtocol {
				e.registry.Remove(sub)
				e.log.Error("subscription rejected on replay", observability.F("subscription", sub.String()), observability.F("error", err))
				return nil
			}
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}
	e.log.Info("subscriptions replayed", observability.F("conn_id", conn.id), observability.F("count", len(subs)))
	return nil
}

// finish moves the engine to Closed exactly once and releases everything it holds.
func (e *Engine) finish(fatal error) {
	e.finishOnce.Do(func() { e.close(fatal) })
}

func (e *Engine) close(fatal error) {
	e.mu.Lock()
	if fatal != nil {
		e.fatal = fatal
	}
	conn := e.conn
	e.mu.Unlock()

	e.cancel()
	if conn != nil {
		e.teardown(conn, fatal)
	}
	e.setState(Closed, fatal)
	closedErr := e.closedError()
	e.table.FailAll(closedErr)
	e.dispatcher.Close()
	e.states.close()
	e.metrics.close()
	if fatal != nil {
		e.log.Error("session closed", observability.F("error", fatal))
	}
	close(e.done)
}
