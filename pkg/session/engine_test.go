package session

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/internal/testutil/fakes"
	"github.com/cowanweks/ctrader-go/pkg/frame"
	"github.com/cowanweks/ctrader-go/pkg/observability"
)

const (
	typeAppAuth        uint32 = 2100
	typeAppAuthRes     uint32 = 2101
	typeAccountAuth    uint32 = 2102
	typeAccountAuthRes uint32 = 2103
	typeSubscribe      uint32 = 2127
	typeSubscribeRes   uint32 = 2128
	typeUnsubscribe    uint32 = 2129
	typeSpot           uint32 = 2131
	typeExecution      uint32 = 2126
	typeError          uint32 = 2142
	typeDisconnect     uint32 = 2148
	typeSilent         uint32 = 9000
)

type stubProtocol struct{}

func (stubProtocol) SubscribeRequest(s Subscription) (Outbound, error) {
	if s.Kind == KindExecution {
		return Outbound{}, nil
	}
	return Outbound{PayloadType: typeSubscribe, Payload: []byte(s.String()), ExpectedType: typeSubscribeRes, HasExpected: true}, nil
}

func (stubProtocol) UnsubscribeRequest(s Subscription) (Outbound, error) {
	if s.Kind == KindExecution {
		return Outbound{}, nil
	}
	return Outbound{PayloadType: typeUnsubscribe, Payload: []byte(s.String())}, nil
}

func classifyError(f frame.Frame) error {
	if f.PayloadType == typeError {
		return errs.New("broker", errs.CodeProtocol, errs.WithRawCode(string(f.Payload)))
	}
	return nil
}

func twoStepAuth() Authenticator {
	return AuthenticatorFunc(func(context.Context) ([]AuthStep, error) {
		return []AuthStep{
			{Name: "application", PayloadType: typeAppAuth, ExpectedType: typeAppAuthRes},
			{Name: "account", PayloadType: typeAccountAuth, ExpectedType: typeAccountAuthRes},
		}, nil
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Address = "broker.test:5035"
	cfg.Backoff = BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}
	cfg.RequestTimeout = 2 * time.Second
	cfg.AuthTimeout = 2 * time.Second
	cfg.RateLimit = RateLimitConfig{RequestsPerSecond: 10000, RequestBurst: 100, HistoricalPerSecond: 10000, HistoricalBurst: 100}
	return cfg
}

func newTestEngine(t *testing.T, broker *fakes.Broker, mutate func(*Config), opts ...Option) *Engine {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	base := []Option{
		WithSubscriptionProtocol(stubProtocol{}),
		WithErrorClassifier(classifyError),
		WithLogger(observability.Nop()),
	}
	e, err := New(cfg, broker.Dialer(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitForState(t *testing.T, l *StateListener, want State) StateChange {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case change, ok := <-l.C():
			if !ok {
				t.Fatalf("state stream closed while waiting for %s", want)
			}
			if change.To == want {
				return change
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func payloadsOn(broker *fakes.Broker, conn int, payloadType uint32) []string {
	var out []string
	for _, r := range broker.ReceivedOfType(payloadType) {
		if r.Conn == conn {
			out = append(out, string(r.Frame.Payload))
		}
	}
	return out
}

func TestEngineRequestResponse(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))
	require.Equal(t, Ready, e.State())
	require.NotEmpty(t, e.ConnID())

	resp, err := e.Request(ctx, 2104, []byte("version"), WithExpectedType(2105))
	require.NoError(t, err)
	require.Equal(t, uint32(2105), resp.PayloadType)
	require.Zero(t, e.Pending())

	sent := broker.ReceivedOfType(2104)
	require.Len(t, sent, 1)
	require.True(t, sent[0].Frame.HasClientMsgID)
	require.Equal(t, "version", string(sent[0].Frame.Payload))
}

func TestEngineConcurrentRequestsAreCorrelated(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.Handle(func(c *fakes.BrokerConn, f frame.Frame) {
		if f.HasClientMsgID {
			_ = c.Reply(f, f.PayloadType+1, f.Payload)
		}
	})
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))

	const callers = 32
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			payload := []byte{byte(i)}
			resp, err := e.Request(ctx, 3000, payload)
			if err == nil && (resp.PayloadType != 3001 || resp.Payload[0] != byte(i)) {
				err = errs.New("test", errs.CodeProtocol, errs.WithMessage("misrouted response"))
			}
			errCh <- err
		}()
	}
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errCh)
	}
}

func TestEngineAuthenticatesBeforeReady(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil, WithAuthenticator(twoStepAuth()))
	require.NoError(t, e.Connect(ctx))

	received := broker.Received()
	require.GreaterOrEqual(t, len(received), 2)
	require.Equal(t, typeAppAuth, received[0].Frame.PayloadType)
	require.Equal(t, typeAccountAuth, received[1].Frame.PayloadType)
}

func TestEngineAuthRejectionExhaustsRetries(t *testing.T) {
	for _, tc := range []struct {
		retries int
		dials   int
	}{
		{retries: 0, dials: 1},
		{retries: 1, dials: 2},
	} {
		ctx := testContext(t)
		broker := fakes.NewBroker()
		broker.Handle(func(c *fakes.BrokerConn, f frame.Frame) {
			if f.PayloadType == typeAppAuth {
				_ = c.Reply(f, typeError, []byte("CH_CLIENT_AUTH_FAILURE"))
				return
			}
			fakes.EchoNext(c, f)
		})
		e := newTestEngine(t, broker, func(c *Config) { c.MaxAuthRetries = tc.retries }, WithAuthenticator(twoStepAuth()))

		err := e.Connect(ctx)
		require.Error(t, err)
		require.ErrorIs(t, err, errs.ErrClosed)
		require.ErrorIs(t, err, errs.ErrAuth)
		require.ErrorIs(t, e.Err(), errs.ErrAuth)
		require.Equal(t, Closed, e.State())
		require.Equal(t, tc.dials, broker.Dials(), "retries=%d", tc.retries)
		require.True(t, errs.IsSessionFailure(err))
	}
}

func TestEngineRequestTimeoutKeepsSessionAlive(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.Handle(func(c *fakes.BrokerConn, f frame.Frame) {
		if f.PayloadType == typeSilent {
			return
		}
		fakes.EchoNext(c, f)
	})
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))
	conn, err := broker.Accept(ctx)
	require.NoError(t, err)
	late := e.Events(Types(typeSilent + 1))

	started := time.Now()
	_, err = e.Request(ctx, typeSilent, nil, WithTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, errs.ErrTimeout)
	require.False(t, errs.IsSessionFailure(err))
	require.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
	require.Zero(t, e.Pending())
	require.Equal(t, Ready, e.State())

	// the late answer no longer has an owner and is handed to push listeners
	req := broker.ReceivedOfType(typeSilent)[0].Frame
	require.NoError(t, conn.Reply(req, typeSilent+1, nil))
	select {
	case f := <-late.C():
		require.Equal(t, req.ClientMsgID, f.ClientMsgID)
	case <-time.After(2 * time.Second):
		t.Fatalf("late response was not dispatched")
	}
	require.Zero(t, e.Pending())
}

func TestEngineDropsFirstLateResponseForCancelledRequest(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.Handle(func(c *fakes.BrokerConn, f frame.Frame) {
		if f.PayloadType == typeSilent {
			return
		}
		fakes.EchoNext(c, f)
	})
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))
	conn, err := broker.Accept(ctx)
	require.NoError(t, err)
	late := e.Events(Types(typeSilent + 1))

	reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = e.Request(reqCtx, typeSilent, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, errs.IsSessionFailure(err))
	require.Zero(t, e.Pending())
	require.Eventually(t, func() bool { return len(broker.ReceivedOfType(typeSilent)) == 1 }, 2*time.Second, 5*time.Millisecond)

	req := broker.ReceivedOfType(typeSilent)[0].Frame
	require.NoError(t, conn.Reply(req, typeSilent+1, []byte("late")))
	require.NoError(t, conn.Reply(req, typeSilent+1, []byte("follow-up")))
	select {
	case f := <-late.C():
		require.Equal(t, "follow-up", string(f.Payload))
	case <-time.After(2 * time.Second):
		t.Fatalf("follow-up frame was not dispatched")
	}
	require.Len(t, late.C(), 0)
	require.Equal(t, Ready, e.State())
}

func TestEngineReconnectReplaysSubscriptionsInOrder(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.Handle(func(c *fakes.BrokerConn, f frame.Frame) {
		if f.PayloadType == typeSilent {
			return
		}
		fakes.EchoNext(c, f)
	})
	e := newTestEngine(t, broker, nil, WithAuthenticator(twoStepAuth()))
	require.NoError(t, e.Connect(ctx))
	first, err := broker.Accept(ctx)
	require.NoError(t, err)

	a := Subscription{Kind: KindSpot, Key: Key{AccountID: 7, SymbolID: 1}}
	b := Subscription{Kind: KindSpot, Key: Key{AccountID: 7, SymbolID: 2}}
	require.NoError(t, e.Subscribe(ctx, a))
	require.NoError(t, e.Subscribe(ctx, b))

	inflight := make(chan error, 1)
	go func() {
		_, err := e.Request(ctx, typeSilent, nil)
		inflight <- err
	}()
	require.Eventually(t, func() bool { return e.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	states := e.StateChanges()
	defer states.Close()
	first.Close()

	select {
	case err := <-inflight:
		require.ErrorIs(t, err, errs.ErrConnectionLost)
		require.True(t, errs.IsSessionFailure(err))
	case <-time.After(5 * time.Second):
		t.Fatalf("in-flight request was not failed on disconnect")
	}
	waitForState(t, states, Reconnecting)
	waitForState(t, states, Ready)

	second, err := broker.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{a.String(), b.String()}, payloadsOn(broker, second.Index(), typeSubscribe))
	require.Len(t, broker.ReceivedOfType(typeAppAuth), 2, "each connection authenticates")
	require.Equal(t, []Subscription{a, b}, e.Subscriptions())
}

func TestEngineReplayDropsRejectedSubscription(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	a := Subscription{Kind: KindSpot, Key: Key{AccountID: 7, SymbolID: 1}}
	b := Subscription{Kind: KindSpot, Key: Key{AccountID: 7, SymbolID: 2}}
	broker.Handle(func(c *fakes.BrokerConn, f frame.Frame) {
		if c.Index() > 0 && f.PayloadType == typeSubscribe && string(f.Payload) == b.String() {
			_ = c.Reply(f, typeError, []byte("SYMBOL_NOT_FOUND"))
			return
		}
		fakes.EchoNext(c, f)
	})
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))
	first, err := broker.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Subscribe(ctx, a))
	require.NoError(t, e.Subscribe(ctx, b))

	states := e.StateChanges()
	defer states.Close()
	first.Close()
	waitForState(t, states, Reconnecting)
	waitForState(t, states, Ready)

	require.Equal(t, []Subscription{a}, e.Subscriptions())
}

func TestEngineSubscribeDuplicateIsNoop(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))

	sub := Subscription{Kind: KindSpot, Key: Key{AccountID: 1, SymbolID: 1}}
	require.NoError(t, e.Subscribe(ctx, sub))
	require.NoError(t, e.Subscribe(ctx, sub))
	require.Len(t, broker.ReceivedOfType(typeSubscribe), 1)

	e.cfg.ResubscribeDuplicates = true
	require.NoError(t, e.Subscribe(ctx, sub))
	require.Len(t, broker.ReceivedOfType(typeSubscribe), 2)
	require.Len(t, e.Subscriptions(), 1)
}

func TestEngineSubscribeRejectedIsNotRegistered(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.Handle(func(c *fakes.BrokerConn, f frame.Frame) {
		if f.PayloadType == typeSubscribe {
			_ = c.Reply(f, typeError, []byte("ALREADY_SUBSCRIBED"))
			return
		}
		fakes.EchoNext(c, f)
	})
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))

	err := e.Subscribe(ctx, Subscription{Kind: KindSpot, Key: Key{AccountID: 1, SymbolID: 1}})
	require.ErrorIs(t, err, errs.ErrProtocol)
	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "ALREADY_SUBSCRIBED", envelope.RawCode)
	require.Empty(t, e.Subscriptions())
}

func TestEngineExecutionSubscriptionIsLocalOnly(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))

	sub := Subscription{Kind: KindExecution, Key: Key{AccountID: 1}}
	require.NoError(t, e.Subscribe(ctx, sub))
	require.Equal(t, []Subscription{sub}, e.Subscriptions())
	require.Empty(t, broker.ReceivedOfType(typeSubscribe))
	require.NoError(t, e.Unsubscribe(ctx, sub))
	require.Empty(t, e.Subscriptions())
}

func TestEngineUnsubscribeWhileReconnecting(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))
	first, err := broker.Accept(ctx)
	require.NoError(t, err)

	sub := Subscription{Kind: KindSpot, Key: Key{AccountID: 1, SymbolID: 9}}
	require.NoError(t, e.Subscribe(ctx, sub))

	states := e.StateChanges()
	defer states.Close()
	broker.RefuseDials(1_000_000)
	first.Close()
	waitForState(t, states, Reconnecting)

	require.NoError(t, e.Unsubscribe(ctx, sub))
	require.Empty(t, e.Subscriptions())
	require.Empty(t, broker.ReceivedOfType(typeUnsubscribe), "nothing is sent while disconnected")

	broker.RefuseDials(0)
	waitForState(t, states, Ready)
	second, err := broker.Accept(ctx)
	require.NoError(t, err)
	require.Empty(t, payloadsOn(broker, second.Index(), typeSubscribe))
}

func TestEngineUnsubscribeSendsWhenReady(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))

	sub := Subscription{Kind: KindSpot, Key: Key{AccountID: 1, SymbolID: 9}}
	require.NoError(t, e.Subscribe(ctx, sub))
	require.NoError(t, e.Unsubscribe(ctx, sub))
	require.Equal(t, []string{sub.String()}, payloadsOn(broker, 0, typeUnsubscribe))
	require.NoError(t, e.Unsubscribe(ctx, sub), "unknown subscriptions are ignored")
	require.Len(t, broker.ReceivedOfType(typeUnsubscribe), 1)
}

func TestEngineForgetAccount(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))

	require.NoError(t, e.Subscribe(ctx, Subscription{Kind: KindSpot, Key: Key{AccountID: 1, SymbolID: 1}}))
	require.NoError(t, e.Subscribe(ctx, Subscription{Kind: KindSpot, Key: Key{AccountID: 2, SymbolID: 1}}))
	require.NoError(t, e.Subscribe(ctx, Subscription{Kind: KindDepth, Key: Key{AccountID: 1, SymbolID: 1}}))

	require.Equal(t, 2, e.ForgetAccount(1))
	require.Equal(t, []Subscription{{Kind: KindSpot, Key: Key{AccountID: 2, SymbolID: 1}}}, e.Subscriptions())
}

func TestEnginePushFanOut(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))
	conn, err := broker.Accept(ctx)
	require.NoError(t, err)

	spotsA := e.Events(Types(typeSpot))
	spotsB := e.Events(Types(typeSpot))
	execs := e.Events(Types(typeExecution))

	require.NoError(t, conn.Push(typeSpot, []byte{1}))
	require.NoError(t, conn.Push(typeSpot, []byte{2}))
	require.NoError(t, conn.Push(7777, []byte{3}))

	for _, l := range []*Listener{spotsA, spotsB} {
		for _, want := range []byte{1, 2} {
			select {
			case f := <-l.C():
				require.Equal(t, want, f.Payload[0])
			case <-time.After(2 * time.Second):
				t.Fatalf("push frame %d not delivered", want)
			}
		}
	}
	require.Eventually(t, func() bool { return e.dispatcher.Unrouted() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, execs.C(), 0)
}

func TestEngineOversizeFrameForcesReconnect(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, func(c *Config) { c.MaxFrameSize = 1024 })
	require.NoError(t, e.Connect(ctx))
	conn, err := broker.Accept(ctx)
	require.NoError(t, err)

	states := e.StateChanges()
	defer states.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<20)
	go func() { _ = conn.WriteRaw(header[:]) }()

	change := waitForState(t, states, Reconnecting)
	require.ErrorIs(t, change.Err, errs.ErrFraming)
	waitForState(t, states, Ready)
	require.Equal(t, 2, broker.Dials())
}

func TestEngineSendsHeartbeatWhenIdle(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, func(c *Config) {
		c.IdleInterval = 30 * time.Millisecond
		c.DeadInterval = 10 * time.Second
		c.HeartbeatCheckInterval = 5 * time.Millisecond
	})
	require.NoError(t, e.Connect(ctx))

	require.Eventually(t, func() bool {
		return len(broker.ReceivedOfType(DefaultHeartbeatPayloadType)) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	hb := broker.ReceivedOfType(DefaultHeartbeatPayloadType)[0].Frame
	require.False(t, hb.HasClientMsgID)
	require.Empty(t, hb.Payload)
	require.Equal(t, Ready, e.State())
}

func TestEngineSilentBrokerIsDeclaredDead(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, func(c *Config) {
		c.IdleInterval = 20 * time.Millisecond
		c.DeadInterval = 80 * time.Millisecond
		c.HeartbeatCheckInterval = 5 * time.Millisecond
	})
	states := e.StateChanges()
	defer states.Close()
	require.NoError(t, e.Connect(ctx))

	change := waitForState(t, states, Reconnecting)
	require.ErrorIs(t, change.Err, errs.ErrTimeout)
	waitForState(t, states, Ready)
	require.GreaterOrEqual(t, broker.Dials(), 2)
}

func TestEngineBrokerDisconnectNoticeReconnects(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil,
		WithDisconnectClassifier(func(f frame.Frame) bool { return f.PayloadType == typeDisconnect }))
	require.NoError(t, e.Connect(ctx))
	conn, err := broker.Accept(ctx)
	require.NoError(t, err)

	notices := e.Events(Types(typeDisconnect))
	states := e.StateChanges()
	defer states.Close()
	require.NoError(t, conn.Push(typeDisconnect, []byte("maintenance")))

	waitForState(t, states, Reconnecting)
	select {
	case f := <-notices.C():
		require.Equal(t, "maintenance", string(f.Payload))
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect notice not dispatched")
	}
	waitForState(t, states, Ready)
}

func TestEngineFailsInFlightBeforeAnnouncingReconnect(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.Handle(func(c *fakes.BrokerConn, f frame.Frame) {
		if f.PayloadType == typeSilent {
			return
		}
		fakes.EchoNext(c, f)
	})
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))
	conn, err := broker.Accept(ctx)
	require.NoError(t, err)

	states := e.StateChanges()
	defer states.Close()
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Request(ctx, typeSilent, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return e.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	change := waitForState(t, states, Reconnecting)
	require.Zero(t, e.Pending(), "in-flight requests must be failed when Reconnecting is observed")
	require.NotEmpty(t, change.ConnID)
	require.ErrorIs(t, <-errCh, errs.ErrConnectionLost)
}

func TestEngineRejectsRequestsWhenQueueingDisabled(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.RefuseDials(1_000_000)
	e := newTestEngine(t, broker, func(c *Config) { c.QueueWhileReconnecting = false })
	require.NoError(t, e.Start(ctx))

	_, err := e.Request(ctx, 2104, nil)
	require.ErrorIs(t, err, errs.ErrNotConnected)
	require.True(t, errs.IsSessionFailure(err))
}

func TestEngineQueuesRequestsUntilReady(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.RefuseDials(1_000_000)
	e := newTestEngine(t, broker, func(c *Config) { c.PendingRequestQueueDepth = 1 })
	require.NoError(t, e.Start(ctx))

	queued := make(chan error, 1)
	go func() {
		_, err := e.Request(ctx, 2104, nil, WithExpectedType(2105))
		queued <- err
	}()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.waiting == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := e.Request(ctx, 2104, nil)
	require.ErrorIs(t, err, errs.ErrQueueFull)

	broker.RefuseDials(0)
	select {
	case err := <-queued:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("queued request never completed")
	}
}

func TestEngineRequestBeforeStartFails(t *testing.T) {
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	_, err := e.Request(testContext(t), 2104, nil)
	require.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestEngineShutdownFailsInFlightAndReleasesListeners(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.Handle(func(c *fakes.BrokerConn, f frame.Frame) {
		if f.PayloadType == typeSilent {
			return
		}
		fakes.EchoNext(c, f)
	})
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))
	events := e.Events(nil)
	states := e.StateChanges()

	inflight := make(chan error, 1)
	go func() {
		_, err := e.Request(ctx, typeSilent, nil)
		inflight <- err
	}()
	require.Eventually(t, func() bool { return e.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Shutdown(ctx))
	require.ErrorIs(t, <-inflight, errs.ErrClosed)
	require.Equal(t, Closed, e.State())
	require.NoError(t, e.Err())

	select {
	case <-e.Done():
	default:
		t.Fatalf("done channel not closed")
	}
	_, ok := <-events.C()
	require.False(t, ok)
	waitForState(t, states, Closed)

	_, err := e.Request(ctx, 2104, nil)
	require.ErrorIs(t, err, errs.ErrClosed)
	require.NoError(t, e.Shutdown(ctx), "shutdown is idempotent")
}

func TestEngineGivesUpAfterMaxReconnectAttempts(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	broker.RefuseDials(1_000_000)
	e := newTestEngine(t, broker, func(c *Config) { c.MaxReconnectAttempts = 2 })

	err := e.Connect(ctx)
	require.ErrorIs(t, err, errs.ErrClosed)
	require.ErrorIs(t, e.Err(), errs.ErrConnectionLost)
	require.ErrorIs(t, e.Err(), fakes.ErrDialRefused)
	require.Equal(t, 3, broker.Dials())
}

func TestEngineStartContextCancellationCloses(t *testing.T) {
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.WaitReady(testContext(t)))

	cancel()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not close after its context was cancelled")
	}
	require.Equal(t, Closed, e.State())
}

func TestEngineSendWritesUncorrelatedFrame(t *testing.T) {
	ctx := testContext(t)
	broker := fakes.NewBroker()
	e := newTestEngine(t, broker, nil)
	require.NoError(t, e.Connect(ctx))

	require.NoError(t, e.Send(ctx, 2162, []byte("logout")))
	require.Eventually(t, func() bool { return len(broker.ReceivedOfType(2162)) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.False(t, broker.ReceivedOfType(2162)[0].Frame.HasClientMsgID)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{}, fakes.NewBroker().Dialer())
	require.ErrorIs(t, err, errs.ErrInvalid)

	_, err = New(testConfig(), nil)
	require.ErrorIs(t, err, errs.ErrInvalid)
}
