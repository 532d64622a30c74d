package session

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/cowanweks/ctrader-go/pkg/observability"
)

// DefaultHeartbeatPayloadType is the keep-alive payload type of the cTrader common schema.
const DefaultHeartbeatPayloadType uint32 = 51

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to observability.Log().
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// WithClock overrides the time source used by the heartbeat monitor and request timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAuthenticator sets the handshake run on every connection.
func WithAuthenticator(a Authenticator) Option {
	return func(e *Engine) { e.auth = a }
}

// WithSubscriptionProtocol sets the subscription request translator.
func WithSubscriptionProtocol(p SubscriptionProtocol) Option {
	return func(e *Engine) { e.protocol = p }
}

// WithErrorClassifier sets how broker error responses are recognised.
func WithErrorClassifier(c ErrorClassifier) Option {
	return func(e *Engine) { e.classifyErr = c }
}

// WithDisconnectClassifier sets how broker disconnect notices are recognised.
func WithDisconnectClassifier(c DisconnectClassifier) Option {
	return func(e *Engine) { e.isDisconnect = c }
}

// WithHistoricalClassifier marks payload types that draw on the historical rate limit.
func WithHistoricalClassifier(c func(payloadType uint32) bool) Option {
	return func(e *Engine) { e.isHistorical = c }
}

// WithHeartbeatPayloadType overrides the keep-alive payload type.
func WithHeartbeatPayloadType(t uint32) Option {
	return func(e *Engine) { e.heartbeatType = t }
}

// WithMeter records engine metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(e *Engine) { e.meter = meter }
}

// RequestOption customises a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	expected    uint32
	hasExpected bool
	timeout     time.Duration
	historical  bool
}

// WithExpectedType fails the request with a protocol error unless the response has type t.
func WithExpectedType(t uint32) RequestOption {
	return func(o *requestOptions) {
		o.expected = t
		o.hasExpected = true
	}
}

// WithTimeout overrides the configured request timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHistorical charges the request to the historical data rate limit.
func WithHistorical() RequestOption {
	return func(o *requestOptions) { o.historical = true }
}
