package session

import (
	"context"

	"github.com/cowanweks/ctrader-go/pkg/frame"
)

// AuthStep is one request of the authentication handshake.
type AuthStep struct {
	Name         string
	PayloadType  uint32
	Payload      []byte
	ExpectedType uint32
}

// Authenticator supplies the handshake run on every new connection, in order.
type Authenticator interface {
	AuthSteps(ctx context.Context) ([]AuthStep, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) ([]AuthStep, error)

// AuthSteps calls f(ctx).
func (f AuthenticatorFunc) AuthSteps(ctx context.Context) ([]AuthStep, error) { return f(ctx) }

// Outbound is a request the engine should issue on behalf of a subscription.
// A zero PayloadType means the subscription needs no wire request.
type Outbound struct {
	PayloadType  uint32
	Payload      []byte
	ExpectedType uint32
	HasExpected  bool
}

// SubscriptionProtocol translates subscriptions into broker requests.
type SubscriptionProtocol interface {
	SubscribeRequest(sub Subscription) (Outbound, error)
	UnsubscribeRequest(sub Subscription) (Outbound, error)
}

// DisconnectClassifier reports whether a push frame is a broker-initiated disconnect notice.
type DisconnectClassifier func(frame.Frame) bool
