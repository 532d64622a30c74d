// Package ctrader is the typed cTrader Open API client built on the session engine.
package ctrader

import (
	"strings"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/transport"
)

// Environment selects the demo or live proxy.
type Environment string

const (
	Demo Environment = "demo"
	Live Environment = "live"
)

const (
	DemoHost = "demo.ctraderapi.com"
	LiveHost = "live.ctraderapi.com"

	// ProtobufPort serves the length-prefixed protobuf protocol.
	ProtobufPort = 5035
	// JSONPort serves the JSON variant, which this client does not speak.
	JSONPort = 5036

	AuthURI  = "https://openapi.ctrader.com/apps/auth"
	TokenURI = "https://openapi.ctrader.com/apps/token"
)

// ParseEnvironment accepts "demo" or "live" in any case.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case Demo, "":
		return Demo, nil
	case Live:
		return Live, nil
	default:
		return "", errs.New("ctrader", errs.CodeInvalid, errs.WithMessage("unknown environment "+s))
	}
}

// Host returns the proxy host of the environment.
func (e Environment) Host() string {
	if e == Live {
		return LiveHost
	}
	return DemoHost
}

// Address returns host:port of the protobuf endpoint.
func (e Environment) Address() string {
	return transport.Address(e.Host(), ProtobufPort)
}
