// Package telemetry provides OpenTelemetry setup and semantic conventions for the session stack.
package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by session instruments.
const (
	// AttrEnvironment specifies the deployment environment (demo/live/dev) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrPayloadType labels frame and request metrics with the protocol payload type.
	AttrPayloadType = attribute.Key("message.payload_type")
	// AttrDirection distinguishes inbound and outbound frames.
	AttrDirection = attribute.Key("message.direction")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrSubscriptionKind labels subscription metrics (spot, depth, ...).
	AttrSubscriptionKind = attribute.Key("subscription.kind")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
)

// Direction values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// FrameAttributes returns attributes for frame counters.
func FrameAttributes(environment string, payloadType uint32, direction string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPayloadType.String(strconv.FormatUint(uint64(payloadType), 10)),
		AttrDirection.String(direction),
	}
}

// RequestAttributes returns attributes for request metrics. errorType is omitted when empty.
func RequestAttributes(environment string, payloadType uint32, errorType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPayloadType.String(strconv.FormatUint(uint64(payloadType), 10)),
	}
	if errorType != "" {
		attrs = append(attrs, AttrErrorType.String(errorType), AttrResult.String(ResultError))
	} else {
		attrs = append(attrs, AttrResult.String(ResultSuccess))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionState.String(state),
	}
}

// SubscriptionAttributes returns attributes for subscription replay metrics.
func SubscriptionAttributes(environment, kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSubscriptionKind.String(kind),
		AttrResult.String(result),
	}
}
