package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/internal/infra/telemetry"
)

type engineMetrics struct {
	environment string

	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	framesIn        metric.Int64Counter
	framesOut       metric.Int64Counter
	heartbeats      metric.Int64Counter
	reconnects      metric.Int64Counter
	reconnectDelay  metric.Float64Histogram
	droppedEvents   metric.Int64Counter
	transitions     metric.Int64Counter
	replayed        metric.Int64Counter
	pending         metric.Int64ObservableGauge
	registration    metric.Registration
}

func newEngineMetrics(meter metric.Meter, pending func() int) *engineMetrics {
	if meter == nil {
		meter = otel.Meter("ctrader.session")
	}
	m := &engineMetrics{environment: telemetry.Environment()}

	m.requests, _ = meter.Int64Counter("ctrader.session.requests",
		metric.WithDescription("Correlated requests completed, by payload type and outcome"),
		metric.WithUnit("{request}"))
	m.requestDuration, _ = meter.Float64Histogram("ctrader.session.request.duration",
		metric.WithDescription("Round-trip time from send to completion"),
		metric.WithUnit("ms"))
	m.framesIn, _ = meter.Int64Counter("ctrader.session.frames.in",
		metric.WithDescription("Frames decoded from the broker"),
		metric.WithUnit("{frame}"))
	m.framesOut, _ = meter.Int64Counter("ctrader.session.frames.out",
		metric.WithDescription("Frames written to the broker"),
		metric.WithUnit("{frame}"))
	m.heartbeats, _ = meter.Int64Counter("ctrader.session.heartbeats",
		metric.WithDescription("Keep-alive frames sent during idle periods"),
		metric.WithUnit("{frame}"))
	m.reconnects, _ = meter.Int64Counter("ctrader.session.reconnects",
		metric.WithDescription("Reconnect attempts scheduled"),
		metric.WithUnit("{attempt}"))
	m.reconnectDelay, _ = meter.Float64Histogram("ctrader.session.reconnect.delay",
		metric.WithDescription("Backoff delay before a reconnect attempt"),
		metric.WithUnit("ms"))
	m.droppedEvents, _ = meter.Int64Counter("ctrader.session.events.dropped",
		metric.WithDescription("Push frames lost to listener overflow"),
		metric.WithUnit("{frame}"))
	m.transitions, _ = meter.Int64Counter("ctrader.session.state.transitions",
		metric.WithDescription("Connection state transitions by target state"),
		metric.WithUnit("{transition}"))
	m.replayed, _ = meter.Int64Counter("ctrader.session.subscriptions.replayed",
		metric.WithDescription("Subscriptions replayed after reconnect"),
		metric.WithUnit("{subscription}"))
	m.pending, _ = meter.Int64ObservableGauge("ctrader.session.pending",
		metric.WithDescription("Outstanding correlated requests"),
		metric.WithUnit("{request}"))
	if m.pending != nil && pending != nil {
		env := m.environment
		m.registration, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.pending, int64(pending()), metric.WithAttributes(telemetry.AttrEnvironment.String(env)))
			return nil
		}, m.pending)
	}
	return m
}

func (m *engineMetrics) recordRequest(ctx context.Context, payloadType uint32, started time.Time, err error) {
	if m == nil {
		return
	}
	errorType := string(errs.CodeOf(err))
	if err != nil && errorType == "" {
		errorType = "canceled"
	}
	attrs := metric.WithAttributes(telemetry.RequestAttributes(m.environment, payloadType, errorType)...)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.requestDuration != nil {
		m.requestDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}

func (m *engineMetrics) recordFrame(ctx context.Context, payloadType uint32, direction string) {
	if m == nil {
		return
	}
	counter := m.framesIn
	if direction == telemetry.DirectionOutbound {
		counter = m.framesOut
	}
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(telemetry.FrameAttributes(m.environment, payloadType, direction)...))
	}
}

func (m *engineMetrics) recordHeartbeat(ctx context.Context) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(m.environment)))
}

func (m *engineMetrics) recordReconnect(ctx context.Context, delay time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.AttrEnvironment.String(m.environment))
	if m.reconnects != nil {
		m.reconnects.Add(ctx, 1, attrs)
	}
	if m.reconnectDelay != nil {
		m.reconnectDelay.Record(ctx, float64(delay.Milliseconds()), attrs)
	}
}

func (m *engineMetrics) recordDropped(n int) {
	if m == nil || m.droppedEvents == nil || n <= 0 {
		return
	}
	m.droppedEvents.Add(context.Background(), int64(n), metric.WithAttributes(telemetry.AttrEnvironment.String(m.environment)))
}

func (m *engineMetrics) recordTransition(ctx context.Context, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(telemetry.ConnectionAttributes(m.environment, to.String())...))
}

func (m *engineMetrics) recordReplay(ctx context.Context, kind Kind, err error) {
	if m == nil || m.replayed == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	m.replayed.Add(ctx, 1, metric.WithAttributes(telemetry.SubscriptionAttributes(m.environment, string(kind), result)...))
}

func (m *engineMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}
