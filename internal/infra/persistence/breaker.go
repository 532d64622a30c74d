package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/cowanweks/ctrader-go/internal/infra/persistence/postgres"
	"github.com/cowanweks/ctrader-go/pkg/observability"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerCooldown        = 30 * time.Second
)

// BreakerConfig shapes the circuit around journal writes.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed batches that opens the circuit.
	MaxFailures uint32
	// Cooldown is how long the circuit stays open before one probe batch is let through.
	Cooldown time.Duration
}

// BreakerWriter fails batches fast while the database keeps rejecting them.
type BreakerWriter struct {
	inner   Writer
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerWriter wraps inner with a circuit breaker. Zero fields take defaults.
func NewBreakerWriter(inner Writer, cfg BreakerConfig, logger observability.Logger) *BreakerWriter {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultBreakerCooldown
	}
	if logger == nil {
		logger = observability.Nop()
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "journal",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("journal circuit state change",
				observability.F("breaker", name),
				observability.F("from", from.String()),
				observability.F("to", to.String()))
		},
	})
	return &BreakerWriter{inner: inner, breaker: cb}
}

// WriteBatch forwards b unless the circuit is open.
func (w *BreakerWriter) WriteBatch(ctx context.Context, b postgres.Batch) error {
	_, err := w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, w.inner.WriteBatch(ctx, b)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("journal circuit open: %w", err)
	}
	return err
}

// State reports the circuit state.
func (w *BreakerWriter) State() gobreaker.State { return w.breaker.State() }
