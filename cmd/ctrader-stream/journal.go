package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/cowanweks/ctrader-go/internal/infra/config"
	"github.com/cowanweks/ctrader-go/internal/infra/persistence"
	"github.com/cowanweks/ctrader-go/internal/infra/persistence/migrations"
	"github.com/cowanweks/ctrader-go/internal/infra/persistence/postgres"
	"github.com/cowanweks/ctrader-go/internal/infra/telemetry"
	"github.com/cowanweks/ctrader-go/pkg/ctrader"
	"github.com/cowanweks/ctrader-go/pkg/observability"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

type journalHandle struct {
	pool     *pgxpool.Pool
	journal  *persistence.Journal
	restored []session.Subscription
}

func (h *journalHandle) close() {
	if h != nil && h.pool != nil {
		h.pool.Close()
	}
}

// trackSubscriptions is safe on a nil handle.
func (h *journalHandle) trackSubscriptions() {
	if h != nil {
		h.journal.TrackSubscriptions()
	}
}

func (h *journalHandle) restoredSubscriptions() []session.Subscription {
	if h == nil {
		return nil
	}
	return h.restored
}

// startJournal connects the journal database, loads what the previous run left behind
// and drains state transitions into it until ctx ends. The pool must be closed after
// workers finish.
func startJournal(ctx context.Context, cfg config.JournalConfig, client *ctrader.Client, provider *telemetry.Provider,
	logger observability.Logger, workers *conc.WaitGroup) (*journalHandle, error) {
	if cfg.AutoMigrate {
		if err := migrations.Apply(ctx, cfg.DSN, cfg.MigrationsDir, logger); err != nil {
			return nil, fmt.Errorf("journal migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse journal dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open journal pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	if err := postgres.ObservePoolMetrics(provider.Meter(meterName), pool, "journal"); err != nil {
		logger.Warn("journal pool metrics unavailable", observability.F("error", err))
	}

	store := postgres.New(pool)
	handle := &journalHandle{pool: pool}
	if last, ok, err := store.LastTransition(ctx); err != nil {
		logger.Warn("read previous session", observability.F("error", err))
	} else if ok {
		logger.Info("previous session",
			observability.F("state", last.To),
			observability.F("conn_id", last.ConnID.String()),
			observability.F("error_code", last.ErrorCode),
			observability.F("at", last.OccurredAt))
	}
	if cfg.RestoreSubscriptions {
		rows, err := store.Subscriptions(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("load journaled subscriptions: %w", err)
		}
		for _, row := range rows {
			handle.restored = append(handle.restored, row.Subscription())
		}
	}

	engine := client.Engine()
	handle.journal = persistence.NewJournal(persistence.NewBreakerWriter(store, persistence.BreakerConfig{}, logger),
		persistence.Config{BatchSize: cfg.BatchSize, FlushInterval: cfg.FlushInterval},
		persistence.WithLogger(logger),
		persistence.WithSubscriptions(engine),
	)
	states := engine.StateChanges()
	workers.Go(func() {
		defer states.Close()
		handle.journal.Run(ctx, states.C())
		logger.Info("journal stopped",
			observability.F("transitions_written", handle.journal.Written()),
			observability.F("transitions_failed", handle.journal.Failed()))
	})
	logger.Info("journal started", observability.F("restored_subscriptions", len(handle.restored)))
	return handle, nil
}

// mergeSubscriptions appends restored entries after the configured ones, dropping
// duplicates and accounts the credentials no longer authorise.
func mergeSubscriptions(configured, restored []session.Subscription, accounts []int64) []session.Subscription {
	allowed := make(map[int64]struct{}, len(accounts))
	for _, id := range accounts {
		allowed[id] = struct{}{}
	}
	seen := make(map[session.Subscription]struct{}, len(configured)+len(restored))
	out := make([]session.Subscription, 0, len(configured)+len(restored))
	for _, sub := range configured {
		if _, dup := seen[sub]; dup {
			continue
		}
		seen[sub] = struct{}{}
		out = append(out, sub)
	}
	for _, sub := range restored {
		if _, ok := allowed[sub.Key.AccountID]; !ok {
			continue
		}
		if _, dup := seen[sub]; dup {
			continue
		}
		seen[sub] = struct{}{}
		out = append(out, sub)
	}
	return out
}
