// Package postgres stores the session journal in PostgreSQL: connection state
// transitions and the last known subscription set.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

const (
	transitionInsertSQL = `
INSERT INTO session_transitions (conn_id, from_state, to_state, error_code, error_message, occurred_at)
VALUES (@conn_id, @from_state, @to_state, @error_code, @error_message, COALESCE(@occurred_at, NOW()));
`

	subscriptionsClearSQL = `DELETE FROM session_subscriptions;`

	subscriptionInsertSQL = `
INSERT INTO session_subscriptions (kind, account_id, symbol_id, period, position, updated_at)
VALUES (@kind, @account_id, @symbol_id, @period, @position, NOW())
ON CONFLICT (kind, account_id, symbol_id, period) DO UPDATE SET
    position = EXCLUDED.position,
    updated_at = NOW();
`

	subscriptionsSelectSQL = `
SELECT kind, account_id, symbol_id, period, position
FROM session_subscriptions
ORDER BY position, kind, account_id, symbol_id, period
`

	lastTransitionSQL = `
SELECT conn_id, from_state, to_state, error_code, error_message, occurred_at
FROM session_transitions
ORDER BY id DESC
LIMIT 1
`
)

// TransitionRow is one journaled connection state change.
type TransitionRow struct {
	ConnID     uuid.UUID
	From       string
	To         string
	ErrorCode  string
	Error      string
	OccurredAt time.Time
}

// SubscriptionRow is one entry of the persisted subscription set.
type SubscriptionRow struct {
	Kind      string
	AccountID int64
	SymbolID  int64
	Period    int32
	Position  int
}

// Subscription converts the row back into a session subscription.
func (r SubscriptionRow) Subscription() session.Subscription {
	return session.Subscription{
		Kind: session.Kind(r.Kind),
		Key:  session.Key{AccountID: r.AccountID, SymbolID: r.SymbolID, Period: r.Period},
	}
}

// Batch groups rows written in one transaction. When ReplaceSubscriptions is set the
// stored subscription set is replaced by Subscriptions, even when that is empty.
type Batch struct {
	Transitions          []TransitionRow
	Subscriptions        []SubscriptionRow
	ReplaceSubscriptions bool
}

// Empty reports whether the batch carries nothing to write.
func (b Batch) Empty() bool {
	return len(b.Transitions) == 0 && !b.ReplaceSubscriptions
}

// TransitionRowOf converts a state change into its journal row.
func TransitionRowOf(change session.StateChange) TransitionRow {
	row := TransitionRow{
		From:       change.From.String(),
		To:         change.To.String(),
		OccurredAt: change.At,
	}
	if id, err := uuid.Parse(change.ConnID); err == nil {
		row.ConnID = id
	}
	if change.Err != nil {
		row.ErrorCode = string(errs.CodeOf(change.Err))
		row.Error = change.Err.Error()
	}
	return row
}

// SubscriptionRows converts a registry snapshot into rows numbered in insertion order.
func SubscriptionRows(subs []session.Subscription) []SubscriptionRow {
	rows := make([]SubscriptionRow, 0, len(subs))
	for i, sub := range subs {
		rows = append(rows, SubscriptionRow{
			Kind:      string(sub.Kind),
			AccountID: sub.Key.AccountID,
			SymbolID:  sub.Key.SymbolID,
			Period:    sub.Key.Period,
			Position:  i,
		})
	}
	return rows
}

// Store writes journal batches through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store backed by the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// WriteBatch persists every row of b in one transaction.
func (s *Store) WriteBatch(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}
	batch := queueBatch(b)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("journal batch statement %d: %w", i, err)
			}
		}
		return results.Close()
	})
}

// Subscriptions returns the stored subscription set in insertion order.
func (s *Store) Subscriptions(ctx context.Context) ([]SubscriptionRow, error) {
	rows, err := s.pool.Query(ctx, subscriptionsSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SubscriptionRow, error) {
		var r SubscriptionRow
		err := row.Scan(&r.Kind, &r.AccountID, &r.SymbolID, &r.Period, &r.Position)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan subscriptions: %w", err)
	}
	return out, nil
}

// LastTransition returns the most recent journaled transition. ok is false when the
// journal is empty.
func (s *Store) LastTransition(ctx context.Context) (row TransitionRow, ok bool, err error) {
	var (
		connID    pgtype.UUID
		errorCode pgtype.Text
		errorMsg  pgtype.Text
		occurred  pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx, lastTransitionSQL).Scan(&connID, &row.From, &row.To, &errorCode, &errorMsg, &occurred)
	if errors.Is(err, pgx.ErrNoRows) {
		return TransitionRow{}, false, nil
	}
	if err != nil {
		return TransitionRow{}, false, fmt.Errorf("last transition: %w", err)
	}
	if connID.Valid {
		row.ConnID = connID.Bytes
	}
	row.ErrorCode = errorCode.String
	row.Error = errorMsg.String
	row.OccurredAt = occurred.Time
	return row, true, nil
}

func queueBatch(b Batch) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, row := range b.Transitions {
		batch.Queue(transitionInsertSQL, pgx.NamedArgs{
			"conn_id":       optionalUUID(row.ConnID),
			"from_state":    row.From,
			"to_state":      row.To,
			"error_code":    optionalText(row.ErrorCode),
			"error_message": optionalText(row.Error),
			"occurred_at":   timestamptz(row.OccurredAt),
		})
	}
	if !b.ReplaceSubscriptions {
		return batch
	}
	batch.Queue(subscriptionsClearSQL)
	for _, row := range b.Subscriptions {
		batch.Queue(subscriptionInsertSQL, pgx.NamedArgs{
			"kind":       row.Kind,
			"account_id": row.AccountID,
			"symbol_id":  row.SymbolID,
			"period":     row.Period,
			"position":   row.Position,
		})
	}
	return batch
}
