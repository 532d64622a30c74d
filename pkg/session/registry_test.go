package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func spot(account, symbol int64) Subscription {
	return Subscription{Kind: KindSpot, Key: Key{AccountID: account, SymbolID: symbol}}
}

func TestRegistryKeepsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Add(spot(1, 10)))
	require.True(t, r.Add(spot(1, 20)))
	require.True(t, r.Add(Subscription{Kind: KindDepth, Key: Key{AccountID: 1, SymbolID: 10}}))
	require.False(t, r.Add(spot(1, 10)), "adding twice is idempotent")

	require.Equal(t, []Subscription{
		spot(1, 10),
		spot(1, 20),
		{Kind: KindDepth, Key: Key{AccountID: 1, SymbolID: 10}},
	}, r.Snapshot())
}

func TestRegistryReAddAppends(t *testing.T) {
	r := NewRegistry()
	r.Add(spot(1, 10))
	r.Add(spot(1, 20))
	require.True(t, r.Remove(spot(1, 10)))
	require.False(t, r.Remove(spot(1, 10)))
	r.Add(spot(1, 10))
	require.Equal(t, []Subscription{spot(1, 20), spot(1, 10)}, r.Snapshot())
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Add(spot(1, 10))
	snap := r.Snapshot()
	snap[0] = spot(9, 9)
	require.True(t, r.Contains(spot(1, 10)))
	require.False(t, r.Contains(spot(9, 9)))
}

func TestRegistryRemoveWhere(t *testing.T) {
	r := NewRegistry()
	r.Add(spot(1, 10))
	r.Add(spot(2, 10))
	r.Add(spot(1, 30))
	r.Add(Subscription{Kind: KindLiveTrendbar, Key: Key{AccountID: 1, SymbolID: 10, Period: 5}})

	removed := r.RemoveWhere(func(s Subscription) bool { return s.Key.AccountID == 1 })
	require.Equal(t, 3, removed)
	require.Equal(t, []Subscription{spot(2, 10)}, r.Snapshot())
	require.Equal(t, 1, r.Len())
}

func TestSubscriptionString(t *testing.T) {
	require.Equal(t, "spot/1/10", spot(1, 10).String())
	bar := Subscription{Kind: KindLiveTrendbar, Key: Key{AccountID: 1, SymbolID: 10, Period: 5}}
	require.Equal(t, "live_trendbar/1/10/5", bar.String())
}
