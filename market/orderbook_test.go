package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-alpha-go/gateway"
)

func TestNewSnapshotSortsAndFilters(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := NewSnapshot("BTCUSDT",
		[][2]float64{{99.5, 2}, {100, 1}, {98, 0}, {-1, 3}},
		[][2]float64{{102, 3}, {101, 1.5}},
		ts, time.Second)

	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	bid, ask := snap.Best()
	assert.Equal(t, 100.0, bid)
	assert.Equal(t, 101.0, ask)
	assert.Equal(t, 100.5, snap.Mid())
	assert.Equal(t, 101.0, snap.BestOpposing(gateway.SideBuy))
	assert.Equal(t, 100.0, snap.BestOpposing(gateway.SideSell))
}

func TestSnapshotFreshness(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := NewSnapshot("X", [][2]float64{{1, 1}}, nil, ts, 100*time.Millisecond)
	assert.True(t, snap.Fresh(ts.Add(100*time.Millisecond)))
	assert.False(t, snap.Fresh(ts.Add(101*time.Millisecond)))

	forever := NewSnapshot("X", nil, nil, ts, 0)
	assert.True(t, forever.Fresh(ts.Add(time.Hour)))
	assert.True(t, forever.Empty())

	var missing *OrderBookSnapshot
	assert.False(t, missing.Fresh(ts))
	assert.Equal(t, 0.0, missing.Mid())
}

func TestEstimateFillPrice(t *testing.T) {
	snap := NewSnapshot("X",
		[][2]float64{{100, 1}, {99.5, 3}},
		[][2]float64{{101, 2}, {102.5, 5}},
		time.Now(), 0)

	price, cum := snap.EstimateFillPrice(gateway.SideBuy, 3)
	assert.Equal(t, 102.5, price)
	assert.Equal(t, 7.0, cum)

	price, cum = snap.EstimateFillPrice(gateway.SideSell, 1)
	assert.Equal(t, 100.0, price)
	assert.Equal(t, 1.0, cum)
}

func TestTopVolume(t *testing.T) {
	levels := []Level{{Price: 1, Volume: 1}, {Price: 2, Volume: 2}, {Price: 3, Volume: 3}}
	assert.Equal(t, 3.0, TopVolume(levels, 2))
	assert.Equal(t, 6.0, TopVolume(levels, 0))
}
