package matcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trade-reconciler/internal/database"
	"trade-reconciler/internal/models"
	"trade-reconciler/internal/store"
)

var base = time.Date(2024, time.March, 15, 14, 0, 0, 0, time.UTC)

func setupEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	db, err := database.Open("file::memory:", 1)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	st := store.New(db)
	return NewEngine(zap.NewNop(), st, 2), st
}

func record(asset string, side models.Side, qty string, minute int) models.TradeRecord {
	q := decimal.RequireFromString(qty)
	return models.TradeRecord{
		OwnerID:                1,
		FileName:               "a.csv",
		UnderlyingAsset:        asset,
		OrderTime:              base.Add(time.Duration(minute) * time.Minute),
		Side:                   side,
		AvgFill:                decimal.NewFromInt(100),
		FilledQuantity:         q,
		OriginalFilledQuantity: decimal.NewNullDecimal(q),
	}
}

func loadPair(t *testing.T, st *store.Store, asset string) []models.TradeRecord {
	t.Helper()
	trades, err := st.ListTrades(context.Background(), store.TradeFilter{OwnerID: 1, Asset: asset})
	require.NoError(t, err)
	return trades
}

func TestEngine_Process_PartialBuy(t *testing.T) {
	// Arrange
	e, st := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, st.InsertTrades(ctx, []models.TradeRecord{
		record("BTCUSDT", models.SideBuy, "10", 0),
		record("BTCUSDT", models.SideSell, "3", 1),
	}, 10))

	// Act
	res, err := e.Process(ctx, 1, "BTCUSDT")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, res.Trades)
	assert.Equal(t, 1, res.Open)
	assert.Equal(t, 1, res.Matched)
	assert.NotEmpty(t, res.RunID)

	trades := loadPair(t, st, "BTCUSDT")
	buy, sell := trades[0], trades[1]
	assert.True(t, decimal.NewFromInt(7).Equal(buy.FilledQuantity))
	assert.True(t, decimal.NewFromInt(10).Equal(buy.OriginalFilledQuantity.Decimal))
	assert.True(t, buy.IsOpen)
	assert.True(t, buy.IsPartiallyMatched)
	assert.False(t, buy.IsMatched)
	assert.True(t, sell.IsMatched)
	assert.False(t, sell.IsOpen)
	assert.True(t, sell.FilledQuantity.IsZero())

	status, err := st.GetProcessingStatus(ctx, 1, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, res.RunID, status.RunID)
	assert.Equal(t, int64(2), status.Trades)
	assert.Equal(t, int64(1), status.Open)
}

func TestEngine_Process_PartialSell(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, st.InsertTrades(ctx, []models.TradeRecord{
		record("ETHUSDT", models.SideBuy, "10", 0),
		record("ETHUSDT", models.SideSell, "15", 1),
	}, 10))

	_, err := e.Process(ctx, 1, "ETHUSDT")
	require.NoError(t, err)

	trades := loadPair(t, st, "ETHUSDT")
	buy, sell := trades[0], trades[1]
	assert.True(t, buy.IsMatched)
	assert.False(t, buy.IsOpen)
	assert.True(t, decimal.NewFromInt(5).Equal(sell.FilledQuantity))
	assert.True(t, sell.IsOpen)
	assert.False(t, sell.IsMatched)
}

func TestEngine_Process_Idempotent(t *testing.T) {
	// Arrange
	e, st := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, st.InsertTrades(ctx, []models.TradeRecord{
		record("SOLUSDT", models.SideBuy, "4", 0),
		record("SOLUSDT", models.SideBuy, "4", 1),
		record("SOLUSDT", models.SideSell, "5", 2),
		record("SOLUSDT", models.SideBuy, "4", 3),
		record("SOLUSDT", models.SideSell, "5", 4),
	}, 10))

	// Act
	_, err := e.Process(ctx, 1, "SOLUSDT")
	require.NoError(t, err)
	first := loadPair(t, st, "SOLUSDT")
	_, err = e.Process(ctx, 1, "SOLUSDT")
	require.NoError(t, err)
	second := loadPair(t, st, "SOLUSDT")

	// Assert
	require.Len(t, second, len(first))
	for k := range first {
		assert.True(t, first[k].FilledQuantity.Equal(second[k].FilledQuantity), "record %d", first[k].ID)
		assert.Equal(t, first[k].IsOpen, second[k].IsOpen)
		assert.Equal(t, first[k].IsMatched, second[k].IsMatched)
		assert.Equal(t, first[k].IsPartiallyMatched, second[k].IsPartiallyMatched)
	}
}

func TestEngine_Process_RematchesAfterNewTrades(t *testing.T) {
	// Arrange
	e, st := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, st.InsertTrades(ctx, []models.TradeRecord{record("BTCUSDT", models.SideBuy, "10", 0)}, 10))
	_, err := e.Process(ctx, 1, "BTCUSDT")
	require.NoError(t, err)

	// Act
	require.NoError(t, st.InsertTrades(ctx, []models.TradeRecord{record("BTCUSDT", models.SideSell, "10", 5)}, 10))
	res, err := e.Process(ctx, 1, "BTCUSDT")

	// Assert
	require.NoError(t, err)
	assert.Zero(t, res.Open)
	for _, tr := range loadPair(t, st, "BTCUSDT") {
		assert.True(t, tr.IsMatched)
		assert.True(t, tr.FilledQuantity.IsZero())
	}
}

func TestEngine_Process_LegacyRecordsAreStable(t *testing.T) {
	// Arrange
	e, st := setupEngine(t)
	ctx := context.Background()
	legacy := record("BTCUSDT", models.SideBuy, "10", 0)
	legacy.OriginalFilledQuantity = decimal.NullDecimal{}
	require.NoError(t, st.InsertTrades(ctx, []models.TradeRecord{
		legacy,
		record("BTCUSDT", models.SideSell, "3", 1),
	}, 10))

	// Act
	res, err := e.Process(ctx, 1, "BTCUSDT")
	require.NoError(t, err)
	first := loadPair(t, st, "BTCUSDT")
	for range 2 {
		_, err = e.Process(ctx, 1, "BTCUSDT")
		require.NoError(t, err)
	}
	last := loadPair(t, st, "BTCUSDT")

	// Assert
	assert.Equal(t, 1, res.Legacy)
	require.Len(t, first, 2)
	assert.True(t, decimal.NewFromInt(10).Equal(first[0].FilledQuantity))
	assert.False(t, first[0].OriginalFilledQuantity.Valid)
	assert.True(t, first[0].IsOpen)
	assert.True(t, first[0].IsPartiallyMatched)
	assert.True(t, first[1].IsMatched)
	assert.True(t, first[1].FilledQuantity.IsZero())

	require.Len(t, last, 2)
	for k := range first {
		assert.True(t, first[k].FilledQuantity.Equal(last[k].FilledQuantity), "trade %d", first[k].ID)
		assert.Equal(t, first[k].IsOpen, last[k].IsOpen)
		assert.Equal(t, first[k].IsMatched, last[k].IsMatched)
		assert.Equal(t, first[k].IsPartiallyMatched, last[k].IsPartiallyMatched)
	}
}

func TestEngine_Process_Conservation(t *testing.T) {
	// Arrange
	e, st := setupEngine(t)
	ctx := context.Background()
	var trades []models.TradeRecord
	qtys := []struct {
		side models.Side
		qty  string
	}{
		{models.SideBuy, "1.25"}, {models.SideSell, "0.5"}, {models.SideBuy, "3"},
		{models.SideSell, "2"}, {models.SideSell, "4"}, {models.SideBuy, "0.75"},
	}
	for k, q := range qtys {
		trades = append(trades, record("ARBUSDT", q.side, q.qty, k))
	}
	require.NoError(t, st.InsertTrades(ctx, trades, 10))

	// Act
	_, err := e.Process(ctx, 1, "ARBUSDT")
	require.NoError(t, err)

	// Assert
	consumed := map[models.Side]decimal.Decimal{models.SideBuy: decimal.Zero, models.SideSell: decimal.Zero}
	for _, tr := range loadPair(t, st, "ARBUSDT") {
		assert.False(t, tr.FilledQuantity.IsNegative())
		assert.True(t, tr.FilledQuantity.LessThanOrEqual(tr.OriginalFilledQuantity.Decimal))
		consumed[tr.Side] = consumed[tr.Side].Add(tr.OriginalFilledQuantity.Decimal.Sub(tr.FilledQuantity))
	}
	assert.True(t, consumed[models.SideBuy].Equal(consumed[models.SideSell]))
}

func TestEngine_Process_ConcurrentPairs(t *testing.T) {
	// Arrange
	e, st := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, st.InsertTrades(ctx, []models.TradeRecord{
		record("BTCUSDT", models.SideBuy, "1", 0),
		record("BTCUSDT", models.SideSell, "1", 1),
		record("ETHUSDT", models.SideBuy, "1", 0),
		record("ETHUSDT", models.SideSell, "1", 1),
	}, 10))

	// Act
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for k, asset := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT", "ETHUSDT"} {
		wg.Add(1)
		go func(k int, asset string) {
			defer wg.Done()
			_, errs[k] = e.Process(ctx, 1, asset)
		}(k, asset)
	}
	wg.Wait()

	// Assert
	for _, err := range errs {
		assert.NoError(t, err)
	}
	statuses, err := st.ProcessingStatuses(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.locks)
}

func TestEngine_LockIsReleasedPerPair(t *testing.T) {
	// Arrange
	e, _ := setupEngine(t)
	unlock := e.lock(1, "BTCUSDT")
	acquired := make(chan struct{})

	// Act
	go func() {
		e.lock(1, "BTCUSDT")()
		close(acquired)
	}()
	e.lock(1, "ETHUSDT")()

	// Assert
	select {
	case <-acquired:
		t.Fatal("second holder entered a locked pair")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.locks)
}
