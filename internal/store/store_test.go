package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-reconciler/internal/database"
	"trade-reconciler/internal/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open("file::memory:", 1)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	return New(db)
}

func trade(owner uint, asset string, side models.Side, qty string, at time.Time) models.TradeRecord {
	q := decimal.RequireFromString(qty)
	return models.TradeRecord{
		OwnerID:                owner,
		FileName:               "a.csv",
		UnderlyingAsset:        asset,
		OrderTime:              at,
		Side:                   side,
		AvgFill:                decimal.NewFromInt(100),
		Price:                  decimal.NewFromInt(100),
		FilledQuantity:         q,
		OriginalFilledQuantity: decimal.NewNullDecimal(q),
		Fee:                    decimal.RequireFromString("-0.1"),
	}
}

var t0 = time.Date(2024, time.March, 15, 14, 0, 0, 0, time.UTC)

func TestStore_InsertAndFindExecutions(t *testing.T) {
	// Arrange
	s := setupStore(t)
	ctx := context.Background()
	trades := []models.TradeRecord{
		trade(1, "BTCUSDT", models.SideBuy, "1", t0),
		trade(1, "BTCUSDT", models.SideSell, "1", t0.Add(time.Minute)),
		trade(2, "BTCUSDT", models.SideBuy, "1", t0),
	}

	// Act
	require.NoError(t, s.InsertTrades(ctx, trades, 2))
	found, err := s.FindExecutions(ctx, 1, "BTCUSDT", t0.In(time.FixedZone("UTC+8", 8*3600)))

	// Assert
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, models.SideBuy, found[0].Side)
	assert.True(t, decimal.NewFromInt(1).Equal(found[0].FilledQuantity))
	require.True(t, found[0].OriginalFilledQuantity.Valid)
}

func TestStore_UniqueExecutionIndex(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertTrades(ctx, []models.TradeRecord{trade(1, "BTCUSDT", models.SideBuy, "1", t0)}, 10))

	err := s.InsertTrades(ctx, []models.TradeRecord{trade(1, "BTCUSDT", models.SideBuy, "2", t0)}, 10)

	assert.Error(t, err)
}

func TestStore_EachPairChunk(t *testing.T) {
	// Arrange
	s := setupStore(t)
	ctx := context.Background()
	var trades []models.TradeRecord
	for i := 0; i < 5; i++ {
		trades = append(trades, trade(1, "ETHUSDT", models.SideBuy, "1", t0.Add(time.Duration(i)*time.Minute)))
	}
	trades = append(trades, trade(1, "ETHUSDT", models.SideSell, "1", t0.Add(time.Hour)))
	require.NoError(t, s.InsertTrades(ctx, trades, 10))

	// Act
	var chunks []int
	var ids []uint
	buy := models.SideBuy
	err := s.EachPairChunk(ctx, 1, "ETHUSDT", &buy, 2, func(batch []models.TradeRecord) error {
		chunks = append(chunks, len(batch))
		for _, tr := range batch {
			ids = append(ids, tr.ID)
		}
		return nil
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, chunks)
	assert.IsIncreasing(t, ids)
}

func TestStore_UpdateMatchState(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertTrades(ctx, []models.TradeRecord{trade(1, "BTCUSDT", models.SideBuy, "10", t0)}, 10))
	found, err := s.FindExecutions(ctx, 1, "BTCUSDT", t0)
	require.NoError(t, err)

	err = s.UpdateMatchState(ctx, found[0].ID, TradeUpdate{
		FilledQuantity:     decimal.NewFromInt(7),
		IsOpen:             true,
		IsPartiallyMatched: true,
	})
	require.NoError(t, err)

	found, err = s.FindExecutions(ctx, 1, "BTCUSDT", t0)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(7).Equal(found[0].FilledQuantity))
	assert.True(t, decimal.NewFromInt(10).Equal(found[0].OriginalFilledQuantity.Decimal))
	assert.True(t, found[0].IsOpen)
	assert.True(t, found[0].IsPartiallyMatched)
	assert.False(t, found[0].IsMatched)

	err = s.UpdateMatchState(ctx, found[0].ID, TradeUpdate{IsMatched: true, KeepQuantity: true})
	require.NoError(t, err)
	found, err = s.FindExecutions(ctx, 1, "BTCUSDT", t0)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(7).Equal(found[0].FilledQuantity))
	assert.True(t, found[0].IsMatched)
	assert.False(t, found[0].IsOpen)

	err = s.UpdateMatchState(ctx, 999, TradeUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Assets(t *testing.T) {
	// Arrange
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertTrades(ctx, []models.TradeRecord{
		trade(1, "SOLUSDT", models.SideBuy, "1", t0),
		trade(1, "BTCUSDT", models.SideBuy, "1", t0),
		trade(1, "BTCUSDT", models.SideSell, "1", t0.Add(time.Minute)),
		trade(1, "ETHUSDT", models.SideBuy, "1", t0),
		trade(2, "DOGEUSDT", models.SideBuy, "1", t0),
	}, 10))

	// Act
	first, err := s.DistinctAssets(ctx, 1, 2, 0)
	require.NoError(t, err)
	second, err := s.DistinctAssets(ctx, 1, 2, 2)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, first)
	assert.Equal(t, []string{"SOLUSDT"}, second)

	t.Run("Unprocessed", func(t *testing.T) {
		require.NoError(t, s.TouchProcessingStatus(ctx, models.ProcessingStatus{
			OwnerID: 1, Asset: "BTCUSDT", LastProcessed: time.Now().UTC().Add(time.Hour),
		}))
		require.NoError(t, s.TouchProcessingStatus(ctx, models.ProcessingStatus{
			OwnerID: 1, Asset: "ETHUSDT", LastProcessed: time.Now().UTC().Add(-time.Hour),
		}))

		assets, err := s.UnprocessedAssets(ctx, 1, 10, 0)

		require.NoError(t, err)
		assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, assets)
	})
}

func TestStore_CountPair(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	open := trade(1, "BTCUSDT", models.SideBuy, "1", t0)
	open.IsOpen = true
	require.NoError(t, s.InsertTrades(ctx, []models.TradeRecord{open, trade(1, "BTCUSDT", models.SideSell, "1", t0.Add(time.Minute))}, 10))

	total, openCount, err := s.CountPair(ctx, 1, "BTCUSDT")

	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(1), openCount)
}

func TestStore_UploadTransitions(t *testing.T) {
	// Arrange
	s := setupStore(t)
	ctx := context.Background()
	upload, err := s.GetOrCreateUpload(ctx, 1, "a.csv")
	require.NoError(t, err)
	again, err := s.GetOrCreateUpload(ctx, 1, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, upload.ID, again.ID)
	assert.Equal(t, models.UploadIdle, upload.State)

	// Act
	processing, err := s.TransitionUpload(ctx, upload.ID, []models.UploadState{models.UploadIdle}, models.UploadProcessing)
	require.NoError(t, err)
	_, conflictErr := s.TransitionUpload(ctx, upload.ID, []models.UploadState{models.UploadIdle}, models.UploadProcessing)

	// Assert
	assert.Equal(t, models.UploadProcessing, processing.State)
	assert.Equal(t, int64(1), processing.Version)
	assert.ErrorIs(t, conflictErr, ErrConflict)

	_, err = s.TransitionUpload(ctx, 999, []models.UploadState{models.UploadIdle}, models.UploadProcessing)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.IncrementTradeCount(ctx, upload.ID, 3))
	require.NoError(t, s.IncrementTradeCount(ctx, upload.ID, 2))
	loaded, err := s.FindUpload(ctx, 1, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(5), loaded.TradeCount)
}

func TestStore_TouchProcessingStatus(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.TouchProcessingStatus(ctx, models.ProcessingStatus{OwnerID: 1, Asset: "BTCUSDT", LastProcessed: t0, RunID: "a", Trades: 2}))
	require.NoError(t, s.TouchProcessingStatus(ctx, models.ProcessingStatus{OwnerID: 1, Asset: "BTCUSDT", LastProcessed: t0.Add(time.Hour), RunID: "b", Trades: 3, Open: 1}))

	statuses, err := s.ProcessingStatuses(ctx, 1)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "b", statuses[0].RunID)
	assert.Equal(t, int64(3), statuses[0].Trades)
	assert.Equal(t, int64(1), statuses[0].Open)
	assert.True(t, t0.Add(time.Hour).Equal(statuses[0].LastProcessed))

	_, err = s.GetProcessingStatus(ctx, 1, "ETHUSDT")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Deletes(t *testing.T) {
	seed := func(t *testing.T) *Store {
		s := setupStore(t)
		ctx := context.Background()
		other := trade(1, "ETHUSDT", models.SideBuy, "1", t0)
		other.FileName = "b.csv"
		require.NoError(t, s.InsertTrades(ctx, []models.TradeRecord{
			trade(1, "BTCUSDT", models.SideBuy, "1", t0),
			other,
			trade(2, "BTCUSDT", models.SideBuy, "1", t0),
		}, 10))
		_, err := s.GetOrCreateUpload(ctx, 1, "a.csv")
		require.NoError(t, err)
		require.NoError(t, s.TouchProcessingStatus(ctx, models.ProcessingStatus{OwnerID: 1, Asset: "BTCUSDT", LastProcessed: t0}))
		require.NoError(t, s.TouchProcessingStatus(ctx, models.ProcessingStatus{OwnerID: 1, Asset: "ETHUSDT", LastProcessed: t0}))
		return s
	}

	t.Run("ByOwner", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()

		n, err := s.DeleteByOwner(ctx, 1)

		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		left, err := s.ListTrades(ctx, TradeFilter{})
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, uint(2), left[0].OwnerID)
		statuses, err := s.ProcessingStatuses(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, statuses)
	})

	t.Run("ByFile", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()

		n, assets, err := s.DeleteByFile(ctx, 1, "a.csv")

		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Equal(t, []string{"BTCUSDT"}, assets)
		_, err = s.FindUpload(ctx, 1, "a.csv")
		assert.ErrorIs(t, err, ErrNotFound)
		statuses, err := s.ProcessingStatuses(ctx, 1)
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, "ETHUSDT", statuses[0].Asset)

		_, _, err = s.DeleteByFile(ctx, 1, "missing.csv")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("All", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()

		n, err := s.DeleteAll(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		left, err := s.ListTrades(ctx, TradeFilter{})
		require.NoError(t, err)
		assert.Empty(t, left)
	})
}

func TestStore_TransactionRollback(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx *Store) error {
		require.NoError(t, tx.InsertTrades(ctx, []models.TradeRecord{trade(1, "BTCUSDT", models.SideBuy, "1", t0)}, 10))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	left, err := s.ListTrades(ctx, TradeFilter{OwnerID: 1})
	require.NoError(t, err)
	assert.Empty(t, left)
}
