package dedup

import (
	"context"
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

var at = time.Date(2024, time.March, 15, 14, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.Open("file::memory:", 1)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	return store.New(db)
}

func candidate(avg, fee string) models.TradeRecord {
	q := decimal.NewFromInt(1)
	return models.TradeRecord{
		OwnerID:                1,
		UnderlyingAsset:        "BTCUSDT",
		OrderTime:              at,
		Side:                   models.SideBuy,
		AvgFill:                decimal.RequireFromString(avg),
		Fee:                    decimal.RequireFromString(fee),
		FilledQuantity:         q,
		OriginalFilledQuantity: decimal.NewNullDecimal(q),
	}
}

func TestIsDuplicate(t *testing.T) {
	base := candidate("100", "-0.1")
	testCases := []struct {
		name     string
		other    func() models.TradeRecord
		expected bool
	}{
		{name: "identical", other: func() models.TradeRecord { return candidate("100", "-0.1") }, expected: true},
		{name: "within tolerance", other: func() models.TradeRecord { return candidate("100.00005", "-0.1") }, expected: true},
		{name: "at tolerance", other: func() models.TradeRecord { return candidate("99.9999", "-0.1") }, expected: true},
		{name: "beyond tolerance", other: func() models.TradeRecord { return candidate("100.0002", "-0.1") }, expected: false},
		{name: "different fee", other: func() models.TradeRecord { return candidate("100", "-0.2") }, expected: false},
		{name: "different time", other: func() models.TradeRecord {
			c := candidate("100", "-0.1")
			c.OrderTime = at.Add(time.Second)
			return c
		}, expected: false},
		{name: "different owner", other: func() models.TradeRecord {
			c := candidate("100", "-0.1")
			c.OwnerID = 2
			return c
		}, expected: false},
		{name: "different asset", other: func() models.TradeRecord {
			c := candidate("100", "-0.1")
			c.UnderlyingAsset = "ETHUSDT"
			return c
		}, expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsDuplicate(base, tc.other(), DefaultTolerance))
		})
	}
}

func TestFilter_Apply_AgainstStored(t *testing.T) {
	// Arrange
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertTrades(ctx, []models.TradeRecord{candidate("100", "-0.1")}, 10))
	f := NewFilter(zap.NewNop(), decimal.Zero)

	// Act
	res, err := f.Apply(ctx, s, []models.TradeRecord{
		candidate("100.00005", "-0.1"),
		candidate("100.0002", "-0.1"),
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	require.Len(t, res.Accepted, 1)
	assert.True(t, decimal.RequireFromString("100.0002").Equal(res.Accepted[0].AvgFill))
	assert.Zero(t, res.CleanedUp)
}

func TestFilter_Apply_WithinBatch(t *testing.T) {
	s := setupStore(t)
	f := NewFilter(zap.NewNop(), DefaultTolerance)

	res, err := f.Apply(context.Background(), s, []models.TradeRecord{
		candidate("100", "-0.1"),
		candidate("100", "-0.1"),
		candidate("100.00001", "-0.1"),
	})

	require.NoError(t, err)
	assert.Len(t, res.Accepted, 1)
	assert.Equal(t, 2, res.Duplicates)
}

func TestFilter_Apply_CleansUpExtraCopies(t *testing.T) {
	// Arrange
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertTrades(ctx, []models.TradeRecord{
		candidate("100", "-0.1"),
		candidate("100.00005", "-0.1"),
		candidate("100.00008", "-0.1"),
	}, 10))
	before, err := s.FindExecutions(ctx, 1, "BTCUSDT", at)
	require.NoError(t, err)
	require.Len(t, before, 3)
	f := NewFilter(zap.NewNop(), DefaultTolerance)

	// Act
	res, err := f.Apply(ctx, s, []models.TradeRecord{candidate("100.00002", "-0.1")})

	// Assert
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, int64(2), res.CleanedUp)

	after, err := s.FindExecutions(ctx, 1, "BTCUSDT", at)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
}
