package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trade-reconciler/internal/models"
)

const header = "Underlying Asset,Margin Mode,Leverage,Order Time,Side,Avg Fill,Price,Filled,Total,PNL,PNL%,Fee,Order Options,Reduce-only,Status"

func csvOf(rows ...string) string {
	return strings.Join(append([]string{header}, rows...), "\n") + "\n"
}

func newTestParser(allowed ...string) *Parser {
	return NewParser(zap.NewNop(), time.UTC, "BloFin", allowed)
}

func TestParse_ValidRows(t *testing.T) {
	// Arrange
	p := newTestParser()
	input := csvOf(
		"BTCUSDT,Cross,10x,03/15/2024 14:05:09,Buy,65000.5,Market,0.5 BTC,32500.25 USDT,--,--,-1.625 USDT,GTC,N,Filled",
		"BTCUSDT,Cross,10,03/15/2024 15:00:00,Sell,66000,66000,0.5 BTC,33000 USDT,500 USDT,15.38%,-1.65 USDT,GTC,Y,Filled",
	)

	// Act
	res, err := p.Parse(strings.NewReader(input), 7, "trades.csv")

	// Assert
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Empty(t, res.Rejected)

	buy := res.Trades[0]
	assert.Equal(t, uint(7), buy.OwnerID)
	assert.Equal(t, "trades.csv", buy.FileName)
	assert.Equal(t, "BTCUSDT", buy.UnderlyingAsset)
	assert.Equal(t, 10, buy.Leverage)
	assert.Equal(t, models.SideBuy, buy.Side)
	assert.Equal(t, time.Date(2024, time.March, 15, 14, 5, 9, 0, time.UTC), buy.OrderTime)
	assert.True(t, decimal.RequireFromString("65000.5").Equal(buy.AvgFill))
	assert.True(t, buy.Price.IsZero())
	assert.True(t, decimal.RequireFromString("0.5").Equal(buy.FilledQuantity))
	require.True(t, buy.OriginalFilledQuantity.Valid)
	assert.True(t, buy.FilledQuantity.Equal(buy.OriginalFilledQuantity.Decimal))
	assert.True(t, buy.PnL.IsZero())
	assert.True(t, decimal.RequireFromString("-1.625").Equal(buy.Fee))
	require.NotNil(t, buy.ReduceOnly)
	assert.False(t, *buy.ReduceOnly)
	assert.Equal(t, "BloFin", buy.Exchange)
	assert.Equal(t, "Filled", buy.TradeStatus)

	sell := res.Trades[1]
	assert.Equal(t, models.SideSell, sell.Side)
	assert.True(t, decimal.RequireFromString("15.38").Equal(sell.PnLPercentage))
	require.NotNil(t, sell.ReduceOnly)
	assert.True(t, *sell.ReduceOnly)
}

func TestParse_TimeZone(t *testing.T) {
	// Arrange
	loc := time.FixedZone("UTC+8", 8*3600)
	p := NewParser(zap.NewNop(), loc, "BloFin", nil)
	input := csvOf("ETHUSDT,Cross,5,03/15/2024 14:00:00,Buy,3000,3000,1,3000,--,--,0,GTC,N,Filled")

	// Act
	res, err := p.Parse(strings.NewReader(input), 1, "a.csv")

	// Assert
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, time.Date(2024, time.March, 15, 6, 0, 0, 0, time.UTC), res.Trades[0].OrderTime)
}

func TestParse_SchemaMismatch(t *testing.T) {
	t.Run("MissingColumn", func(t *testing.T) {
		p := newTestParser()
		input := strings.Replace(header, ",Fee", "", 1) + "\n"

		_, err := p.Parse(strings.NewReader(input), 1, "a.csv")

		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Equal(t, []string{"Fee"}, schemaErr.Missing)
		assert.Empty(t, schemaErr.Unexpected)
	})

	t.Run("ExtraColumn", func(t *testing.T) {
		p := newTestParser()
		input := header + ",Comment\n"

		_, err := p.Parse(strings.NewReader(input), 1, "a.csv")

		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Empty(t, schemaErr.Missing)
		assert.Equal(t, []string{"Comment"}, schemaErr.Unexpected)
		assert.Contains(t, err.Error(), "Comment")
	})

	t.Run("EmptyInput", func(t *testing.T) {
		p := newTestParser()

		_, err := p.Parse(strings.NewReader(""), 1, "a.csv")

		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Len(t, schemaErr.Missing, len(RequiredColumns))
	})

	t.Run("ByteOrderMark", func(t *testing.T) {
		p := newTestParser()
		input := "\ufeff" + csvOf("ETHUSDT,Cross,5,03/15/2024 14:00:00,Buy,3000,3000,1,3000,--,--,0,GTC,N,Filled")

		res, err := p.Parse(strings.NewReader(input), 1, "a.csv")

		require.NoError(t, err)
		assert.Len(t, res.Trades, 1)
	})
}

func TestParse_CanceledRows(t *testing.T) {
	// Arrange
	p := newTestParser()
	input := csvOf(
		"ETHUSDT,Cross,5,03/15/2024 14:00:00,Buy,3000,3000,1,3000,--,--,0,GTC,N,Canceled",
		"ETHUSDT,Cross,5,03/15/2024 14:01:00,Buy,3000,3000,1,3000,--,--,0,GTC,N,Canceled",
		"ETHUSDT,Cross,5,03/15/2024 14:02:00,Buy,3000,3000,1,3000,--,--,0,GTC,N,Filled",
	)

	// Act
	res, err := p.Parse(strings.NewReader(input), 1, "a.csv")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, res.Canceled)
	assert.Len(t, res.Trades, 1)
}

func TestParse_AllowList(t *testing.T) {
	// Arrange
	p := newTestParser("BTCUSDT")
	input := csvOf(
		"DOGEUSDT,Cross,5,03/15/2024 14:00:00,Buy,0.1,0.1,100,10,--,--,0,GTC,N,Filled",
		"BTCUSDT,Cross,5,03/15/2024 14:00:00,Buy,65000,65000,1,65000,--,--,0,GTC,N,Filled",
	)

	// Act
	res, err := p.Parse(strings.NewReader(input), 1, "a.csv")

	// Assert
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "BTCUSDT", res.Trades[0].UnderlyingAsset)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Canceled)
}

func TestParse_RejectedRows(t *testing.T) {
	// Arrange
	p := newTestParser()
	input := csvOf(
		"ETHUSDT,Cross,abc,03/15/2024 14:00:00,Buy,3000,3000,1,3000,--,--,0,GTC,N,Filled",
		"ETHUSDT,Cross,5,2024-03-15,Buy,3000,3000,1,3000,--,--,0,GTC,N,Filled",
		"ETHUSDT,Cross,5,03/15/2024 14:00:00,Long,3000,3000,1,3000,--,--,0,GTC,N,Filled",
		"ETHUSDT,Cross,5",
		"ETHUSDT,Cross,5,03/15/2024 14:00:00,Sell,3000,3000,1,3000,--,--,0,GTC,--,Filled",
	)

	// Act
	res, err := p.Parse(strings.NewReader(input), 1, "a.csv")

	// Assert
	require.NoError(t, err)
	require.Len(t, res.Rejected, 4)
	assert.Equal(t, ColLeverage, res.Rejected[0].Column)
	assert.Equal(t, 2, res.Rejected[0].Line)
	assert.Equal(t, ColOrderTime, res.Rejected[1].Column)
	assert.Equal(t, ColSide, res.Rejected[2].Column)
	assert.Equal(t, 5, res.Rejected[3].Line)

	require.Len(t, res.Trades, 1)
	assert.Nil(t, res.Trades[0].ReduceOnly)
}
