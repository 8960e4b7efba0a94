// Package format renders trade values for people.
package format

import (
	"strings"

	"github.com/shopspring/decimal"

	"trade-reconciler/internal/models"
)

const (
	missing = "N/A"
	blank   = "--"
)

var (
	cent = decimal.RequireFromString("0.01")
	one  = decimal.NewFromInt(1)
)

// DecimalPlaces picks the precision for a value by magnitude.
func DecimalPlaces(d decimal.Decimal) int32 {
	abs := d.Abs()
	switch {
	case abs.LessThan(cent):
		return 4
	case abs.LessThan(one):
		return 3
	default:
		return 2
	}
}

// Value renders v with precision by magnitude, or "N/A" when absent.
func Value(v decimal.NullDecimal) string {
	if !v.Valid {
		return missing
	}
	return Fixed(v.Decimal)
}

// Fixed renders d with precision by magnitude.
func Fixed(d decimal.Decimal) string {
	return d.StringFixedBank(DecimalPlaces(d))
}

// PnL renders a profit figure. It is blank when the execution price equals
// the average fill, or when price and PnL are both zero.
func PnL(pnl decimal.NullDecimal, avgFill, price decimal.Decimal) string {
	if avgFill.Equal(price) {
		return blank
	}
	if !pnl.Valid {
		return missing
	}
	if price.IsZero() && pnl.Decimal.IsZero() {
		return blank
	}
	return Fixed(pnl.Decimal)
}

// Percentage renders a PnL percentage with two decimals and a % sign, using
// the same blank rules as PnL.
func Percentage(pct decimal.NullDecimal, avgFill, price decimal.Decimal) string {
	if avgFill.Equal(price) {
		return blank
	}
	if !pct.Valid {
		return missing
	}
	if price.IsZero() && pct.Decimal.IsZero() {
		return blank
	}
	return pct.Decimal.StringFixedBank(2) + "%"
}

// Price renders an execution price. It is blank when equal to the average
// fill, and for closed executions without a price.
func Price(price decimal.NullDecimal, avgFill decimal.Decimal, isOpen bool) string {
	if !price.Valid {
		return missing
	}
	if avgFill.Equal(price.Decimal) {
		return blank
	}
	if !isOpen && price.Decimal.IsZero() {
		return blank
	}
	return Fixed(price.Decimal)
}

// AssetName renders an asset symbol for display.
func AssetName(s string) string {
	if s == "" {
		return missing
	}
	return strings.ToUpper(strings.ReplaceAll(s, "_", " "))
}

// TradeView is a display row for one record.
type TradeView struct {
	ID         uint   `json:"id" yaml:"id"`
	Asset      string `json:"asset" yaml:"asset"`
	OrderTime  string `json:"order_time" yaml:"order_time"`
	Side       string `json:"side" yaml:"side"`
	AvgFill    string `json:"avg_fill" yaml:"avg_fill"`
	Price      string `json:"price" yaml:"price"`
	Filled     string `json:"filled" yaml:"filled"`
	Original   string `json:"original" yaml:"original"`
	PnL        string `json:"pnl" yaml:"pnl"`
	Percentage string `json:"pnl_percentage" yaml:"pnl_percentage"`
	Fee        string `json:"fee" yaml:"fee"`
	State      string `json:"state" yaml:"state"`
}

// Trade builds the display row of t.
func Trade(t models.TradeRecord) TradeView {
	return TradeView{
		ID:         t.ID,
		Asset:      AssetName(t.UnderlyingAsset),
		OrderTime:  t.OrderTime.UTC().Format("2006-01-02 15:04:05"),
		Side:       string(t.Side),
		AvgFill:    Fixed(t.AvgFill),
		Price:      Price(decimal.NewNullDecimal(t.Price), t.AvgFill, t.IsOpen),
		Filled:     Fixed(t.FilledQuantity),
		Original:   Value(t.OriginalFilledQuantity),
		PnL:        PnL(decimal.NewNullDecimal(t.PnL), t.AvgFill, t.Price),
		Percentage: Percentage(decimal.NewNullDecimal(t.PnLPercentage), t.AvgFill, t.Price),
		Fee:        Fixed(t.Fee),
		State:      state(t),
	}
}

func state(t models.TradeRecord) string {
	switch {
	case t.IsMatched:
		return "matched"
	case t.IsPartiallyMatched:
		return "partial"
	case t.IsOpen:
		return "open"
	default:
		return "unmatched"
	}
}
