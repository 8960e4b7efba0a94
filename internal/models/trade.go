package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an execution.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TradeRecord is one exchange execution imported from a CSV export.
//
// FilledQuantity holds the quantity still unmatched after the last matching
// pass. OriginalFilledQuantity is the as-ingested quantity and is never
// written after creation; matching always restarts from it.
type TradeRecord struct {
	ID                     uint                `gorm:"primaryKey" json:"id"`
	OwnerID                uint                `gorm:"not null;index:idx_owner_asset_side,priority:1;uniqueIndex:idx_trade_execution,priority:1" json:"owner_id"`
	FileName               string              `gorm:"size:250;index" json:"file_name"`
	UnderlyingAsset        string              `gorm:"size:32;not null;index:idx_owner_asset_side,priority:2;uniqueIndex:idx_trade_execution,priority:2" json:"underlying_asset"`
	MarginMode             string              `gorm:"size:16" json:"margin_mode"`
	Leverage               int                 `json:"leverage"`
	OrderTime              time.Time           `gorm:"not null;uniqueIndex:idx_trade_execution,priority:3" json:"order_time"`
	Side                   Side                `gorm:"size:4;not null;index:idx_owner_asset_side,priority:3" json:"side"`
	AvgFill                decimal.Decimal     `gorm:"type:decimal(40,20);not null;uniqueIndex:idx_trade_execution,priority:4" json:"avg_fill"`
	Price                  decimal.Decimal     `gorm:"type:decimal(40,20);not null" json:"price"`
	FilledQuantity         decimal.Decimal     `gorm:"type:decimal(40,20);not null" json:"filled_quantity"`
	OriginalFilledQuantity decimal.NullDecimal `gorm:"type:decimal(40,20)" json:"original_filled_quantity"`
	PnL                    decimal.Decimal     `gorm:"column:pnl;type:decimal(40,20)" json:"pnl"`
	PnLPercentage          decimal.Decimal     `gorm:"column:pnl_percentage;type:decimal(40,20)" json:"pnl_percentage"`
	Fee                    decimal.Decimal     `gorm:"type:decimal(40,20);not null;uniqueIndex:idx_trade_execution,priority:5" json:"fee"`
	ReduceOnly             *bool               `json:"reduce_only"`
	TradeStatus            string              `gorm:"size:16" json:"trade_status"`
	Exchange               string              `gorm:"size:100" json:"exchange"`
	IsOpen                 bool                `gorm:"not null;default:false" json:"is_open"`
	IsMatched              bool                `gorm:"not null;default:false" json:"is_matched"`
	IsPartiallyMatched     bool                `gorm:"not null;default:false" json:"is_partially_matched"`
	CreatedAt              time.Time           `gorm:"index" json:"created_at"`
	LastUpdated            time.Time           `gorm:"autoUpdateTime" json:"last_updated"`
}

func (TradeRecord) TableName() string {
	return "trade_records"
}
