package reconciler

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"trade-reconciler/internal/models"
)

// AssetExposure aggregates an owner's records of one asset.
type AssetExposure struct {
	Asset        string          `json:"asset" yaml:"asset"`
	Trades       int             `json:"trades" yaml:"trades"`
	Open         int             `json:"open" yaml:"open"`
	OpenBuyQty   decimal.Decimal `json:"open_buy_qty" yaml:"open_buy_qty"`
	OpenSellQty  decimal.Decimal `json:"open_sell_qty" yaml:"open_sell_qty"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl" yaml:"realized_pnl"`
	Fees         decimal.Decimal `json:"fees" yaml:"fees"`
	ClosedTrades int             `json:"closed_trades" yaml:"closed_trades"`
	Wins         int             `json:"wins" yaml:"wins"`
	WinRate      decimal.Decimal `json:"win_rate" yaml:"win_rate"`
}

// Exposure summarises open quantity and realised results per asset. Closed
// trades are the ones carrying a non-zero PnL; win rate is the percentage
// of them that were profitable.
func (s *Service) Exposure(ctx context.Context, ownerID uint) ([]AssetExposure, error) {
	byAsset := make(map[string]*AssetExposure)
	err := s.store.EachOwnerChunk(ctx, ownerID, s.opts.BatchSize, func(batch []models.TradeRecord) error {
		for _, t := range batch {
			e, ok := byAsset[t.UnderlyingAsset]
			if !ok {
				e = &AssetExposure{Asset: t.UnderlyingAsset}
				byAsset[t.UnderlyingAsset] = e
			}
			e.Trades++
			e.Fees = e.Fees.Add(t.Fee)
			if t.IsOpen {
				e.Open++
				if t.Side == models.SideBuy {
					e.OpenBuyQty = e.OpenBuyQty.Add(t.FilledQuantity)
				} else {
					e.OpenSellQty = e.OpenSellQty.Add(t.FilledQuantity)
				}
			}
			if !t.PnL.IsZero() {
				e.ClosedTrades++
				e.RealizedPnL = e.RealizedPnL.Add(t.PnL)
				if t.PnL.IsPositive() {
					e.Wins++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]AssetExposure, 0, len(byAsset))
	for _, e := range byAsset {
		if e.ClosedTrades > 0 {
			e.WinRate = decimal.NewFromInt(int64(e.Wins)).
				Mul(decimal.NewFromInt(100)).
				Div(decimal.NewFromInt(int64(e.ClosedTrades))).
				Round(2)
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}
