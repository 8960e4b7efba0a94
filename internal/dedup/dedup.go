// Package dedup drops candidate trades that were already ingested.
package dedup

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-reconciler/internal/models"
	"trade-reconciler/internal/store"
)

// DefaultTolerance is the largest avg fill difference still treated as the
// same execution.
var DefaultTolerance = decimal.RequireFromString("0.0001")

// Result summarises one filtered batch.
type Result struct {
	Accepted   []models.TradeRecord
	Duplicates int
	CleanedUp  int64
}

// Filter detects duplicates against stored records and within the batch.
type Filter struct {
	logger    *zap.Logger
	tolerance decimal.Decimal
}

// NewFilter creates a filter. A non-positive tolerance selects DefaultTolerance.
func NewFilter(logger *zap.Logger, tolerance decimal.Decimal) *Filter {
	if !tolerance.IsPositive() {
		tolerance = DefaultTolerance
	}
	return &Filter{logger: logger.Named("dedup"), tolerance: tolerance}
}

// IsDuplicate reports whether a and b describe the same execution: same
// owner, asset, order time and fee, and avg fill within tolerance inclusive.
func IsDuplicate(a, b models.TradeRecord, tolerance decimal.Decimal) bool {
	return a.OwnerID == b.OwnerID &&
		a.UnderlyingAsset == b.UnderlyingAsset &&
		a.OrderTime.Equal(b.OrderTime) &&
		a.Fee.Equal(b.Fee) &&
		a.AvgFill.Sub(b.AvgFill).Abs().LessThanOrEqual(tolerance)
}

// Apply splits candidates into accepted and duplicate records. When more
// than one stored record matches a candidate, all but the lowest ID are
// deleted. Run it inside the same transaction as the insert of the accepted
// records so the check and the write cannot interleave with another batch.
func (f *Filter) Apply(ctx context.Context, tx *store.Store, candidates []models.TradeRecord) (*Result, error) {
	res := &Result{}
	seen := make(map[executionKey][]models.TradeRecord)
	for _, c := range candidates {
		key := keyOf(c)
		if f.anyDuplicate(seen[key], c) {
			res.Duplicates++
			continue
		}

		existing, err := tx.FindExecutions(ctx, c.OwnerID, c.UnderlyingAsset, c.OrderTime)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s at %s: %w", c.UnderlyingAsset, c.OrderTime, err)
		}

		var matches []uint
		for _, e := range existing {
			if IsDuplicate(c, e, f.tolerance) {
				matches = append(matches, e.ID)
			}
		}
		if len(matches) == 0 {
			res.Accepted = append(res.Accepted, c)
			seen[key] = append(seen[key], c)
			continue
		}

		res.Duplicates++
		if len(matches) > 1 {
			// existing is ordered by ID, so matches[0] is the survivor.
			n, err := tx.DeleteTrades(ctx, matches[1:])
			if err != nil {
				return nil, fmt.Errorf("failed to remove extra copies of %s at %s: %w", c.UnderlyingAsset, c.OrderTime, err)
			}
			res.CleanedUp += n
			f.logger.Warn("Removed duplicate stored executions",
				zap.Uint("owner_id", c.OwnerID),
				zap.String("asset", c.UnderlyingAsset),
				zap.Time("order_time", c.OrderTime),
				zap.Uint("kept_id", matches[0]),
				zap.Int64("removed", n),
			)
		}
	}
	return res, nil
}

type executionKey struct {
	owner uint
	asset string
	at    int64
}

func keyOf(t models.TradeRecord) executionKey {
	return executionKey{owner: t.OwnerID, asset: t.UnderlyingAsset, at: t.OrderTime.UnixNano()}
}

func (f *Filter) anyDuplicate(accepted []models.TradeRecord, c models.TradeRecord) bool {
	for _, a := range accepted {
		if IsDuplicate(a, c, f.tolerance) {
			return true
		}
	}
	return false
}
