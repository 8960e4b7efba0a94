// Package matcher pairs buy and sell executions of one asset in FIFO order
// and persists the result.
package matcher

import (
	"github.com/shopspring/decimal"

	"trade-reconciler/internal/models"
)

// Fill is one execution entering the matcher.
type Fill struct {
	ID       uint
	Quantity decimal.Decimal
	// Legacy fills have no ingested quantity to revert to. They take part
	// in matching but their quantity is never written back.
	Legacy bool
}

// Outcome is the matching state of one fill after a pass.
type Outcome struct {
	ID               uint
	Side             models.Side
	Original         decimal.Decimal
	Remaining        decimal.Decimal
	Matched          bool
	PartiallyMatched bool
	Open             bool
	Legacy           bool
}

// Pairing records quantity moved between one buy and one sell.
type Pairing struct {
	BuyID    uint
	SellID   uint
	Quantity decimal.Decimal
}

// Result holds outcomes in input order.
type Result struct {
	Buys     []Outcome
	Sells    []Outcome
	Pairings []Pairing
}

// OpenCount returns how many fills are left open.
func (r Result) OpenCount() int {
	n := 0
	for _, o := range r.Buys {
		if o.Open {
			n++
		}
	}
	for _, o := range r.Sells {
		if o.Open {
			n++
		}
	}
	return n
}

// Match consumes sells against buys oldest first. The inputs are not
// modified.
//
// While buys and sells remain: a buy at least as large as the head sell
// absorbs it and the sell closes; the buy closes once it reaches zero.
// Otherwise the buy closes and the sell keeps the difference. Fills left
// over are open; those that lost part of their quantity are flagged as
// partially matched. Only a leftover can be partially matched: a fill that
// closes is matched, and flags that only record matched or open would leave
// such a leftover indistinguishable from an untouched one.
func Match(buys, sells []Fill) Result {
	res := Result{
		Buys:  newOutcomes(buys, models.SideBuy),
		Sells: newOutcomes(sells, models.SideSell),
	}

	i, j := 0, 0
	for i < len(res.Buys) && j < len(res.Sells) {
		buy, sell := &res.Buys[i], &res.Sells[j]

		if buy.Remaining.GreaterThanOrEqual(sell.Remaining) {
			res.pair(buy.ID, sell.ID, sell.Remaining)
			buy.Remaining = buy.Remaining.Sub(sell.Remaining)
			sell.Remaining = decimal.Zero
			settle(sell)
			j++
			if buy.Remaining.IsZero() {
				settle(buy)
			}
		} else {
			res.pair(buy.ID, sell.ID, buy.Remaining)
			sell.Remaining = sell.Remaining.Sub(buy.Remaining)
			buy.Remaining = decimal.Zero
			settle(buy)
		}

		if buy.Remaining.IsZero() {
			i++
		}
	}

	markLeftovers(res.Buys)
	markLeftovers(res.Sells)
	return res
}

func newOutcomes(fills []Fill, side models.Side) []Outcome {
	out := make([]Outcome, len(fills))
	for k, f := range fills {
		out[k] = Outcome{
			ID:        f.ID,
			Side:      side,
			Original:  f.Quantity,
			Remaining: f.Quantity,
			Open:      true,
			Legacy:    f.Legacy,
		}
	}
	return out
}

func (r *Result) pair(buyID, sellID uint, qty decimal.Decimal) {
	if qty.IsZero() {
		return
	}
	r.Pairings = append(r.Pairings, Pairing{BuyID: buyID, SellID: sellID, Quantity: qty})
}

func settle(o *Outcome) {
	o.Matched = true
	o.Open = false
	o.PartiallyMatched = false
}

func markLeftovers(outcomes []Outcome) {
	for k := range outcomes {
		o := &outcomes[k]
		if o.Matched {
			continue
		}
		o.Open = true
		o.PartiallyMatched = o.Remaining.LessThan(o.Original)
	}
}
