package matcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trade-reconciler/internal/models"
	"trade-reconciler/internal/store"
)

// AssetResult summarises one matching pass over an (owner, asset) pair.
type AssetResult struct {
	OwnerID  uint   `json:"owner_id" yaml:"owner_id"`
	Asset    string `json:"asset" yaml:"asset"`
	RunID    string `json:"run_id" yaml:"run_id"`
	Trades   int    `json:"trades" yaml:"trades"`
	Open     int    `json:"open" yaml:"open"`
	Matched  int    `json:"matched" yaml:"matched"`
	Pairings int    `json:"pairings" yaml:"pairings"`
	Legacy   int    `json:"legacy" yaml:"legacy"`
	Failed   int    `json:"failed" yaml:"failed"`
}

// Engine runs matching passes against the store. Passes over the same pair
// are serialised; different pairs may run concurrently.
type Engine struct {
	logger    *zap.Logger
	store     *store.Store
	chunkSize int
	now       func() time.Time

	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

// NewEngine creates a matching engine that scans records chunkSize at a time.
func NewEngine(logger *zap.Logger, st *store.Store, chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Engine{
		logger:    logger.Named("matcher"),
		store:     st,
		chunkSize: chunkSize,
		locks:     make(map[pairKey]*pairLock),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type pairKey struct {
	owner uint
	asset string
}

// pairLock is dropped from the map once nobody holds or waits on it.
type pairLock struct {
	mu   sync.Mutex
	refs int
}

func (e *Engine) lock(owner uint, asset string) func() {
	key := pairKey{owner, asset}
	e.mu.Lock()
	pl, ok := e.locks[key]
	if !ok {
		pl = &pairLock{}
		e.locks[key] = pl
	}
	pl.refs++
	e.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		pl.refs--
		if pl.refs == 0 {
			delete(e.locks, key)
		}
	}
}

// Process reverts every record of the pair to its ingested quantity, rematches
// all of them and advances the pair's watermark, in one transaction. Running
// it twice leaves the records unchanged.
func (e *Engine) Process(ctx context.Context, ownerID uint, asset string) (*AssetResult, error) {
	unlock := e.lock(ownerID, asset)
	defer unlock()

	res := &AssetResult{OwnerID: ownerID, Asset: asset, RunID: uuid.NewString()}
	l := e.logger.With(zap.Uint("owner_id", ownerID), zap.String("asset", asset), zap.String("run_id", res.RunID))
	started := e.now()

	err := e.store.Transaction(ctx, func(tx *store.Store) error {
		legacy, err := e.revert(ctx, tx, l, ownerID, asset)
		if err != nil {
			return err
		}
		res.Legacy = legacy

		buys, err := e.loadFills(ctx, tx, ownerID, asset, models.SideBuy)
		if err != nil {
			return err
		}
		sells, err := e.loadFills(ctx, tx, ownerID, asset, models.SideSell)
		if err != nil {
			return err
		}

		result := Match(buys, sells)
		res.Failed = e.persist(ctx, tx, l, result)
		res.Trades = len(buys) + len(sells)
		res.Open = result.OpenCount()
		res.Matched = res.Trades - res.Open
		res.Pairings = len(result.Pairings)

		return tx.TouchProcessingStatus(ctx, models.ProcessingStatus{
			OwnerID:       ownerID,
			Asset:         asset,
			LastProcessed: started,
			RunID:         res.RunID,
			Trades:        int64(res.Trades),
			Open:          int64(res.Open),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to match %s for owner %d: %w", asset, ownerID, err)
	}

	l.Info("Matched asset",
		zap.Int("trades", res.Trades),
		zap.Int("open", res.Open),
		zap.Int("pairings", res.Pairings),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// revert restores the ingested quantity and clears the matching flags.
// Records without an ingested quantity are left as they are.
func (e *Engine) revert(ctx context.Context, tx *store.Store, l *zap.Logger, ownerID uint, asset string) (int, error) {
	legacy := 0
	err := tx.EachPairChunk(ctx, ownerID, asset, nil, e.chunkSize, func(batch []models.TradeRecord) error {
		for _, t := range batch {
			if !t.OriginalFilledQuantity.Valid {
				legacy++
				l.Warn("Record has no original quantity, leaving it untouched", zap.Uint("trade_id", t.ID))
				continue
			}
			original := t.OriginalFilledQuantity.Decimal
			if t.FilledQuantity.Equal(original) && !t.IsOpen && !t.IsMatched && !t.IsPartiallyMatched {
				continue
			}
			err := tx.UpdateMatchState(ctx, t.ID, store.TradeUpdate{FilledQuantity: original})
			if err != nil {
				l.Error("Failed to revert record", zap.Uint("trade_id", t.ID), zap.Error(err))
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to revert: %w", err)
	}
	return legacy, nil
}

func (e *Engine) loadFills(ctx context.Context, tx *store.Store, ownerID uint, asset string, side models.Side) ([]Fill, error) {
	var fills []Fill
	err := tx.EachPairChunk(ctx, ownerID, asset, &side, e.chunkSize, func(batch []models.TradeRecord) error {
		for _, t := range batch {
			fills = append(fills, Fill{
				ID:       t.ID,
				Quantity: t.FilledQuantity,
				Legacy:   !t.OriginalFilledQuantity.Valid,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s fills: %w", side, err)
	}
	return fills, nil
}

// persist writes every outcome and returns how many writes failed. Legacy
// records only get their flags, so a later pass starts from the same
// quantity.
func (e *Engine) persist(ctx context.Context, tx *store.Store, l *zap.Logger, result Result) int {
	failed := 0
	for _, outcomes := range [][]Outcome{result.Buys, result.Sells} {
		for _, o := range outcomes {
			err := tx.UpdateMatchState(ctx, o.ID, store.TradeUpdate{
				FilledQuantity:     o.Remaining,
				IsOpen:             o.Open,
				IsMatched:          o.Matched,
				IsPartiallyMatched: o.PartiallyMatched,
				KeepQuantity:       o.Legacy,
			})
			if err != nil {
				failed++
				l.Error("Failed to save match state", zap.Uint("trade_id", o.ID), zap.Error(err))
			}
		}
	}
	return failed
}
