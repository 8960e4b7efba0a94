package orchestrator

import (
	"context"
	"fmt"

	"trade-reconciler/internal/store"
)

// Discovery decides which assets of an owner a run should rematch.
type Discovery interface {
	// Name returns the unique name of the strategy.
	Name() string

	// Page returns up to limit assets starting at offset, in a stable order.
	Page(ctx context.Context, st *store.Store, ownerID uint, limit, offset int) ([]string, error)
}

// AllAssets rematches every asset the owner has records for.
type AllAssets struct{}

func (AllAssets) Name() string { return "all" }

func (AllAssets) Page(ctx context.Context, st *store.Store, ownerID uint, limit, offset int) ([]string, error) {
	return st.DistinctAssets(ctx, ownerID, limit, offset)
}

// UnprocessedAssets rematches assets with records newer than their
// watermark, and assets that were never matched.
type UnprocessedAssets struct{}

func (UnprocessedAssets) Name() string { return "unprocessed" }

func (UnprocessedAssets) Page(ctx context.Context, st *store.Store, ownerID uint, limit, offset int) ([]string, error) {
	return st.UnprocessedAssets(ctx, ownerID, limit, offset)
}

// DiscoveryFor picks the strategy for an incremental or full run.
func DiscoveryFor(incremental bool) Discovery {
	if incremental {
		return UnprocessedAssets{}
	}
	return AllAssets{}
}

// discover collects every asset the strategy yields, pageSize at a time.
func discover(ctx context.Context, st *store.Store, d Discovery, ownerID uint, pageSize int) ([]string, error) {
	var assets []string
	for offset := 0; ; offset += pageSize {
		page, err := d.Page(ctx, st, ownerID, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("%s discovery failed: %w", d.Name(), err)
		}
		assets = append(assets, page...)
		if len(page) < pageSize {
			return assets, nil
		}
	}
}
