package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"trade-reconciler/internal/models"
)

// TradeFilter narrows ListTrades. Zero values mean no restriction.
type TradeFilter struct {
	OwnerID uint
	Asset   string
	File    string
	Limit   int
	Offset  int
}

// TradeUpdate is the matching state written back for one record.
type TradeUpdate struct {
	FilledQuantity     decimal.Decimal
	IsOpen             bool
	IsMatched          bool
	IsPartiallyMatched bool
	// KeepQuantity leaves filled_quantity as stored.
	KeepQuantity bool
}

// FindExecutions returns the records of one owner and asset placed at
// exactly orderTime, lowest ID first.
func (s *Store) FindExecutions(ctx context.Context, ownerID uint, asset string, orderTime time.Time) ([]models.TradeRecord, error) {
	var trades []models.TradeRecord
	err := s.conn(ctx).
		Where("owner_id = ? AND underlying_asset = ? AND order_time = ?", ownerID, asset, orderTime.UTC()).
		Order("id").
		Find(&trades).Error
	if err != nil {
		return nil, wrap("find executions", err)
	}
	return trades, nil
}

// InsertTrades creates trades in batches of batchSize.
func (s *Store) InsertTrades(ctx context.Context, trades []models.TradeRecord, batchSize int) error {
	if len(trades) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if err := s.conn(ctx).CreateInBatches(&trades, batchSize).Error; err != nil {
		return wrap("insert trades", err)
	}
	return nil
}

// DeleteTrades removes the given records.
func (s *Store) DeleteTrades(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.conn(ctx).Where("id IN ?", ids).Delete(&models.TradeRecord{})
	if res.Error != nil {
		return 0, wrap("delete trades", res.Error)
	}
	return res.RowsAffected, nil
}

// EachPairChunk visits the records of one owner and asset in primary key
// order, chunkSize at a time. A nil side visits both sides.
func (s *Store) EachPairChunk(ctx context.Context, ownerID uint, asset string, side *models.Side, chunkSize int, fn func([]models.TradeRecord) error) error {
	q := s.conn(ctx).Where("owner_id = ? AND underlying_asset = ?", ownerID, asset)
	if side != nil {
		q = q.Where("side = ?", *side)
	}
	return s.eachChunk(q, chunkSize, fn)
}

// EachOwnerChunk visits every record of an owner in primary key order.
func (s *Store) EachOwnerChunk(ctx context.Context, ownerID uint, chunkSize int, fn func([]models.TradeRecord) error) error {
	return s.eachChunk(s.conn(ctx).Where("owner_id = ?", ownerID), chunkSize, fn)
}

func (s *Store) eachChunk(q *gorm.DB, chunkSize int, fn func([]models.TradeRecord) error) error {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	var batch []models.TradeRecord
	res := q.FindInBatches(&batch, chunkSize, func(_ *gorm.DB, _ int) error {
		return fn(batch)
	})
	if res.Error != nil {
		return wrap("scan trades", res.Error)
	}
	return nil
}

// UpdateMatchState writes the matching outcome of one record.
func (s *Store) UpdateMatchState(ctx context.Context, id uint, u TradeUpdate) error {
	updates := map[string]any{
		"is_open":              u.IsOpen,
		"is_matched":           u.IsMatched,
		"is_partially_matched": u.IsPartiallyMatched,
	}
	if !u.KeepQuantity {
		updates["filled_quantity"] = u.FilledQuantity
	}
	res := s.conn(ctx).Model(&models.TradeRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return wrap("update match state", res.Error)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Entity: "trade", Key: fmt.Sprint(id)}
	}
	return nil
}

// ListTrades returns records matching f, oldest execution first.
func (s *Store) ListTrades(ctx context.Context, f TradeFilter) ([]models.TradeRecord, error) {
	q := s.conn(ctx).Model(&models.TradeRecord{})
	if f.OwnerID != 0 {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.Asset != "" {
		q = q.Where("underlying_asset = ?", f.Asset)
	}
	if f.File != "" {
		q = q.Where("file_name = ?", f.File)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var trades []models.TradeRecord
	if err := q.Order("order_time, id").Find(&trades).Error; err != nil {
		return nil, wrap("list trades", err)
	}
	return trades, nil
}

// CountPair returns how many records an owner has for asset and how many of
// them are open.
func (s *Store) CountPair(ctx context.Context, ownerID uint, asset string) (total, open int64, err error) {
	q := s.conn(ctx).Model(&models.TradeRecord{}).Where("owner_id = ? AND underlying_asset = ?", ownerID, asset)
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return 0, 0, wrap("count trades", err)
	}
	if err := q.Session(&gorm.Session{}).Where("is_open = ?", true).Count(&open).Error; err != nil {
		return 0, 0, wrap("count open trades", err)
	}
	return total, open, nil
}

// DistinctAssets pages through the assets an owner has records for.
func (s *Store) DistinctAssets(ctx context.Context, ownerID uint, limit, offset int) ([]string, error) {
	var assets []string
	err := s.conn(ctx).Model(&models.TradeRecord{}).
		Where("owner_id = ?", ownerID).
		Distinct().
		Order("underlying_asset").
		Limit(limit).Offset(offset).
		Pluck("underlying_asset", &assets).Error
	if err != nil {
		return nil, wrap("distinct assets", err)
	}
	return assets, nil
}

// UnprocessedAssets pages through the assets that have records created
// after their matching watermark, or no watermark at all.
func (s *Store) UnprocessedAssets(ctx context.Context, ownerID uint, limit, offset int) ([]string, error) {
	var assets []string
	err := s.conn(ctx).Table("trade_records AS t").
		Joins("LEFT JOIN processing_statuses AS p ON p.owner_id = t.owner_id AND p.asset = t.underlying_asset").
		Where("t.owner_id = ?", ownerID).
		Where("p.id IS NULL OR t.created_at > p.last_processed").
		Distinct().
		Order("t.underlying_asset").
		Limit(limit).Offset(offset).
		Pluck("t.underlying_asset", &assets).Error
	if err != nil {
		return nil, wrap("unprocessed assets", err)
	}
	return assets, nil
}

// DeleteByOwner removes every record, upload and watermark of an owner.
func (s *Store) DeleteByOwner(ctx context.Context, ownerID uint) (int64, error) {
	var deleted int64
	err := s.Transaction(ctx, func(tx *Store) error {
		res := tx.conn(ctx).Where("owner_id = ?", ownerID).Delete(&models.TradeRecord{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return multierr.Combine(
			tx.conn(ctx).Where("owner_id = ?", ownerID).Delete(&models.FileUpload{}).Error,
			tx.conn(ctx).Where("owner_id = ?", ownerID).Delete(&models.ProcessingStatus{}).Error,
		)
	})
	if err != nil {
		return 0, wrap("delete by owner", err)
	}
	return deleted, nil
}

// DeleteByFile removes the records that came from one file together with
// its upload row. Watermarks of the affected assets are dropped so the next
// incremental pass rematches them.
func (s *Store) DeleteByFile(ctx context.Context, ownerID uint, fileName string) (int64, []string, error) {
	var (
		deleted int64
		assets  []string
	)
	err := s.Transaction(ctx, func(tx *Store) error {
		err := tx.conn(ctx).Model(&models.TradeRecord{}).
			Where("owner_id = ? AND file_name = ?", ownerID, fileName).
			Distinct().
			Pluck("underlying_asset", &assets).Error
		if err != nil {
			return err
		}

		res := tx.conn(ctx).Where("owner_id = ? AND file_name = ?", ownerID, fileName).Delete(&models.TradeRecord{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected

		up := tx.conn(ctx).Where("owner_id = ? AND file_name = ?", ownerID, fileName).Delete(&models.FileUpload{})
		if up.Error != nil {
			return up.Error
		}
		if deleted == 0 && up.RowsAffected == 0 {
			return &NotFoundError{Entity: "file", Key: fileName}
		}

		if len(assets) == 0 {
			return nil
		}
		return tx.conn(ctx).Where("owner_id = ? AND asset IN ?", ownerID, assets).Delete(&models.ProcessingStatus{}).Error
	})
	if err != nil {
		return 0, nil, wrap("delete by file", err)
	}
	return deleted, assets, nil
}

// DeleteAll removes every record, upload and watermark.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.Transaction(ctx, func(tx *Store) error {
		res := tx.conn(ctx).Where("1 = 1").Delete(&models.TradeRecord{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return multierr.Combine(
			tx.conn(ctx).Where("1 = 1").Delete(&models.FileUpload{}).Error,
			tx.conn(ctx).Where("1 = 1").Delete(&models.ProcessingStatus{}).Error,
		)
	})
	if err != nil {
		return 0, wrap("delete all", err)
	}
	return deleted, nil
}
