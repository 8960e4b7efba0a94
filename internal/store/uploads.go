package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trade-reconciler/internal/models"
)

const casAttempts = 3

// GetOrCreateUpload returns the upload row of (owner, fileName), creating an
// idle one on first use.
func (s *Store) GetOrCreateUpload(ctx context.Context, ownerID uint, fileName string) (*models.FileUpload, error) {
	upload := models.FileUpload{OwnerID: ownerID, FileName: fileName, State: models.UploadIdle}
	err := s.conn(ctx).
		Where(models.FileUpload{OwnerID: ownerID, FileName: fileName}).
		FirstOrCreate(&upload).Error
	if err != nil {
		return nil, wrap("get or create upload", err)
	}
	return &upload, nil
}

// GetUpload loads an upload by ID.
func (s *Store) GetUpload(ctx context.Context, id uint) (*models.FileUpload, error) {
	var upload models.FileUpload
	err := s.conn(ctx).First(&upload, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Entity: "upload", Key: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, wrap("get upload", err)
	}
	return &upload, nil
}

// FindUpload loads the upload of (owner, fileName).
func (s *Store) FindUpload(ctx context.Context, ownerID uint, fileName string) (*models.FileUpload, error) {
	var upload models.FileUpload
	err := s.conn(ctx).Where("owner_id = ? AND file_name = ?", ownerID, fileName).First(&upload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Entity: "upload", Key: fileName}
	}
	if err != nil {
		return nil, wrap("find upload", err)
	}
	return &upload, nil
}

// ListUploads returns an owner's uploads by file name.
func (s *Store) ListUploads(ctx context.Context, ownerID uint) ([]models.FileUpload, error) {
	var uploads []models.FileUpload
	if err := s.conn(ctx).Where("owner_id = ?", ownerID).Order("file_name").Find(&uploads).Error; err != nil {
		return nil, wrap("list uploads", err)
	}
	return uploads, nil
}

// IncrementTradeCount adds n accepted trades to an upload.
func (s *Store) IncrementTradeCount(ctx context.Context, id uint, n int64) error {
	res := s.conn(ctx).Model(&models.FileUpload{}).Where("id = ?", id).
		Update("trade_count", gorm.Expr("trade_count + ?", n))
	if res.Error != nil {
		return wrap("increment trade count", res.Error)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Entity: "upload", Key: fmt.Sprint(id)}
	}
	return nil
}

// TransitionUpload moves an upload to state `to` if its current state is one
// of `from`. The write is a compare-and-set on Version. When the current
// state is not allowed the returned error wraps ErrConflict and the upload
// as last read is returned alongside it.
func (s *Store) TransitionUpload(ctx context.Context, id uint, from []models.UploadState, to models.UploadState) (*models.FileUpload, error) {
	for range casAttempts {
		upload, err := s.GetUpload(ctx, id)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(from, upload.State) {
			return upload, fmt.Errorf("upload %d is %s: %w", id, upload.State, ErrConflict)
		}

		res := s.conn(ctx).Model(&models.FileUpload{}).
			Where("id = ? AND version = ?", id, upload.Version).
			Updates(map[string]any{
				"state":   to,
				"version": upload.Version + 1,
			})
		if res.Error != nil {
			return nil, wrap("transition upload", res.Error)
		}
		if res.RowsAffected == 1 {
			upload.State = to
			upload.Version++
			return upload, nil
		}
	}
	return nil, fmt.Errorf("upload %d: %w", id, ErrConflict)
}

// TouchProcessingStatus creates or refreshes the watermark of a pair.
func (s *Store) TouchProcessingStatus(ctx context.Context, status models.ProcessingStatus) error {
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "asset"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_processed", "run_id", "trades", "open"}),
	}).Create(&status).Error
	if err != nil {
		return wrap("touch processing status", err)
	}
	return nil
}

// ProcessingStatuses returns the watermarks of an owner by asset.
func (s *Store) ProcessingStatuses(ctx context.Context, ownerID uint) ([]models.ProcessingStatus, error) {
	var statuses []models.ProcessingStatus
	if err := s.conn(ctx).Where("owner_id = ?", ownerID).Order("asset").Find(&statuses).Error; err != nil {
		return nil, wrap("processing statuses", err)
	}
	return statuses, nil
}

// GetProcessingStatus loads the watermark of one pair.
func (s *Store) GetProcessingStatus(ctx context.Context, ownerID uint, asset string) (*models.ProcessingStatus, error) {
	var status models.ProcessingStatus
	err := s.conn(ctx).Where("owner_id = ? AND asset = ?", ownerID, asset).First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Entity: "processing status", Key: asset}
	}
	if err != nil {
		return nil, wrap("get processing status", err)
	}
	return &status, nil
}
