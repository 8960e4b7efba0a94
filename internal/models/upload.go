package models

import "time"

// UploadState is the matching lifecycle of a FileUpload.
type UploadState string

const (
	UploadIdle       UploadState = "idle"
	UploadProcessing UploadState = "processing"
	UploadCancelling UploadState = "cancelling"
)

// FileUpload is one ingested source file. File names are unique per owner.
// State transitions are guarded by Version (compare-and-set).
type FileUpload struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	OwnerID    uint        `gorm:"not null;uniqueIndex:idx_owner_file" json:"owner_id"`
	FileName   string      `gorm:"size:250;not null;uniqueIndex:idx_owner_file" json:"file_name"`
	TradeCount int64       `gorm:"not null;default:0" json:"trade_count"`
	State      UploadState `gorm:"size:16;not null;default:'idle'" json:"state"`
	Version    int64       `gorm:"not null;default:0" json:"version"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (FileUpload) TableName() string {
	return "file_uploads"
}

// IsProcessing reports whether a matching run owns this upload.
func (u FileUpload) IsProcessing() bool {
	return u.State == UploadProcessing || u.State == UploadCancelling
}

// CancelRequested reports whether the running pass was asked to stop.
func (u FileUpload) CancelRequested() bool {
	return u.State == UploadCancelling
}

// ProcessingStatus is the watermark of the last successful matching pass
// for one (owner, asset) pair.
type ProcessingStatus struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OwnerID       uint      `gorm:"not null;uniqueIndex:idx_owner_asset_status" json:"owner_id"`
	Asset         string    `gorm:"size:32;not null;uniqueIndex:idx_owner_asset_status" json:"asset"`
	LastProcessed time.Time `gorm:"not null" json:"last_processed"`
	RunID         string    `gorm:"size:36" json:"run_id"`
	Trades        int64     `json:"trades"`
	Open          int64     `json:"open"`
}

func (ProcessingStatus) TableName() string {
	return "processing_statuses"
}
