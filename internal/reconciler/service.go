// Package reconciler is the application service behind the CLI and the
// HTTP API.
package reconciler

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"trade-reconciler/internal/dedup"
	"trade-reconciler/internal/ingest"
	"trade-reconciler/internal/models"
	"trade-reconciler/internal/orchestrator"
	"trade-reconciler/internal/store"
)

// Dispatcher starts and cancels background matching runs.
type Dispatcher interface {
	Start(ctx context.Context, req orchestrator.Request) (*orchestrator.Run, error)
	Cancel(ctx context.Context, uploadID uint) error
}

// Options tune the service.
type Options struct {
	BatchSize   int
	Incremental bool
}

// Summary reports the outcome of one upload.
type Summary struct {
	UploadID   uint                   `json:"upload_id" yaml:"upload_id"`
	FileName   string                 `json:"file_name" yaml:"file_name"`
	NewTrades  int                    `json:"new_trades" yaml:"new_trades"`
	Duplicates int                    `json:"duplicates" yaml:"duplicates"`
	Canceled   int                    `json:"canceled" yaml:"canceled"`
	CleanedUp  int64                  `json:"cleaned_up" yaml:"cleaned_up"`
	Rejected   []ingest.RowParseError `json:"rejected,omitempty" yaml:"rejected,omitempty"`
	RunID      string                 `json:"run_id,omitempty" yaml:"run_id,omitempty"`
}

// Service coordinates ingestion, queries and matching runs.
type Service struct {
	logger     *zap.Logger
	store      *store.Store
	parser     *ingest.Parser
	filter     *dedup.Filter
	dispatcher Dispatcher
	opts       Options
}

// NewService wires the service. dispatcher may be nil, in which case
// uploads are stored but never matched automatically.
func NewService(logger *zap.Logger, st *store.Store, parser *ingest.Parser, filter *dedup.Filter, dispatcher Dispatcher, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &Service{
		logger:     logger.Named("reconciler"),
		store:      st,
		parser:     parser,
		filter:     filter,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// Upload parses an export, stores the trades that are new and starts a
// matching run for them. Deduplication, insert and the upload's trade count
// commit together or not at all. A failure to start the run is logged and
// leaves RunID empty.
func (s *Service) Upload(ctx context.Context, ownerID uint, fileName string, r io.Reader) (*Summary, error) {
	parsed, err := s.parser.Parse(r, ownerID, fileName)
	if err != nil {
		return nil, err
	}

	upload, err := s.store.GetOrCreateUpload(ctx, ownerID, fileName)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		UploadID: upload.ID,
		FileName: fileName,
		Canceled: parsed.Canceled,
		Rejected: parsed.Rejected,
	}

	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		res, err := s.filter.Apply(ctx, tx, parsed.Trades)
		if err != nil {
			return err
		}
		if err := tx.InsertTrades(ctx, res.Accepted, s.opts.BatchSize); err != nil {
			return err
		}
		if len(res.Accepted) > 0 {
			if err := tx.IncrementTradeCount(ctx, upload.ID, int64(len(res.Accepted))); err != nil {
				return err
			}
		}
		summary.NewTrades = len(res.Accepted)
		summary.Duplicates = res.Duplicates
		summary.CleanedUp = res.CleanedUp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", fileName, err)
	}

	l := s.logger.With(zap.Uint("owner_id", ownerID), zap.String("file", fileName), zap.Uint("upload_id", upload.ID))
	l.Info("Stored upload",
		zap.Int("new", summary.NewTrades),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("canceled", summary.Canceled),
		zap.Int("rejected", len(summary.Rejected)),
	)

	if summary.NewTrades > 0 && s.dispatcher != nil {
		run, err := s.dispatcher.Start(ctx, orchestrator.Request{
			OwnerID:     ownerID,
			UploadID:    upload.ID,
			Incremental: s.opts.Incremental,
		})
		if err != nil {
			l.Warn("Failed to start matching run", zap.Error(err))
		} else {
			summary.RunID = run.ID
		}
	}
	return summary, nil
}

// Trades lists an owner's records.
func (s *Service) Trades(ctx context.Context, ownerID uint, filter store.TradeFilter) ([]models.TradeRecord, error) {
	filter.OwnerID = ownerID
	return s.store.ListTrades(ctx, filter)
}

// Statuses returns the matching watermarks of an owner.
func (s *Service) Statuses(ctx context.Context, ownerID uint) ([]models.ProcessingStatus, error) {
	return s.store.ProcessingStatuses(ctx, ownerID)
}

// Uploads returns the files an owner has uploaded.
func (s *Service) Uploads(ctx context.Context, ownerID uint) ([]models.FileUpload, error) {
	return s.store.ListUploads(ctx, ownerID)
}

// Match starts a run over the owner's assets.
func (s *Service) Match(ctx context.Context, ownerID uint, incremental bool) (*orchestrator.Run, error) {
	if s.dispatcher == nil {
		return nil, fmt.Errorf("matching is not configured")
	}
	return s.dispatcher.Start(ctx, orchestrator.Request{OwnerID: ownerID, Incremental: incremental})
}

// Cancel stops the run of one upload before its next asset.
func (s *Service) Cancel(ctx context.Context, ownerID uint, fileName string) error {
	if s.dispatcher == nil {
		return fmt.Errorf("matching is not configured")
	}
	upload, err := s.store.FindUpload(ctx, ownerID, fileName)
	if err != nil {
		return err
	}
	return s.dispatcher.Cancel(ctx, upload.ID)
}

// DeleteByOwner removes everything an owner has stored.
func (s *Service) DeleteByOwner(ctx context.Context, ownerID uint) (int64, error) {
	n, err := s.store.DeleteByOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Deleted owner trades", zap.Uint("owner_id", ownerID), zap.Int64("deleted", n))
	return n, nil
}

// DeleteByFile removes one file's trades and rematches the assets it touched.
func (s *Service) DeleteByFile(ctx context.Context, ownerID uint, fileName string) (int64, error) {
	n, assets, err := s.store.DeleteByFile(ctx, ownerID, fileName)
	if err != nil {
		return 0, err
	}
	l := s.logger.With(zap.Uint("owner_id", ownerID), zap.String("file", fileName))
	l.Info("Deleted file trades", zap.Int64("deleted", n), zap.Strings("assets", assets))

	if len(assets) > 0 && s.dispatcher != nil {
		if _, err := s.dispatcher.Start(ctx, orchestrator.Request{OwnerID: ownerID, Incremental: true}); err != nil {
			l.Warn("Failed to start rematch after delete", zap.Error(err))
		}
	}
	return n, nil
}

// DeleteAll removes every stored trade.
func (s *Service) DeleteAll(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Warn("Deleted all trades", zap.Int64("deleted", n))
	return n, nil
}
