// Package orchestrator schedules matching passes as background jobs, one per
// asset, and tracks the processing state of the upload that triggered them.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trade-reconciler/internal/config"
	"trade-reconciler/internal/matcher"
	"trade-reconciler/internal/models"
	"trade-reconciler/internal/queue"
	"trade-reconciler/internal/store"
)

const (
	KindMatchAsset    = "match_asset"
	CallbackFinishRun = "finish_run"
)

var (
	// ErrAlreadyProcessing is returned when the upload already has a run.
	ErrAlreadyProcessing = errors.New("upload is already processing")
	// ErrNotProcessing is returned when cancelling an idle upload.
	ErrNotProcessing = errors.New("upload is not processing")
)

// Request describes one matching run. UploadID is optional; when set the
// upload is held in the processing state for the duration of the run.
type Request struct {
	OwnerID     uint
	UploadID    uint
	Incremental bool
}

// Run is a submitted matching run.
type Run struct {
	ID        string   `json:"id" yaml:"id"`
	OwnerID   uint     `json:"owner_id" yaml:"owner_id"`
	UploadID  uint     `json:"upload_id,omitempty" yaml:"upload_id,omitempty"`
	Discovery string   `json:"discovery" yaml:"discovery"`
	Assets    []string `json:"assets" yaml:"assets"`
}

type matchPayload struct {
	OwnerID  uint      `json:"owner_id"`
	UploadID uint      `json:"upload_id,omitempty"`
	Asset    string    `json:"asset"`
	Deadline time.Time `json:"deadline"`
}

type finishPayload struct {
	OwnerID   uint      `json:"owner_id"`
	UploadID  uint      `json:"upload_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// FinishHook is told about every matching run that completed.
type FinishHook func(ownerID uint)

// Orchestrator fans matching out over the job queue.
type Orchestrator struct {
	logger  *zap.Logger
	store   *store.Store
	engine  *matcher.Engine
	queue   *queue.Queue
	cfg     config.Matching
	limiter *rate.Limiter
	now     func() time.Time

	hooksMu sync.RWMutex
	hooks   []FinishHook
}

// New creates an orchestrator and registers its handler and callback on q.
func New(logger *zap.Logger, st *store.Store, engine *matcher.Engine, q *queue.Queue, cfg config.Matching) *Orchestrator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	limit := rate.Inf
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
	}
	burst := cfg.DispatchBurst
	if burst <= 0 {
		burst = 1
	}

	o := &Orchestrator{
		logger:  logger.Named("orchestrator"),
		store:   st,
		engine:  engine,
		queue:   q,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		now:     func() time.Time { return time.Now().UTC() },
	}
	q.Register(KindMatchAsset, o.handleMatchAsset)
	q.RegisterCallback(CallbackFinishRun, o.finishRun)
	return o
}

// OnFinish registers fn to run after each run released its upload, for
// example to drop cached reads of the owner.
func (o *Orchestrator) OnFinish(fn FinishHook) {
	o.hooksMu.Lock()
	defer o.hooksMu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// Start discovers the assets to rematch and submits one job per asset.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Run, error) {
	if req.UploadID != 0 {
		_, err := o.store.TransitionUpload(ctx, req.UploadID, []models.UploadState{models.UploadIdle}, models.UploadProcessing)
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("upload %d: %w", req.UploadID, ErrAlreadyProcessing)
		}
		if err != nil {
			return nil, err
		}
	}

	run, err := o.submit(ctx, req)
	if err != nil {
		if rerr := o.release(ctx, req.UploadID); rerr != nil {
			o.logger.Warn("Failed to release upload", zap.Uint("upload_id", req.UploadID), zap.Error(rerr))
		}
		return nil, err
	}
	return run, nil
}

func (o *Orchestrator) submit(ctx context.Context, req Request) (*Run, error) {
	d := DiscoveryFor(req.Incremental)
	assets, err := discover(ctx, o.store, d, req.OwnerID, o.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	started := o.now()
	var deadline time.Time
	if o.cfg.SoftTimeout > 0 {
		deadline = started.Add(o.cfg.SoftTimeout)
	}

	payloads := make([]any, len(assets))
	for k, asset := range assets {
		payloads[k] = matchPayload{OwnerID: req.OwnerID, UploadID: req.UploadID, Asset: asset, Deadline: deadline}
	}

	groupID, err := o.queue.SubmitGroup(ctx, KindMatchAsset, payloads, CallbackFinishRun, finishPayload{
		OwnerID:   req.OwnerID,
		UploadID:  req.UploadID,
		StartedAt: started,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit matching run: %w", err)
	}

	o.logger.Info("Submitted matching run",
		zap.String("run_id", groupID),
		zap.Uint("owner_id", req.OwnerID),
		zap.Uint("upload_id", req.UploadID),
		zap.String("discovery", d.Name()),
		zap.Int("assets", len(assets)),
	)
	return &Run{ID: groupID, OwnerID: req.OwnerID, UploadID: req.UploadID, Discovery: d.Name(), Assets: assets}, nil
}

// release returns an upload to idle after a run ended or never started. An
// upload that is gone or already idle needs nothing.
func (o *Orchestrator) release(ctx context.Context, uploadID uint) error {
	if uploadID == 0 {
		return nil
	}
	upload, err := o.store.TransitionUpload(ctx, uploadID,
		[]models.UploadState{models.UploadProcessing, models.UploadCancelling}, models.UploadIdle)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		o.logger.Info("Upload was deleted during the run", zap.Uint("upload_id", uploadID))
		return nil
	case errors.Is(err, store.ErrConflict) && upload != nil && upload.State == models.UploadIdle:
		return nil
	default:
		return fmt.Errorf("failed to release upload %d: %w", uploadID, err)
	}
}

// Cancel asks a running pass to stop before its next asset.
func (o *Orchestrator) Cancel(ctx context.Context, uploadID uint) error {
	upload, err := o.store.TransitionUpload(ctx, uploadID, []models.UploadState{models.UploadProcessing}, models.UploadCancelling)
	if errors.Is(err, store.ErrConflict) {
		if upload != nil && upload.CancelRequested() {
			return nil
		}
		return fmt.Errorf("upload %d: %w", uploadID, ErrNotProcessing)
	}
	if err != nil {
		return err
	}
	o.logger.Info("Cancellation requested", zap.Uint("upload_id", uploadID))
	return nil
}

// RunAndWait starts a run, works the queue until it is empty and returns
// the owner's watermarks.
func (o *Orchestrator) RunAndWait(ctx context.Context, req Request) (*Run, []models.ProcessingStatus, error) {
	run, err := o.Start(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := o.queue.Drain(ctx); err != nil {
		return run, nil, fmt.Errorf("failed to wait for run %s: %w", run.ID, err)
	}
	statuses, err := o.store.ProcessingStatuses(ctx, req.OwnerID)
	if err != nil {
		return run, nil, err
	}
	return run, statuses, nil
}

func (o *Orchestrator) handleMatchAsset(ctx context.Context, data []byte) error {
	var p matchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return queue.Permanent(fmt.Errorf("invalid %s payload: %w", KindMatchAsset, err))
	}
	l := o.logger.With(zap.Uint("owner_id", p.OwnerID), zap.String("asset", p.Asset))

	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}

	if p.UploadID != 0 {
		upload, err := o.store.GetUpload(ctx, p.UploadID)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(err)
		}
		if err != nil {
			return err
		}
		if upload.CancelRequested() {
			l.Info("Run cancelled, skipping asset")
			return nil
		}
	}

	if !p.Deadline.IsZero() && o.now().After(p.Deadline) {
		l.Warn("Run deadline passed, skipping asset", zap.Time("deadline", p.Deadline))
		return nil
	}

	runCtx := ctx
	if o.cfg.HardTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.HardTimeout)
		defer cancel()
	}

	if _, err := o.engine.Process(runCtx, p.OwnerID, p.Asset); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) finishRun(ctx context.Context, g queue.GroupResult) error {
	var p finishPayload
	if err := json.Unmarshal(g.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("invalid %s payload: %w", CallbackFinishRun, err))
	}
	// A failed release is retried by the queue; the upload must not stay
	// processing.
	if err := o.release(ctx, p.UploadID); err != nil {
		return err
	}

	o.hooksMu.RLock()
	hooks := o.hooks
	o.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(p.OwnerID)
	}

	l := o.logger.With(
		zap.String("run_id", g.ID),
		zap.Uint("owner_id", p.OwnerID),
		zap.Uint("upload_id", p.UploadID),
		zap.Int("assets", g.Total),
		zap.Duration("elapsed", o.now().Sub(p.StartedAt)),
	)
	if g.Failed == 0 {
		l.Info("Matching run finished")
		return nil
	}

	jobs, err := o.queue.Jobs(ctx, g.ID)
	if err != nil {
		return err
	}
	var failures error
	for _, job := range jobs {
		if job.State == models.JobFailed {
			failures = multierr.Append(failures, errors.New(job.LastError))
		}
	}
	l.Error("Matching run finished with failures", zap.Int("failed", g.Failed), zap.Error(failures))
	return nil
}
