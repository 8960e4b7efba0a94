// Package queue is a durable, database-backed job queue with retries and
// group completion callbacks.
//
// Delivery is at least once: a job whose worker disappears is picked up
// again once its lease expires, so handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trade-reconciler/internal/config"
	"trade-reconciler/internal/models"
)

// Handler processes the payload of one job.
type Handler func(ctx context.Context, payload []byte) error

// Callback runs once every job of a group reached a final state.
type Callback func(ctx context.Context, group GroupResult) error

// GroupResult is handed to a group callback.
type GroupResult struct {
	ID      string
	Total   int
	Failed  int
	Payload []byte
}

// ErrUnknownKind is returned when no handler is registered for a job kind.
var ErrUnknownKind = errors.New("no handler registered")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Queue stores jobs in the jobs and job_groups tables.
type Queue struct {
	db     *gorm.DB
	logger *zap.Logger
	cfg    config.Queue
	now    func() time.Time

	mu        sync.RWMutex
	handlers  map[string]Handler
	callbacks map[string]Callback
}

// New creates a queue. The tables must already be migrated.
func New(db *gorm.DB, logger *zap.Logger, cfg config.Queue) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Queue{
		db:        db,
		logger:    logger.Named("queue"),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		handlers:  make(map[string]Handler),
		callbacks: make(map[string]Callback),
	}
}

// Register installs the handler for a job kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// RegisterCallback installs a named group callback.
func (q *Queue) RegisterCallback(name string, cb Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks[name] = cb
}

// Submit enqueues one job and returns its ID.
func (q *Queue) Submit(ctx context.Context, kind string, payload any) (string, error) {
	job, err := q.newJob(kind, payload, "")
	if err != nil {
		return "", err
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("failed to submit %s job: %w", kind, err)
	}
	return job.ID, nil
}

// SubmitGroup enqueues one job per payload and arranges for callback to run
// once all of them are done or failed. An empty group completes at once.
func (q *Queue) SubmitGroup(ctx context.Context, kind string, payloads []any, callback string, callbackPayload any) (string, error) {
	cbData, err := json.Marshal(callbackPayload)
	if err != nil {
		return "", fmt.Errorf("failed to encode callback payload: %w", err)
	}

	group := &models.JobGroup{
		ID:       ulid.Make().String(),
		Total:    len(payloads),
		Pending:  len(payloads),
		Callback: callback,
		Payload:  cbData,
	}

	jobs := make([]*models.Job, 0, len(payloads))
	for _, p := range payloads {
		job, err := q.newJob(kind, p, group.ID)
		if err != nil {
			return "", err
		}
		jobs = append(jobs, job)
	}

	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		return tx.CreateInBatches(jobs, 100).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit %s group: %w", kind, err)
	}

	q.logger.Debug("Submitted group", zap.String("group_id", group.ID), zap.String("kind", kind), zap.Int("jobs", len(jobs)))
	if len(jobs) == 0 {
		q.settle(ctx, group.ID)
	}
	return group.ID, nil
}

func (q *Queue) newJob(kind string, payload any, groupID string) (*models.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &models.Job{
		ID:          ulid.Make().String(),
		Kind:        kind,
		Payload:     data,
		GroupID:     groupID,
		State:       models.JobPending,
		MaxAttempts: q.cfg.MaxAttempts,
		RunAt:       q.now(),
	}, nil
}

// Backoff returns the delay before retry number attempt (1-based).
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(q.cfg.RetryDelay) * math.Pow(q.cfg.RetryMultiplier, float64(attempt-1)))
	if q.cfg.MaxRetryDelay > 0 && (d > q.cfg.MaxRetryDelay || d < 0) {
		d = q.cfg.MaxRetryDelay
	}
	return d
}

// Outstanding counts jobs that are not final yet plus completed groups
// whose callback has not fired.
func (q *Queue) Outstanding(ctx context.Context) (int64, error) {
	var jobs, groups int64
	err := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("state IN ?", []models.JobState{models.JobPending, models.JobRunning}).
		Count(&jobs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding jobs: %w", err)
	}
	err = q.db.WithContext(ctx).Model(&models.JobGroup{}).
		Where("pending <= 0 AND fired = ?", false).
		Count(&groups).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unsettled groups: %w", err)
	}
	return jobs + groups, nil
}

// Group loads a job group.
func (q *Queue) Group(ctx context.Context, id string) (*models.JobGroup, error) {
	var g models.JobGroup
	if err := q.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", id, err)
	}
	return &g, nil
}

// Jobs lists the jobs of a group in submission order.
func (q *Queue) Jobs(ctx context.Context, groupID string) ([]models.Job, error) {
	var jobs []models.Job
	if err := q.db.WithContext(ctx).Where("group_id = ?", groupID).Order("id").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs of group %s: %w", groupID, err)
	}
	return jobs, nil
}
