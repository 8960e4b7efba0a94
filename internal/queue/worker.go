package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trade-reconciler/internal/models"
)

// Run polls for ready jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.logger.Info("Starting queue worker",
		zap.Int("concurrency", q.cfg.Concurrency),
		zap.Duration("poll_interval", q.cfg.PollInterval),
	)

	for {
		for {
			n, err := q.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				q.logger.Error("Queue poll failed", zap.Error(err))
			}
			if n == 0 || err != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			q.logger.Info("Stopping queue worker")
			return
		case <-ticker.C:
		}
	}
}

// Drain runs jobs until none are pending or running, or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		n, err := q.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}

		outstanding, err := q.Outstanding(ctx)
		if err != nil {
			return err
		}
		if outstanding == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.nextWake(ctx)):
		}
	}
}

// nextWake is how long to sleep before a pending job or a group callback
// retry becomes ready, bounded by the poll interval.
func (q *Queue) nextWake(ctx context.Context) time.Duration {
	wait := q.cfg.PollInterval

	var job models.Job
	err := q.db.WithContext(ctx).
		Where("state = ?", models.JobPending).
		Order("run_at").
		Take(&job).Error
	if err == nil {
		wait = min(wait, job.RunAt.Sub(q.now()))
	}

	var group models.JobGroup
	err = q.db.WithContext(ctx).
		Where("pending <= 0 AND fired = ? AND retry_at IS NOT NULL", false).
		Order("retry_at").
		Take(&group).Error
	if err == nil {
		wait = min(wait, group.RetryAt.Sub(q.now()))
	}

	return max(wait, time.Millisecond)
}

// RunOnce settles completed groups whose callback is due, then claims up to
// Concurrency ready jobs and runs them. It returns how many groups and jobs
// it handled.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	now := q.now()

	settled, err := q.settleDue(ctx, now)
	if err != nil {
		return settled, err
	}

	var candidates []models.Job
	err = q.db.WithContext(ctx).
		Where("(state = ? AND run_at <= ?) OR (state = ? AND locked_until < ?)",
			models.JobPending, now, models.JobRunning, now).
		Order("run_at, id").
		Limit(q.cfg.Concurrency).
		Find(&candidates).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find ready jobs: %w", err)
	}

	var claimed []models.Job
	for _, job := range candidates {
		ok, err := q.claim(ctx, &job, now)
		if err != nil {
			return settled, err
		}
		if !ok {
			continue
		}
		if job.Attempts > job.MaxAttempts {
			// Lease ran out on the last allowed attempt.
			q.finish(ctx, job, models.JobFailed, errors.New("lease expired"))
			continue
		}
		claimed = append(claimed, job)
	}

	if len(claimed) == 0 {
		return settled, nil
	}

	p := pool.New().WithMaxGoroutines(q.cfg.Concurrency)
	for _, job := range claimed {
		p.Go(func() {
			q.execute(ctx, job)
		})
	}
	p.Wait()

	return settled + len(claimed), nil
}

// claim moves a job to running with a compare-and-set on its state and
// attempt counter.
func (q *Queue) claim(ctx context.Context, job *models.Job, now time.Time) (bool, error) {
	lockedUntil := now.Add(q.cfg.Lease)
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ? AND attempts = ?", job.ID, job.State, job.Attempts).
		Updates(map[string]any{
			"state":        models.JobRunning,
			"attempts":     job.Attempts + 1,
			"locked_until": lockedUntil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	job.State = models.JobRunning
	job.Attempts++
	job.LockedUntil = &lockedUntil
	return true, nil
}

func (q *Queue) execute(ctx context.Context, job models.Job) {
	l := q.logger.With(zap.String("job_id", job.ID), zap.String("kind", job.Kind), zap.Int("attempt", job.Attempts))

	err := q.invoke(ctx, job)
	switch {
	case err == nil:
		q.finish(ctx, job, models.JobDone, nil)
	case IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		l.Error("Job failed", zap.Error(err), zap.Bool("permanent", IsPermanent(err)))
		q.finish(ctx, job, models.JobFailed, err)
	default:
		delay := q.Backoff(job.Attempts)
		l.Warn("Job failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		q.reschedule(ctx, job, delay, err)
	}
}

func (q *Queue) invoke(ctx context.Context, job models.Job) (err error) {
	q.mu.RLock()
	h, ok := q.handlers[job.Kind]
	q.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("%w for kind %q", ErrUnknownKind, job.Kind))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job.Payload)
}

func (q *Queue) reschedule(ctx context.Context, job models.Job, delay time.Duration, cause error) {
	// Bookkeeping must survive the cancellation that may have caused the failure.
	ctx = context.WithoutCancel(ctx)
	err := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ? AND attempts = ?", job.ID, models.JobRunning, job.Attempts).
		Updates(map[string]any{
			"state":        models.JobPending,
			"run_at":       q.now().Add(delay),
			"locked_until": nil,
			"last_error":   cause.Error(),
		}).Error
	if err != nil {
		q.logger.Error("Failed to reschedule job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// finish records a final state and counts the job off its group. The group
// callback runs after the transaction commits.
func (q *Queue) finish(ctx context.Context, job models.Job, state models.JobState, cause error) {
	ctx = context.WithoutCancel(ctx)
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	completed := false
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Job{}).
			Where("id = ? AND state = ? AND attempts = ?", job.ID, models.JobRunning, job.Attempts).
			Updates(map[string]any{
				"state":        state,
				"locked_until": nil,
				"last_error":   lastError,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || job.GroupID == "" {
			// Another worker owns the job now.
			return nil
		}

		failed := 0
		if state == models.JobFailed {
			failed = 1
		}
		err := tx.Model(&models.JobGroup{}).Where("id = ?", job.GroupID).Updates(map[string]any{
			"pending": gorm.Expr("pending - 1"),
			"failed":  gorm.Expr("failed + ?", failed),
		}).Error
		if err != nil {
			return err
		}

		var group models.JobGroup
		if err := tx.First(&group, "id = ?", job.GroupID).Error; err != nil {
			return err
		}
		completed = group.Pending <= 0 && !group.Fired
		return nil
	})
	if err != nil {
		q.logger.Error("Failed to finish job", zap.String("job_id", job.ID), zap.String("state", string(state)), zap.Error(err))
		return
	}
	if completed {
		q.settle(ctx, job.GroupID)
	}
}

// settleDue fires the callbacks of completed groups that never fired or whose
// retry is due.
func (q *Queue) settleDue(ctx context.Context, now time.Time) (int, error) {
	var groups []models.JobGroup
	err := q.db.WithContext(ctx).
		Where("pending <= 0 AND fired = ? AND (retry_at IS NULL OR retry_at <= ?)", false, now).
		Order("id").
		Limit(q.cfg.Concurrency).
		Find(&groups).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find unsettled groups: %w", err)
	}

	n := 0
	for k := range groups {
		ok, err := q.claimGroup(ctx, &groups[k], now)
		if err != nil {
			return n, err
		}
		if ok {
			q.fire(ctx, &groups[k])
			n++
		}
	}
	return n, nil
}

// settle fires the callback of one completed group unless another worker
// holds it.
func (q *Queue) settle(ctx context.Context, groupID string) {
	ctx = context.WithoutCancel(ctx)
	var group models.JobGroup
	if err := q.db.WithContext(ctx).First(&group, "id = ?", groupID).Error; err != nil {
		q.logger.Error("Failed to load group", zap.String("group_id", groupID), zap.Error(err))
		return
	}
	ok, err := q.claimGroup(ctx, &group, q.now())
	if err != nil {
		q.logger.Error("Failed to claim group", zap.String("group_id", groupID), zap.Error(err))
		return
	}
	if ok {
		q.fire(ctx, &group)
	}
}

// claimGroup leases a completed group's callback with a compare-and-set on
// its attempt counter. An expired lease makes the group claimable again.
func (q *Queue) claimGroup(ctx context.Context, group *models.JobGroup, now time.Time) (bool, error) {
	lease := now.Add(q.cfg.Lease)
	res := q.db.WithContext(ctx).Model(&models.JobGroup{}).
		Where("id = ? AND pending <= 0 AND fired = ? AND attempts = ? AND (retry_at IS NULL OR retry_at <= ?)",
			group.ID, false, group.Attempts, now).
		Updates(map[string]any{
			"attempts": group.Attempts + 1,
			"retry_at": lease,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim group %s: %w", group.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	group.Attempts++
	group.RetryAt = &lease
	return true, nil
}

// fire runs the callback of a claimed group. The group is marked fired once
// the callback succeeds or its attempts are used up; otherwise the callback
// is rescheduled with backoff.
func (q *Queue) fire(ctx context.Context, group *models.JobGroup) {
	l := q.logger.With(zap.String("group_id", group.ID), zap.String("callback", group.Callback), zap.Int("attempt", group.Attempts))

	updates := map[string]any{"fired": true, "retry_at": nil, "last_error": ""}
	err := q.callback(ctx, group)
	switch {
	case err == nil:
	case IsPermanent(err) || group.Attempts >= q.cfg.MaxAttempts:
		l.Error("Group callback failed", zap.Error(err), zap.Bool("permanent", IsPermanent(err)))
		updates["last_error"] = err.Error()
	default:
		delay := q.Backoff(group.Attempts)
		l.Warn("Group callback failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		updates = map[string]any{"retry_at": q.now().Add(delay), "last_error": err.Error()}
	}

	err = q.db.WithContext(context.WithoutCancel(ctx)).Model(&models.JobGroup{}).
		Where("id = ? AND attempts = ?", group.ID, group.Attempts).
		Updates(updates).Error
	if err != nil {
		l.Error("Failed to record group callback", zap.Error(err))
	}
}

func (q *Queue) callback(ctx context.Context, group *models.JobGroup) (err error) {
	if group.Callback == "" {
		return nil
	}
	q.mu.RLock()
	cb, ok := q.callbacks[group.Callback]
	q.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("no callback registered as %q", group.Callback))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("group callback panicked: %v", r)
		}
	}()
	return cb(ctx, GroupResult{
		ID:      group.ID,
		Total:   group.Total,
		Failed:  group.Failed,
		Payload: group.Payload,
	})
}
