package models

import "time"

// JobState is the delivery state of a queued job.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is a durable unit of background work.
type Job struct {
	ID          string     `gorm:"primaryKey;size:26"`
	Kind        string     `gorm:"size:64;not null;index"`
	Payload     []byte     `gorm:"type:blob"`
	GroupID     string     `gorm:"size:26;index"`
	State       JobState   `gorm:"size:16;not null;index:idx_job_ready,priority:1"`
	Attempts    int        `gorm:"not null;default:0"`
	MaxAttempts int        `gorm:"not null"`
	RunAt       time.Time  `gorm:"not null;index:idx_job_ready,priority:2"`
	LockedUntil *time.Time `gorm:"index"`
	LastError   string     `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Job) TableName() string {
	return "jobs"
}

// JobGroup joins a set of jobs and names the callback to fire once all of
// them reach a final state. Fired is set only after the callback succeeded
// or gave up; RetryAt leases a running callback and schedules its retries.
type JobGroup struct {
	ID        string     `gorm:"primaryKey;size:26"`
	Total     int        `gorm:"not null"`
	Pending   int        `gorm:"not null"`
	Failed    int        `gorm:"not null;default:0"`
	Callback  string     `gorm:"size:64"`
	Payload   []byte     `gorm:"type:blob"`
	Fired     bool       `gorm:"not null;default:false;index:idx_group_settle,priority:1"`
	Attempts  int        `gorm:"not null;default:0"`
	RetryAt   *time.Time `gorm:"index:idx_group_settle,priority:2"`
	LastError string     `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (JobGroup) TableName() string {
	return "job_groups"
}
