package entity

import "time"

type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCanceled   RunStatus = "canceled"
)

// Run is one execution attempt of a job on a worker. A job accumulates one
// run per attempt; retries create new rows rather than rewriting old ones.
type Run struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	JobID     string    `json:"job_id" binding:"required" gorm:"not null;index"`
	WorkerID  string    `json:"worker_id" binding:"required" gorm:"not null;index"`
	Status    RunStatus `json:"status" binding:"required,oneof=in_progress completed failed canceled" gorm:"not null;index"`
	LogFile   string    `json:"log_file"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;index"`
}

func (r *Run) IsTerminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}
