package entity

import (
	"time"

	"gorm.io/datatypes"
)

type JobType string

const (
	JobTypeScript    JobType = "script"
	JobTypeFineTune  JobType = "fine-tuning"
	JobTypeInference JobType = "inference"
	JobTypeCustom    JobType = "custom"
	JobTypeAPI       JobType = "api"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

type Job struct {
	ID              string         `json:"id" gorm:"primaryKey"`
	Type            JobType        `json:"type" binding:"required" gorm:"not null;index"`
	Status          JobStatus      `json:"status" binding:"required,oneof=pending in_progress completed failed canceled" gorm:"not null;index"`
	RequiresVRAMGB  int            `json:"requires_vram_gb" gorm:"not null;default:0"`
	AllowedHardware datatypes.JSON `json:"allowed_hardware,omitempty" gorm:"type:jsonb"`
	DockerImage     string         `json:"docker_image" gorm:"not null;index"`
	Params          datatypes.JSON `json:"params" gorm:"type:jsonb"`
	Outputs         datatypes.JSON `json:"outputs,omitempty" gorm:"type:jsonb"`
	Model           string         `json:"model" gorm:"index"`
	OrganizationID  string         `json:"organization_id" binding:"required" gorm:"not null;index"`
	WorkerID        *string        `json:"worker_id,omitempty" gorm:"index"`
	Timeout         *time.Time     `json:"timeout,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null;index"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}
