package entity

import "time"

type WorkerStatus string

const (
	WorkerStatusStarting   WorkerStatus = "starting"
	WorkerStatusActive     WorkerStatus = "active"
	WorkerStatusShutdown   WorkerStatus = "shutdown"
	WorkerStatusTerminated WorkerStatus = "terminated"
)

type Worker struct {
	ID             string       `json:"id" gorm:"primaryKey"`
	OrganizationID string       `json:"organization_id" binding:"required" gorm:"not null;index"`
	Status         WorkerStatus `json:"status" binding:"required,oneof=starting active shutdown terminated" gorm:"not null;index"`
	GPUType        string       `json:"gpu_type" gorm:"not null"`
	GPUCount       int          `json:"gpu_count" binding:"min=1" gorm:"not null;default:1"`
	VRAMGB         int          `json:"vram_gb" gorm:"not null"`
	DockerImage    string       `json:"docker_image" gorm:"not null;index"`
	PodID          string       `json:"pod_id" gorm:"index"`
	Ping           time.Time    `json:"ping"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null"`
}
