package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gpufleet/control-plane/entity"
	"github.com/gpufleet/control-plane/infra"
	"github.com/gpufleet/control-plane/infra/produce"
	"github.com/gpufleet/control-plane/repository"
	"gorm.io/gorm"
)

// ErrInvalidState marks a job status value outside the known lifecycle. It
// is never coerced; the current operation fails.
var ErrInvalidState = errors.New("job is in an invalid state")

// JobStore is the slice of the control store the registry needs. Implemented
// by repository.JobRepository.
type JobStore interface {
	Create(job *entity.Job) error
	FindByID(id string) (*entity.Job, error)
	Update(id string, patch map[string]interface{}) error
	Find(orgID string, filters map[string]interface{}) ([]entity.Job, error)
	ListClaimable(orgID string, maxVRAMGB int) ([]entity.Job, error)
}

// RunStore is the slice used by the claim path. Implemented by
// repository.RunRepository.
type RunStore interface {
	Create(run *entity.Run) error
}

// EventPublisher fans job lifecycle transitions out. Implemented by
// produce.JobEventService; nil disables publishing.
type EventPublisher interface {
	PublishStatusChange(ctx context.Context, msg produce.JobStatusMessage) error
}

type Registry struct {
	jobs   JobStore
	runs   RunStore
	events EventPublisher
	logger *infra.LoggerClient

	retryInterval time.Duration
	maxTries      uint
}

func NewRegistry(jobs JobStore, runs RunStore, events EventPublisher, logger *infra.LoggerClient) *Registry {
	return &Registry{
		jobs:          jobs,
		runs:          runs,
		events:        events,
		logger:        logger,
		retryInterval: 500 * time.Millisecond,
		maxTries:      4,
	}
}

// GetOrCreateOrReset is the idempotent submission entry point. The job's ID
// must already be computed by the caller (ComputeJobID / NewAdHocJobID).
//
//   - unknown id: insert as pending
//   - failed/canceled: overwrite with the new job data, force pending
//   - pending/in_progress/completed: no-op, the existing row wins
func (r *Registry) GetOrCreateOrReset(ctx context.Context, job *entity.Job) (*entity.Job, error) {
	if job.ID == "" {
		return nil, errors.New("job id must be computed before submission")
	}

	existing, err := r.fetch(ctx, job.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		job.Status = entity.JobStatusPending
		createErr := r.withRetry(ctx, func() error {
			err := r.jobs.Create(job)
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Lost the insert race: someone else created the same
				// content-addressed id. Their row is authoritative.
				return backoff.Permanent(err)
			}
			return err
		})
		if createErr == nil {
			r.publish(ctx, job, "", "created")
			return job, nil
		}
		if !errors.Is(createErr, gorm.ErrDuplicatedKey) {
			return nil, createErr
		}
		if existing, err = r.fetch(ctx, job.ID); err != nil {
			return nil, err
		}
	}

	switch existing.Status {
	case entity.JobStatusPending, entity.JobStatusInProgress, entity.JobStatusCompleted:
		return existing, nil
	case entity.JobStatusFailed, entity.JobStatusCanceled:
		// Resubmission of a dead job carries the new payload, so a retry
		// can reference updated mounts or files under the same id.
		patch := map[string]interface{}{
			"status":           entity.JobStatusPending,
			"params":           job.Params,
			"docker_image":     job.DockerImage,
			"requires_vram_gb": job.RequiresVRAMGB,
			"allowed_hardware": job.AllowedHardware,
			"model":            job.Model,
			"worker_id":        nil,
			"outputs":          nil,
		}
		if err := r.update(ctx, existing.ID, patch); err != nil {
			return nil, err
		}
		r.publish(ctx, existing, string(existing.Status), "reset")
		return r.fetch(ctx, existing.ID)
	default:
		return nil, fmt.Errorf("job %s has status %q: %w", existing.ID, existing.Status, ErrInvalidState)
	}
}

// Cancel is advisory: it flips the control-plane status, interruption of
// in-flight work is the worker's problem.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	if err := r.update(ctx, id, map[string]interface{}{"status": entity.JobStatusCanceled}); err != nil {
		return err
	}
	r.publish(ctx, &entity.Job{ID: id}, "", "canceled")
	return nil
}

// Restart forces a job back to pending. It does not clear worker_id;
// callers that need the job reassigned must patch that themselves.
func (r *Registry) Restart(ctx context.Context, id string) error {
	if err := r.update(ctx, id, map[string]interface{}{"status": entity.JobStatusPending}); err != nil {
		return err
	}
	r.publish(ctx, &entity.Job{ID: id}, "", "restarted")
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*entity.Job, error) {
	return r.fetch(ctx, id)
}

// ExtendLease pushes a job's timeout into the future. Leased jobs whose
// holder stops renewing become reclaimable by the external reaper.
func (r *Registry) ExtendLease(ctx context.Context, id string, until time.Time) error {
	return r.update(ctx, id, map[string]interface{}{"timeout": until})
}

// Find retries transient read failures and returns the last error once
// retries are exhausted - polling callers decide whether to skip a tick.
func (r *Registry) Find(ctx context.Context, orgID string, filters map[string]interface{}) ([]entity.Job, error) {
	return backoff.Retry(ctx, func() ([]entity.Job, error) {
		return r.jobs.Find(orgID, filters)
	}, r.retryOpts()...)
}

func (r *Registry) fetch(ctx context.Context, id string) (*entity.Job, error) {
	return backoff.Retry(ctx, func() (*entity.Job, error) {
		job, err := r.jobs.FindByID(id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		return job, err
	}, r.retryOpts()...)
}

func (r *Registry) update(ctx context.Context, id string, patch map[string]interface{}) error {
	return r.withRetry(ctx, func() error {
		return r.jobs.Update(id, patch)
	})
}

func (r *Registry) withRetry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, r.retryOpts()...)
	return err
}

func (r *Registry) retryOpts() []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(r.retryInterval)),
		backoff.WithMaxTries(r.maxTries),
	}
}

func (r *Registry) publish(ctx context.Context, job *entity.Job, previous, reason string) {
	if r.events == nil {
		return
	}
	err := r.events.PublishStatusChange(ctx, produce.JobStatusMessage{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		Type:           string(job.Type),
		Previous:       previous,
		Status:         string(job.Status),
		Reason:         reason,
	})
	if err != nil && r.logger != nil {
		r.logger.WarningWithContextf(ctx, "Failed to publish job event for %s: %v", job.ID, err)
	}
}
