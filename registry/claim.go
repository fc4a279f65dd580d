package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gpufleet/control-plane/entity"
)

// ClaimNextJob implements the worker-facing claim contract: pick a pending
// job that fits under the worker's VRAM, preferring one whose model is
// already warm in the worker's local cache, else the oldest. The job is
// moved to in_progress with the worker bound, and a run row is opened.
//
// The worker process calls this before executing; the control plane itself
// never claims.
func (r *Registry) ClaimNextJob(ctx context.Context, worker *entity.Worker, warmModels []string) (*entity.Job, *entity.Run, error) {
	var candidates []entity.Job
	err := r.withRetry(ctx, func() error {
		var listErr error
		candidates, listErr = r.jobs.ListClaimable(worker.OrganizationID, worker.VRAMGB)
		return listErr
	})
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	warm := make(map[string]bool, len(warmModels))
	for _, m := range warmModels {
		warm[m] = true
	}

	chosen := candidates[0]
	for _, job := range candidates {
		if job.Model != "" && warm[job.Model] {
			chosen = job
			break
		}
	}

	if err := r.update(ctx, chosen.ID, map[string]interface{}{
		"status":    entity.JobStatusInProgress,
		"worker_id": worker.ID,
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to claim job %s: %w", chosen.ID, err)
	}

	run := &entity.Run{
		ID:       uuid.NewString(),
		JobID:    chosen.ID,
		WorkerID: worker.ID,
		Status:   entity.RunStatusInProgress,
		LogFile:  fmt.Sprintf("runs/%s/%s.log", chosen.ID, time.Now().UTC().Format("20060102T150405")),
	}
	if err := r.withRetry(ctx, func() error { return r.runs.Create(run) }); err != nil {
		return nil, nil, fmt.Errorf("failed to open run for job %s: %w", chosen.ID, err)
	}

	r.publish(ctx, &chosen, string(entity.JobStatusPending), "claimed")
	return &chosen, run, nil
}
