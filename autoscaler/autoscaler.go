package autoscaler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gpufleet/control-plane/entity"
	"github.com/gpufleet/control-plane/infra"
	"github.com/gpufleet/control-plane/repository"
)

// JobStore, WorkerStore and RunStore are the slices of the control store
// one fleet loop touches. Implemented by the repository package.
type JobStore interface {
	ListPendingByVRAM(orgID string) ([]entity.Job, error)
	Update(id string, patch map[string]interface{}) error
}

type WorkerStore interface {
	Create(worker *entity.Worker) error
	Update(id string, patch map[string]interface{}) error
	ListByStatus(orgID string, statuses ...entity.WorkerStatus) ([]entity.Worker, error)
}

type RunStore interface {
	ListInProgressByWorker(workerID string) ([]entity.Run, error)
	LatestByWorker(workerID string) (*entity.Run, error)
	Update(id string, patch map[string]interface{}) error
}

// Provisioner is the GPU cloud. Implemented by infra.ProvisionerClient.
type Provisioner interface {
	CreateInstance(ctx context.Context, req infra.CreateInstanceRequest) (*infra.Instance, error)
	TerminateInstance(ctx context.Context, instanceID string) error
}

// Locker guards a scaling pass so two fleet processes accidentally running
// for the same organization cannot double-provision. Implemented by
// infra.RedisClient; nil disables locking.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

type Config struct {
	OrganizationID      string
	MaxWorkers          int
	PollInterval        time.Duration
	ActivePingTimeout   time.Duration
	StartingPingTimeout time.Duration
	IdleGracePeriod     time.Duration
	// WorkerEnv is handed to every provisioned instance: the org-scoped
	// credentials the worker process needs to reach the control plane.
	WorkerEnv map[string]string
}

type Autoscaler struct {
	cfg         Config
	jobs        JobStore
	workers     WorkerStore
	runs        RunStore
	provisioner Provisioner
	locker      Locker
	logger      *infra.LoggerClient

	clock         func() time.Time
	retryInterval time.Duration
	maxTries      uint
}

type Option func(*Autoscaler)

// WithClock substitutes the time source; tests simulate thresholds with it.
func WithClock(clock func() time.Time) Option {
	return func(a *Autoscaler) { a.clock = clock }
}

func WithLocker(locker Locker) Option {
	return func(a *Autoscaler) { a.locker = locker }
}

func New(cfg Config, jobs JobStore, workers WorkerStore, runs RunStore, provisioner Provisioner, logger *infra.LoggerClient, opts ...Option) *Autoscaler {
	a := &Autoscaler{
		cfg:         cfg,
		jobs:        jobs,
		workers:     workers,
		runs:        runs,
		provisioner: provisioner,
		logger:      logger,
		clock:       time.Now,

		retryInterval: 500 * time.Millisecond,
		maxTries:      4,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run ticks until the context is canceled. A tick that fails is logged and
// the loop carries on; nothing short of cancellation stops it.
func (a *Autoscaler) Run(ctx context.Context) {
	a.logger.InfoWithContextf(ctx, "[Fleet %s] Autoscaler started (interval %s, max workers %d)",
		a.cfg.OrganizationID, a.cfg.PollInterval, a.cfg.MaxWorkers)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := a.Tick(ctx); err != nil {
			a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Tick failed: %v", a.cfg.OrganizationID, err)
		}
		select {
		case <-ctx.Done():
			a.logger.InfoWithContextf(ctx, "[Fleet %s] Autoscaler stopped", a.cfg.OrganizationID)
			return
		case <-ticker.C:
		}
	}
}

// Tick is one full pass: reap unresponsive workers first (so freed
// capacity is visible), then scale up, then flag idle workers (so a worker
// started this pass is never flagged in the same pass).
func (a *Autoscaler) Tick(ctx context.Context) error {
	workers, err := a.workers.ListByStatus(a.cfg.OrganizationID,
		entity.WorkerStatusActive, entity.WorkerStatusStarting, entity.WorkerStatusShutdown)
	if err != nil {
		return err
	}

	pending, err := a.jobs.ListPendingByVRAM(a.cfg.OrganizationID)
	if err != nil {
		return err
	}
	PendingJobs.Set(float64(len(pending)))

	alive := a.reapUnresponsive(ctx, workers)
	a.scaleUp(ctx, pending, alive)
	a.idleSweep(ctx, alive)
	return nil
}

// reapUnresponsive terminates workers whose heartbeat is stale and rescues
// any in_progress work they were holding. Returns the workers still alive.
func (a *Autoscaler) reapUnresponsive(ctx context.Context, workers []entity.Worker) []entity.Worker {
	now := a.clock()
	alive := make([]entity.Worker, 0, len(workers))

	for _, worker := range workers {
		threshold := a.cfg.ActivePingTimeout
		if worker.Status == entity.WorkerStatusStarting {
			// Starting workers are still pulling images and loading
			// weights; give them three times as long.
			threshold = a.cfg.StartingPingTimeout
		}
		if now.Sub(worker.Ping) <= threshold {
			alive = append(alive, worker)
			continue
		}

		a.logger.WarningWithContextf(ctx, "[Fleet %s] Worker %s unresponsive (last ping %s ago), reaping",
			a.cfg.OrganizationID, worker.ID, now.Sub(worker.Ping).Round(time.Second))
		a.rescueOrphanedRuns(ctx, worker.ID)

		if worker.PodID != "" {
			if err := a.provisioner.TerminateInstance(ctx, worker.PodID); err != nil {
				// Best effort; the instance may already be gone.
				a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Failed to terminate instance %s: %v",
					a.cfg.OrganizationID, worker.PodID, err)
			}
		}

		if err := a.workers.Update(worker.ID, map[string]interface{}{"status": entity.WorkerStatusTerminated}); err != nil {
			a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Failed to mark worker %s terminated: %v",
				a.cfg.OrganizationID, worker.ID, err)
			continue
		}
		WorkersReapedTotal.Inc()
	}
	return alive
}

// rescueOrphanedRuns resets a dead worker's in_progress runs to failed and
// pushes their jobs back to pending for another worker to claim. This is
// the system's only automatic retry path.
func (a *Autoscaler) rescueOrphanedRuns(ctx context.Context, workerID string) {
	runs, err := a.runs.ListInProgressByWorker(workerID)
	if err != nil {
		a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Failed to list runs of worker %s: %v",
			a.cfg.OrganizationID, workerID, err)
		return
	}
	for _, run := range runs {
		if err := a.runs.Update(run.ID, map[string]interface{}{"status": entity.RunStatusFailed}); err != nil {
			a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Failed to fail run %s: %v", a.cfg.OrganizationID, run.ID, err)
			continue
		}
		if err := a.jobs.Update(run.JobID, map[string]interface{}{
			"status":    entity.JobStatusPending,
			"worker_id": nil,
		}); err != nil {
			a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Failed to reset job %s: %v", a.cfg.OrganizationID, run.JobID, err)
		}
	}
}

// scaleUp provisions workers per docker image group. Jobs of different
// images are never interchangeable; each group is batched round-robin and
// every batch gets a worker sized to its largest job.
func (a *Autoscaler) scaleUp(ctx context.Context, pending []entity.Job, workers []entity.Worker) {
	if len(pending) == 0 {
		return
	}

	if a.locker != nil {
		// The lock only needs to cover this pass. It is released at the end;
		// the TTL is a crash backstop and must expire well before the next
		// tick so our own previous lock can never starve a scale-up.
		lockKey := "fleet:scale:" + a.cfg.OrganizationID
		acquired, err := a.locker.SetNX(ctx, lockKey, a.clock().Unix(), a.cfg.PollInterval/2)
		if err != nil {
			a.logger.WarningWithContextf(ctx, "[Fleet %s] Scale lock unavailable: %v", a.cfg.OrganizationID, err)
		} else if !acquired {
			a.logger.WarningWithContextf(ctx, "[Fleet %s] Another scaling pass holds the lock, skipping", a.cfg.OrganizationID)
			return
		} else {
			defer func() {
				if err := a.locker.Delete(ctx, lockKey); err != nil {
					a.logger.WarningWithContextf(ctx, "[Fleet %s] Failed to release scale lock: %v", a.cfg.OrganizationID, err)
				}
			}()
		}
	}

	totalActive := 0
	startingByImage := map[string]int{}
	for _, worker := range workers {
		switch worker.Status {
		case entity.WorkerStatusActive, entity.WorkerStatusStarting:
			totalActive++
		}
		if worker.Status == entity.WorkerStatusStarting {
			startingByImage[worker.DockerImage]++
		}
	}

	// Group preserves the largest-first, oldest-first order within each
	// image so round-robin distribution mixes sizes into every batch.
	groups := map[string][]entity.Job{}
	var imageOrder []string
	for _, job := range pending {
		if _, seen := groups[job.DockerImage]; !seen {
			imageOrder = append(imageOrder, job.DockerImage)
		}
		groups[job.DockerImage] = append(groups[job.DockerImage], job)
	}

	for _, image := range imageOrder {
		jobs := groups[image]
		needed := len(jobs) - startingByImage[image]
		if needed <= 0 {
			continue
		}
		numToStart := min(needed, a.cfg.MaxWorkers-totalActive)
		if numToStart <= 0 {
			a.logger.WarningWithContextf(ctx, "[Fleet %s] At worker cap (%d), %d jobs of image %s wait",
				a.cfg.OrganizationID, a.cfg.MaxWorkers, len(jobs), image)
			continue
		}

		batches := make([][]entity.Job, numToStart)
		for i, job := range jobs {
			batches[i%numToStart] = append(batches[i%numToStart], job)
		}

		for _, batch := range batches {
			if err := a.provisionForBatch(ctx, image, batch); err != nil {
				// One failed batch never aborts the scaling pass.
				a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Failed to provision for batch of %d jobs: %v",
					a.cfg.OrganizationID, len(batch), err)
				continue
			}
			totalActive++
		}
	}
}

func (a *Autoscaler) provisionForBatch(ctx context.Context, image string, batch []entity.Job) error {
	maxVRAM := 0
	var largest *entity.Job
	for i := range batch {
		if batch[i].RequiresVRAMGB >= maxVRAM {
			maxVRAM = batch[i].RequiresVRAMGB
			largest = &batch[i]
		}
	}

	tier, err := DetermineGPUTier(maxVRAM)
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			NoCapacityTotal.Inc()
		}
		return err
	}
	offer, err := tier.PickOffer(allowedHardwareOf(largest))
	if err != nil {
		return err
	}

	now := a.clock()
	worker := &entity.Worker{
		ID:             a.cfg.OrganizationID + "-worker-" + strings.Split(uuid.NewString(), "-")[0],
		OrganizationID: a.cfg.OrganizationID,
		Status:         entity.WorkerStatusStarting,
		GPUType:        offer.GPUType,
		GPUCount:       offer.GPUCount,
		VRAMGB:         tier.VRAMGB,
		DockerImage:    image,
		Ping:           now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Insert before provisioning so a concurrent pass already counts this
	// worker and does not double-provision.
	if err := a.workers.Create(worker); err != nil {
		return err
	}

	env := map[string]string{
		"WORKER_ID": worker.ID,
		"ORG_ID":    a.cfg.OrganizationID,
	}
	for key, value := range a.cfg.WorkerEnv {
		env[key] = value
	}

	instance, err := a.provisioner.CreateInstance(ctx, infra.CreateInstanceRequest{
		Name:     worker.ID,
		Image:    image,
		GPUType:  offer.GPUType,
		GPUCount: offer.GPUCount,
		DiskGB:   100,
		VolumeGB: 100,
		Env:      env,
	})
	if err != nil {
		ProvisionFailuresTotal.Inc()
		if updateErr := a.workers.Update(worker.ID, map[string]interface{}{"status": entity.WorkerStatusTerminated}); updateErr != nil {
			a.logger.ErrorWithContextf(ctx, updateErr, "[Fleet %s] Failed to mark worker %s terminated after provision failure: %v",
				a.cfg.OrganizationID, worker.ID, updateErr)
		}
		return err
	}

	// Losing the pod_id write would orphan the instance: the reaper can only
	// terminate what it can name. Retry the write, and if the store stays
	// down, tear the instance back down rather than leak it.
	if err := a.updateWorkerWithRetry(ctx, worker.ID, map[string]interface{}{"pod_id": instance.ID}); err != nil {
		a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Failed to record pod %s on worker %s, tearing instance down: %v",
			a.cfg.OrganizationID, instance.ID, worker.ID, err)
		if termErr := a.provisioner.TerminateInstance(ctx, instance.ID); termErr != nil {
			a.logger.ErrorWithContextf(ctx, termErr, "[Fleet %s] Failed to terminate unrecorded instance %s: %v",
				a.cfg.OrganizationID, instance.ID, termErr)
		}
		if updateErr := a.workers.Update(worker.ID, map[string]interface{}{"status": entity.WorkerStatusTerminated}); updateErr != nil {
			a.logger.ErrorWithContextf(ctx, updateErr, "[Fleet %s] Failed to mark worker %s terminated: %v",
				a.cfg.OrganizationID, worker.ID, updateErr)
		}
		return err
	}
	WorkersProvisionedTotal.Inc()
	a.logger.InfoWithContextf(ctx, "[Fleet %s] Provisioned %dx %s (%d GB) for %d jobs of image %s",
		a.cfg.OrganizationID, offer.GPUCount, offer.GPUType, tier.VRAMGB, len(batch), image)
	return nil
}

func (a *Autoscaler) updateWorkerWithRetry(ctx context.Context, id string, patch map[string]interface{}) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.workers.Update(id, patch)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(a.retryInterval)),
		backoff.WithMaxTries(a.maxTries),
	)
	return err
}

// idleSweep flags workers with no recent work for shutdown. The flag is a
// request to drain; the worker process observes it and exits on its own.
func (a *Autoscaler) idleSweep(ctx context.Context, workers []entity.Worker) {
	now := a.clock()
	for _, worker := range workers {
		if worker.Status != entity.WorkerStatusActive && worker.Status != entity.WorkerStatusStarting {
			continue
		}
		if now.Sub(worker.CreatedAt) <= a.cfg.IdleGracePeriod {
			continue
		}

		idle := false
		latest, err := a.runs.LatestByWorker(worker.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			idle = true
		case err != nil:
			a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Failed to read latest run of %s: %v",
				a.cfg.OrganizationID, worker.ID, err)
			continue
		default:
			idle = latest.IsTerminal() && now.Sub(latest.UpdatedAt) > a.cfg.IdleGracePeriod
		}
		if !idle {
			continue
		}

		if err := a.workers.Update(worker.ID, map[string]interface{}{"status": entity.WorkerStatusShutdown}); err != nil {
			a.logger.ErrorWithContextf(ctx, err, "[Fleet %s] Failed to flag worker %s for shutdown: %v",
				a.cfg.OrganizationID, worker.ID, err)
			continue
		}
		WorkersMarkedIdleTotal.Inc()
		a.logger.InfoWithContextf(ctx, "[Fleet %s] Worker %s idle, flagged for shutdown", a.cfg.OrganizationID, worker.ID)
	}
}
