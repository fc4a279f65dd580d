package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/gpufleet/control-plane/entity"
	"github.com/gpufleet/control-plane/infra"
	"github.com/gpufleet/control-plane/repository"
)

type fakeJobs struct {
	jobs map[string]*entity.Job
}

func (f *fakeJobs) ListPendingByVRAM(orgID string) ([]entity.Job, error) {
	var out []entity.Job
	for _, job := range f.jobs {
		if job.OrganizationID == orgID && job.Status == entity.JobStatusPending {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequiresVRAMGB != out[j].RequiresVRAMGB {
			return out[i].RequiresVRAMGB > out[j].RequiresVRAMGB
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeJobs) Update(id string, patch map[string]interface{}) error {
	job, ok := f.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if status, ok := patch["status"]; ok {
		job.Status = status.(entity.JobStatus)
	}
	if workerID, ok := patch["worker_id"]; ok {
		if workerID == nil {
			job.WorkerID = nil
		}
	}
	return nil
}

type fakeWorkers struct {
	workers map[string]*entity.Worker
	// failPatchKey makes Update fail whenever the patch carries this key.
	failPatchKey string
}

func (f *fakeWorkers) Create(worker *entity.Worker) error {
	copied := *worker
	f.workers[worker.ID] = &copied
	return nil
}

func (f *fakeWorkers) Update(id string, patch map[string]interface{}) error {
	if f.failPatchKey != "" {
		if _, ok := patch[f.failPatchKey]; ok {
			return errors.New("store unavailable")
		}
	}
	worker, ok := f.workers[id]
	if !ok {
		return repository.ErrNotFound
	}
	if status, ok := patch["status"]; ok {
		worker.Status = status.(entity.WorkerStatus)
	}
	if podID, ok := patch["pod_id"]; ok {
		worker.PodID = podID.(string)
	}
	return nil
}

func (f *fakeWorkers) ListByStatus(orgID string, statuses ...entity.WorkerStatus) ([]entity.Worker, error) {
	wanted := map[entity.WorkerStatus]bool{}
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []entity.Worker
	for _, worker := range f.workers {
		if worker.OrganizationID == orgID && wanted[worker.Status] {
			out = append(out, *worker)
		}
	}
	return out, nil
}

func (f *fakeWorkers) byStatus(status entity.WorkerStatus) []*entity.Worker {
	var out []*entity.Worker
	for _, worker := range f.workers {
		if worker.Status == status {
			out = append(out, worker)
		}
	}
	return out
}

type fakeRuns struct {
	runs map[string]*entity.Run
}

func (f *fakeRuns) ListInProgressByWorker(workerID string) ([]entity.Run, error) {
	var out []entity.Run
	for _, run := range f.runs {
		if run.WorkerID == workerID && run.Status == entity.RunStatusInProgress {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (f *fakeRuns) LatestByWorker(workerID string) (*entity.Run, error) {
	var latest *entity.Run
	for _, run := range f.runs {
		if run.WorkerID != workerID {
			continue
		}
		if latest == nil || run.UpdatedAt.After(latest.UpdatedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeRuns) Update(id string, patch map[string]interface{}) error {
	run, ok := f.runs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if status, ok := patch["status"]; ok {
		run.Status = status.(entity.RunStatus)
	}
	return nil
}

type fakeProvisioner struct {
	created    []infra.CreateInstanceRequest
	terminated []string
	failFirst  int
}

func (f *fakeProvisioner) CreateInstance(ctx context.Context, req infra.CreateInstanceRequest) (*infra.Instance, error) {
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("provisioning capacity exhausted")
	}
	f.created = append(f.created, req)
	return &infra.Instance{ID: fmt.Sprintf("pod-%d", len(f.created)), Status: "starting"}, nil
}

func (f *fakeProvisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	f.terminated = append(f.terminated, instanceID)
	return nil
}

// fakeLocker mimics redis SetNX: a key stays held until deleted. TTL expiry
// is deliberately not simulated, so a lock the code forgets to release
// stays stuck and blocks the next acquisition.
type fakeLocker struct {
	held     map[string]bool
	ttls     []time.Duration
	rejected int
}

func (f *fakeLocker) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if f.held == nil {
		f.held = map[string]bool{}
	}
	f.ttls = append(f.ttls, expiration)
	if f.held[key] {
		f.rejected++
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocker) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.held, key)
	}
	return nil
}

type fixture struct {
	a           *Autoscaler
	jobs        *fakeJobs
	workers     *fakeWorkers
	runs        *fakeRuns
	provisioner *fakeProvisioner
	now         time.Time
}

func newFixture(t *testing.T, maxWorkers int) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		jobs:        &fakeJobs{jobs: map[string]*entity.Job{}},
		workers:     &fakeWorkers{workers: map[string]*entity.Worker{}},
		runs:        &fakeRuns{runs: map[string]*entity.Run{}},
		provisioner: &fakeProvisioner{},
		now:         now,
	}
	cfg := Config{
		OrganizationID:      "org-1",
		MaxWorkers:          maxWorkers,
		PollInterval:        15 * time.Second,
		ActivePingTimeout:   120 * time.Second,
		StartingPingTimeout: 360 * time.Second,
		IdleGracePeriod:     300 * time.Second,
	}
	f.a = New(cfg, f.jobs, f.workers, f.runs, f.provisioner, infra.NewStdoutLogger(),
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) addPendingJob(id string, vramGB int, image string) {
	f.jobs.jobs[id] = &entity.Job{
		ID:             id,
		Type:           entity.JobTypeFineTune,
		Status:         entity.JobStatusPending,
		RequiresVRAMGB: vramGB,
		DockerImage:    image,
		OrganizationID: "org-1",
		CreatedAt:      f.now.Add(-time.Hour),
	}
}

func (f *fixture) addWorker(id string, status entity.WorkerStatus, pingAge, age time.Duration) {
	f.workers.workers[id] = &entity.Worker{
		ID:             id,
		OrganizationID: "org-1",
		Status:         status,
		GPUType:        "NVIDIA A100 80GB PCIe",
		GPUCount:       1,
		VRAMGB:         79,
		DockerImage:    "trainer:v1",
		PodID:          "pod-" + id,
		Ping:           f.now.Add(-pingAge),
		CreatedAt:      f.now.Add(-age),
	}
}

func TestTick_OrphanRecovery(t *testing.T) {
	f := newFixture(t, 3)
	f.addWorker("w1", entity.WorkerStatusActive, 130*time.Second, time.Hour)
	workerID := "w1"
	f.jobs.jobs["job-1"] = &entity.Job{
		ID:             "job-1",
		Status:         entity.JobStatusInProgress,
		OrganizationID: "org-1",
		WorkerID:       &workerID,
		DockerImage:    "trainer:v1",
	}
	f.runs.runs["run-1"] = &entity.Run{
		ID:        "run-1",
		JobID:     "job-1",
		WorkerID:  "w1",
		Status:    entity.RunStatusInProgress,
		UpdatedAt: f.now.Add(-10 * time.Minute),
	}

	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.runs.runs["run-1"].Status != entity.RunStatusFailed {
		t.Errorf("run status = %s, want failed", f.runs.runs["run-1"].Status)
	}
	if f.jobs.jobs["job-1"].Status != entity.JobStatusPending {
		t.Errorf("job status = %s, want pending", f.jobs.jobs["job-1"].Status)
	}
	if f.jobs.jobs["job-1"].WorkerID != nil {
		t.Error("orphaned job must be unbound from the dead worker")
	}
	if f.workers.workers["w1"].Status != entity.WorkerStatusTerminated {
		t.Errorf("worker status = %s, want terminated", f.workers.workers["w1"].Status)
	}
	if len(f.provisioner.terminated) != 1 || f.provisioner.terminated[0] != "pod-w1" {
		t.Errorf("expected instance pod-w1 terminated, got %v", f.provisioner.terminated)
	}
}

func TestTick_UnresponsiveBoundaries(t *testing.T) {
	f := newFixture(t, 3)
	f.addWorker("fresh-starting", entity.WorkerStatusStarting, 359*time.Second, time.Hour)
	f.addWorker("stale-starting", entity.WorkerStatusStarting, 361*time.Second, time.Hour)
	f.addWorker("fresh-active", entity.WorkerStatusActive, 119*time.Second, time.Hour)
	f.addWorker("stale-active", entity.WorkerStatusActive, 121*time.Second, time.Hour)

	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.workers.workers["fresh-starting"].Status == entity.WorkerStatusTerminated {
		t.Error("starting worker within its 360s threshold must not be reaped")
	}
	if f.workers.workers["stale-starting"].Status != entity.WorkerStatusTerminated {
		t.Error("starting worker past 360s must be reaped")
	}
	if f.workers.workers["fresh-active"].Status == entity.WorkerStatusTerminated {
		t.Error("active worker within its 120s threshold must not be reaped")
	}
	if f.workers.workers["stale-active"].Status != entity.WorkerStatusTerminated {
		t.Error("active worker past 120s must be reaped")
	}
}

func TestTick_ScaleUpBatching(t *testing.T) {
	f := newFixture(t, 3)
	for i, vram := range []int{10, 50, 90, 20, 200} {
		f.addPendingJob(fmt.Sprintf("job-%d", i), vram, "trainer:v1")
	}

	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.provisioner.created) != 3 {
		t.Fatalf("expected exactly 3 workers provisioned, got %d", len(f.provisioner.created))
	}

	// Jobs are batched largest-first round-robin: {200,20}, {90,10}, {50}.
	// Every worker must cover its batch's max requirement.
	var vrams []int
	for _, worker := range f.workers.workers {
		vrams = append(vrams, worker.VRAMGB)
	}
	sort.Ints(vrams)
	want := []int{79, 158, 316}
	for i, v := range want {
		if vrams[i] != v {
			t.Fatalf("provisioned tiers = %v, want %v", vrams, want)
		}
	}
}

func TestTick_ScaleUpRespectsStartingWorkers(t *testing.T) {
	f := newFixture(t, 5)
	f.addPendingJob("job-1", 40, "trainer:v1")
	f.addPendingJob("job-2", 40, "trainer:v1")
	// One starting worker of this image already covers one of the jobs.
	f.addWorker("w1", entity.WorkerStatusStarting, 0, 0)

	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.provisioner.created) != 1 {
		t.Fatalf("expected 1 new worker (1 job already covered), got %d", len(f.provisioner.created))
	}
}

func TestTick_ProvisionFailureDoesNotAbortPass(t *testing.T) {
	f := newFixture(t, 3)
	f.addPendingJob("job-1", 40, "trainer:v1")
	f.addPendingJob("job-2", 40, "trainer:v1")
	f.provisioner.failFirst = 1

	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.provisioner.created) != 1 {
		t.Fatalf("expected the second batch to still provision, got %d creates", len(f.provisioner.created))
	}
	if len(f.workers.byStatus(entity.WorkerStatusTerminated)) != 1 {
		t.Fatal("the failed batch's worker row must be marked terminated")
	}
	if len(f.workers.byStatus(entity.WorkerStatusStarting)) != 1 {
		t.Fatal("the successful batch's worker row must stay starting")
	}
}

func TestTick_ReapFreesCapacityBeforeScaleUp(t *testing.T) {
	f := newFixture(t, 1)
	f.addWorker("dead", entity.WorkerStatusActive, 10*time.Minute, time.Hour)
	f.addPendingJob("job-1", 40, "trainer:v1")

	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The reaped worker no longer counts against the cap of 1, so the
	// pending job gets a fresh worker in the same tick.
	if len(f.provisioner.created) != 1 {
		t.Fatalf("expected a worker despite the cap, got %d creates", len(f.provisioner.created))
	}
}

func TestTick_IdleBoundaries(t *testing.T) {
	f := newFixture(t, 3)
	f.addWorker("young", entity.WorkerStatusActive, 0, 299*time.Second)
	f.addWorker("old-no-runs", entity.WorkerStatusActive, 0, 301*time.Second)
	f.addWorker("old-recent-run", entity.WorkerStatusActive, 0, time.Hour)
	f.addWorker("old-stale-run", entity.WorkerStatusActive, 0, time.Hour)

	f.runs.runs["recent"] = &entity.Run{
		ID: "recent", WorkerID: "old-recent-run", Status: entity.RunStatusCompleted,
		UpdatedAt: f.now.Add(-100 * time.Second),
	}
	f.runs.runs["stale"] = &entity.Run{
		ID: "stale", WorkerID: "old-stale-run", Status: entity.RunStatusCompleted,
		UpdatedAt: f.now.Add(-400 * time.Second),
	}

	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.workers.workers["young"].Status != entity.WorkerStatusActive {
		t.Error("a worker younger than the grace period is never idle")
	}
	if f.workers.workers["old-no-runs"].Status != entity.WorkerStatusShutdown {
		t.Error("an old worker with no runs is idle")
	}
	if f.workers.workers["old-recent-run"].Status != entity.WorkerStatusActive {
		t.Error("a worker with a recently finished run is not idle")
	}
	if f.workers.workers["old-stale-run"].Status != entity.WorkerStatusShutdown {
		t.Error("a worker whose last run finished long ago is idle")
	}
}

func TestTick_ScaleLockReleasedBetweenTicks(t *testing.T) {
	f := newFixture(t, 3)
	locker := &fakeLocker{}
	WithLocker(locker)(f.a)

	f.addPendingJob("job-1", 40, "trainer:v1")
	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// New work under a different image 15s later; the previous tick's lock
	// must not block this scaling pass.
	f.now = f.now.Add(15 * time.Second)
	f.addPendingJob("job-2", 40, "other:v1")
	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if locker.rejected != 0 {
		t.Fatalf("the org's own next tick was locked out %d times", locker.rejected)
	}
	if len(f.provisioner.created) != 2 {
		t.Fatalf("expected both ticks to provision, got %d creates", len(f.provisioner.created))
	}
	if len(locker.held) != 0 {
		t.Fatal("scale lock still held after the pass")
	}
	for _, ttl := range locker.ttls {
		if ttl >= f.a.cfg.PollInterval {
			t.Fatalf("lock TTL %v must expire before the next tick (%v)", ttl, f.a.cfg.PollInterval)
		}
	}
}

func TestTick_UnrecordedInstanceIsTornDown(t *testing.T) {
	f := newFixture(t, 3)
	f.a.retryInterval = time.Millisecond
	f.workers.failPatchKey = "pod_id"
	f.addPendingJob("job-1", 40, "trainer:v1")

	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.provisioner.created) != 1 {
		t.Fatalf("expected 1 create, got %d", len(f.provisioner.created))
	}
	// The pod id never reached the store, so nothing could ever reap this
	// instance; provisioning must clean it up itself.
	if len(f.provisioner.terminated) != 1 || f.provisioner.terminated[0] != "pod-1" {
		t.Fatalf("unrecorded instance must be terminated, got %v", f.provisioner.terminated)
	}
	if got := len(f.workers.byStatus(entity.WorkerStatusTerminated)); got != 1 {
		t.Fatalf("worker row must be marked terminated, got %d", got)
	}
}

func TestTick_FreshWorkerNotIdledInProvisioningTick(t *testing.T) {
	f := newFixture(t, 3)
	f.addPendingJob("job-1", 40, "trainer:v1")

	if err := f.a.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, worker := range f.workers.workers {
		if worker.Status == entity.WorkerStatusShutdown {
			t.Fatalf("worker %s was idled in the tick that started it", worker.ID)
		}
	}
}
