package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gpufleet/control-plane/entity"
	"github.com/gpufleet/control-plane/infra"
	"github.com/gpufleet/control-plane/registry"
)

const defaultMaxLoraRank = 16

// JobService is the slice of the job registry a deployment needs.
// Implemented by registry.Registry.
type JobService interface {
	GetOrCreateOrReset(ctx context.Context, job *entity.Job) (*entity.Job, error)
	Get(ctx context.Context, id string) (*entity.Job, error)
	Find(ctx context.Context, orgID string, filters map[string]interface{}) ([]entity.Job, error)
	Restart(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	ExtendLease(ctx context.Context, id string, until time.Time) error
}

// WorkerStore resolves the worker a job landed on. Implemented by
// repository.WorkerRepository.
type WorkerStore interface {
	FindByID(id string) (*entity.Worker, error)
}

// Endpoints turns a worker's pod into a reachable URL. Implemented by
// infra.ProvisionerClient.
type Endpoints interface {
	EndpointURL(podID string) string
}

// Cache holds resolved adapter ranks and base models so redeploys skip the
// job-output lookups. Implemented by infra.RedisClient; nil disables caching.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

type Config struct {
	OrganizationID string
	// DockerImage is the serving engine image api jobs run under.
	DockerImage string
	// DefaultVRAMGB sizes the worker when the caller gives no hint.
	DefaultVRAMGB int
	// MaxNumSeqs bounds concurrent sequences per deployment; it also sizes
	// the handle's admission semaphore.
	MaxNumSeqs int

	PollInterval  time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	LeaseWindow   time.Duration
	RenewInterval time.Duration
}

type Manager struct {
	cfg       Config
	jobs      JobService
	workers   WorkerStore
	endpoints Endpoints
	cache     Cache
	logger    *infra.LoggerClient

	httpClient *http.Client
	clock      func() time.Time
}

type Option func(*Manager)

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.httpClient = client }
}

func WithCache(cache Cache) Option {
	return func(m *Manager) { m.cache = cache }
}

func NewManager(cfg Config, jobs JobService, workers WorkerStore, endpoints Endpoints, logger *infra.LoggerClient, opts ...Option) *Manager {
	if cfg.MaxNumSeqs <= 0 {
		cfg.MaxNumSeqs = 8
	}
	if cfg.DefaultVRAMGB <= 0 {
		cfg.DefaultVRAMGB = 47
	}
	m := &Manager{
		cfg:        cfg,
		jobs:       jobs,
		workers:    workers,
		endpoints:  endpoints,
		logger:     logger,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type DeployRequest struct {
	Model       string
	Adapters    []string
	MaxModelLen int
	// VRAMHint overrides DefaultVRAMGB when the caller knows the model's
	// footprint.
	VRAMHint int
}

// Deploy brings up a leased inference endpoint for a base model plus its
// adapters. Redeploying the same request while the previous deployment is
// still live lands on the same job and the same worker.
func (m *Manager) Deploy(ctx context.Context, req DeployRequest) (*TemporaryAPI, error) {
	if req.Model == "" {
		return nil, errors.New("deploy request needs a model")
	}

	maxLoraRank := defaultMaxLoraRank
	if len(req.Adapters) > 0 {
		maxLoraRank = m.resolveMaxLoraRank(ctx, req.Adapters)
	}

	params := entity.APIParams{
		Model:       req.Model,
		Adapters:    req.Adapters,
		MaxModelLen: req.MaxModelLen,
		MaxNumSeqs:  m.cfg.MaxNumSeqs,
		MaxLoraRank: maxLoraRank,
	}
	job, err := m.buildJob(params, req.VRAMHint)
	if err != nil {
		return nil, err
	}
	job, err = m.jobs.GetOrCreateOrReset(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to submit api job: %w", err)
	}
	DeploymentsTotal.Inc()

	endpoint, err := m.bringUp(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	api := newTemporaryAPI(m, job.ID, req.Model, endpoint, params)
	api.startKeepalive()
	LiveDeployments.Inc()
	m.logger.InfoWithContextf(ctx, "[Deploy %s] Model %s live at %s (job %s)",
		m.cfg.OrganizationID, req.Model, endpoint, job.ID)
	return api, nil
}

// MultiDeploy deploys a mixed list of base-model and adapter names, grouping
// adapters under their shared base model so one worker serves the whole
// group. The returned map has an entry per requested name; names in one
// group share the same handle.
func (m *Manager) MultiDeploy(ctx context.Context, models []string) (map[string]*TemporaryAPI, error) {
	groups := map[string][]string{}
	var baseOrder []string
	for _, model := range models {
		base, isAdapter := m.resolveBaseModel(ctx, model)
		if _, seen := groups[base]; !seen {
			baseOrder = append(baseOrder, base)
			groups[base] = nil
		}
		if isAdapter {
			groups[base] = append(groups[base], model)
		}
	}

	handles := make(map[string]*TemporaryAPI, len(models))
	for _, base := range baseOrder {
		adapters := groups[base]
		api, err := m.Deploy(ctx, DeployRequest{Model: base, Adapters: adapters})
		if err != nil {
			for _, live := range handles {
				live.Close()
			}
			return nil, fmt.Errorf("failed to deploy %s: %w", base, err)
		}
		handles[base] = api
		for _, adapter := range adapters {
			handles[adapter] = api
		}
	}
	return handles, nil
}

func (m *Manager) buildJob(params entity.APIParams, vramHint int) (*entity.Job, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	id, err := registry.ComputeJobID("api", data, m.cfg.OrganizationID)
	if err != nil {
		return nil, err
	}

	vram := vramHint
	if vram <= 0 {
		vram = m.cfg.DefaultVRAMGB
	}
	return &entity.Job{
		ID:             id,
		Type:           entity.JobTypeAPI,
		RequiresVRAMGB: vram,
		DockerImage:    m.cfg.DockerImage,
		Params:         raw,
		Model:          params.Model,
		OrganizationID: m.cfg.OrganizationID,
	}, nil
}

// bringUp waits for the job to reach a worker and for that worker's endpoint
// to answer. Failed or canceled jobs are restarted and waited on again; only
// context cancellation or probe exhaustion gives up.
func (m *Manager) bringUp(ctx context.Context, jobID string) (string, error) {
	endpoint, err := m.waitForWorker(ctx, jobID)
	if err != nil {
		return "", err
	}
	if err := m.probe(ctx, endpoint); err != nil {
		return "", err
	}
	return endpoint, nil
}

func (m *Manager) waitForWorker(ctx context.Context, jobID string) (string, error) {
	for {
		job, err := m.jobs.Get(ctx, jobID)
		if err != nil {
			return "", fmt.Errorf("failed to poll job %s: %w", jobID, err)
		}

		switch job.Status {
		case entity.JobStatusInProgress:
			if job.WorkerID == nil {
				return "", fmt.Errorf("job %s is in_progress without a worker", jobID)
			}
			worker, err := m.workers.FindByID(*job.WorkerID)
			if err != nil {
				return "", fmt.Errorf("failed to load worker %s: %w", *job.WorkerID, err)
			}
			if worker.PodID == "" {
				break // worker row exists but the pod id is not recorded yet
			}
			return m.endpoints.EndpointURL(worker.PodID), nil
		case entity.JobStatusFailed, entity.JobStatusCanceled:
			m.logger.WarningWithContextf(ctx, "[Deploy %s] Job %s landed %s, restarting", m.cfg.OrganizationID, jobID, job.Status)
			if err := m.jobs.Restart(ctx, jobID); err != nil {
				return "", fmt.Errorf("failed to restart job %s: %w", jobID, err)
			}
		case entity.JobStatusCompleted:
			// api jobs run until canceled; completed means the worker gave
			// the endpoint up on its own.
			return "", fmt.Errorf("job %s completed before serving", jobID)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// probe hits the serving engine's model listing until it answers. The
// engine needs to pull weights before it binds the port, so early refusals
// are expected.
func (m *Manager) probe(ctx context.Context, endpoint string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/v1/models", nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("endpoint answered %d", resp.StatusCode)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.cfg.ProbeInterval)),
		backoff.WithMaxElapsedTime(m.cfg.ProbeTimeout),
	)
	if err != nil {
		ProbeFailuresTotal.Inc()
		return fmt.Errorf("endpoint %s never became ready: %w", endpoint, err)
	}
	return nil
}

// resolveMaxLoraRank reads each adapter's recorded rank from its
// fine-tuning job outputs and returns the largest, defaulting when an
// adapter has no record. The serving engine rejects adapters ranked above
// the deployment's configured maximum, so under-resolving breaks loads.
func (m *Manager) resolveMaxLoraRank(ctx context.Context, adapters []string) int {
	maxRank := defaultMaxLoraRank
	for _, adapter := range adapters {
		if rank := m.adapterRank(ctx, adapter); rank > maxRank {
			maxRank = rank
		}
	}
	return maxRank
}

func (m *Manager) adapterRank(ctx context.Context, adapter string) int {
	cacheKey := "deploy:lora_rank:" + adapter
	if m.cache != nil {
		var rank int
		if err := m.cache.Get(ctx, cacheKey, &rank); err == nil {
			return rank
		}
	}

	rank := defaultMaxLoraRank
	jobs, err := m.jobs.Find(ctx, m.cfg.OrganizationID, map[string]interface{}{
		"type":  entity.JobTypeFineTune,
		"model": adapter,
	})
	if err != nil || len(jobs) == 0 {
		return rank
	}
	var params entity.FineTuneParams
	if err := json.Unmarshal(jobs[0].Params, &params); err == nil && params.LoraRank > 0 {
		rank = params.LoraRank
	}

	if m.cache != nil {
		if err := m.cache.Set(ctx, cacheKey, rank, time.Hour); err != nil {
			m.logger.WarningWithContextf(ctx, "[Deploy %s] Failed to cache rank of %s: %v", m.cfg.OrganizationID, adapter, err)
		}
	}
	return rank
}

// resolveBaseModel reports the base model a name belongs to. A name with a
// fine-tuning job behind it is an adapter of that job's base model; anything
// else is treated as a base model itself.
func (m *Manager) resolveBaseModel(ctx context.Context, model string) (string, bool) {
	cacheKey := "deploy:base_model:" + model
	if m.cache != nil {
		var base string
		if err := m.cache.Get(ctx, cacheKey, &base); err == nil && base != "" {
			return base, base != model
		}
	}

	base := model
	jobs, err := m.jobs.Find(ctx, m.cfg.OrganizationID, map[string]interface{}{
		"type":  entity.JobTypeFineTune,
		"model": model,
	})
	if err == nil && len(jobs) > 0 {
		var params entity.FineTuneParams
		if err := json.Unmarshal(jobs[0].Params, &params); err == nil && params.BaseModel != "" {
			base = params.BaseModel
		}
	}

	if m.cache != nil {
		if err := m.cache.Set(ctx, cacheKey, base, time.Hour); err != nil {
			m.logger.WarningWithContextf(ctx, "[Deploy %s] Failed to cache base model of %s: %v", m.cfg.OrganizationID, model, err)
		}
	}
	return base, base != model
}
