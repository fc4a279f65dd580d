package deployment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gpufleet/control-plane/entity"
	"golang.org/x/sync/semaphore"
)

// TemporaryAPI is a live deployment handle. Requests pass through a weighted
// semaphore sized to the deployment's max concurrent sequences, so callers
// never oversubscribe the serving engine. Closing the handle cancels the
// underlying job, which releases the GPU back to the idle sweep.
type TemporaryAPI struct {
	manager *Manager
	jobID   string
	model   string
	params  entity.APIParams
	sem     *semaphore.Weighted

	mu       sync.RWMutex
	endpoint string

	stopKeepalive context.CancelFunc
	keepaliveDone chan struct{}

	closeOnce sync.Once
}

func newTemporaryAPI(m *Manager, jobID, model, endpoint string, params entity.APIParams) *TemporaryAPI {
	return &TemporaryAPI{
		manager:  m,
		jobID:    jobID,
		model:    model,
		params:   params,
		sem:      semaphore.NewWeighted(int64(params.MaxNumSeqs)),
		endpoint: endpoint,
	}
}

func (t *TemporaryAPI) Model() string { return t.model }

func (t *TemporaryAPI) Endpoint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoint
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type CompletionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type CompletionChoice struct {
	Index   int          `json:"index"`
	Text    string       `json:"text,omitempty"`
	Message *ChatMessage `json:"message,omitempty"`
}

type CompletionResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
}

// ChatCompletion forwards a chat request to the deployment. It blocks while
// the deployment is at its concurrency limit.
func (t *TemporaryAPI) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*CompletionResponse, error) {
	if req.Model == "" {
		req.Model = t.model
	}
	return t.forward(ctx, "/v1/chat/completions", req)
}

func (t *TemporaryAPI) Completion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if req.Model == "" {
		req.Model = t.model
	}
	return t.forward(ctx, "/v1/completions", req)
}

func (t *TemporaryAPI) forward(ctx context.Context, path string, payload interface{}) (*CompletionResponse, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint()+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.params.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.params.APIKey)
	}

	resp, err := t.manager.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deployment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("deployment returned %d: %s", resp.StatusCode, string(raw))
	}

	var out CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode deployment response: %w", err)
	}
	return &out, nil
}

// startKeepalive runs the lease loop until Close. Each pass renews the job's
// timeout and, if the job drifted to a terminal status while the handle is
// still referenced, restarts it and reattaches to the new worker.
func (t *TemporaryAPI) startKeepalive() {
	ctx, cancel := context.WithCancel(context.Background())
	t.stopKeepalive = cancel
	t.keepaliveDone = make(chan struct{})

	go func() {
		defer close(t.keepaliveDone)
		ticker := time.NewTicker(t.manager.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			t.keepalivePass(ctx)
		}
	}()
}

func (t *TemporaryAPI) keepalivePass(ctx context.Context) {
	m := t.manager
	until := m.clock().Add(m.cfg.LeaseWindow)
	if err := m.jobs.ExtendLease(ctx, t.jobID, until); err != nil {
		m.logger.WarningWithContextf(ctx, "[Deploy %s] Failed to renew lease of job %s: %v", m.cfg.OrganizationID, t.jobID, err)
	}

	job, err := m.jobs.Get(ctx, t.jobID)
	if err != nil {
		m.logger.WarningWithContextf(ctx, "[Deploy %s] Failed to check job %s: %v", m.cfg.OrganizationID, t.jobID, err)
		return
	}
	if !job.IsTerminal() {
		return
	}

	// The worker died or something canceled the job under us. The handle is
	// still referenced, so the deployment comes back transparently.
	m.logger.WarningWithContextf(ctx, "[Deploy %s] Job %s drifted to %s, recovering", m.cfg.OrganizationID, t.jobID, job.Status)
	RecoveriesTotal.Inc()
	if err := m.jobs.Restart(ctx, t.jobID); err != nil {
		m.logger.ErrorWithContextf(ctx, err, "[Deploy %s] Failed to restart job %s: %v", m.cfg.OrganizationID, t.jobID, err)
		return
	}
	endpoint, err := m.bringUp(ctx, t.jobID)
	if err != nil {
		m.logger.ErrorWithContextf(ctx, err, "[Deploy %s] Failed to recover job %s: %v", m.cfg.OrganizationID, t.jobID, err)
		return
	}
	t.mu.Lock()
	t.endpoint = endpoint
	t.mu.Unlock()
}

// Close stops the keepalive loop and cancels the underlying job. In-flight
// requests already admitted through the semaphore are not interrupted.
func (t *TemporaryAPI) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.stopKeepalive != nil {
			t.stopKeepalive()
			<-t.keepaliveDone
		}
		err = t.manager.jobs.Cancel(context.Background(), t.jobID)
		LiveDeployments.Dec()
	})
	return err
}
