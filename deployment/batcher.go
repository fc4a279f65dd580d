package deployment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Deployer is the slice of the manager the batcher drives. Split out so
// tests can count multiDeploy calls.
type Deployer interface {
	MultiDeploy(ctx context.Context, models []string) (map[string]*TemporaryAPI, error)
}

// Batcher coalesces near-simultaneous deployment requests. The first
// request for a not-yet-live model opens a collection window; every model
// requested inside the window rides the same MultiDeploy call, so N
// adapters of one base model submitted in a burst share one worker instead
// of provisioning N.
//
// Only one drain may be in flight at a time, and a model already starting
// is never re-enqueued.
type Batcher struct {
	deployer Deployer
	window   time.Duration
	// poll is how often waiting callers re-check the live map.
	poll time.Duration

	mu       sync.Mutex
	live     map[string]*TemporaryAPI
	starting map[string]bool
	failed   map[string]error
	queue    []string
	draining bool
}

func NewBatcher(deployer Deployer, window time.Duration) *Batcher {
	return &Batcher{
		deployer: deployer,
		window:   window,
		poll:     100 * time.Millisecond,
		live:     map[string]*TemporaryAPI{},
		starting: map[string]bool{},
		failed:   map[string]error{},
	}
}

// Get returns the live handle for a model, deploying it first if needed.
// Callers for models in the same collection window block on the same
// deployment and wake up with the same handle.
func (b *Batcher) Get(ctx context.Context, model string) (*TemporaryAPI, error) {
	b.mu.Lock()
	if api, ok := b.live[model]; ok {
		b.mu.Unlock()
		return api, nil
	}
	if !b.starting[model] {
		b.starting[model] = true
		delete(b.failed, model)
		b.queue = append(b.queue, model)
		if !b.draining {
			b.draining = true
			go b.drainAfterWindow()
		}
	}
	b.mu.Unlock()

	return b.wait(ctx, model)
}

// Close closes every live handle. Handles shared by several model names are
// closed once.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[*TemporaryAPI]bool{}
	for _, api := range b.live {
		if seen[api] {
			continue
		}
		seen[api] = true
		api.Close()
	}
	b.live = map[string]*TemporaryAPI{}
}

func (b *Batcher) drainAfterWindow() {
	time.Sleep(b.window)

	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	handles, err := b.deployer.MultiDeploy(context.Background(), batch)

	b.mu.Lock()
	for _, model := range batch {
		delete(b.starting, model)
		if err != nil {
			b.failed[model] = err
			continue
		}
		if api, ok := handles[model]; ok {
			b.live[model] = api
		} else {
			b.failed[model] = fmt.Errorf("deployment of %s returned no handle", model)
		}
	}
	// A shared handle may serve adapters the batch never named.
	for model, api := range handles {
		if _, ok := b.live[model]; !ok {
			b.live[model] = api
		}
	}
	if len(b.queue) > 0 {
		// Requests arrived during the drain; give them their own window.
		go b.drainAfterWindow()
	} else {
		b.draining = false
	}
	b.mu.Unlock()
}

func (b *Batcher) wait(ctx context.Context, model string) (*TemporaryAPI, error) {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		if api, ok := b.live[model]; ok {
			b.mu.Unlock()
			return api, nil
		}
		if err, ok := b.failed[model]; ok {
			b.mu.Unlock()
			return nil, err
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
