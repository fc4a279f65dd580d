package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gpufleet/control-plane/config"
)

// ProvisionerClient talks to the GPU cloud's instance API. The cloud exposes
// create / get / terminate; everything richer (autoscaling, sweeps) is built
// on top of those three calls by the fleet autoscaler.
type ProvisionerClient struct {
	APIURL      string
	APIKey      string
	ProxyDomain string

	httpClient *http.Client
}

type CreateInstanceRequest struct {
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	GPUType  string            `json:"gpu_type"`
	GPUCount int               `json:"gpu_count"`
	DiskGB   int               `json:"disk_gb"`
	VolumeGB int               `json:"volume_gb"`
	Env      map[string]string `json:"env,omitempty"`
}

type Instance struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DesiredStatus string `json:"desired_status,omitempty"`
}

func InitProvisionerClient(cfg *config.EnvConfig) *ProvisionerClient {
	if cfg.Provisioner.APIKey == "" {
		panic("Provisioner API key is not configured")
	}

	return &ProvisionerClient{
		APIURL:      cfg.Provisioner.APIURL,
		APIKey:      cfg.Provisioner.APIKey,
		ProxyDomain: cfg.Provisioner.ProxyDomain,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *ProvisionerClient) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*Instance, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create request: %w", err)
	}

	var instance Instance
	if err := p.do(ctx, http.MethodPost, "/v1/instances", bytes.NewBuffer(body), &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

func (p *ProvisionerClient) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	var instance Instance
	if err := p.do(ctx, http.MethodGet, "/v1/instances/"+instanceID, nil, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

func (p *ProvisionerClient) TerminateInstance(ctx context.Context, instanceID string) error {
	return p.do(ctx, http.MethodDelete, "/v1/instances/"+instanceID, nil, nil)
}

// EndpointURL derives the public inference endpoint of a pod from the
// cloud's proxy domain. Port 8000 is where the serving engine listens.
func (p *ProvisionerClient) EndpointURL(podID string) string {
	return fmt.Sprintf("https://%s-8000.%s", podID, p.ProxyDomain)
}

func (p *ProvisionerClient) do(ctx context.Context, method, path string, body io.Reader, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, p.APIURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provisioner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provisioner returned %d: %s", resp.StatusCode, string(raw))
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode provisioner response: %w", err)
	}
	return nil
}
