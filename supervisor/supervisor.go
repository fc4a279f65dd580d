package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/gpufleet/control-plane/entity"
	"github.com/gpufleet/control-plane/infra"
)

// Secret names every organization must carry before a fleetd process is
// started for it. An incomplete bundle skips the org, never crashes the
// supervisor.
const (
	SecretProvisionerAPIKey = "provisioner_api_key"
	SecretModelHubToken     = "model_hub_token"
	SecretModelHubIdentity  = "model_hub_identity"
	SecretControlPlaneToken = "control_plane_token"
)

var requiredSecrets = map[string]string{
	SecretProvisionerAPIKey: "PROVISIONER_API_KEY",
	SecretModelHubToken:     "MODEL_HUB_TOKEN",
	SecretModelHubIdentity:  "MODEL_HUB_IDENTITY",
	SecretControlPlaneToken: "CONTROL_PLANE_TOKEN",
}

// OrgStore lists the organizations to supervise. Implemented by
// repository.OrganizationRepository.
type OrgStore interface {
	ListActive() ([]entity.Organization, error)
}

// ChildHandle is a running fleetd process as the supervisor sees it.
type ChildHandle interface {
	Exited() bool
	Stop(grace time.Duration)
}

// Launcher starts a fleetd process with the given environment, streaming
// its output into the sink. Swapped out by tests.
type Launcher interface {
	Launch(orgID string, env []string, sink io.Writer) (ChildHandle, error)
}

type Config struct {
	PollInterval time.Duration
	GracePeriod  time.Duration
	FleetdBin    string
	LogDir       string
	// BaseEnv is passed to every child under the org-scoped variables;
	// usually the shared control-store connection settings.
	BaseEnv map[string]string
}

// Supervisor keeps one fleetd process alive per active organization. Each
// child's environment carries exactly its own organization's secrets, so a
// compromised or misbehaving tenant process never sees another tenant's
// credentials.
type Supervisor struct {
	cfg      Config
	orgs     OrgStore
	launcher Launcher
	archiver Archiver
	logger   *infra.LoggerClient

	children map[string]ChildHandle
	sinks    map[string]*RotatingLogSink
}

type Option func(*Supervisor)

func WithLauncher(launcher Launcher) Option {
	return func(s *Supervisor) { s.launcher = launcher }
}

func WithArchiver(archiver Archiver) Option {
	return func(s *Supervisor) { s.archiver = archiver }
}

func New(cfg Config, orgs OrgStore, logger *infra.LoggerClient, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		orgs:     orgs,
		launcher: execLauncher{bin: cfg.FleetdBin},
		logger:   logger,
		children: map[string]ChildHandle{},
		sinks:    map[string]*RotatingLogSink{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until the context is canceled, then gracefully terminates every
// child before returning.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.InfoWithContextf(ctx, "[Supervisor] Started (interval %s, bin %s)", s.cfg.PollInterval, s.cfg.FleetdBin)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.ErrorWithContextf(ctx, err, "[Supervisor] Tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			s.Shutdown(context.Background())
			return
		case <-ticker.C:
		}
	}
}

// Tick reconciles running children against the active organization list:
// start what is missing, restart what died, reap what no longer belongs.
func (s *Supervisor) Tick(ctx context.Context) error {
	orgs, err := s.orgs.ListActive()
	if err != nil {
		return fmt.Errorf("failed to list organizations: %w", err)
	}

	desired := map[string]bool{}
	for i := range orgs {
		org := &orgs[i]
		desired[org.ID] = true
		s.ensureChild(ctx, org)
	}

	var stale []string
	for orgID := range s.children {
		if !desired[orgID] {
			stale = append(stale, orgID)
		}
	}
	sort.Strings(stale)
	for _, orgID := range stale {
		s.logger.InfoWithContextf(ctx, "[Supervisor] Organization %s removed, stopping its fleetd", orgID)
		s.reap(orgID)
	}

	Children.Set(float64(len(s.children)))
	return nil
}

func (s *Supervisor) ensureChild(ctx context.Context, org *entity.Organization) {
	if child, ok := s.children[org.ID]; ok {
		if !child.Exited() {
			return
		}
		s.logger.WarningWithContextf(ctx, "[Supervisor] fleetd for %s exited, restarting", org.ID)
		RestartsTotal.Inc()
		delete(s.children, org.ID)
	}

	env, err := s.childEnv(org)
	if err != nil {
		s.logger.WarningWithContextf(ctx, "[Supervisor] Skipping %s: %v", org.ID, err)
		OrgsSkippedTotal.Inc()
		return
	}

	sink, ok := s.sinks[org.ID]
	if !ok {
		sink, err = NewRotatingLogSink(org.ID, s.cfg.LogDir, s.archiver, s.logger)
		if err != nil {
			s.logger.ErrorWithContextf(ctx, err, "[Supervisor] Failed to open log sink for %s: %v", org.ID, err)
			return
		}
		s.sinks[org.ID] = sink
	}

	child, err := s.launcher.Launch(org.ID, env, sink)
	if err != nil {
		s.logger.ErrorWithContextf(ctx, err, "[Supervisor] Failed to start fleetd for %s: %v", org.ID, err)
		return
	}
	s.children[org.ID] = child
	s.logger.InfoWithContextf(ctx, "[Supervisor] Started fleetd for %s", org.ID)
}

// childEnv builds the org-scoped environment. The bundle must be complete;
// a partially configured org is an operator error surfaced as a warning.
func (s *Supervisor) childEnv(org *entity.Organization) ([]string, error) {
	secrets, err := org.SecretMap()
	if err != nil {
		return nil, fmt.Errorf("secret bundle unreadable: %w", err)
	}
	var missing []string
	for name := range requiredSecrets {
		if secrets[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("secret bundle incomplete, missing %v", missing)
	}

	env := []string{
		"ORG_ID=" + org.ID,
		fmt.Sprintf("FLEET_MAX_WORKERS=%d", org.MaxWorkers),
		"PATH=" + os.Getenv("PATH"),
	}
	for name, envName := range requiredSecrets {
		env = append(env, envName+"="+secrets[name])
	}
	for key, value := range s.cfg.BaseEnv {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env, nil
}

func (s *Supervisor) reap(orgID string) {
	if child, ok := s.children[orgID]; ok {
		child.Stop(s.cfg.GracePeriod)
		delete(s.children, orgID)
	}
	if sink, ok := s.sinks[orgID]; ok {
		sink.Close()
		delete(s.sinks, orgID)
	}
}

// Shutdown stops every child with the usual grace period.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.logger.InfoWithContextf(ctx, "[Supervisor] Shutting down %d children", len(s.children))
	for orgID := range s.children {
		s.reap(orgID)
	}
	Children.Set(0)
}
