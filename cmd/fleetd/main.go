package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gpufleet/control-plane/autoscaler"
	"github.com/gpufleet/control-plane/config"
	infraPkg "github.com/gpufleet/control-plane/infra"
	"github.com/gpufleet/control-plane/repository"
	"github.com/joho/godotenv"
)

// fleetd is the per-organization fleet process. The supervisor starts one
// per active org with ORG_ID and that org's secrets in the environment.
func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	if cfg.EnvConfig.Organization.ID == "" {
		log.Fatal("ORG_ID is not set; fleetd must run scoped to one organization")
	}

	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)

	// The supervisor passes the org's worker cap down as FLEET_MAX_WORKERS;
	// only a standalone fleetd needs the store lookup.
	maxWorkers := cfg.EnvConfig.Fleet.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = cfg.EnvConfig.Fleet.MaxWorkersDefault
		org, err := repo.OrganizationRepo.FindByID(cfg.EnvConfig.Organization.ID)
		if err != nil {
			log.Printf("Warning: failed to load organization %s: %v (using default worker cap)", cfg.EnvConfig.Organization.ID, err)
		} else if org.MaxWorkers > 0 {
			maxWorkers = org.MaxWorkers
		}
	}

	// Credentials the worker process needs; handed to every provisioned
	// instance alongside its WORKER_ID.
	workerEnv := map[string]string{}
	for _, key := range []string{"MODEL_HUB_TOKEN", "MODEL_HUB_IDENTITY", "CONTROL_PLANE_TOKEN"} {
		if value := os.Getenv(key); value != "" {
			workerEnv[key] = value
		}
	}

	fleet := autoscaler.New(
		autoscaler.Config{
			OrganizationID:      cfg.EnvConfig.Organization.ID,
			MaxWorkers:          maxWorkers,
			PollInterval:        cfg.EnvConfig.Fleet.PollInterval,
			ActivePingTimeout:   cfg.EnvConfig.Fleet.ActivePingTimeout,
			StartingPingTimeout: cfg.EnvConfig.Fleet.StartingPingTimeout,
			IdleGracePeriod:     cfg.EnvConfig.Fleet.IdleGracePeriod,
			WorkerEnv:           workerEnv,
		},
		repo.JobRepo,
		repo.WorkerRepo,
		repo.RunRepo,
		infra.Provisioner,
		infra.Logger,
		autoscaler.WithLocker(infra.Redis),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fleet.Run(ctx)
	infra.Logger.Shutdown(context.Background())
}
