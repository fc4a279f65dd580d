package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/gpufleet/control-plane/config"
	infraPkg "github.com/gpufleet/control-plane/infra"
	"github.com/gpufleet/control-plane/repository"
	"github.com/gpufleet/control-plane/supervisor"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Control-store settings every fleetd child inherits from the supervisor's
// own environment. Per-org secrets are injected on top by the supervisor.
var passthroughEnv = []string{
	"PGPOOL_HOST", "PGPOOL_PORT", "PGPOOL_DB", "PGPOOL_USER", "PGPOOL_PASSWORD",
	"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB",
	"RABBITMQ_HOST", "RABBITMQ_PORT", "RABBITMQ_USER", "RABBITMQ_PASSWORD",
	"PROVISIONER_API_URL", "PROVISIONER_PROXY_DOMAIN",
	"GRAFANA_OTLP_ENDPOINT", "DEPLOY_ENV",
	"FLEET_POLL_INTERVAL", "FLEET_ACTIVE_PING_TIMEOUT",
	"FLEET_STARTING_PING_TIMEOUT", "FLEET_IDLE_GRACE_PERIOD",
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)

	baseEnv := map[string]string{}
	for _, key := range passthroughEnv {
		if value := os.Getenv(key); value != "" {
			baseEnv[key] = value
		}
	}

	supCfg := supervisor.Config{
		PollInterval: cfg.EnvConfig.Supervisor.PollInterval,
		GracePeriod:  cfg.EnvConfig.Supervisor.GracePeriod,
		FleetdBin:    cfg.EnvConfig.Supervisor.FleetdBin,
		LogDir:       cfg.EnvConfig.Supervisor.LogDir,
		BaseEnv:      baseEnv,
	}
	opts := []supervisor.Option{}
	if infra.Minio != nil {
		opts = append(opts, supervisor.WithArchiver(infra.Minio))
	}
	sup := supervisor.New(supCfg, repo.OrganizationRepo, infra.Logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := gin.Default()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	go func() {
		log.Println("Supervisor admin server started on :8080")
		if err := router.Run(":8080"); err != nil {
			log.Fatalf("Failed to start admin server: %v", err)
		}
	}()

	sup.Run(ctx)
	infra.Logger.Shutdown(context.Background())
}
