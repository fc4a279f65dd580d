package config

import (
	"os"
	"strconv"
	"time"
)

type EnvConfig struct {
	Postgres struct {
		Host     string
		Database string
		Username string
		Password string
		Port     string
	}
	Redis struct {
		Host     string
		Port     string
		Password string
		Database int
	}
	RabbitMQ struct {
		Host     string
		Port     string
		Username string
		Password string
	}
	Minio struct {
		Endpoint     string
		RootUser     string
		RootPassword string
		LogBucket    string
	}
	Provisioner struct {
		APIURL string
		APIKey string
		// ProxyDomain is the wildcard domain the GPU cloud exposes pods
		// under; the inference endpoint for a pod is derived from it.
		ProxyDomain string
	}
	Grafana struct {
		OTLPEndpoint string
		ServiceName  string
	}
	Organization struct {
		ID string
	}
	Fleet struct {
		PollInterval        time.Duration
		ActivePingTimeout   time.Duration
		StartingPingTimeout time.Duration
		IdleGracePeriod     time.Duration
		// MaxWorkers is the per-org worker cap the supervisor injects into
		// each fleetd child; 0 means unset, fall back to the org row or the
		// default.
		MaxWorkers        int
		MaxWorkersDefault int
	}
	Deploy struct {
		PollInterval  time.Duration
		ProbeInterval time.Duration
		ProbeTimeout  time.Duration
		LeaseWindow   time.Duration
		RenewInterval time.Duration
		BatchWindow   time.Duration
	}
	Supervisor struct {
		PollInterval time.Duration
		GracePeriod  time.Duration
		FleetdBin    string
		LogDir       string
	}
	Environment struct {
		Mode string
	}
}

func LoadEnvConfig() *EnvConfig {
	var config EnvConfig

	// Postgres
	config.Postgres.Host = os.Getenv("PGPOOL_HOST")
	config.Postgres.Database = os.Getenv("PGPOOL_DB")
	config.Postgres.Username = os.Getenv("PGPOOL_USER")
	config.Postgres.Password = os.Getenv("PGPOOL_PASSWORD")
	config.Postgres.Port = getEnv("PGPOOL_PORT", "5432")

	// Redis
	config.Redis.Host = getEnv("REDIS_HOST", "localhost")
	config.Redis.Port = getEnv("REDIS_PORT", "6379")
	config.Redis.Password = os.Getenv("REDIS_PASSWORD")
	config.Redis.Database, _ = strconv.Atoi(os.Getenv("REDIS_DB"))

	// RabbitMQ
	config.RabbitMQ.Host = getEnv("RABBITMQ_HOST", "localhost")
	config.RabbitMQ.Port = getEnv("RABBITMQ_PORT", "5672")
	config.RabbitMQ.Username = getEnv("RABBITMQ_USER", "guest")
	config.RabbitMQ.Password = getEnv("RABBITMQ_PASSWORD", "guest")

	// MinIO (log archive)
	config.Minio.Endpoint = os.Getenv("MINIO_ENDPOINT")
	config.Minio.RootUser = os.Getenv("MINIO_ROOT_USER")
	config.Minio.RootPassword = os.Getenv("MINIO_ROOT_PASSWORD")
	config.Minio.LogBucket = getEnv("MINIO_LOG_BUCKET", "fleet-logs")

	// GPU provisioning cloud
	config.Provisioner.APIURL = getEnv("PROVISIONER_API_URL", "https://api.gpucloud.example")
	config.Provisioner.APIKey = os.Getenv("PROVISIONER_API_KEY")
	config.Provisioner.ProxyDomain = getEnv("PROVISIONER_PROXY_DOMAIN", "proxy.gpucloud.example")

	// OpenTelemetry
	config.Grafana.OTLPEndpoint = os.Getenv("GRAFANA_OTLP_ENDPOINT")
	config.Grafana.ServiceName = getEnv("SERVICE_NAME", "fleet-control-plane")

	config.Organization.ID = os.Getenv("ORG_ID")

	// Fleet autoscaler loop
	config.Fleet.PollInterval = getEnvSeconds("FLEET_POLL_INTERVAL", 15)
	config.Fleet.ActivePingTimeout = getEnvSeconds("FLEET_ACTIVE_PING_TIMEOUT", 120)
	config.Fleet.StartingPingTimeout = getEnvSeconds("FLEET_STARTING_PING_TIMEOUT", 360)
	config.Fleet.IdleGracePeriod = getEnvSeconds("FLEET_IDLE_GRACE_PERIOD", 300)
	config.Fleet.MaxWorkers = getEnvInt("FLEET_MAX_WORKERS", 0)
	config.Fleet.MaxWorkersDefault = getEnvInt("FLEET_MAX_WORKERS_DEFAULT", 5)

	// Ephemeral deployments
	config.Deploy.PollInterval = getEnvSeconds("DEPLOY_POLL_INTERVAL", 10)
	config.Deploy.ProbeInterval = getEnvSeconds("DEPLOY_PROBE_INTERVAL", 10)
	config.Deploy.ProbeTimeout = getEnvSeconds("DEPLOY_PROBE_TIMEOUT", 300)
	config.Deploy.LeaseWindow = getEnvSeconds("DEPLOY_LEASE_WINDOW", 900)
	config.Deploy.RenewInterval = getEnvSeconds("DEPLOY_RENEW_INTERVAL", 60)
	config.Deploy.BatchWindow = getEnvSeconds("DEPLOY_BATCH_WINDOW", 5)

	// Supervisor
	config.Supervisor.PollInterval = getEnvSeconds("SUPERVISOR_POLL_INTERVAL", 300)
	config.Supervisor.GracePeriod = getEnvSeconds("SUPERVISOR_GRACE_PERIOD", 5)
	config.Supervisor.FleetdBin = getEnv("SUPERVISOR_FLEETD_BIN", "fleetd")
	config.Supervisor.LogDir = getEnv("SUPERVISOR_LOG_DIR", "/var/log/fleet")

	config.Environment.Mode = getEnv("DEPLOY_ENV", "development")

	return &config
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
