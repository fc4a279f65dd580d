package infra

import (
	"log"

	"github.com/gpufleet/control-plane/config"
	"github.com/gpufleet/control-plane/infra/produce"
)

type Infra struct {
	Postgres    *PostgresClient
	Redis       *RedisClient
	Logger      *LoggerClient
	Provisioner *ProvisionerClient
	RabbitMQ    *RabbitMQClient
	Produce     *produce.Produce
	Minio       *MinioClient
}

var infraInstance *Infra

func InitInfra(cfg *config.Config) *Infra {
	if infraInstance != nil {
		return infraInstance
	}

	postgres := InitPostgresClient(cfg.EnvConfig)
	if postgres == nil {
		panic("Failed to initialize Postgres service")
	}

	redis := InitRedisClient(cfg.EnvConfig)
	if redis == nil {
		panic("Failed to initialize Redis service")
	}

	logger := InitLoggerClient(cfg.EnvConfig)
	if logger == nil {
		panic("Failed to initialize Logger service")
	}

	provisioner := InitProvisionerClient(cfg.EnvConfig)
	if provisioner == nil {
		panic("Failed to initialize Provisioner service")
	}

	// RabbitMQ is optional - job lifecycle events are advisory fan-out
	var produceService *produce.Produce
	rabbitMQ, err := NewRabbitMQClient(cfg.EnvConfig)
	if err != nil {
		log.Printf("Warning: Failed to initialize RabbitMQ service: %v (job events will not be published)", err)
		rabbitMQ = nil
	} else {
		produceService = produce.InitProduce(rabbitMQ.Channel)
	}

	// MinIO is optional - without it, rotated logs stay on local disk
	minio, err := NewMinioClient(cfg.EnvConfig)
	if err != nil {
		log.Printf("Warning: Failed to initialize MinIO service: %v (log segments will not be archived)", err)
		minio = nil
	}

	infraInstance = &Infra{
		Postgres:    postgres,
		Redis:       redis,
		Logger:      logger,
		Provisioner: provisioner,
		RabbitMQ:    rabbitMQ,
		Produce:     produceService,
		Minio:       minio,
	}

	return infraInstance
}

func GetClient() *Infra {
	if infraInstance == nil {
		panic("Infra not initialized. Call InitInfra() first.")
	}
	return infraInstance
}
