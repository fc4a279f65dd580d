package infra

import (
	"fmt"
	"log"

	"github.com/gpufleet/control-plane/config"
	"github.com/gpufleet/control-plane/entity"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type PostgresClient struct {
	DB *gorm.DB
}

func InitPostgresClient(cfg *config.EnvConfig) *PostgresClient {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		cfg.Postgres.Host,
		cfg.Postgres.Username,
		cfg.Postgres.Password,
		cfg.Postgres.Database,
		cfg.Postgres.Port,
	)

	// TranslateError so a duplicate-key insert surfaces as
	// gorm.ErrDuplicatedKey; the job registry relies on that to resolve
	// concurrent submissions of the same content-addressed id.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("Postgres connection failed: %v", err)
	}

	if err := db.AutoMigrate(
		&entity.Organization{},
		&entity.Job{},
		&entity.Worker{},
		&entity.Run{},
	); err != nil {
		log.Fatalf("Postgres migration failed: %v", err)
	}

	log.Println("Connected to Postgres:", cfg.Postgres.Host+":"+cfg.Postgres.Port)

	return &PostgresClient{DB: db}
}
