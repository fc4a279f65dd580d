package repository

import (
	"errors"

	"github.com/gpufleet/control-plane/infra"
)

// ErrNotFound is the "zero rows" result of a single-row fetch, kept distinct
// from transport errors so callers can branch on it.
var ErrNotFound = errors.New("record not found")

type Repository struct {
	JobRepo          *JobRepository
	WorkerRepo       *WorkerRepository
	RunRepo          *RunRepository
	OrganizationRepo *OrganizationRepository
}

var repository *Repository

func InitRepository(infra *infra.Infra) *Repository {
	repository = &Repository{
		JobRepo:          NewJobRepository(infra.Postgres.DB),
		WorkerRepo:       NewWorkerRepository(infra.Postgres.DB),
		RunRepo:          NewRunRepository(infra.Postgres.DB),
		OrganizationRepo: NewOrganizationRepository(infra.Postgres.DB),
	}
	return repository
}

func GetRepository() *Repository {
	if repository == nil {
		panic("repository not initialized")
	}
	return repository
}
