package repository

import (
	"errors"

	"github.com/gpufleet/control-plane/entity"
	"gorm.io/gorm"
)

type WorkerRepository struct {
	db *gorm.DB
}

func NewWorkerRepository(db *gorm.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

func (r *WorkerRepository) Create(worker *entity.Worker) error {
	return r.db.Create(worker).Error
}

func (r *WorkerRepository) FindByID(id string) (*entity.Worker, error) {
	var worker entity.Worker
	err := r.db.First(&worker, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &worker, nil
}

func (r *WorkerRepository) Update(id string, patch map[string]interface{}) error {
	return r.db.Model(&entity.Worker{}).Where("id = ?", id).Updates(patch).Error
}

func (r *WorkerRepository) ListByStatus(orgID string, statuses ...entity.WorkerStatus) ([]entity.Worker, error) {
	var workers []entity.Worker
	err := r.db.
		Where("organization_id = ? AND status IN ?", orgID, statuses).
		Order("created_at ASC").
		Find(&workers).Error
	if err != nil {
		return nil, err
	}
	return workers, nil
}
