package repository

import (
	"errors"

	"github.com/gpufleet/control-plane/entity"
	"gorm.io/gorm"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(run *entity.Run) error {
	return r.db.Create(run).Error
}

func (r *RunRepository) Update(id string, patch map[string]interface{}) error {
	return r.db.Model(&entity.Run{}).Where("id = ?", id).Updates(patch).Error
}

func (r *RunRepository) ListInProgressByWorker(workerID string) ([]entity.Run, error) {
	var runs []entity.Run
	err := r.db.
		Where("worker_id = ? AND status = ?", workerID, entity.RunStatusInProgress).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// LatestByWorker returns the most recently updated run bound to a worker,
// or ErrNotFound if the worker never ran anything. Idle detection hinges on
// this row.
func (r *RunRepository) LatestByWorker(workerID string) (*entity.Run, error) {
	var run entity.Run
	err := r.db.
		Where("worker_id = ?", workerID).
		Order("updated_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}
