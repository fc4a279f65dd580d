package repository

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gpufleet/control-plane/entity"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Columns that may be filtered directly; every other filter key is treated
// as a path into the params JSON column.
var jobColumns = map[string]bool{
	"id":               true,
	"type":             true,
	"status":           true,
	"docker_image":     true,
	"model":            true,
	"worker_id":        true,
	"requires_vram_gb": true,
	"organization_id":  true,
}

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(job *entity.Job) error {
	return r.db.Create(job).Error
}

func (r *JobRepository) FindByID(id string) (*entity.Job, error) {
	var job entity.Job
	err := r.db.First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) Update(id string, patch map[string]interface{}) error {
	return r.db.Model(&entity.Job{}).Where("id = ?", id).Updates(patch).Error
}

// Find filters jobs by exact match. Keys naming a jobs column filter that
// column; any other key is resolved as a (possibly dotted) path into the
// params JSON column via text extraction. Because the comparison runs on
// extracted text, boolean filter values are matched as the literal strings
// "true"/"false" - see normalizeParamValue.
func (r *JobRepository) Find(orgID string, filters map[string]interface{}) ([]entity.Job, error) {
	query := r.db.Where("organization_id = ?", orgID)

	for key, value := range filters {
		if jobColumns[key] {
			query = query.Where(key+" = ?", value)
			continue
		}
		keys := strings.Split(key, ".")
		query = query.Where(datatypes.JSONQuery("params").Equals(normalizeParamValue(value), keys...))
	}

	var jobs []entity.Job
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// normalizeParamValue converts booleans to their text form so that JSON
// path extraction (->>, which yields text) compares equal. Deliberately not
// applied to any other type.
func normalizeParamValue(value interface{}) interface{} {
	if b, ok := value.(bool); ok {
		return strconv.FormatBool(b)
	}
	return value
}

// ListPendingByVRAM returns the org's pending jobs largest-first, oldest
// first within a VRAM class - the order the autoscaler batches them in.
func (r *JobRepository) ListPendingByVRAM(orgID string) ([]entity.Job, error) {
	var jobs []entity.Job
	err := r.db.
		Where("organization_id = ? AND status = ?", orgID, entity.JobStatusPending).
		Order("requires_vram_gb DESC, created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListClaimable returns pending jobs that fit under the given VRAM budget,
// oldest first. Used by the worker-facing claim path.
func (r *JobRepository) ListClaimable(orgID string, maxVRAMGB int) ([]entity.Job, error) {
	var jobs []entity.Job
	err := r.db.
		Where("organization_id = ? AND status = ? AND requires_vram_gb <= ?", orgID, entity.JobStatusPending, maxVRAMGB).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
