package repository

import (
	"errors"

	"github.com/gpufleet/control-plane/entity"
	"gorm.io/gorm"
)

type OrganizationRepository struct {
	db *gorm.DB
}

func NewOrganizationRepository(db *gorm.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

func (r *OrganizationRepository) FindByID(id string) (*entity.Organization, error) {
	var org entity.Organization
	err := r.db.First(&org, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (r *OrganizationRepository) ListActive() ([]entity.Organization, error) {
	var orgs []entity.Organization
	err := r.db.
		Where("active = ?", true).
		Order("created_at ASC").
		Find(&orgs).Error
	if err != nil {
		return nil, err
	}
	return orgs, nil
}
