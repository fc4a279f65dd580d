package entity

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type Organization struct {
	ID         string         `json:"id" gorm:"primaryKey"`
	Name       string         `json:"name" binding:"required,min=1,max=128" gorm:"uniqueIndex;not null"`
	MaxWorkers int            `json:"max_workers" binding:"min=0" gorm:"not null;default:5"`
	Secrets    datatypes.JSON `json:"-" gorm:"type:jsonb"`
	Active     bool           `json:"active" gorm:"not null;default:true;index"`
	CreatedAt  time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time      `json:"updated_at" gorm:"not null"`
}

// SecretMap decodes the secrets column into a flat name -> value map.
// A missing or null column decodes to an empty map, never an error.
func (o *Organization) SecretMap() (map[string]string, error) {
	secrets := map[string]string{}
	if len(o.Secrets) == 0 {
		return secrets, nil
	}
	if err := json.Unmarshal(o.Secrets, &secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}
