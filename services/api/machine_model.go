package api

import (
	"time"

	"github.com/google/uuid"
)

type machineModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text"`
	Type      string    `gorm:"type:text"`
	Endpoint  string    `gorm:"type:text"`
	AuthToken string    `gorm:"type:text"`
	Disabled  bool      `gorm:"type:boolean"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (machineModel) TableName() string { return "machines" }

func (m machineModel) toAPI() Machine {
	return Machine{
		ID:        m.ID,
		Name:      m.Name,
		Type:      m.Type,
		Endpoint:  m.Endpoint,
		Disabled:  m.Disabled,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
