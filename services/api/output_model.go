package api

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type outputModel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID         `gorm:"type:uuid"`
	Data      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time         `gorm:"type:timestamptz;autoUpdateTime"`
}

func (outputModel) TableName() string { return "workflow_run_outputs" }

func (o outputModel) toAPI() Output {
	return Output{
		ID:        o.ID,
		RunID:     o.RunID,
		Data:      o.Data,
		CreatedAt: o.CreatedAt,
	}
}
