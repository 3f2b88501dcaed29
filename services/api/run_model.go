package api

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type runModel struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	WorkflowID        *uuid.UUID        `gorm:"type:uuid"`
	WorkflowVersionID *uuid.UUID        `gorm:"type:uuid"`
	MachineID         *uuid.UUID        `gorm:"type:uuid"`
	Status            string            `gorm:"type:text"`
	Origin            string            `gorm:"type:text"`
	WorkflowInputs    datatypes.JSONMap `gorm:"type:jsonb"`
	DedupHash         string            `gorm:"type:text"`
	StartedAt         *time.Time        `gorm:"type:timestamptz"`
	EndedAt           *time.Time        `gorm:"type:timestamptz"`
	CreatedAt         time.Time         `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"type:timestamptz;autoUpdateTime"`
}

func (runModel) TableName() string { return "workflow_runs" }

func (r runModel) toAPI() Run {
	return Run{
		ID:                r.ID,
		WorkflowID:        valueOrZero(r.WorkflowID),
		WorkflowVersionID: valueOrZero(r.WorkflowVersionID),
		MachineID:         valueOrZero(r.MachineID),
		Status:            r.Status,
		Origin:            r.Origin,
		WorkflowInputs:    r.WorkflowInputs,
		StartedAt:         r.StartedAt,
		EndedAt:           r.EndedAt,
		CreatedAt:         r.CreatedAt,
	}
}

func valueOrZero(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
