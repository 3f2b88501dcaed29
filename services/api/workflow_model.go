package api

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type workflowModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text"`
	UserID    string    `gorm:"type:text"`
	OrgID     *string   `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (workflowModel) TableName() string { return "workflows" }

func (m workflowModel) toAPI() Workflow {
	return Workflow{
		ID:        m.ID,
		Name:      m.Name,
		UserID:    m.UserID,
		OrgID:     m.OrgID,
		CreatedAt: m.CreatedAt,
	}
}

type workflowVersionModel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	WorkflowID  uuid.UUID         `gorm:"type:uuid"`
	Version     int               `gorm:"type:integer"`
	WorkflowAPI datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;autoCreateTime"`
	Workflow    *workflowModel    `gorm:"foreignKey:WorkflowID;references:ID"`
}

func (workflowVersionModel) TableName() string { return "workflow_versions" }

func (m workflowVersionModel) toAPI() WorkflowVersion {
	return WorkflowVersion{
		ID:          m.ID,
		WorkflowID:  m.WorkflowID,
		Version:     m.Version,
		WorkflowAPI: m.WorkflowAPI,
		CreatedAt:   m.CreatedAt,
	}
}
