package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Machine struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Type      string    `gorm:"type:text;not null;default:'classic'"`
	Endpoint  string    `gorm:"type:text;not null"`
	AuthToken string    `gorm:"type:text"`
	Disabled  bool      `gorm:"type:boolean;not null;default:false"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Workflow struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	UserID    string    `gorm:"type:text;not null"`
	OrgID     *string   `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type WorkflowVersion struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	WorkflowID  uuid.UUID         `gorm:"type:uuid;not null;index"`
	Version     int               `gorm:"type:integer;not null"`
	WorkflowAPI datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Workflow    Workflow          `gorm:"foreignKey:WorkflowID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type WorkflowRun struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	WorkflowID        *uuid.UUID        `gorm:"type:uuid;index"`
	WorkflowVersionID *uuid.UUID        `gorm:"type:uuid;index"`
	MachineID         *uuid.UUID        `gorm:"type:uuid;index"`
	Status            string            `gorm:"type:text;not null;default:'not-started'"`
	Origin            string            `gorm:"type:text;not null;default:'manual'"`
	WorkflowInputs    datatypes.JSONMap `gorm:"type:jsonb"`
	DedupHash         string            `gorm:"type:text;not null;default:''"`
	StartedAt         *time.Time        `gorm:"type:timestamptz"`
	EndedAt           *time.Time        `gorm:"type:timestamptz"`
	CreatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Machine           Machine           `gorm:"foreignKey:MachineID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
	WorkflowVersion   WorkflowVersion   `gorm:"foreignKey:WorkflowVersionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type WorkflowRunOutput struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID         `gorm:"type:uuid;not null;index"`
	Data      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Run       WorkflowRun       `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type APIKey struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	KeyHash   string    `gorm:"type:text;uniqueIndex;not null"`
	UserID    string    `gorm:"type:text;not null"`
	OrgID     *string   `gorm:"type:text"`
	Revoked   bool      `gorm:"type:boolean;not null;default:false"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Machine{},
		&Workflow{},
		&WorkflowVersion{},
		&WorkflowRun{},
		&WorkflowRunOutput{},
		&APIKey{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&WorkflowVersion{}, "Workflow"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&WorkflowRun{}, "Machine"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&WorkflowRun{}, "WorkflowVersion"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&WorkflowRunOutput{}, "Run"); err != nil {
		return err
	}

	// Partial unique index backing the run dedup check: at most one
	// in-flight run per logical request key. Terminal runs never conflict.
	_, err = tx.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_runs_dedup_inflight
		ON workflow_runs (dedup_hash)
		WHERE status IN ('not-started', 'running', 'uploading') AND dedup_hash <> ''
	`)
	return err
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_workflow_runs_dedup_inflight`); err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&APIKey{},
		&WorkflowRunOutput{},
		&WorkflowRun{},
		&WorkflowVersion{},
		&Workflow{},
		&Machine{},
	); err != nil {
		return err
	}

	return nil
}
