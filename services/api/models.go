package api

import (
	"time"

	"github.com/google/uuid"
)

// Machine types determine the dispatch request shape and retry policy.
const (
	MachineTypeServerless      = "serverless"
	MachineTypeTokenServerless = "token-serverless"
	MachineTypeClassic         = "classic"
)

// Run origins tag who or what triggered a run.
const (
	OriginManual = "manual"
	OriginAPI    = "api"
	OriginShare  = "public-share"
)

// Machine models an external compute endpoint capable of executing a
// workflow and calling back with status and results.
type Machine struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Endpoint  string    `json:"endpoint"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Workflow is the owning container for workflow versions.
type Workflow struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	UserID    string    `json:"user_id"`
	OrgID     *string   `json:"org_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowVersion is an immutable snapshot of a workflow definition,
// including its declared external inputs inside the workflow-API document.
type WorkflowVersion struct {
	ID          uuid.UUID      `json:"id"`
	WorkflowID  uuid.UUID      `json:"workflow_id"`
	Version     int            `json:"version"`
	WorkflowAPI map[string]any `json:"workflow_api"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Run is one execution request against a workflow version on a machine.
type Run struct {
	ID                uuid.UUID      `json:"id"`
	WorkflowID        uuid.UUID      `json:"workflow_id"`
	WorkflowVersionID uuid.UUID      `json:"workflow_version_id"`
	MachineID         uuid.UUID      `json:"machine_id"`
	Status            string         `json:"status"`
	Origin            string         `json:"origin"`
	WorkflowInputs    map[string]any `json:"workflow_inputs,omitempty"`
	StartedAt         *time.Time     `json:"started_at"`
	EndedAt           *time.Time     `json:"ended_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Output is one reported result batch (typically images) for a run.
type Output struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Credential identifies the owner of an API key for the ownership check
// applied when runs are created on behalf of an API caller.
type Credential struct {
	UserID string
	OrgID  *string
}
