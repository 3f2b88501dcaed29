package orchestrator

import "github.com/google/uuid"

type runFinishedEvent struct {
	RunID  uuid.UUID `json:"run_id"`
	Status string    `json:"status"`
}

type cleanupScheduledEvent struct {
	RunID        uuid.UUID `json:"run_id"`
	DelaySeconds int       `json:"delay_seconds"`
}
