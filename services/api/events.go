package api

import (
	"context"
	"time"
)

// Bus subjects shared with the orchestrator.
const (
	RunCreatedSubject       = "renderd.runs.created"
	RunFinishedSubject      = "renderd.runs.finished"
	CleanupScheduledSubject = "renderd.cleanup.scheduled"
)

// RunLifecycleEvent is published when a run is created or reaches a
// terminal status.
type RunLifecycleEvent struct {
	RunID     string     `json:"run_id"`
	MachineID string     `json:"machine_id,omitempty"`
	Status    string     `json:"status"`
	At        *time.Time `json:"at,omitempty"`
}

// CleanupScheduledEvent asks the orchestrator to scrub a run's image data
// after the given delay. Delivery and completion are best-effort.
type CleanupScheduledEvent struct {
	RunID        string `json:"run_id"`
	DelaySeconds int    `json:"delay_seconds"`
}

// publishEvent sends an event on the bus when one is configured. Publish
// failures are logged and swallowed: lifecycle events are advisory.
func (a *API) publishEvent(ctx context.Context, subject string, event any) {
	if a.store.Bus == nil {
		return
	}
	if err := a.store.Bus.Publish(ctx, subject, event); err != nil {
		a.log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}
