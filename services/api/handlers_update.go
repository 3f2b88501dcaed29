package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"renderd/pkg/scrub"
)

// RunCleaner scrubs image data for one run. Used as the in-process
// fallback when no bus is configured for deferred cleanup.
type RunCleaner interface {
	CleanRun(ctx context.Context, runID uuid.UUID) error
}

// WithCleaner installs the in-process deferred-cleanup fallback.
func (a *API) WithCleaner(c RunCleaner) *API {
	a.cleaner = c
	return a
}

// handleRunUpdate receives asynchronous callbacks from machines: either a
// status transition or an output payload, never both in one request.
func (a *API) handleRunUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID      uuid.UUID      `json:"run_id"`
		Status     string         `json:"status"`
		OutputData map[string]any `json:"output_data"`
		Inputs     map[string]any `json:"inputs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.RunID == uuid.Nil {
		respondError(w, http.StatusBadRequest, errors.New("run_id is required"))
		return
	}
	if req.Status != "" && !ValidStatus(req.Status) {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", req.Status))
		return
	}
	if req.Status == "" && req.OutputData == nil {
		respondError(w, http.StatusBadRequest, errors.New("status or output_data is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	orm := a.store.ORM.WithContext(ctx)

	var run runModel
	if err := orm.Select("id", "machine_id", "status").First(&run, "id = ?", req.RunID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, errors.New("run not found"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	switch {
	case req.OutputData != nil:
		a.metrics.updateCallbacks.WithLabelValues("output").Inc()
		if err := a.ingestOutput(ctx, run.ID, req.OutputData); err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}

	case req.Status != "":
		a.metrics.updateCallbacks.WithLabelValues("status").Inc()
		applied, err := a.transitionRun(ctx, run.ID, req.Status)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		// Rejected transitions are logged and counted but still answered
		// with success: machines retry callbacks on error responses.
		if applied && TerminalStatus(req.Status) {
			endedAt := time.Now().UTC()
			a.publishEvent(ctx, RunFinishedSubject, RunLifecycleEvent{
				RunID:     run.ID.String(),
				MachineID: uuidString(run.MachineID),
				Status:    req.Status,
				At:        &endedAt,
			})
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{"message": "success"})
}

// ingestOutput sanitizes a reported output payload, rewrites image URLs to
// the storage convention, and appends an output row. Outputs are never
// updated in place.
func (a *API) ingestOutput(ctx context.Context, runID uuid.UUID, data map[string]any) error {
	sanitized := scrub.SanitizeOutput(data)

	if images, ok := sanitized["images"].([]any); ok {
		for _, entry := range images {
			image, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			filename, _ := image["filename"].(string)
			if filename == "" {
				continue
			}
			image["url"] = a.urls.ObjectURL(RunOutputKey(runID.String(), filename))
			if _, hasThumb := image["thumbnail"]; hasThumb {
				image["thumbnail_url"] = a.urls.ObjectURL(RunThumbnailKey(runID.String(), filename))
				delete(image, "thumbnail")
			}
		}
	}

	output := outputModel{
		ID:    uuid.New(),
		RunID: runID,
		Data:  datatypes.JSONMap(sanitized),
	}
	return a.store.ORM.WithContext(ctx).Create(&output).Error
}

// handleCleanupRun schedules a deferred scrub of a run's image data. The
// response returns immediately; the scrub itself is best-effort and may
// not happen if the process stops first.
func (a *API) handleCleanupRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID        uuid.UUID `json:"run_id"`
		DelaySeconds int       `json:"delay_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.RunID == uuid.Nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "run_id is required",
		})
		return
	}

	delay := time.Duration(req.DelaySeconds) * time.Second
	if delay <= 0 {
		delay = a.config.CleanupDelay
	}

	if a.store.Bus != nil {
		event := CleanupScheduledEvent{
			RunID:        req.RunID.String(),
			DelaySeconds: int(delay / time.Second),
		}
		if err := a.store.Bus.Publish(r.Context(), CleanupScheduledSubject, event); err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"message": fmt.Sprintf("schedule cleanup: %v", err),
			})
			return
		}
	} else if a.cleaner != nil {
		runID := req.RunID
		go func() {
			time.Sleep(delay)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.cleaner.CleanRun(ctx, runID); err != nil {
				a.log.Error().Err(err).Str("run_id", runID.String()).Msg("deferred cleanup")
			}
		}()
	} else {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"message": "no cleanup backend configured",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("cleanup of run %s scheduled in %d seconds", req.RunID, int(delay/time.Second)),
	})
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
