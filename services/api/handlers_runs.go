package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (a *API) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MachineID         uuid.UUID      `json:"machine_id"`
		WorkflowVersionID uuid.UUID      `json:"workflow_version_id"`
		Inputs            map[string]any `json:"inputs"`
		Origin            string         `json:"origin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.MachineID == uuid.Nil {
		respondError(w, http.StatusBadRequest, errors.New("machine_id is required"))
		return
	}
	if req.WorkflowVersionID == uuid.Nil {
		respondError(w, http.StatusBadRequest, errors.New("workflow_version_id is required"))
		return
	}

	origin := req.Origin
	if cred := credentialFrom(r.Context()); cred != nil && origin == "" {
		origin = OriginAPI
	}

	result, err := a.CreateRun(r.Context(), CreateRunParams{
		WorkflowVersionID: req.WorkflowVersionID,
		MachineID:         req.MachineID,
		Inputs:            req.Inputs,
		Origin:            origin,
		Credential:        credentialFrom(r.Context()),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrMachineNotFound),
			errors.Is(err, ErrWorkflowVersionNotFound),
			errors.Is(err, ErrWorkflowNotFound):
			respondError(w, http.StatusNotFound, err)
		default:
			respondError(w, http.StatusInternalServerError, err)
		}
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"run_id":  result.RunID,
		"message": result.Message,
	})
}

// Queue marker inputs written by an external admission controller. The
// control plane never writes them; it only reflects them in status reads.
const (
	queuePositionInput = "_queue_position"
	queueETAInput      = "_queue_eta"
)

func (a *API) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	orm := a.store.ORM.WithContext(ctx)

	var run runModel
	if err := orm.First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, errors.New("run not found"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	var outputs []outputModel
	if err := orm.Where("run_id = ?", runID).
		Order("created_at ASC").
		Limit(defaultOutputPageSize).
		Find(&outputs).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, a.buildStatusResponse(run, outputs))
}

// buildStatusResponse assembles the client-facing status view. Read-only:
// URL fill-in happens on the response copy, never on stored rows.
func (a *API) buildStatusResponse(run runModel, outputs []outputModel) map[string]any {
	status := run.Status
	queued := false
	if status == StatusNotStarted {
		if _, ok := run.WorkflowInputs[queuePositionInput]; ok {
			status = StatusQueued
			queued = true
		}
	}

	var duration *float64
	if run.StartedAt != nil && run.EndedAt != nil {
		seconds := run.EndedAt.Sub(*run.StartedAt).Seconds()
		duration = &seconds
	}

	outputViews := make([]map[string]any, 0, len(outputs))
	for _, output := range outputs {
		view := make(map[string]any, len(output.Data)+1)
		for k, v := range output.Data {
			view[k] = v
		}
		view["created_at"] = output.CreatedAt
		outputViews = append(outputViews, view)
	}

	images := a.resolveImages(run.ID, outputs)

	response := map[string]any{
		"id":         run.ID,
		"status":     status,
		"started_at": run.StartedAt,
		"ended_at":   run.EndedAt,
		"duration":   duration,
		"outputs":    outputViews,
		"images":     images,
		"progress": map[string]any{
			"current": progressFor(run.Status),
			"total":   100,
			"message": progressMessage(status),
		},
	}

	if run.Status == StatusFailed && len(outputs) > 0 {
		if errMsg, ok := outputs[len(outputs)-1].Data["error"]; ok {
			response["error"] = errMsg
		}
	}

	if queued {
		queueInfo := map[string]any{"position": run.WorkflowInputs[queuePositionInput]}
		if eta, ok := run.WorkflowInputs[queueETAInput]; ok {
			queueInfo["estimated_time"] = eta
		}
		response["queue_info"] = queueInfo
	}

	return response
}

// resolveImages collects image entries across outputs, deriving missing
// URLs from the storage key convention.
func (a *API) resolveImages(runID uuid.UUID, outputs []outputModel) []map[string]any {
	images := make([]map[string]any, 0)
	for _, output := range outputs {
		entries, ok := output.Data["images"].([]any)
		if !ok {
			continue
		}
		for _, entry := range entries {
			image, ok := entry.(map[string]any)
			if !ok {
				continue
			}

			view := make(map[string]any, len(image)+2)
			for k, v := range image {
				view[k] = v
			}

			filename, _ := image["filename"].(string)
			if filename != "" {
				if url, _ := view["url"].(string); url == "" {
					view["url"] = a.urls.ObjectURL(RunOutputKey(runID.String(), filename))
				}
				if thumb, _ := view["thumbnail_url"].(string); thumb == "" {
					view["thumbnail_url"] = a.urls.ObjectURL(RunThumbnailKey(runID.String(), filename))
				}
			}
			images = append(images, view)
		}
	}
	return images
}
