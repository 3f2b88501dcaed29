package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (a *API) handleWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string         `json:"name"`
		UserID      string         `json:"user_id"`
		OrgID       *string        `json:"org_id"`
		WorkflowAPI map[string]any `json:"workflow_api"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if cred := credentialFrom(r.Context()); cred != nil {
		req.UserID = cred.UserID
		req.OrgID = cred.OrgID
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	workflow := workflowModel{
		ID:     uuid.New(),
		Name:   req.Name,
		UserID: req.UserID,
		OrgID:  req.OrgID,
	}

	var version *workflowVersionModel
	err := a.store.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&workflow).Error; err != nil {
			return err
		}
		if req.WorkflowAPI == nil {
			return nil
		}
		version = &workflowVersionModel{
			ID:          uuid.New(),
			WorkflowID:  workflow.ID,
			Version:     1,
			WorkflowAPI: datatypes.JSONMap(req.WorkflowAPI),
		}
		return tx.Create(version).Error
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	response := map[string]any{"workflow": workflow.toAPI()}
	if version != nil {
		response["version"] = version.toAPI()
	}
	respondJSON(w, http.StatusCreated, response)
}

func (a *API) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	query := a.store.ORM.WithContext(ctx).Order("created_at DESC")
	if cred := credentialFrom(r.Context()); cred != nil {
		if cred.OrgID != nil {
			query = query.Where("org_id = ?", *cred.OrgID)
		} else {
			query = query.Where("user_id = ? AND org_id IS NULL", cred.UserID)
		}
	}

	var models []workflowModel
	if err := query.Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	workflows := make([]Workflow, 0, len(models))
	for _, m := range models {
		workflows = append(workflows, m.toAPI())
	}
	respondJSON(w, http.StatusOK, workflows)
}

func (a *API) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		respondError(w, http.StatusNotFound, ErrWorkflowNotFound)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var workflow workflowModel
	if err := a.store.ORM.WithContext(ctx).First(&workflow, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, ErrWorkflowNotFound)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := checkOwnership(credentialFrom(r.Context()), &workflow); err != nil {
		respondError(w, http.StatusNotFound, ErrWorkflowNotFound)
		return
	}

	var versions []workflowVersionModel
	if err := a.store.ORM.WithContext(ctx).
		Where("workflow_id = ?", id).
		Order("version DESC").
		Find(&versions).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	versionViews := make([]WorkflowVersion, 0, len(versions))
	for _, v := range versions {
		versionViews = append(versionViews, v.toAPI())
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"workflow": workflow.toAPI(),
		"versions": versionViews,
	})
}

// handleWorkflowVersionCreate snapshots a new immutable version. Version
// numbers are assigned inside the transaction from the current maximum.
func (a *API) handleWorkflowVersionCreate(w http.ResponseWriter, r *http.Request) {
	workflowID, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		respondError(w, http.StatusNotFound, ErrWorkflowNotFound)
		return
	}

	var req struct {
		WorkflowAPI map[string]any `json:"workflow_api"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkflowAPI == nil {
		respondError(w, http.StatusBadRequest, errors.New("workflow_api is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	version := workflowVersionModel{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		WorkflowAPI: datatypes.JSONMap(req.WorkflowAPI),
	}
	err = a.store.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var workflow workflowModel
		if err := tx.First(&workflow, "id = ?", workflowID).Error; err != nil {
			return err
		}
		if err := checkOwnership(credentialFrom(r.Context()), &workflow); err != nil {
			return err
		}

		var current int
		row := tx.Model(&workflowVersionModel{}).
			Where("workflow_id = ?", workflowID).
			Select("COALESCE(MAX(version), 0)")
		if err := row.Scan(&current).Error; err != nil {
			return err
		}
		version.Version = current + 1
		return tx.Create(&version).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrWorkflowNotFound) {
			respondError(w, http.StatusNotFound, ErrWorkflowNotFound)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, version.toAPI())
}
