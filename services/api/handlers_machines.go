package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (a *API) handleMachineCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		Endpoint  string `json:"endpoint"`
		AuthToken string `json:"auth_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.Endpoint == "" {
		respondError(w, http.StatusBadRequest, errors.New("name and endpoint are required"))
		return
	}
	switch req.Type {
	case MachineTypeServerless, MachineTypeTokenServerless, MachineTypeClassic:
	case "":
		req.Type = MachineTypeClassic
	default:
		respondError(w, http.StatusBadRequest, errors.New("unknown machine type"))
		return
	}
	if req.Type == MachineTypeTokenServerless && req.AuthToken == "" && !isLocalEndpoint(req.Endpoint) {
		respondError(w, http.StatusBadRequest, errAuthTokenMissing)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machine := machineModel{
		ID:        uuid.New(),
		Name:      req.Name,
		Type:      req.Type,
		Endpoint:  strings.TrimRight(req.Endpoint, "/"),
		AuthToken: req.AuthToken,
	}
	if err := a.store.ORM.WithContext(ctx).Create(&machine).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, machine.toAPI())
}

func (a *API) handleMachineList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var models []machineModel
	if err := a.store.ORM.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	machines := make([]Machine, 0, len(models))
	for _, m := range models {
		machines = append(machines, m.toAPI())
	}
	respondJSON(w, http.StatusOK, machines)
}

func (a *API) handleMachineGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "machineID"))
	if err != nil {
		respondError(w, http.StatusNotFound, ErrMachineNotFound)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var machine machineModel
	if err := a.store.ORM.WithContext(ctx).First(&machine, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, ErrMachineNotFound)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, machine.toAPI())
}

// handleMachineDisable flips the disabled flag instead of deleting the row:
// existing runs keep their machine reference.
func (a *API) handleMachineDisable(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "machineID"))
	if err != nil {
		respondError(w, http.StatusNotFound, ErrMachineNotFound)
		return
	}

	var req struct {
		Disabled bool `json:"disabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res := a.store.ORM.WithContext(ctx).
		Model(&machineModel{}).
		Where("id = ?", id).
		Update("disabled", req.Disabled)
	if res.Error != nil {
		respondError(w, http.StatusInternalServerError, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, ErrMachineNotFound)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"message": "success"})
}
