package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"renderd/pkg/db"
)

// Sentinel errors surfaced by run creation. ErrWorkflowNotFound is the
// deliberate response to an ownership failure: cross-tenant callers must
// not learn whether the workflow exists.
var (
	ErrMachineNotFound         = errors.New("machine not found")
	ErrWorkflowVersionNotFound = errors.New("workflow version not found")
	ErrWorkflowNotFound        = errors.New("workflow not found")
)

// dispatchDeadline bounds the whole background delivery, attempts and
// backoff included.
const dispatchDeadline = 2 * time.Minute

// CreateRunParams describes one run creation request.
type CreateRunParams struct {
	WorkflowVersionID uuid.UUID
	MachineID         uuid.UUID
	Inputs            map[string]any
	Origin            string
	Credential        *Credential
}

// CreateRunResult reports the created (or found) run.
type CreateRunResult struct {
	RunID    uuid.UUID
	Existing bool
	Message  string
}

// CreateRun resolves the machine and workflow version, rewrites inputs
// into the workflow document, inserts the run row (or returns an existing
// in-flight duplicate), and hands delivery to a background task. The call
// returns as soon as the row exists; callers poll status for the outcome.
func (a *API) CreateRun(ctx context.Context, params CreateRunParams) (CreateRunResult, error) {
	orm := a.store.ORM.WithContext(ctx)

	var machine machineModel
	err := orm.Where("id = ? AND disabled = false", params.MachineID).First(&machine).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CreateRunResult{}, ErrMachineNotFound
		}
		return CreateRunResult{}, err
	}

	var version workflowVersionModel
	err = orm.Preload("Workflow").Where("id = ?", params.WorkflowVersionID).First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CreateRunResult{}, ErrWorkflowVersionNotFound
		}
		return CreateRunResult{}, err
	}

	if err := checkOwnership(params.Credential, version.Workflow); err != nil {
		return CreateRunResult{}, err
	}

	workflowAPI, storedInputs, err := resolveInputs(ctx, version.WorkflowAPI, params.Inputs, a.uploadInlineImage)
	if err != nil {
		return CreateRunResult{}, err
	}

	origin := params.Origin
	if origin == "" {
		origin = OriginManual
	}

	runID, existing, err := a.insertRun(ctx, version, machine.ID, storedInputs, origin)
	if err != nil {
		return CreateRunResult{}, err
	}
	if existing {
		a.metrics.dedupHits.Inc()
		return CreateRunResult{
			RunID:    runID,
			Existing: true,
			Message:  "existing workflow run found",
		}, nil
	}

	a.metrics.runsCreated.WithLabelValues(origin).Inc()
	a.publishEvent(ctx, RunCreatedSubject, RunLifecycleEvent{
		RunID:     runID.String(),
		MachineID: machine.ID.String(),
		Status:    StatusNotStarted,
	})

	payload := runPayload{
		PromptID:           runID.String(),
		WorkflowAPIRaw:     workflowAPI,
		StatusEndpoint:     a.config.PublicOrigin + "/v1/update-run",
		FileUploadEndpoint: a.config.PublicOrigin + "/v1/file-upload",
	}

	// Delivery is detached from the request: it may be cut short if the
	// process stops, and the run row records whatever was reached.
	go a.dispatchRun(runID, machine, payload)

	return CreateRunResult{
		RunID:   runID,
		Message: "workflow run created",
	}, nil
}

func checkOwnership(cred *Credential, workflow *workflowModel) error {
	if cred == nil {
		return nil
	}
	if workflow == nil {
		return ErrWorkflowNotFound
	}

	if cred.OrgID != nil {
		if workflow.OrgID == nil || *workflow.OrgID != *cred.OrgID {
			return ErrWorkflowNotFound
		}
		return nil
	}

	if workflow.UserID != cred.UserID && workflow.OrgID == nil {
		return ErrWorkflowNotFound
	}
	return nil
}

// dedupHash derives the logical request key for run deduplication:
// workflow version, machine, canonical inputs, and origin.
func dedupHash(versionID, machineID uuid.UUID, inputs map[string]any, origin string) string {
	canonical, err := json.Marshal(inputs)
	if err != nil {
		canonical = nil
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|", versionID, machineID, origin)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// insertRun creates the run row atomically against the in-flight dedup
// index. A conflict means an equivalent non-terminal run exists; its id is
// returned instead. The constraint, not a read-then-insert transaction,
// carries the at-most-one-in-flight guarantee.
func (a *API) insertRun(ctx context.Context, version workflowVersionModel, machineID uuid.UUID, inputs map[string]any, origin string) (uuid.UUID, bool, error) {
	hash := dedupHash(version.ID, machineID, inputs, origin)

	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return uuid.Nil, false, err
	}
	if inputs == nil {
		inputsJSON = []byte("{}")
	}

	const insertSQL = `
		INSERT INTO workflow_runs
			(id, workflow_id, workflow_version_id, machine_id, status, origin, workflow_inputs, dedup_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'not-started', $5, $6::jsonb, $7, now(), now())
		ON CONFLICT (dedup_hash)
			WHERE status IN ('not-started', 'running', 'uploading') AND dedup_hash <> ''
			DO NOTHING
		RETURNING id`

	const findSQL = `
		SELECT id FROM workflow_runs
		WHERE dedup_hash = $1 AND status IN ('not-started', 'running', 'uploading')
		LIMIT 1`

	// Two rounds cover the race where the conflicting run turns terminal
	// between our insert and lookup.
	for range 2 {
		var id uuid.UUID
		err := db.Get(ctx, a.store.DB, &id, insertSQL,
			uuid.New(), version.WorkflowID, version.ID, machineID, origin, string(inputsJSON), hash)
		if err == nil {
			return id, false, nil
		}
		if !db.NotFound(err) {
			return uuid.Nil, false, err
		}

		err = db.Get(ctx, a.store.DB, &id, findSQL, hash)
		if err == nil {
			return id, true, nil
		}
		if !db.NotFound(err) {
			return uuid.Nil, false, err
		}
	}

	return uuid.Nil, false, errors.New("run creation lost repeated dedup races")
}

// dispatchRun delivers the run description to the machine under the
// machine type's policy and records the outcome. Runs detached from the
// creating request.
func (a *API) dispatchRun(runID uuid.UUID, machine machineModel, payload runPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchDeadline)
	defer cancel()

	policy := a.policyFor(machine.Type)

	now := time.Now().UTC()
	if err := a.store.ORM.WithContext(ctx).
		Model(&runModel{}).
		Where("id = ? AND started_at IS NULL", runID).
		Update("started_at", now).Error; err != nil {
		a.log.Error().Err(err).Str("run_id", runID.String()).Msg("stamp started_at")
	}

	err := deliver(ctx, http.DefaultClient, machine, payload, policy, func() {
		a.metrics.dispatchAttempts.WithLabelValues(machine.Type).Inc()
	})
	if err != nil {
		a.log.Error().Err(err).
			Str("run_id", runID.String()).
			Str("machine_type", machine.Type).
			Msg("dispatch failed after retries")
		a.metrics.dispatchFailures.WithLabelValues(machine.Type).Inc()

		if _, terr := a.transitionRun(ctx, runID, StatusFailed); terr != nil {
			a.log.Error().Err(terr).Str("run_id", runID.String()).Msg("mark run failed")
		}
		endedAt := time.Now().UTC()
		a.publishEvent(ctx, RunFinishedSubject, RunLifecycleEvent{
			RunID:     runID.String(),
			MachineID: machine.ID.String(),
			Status:    StatusFailed,
			At:        &endedAt,
		})
		return
	}

	// Serverless machines do not call back until the work completes, so
	// acceptance is the running signal. Classic machines report their own
	// progress; leave the status to their callbacks.
	if machine.Type == MachineTypeServerless || machine.Type == MachineTypeTokenServerless {
		if _, err := a.transitionRun(ctx, runID, StatusRunning); err != nil {
			a.log.Error().Err(err).Str("run_id", runID.String()).Msg("mark run running")
		}
	}
}

// transitionRun applies a guarded status change. It returns false without
// writing when the state machine rejects the move.
func (a *API) transitionRun(ctx context.Context, runID uuid.UUID, to string) (bool, error) {
	orm := a.store.ORM.WithContext(ctx)

	var run runModel
	if err := orm.Select("id", "status").First(&run, "id = ?", runID).Error; err != nil {
		return false, err
	}

	if !CanTransition(run.Status, to) {
		a.metrics.rejectedTransitions.Inc()
		a.log.Warn().
			Str("run_id", runID.String()).
			Str("from", run.Status).
			Str("to", to).
			Msg("rejected status transition")
		return false, nil
	}
	if run.Status == to {
		return true, nil
	}

	updates := map[string]any{"status": to}
	if TerminalStatus(to) {
		updates["ended_at"] = time.Now().UTC()
	} else {
		updates["ended_at"] = nil
	}

	// The status guard in the WHERE clause keeps a concurrent writer from
	// interleaving between our read and write.
	res := orm.Model(&runModel{}).
		Where("id = ? AND status = ?", runID, run.Status).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
