package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// classicRunPath is the fixed sub-path the agent plugin listens on for
// classic machines.
const classicRunPath = "/renderd/run"

// runPayload is the work description delivered to a machine. The machine
// reports progress back through StatusEndpoint.
type runPayload struct {
	PromptID           string         `json:"prompt_id"`
	WorkflowAPIRaw     map[string]any `json:"workflow_api_raw"`
	StatusEndpoint     string         `json:"status_endpoint"`
	FileUploadEndpoint string         `json:"file_upload_endpoint"`
}

var errAuthTokenMissing = errors.New("machine auth token not found")

// deliver posts the run description to the machine, applying the policy's
// attempt budget, per-attempt timeout, and backoff. A nil return means the
// run was accepted (or assumed accepted on a classic timeout).
func deliver(ctx context.Context, client *http.Client, machine machineModel, payload runPayload, policy DispatchPolicy, onAttempt func()) error {
	if client == nil {
		client = http.DefaultClient
	}

	body, endpoint, err := buildDispatchRequest(machine, payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if onAttempt != nil {
			onAttempt()
		}

		err := postOnce(ctx, client, machine, endpoint, body, policy.AttemptTimeout)
		if err == nil {
			return nil
		}
		lastErr = err

		switch policy.classify(err) {
		case outcomeAssumeSuccess:
			return nil
		case outcomeAbort:
			return err
		}

		if attempt < policy.MaxAttempts {
			wait := policy.Backoff(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// buildDispatchRequest shapes the request body and endpoint per machine
// type. Serverless variants wrap the payload in an "input" envelope;
// classic machines take the flat payload on a fixed sub-path.
func buildDispatchRequest(machine machineModel, payload runPayload) ([]byte, string, error) {
	endpoint := strings.TrimRight(machine.Endpoint, "/")

	switch machine.Type {
	case MachineTypeServerless, MachineTypeTokenServerless:
		if machine.Type == MachineTypeTokenServerless && machine.AuthToken == "" && !isLocalEndpoint(endpoint) {
			return nil, "", errAuthTokenMissing
		}
		body, err := json.Marshal(map[string]any{"input": payload})
		if err != nil {
			return nil, "", err
		}
		return body, endpoint + "/run", nil

	default:
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		return body, endpoint + classicRunPath, nil
	}
}

func postOnce(ctx context.Context, client *http.Client, machine machineModel, endpoint string, body []byte, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if machine.Type == MachineTypeTokenServerless && machine.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+machine.AuthToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return dispatchErrorFrom(machine.Type, resp)
}

func dispatchErrorFrom(machineType string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	de := &DispatchError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}

	// Classic machines return structured node errors on rejection.
	if machineType == MachineTypeClassic || machineType == "" {
		var parsed struct {
			NodeErrors json.RawMessage `json:"node_errors"`
		}
		if err := json.Unmarshal(raw, &parsed); err == nil && len(parsed.NodeErrors) > 0 {
			de.NodeErrors = string(parsed.NodeErrors)
		}
	}

	return de
}

func isLocalEndpoint(endpoint string) bool {
	return strings.Contains(endpoint, "localhost") || strings.Contains(endpoint, "127.0.0.1")
}
