package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testPayload() runPayload {
	return runPayload{
		PromptID:           "11111111-2222-3333-4444-555555555555",
		WorkflowAPIRaw:     map[string]any{"1": map[string]any{"class_type": "KSampler"}},
		StatusEndpoint:     "https://api.example.com/v1/update-run",
		FileUploadEndpoint: "https://api.example.com/v1/file-upload",
	}
}

func fastPolicy(attempts int) DispatchPolicy {
	return DispatchPolicy{
		MaxAttempts:        attempts,
		Backoff:            linearBackoff(time.Millisecond),
		AttemptTimeout:     2 * time.Second,
		RetryNetworkErrors: true,
	}
}

func TestDeliverServerlessEnvelope(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	machine := machineModel{Type: MachineTypeServerless, Endpoint: srv.URL}
	err := deliver(context.Background(), srv.Client(), machine, testPayload(), fastPolicy(1), nil)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if gotPath != "/run" {
		t.Errorf("path = %q, want /run", gotPath)
	}
	input, ok := gotBody["input"].(map[string]any)
	if !ok {
		t.Fatalf("body missing input envelope: %v", gotBody)
	}
	if input["prompt_id"] != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("prompt_id = %v", input["prompt_id"])
	}
}

func TestDeliverClassicFlatPayload(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	machine := machineModel{Type: MachineTypeClassic, Endpoint: srv.URL + "/"}
	err := deliver(context.Background(), srv.Client(), machine, testPayload(), fastPolicy(1), nil)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if gotPath != classicRunPath {
		t.Errorf("path = %q, want %q", gotPath, classicRunPath)
	}
	if gotAuth != "" {
		t.Errorf("unexpected Authorization header %q", gotAuth)
	}
	if _, wrapped := gotBody["input"]; wrapped {
		t.Error("classic payload must not be wrapped in an input envelope")
	}
	if gotBody["prompt_id"] != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("prompt_id = %v", gotBody["prompt_id"])
	}
}

func TestDeliverTokenServerless(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	machine := machineModel{Type: MachineTypeTokenServerless, Endpoint: srv.URL, AuthToken: "tok-123"}
	err := deliver(context.Background(), srv.Client(), machine, testPayload(), fastPolicy(1), nil)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestDeliverTokenRequired(t *testing.T) {
	machine := machineModel{Type: MachineTypeTokenServerless, Endpoint: "https://gpu.example.com"}
	err := deliver(context.Background(), nil, machine, testPayload(), fastPolicy(1), nil)
	if !errors.Is(err, errAuthTokenMissing) {
		t.Fatalf("err = %v, want errAuthTokenMissing", err)
	}

	// Local endpoints are exempt so development machines work untokened.
	local := machineModel{Type: MachineTypeTokenServerless, Endpoint: "http://localhost:8188"}
	if _, _, err := buildDispatchRequest(local, testPayload()); err != nil {
		t.Fatalf("local endpoint rejected: %v", err)
	}
}

func TestDeliverRetriesUntilExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error": "queue full"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var attempts int
	machine := machineModel{Type: MachineTypeServerless, Endpoint: srv.URL}
	err := deliver(context.Background(), srv.Client(), machine, testPayload(), fastPolicy(3), func() { attempts++ })
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if hits.Load() != 3 || attempts != 3 {
		t.Errorf("hits = %d, attempts = %d, want 3 each", hits.Load(), attempts)
	}

	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("err = %T, want *DispatchError", err)
	}
	if de.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d", de.StatusCode)
	}
}

func TestDeliverStopsRetryingOnSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	machine := machineModel{Type: MachineTypeServerless, Endpoint: srv.URL}
	err := deliver(context.Background(), srv.Client(), machine, testPayload(), fastPolicy(3), nil)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestDeliverAssumeSuccessOnTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	policy := DispatchPolicy{
		MaxAttempts:            2,
		Backoff:                linearBackoff(time.Millisecond),
		AttemptTimeout:         50 * time.Millisecond,
		RetryNetworkErrors:     true,
		AssumeSuccessOnTimeout: true,
	}

	machine := machineModel{Type: MachineTypeClassic, Endpoint: srv.URL}
	err := deliver(context.Background(), srv.Client(), machine, testPayload(), policy, nil)
	if err != nil {
		t.Fatalf("deliver = %v, want assumed success on timeout", err)
	}
}

func TestDispatchErrorNodeErrors(t *testing.T) {
	body := `{"error": "invalid prompt", "node_errors": {"3": {"errors": ["missing input"]}}}`
	resp := &http.Response{
		StatusCode: http.StatusBadRequest,
		Body:       io.NopCloser(strings.NewReader(body)),
	}

	err := dispatchErrorFrom(MachineTypeClassic, resp)
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("err = %T", err)
	}
	if de.NodeErrors == "" || !strings.Contains(de.NodeErrors, "missing input") {
		t.Errorf("NodeErrors = %q", de.NodeErrors)
	}
	if !strings.Contains(de.Error(), "status 400") {
		t.Errorf("Error() = %q", de.Error())
	}
}

func TestPolicyClassify(t *testing.T) {
	classic := defaultPolicies()[MachineTypeClassic]
	if got := classic.classify(context.DeadlineExceeded); got != outcomeAssumeSuccess {
		t.Errorf("classic timeout = %v, want assume success", got)
	}

	serverless := defaultPolicies()[MachineTypeServerless]
	if got := serverless.classify(context.DeadlineExceeded); got != outcomeRetry {
		t.Errorf("serverless timeout = %v, want retry", got)
	}
	if got := serverless.classify(&DispatchError{StatusCode: 500}); got != outcomeRetry {
		t.Errorf("serverless 500 = %v, want retry", got)
	}

	noRetry := DispatchPolicy{RetryNetworkErrors: false}
	if got := noRetry.classify(errors.New("connection refused")); got != outcomeAbort {
		t.Errorf("network error without retry = %v, want abort", got)
	}
}
