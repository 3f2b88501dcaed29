package api

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

func statusTestAPI(t *testing.T) *API {
	t.Helper()
	urls, err := NewURLResolver("", "https://cdn.example.com", "renderd", CDNModeOmitBucket)
	if err != nil {
		t.Fatalf("NewURLResolver: %v", err)
	}
	return &API{urls: urls}
}

func TestBuildStatusResponseSuccess(t *testing.T) {
	a := statusTestAPI(t)
	runID := uuid.New()
	started := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	ended := started.Add(42 * time.Second)

	run := runModel{
		ID:        runID,
		Status:    StatusSuccess,
		StartedAt: &started,
		EndedAt:   &ended,
	}
	outputs := []outputModel{{
		ID:    uuid.New(),
		RunID: runID,
		Data: datatypes.JSONMap{
			"images": []any{
				map[string]any{"filename": "a.png", "width": float64(512)},
			},
		},
		CreatedAt: ended,
	}}

	resp := a.buildStatusResponse(run, outputs)

	if resp["status"] != StatusSuccess {
		t.Errorf("status = %v", resp["status"])
	}
	duration, ok := resp["duration"].(*float64)
	if !ok || duration == nil || *duration != 42 {
		t.Errorf("duration = %v", resp["duration"])
	}

	progress, ok := resp["progress"].(map[string]any)
	if !ok || progress["current"] != 100 || progress["total"] != 100 {
		t.Errorf("progress = %v", resp["progress"])
	}
	if progress["message"] != "Generation completed" {
		t.Errorf("progress message = %v", progress["message"])
	}

	images, ok := resp["images"].([]map[string]any)
	if !ok || len(images) != 1 {
		t.Fatalf("images = %v", resp["images"])
	}
	url, _ := images[0]["url"].(string)
	if !strings.HasSuffix(url, "/outputs/runs/"+runID.String()+"/a.png") {
		t.Errorf("image url = %q", url)
	}
	thumb, _ := images[0]["thumbnail_url"].(string)
	if !strings.HasSuffix(thumb, "/outputs/runs/"+runID.String()+"/thumbnails/a.png") {
		t.Errorf("thumbnail url = %q", thumb)
	}
	if _, has := images[0]["data"]; has {
		t.Error("image carries a data field in status response")
	}

	if _, has := resp["queue_info"]; has {
		t.Error("unexpected queue_info on a finished run")
	}
}

func TestBuildStatusResponseQueued(t *testing.T) {
	a := statusTestAPI(t)
	run := runModel{
		ID:     uuid.New(),
		Status: StatusNotStarted,
		WorkflowInputs: datatypes.JSONMap{
			queuePositionInput: float64(3),
			queueETAInput:      float64(90),
		},
	}

	resp := a.buildStatusResponse(run, nil)

	if resp["status"] != StatusQueued {
		t.Errorf("status = %v, want queued", resp["status"])
	}
	queueInfo, ok := resp["queue_info"].(map[string]any)
	if !ok {
		t.Fatalf("queue_info = %v", resp["queue_info"])
	}
	if queueInfo["position"] != float64(3) || queueInfo["estimated_time"] != float64(90) {
		t.Errorf("queue_info = %v", queueInfo)
	}

	progress, _ := resp["progress"].(map[string]any)
	if progress["message"] != "Waiting in queue" {
		t.Errorf("progress message = %v", progress["message"])
	}
}

func TestBuildStatusResponseNotStartedWithoutMarker(t *testing.T) {
	a := statusTestAPI(t)
	run := runModel{ID: uuid.New(), Status: StatusNotStarted}

	resp := a.buildStatusResponse(run, nil)
	if resp["status"] != StatusNotStarted {
		t.Errorf("status = %v", resp["status"])
	}
	if resp["duration"].(*float64) != nil {
		t.Errorf("duration = %v, want nil", resp["duration"])
	}
}

func TestBuildStatusResponseFailedError(t *testing.T) {
	a := statusTestAPI(t)
	runID := uuid.New()
	run := runModel{ID: runID, Status: StatusFailed}
	outputs := []outputModel{
		{ID: uuid.New(), RunID: runID, Data: datatypes.JSONMap{"log": "partial"}},
		{ID: uuid.New(), RunID: runID, Data: datatypes.JSONMap{"error": "CUDA out of memory"}},
	}

	resp := a.buildStatusResponse(run, outputs)
	if resp["error"] != "CUDA out of memory" {
		t.Errorf("error = %v", resp["error"])
	}
}

func TestResolveImagesKeepsExistingURLs(t *testing.T) {
	a := statusTestAPI(t)
	runID := uuid.New()
	outputs := []outputModel{{
		ID:    uuid.New(),
		RunID: runID,
		Data: datatypes.JSONMap{
			"images": []any{
				map[string]any{
					"filename": "b.png",
					"url":      "https://elsewhere.example.com/b.png",
				},
			},
		},
	}}

	images := a.resolveImages(runID, outputs)
	if len(images) != 1 {
		t.Fatalf("images = %v", images)
	}
	if images[0]["url"] != "https://elsewhere.example.com/b.png" {
		t.Errorf("existing url overwritten: %v", images[0]["url"])
	}
	thumb, _ := images[0]["thumbnail_url"].(string)
	if !strings.HasSuffix(thumb, "/thumbnails/b.png") {
		t.Errorf("thumbnail not derived: %q", thumb)
	}
}
