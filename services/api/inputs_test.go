package api

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
)

func workflowDoc() map[string]any {
	return map[string]any{
		"1": map[string]any{
			"class_type": InputKindText,
			"inputs": map[string]any{
				"input_id":      "prompt",
				"default_value": "a cat",
			},
		},
		"2": map[string]any{
			"class_type": InputKindNumberSlider,
			"inputs": map[string]any{
				"input_id":      "steps",
				"default_value": float64(20),
			},
		},
		"3": map[string]any{
			"class_type": InputKindBoolean,
			"inputs": map[string]any{
				"input_id":      "hires",
				"default_value": false,
			},
		},
		"4": map[string]any{
			"class_type": InputKindImage,
			"inputs": map[string]any{
				"input_id":      "source",
				"default_value": "",
			},
		},
		"5": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed": float64(7),
			},
		},
	}
}

func nodeDefault(t *testing.T, doc map[string]any, node string) any {
	t.Helper()
	inputs, ok := doc[node].(map[string]any)["inputs"].(map[string]any)
	if !ok {
		t.Fatalf("node %s has no inputs", node)
	}
	return inputs["default_value"]
}

func TestResolveInputsInjection(t *testing.T) {
	doc := workflowDoc()
	resolved, stored, err := resolveInputs(context.Background(), doc, map[string]any{
		"prompt": "a red fox",
		"steps":  float64(30),
		"source": "https://cdn.example.com/uploads/x.png",
	}, nil)
	if err != nil {
		t.Fatalf("resolveInputs: %v", err)
	}

	if got := nodeDefault(t, resolved, "1"); got != "a red fox" {
		t.Errorf("text default = %v", got)
	}
	if got := nodeDefault(t, resolved, "2"); got != float64(30) {
		t.Errorf("slider default = %v", got)
	}
	if got := nodeDefault(t, resolved, "4"); got != "https://cdn.example.com/uploads/x.png" {
		t.Errorf("image default = %v", got)
	}

	// Unmatched nodes untouched.
	if got := nodeDefault(t, resolved, "3"); got != false {
		t.Errorf("boolean default changed without input: %v", got)
	}

	if stored["prompt"] != "a red fox" {
		t.Errorf("stored inputs = %v", stored)
	}

	// The source document is never mutated.
	if got := nodeDefault(t, doc, "1"); got != "a cat" {
		t.Errorf("original document mutated: %v", got)
	}
}

func TestResolveInputsBooleanCoercion(t *testing.T) {
	cases := []struct {
		value any
		want  bool
	}{
		{true, true},
		{"true", true},
		{"TRUE", true},
		{"false", false},
		{"yes", false},
		{float64(1), false},
		{nil, false},
	}

	for _, tc := range cases {
		resolved, _, err := resolveInputs(context.Background(), workflowDoc(), map[string]any{"hires": tc.value}, nil)
		if err != nil {
			t.Fatalf("resolveInputs(%v): %v", tc.value, err)
		}
		if got := nodeDefault(t, resolved, "3"); got != tc.want {
			t.Errorf("boolean coercion of %v = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestResolveInputsInlineImageUpload(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("not a real png"))
	dataURI := "data:image/png;base64," + payload

	var uploaded string
	upload := func(_ context.Context, uri string) (string, error) {
		uploaded = uri
		return "https://cdn.example.com/uploads/temp_1.png", nil
	}

	resolved, stored, err := resolveInputs(context.Background(), workflowDoc(), map[string]any{"source": dataURI}, upload)
	if err != nil {
		t.Fatalf("resolveInputs: %v", err)
	}

	if uploaded != dataURI {
		t.Errorf("uploader got %q", uploaded)
	}
	if got := nodeDefault(t, resolved, "4"); got != "https://cdn.example.com/uploads/temp_1.png" {
		t.Errorf("image default = %v", got)
	}
	// Stored inputs carry the URL, never the raw payload.
	if stored["source"] != "https://cdn.example.com/uploads/temp_1.png" {
		t.Errorf("stored source = %v", stored["source"])
	}
}

func TestResolveInputsInlineImageWithoutUploader(t *testing.T) {
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("x"))
	_, _, err := resolveInputs(context.Background(), workflowDoc(), map[string]any{"source": dataURI}, nil)
	if err == nil {
		t.Fatal("expected error for inline image without uploader")
	}
}

func TestResolveInputsEmpty(t *testing.T) {
	doc := workflowDoc()
	resolved, stored, err := resolveInputs(context.Background(), doc, nil, nil)
	if err != nil {
		t.Fatalf("resolveInputs: %v", err)
	}
	if stored != nil {
		t.Errorf("stored = %v, want nil", stored)
	}
	if got := nodeDefault(t, resolved, "1"); got != "a cat" {
		t.Errorf("defaults changed: %v", got)
	}
}

func TestParseDataURI(t *testing.T) {
	payload := []byte("image bytes")
	encoded := base64.StdEncoding.EncodeToString(payload)

	mime, data, err := parseDataURI("data:image/webp;base64," + encoded)
	if err != nil {
		t.Fatalf("parseDataURI: %v", err)
	}
	if mime != "image/webp" || string(data) != string(payload) {
		t.Errorf("parsed (%q, %q)", mime, data)
	}

	// Malformed header with a usable body falls back to png.
	mime, data, err = parseDataURI("data:;base64," + encoded)
	if err != nil {
		t.Fatalf("parseDataURI fallback: %v", err)
	}
	if mime != "image/png" || string(data) != string(payload) {
		t.Errorf("fallback parsed (%q, %q)", mime, data)
	}

	if _, _, err := parseDataURI("plain string"); err == nil {
		t.Error("expected error for non data URI")
	}
	if _, _, err := parseDataURI("data:image/png;base64,!!!"); err == nil ||
		!strings.Contains(err.Error(), "decode") {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestImageExtension(t *testing.T) {
	cases := []struct {
		mime, ext, contentType string
	}{
		{"image/jpeg", "jpg", "image/jpeg"},
		{"image/jpg", "jpg", "image/jpeg"},
		{"image/webp", "webp", "image/webp"},
		{"image/png", "png", "image/png"},
		{"application/octet-stream", "png", "image/png"},
	}
	for _, tc := range cases {
		ext, ct := imageExtension(tc.mime)
		if ext != tc.ext || ct != tc.contentType {
			t.Errorf("imageExtension(%q) = (%q, %q), want (%q, %q)", tc.mime, ext, ct, tc.ext, tc.contentType)
		}
	}
}
