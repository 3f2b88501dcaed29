package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"renderd/pkg/scrub"
)

// External input node kinds declared inside a workflow-API document.
const (
	InputKindText         = "external-text"
	InputKindNumberSlider = "external-number-slider"
	InputKindLora         = "external-lora"
	InputKindCheckpoint   = "external-checkpoint"
	InputKindBoolean      = "external-boolean"
	InputKindImage        = "external-image"
)

var dataURIPattern = regexp.MustCompile(`^data:([A-Za-z0-9.+-]+/[A-Za-z0-9.+-]+);base64,(.+)$`)

// imageUploader stores an inline base64 image and returns its public URL.
type imageUploader func(ctx context.Context, dataURI string) (string, error)

// resolveInputs injects caller-supplied values into the declared external
// input nodes of a workflow-API document. The document is deep-copied;
// workflow versions are immutable. Inline image values are uploaded first
// and replaced with their URL in both the document and the returned input
// mapping (the stored mapping must never carry raw payloads into dispatch).
func resolveInputs(ctx context.Context, doc map[string]any, inputs map[string]any, upload imageUploader) (map[string]any, map[string]any, error) {
	resolved := deepCopyDoc(doc)
	if len(inputs) == 0 {
		return resolved, inputs, nil
	}

	stored := make(map[string]any, len(inputs))
	for k, v := range inputs {
		stored[k] = v
	}

	for key, value := range inputs {
		for _, raw := range resolved {
			node, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			nodeInputs, ok := node["inputs"].(map[string]any)
			if !ok {
				continue
			}
			if nodeInputs["input_id"] != key {
				continue
			}

			kind, _ := node["class_type"].(string)
			switch kind {
			case InputKindText, InputKindNumberSlider, InputKindLora, InputKindCheckpoint:
				nodeInputs["default_value"] = value

			case InputKindBoolean:
				nodeInputs["default_value"] = strings.EqualFold(fmt.Sprint(value), "true")

			case InputKindImage:
				str, _ := value.(string)
				if scrub.IsInlineImage(str) {
					if upload == nil {
						return nil, nil, fmt.Errorf("input %q carries inline image data but no uploader is configured", key)
					}
					url, err := upload(ctx, str)
					if err != nil {
						return nil, nil, fmt.Errorf("upload image input %q: %w", key, err)
					}
					nodeInputs["default_value"] = url
					stored[key] = url
				} else {
					nodeInputs["default_value"] = value
				}
			}
		}
	}

	return resolved, stored, nil
}

// deepCopyDoc clones a workflow-API document through a JSON round trip.
func deepCopyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// uploadInlineImage decodes a data URI and stores it under uploads/,
// returning the CDN URL.
func (a *API) uploadInlineImage(ctx context.Context, dataURI string) (string, error) {
	mime, payload, err := parseDataURI(dataURI)
	if err != nil {
		return "", err
	}

	ext, contentType := imageExtension(mime)
	key := UploadKey(fmt.Sprintf("temp_%s.%s", uuid.New(), ext))

	if a.store.S3 == nil {
		return "", fmt.Errorf("no object storage configured")
	}
	if err := a.store.S3.PutObject(ctx, a.config.Bucket, key, bytes.NewReader(payload), int64(len(payload)), contentType); err != nil {
		return "", err
	}

	return a.urls.ObjectURL(key), nil
}

func parseDataURI(dataURI string) (string, []byte, error) {
	if m := dataURIPattern.FindStringSubmatch(dataURI); len(m) == 3 {
		payload, err := base64.StdEncoding.DecodeString(m[2])
		if err != nil {
			return "", nil, fmt.Errorf("decode base64 image: %w", err)
		}
		return m[1], payload, nil
	}

	// Tolerate malformed headers as long as a base64 body is present.
	_, body, found := strings.Cut(dataURI, ";base64,")
	if !found || body == "" {
		return "", nil, fmt.Errorf("invalid base64 image data")
	}
	payload, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return "image/png", payload, nil
}

func imageExtension(mime string) (string, string) {
	switch mime {
	case "image/jpeg", "image/jpg":
		return "jpg", "image/jpeg"
	case "image/webp":
		return "webp", "image/webp"
	default:
		return "png", "image/png"
	}
}
