// Package scrub strips large binary payloads from run output and input
// documents. The update receiver applies it before persisting callbacks,
// and the cleanup jobs apply it again when narrowing historical rows.
package scrub

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxErrorLen bounds stored error strings.
	MaxErrorLen = 5000
	// MaxLogLines bounds stored log entries per output.
	MaxLogLines = 10
	// MaxSeedInfoLen is the threshold above which serialized seed metadata
	// is reduced to its seed value.
	MaxSeedInfoLen = 1000
)

// binaryImageFields are image entry fields that may carry inline payloads.
var binaryImageFields = []string{"data", "raw_data", "base64", "mask"}

// imageMetaFields are the fields preserved when an image entry is reduced
// to bare metadata during cleanup.
var imageMetaFields = []string{"filename", "url", "thumbnail_url", "width", "height", "type"}

var embeddedURLPattern = regexp.MustCompile(`url=(https?://[^'"&]+)`)

// SanitizeOutput removes large fields from an output payload before it is
// persisted: inline image payloads, oversized seed metadata, overlong error
// strings, and excess log lines. The input map is not modified.
func SanitizeOutput(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	result := make(map[string]any, len(data))
	for k, v := range data {
		result[k] = v
	}

	if images, ok := result["images"].([]any); ok {
		cleaned := make([]any, 0, len(images))
		for _, entry := range images {
			image, ok := entry.(map[string]any)
			if !ok {
				cleaned = append(cleaned, entry)
				continue
			}
			cleaned = append(cleaned, sanitizeImage(image))
		}
		result["images"] = cleaned
	}

	if errStr, ok := result["error"].(string); ok && len(errStr) > MaxErrorLen {
		result["error"] = errStr[:MaxErrorLen] + "... [error truncated]"
	}

	if logs, ok := result["logs"].([]any); ok && len(logs) > MaxLogLines {
		dropped := len(logs) - MaxLogLines
		trimmed := make([]any, MaxLogLines, MaxLogLines+1)
		copy(trimmed, logs[:MaxLogLines])
		trimmed = append(trimmed, map[string]any{
			"message": fmt.Sprintf("... [%d log lines truncated]", dropped),
		})
		result["logs"] = trimmed
	}

	return result
}

func sanitizeImage(image map[string]any) map[string]any {
	cleaned := make(map[string]any, len(image))
	for k, v := range image {
		cleaned[k] = v
	}

	for _, field := range binaryImageFields {
		delete(cleaned, field)
	}

	if seedInfo, ok := cleaned["seed_info"].(string); ok && len(seedInfo) > MaxSeedInfoLen {
		var parsed struct {
			Seed any `json:"seed"`
		}
		if err := json.Unmarshal([]byte(seedInfo), &parsed); err == nil && parsed.Seed != nil {
			cleaned["seed_info"] = map[string]any{"seed": parsed.Seed}
		} else {
			delete(cleaned, "seed_info")
		}
	}

	return cleaned
}

// StripImages reduces every image entry in an output payload to bare
// metadata. It returns the narrowed payload, the number of images touched,
// and whether anything changed. Used by the cleanup jobs; idempotent.
func StripImages(data map[string]any) (map[string]any, int, bool) {
	images, ok := data["images"].([]any)
	if !ok || len(images) == 0 {
		return data, 0, false
	}

	changed := false
	stripped := make([]any, 0, len(images))
	for _, entry := range images {
		image, ok := entry.(map[string]any)
		if !ok {
			stripped = append(stripped, entry)
			continue
		}

		meta := make(map[string]any, len(imageMetaFields))
		for _, field := range imageMetaFields {
			if v, ok := image[field]; ok {
				meta[field] = v
			}
		}
		if len(meta) != len(image) {
			changed = true
		}
		stripped = append(stripped, meta)
	}

	if !changed {
		return data, len(images), false
	}

	result := make(map[string]any, len(data))
	for k, v := range data {
		result[k] = v
	}
	result["images"] = stripped
	return result, len(images), true
}

// IsInlineImage reports whether a string value carries an inline base64
// image payload.
func IsInlineImage(s string) bool {
	return strings.HasPrefix(s, "data:image/") ||
		strings.HasPrefix(s, "data:application/octet-stream;base64")
}

// CleanValue replaces an inline base64 payload with either a canonical URL
// discovered inside the blob or a placeholder recording the MIME prefix.
// Nested objects and arrays are walked recursively.
func CleanValue(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		if !IsInlineImage(v) {
			return v, false
		}
		if m := embeddedURLPattern.FindStringSubmatch(v); len(m) == 2 {
			return m[1], true
		}
		prefix := v
		if idx := strings.Index(v, ";"); idx > 0 {
			prefix = v[:idx]
		} else if len(prefix) > 64 {
			prefix = prefix[:64]
		}
		return fmt.Sprintf("[image data removed - original format: %s]", prefix), true

	case []any:
		changed := false
		cleaned := make([]any, len(v))
		for i, item := range v {
			next, c := CleanValue(item)
			cleaned[i] = next
			changed = changed || c
		}
		if !changed {
			return v, false
		}
		return cleaned, true

	case map[string]any:
		changed := false
		cleaned := make(map[string]any, len(v))
		for k, item := range v {
			next, c := CleanValue(item)
			cleaned[k] = next
			changed = changed || c
		}
		if !changed {
			return v, false
		}
		return cleaned, true

	default:
		return value, false
	}
}

// CleanInputs scrubs inline image payloads from a run input mapping.
func CleanInputs(inputs map[string]any) (map[string]any, bool) {
	if inputs == nil {
		return nil, false
	}
	cleaned, changed := CleanValue(inputs)
	if !changed {
		return inputs, false
	}
	return cleaned.(map[string]any), true
}
