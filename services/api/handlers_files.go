package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
)

// handleView redirects a storage key to its client-facing URL. Keys are
// restricted to the outputs/ and uploads/ prefixes so the endpoint cannot
// be used to mint URLs into arbitrary bucket paths.
func (a *API) handleView(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimLeft(r.URL.Query().Get("file"), "/")
	if key == "" {
		respondError(w, http.StatusBadRequest, errors.New("file query parameter is required"))
		return
	}
	cleaned := path.Clean(key)
	if cleaned != key || (!strings.HasPrefix(cleaned, "outputs/") && !strings.HasPrefix(cleaned, "uploads/")) {
		respondError(w, http.StatusBadRequest, errors.New("invalid file key"))
		return
	}

	http.Redirect(w, r, a.urls.ObjectURL(cleaned), http.StatusFound)
}

// maxFileUploadBytes bounds machine output uploads.
const maxFileUploadBytes = 100 << 20

// handleFileUpload receives an output file pushed by a machine and stores
// it under the run's output prefix. Machines that cannot speak the storage
// API directly use this instead of presigned uploads.
func (a *API) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.URL.Query().Get("run_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("run_id query parameter is required"))
		return
	}
	filename := path.Base(r.URL.Query().Get("filename"))
	if filename == "" || filename == "." || filename == "/" {
		respondError(w, http.StatusBadRequest, errors.New("filename query parameter is required"))
		return
	}

	key := RunOutputKey(runID.String(), filename)
	if r.URL.Query().Get("type") == "thumbnail" {
		key = RunThumbnailKey(runID.String(), filename)
	}

	if a.store.S3 == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("no object storage configured"))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	body := http.MaxBytesReader(w, r.Body, maxFileUploadBytes)
	if err := a.store.S3.PutObject(r.Context(), a.config.Bucket, key, body, r.ContentLength, contentType); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"key": key,
		"url": a.urls.ObjectURL(key),
	})
}

// handleUploadPresign hands out a presigned PUT URL for a client-side
// upload, plus the CDN URL the object will be readable at afterwards.
func (a *API) handleUploadPresign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName    string `json:"file_name"`
		ContentType string `json:"content_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ext := strings.TrimPrefix(path.Ext(req.FileName), ".")
	if ext == "" {
		ext = "bin"
	}
	key := UploadKey(fmt.Sprintf("%s.%s", uuid.New(), ext))

	if a.store.S3 == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("no object storage configured"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	uploadURL, err := a.store.S3.PresignPut(ctx, a.config.Bucket, key, a.config.PresignTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"upload_url":   uploadURL,
		"key":          key,
		"url":          a.urls.ObjectURL(key),
		"expires_in":   int(a.config.PresignTTL.Seconds()),
		"content_type": req.ContentType,
	})
}
