package api

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// CDN rewrite modes. The three modes are mutually exclusive and depend on
// which storage provider fronts the bucket.
const (
	// CDNModeOmitBucket drops the bucket segment entirely (R2-style CDN
	// domains that are already scoped to one bucket).
	CDNModeOmitBucket = "omit-bucket"
	// CDNModeVirtualHost moves the bucket into the host name
	// (bucket.cdn.example.com, DigitalOcean-style).
	CDNModeVirtualHost = "virtual-host"
	// CDNModePathStyle keeps the bucket as a path segment.
	CDNModePathStyle = "path-style"
)

// URLResolver derives client-facing object URLs from storage keys. It is
// constructed once from configuration and passed to every component that
// rewrites URLs, so the derivation logic stays testable without touching
// process environment.
type URLResolver struct {
	endpoint    string
	cdnEndpoint string
	bucket      string
	mode        string
}

// NewURLResolver validates the configuration and returns a resolver.
func NewURLResolver(endpoint, cdnEndpoint, bucket, mode string) (*URLResolver, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	cdnEndpoint = strings.TrimRight(strings.TrimSpace(cdnEndpoint), "/")
	bucket = strings.TrimSpace(bucket)

	if cdnEndpoint == "" {
		return nil, errors.New("cdn endpoint is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	switch mode {
	case CDNModeOmitBucket, CDNModeVirtualHost, CDNModePathStyle:
	case "":
		mode = CDNModePathStyle
	default:
		return nil, fmt.Errorf("unknown cdn mode %q", mode)
	}

	return &URLResolver{
		endpoint:    endpoint,
		cdnEndpoint: cdnEndpoint,
		bucket:      bucket,
		mode:        mode,
	}, nil
}

// ObjectURL returns the client-facing URL for a storage key such as
// "outputs/runs/<id>/a.png".
func (r *URLResolver) ObjectURL(key string) string {
	key = strings.TrimLeft(key, "/")

	switch r.mode {
	case CDNModeOmitBucket:
		return fmt.Sprintf("%s/%s", r.cdnEndpoint, key)
	case CDNModeVirtualHost:
		parsed, err := url.Parse(r.cdnEndpoint)
		if err != nil || parsed.Host == "" {
			return fmt.Sprintf("%s/%s", r.cdnEndpoint, key)
		}
		return fmt.Sprintf("%s://%s.%s/%s", parsed.Scheme, r.bucket, parsed.Host, key)
	default:
		return fmt.Sprintf("%s/%s/%s", r.cdnEndpoint, r.bucket, key)
	}
}

// Rewrite maps a raw storage endpoint URL onto its CDN equivalent. Used
// when a machine reports absolute storage URLs instead of bare keys.
func (r *URLResolver) Rewrite(raw string) string {
	if r.endpoint == "" {
		return raw
	}
	prefix := fmt.Sprintf("%s/%s/", r.endpoint, r.bucket)
	if strings.HasPrefix(raw, prefix) {
		return r.ObjectURL(strings.TrimPrefix(raw, prefix))
	}
	if strings.HasPrefix(raw, r.endpoint+"/") {
		return r.cdnEndpoint + strings.TrimPrefix(raw, r.endpoint)
	}
	return raw
}

// RunOutputKey returns the storage key for an output image of a run.
func RunOutputKey(runID, filename string) string {
	return fmt.Sprintf("outputs/runs/%s/%s", runID, filename)
}

// RunThumbnailKey returns the storage key for an output thumbnail of a run.
func RunThumbnailKey(runID, filename string) string {
	return fmt.Sprintf("outputs/runs/%s/thumbnails/%s", runID, filename)
}

// UploadKey returns the storage key for an ad hoc upload.
func UploadKey(name string) string {
	return "uploads/" + name
}
