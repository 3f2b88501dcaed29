package cleaner

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"renderd/pkg/db"
)

// Manifest is the signed index of one cleanup archive. The signature covers
// everything except itself, so a reader can verify the archive was produced
// by a holder of the signing key before trusting its contents.
type Manifest struct {
	Version          string          `yaml:"version"`
	RunID            string          `yaml:"run_id"`
	CreatedAt        time.Time       `yaml:"created_at"`
	SigningPublicKey string          `yaml:"signing_public_key,omitempty"`
	Signature        string          `yaml:"signature,omitempty"`
	Entries          []ManifestEntry `yaml:"entries"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestEntry describes one file within the archive.
type ManifestEntry struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

const (
	manifestFileName = "manifest.yaml"
	archiveVersion   = "1"
)

// ArchiveKey returns the storage key of a run's cleanup archive.
func ArchiveKey(runID string) string {
	return fmt.Sprintf("archives/runs/%s.tar.zst", runID)
}

// archiveRun snapshots the run's output payloads as they are before the
// scrub and uploads them as a signed tar.zst. The archive is built in
// memory; output payloads are already capped by ingestion sanitization.
func (c *Cleaner) archiveRun(ctx context.Context, runID uuid.UUID) error {
	var outputs []outputRow
	err := db.Select(ctx, c.DB, &outputs,
		`SELECT id, data FROM workflow_run_outputs WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return fmt.Errorf("load outputs: %w", err)
	}

	var inputs []byte
	if err := db.Get(ctx, c.DB, &inputs,
		`SELECT workflow_inputs FROM workflow_runs WHERE id = $1`, runID); err != nil {
		return fmt.Errorf("load inputs: %w", err)
	}

	files := make(map[string][]byte, len(outputs)+1)
	if len(inputs) > 0 {
		files["inputs.json"] = inputs
	}
	for _, row := range outputs {
		files[fmt.Sprintf("outputs/%s.json", row.ID)] = row.Data
	}
	if len(files) == 0 {
		return nil
	}

	manifest := Manifest{
		Version:          archiveVersion,
		RunID:            runID.String(),
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
		SigningPublicKey: c.Signer.PublicKeyBase64(),
	}
	for path, data := range files {
		sum := sha256.Sum256(data)
		manifest.Entries = append(manifest.Entries, ManifestEntry{
			Path:   path,
			Size:   int64(len(data)),
			SHA256: hex.EncodeToString(sum[:]),
		})
	}
	sortEntries(manifest.Entries)

	payload, err := manifest.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	manifest.Signature, err = c.Signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	archive, err := buildArchive(manifestBytes, manifest.Entries, files)
	if err != nil {
		return err
	}

	key := ArchiveKey(runID.String())
	err = c.S3.PutObject(ctx, c.Bucket, key, bytes.NewReader(archive), int64(len(archive)), "application/zstd")
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	c.Log.Info().
		Str("run_id", runID.String()).
		Str("key", key).
		Int("entries", len(manifest.Entries)).
		Msg("archived run payloads")
	return nil
}

func buildArchive(manifestBytes []byte, entries []ManifestEntry, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	now := time.Now().UTC()
	write := func(name string, data []byte) error {
		header := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %q: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write body for %q: %w", name, err)
		}
		return nil
	}

	if err := write(manifestFileName, manifestBytes); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := write(entry.Path, files[entry.Path]); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	return buf.Bytes(), nil
}

// VerifyArchive checks a downloaded archive against its embedded manifest:
// the signature first, then each entry's size and digest.
func VerifyArchive(archive []byte, signer *Signer) (*Manifest, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	var manifestBytes []byte
	files := map[string][]byte{}
	for {
		header, err := tr.Next()
		if err != nil {
			break
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data := make([]byte, 0, header.Size)
		buf := bytes.NewBuffer(data)
		if _, err := buf.ReadFrom(tr); err != nil {
			return nil, fmt.Errorf("read %q: %w", header.Name, err)
		}
		if header.Name == manifestFileName {
			manifestBytes = buf.Bytes()
			continue
		}
		files[header.Name] = buf.Bytes()
	}
	if len(manifestBytes) == 0 {
		return nil, fmt.Errorf("archive missing %s", manifestFileName)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version %q", manifest.Version)
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, err
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest: %w", err)
	}

	for _, entry := range manifest.Entries {
		data, ok := files[entry.Path]
		if !ok {
			return nil, fmt.Errorf("entry %q missing from archive", entry.Path)
		}
		if int64(len(data)) != entry.Size {
			return nil, fmt.Errorf("size mismatch for %q", entry.Path)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			return nil, fmt.Errorf("sha256 mismatch for %q", entry.Path)
		}
	}
	return &manifest, nil
}

func sortEntries(entries []ManifestEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}
