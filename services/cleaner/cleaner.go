package cleaner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"renderd/pkg/db"
	"renderd/pkg/s3"
	"renderd/pkg/scrub"
)

// Cleaner scrubs binary image data out of finished runs. Image metadata
// (filenames, URLs, dimensions) survives; the bulky payloads do not.
type Cleaner struct {
	DB     *pgxpool.Pool
	S3     *s3.Client
	Bucket string
	Signer *Signer
	Log    zerolog.Logger
}

// Options controls a batch sweep over old runs.
type Options struct {
	// Days selects runs that ended at least this many days ago.
	Days int
	// Limit caps how many runs one sweep touches.
	Limit int
	// DryRun reports what would be cleaned without writing.
	DryRun bool
	// DeleteStorage also removes the run's objects from the bucket.
	DeleteStorage bool
	// Archive uploads a signed archive of the scrubbed payloads first.
	Archive bool
}

// Report summarises one sweep.
type Report struct {
	RunsExamined    int
	RunsCleaned     int
	OutputsScrubbed int
	ImagesRemoved   int
	ObjectsDeleted  int
}

const (
	defaultDays  = 30
	defaultLimit = 100
	pageSize     = 50

	// storageListCap bounds one listing per run prefix.
	storageListCap = 1000
)

func New(pool *pgxpool.Pool, s3c *s3.Client, bucket string, log zerolog.Logger) *Cleaner {
	return &Cleaner{DB: pool, S3: s3c, Bucket: bucket, Log: log}
}

type outputRow struct {
	ID   uuid.UUID `db:"id"`
	Data []byte    `db:"data"`
}

// CleanRun scrubs stored image payloads for a single run: every output row
// is reduced to image metadata, and any inline payloads in the recorded
// inputs are replaced. Idempotent; re-running is a no-op.
func (c *Cleaner) CleanRun(ctx context.Context, runID uuid.UUID) error {
	if c == nil || c.DB == nil {
		return errors.New("cleaner not configured")
	}

	_, _, err := c.cleanRun(ctx, runID, false)
	return err
}

// cleanRun returns (outputsScrubbed, imagesRemoved, err). With dryRun set,
// it only counts.
func (c *Cleaner) cleanRun(ctx context.Context, runID uuid.UUID, dryRun bool) (int, int, error) {
	var outputs []outputRow
	err := db.Select(ctx, c.DB, &outputs,
		`SELECT id, data FROM workflow_run_outputs WHERE run_id = $1`, runID)
	if err != nil {
		return 0, 0, fmt.Errorf("load outputs: %w", err)
	}

	scrubbed, removed := 0, 0
	for _, row := range outputs {
		var data map[string]any
		if err := json.Unmarshal(row.Data, &data); err != nil {
			c.Log.Warn().Err(err).Str("output_id", row.ID.String()).Msg("skip malformed output data")
			continue
		}

		cleaned, n, changed := scrub.StripImages(data)
		if !changed {
			continue
		}
		scrubbed++
		removed += n
		if dryRun {
			continue
		}

		payload, err := json.Marshal(cleaned)
		if err != nil {
			return scrubbed, removed, err
		}
		_, err = db.Exec(ctx, c.DB,
			`UPDATE workflow_run_outputs SET data = $2::jsonb, updated_at = now() WHERE id = $1`,
			row.ID, string(payload))
		if err != nil {
			return scrubbed, removed, fmt.Errorf("update output %s: %w", row.ID, err)
		}
	}

	if err := c.cleanRunInputs(ctx, runID, dryRun); err != nil {
		return scrubbed, removed, err
	}
	return scrubbed, removed, nil
}

func (c *Cleaner) cleanRunInputs(ctx context.Context, runID uuid.UUID, dryRun bool) error {
	var raw []byte
	err := db.Get(ctx, c.DB, &raw,
		`SELECT workflow_inputs FROM workflow_runs WHERE id = $1`, runID)
	if err != nil {
		if db.NotFound(err) {
			return fmt.Errorf("run %s not found", runID)
		}
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	var inputs map[string]any
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil
	}

	cleaned, changed := scrub.CleanInputs(inputs)
	if !changed || dryRun {
		return nil
	}

	payload, err := json.Marshal(cleaned)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, c.DB,
		`UPDATE workflow_runs SET workflow_inputs = $2::jsonb, updated_at = now() WHERE id = $1`,
		runID, string(payload))
	return err
}

// CleanBatch sweeps terminal runs older than opts.Days, scrubbing each one.
// Runs are paged oldest-first so repeated partial sweeps make progress.
func (c *Cleaner) CleanBatch(ctx context.Context, opts Options) (Report, error) {
	if c == nil || c.DB == nil {
		return Report{}, errors.New("cleaner not configured")
	}
	if opts.Days <= 0 {
		opts.Days = defaultDays
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.Archive && c.Signer == nil {
		return Report{}, errors.New("archive requested but no signer configured")
	}
	if opts.Archive && c.S3 == nil {
		return Report{}, errors.New("archive requested but no object storage configured")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -opts.Days)
	report := Report{}

	var after time.Time
	for report.RunsExamined < opts.Limit {
		size := pageSize
		if remaining := opts.Limit - report.RunsExamined; remaining < size {
			size = remaining
		}

		var page []struct {
			ID      uuid.UUID `db:"id"`
			EndedAt time.Time `db:"ended_at"`
		}
		err := db.Select(ctx, c.DB, &page, `
			SELECT id, ended_at FROM workflow_runs
			WHERE status IN ('success', 'failed')
			  AND ended_at IS NOT NULL AND ended_at < $1 AND ended_at > $2
			ORDER BY ended_at ASC
			LIMIT $3`,
			cutoff, after, size)
		if err != nil {
			return report, fmt.Errorf("page runs: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, run := range page {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.RunsExamined++
			after = run.EndedAt

			if opts.Archive && !opts.DryRun {
				if err := c.archiveRun(ctx, run.ID); err != nil {
					c.Log.Error().Err(err).Str("run_id", run.ID.String()).Msg("archive run")
					continue
				}
			}

			scrubbed, removed, err := c.cleanRun(ctx, run.ID, opts.DryRun)
			if err != nil {
				c.Log.Error().Err(err).Str("run_id", run.ID.String()).Msg("clean run")
				continue
			}
			if scrubbed > 0 {
				report.RunsCleaned++
				report.OutputsScrubbed += scrubbed
				report.ImagesRemoved += removed
			}

			if opts.DeleteStorage {
				deleted, err := c.deleteRunObjects(ctx, run.ID, opts.DryRun)
				if err != nil {
					c.Log.Error().Err(err).Str("run_id", run.ID.String()).Msg("delete run objects")
					continue
				}
				report.ObjectsDeleted += deleted
			}
		}
	}

	c.Log.Info().
		Bool("dry_run", opts.DryRun).
		Int("examined", report.RunsExamined).
		Int("cleaned", report.RunsCleaned).
		Int("images_removed", report.ImagesRemoved).
		Int("objects_deleted", report.ObjectsDeleted).
		Msg("cleanup sweep finished")
	return report, nil
}

// deleteRunObjects removes everything stored under the run's output prefix,
// thumbnails included.
func (c *Cleaner) deleteRunObjects(ctx context.Context, runID uuid.UUID, dryRun bool) (int, error) {
	if c.S3 == nil {
		return 0, errors.New("no object storage configured")
	}

	prefix := fmt.Sprintf("outputs/runs/%s/", runID)
	keys, err := c.S3.ListKeys(ctx, c.Bucket, prefix, storageListCap)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		if dryRun {
			deleted++
			continue
		}
		if err := c.S3.DeleteObject(ctx, c.Bucket, key); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", key, err)
		}
		deleted++
	}
	return deleted, nil
}
