package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"renderd/pkg/db"
	rds3 "renderd/pkg/s3"
	"renderd/services/cleaner"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:           "cleanctl",
		Short:         "Utility for scrubbing stored image data from finished runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&logFile, "log", "", "Append logs to this file instead of stderr")

	cmd.AddCommand(newRunCommand(&logFile))
	cmd.AddCommand(newBatchCommand(&logFile))
	cmd.AddCommand(newScheduledCommand(&logFile))
	return cmd
}

func newLogger(logFile string) (zerolog.Logger, func(), error) {
	if logFile == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(), func() {}, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
	}
	return zerolog.New(f).With().Timestamp().Logger(), func() { _ = f.Close() }, nil
}

func newCleaner(ctx context.Context, log zerolog.Logger, needStorage, needSigner bool) (*cleaner.Cleaner, func(), error) {
	_ = godotenv.Load()

	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	if dsn == "" {
		return nil, nil, fmt.Errorf("DB_DSN is required")
	}
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	bucket := strings.TrimSpace(os.Getenv("SPACES_BUCKET"))
	c := cleaner.New(pool, nil, bucket, log)

	if needStorage || needSigner {
		if bucket == "" {
			pool.Close()
			return nil, nil, fmt.Errorf("SPACES_BUCKET is required")
		}
		s3Client, err := rds3.NewClientFromEnv()
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		c.S3 = s3Client
	}

	if needSigner {
		signer, err := cleaner.NewSignerFromEnv()
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("archive signer: %w", err)
		}
		c.Signer = signer
	}

	return c, pool.Close, nil
}

func newRunCommand(logFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <run-id>",
		Short: "Scrub image data for a single run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}

			log, closeLog, err := newLogger(*logFile)
			if err != nil {
				return err
			}
			defer closeLog()

			c, closeDB, err := newCleaner(cmd.Context(), log, false, false)
			if err != nil {
				return err
			}
			defer closeDB()

			return c.CleanRun(cmd.Context(), runID)
		},
	}
	return cmd
}

func newBatchCommand(logFile *string) *cobra.Command {
	var (
		days    int
		limit   int
		dryRun  bool
		storage bool
		archive bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Sweep terminal runs older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closeLog, err := newLogger(*logFile)
			if err != nil {
				return err
			}
			defer closeLog()

			c, closeDB, err := newCleaner(cmd.Context(), log, storage || archive, archive)
			if err != nil {
				return err
			}
			defer closeDB()

			report, err := c.CleanBatch(cmd.Context(), cleaner.Options{
				Days:          days,
				Limit:         limit,
				DryRun:        dryRun,
				DeleteStorage: storage,
				Archive:       archive,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout,
				"examined %d runs: cleaned %d (%d outputs, %d images), deleted %d objects\n",
				report.RunsExamined, report.RunsCleaned, report.OutputsScrubbed,
				report.ImagesRemoved, report.ObjectsDeleted)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "Only touch runs that ended at least this many days ago")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of runs to process")
	cmd.Flags().BoolVar(&dryRun, "dryrun", false, "Report without writing")
	cmd.Flags().BoolVar(&storage, "storage", false, "Also delete the runs' stored objects")
	cmd.Flags().BoolVar(&archive, "archive", false, "Upload a signed archive of payloads before scrubbing")
	return cmd
}

// newScheduledCommand is the cron entrypoint: batch with storage deletion
// on by default and a summary line suited to log files.
func newScheduledCommand(logFile *string) *cobra.Command {
	var (
		days    int
		limit   int
		storage bool
	)

	cmd := &cobra.Command{
		Use:   "scheduled",
		Short: "Recurring sweep for cron, deletes stored objects by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closeLog, err := newLogger(*logFile)
			if err != nil {
				return err
			}
			defer closeLog()

			c, closeDB, err := newCleaner(cmd.Context(), log, storage, false)
			if err != nil {
				return err
			}
			defer closeDB()

			report, err := c.CleanBatch(cmd.Context(), cleaner.Options{
				Days:          days,
				Limit:         limit,
				DeleteStorage: storage,
			})
			if err != nil {
				return err
			}

			log.Info().
				Int("examined", report.RunsExamined).
				Int("cleaned", report.RunsCleaned).
				Int("objects_deleted", report.ObjectsDeleted).
				Msg("scheduled sweep finished")
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "Only touch runs that ended at least this many days ago")
	cmd.Flags().IntVar(&limit, "limit", 500, "Maximum number of runs to process")
	cmd.Flags().BoolVar(&storage, "storage", true, "Also delete the runs' stored objects")
	return cmd
}
