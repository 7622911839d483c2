// The cvlift CLI is the operator surface: inspect records, find runs stuck in
// processing and force them back through the queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/cvlift/cvlift/internal/config"
	"github.com/cvlift/cvlift/internal/database"
	"github.com/cvlift/cvlift/internal/logging"
	"github.com/cvlift/cvlift/internal/model"
	"github.com/cvlift/cvlift/internal/queue"
	"github.com/cvlift/cvlift/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cvlift: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cvlift",
		Short:        "cvlift operations CLI",
		Long:         `Inspect résumé records, list runs stuck in processing and restart them.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newShowCmd(),
		newStaleCmd(),
		newRestartCmd(),
	)
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <record-id>",
		Short: "Print the lifecycle snapshot of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			return withRepository(cmd.Context(), func(ctx context.Context, records *repository.Records, _ *config.Config) error {
				rec, err := records.Get(ctx, id)
				if err != nil {
					return err
				}
				return printSnapshot(model.SnapshotOf(rec))
			})
		},
	}
}

func newStaleCmd() *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List records stuck in processing longer than the threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd.Context(), func(ctx context.Context, records *repository.Records, cfg *config.Config) error {
				if threshold <= 0 {
					threshold = cfg.StaleThreshold
				}
				recs, err := records.ListStale(ctx, time.Now().Add(-threshold))
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("no stale records")
					return nil
				}
				for _, rec := range recs {
					started := ""
					if rec.Metadata.ProcessingStartTime != nil {
						started = rec.Metadata.ProcessingStartTime.Format(time.RFC3339)
					}
					fmt.Printf("%d\towner=%s\tstatus=%s\tprogress=%d\tstarted=%s\n",
						rec.ID, rec.OwnerID, rec.Metadata.ProcessingStatus, rec.Metadata.ProcessingProgress, started)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "Staleness threshold (defaults to CVLIFT_STALE_THRESHOLD)")
	return cmd
}

func newRestartCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restart <record-id>",
		Short: "Restart a failed record, or a stuck one with --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			return withRepository(cmd.Context(), func(ctx context.Context, records *repository.Records, cfg *config.Config) error {
				rec, err := records.Get(ctx, id)
				if err != nil {
					return err
				}
				restarted, err := rec.Metadata.Restart(force, time.Now())
				if err != nil {
					return err
				}
				if _, err := records.UpdateMetadata(ctx, id, rec.Version, restarted); err != nil {
					return fmt.Errorf("persist restart: %w", err)
				}

				client := asynq.NewClient(asynq.RedisClientOpt{
					Addr:     cfg.RedisAddr,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				})
				defer client.Close()
				if err := queue.EnqueueOptimize(ctx, client, queue.OptimizePayload{
					RecordID: id,
					Started:  true,
					Force:    force,
				}); err != nil {
					return err
				}
				fmt.Printf("record %d restarted (retry %d)\n", id, restarted.RetryCount)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Allow restarting a record still marked as processing")
	return cmd
}

// withRepository loads config, opens the database pool for the duration of one
// command and hands a repository to fn.
func withRepository(ctx context.Context, fn func(context.Context, *repository.Records, *config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var pool *pgxpool.Pool
	pool, err = database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger := logging.New(cfg.LogLevel)
	return fn(ctx, repository.NewRecords(pool, logger), cfg)
}

func printSnapshot(snap model.Snapshot) error {
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
