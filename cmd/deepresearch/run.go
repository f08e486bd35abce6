package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/config"
	"github.com/ItzCrazyKns/deepresearch/internal/model"
	"github.com/ItzCrazyKns/deepresearch/internal/research/artifact"
	"github.com/ItzCrazyKns/deepresearch/internal/research/engine"
	"github.com/ItzCrazyKns/deepresearch/internal/research/session"
	"github.com/ItzCrazyKns/deepresearch/internal/search"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run a single research job in-process",
	Long: `Runs one research job without the daemon: builds the store, session
registry, and engine in-process, streams events as NDJSON to stdout, and
exits when the job reaches a terminal state.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		jobID, _ := cmd.Flags().GetString("id")
		wallClock, _ := cmd.Flags().GetDuration("wall-clock")
		turnsHard, _ := cmd.Flags().GetInt("turns-hard")
		turnsSoft, _ := cmd.Flags().GetInt("turns-soft")

		if jobID == "" {
			jobID = ulid.Make().String()
		}

		worker, err := artifact.NewWorker(cfg.Store.RootPath, artifact.RuntimeConfig{})
		if err != nil {
			return fmt.Errorf("failed to open artifact store: %w", err)
		}
		worker.Start()
		defer worker.Stop()

		grace, err := config.DurationOrDefault(cfg.Daemon.SessionGracePeriod, config.DefaultSessionGracePeriod)
		if err != nil {
			return fmt.Errorf("parse session grace period: %w", err)
		}
		sessions := session.NewManager(grace, config.DefaultSweepSchedule)
		defer sessions.Stop()

		router, err := model.NewRouter(cfg.Models)
		if err != nil {
			return fmt.Errorf("failed to create model router: %w", err)
		}
		searcher, err := search.NewSearxNG(cfg.Search)
		if err != nil {
			return fmt.Errorf("failed to create search provider: %w", err)
		}
		fetcher := search.NewPageFetcher(cfg.Search)

		eng, err := engine.New(cfg, router, searcher, fetcher, worker, sessions)
		if err != nil {
			return fmt.Errorf("failed to create research engine: %w", err)
		}
		defer eng.Shutdown()

		opts := engine.Options{}
		if cmd.Flags().Changed("wall-clock") {
			ms := wallClock.Milliseconds()
			opts.Budgets.WallClockMs = &ms
		}
		if turnsHard > 0 {
			opts.Budgets.LLMTurnsHard = &turnsHard
		}
		if turnsSoft > 0 {
			opts.Budgets.LLMTurnsSoft = &turnsSoft
		}

		if err := eng.Start(jobID, query, nil, opts); err != nil {
			return fmt.Errorf("failed to start research job: %w", err)
		}

		events, unsubscribe, err := eng.Subscribe(jobID)
		if err != nil {
			return fmt.Errorf("failed to subscribe to job %s: %w", jobID, err)
		}
		defer unsubscribe()

		// First Ctrl-C soft-stops the job so it still produces an answer;
		// the second aborts it outright.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			slog.Info("Interrupt received, requesting early answer", "job_id", jobID)
			eng.RespondNow(jobID)
			stop()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			slog.Warn("Second interrupt, aborting job", "job_id", jobID)
			eng.Cancel(jobID)
		}()

		enc := json.NewEncoder(os.Stdout)
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		}

		manifest, err := eng.Manifest(jobID)
		if err != nil || manifest == nil {
			return fmt.Errorf("job %s finished but manifest is unreadable: %w", jobID, err)
		}
		switch manifest.Status {
		case artifact.StatusError:
			return fmt.Errorf("job %s failed", jobID)
		case artifact.StatusCancelled:
			slog.Info("Job cancelled", "job_id", jobID, "elapsed", time.Since(manifest.CreatedAt).Round(time.Millisecond))
		default:
			slog.Info("Job finished", "job_id", jobID, "status", manifest.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("id", "", "Job ID (generated if empty)")
	runCmd.Flags().Duration("wall-clock", 0, "Wall-clock budget for the job (unset = config default; an explicit 0 skips gathering)")
	runCmd.Flags().Int("turns-hard", 0, "Hard LLM turn budget (0 = config default)")
	runCmd.Flags().Int("turns-soft", 0, "Soft LLM turn budget (0 = config default)")
}
