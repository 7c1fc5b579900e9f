package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/how2fps/fuzzer/internal/config"
	"github.com/how2fps/fuzzer/internal/fuzz"
	"github.com/how2fps/fuzzer/internal/logger"
)

// NewFuzzCommand creates the "fuzz" subcommand.
func NewFuzzCommand() *cobra.Command {
	var (
		targetName       string
		schedulerKind    string
		mutatorKind      string
		iterations       int
		hours            float64
		timeout          float64
		rngSeed          int64
		workers          int
		promoteThreshold float64
	)

	cmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Start the main fuzzing loop.",
		Long: `Start the main fuzzing loop for the configured target.

Each cycle picks a seed from the scheduler, asks the power scheduler for an
energy budget, derives that many unique mutations, runs them against the
target, scores the results, persists runs and coverage edges, and promotes
interesting mutations back into the seed pool.

Configuration:
  Default values are loaded from configs/config.yaml when present.
  Command line flags override the config file values.

Examples:
  # Fuzz the JSON decoder with the heap scheduler for 1000 iterations
  fuzzer fuzz --target json-decoder --scheduler heap --iterations 1000

  # UCB tree scheduling with four workers for half an hour (--iterations -1
  # unsets an iteration budget from the config file; the two are exclusive)
  fuzzer fuzz --target cidrize-runner --scheduler ucb_tree --workers 4 --hours 0.5 --iterations -1

  # Reproducible run
  fuzzer fuzz --seed 42 --iterations 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Flags override config file values only when set.
			if cmd.Flags().Changed("target") {
				cfg.Target = targetName
			}
			if cmd.Flags().Changed("scheduler") {
				cfg.Scheduler = schedulerKind
			}
			if cmd.Flags().Changed("mutator") {
				cfg.Mutator = mutatorKind
			}
			if cmd.Flags().Changed("iterations") {
				cfg.Iterations = iterations
			}
			if cmd.Flags().Changed("hours") {
				cfg.Hours = hours
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout = timeout
			}
			if cmd.Flags().Changed("seed") {
				cfg.RNGSeed = rngSeed
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if cmd.Flags().Changed("promote-threshold") {
				cfg.PromoteThreshold = promoteThreshold
			}

			return runFuzz(cfg)
		},
	}

	cmd.Flags().StringVar(&targetName, "target", "json-decoder", "Target name")
	cmd.Flags().StringVar(&schedulerKind, "scheduler", "heap", "Seed scheduler kind (queue | heap | ucb_tree)")
	cmd.Flags().StringVar(&mutatorKind, "mutator", "auto", "Mutation mode (auto | json | ip)")
	cmd.Flags().IntVar(&iterations, "iterations", -1, "Maximum number of fuzzing iterations (negative = unset)")
	cmd.Flags().Float64Var(&hours, "hours", 0, "Wall-clock budget in hours (mutually exclusive with --iterations)")
	cmd.Flags().Float64Var(&timeout, "timeout", 10.0, "Per-run timeout in seconds")
	cmd.Flags().Int64Var(&rngSeed, "seed", -1, "RNG seed for reproducibility")
	cmd.Flags().IntVar(&workers, "workers", 1, "Number of target workers")
	cmd.Flags().Float64Var(&promoteThreshold, "promote-threshold", -1, "Promotion score threshold (negative = path default)")

	return cmd
}

func runFuzz(cfg *config.Config) error {
	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}
	if cfg.LogDir != "" {
		if err := logger.InitCampaign(logLevel, cfg.LogDir, cfg.Target); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	} else {
		logger.Init(logLevel)
	}
	defer logger.Close()

	controller, err := fuzz.New(cfg, nil)
	if err != nil {
		return err
	}
	defer controller.Store().Close()

	controller.InstallSignalHandler()
	return controller.Run(context.Background())
}
