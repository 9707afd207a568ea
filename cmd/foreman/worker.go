package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/approval"
	"github.com/cuemby/foreman/pkg/backend"
	"github.com/cuemby/foreman/pkg/breaker"
	"github.com/cuemby/foreman/pkg/gates"
	"github.com/cuemby/foreman/pkg/phase"
	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/taskfs"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/cuemby/foreman/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one worker process",
	Long: `Run a single worker bound to a (specialization, shard) slot. The
worker claims tasks from its shard, drives them through the SDLC phases
against its backend family and submits results for approval. Normally spawned
by the supervisor rather than by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := gates.SanitizePath(); err != nil {
			return fmt.Errorf("refusing to start: %v", err)
		}

		id, _ := cmd.Flags().GetString("id")
		laneName, _ := cmd.Flags().GetString("lane")
		shardName, _ := cmd.Flags().GetString("shard")
		lane := types.Lane(laneName)
		switch lane {
		case types.LaneImpl, types.LaneReview, types.LaneAnalysis:
		default:
			return fmt.Errorf("invalid lane %q", laneName)
		}

		st, err := store.Open(cfg.DBPath())
		if err != nil {
			return err
		}
		defer st.Close()

		es, err := newEventStore(cfg)
		if err != nil {
			return err
		}
		fs := taskfs.New(cfg.TasksDir(), cfg.PendingSyncDir())

		chain := breaker.NewChain(breaker.ChainConfig{
			Order:       cfg.EHFallbackOrder,
			BreakersDir: cfg.BreakersDir(),
			RateDir:     cfg.RateLimitsDir(),
			MaxRetries:  cfg.EHMaxRetries,
			RetryBudget: cfg.EHRetryBudget,
			Policy:      backoffPolicy(cfg),
			Breaker: breaker.Options{
				FailureThreshold: cfg.CBFailureThreshold,
				Cooldown:         cfg.CBCooldown(),
				HalfOpenMaxCalls: cfg.CBHalfOpenMaxCalls,
			},
		})

		runner, err := worker.NewRunner(worker.Config{
			ID:       id,
			Lane:     lane,
			Shard:    shardName,
			Store:    st,
			Claimer:  queue.NewClaimer(st, cfg),
			Chain:    chain,
			Engine:   phase.NewEngine(st, cfg),
			Gates:    gates.NewRunner(cfg),
			Approver: approval.New(st, es, fs, cfg),
			TaskFS:   fs,
			Executor: &backend.CommandExecutor{WorkspacesDir: cfg.WorkspacesDir()},
			Conf:     cfg,
		})
		if err != nil {
			return err
		}
		if err := runner.Start(); err != nil {
			return err
		}
		fmt.Printf("✓ Worker %s started (lane=%s shard=%s)\n", runner.ID(), lane, shardName)

		waitForSignal()
		fmt.Println("Shutting down worker...")
		runner.Stop()
		return nil
	},
}

func init() {
	workerCmd.Flags().String("id", "", "Worker ID (generated if empty)")
	workerCmd.Flags().String("lane", "impl", "Worker specialization (impl, review, analysis)")
	workerCmd.Flags().String("shard", "shard-0", "Shard this worker claims from")
}
