package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/breaker"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/errorclass"
	"github.com/cuemby/foreman/pkg/eventstore"
	"github.com/cuemby/foreman/pkg/gates"
	"github.com/cuemby/foreman/pkg/health"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/recovery"
	"github.com/cuemby/foreman/pkg/shard"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/supervisor"
	"github.com/cuemby/foreman/pkg/taskfs"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a failure to the engine's documented exit codes: 1 retryable,
// 2 permanent, 124 timeout, 126 breaker open, 127 tool not found.
func exitCode(err error) int {
	switch {
	case errors.Is(err, breaker.ErrAllBackendsFailed):
		return 126
	case errors.Is(err, breaker.ErrRetryBudgetExceeded):
		return 2
	case errors.Is(err, exec.ErrNotFound):
		return 127
	}
	return errorclass.ExitCode(errorclass.ClassifyErr(err))
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - autonomous tri-agent SDLC orchestrator",
	Long: `Foreman supervises a pool of role-specialized AI workers that pull
tasks from a durable sharded queue and drive them through a five-phase
software lifecycle with artifact-backed quality gates.

A single supervisor process maintains the pool, a recovery daemon requeues
abandoned work, and per-backend circuit breakers keep a failing model family
from taking the whole system down.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(supervisorCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(recoveryCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Setup(logLevel, logJSON, nil)
}

// loadConfig builds the configuration for a command, honoring the global
// flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var supervisorCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Run the supervisor process",
	Long: `Run the supervisor loop: route newly queued tasks, record shard
health, respawn missing worker slots and rebalance the queue. One supervisor
per host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := gates.SanitizePath(); err != nil {
			return fmt.Errorf("refusing to start: %v", err)
		}

		st, err := store.Open(cfg.DBPath())
		if err != nil {
			return err
		}
		defer st.Close()

		monitor := shard.NewMonitor(st, cfg)
		binary, _ := cmd.Flags().GetString("worker-binary")
		spawner, err := supervisor.NewSpawner(st, cfg, binary)
		if err != nil {
			return err
		}

		sup := supervisor.New(st, monitor, spawner, cfg)
		checker := health.NewChecker(Version)
		sup.SetHealthChecker(checker)
		sup.Start()
		fmt.Println("✓ Supervisor started")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				mux.Handle("/healthz", checker.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Errorf("Metrics endpoint failed", err)
				}
			}()
		}

		waitForSignal()
		fmt.Println("Shutting down supervisor...")
		sup.Stop()
		return nil
	},
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Run the recovery daemon",
	Long: `Run the recovery daemon: requeue stale and zombie tasks, detect
crashed workers and reconcile pending-sync markers. One daemon per host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DBPath())
		if err != nil {
			return err
		}
		defer st.Close()

		fs := taskfs.New(cfg.TasksDir(), cfg.PendingSyncDir())
		daemon := recovery.NewDaemon(st, fs, cfg)
		daemon.Start()
		fmt.Println("✓ Recovery daemon started")

		waitForSignal()
		fmt.Println("Shutting down recovery daemon...")
		daemon.Stop()
		return nil
	},
}

func init() {
	supervisorCmd.Flags().String("worker-binary", "", "Worker binary to spawn (defaults to this executable)")
	supervisorCmd.Flags().String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// newEventStore opens the JSONL event store for a command.
func newEventStore(cfg *config.Config) (*eventstore.Store, error) {
	return eventstore.New(cfg.EventStoreDir())
}
