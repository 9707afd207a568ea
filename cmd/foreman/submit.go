package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/errorclass"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/eventstore"
	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/taskfs"
	"github.com/cuemby/foreman/pkg/types"
)

func backoffPolicy(cfg *config.Config) errorclass.BackoffPolicy {
	return errorclass.BackoffPolicy{
		Base:       time.Duration(cfg.EHBackoffBase) * time.Second,
		Multiplier: cfg.EHBackoffMultiplier,
		Cap:        time.Duration(cfg.EHBackoffMax) * time.Second,
		Jitter:     cfg.EHJitter,
	}
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the queue",
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
		es, err := newEventStore(cfg)
		if err != nil {
			return err
		}
		fs := taskfs.New(cfg.TasksDir(), cfg.PendingSyncDir())

		resume, _ := cmd.Flags().GetString("resume")
		if resume != "" {
			if err := st.Transition(resume, types.TaskStateQueued, "resubmitted", "cli"); err != nil {
				return err
			}
			if err := fs.Move(resume, taskfs.DirRejected, taskfs.DirQueue); err != nil {
				fmt.Fprintf(os.Stderr, "warning: task file not moved: %v\n", err)
			}
			fmt.Printf("✓ Task %s requeued\n", resume)
			return nil
		}

		taskType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetInt("priority")
		submitter, _ := cmd.Flags().GetString("submitter")
		id, _ := cmd.Flags().GetString("id")
		bodyFile, _ := cmd.Flags().GetString("file")

		body := ""
		if bodyFile != "" {
			data, err := os.ReadFile(bodyFile)
			if err != nil {
				return fmt.Errorf("failed to read task body: %w", err)
			}
			body = string(data)
		}

		task, err := queue.NewSubmitter(st, fs, es, cfg).Submit(queue.Submission{
			ID:        id,
			Type:      taskType,
			Priority:  types.Priority(priority),
			Submitter: submitter,
			Body:      body,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Task %s submitted (type=%s priority=%s)\n", task.ID, task.Type, task.Priority)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and pool status",
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

		counts, err := st.CountByStateAndShard()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATE\tSHARD\tCOUNT")
		for state, byShard := range counts {
			for shard, n := range byShard {
				fmt.Fprintf(w, "%s\t%s\t%d\n", state, shard, n)
			}
		}
		w.Flush()

		workers, err := st.ListWorkers()
		if err != nil {
			return err
		}
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tLANE\tSHARD\tSTATUS\tLAST HEARTBEAT")
		for _, wk := range workers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				wk.ID, wk.Specialization, wk.Shard, wk.Status,
				wk.LastHeartbeat.Format(time.RFC3339))
		}
		w.Flush()
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent orchestrator events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		es, err := newEventStore(cfg)
		if err != nil {
			return err
		}

		taskID, _ := cmd.Flags().GetString("task")
		limit, _ := cmd.Flags().GetInt("limit")
		sinceStr, _ := cmd.Flags().GetString("since")
		follow, _ := cmd.Flags().GetBool("follow")

		var since time.Time
		if sinceStr != "" {
			since, err = time.Parse(time.RFC3339, sinceStr)
			if err != nil {
				return fmt.Errorf("invalid --since value: %w", err)
			}
		}

		evs, err := es.Query(since, time.Time{}, nil, limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tTASK\tACTOR")
		last := time.Time{}
		for _, ev := range evs {
			if ev.Timestamp.After(last) {
				last = ev.Timestamp
			}
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				ev.Timestamp.Format(time.RFC3339), ev.Type, ev.TaskID, ev.Actor)
		}
		w.Flush()

		if !follow {
			return nil
		}
		return followEvents(es, last, taskID)
	},
}

// followEvents tails the event log: a poller feeds new lines through the
// broker and the printer drains its subscription until interrupted.
func followEvents(es *eventstore.Store, since time.Time, taskID string) error {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	go func() {
		last := since
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			evs, err := es.Query(last.Add(time.Nanosecond), time.Time{}, nil, 0)
			if err != nil {
				continue
			}
			for _, ev := range evs {
				if ev.Timestamp.After(last) {
					last = ev.Timestamp
				}
				broker.Publish(ev)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case ev := <-sub:
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			fmt.Printf("%s  %-24s  %-12s  %s\n",
				ev.Timestamp.Format(time.RFC3339), ev.Type, ev.TaskID, ev.Actor)
		case <-sigCh:
			return nil
		}
	}
}

func init() {
	submitCmd.Flags().String("id", "", "Task ID (generated if empty)")
	submitCmd.Flags().String("type", "IMPLEMENT", "Task type (routes the lane and model)")
	submitCmd.Flags().Int("priority", int(types.PriorityMedium), "Priority (0=critical .. 3=low)")
	submitCmd.Flags().String("submitter", "", "Submitting user (for fairness limits)")
	submitCmd.Flags().String("file", "", "Markdown file with the task body")
	submitCmd.Flags().String("resume", "", "Requeue a rejected task by ID")

	eventsCmd.Flags().String("task", "", "Filter by task ID")
	eventsCmd.Flags().Int("limit", 50, "Maximum events to show")
	eventsCmd.Flags().String("since", "", "Only events after this RFC3339 time")
	eventsCmd.Flags().Bool("follow", false, "Keep tailing the event log")
}
