package queue

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/eventstore"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/taskfs"
	"github.com/cuemby/foreman/pkg/types"
)

// Submission carries everything needed to enqueue a task.
type Submission struct {
	ID        string
	Type      string
	Priority  types.Priority
	Submitter string
	Body      string
	Metadata  map[string]string
}

// Submitter enqueues new tasks: a DB row, a task file in queue/ and a
// submission event. Routing (shard, lane, model) is stamped by the
// supervisor's routing pass.
type Submitter struct {
	store store.Store
	fs    *taskfs.Layout
	es    *eventstore.Store
	cfg   *config.Config
}

// NewSubmitter creates a submitter.
func NewSubmitter(st store.Store, fs *taskfs.Layout, es *eventstore.Store, cfg *config.Config) *Submitter {
	return &Submitter{store: st, fs: fs, es: es, cfg: cfg}
}

// Submit enqueues one task and returns it. The per-user total cap is
// enforced here, before anything is persisted.
func (s *Submitter) Submit(sub Submission) (*types.Task, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.Type == "" {
		return nil, fmt.Errorf("task type is required")
	}
	sub.Type = strings.ToUpper(strings.TrimSpace(sub.Type))

	meta := sub.Metadata
	if meta == nil {
		meta = make(map[string]string)
	}
	if sub.Submitter != "" {
		meta["submitter"] = sub.Submitter
	}

	task := &types.Task{
		ID:           sub.ID,
		Type:         sub.Type,
		Priority:     sub.Priority,
		State:        types.TaskStateQueued,
		Phase:        types.PhaseBrainstorm,
		ShardHashVer: ShardHashVersion,
		Metadata:     meta,
		TraceID:      uuid.New().String(),
	}
	if submitter := task.Submitter(); submitter != "unknown" && s.cfg.PerUserLimitsEnabled {
		n, err := s.store.CountBySubmitter(submitter)
		if err != nil {
			return nil, err
		}
		if n >= s.cfg.MaxTasksPerUser {
			return nil, fmt.Errorf("submitter %s at task cap (%d)", submitter, s.cfg.MaxTasksPerUser)
		}
	}

	if err := s.store.CreateTask(task); err != nil {
		return nil, err
	}
	body := sub.Body
	if body == "" {
		body = fmt.Sprintf("# %s\n\n(no description)\n", sub.ID)
	}
	if err := s.fs.WriteTaskFile(task.ID, body); err != nil {
		log.Component("queue").Warn().Err(err).Str("task_id", task.ID).Msg("Task file not written")
	}
	if s.es != nil {
		if _, err := s.es.Append(&types.Event{
			Type:    types.EventTaskSubmitted,
			TaskID:  task.ID,
			Actor:   task.Submitter(),
			TraceID: task.TraceID,
			Payload: map[string]any{
				"type":     task.Type,
				"priority": int(task.Priority),
			},
		}); err != nil {
			log.Component("queue").Error().Err(err).Msg("Failed to append submission event")
		}
	}
	return task, nil
}
