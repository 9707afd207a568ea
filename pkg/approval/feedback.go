package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/foreman/pkg/gates"
	"github.com/cuemby/foreman/pkg/types"
)

// Feedback is the structured rejection report delivered to the supervisor
// inbox and surfaced to the submitter.
type Feedback struct {
	TaskID           string      `json:"task_id"`
	TraceID          string      `json:"trace_id,omitempty"`
	RetryCount       int         `json:"retry_count"`
	RemainingRetries int         `json:"remaining_retries"`
	Permanent        bool        `json:"permanent"`
	Blocks           []GateBlock `json:"blocks"`
	ResubmitCommand  string      `json:"resubmit_command"`
	GeneratedAt      time.Time   `json:"generated_at"`
}

// GateBlock is the per-failed-gate feedback section.
type GateBlock struct {
	Gate            string   `json:"gate"`
	Issue           string   `json:"issue"`
	FixSuggestions  []string `json:"fix_suggestions"`
	CommonCauses    []string `json:"common_causes"`
	EffortMinutes   [2]int   `json:"effort_minutes"` // [min, max]
	QuickFixCommand string   `json:"quick_fix_command"`
}

// gateAdvice maps each gate to its canned guidance.
var gateAdvice = map[string]struct {
	fixes    []string
	causes   []string
	effort   [2]int
	quickFix string
}{
	gates.GateTests: {
		fixes:    []string{"Run the failing tests locally and fix the assertions", "Check for ordering or timing assumptions in new tests"},
		causes:   []string{"Regression in changed code", "Test depends on state the change removed"},
		effort:   [2]int{30, 120},
		quickFix: "go test ./... -run <FailingTest> -v",
	},
	gates.GateCoverage: {
		fixes:    []string{"Add tests for the uncovered branches reported in the coverage output", "Cover error paths, not just the happy path"},
		causes:   []string{"New code landed without accompanying tests", "Large untested error-handling blocks"},
		effort:   [2]int{30, 180},
		quickFix: "go test -coverprofile=cover.out ./... && go tool cover -func=cover.out",
	},
	gates.GateLint: {
		fixes:    []string{"Apply the linter's suggested fixes", "Silence only with justification, never blanket-disable"},
		causes:   []string{"Unformatted code", "Unused symbols left after refactoring"},
		effort:   [2]int{15, 45},
		quickFix: "golangci-lint run --fix",
	},
	gates.GateTypes: {
		fixes:    []string{"Fix the reported vet diagnostics", "Check printf verbs and struct tags"},
		causes:   []string{"Signature changed without updating callers", "Copy-paste with mismatched types"},
		effort:   [2]int{15, 60},
		quickFix: "go vet ./...",
	},
	gates.GateSecurity: {
		fixes:    []string{"Address each reported finding or document a justified suppression", "Never lower the severity threshold to pass"},
		causes:   []string{"Unvalidated external input", "Secrets or credentials in code"},
		effort:   [2]int{30, 180},
		quickFix: "gosec ./...",
	},
	gates.GateBuild: {
		fixes:    []string{"Fix the compile errors from the build output", "Run a clean build locally before resubmitting"},
		causes:   []string{"Missing file in the change set", "Dependency version drift"},
		effort:   [2]int{15, 60},
		quickFix: "go build ./...",
	},
}

// GenerateFeedback builds the structured rejection report for failed gates.
func (a *Approver) GenerateFeedback(task *types.Task, failed []*gates.Result, retries int) *Feedback {
	remaining := a.cfg.MaxRetries - retries
	if remaining < 0 {
		remaining = 0
	}
	fb := &Feedback{
		TaskID:           task.ID,
		TraceID:          task.TraceID,
		RetryCount:       retries,
		RemainingRetries: remaining,
		Permanent:        remaining == 0,
		ResubmitCommand:  fmt.Sprintf("foreman submit --resume %s", task.ID),
		GeneratedAt:      time.Now().UTC(),
	}
	for _, r := range failed {
		advice := gateAdvice[r.Gate]
		issue := r.Reason
		if issue == "" {
			issue = "gate failed without detail"
		}
		fb.Blocks = append(fb.Blocks, GateBlock{
			Gate:            r.Gate,
			Issue:           issue,
			FixSuggestions:  advice.fixes,
			CommonCauses:    advice.causes,
			EffortMinutes:   advice.effort,
			QuickFixCommand: advice.quickFix,
		})
	}
	return fb
}

// DeliverFeedback writes the report into the supervisor inbox directory.
func (a *Approver) DeliverFeedback(fb *Feedback) error {
	data, err := json.MarshalIndent(fb, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}
	name := fmt.Sprintf("%s-%d-r%d.rejection.json", fb.TaskID, fb.GeneratedAt.Unix(), fb.RetryCount)
	path := filepath.Join(a.cfg.InboxDir(), name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write feedback: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish feedback: %w", err)
	}
	return nil
}
