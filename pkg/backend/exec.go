package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/cuemby/foreman/pkg/types"
)

// commandEnv maps each family to the environment variable naming its adapter
// command. Adapters are external programs: they receive the task context as
// arguments and print a JSON Result on stdout.
var commandEnv = map[Family]string{
	FamilyA: "FOREMAN_FAMILY_A_CMD",
	FamilyB: "FOREMAN_FAMILY_B_CMD",
	FamilyC: "FOREMAN_FAMILY_C_CMD",
}

// CommandExecutor bridges the Executor contract to external adapter
// processes, one command per backend family.
type CommandExecutor struct {
	// Workspace root passed to adapters via FOREMAN_WORKSPACE.
	WorkspacesDir string
}

// Execute runs the family's adapter command for one phase of a task. The
// adapter's stdout must be a JSON Result; a non-zero exit surfaces stderr as
// the error for classification.
func (e *CommandExecutor) Execute(ctx context.Context, family Family, task *types.Task, phase types.Phase) (*Result, error) {
	env, ok := commandEnv[family]
	if !ok {
		return nil, fmt.Errorf("unknown backend family: %s", family)
	}
	command := os.Getenv(env)
	if command == "" {
		return nil, fmt.Errorf("model unavailable: no adapter configured for %s (%s not set)", family, env)
	}

	cmd := exec.CommandContext(ctx, command,
		"--task", task.ID,
		"--type", task.Type,
		"--phase", string(phase),
	)
	cmd.Env = append(os.Environ(),
		"FOREMAN_WORKSPACE="+e.WorkspacesDir+"/"+task.ID,
		"FOREMAN_TRACE_ID="+task.TraceID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("adapter timed out: %w", ctx.Err())
		}
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("adapter for %s failed: %s", family, msg)
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("output_error: adapter for %s produced malformed result: %w", family, err)
	}
	return &result, nil
}
