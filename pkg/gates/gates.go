package gates

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
)

// Gate identifiers, stable across reports and rejection feedback.
const (
	GateTests    = "EXE-001:Tests"
	GateCoverage = "EXE-002:Coverage"
	GateLint     = "EXE-003:Lint"
	GateTypes    = "EXE-004:Types"
	GateSecurity = "EXE-005:Security"
	GateBuild    = "EXE-006:Build"
)

// AllGates lists every gate in run order.
var AllGates = []string{GateTests, GateCoverage, GateLint, GateTypes, GateSecurity, GateBuild}

// Result is the persisted outcome of one gate run.
type Result struct {
	Gate      string        `json:"gate"`
	Passed    bool          `json:"passed"`
	Reason    string        `json:"reason,omitempty"`
	Output    string        `json:"output,omitempty"`
	Coverage  float64       `json:"coverage,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// Command describes the tool invocation backing a gate.
type Command struct {
	Tool string
	Args []string
	// ConfigFile, when set, must exist in the workspace; in strict mode a
	// missing config fails the gate instead of silently passing.
	ConfigFile string
}

// defaultCommands is the out-of-the-box gate toolchain.
var defaultCommands = map[string]Command{
	GateTests:    {Tool: "go", Args: []string{"test", "./..."}},
	GateCoverage: {Tool: "go", Args: []string{"test", "-cover", "./..."}},
	GateLint:     {Tool: "golangci-lint", Args: []string{"run"}, ConfigFile: ".golangci.yml"},
	GateTypes:    {Tool: "go", Args: []string{"vet", "./..."}},
	GateSecurity: {Tool: "gosec", Args: []string{"./..."}},
	GateBuild:    {Tool: "go", Args: []string{"build", "./..."}},
}

// Runner executes quality gates inside a task workspace.
type Runner struct {
	cfg      *config.Config
	commands map[string]Command
	// toolPaths caches absolute tool paths resolved once against the
	// sanitized PATH.
	toolPaths map[string]string
	logger    zerolog.Logger
}

// NewRunner creates a gate runner. The process PATH must already have been
// sanitized (see SanitizePath); tool resolution happens lazily and is cached.
func NewRunner(cfg *config.Config) *Runner {
	return &Runner{
		cfg:       cfg,
		commands:  defaultCommands,
		toolPaths: make(map[string]string),
		logger:    log.Component("gates"),
	}
}

// coverageValue accepts plain non-negative decimals only: no signs, no
// exponents and certainly no shell metacharacters.
var coverageValue = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ValidateCoverage parses and validates a reported coverage value.
func ValidateCoverage(raw string) (float64, error) {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if !coverageValue.MatchString(raw) {
		return 0, fmt.Errorf("invalid coverage value %q", raw)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coverage value %q: %w", raw, err)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("coverage %v out of range [0, 100]", v)
	}
	return v, nil
}

// RunAll executes every gate in the workspace, writing one JSON result per
// gate into resultsDir, and returns the results in run order.
func (r *Runner) RunAll(workspace, resultsDir string) ([]*Result, error) {
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	results := make([]*Result, 0, len(AllGates))
	for _, gate := range AllGates {
		res := r.Run(gate, workspace)
		if err := r.writeResult(resultsDir, res); err != nil {
			r.logger.Error().Err(err).Str("gate", gate).Msg("Failed to persist gate result")
		}
		results = append(results, res)
	}
	return results, nil
}

// Run executes a single gate in the workspace.
func (r *Runner) Run(gate, workspace string) *Result {
	timer := metrics.NewTimer()
	res := &Result{Gate: gate, Timestamp: time.Now().UTC()}
	defer func() {
		res.Duration = timer.Duration()
		timer.ObserveDurationVec(metrics.GateDuration, gate)
		outcome := "fail"
		if res.Passed {
			outcome = "pass"
		}
		metrics.GateResultsTotal.WithLabelValues(gate, outcome).Inc()
	}()

	cmd, ok := r.commands[gate]
	if !ok {
		res.Reason = fmt.Sprintf("no command configured for gate %s", gate)
		return res
	}

	toolPath, err := r.resolveTool(cmd.Tool)
	if err != nil {
		if r.cfg.StrictMode {
			res.Reason = fmt.Sprintf("tool %s not found (strict mode)", cmd.Tool)
			return res
		}
		// Non-strict: a missing optional tool skips the gate as passed.
		res.Passed = true
		res.Reason = fmt.Sprintf("tool %s not found, gate skipped", cmd.Tool)
		return res
	}

	if cmd.ConfigFile != "" {
		if _, err := os.Stat(filepath.Join(workspace, cmd.ConfigFile)); err != nil {
			if r.cfg.StrictMode {
				res.Reason = fmt.Sprintf("config %s missing (strict mode)", cmd.ConfigFile)
				return res
			}
		}
	}

	out, err := r.execute(toolPath, cmd.Args, workspace)
	res.Output = truncate(out, 64*1024)
	if err != nil {
		res.Reason = err.Error()
		return res
	}

	if gate == GateCoverage {
		cov, err := extractCoverage(out)
		if err != nil {
			res.Reason = err.Error()
			return res
		}
		res.Coverage = cov
		if cov < float64(r.cfg.CoverageThreshold) {
			res.Reason = fmt.Sprintf("coverage %.1f < %d", cov, r.cfg.CoverageThreshold)
			return res
		}
	}

	res.Passed = true
	return res
}

func (r *Runner) execute(toolPath string, args []string, workspace string) (string, error) {
	cmd := exec.Command(toolPath, args...)
	cmd.Dir = workspace
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// resolveTool resolves a tool once to an absolute path and caches it.
func (r *Runner) resolveTool(tool string) (string, error) {
	if p, ok := r.toolPaths[tool]; ok {
		if p == "" {
			return "", fmt.Errorf("tool %s not found", tool)
		}
		return p, nil
	}
	p, err := exec.LookPath(tool)
	if err != nil {
		r.toolPaths[tool] = ""
		return "", fmt.Errorf("tool %s not found: %w", tool, err)
	}
	if !filepath.IsAbs(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		p = abs
	}
	r.toolPaths[tool] = p
	return p, nil
}

func (r *Runner) writeResult(dir string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	name := strings.ReplaceAll(strings.ToLower(res.Gate), ":", "_") + ".json"
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// coverageLine matches go test -cover output, e.g. "coverage: 83.4% of statements".
var coverageLine = regexp.MustCompile(`coverage:\s*([0-9.]+)%`)

// extractCoverage pulls the lowest per-package coverage from tool output and
// validates it.
func extractCoverage(out string) (float64, error) {
	matches := coverageLine.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("no coverage value in output")
	}
	lowest := 101.0
	for _, m := range matches {
		v, err := ValidateCoverage(m[1])
		if err != nil {
			return 0, err
		}
		if v < lowest {
			lowest = v
		}
	}
	return lowest, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
