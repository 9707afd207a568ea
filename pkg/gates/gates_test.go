package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/config"
)

func TestValidateCoverage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{"plain integer", "80", 80, false},
		{"decimal", "83.4", 83.4, false},
		{"with percent", "83.4%", 83.4, false},
		{"with whitespace", " 90 ", 90, false},
		{"zero", "0", 0, false},
		{"hundred", "100", 100, false},
		{"over range", "100.1", 0, true},
		{"negative", "-5", 0, true},
		{"shell metacharacters", "80; rm -rf /", 0, true},
		{"command substitution", "$(cat /etc/passwd)", 0, true},
		{"exponent", "8e1", 0, true},
		{"empty", "", 0, true},
		{"words", "eighty", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateCoverage(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractCoverage(t *testing.T) {
	out := `ok  	github.com/cuemby/foreman/pkg/queue	0.12s	coverage: 91.2% of statements
ok  	github.com/cuemby/foreman/pkg/store	0.30s	coverage: 84.0% of statements`
	cov, err := extractCoverage(out)
	require.NoError(t, err)
	assert.Equal(t, 84.0, cov, "lowest per-package coverage wins")

	_, err = extractCoverage("no coverage here")
	assert.Error(t, err)
}

func TestRunStrictModeMissingTool(t *testing.T) {
	cfg := config.Default()
	cfg.StrictMode = true
	r := NewRunner(cfg)
	r.commands = map[string]Command{
		GateLint: {Tool: "definitely-not-a-real-tool-xyz"},
	}

	res := r.Run(GateLint, t.TempDir())
	assert.False(t, res.Passed, "strict mode fails on missing tool")
	assert.Contains(t, res.Reason, "not found")
}

func TestRunNonStrictMissingToolSkips(t *testing.T) {
	cfg := config.Default()
	cfg.StrictMode = false
	r := NewRunner(cfg)
	r.commands = map[string]Command{
		GateLint: {Tool: "definitely-not-a-real-tool-xyz"},
	}

	res := r.Run(GateLint, t.TempDir())
	assert.True(t, res.Passed)
	assert.Contains(t, res.Reason, "skipped")
}

func TestRunStrictModeMissingConfig(t *testing.T) {
	cfg := config.Default()
	cfg.StrictMode = true
	r := NewRunner(cfg)
	// "true" exists on any sane PATH; the config file does not.
	r.commands = map[string]Command{
		GateLint: {Tool: "true", ConfigFile: ".golangci.yml"},
	}

	res := r.Run(GateLint, t.TempDir())
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "config")
}

func TestGateConstantsStable(t *testing.T) {
	// Gate IDs appear in reports and feedback; renaming them breaks
	// consumers.
	assert.Equal(t, "EXE-001:Tests", GateTests)
	assert.Equal(t, "EXE-002:Coverage", GateCoverage)
	assert.Equal(t, "EXE-006:Build", GateBuild)
	assert.Len(t, AllGates, 6)
}

func TestConfigFloorsEnforced(t *testing.T) {
	cfg := config.Default()
	cfg.CoverageThreshold = 50 // below the hard floor
	cfg.EnforceFloors()
	assert.Equal(t, config.MinCoverageFloor, cfg.CoverageThreshold, "threshold silently raised to floor")

	cfg.MinSecurityScore = 10
	cfg.MaxCriticalVulns = 3
	cfg.EnforceFloors()
	assert.Equal(t, config.MinSecurityScoreFloor, cfg.MinSecurityScore)
	assert.Equal(t, config.MaxCriticalVulnsCeil, cfg.MaxCriticalVulns)
}
