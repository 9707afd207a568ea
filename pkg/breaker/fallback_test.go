package breaker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/backend"
	"github.com/cuemby/foreman/pkg/errorclass"
	"github.com/cuemby/foreman/pkg/types"
)

// scriptedExecutor fails or succeeds per family.
type scriptedExecutor struct {
	errs  map[backend.Family]error
	calls []backend.Family
}

func (s *scriptedExecutor) Execute(_ context.Context, f backend.Family, _ *types.Task, _ types.Phase) (*backend.Result, error) {
	s.calls = append(s.calls, f)
	if err := s.errs[f]; err != nil {
		return nil, err
	}
	return &backend.Result{Output: string(f)}, nil
}

func newChainFixture(t *testing.T) (*Chain, string) {
	t.Helper()
	dir := t.TempDir()
	breakers := filepath.Join(dir, "breakers")
	rates := filepath.Join(dir, "rate-limits")
	require.NoError(t, os.MkdirAll(breakers, 0o755))
	require.NoError(t, os.MkdirAll(rates, 0o755))

	c := NewChain(ChainConfig{
		Order:       []string{"familyA", "familyB", "familyC"},
		BreakersDir: breakers,
		RateDir:     rates,
		MaxRetries:  2,
		RetryBudget: 5,
		Policy:      errorclass.BackoffPolicy{Base: time.Millisecond, Multiplier: 1, Cap: time.Millisecond},
		Breaker:     DefaultOptions(),
	})
	return c, rates
}

func TestChainFirstFamilySucceeds(t *testing.T) {
	c, _ := newChainFixture(t)
	exec := &scriptedExecutor{}
	task := &types.Task{ID: "T1", Type: "IMPLEMENT"}

	res, err := c.Execute(context.Background(), backend.FamilyA, task, types.PhaseExecute, exec)
	require.NoError(t, err)
	assert.Equal(t, "familyA", res.Output)
	assert.Equal(t, []backend.Family{backend.FamilyA}, exec.calls)
}

func TestChainFallsBackOnRetryableFailure(t *testing.T) {
	c, _ := newChainFixture(t)
	exec := &scriptedExecutor{errs: map[backend.Family]error{
		backend.FamilyA: errors.New("connection refused"),
	}}
	task := &types.Task{ID: "T1", Type: "IMPLEMENT"}

	res, err := c.Execute(context.Background(), backend.FamilyA, task, types.PhaseExecute, exec)
	require.NoError(t, err)
	assert.Equal(t, "familyB", res.Output)
	// A was retried MaxRetries times before advancing.
	assert.Equal(t, []backend.Family{backend.FamilyA, backend.FamilyA, backend.FamilyB}, exec.calls)
}

func TestChainNonRetryableAborts(t *testing.T) {
	c, _ := newChainFixture(t)
	exec := &scriptedExecutor{errs: map[backend.Family]error{
		backend.FamilyA: errors.New("401 Unauthorized"),
	}}
	task := &types.Task{ID: "T1", Type: "IMPLEMENT"}

	_, err := c.Execute(context.Background(), backend.FamilyA, task, types.PhaseExecute, exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-retryable")
	assert.Equal(t, []backend.Family{backend.FamilyA}, exec.calls, "no fallback past an auth failure")
}

func TestChainSkipsOpenBreaker(t *testing.T) {
	c, _ := newChainFixture(t)
	// Trip familyA's breaker.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Breaker(backend.FamilyA).RecordFailure())
	}

	exec := &scriptedExecutor{}
	task := &types.Task{ID: "T1", Type: "IMPLEMENT"}
	res, err := c.Execute(context.Background(), backend.FamilyA, task, types.PhaseExecute, exec)
	require.NoError(t, err)
	assert.Equal(t, "familyB", res.Output)
	assert.NotContains(t, exec.calls, backend.FamilyA)
}

func TestChainSkipsRateLimitedFamily(t *testing.T) {
	c, rates := newChainFixture(t)
	expiry := time.Now().Add(time.Hour).Unix()
	require.NoError(t, os.WriteFile(filepath.Join(rates, "familyA.limit"),
		[]byte(strconv.FormatInt(expiry, 10)), 0o644))

	exec := &scriptedExecutor{}
	task := &types.Task{ID: "T1", Type: "IMPLEMENT"}
	res, err := c.Execute(context.Background(), backend.FamilyA, task, types.PhaseExecute, exec)
	require.NoError(t, err)
	assert.Equal(t, "familyB", res.Output)
}

func TestChainRateLimitErrorWritesSentinel(t *testing.T) {
	c, rates := newChainFixture(t)
	exec := &scriptedExecutor{errs: map[backend.Family]error{
		backend.FamilyA: errors.New("429 Too Many Requests"),
	}}
	task := &types.Task{ID: "T1", Type: "IMPLEMENT"}

	res, err := c.Execute(context.Background(), backend.FamilyA, task, types.PhaseExecute, exec)
	require.NoError(t, err)
	assert.Equal(t, "familyB", res.Output)
	// Rate-limit errors don't burn the family's remaining retries; the
	// sentinel takes it out of rotation instead.
	assert.Equal(t, []backend.Family{backend.FamilyA, backend.FamilyB}, exec.calls)

	_, err = os.Stat(filepath.Join(rates, "familyA.limit"))
	assert.NoError(t, err)
}

func TestChainBudgetExhausted(t *testing.T) {
	c, _ := newChainFixture(t)
	exec := &scriptedExecutor{}
	task := &types.Task{ID: "T1", Type: "IMPLEMENT", RetryCount: 5}

	_, err := c.Execute(context.Background(), backend.FamilyA, task, types.PhaseExecute, exec)
	assert.ErrorIs(t, err, ErrRetryBudgetExceeded)
	assert.Empty(t, exec.calls)
}

func TestChainAllFamiliesFailBumpsRetryFile(t *testing.T) {
	c, rates := newChainFixture(t)
	exec := &scriptedExecutor{errs: map[backend.Family]error{
		backend.FamilyA: errors.New("timeout"),
		backend.FamilyB: errors.New("timeout"),
		backend.FamilyC: errors.New("timeout"),
	}}
	task := &types.Task{ID: "T1", Type: "IMPLEMENT"}

	_, err := c.Execute(context.Background(), backend.FamilyA, task, types.PhaseExecute, exec)
	assert.ErrorIs(t, err, ErrAllBackendsFailed)

	data, err := os.ReadFile(filepath.Join(rates, "retry_T1"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestChainDBRetryCountWins(t *testing.T) {
	c, rates := newChainFixture(t)
	// File says 1, DB says 3: the higher value is effective.
	require.NoError(t, os.WriteFile(filepath.Join(rates, "retry_T1"), []byte("1"), 0o644))
	task := &types.Task{ID: "T1", RetryCount: 3}
	assert.Equal(t, 3, c.effectiveRetries(task))

	// File says 4, DB says 3: file survives DB loss scenarios.
	require.NoError(t, os.WriteFile(filepath.Join(rates, "retry_T1"), []byte("4"), 0o644))
	assert.Equal(t, 4, c.effectiveRetries(task))
}
