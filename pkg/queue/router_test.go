package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/foreman/pkg/backend"
	"github.com/cuemby/foreman/pkg/types"
)

func TestAssignShardDeterministic(t *testing.T) {
	// Same ID always lands on the same shard.
	for _, id := range []string{"T1", "T2", "task-abc", "0000"} {
		first := AssignShard(id, 3)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, AssignShard(id, 3))
		}
	}
}

func TestAssignShardRange(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		shard := AssignShard(string(rune('a'+i%26))+string(rune('0'+i%10)), 3)
		assert.Contains(t, []string{"shard-0", "shard-1", "shard-2"}, shard)
		seen[shard] = true
	}
	// A couple hundred IDs should touch every shard.
	assert.Len(t, seen, 3)
}

func TestAssignShardSingleShard(t *testing.T) {
	assert.Equal(t, "shard-0", AssignShard("anything", 1))
	assert.Equal(t, "shard-0", AssignShard("anything", 0)) // clamped
}

func TestRouteType(t *testing.T) {
	tests := []struct {
		taskType string
		lane     types.Lane
		family   backend.Family
	}{
		{"REVIEW", types.LaneReview, backend.FamilyA},
		{"review_pr", types.LaneReview, backend.FamilyA},
		{"AUDIT_DEPS", types.LaneReview, backend.FamilyA},
		{"SECURITY_SCAN", types.LaneReview, backend.FamilyA},
		{"GATE_CHECK", types.LaneReview, backend.FamilyA},
		{"QUALITY", types.LaneReview, backend.FamilyA},
		{"ANALYSIS", types.LaneAnalysis, backend.FamilyB},
		{"RESEARCH_SPIKE", types.LaneAnalysis, backend.FamilyB},
		{"ARCH_REVIEW", types.LaneAnalysis, backend.FamilyB}, // ARCH before REVIEW suffix is irrelevant: prefix match
		{"DESIGN_DOC", types.LaneAnalysis, backend.FamilyB},
		{"IMPLEMENT", types.LaneImpl, backend.FamilyC},
		{"BUGFIX", types.LaneImpl, backend.FamilyC},
		{"", types.LaneImpl, backend.FamilyC},
	}
	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			lane, family := RouteType(tt.taskType)
			assert.Equal(t, tt.lane, lane)
			assert.Equal(t, tt.family, family)
		})
	}
}

func TestTimeoutForType(t *testing.T) {
	tests := []struct {
		taskType string
		expected int
	}{
		{"LINT", 300},
		{"FORMAT_CODE", 300},
		{"REVIEW_PR", 300},
		{"DOC_UPDATE", 300},
		{"QUICK_FIX", 300},
		{"TEST_SUITE", 1800},
		{"COVERAGE", 1800},
		{"FULL_BUILD", 1800},
		{"SECURITY_AUDIT", 1800},
		{"RESEARCH", 1800},
		{"ANALYSIS", 1800},
		{"IMPLEMENT", 900},
		{"", 900},
	}
	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			assert.Equal(t, tt.expected, TimeoutForType(tt.taskType))
		})
	}
}
