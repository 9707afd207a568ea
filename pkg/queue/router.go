package queue

import (
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/cuemby/foreman/pkg/backend"
	"github.com/cuemby/foreman/pkg/types"
)

// ShardHashVersion tags the hash function used for shard placement. Changing
// the function across versions silently reshards queued work, so placements
// record the version they were computed with.
const ShardHashVersion = 1

// AssignShard deterministically places a task ID on a shard.
func AssignShard(taskID string, shardCount int) string {
	if shardCount < 1 {
		shardCount = 1
	}
	sum := crc32.ChecksumIEEE([]byte(taskID))
	return ShardName(int(sum % uint32(shardCount)))
}

// ShardName formats the shard component name for index i.
func ShardName(i int) string {
	return fmt.Sprintf("shard-%d", i)
}

// route maps a task-type prefix to its lane and backend family. The table is
// small and closed; first match wins, default is the impl lane.
type route struct {
	prefixes []string
	lane     types.Lane
	family   backend.Family
}

var routes = []route{
	{[]string{"REVIEW", "AUDIT", "SECURITY", "GATE", "QUALITY"}, types.LaneReview, backend.FamilyA},
	{[]string{"ANALYSIS", "RESEARCH", "ARCH", "DESIGN"}, types.LaneAnalysis, backend.FamilyB},
}

// RouteType resolves the lane and backend family for a task type. Types are
// case-normalized before matching.
func RouteType(taskType string) (types.Lane, backend.Family) {
	t := strings.ToUpper(strings.TrimSpace(taskType))
	for _, r := range routes {
		for _, p := range r.prefixes {
			if strings.HasPrefix(t, p) {
				return r.lane, r.family
			}
		}
	}
	return types.LaneImpl, backend.FamilyC
}

// TimeoutForType returns the expected duration in seconds for a task type.
func TimeoutForType(taskType string) int {
	t := strings.ToUpper(strings.TrimSpace(taskType))
	for _, p := range []string{"LINT", "FORMAT", "REVIEW", "DOC", "QUICK"} {
		if strings.HasPrefix(t, p) {
			return 300
		}
	}
	for _, p := range []string{"TEST", "COVERAGE", "FULL_BUILD", "SECURITY", "AUDIT", "RESEARCH", "ANALYSIS"} {
		if strings.HasPrefix(t, p) {
			return 1800
		}
	}
	return 900
}
