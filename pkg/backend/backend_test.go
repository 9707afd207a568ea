package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

func TestForLane(t *testing.T) {
	assert.Equal(t, FamilyA, ForLane(types.LaneReview))
	assert.Equal(t, FamilyB, ForLane(types.LaneAnalysis))
	assert.Equal(t, FamilyC, ForLane(types.LaneImpl))
}

func TestCheckCredential(t *testing.T) {
	t.Setenv("FOREMAN_FAMILY_A_API_KEY", "")
	err := CheckCredential(FamilyA)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FOREMAN_FAMILY_A_API_KEY")

	t.Setenv("FOREMAN_FAMILY_A_API_KEY", "sk-test")
	assert.NoError(t, CheckCredential(FamilyA))

	assert.Error(t, CheckCredential(Family("familyZ")))
}
