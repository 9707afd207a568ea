package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/foreman/pkg/types"
)

// Family identifies one of the three AI backend model families.
type Family string

const (
	FamilyA Family = "familyA"
	FamilyB Family = "familyB"
	FamilyC Family = "familyC"
)

// Families lists every known backend family.
var Families = []Family{FamilyA, FamilyB, FamilyC}

// credentialEnv maps each family to the environment variable carrying its
// credential. The supervisor checks these before spawning a worker slot.
var credentialEnv = map[Family]string{
	FamilyA: "FOREMAN_FAMILY_A_API_KEY",
	FamilyB: "FOREMAN_FAMILY_B_API_KEY",
	FamilyC: "FOREMAN_FAMILY_C_API_KEY",
}

// CredentialEnv returns the environment variable name holding the credential
// for the given family.
func CredentialEnv(f Family) string {
	return credentialEnv[f]
}

// CheckCredential verifies the family credential is present in the
// environment. A missing credential is a fail-fast condition at spawn.
func CheckCredential(f Family) error {
	env, ok := credentialEnv[f]
	if !ok {
		return fmt.Errorf("unknown backend family: %s", f)
	}
	if os.Getenv(env) == "" {
		return fmt.Errorf("missing credential for backend family %s (%s not set)", f, env)
	}
	return nil
}

// ForLane returns the default backend family for a worker specialization.
func ForLane(lane types.Lane) Family {
	switch lane {
	case types.LaneReview:
		return FamilyA
	case types.LaneAnalysis:
		return FamilyB
	default:
		return FamilyC
	}
}

// Result is what an executor produces for one phase of a task.
type Result struct {
	Output      string   `json:"output,omitempty"`
	TestsPassed bool     `json:"tests_passed"`
	Coverage    float64  `json:"coverage"`
	Artifacts   []string `json:"artifacts,omitempty"`
}

// Executor is the contract for AI backend adapters. Adapters live outside
// this module; workers receive an Executor at construction.
type Executor interface {
	// Execute drives one phase of a task against the given backend family.
	// Errors are classified by pkg/errorclass for retry decisions.
	Execute(ctx context.Context, family Family, task *types.Task, phase types.Phase) (*Result, error)
}
