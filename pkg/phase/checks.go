package phase

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cuemby/foreman/pkg/types"
)

// Required document artifacts per phase, with minimum non-empty line counts.
var requiredDocs = map[types.Phase]struct {
	name     string
	minLines int
}{
	types.PhaseBrainstorm: {"requirements.md", 3},
	types.PhaseDocument:   {"spec.md", 5},
	types.PhasePlan:       {"tech_design.md", 10},
}

var acceptanceCriteriaRe = regexp.MustCompile(`(?im)^#+\s*acceptance\s+criteria`)

// Section headings tech_design.md must contain.
var designSections = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^#+\s*approach`),
	regexp.MustCompile(`(?im)^#+\s*files`),
	regexp.MustCompile(`(?im)^#+\s*dependencies`),
}

// checkDocuments runs the phase-specific content check over the registered
// document artifacts.
func checkDocuments(ph types.Phase, artifacts []*types.Artifact) []string {
	req, ok := requiredDocs[ph]
	if !ok {
		return nil
	}

	var doc *types.Artifact
	for _, a := range artifacts {
		if filepath.Base(a.Path) == req.name {
			doc = a
			break
		}
	}
	if doc == nil {
		return []string{fmt.Sprintf("required artifact %s not registered for %s", req.name, ph)}
	}

	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return []string{fmt.Sprintf("failed to read %s: %v", req.name, err)}
	}
	content := string(data)

	var reasons []string
	if n := countNonEmptyLines(content); n < req.minLines {
		reasons = append(reasons, fmt.Sprintf("%s has %d non-empty lines, need at least %d",
			req.name, n, req.minLines))
	}

	switch ph {
	case types.PhaseDocument:
		if !acceptanceCriteriaRe.MatchString(content) {
			reasons = append(reasons, "spec.md is missing an acceptance criteria section")
		}
	case types.PhasePlan:
		for _, re := range designSections {
			if !re.MatchString(content) {
				reasons = append(reasons, fmt.Sprintf("tech_design.md is missing a section matching %q", re.String()))
			}
		}
	}
	return reasons
}

func countNonEmptyLines(content string) int {
	n := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
