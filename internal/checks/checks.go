// Package checks evaluates drafts and their extracted facts against project
// constraints and the style bible. A check fails only on error-severity
// findings; warnings and info are recorded but do not block commit.
package checks

import (
	"encoding/json"
	"fmt"

	"sceneforge/internal/config"
	"sceneforge/internal/domain"
)

type Finding struct {
	Severity     string `json:"severity"`
	Issue        string `json:"issue"`
	Suggestion   string `json:"suggestion,omitempty"`
	FactType     string `json:"fact_type,omitempty"`
	ConstraintID string `json:"constraint_id,omitempty"`
	Current      any    `json:"current,omitempty"`
	Previous     any    `json:"previous,omitempty"`
}

type Result struct {
	CheckType string    `json:"check_type"`
	Passed    bool      `json:"passed"`
	Findings  []Finding `json:"findings"`
}

// Input carries everything a check may read. Checks never mutate it.
type Input struct {
	DraftText     string
	Facts         []domain.Fact
	PreviousFacts []domain.Fact
	Constraints   []domain.Constraint
	Style         config.Style
}

type Check interface {
	Name() string
	Run(in Input) Result
}

// Registry is the named check set for a project, in evaluation order.
type Registry struct {
	checks []Check
}

func NewRegistry(checks ...Check) *Registry {
	return &Registry{checks: checks}
}

// FromConfig builds a registry from the enabled check names.
func FromConfig(cfg *config.Config) (*Registry, error) {
	var cs []Check
	for _, name := range cfg.Checks.Enabled {
		switch name {
		case "continuity":
			cs = append(cs, Continuity{})
		case "style":
			cs = append(cs, Style{})
		default:
			return nil, fmt.Errorf("unknown check %q", name)
		}
	}
	return NewRegistry(cs...), nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.checks))
	for _, c := range r.checks {
		names = append(names, c.Name())
	}
	return names
}

// RunAll evaluates every registered check. The aggregate verdict is pass
// only if all checks pass; there is no weighting.
func (r *Registry) RunAll(in Input) ([]Result, bool) {
	results := make([]Result, 0, len(r.checks))
	allPassed := true
	for _, c := range r.checks {
		res := c.Run(in)
		if !res.Passed {
			allPassed = false
		}
		results = append(results, res)
	}
	return results, allPassed
}

func hasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == "error" {
			return true
		}
	}
	return false
}

func factObject(f domain.Fact) any {
	var obj any
	if err := json.Unmarshal([]byte(f.ObjectJSON), &obj); err != nil {
		return f.ObjectJSON
	}
	return obj
}
