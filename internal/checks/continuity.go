package checks

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Continuity checks extracted facts against constraints and the established
// fact record from earlier drafts.
type Continuity struct{}

func (Continuity) Name() string { return "continuity" }

func (Continuity) Run(in Input) Result {
	var findings []Finding

	for _, fact := range in.Facts {
		if fact.Confidence < 0.7 {
			findings = append(findings, Finding{
				Severity:   "warning",
				Issue:      fmt.Sprintf("Low confidence fact (%.2f): %s", fact.Confidence, fact.Predicate),
				FactType:   fact.FactType,
				Suggestion: "Consider clarifying or removing ambiguous information",
			})
		}
	}

	// character_must_appear rules carry character ids from the author's own
	// notes. There is no character table; a rule holds whatever id the fact
	// extractor reports as the subject of character facts.
	for _, c := range in.Constraints {
		if c.ConstraintType != "continuity" {
			continue
		}
		var rule struct {
			Type        string `json:"type"`
			CharacterID string `json:"character_id"`
		}
		if err := json.Unmarshal([]byte(c.RuleJSON), &rule); err != nil {
			continue
		}
		if rule.Type == "character_must_appear" {
			present := false
			for _, fact := range in.Facts {
				if fact.SubjectType == "character" && fact.SubjectID != nil && *fact.SubjectID == rule.CharacterID {
					present = true
					break
				}
			}
			if !present {
				findings = append(findings, Finding{
					Severity:     c.Severity,
					Issue:        fmt.Sprintf("Required character %s does not appear in scene", rule.CharacterID),
					ConstraintID: c.ID,
					Suggestion:   "Add character to the scene",
				})
			}
		}
	}

	// Same subject and predicate as an established fact but a different
	// object is a potential contradiction.
	for _, fact := range in.Facts {
		for _, prev := range in.PreviousFacts {
			if fact.SubjectType != prev.SubjectType || fact.Predicate != prev.Predicate {
				continue
			}
			if !sameSubject(fact.SubjectID, prev.SubjectID) {
				continue
			}
			cur, old := factObject(fact), factObject(prev)
			if !reflect.DeepEqual(cur, old) {
				findings = append(findings, Finding{
					Severity:   "error",
					Issue:      fmt.Sprintf("Potential contradiction: %s differs from previous fact", fact.Predicate),
					Current:    cur,
					Previous:   old,
					Suggestion: "Reconcile the contradiction or justify the change",
				})
			}
		}
	}

	return Result{CheckType: "continuity", Passed: !hasErrors(findings), Findings: findings}
}

func sameSubject(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
