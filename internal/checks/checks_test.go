package checks_test

import (
	"strings"
	"testing"

	"sceneforge/internal/checks"
	"sceneforge/internal/config"
	"sceneforge/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestContinuityFlagsLowConfidenceFacts(t *testing.T) {
	res := checks.Continuity{}.Run(checks.Input{
		Facts: []domain.Fact{
			{FactType: "event", SubjectType: "scene", Predicate: "contains_event", ObjectJSON: `{"a":1}`, Confidence: 0.5},
		},
	})
	if !res.Passed {
		t.Fatalf("low confidence is a warning, not a failure")
	}
	if len(res.Findings) != 1 || res.Findings[0].Severity != "warning" {
		t.Fatalf("findings=%+v", res.Findings)
	}
}

func TestContinuityRequiredCharacterConstraint(t *testing.T) {
	constraint := domain.Constraint{
		ID:             "c1",
		ConstraintType: "continuity",
		RuleJSON:       `{"type":"character_must_appear","character_id":"7"}`,
		Severity:       "error",
	}
	missing := checks.Continuity{}.Run(checks.Input{Constraints: []domain.Constraint{constraint}})
	if missing.Passed {
		t.Fatalf("missing required character must fail the check")
	}
	if missing.Findings[0].ConstraintID != "c1" {
		t.Fatalf("finding=%+v", missing.Findings[0])
	}

	present := checks.Continuity{}.Run(checks.Input{
		Constraints: []domain.Constraint{constraint},
		Facts: []domain.Fact{
			{SubjectType: "character", SubjectID: strPtr("7"), Predicate: "appears_in_scene", ObjectJSON: `{}`, Confidence: 0.9},
		},
	})
	if !present.Passed {
		t.Fatalf("present character must pass: %+v", present.Findings)
	}
}

func TestContinuityDetectsContradiction(t *testing.T) {
	cur := domain.Fact{SubjectType: "character", SubjectID: strPtr("1"), Predicate: "eye_color", ObjectJSON: `{"color":"green"}`, Confidence: 0.9}
	prev := domain.Fact{SubjectType: "character", SubjectID: strPtr("1"), Predicate: "eye_color", ObjectJSON: `{"color":"blue"}`, Confidence: 0.9}
	res := checks.Continuity{}.Run(checks.Input{Facts: []domain.Fact{cur}, PreviousFacts: []domain.Fact{prev}})
	if res.Passed {
		t.Fatalf("contradiction must fail the check")
	}
	found := false
	for _, f := range res.Findings {
		if f.Severity == "error" && strings.Contains(f.Issue, "contradiction") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no contradiction finding: %+v", res.Findings)
	}

	same := checks.Continuity{}.Run(checks.Input{Facts: []domain.Fact{cur}, PreviousFacts: []domain.Fact{cur}})
	if !same.Passed {
		t.Fatalf("identical fact is not a contradiction: %+v", same.Findings)
	}
}

func longDraft(words int) string {
	return strings.Repeat("narrative prose continues onward here ", words/6+1)
}

func TestStyleWordCountBounds(t *testing.T) {
	short := checks.Style{}.Run(checks.Input{DraftText: "too short", Style: config.Style{MinWordCount: 100, MaxWordCount: 5000}})
	if !short.Passed {
		t.Fatalf("word count is a warning, not a failure")
	}
	if len(short.Findings) == 0 || short.Findings[0].Severity != "warning" {
		t.Fatalf("findings=%+v", short.Findings)
	}

	ok := checks.Style{}.Run(checks.Input{DraftText: longDraft(200), Style: config.Style{MinWordCount: 100, MaxWordCount: 5000}})
	for _, f := range ok.Findings {
		if strings.Contains(f.Issue, "too short") || strings.Contains(f.Issue, "too long") {
			t.Fatalf("unexpected word-count finding: %+v", f)
		}
	}
}

func TestStyleForbiddenWordFails(t *testing.T) {
	res := checks.Style{}.Run(checks.Input{
		DraftText: longDraft(150) + " a sense of anticipation lingered",
		Style:     config.Style{MinWordCount: 100, MaxWordCount: 5000, ForbiddenWords: []string{"anticipation"}},
	})
	if res.Passed {
		t.Fatalf("forbidden word must fail the check")
	}
	found := false
	for _, f := range res.Findings {
		if f.Severity == "error" && strings.Contains(f.Issue, "anticipation") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no forbidden-word finding: %+v", res.Findings)
	}
}

func TestStyleFirstPersonPOVBreak(t *testing.T) {
	res := checks.Style{}.Run(checks.Input{
		DraftText: longDraft(150) + ` "hello," he said quietly`,
		Style:     config.Style{MinWordCount: 100, MaxWordCount: 5000, POV: "first"},
	})
	if !res.Passed {
		t.Fatalf("POV break is a warning, not a failure")
	}
	found := false
	for _, f := range res.Findings {
		if strings.Contains(f.Issue, "POV break") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no POV finding: %+v", res.Findings)
	}
}

func TestRegistryFromConfig(t *testing.T) {
	cfg := config.Default("p")
	reg, err := checks.FromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "continuity" || names[1] != "style" {
		t.Fatalf("names=%v", names)
	}

	cfg.Checks.Enabled = []string{"nope"}
	if _, err := checks.FromConfig(cfg); err == nil {
		t.Fatalf("unknown check must error")
	}
}

func TestRunAllAggregatesVerdict(t *testing.T) {
	reg := checks.NewRegistry(checks.Continuity{}, checks.Style{})
	results, allPassed := reg.RunAll(checks.Input{
		DraftText: longDraft(150),
		Style:     config.Style{MinWordCount: 100, MaxWordCount: 5000, ForbiddenWords: []string{"onward"}},
	})
	if allPassed {
		t.Fatalf("style failure must fail the aggregate")
	}
	if len(results) != 2 || !results[0].Passed || results[1].Passed {
		t.Fatalf("results=%+v", results)
	}
}
