package steps_test

import (
	"context"
	"strings"
	"testing"

	"sceneforge/internal/steps"
)

func TestStubIsDeterministic(t *testing.T) {
	ctx := context.Background()
	card := map[string]any{"title": "The Meeting", "tone": "tense"}

	plan, err := steps.Stub{}.PlanScene(ctx, card)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Beats) != 5 || plan.Tone != "tense" {
		t.Fatalf("plan=%+v", plan)
	}

	a, err := steps.Stub{}.DraftScene(ctx, card, plan)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := steps.Stub{}.DraftScene(ctx, card, plan)
	if a != b {
		t.Fatalf("drafts differ between calls")
	}
	if !strings.Contains(a, "The Meeting") {
		t.Fatalf("draft missing title: %s", a)
	}

	factsA, err := steps.Stub{}.ExtractFacts(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	factsB, _ := steps.Stub{}.ExtractFacts(ctx, a)
	if len(factsA) != 3 || len(factsB) != 3 {
		t.Fatalf("facts=%d/%d, want 3", len(factsA), len(factsB))
	}
	for i := range factsA {
		if factsA[i].Predicate != factsB[i].Predicate || factsA[i].Object["hash"] != factsB[i].Object["hash"] {
			t.Fatalf("fact %d differs between calls", i)
		}
	}
	if factsA[0].SubjectID == nil || *factsA[0].SubjectID != "1" {
		t.Fatalf("character fact subject=%v", factsA[0].SubjectID)
	}
}

func TestStubRevisionPreservesOriginalText(t *testing.T) {
	ctx := context.Background()
	original := "The scene unfolds."
	revised, err := steps.Stub{}.ReviseDraft(ctx, original, []steps.Finding{
		{Severity: "error", Issue: "pacing sags"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(revised, original) {
		t.Fatalf("revision must append, not rewrite: %s", revised)
	}
	if !strings.Contains(revised, "pacing sags") {
		t.Fatalf("revision must reference the finding: %s", revised)
	}
}

func TestErrorClassification(t *testing.T) {
	if !steps.IsTransient(steps.TransientError{Err: context.DeadlineExceeded}) {
		t.Fatalf("transient error must be retryable")
	}
	if steps.IsTransient(steps.PermanentError{Err: context.Canceled}) {
		t.Fatalf("permanent error must not be retryable")
	}
	// Unclassified failures get the redelivery budget.
	if !steps.IsTransient(context.DeadlineExceeded) {
		t.Fatalf("unclassified error must count as transient")
	}
}
