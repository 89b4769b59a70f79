// Package steps defines the pluggable generation strategies the pipeline
// invokes. The engine treats every call as potentially side-effecting and
// at-least-once; implementations need not be deterministic, though Stub is.
package steps

import (
	"context"
	"errors"
	"fmt"
)

// Beat is one planned story beat.
type Beat struct {
	Order       int    `json:"order"`
	Description string `json:"description"`
}

// Plan is the artifact produced by the PLAN_SCENE step.
type Plan struct {
	Beats      []Beat `json:"beats"`
	Tone       string `json:"tone"`
	Pacing     string `json:"pacing"`
	WordTarget int    `json:"word_target"`
}

// FactData is an extracted claim before it is persisted as a domain.Fact.
type FactData struct {
	FactType    string         `json:"fact_type"`
	SubjectType string         `json:"subject_type"`
	SubjectID   *string        `json:"subject_id,omitempty"`
	Predicate   string         `json:"predicate"`
	Object      map[string]any `json:"object"`
	Confidence  float64        `json:"confidence"`
}

// Finding mirrors checks findings fed back into a revision.
type Finding struct {
	Severity   string `json:"severity"`
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Generator is the capability interface for the four generation steps.
// Real backends call a language model; Stub is the deterministic stand-in.
type Generator interface {
	PlanScene(ctx context.Context, card map[string]any) (Plan, error)
	DraftScene(ctx context.Context, card map[string]any, plan Plan) (string, error)
	ExtractFacts(ctx context.Context, draftText string) ([]FactData, error)
	SummarizeScene(ctx context.Context, draftText string) (string, error)
	ReviseDraft(ctx context.Context, draftText string, findings []Finding) (string, error)
}

// TransientError marks a step failure worth redelivering (timeouts, network).
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e TransientError) Unwrap() error { return e.Err }

// PermanentError marks a step failure that aborts the run (bad input,
// unsatisfiable constraint).
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried via task redelivery.
// Unclassified errors count as transient so flaky backends get their budget.
func IsTransient(err error) bool {
	var p PermanentError
	return !errors.As(err, &p)
}
