package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sceneforge/internal/checks"
	"sceneforge/internal/domain"
	"sceneforge/internal/events"
	"sceneforge/internal/steps"
)

// Advance runs the step a claimed task stands for and persists the result.
// Step executors run outside any transaction; every write the result implies
// (artifacts, task completion, state transition, next enqueue) lands in one
// transaction guarded by the task lease and the ledger compare-and-swap, so
// a redelivered duplicate rolls back whole or commits whole, never half.
func (e Engine) Advance(ctx context.Context, task domain.Task, workerID string) error {
	it, err := e.Repo.GetIteration(ctx, task.IterationID)
	if err != nil {
		return err
	}
	scene, err := e.Repo.GetScene(ctx, it.SceneID)
	if err != nil {
		return err
	}

	// A task whose step no longer matches the ledger is a leftover from a
	// lost race or an expired lease; retire it without side effects.
	if it.Terminal() || it.State != task.Step {
		return e.retireStale(ctx, task, workerID)
	}
	if it.AbortRequested {
		return e.applyPendingAbort(ctx, task, workerID, it, scene.ProjectID)
	}

	switch task.Step {
	case domain.StatePlanScene:
		return e.advancePlan(ctx, task, workerID, it, scene)
	case domain.StateDraftScene:
		return e.advanceDraft(ctx, task, workerID, it, scene)
	case domain.StateExtractFacts:
		return e.advanceExtract(ctx, task, workerID, it, scene)
	case domain.StateRunChecks:
		return e.advanceChecks(ctx, task, workerID, it, scene)
	case domain.StateRevise:
		return e.advanceRevise(ctx, task, workerID, it, scene)
	default:
		return steps.PermanentError{Err: fmt.Errorf("unknown step %q", task.Step)}
	}
}

func (e Engine) retireStale(ctx context.Context, task domain.Task, workerID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Queue.CompleteTx(ctx, tx, task.ID, workerID, mustJSON(taskPayload{Stale: true})); err != nil {
		return err
	}
	return tx.Commit()
}

// applyPendingAbort finalizes an abort that arrived while the task was
// leased. The task retires and the iteration terminates in one transaction,
// before any forward work happens.
func (e Engine) applyPendingAbort(ctx context.Context, task domain.Task, workerID string, it domain.Iteration, projectID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Queue.CompleteTx(ctx, tx, task.ID, workerID, mustJSON(taskPayload{Stale: true})); err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := it
	it.State = domain.StateAborted
	it.Outcome = domain.OutcomeAborted
	it.AbortRequested = false
	applied, err := e.Repo.ApplyTransition(ctx, tx, it, from.State, from.AttemptCount, now)
	if err != nil {
		return err
	}
	if !applied {
		return ErrStaleTransition
	}
	if err := e.Events.Append(ctx, tx, "run.aborted", projectID, "iteration", it.ID, workerID, events.EventPayload{
		"outcome": domain.OutcomeAborted,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func decodePayload(task domain.Task) (taskPayload, error) {
	var p taskPayload
	if task.InputJSON == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(task.InputJSON), &p); err != nil {
		return p, steps.PermanentError{Err: fmt.Errorf("task %s input: %w", task.ID, err)}
	}
	return p, nil
}

func sceneCard(scene domain.Scene) (map[string]any, error) {
	card := map[string]any{}
	if scene.CardJSON != "" {
		if err := json.Unmarshal([]byte(scene.CardJSON), &card); err != nil {
			return nil, steps.PermanentError{Err: fmt.Errorf("scene %s card: %w", scene.ID, err)}
		}
	}
	return card, nil
}

// finish commits the step result: task done, ledger transition, optional
// next task, all inside tx. nextStep empty means terminal, nothing enqueued.
// The iteration is re-read through tx first: an abort accepted while the
// executor ran wins over the step result, terminating the run instead of
// applying the forward transition. Returns whether the run aborted.
func (e Engine) finish(ctx context.Context, tx *sql.Tx, task domain.Task, workerID string, scene domain.Scene, from, to domain.Iteration, output taskPayload, nextStep string, nextInput taskPayload) (bool, error) {
	if err := e.Queue.CompleteTx(ctx, tx, task.ID, workerID, mustJSON(output)); err != nil {
		return false, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	cur, err := e.Repo.GetIterationTx(ctx, tx, from.ID)
	if err != nil {
		return false, err
	}
	if cur.AbortRequested {
		end := from
		end.State = domain.StateAborted
		end.Outcome = domain.OutcomeAborted
		end.AbortRequested = false
		applied, err := e.Repo.ApplyTransition(ctx, tx, end, from.State, from.AttemptCount, now)
		if err != nil {
			return false, err
		}
		if !applied {
			return false, ErrStaleTransition
		}
		if err := e.Events.Append(ctx, tx, "run.aborted", scene.ProjectID, "iteration", end.ID, workerID, events.EventPayload{
			"outcome": domain.OutcomeAborted,
		}); err != nil {
			return false, err
		}
		return true, nil
	}
	applied, err := e.Repo.ApplyTransition(ctx, tx, to, from.State, from.AttemptCount, now)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, ErrStaleTransition
	}
	if nextStep != "" {
		if _, err := e.Queue.EnqueueTx(ctx, tx, to.ID, nextStep, mustJSON(nextInput)); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (e Engine) advancePlan(ctx context.Context, task domain.Task, workerID string, it domain.Iteration, scene domain.Scene) error {
	card, err := sceneCard(scene)
	if err != nil {
		return err
	}
	plan, err := e.Generator.PlanScene(ctx, card)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	from := it
	it.State = domain.StateDraftScene
	payload := taskPayload{SceneID: scene.ID, Plan: &plan}
	if _, err := e.finish(ctx, tx, task, workerID, scene, from, it, payload, domain.StateDraftScene, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) advanceDraft(ctx context.Context, task domain.Task, workerID string, it domain.Iteration, scene domain.Scene) error {
	in, err := decodePayload(task)
	if err != nil {
		return err
	}
	if in.Plan == nil {
		return steps.PermanentError{Err: fmt.Errorf("task %s: draft step without plan", task.ID)}
	}
	card, err := sceneCard(scene)
	if err != nil {
		return err
	}
	text, err := e.Generator.DraftScene(ctx, card, *in.Plan)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	draft, err := e.appendDraft(ctx, tx, scene, text, fmt.Sprintf("iteration %d initial draft", it.IterationNo), workerID)
	if err != nil {
		return err
	}
	from := it
	it.State = domain.StateExtractFacts
	payload := taskPayload{SceneID: scene.ID, DraftID: draft.ID, DraftVersion: draft.Version}
	if _, err := e.finish(ctx, tx, task, workerID, scene, from, it, payload, domain.StateExtractFacts, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) advanceExtract(ctx context.Context, task domain.Task, workerID string, it domain.Iteration, scene domain.Scene) error {
	in, err := decodePayload(task)
	if err != nil {
		return err
	}
	if in.DraftID == "" {
		return steps.PermanentError{Err: fmt.Errorf("task %s: extract step without draft", task.ID)}
	}
	draft, err := e.Repo.GetDraft(ctx, in.DraftID)
	if err != nil {
		return err
	}
	data, err := e.Generator.ExtractFacts(ctx, draft.Text)
	if err != nil {
		return err
	}
	summary, err := e.Generator.SummarizeScene(ctx, draft.Text)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	for _, fd := range data {
		f := domain.Fact{
			ID:          uuid.New().String(),
			DraftID:     draft.ID,
			FactType:    fd.FactType,
			SubjectType: fd.SubjectType,
			SubjectID:   fd.SubjectID,
			Predicate:   fd.Predicate,
			ObjectJSON:  mustJSON(fd.Object),
			Confidence:  fd.Confidence,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertFact(ctx, tx, f); err != nil {
			return err
		}
	}
	from := it
	it.State = domain.StateRunChecks
	payload := taskPayload{SceneID: scene.ID, DraftID: draft.ID, DraftVersion: draft.Version, Summary: summary}
	aborted, err := e.finish(ctx, tx, task, workerID, scene, from, it, payload, domain.StateRunChecks, payload)
	if err != nil {
		return err
	}
	if !aborted {
		if err := e.Events.Append(ctx, tx, "facts.extracted", scene.ProjectID, "draft", draft.ID, workerID, events.EventPayload{
			"iteration_id": it.ID,
			"count":        len(data),
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) advanceChecks(ctx context.Context, task domain.Task, workerID string, it domain.Iteration, scene domain.Scene) error {
	in, err := decodePayload(task)
	if err != nil {
		return err
	}
	if in.DraftID == "" {
		return steps.PermanentError{Err: fmt.Errorf("task %s: checks step without draft", task.ID)}
	}
	draft, err := e.Repo.GetDraft(ctx, in.DraftID)
	if err != nil {
		return err
	}
	facts, err := e.Repo.ListFacts(ctx, draft.ID)
	if err != nil {
		return err
	}
	previous, err := e.Repo.FactsBeforeDraft(ctx, scene.ID, draft.Version)
	if err != nil {
		return err
	}
	constraints, err := e.Repo.ListConstraints(ctx, scene.ProjectID)
	if err != nil {
		return err
	}
	style, err := e.effectiveStyle(ctx, scene.ProjectID)
	if err != nil {
		return err
	}
	results, allPassed := e.Checks.RunAll(checks.Input{
		DraftText:     draft.Text,
		Facts:         facts,
		PreviousFacts: previous,
		Constraints:   constraints,
		Style:         style,
	})

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	var failed []checks.Finding
	for _, res := range results {
		cr := domain.CheckRun{
			ID:           uuid.New().String(),
			IterationID:  it.ID,
			DraftID:      draft.ID,
			CheckType:    res.CheckType,
			Passed:       res.Passed,
			FindingsJSON: mustJSON(res.Findings),
			CreatedAt:    now,
		}
		if err := e.Repo.InsertCheckRun(ctx, tx, cr); err != nil {
			return err
		}
		if !res.Passed {
			failed = append(failed, res.Findings...)
		}
	}
	output := taskPayload{
		SceneID:      scene.ID,
		DraftID:      draft.ID,
		DraftVersion: draft.Version,
		AllPassed:    &allPassed,
		CheckCount:   len(results),
	}

	from := it
	var aborted bool
	switch {
	case allPassed:
		it.State = domain.StateCommit
		it.Outcome = domain.OutcomePassed
		v := draft.Version
		it.CommittedVersion = &v
		aborted, err = e.finish(ctx, tx, task, workerID, scene, from, it, output, "", taskPayload{})
		if err != nil {
			return err
		}
		if !aborted {
			if err := e.Events.Append(ctx, tx, "run.committed", scene.ProjectID, "iteration", it.ID, workerID, events.EventPayload{
				"scene_id":          scene.ID,
				"committed_version": draft.Version,
			}); err != nil {
				return err
			}
		}
	case it.AttemptCount < it.MaxAttempts:
		it.State = domain.StateRevise
		it.AttemptCount = from.AttemptCount + 1
		next := taskPayload{SceneID: scene.ID, DraftID: draft.ID, DraftVersion: draft.Version, Findings: failed}
		aborted, err = e.finish(ctx, tx, task, workerID, scene, from, it, output, domain.StateRevise, next)
		if err != nil {
			return err
		}
		if !aborted {
			if err := e.Events.Append(ctx, tx, "revision.started", scene.ProjectID, "iteration", it.ID, workerID, events.EventPayload{
				"attempt":  it.AttemptCount,
				"findings": len(failed),
			}); err != nil {
				return err
			}
		}
	default:
		it.State = domain.StateAborted
		it.Outcome = domain.OutcomeFailed
		aborted, err = e.finish(ctx, tx, task, workerID, scene, from, it, output, "", taskPayload{})
		if err != nil {
			return err
		}
		if !aborted {
			if err := e.Events.Append(ctx, tx, "run.aborted", scene.ProjectID, "iteration", it.ID, workerID, events.EventPayload{
				"outcome":  domain.OutcomeFailed,
				"reason":   "check budget exhausted",
				"attempts": it.AttemptCount,
			}); err != nil {
				return err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "checks.completed", scene.ProjectID, "draft", draft.ID, workerID, events.EventPayload{
		"iteration_id": it.ID,
		"all_passed":   allPassed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) advanceRevise(ctx context.Context, task domain.Task, workerID string, it domain.Iteration, scene domain.Scene) error {
	in, err := decodePayload(task)
	if err != nil {
		return err
	}
	if in.DraftID == "" {
		return steps.PermanentError{Err: fmt.Errorf("task %s: revise step without draft", task.ID)}
	}
	draft, err := e.Repo.GetDraft(ctx, in.DraftID)
	if err != nil {
		return err
	}
	findings := make([]steps.Finding, 0, len(in.Findings))
	for _, f := range in.Findings {
		findings = append(findings, steps.Finding{Severity: f.Severity, Issue: f.Issue, Suggestion: f.Suggestion})
	}
	text, err := e.Generator.ReviseDraft(ctx, draft.Text, findings)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	revised, err := e.appendDraft(ctx, tx, scene, text, fmt.Sprintf("iteration %d attempt %d revision", it.IterationNo, it.AttemptCount), workerID)
	if err != nil {
		return err
	}
	from := it
	it.State = domain.StateExtractFacts
	payload := taskPayload{SceneID: scene.ID, DraftID: revised.ID, DraftVersion: revised.Version}
	if _, err := e.finish(ctx, tx, task, workerID, scene, from, it, payload, domain.StateExtractFacts, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// appendDraft writes the next draft version and its event. Version
// assignment and insert share the transaction so concurrent writers cannot
// race the unique (scene_id, version) index.
func (e Engine) appendDraft(ctx context.Context, tx *sql.Tx, scene domain.Scene, text, notes, actorID string) (domain.Draft, error) {
	version, err := e.Repo.NextDraftVersion(ctx, tx, scene.ID)
	if err != nil {
		return domain.Draft{}, err
	}
	d := domain.Draft{
		ID:        uuid.New().String(),
		SceneID:   scene.ID,
		Version:   version,
		Text:      text,
		Notes:     notes,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, "draft.appended", scene.ProjectID, "draft", d.ID, actorID, events.EventPayload{
		"scene_id": scene.ID,
		"version":  version,
	}); err != nil {
		return domain.Draft{}, err
	}
	return d, nil
}
