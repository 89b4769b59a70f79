package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sceneforge/internal/checks"
	"sceneforge/internal/config"
	"sceneforge/internal/domain"
	"sceneforge/internal/events"
	"sceneforge/internal/queue"
	"sceneforge/internal/repo"
	"sceneforge/internal/steps"
)

// Engine is the iteration state machine. It owns every mutation of the
// iteration ledger; external callers only start, observe and abort runs.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Queue     queue.Queue
	Config    *config.Config
	Generator steps.Generator
	Checks    *checks.Registry
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gen steps.Generator, reg *checks.Registry) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Queue:     queue.New(db),
		Config:    cfg,
		Generator: gen,
		Checks:    reg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// taskPayload is the context handed from one task to the next, mirroring
// the artifacts each step produced.
type taskPayload struct {
	SceneID      string           `json:"scene_id"`
	DraftID      string           `json:"draft_id,omitempty"`
	DraftVersion int              `json:"draft_version,omitempty"`
	Plan         *steps.Plan      `json:"plan,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	Findings     []checks.Finding `json:"findings,omitempty"`
	AllPassed    *bool            `json:"all_passed,omitempty"`
	CheckCount   int              `json:"check_count,omitempty"`
	Stale        bool             `json:"stale,omitempty"`
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// StartRun creates a new iteration for the scene and enqueues its first
// task. Fails with ErrConflict if a non-terminal iteration already exists
// for the scene; the check and the enqueue share one transaction.
func (e Engine) StartRun(ctx context.Context, sceneID string, maxAttempts int, actorID string) (domain.Iteration, error) {
	if e.Config == nil {
		return domain.Iteration{}, errors.New("config not loaded")
	}
	if maxAttempts <= 0 {
		maxAttempts = e.Config.Pipeline.MaxAttempts
	}
	scene, err := e.Repo.GetScene(ctx, sceneID)
	if err != nil {
		return domain.Iteration{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Iteration{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.ActiveIterationTx(ctx, tx, sceneID); err == nil {
		return domain.Iteration{}, fmt.Errorf("scene %s: %w", sceneID, ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Iteration{}, err
	}
	no, err := e.Repo.NextIterationNo(ctx, tx, sceneID)
	if err != nil {
		return domain.Iteration{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	it := domain.Iteration{
		ID:           uuid.New().String(),
		SceneID:      sceneID,
		IterationNo:  no,
		State:        domain.StatePlanScene,
		AttemptCount: 1,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertIteration(ctx, tx, it); err != nil {
		return domain.Iteration{}, err
	}
	input := mustJSON(taskPayload{SceneID: sceneID})
	if _, err := e.Queue.EnqueueTx(ctx, tx, it.ID, domain.StatePlanScene, input); err != nil {
		return domain.Iteration{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.started", scene.ProjectID, "iteration", it.ID, actorID, events.EventPayload{
		"scene_id":     sceneID,
		"iteration_no": no,
		"max_attempts": maxAttempts,
	}); err != nil {
		return domain.Iteration{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Iteration{}, err
	}
	return it, nil
}

// IterationStatus is the queryable record of a run: current state plus the
// full check-run and task history in creation order.
type IterationStatus struct {
	Iteration domain.Iteration  `json:"iteration"`
	CheckRuns []domain.CheckRun `json:"check_runs"`
	Tasks     []domain.Task     `json:"tasks"`
}

func (e Engine) GetIteration(ctx context.Context, id string) (IterationStatus, error) {
	it, err := e.Repo.GetIteration(ctx, id)
	if err != nil {
		return IterationStatus{}, err
	}
	runs, err := e.Repo.ListCheckRuns(ctx, id)
	if err != nil {
		return IterationStatus{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, id)
	if err != nil {
		return IterationStatus{}, err
	}
	return IterationStatus{Iteration: it, CheckRuns: runs, Tasks: tasks}, nil
}

// AbortRun aborts the iteration immediately when no task is leased;
// otherwise it records a pending abort, honored before the leased task's
// result commits, so an in-flight step cannot resurrect a cancelled run.
func (e Engine) AbortRun(ctx context.Context, iterationID, actorID string) (domain.Iteration, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Iteration{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetIterationTx(ctx, tx, iterationID)
	if err != nil {
		return it, err
	}
	if it.Terminal() {
		return it, ErrTerminal
	}
	scene, err := e.Repo.GetSceneTx(ctx, tx, it.SceneID)
	if err != nil {
		return it, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	leased, err := e.Queue.HasLiveLease(ctx, tx, iterationID)
	if err != nil {
		return it, err
	}
	if leased {
		if err := e.Repo.RequestAbort(ctx, tx, iterationID, now); err != nil {
			return it, err
		}
		if err := e.Events.Append(ctx, tx, "run.abort_requested", scene.ProjectID, "iteration", it.ID, actorID, nil); err != nil {
			return it, err
		}
		if err := tx.Commit(); err != nil {
			return it, err
		}
		it.AbortRequested = true
		it.UpdatedAt = now
		return it, nil
	}

	from := it
	it.State = domain.StateAborted
	it.Outcome = domain.OutcomeAborted
	it.AbortRequested = false
	applied, err := e.Repo.ApplyTransition(ctx, tx, it, from.State, from.AttemptCount, now)
	if err != nil {
		return it, err
	}
	if !applied {
		return it, ErrStaleTransition
	}
	if err := e.Events.Append(ctx, tx, "run.aborted", scene.ProjectID, "iteration", it.ID, actorID, events.EventPayload{
		"outcome": domain.OutcomeAborted,
	}); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.UpdatedAt = now
	return it, nil
}

// FailRun terminates the iteration after a permanent executor error or an
// exhausted redelivery budget. The failed task and the abort share one
// transaction.
func (e Engine) FailRun(ctx context.Context, task domain.Task, workerID string, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetIterationTx(ctx, tx, task.IterationID)
	if err != nil {
		return err
	}
	scene, err := e.Repo.GetSceneTx(ctx, tx, it.SceneID)
	if err != nil {
		return err
	}
	if err := e.Queue.FailTx(ctx, tx, task.ID, workerID, cause.Error()); err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if !it.Terminal() {
		from := it
		it.State = domain.StateAborted
		it.Outcome = domain.OutcomeFailed
		it.AbortRequested = false
		// CAS may find a moved state; the task failure still commits.
		if _, err := e.Repo.ApplyTransition(ctx, tx, it, from.State, from.AttemptCount, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "run.aborted", scene.ProjectID, "iteration", it.ID, workerID, events.EventPayload{
			"outcome": domain.OutcomeFailed,
			"error":   cause.Error(),
		}); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.failed", scene.ProjectID, "task", task.ID, workerID, events.EventPayload{
		"step":  task.Step,
		"error": cause.Error(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// effectiveStyle layers the latest style bible over the config defaults.
func (e Engine) effectiveStyle(ctx context.Context, projectID string) (config.Style, error) {
	style := e.Config.Style
	bible, err := e.Repo.LatestStyleBible(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return style, nil
	}
	if err != nil {
		return style, err
	}
	if err := json.Unmarshal([]byte(bible.ContentJSON), &style); err != nil {
		return style, fmt.Errorf("style bible v%d: %w", bible.Version, err)
	}
	return style, nil
}
