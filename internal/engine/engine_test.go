package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"sceneforge/internal/checks"
	"sceneforge/internal/config"
	"sceneforge/internal/db"
	"sceneforge/internal/domain"
	"sceneforge/internal/engine"
	"sceneforge/internal/migrate"
	"sceneforge/internal/queue"
	"sceneforge/internal/steps"
)

type testEnv struct {
	Engine engine.Engine
	Scene  domain.Scene
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	if mutate != nil {
		mutate(cfg)
	}
	reg, err := checks.FromConfig(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng := engine.New(conn, cfg, steps.Stub{}, reg)
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := eng.Repo.UpsertProjectConfig(ctx, "proj-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	scene, err := eng.CreateScene(ctx, "proj-1", 1, 1, map[string]any{"title": "The Meeting", "tone": "tense"}, "tester")
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}
	return testEnv{Engine: eng, Scene: scene, Ctx: ctx}
}

func drain(t *testing.T, e engine.Engine) {
	t.Helper()
	w := engine.NewWorker(e)
	if err := w.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestRunCommitsWhenChecksPass(t *testing.T) {
	env := newTestEnv(t, nil)
	// Freeze the clocks so every row carries the same second-resolution
	// timestamp; history order must not depend on timestamps.
	frozen := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return frozen }
	env.Engine.Queue.Now = env.Engine.Now
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if it.State != domain.StatePlanScene || it.AttemptCount != 1 {
		t.Fatalf("fresh run state=%s attempt=%d", it.State, it.AttemptCount)
	}
	drain(t, env.Engine)

	st, err := env.Engine.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("get iteration: %v", err)
	}
	got := st.Iteration
	if got.State != domain.StateCommit || got.Outcome != domain.OutcomePassed {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt_count=%d, want 1", got.AttemptCount)
	}
	if got.CommittedVersion == nil || *got.CommittedVersion != 1 {
		t.Fatalf("committed_version=%v, want 1", got.CommittedVersion)
	}

	drafts, err := env.Engine.Repo.ListDrafts(env.Ctx, env.Scene.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 || drafts[0].Version != 1 {
		t.Fatalf("drafts=%d", len(drafts))
	}
	facts, err := env.Engine.Repo.ListFacts(env.Ctx, drafts[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 3 {
		t.Fatalf("facts=%d, want 3", len(facts))
	}
	wantChecks := []string{"continuity", "style"}
	if len(st.CheckRuns) != len(wantChecks) {
		t.Fatalf("check runs=%d, want %d", len(st.CheckRuns), len(wantChecks))
	}
	for i, cr := range st.CheckRuns {
		if cr.CheckType != wantChecks[i] {
			t.Fatalf("check_runs[%d]=%s, want %s", i, cr.CheckType, wantChecks[i])
		}
		if !cr.Passed {
			t.Fatalf("check %s failed: %s", cr.CheckType, cr.FindingsJSON)
		}
	}
	// The task history must come back in pipeline order.
	wantSteps := []string{domain.StatePlanScene, domain.StateDraftScene, domain.StateExtractFacts, domain.StateRunChecks}
	if len(st.Tasks) != len(wantSteps) {
		t.Fatalf("tasks=%d, want %d", len(st.Tasks), len(wantSteps))
	}
	for i, task := range st.Tasks {
		if task.Step != wantSteps[i] {
			t.Fatalf("tasks[%d]=%s, want %s", i, task.Step, wantSteps[i])
		}
		if task.Status != domain.TaskDone {
			t.Fatalf("task %s status=%s", task.Step, task.Status)
		}
	}
}

func TestSecondRunConflictsWhileActive(t *testing.T) {
	env := newTestEnv(t, nil)
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester"); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	drain(t, env.Engine)
	second, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester")
	if err != nil {
		t.Fatalf("start after terminal: %v", err)
	}
	if second.IterationNo != it.IterationNo+1 {
		t.Fatalf("iteration_no=%d, want %d", second.IterationNo, it.IterationNo+1)
	}
}

func TestRunFailsWhenAttemptBudgetExhausted(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		// The stub draft always contains this word, so style never passes.
		cfg.Style.ForbiddenWords = []string{"anticipation"}
	})
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 2, "tester")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, env.Engine)

	st, err := env.Engine.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := st.Iteration
	if got.State != domain.StateAborted || got.Outcome != domain.OutcomeFailed {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("attempt_count=%d, want 2", got.AttemptCount)
	}
	if got.CommittedVersion != nil {
		t.Fatalf("committed_version=%v, want nil", got.CommittedVersion)
	}
	drafts, err := env.Engine.Repo.ListDrafts(env.Ctx, env.Scene.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 2 {
		t.Fatalf("drafts=%d, want 2 (original + one revision)", len(drafts))
	}
	styleRuns := 0
	for _, cr := range st.CheckRuns {
		if cr.CheckType == "style" {
			styleRuns++
			if cr.Passed {
				t.Fatalf("style run unexpectedly passed")
			}
		}
	}
	if styleRuns != 2 {
		t.Fatalf("style check runs=%d, want 2", styleRuns)
	}
}

// flakyCheck fails its first evaluation and passes afterwards, standing in
// for a finding the revision actually fixes.
type flakyCheck struct {
	calls int
}

func (c *flakyCheck) Name() string { return "flaky" }

func (c *flakyCheck) Run(in checks.Input) checks.Result {
	c.calls++
	if c.calls == 1 {
		return checks.Result{CheckType: "flaky", Passed: false, Findings: []checks.Finding{
			{Severity: "error", Issue: "pacing sags in the middle", Suggestion: "tighten the second beat"},
		}}
	}
	return checks.Result{CheckType: "flaky", Passed: true}
}

func TestRevisionCommitsOnceCheckPasses(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Checks = checks.NewRegistry(&flakyCheck{})
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 3, "tester")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, env.Engine)

	st, err := env.Engine.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := st.Iteration
	if got.State != domain.StateCommit || got.Outcome != domain.OutcomePassed {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("attempt_count=%d, want 2", got.AttemptCount)
	}
	if got.CommittedVersion == nil || *got.CommittedVersion != 2 {
		t.Fatalf("committed_version=%v, want 2", got.CommittedVersion)
	}
	drafts, err := env.Engine.Repo.ListDrafts(env.Ctx, env.Scene.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 2 {
		t.Fatalf("drafts=%d, want 2", len(drafts))
	}
}

func TestAbortPendingRun(t *testing.T) {
	env := newTestEnv(t, nil)
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester")
	if err != nil {
		t.Fatal(err)
	}
	aborted, err := env.Engine.AbortRun(env.Ctx, it.ID, "tester")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if aborted.State != domain.StateAborted || aborted.Outcome != domain.OutcomeAborted {
		t.Fatalf("state=%s outcome=%s", aborted.State, aborted.Outcome)
	}
	// The queued task retires without doing any work.
	drain(t, env.Engine)
	drafts, err := env.Engine.Repo.ListDrafts(env.Ctx, env.Scene.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 0 {
		t.Fatalf("drafts=%d, want 0 after abort", len(drafts))
	}
	if _, err := env.Engine.AbortRun(env.Ctx, it.ID, "tester"); !errors.Is(err, engine.ErrTerminal) {
		t.Fatalf("abort terminal run: want ErrTerminal, got %v", err)
	}
}

func TestAbortWhileLeasedAppliesAtNextAdvance(t *testing.T) {
	env := newTestEnv(t, nil)
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester")
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.Queue.Claim(env.Ctx, "worker-a", 60)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	pending, err := env.Engine.AbortRun(env.Ctx, it.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if pending.State != domain.StatePlanScene || !pending.AbortRequested {
		t.Fatalf("state=%s abort_requested=%v, want pending abort", pending.State, pending.AbortRequested)
	}

	if err := env.Engine.Advance(env.Ctx, task, "worker-a"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := env.Engine.Repo.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateAborted || got.Outcome != domain.OutcomeAborted {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
	drafts, err := env.Engine.Repo.ListDrafts(env.Ctx, env.Scene.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 0 {
		t.Fatalf("drafts=%d, want 0", len(drafts))
	}
}

// abortingGen cancels its own run from inside the executor, standing in for
// an editor abort that lands after the worker snapshotted the iteration but
// before the step result commits.
type abortingGen struct {
	steps.Stub
	eng         engine.Engine
	iterationID string
}

func (g abortingGen) PlanScene(ctx context.Context, card map[string]any) (steps.Plan, error) {
	if _, err := g.eng.AbortRun(ctx, g.iterationID, "editor"); err != nil {
		return steps.Plan{}, err
	}
	return g.Stub.PlanScene(ctx, card)
}

func TestAbortDuringStepWinsOverStepResult(t *testing.T) {
	env := newTestEnv(t, nil)
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester")
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.Generator = abortingGen{eng: env.Engine, iterationID: it.ID}
	task, err := env.Engine.Queue.Claim(env.Ctx, "worker-a", 60)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.Engine.Advance(env.Ctx, task, "worker-a"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := env.Engine.Repo.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateAborted || got.Outcome != domain.OutcomeAborted {
		t.Fatalf("state=%s outcome=%s, want aborted", got.State, got.Outcome)
	}
	if got.AbortRequested {
		t.Fatalf("abort_requested still set on terminal iteration")
	}
	// The plan result must not have moved the run forward.
	pending, err := env.Engine.Queue.Pending(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 {
		t.Fatalf("pending tasks=%d, want 0", pending)
	}
	done, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.TaskDone {
		t.Fatalf("task status=%s, want done", done.Status)
	}
}

func TestRedeliveredTaskDiscardedAfterLeaseLoss(t *testing.T) {
	env := newTestEnv(t, nil)
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester")
	if err != nil {
		t.Fatal(err)
	}
	taskA, err := env.Engine.Queue.Claim(env.Ctx, "worker-a", 60)
	if err != nil {
		t.Fatal(err)
	}

	// Worker A stalls; the lease expires and worker B gets the redelivery.
	env.Engine.Queue.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	taskB, err := env.Engine.Queue.Claim(env.Ctx, "worker-b", 60)
	if err != nil {
		t.Fatalf("redelivery claim: %v", err)
	}
	if taskB.ID != taskA.ID || taskB.Deliveries != 2 {
		t.Fatalf("task=%s deliveries=%d", taskB.ID, taskB.Deliveries)
	}
	if err := env.Engine.Advance(env.Ctx, taskB, "worker-b"); err != nil {
		t.Fatalf("advance by b: %v", err)
	}

	// A wakes up; its delivery must roll back whole, leaving B's result.
	err = env.Engine.Advance(env.Ctx, taskA, "worker-a")
	if !errors.Is(err, queue.ErrLeaseLost) && !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("want lease-lost or stale, got %v", err)
	}

	got, err := env.Engine.Repo.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateDraftScene {
		t.Fatalf("state=%s, want DRAFT_SCENE", got.State)
	}
	drain(t, env.Engine)
	drafts, err := env.Engine.Repo.ListDrafts(env.Ctx, env.Scene.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 {
		t.Fatalf("drafts=%d, want exactly 1 despite redelivery", len(drafts))
	}
}

// transientGen fails every PlanScene call with a retryable error.
type transientGen struct {
	steps.Stub
}

func (transientGen) PlanScene(ctx context.Context, card map[string]any) (steps.Plan, error) {
	return steps.Plan{}, steps.TransientError{Err: fmt.Errorf("backend timeout")}
}

func TestTransientFailureExhaustsDeliveryBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Generator = transientGen{}
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, env.Engine)

	st, err := env.Engine.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := st.Iteration
	if got.State != domain.StateAborted || got.Outcome != domain.OutcomeFailed {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
	if len(st.Tasks) != 1 {
		t.Fatalf("tasks=%d, want 1", len(st.Tasks))
	}
	task := st.Tasks[0]
	if task.Status != domain.TaskFailed {
		t.Fatalf("task status=%s, want failed", task.Status)
	}
	if task.Deliveries != env.Engine.Config.Pipeline.MaxDeliveries {
		t.Fatalf("deliveries=%d, want %d", task.Deliveries, env.Engine.Config.Pipeline.MaxDeliveries)
	}
	if task.Error == "" {
		t.Fatalf("task error not recorded")
	}
}

// permanentGen rejects the scene outright.
type permanentGen struct {
	steps.Stub
}

func (permanentGen) PlanScene(ctx context.Context, card map[string]any) (steps.Plan, error) {
	return steps.Plan{}, steps.PermanentError{Err: fmt.Errorf("scene card is unusable")}
}

func TestPermanentFailureAbortsImmediately(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Generator = permanentGen{}
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, env.Engine)

	st, err := env.Engine.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := st.Iteration
	if got.State != domain.StateAborted || got.Outcome != domain.OutcomeFailed {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
	if len(st.Tasks) != 1 || st.Tasks[0].Deliveries != 1 {
		t.Fatalf("tasks=%d deliveries=%d, want one delivery", len(st.Tasks), st.Tasks[0].Deliveries)
	}
}

func TestConstraintFailureDrivesRevision(t *testing.T) {
	env := newTestEnv(t, nil)
	// Character 99 never appears in stub facts, so continuity fails every
	// attempt until the budget runs out.
	if _, err := env.Engine.AddConstraint(env.Ctx, "proj-1", "continuity", "error",
		map[string]any{"type": "character_must_appear", "character_id": "99"}, "tester"); err != nil {
		t.Fatal(err)
	}
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 2, "tester")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, env.Engine)

	got, err := env.Engine.Repo.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateAborted || got.Outcome != domain.OutcomeFailed || got.AttemptCount != 2 {
		t.Fatalf("state=%s outcome=%s attempt=%d", got.State, got.Outcome, got.AttemptCount)
	}
}

func TestStyleBibleOverridesConfigDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.PutStyleBible(env.Ctx, "proj-1", map[string]any{
		"pov":             "third",
		"min_word_count":  100,
		"max_word_count":  5000,
		"forbidden_words": []string{"anticipation"},
	}, "tester"); err != nil {
		t.Fatal(err)
	}
	it, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 2, "tester")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, env.Engine)

	got, err := env.Engine.Repo.GetIteration(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome=%s, want failed via style bible forbidden word", got.Outcome)
	}
}

func TestEventLogRecordsRunLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.StartRun(env.Ctx, env.Scene.ID, 0, "tester"); err != nil {
		t.Fatal(err)
	}
	drain(t, env.Engine)

	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 100, 0, "proj-1", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, evt := range evts {
		types[evt.Type] = true
	}
	for _, want := range []string{"run.started", "draft.appended", "facts.extracted", "checks.completed", "run.committed"} {
		if !types[want] {
			t.Fatalf("missing event %s (got %v)", want, types)
		}
	}
}
