package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"sceneforge/internal/db"
	"sceneforge/internal/domain"
	"sceneforge/internal/migrate"
	"sceneforge/internal/queue"
	"sceneforge/internal/repo"
)

type queueEnv struct {
	DB    *sql.DB
	Queue queue.Queue
	Repo  repo.Repo
	Ctx   context.Context
}

func newQueueEnv(t *testing.T) queueEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return queueEnv{DB: conn, Queue: queue.New(conn), Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
}

// seedIteration inserts a project, scene and iteration so task rows have
// valid foreign keys.
func (env queueEnv) seedIteration(t *testing.T, sceneNo int) domain.Iteration {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, projErr := env.Repo.GetProject(env.Ctx, "proj-1")
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if projErr != nil {
		if err := env.Repo.InsertProject(env.Ctx, tx, domain.Project{ID: "proj-1", Name: "p", CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	scene := domain.Scene{ID: uuid.New().String(), ProjectID: "proj-1", ChapterNo: 1, SceneNo: sceneNo, CardJSON: "{}", CreatedAt: now, UpdatedAt: now}
	if err := env.Repo.InsertScene(env.Ctx, tx, scene); err != nil {
		t.Fatal(err)
	}
	it := domain.Iteration{
		ID: uuid.New().String(), SceneID: scene.ID, IterationNo: 1,
		State: domain.StatePlanScene, AttemptCount: 1, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := env.Repo.InsertIteration(env.Ctx, tx, it); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return it
}

func (env queueEnv) enqueue(t *testing.T, iterationID, step string) domain.Task {
	t.Helper()
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	task, err := env.Queue.EnqueueTx(env.Ctx, tx, iterationID, step, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestClaimLeasesOldestPendingTask(t *testing.T) {
	env := newQueueEnv(t)
	it := env.seedIteration(t, 1)
	want := env.enqueue(t, it.ID, domain.StatePlanScene)

	got, err := env.Queue.Claim(env.Ctx, "w1", 60)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.ID != want.ID || got.Status != domain.TaskInProgress || got.Deliveries != 1 {
		t.Fatalf("task=%+v", got)
	}
	if got.LeaseOwner == nil || *got.LeaseOwner != "w1" {
		t.Fatalf("lease_owner=%v", got.LeaseOwner)
	}
	if _, err := env.Queue.Claim(env.Ctx, "w2", 60); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("second claim: want ErrEmpty, got %v", err)
	}
}

func TestClaimRedeliversAfterLeaseExpiry(t *testing.T) {
	env := newQueueEnv(t)
	it := env.seedIteration(t, 1)
	env.enqueue(t, it.ID, domain.StatePlanScene)

	first, err := env.Queue.Claim(env.Ctx, "w1", 60)
	if err != nil {
		t.Fatal(err)
	}
	env.Queue.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	second, err := env.Queue.Claim(env.Ctx, "w2", 60)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if second.ID != first.ID || second.Deliveries != 2 {
		t.Fatalf("id=%s deliveries=%d", second.ID, second.Deliveries)
	}
	if second.LeaseOwner == nil || *second.LeaseOwner != "w2" {
		t.Fatalf("lease_owner=%v", second.LeaseOwner)
	}
}

func TestClaimSkipsIterationWithLiveLease(t *testing.T) {
	env := newQueueEnv(t)
	it := env.seedIteration(t, 1)
	other := env.seedIteration(t, 2)
	env.enqueue(t, it.ID, domain.StatePlanScene)
	env.enqueue(t, it.ID, domain.StateDraftScene)
	otherTask := env.enqueue(t, other.ID, domain.StatePlanScene)

	if _, err := env.Queue.Claim(env.Ctx, "w1", 60); err != nil {
		t.Fatal(err)
	}
	// The same iteration's second task must wait; the other iteration's
	// task is still claimable.
	got, err := env.Queue.Claim(env.Ctx, "w2", 60)
	if err != nil {
		t.Fatalf("claim other iteration: %v", err)
	}
	if got.ID != otherTask.ID {
		t.Fatalf("claimed %s, want %s", got.ID, otherTask.ID)
	}
	if _, err := env.Queue.Claim(env.Ctx, "w3", 60); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("want ErrEmpty while both iterations leased, got %v", err)
	}
}

func TestCompleteRequiresLease(t *testing.T) {
	env := newQueueEnv(t)
	it := env.seedIteration(t, 1)
	env.enqueue(t, it.ID, domain.StatePlanScene)
	task, err := env.Queue.Claim(env.Ctx, "w1", 60)
	if err != nil {
		t.Fatal(err)
	}

	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Queue.CompleteTx(env.Ctx, tx, task.ID, "w2", "{}"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("complete by non-owner: want ErrLeaseLost, got %v", err)
	}
	tx.Rollback()

	tx, err = env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Queue.CompleteTx(env.Ctx, tx, task.ID, "w1", `{"ok":true}`); err != nil {
		t.Fatalf("complete by owner: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskDone || got.OutputJSON != `{"ok":true}` || got.LeaseOwner != nil {
		t.Fatalf("task=%+v", got)
	}
}

func TestReleaseReturnsTaskToPending(t *testing.T) {
	env := newQueueEnv(t)
	it := env.seedIteration(t, 1)
	env.enqueue(t, it.ID, domain.StatePlanScene)
	task, err := env.Queue.Claim(env.Ctx, "w1", 60)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Queue.Release(env.Ctx, task.ID, "w1", "backend timeout"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskPending || got.Error != "backend timeout" || got.Deliveries != 1 {
		t.Fatalf("task=%+v", got)
	}
	// Redelivery counts a second delivery.
	again, err := env.Queue.Claim(env.Ctx, "w2", 60)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != task.ID || again.Deliveries != 2 {
		t.Fatalf("deliveries=%d, want 2", again.Deliveries)
	}
}

func TestFailMarksTaskFailed(t *testing.T) {
	env := newQueueEnv(t)
	it := env.seedIteration(t, 1)
	env.enqueue(t, it.ID, domain.StatePlanScene)
	task, err := env.Queue.Claim(env.Ctx, "w1", 60)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Queue.FailTx(env.Ctx, tx, task.ID, "w1", "bad card"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskFailed || got.Error != "bad card" {
		t.Fatalf("task=%+v", got)
	}
	if _, err := env.Queue.Claim(env.Ctx, "w2", 60); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("failed task must not redeliver, got %v", err)
	}
}

func TestRenewExtendsOnlyOwnersLease(t *testing.T) {
	env := newQueueEnv(t)
	it := env.seedIteration(t, 1)
	env.enqueue(t, it.ID, domain.StatePlanScene)
	task, err := env.Queue.Claim(env.Ctx, "w1", 60)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Queue.Renew(env.Ctx, task.ID, "w2", 60); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("renew by non-owner: want ErrLeaseLost, got %v", err)
	}
	if err := env.Queue.Renew(env.Ctx, task.ID, "w1", 120); err != nil {
		t.Fatalf("renew by owner: %v", err)
	}
}
