// Package queue is the durable task queue for iteration-advancing work.
// Tasks live in the same SQLite database as the ledger so enqueues share
// the transaction that records the state change they belong to.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"sceneforge/internal/domain"
)

var (
	// ErrEmpty means no task is currently claimable.
	ErrEmpty = errors.New("queue empty")
	// ErrLeaseLost means the worker no longer holds the task's lease.
	ErrLeaseLost = errors.New("task lease lost")
)

type Queue struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Queue {
	return Queue{DB: db, Now: time.Now}
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// EnqueueTx inserts a pending task inside the caller's transaction, so the
// task is never lost relative to the state change being committed.
func (q Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, iterationID, step, inputJSON string) (domain.Task, error) {
	now := q.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:          uuid.New().String(),
		IterationID: iterationID,
		Step:        step,
		Status:      domain.TaskPending,
		InputJSON:   inputJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,iteration_id,step,status,deliveries,input_json,created_at,updated_at) VALUES (?,?,?,?,0,?,?,?)`,
		t.ID, t.IterationID, t.Step, t.Status, t.InputJSON, t.CreatedAt, t.UpdatedAt)
	return t, err
}

// Claim leases the oldest claimable task for workerID. A task is claimable
// when it is pending, or in progress with an expired lease (redelivery).
// Iterations that already have a live in-progress task are skipped, which
// keeps the state machine single-threaded per iteration.
func (q Queue) Claim(ctx context.Context, workerID string, leaseSeconds int) (domain.Task, error) {
	now := q.now().UTC()
	nowStr := now.Format(time.RFC3339)
	var id string
	err := q.DB.QueryRowContext(ctx, `SELECT t.id FROM tasks t
WHERE (t.status='pending' OR (t.status='in_progress' AND t.lease_expires_at < ?))
AND NOT EXISTS (
    SELECT 1 FROM tasks o
    WHERE o.iteration_id=t.iteration_id AND o.id != t.id
    AND o.status='in_progress' AND o.lease_expires_at >= ?
)
ORDER BY t.rowid LIMIT 1`, nowStr, nowStr).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrEmpty
	}
	if err != nil {
		return domain.Task{}, err
	}
	expires := now.Add(time.Duration(leaseSeconds) * time.Second).Format(time.RFC3339)
	res, err := q.DB.ExecContext(ctx, `UPDATE tasks SET status='in_progress', deliveries=deliveries+1, lease_owner=?, lease_expires_at=?, updated_at=?
WHERE id=? AND (status='pending' OR (status='in_progress' AND lease_expires_at < ?))`,
		workerID, expires, nowStr, id, nowStr)
	if err != nil {
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the claim race; let the caller poll again.
		return domain.Task{}, ErrEmpty
	}
	return q.get(ctx, id)
}

// Renew extends the lease while a step executor is still running.
func (q Queue) Renew(ctx context.Context, taskID, workerID string, leaseSeconds int) error {
	now := q.now().UTC()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second).Format(time.RFC3339)
	res, err := q.DB.ExecContext(ctx, `UPDATE tasks SET lease_expires_at=?, updated_at=? WHERE id=? AND lease_owner=? AND status='in_progress'`,
		expires, now.Format(time.RFC3339), taskID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CompleteTx marks the task done inside the caller's transaction. Fails with
// ErrLeaseLost if another worker took the lease in the meantime, which makes
// the caller's whole transaction roll back.
func (q Queue) CompleteTx(ctx context.Context, tx *sql.Tx, taskID, workerID, outputJSON string) error {
	now := q.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='done', output_json=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=? WHERE id=? AND lease_owner=? AND status='in_progress'`,
		outputJSON, now, taskID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release puts a transiently failed task back to pending for redelivery,
// recording the error.
func (q Queue) Release(ctx context.Context, taskID, workerID, errMsg string) error {
	now := q.now().UTC().Format(time.RFC3339)
	res, err := q.DB.ExecContext(ctx, `UPDATE tasks SET status='pending', error=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=? WHERE id=? AND lease_owner=? AND status='in_progress'`,
		errMsg, now, taskID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FailTx marks the task permanently failed inside the caller's transaction.
func (q Queue) FailTx(ctx context.Context, tx *sql.Tx, taskID, workerID, errMsg string) error {
	now := q.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='failed', error=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=? WHERE id=? AND lease_owner=? AND status='in_progress'`,
		errMsg, now, taskID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// HasLiveLease reports whether the iteration currently has an in-progress
// task with an unexpired lease. Used to defer external aborts.
func (q Queue) HasLiveLease(ctx context.Context, tx *sql.Tx, iterationID string) (bool, error) {
	nowStr := q.now().UTC().Format(time.RFC3339)
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE iteration_id=? AND status='in_progress' AND lease_expires_at >= ? LIMIT 1`, iterationID, nowStr).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Pending counts tasks still awaiting delivery.
func (q Queue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status IN ('pending','in_progress')`).Scan(&n)
	return n, err
}

func (q Queue) get(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	var output, errMsg, owner, expires sql.NullString
	err := q.DB.QueryRowContext(ctx, `SELECT id,iteration_id,step,status,deliveries,input_json,output_json,error,lease_owner,lease_expires_at,created_at,updated_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.IterationID, &t.Step, &t.Status, &t.Deliveries, &t.InputJSON, &output, &errMsg, &owner, &expires, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if output.Valid {
		t.OutputJSON = output.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if owner.Valid {
		t.LeaseOwner = &owner.String
	}
	if expires.Valid {
		t.LeaseExpiresAt = &expires.String
	}
	return t, nil
}
