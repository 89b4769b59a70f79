package repo

import (
	"context"
	"database/sql"

	"sceneforge/internal/domain"
)

// Ledger queries: iterations, check runs and tasks. Writes that take part in
// a state transition go through *sql.Tx so they share the engine's
// transactional boundary.

func (r Repo) InsertIteration(ctx context.Context, tx *sql.Tx, it domain.Iteration) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO iterations(id,scene_id,iteration_no,state,attempt_count,max_attempts,outcome,committed_version,abort_requested,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.SceneID, it.IterationNo, it.State, it.AttemptCount, it.MaxAttempts,
		nullable(it.Outcome), nullableIntPtr(it.CommittedVersion), boolInt(it.AbortRequested), it.CreatedAt, it.UpdatedAt)
	return err
}

func scanIteration(scan func(dest ...any) error) (domain.Iteration, error) {
	var it domain.Iteration
	var outcome sql.NullString
	var committed sql.NullInt64
	var abort int
	err := scan(&it.ID, &it.SceneID, &it.IterationNo, &it.State, &it.AttemptCount, &it.MaxAttempts,
		&outcome, &committed, &abort, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if outcome.Valid {
		it.Outcome = outcome.String
	}
	if committed.Valid {
		v := int(committed.Int64)
		it.CommittedVersion = &v
	}
	it.AbortRequested = abort != 0
	return it, nil
}

const iterationColumns = `id,scene_id,iteration_no,state,attempt_count,max_attempts,outcome,committed_version,abort_requested,created_at,updated_at`

func (r Repo) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE id=?`, id)
	return scanIteration(row.Scan)
}

func (r Repo) GetIterationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Iteration, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE id=?`, id)
	return scanIteration(row.Scan)
}

// ActiveIteration returns the non-terminal iteration for a scene, if any.
func (r Repo) ActiveIterationTx(ctx context.Context, tx *sql.Tx, sceneID string) (domain.Iteration, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE scene_id=? AND state NOT IN (?,?) LIMIT 1`,
		sceneID, domain.StateCommit, domain.StateAborted)
	return scanIteration(row.Scan)
}

func (r Repo) NextIterationNo(ctx context.Context, tx *sql.Tx, sceneID string) (int, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(iteration_no) FROM iterations WHERE scene_id=?`, sceneID).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) ListIterations(ctx context.Context, sceneID string) ([]domain.Iteration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE scene_id=? ORDER BY iteration_no`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		it, err := scanIteration(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ApplyTransition is the single mutation point for iteration state. It
// compare-and-swaps on (state, attempt_count); zero rows affected means the
// caller lost a redelivery race.
func (r Repo) ApplyTransition(ctx context.Context, tx *sql.Tx, it domain.Iteration, fromState string, fromAttempt int, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE iterations SET state=?, attempt_count=?, outcome=?, committed_version=?, abort_requested=?, updated_at=?
WHERE id=? AND state=? AND attempt_count=?`,
		it.State, it.AttemptCount, nullable(it.Outcome), nullableIntPtr(it.CommittedVersion), boolInt(it.AbortRequested), updatedAt,
		it.ID, fromState, fromAttempt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RequestAbort marks the iteration for abort without touching its state.
func (r Repo) RequestAbort(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE iterations SET abort_requested=1, updated_at=? WHERE id=?`, updatedAt, id)
	return err
}

func (r Repo) InsertCheckRun(ctx context.Context, tx *sql.Tx, cr domain.CheckRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO check_runs(id,iteration_id,draft_id,check_type,passed,findings_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		cr.ID, cr.IterationID, cr.DraftID, cr.CheckType, boolInt(cr.Passed), cr.FindingsJSON, cr.CreatedAt)
	return err
}

// ListCheckRuns returns an iteration's verdicts in insertion order. rowid
// carries the order; created_at only has second resolution.
func (r Repo) ListCheckRuns(ctx context.Context, iterationID string) ([]domain.CheckRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,iteration_id,draft_id,check_type,passed,findings_json,created_at FROM check_runs WHERE iteration_id=? ORDER BY rowid`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckRun
	for rows.Next() {
		var cr domain.CheckRun
		var passed int
		if err := rows.Scan(&cr.ID, &cr.IterationID, &cr.DraftID, &cr.CheckType, &passed, &cr.FindingsJSON, &cr.CreatedAt); err != nil {
			return nil, err
		}
		cr.Passed = passed != 0
		res = append(res, cr)
	}
	return res, rows.Err()
}

const taskColumns = `id,iteration_id,step,status,deliveries,input_json,output_json,error,lease_owner,lease_expires_at,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var output, errMsg, owner, expires sql.NullString
	err := scan(&t.ID, &t.IterationID, &t.Step, &t.Status, &t.Deliveries, &t.InputJSON, &output, &errMsg, &owner, &expires, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
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

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) ListTasks(ctx context.Context, iterationID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE iteration_id=? ORDER BY rowid`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
