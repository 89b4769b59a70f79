package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sceneforge/internal/config"
	"sceneforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,created_at,updated_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,created_at,updated_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &desc, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),created_at,updated_at FROM projects ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project in the workspace, or ErrNotFound
// when there are zero or several.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) != 1 {
		return domain.Project{}, ErrNotFound
	}
	return items[0], nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) InsertStyleBible(ctx context.Context, tx *sql.Tx, b domain.StyleBible) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO style_bibles(id,project_id,version,content_json,created_at) VALUES (?,?,?,?,?)`,
		b.ID, b.ProjectID, b.Version, b.ContentJSON, b.CreatedAt)
	return err
}

// LatestStyleBible returns the highest-version style bible, or ErrNotFound.
func (r Repo) LatestStyleBible(ctx context.Context, projectID string) (domain.StyleBible, error) {
	var b domain.StyleBible
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,version,content_json,created_at FROM style_bibles WHERE project_id=? ORDER BY version DESC LIMIT 1`, projectID).
		Scan(&b.ID, &b.ProjectID, &b.Version, &b.ContentJSON, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// NextStyleBibleVersion computes the next version inside the caller's tx.
func (r Repo) NextStyleBibleVersion(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM style_bibles WHERE project_id=?`, projectID).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) InsertScene(ctx context.Context, tx *sql.Tx, s domain.Scene) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scenes(id,project_id,chapter_no,scene_no,card_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.ChapterNo, s.SceneNo, s.CardJSON, s.CreatedAt, s.UpdatedAt)
	return err
}

func scanScene(row *sql.Row) (domain.Scene, error) {
	var s domain.Scene
	err := row.Scan(&s.ID, &s.ProjectID, &s.ChapterNo, &s.SceneNo, &s.CardJSON, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetScene(ctx context.Context, id string) (domain.Scene, error) {
	return scanScene(r.DB.QueryRowContext(ctx, `SELECT id,project_id,chapter_no,scene_no,card_json,created_at,updated_at FROM scenes WHERE id=?`, id))
}

// GetSceneTx reads the scene through the caller's transaction. The pool is
// capped at one connection, so a pooled read issued while a transaction is
// open would wait on the transaction's own connection.
func (r Repo) GetSceneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Scene, error) {
	return scanScene(tx.QueryRowContext(ctx, `SELECT id,project_id,chapter_no,scene_no,card_json,created_at,updated_at FROM scenes WHERE id=?`, id))
}

func (r Repo) ListScenes(ctx context.Context, projectID string) ([]domain.Scene, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,chapter_no,scene_no,card_json,created_at,updated_at FROM scenes WHERE project_id=? ORDER BY chapter_no, scene_no`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Scene
	for rows.Next() {
		var s domain.Scene
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.ChapterNo, &s.SceneNo, &s.CardJSON, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// InsertDraft appends a new draft version. The version must have been
// computed with NextDraftVersion inside the same transaction.
func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO drafts(id,scene_id,version,text,notes,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.SceneID, d.Version, d.Text, nullable(d.Notes), d.CreatedAt)
	return err
}

func (r Repo) NextDraftVersion(ctx context.Context, tx *sql.Tx, sceneID string) (int, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM drafts WHERE scene_id=?`, sceneID).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func scanDraft(row *sql.Row) (domain.Draft, error) {
	var d domain.Draft
	var notes sql.NullString
	err := row.Scan(&d.ID, &d.SceneID, &d.Version, &d.Text, &notes, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if notes.Valid {
		d.Notes = notes.String
	}
	return d, err
}

func (r Repo) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	return scanDraft(r.DB.QueryRowContext(ctx, `SELECT id,scene_id,version,text,notes,created_at FROM drafts WHERE id=?`, id))
}

// LatestDraft returns the most recent draft for a scene, or ErrNotFound.
func (r Repo) LatestDraft(ctx context.Context, sceneID string) (domain.Draft, error) {
	return scanDraft(r.DB.QueryRowContext(ctx, `SELECT id,scene_id,version,text,notes,created_at FROM drafts WHERE scene_id=? ORDER BY version DESC LIMIT 1`, sceneID))
}

func (r Repo) ListDrafts(ctx context.Context, sceneID string) ([]domain.Draft, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,scene_id,version,text,notes,created_at FROM drafts WHERE scene_id=? ORDER BY version`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		var d domain.Draft
		var notes sql.NullString
		if err := rows.Scan(&d.ID, &d.SceneID, &d.Version, &d.Text, &notes, &d.CreatedAt); err != nil {
			return nil, err
		}
		if notes.Valid {
			d.Notes = notes.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) CountDrafts(ctx context.Context, sceneID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM drafts WHERE scene_id=?`, sceneID).Scan(&n)
	return n, err
}

func (r Repo) InsertFact(ctx context.Context, tx *sql.Tx, f domain.Fact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO facts(id,draft_id,fact_type,subject_type,subject_id,predicate,object_json,confidence,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		f.ID, f.DraftID, f.FactType, f.SubjectType, nullableStringPtr(f.SubjectID), f.Predicate, f.ObjectJSON, f.Confidence, f.CreatedAt)
	return err
}

func (r Repo) ListFacts(ctx context.Context, draftID string) ([]domain.Fact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,draft_id,fact_type,subject_type,subject_id,predicate,object_json,confidence,created_at FROM facts WHERE draft_id=? ORDER BY rowid`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFacts(rows)
}

// FactsBeforeDraft returns facts extracted from earlier draft versions of
// the same scene, used by the continuity check as the established record.
func (r Repo) FactsBeforeDraft(ctx context.Context, sceneID string, version int) ([]domain.Fact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT f.id,f.draft_id,f.fact_type,f.subject_type,f.subject_id,f.predicate,f.object_json,f.confidence,f.created_at
FROM facts f JOIN drafts d ON d.id=f.draft_id
WHERE d.scene_id=? AND d.version<? ORDER BY d.version, f.rowid`, sceneID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFacts(rows)
}

func collectFacts(rows *sql.Rows) ([]domain.Fact, error) {
	var res []domain.Fact
	for rows.Next() {
		var f domain.Fact
		var subjectID sql.NullString
		if err := rows.Scan(&f.ID, &f.DraftID, &f.FactType, &f.SubjectType, &subjectID, &f.Predicate, &f.ObjectJSON, &f.Confidence, &f.CreatedAt); err != nil {
			return nil, err
		}
		if subjectID.Valid {
			f.SubjectID = &subjectID.String
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) InsertConstraint(ctx context.Context, c domain.Constraint) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO constraints(id,project_id,constraint_type,rule_json,severity,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.ConstraintType, c.RuleJSON, c.Severity, c.CreatedAt)
	return err
}

func (r Repo) ListConstraints(ctx context.Context, projectID string) ([]domain.Constraint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,constraint_type,rule_json,severity,created_at FROM constraints WHERE project_id=? ORDER BY rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Constraint
	for rows.Next() {
		var c domain.Constraint
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.ConstraintType, &c.RuleJSON, &c.Severity, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projID.Valid {
			e.ProjectID = projID.String
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
