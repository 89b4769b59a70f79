package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sceneforge/internal/config"
	"sceneforge/internal/domain"
	"sceneforge/internal/events"
)

// Administrative operations: projects, scenes, style bibles, constraints.
// Each writes its rows and its event in one transaction.

func (e Engine) InitProject(ctx context.Context, id, name, description, actorID string) (domain.Project, error) {
	if id == "" {
		return domain.Project{}, fmt.Errorf("project id is required")
	}
	if name == "" {
		name = id
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{ID: id, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actorID, nil); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

func (e Engine) CreateScene(ctx context.Context, projectID string, chapterNo, sceneNo int, card map[string]any, actorID string) (domain.Scene, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Scene{}, err
	}
	if chapterNo < 1 || sceneNo < 1 {
		return domain.Scene{}, fmt.Errorf("chapter_no and scene_no must be positive")
	}
	if card == nil {
		card = map[string]any{}
	}
	cardJSON, err := json.Marshal(card)
	if err != nil {
		return domain.Scene{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Scene{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		ChapterNo: chapterNo,
		SceneNo:   sceneNo,
		CardJSON:  string(cardJSON),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertScene(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "scene.created", projectID, "scene", s.ID, actorID, events.EventPayload{
		"chapter_no": chapterNo,
		"scene_no":   sceneNo,
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// PutStyleBible appends a new style bible version. Versions are never
// overwritten; checks read the latest.
func (e Engine) PutStyleBible(ctx context.Context, projectID string, content map[string]any, actorID string) (domain.StyleBible, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.StyleBible{}, err
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return domain.StyleBible{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StyleBible{}, err
	}
	defer tx.Rollback()
	version, err := e.Repo.NextStyleBibleVersion(ctx, tx, projectID)
	if err != nil {
		return domain.StyleBible{}, err
	}
	b := domain.StyleBible{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Version:     version,
		ContentJSON: string(contentJSON),
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertStyleBible(ctx, tx, b); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, "style_bible.updated", projectID, "style_bible", b.ID, actorID, events.EventPayload{
		"version": version,
	}); err != nil {
		return b, err
	}
	return b, tx.Commit()
}

func (e Engine) AddConstraint(ctx context.Context, projectID, constraintType, severity string, rule map[string]any, actorID string) (domain.Constraint, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Constraint{}, err
	}
	switch constraintType {
	case "continuity", "style":
	default:
		return domain.Constraint{}, fmt.Errorf("invalid constraint_type %q", constraintType)
	}
	switch severity {
	case "error", "warning", "info":
	default:
		return domain.Constraint{}, fmt.Errorf("invalid severity %q", severity)
	}
	ruleJSON, err := json.Marshal(rule)
	if err != nil {
		return domain.Constraint{}, err
	}
	c := domain.Constraint{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		ConstraintType: constraintType,
		RuleJSON:       string(ruleJSON),
		Severity:       severity,
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertConstraint(ctx, c); err != nil {
		return c, err
	}
	return c, nil
}
