package server

import (
	"encoding/json"

	"sceneforge/internal/config"
	"sceneforge/internal/domain"
	"sceneforge/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateSceneRequest struct {
	ChapterNo int            `json:"chapter_no"`
	SceneNo   int            `json:"scene_no"`
	Card      map[string]any `json:"card,omitempty"`
}

type PutStyleBibleRequest struct {
	Content map[string]any `json:"content"`
}

type CreateConstraintRequest struct {
	ConstraintType string         `json:"constraint_type" enum:"continuity,style"`
	Severity       string         `json:"severity" enum:"error,warning,info"`
	Rule           map[string]any `json:"rule"`
}

type StartRunRequest struct {
	MaxAttempts *int `json:"max_attempts,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ProjectConfigResponse struct {
	ProjectID string         `json:"project_id"`
	Config    map[string]any `json:"config"`
}

type SceneResponse struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	ChapterNo int            `json:"chapter_no"`
	SceneNo   int            `json:"scene_no"`
	Card      map[string]any `json:"card"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type StyleBibleResponse struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Version   int            `json:"version"`
	Content   map[string]any `json:"content"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type ConstraintResponse struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	ConstraintType string         `json:"constraint_type"`
	Rule           map[string]any `json:"rule"`
	Severity       string         `json:"severity"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

type DraftResponse struct {
	ID        string `json:"id"`
	SceneID   string `json:"scene_id"`
	Version   int    `json:"version"`
	Text      string `json:"text"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type FactResponse struct {
	ID          string  `json:"id"`
	DraftID     string  `json:"draft_id"`
	FactType    string  `json:"fact_type"`
	SubjectType string  `json:"subject_type"`
	SubjectID   *string `json:"subject_id,omitempty"`
	Predicate   string  `json:"predicate"`
	Object      any     `json:"object"`
	Confidence  float64 `json:"confidence"`
}

type CheckRunResponse struct {
	ID        string `json:"id"`
	DraftID   string `json:"draft_id"`
	CheckType string `json:"check_type"`
	Passed    bool   `json:"passed"`
	Findings  any    `json:"findings"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID         string `json:"id"`
	Step       string `json:"step"`
	Status     string `json:"status"`
	Deliveries int    `json:"deliveries"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type IterationStatusResponse struct {
	Iteration domain.Iteration   `json:"iteration"`
	CheckRuns []CheckRunResponse `json:"check_runs"`
	Tasks     []TaskResponse     `json:"tasks"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Mappers

func decodeMap(raw string) map[string]any {
	m := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	return m
}

func decodeAny(raw string) any {
	var v any
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Name: p.Name, Description: p.Description, CreatedAt: p.CreatedAt}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func configResponse(projectID string, cfg *config.Config) ProjectConfigResponse {
	raw, _ := json.Marshal(cfg)
	return ProjectConfigResponse{ProjectID: projectID, Config: decodeMap(string(raw))}
}

func sceneResponse(s domain.Scene) SceneResponse {
	return SceneResponse{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		ChapterNo: s.ChapterNo,
		SceneNo:   s.SceneNo,
		Card:      decodeMap(s.CardJSON),
		CreatedAt: s.CreatedAt,
	}
}

func mapScenes(items []domain.Scene) []SceneResponse {
	res := make([]SceneResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sceneResponse(s))
	}
	return res
}

func styleBibleResponse(b domain.StyleBible) StyleBibleResponse {
	return StyleBibleResponse{
		ID:        b.ID,
		ProjectID: b.ProjectID,
		Version:   b.Version,
		Content:   decodeMap(b.ContentJSON),
		CreatedAt: b.CreatedAt,
	}
}

func constraintResponse(c domain.Constraint) ConstraintResponse {
	return ConstraintResponse{
		ID:             c.ID,
		ProjectID:      c.ProjectID,
		ConstraintType: c.ConstraintType,
		Rule:           decodeMap(c.RuleJSON),
		Severity:       c.Severity,
		CreatedAt:      c.CreatedAt,
	}
}

func mapConstraints(items []domain.Constraint) []ConstraintResponse {
	res := make([]ConstraintResponse, 0, len(items))
	for _, c := range items {
		res = append(res, constraintResponse(c))
	}
	return res
}

func draftResponse(d domain.Draft) DraftResponse {
	return DraftResponse{ID: d.ID, SceneID: d.SceneID, Version: d.Version, Text: d.Text, Notes: d.Notes, CreatedAt: d.CreatedAt}
}

func mapDrafts(items []domain.Draft) []DraftResponse {
	res := make([]DraftResponse, 0, len(items))
	for _, d := range items {
		res = append(res, draftResponse(d))
	}
	return res
}

func mapFacts(items []domain.Fact) []FactResponse {
	res := make([]FactResponse, 0, len(items))
	for _, f := range items {
		res = append(res, FactResponse{
			ID:          f.ID,
			DraftID:     f.DraftID,
			FactType:    f.FactType,
			SubjectType: f.SubjectType,
			SubjectID:   f.SubjectID,
			Predicate:   f.Predicate,
			Object:      decodeAny(f.ObjectJSON),
			Confidence:  f.Confidence,
		})
	}
	return res
}

func iterationStatusResponse(st engine.IterationStatus) IterationStatusResponse {
	runs := make([]CheckRunResponse, 0, len(st.CheckRuns))
	for _, cr := range st.CheckRuns {
		runs = append(runs, CheckRunResponse{
			ID:        cr.ID,
			DraftID:   cr.DraftID,
			CheckType: cr.CheckType,
			Passed:    cr.Passed,
			Findings:  decodeAny(cr.FindingsJSON),
			CreatedAt: cr.CreatedAt,
		})
	}
	tasks := make([]TaskResponse, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		tasks = append(tasks, TaskResponse{
			ID:         t.ID,
			Step:       t.Step,
			Status:     t.Status,
			Deliveries: t.Deliveries,
			Error:      t.Error,
			CreatedAt:  t.CreatedAt,
			UpdatedAt:  t.UpdatedAt,
		})
	}
	return IterationStatusResponse{Iteration: st.Iteration, CheckRuns: runs, Tasks: tasks}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			ProjectID:  e.ProjectID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    decodeMap(e.Payload),
		})
	}
	return res
}
