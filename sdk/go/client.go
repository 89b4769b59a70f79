package sceneforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal SceneForge HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Scene represents the API scene model.
type Scene struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	ChapterNo int            `json:"chapter_no"`
	SceneNo   int            `json:"scene_no"`
	Card      map[string]any `json:"card"`
	CreatedAt string         `json:"created_at"`
}

// Draft represents one immutable draft version.
type Draft struct {
	ID        string `json:"id"`
	SceneID   string `json:"scene_id"`
	Version   int    `json:"version"`
	Text      string `json:"text"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Iteration is one pipeline run for a scene.
type Iteration struct {
	ID               string `json:"id"`
	SceneID          string `json:"scene_id"`
	IterationNo      int    `json:"iteration_no"`
	State            string `json:"state"`
	AttemptCount     int    `json:"attempt_count"`
	MaxAttempts      int    `json:"max_attempts"`
	Outcome          string `json:"outcome,omitempty"`
	CommittedVersion *int   `json:"committed_version,omitempty"`
}

// CheckRun is one check verdict for a draft.
type CheckRun struct {
	ID        string `json:"id"`
	DraftID   string `json:"draft_id"`
	CheckType string `json:"check_type"`
	Passed    bool   `json:"passed"`
	Findings  any    `json:"findings"`
	CreatedAt string `json:"created_at"`
}

// IterationStatus is the full run record.
type IterationStatus struct {
	Iteration Iteration  `json:"iteration"`
	CheckRuns []CheckRun `json:"check_runs"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateScene adds a scene to the project.
func (c *Client) CreateScene(ctx context.Context, chapterNo, sceneNo int, card map[string]any) (Scene, error) {
	body := map[string]any{
		"chapter_no": chapterNo,
		"scene_no":   sceneNo,
		"card":       card,
	}
	var resp Scene
	err := c.do(ctx, http.MethodPost, c.projectPath("scenes"), body, &resp)
	return resp, err
}

// StartRun starts an iteration run for a scene. The server answers 409 when
// the scene already has an active run.
func (c *Client) StartRun(ctx context.Context, sceneID string, maxAttempts int) (IterationStatus, error) {
	body := map[string]any{}
	if maxAttempts > 0 {
		body["max_attempts"] = maxAttempts
	}
	var resp IterationStatus
	endpoint := fmt.Sprintf("v0/scenes/%s/runs", url.PathEscape(sceneID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetIteration fetches a run's current state and check history.
func (c *Client) GetIteration(ctx context.Context, iterationID string) (IterationStatus, error) {
	var resp IterationStatus
	endpoint := fmt.Sprintf("v0/iterations/%s", url.PathEscape(iterationID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AbortRun requests an abort. Applied immediately when no task is leased,
// otherwise at the next lease release.
func (c *Client) AbortRun(ctx context.Context, iterationID string) (IterationStatus, error) {
	var resp IterationStatus
	endpoint := fmt.Sprintf("v0/iterations/%s/abort", url.PathEscape(iterationID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// ListDrafts returns all draft versions of a scene.
func (c *Client) ListDrafts(ctx context.Context, sceneID string) ([]Draft, error) {
	var resp []Draft
	endpoint := fmt.Sprintf("v0/scenes/%s/drafts", url.PathEscape(sceneID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if c.ProjectID != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%sproject_id=%s", endpoint, sep, url.QueryEscape(c.ProjectID))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
