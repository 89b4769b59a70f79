package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"sceneforge/internal/checks"
	"sceneforge/internal/config"
	"sceneforge/internal/db"
	"sceneforge/internal/engine"
	"sceneforge/internal/migrate"
	"sceneforge/internal/steps"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("sceneforge")
	reg, err := checks.FromConfig(cfg)
	if err != nil {
		t.Fatalf("build checks: %v", err)
	}
	e := engine.New(conn, cfg, steps.Stub{}, reg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "SceneForge", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func createScene(t *testing.T, srv *testServer, chapterNo, sceneNo int) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/sceneforge/scenes", map[string]any{
		"chapter_no": chapterNo,
		"scene_no":   sceneNo,
		"card":       map[string]any{"title": "The Meeting", "tone": "tense"},
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create scene status %d: %s", res.StatusCode, string(data))
	}
	var scene SceneResponse
	if err := json.Unmarshal(data, &scene); err != nil {
		t.Fatalf("unmarshal scene: %v", err)
	}
	return scene.ID
}

func TestRunLifecycleOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	sceneID := createScene(t, srv, 1, 1)

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/scenes/"+sceneID+"/runs", map[string]any{}, actorHeaders())
	if startRes.StatusCode != http.StatusCreated {
		t.Fatalf("start run status %d: %s", startRes.StatusCode, string(startBody))
	}
	var started IterationStatusResponse
	if err := json.Unmarshal(startBody, &started); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if started.Iteration.State != "PLAN_SCENE" || started.Iteration.AttemptCount != 1 {
		t.Fatalf("iteration=%+v", started.Iteration)
	}

	conflictRes, conflictBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/scenes/"+sceneID+"/runs", map[string]any{}, actorHeaders())
	if conflictRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", conflictRes.StatusCode, string(conflictBody))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(conflictBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("error code %q, want conflict: %s", envelope.Error.Code, string(conflictBody))
	}

	worker := engine.NewWorker(srv.Engine)
	if err := worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/iterations/"+started.Iteration.ID, nil, actorHeaders())
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get iteration status %d: %s", getRes.StatusCode, string(getBody))
	}
	var done IterationStatusResponse
	if err := json.Unmarshal(getBody, &done); err != nil {
		t.Fatalf("unmarshal iteration: %v", err)
	}
	if done.Iteration.State != "COMMIT" || done.Iteration.Outcome != "passed" {
		t.Fatalf("iteration=%+v", done.Iteration)
	}
	if len(done.CheckRuns) == 0 || len(done.Tasks) == 0 {
		t.Fatalf("check_runs=%d tasks=%d", len(done.CheckRuns), len(done.Tasks))
	}

	draftsRes, draftsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/scenes/"+sceneID+"/drafts", nil, actorHeaders())
	if draftsRes.StatusCode != http.StatusOK {
		t.Fatalf("list drafts status %d: %s", draftsRes.StatusCode, string(draftsBody))
	}
	var drafts []DraftResponse
	if err := json.Unmarshal(draftsBody, &drafts); err != nil {
		t.Fatalf("unmarshal drafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Version != 1 {
		t.Fatalf("drafts=%+v", drafts)
	}
}

func TestAbortRunOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	sceneID := createScene(t, srv, 1, 2)

	_, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/scenes/"+sceneID+"/runs", map[string]any{}, actorHeaders())
	var started IterationStatusResponse
	if err := json.Unmarshal(startBody, &started); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}

	abortRes, abortBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/iterations/"+started.Iteration.ID+"/abort", map[string]any{}, actorHeaders())
	if abortRes.StatusCode != http.StatusOK {
		t.Fatalf("abort status %d: %s", abortRes.StatusCode, string(abortBody))
	}
	var aborted IterationStatusResponse
	if err := json.Unmarshal(abortBody, &aborted); err != nil {
		t.Fatalf("unmarshal aborted: %v", err)
	}
	if aborted.Iteration.State != "ABORTED" || aborted.Iteration.Outcome != "aborted" {
		t.Fatalf("iteration=%+v", aborted.Iteration)
	}

	againRes, againBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/iterations/"+started.Iteration.ID+"/abort", map[string]any{}, actorHeaders())
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("abort of terminal run: want 409, got %d %s", againRes.StatusCode, string(againBody))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: want 401, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code %q: %s", envelope.Error.Code, string(body))
	}

	badRes, badBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: want 401, got %d %s", badRes.StatusCode, string(badBody))
	}

	// Health stays reachable without credentials.
	healthRes, healthBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", healthRes.StatusCode, string(healthBody))
	}
}

func TestJWTBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "writer-1",
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/sceneforge/scenes", map[string]any{
		"chapter_no": 2,
		"scene_no":   1,
		"card":       map[string]any{"title": "Aftermath"},
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create scene with JWT: %d %s", res.StatusCode, string(data))
	}

	// Tokens signed with the wrong secret are rejected.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "intruder",
	}).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	forgedRes, forgedBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + forged,
	})
	if forgedRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token: want 401, got %d %s", forgedRes.StatusCode, string(forgedBody))
	}
}

func TestEventsEndpointRecordsLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	sceneID := createScene(t, srv, 3, 1)

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/scenes/"+sceneID+"/runs", map[string]any{}, actorHeaders())
	if startRes.StatusCode != http.StatusCreated {
		t.Fatalf("start run status %d: %s", startRes.StatusCode, string(startBody))
	}
	worker := engine.NewWorker(srv.Engine)
	if err := worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=100", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"run.started", "draft.appended", "checks.completed", "run.committed"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}
