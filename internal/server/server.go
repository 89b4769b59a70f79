package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sceneforge/internal/engine"
	"sceneforge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"active iteration already exists for scene"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the SceneForge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("SceneForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerStyleBible(group, cfg.Engine)
	registerConstraints(group, cfg.Engine)
	registerScenes(group, cfg.Engine)
	registerDrafts(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrTerminal):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>SceneForge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := input.Body.ID
		if input.Body.Name != nil {
			name = *input.Body.Name
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, name, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(input.ProjectID, cfg)}, nil
	})
}

func registerStyleBible(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "put-style-bible",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/style-bible",
		Summary:       "Append style bible version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      PutStyleBibleRequest `json:"body"`
	}) (*struct {
		Body StyleBibleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.PutStyleBible(ctx, input.ProjectID, input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StyleBibleResponse `json:"body"`
		}{Body: styleBibleResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-style-bible",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/style-bible",
		Summary:     "Get latest style bible",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body StyleBibleResponse `json:"body"`
	}, error) {
		b, err := e.Repo.LatestStyleBible(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StyleBibleResponse `json:"body"`
		}{Body: styleBibleResponse(b)}, nil
	})
}

func registerConstraints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-constraint",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/constraints",
		Summary:       "Add constraint",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateConstraintRequest `json:"body"`
	}) (*struct {
		Body ConstraintResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddConstraint(ctx, input.ProjectID, input.Body.ConstraintType, input.Body.Severity, input.Body.Rule, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConstraintResponse `json:"body"`
		}{Body: constraintResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-constraints",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/constraints",
		Summary:     "List constraints",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ConstraintResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListConstraints(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ConstraintResponse `json:"body"`
		}{Body: mapConstraints(items)}, nil
	})
}

func registerScenes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-scene",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/scenes",
		Summary:       "Create scene",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateSceneRequest `json:"body"`
	}) (*struct {
		Body SceneResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateScene(ctx, input.ProjectID, input.Body.ChapterNo, input.Body.SceneNo, input.Body.Card, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SceneResponse `json:"body"`
		}{Body: sceneResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scenes",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/scenes",
		Summary:     "List scenes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []SceneResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListScenes(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SceneResponse `json:"body"`
		}{Body: mapScenes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scene",
		Method:      http.MethodGet,
		Path:        "/scenes/{scene_id}",
		Summary:     "Get scene",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SceneID string `path:"scene_id"`
	}) (*struct {
		Body SceneResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetScene(ctx, input.SceneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SceneResponse `json:"body"`
		}{Body: sceneResponse(s)}, nil
	})
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/scenes/{scene_id}/drafts",
		Summary:     "List scene drafts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SceneID string `path:"scene_id"`
	}) (*struct {
		Body []DraftResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetScene(ctx, input.SceneID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDrafts(ctx, input.SceneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DraftResponse `json:"body"`
		}{Body: mapDrafts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}",
		Summary:     "Get draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDraft(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-draft-facts",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}/facts",
		Summary:     "List facts extracted from a draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body []FactResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDraft(ctx, input.DraftID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListFacts(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FactResponse `json:"body"`
		}{Body: mapFacts(items)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/scenes/{scene_id}/runs",
		Summary:       "Start an iteration run for a scene",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SceneID string          `path:"scene_id"`
		Body    StartRunRequest `json:"body,omitempty"`
	}) (*struct {
		Body IterationStatusResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		maxAttempts := 0
		if input.Body.MaxAttempts != nil {
			maxAttempts = *input.Body.MaxAttempts
		}
		it, err := e.StartRun(ctx, input.SceneID, maxAttempts, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.GetIteration(ctx, it.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IterationStatusResponse `json:"body"`
		}{Body: iterationStatusResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/scenes/{scene_id}/runs",
		Summary:     "List iteration runs for a scene",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SceneID string `path:"scene_id"`
	}) (*struct {
		Body []IterationStatusResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetScene(ctx, input.SceneID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListIterations(ctx, input.SceneID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]IterationStatusResponse, 0, len(items))
		for _, it := range items {
			st, err := e.GetIteration(ctx, it.ID)
			if err != nil {
				return nil, handleError(err)
			}
			res = append(res, iterationStatusResponse(st))
		}
		return &struct {
			Body []IterationStatusResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-iteration",
		Method:      http.MethodGet,
		Path:        "/iterations/{iteration_id}",
		Summary:     "Get iteration status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IterationID string `path:"iteration_id"`
	}) (*struct {
		Body IterationStatusResponse `json:"body"`
	}, error) {
		st, err := e.GetIteration(ctx, input.IterationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IterationStatusResponse `json:"body"`
		}{Body: iterationStatusResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-iteration",
		Method:      http.MethodPost,
		Path:        "/iterations/{iteration_id}/abort",
		Summary:     "Abort an iteration run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IterationID string `path:"iteration_id"`
	}) (*struct {
		Body IterationStatusResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.AbortRun(ctx, input.IterationID, actorID); err != nil {
			return nil, handleError(err)
		}
		st, err := e.GetIteration(ctx, input.IterationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IterationStatusResponse `json:"body"`
		}{Body: iterationStatusResponse(st)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
