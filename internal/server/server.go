package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"switchyard/internal/compat"
	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
	"switchyard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition for task BT3: todo -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Switchyard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Switchyard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerWorkflow(group, cfg.Engine)
	registerLegacy(group, cfg.Engine)
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
	var invalid *engine.InvalidTransitionError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(),
			map[string]any{"from": invalid.FromStatus, "to": invalid.ToStatus, "allowed": invalid.Allowed})
	}
	var notMet *engine.ConditionNotMetError
	if errors.As(err, &notMet) {
		return newAPIError(http.StatusUnprocessableEntity, "condition_not_met", err.Error(),
			map[string]any{"condition": notMet.Condition, "reason": notMet.Reason})
	}
	var effect *engine.EffectError
	if errors.As(err, &effect) {
		return newAPIError(http.StatusInternalServerError, "effect_failed", err.Error(),
			map[string]any{"effect": effect.Effect})
	}
	var ambiguous *engine.AmbiguousRefError
	if errors.As(err, &ambiguous) {
		return newAPIError(http.StatusBadRequest, "ambiguous_reference", err.Error(),
			map[string]any{"ref": ambiguous.Ref, "matches": ambiguous.Matches})
	}
	var unknownCond *engine.UnknownConditionError
	if errors.As(err, &unknownCond) {
		return newAPIError(http.StatusBadRequest, "unknown_condition", err.Error(), nil)
	}
	var unknownEff *engine.UnknownEffectError
	if errors.As(err, &unknownEff) {
		return newAPIError(http.StatusBadRequest, "unknown_effect", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrCascadeDepth) {
		return newAPIError(http.StatusUnprocessableEntity, "cascade_depth_exceeded", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rules, err := e.Repo.CountRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"item_counts": counts,
			"rule_count":  rules,
		}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateItemOptions{
			Type:        domain.ItemType(input.Body.Type),
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			AssigneeID:  stringOrEmpty(input.Body.AssigneeID),
			PlanJSON:    stringOrEmpty(input.Body.Plan),
			BlockedBy:   input.Body.BlockedBy,
			ActorID:     actorID,
		}
		if input.Body.Parent != nil {
			opts.ParentRef = *input.Body.Parent
		}
		w, err := e.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type" enum:",issue,feature,task"`
		Status     string `query:"status"`
		ParentID   string `query:"parent_id"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListItems(ctx, repo.ItemFilters{
			Type:            domain.ItemType(input.Type),
			Status:          input.Status,
			ParentID:        input.ParentID,
			AssigneeID:      input.AssigneeID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedItems{Items: []ItemResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapItems(items)
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{ref}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref" doc:"Item ID or short code like BT3"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		w, err := e.ResolveItem(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-history",
		Method:      http.MethodGet,
		Path:        "/items/{ref}/history",
		Summary:     "Item audit trail",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body []domain.AuditRecord `json:"body"`
	}, error) {
		_, recs, err := e.History(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		if recs == nil {
			recs = []domain.AuditRecord{}
		}
		return &struct {
			Body []domain.AuditRecord `json:"body"`
		}{Body: recs}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/items/{ref}/transitions",
		Summary:     "Legal transitions from the item's current status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body struct {
			Item        ItemResponse               `json:"item"`
			Transitions []TransitionOptionResponse `json:"transitions"`
		} `json:"body"`
	}, error) {
		item, rules, err := e.ListLegalTransitions(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Item        ItemResponse               `json:"item"`
				Transitions []TransitionOptionResponse `json:"transitions"`
			} `json:"body"`
		}{}
		out.Body.Item = itemResponse(item)
		out.Body.Transitions = transitionOptions(rules)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-transition",
		Method:      http.MethodPost,
		Path:        "/items/{ref}/transitions",
		Summary:     "Execute a transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref  string         `path:"ref"`
		Body TransitionBody `json:"body"`
	}) (*struct {
		Body domain.TransitionResult `json:"body"`
	}, error) {
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ExecuteTransition(ctx, engine.TransitionRequest{
			Ref:      input.Ref,
			ToStatus: input.Body.To,
			ActorID:  actorID,
			Metadata: input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-work",
		Method:      http.MethodPost,
		Path:        "/items/{ref}/start",
		Summary:     "Start work on a task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body engine.StartWorkResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.StartWork(ctx, input.Ref, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StartWorkResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work",
		Method:      http.MethodPost,
		Path:        "/items/{ref}/complete",
		Summary:     "Complete a task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body engine.CompleteWorkResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteWork(ctx, input.Ref, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CompleteWorkResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflow",
		Summary:     "Stored transition rules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TransitionRule `json:"body"`
	}, error) {
		rules, err := e.Repo.ListRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if rules == nil {
			rules = []domain.TransitionRule{}
		}
		return &struct {
			Body []domain.TransitionRule `json:"body"`
		}{Body: rules}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-workflow",
		Method:      http.MethodPut,
		Path:        "/workflow",
		Summary:     "Replace transition rules from a workflow definition",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body WorkflowImportRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.YAML) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "yaml is required", nil)
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		n, err := e.SyncWorkflow(ctx, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"rules": n}}, nil
	})
}

func registerLegacy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "legacy-advance-status",
		Method:      http.MethodPost,
		Path:        "/legacy/advance-status",
		Summary:     "Advance status using the legacy vocabulary",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LegacyAdvanceRequest `json:"body"`
	}) (*struct {
		Body domain.TransitionResult `json:"body"`
	}, error) {
		if input.Body.EntityType == "" || input.Body.EntityID == "" || input.Body.NewStatus == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_type, entity_id, and new_status are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := compat.AdvanceStatus(ctx, e, input.Body.EntityType, input.Body.EntityID, input.Body.NewStatus, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
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
    <title>Switchyard API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
