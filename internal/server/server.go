package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"roomops/internal/audit"
	"roomops/internal/domain"
	"roomops/internal/engine"
	"roomops/internal/repo"
	"roomops/internal/service"
	"roomops/internal/spec"
)

const ConfirmHeader = "X-Confirm-Destructive"

// Config for the HTTP API handler.
type Config struct {
	Service *service.Service
	Audit   *audit.Log
	// Repo serves history beyond the in-memory ring. Optional.
	Repo        *repo.Repo
	BasePath    string
	Auth        AuthConfig
	ReplayCount int
	Version     string
	Logger      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"guardrails_failed"`
	Message string         `json:"message" example:"guardrails rejected the change"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the roomops API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: service required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("server: audit log required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.ReplayCount <= 0 {
		cfg.ReplayCount = audit.DefaultReplayCount
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("roomops API", cfg.Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerApply(group, cfg.Service)
	registerStatus(group, cfg.Service)
	registerAudit(group, cfg)
	registerRuns(group, cfg.Repo)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
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
	var ve *spec.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "invalid_spec", "room spec is invalid", map[string]any{"problems": ve.Problems})
	}
	if errors.Is(err, spec.ErrInvalid) {
		return newAPIError(http.StatusBadRequest, "invalid_spec", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// resultError maps a finished but unsuccessful cycle onto the error envelope.
func resultError(res domain.ReconcileResult) huma.StatusError {
	details := map[string]any{
		"correlation_id": res.CorrelationID,
		"errors":         res.Errors,
		"warnings":       res.Warnings,
	}
	switch {
	case res.Rejected:
		return newAPIError(http.StatusUnprocessableEntity, "guardrails_failed", "guardrails rejected the change", details)
	case len(res.Errors) == 1 && res.Errors[0] == service.ErrShuttingDown.Error():
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", service.ErrShuttingDown.Error(), details)
	default:
		details["phase"] = res.LastCompletedPhase
		return newAPIError(http.StatusBadGateway, "reconcile_failed", "reconciliation failed", details)
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete} {
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
    <title>roomops API Docs</title>
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
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

type applyOutput struct {
	Status int
	Body   ApplyResponse `json:"body"`
}

func runApply(ctx context.Context, svc *service.Service, req engine.Request) (*applyOutput, error) {
	if err := spec.Validate(req.Spec); err != nil {
		return nil, handleError(err)
	}
	res := svc.Apply(ctx, req)
	if res.Queued {
		return &applyOutput{Status: http.StatusAccepted, Body: applyResponse(res)}, nil
	}
	if !res.Success {
		return nil, resultError(res)
	}
	return &applyOutput{Status: http.StatusOK, Body: applyResponse(res)}, nil
}

func registerApply(api huma.API, svc *service.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply-spec",
		Method:        http.MethodPost,
		Path:          "/apply",
		Summary:       "Apply a room spec",
		Description:   "Runs a reconciliation cycle, or queues it when another cycle is running (202).",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Confirm bool `header:"X-Confirm-Destructive"`
		Body    ApplyRequest
	}) (*applyOutput, error) {
		return runApply(ctx, svc, engine.Request{
			Spec:    input.Body.Spec,
			DryRun:  input.Body.DryRun,
			Confirm: input.Body.Confirm || input.Confirm,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "plan-spec",
		Method:        http.MethodPost,
		Path:          "/plan",
		Summary:       "Preview a room spec",
		Description:   "Dry run: computes the diff and evaluates guardrails without mutating the room.",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Confirm bool `header:"X-Confirm-Destructive"`
		Body    PlanRequest
	}) (*applyOutput, error) {
		return runApply(ctx, svc, engine.Request{
			Spec:    input.Body.Spec,
			DryRun:  true,
			Confirm: input.Body.Confirm || input.Confirm,
		})
	})
}

func registerStatus(api huma.API, svc *service.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Operator status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.OperatorStatus `json:"body"`
	}, error) {
		return &struct {
			Body domain.OperatorStatus `json:"body"`
		}{Body: svc.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "room-status",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}/status",
		Summary:     "Room status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoomID string `path:"room_id"`
	}) (*struct {
		Body domain.RoomStatus `json:"body"`
	}, error) {
		st, ok := svc.RoomStatus(input.RoomID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "room has not been reconciled", map[string]any{"room_id": input.RoomID})
		}
		return &struct {
			Body domain.RoomStatus `json:"body"`
		}{Body: st}, nil
	})
}

func registerAudit(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Recent audit entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Count  int    `query:"count" default:"100" minimum:"1" maximum:"10000"`
		Source string `query:"source" default:"memory" enum:"memory,db"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		resp := AuditListResponse{Source: input.Source}
		if input.Source == "db" {
			if cfg.Repo == nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "durable audit store not configured", nil)
			}
			items, err := cfg.Repo.ListAuditEntries(ctx, input.Count)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = items
		} else {
			resp.Items = cfg.Audit.GetRecent(input.Count)
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: resp}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-audit",
		Method:      http.MethodGet,
		Path:        "/audit/stream",
		Summary:     "Stream audit entries",
		Description: "Replays recent entries, then streams new ones as server-sent events.",
	}, map[string]any{
		"audit": domain.AuditEntry{},
	}, func(ctx context.Context, input *struct {
		Replay int `query:"replay" default:"-1" minimum:"-1"`
	}, send sse.Sender) {
		replay := input.Replay
		if replay < 0 {
			replay = cfg.ReplayCount
		}
		for entry := range cfg.Audit.Subscribe(ctx, replay) {
			if err := send.Data(entry); err != nil {
				return
			}
		}
	})

	huma.Register(api, huma.Operation{
		OperationID: "trace-audit",
		Method:      http.MethodGet,
		Path:        "/audit/{correlation_id}",
		Summary:     "Audit trail of one apply call",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CorrelationID string `path:"correlation_id"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		resp := AuditListResponse{Source: "memory", Items: cfg.Audit.GetByCorrelation(input.CorrelationID)}
		if len(resp.Items) == 0 && cfg.Repo != nil {
			items, err := cfg.Repo.AuditByCorrelation(ctx, input.CorrelationID)
			if err != nil {
				return nil, handleError(err)
			}
			resp = AuditListResponse{Source: "db", Items: items}
		}
		if len(resp.Items) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no audit entries for correlation id", map[string]any{"correlation_id": input.CorrelationID})
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRuns(api huma.API, r *repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "Reconcile run history",
	}, func(ctx context.Context, input *struct {
		RoomID string `query:"room_id"`
		Limit  int    `query:"limit" default:"20" minimum:"1" maximum:"500"`
	}) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		resp := RunListResponse{Items: []domain.ReconcileRun{}}
		if r != nil {
			items, err := r.ListRuns(ctx, input.RoomID, input.Limit)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = items
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{correlation_id}",
		Summary:     "One reconcile run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CorrelationID string `path:"correlation_id"`
	}) (*struct {
		Body domain.ReconcileRun `json:"body"`
	}, error) {
		if r == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "run history not configured", nil)
		}
		run, err := r.GetRun(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReconcileRun `json:"body"`
		}{Body: run}, nil
	})
}
