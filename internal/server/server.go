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

	"leadline/internal/controller"
	"leadline/internal/discovery"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/health"
	"leadline/internal/outreach"
	"leadline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Controller *controller.Controller
	Scheduler  *outreach.Scheduler
	Health     health.Monitor
	Provider   discovery.Provider
	Analyzer   discovery.Analyzer
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid agent transition idle -> paused"`
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

// New returns an HTTP handler exposing the Leadline API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Leadline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerSystem(group, cfg.Health)
	registerAgent(group, cfg)
	registerLeads(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerWebhooks(group, cfg.Engine)
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
	var inv domain.InvalidTransitionError
	if errors.As(err, &inv) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"entity": inv.Entity, "from": inv.From, "to": inv.To,
		})
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{
			"field": ve.Field, "reason": ve.Reason,
		})
	}
	var pre domain.PreconditionError
	if errors.As(err, &pre) {
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrQuotaExceeded) {
		return newAPIError(http.StatusTooManyRequests, "quota_exceeded", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
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
		return "precondition_failed"
	case http.StatusTooManyRequests:
		return "quota_exceeded"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Leadline API Docs</title>
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

func registerSystem(api huma.API, monitor health.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "system-health",
		Method:      http.MethodGet,
		Path:        "/system/health",
		Summary:     "System health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body health.Report `json:"body"`
	}, error) {
		rep, err := monitor.Check(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body health.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerAgent(api huma.API, cfg Config) {
	ctrl := cfg.Controller

	huma.Register(api, huma.Operation{
		OperationID: "agent-status",
		Method:      http.MethodGet,
		Path:        "/agent",
		Summary:     "Agent status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentStatusResponse `json:"body"`
	}, error) {
		status, err := ctrl.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentStatusResponse `json:"body"`
		}{Body: agentStatusResponse(status)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-discovery",
		Method:      http.MethodPost,
		Path:        "/agent/discovery",
		Summary:     "Start a discovery run",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body StartDiscoveryRequest `json:"body"`
	}) (*struct {
		Body AgentStatusResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task := controller.NewDiscoveryTask(cfg.Engine, cfg.Provider, cfg.Analyzer, cfg.Engine.Config, input.Body.Query, input.Body.Location)
		status, err := ctrl.StartDiscovery(ctx, input.Body.Query, input.Body.Location, actorID, task)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentStatusResponse `json:"body"`
		}{Body: agentStatusResponse(status)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-outreach",
		Method:      http.MethodPost,
		Path:        "/agent/outreach",
		Summary:     "Start an outreach run",
		Errors: []int{
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentStatusResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := ctrl.StartOutreach(ctx, actorID, controller.NewOutreachTask(cfg.Scheduler))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentStatusResponse `json:"body"`
		}{Body: agentStatusResponse(status)}, nil
	})

	type commandFn func(context.Context, string) (domain.AgentStatus, error)
	commands := []struct {
		id, cmd, summary string
		fn               commandFn
	}{
		{"pause-agent", "pause", "Pause the running task", ctrl.Pause},
		{"resume-agent", "resume", "Resume a paused task", ctrl.Resume},
		{"stop-agent", "stop", "Stop and drain the agent", ctrl.Stop},
		{"reset-agent", "reset", "Reset from the error state", ctrl.Reset},
	}
	for _, c := range commands {
		fn := c.fn
		huma.Register(api, huma.Operation{
			OperationID: c.id,
			Method:      http.MethodPost,
			Path:        "/agent/" + c.cmd,
			Summary:     c.summary,
			Errors: []int{
				http.StatusConflict,
				http.StatusUnauthorized,
			},
		}, func(ctx context.Context, _ *struct{}) (*struct {
			Body AgentStatusResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			status, err := fn(ctx, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body AgentStatusResponse `json:"body"`
			}{Body: agentStatusResponse(status)}, nil
		})
	}
}

func registerLeads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		LifecycleState  string `query:"lifecycle_state"`
		ReviewStatus    string `query:"review_status"`
		OutreachStatus  string `query:"outreach_status"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedLeads `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.LeadFilters{
			LifecycleState:  input.LifecycleState,
			ReviewStatus:    input.ReviewStatus,
			OutreachStatus:  input.OutreachStatus,
			IncludeArchived: input.IncludeArchived,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		leads, err := e.Repo.ListLeads(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLeads{Items: []LeadResponse{}}
		if len(leads) > limit {
			resp.NextCursor = composeCursor(leads[limit].DiscoveredAt, leads[limit].ID)
			leads = leads[:limit]
		}
		resp.Items = mapLeads(leads)
		return &struct {
			Body paginatedLeads `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{id}",
		Summary:     "Get lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body LeadResponse `json:"body"`
	}, error) {
		l, err := e.Repo.GetLead(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadResponse `json:"body"`
		}{Body: leadResponse(l)}, nil
	})

	type reviewFn func(context.Context, string, string) (domain.Lead, error)
	reviews := []struct {
		id, action, summary string
		fn                  reviewFn
	}{
		{"approve-lead", "approve", "Approve a pending lead", e.Approve},
		{"reject-lead", "reject", "Reject a pending lead", e.Reject},
		{"archive-lead", "archive", "Archive a dead-end lead", e.Archive},
	}
	for _, rv := range reviews {
		fn := rv.fn
		huma.Register(api, huma.Operation{
			OperationID: rv.id,
			Method:      http.MethodPost,
			Path:        "/leads/{id}/" + rv.action,
			Summary:     rv.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusUnauthorized,
			},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body LeadResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			l, err := fn(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body LeadResponse `json:"body"`
			}{Body: leadResponse(l)}, nil
		})
	}

	type bulkFn func(context.Context, []string, string) []engine.BulkResult
	bulks := []struct {
		id, action, summary string
		fn                  bulkFn
	}{
		{"bulk-approve-leads", "approve", "Approve several leads", e.BulkApprove},
		{"bulk-reject-leads", "reject", "Reject several leads", e.BulkReject},
	}
	for _, b := range bulks {
		fn := b.fn
		huma.Register(api, huma.Operation{
			OperationID: b.id,
			Method:      http.MethodPost,
			Path:        "/leads/bulk/" + b.action,
			Summary:     b.summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
			},
		}, func(ctx context.Context, input *struct {
			Body BulkReviewRequest `json:"body"`
		}) (*struct {
			Body []engine.BulkResult `json:"body"`
		}, error) {
			if len(bodyBytes(ctx)) == 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
			}
			if len(input.Body.LeadIDs) == 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "lead_ids is required", map[string]any{"field": "lead_ids"})
			}
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			results := fn(ctx, input.Body.LeadIDs, actorID)
			return &struct {
				Body []engine.BulkResult `json:"body"`
			}{Body: results}, nil
		})
	}
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-log",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List audit log entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Module     string `query:"module"`
		Result     string `query:"result"`
		Since      string `query:"since"`
		Until      string `query:"until"`
		Limit      int    `query:"limit" default:"100"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		entries, err := e.Repo.ListAuditLog(ctx, repo.AuditFilters{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			Module:     input.Module,
			Result:     input.Result,
			Since:      input.Since,
			Until:      input.Until,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-control-log",
		Method:      http.MethodGet,
		Path:        "/control-log",
		Summary:     "List agent control log entries",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ControlLogEntry `json:"body"`
	}, error) {
		entries, err := e.Repo.ListControlLog(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.ControlLogEntry{}
		}
		return &struct {
			Body []domain.ControlLogEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerWebhooks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reply-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/replies",
		Summary:     "Record an inbound reply",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body ReplyWebhookRequest `json:"body"`
	}) (*struct {
		Body LeadResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		leadID := input.Body.LeadID
		if leadID == "" {
			if input.Body.FromEmail == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "lead_id or from_email is required", nil)
			}
			l, err := e.Repo.FindLeadByEmail(ctx, input.Body.FromEmail)
			if err != nil {
				return nil, handleError(err)
			}
			leadID = l.ID
		}
		var (
			l   domain.Lead
			err error
		)
		if input.Body.Bounced {
			l, err = e.MarkBounced(ctx, leadID, actorID)
		} else {
			l, err = e.MarkReplied(ctx, leadID, actorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadResponse `json:"body"`
		}{Body: leadResponse(l)}, nil
	})
}
