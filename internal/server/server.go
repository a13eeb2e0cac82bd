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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_not_met"`
	Message string         `json:"message" example:"cannot move to S2: K not approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reasons\":[\"K not approved\"]}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] { return &output[T]{Body: v} }

// New returns an HTTP handler exposing the stagegate API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("engine has no registry loaded")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("stagegate API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, log: logger}
	registerHealth(group)
	h.registerCampaign(group)
	h.registerArtifacts(group)
	h.registerGates(group)
	h.registerAgents(group)
	h.registerTasks(group)
	h.registerAudit(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)
	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("http request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// handleError maps engine errors to the API envelope.
func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pe *engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "precondition_not_met", err.Error(), map[string]any{"target": pe.Target, "reasons": pe.Reasons})
	}
	var de *engine.DuplicateError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "duplicate_submission", err.Error(), map[string]any{"existing": de.Existing})
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrAuditFault):
		h.log.Error("audit fault surfaced to client", zap.Error(err))
		return newAPIError(http.StatusServiceUnavailable, "audit_fault", "audit log unavailable", nil)
	case errors.Is(err, engine.ErrUnauthorizedReviewer):
		return newAPIError(http.StatusForbidden, "unauthorized_reviewer", msg, nil)
	case errors.Is(err, engine.ErrNotInQueue):
		return newAPIError(http.StatusConflict, "not_in_queue", msg, nil)
	case errors.Is(err, engine.ErrSlotOccupied):
		return newAPIError(http.StatusConflict, "slot_occupied", msg, nil)
	case errors.Is(err, engine.ErrNotAllowedInStage):
		return newAPIError(http.StatusConflict, "not_allowed_in_stage", msg, nil)
	case errors.Is(err, engine.ErrCampaignExists):
		return newAPIError(http.StatusConflict, "campaign_exists", msg, nil)
	case errors.Is(err, engine.ErrResultDiscarded):
		return newAPIError(http.StatusGone, "result_discarded", msg, nil)
	case errors.Is(err, engine.ErrNoCampaign):
		return newAPIError(http.StatusNotFound, "no_campaign", msg, nil)
	case errors.Is(err, engine.ErrUnknownAgent):
		return newAPIError(http.StatusNotFound, "unknown_agent", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrUnknownKind):
		return newAPIError(http.StatusBadRequest, "unknown_kind", msg, nil)
	case errors.Is(err, engine.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		h.log.Error("unhandled error", zap.Error(err))
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var doc []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{path.Join(basePath, "health"): true, path.Join(basePath, "auth/dev/login"): true}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

type handlers struct {
	engine engine.Engine
	log    *zap.Logger
}

func (h handlers) registerCampaign(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-campaign",
		Method:      http.MethodGet,
		Path:        "/campaign",
		Summary:     "Current campaign",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*output[domain.Campaign], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		c, err := h.engine.Campaign(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "campaign-status",
		Method:      http.MethodGet,
		Path:        "/campaign/status",
		Summary:     "Stage, gates and successor readiness",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*output[engine.StageReport], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		report, err := h.engine.StageStatus(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(report), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-advance",
		Method:      http.MethodGet,
		Path:        "/campaign/can-advance",
		Summary:     "Check advancement preconditions",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Target string `query:"target" required:"true"`
	}) (*output[CanAdvanceResponse], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		ok, reasons, err := h.engine.CanAdvance(ctx, input.Target)
		if err != nil {
			return nil, h.handleError(err)
		}
		if reasons == nil {
			reasons = []string{}
		}
		return respond(CanAdvanceResponse{Target: input.Target, CanAdvance: ok, Reasons: reasons}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance",
		Method:      http.MethodPost,
		Path:        "/campaign/advance",
		Summary:     "Advance the campaign",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body AdvanceRequest `json:"body"`
	}) (*output[domain.Campaign], error) {
		p, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Target == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target is required", nil)
		}
		evidence, err := input.Body.evidence()
		if err != nil {
			return nil, h.handleError(err)
		}
		c, err := h.engine.Advance(ctx, engine.AdvanceRequest{Target: input.Body.Target, Evidence: evidence, ActorID: p.ActorID})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(c), nil
	})
}

func (h handlers) registerArtifacts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-artifact",
		Method:        http.MethodPost,
		Path:          "/artifacts",
		Summary:       "Submit an artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitArtifactRequest `json:"body"`
	}) (*output[domain.Artifact], error) {
		p, authErr := requireRole(ctx, RoleAgent, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		agentID := input.Body.AgentID
		if agentID == "" || !p.Has(RoleOperator) {
			// Agents always submit as themselves.
			agentID = p.ActorID
		}
		req, err := input.Body.toEngine(agentID)
		if err != nil {
			return nil, h.handleError(err)
		}
		a, err := h.engine.Submit(ctx, req)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}",
		Summary:     "Get artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Artifact], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		a, err := h.engine.GetArtifact(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/artifacts",
		Summary:     "List artifacts in submission order",
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind"`
		Stage  string `query:"stage"`
		Status string `query:"status"`
	}) (*output[[]domain.Artifact], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		items, err := h.engine.ListArtifacts(ctx, repo.ArtifactFilters{Kind: input.Kind, Stage: input.Stage, Status: domain.ArtifactStatus(input.Status)})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(items), nil
	})
}

func (h handlers) registerGates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-gate",
		Method:      http.MethodGet,
		Path:        "/gates/{gate}",
		Summary:     "Gate status, queue and decision history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Gate string `path:"gate"`
	}) (*output[GateResponse], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		status, err := h.engine.GateStatus(ctx, input.Gate)
		if err != nil {
			return nil, h.handleError(err)
		}
		q, err := h.engine.GateQueue(ctx, input.Gate)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(GateResponse{Status: status, Pending: q.Pending, Decisions: q.Decisions}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending",
		Method:      http.MethodGet,
		Path:        "/gates/{gate}/pending",
		Summary:     "Pending artifacts, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Gate string `path:"gate"`
	}) (*output[[]domain.GateEntry], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		items, err := h.engine.ListPending(ctx, input.Gate)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue",
		Method:        http.MethodPost,
		Path:          "/gates/{gate}/queue",
		Summary:       "Queue a held draft for review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Gate string         `path:"gate"`
		Body EnqueueRequest `json:"body"`
	}) (*output[domain.GateEntry], error) {
		p, authErr := requireRole(ctx, RoleAgent, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := h.engine.Enqueue(ctx, input.Gate, input.Body.ArtifactID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide",
		Method:      http.MethodPost,
		Path:        "/gates/{gate}/decisions",
		Summary:     "Approve or reject a pending artifact",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Gate string          `path:"gate"`
		Body DecisionRequest `json:"body"`
	}) (*output[domain.Artifact], error) {
		p, authErr := requireRole(ctx, RoleReviewer)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.engine.Decide(ctx, engine.DecideRequest{
			Gate:       input.Gate,
			ArtifactID: input.Body.ArtifactID,
			Decision:   domain.Decision(input.Body.Decision),
			Reviewer:   engine.Reviewer{ID: p.ActorID},
			Rationale:  input.Body.Rationale,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(a), nil
	})
}

func (h handlers) registerAgents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agent types, optionally those allowed in a stage",
	}, func(ctx context.Context, input *struct {
		Stage string `query:"stage"`
	}) (*output[[]domain.AgentType], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		var items []domain.AgentType
		var err error
		if input.Stage != "" {
			items, err = h.engine.AgentsForStage(ctx, input.Stage)
		} else {
			items, err = h.engine.ListAgentTypes(ctx)
		}
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-agent",
		Method:      http.MethodPut,
		Path:        "/agents/{id}",
		Summary:     "Register or replace an agent type",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RegisterAgentRequest `json:"body"`
	}) (*output[domain.AgentType], error) {
		p, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.engine.RegisterAgentType(ctx, domain.AgentType{
			ID: input.ID, Description: input.Body.Description, Stages: input.Body.Stages,
			Produces: input.Body.Produces, Requires: input.Body.Requires,
		}, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "spawn",
		Method:        http.MethodPost,
		Path:          "/agents/{id}/spawn",
		Summary:       "Spawn a task for an agent in the current stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body *SpawnRequest `json:"body,omitempty"`
	}) (*output[domain.AgentTask], error) {
		p, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		var lineage []string
		if input.Body != nil {
			lineage = input.Body.Lineage
		}
		t, err := h.engine.Spawn(ctx, engine.SpawnRequest{AgentID: input.ID, Lineage: lineage, ActorID: p.ActorID})
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(t), nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List agent tasks",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Stage   string `query:"stage"`
		Status  string `query:"status"`
	}) (*output[[]domain.AgentTask], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		f := repo.TaskFilters{AgentID: input.AgentID, Stage: input.Stage}
		if input.Status != "" {
			f.Status = []domain.TaskStatus{domain.TaskStatus(input.Status)}
		}
		items, err := h.engine.ListTasks(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.AgentTask], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		t, err := h.engine.GetTask(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/report",
		Summary:     "Report task progress or result",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TaskReportRequest `json:"body"`
	}) (*output[domain.AgentTask], error) {
		p, authErr := requireRole(ctx, RoleAgent, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := input.Body.toEngine(input.ID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		t, err := h.engine.Report(ctx, rep)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel a live task",
		Errors:      []int{http.StatusForbidden, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.AgentTask], error) {
		p, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.engine.Cancel(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(t), nil
	})
}

func (h handlers) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit entries after a cursor, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		From  int64 `query:"from" minimum:"0"`
		Limit int   `query:"limit" default:"50"`
	}) (*output[AuditPage], error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.engine.Audit.After(ctx, input.From, limit+1)
		if err != nil {
			return nil, h.handleError(err)
		}
		page := AuditPage{Items: []domain.AuditEntry{}}
		if len(items) > limit {
			items = items[:limit]
			page.NextCursor = items[limit-1].Seq
		}
		page.Items = append(page.Items, items...)
		return respond(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Replay the audit log and compare with live state",
	}, func(ctx context.Context, _ *struct{}) (*output[engine.VerifyResult], error) {
		if _, err := requireRole(ctx, RoleOperator); err != nil {
			return nil, err
		}
		res, err := h.engine.Verify(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return respond(res), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, subject, input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

// Address formats host and port for http.Server.
func Address(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, port)
}
