package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"workorder/internal/auth"
	"workorder/internal/docstore"
	"workorder/internal/domain"
	"workorder/internal/engine"
	"workorder/internal/ledger"
	"workorder/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state_transition"`
	Message string         `json:"message" example:"workorder is planning, partition requires planning"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"expected\":\"executing\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the workorder API.
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
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Workorder API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, policy: auth.FromConfig(cfg.Engine.Config)}
	registerHealth(group)
	h.registerMe(group)
	h.registerWorkorders(group)
	h.registerPlans(group)
	h.registerSlots(group)
	h.registerDeliverables(group)
	h.registerLedger(group)
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

var kindStatus = map[domain.Kind]int{
	domain.KindAllocationConflict:      http.StatusConflict,
	domain.KindUnresolvableFileOverlap: http.StatusConflict,
	domain.KindInvalidStateTransition:  http.StatusConflict,
	domain.KindValidationFailure:       http.StatusUnprocessableEntity,
	domain.KindMissingSlotReport:       http.StatusUnprocessableEntity,
	domain.KindDuplicateSlotReport:     http.StatusUnprocessableEntity,
	domain.KindNotFound:                http.StatusNotFound,
	domain.KindInvalidInput:            http.StatusBadRequest,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if de, ok := domain.AsError(err); ok {
		status, known := kindStatus[de.Kind]
		if !known {
			status = http.StatusInternalServerError
		}
		details := map[string]any{}
		for k, v := range de.Details {
			details[k] = v
		}
		if de.Retryable() {
			details["retryable"] = true
		}
		if len(details) == 0 {
			details = nil
		}
		return newAPIError(status, kindCode(de.Kind), err.Error(), details)
	}
	if errors.Is(err, ledger.ErrLockTimeout) {
		return newAPIError(http.StatusServiceUnavailable, "ledger_busy", err.Error(), map[string]any{"retryable": true})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// kindCode renders a Kind in snake case, e.g. NotFound -> not_found.
func kindCode(k domain.Kind) string {
	var b strings.Builder
	for i, r := range string(k) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
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

type handlers struct {
	engine engine.Engine
	policy auth.Policy
}

func (h handlers) require(ctx context.Context, perm string) error {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if err := h.policy.Require(p, perm); err != nil {
		return handleError(err)
	}
	return nil
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and effective permissions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PrincipalResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body PrincipalResponse `json:"body"`
		}{Body: PrincipalResponse{
			ActorID:     p.ActorID,
			Roles:       emptyIfNil(p.Roles),
			Permissions: emptyIfNil(h.policy.Permissions(p)),
		}}, nil
	})
}

type workorderPath struct {
	ID string `path:"id"`
}

func (h handlers) registerWorkorders(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-workorder",
		Method:        http.MethodPost,
		Path:          "/workorders",
		Summary:       "Allocate a workorder id and register it in planning",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkorderRequest `json:"body"`
	}) (*struct {
		Body domain.Workorder `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderCreate); err != nil {
			return nil, err
		}
		w, err := e.CreateWorkorder(ctx, engine.CreateOptions{
			Feature:  input.Body.FeatureName,
			Category: input.Body.Category,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workorder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workorders",
		Method:      http.MethodGet,
		Path:        "/workorders",
		Summary:     "List workorders of the active project",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Feature string `query:"feature"`
		Status  string `query:"status" enum:"planning,partitioned,executing,verified,documented,archived"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body WorkorderList `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderRead); err != nil {
			return nil, err
		}
		items, err := e.List(ctx, repo.WorkorderFilter{
			ProjectID: e.Config.Project.ID,
			Feature:   input.Feature,
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkorderList `json:"body"`
		}{Body: WorkorderList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workorder",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}",
		Summary:     "Get workorder",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workorderPath) (*struct {
		Body domain.Workorder `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderRead); err != nil {
			return nil, err
		}
		w, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workorder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workorder-status",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}/status",
		Summary:     "Workorder status with per-slot verification and aggregate state",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workorderPath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderRead); err != nil {
			return nil, err
		}
		st, err := e.Status(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-execution",
		Method:      http.MethodPost,
		Path:        "/workorders/{id}/start",
		Summary:     "Move a partitioned workorder to executing",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workorderPath) (*struct {
		Body domain.Workorder `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermExecute); err != nil {
			return nil, err
		}
		w, err := e.StartExecution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workorder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "document-workorder",
		Method:      http.MethodPost,
		Path:        "/workorders/{id}/document",
		Summary:     "Mark a verified workorder documented",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *workorderPath) (*struct {
		Body domain.Workorder `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermDocument); err != nil {
			return nil, err
		}
		w, err := e.Document(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workorder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-workorder",
		Method:      http.MethodPost,
		Path:        "/workorders/{id}/archive",
		Summary:     "Archive a documented workorder under its feature",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workorderPath) (*struct {
		Body domain.ArchiveRecord `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermArchive); err != nil {
			return nil, err
		}
		rec, err := e.Archive(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ArchiveRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-archives",
		Method:      http.MethodGet,
		Path:        "/archives",
		Summary:     "List archived workorders, optionally for one feature",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Feature string `query:"feature"`
	}) (*struct {
		Body struct {
			Items []domain.ArchiveIndexEntry `json:"items"`
		} `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderRead); err != nil {
			return nil, err
		}
		var (
			items []domain.ArchiveIndexEntry
			err   error
		)
		if input.Feature != "" {
			items, err = e.Archives.Lookup(ctx, input.Feature)
		} else {
			items, err = e.Archives.Index(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.ArchiveIndexEntry `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = emptyIfNil(items)
		return out, nil
	})
}

// planFormat maps a request content type onto a document format.
func planFormat(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "yaml"):
		return docstore.FormatYAML
	case strings.Contains(ct, "toml"):
		return docstore.FormatTOML
	default:
		return docstore.FormatJSON
	}
}

func (h handlers) registerPlans(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "put-plan",
		Method:      http.MethodPut,
		Path:        "/workorders/{id}/plan",
		Summary:     "Store the plan document (JSON, YAML or TOML)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID          string `path:"id"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermPlanWrite); err != nil {
			return nil, err
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := docstore.DecodePlan(input.RawBody, planFormat(input.ContentType))
		if err != nil {
			return nil, handleError(err)
		}
		saved, err := e.SavePlan(ctx, input.ID, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: saved}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}/plan",
		Summary:     "Get the stored plan",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workorderPath) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderRead); err != nil {
			return nil, err
		}
		p, err := e.Plan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-plan",
		Method:      http.MethodPost,
		Path:        "/workorders/{id}/plan/validate",
		Summary:     "Score the stored plan against the validation threshold",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workorderPath) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermPlanValidate); err != nil {
			return nil, err
		}
		rep, err := e.ValidatePlan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		rep.Issues = emptyIfNil(rep.Issues)
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: ValidationResponse{WorkorderID: input.ID, Report: rep}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "partition-workorder",
		Method:      http.MethodPost,
		Path:        "/workorders/{id}/partition",
		Summary:     "Split the plan across agent slots",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body PartitionRequest `json:"body"`
	}) (*struct {
		Body domain.Manifest `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermPartition); err != nil {
			return nil, err
		}
		m, err := e.Partition(ctx, input.ID, input.Body.Slots)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Manifest `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-manifest",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}/manifest",
		Summary:     "Get the slot manifest",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workorderPath) (*struct {
		Body domain.Manifest `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderRead); err != nil {
			return nil, err
		}
		m, err := e.Manifest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Manifest `json:"body"`
		}{Body: m}, nil
	})
}

type slotPath struct {
	ID     string `path:"id"`
	SlotID int    `path:"slot_id" minimum:"1"`
}

func (h handlers) registerSlots(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "get-slot",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}/slots/{slot_id}",
		Summary:     "Get one slot's assignment",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *slotPath) (*struct {
		Body domain.SlotAssignment `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderRead); err != nil {
			return nil, err
		}
		m, err := e.Manifest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		s, ok := m.Slot(input.SlotID)
		if !ok {
			return nil, handleError(domain.Errorf(domain.KindNotFound, map[string]any{"slot_id": input.SlotID}, "slot %d not in manifest of %s", input.SlotID, input.ID))
		}
		return &struct {
			Body domain.SlotAssignment `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-slot",
		Method:      http.MethodPost,
		Path:        "/workorders/{id}/slots/{slot_id}/verify",
		Summary:     "Verify one slot's changed files and completed tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID     string        `path:"id"`
		SlotID int           `path:"slot_id" minimum:"1"`
		Body   VerifyRequest `json:"body"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermSlotVerify); err != nil {
			return nil, err
		}
		out, err := e.Verify(ctx, engine.VerifyInput{
			WorkorderID:      input.ID,
			SlotID:           input.SlotID,
			ChangedFiles:     input.Body.ChangedFiles,
			CompletedTaskIDs: input.Body.CompletedTaskIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-verifications",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}/verifications",
		Summary:     "List verification attempts, optionally for one slot",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Slot int    `query:"slot"`
	}) (*struct {
		Body VerificationList `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderRead); err != nil {
			return nil, err
		}
		items, err := e.Verifications(ctx, input.ID, input.Slot)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationList `json:"body"`
		}{Body: VerificationList{Items: emptyIfNil(items)}}, nil
	})
}

func (h handlers) registerDeliverables(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "submit-report",
		Method:        http.MethodPost,
		Path:          "/workorders/{id}/slots/{slot_id}/report",
		Summary:       "Submit a slot's deliverable report",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID     string                   `path:"id"`
		SlotID int                      `path:"slot_id" minimum:"1"`
		Body   domain.DeliverableReport `json:"body"`
	}) (*struct {
		Body ReportAccepted `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermSlotVerify); err != nil {
			return nil, err
		}
		if input.Body.SlotID != input.SlotID {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "slot_id in body does not match path", map[string]any{
				"path_slot_id": input.SlotID,
				"body_slot_id": input.Body.SlotID,
			})
		}
		p, err := e.SubmitReport(ctx, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportAccepted `json:"body"`
		}{Body: ReportAccepted{WorkorderID: input.ID, SlotID: input.SlotID, Path: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "aggregate-deliverables",
		Method:      http.MethodPost,
		Path:        "/workorders/{id}/aggregate",
		Summary:     "Combine every slot's deliverable report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body *AggregateRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.AggregatedReport `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermAggregate); err != nil {
			return nil, err
		}
		var reports []domain.DeliverableReport
		if input.Body != nil && len(input.Body.Reports) > 0 {
			reports = input.Body.Reports
		}
		rep, err := e.Aggregate(ctx, input.ID, reports)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AggregatedReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-aggregate",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}/aggregate",
		Summary:     "Get the stored aggregated report",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workorderPath) (*struct {
		Body domain.AggregatedReport `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermWorkorderRead); err != nil {
			return nil, err
		}
		rep, err := e.AggregatedReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AggregatedReport `json:"body"`
		}{Body: rep}, nil
	})
}

func (h handlers) registerLedger(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "query-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "Query the audit ledger",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Workorder string `query:"workorder" doc:"Workorder id or glob"`
		Event     string `query:"event" doc:"Event name or glob"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body LedgerList `json:"body"`
	}, error) {
		if err := h.require(ctx, auth.PermLedgerRead); err != nil {
			return nil, err
		}
		items, err := e.QueryLog(ctx, ledger.Query{
			Project:   e.Config.Project.ID,
			IDPattern: input.Workorder,
			Event:     input.Event,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LedgerList `json:"body"`
		}{Body: LedgerList{Items: items}}, nil
	})
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
