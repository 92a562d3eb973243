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

	"permitline/internal/catalog"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/repo"
	"permitline/internal/submit"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"step_blocked"`
	Message string         `json:"message" example:"step basic_info has 2 unresolved errors"`
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

// New returns an HTTP handler exposing the Permitline API.
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
			// schema-level request errors are 400 bad_request; 422 is
			// reserved for draft validation outcomes
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
	hcfg := huma.DefaultConfig("Permitline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group, cfg.Engine)
	registerDrafts(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerSubmission(group, cfg.Engine)
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
	var blocked *engine.StepBlockedError
	if errors.As(err, &blocked) {
		return newAPIError(http.StatusUnprocessableEntity, "step_blocked", err.Error(), map[string]any{
			"step":   blocked.Step.String(),
			"errors": blocked.Errors,
		})
	}
	var failure *submit.ValidationFailure
	if errors.As(err, &failure) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"step":   failure.Step.String(),
			"errors": failure.Errors,
		})
	}
	var rejected *submit.RemoteValidationError
	if errors.As(err, &rejected) {
		return newAPIError(http.StatusUnprocessableEntity, "submission_rejected", err.Error(), map[string]any{
			"step":   rejected.Step.String(),
			"errors": rejected.Errors,
		})
	}
	if errors.Is(err, engine.ErrSubmissionInFlight) {
		return newAPIError(http.StatusConflict, "submission_in_flight", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrLockedField) {
		return newAPIError(http.StatusConflict, "field_locked", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, catalog.ErrUnknownType) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "retired"):
		return newAPIError(http.StatusConflict, "draft_retired", msg, nil)
	case strings.Contains(lowered, "out of range"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"):
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
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

// actorFromRequest reads the X-Actor-Id header so event log entries can
// name who made the change. Defaults to "api".
func actorFromRequest(ctx context.Context) string {
	if r, ok := ctx.Value(requestKey{}).(*http.Request); ok {
		if actor := strings.TrimSpace(r.Header.Get("X-Actor-Id")); actor != "" {
			return actor
		}
	}
	return "api"
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
    <title>Permitline API Docs</title>
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
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCatalog(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-permit-types",
		Method:      http.MethodGet,
		Path:        "/catalog/types",
		Summary:     "List permit types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		types, degraded := e.Resolver.List(ctx)
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: CatalogResponse{Types: mapTypes(types), Degraded: degraded}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-permit-type",
		Method:      http.MethodGet,
		Path:        "/catalog/types/{id}",
		Summary:     "Get permit type",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int `path:"id"`
	}) (*struct {
		Body PermitTypeResponse `json:"body"`
	}, error) {
		pt, degraded, err := e.Resolver.Resolve(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := permitTypeResponse(pt)
		resp.Degraded = degraded
		return &struct {
			Body PermitTypeResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-hazards",
		Method:      http.MethodGet,
		Path:        "/catalog/hazards",
		Summary:     "List hazard library",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Hazard `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Hazard `json:"body"`
		}{Body: catalog.Hazards()}, nil
	})
}

func registerDrafts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/drafts",
		Summary:       "Create draft",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		s, err := e.NewDraft(ctx, actorFromRequest(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List drafts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []repo.DraftSummary `json:"body"`
	}, error) {
		items, err := e.Repo.ListDrafts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []repo.DraftSummary{}
		}
		return &struct {
			Body []repo.DraftSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{permit_number}",
		Summary:     "Get draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		s, err := e.OpenDraft(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-draft",
		Method:      http.MethodPatch,
		Path:        "/drafts/{permit_number}",
		Summary:     "Apply field changes",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PermitNumber string            `path:"permit_number"`
		Body         engine.FieldPatch `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.OpenDraft(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := s.Merge(ctx, input.Body, actorFromRequest(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-draft",
		Method:      http.MethodDelete,
		Path:        "/drafts/{permit_number}",
		Summary:     "Discard draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
	}) (*struct{}, error) {
		if s, err := e.OpenDraft(ctx, input.PermitNumber); err == nil {
			_ = s.Close(ctx)
		}
		if err := e.Repo.DeleteDraft(ctx, input.PermitNumber); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "locate-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{permit_number}/locate",
		Summary:     "Populate GPS coordinates",
		Errors: []int{
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		s, err := e.OpenDraft(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := s.Locate(ctx, actorFromRequest(ctx)); err != nil {
			// coordinates stay untouched for manual entry
			return nil, newAPIError(http.StatusBadGateway, "geolocation_unavailable", err.Error(), nil)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(s)}, nil
	})
}

func registerSteps(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "draft-steps",
		Method:      http.MethodGet,
		Path:        "/drafts/{permit_number}/steps",
		Summary:     "Per-step validation states",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
	}) (*struct {
		Body StepsResponse `json:"body"`
	}, error) {
		s, err := e.OpenDraft(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepsResponse `json:"body"`
		}{Body: stepsResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-risk",
		Method:      http.MethodGet,
		Path:        "/drafts/{permit_number}/risk",
		Summary:     "Current risk projection",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
	}) (*struct {
		Body RiskResponse `json:"body"`
	}, error) {
		s, err := e.OpenDraft(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RiskResponse `json:"body"`
		}{Body: riskResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-next",
		Method:      http.MethodPost,
		Path:        "/drafts/{permit_number}/next",
		Summary:     "Advance to next step",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
	}) (*struct {
		Body StepChangeResponse `json:"body"`
	}, error) {
		s, err := e.OpenDraft(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		step, err := s.Next(ctx, actorFromRequest(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepChangeResponse `json:"body"`
		}{Body: StepChangeResponse{Step: int(step), Name: step.String()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-prev",
		Method:      http.MethodPost,
		Path:        "/drafts/{permit_number}/prev",
		Summary:     "Return to previous step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
	}) (*struct {
		Body StepChangeResponse `json:"body"`
	}, error) {
		s, err := e.OpenDraft(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		step, err := s.Prev(ctx, actorFromRequest(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepChangeResponse `json:"body"`
		}{Body: StepChangeResponse{Step: int(step), Name: step.String()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-goto",
		Method:      http.MethodPost,
		Path:        "/drafts/{permit_number}/goto/{step}",
		Summary:     "Jump to a step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
		Step         int    `path:"step" minimum:"0" maximum:"4"`
	}) (*struct {
		Body StepChangeResponse `json:"body"`
	}, error) {
		s, err := e.OpenDraft(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		step, err := s.Goto(ctx, domain.Step(input.Step), actorFromRequest(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepChangeResponse `json:"body"`
		}{Body: StepChangeResponse{Step: int(step), Name: step.String()}}, nil
	})
}

func registerSubmission(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{permit_number}/submit",
		Summary:     "Submit permit for approval",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
	}) (*struct {
		Body ReceiptResponse `json:"body"`
	}, error) {
		s, err := e.OpenDraft(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		receipt, err := s.Submit(ctx, actorFromRequest(ctx))
		if err != nil {
			var blocked *submit.ValidationFailure
			var rejected *submit.RemoteValidationError
			if !errors.As(err, &blocked) && !errors.As(err, &rejected) &&
				!errors.Is(err, engine.ErrSubmissionInFlight) {
				return nil, newAPIError(http.StatusBadGateway, "submission_unavailable", err.Error(), nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body ReceiptResponse `json:"body"`
		}{Body: receiptResponse(receipt)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-receipt",
		Method:      http.MethodGet,
		Path:        "/submissions/{permit_number}",
		Summary:     "Get submission receipt",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PermitNumber string `path:"permit_number"`
	}) (*struct {
		Body ReceiptResponse `json:"body"`
	}, error) {
		receipt, err := e.Repo.GetReceipt(ctx, input.PermitNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReceiptResponse `json:"body"`
		}{Body: receiptResponse(receipt)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit        int    `query:"limit" default:"20"`
		PermitNumber string `query:"permit_number"`
		Type         string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.PermitNumber, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
