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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"orionboard/internal/domain"
	"orionboard/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"LEASE_CONFLICT"`
	Message string         `json:"message" example:"task is leased by another owner"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Orionboard API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Orionboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerLeases(group, cfg.Engine)
	registerOrions(group, cfg.Engine)
	registerBoard(group, cfg.Engine)
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

// handleError maps engine error codes onto HTTP statuses, keeping the code
// and details intact so orchestrator loops can branch without parsing
// messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := engine.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case engine.CodeVersionConflict, engine.CodeLeaseConflict, engine.CodeLeaseNotExpired:
		status = http.StatusConflict
	case engine.CodeLeaseExpired:
		status = http.StatusGone
	case engine.CodeTaskNotFound, engine.CodeOrionNotFound:
		status = http.StatusNotFound
	case engine.CodeMissingOwnerID, engine.CodeMissingLeaseContext, engine.CodeMissingActorID,
		engine.CodeMissingWorkerID, engine.CodeMissingTitle,
		engine.CodeInvalidStatus, engine.CodeInvalidExpectedVersion:
		status = http.StatusBadRequest
	case "":
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	var details map[string]any
	var ee *engine.Error
	if errors.As(err, &ee) {
		details = ee.Details
	}
	return newAPIError(status, code, err.Error(), details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "gone"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
    <title>Orionboard API Docs</title>
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

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, version, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			Priority:        input.Body.Priority,
			AssignedTo:      input.Body.AssignedTo,
			Tags:            input.Body.Tags,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskEnvelope `json:"body"`
		}{Body: TaskEnvelope{Task: t, Version: version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		AssignedTo string `query:"assigned_to"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		tasks, err := e.ListTasks(ctx, engine.TaskFilters{Status: input.Status, AssignedTo: input.AssignedTo})
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign task to a worker",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   AssignTaskRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, version, err := e.AssignTask(ctx, input.TaskID, input.Body.WorkerID, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskEnvelope `json:"body"`
		}{Body: TaskEnvelope{Task: t, Version: version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Update task status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, version, err := e.UpdateTaskStatus(ctx, engine.StatusUpdateOptions{
			TaskID:          input.TaskID,
			NewStatus:       input.Body.Status,
			OwnerID:         input.Body.OwnerID,
			LeaseToken:      input.Body.LeaseToken,
			Force:           input.Body.Force,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskEnvelope `json:"body"`
		}{Body: TaskEnvelope{Task: t, Version: version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID          string `path:"task_id"`
		ExpectedVersion *int64 `query:"expected_version"`
	}) (*struct {
		Body DeleteEnvelope `json:"body"`
	}, error) {
		version, err := e.DeleteTask(ctx, input.TaskID, input.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteEnvelope `json:"body"`
		}{Body: DeleteEnvelope{TaskID: input.TaskID, Version: version}}, nil
	})
}

func registerLeases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim exclusive task lease",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   ClaimTaskRequest `json:"body"`
	}) (*struct {
		Body ClaimEnvelope `json:"body"`
	}, error) {
		t, lease, version, err := e.ClaimTask(ctx, engine.TaskClaimOptions{
			TaskID:          input.TaskID,
			OwnerID:         input.Body.OwnerID,
			LeaseSec:        input.Body.LeaseSec,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimEnvelope `json:"body"`
		}{Body: ClaimEnvelope{Task: t, Lease: lease, Version: version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-lease",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/lease/heartbeat",
		Summary:     "Renew a held lease",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   LeaseHeartbeatRequest `json:"body"`
	}) (*struct {
		Body ClaimEnvelope `json:"body"`
	}, error) {
		t, lease, version, err := e.HeartbeatLease(ctx, engine.LeaseHeartbeatOptions{
			TaskID:     input.TaskID,
			OwnerID:    input.Body.OwnerID,
			LeaseToken: input.Body.LeaseToken,
			LeaseSec:   input.Body.LeaseSec,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimEnvelope `json:"body"`
		}{Body: ClaimEnvelope{Task: t, Lease: lease, Version: version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lease",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/release",
		Summary:     "Release a lease (normal or forced after expiry)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   ReleaseLeaseRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		actorID := input.Body.ActorID
		if actorID == "" && input.Body.ForceIfExpired {
			// Fall back to the authenticated caller for forced releases.
			if id, authErr := actorIDFromContext(ctx); authErr == nil {
				actorID = id
			}
		}
		t, version, err := e.ReleaseLease(ctx, engine.LeaseReleaseOptions{
			TaskID:         input.TaskID,
			OwnerID:        input.Body.OwnerID,
			LeaseToken:     input.Body.LeaseToken,
			NextStatus:     input.Body.NextStatus,
			ForceIfExpired: input.Body.ForceIfExpired,
			ActorID:        actorID,
			Reason:         input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskEnvelope `json:"body"`
		}{Body: TaskEnvelope{Task: t, Version: version}}, nil
	})
}

func registerOrions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-orion",
		Method:        http.MethodPost,
		Path:          "/orions",
		Summary:       "Register an orion worker instance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterOrionRequest `json:"body"`
	}) (*struct {
		Body OrionEnvelope `json:"body"`
	}, error) {
		w, version, err := e.RegisterWorker(ctx, engine.WorkerRegisterOptions{
			WorkerID:    input.Body.WorkerID,
			Config:      input.Body.Config,
			LeaseTTLSec: input.Body.LeaseTTLSec,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrionEnvelope `json:"body"`
		}{Body: OrionEnvelope{Worker: w, Version: version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-orion",
		Method:      http.MethodPost,
		Path:        "/orions/{worker_id}/heartbeat",
		Summary:     "Heartbeat an orion registration",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkerID string                `path:"worker_id"`
		Body     OrionHeartbeatRequest `json:"body"`
	}) (*struct {
		Body OrionEnvelope `json:"body"`
	}, error) {
		w, version, err := e.HeartbeatWorker(ctx, engine.WorkerHeartbeatOptions{
			WorkerID:    input.WorkerID,
			Status:      input.Body.Status,
			LeaseTTLSec: input.Body.LeaseTTLSec,
			Metadata:    input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrionEnvelope `json:"body"`
		}{Body: OrionEnvelope{Worker: w, Version: version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orions",
		Method:      http.MethodGet,
		Path:        "/orions",
		Summary:     "List orion registrations with derived liveness",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OrionListResponse `json:"body"`
	}, error) {
		workers, err := e.ListWorkers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrionListResponse `json:"body"`
		}{Body: OrionListResponse{Items: orionRows(workers, e.Now().UTC())}}, nil
	})
}

func registerBoard(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/snapshot",
		Summary:     "Full board document",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.StateSnapshot `json:"body"`
	}, error) {
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StateSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Board counters derived from a consistent snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Metrics `json:"body"`
	}, error) {
		m, err := e.Metrics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Metrics `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tail-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		N      int    `query:"n" default:"20"`
		Action string `query:"action"`
	}) (*struct {
		Body AuditTailResponse `json:"body"`
	}, error) {
		entries, err := e.AuditTail(ctx, input.N, input.Action)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		return &struct {
			Body AuditTailResponse `json:"body"`
		}{Body: AuditTailResponse{Items: entries}}, nil
	})
}
