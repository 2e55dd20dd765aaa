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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"

	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/engine/auth"
	"fieldsync/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// CORSOrigins enables CORS for browser clients; "*" allows any origin.
	CORSOrigins []string
	// Compress gzips responses when the client accepts it.
	Compress bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"retry_too_early"`
	Message string         `json:"message" example:"retry not due yet"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"index\":0}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the sync API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(requestLogger(logger))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(newCORS(cfg.CORSOrigins).Handler)
	}
	if cfg.Compress {
		router.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Engine.CurrentTime))
	hcfg := huma.DefaultConfig("Fieldsync API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSync(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerOperations(group, cfg.Engine)
	registerChanges(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key", "X-User-Id"},
		ExposedHeaders: []string{"Content-Encoding"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	})
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Message, ve.Details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var de auth.DeviceError
	if errors.As(err, &de) {
		return newAPIError(http.StatusForbidden, "device_mismatch", err.Error(), map[string]any{"boundDeviceId": de.Bound})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotRetryable):
		return newAPIError(http.StatusConflict, "not_retryable", err.Error(), nil)
	case errors.Is(err, engine.ErrRetryExhausted):
		return newAPIError(http.StatusConflict, "retry_exhausted", err.Error(), nil)
	case errors.Is(err, engine.ErrRetryTooEarly):
		return newAPIError(http.StatusConflict, "retry_too_early", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	healthPath := path.Join("/", basePath, "health")
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
    <title>Fieldsync API Docs</title>
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

func registerSync(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Push a batch of offline mutations and pull server changes",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body SyncRequestBody `json:"body"`
	}) (*struct {
		Body domain.SyncResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deviceID := strings.TrimSpace(input.Body.DeviceID)
		if err := principal.RequireDevice(deviceID); err != nil {
			return nil, handleError(err)
		}
		resp, err := e.Sync(ctx, engine.SyncRequest{
			UserID:            principal.UserID,
			DeviceID:          deviceID,
			Items:             input.Body.Items,
			LastSyncTimestamp: input.Body.LastSyncTimestamp,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Last sync outcome for the calling user",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"userId" doc:"Operators only"`
	}) (*struct {
		Body SyncStatusResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := principal.UserID
		if input.UserID != "" {
			userID = input.UserID
		}
		if err := principal.RequireAccess(userID, "status.read_any"); err != nil {
			return nil, handleError(err)
		}
		st, err := e.Status(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncStatusResponse `json:"body"`
		}{Body: syncStatusResponse(st)}, nil
	})
}

func registerOperations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/sync/operations",
		Summary:     "List pending operations, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"PENDING,PROCESSING,SYNCED,FAILED,CONFLICT"`
		DeviceID string `query:"deviceId"`
		UserID   string `query:"userId" doc:"Operators only"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedOperations `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.OperationFilters{
			UserID:   input.UserID,
			DeviceID: input.DeviceID,
			Status:   domain.Status(input.Status),
		}
		if input.Cursor != "" {
			seq, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || seq <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.BeforeSeq = seq
		}
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1
		items, err := e.Operations(ctx, principal, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOperations{Items: []OperationResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		for _, op := range items {
			resp.Items = append(resp.Items, operationResponse(op))
		}
		return &struct {
			Body paginatedOperations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/sync/operations/{id}",
		Summary:     "Get a pending operation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := e.Operation(ctx, principal, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-operation",
		Method:      http.MethodPost,
		Path:        "/sync/operations/{id}/retry",
		Summary:     "Retry a FAILED operation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force" doc:"Ignore nextRetryAt"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := e.Retry(ctx, principal, input.ID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})
}

func registerChanges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/sync/changes",
		Summary:     "Server changes since a timestamp",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Since    string `query:"since" doc:"RFC 3339 timestamp; omitted means no changes"`
		DeviceID string `query:"deviceId"`
	}) (*struct {
		Body ChangesResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var since *time.Time
		if input.Since != "" {
			ts, err := time.Parse(time.RFC3339Nano, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since", map[string]any{"since": input.Since})
			}
			since = &ts
		}
		syncTS := e.CurrentTime()
		deviceID := strings.TrimSpace(input.DeviceID)
		if deviceID == "" {
			deviceID = principal.DeviceID
		}
		changes, err := e.ServerChanges(ctx, principal.UserID, deviceID, since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChangesResponse `json:"body"`
		}{Body: ChangesResponse{ServerChanges: nonNilSlice(changes), SyncTimestamp: syncTS}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sync/events",
		Summary:     "List recent sync events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := principal.UserID
		if principal.IsOperator() {
			userID = ""
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.EventsBefore(ctx, limit+1, cursorID, userID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
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
