package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vehiclecheck/internal/audit"
	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/engine"
	"vehiclecheck/internal/logging"
	"vehiclecheck/internal/resilience"
)

// Analyzer is the slice of the engine the HTTP surface needs.
type Analyzer interface {
	Analyze(ctx context.Context, req engine.Request) (engine.Result, error)
	Gateway(name domain.SupplierName) engine.Gateway
}

// LogReader serves the audit log views.
type LogReader interface {
	List(ctx context.Context, f audit.Filter, page, size int) (audit.Page, error)
	Get(ctx context.Context, id string) (domain.AuditRecord, error)
	Latest(ctx context.Context) (domain.AuditRecord, error)
	Stats(ctx context.Context) (audit.Stats, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine Analyzer
	// Logs is optional; log views answer 503 without it.
	Logs     LogReader
	BasePath string
	Version  string
	Log      *zap.Logger
	// ClientRPS throttles each remote IP; zero disables throttling.
	ClientRPS   float64
	ClientBurst int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_identifier"`
	Message string         `json:"message" example:"identifier is not a VIN, plate or registration"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the analysis API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
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
	router.Use(requestLogger(log.Named("http")))
	if cfg.ClientRPS > 0 {
		router.Use(newClientLimiter(cfg.ClientRPS, cfg.ClientBurst).middleware)
	}
	hcfg := huma.DefaultConfig("Vehicle Check API", cfg.Version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	// Amounts travel as exact decimal strings.
	hcfg.Components.Schemas.RegisterTypeAlias(reflect.TypeOf(decimal.Decimal{}), reflect.TypeOf(""))
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerDocs(router, basePath)
	registerHealth(group)
	registerAnalyze(group, cfg.Engine)
	registerSuppliers(group, cfg.Engine)
	registerLogs(group, cfg.Logs)
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
	case errors.Is(err, domain.ErrInvalidIdentifier):
		return newAPIError(http.StatusBadRequest, "invalid_identifier", err.Error(), nil)
	case errors.Is(err, domain.ErrNormalization):
		return newAPIError(http.StatusInternalServerError, "normalization_failed", "identifier could not be normalized", map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requestLogger logs one line per request with the identifier segment masked.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", maskPath(r.URL.Path)),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func maskPath(p string) string {
	i := strings.LastIndex(p, "/analyze/")
	if i < 0 {
		return p
	}
	head := p[:i+len("/analyze/")]
	return head + logging.MaskIdentifier(p[len(head):])
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join("/", basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vehicle Check API Docs</title>
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

func registerAnalyze(api huma.API, e Analyzer) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodGet,
		Path:        "/analyze/{identifier}",
		Summary:     "Consolidated vehicle analysis",
		Description: "Classifies the identifier, queries the suppliers and returns the merged analysis. " +
			"Supplier failures are reported per supplier in supplierStatus and never fail the request.",
		Errors: []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *AnalyzeRequest) (*AnalyzeResponse, error) {
		res, err := e.Analyze(ctx, engine.Request{Identifier: input.Identifier, IdempotencyKey: input.IdempotencyKey})
		if err != nil {
			return nil, handleError(err)
		}
		out := &AnalyzeResponse{IdempotencyKey: res.Key, Body: res.Analysis}
		if res.Replayed {
			out.Replayed = "true"
		}
		return out, nil
	})
}

type breakerReporter interface {
	BreakerState() resilience.State
}

func registerSuppliers(api huma.API, e Analyzer) {
	huma.Register(api, huma.Operation{
		OperationID: "supplier-status",
		Method:      http.MethodGet,
		Path:        "/suppliers/status",
		Summary:     "Circuit state per supplier",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SupplierStateResponse `json:"body"`
	}, error) {
		items := make([]SupplierStateResponse, 0, len(domain.Suppliers))
		for _, name := range domain.Suppliers {
			state := "UNKNOWN"
			if r, ok := e.Gateway(name).(breakerReporter); ok {
				state = string(r.BreakerState())
			}
			items = append(items, SupplierStateResponse{Supplier: string(name), State: state})
		}
		return &struct {
			Body []SupplierStateResponse `json:"body"`
		}{Body: items}, nil
	})
}

func registerLogs(api huma.API, logs LogReader) {
	unavailable := func() huma.StatusError {
		return newAPIError(http.StatusServiceUnavailable, "", "audit log store is not configured", nil)
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List audit records, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *ListLogsRequest) (*struct {
		Body LogPageResponse `json:"body"`
	}, error) {
		if logs == nil {
			return nil, unavailable()
		}
		page, err := logs.List(ctx, audit.Filter{VIN: input.VIN}, input.Page, input.Size)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogPageResponse `json:"body"`
		}{Body: logPageResponse(page)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "log-stats",
		Method:      http.MethodGet,
		Path:        "/logs/stats",
		Summary:     "Aggregate audit statistics",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body audit.Stats `json:"body"`
	}, error) {
		if logs == nil {
			return nil, unavailable()
		}
		st, err := logs.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body audit.Stats `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-log",
		Method:      http.MethodGet,
		Path:        "/logs/latest",
		Summary:     "Most recent audit record",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.AuditRecord `json:"body"`
	}, error) {
		if logs == nil {
			return nil, unavailable()
		}
		rec, err := logs.Latest(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-log",
		Method:      http.MethodGet,
		Path:        "/logs/{id}",
		Summary:     "Get audit record",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.AuditRecord `json:"body"`
	}, error) {
		if logs == nil {
			return nil, unavailable()
		}
		rec, err := logs.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditRecord `json:"body"`
		}{Body: rec}, nil
	})
}
