package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/duckshare/internal/catalog"
	"github.com/duckmesh/duckshare/internal/config"
	"github.com/duckmesh/duckshare/internal/observability"
	"github.com/duckmesh/duckshare/internal/sharing"
	"github.com/duckmesh/duckshare/internal/signer"
	"github.com/duckmesh/duckshare/internal/storage"
)

type ReadinessCheck func(context.Context) error

// Error codes understood by Delta Sharing clients.
const (
	codeUnauthenticated  = "UNAUTHENTICATED"
	codeNotFound         = "RESOURCE_DOES_NOT_EXIST"
	codeInvalidParameter = "INVALID_PARAMETER_VALUE"
	codeInternal         = "INTERNAL_ERROR"
)

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	AuthMiddleware    func(http.Handler) http.Handler
	Catalog           catalog.Reader
	Signer            signer.URLSigner
	// Gateway and ObjectStore serve /v1/files when URLs are gateway signed.
	Gateway     *signer.GatewaySigner
	ObjectStore storage.ObjectStore
	Clock       func() time.Time
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.DependencyTimeout <= 0 {
		deps.DependencyTimeout = 2 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	deps.Logger = logger

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"service": cfg.Service.Name,
		})
	})
	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness != nil {
			ctx, cancel := context.WithTimeout(r.Context(), deps.DependencyTimeout)
			defer cancel()
			if err := deps.Readiness(ctx); err != nil {
				writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", "dependencies are not ready", true)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ready",
			"service": cfg.Service.Name,
		})
	})
	mux.Handle("GET /v1/metrics", promhttp.Handler())

	files := &fileGateway{gateway: deps.Gateway, store: deps.ObjectStore, logger: logger}
	mux.Handle("GET "+signer.GatewayPathPrefix+"{key...}", files)

	protect := protector(cfg, deps)
	sh := &sharingHandlers{deps: deps, cfg: cfg.Sharing}
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET /shares", sh.listShares},
		{"GET /shares/{share}", sh.getShare},
		{"GET /shares/{share}/schemas", sh.listSchemas},
		{"GET /shares/{share}/schemas/{schema}/tables", sh.listTables},
		{"GET /shares/{share}/all-tables", sh.listAllTables},
		{"GET /shares/{share}/schemas/{schema}/tables/{table}/version", sh.tableVersion},
		{"GET /shares/{share}/schemas/{schema}/tables/{table}/metadata", sh.tableMetadata},
		{"POST /shares/{share}/schemas/{schema}/tables/{table}/query", sh.queryTable},
	}
	// Each route is registered on the root mux so the metrics middleware
	// sees the matched pattern.
	for _, route := range routes {
		var handler http.Handler = route.handler
		if deps.Catalog == nil || deps.Signer == nil {
			handler = notConfigured
		}
		mux.Handle(route.pattern, protect(handler))
	}

	return chain(mux,
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
		observability.LoggingMiddleware(logger),
	)
}

var notConfigured = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	writeError(r.Context(), w, http.StatusNotImplemented, "SHARING_NOT_CONFIGURED", "catalog or url signer is not configured", false)
})

func protector(cfg config.Config, deps Dependencies) func(http.Handler) http.Handler {
	if deps.AuthMiddleware != nil {
		return deps.AuthMiddleware
	}
	if cfg.Auth.Required {
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth is required but middleware is not configured", false)
			})
		}
	}
	return func(next http.Handler) http.Handler { return next }
}

func chain(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func CheckCatalogDSN(dsn string) ReadinessCheck {
	return func(_ context.Context) error {
		if strings.TrimSpace(dsn) == "" {
			return fmt.Errorf("catalog dsn is empty")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.ObjectStoreConfig) ReadinessCheck {
	return func(_ context.Context) error {
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return fmt.Errorf("object store endpoint is empty")
		}
		if strings.TrimSpace(cfg.Bucket) == "" {
			return fmt.Errorf("object store bucket is empty")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, sharing.ErrorResponse{
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
		TraceID:   observability.TraceIDFromContext(ctx),
	})
}

// writeCatalogError maps catalog failures onto protocol errors. Missing and
// unauthorized resources share one response.
func writeCatalogError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, codeNotFound, what+" does not exist or is not accessible", false)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	deps.Logger.ErrorContext(r.Context(), "catalog request failed",
		slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(r.Context(), w, http.StatusInternalServerError, codeInternal, "failed to read "+what, true)
}
