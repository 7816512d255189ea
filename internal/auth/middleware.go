package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duckmesh/duckshare/internal/observability"
	"github.com/duckmesh/duckshare/internal/sharing"
)

type contextKey string

const identityKey contextKey = "auth_identity"

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// Middleware rejects requests without a valid bearer token.
func Middleware(logger *slog.Logger, validator TokenValidator) func(http.Handler) http.Handler {
	return middleware(logger, validator, true)
}

// OptionalMiddleware admits requests without a token as Anonymous but still
// rejects tokens that fail validation.
func OptionalMiddleware(logger *slog.Logger, validator TokenValidator) func(http.Handler) http.Handler {
	return middleware(logger, validator, false)
}

func middleware(logger *slog.Logger, validator TokenValidator, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				if !required {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Anonymous())))
					return
				}
				observability.IncrementAuthFailure()
				writeUnauthorized(w, r, "missing bearer token")
				return
			}

			identity, err := validator.Validate(r.Context(), token)
			if err != nil {
				if !errors.Is(err, ErrInvalidToken) {
					if logger != nil {
						logger.ErrorContext(r.Context(), "token validation failed",
							slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
							slog.String("error", err.Error()),
						)
					}
					writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "token validation failed", true)
					return
				}
				observability.IncrementAuthFailure()
				if logger != nil {
					logger.WarnContext(r.Context(), "authentication failed",
						slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
						slog.String("path", r.URL.Path),
					)
				}
				writeUnauthorized(w, r, "invalid bearer token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if authorization == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="duckshare"`)
	writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", message, false)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(sharing.ErrorResponse{
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
		TraceID:   observability.TraceIDFromContext(r.Context()),
	})
}
