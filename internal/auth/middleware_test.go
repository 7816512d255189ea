package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duckmesh/duckshare/internal/catalog"
	"github.com/duckmesh/duckshare/internal/catalog/memory"
	"github.com/duckmesh/duckshare/internal/sharing"
)

func TestStaticTokenValidatorParsing(t *testing.T) {
	validator, err := NewStaticTokenValidator("t1:ops, t2:backfill")
	if err != nil {
		t.Fatalf("NewStaticTokenValidator() error = %v", err)
	}
	if validator.Len() != 2 {
		t.Fatalf("Len() = %d", validator.Len())
	}
	identity, err := validator.Validate(context.Background(), "t2")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if identity.Name != "backfill" || !identity.Unrestricted {
		t.Fatalf("identity = %#v", identity)
	}
	if _, err := validator.Validate(context.Background(), "t3"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate(t3) error = %v", err)
	}
}

func TestStaticTokenValidatorRejectsBadSpec(t *testing.T) {
	for _, spec := range []string{"invalid", "t1:", ":name"} {
		if _, err := NewStaticTokenValidator(spec); err == nil {
			t.Fatalf("expected parse error for %q", spec)
		}
	}
}

func TestCatalogTokenValidator(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	recipient, err := store.CreateRecipient(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateRecipient() error = %v", err)
	}
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)
	if _, err := store.AddRecipientToken(ctx, catalog.AddRecipientTokenInput{
		RecipientName: "alice",
		TokenHash:     HashToken("secret"),
		ExpiresAt:     &expires,
	}); err != nil {
		t.Fatalf("AddRecipientToken() error = %v", err)
	}

	validator := NewCatalogTokenValidator(store).WithClock(func() time.Time { return now })
	identity, err := validator.Validate(ctx, "secret")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if identity.RecipientID != recipient.RecipientID || identity.Unrestricted {
		t.Fatalf("identity = %#v", identity)
	}
	scope := identity.Scope()
	if scope.All || scope.RecipientID != recipient.RecipientID {
		t.Fatalf("scope = %#v", scope)
	}

	if _, err := validator.Validate(ctx, "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate(wrong) error = %v", err)
	}
	validator.WithClock(func() time.Time { return expires })
	if _, err := validator.Validate(ctx, "secret"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate(expired) error = %v", err)
	}
}

func TestFirstMatchStopsOnBackendError(t *testing.T) {
	static, err := NewStaticTokenValidator("ops-token:ops")
	if err != nil {
		t.Fatalf("NewStaticTokenValidator() error = %v", err)
	}
	failing := validatorFunc(func(context.Context, string) (Identity, error) {
		return Identity{}, errors.New("catalog down")
	})

	identity, err := FirstMatch(static, failing).Validate(context.Background(), "ops-token")
	if err != nil || identity.Name != "ops" {
		t.Fatalf("Validate(ops-token) = %#v, %v", identity, err)
	}
	if _, err := FirstMatch(static, failing).Validate(context.Background(), "other"); err == nil || errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate(other) error = %v, want backend error", err)
	}
}

func TestMiddlewareRequiresToken(t *testing.T) {
	validator, err := NewStaticTokenValidator("t1:ops")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil)), validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, header := range []string{"", "Basic dXNlcjpwYXNz", "Bearer nope"} {
		req := httptest.NewRequest(http.MethodGet, "/shares", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status for %q = %d, want %d", header, rr.Code, http.StatusUnauthorized)
		}
		var body sharing.ErrorResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.ErrorCode != "UNAUTHENTICATED" {
			t.Fatalf("errorCode = %q", body.ErrorCode)
		}
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	validator, err := NewStaticTokenValidator("t1:ops")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(nil, validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if identity.Name != "ops" {
			t.Fatalf("Name = %q", identity.Name)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/shares", nil)
	req.Header.Set("Authorization", "bearer t1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestOptionalMiddlewareAdmitsAnonymous(t *testing.T) {
	validator, err := NewStaticTokenValidator("t1:ops")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	handler := OptionalMiddleware(nil, validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if !identity.Unrestricted || identity.Name != "anonymous" {
			t.Fatalf("identity = %#v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/shares", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/shares", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d", rr.Code)
	}
}

func TestMiddlewareBackendErrorIs500(t *testing.T) {
	failing := validatorFunc(func(context.Context, string) (Identity, error) {
		return Identity{}, errors.New("catalog down")
	})
	handler := Middleware(nil, failing)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/shares", nil)
	req.Header.Set("Authorization", "Bearer any")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGenerateTokenIsRandom(t *testing.T) {
	a, b := GenerateToken(), GenerateToken()
	if a == b || len(a) != 67 {
		t.Fatalf("tokens = %q, %q", a, b)
	}
	if HashToken(a) == HashToken(b) || len(HashToken(a)) != 64 {
		t.Fatal("HashToken() does not distinguish tokens")
	}
}

type validatorFunc func(ctx context.Context, token string) (Identity, error)

func (f validatorFunc) Validate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}
