package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duckmesh/duckshare/internal/profile"
	"github.com/duckmesh/duckshare/internal/sharing"
)

func newTestClient(t *testing.T, endpoint string, opts Options) *Client {
	t.Helper()
	p, err := profile.New(endpoint, "token-1", time.Time{})
	if err != nil {
		t.Fatalf("profile.New() error = %v", err)
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	c, err := New(p, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestListSharesFollowsPageTokens(t *testing.T) {
	all := []sharing.Share{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"}}
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/delta-sharing/shares" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("maxResults"); got != "2" {
			t.Errorf("maxResults = %q", got)
		}
		offset := 0
		if token := r.URL.Query().Get("pageToken"); token != "" {
			offset, _ = strconv.Atoi(token)
		}
		end := min(offset+2, len(all))
		resp := sharing.ListSharesResponse{Items: all[offset:end]}
		if end < len(all) {
			resp.NextPageToken = strconv.Itoa(end)
		}
		writeJSON(t, w, http.StatusOK, resp)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/delta-sharing/", Options{PageSize: 2})
	first, err := c.ListShares(context.Background())
	if err != nil {
		t.Fatalf("ListShares() error = %v", err)
	}
	if len(first) != 5 || first[0].Name != "a" || first[4].Name != "e" {
		t.Fatalf("shares = %+v", first)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}

	second, err := c.ListShares(context.Background())
	if err != nil {
		t.Fatalf("ListShares() error = %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("pagination is not stable: %+v vs %+v", first, second)
		}
	}
}

func TestPaginationRejectsRepeatedToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, sharing.ListSharesResponse{Items: []sharing.Share{{Name: "a"}}, NextPageToken: "same"})
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, Options{}).ListShares(context.Background())
	if !errors.Is(err, sharing.ErrNetwork) {
		t.Fatalf("ListShares() error = %v, want network error", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: sharing.ErrAuth},
		{name: "forbidden", status: http.StatusForbidden, want: sharing.ErrAuth},
		{name: "not found", status: http.StatusNotFound, want: sharing.ErrNotFound},
		{name: "bad request", status: http.StatusBadRequest, want: sharing.ErrConfig},
		{name: "server error", status: http.StatusInternalServerError, want: sharing.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, tt.status, sharing.ErrorResponse{ErrorCode: "CODE", Message: "boom"})
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL, Options{MaxRetries: -1}).GetShare(context.Background(), "s1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("GetShare() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNotFoundCarriesTableCoordinates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, sharing.ErrorResponse{ErrorCode: "RESOURCE_DOES_NOT_EXIST", Message: "table does not exist"})
	}))
	defer server.Close()

	ref := sharing.TableRef{Share: "s", Schema: "d", Name: "t"}
	_, err := newTestClient(t, server.URL, Options{}).GetTableVersion(context.Background(), ref, nil)
	var notFound *sharing.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("GetTableVersion() error = %v", err)
	}
	if notFound.Share != "s" || notFound.Schema != "d" || notFound.Table != "t" {
		t.Fatalf("not found = %+v", notFound)
	}
}

func TestDiscoveryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, http.StatusOK, sharing.ListSchemasResponse{Items: []sharing.Schema{{Name: "default", Share: "s1"}}})
	}))
	defer server.Close()

	schemas, err := newTestClient(t, server.URL, Options{MaxRetries: 3}).ListSchemas(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListSchemas() error = %v", err)
	}
	if len(schemas) != 1 || calls.Load() != 3 {
		t.Fatalf("schemas = %+v calls = %d", schemas, calls.Load())
	}
}

func TestQueryTableIsNeverRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ref := sharing.TableRef{Share: "s", Schema: "d", Name: "t"}
	_, err := newTestClient(t, server.URL, Options{MaxRetries: 5}).QueryTable(context.Background(), ref, QueryOptions{})
	if !errors.Is(err, sharing.ErrNetwork) {
		t.Fatalf("QueryTable() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestQueryTableSendsRequestAndDecodesManifest(t *testing.T) {
	schemaString := `{"type":"struct","fields":[{"name":"x","type":"long","nullable":true,"metadata":{}}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/shares/s one/schemas/d/tables/t/query" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req sharing.QueryRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.PredicateHints) != 1 || req.Version == nil || *req.Version != 4 {
			t.Errorf("request = %s", body)
		}
		w.Header().Set(sharing.TableVersionHeader, "4")
		out := sharing.NewActionWriter(w)
		_ = out.Write(sharing.Action{Protocol: &sharing.Protocol{MinReaderVersion: 1}})
		_ = out.Write(sharing.Action{MetaData: &sharing.Metadata{ID: "m", Format: sharing.Format{Provider: "parquet"}, SchemaString: schemaString}})
		_ = out.Write(sharing.Action{File: &sharing.File{ID: "f1", URL: "https://example.com/f1?sig=x", Size: 10}})
	}))
	defer server.Close()

	version := int64(4)
	ref := sharing.TableRef{Share: "s one", Schema: "d", Name: "t"}
	manifest, err := newTestClient(t, server.URL, Options{}).QueryTable(context.Background(), ref, QueryOptions{
		PredicateHints: []string{"x > 1"},
		Version:        &version,
	})
	if err != nil {
		t.Fatalf("QueryTable() error = %v", err)
	}
	if manifest.Version != 4 || len(manifest.Files) != 1 || manifest.Schema.Len() != 1 || manifest.Table != ref {
		t.Fatalf("manifest = %+v", manifest)
	}
}

func TestQueryTableRejectsVersionAndTimestamp(t *testing.T) {
	version := int64(1)
	now := time.Now()
	c := newTestClient(t, "http://127.0.0.1:1", Options{})
	_, err := c.QueryTable(context.Background(), sharing.TableRef{Share: "s", Schema: "d", Name: "t"}, QueryOptions{Version: &version, Timestamp: &now})
	if !errors.Is(err, sharing.ErrConfig) {
		t.Fatalf("QueryTable() error = %v, want config error", err)
	}
}

func TestExpiredProfileFailsBeforeRoundTrip(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	p, err := profile.New(server.URL, "token-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("profile.New() error = %v", err)
	}
	c, err := New(p, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := c.ListShares(context.Background()); !errors.Is(err, sharing.ErrAuth) {
		t.Fatalf("ListShares() error = %v, want auth error", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("calls = %d, want 0", calls.Load())
	}
}

func TestSlowServerIsTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Options{Timeout: 20 * time.Millisecond, MaxRetries: -1})
	_, err := c.ListShares(context.Background())
	if !errors.Is(err, sharing.ErrTimeout) {
		t.Fatalf("ListShares() error = %v, want timeout", err)
	}
}

func TestCancelledContextIsReturnedAsIs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestClient(t, "http://127.0.0.1:1", Options{})
	if _, err := c.ListShares(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("ListShares() error = %v, want context.Canceled", err)
	}
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	p, err := profile.New("not a url", "token", time.Time{})
	if err == nil {
		if _, err := New(p, Options{}); !errors.Is(err, sharing.ErrConfig) {
			t.Fatalf("New() error = %v, want config error", err)
		}
		return
	}
	if !errors.Is(err, sharing.ErrConfig) {
		t.Fatalf("profile.New() error = %v", err)
	}
}
