package profile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duckmesh/duckshare/internal/sharing"
)

func TestParseValidProfile(t *testing.T) {
	p, err := Parse([]byte(`{"shareCredentialsVersion":1,"endpoint":"https://example/api/","bearerToken":"t1","futureField":true}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.Endpoint() != "https://example/api" {
		t.Fatalf("Endpoint() = %q", p.Endpoint())
	}
	if p.BearerToken() != "t1" || p.ShareCredentialsVersion() != 1 {
		t.Fatalf("profile = %+v", p)
	}
	if p.Expired(time.Now()) {
		t.Fatal("profile without expiration should never expire")
	}
}

func TestParseInvalidProfiles(t *testing.T) {
	tests := map[string]string{
		"not json":            `{`,
		"missing version":     `{"endpoint":"https://e","bearerToken":"t"}`,
		"future version":      `{"shareCredentialsVersion":2,"endpoint":"https://e","bearerToken":"t"}`,
		"missing endpoint":    `{"shareCredentialsVersion":1,"bearerToken":"t"}`,
		"non http endpoint":   `{"shareCredentialsVersion":1,"endpoint":"ftp://e","bearerToken":"t"}`,
		"missing token":       `{"shareCredentialsVersion":1,"endpoint":"https://e"}`,
		"bad expiration time": `{"shareCredentialsVersion":1,"endpoint":"https://e","bearerToken":"t","expirationTime":"soon"}`,
	}
	for name, raw := range tests {
		_, err := Parse([]byte(raw))
		if !errors.Is(err, sharing.ErrConfig) {
			t.Fatalf("%s: Parse() error = %v, want ConfigError", name, err)
		}
	}
}

func TestProfileExpiration(t *testing.T) {
	p, err := Parse([]byte(`{"shareCredentialsVersion":1,"endpoint":"https://e","bearerToken":"t","expirationTime":"2021-11-12T00:12:29.0Z"}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	at, ok := p.ExpirationTime()
	if !ok || at.Year() != 2021 {
		t.Fatalf("ExpirationTime() = %v, %v", at, ok)
	}
	if p.Expired(at.Add(-time.Second)) {
		t.Fatal("profile should be valid before expiration")
	}
	if !p.Expired(at) {
		t.Fatal("profile should be expired at expiration time")
	}
}

func TestLoadFromFileAndFileURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.share")
	if err := os.WriteFile(path, []byte(`{"shareCredentialsVersion":1,"endpoint":"https://e","bearerToken":"t"}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	for _, location := range []string{path, "file://" + path} {
		p, err := Load(context.Background(), location, LoadOptions{})
		if err != nil {
			t.Fatalf("Load(%q) error = %v", location, err)
		}
		if p.Endpoint() != "https://e" {
			t.Fatalf("Endpoint() = %q", p.Endpoint())
		}
	}
	if _, err := Load(context.Background(), filepath.Join(dir, "missing"), LoadOptions{}); !errors.Is(err, sharing.ErrConfig) {
		t.Fatalf("Load(missing) error = %v", err)
	}
}

func TestLoadFromRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"shareCredentialsVersion":1,"endpoint":"https://remote","bearerToken":"t"}`))
	}))
	defer server.Close()

	p, err := Load(context.Background(), server.URL+"/profile.share", LoadOptions{HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if p.Endpoint() != "https://remote" {
		t.Fatalf("Endpoint() = %q", p.Endpoint())
	}
	if _, err := Load(context.Background(), server.URL+"/missing", LoadOptions{HTTPClient: server.Client()}); !errors.Is(err, sharing.ErrConfig) {
		t.Fatalf("Load(missing) error = %v", err)
	}
}

func TestLoadRemoteTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := Load(context.Background(), server.URL, LoadOptions{HTTPClient: server.Client(), Timeout: 50 * time.Millisecond})
	if !errors.Is(err, sharing.ErrTimeout) {
		t.Fatalf("Load() error = %v, want TimeoutError", err)
	}
}

func TestParseTableURL(t *testing.T) {
	location, ref, err := ParseTableURL("/tmp/open-datasets.share#s1.default.boston-housing")
	if err != nil {
		t.Fatalf("ParseTableURL() error = %v", err)
	}
	if location != "/tmp/open-datasets.share" || ref.String() != "s1.default.boston-housing" {
		t.Fatalf("ParseTableURL() = %q, %+v", location, ref)
	}
	for _, bad := range []string{"no-fragment", "#s1.default.t", "p#s1.default"} {
		if _, _, err := ParseTableURL(bad); err == nil {
			t.Fatalf("ParseTableURL(%q) expected error", bad)
		}
	}
}

func TestMarshalJSONRoundTrip(t *testing.T) {
	p, err := New("https://e/api", "secret", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	again, err := Parse(payload)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if again.Endpoint() != p.Endpoint() || again.BearerToken() != p.BearerToken() {
		t.Fatalf("round trip mismatch: %s", payload)
	}
	if p.String() == "" || p.IsZero() {
		t.Fatal("profile should not be zero")
	}
}
