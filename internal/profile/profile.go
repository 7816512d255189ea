// Package profile loads the credential document that tells a client which
// sharing server to talk to and which bearer token to present.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/duckmesh/duckshare/internal/sharing"
)

// MaxCredentialsVersion is the newest profile format this client reads.
const MaxCredentialsVersion = 1

const maxProfileBytes = 1 << 20

// Profile is immutable once loaded. Pass it by value to every client.
type Profile struct {
	version        int
	endpoint       string
	bearerToken    string
	expirationTime *time.Time
}

type document struct {
	ShareCredentialsVersion *int    `json:"shareCredentialsVersion"`
	Endpoint                string  `json:"endpoint"`
	BearerToken             string  `json:"bearerToken"`
	ExpirationTime          *string `json:"expirationTime,omitempty"`
}

// New builds a profile in code. A zero expiration means the token does not
// expire.
func New(endpoint, bearerToken string, expiration time.Time) (Profile, error) {
	version := MaxCredentialsVersion
	doc := document{ShareCredentialsVersion: &version, Endpoint: endpoint, BearerToken: bearerToken}
	if !expiration.IsZero() {
		value := expiration.UTC().Format(time.RFC3339)
		doc.ExpirationTime = &value
	}
	return fromDocument("profile", doc)
}

// Parse decodes a profile document. Unknown fields are ignored.
func Parse(data []byte) (Profile, error) {
	return parse("profile", data)
}

func parse(source string, data []byte) (Profile, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Profile{}, &sharing.ConfigError{Source: source, Err: fmt.Errorf("decode json: %w", err)}
	}
	return fromDocument(source, doc)
}

func fromDocument(source string, doc document) (Profile, error) {
	if doc.ShareCredentialsVersion == nil {
		return Profile{}, &sharing.ConfigError{Source: source, Field: "shareCredentialsVersion", Err: errors.New("field is required")}
	}
	version := *doc.ShareCredentialsVersion
	if version < 1 || version > MaxCredentialsVersion {
		return Profile{}, &sharing.ConfigError{
			Source: source,
			Field:  "shareCredentialsVersion",
			Err:    fmt.Errorf("unsupported version %d, this client supports up to %d", version, MaxCredentialsVersion),
		}
	}

	endpoint := strings.TrimSpace(doc.Endpoint)
	if endpoint == "" {
		return Profile{}, &sharing.ConfigError{Source: source, Field: "endpoint", Err: errors.New("field is required")}
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Profile{}, &sharing.ConfigError{Source: source, Field: "endpoint", Err: fmt.Errorf("invalid http(s) url %q", endpoint)}
	}

	token := strings.TrimSpace(doc.BearerToken)
	if token == "" {
		return Profile{}, &sharing.ConfigError{Source: source, Field: "bearerToken", Err: errors.New("field is required")}
	}

	out := Profile{
		version:     version,
		endpoint:    strings.TrimRight(endpoint, "/"),
		bearerToken: token,
	}
	if doc.ExpirationTime != nil && strings.TrimSpace(*doc.ExpirationTime) != "" {
		expiration, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*doc.ExpirationTime))
		if err != nil {
			return Profile{}, &sharing.ConfigError{Source: source, Field: "expirationTime", Err: err}
		}
		expiration = expiration.UTC()
		out.expirationTime = &expiration
	}
	return out, nil
}

func (p Profile) ShareCredentialsVersion() int { return p.version }

// Endpoint is the server base URL without a trailing slash.
func (p Profile) Endpoint() string    { return p.endpoint }
func (p Profile) BearerToken() string { return p.bearerToken }

func (p Profile) ExpirationTime() (time.Time, bool) {
	if p.expirationTime == nil {
		return time.Time{}, false
	}
	return *p.expirationTime, true
}

// Expired reports whether the token is past its expiration at now.
func (p Profile) Expired(now time.Time) bool {
	return p.expirationTime != nil && !now.Before(*p.expirationTime)
}

func (p Profile) IsZero() bool {
	return p.endpoint == ""
}

func (p Profile) String() string {
	return fmt.Sprintf("profile(endpoint=%s, version=%d)", p.endpoint, p.version)
}

func (p Profile) MarshalJSON() ([]byte, error) {
	version := p.version
	doc := document{ShareCredentialsVersion: &version, Endpoint: p.endpoint, BearerToken: p.bearerToken}
	if p.expirationTime != nil {
		value := p.expirationTime.Format(time.RFC3339)
		doc.ExpirationTime = &value
	}
	return json.Marshal(doc)
}

type LoadOptions struct {
	// HTTPClient reads remote profiles. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Timeout bounds a remote read. Defaults to 10s.
	Timeout time.Duration
}

// Load reads a profile from a local path, a file:// URL or an http(s) URL.
func Load(ctx context.Context, location string, opts LoadOptions) (Profile, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return Profile{}, &sharing.ConfigError{Source: "profile", Err: errors.New("profile location is required")}
	}

	lower := strings.ToLower(location)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return loadRemote(ctx, location, opts)
	case strings.HasPrefix(lower, "file://"):
		parsed, err := url.Parse(location)
		if err != nil {
			return Profile{}, &sharing.ConfigError{Source: location, Err: err}
		}
		return loadFile(parsed.Path)
	default:
		return loadFile(location)
	}
}

func loadFile(path string) (Profile, error) {
	file, err := os.Open(path)
	if err != nil {
		return Profile{}, &sharing.ConfigError{Source: path, Err: err}
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxProfileBytes))
	if err != nil {
		return Profile{}, &sharing.ConfigError{Source: path, Err: err}
	}
	return parse(path, data)
}

func loadRemote(ctx context.Context, location string, opts LoadOptions) (Profile, error) {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	source := sharing.RedactURL(location)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return Profile{}, &sharing.ConfigError{Source: source, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Profile{}, &sharing.TimeoutError{Op: "GET", URL: source, Timeout: timeout, Err: err}
		}
		return Profile{}, &sharing.NetworkError{Op: "GET", URL: source, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, &sharing.ConfigError{Source: source, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return Profile{}, &sharing.NetworkError{Op: "GET", URL: source, Err: err}
	}
	return parse(source, data)
}

// ParseTableURL splits "<profile>#<share>.<schema>.<table>" into the profile
// location and the table reference.
func ParseTableURL(tableURL string) (string, sharing.TableRef, error) {
	idx := strings.LastIndex(tableURL, "#")
	if idx < 0 {
		return "", sharing.TableRef{}, &sharing.ConfigError{Source: "table url", Err: fmt.Errorf("expected <profile>#<share>.<schema>.<table>, got %q", tableURL)}
	}
	location := strings.TrimSpace(tableURL[:idx])
	if location == "" {
		return "", sharing.TableRef{}, &sharing.ConfigError{Source: "table url", Err: errors.New("profile location is empty")}
	}
	ref, err := sharing.ParseTableRef(tableURL[idx+1:])
	if err != nil {
		return "", sharing.TableRef{}, err
	}
	return location, ref, nil
}
