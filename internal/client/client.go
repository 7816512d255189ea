// Package client talks the sharing protocol to a remote server on behalf of
// a recipient profile.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/duckmesh/duckshare/internal/profile"
	"github.com/duckmesh/duckshare/internal/sharing"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryBase  = 200 * time.Millisecond
	DefaultUserAgent  = "duckshare-client/1"

	maxErrorBody = 64 << 10
	maxPages     = 100000
)

type Options struct {
	HTTPClient *http.Client
	// Timeout bounds one round trip, body included.
	Timeout time.Duration
	Logger  *slog.Logger
	// MaxRetries is the number of extra attempts for discovery and metadata
	// calls. Negative disables retries.
	MaxRetries int
	RetryBase  time.Duration
	// PageSize is sent as maxResults. Zero leaves the page size to the server.
	PageSize  int
	UserAgent string
	Clock     func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	profile  profile.Profile
	base     *url.URL
	endpoint string
	opts     Options
}

// New binds a client to a loaded profile.
func New(p profile.Profile, opts Options) (*Client, error) {
	if p.IsZero() {
		return nil, &sharing.ConfigError{Source: "profile", Err: errors.New("profile is empty")}
	}
	base, err := url.Parse(strings.TrimRight(p.Endpoint(), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &sharing.ConfigError{Source: "profile", Field: "endpoint", Err: fmt.Errorf("invalid endpoint %q", p.Endpoint())}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.PageSize < 0 {
		opts.PageSize = 0
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Client{profile: p, base: base, endpoint: sharing.RedactURL(base.String()), opts: opts}, nil
}

func (c *Client) Profile() profile.Profile { return c.profile }

type TableMetadata struct {
	Table    sharing.TableRef
	Version  int64
	Protocol sharing.Protocol
	Metadata sharing.Metadata
	Schema   sharing.TableSchema
}

type QueryOptions struct {
	PredicateHints []string
	LimitHint      *int64
	Version        *int64
	Timestamp      *time.Time
}

func (o QueryOptions) request() sharing.QueryRequest {
	req := sharing.QueryRequest{
		PredicateHints: o.PredicateHints,
		LimitHint:      o.LimitHint,
		Version:        o.Version,
	}
	if o.Timestamp != nil {
		ts := o.Timestamp.UTC().Format(time.RFC3339Nano)
		req.Timestamp = &ts
	}
	return req
}

func (c *Client) ListShares(ctx context.Context) ([]sharing.Share, error) {
	return paginate(ctx, func(ctx context.Context, token string) ([]sharing.Share, string, error) {
		var page sharing.ListSharesResponse
		err := c.getJSON(ctx, call{op: "list shares", path: []string{"shares"}, query: c.pageQuery(token)}, &page)
		return page.Items, page.NextPageToken, err
	})
}

func (c *Client) GetShare(ctx context.Context, share string) (sharing.Share, error) {
	var resp sharing.GetShareResponse
	err := c.getJSON(ctx, call{
		op:       "get share",
		path:     []string{"shares", share},
		notFound: sharing.NotFoundError{Share: share},
	}, &resp)
	return resp.Share, err
}

func (c *Client) ListSchemas(ctx context.Context, share string) ([]sharing.Schema, error) {
	return paginate(ctx, func(ctx context.Context, token string) ([]sharing.Schema, string, error) {
		var page sharing.ListSchemasResponse
		err := c.getJSON(ctx, call{
			op:       "list schemas",
			path:     []string{"shares", share, "schemas"},
			query:    c.pageQuery(token),
			notFound: sharing.NotFoundError{Share: share},
		}, &page)
		return page.Items, page.NextPageToken, err
	})
}

func (c *Client) ListTables(ctx context.Context, share, schema string) ([]sharing.Table, error) {
	return paginate(ctx, func(ctx context.Context, token string) ([]sharing.Table, string, error) {
		var page sharing.ListTablesResponse
		err := c.getJSON(ctx, call{
			op:       "list tables",
			path:     []string{"shares", share, "schemas", schema, "tables"},
			query:    c.pageQuery(token),
			notFound: sharing.NotFoundError{Share: share, Schema: schema},
		}, &page)
		return page.Items, page.NextPageToken, err
	})
}

// ListAllTables lists every table of a share across its schemas.
func (c *Client) ListAllTables(ctx context.Context, share string) ([]sharing.Table, error) {
	return paginate(ctx, func(ctx context.Context, token string) ([]sharing.Table, string, error) {
		var page sharing.ListTablesResponse
		err := c.getJSON(ctx, call{
			op:       "list all tables",
			path:     []string{"shares", share, "all-tables"},
			query:    c.pageQuery(token),
			notFound: sharing.NotFoundError{Share: share},
		}, &page)
		return page.Items, page.NextPageToken, err
	})
}

// GetTableVersion returns the latest version, or the version current at
// startingTimestamp when one is given.
func (c *Client) GetTableVersion(ctx context.Context, ref sharing.TableRef, startingTimestamp *time.Time) (int64, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}
	query := url.Values{}
	if startingTimestamp != nil {
		query.Set("startingTimestamp", startingTimestamp.UTC().Format(time.RFC3339Nano))
	}
	var body sharing.TableVersionResponse
	resp, err := c.retrying(ctx, call{
		op:       "get table version",
		path:     tablePath(ref, "version"),
		query:    query,
		notFound: notFoundTable(ref),
	})
	if err != nil {
		return 0, err
	}
	if version, ok := headerVersion(resp.header); ok {
		return version, nil
	}
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return 0, c.decodeError("get table version", err)
	}
	return body.Version, nil
}

func (c *Client) GetTableMetadata(ctx context.Context, ref sharing.TableRef) (TableMetadata, error) {
	if err := ref.Validate(); err != nil {
		return TableMetadata{}, err
	}
	resp, err := c.retrying(ctx, call{
		op:       "get table metadata",
		path:     tablePath(ref, "metadata"),
		notFound: notFoundTable(ref),
	})
	if err != nil {
		return TableMetadata{}, err
	}
	decoded, err := sharing.DecodeQueryResponse(bytes.NewReader(resp.body))
	if err != nil {
		return TableMetadata{}, c.decodeError("get table metadata", err)
	}
	schema, err := sharing.ParseSchema(decoded.Metadata.SchemaString)
	if err != nil {
		return TableMetadata{}, c.decodeError("get table metadata", err)
	}
	return TableMetadata{
		Table:    ref,
		Version:  responseVersion(resp.header, decoded.Metadata),
		Protocol: decoded.Protocol,
		Metadata: decoded.Metadata,
		Schema:   schema,
	}, nil
}

// QueryTable asks the server for the file manifest of one table version.
// Query calls are never retried: a second attempt could observe a newer
// version.
func (c *Client) QueryTable(ctx context.Context, ref sharing.TableRef, opts QueryOptions) (sharing.Manifest, error) {
	if err := ref.Validate(); err != nil {
		return sharing.Manifest{}, err
	}
	request := opts.request()
	if err := request.Validate(); err != nil {
		return sharing.Manifest{}, &sharing.ConfigError{Source: "query", Err: err}
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return sharing.Manifest{}, &sharing.ConfigError{Source: "query", Err: err}
	}
	resp, err := c.do(ctx, call{
		op:       "query table",
		method:   http.MethodPost,
		path:     tablePath(ref, "query"),
		body:     payload,
		notFound: notFoundTable(ref),
	})
	if err != nil {
		return sharing.Manifest{}, err
	}
	decoded, err := sharing.DecodeQueryResponse(bytes.NewReader(resp.body))
	if err != nil {
		return sharing.Manifest{}, c.decodeError("query table", err)
	}
	manifest, err := sharing.NewManifest(ref, responseVersion(resp.header, decoded.Metadata), decoded)
	if err != nil {
		return sharing.Manifest{}, c.decodeError("query table", err)
	}
	c.opts.Logger.DebugContext(ctx, "table query answered",
		slog.String("table", ref.String()),
		slog.Int64("version", manifest.Version),
		slog.Int("files", len(manifest.Files)),
	)
	return manifest, nil
}

type call struct {
	op       string
	method   string
	path     []string
	query    url.Values
	body     []byte
	notFound sharing.NotFoundError
}

type response struct {
	header http.Header
	body   []byte
}

func (c *Client) getJSON(ctx context.Context, req call, out any) error {
	resp, err := c.retrying(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return c.decodeError(req.op, err)
	}
	return nil
}

// retrying runs an idempotent call with bounded exponential backoff on
// transport failures, timeouts and 5xx answers.
func (c *Client) retrying(ctx context.Context, req call) (response, error) {
	var out response
	backoff := retry.WithMaxRetries(uint64(c.opts.MaxRetries), retry.NewExponential(c.opts.RetryBase))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp, err := c.do(ctx, req)
		if err != nil {
			if retryable(err) {
				c.opts.Logger.DebugContext(ctx, "sharing call failed, retrying",
					slog.String("op", req.op),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
				return retry.RetryableError(err)
			}
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (c *Client) do(ctx context.Context, req call) (response, error) {
	if c.profile.Expired(c.opts.Clock()) {
		expiry, _ := c.profile.ExpirationTime()
		return response{}, &sharing.AuthError{Endpoint: c.endpoint, Message: "profile token expired at " + expiry.Format(time.RFC3339)}
	}
	method := req.method
	if method == "" {
		method = http.MethodGet
	}
	target := c.url(req.path, req.query)
	redacted := sharing.RedactURL(target)

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return response{}, &sharing.ConfigError{Source: "request", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.profile.BearerToken())
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	httpReq.Header.Set("Accept", "application/json, "+sharing.NDJSONContentType)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return response{}, c.transportError(ctx, callCtx, method, redacted, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return response{}, c.statusError(req, method, redacted, resp.StatusCode, raw)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, c.transportError(ctx, callCtx, method, redacted, err)
	}
	return response{header: resp.Header, body: payload}, nil
}

func (c *Client) url(segments []string, query url.Values) string {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	target := c.base.JoinPath(escaped...)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (c *Client) pageQuery(token string) url.Values {
	query := url.Values{}
	if c.opts.PageSize > 0 {
		query.Set("maxResults", strconv.Itoa(c.opts.PageSize))
	}
	if token != "" {
		query.Set("pageToken", token)
	}
	return query
}

func (c *Client) transportError(parent, callCtx context.Context, method, target string, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &sharing.TimeoutError{Op: method, URL: target, Timeout: c.opts.Timeout, Err: err}
	}
	return &sharing.NetworkError{Op: method, URL: target, Err: err}
}

func (c *Client) statusError(req call, method, target string, status int, raw []byte) error {
	message := strings.TrimSpace(string(raw))
	var body sharing.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		message = body.Message
		if body.ErrorCode != "" {
			message = body.ErrorCode + ": " + body.Message
		}
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &sharing.AuthError{Endpoint: c.endpoint, StatusCode: status, Message: message}
	case status == http.StatusNotFound:
		notFound := req.notFound
		notFound.Message = message
		return &notFound
	case status == http.StatusBadRequest:
		return &sharing.ConfigError{Source: req.op, Err: errors.New(message)}
	default:
		return &sharing.NetworkError{Op: method, URL: target, StatusCode: status, Err: errors.New(message)}
	}
}

func (c *Client) decodeError(op string, err error) error {
	return &sharing.NetworkError{Op: op, URL: c.endpoint, Err: fmt.Errorf("decode response: %w", err)}
}

func retryable(err error) bool {
	if errors.Is(err, sharing.ErrTimeout) {
		return true
	}
	var netErr *sharing.NetworkError
	if !errors.As(err, &netErr) {
		return false
	}
	return netErr.StatusCode == 0 || netErr.StatusCode == http.StatusTooManyRequests || netErr.StatusCode >= 500
}

// paginate follows nextPageToken until the server stops sending one.
func paginate[T any](ctx context.Context, page func(context.Context, string) ([]T, string, error)) ([]T, error) {
	var out []T
	token := ""
	seen := map[string]struct{}{}
	for i := 0; i < maxPages; i++ {
		items, next, err := page(ctx, token)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if next == "" {
			return out, nil
		}
		if _, ok := seen[next]; ok {
			return nil, &sharing.NetworkError{Op: "paginate", Err: fmt.Errorf("server repeated page token %q", next)}
		}
		seen[next] = struct{}{}
		token = next
	}
	return nil, &sharing.NetworkError{Op: "paginate", Err: fmt.Errorf("more than %d pages", maxPages)}
}

func tablePath(ref sharing.TableRef, leaf string) []string {
	return []string{"shares", ref.Share, "schemas", ref.Schema, "tables", ref.Name, leaf}
}

func notFoundTable(ref sharing.TableRef) sharing.NotFoundError {
	return sharing.NotFoundError{Share: ref.Share, Schema: ref.Schema, Table: ref.Name}
}

func headerVersion(header http.Header) (int64, bool) {
	raw := strings.TrimSpace(header.Get(sharing.TableVersionHeader))
	if raw == "" {
		return 0, false
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return version, true
}

func responseVersion(header http.Header, metadata sharing.Metadata) int64 {
	if version, ok := headerVersion(header); ok {
		return version
	}
	if metadata.Version != nil {
		return *metadata.Version
	}
	return -1
}
