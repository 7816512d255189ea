// Package fetch downloads and decodes the data files of a query manifest.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/duckmesh/duckshare/internal/sharing"
)

const (
	DefaultParallelism    = 4
	DefaultMaxAttempts    = 3
	DefaultRetryBase      = 200 * time.Millisecond
	DefaultBaseTimeout    = 30 * time.Second
	DefaultBytesPerSecond = 1 << 20
)

// Fetcher materializes manifests. The zero value is usable.
type Fetcher struct {
	HTTPClient  *http.Client
	Parallelism int
	// MaxAttempts bounds the tries per file, including the first.
	MaxAttempts int
	RetryBase   time.Duration
	// Each file gets BaseTimeout plus Size/BytesPerSecond seconds.
	BaseTimeout    time.Duration
	BytesPerSecond int64
	Clock          func() time.Time
	Logger         *slog.Logger
}

// withDefaults returns a copy with every unset field filled in, so one
// Fetcher can serve concurrent calls.
func (f *Fetcher) withDefaults() *Fetcher {
	out := *f
	out.ensureDefaults()
	return &out
}

func (f *Fetcher) ensureDefaults() {
	if f.HTTPClient == nil {
		f.HTTPClient = &http.Client{}
	}
	if f.Parallelism <= 0 {
		f.Parallelism = DefaultParallelism
	}
	if f.MaxAttempts <= 0 {
		f.MaxAttempts = DefaultMaxAttempts
	}
	if f.RetryBase <= 0 {
		f.RetryBase = DefaultRetryBase
	}
	if f.BaseTimeout <= 0 {
		f.BaseTimeout = DefaultBaseTimeout
	}
	if f.BytesPerSecond <= 0 {
		f.BytesPerSecond = DefaultBytesPerSecond
	}
	if f.Clock == nil {
		f.Clock = time.Now
	}
	if f.Logger == nil {
		f.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// FileTimeout is the bounded wait for one download of size bytes.
func (f *Fetcher) FileTimeout(size int64) time.Duration {
	f = f.withDefaults()
	if size <= 0 {
		return f.BaseTimeout
	}
	return f.BaseTimeout + time.Duration(float64(size)/float64(f.BytesPerSecond)*float64(time.Second))
}

type fileFailure struct {
	index int
	err   error
}

func (e *fileFailure) Error() string { return e.err.Error() }
func (e *fileFailure) Unwrap() error { return e.err }

// Materialize fetches every file of the manifest, at most Parallelism at a
// time, and returns their rows merged in manifest order. The first file
// that fails for good aborts the others.
func (f *Fetcher) Materialize(ctx context.Context, manifest sharing.Manifest) ([]sharing.Record, error) {
	f = f.withDefaults()
	if len(manifest.Files) == 0 {
		return nil, nil
	}
	schema := manifest.Schema

	results := make([][]sharing.Record, len(manifest.Files))
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Parallelism)
	for i := range manifest.Files {
		if gctx.Err() != nil {
			break
		}
		file := manifest.Files[i]
		index := i
		g.Go(func() error {
			records, err := f.fetchFile(gctx, &schema, index, file)
			if err != nil {
				return &fileFailure{index: index, err: err}
			}
			results[index] = records
			completed.Add(1)
			return nil
		})
	}
	err := g.Wait()
	done := int(completed.Load())
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, f.classify(ctx, manifest, err, done)
	}

	total := 0
	for _, records := range results {
		total += len(records)
	}
	out := make([]sharing.Record, 0, total)
	for _, records := range results {
		out = append(out, records...)
	}
	return out, nil
}

func (f *Fetcher) classify(ctx context.Context, manifest sharing.Manifest, err error, completed int) error {
	var expired *sharing.ExpiredLinkError
	if errors.As(err, &expired) {
		return expired
	}
	partial := &sharing.PartialReadError{FileIndex: -1, Completed: completed, Cause: err}
	var failure *fileFailure
	if errors.As(err, &failure) {
		file := manifest.Files[failure.index]
		partial.FileIndex = failure.index
		partial.FileID = file.ID
		partial.URL = sharing.RedactURL(file.URL)
		partial.Cause = failure.err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if completed == 0 {
			return ctxErr
		}
		// The file in flight when the caller cancelled is the one reported.
		partial.Cause = ctxErr
	}
	return partial
}

func (f *Fetcher) fetchFile(ctx context.Context, schema *sharing.TableSchema, index int, file sharing.File) ([]sharing.Record, error) {
	var data []byte
	backoff := retry.WithMaxRetries(uint64(f.MaxAttempts-1), retry.NewExponential(f.RetryBase))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if expiresAt, ok := file.ExpiresAt(); ok && !f.Clock().Before(expiresAt) {
			f.Logger.WarnContext(ctx, "signed url expired before fetch",
				slog.Int("file_index", index),
				slog.String("file_id", file.ID),
				slog.Time("expired_at", expiresAt),
			)
			return &sharing.ExpiredLinkError{FileIndex: index, FileID: file.ID, URL: sharing.RedactURL(file.URL), ExpiredAt: expiresAt}
		}
		body, err := f.download(ctx, index, file)
		if err != nil {
			if !isTransient(err) {
				return err
			}
			f.Logger.DebugContext(ctx, "file fetch failed, retrying",
				slog.Int("file_index", index),
				slog.Int("attempt", attempt),
				slog.String("url", sharing.RedactURL(file.URL)),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}

	records, err := DecodeParquet(data, schema, file.PartitionValues)
	if err != nil {
		return nil, fmt.Errorf("decode file %d: %w", index, err)
	}
	return records, nil
}

func (f *Fetcher) download(ctx context.Context, index int, file sharing.File) ([]byte, error) {
	timeout := f.FileTimeout(file.Size)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	redacted := sharing.RedactURL(file.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return nil, &sharing.ConfigError{Source: "manifest", Field: "url", Err: err}
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, redacted, timeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		// Object stores answer an expired signature with 403.
		if resp.StatusCode == http.StatusForbidden {
			if expiresAt, ok := file.ExpiresAt(); ok && !f.Clock().Before(expiresAt) {
				return nil, &sharing.ExpiredLinkError{FileIndex: index, FileID: file.ID, URL: redacted, ExpiredAt: expiresAt}
			}
		}
		return nil, &sharing.NetworkError{Op: "GET", URL: redacted, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, redacted, timeout, err)
	}
	if file.Size > 0 && int64(len(body)) != file.Size {
		return nil, &sharing.NetworkError{Op: "GET", URL: redacted, Err: fmt.Errorf("short read: got %d of %d bytes", len(body), file.Size)}
	}
	return body, nil
}

func transportError(ctx context.Context, url string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &sharing.TimeoutError{Op: "GET", URL: url, Timeout: timeout, Err: err}
	}
	return &sharing.NetworkError{Op: "GET", URL: url, Err: err}
}

// isTransient reports failures worth another attempt: transport errors,
// per-file timeouts, throttling and server side errors.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, sharing.ErrTimeout) {
		return true
	}
	var netErr *sharing.NetworkError
	if !errors.As(err, &netErr) {
		return false
	}
	switch {
	case netErr.StatusCode == 0:
		return true
	case netErr.StatusCode == http.StatusRequestTimeout, netErr.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return netErr.StatusCode >= 500
	}
}
