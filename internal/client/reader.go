package client

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/duckmesh/duckshare/internal/fetch"
	"github.com/duckmesh/duckshare/internal/predicate"
	"github.com/duckmesh/duckshare/internal/sharing"
)

// ReadOptions select and filter the rows of one table read.
type ReadOptions struct {
	// Where is applied exactly to the materialized rows and also sent to the
	// server as a predicate hint.
	Where string
	// PredicateHints are sent to the server and not applied locally.
	PredicateHints []string
	// Columns projects the result. The filter may use columns that are not
	// selected. Empty keeps every column.
	Columns   []string
	Limit     *int64
	Version   *int64
	Timestamp *time.Time
}

type Result struct {
	Table   sharing.TableRef
	Version int64
	Schema  sharing.TableSchema
	Records []sharing.Record
	Files   int
	Cached  bool
}

type cacheKey struct {
	version int64
	where   string
	hints   string
	columns string
	limit   int64
}

type tableCache struct {
	schemaString string
	results      map[cacheKey]Result
}

// TableReader turns query manifests into rows. It remembers the last schema
// seen per table and the rows already materialized for each version; a
// schema change drops everything cached for that table.
type TableReader struct {
	client  *Client
	fetcher *fetch.Fetcher
	logger  *slog.Logger

	mu     sync.Mutex
	tables map[sharing.TableRef]*tableCache
}

func NewTableReader(client *Client, fetcher *fetch.Fetcher) *TableReader {
	if fetcher == nil {
		fetcher = &fetch.Fetcher{HTTPClient: client.opts.HTTPClient, Clock: client.opts.Clock, Logger: client.opts.Logger}
	}
	return &TableReader{
		client:  client,
		fetcher: fetcher,
		logger:  client.opts.Logger,
		tables:  map[sharing.TableRef]*tableCache{},
	}
}

// Read queries the table, downloads the files of the returned version and
// applies the filter and limit locally. Hints only narrow the files the
// server returns, so the local filter is what makes the result exact.
func (r *TableReader) Read(ctx context.Context, ref sharing.TableRef, opts ReadOptions) (Result, error) {
	var filter predicate.Expr
	if where := strings.TrimSpace(opts.Where); where != "" {
		expr, err := predicate.Parse(where)
		if err != nil {
			return Result{}, &sharing.ConfigError{Source: "where", Err: err}
		}
		filter = expr
	}
	if opts.Limit != nil && *opts.Limit < 0 {
		return Result{}, &sharing.ConfigError{Source: "read", Field: "limit", Err: fmt.Errorf("limit must be non-negative, got %d", *opts.Limit)}
	}

	hints := append([]string(nil), opts.PredicateHints...)
	if filter != nil {
		hints = append(hints, filter.String())
	}
	manifest, err := r.client.QueryTable(ctx, ref, QueryOptions{
		PredicateHints: hints,
		LimitHint:      opts.Limit,
		Version:        opts.Version,
		Timestamp:      opts.Timestamp,
	})
	if err != nil {
		return Result{}, err
	}

	key := cacheKey{
		version: manifest.Version,
		where:   opts.Where,
		hints:   strings.Join(opts.PredicateHints, "\x00"),
		columns: strings.Join(opts.Columns, "\x00"),
		limit:   -1,
	}
	if opts.Limit != nil {
		key.limit = *opts.Limit
	}
	if cached, ok := r.lookup(ref, manifest.Metadata.SchemaString, key); ok {
		cached.Cached = true
		cached.Records = slices.Clone(cached.Records)
		return cached, nil
	}

	schema := manifest.Schema
	if len(opts.Columns) > 0 {
		selected, err := manifest.Schema.Select(opts.Columns...)
		if err != nil {
			return Result{}, &sharing.ConfigError{Source: "read", Field: "columns", Err: err}
		}
		schema = selected
	}

	records, err := r.fetcher.Materialize(ctx, manifest)
	if err != nil {
		return Result{}, err
	}
	if filter != nil {
		kept := records[:0]
		for _, record := range records {
			if filter.Eval(record) {
				kept = append(kept, record)
			}
		}
		records = kept
	}
	if opts.Limit != nil && int64(len(records)) > *opts.Limit {
		records = records[:*opts.Limit]
	}
	if len(opts.Columns) > 0 {
		for i := range records {
			records[i] = records[i].Project(&schema)
		}
	}

	result := Result{
		Table:   ref,
		Version: manifest.Version,
		Schema:  schema,
		Records: records,
		Files:   len(manifest.Files),
	}
	r.store(ref, manifest.Metadata.SchemaString, key, result)
	return result, nil
}

// Invalidate forgets everything cached for ref.
func (r *TableReader) Invalidate(ref sharing.TableRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, ref)
}

func (r *TableReader) lookup(ref sharing.TableRef, schemaString string, key cacheKey) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cache, ok := r.tables[ref]
	if !ok {
		return Result{}, false
	}
	if cache.schemaString != schemaString {
		r.logger.Info("table schema changed, dropping cached results",
			slog.String("table", ref.String()),
			slog.Int("cached_results", len(cache.results)),
		)
		delete(r.tables, ref)
		return Result{}, false
	}
	result, ok := cache.results[key]
	return result, ok
}

func (r *TableReader) store(ref sharing.TableRef, schemaString string, key cacheKey, result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cache, ok := r.tables[ref]
	if !ok || cache.schemaString != schemaString {
		cache = &tableCache{schemaString: schemaString, results: map[cacheKey]Result{}}
		r.tables[ref] = cache
	}
	cache.results[key] = result
}
