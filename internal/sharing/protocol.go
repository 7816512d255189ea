package sharing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// TableVersionHeader carries the resolved table version on metadata,
	// version and query responses.
	TableVersionHeader = "Delta-Table-Version"
	NDJSONContentType  = "application/x-ndjson"

	CurrentReaderVersion = 1
	FormatParquet        = "parquet"
)

type Share struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

type Schema struct {
	Name  string `json:"name"`
	Share string `json:"share"`
}

type Table struct {
	Name    string `json:"name"`
	Schema  string `json:"schema"`
	Share   string `json:"share"`
	ShareID string `json:"shareId,omitempty"`
	ID      string `json:"id,omitempty"`
}

// Ref returns the coordinates of the table.
func (t Table) Ref() TableRef {
	return TableRef{Share: t.Share, Schema: t.Schema, Name: t.Name}
}

type ListSharesResponse struct {
	Items         []Share `json:"items"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

type GetShareResponse struct {
	Share Share `json:"share"`
}

type ListSchemasResponse struct {
	Items         []Schema `json:"items"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}

type ListTablesResponse struct {
	Items         []Table `json:"items"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

type TableVersionResponse struct {
	Version int64 `json:"version"`
}

// ErrorResponse is the JSON body of every non-2xx server response.
type ErrorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// TableRef addresses one table as share.schema.table.
type TableRef struct {
	Share  string
	Schema string
	Name   string
}

func (r TableRef) String() string {
	return r.Share + "." + r.Schema + "." + r.Name
}

func (r TableRef) Validate() error {
	if strings.TrimSpace(r.Share) == "" || strings.TrimSpace(r.Schema) == "" || strings.TrimSpace(r.Name) == "" {
		return &ConfigError{Source: "table reference", Field: "table", Err: fmt.Errorf("share, schema and table are required, got %q", r.String())}
	}
	return nil
}

// ParseTableRef parses "share.schema.table". Table names may not contain dots.
func ParseTableRef(value string) (TableRef, error) {
	parts := strings.Split(strings.TrimSpace(value), ".")
	if len(parts) != 3 {
		return TableRef{}, &ConfigError{Source: "table reference", Field: "table", Err: fmt.Errorf("expected share.schema.table, got %q", value)}
	}
	ref := TableRef{Share: parts[0], Schema: parts[1], Name: parts[2]}
	if err := ref.Validate(); err != nil {
		return TableRef{}, err
	}
	return ref, nil
}

type QueryRequest struct {
	PredicateHints []string `json:"predicateHints,omitempty"`
	LimitHint      *int64   `json:"limitHint,omitempty"`
	Version        *int64   `json:"version,omitempty"`
	Timestamp      *string  `json:"timestamp,omitempty"`
}

func (q QueryRequest) Validate() error {
	if q.Version != nil && q.Timestamp != nil {
		return errors.New("version and timestamp are mutually exclusive")
	}
	if q.Version != nil && *q.Version < 0 {
		return fmt.Errorf("version must be non-negative, got %d", *q.Version)
	}
	if q.LimitHint != nil && *q.LimitHint < 0 {
		return fmt.Errorf("limitHint must be non-negative, got %d", *q.LimitHint)
	}
	if q.Timestamp != nil {
		if _, err := ParseTimestamp(*q.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// ParseTimestamp accepts the timestamp forms allowed in query requests.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

type Protocol struct {
	MinReaderVersion int `json:"minReaderVersion"`
}

type Format struct {
	Provider string            `json:"provider"`
	Options  map[string]string `json:"options,omitempty"`
}

type Metadata struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	Format           Format            `json:"format"`
	SchemaString     string            `json:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration,omitempty"`
	Version          *int64            `json:"version,omitempty"`
	Size             *int64            `json:"size,omitempty"`
	NumFiles         *int64            `json:"numFiles,omitempty"`
}

// File is one add-file action of a query manifest.
type File struct {
	ID                  string            `json:"id"`
	URL                 string            `json:"url"`
	PartitionValues     map[string]string `json:"partitionValues"`
	Size                int64             `json:"size"`
	Stats               string            `json:"stats,omitempty"`
	Version             *int64            `json:"version,omitempty"`
	Timestamp           *int64            `json:"timestamp,omitempty"`
	ExpirationTimestamp *int64            `json:"expirationTimestamp,omitempty"`
}

// ExpiresAt reports the signed URL expiration, if the server sent one.
func (f File) ExpiresAt() (time.Time, bool) {
	if f.ExpirationTimestamp == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*f.ExpirationTimestamp).UTC(), true
}

// Action is one NDJSON line. Exactly one field is set.
type Action struct {
	Protocol *Protocol `json:"protocol,omitempty"`
	MetaData *Metadata `json:"metaData,omitempty"`
	File     *File     `json:"file,omitempty"`
}

// FileStats is the decoded form of File.Stats.
type FileStats struct {
	NumRecords *int64           `json:"numRecords,omitempty"`
	MinValues  map[string]any   `json:"minValues,omitempty"`
	MaxValues  map[string]any   `json:"maxValues,omitempty"`
	NullCount  map[string]int64 `json:"nullCount,omitempty"`
}

// ParseStats decodes a stats string. Numbers are kept as json.Number so
// integer bounds survive without float rounding.
func ParseStats(raw string) (FileStats, error) {
	var stats FileStats
	if strings.TrimSpace(raw) == "" {
		return stats, nil
	}
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&stats); err != nil {
		return FileStats{}, fmt.Errorf("decode file stats: %w", err)
	}
	return stats, nil
}

func (s FileStats) Encode() (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode file stats: %w", err)
	}
	return string(payload), nil
}

// RedactURL drops the query string of a signed URL so it can be logged.
func RedactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}
