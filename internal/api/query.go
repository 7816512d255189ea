package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/duckmesh/duckshare/internal/catalog"
	"github.com/duckmesh/duckshare/internal/observability"
	"github.com/duckmesh/duckshare/internal/predicate"
	"github.com/duckmesh/duckshare/internal/sharing"
)

// versionError is a version selector the table cannot satisfy.
type versionError struct {
	status  int
	code    string
	message string
}

func (e *versionError) Error() string { return e.message }

func (h *sharingHandlers) resolveTable(w http.ResponseWriter, r *http.Request) (catalog.Table, bool) {
	table, err := h.deps.Catalog.GetTable(r.Context(), requestScope(r),
		r.PathValue("share"), r.PathValue("schema"), r.PathValue("table"))
	if err != nil {
		writeCatalogError(h.deps, w, r, err, "table")
		return catalog.Table{}, false
	}
	return table, true
}

// resolveVersion picks the snapshot a request reads. Every later lookup in
// the request uses the returned version number and never "latest" again.
func (h *sharingHandlers) resolveVersion(ctx context.Context, table catalog.Table, version *int64, timestamp *string) (catalog.TableVersion, error) {
	switch {
	case version != nil:
		resolved, err := h.deps.Catalog.GetVersion(ctx, table.TableID, *version)
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.TableVersion{}, &versionError{http.StatusNotFound, codeNotFound, fmt.Sprintf("version %d of table %s does not exist", *version, table.Name)}
		}
		return resolved, err
	case timestamp != nil:
		at, err := sharing.ParseTimestamp(*timestamp)
		if err != nil {
			return catalog.TableVersion{}, &versionError{http.StatusBadRequest, codeInvalidParameter, err.Error()}
		}
		if at.After(h.deps.Clock().UTC()) {
			return catalog.TableVersion{}, &versionError{http.StatusBadRequest, codeInvalidParameter, fmt.Sprintf("timestamp %s is in the future", *timestamp)}
		}
		resolved, err := h.deps.Catalog.GetVersionAt(ctx, table.TableID, at)
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.TableVersion{}, &versionError{http.StatusBadRequest, codeInvalidParameter, fmt.Sprintf("timestamp %s is before the first version of table %s", *timestamp, table.Name)}
		}
		return resolved, err
	default:
		resolved, err := h.deps.Catalog.GetLatestVersion(ctx, table.TableID)
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.TableVersion{}, &versionError{http.StatusNotFound, codeNotFound, fmt.Sprintf("table %s has no published version", table.Name)}
		}
		return resolved, err
	}
}

func (h *sharingHandlers) writeVersionError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *versionError
	if errors.As(err, &verr) {
		writeError(r.Context(), w, verr.status, verr.code, verr.message, false)
		return
	}
	writeCatalogError(h.deps, w, r, err, "table version")
}

func (h *sharingHandlers) tableVersion(w http.ResponseWriter, r *http.Request) {
	table, ok := h.resolveTable(w, r)
	if !ok {
		return
	}
	var timestamp *string
	if raw := r.URL.Query().Get("startingTimestamp"); raw != "" {
		timestamp = &raw
	}
	version, err := h.resolveVersion(r.Context(), table, nil, timestamp)
	if err != nil {
		h.writeVersionError(w, r, err)
		return
	}
	w.Header().Set(sharing.TableVersionHeader, strconv.FormatInt(version.Version, 10))
	writeJSON(w, http.StatusOK, sharing.TableVersionResponse{Version: version.Version})
}

func (h *sharingHandlers) tableMetadata(w http.ResponseWriter, r *http.Request) {
	table, ok := h.resolveTable(w, r)
	if !ok {
		return
	}
	version, err := h.resolveVersion(r.Context(), table, nil, nil)
	if err != nil {
		h.writeVersionError(w, r, err)
		return
	}
	files, err := h.deps.Catalog.ListVersionFiles(r.Context(), table.TableID, version.Version)
	if err != nil {
		writeCatalogError(h.deps, w, r, err, "table files")
		return
	}

	w.Header().Set("Content-Type", sharing.NDJSONContentType)
	w.Header().Set(sharing.TableVersionHeader, strconv.FormatInt(version.Version, 10))
	w.WriteHeader(http.StatusOK)
	out := sharing.NewActionWriter(w)
	_ = out.Write(sharing.Action{Protocol: &sharing.Protocol{MinReaderVersion: sharing.CurrentReaderVersion}})
	_ = out.Write(sharing.Action{MetaData: metadataAction(table, version, files)})
}

func (h *sharingHandlers) queryTable(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	table, ok := h.resolveTable(w, r)
	if !ok {
		observability.ObserveTableQuery("not_found", 0, 0, time.Since(start))
		return
	}

	var request sharing.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		observability.ObserveTableQuery("invalid", 0, 0, time.Since(start))
		writeError(r.Context(), w, http.StatusBadRequest, codeInvalidParameter, "invalid query request body", false)
		return
	}
	if err := request.Validate(); err != nil {
		observability.ObserveTableQuery("invalid", 0, 0, time.Since(start))
		writeError(r.Context(), w, http.StatusBadRequest, codeInvalidParameter, err.Error(), false)
		return
	}

	version, err := h.resolveVersion(r.Context(), table, request.Version, request.Timestamp)
	if err != nil {
		observability.ObserveTableQuery("invalid", 0, 0, time.Since(start))
		h.writeVersionError(w, r, err)
		return
	}
	files, err := h.deps.Catalog.ListVersionFiles(r.Context(), table.TableID, version.Version)
	if err != nil {
		observability.ObserveTableQuery("error", 0, 0, time.Since(start))
		writeCatalogError(h.deps, w, r, err, "table files")
		return
	}

	selected := h.selectFiles(r.Context(), version, files, request)
	actions := make([]sharing.File, 0, len(selected))
	for _, file := range selected {
		signed, err := h.deps.Signer.Sign(r.Context(), file.ObjectKey)
		if err != nil {
			observability.ObserveTableQuery("error", 0, 0, time.Since(start))
			h.deps.Logger.ErrorContext(r.Context(), "sign file url failed",
				slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
				slog.String("file_id", file.FileID),
				slog.String("error", err.Error()),
			)
			writeError(r.Context(), w, http.StatusInternalServerError, codeInternal, "failed to sign file urls", true)
			return
		}
		expires := signed.ExpiresAt.UnixMilli()
		actions = append(actions, sharing.File{
			ID:                  file.FileID,
			URL:                 signed.URL,
			PartitionValues:     nonNilPartitions(file.PartitionValues),
			Size:                file.SizeBytes,
			Stats:               file.StatsJSON,
			ExpirationTimestamp: &expires,
		})
	}
	observability.ObserveURLsSigned(h.deps.Signer.Name(), len(actions))

	w.Header().Set("Content-Type", sharing.NDJSONContentType)
	w.Header().Set(sharing.TableVersionHeader, strconv.FormatInt(version.Version, 10))
	w.WriteHeader(http.StatusOK)
	out := sharing.NewActionWriter(w)
	if err := out.Write(sharing.Action{Protocol: &sharing.Protocol{MinReaderVersion: sharing.CurrentReaderVersion}}); err != nil {
		return
	}
	if err := out.Write(sharing.Action{MetaData: metadataAction(table, version, files)}); err != nil {
		return
	}
	for i := range actions {
		if err := out.Write(sharing.Action{File: &actions[i]}); err != nil {
			return
		}
	}
	observability.ObserveTableQuery("ok", len(actions), len(files)-len(actions), time.Since(start))
	h.deps.Logger.DebugContext(r.Context(), "table query served",
		slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
		slog.String("table", table.ShareName+"."+table.SchemaName+"."+table.Name),
		slog.Int64("version", version.Version),
		slog.Int("files", len(actions)),
		slog.Int("pruned", len(files)-len(actions)),
	)
}

// selectFiles drops files whose statistics prove that no row matches the
// predicate hints. Without usable hints it stops once limitHint rows are
// covered. Hints that fail to parse are ignored, which can only widen the
// result.
func (h *sharingHandlers) selectFiles(ctx context.Context, version catalog.TableVersion, files []catalog.DataFile, request sharing.QueryRequest) []catalog.DataFile {
	expr := h.parseHints(ctx, request.PredicateHints)
	var schema sharing.TableSchema
	if expr != nil {
		parsed, err := sharing.ParseSchema(version.SchemaString)
		if err != nil {
			h.deps.Logger.WarnContext(ctx, "table schema unreadable, predicate hints ignored",
				slog.String("trace_id", observability.TraceIDFromContext(ctx)),
				slog.String("error", err.Error()),
			)
			expr = nil
		}
		schema = parsed
	}

	var rowsCovered int64
	selected := make([]catalog.DataFile, 0, len(files))
	for _, file := range files {
		if request.LimitHint != nil && rowsCovered >= *request.LimitHint {
			break
		}
		if expr != nil {
			stats, err := sharing.ParseStats(file.StatsJSON)
			if err != nil {
				stats = sharing.FileStats{}
			}
			if !predicate.MayMatch(expr, predicate.NewFileSummary(schema, stats, file.PartitionValues)) {
				continue
			}
		}
		selected = append(selected, file)
		// Rows of a file that only may match do not count against the limit.
		if expr == nil && file.RecordCount > 0 {
			rowsCovered += file.RecordCount
		}
	}
	return selected
}

func (h *sharingHandlers) parseHints(ctx context.Context, hints []string) predicate.Expr {
	var out predicate.Expr
	for _, hint := range hints {
		if h.cfg.MaxPredicateLen > 0 && len(hint) > h.cfg.MaxPredicateLen {
			continue
		}
		expr, err := predicate.Parse(hint)
		if err != nil {
			h.deps.Logger.DebugContext(ctx, "predicate hint ignored",
				slog.String("trace_id", observability.TraceIDFromContext(ctx)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if out == nil {
			out = expr
			continue
		}
		out = predicate.And{Left: out, Right: expr}
	}
	return out
}

func metadataAction(table catalog.Table, version catalog.TableVersion, files []catalog.DataFile) *sharing.Metadata {
	var size int64
	for _, file := range files {
		size += file.SizeBytes
	}
	numFiles := int64(len(files))
	v := version.Version
	partitions := version.PartitionColumns
	if partitions == nil {
		partitions = []string{}
	}
	return &sharing.Metadata{
		ID:               table.TableID,
		Name:             table.Name,
		Description:      table.Description,
		Format:           sharing.Format{Provider: sharing.FormatParquet},
		SchemaString:     version.SchemaString,
		PartitionColumns: partitions,
		Version:          &v,
		Size:             &size,
		NumFiles:         &numFiles,
	}
}

func nonNilPartitions(values map[string]string) map[string]string {
	if values == nil {
		return map[string]string{}
	}
	return values
}
