package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/duckmesh/duckshare/internal/observability"
	"github.com/duckmesh/duckshare/internal/signer"
	"github.com/duckmesh/duckshare/internal/storage"
)

// fileGateway streams data files for gateway-signed URLs. The signature is
// the only credential: recipients never send their bearer token here.
type fileGateway struct {
	gateway *signer.GatewaySigner
	store   storage.ObjectStore
	logger  *slog.Logger
}

func (g *fileGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.gateway == nil || g.store == nil {
		observability.ObserveGatewayRequest("disabled")
		writeError(r.Context(), w, http.StatusNotFound, codeNotFound, "file gateway is disabled", false)
		return
	}

	key := r.PathValue("key")
	query := r.URL.Query()
	if err := g.gateway.Verify(key, query.Get("expires"), query.Get("sig")); err != nil {
		if errors.Is(err, signer.ErrExpired) {
			observability.ObserveGatewayRequest("expired")
			writeError(r.Context(), w, http.StatusForbidden, codeUnauthenticated, "signed url expired", false)
			return
		}
		observability.ObserveGatewayRequest("invalid_signature")
		writeError(r.Context(), w, http.StatusForbidden, codeUnauthenticated, "invalid url signature", false)
		return
	}

	info, err := g.store.Stat(r.Context(), key)
	if err != nil {
		g.storeError(w, r, key, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	if info.ETag != "" {
		w.Header().Set("ETag", info.ETag)
	}

	status := http.StatusOK
	length := info.Size
	var body io.ReadCloser
	byteRange, ranged, err := parseByteRange(r.Header.Get("Range"), info.Size)
	switch {
	case err != nil:
		observability.ObserveGatewayRequest("bad_range")
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(info.Size, 10))
		writeError(r.Context(), w, http.StatusRequestedRangeNotSatisfiable, codeInvalidParameter, err.Error(), false)
		return
	case ranged:
		first, last, _ := byteRange.Resolve(info.Size)
		body, err = g.store.GetRange(r.Context(), key, byteRange)
		status = http.StatusPartialContent
		length = last - first + 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", first, last, info.Size))
	default:
		body, err = g.store.Get(r.Context(), key)
	}
	if err != nil {
		g.storeError(w, r, key, err)
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if _, err := io.Copy(w, body); err != nil {
		observability.ObserveGatewayRequest("aborted")
		g.logger.WarnContext(r.Context(), "file gateway copy aborted",
			slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.ObserveGatewayRequest("ok")
}

func (g *fileGateway) storeError(w http.ResponseWriter, r *http.Request, key string, err error) {
	if errors.Is(err, storage.ErrObjectNotFound) {
		observability.ObserveGatewayRequest("not_found")
		writeError(r.Context(), w, http.StatusNotFound, codeNotFound, "file does not exist", false)
		return
	}
	observability.ObserveGatewayRequest("error")
	g.logger.ErrorContext(r.Context(), "file gateway read failed",
		slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	writeError(r.Context(), w, http.StatusInternalServerError, codeInternal, "failed to read file", true)
}

// parseByteRange understands a single "bytes=" range, including suffix ranges
// ("bytes=-8" for the parquet footer). Multiple ranges are served as the full
// object, which the Range header semantics permit.
func parseByteRange(header string, size int64) (storage.ByteRange, bool, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return storage.ByteRange{}, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return storage.ByteRange{}, false, nil
	}
	startRaw, endRaw, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return storage.ByteRange{}, false, fmt.Errorf("malformed range %q", header)
	}
	var out storage.ByteRange
	if startRaw == "" {
		suffix, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || suffix <= 0 {
			return storage.ByteRange{}, false, fmt.Errorf("malformed range %q", header)
		}
		out = storage.ByteRange{Offset: max(size-suffix, 0), Length: -1}
	} else {
		start, err := strconv.ParseInt(startRaw, 10, 64)
		if err != nil || start < 0 {
			return storage.ByteRange{}, false, fmt.Errorf("malformed range %q", header)
		}
		out = storage.ByteRange{Offset: start, Length: -1}
		if endRaw != "" {
			end, err := strconv.ParseInt(endRaw, 10, 64)
			if err != nil || end < start {
				return storage.ByteRange{}, false, fmt.Errorf("malformed range %q", header)
			}
			out.Length = end - start + 1
		}
	}
	if _, _, err := out.Resolve(size); err != nil {
		return storage.ByteRange{}, false, err
	}
	return out, true, nil
}
