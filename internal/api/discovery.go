package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/duckmesh/duckshare/internal/auth"
	"github.com/duckmesh/duckshare/internal/catalog"
	"github.com/duckmesh/duckshare/internal/config"
	"github.com/duckmesh/duckshare/internal/sharing"
)

type sharingHandlers struct {
	deps Dependencies
	cfg  config.SharingConfig
}

func requestScope(r *http.Request) catalog.Scope {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return auth.Anonymous().Scope()
	}
	return identity.Scope()
}

func (h *sharingHandlers) listShares(w http.ResponseWriter, r *http.Request) {
	page, ok := h.parsePage(w, r)
	if !ok {
		return
	}
	shares, err := h.deps.Catalog.ListShares(r.Context(), requestScope(r), page.fetch())
	if err != nil {
		writeCatalogError(h.deps, w, r, err, "shares")
		return
	}
	shares, next := trimPage(page, shares)
	items := make([]sharing.Share, 0, len(shares))
	for _, share := range shares {
		items = append(items, sharing.Share{Name: share.Name, ID: share.ShareID})
	}
	writeJSON(w, http.StatusOK, sharing.ListSharesResponse{Items: items, NextPageToken: next})
}

func (h *sharingHandlers) getShare(w http.ResponseWriter, r *http.Request) {
	share, err := h.deps.Catalog.GetShare(r.Context(), requestScope(r), r.PathValue("share"))
	if err != nil {
		writeCatalogError(h.deps, w, r, err, "share")
		return
	}
	writeJSON(w, http.StatusOK, sharing.GetShareResponse{Share: sharing.Share{Name: share.Name, ID: share.ShareID}})
}

func (h *sharingHandlers) listSchemas(w http.ResponseWriter, r *http.Request) {
	page, ok := h.parsePage(w, r)
	if !ok {
		return
	}
	schemas, err := h.deps.Catalog.ListSchemas(r.Context(), requestScope(r), r.PathValue("share"), page.fetch())
	if err != nil {
		writeCatalogError(h.deps, w, r, err, "share")
		return
	}
	schemas, next := trimPage(page, schemas)
	items := make([]sharing.Schema, 0, len(schemas))
	for _, schema := range schemas {
		items = append(items, sharing.Schema{Name: schema.Name, Share: schema.ShareName})
	}
	writeJSON(w, http.StatusOK, sharing.ListSchemasResponse{Items: items, NextPageToken: next})
}

func (h *sharingHandlers) listTables(w http.ResponseWriter, r *http.Request) {
	page, ok := h.parsePage(w, r)
	if !ok {
		return
	}
	tables, err := h.deps.Catalog.ListTables(r.Context(), requestScope(r), r.PathValue("share"), r.PathValue("schema"), page.fetch())
	if err != nil {
		writeCatalogError(h.deps, w, r, err, "schema")
		return
	}
	tables, next := trimPage(page, tables)
	writeJSON(w, http.StatusOK, sharing.ListTablesResponse{Items: tableItems(tables), NextPageToken: next})
}

func (h *sharingHandlers) listAllTables(w http.ResponseWriter, r *http.Request) {
	page, ok := h.parsePage(w, r)
	if !ok {
		return
	}
	tables, err := h.deps.Catalog.ListAllTables(r.Context(), requestScope(r), r.PathValue("share"), page.fetch())
	if err != nil {
		writeCatalogError(h.deps, w, r, err, "share")
		return
	}
	tables, next := trimPage(page, tables)
	writeJSON(w, http.StatusOK, sharing.ListTablesResponse{Items: tableItems(tables), NextPageToken: next})
}

func tableItems(tables []catalog.Table) []sharing.Table {
	items := make([]sharing.Table, 0, len(tables))
	for _, table := range tables {
		items = append(items, sharing.Table{
			Name:    table.Name,
			Schema:  table.SchemaName,
			Share:   table.ShareName,
			ShareID: table.ShareID,
			ID:      table.TableID,
		})
	}
	return items
}

// pageRequest is an offset window. Tokens are opaque to clients; listings
// are ordered by name so an offset addresses the same position on every
// call.
type pageRequest struct {
	offset int
	limit  int
}

func (h *sharingHandlers) parsePage(w http.ResponseWriter, r *http.Request) (pageRequest, bool) {
	page := pageRequest{limit: h.cfg.DefaultPageSize}
	if page.limit <= 0 {
		page.limit = 100
	}
	if raw := r.URL.Query().Get("maxResults"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, codeInvalidParameter, fmt.Sprintf("maxResults must be a positive integer, got %q", raw), false)
			return pageRequest{}, false
		}
		page.limit = limit
	}
	if h.cfg.MaxPageSize > 0 && page.limit > h.cfg.MaxPageSize {
		page.limit = h.cfg.MaxPageSize
	}
	if raw := r.URL.Query().Get("pageToken"); raw != "" {
		offset, err := decodePageToken(raw)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, codeInvalidParameter, "invalid pageToken", false)
			return pageRequest{}, false
		}
		page.offset = offset
	}
	return page, true
}

// fetch asks for one extra item to learn whether another page exists.
func (p pageRequest) fetch() catalog.Page {
	return catalog.Page{Offset: p.offset, Limit: p.limit + 1}
}

func trimPage[T any](p pageRequest, items []T) ([]T, string) {
	if len(items) <= p.limit {
		return items, ""
	}
	return items[:p.limit], encodePageToken(p.offset + p.limit)
}

func encodePageToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

func decodePageToken(token string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, err
	}
	value, ok := strings.CutPrefix(string(raw), "o:")
	if !ok {
		return 0, fmt.Errorf("malformed page token")
	}
	offset, err := strconv.Atoi(value)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("malformed page token")
	}
	return offset, nil
}
