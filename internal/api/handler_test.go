package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/duckshare/internal/auth"
	"github.com/duckmesh/duckshare/internal/catalog"
	"github.com/duckmesh/duckshare/internal/catalog/memory"
	"github.com/duckmesh/duckshare/internal/config"
	"github.com/duckmesh/duckshare/internal/sharing"
	"github.com/duckmesh/duckshare/internal/signer"
	"github.com/duckmesh/duckshare/internal/storage"
)

const housingSchema = `{"type":"struct","fields":[` +
	`{"name":"age","type":"long","nullable":true,"metadata":{}},` +
	`{"name":"city","type":"string","nullable":true,"metadata":{}}]}`

type fixture struct {
	handler  http.Handler
	catalog  *memory.Catalog
	store    *storage.MemoryStore
	gateway  *signer.GatewaySigner
	tableID  string
	v0At     time.Time
	v1At     time.Time
	aliceKey string
	bobKey   string
}

func newFixture(t *testing.T, env map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cat := memory.New().WithClock(func() time.Time { return clock() })
	store := storage.NewMemoryStore()

	if _, err := cat.CreateShare(ctx, catalog.CreateShareInput{Name: "s1"}); err != nil {
		t.Fatalf("CreateShare() error = %v", err)
	}
	if _, err := cat.CreateSchema(ctx, "s1", "default"); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}
	table, err := cat.CreateTable(ctx, catalog.CreateTableInput{
		ShareName:        "s1",
		SchemaName:       "default",
		Name:             "boston-housing",
		SchemaString:     housingSchema,
		PartitionColumns: []string{"city"},
	})
	if err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}

	v0At := now
	now = now.Add(time.Hour)
	files := []catalog.NewDataFile{
		housingFile(t, store, "young.parquet", "boston", 10, 17),
		housingFile(t, store, "adult.parquet", "boston", 18, 40),
		housingFile(t, store, "senior.parquet", "salem", 41, 90),
	}
	expected := int64(0)
	if _, err := cat.PublishVersion(ctx, catalog.PublishVersionInput{
		TableID:         table.TableID,
		ExpectedVersion: &expected,
		AddFiles:        files,
	}); err != nil {
		t.Fatalf("PublishVersion() error = %v", err)
	}
	v1At := now
	now = now.Add(time.Hour)

	for _, name := range []string{"alice", "bob"} {
		if _, err := cat.CreateRecipient(ctx, name); err != nil {
			t.Fatalf("CreateRecipient(%s) error = %v", name, err)
		}
		if _, err := cat.AddRecipientToken(ctx, catalog.AddRecipientTokenInput{
			RecipientName: name,
			TokenHash:     auth.HashToken(name + "-token"),
		}); err != nil {
			t.Fatalf("AddRecipientToken(%s) error = %v", name, err)
		}
	}
	if err := cat.GrantShare(ctx, "s1", "alice"); err != nil {
		t.Fatalf("GrantShare() error = %v", err)
	}

	cfg, err := config.Load("duckshare-server", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	gateway, err := signer.NewGatewaySigner("http://share.test", "secret", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewGatewaySigner() error = %v", err)
	}
	gateway = gateway.WithClock(func() time.Time { return clock() })

	validator := auth.NewCatalogTokenValidator(cat)
	middleware := auth.OptionalMiddleware(nil, validator)
	if cfg.Auth.Required {
		middleware = auth.Middleware(nil, validator)
	}
	handler := NewHandler(cfg, Dependencies{
		AuthMiddleware: middleware,
		Catalog:        cat,
		Signer:         gateway,
		Gateway:        gateway,
		ObjectStore:    store,
		Clock:          func() time.Time { return clock() },
	})
	return &fixture{
		handler:  handler,
		catalog:  cat,
		store:    store,
		gateway:  gateway,
		tableID:  table.TableID,
		v0At:     v0At,
		v1At:     v1At,
		aliceKey: "alice-token",
		bobKey:   "bob-token",
	}
}

func housingFile(t *testing.T, store *storage.MemoryStore, name, city string, minAge, maxAge int) catalog.NewDataFile {
	t.Helper()
	key := "s1/default/boston-housing/city=" + city + "/" + name
	body := []byte("parquet:" + name)
	if _, err := store.Put(context.Background(), key, bytes.NewReader(body), int64(len(body)), storage.PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return catalog.NewDataFile{
		ObjectKey:       key,
		SizeBytes:       int64(len(body)),
		RecordCount:     100,
		PartitionValues: map[string]string{"city": city},
		StatsJSON: fmt.Sprintf(`{"numRecords":100,"minValues":{"age":%d},"maxValues":{"age":%d},"nullCount":{"age":0}}`,
			minAge, maxAge),
	}
}

func (f *fixture) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) sharing.ErrorResponse {
	t.Helper()
	var body sharing.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v body=%s", err, rr.Body.String())
	}
	return body
}

func decodeManifest(t *testing.T, rr *httptest.ResponseRecorder) sharing.QueryResponse {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	resp, err := sharing.DecodeQueryResponse(rr.Body)
	if err != nil {
		t.Fatalf("DecodeQueryResponse() error = %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	cfg, err := config.Load("duckshare-server", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg, err := config.Load("duckshare-server", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		Readiness: func(context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSharingRoutesWithoutCatalogAreNotConfigured(t *testing.T) {
	cfg, err := config.Load("duckshare-server", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/shares", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRequiredAuthWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg, err := config.Load("duckshare-server", mapLookup(map[string]string{"DUCKSHARE_AUTH_REQUIRED": "true"}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{Catalog: memory.New(), Signer: &failingSigner{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/shares", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestProtectedRouteRequiresBearerToken(t *testing.T) {
	f := newFixture(t, map[string]string{"DUCKSHARE_AUTH_REQUIRED": "true"})

	rr := f.do(t, http.MethodGet, "/shares", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeError(t, rr); body.ErrorCode != "UNAUTHENTICATED" {
		t.Fatalf("errorCode = %q", body.ErrorCode)
	}

	rr = f.do(t, http.MethodGet, "/shares", "wrong", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/shares", f.aliceKey, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("alice status = %d body=%s", rr.Code, rr.Body.String())
	}
	var shares sharing.ListSharesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &shares); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(shares.Items) != 1 || shares.Items[0].Name != "s1" || shares.NextPageToken != "" {
		t.Fatalf("shares = %#v", shares)
	}
}

func TestUngrantedShareLooksLikeMissingShare(t *testing.T) {
	f := newFixture(t, map[string]string{"DUCKSHARE_AUTH_REQUIRED": "true"})

	rr := f.do(t, http.MethodGet, "/shares", f.bobKey, nil)
	var shares sharing.ListSharesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &shares); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(shares.Items) != 0 {
		t.Fatalf("bob sees shares %#v", shares.Items)
	}

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/shares/s1"},
		{http.MethodGet, "/shares/s1/schemas"},
		{http.MethodGet, "/shares/s1/schemas/default/tables"},
		{http.MethodGet, "/shares/s1/all-tables"},
		{http.MethodGet, "/shares/s1/schemas/default/tables/boston-housing/metadata"},
		{http.MethodPost, "/shares/s1/schemas/default/tables/boston-housing/query"},
	}
	for _, p := range paths {
		denied := f.do(t, p.method, p.path, f.bobKey, nil)
		missing := f.do(t, p.method, strings.Replace(p.path, "/s1", "/nope", 1), f.aliceKey, nil)
		if denied.Code != http.StatusNotFound || missing.Code != http.StatusNotFound {
			t.Fatalf("%s: denied=%d missing=%d", p.path, denied.Code, missing.Code)
		}
		deniedBody, missingBody := decodeError(t, denied), decodeError(t, missing)
		if deniedBody.ErrorCode != missingBody.ErrorCode || deniedBody.Message != missingBody.Message {
			t.Fatalf("%s: denied=%#v missing=%#v", p.path, deniedBody, missingBody)
		}
	}
}

func TestListAllTables(t *testing.T) {
	f := newFixture(t, map[string]string{})

	rr := f.do(t, http.MethodGet, "/shares/s1/all-tables", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var tables sharing.ListTablesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &tables); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(tables.Items) != 1 {
		t.Fatalf("tables = %#v", tables.Items)
	}
	got := tables.Items[0]
	if got.Name != "boston-housing" || got.Schema != "default" || got.Share != "s1" || got.ID != f.tableID {
		t.Fatalf("table = %#v", got)
	}
}

func TestListSharesPagination(t *testing.T) {
	f := newFixture(t, map[string]string{})
	for _, name := range []string{"s2", "s3", "s4", "s5"} {
		if _, err := f.catalog.CreateShare(context.Background(), catalog.CreateShareInput{Name: name}); err != nil {
			t.Fatalf("CreateShare() error = %v", err)
		}
	}

	var names []string
	token := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
		target := "/shares?maxResults=2"
		if token != "" {
			target += "&pageToken=" + url.QueryEscape(token)
		}
		rr := f.do(t, http.MethodGet, target, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var page sharing.ListSharesResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
			t.Fatalf("json decode failed: %v", err)
		}
		if len(page.Items) > 2 {
			t.Fatalf("page size = %d", len(page.Items))
		}
		for _, item := range page.Items {
			names = append(names, item.Name)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	if strings.Join(names, ",") != "s1,s2,s3,s4,s5" {
		t.Fatalf("names = %v", names)
	}

	for _, bad := range []string{"/shares?maxResults=0", "/shares?maxResults=x", "/shares?pageToken=%25%25"} {
		rr := f.do(t, http.MethodGet, bad, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d", bad, rr.Code)
		}
		if body := decodeError(t, rr); body.ErrorCode != "INVALID_PARAMETER_VALUE" {
			t.Fatalf("%s errorCode = %q", bad, body.ErrorCode)
		}
	}
}

func TestTableVersionAndMetadata(t *testing.T) {
	f := newFixture(t, map[string]string{})
	base := "/shares/s1/schemas/default/tables/boston-housing"

	rr := f.do(t, http.MethodGet, base+"/version", "", nil)
	if rr.Code != http.StatusOK || rr.Header().Get(sharing.TableVersionHeader) != "1" {
		t.Fatalf("version status = %d header=%q", rr.Code, rr.Header().Get(sharing.TableVersionHeader))
	}

	rr = f.do(t, http.MethodGet, base+"/version?startingTimestamp="+url.QueryEscape(f.v0At.Add(time.Minute).Format(time.RFC3339)), "", nil)
	if rr.Header().Get(sharing.TableVersionHeader) != "0" {
		t.Fatalf("version at v0 header = %q body=%s", rr.Header().Get(sharing.TableVersionHeader), rr.Body.String())
	}

	rr = f.do(t, http.MethodGet, base+"/metadata", "", nil)
	resp := decodeManifest(t, rr)
	if rr.Header().Get(sharing.TableVersionHeader) != "1" {
		t.Fatalf("metadata header = %q", rr.Header().Get(sharing.TableVersionHeader))
	}
	if resp.Protocol.MinReaderVersion != 1 {
		t.Fatalf("protocol = %#v", resp.Protocol)
	}
	if resp.Metadata.ID != f.tableID || resp.Metadata.SchemaString != housingSchema || resp.Metadata.Format.Provider != "parquet" {
		t.Fatalf("metadata = %#v", resp.Metadata)
	}
	if len(resp.Metadata.PartitionColumns) != 1 || resp.Metadata.PartitionColumns[0] != "city" {
		t.Fatalf("partitionColumns = %v", resp.Metadata.PartitionColumns)
	}
	if resp.Metadata.NumFiles == nil || *resp.Metadata.NumFiles != 3 {
		t.Fatalf("numFiles = %v", resp.Metadata.NumFiles)
	}
	if len(resp.Files) != 0 {
		t.Fatalf("metadata returned %d files", len(resp.Files))
	}
}

func TestQueryPrunesWithPredicateHints(t *testing.T) {
	f := newFixture(t, map[string]string{})
	path := "/shares/s1/schemas/default/tables/boston-housing/query"

	rr := f.do(t, http.MethodPost, path, "", sharing.QueryRequest{PredicateHints: []string{"age > 18"}})
	resp := decodeManifest(t, rr)
	if rr.Header().Get(sharing.TableVersionHeader) != "1" {
		t.Fatalf("query header = %q", rr.Header().Get(sharing.TableVersionHeader))
	}
	if len(resp.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(resp.Files))
	}
	for _, file := range resp.Files {
		if strings.Contains(file.URL, "young") {
			t.Fatalf("file %s should have been pruned", file.URL)
		}
		if !strings.HasPrefix(file.URL, "http://share.test/v1/files/") {
			t.Fatalf("url = %s", file.URL)
		}
		if file.ExpirationTimestamp == nil || file.Stats == "" || file.Size == 0 {
			t.Fatalf("file = %#v", file)
		}
	}

	rr = f.do(t, http.MethodPost, path, "", sharing.QueryRequest{PredicateHints: []string{"city = 'salem'"}})
	if resp := decodeManifest(t, rr); len(resp.Files) != 1 || resp.Files[0].PartitionValues["city"] != "salem" {
		t.Fatalf("partition pruned files = %#v", resp.Files)
	}

	rr = f.do(t, http.MethodPost, path, "", sharing.QueryRequest{PredicateHints: []string{"age >>> nonsense("}})
	if resp := decodeManifest(t, rr); len(resp.Files) != 3 {
		t.Fatalf("unparseable hint returned %d files, want 3", len(resp.Files))
	}
}

func TestQueryLimitHintBoundsFiles(t *testing.T) {
	f := newFixture(t, map[string]string{})
	path := "/shares/s1/schemas/default/tables/boston-housing/query"

	limit := int64(150)
	resp := decodeManifest(t, f.do(t, http.MethodPost, path, "", sharing.QueryRequest{LimitHint: &limit}))
	if len(resp.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(resp.Files))
	}

	resp = decodeManifest(t, f.do(t, http.MethodPost, path, "", nil))
	if len(resp.Files) != 3 {
		t.Fatalf("files without body = %d, want 3", len(resp.Files))
	}
}

func TestQueryVersionSelectors(t *testing.T) {
	f := newFixture(t, map[string]string{})
	path := "/shares/s1/schemas/default/tables/boston-housing/query"

	v0 := int64(0)
	rr := f.do(t, http.MethodPost, path, "", sharing.QueryRequest{Version: &v0})
	if resp := decodeManifest(t, rr); len(resp.Files) != 0 || rr.Header().Get(sharing.TableVersionHeader) != "0" {
		t.Fatalf("v0 files = %d header = %q", len(resp.Files), rr.Header().Get(sharing.TableVersionHeader))
	}

	ts := f.v1At.Add(time.Minute).Format(time.RFC3339)
	rr = f.do(t, http.MethodPost, path, "", sharing.QueryRequest{Timestamp: &ts})
	if resp := decodeManifest(t, rr); len(resp.Files) != 3 {
		t.Fatalf("timestamp files = %d", len(resp.Files))
	}

	missing := int64(9)
	rr = f.do(t, http.MethodPost, path, "", sharing.QueryRequest{Version: &missing})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing version status = %d", rr.Code)
	}

	early := f.v0At.Add(-time.Hour).Format(time.RFC3339)
	rr = f.do(t, http.MethodPost, path, "", sharing.QueryRequest{Timestamp: &early})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("early timestamp status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodPost, path, "", sharing.QueryRequest{Version: &v0, Timestamp: &ts})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("conflicting selectors status = %d", rr.Code)
	}
}

func TestQueryIsVersionConsistent(t *testing.T) {
	f := newFixture(t, map[string]string{})
	path := "/shares/s1/schemas/default/tables/boston-housing/query"

	expected := int64(1)
	if _, err := f.catalog.PublishVersion(context.Background(), catalog.PublishVersionInput{
		TableID:         f.tableID,
		ExpectedVersion: &expected,
		RemoveAll:       true,
		AddFiles:        []catalog.NewDataFile{housingFile(t, f.store, "rewrite.parquet", "boston", 1, 99)},
	}); err != nil {
		t.Fatalf("PublishVersion() error = %v", err)
	}

	v1 := int64(1)
	old := decodeManifest(t, f.do(t, http.MethodPost, path, "", sharing.QueryRequest{Version: &v1}))
	if len(old.Files) != 3 || *old.Metadata.Version != 1 {
		t.Fatalf("v1 files = %d", len(old.Files))
	}
	for _, file := range old.Files {
		if strings.Contains(file.URL, "rewrite") {
			t.Fatalf("v1 manifest contains v2 file %s", file.URL)
		}
	}
	latest := decodeManifest(t, f.do(t, http.MethodPost, path, "", nil))
	if len(latest.Files) != 1 || *latest.Metadata.Version != 2 {
		t.Fatalf("latest files = %d", len(latest.Files))
	}
}

func TestQuerySignerFailure(t *testing.T) {
	f := newFixture(t, map[string]string{})
	cfg, err := config.Load("duckshare-server", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{Catalog: f.catalog, Signer: &failingSigner{}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/shares/s1/schemas/default/tables/boston-housing/query", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestFileGatewayServesSignedURLs(t *testing.T) {
	f := newFixture(t, map[string]string{})
	resp := decodeManifest(t, f.do(t, http.MethodPost, "/shares/s1/schemas/default/tables/boston-housing/query", "", nil))
	signed, err := url.Parse(resp.Files[0].URL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}

	rr := f.do(t, http.MethodGet, signed.RequestURI(), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Body.String(), "parquet:") {
		t.Fatalf("body = %q", rr.Body.String())
	}

	query := signed.Query()
	query.Set("sig", strings.Repeat("0", 64))
	signed.RawQuery = query.Encode()
	rr = f.do(t, http.MethodGet, signed.RequestURI(), "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("tampered status = %d", rr.Code)
	}

	other, err := f.gateway.Sign(context.Background(), "s1/default/boston-housing/missing.parquet")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	parsed, _ := url.Parse(other.URL)
	rr = f.do(t, http.MethodGet, parsed.RequestURI(), "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing object status = %d", rr.Code)
	}
}

func TestFileGatewayServesByteRanges(t *testing.T) {
	f := newFixture(t, map[string]string{})
	resp := decodeManifest(t, f.do(t, http.MethodPost, "/shares/s1/schemas/default/tables/boston-housing/query", "", nil))
	signed, err := url.Parse(resp.Files[0].URL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	size := resp.Files[0].Size

	get := func(rangeHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, signed.RequestURI(), nil)
		req.Header.Set("Range", rangeHeader)
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		return rr
	}

	rr := get("bytes=0-7")
	if rr.Code != http.StatusPartialContent || rr.Body.String() != "parquet:" {
		t.Fatalf("head range = %d %q", rr.Code, rr.Body.String())
	}
	if got, want := rr.Header().Get("Content-Range"), fmt.Sprintf("bytes 0-7/%d", size); got != want {
		t.Fatalf("Content-Range = %q, want %q", got, want)
	}

	rr = get("bytes=-8")
	if rr.Code != http.StatusPartialContent || rr.Body.String() != ".parquet" {
		t.Fatalf("suffix range = %d %q", rr.Code, rr.Body.String())
	}

	rr = get(fmt.Sprintf("bytes=%d-", size))
	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("past end status = %d", rr.Code)
	}

	rr = get("bytes=0-1,4-5")
	if rr.Code != http.StatusOK || int64(rr.Body.Len()) != size {
		t.Fatalf("multi range = %d len=%d", rr.Code, rr.Body.Len())
	}
}

func TestParseByteRange(t *testing.T) {
	cases := []struct {
		header string
		want   storage.ByteRange
		ranged bool
		err    bool
	}{
		{header: ""},
		{header: "items=0-1"},
		{header: "bytes=2-5", want: storage.ByteRange{Offset: 2, Length: 4}, ranged: true},
		{header: "bytes=7-", want: storage.ByteRange{Offset: 7, Length: -1}, ranged: true},
		{header: "bytes=-100", want: storage.ByteRange{Offset: 0, Length: -1}, ranged: true},
		{header: "bytes=5-2", err: true},
		{header: "bytes=abc", err: true},
		{header: "bytes=10-12", err: true},
	}
	for _, tc := range cases {
		got, ranged, err := parseByteRange(tc.header, 10)
		if tc.err {
			if err == nil {
				t.Fatalf("parseByteRange(%q) expected error", tc.header)
			}
			continue
		}
		if err != nil || ranged != tc.ranged || got != tc.want {
			t.Fatalf("parseByteRange(%q) = %+v, %v, %v", tc.header, got, ranged, err)
		}
	}
}

func TestFileGatewayRejectsExpiredURLs(t *testing.T) {
	f := newFixture(t, map[string]string{})
	past := f.gateway.WithClock(func() time.Time { return f.v0At.Add(-24 * time.Hour) })
	signed, err := past.Sign(context.Background(), "s1/default/boston-housing/city=boston/young.parquet")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	parsed, _ := url.Parse(signed.URL)

	rr := f.do(t, http.MethodGet, parsed.RequestURI(), "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeError(t, rr); !strings.Contains(body.Message, "expired") {
		t.Fatalf("message = %q", body.Message)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

type failingSigner struct{}

func (failingSigner) Name() string { return "failing" }

func (failingSigner) Sign(context.Context, string) (signer.SignedURL, error) {
	return signer.SignedURL{}, errors.New("signer down")
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
