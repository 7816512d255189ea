// Package memory is an in-process catalog.Repository used by tests and by
// the server's memory:// development mode.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/duckshare/internal/catalog"
)

type Catalog struct {
	mu         sync.RWMutex
	now        func() time.Time
	shares     map[string]catalog.Share
	schemas    map[string]map[string]catalog.Schema
	tables     map[string]catalog.Table
	versions   map[string][]catalog.TableVersion
	files      map[string][]catalog.DataFile
	recipients map[string]catalog.Recipient
	tokens     map[string]catalog.RecipientToken
	grants     map[string]map[string]bool
}

var _ catalog.Repository = (*Catalog)(nil)

func New() *Catalog {
	return &Catalog{
		now:        func() time.Time { return time.Now().UTC() },
		shares:     map[string]catalog.Share{},
		schemas:    map[string]map[string]catalog.Schema{},
		tables:     map[string]catalog.Table{},
		versions:   map[string][]catalog.TableVersion{},
		files:      map[string][]catalog.DataFile{},
		recipients: map[string]catalog.Recipient{},
		tokens:     map[string]catalog.RecipientToken{},
		grants:     map[string]map[string]bool{},
	}
}

// WithClock replaces the clock used for created and committed timestamps.
func (c *Catalog) WithClock(now func() time.Time) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func (c *Catalog) HealthCheck(context.Context) error {
	return nil
}

func (c *Catalog) ListShares(_ context.Context, scope catalog.Scope, page catalog.Page) ([]catalog.Share, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]catalog.Share, 0, len(c.shares))
	for _, share := range c.shares {
		if c.visible(scope, share.ShareID) {
			out = append(out, share)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, page), nil
}

func (c *Catalog) GetShare(_ context.Context, scope catalog.Scope, share string) (catalog.Share, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.share(scope, share)
}

func (c *Catalog) ListSchemas(_ context.Context, scope catalog.Scope, share string, page catalog.Page) ([]catalog.Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.share(scope, share)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Schema, 0, len(c.schemas[s.ShareID]))
	for _, schema := range c.schemas[s.ShareID] {
		out = append(out, schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, page), nil
}

func (c *Catalog) ListTables(_ context.Context, scope catalog.Scope, share, schema string, page catalog.Page) ([]catalog.Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.share(scope, share)
	if err != nil {
		return nil, err
	}
	if _, ok := c.schemas[s.ShareID][schema]; !ok {
		return nil, catalog.ErrNotFound
	}
	out := c.tablesOf(s.ShareID, schema)
	return paginate(out, page), nil
}

func (c *Catalog) ListAllTables(_ context.Context, scope catalog.Scope, share string, page catalog.Page) ([]catalog.Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.share(scope, share)
	if err != nil {
		return nil, err
	}
	return paginate(c.tablesOf(s.ShareID, ""), page), nil
}

func (c *Catalog) GetTable(_ context.Context, scope catalog.Scope, share, schema, table string) (catalog.Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, err := c.share(scope, share)
	if err != nil {
		return catalog.Table{}, err
	}
	for _, t := range c.tables {
		if t.ShareID == s.ShareID && t.SchemaName == schema && t.Name == table {
			return t, nil
		}
	}
	return catalog.Table{}, catalog.ErrNotFound
}

func (c *Catalog) GetLatestVersion(_ context.Context, tableID string) (catalog.TableVersion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := c.versions[tableID]
	if len(versions) == 0 {
		return catalog.TableVersion{}, catalog.ErrNotFound
	}
	return cloneVersion(versions[len(versions)-1]), nil
}

func (c *Catalog) GetVersion(_ context.Context, tableID string, version int64) (catalog.TableVersion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, v := range c.versions[tableID] {
		if v.Version == version {
			return cloneVersion(v), nil
		}
	}
	return catalog.TableVersion{}, catalog.ErrNotFound
}

func (c *Catalog) GetVersionAt(_ context.Context, tableID string, at time.Time) (catalog.TableVersion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := c.versions[tableID]
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].CommittedAt.After(at) {
			return cloneVersion(versions[i]), nil
		}
	}
	return catalog.TableVersion{}, catalog.ErrNotFound
}

func (c *Catalog) ListVersionFiles(_ context.Context, tableID string, version int64) ([]catalog.DataFile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]catalog.DataFile, 0)
	for _, file := range c.files[tableID] {
		if file.LiveAt(version) {
			out = append(out, file)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AddedVersion != out[j].AddedVersion {
			return out[i].AddedVersion < out[j].AddedVersion
		}
		return out[i].ObjectKey < out[j].ObjectKey
	})
	return out, nil
}

func (c *Catalog) CreateShare(_ context.Context, in catalog.CreateShareInput) (catalog.Share, error) {
	if strings.TrimSpace(in.Name) == "" {
		return catalog.Share{}, fmt.Errorf("share name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.shares {
		if existing.Name == in.Name {
			return catalog.Share{}, fmt.Errorf("create share %q: %w", in.Name, catalog.ErrConflict)
		}
	}
	share := catalog.Share{
		ShareID:   uuid.NewString(),
		Name:      in.Name,
		Comment:   in.Comment,
		CreatedAt: c.now(),
	}
	c.shares[share.ShareID] = share
	return share, nil
}

func (c *Catalog) CreateSchema(_ context.Context, share, name string) (catalog.Schema, error) {
	if strings.TrimSpace(name) == "" {
		return catalog.Schema{}, fmt.Errorf("schema name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.share(catalog.UnrestrictedScope(), share)
	if err != nil {
		return catalog.Schema{}, err
	}
	if _, ok := c.schemas[s.ShareID][name]; ok {
		return catalog.Schema{}, fmt.Errorf("create schema %q: %w", name, catalog.ErrConflict)
	}
	schema := catalog.Schema{ShareID: s.ShareID, ShareName: s.Name, Name: name, CreatedAt: c.now()}
	if c.schemas[s.ShareID] == nil {
		c.schemas[s.ShareID] = map[string]catalog.Schema{}
	}
	c.schemas[s.ShareID][name] = schema
	return schema, nil
}

func (c *Catalog) CreateTable(_ context.Context, in catalog.CreateTableInput) (catalog.Table, error) {
	if strings.TrimSpace(in.Name) == "" {
		return catalog.Table{}, fmt.Errorf("table name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.share(catalog.UnrestrictedScope(), in.ShareName)
	if err != nil {
		return catalog.Table{}, err
	}
	if _, ok := c.schemas[s.ShareID][in.SchemaName]; !ok {
		return catalog.Table{}, catalog.ErrNotFound
	}
	for _, t := range c.tablesOf(s.ShareID, in.SchemaName) {
		if t.Name == in.Name {
			return catalog.Table{}, fmt.Errorf("create table %q: %w", in.Name, catalog.ErrConflict)
		}
	}

	table := catalog.Table{
		TableID:     uuid.NewString(),
		ShareID:     s.ShareID,
		ShareName:   s.Name,
		SchemaName:  in.SchemaName,
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   c.now(),
	}
	c.tables[table.TableID] = table
	if in.SchemaString != "" {
		c.versions[table.TableID] = []catalog.TableVersion{{
			TableID:          table.TableID,
			Version:          0,
			SchemaString:     in.SchemaString,
			PartitionColumns: slices.Clone(in.PartitionColumns),
			CommittedAt:      table.CreatedAt,
			CommittedBy:      "create-table",
		}}
	}
	return table, nil
}

func (c *Catalog) CreateRecipient(_ context.Context, name string) (catalog.Recipient, error) {
	if strings.TrimSpace(name) == "" {
		return catalog.Recipient{}, fmt.Errorf("recipient name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.recipientByName(name); ok {
		return catalog.Recipient{}, fmt.Errorf("create recipient %q: %w", name, catalog.ErrConflict)
	}
	recipient := catalog.Recipient{RecipientID: uuid.NewString(), Name: name, CreatedAt: c.now()}
	c.recipients[recipient.RecipientID] = recipient
	return recipient, nil
}

func (c *Catalog) AddRecipientToken(_ context.Context, in catalog.AddRecipientTokenInput) (catalog.RecipientToken, error) {
	if in.TokenHash == "" {
		return catalog.RecipientToken{}, fmt.Errorf("token hash is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	recipient, ok := c.recipientByName(in.RecipientName)
	if !ok {
		return catalog.RecipientToken{}, catalog.ErrNotFound
	}
	if _, exists := c.tokens[in.TokenHash]; exists {
		return catalog.RecipientToken{}, fmt.Errorf("add recipient token: %w", catalog.ErrConflict)
	}
	token := catalog.RecipientToken{
		TokenHash:   in.TokenHash,
		RecipientID: recipient.RecipientID,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   c.now(),
	}
	c.tokens[in.TokenHash] = token
	return token, nil
}

func (c *Catalog) GrantShare(_ context.Context, share, recipient string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.share(catalog.UnrestrictedScope(), share)
	if err != nil {
		return err
	}
	r, ok := c.recipientByName(recipient)
	if !ok {
		return catalog.ErrNotFound
	}
	if c.grants[s.ShareID] == nil {
		c.grants[s.ShareID] = map[string]bool{}
	}
	c.grants[s.ShareID][r.RecipientID] = true
	return nil
}

func (c *Catalog) GetRecipientByTokenHash(_ context.Context, tokenHash string) (catalog.Recipient, catalog.RecipientToken, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	token, ok := c.tokens[tokenHash]
	if !ok {
		return catalog.Recipient{}, catalog.RecipientToken{}, catalog.ErrNotFound
	}
	recipient, ok := c.recipients[token.RecipientID]
	if !ok {
		return catalog.Recipient{}, catalog.RecipientToken{}, catalog.ErrNotFound
	}
	return recipient, token, nil
}

func (c *Catalog) PublishVersion(_ context.Context, in catalog.PublishVersionInput) (catalog.TableVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[in.TableID]; !ok {
		return catalog.TableVersion{}, catalog.ErrNotFound
	}

	versions := c.versions[in.TableID]
	next := catalog.TableVersion{TableID: in.TableID, CommittedBy: in.CommittedBy, CommittedAt: c.now()}
	var latest *catalog.TableVersion
	if len(versions) > 0 {
		latest = &versions[len(versions)-1]
		next.Version = latest.Version + 1
		next.SchemaString = latest.SchemaString
		next.PartitionColumns = slices.Clone(latest.PartitionColumns)
		if next.CommittedAt.Before(latest.CommittedAt) {
			next.CommittedAt = latest.CommittedAt
		}
	}
	if err := checkExpectedVersion(in.ExpectedVersion, latest); err != nil {
		return catalog.TableVersion{}, err
	}
	if in.SchemaString != "" {
		next.SchemaString = in.SchemaString
		next.PartitionColumns = slices.Clone(in.PartitionColumns)
	}
	if next.SchemaString == "" {
		return catalog.TableVersion{}, fmt.Errorf("schema string is required for the first version")
	}

	files := c.files[in.TableID]
	removed := 0
	for i := range files {
		if files[i].RemovedVersion != nil {
			continue
		}
		if in.RemoveAll || slices.Contains(in.RemoveFileIDs, files[i].FileID) {
			removed++
		}
	}
	if !in.RemoveAll && removed != len(in.RemoveFileIDs) {
		return catalog.TableVersion{}, fmt.Errorf("remove files: %w", catalog.ErrConflict)
	}
	for i := range files {
		if files[i].RemovedVersion != nil {
			continue
		}
		if in.RemoveAll || slices.Contains(in.RemoveFileIDs, files[i].FileID) {
			v := next.Version
			files[i].RemovedVersion = &v
		}
	}
	for _, add := range in.AddFiles {
		files = append(files, catalog.DataFile{
			FileID:          uuid.NewString(),
			TableID:         in.TableID,
			ObjectKey:       add.ObjectKey,
			SizeBytes:       add.SizeBytes,
			RecordCount:     add.RecordCount,
			PartitionValues: add.PartitionValues,
			StatsJSON:       add.StatsJSON,
			AddedVersion:    next.Version,
			CreatedAt:       next.CommittedAt,
		})
	}
	c.files[in.TableID] = files
	c.versions[in.TableID] = append(versions, next)
	return cloneVersion(next), nil
}

func checkExpectedVersion(expected *int64, latest *catalog.TableVersion) error {
	if expected == nil {
		return nil
	}
	if latest == nil {
		if *expected == catalog.NoVersion {
			return nil
		}
		return fmt.Errorf("expected version %d, table has none: %w", *expected, catalog.ErrConflict)
	}
	if latest.Version != *expected {
		return fmt.Errorf("expected version %d: %w", *expected, catalog.ErrConflict)
	}
	return nil
}

func (c *Catalog) share(scope catalog.Scope, name string) (catalog.Share, error) {
	for _, share := range c.shares {
		if share.Name == name && c.visible(scope, share.ShareID) {
			return share, nil
		}
	}
	return catalog.Share{}, catalog.ErrNotFound
}

func (c *Catalog) visible(scope catalog.Scope, shareID string) bool {
	return scope.All || c.grants[shareID][scope.RecipientID]
}

func (c *Catalog) tablesOf(shareID, schema string) []catalog.Table {
	out := make([]catalog.Table, 0)
	for _, t := range c.tables {
		if t.ShareID == shareID && (schema == "" || t.SchemaName == schema) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SchemaName != out[j].SchemaName {
			return out[i].SchemaName < out[j].SchemaName
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (c *Catalog) recipientByName(name string) (catalog.Recipient, bool) {
	for _, r := range c.recipients {
		if r.Name == name {
			return r, true
		}
	}
	return catalog.Recipient{}, false
}

func cloneVersion(v catalog.TableVersion) catalog.TableVersion {
	v.PartitionColumns = slices.Clone(v.PartitionColumns)
	return v
}

func paginate[T any](items []T, page catalog.Page) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	items = items[page.Offset:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}
