package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("catalog: not found")
	// ErrConflict reports a lost publish race or a duplicate name.
	ErrConflict = errors.New("catalog: conflict")
)

// Scope limits catalog reads to what one caller may see. Objects outside
// the scope are reported as ErrNotFound, exactly like missing ones.
type Scope struct {
	RecipientID string
	All         bool
}

func RecipientScope(recipientID string) Scope {
	return Scope{RecipientID: recipientID}
}

func UnrestrictedScope() Scope {
	return Scope{All: true}
}

type Page struct {
	Offset int
	Limit  int
}

type Reader interface {
	ListShares(ctx context.Context, scope Scope, page Page) ([]Share, error)
	GetShare(ctx context.Context, scope Scope, share string) (Share, error)
	ListSchemas(ctx context.Context, scope Scope, share string, page Page) ([]Schema, error)
	ListTables(ctx context.Context, scope Scope, share, schema string, page Page) ([]Table, error)
	ListAllTables(ctx context.Context, scope Scope, share string, page Page) ([]Table, error)
	GetTable(ctx context.Context, scope Scope, share, schema, table string) (Table, error)
	GetLatestVersion(ctx context.Context, tableID string) (TableVersion, error)
	GetVersion(ctx context.Context, tableID string, version int64) (TableVersion, error)
	GetVersionAt(ctx context.Context, tableID string, at time.Time) (TableVersion, error)
	ListVersionFiles(ctx context.Context, tableID string, version int64) ([]DataFile, error)
}

type Writer interface {
	CreateShare(ctx context.Context, in CreateShareInput) (Share, error)
	CreateSchema(ctx context.Context, share, name string) (Schema, error)
	CreateTable(ctx context.Context, in CreateTableInput) (Table, error)
	CreateRecipient(ctx context.Context, name string) (Recipient, error)
	AddRecipientToken(ctx context.Context, in AddRecipientTokenInput) (RecipientToken, error)
	GrantShare(ctx context.Context, share, recipient string) error
	PublishVersion(ctx context.Context, in PublishVersionInput) (TableVersion, error)
}

type TokenStore interface {
	GetRecipientByTokenHash(ctx context.Context, tokenHash string) (Recipient, RecipientToken, error)
}

type Repository interface {
	HealthCheck(ctx context.Context) error
	Reader
	Writer
	TokenStore
}

type Share struct {
	ShareID   string
	Name      string
	Comment   string
	CreatedAt time.Time
}

type Schema struct {
	ShareID   string
	ShareName string
	Name      string
	CreatedAt time.Time
}

type Table struct {
	TableID     string
	ShareID     string
	ShareName   string
	SchemaName  string
	Name        string
	Description string
	CreatedAt   time.Time
}

// TableVersion is one committed version. Schema and partitioning are
// recorded per version so a snapshot carries the metadata it was written
// with.
type TableVersion struct {
	TableID          string
	Version          int64
	SchemaString     string
	PartitionColumns []string
	CommittedAt      time.Time
	CommittedBy      string
}

// DataFile is live in every version v with AddedVersion <= v and
// RemovedVersion unset or greater than v.
type DataFile struct {
	FileID          string
	TableID         string
	ObjectKey       string
	SizeBytes       int64
	RecordCount     int64
	PartitionValues map[string]string
	StatsJSON       string
	AddedVersion    int64
	RemovedVersion  *int64
	CreatedAt       time.Time
}

func (f DataFile) LiveAt(version int64) bool {
	return f.AddedVersion <= version && (f.RemovedVersion == nil || *f.RemovedVersion > version)
}

type Recipient struct {
	RecipientID string
	Name        string
	CreatedAt   time.Time
}

type RecipientToken struct {
	TokenHash   string
	RecipientID string
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

func (t RecipientToken) Active(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

type CreateShareInput struct {
	Name    string
	Comment string
}

type CreateTableInput struct {
	ShareName        string
	SchemaName       string
	Name             string
	Description      string
	SchemaString     string
	PartitionColumns []string
}

type AddRecipientTokenInput struct {
	RecipientName string
	TokenHash     string
	ExpiresAt     *time.Time
}

type NewDataFile struct {
	ObjectKey       string
	SizeBytes       int64
	RecordCount     int64
	PartitionValues map[string]string
	StatsJSON       string
}

// PublishVersionInput commits the next version of a table in one step.
// ExpectedVersion, when set, must equal the current latest version; -1
// expects a table without versions. An empty SchemaString keeps the
// previous version's schema.
const NoVersion int64 = -1

type PublishVersionInput struct {
	TableID          string
	ExpectedVersion  *int64
	SchemaString     string
	PartitionColumns []string
	AddFiles         []NewDataFile
	RemoveFileIDs    []string
	RemoveAll        bool
	CommittedBy      string
}
