package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duckmesh/duckshare/internal/catalog"
)

const uniqueViolation = "23505"

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db    *sql.DB
	newID func() string
}

var _ catalog.Repository = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, newID: uuid.NewString}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) ListShares(ctx context.Context, scope catalog.Scope, page catalog.Page) ([]catalog.Share, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT s.share_id, s.name, s.comment, s.created_at
FROM share AS s
WHERE $1 OR EXISTS (
    SELECT 1 FROM share_grant AS g WHERE g.share_id = s.share_id AND g.recipient_id = $2
)
ORDER BY s.name ASC
LIMIT $3 OFFSET $4`, scope.All, scope.RecipientID, limitArg(page), page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	shares := make([]catalog.Share, 0)
	for rows.Next() {
		var share catalog.Share
		if err := rows.Scan(&share.ShareID, &share.Name, &share.Comment, &share.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share row: %w", err)
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share rows: %w", err)
	}
	return shares, nil
}

func (r *Repository) GetShare(ctx context.Context, scope catalog.Scope, share string) (catalog.Share, error) {
	return getShare(ctx, r.db, scope, share)
}

func getShare(ctx context.Context, q dbTX, scope catalog.Scope, name string) (catalog.Share, error) {
	var share catalog.Share
	if err := q.QueryRowContext(ctx, `
SELECT s.share_id, s.name, s.comment, s.created_at
FROM share AS s
WHERE s.name = $1 AND ($2 OR EXISTS (
    SELECT 1 FROM share_grant AS g WHERE g.share_id = s.share_id AND g.recipient_id = $3
))`, name, scope.All, scope.RecipientID).Scan(&share.ShareID, &share.Name, &share.Comment, &share.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Share{}, catalog.ErrNotFound
		}
		return catalog.Share{}, fmt.Errorf("get share: %w", err)
	}
	return share, nil
}

func (r *Repository) ListSchemas(ctx context.Context, scope catalog.Scope, share string, page catalog.Page) ([]catalog.Schema, error) {
	s, err := getShare(ctx, r.db, scope, share)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT name, created_at
FROM share_schema
WHERE share_id = $1
ORDER BY name ASC
LIMIT $2 OFFSET $3`, s.ShareID, limitArg(page), page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	schemas := make([]catalog.Schema, 0)
	for rows.Next() {
		schema := catalog.Schema{ShareID: s.ShareID, ShareName: s.Name}
		if err := rows.Scan(&schema.Name, &schema.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		schemas = append(schemas, schema)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema rows: %w", err)
	}
	return schemas, nil
}

func (r *Repository) ListTables(ctx context.Context, scope catalog.Scope, share, schema string, page catalog.Page) ([]catalog.Table, error) {
	s, err := getShare(ctx, r.db, scope, share)
	if err != nil {
		return nil, err
	}
	var exists int
	if err := r.db.QueryRowContext(ctx, `
SELECT 1
FROM share_schema
WHERE share_id = $1 AND name = $2`, s.ShareID, schema).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("get schema: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT table_id, schema_name, name, description, created_at
FROM shared_table
WHERE share_id = $1 AND schema_name = $2
ORDER BY name ASC
LIMIT $3 OFFSET $4`, s.ShareID, schema, limitArg(page), page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return scanTables(rows, s)
}

func (r *Repository) ListAllTables(ctx context.Context, scope catalog.Scope, share string, page catalog.Page) ([]catalog.Table, error) {
	s, err := getShare(ctx, r.db, scope, share)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT table_id, schema_name, name, description, created_at
FROM shared_table
WHERE share_id = $1
ORDER BY schema_name ASC, name ASC
LIMIT $2 OFFSET $3`, s.ShareID, limitArg(page), page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list all tables: %w", err)
	}
	return scanTables(rows, s)
}

func scanTables(rows *sql.Rows, share catalog.Share) ([]catalog.Table, error) {
	defer func() { _ = rows.Close() }()

	tables := make([]catalog.Table, 0)
	for rows.Next() {
		table := catalog.Table{ShareID: share.ShareID, ShareName: share.Name}
		if err := rows.Scan(&table.TableID, &table.SchemaName, &table.Name, &table.Description, &table.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table rows: %w", err)
	}
	return tables, nil
}

func (r *Repository) GetTable(ctx context.Context, scope catalog.Scope, share, schema, table string) (catalog.Table, error) {
	var out catalog.Table
	if err := r.db.QueryRowContext(ctx, `
SELECT t.table_id, t.share_id, s.name, t.schema_name, t.name, t.description, t.created_at
FROM shared_table AS t
JOIN share AS s ON s.share_id = t.share_id
WHERE s.name = $1 AND t.schema_name = $2 AND t.name = $3 AND ($4 OR EXISTS (
    SELECT 1 FROM share_grant AS g WHERE g.share_id = s.share_id AND g.recipient_id = $5
))`, share, schema, table, scope.All, scope.RecipientID).Scan(
		&out.TableID,
		&out.ShareID,
		&out.ShareName,
		&out.SchemaName,
		&out.Name,
		&out.Description,
		&out.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Table{}, catalog.ErrNotFound
		}
		return catalog.Table{}, fmt.Errorf("get table: %w", err)
	}
	return out, nil
}

func (r *Repository) GetLatestVersion(ctx context.Context, tableID string) (catalog.TableVersion, error) {
	return latestVersion(ctx, r.db, tableID)
}

func latestVersion(ctx context.Context, q dbTX, tableID string) (catalog.TableVersion, error) {
	return scanVersion(q.QueryRowContext(ctx, `
SELECT table_id, version, schema_string, partition_columns, committed_at, committed_by
FROM table_version
WHERE table_id = $1
ORDER BY version DESC
LIMIT 1`, tableID))
}

func (r *Repository) GetVersion(ctx context.Context, tableID string, version int64) (catalog.TableVersion, error) {
	return scanVersion(r.db.QueryRowContext(ctx, `
SELECT table_id, version, schema_string, partition_columns, committed_at, committed_by
FROM table_version
WHERE table_id = $1 AND version = $2`, tableID, version))
}

func (r *Repository) GetVersionAt(ctx context.Context, tableID string, at time.Time) (catalog.TableVersion, error) {
	return scanVersion(r.db.QueryRowContext(ctx, `
SELECT table_id, version, schema_string, partition_columns, committed_at, committed_by
FROM table_version
WHERE table_id = $1 AND committed_at <= $2
ORDER BY version DESC
LIMIT 1`, tableID, at))
}

func scanVersion(row *sql.Row) (catalog.TableVersion, error) {
	var version catalog.TableVersion
	var partitionColumns []byte
	if err := row.Scan(
		&version.TableID,
		&version.Version,
		&version.SchemaString,
		&partitionColumns,
		&version.CommittedAt,
		&version.CommittedBy,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.TableVersion{}, catalog.ErrNotFound
		}
		return catalog.TableVersion{}, fmt.Errorf("scan table version: %w", err)
	}
	if len(partitionColumns) > 0 {
		if err := json.Unmarshal(partitionColumns, &version.PartitionColumns); err != nil {
			return catalog.TableVersion{}, fmt.Errorf("decode partition columns: %w", err)
		}
	}
	return version, nil
}

// ListVersionFiles returns the files live at version, read in one
// statement so a concurrent publish cannot tear the set.
func (r *Repository) ListVersionFiles(ctx context.Context, tableID string, version int64) ([]catalog.DataFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT file_id, table_id, object_key, size_bytes, record_count, partition_values, stats_json, added_version, removed_version, created_at
FROM data_file
WHERE table_id = $1 AND added_version <= $2 AND (removed_version IS NULL OR removed_version > $2)
ORDER BY added_version ASC, object_key ASC`, tableID, version)
	if err != nil {
		return nil, fmt.Errorf("list version files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	files := make([]catalog.DataFile, 0)
	for rows.Next() {
		var file catalog.DataFile
		var partitionValues []byte
		var removed sql.NullInt64
		if err := rows.Scan(
			&file.FileID,
			&file.TableID,
			&file.ObjectKey,
			&file.SizeBytes,
			&file.RecordCount,
			&partitionValues,
			&file.StatsJSON,
			&file.AddedVersion,
			&removed,
			&file.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan data file row: %w", err)
		}
		if len(partitionValues) > 0 {
			if err := json.Unmarshal(partitionValues, &file.PartitionValues); err != nil {
				return nil, fmt.Errorf("decode partition values for %s: %w", file.FileID, err)
			}
		}
		if removed.Valid {
			v := removed.Int64
			file.RemovedVersion = &v
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data file rows: %w", err)
	}
	return files, nil
}

func (r *Repository) CreateShare(ctx context.Context, in catalog.CreateShareInput) (catalog.Share, error) {
	if in.Name == "" {
		return catalog.Share{}, fmt.Errorf("share name is required")
	}
	share := catalog.Share{ShareID: r.newID(), Name: in.Name, Comment: in.Comment}
	if err := r.db.QueryRowContext(ctx, `
INSERT INTO share (share_id, name, comment)
VALUES ($1, $2, $3)
RETURNING created_at`, share.ShareID, share.Name, share.Comment).Scan(&share.CreatedAt); err != nil {
		return catalog.Share{}, fmt.Errorf("create share: %w", mapWriteError(err))
	}
	return share, nil
}

func (r *Repository) CreateSchema(ctx context.Context, share, name string) (catalog.Schema, error) {
	if name == "" {
		return catalog.Schema{}, fmt.Errorf("schema name is required")
	}
	s, err := getShare(ctx, r.db, catalog.UnrestrictedScope(), share)
	if err != nil {
		return catalog.Schema{}, err
	}
	schema := catalog.Schema{ShareID: s.ShareID, ShareName: s.Name, Name: name}
	if err := r.db.QueryRowContext(ctx, `
INSERT INTO share_schema (share_id, name)
VALUES ($1, $2)
RETURNING created_at`, s.ShareID, name).Scan(&schema.CreatedAt); err != nil {
		return catalog.Schema{}, fmt.Errorf("create schema: %w", mapWriteError(err))
	}
	return schema, nil
}

// CreateTable registers the table and, when a schema is given, commits it
// as version 0.
func (r *Repository) CreateTable(ctx context.Context, in catalog.CreateTableInput) (catalog.Table, error) {
	if in.Name == "" {
		return catalog.Table{}, fmt.Errorf("table name is required")
	}

	var table catalog.Table
	err := r.WithTx(ctx, func(tx *TxRepository) error {
		s, err := getShare(ctx, tx.q, catalog.UnrestrictedScope(), in.ShareName)
		if err != nil {
			return err
		}
		table = catalog.Table{
			TableID:     r.newID(),
			ShareID:     s.ShareID,
			ShareName:   s.Name,
			SchemaName:  in.SchemaName,
			Name:        in.Name,
			Description: in.Description,
		}
		if err := tx.insertTable(ctx, &table); err != nil {
			return err
		}
		if in.SchemaString == "" {
			return nil
		}
		_, err = tx.insertVersion(ctx, catalog.TableVersion{
			TableID:          table.TableID,
			Version:          0,
			SchemaString:     in.SchemaString,
			PartitionColumns: in.PartitionColumns,
			CommittedBy:      "create-table",
		})
		return err
	})
	if err != nil {
		return catalog.Table{}, err
	}
	return table, nil
}

func (r *Repository) CreateRecipient(ctx context.Context, name string) (catalog.Recipient, error) {
	if name == "" {
		return catalog.Recipient{}, fmt.Errorf("recipient name is required")
	}
	recipient := catalog.Recipient{RecipientID: r.newID(), Name: name}
	if err := r.db.QueryRowContext(ctx, `
INSERT INTO recipient (recipient_id, name)
VALUES ($1, $2)
RETURNING created_at`, recipient.RecipientID, name).Scan(&recipient.CreatedAt); err != nil {
		return catalog.Recipient{}, fmt.Errorf("create recipient: %w", mapWriteError(err))
	}
	return recipient, nil
}

func (r *Repository) AddRecipientToken(ctx context.Context, in catalog.AddRecipientTokenInput) (catalog.RecipientToken, error) {
	if in.TokenHash == "" {
		return catalog.RecipientToken{}, fmt.Errorf("token hash is required")
	}
	token := catalog.RecipientToken{TokenHash: in.TokenHash, ExpiresAt: in.ExpiresAt}
	if err := r.db.QueryRowContext(ctx, `
INSERT INTO recipient_token (token_hash, recipient_id, expires_at)
SELECT $1, recipient_id, $2
FROM recipient
WHERE name = $3
RETURNING recipient_id, created_at`, in.TokenHash, in.ExpiresAt, in.RecipientName).Scan(&token.RecipientID, &token.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.RecipientToken{}, catalog.ErrNotFound
		}
		return catalog.RecipientToken{}, fmt.Errorf("add recipient token: %w", mapWriteError(err))
	}
	return token, nil
}

func (r *Repository) GrantShare(ctx context.Context, share, recipient string) error {
	var shareID string
	if err := r.db.QueryRowContext(ctx, `
INSERT INTO share_grant (share_id, recipient_id)
SELECT s.share_id, r.recipient_id
FROM share AS s, recipient AS r
WHERE s.name = $1 AND r.name = $2
ON CONFLICT (share_id, recipient_id)
DO UPDATE SET share_id = share_grant.share_id
RETURNING share_id`, share, recipient).Scan(&shareID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.ErrNotFound
		}
		return fmt.Errorf("grant share: %w", err)
	}
	return nil
}

func (r *Repository) GetRecipientByTokenHash(ctx context.Context, tokenHash string) (catalog.Recipient, catalog.RecipientToken, error) {
	var recipient catalog.Recipient
	var token catalog.RecipientToken
	if err := r.db.QueryRowContext(ctx, `
SELECT r.recipient_id, r.name, r.created_at, t.token_hash, t.expires_at, t.revoked_at, t.created_at
FROM recipient_token AS t
JOIN recipient AS r ON r.recipient_id = t.recipient_id
WHERE t.token_hash = $1`, tokenHash).Scan(
		&recipient.RecipientID,
		&recipient.Name,
		&recipient.CreatedAt,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.RevokedAt,
		&token.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Recipient{}, catalog.RecipientToken{}, catalog.ErrNotFound
		}
		return catalog.Recipient{}, catalog.RecipientToken{}, fmt.Errorf("get recipient by token: %w", err)
	}
	token.RecipientID = recipient.RecipientID
	return recipient, token, nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txRepo := &TxRepository{q: tx, newID: r.newID}
	if err := fn(txRepo); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type TxRepository struct {
	q     dbTX
	newID func() string
}

func (r *TxRepository) insertTable(ctx context.Context, table *catalog.Table) error {
	if err := r.q.QueryRowContext(ctx, `
INSERT INTO shared_table (table_id, share_id, schema_name, name, description)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`, table.TableID, table.ShareID, table.SchemaName, table.Name, table.Description).Scan(&table.CreatedAt); err != nil {
		return fmt.Errorf("insert table: %w", mapWriteError(err))
	}
	return nil
}

func (r *TxRepository) insertVersion(ctx context.Context, version catalog.TableVersion) (catalog.TableVersion, error) {
	partitionColumns := version.PartitionColumns
	if partitionColumns == nil {
		partitionColumns = []string{}
	}
	encoded, err := json.Marshal(partitionColumns)
	if err != nil {
		return catalog.TableVersion{}, fmt.Errorf("encode partition columns: %w", err)
	}
	if err := r.q.QueryRowContext(ctx, `
INSERT INTO table_version (table_id, version, schema_string, partition_columns, committed_at, committed_by)
VALUES ($1, $2, $3, $4::jsonb, clock_timestamp(), $5)
RETURNING committed_at`, version.TableID, version.Version, version.SchemaString, string(encoded), version.CommittedBy).Scan(&version.CommittedAt); err != nil {
		return catalog.TableVersion{}, fmt.Errorf("insert table version: %w", mapWriteError(err))
	}
	return version, nil
}

func limitArg(page catalog.Page) any {
	if page.Limit <= 0 {
		return nil
	}
	return page.Limit
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, catalog.ErrConflict)
	}
	return err
}
