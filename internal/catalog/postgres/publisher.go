package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duckmesh/duckshare/internal/catalog"
)

// PublishVersion commits the next table version in one transaction. The
// table row is locked first so concurrent publishers serialize and version
// numbers stay dense.
func (r *Repository) PublishVersion(ctx context.Context, in catalog.PublishVersionInput) (catalog.TableVersion, error) {
	if in.TableID == "" {
		return catalog.TableVersion{}, fmt.Errorf("table id is required")
	}
	if in.CommittedBy == "" {
		in.CommittedBy = "duckshare-admin"
	}

	var committed catalog.TableVersion
	err := r.WithTx(ctx, func(tx *TxRepository) error {
		if err := tx.lockTable(ctx, in.TableID); err != nil {
			return err
		}

		next := catalog.TableVersion{TableID: in.TableID, CommittedBy: in.CommittedBy}
		latest, err := latestVersion(ctx, tx.q, in.TableID)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			if in.ExpectedVersion != nil && *in.ExpectedVersion != catalog.NoVersion {
				return fmt.Errorf("expected version %d, table has none: %w", *in.ExpectedVersion, catalog.ErrConflict)
			}
		case err != nil:
			return err
		default:
			if in.ExpectedVersion != nil && *in.ExpectedVersion != latest.Version {
				return fmt.Errorf("expected version %d, latest is %d: %w", *in.ExpectedVersion, latest.Version, catalog.ErrConflict)
			}
			next.Version = latest.Version + 1
			next.SchemaString = latest.SchemaString
			next.PartitionColumns = latest.PartitionColumns
		}
		if in.SchemaString != "" {
			next.SchemaString = in.SchemaString
			next.PartitionColumns = in.PartitionColumns
		}
		if next.SchemaString == "" {
			return fmt.Errorf("schema string is required for the first version")
		}

		committed, err = tx.insertVersion(ctx, next)
		if err != nil {
			return err
		}
		if err := tx.removeFiles(ctx, in, next.Version); err != nil {
			return err
		}
		for _, file := range in.AddFiles {
			if err := tx.addFile(ctx, in.TableID, next.Version, file); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return catalog.TableVersion{}, err
	}
	return committed, nil
}

func (r *TxRepository) lockTable(ctx context.Context, tableID string) error {
	var locked string
	if err := r.q.QueryRowContext(ctx, `
SELECT table_id
FROM shared_table
WHERE table_id = $1
FOR UPDATE`, tableID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.ErrNotFound
		}
		return fmt.Errorf("lock table: %w", err)
	}
	return nil
}

func (r *TxRepository) removeFiles(ctx context.Context, in catalog.PublishVersionInput, version int64) error {
	if in.RemoveAll {
		if _, err := r.q.ExecContext(ctx, `
UPDATE data_file
SET removed_version = $2
WHERE table_id = $1 AND removed_version IS NULL`, in.TableID, version); err != nil {
			return fmt.Errorf("remove all files: %w", err)
		}
		return nil
	}
	if len(in.RemoveFileIDs) == 0 {
		return nil
	}

	result, err := r.q.ExecContext(ctx, `
UPDATE data_file
SET removed_version = $2
WHERE table_id = $1 AND removed_version IS NULL AND file_id = ANY($3::text[])`, in.TableID, version, in.RemoveFileIDs)
	if err != nil {
		return fmt.Errorf("remove files: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove files rows affected: %w", err)
	}
	if affected != int64(len(in.RemoveFileIDs)) {
		return fmt.Errorf("removed %d of %d files: %w", affected, len(in.RemoveFileIDs), catalog.ErrConflict)
	}
	return nil
}

func (r *TxRepository) addFile(ctx context.Context, tableID string, version int64, file catalog.NewDataFile) error {
	partitionValues := file.PartitionValues
	if partitionValues == nil {
		partitionValues = map[string]string{}
	}
	encoded, err := json.Marshal(partitionValues)
	if err != nil {
		return fmt.Errorf("encode partition values: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, `
INSERT INTO data_file (file_id, table_id, object_key, size_bytes, record_count, partition_values, stats_json, added_version)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		r.newID(), tableID, file.ObjectKey, file.SizeBytes, file.RecordCount, string(encoded), file.StatsJSON, version); err != nil {
		return fmt.Errorf("insert data file %s: %w", file.ObjectKey, err)
	}
	return nil
}
