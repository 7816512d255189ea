// Package publish turns rows into parquet data files and commits them as a
// new version of a shared table.
package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/duckmesh/duckshare/internal/catalog"
	"github.com/duckmesh/duckshare/internal/sharing"
	"github.com/duckmesh/duckshare/internal/storage"
)

type Mode string

const (
	ModeAppend    Mode = "append"
	ModeOverwrite Mode = "overwrite"
)

type Catalog interface {
	GetTable(ctx context.Context, scope catalog.Scope, share, schema, table string) (catalog.Table, error)
	GetLatestVersion(ctx context.Context, tableID string) (catalog.TableVersion, error)
	PublishVersion(ctx context.Context, in catalog.PublishVersionInput) (catalog.TableVersion, error)
}

type Service struct {
	Catalog     Catalog
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
}

type Config struct {
	MaxRowsPerFile int
	CommittedBy    string
}

type Request struct {
	Table sharing.TableRef
	Mode  Mode
	// SchemaString replaces the table schema for this and later versions.
	// Empty keeps the current schema.
	SchemaString     string
	PartitionColumns []string
	Rows             []map[string]any
}

type Result struct {
	Version     int64
	Files       []catalog.NewDataFile
	RecordCount int64
}

func (s *Service) ensureDefaults() {
	if s.Config.MaxRowsPerFile <= 0 {
		s.Config.MaxRowsPerFile = 100000
	}
	if s.Config.CommittedBy == "" {
		s.Config.CommittedBy = "duckshare-publish"
	}
}

// Publish writes rows as parquet files and commits them on top of the
// latest version the service observed. A concurrent publish makes the
// commit fail with catalog.ErrConflict; uploaded files are then removed.
func (s *Service) Publish(ctx context.Context, req Request) (Result, error) {
	s.ensureDefaults()
	if err := req.Table.Validate(); err != nil {
		return Result{}, err
	}
	if req.Mode == "" {
		req.Mode = ModeAppend
	}
	if req.Mode != ModeAppend && req.Mode != ModeOverwrite {
		return Result{}, fmt.Errorf("unsupported publish mode %q", req.Mode)
	}
	if req.Mode == ModeAppend && len(req.Rows) == 0 {
		return Result{}, fmt.Errorf("no rows to append")
	}

	table, err := s.Catalog.GetTable(ctx, catalog.UnrestrictedScope(), req.Table.Share, req.Table.Schema, req.Table.Name)
	if err != nil {
		return Result{}, fmt.Errorf("get table %s: %w", req.Table, err)
	}

	expected := catalog.NoVersion
	nextVersion := int64(0)
	schemaString := req.SchemaString
	partitionColumns := req.PartitionColumns
	latest, err := s.Catalog.GetLatestVersion(ctx, table.TableID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
	case err != nil:
		return Result{}, fmt.Errorf("get latest version: %w", err)
	default:
		expected = latest.Version
		nextVersion = latest.Version + 1
		if schemaString == "" {
			schemaString = latest.SchemaString
			partitionColumns = latest.PartitionColumns
		}
	}
	if schemaString == "" {
		return Result{}, fmt.Errorf("table %s has no schema; pass one with the first publish", req.Table)
	}

	schema, err := sharing.ParseSchema(schemaString)
	if err != nil {
		return Result{}, err
	}
	dataColumns, partitions, err := splitColumns(schema, partitionColumns)
	if err != nil {
		return Result{}, err
	}

	groups, err := groupRecordsByPartition(&schema, partitions, req.Rows)
	if err != nil {
		return Result{}, err
	}

	batch := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	files := make([]catalog.NewDataFile, 0, len(groups))
	var written []string
	cleanup := func() {
		for _, key := range written {
			if err := s.ObjectStore.Delete(context.WithoutCancel(ctx), key); err != nil && s.Logger != nil {
				s.Logger.WarnContext(ctx, "publish cleanup failed", slog.String("object_key", key), slog.Any("error", err))
			}
		}
	}

	sequence := 0
	var recordCount int64
	for _, group := range groups {
		for _, chunk := range chunk(group.Records, s.Config.MaxRowsPerFile) {
			file, err := s.writeFile(ctx, req.Table, dataColumns, group, chunk, nextVersion, sequence, batch)
			if err != nil {
				cleanup()
				return Result{}, err
			}
			written = append(written, file.ObjectKey)
			files = append(files, file)
			recordCount += file.RecordCount
			sequence++
		}
	}

	committed, err := s.Catalog.PublishVersion(ctx, catalog.PublishVersionInput{
		TableID:          table.TableID,
		ExpectedVersion:  &expected,
		SchemaString:     req.SchemaString,
		PartitionColumns: req.PartitionColumns,
		AddFiles:         files,
		RemoveAll:        req.Mode == ModeOverwrite,
		CommittedBy:      s.Config.CommittedBy,
	})
	if err != nil {
		cleanup()
		return Result{}, fmt.Errorf("commit version: %w", err)
	}

	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "published table version",
			slog.String("table", req.Table.String()),
			slog.Int64("version", committed.Version),
			slog.String("mode", string(req.Mode)),
			slog.Int("file_count", len(files)),
			slog.Int64("record_count", recordCount),
		)
	}
	return Result{Version: committed.Version, Files: files, RecordCount: recordCount}, nil
}

func (s *Service) writeFile(ctx context.Context, ref sharing.TableRef, columns []sharing.Column, group partitionGroup, records []sharing.Record, version int64, sequence int, batch string) (catalog.NewDataFile, error) {
	encoded, err := EncodeRecordsToParquet(columns, records)
	if err != nil {
		return catalog.NewDataFile{}, fmt.Errorf("encode parquet: %w", err)
	}
	key, err := storage.BuildDataFilePath(ref.Share, ref.Schema, ref.Name, group.Path, version, sequence, batch)
	if err != nil {
		return catalog.NewDataFile{}, fmt.Errorf("build data file path: %w", err)
	}
	info, err := s.ObjectStore.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{ContentType: "application/vnd.apache.parquet"})
	if err != nil {
		return catalog.NewDataFile{}, fmt.Errorf("put parquet object: %w", err)
	}
	stats, err := encoded.Stats.Encode()
	if err != nil {
		return catalog.NewDataFile{}, err
	}
	size := info.Size
	if size <= 0 {
		size = int64(len(encoded.Data))
	}
	return catalog.NewDataFile{
		ObjectKey:       key,
		SizeBytes:       size,
		RecordCount:     encoded.RecordCount,
		PartitionValues: group.Values,
		StatsJSON:       stats,
	}, nil
}

func splitColumns(schema sharing.TableSchema, partitionColumns []string) ([]sharing.Column, []sharing.Column, error) {
	partitions := make([]sharing.Column, 0, len(partitionColumns))
	for _, name := range partitionColumns {
		column, ok := schema.Column(name)
		if !ok {
			return nil, nil, fmt.Errorf("partition column %q is not in the schema", name)
		}
		if column.IsComplex() || column.Type == sharing.TypeBinary {
			return nil, nil, fmt.Errorf("partition column %q has unsupported type %s", name, column.Type)
		}
		partitions = append(partitions, column)
	}
	data := make([]sharing.Column, 0, schema.Len())
	for _, column := range schema.Columns {
		if !slices.Contains(partitionColumns, column.Name) {
			data = append(data, column)
		}
	}
	return data, partitions, nil
}

type partitionGroup struct {
	Values  map[string]string
	Path    []storage.PartitionValue
	Records []sharing.Record
}

func groupRecordsByPartition(schema *sharing.TableSchema, partitions []sharing.Column, rows []map[string]any) ([]partitionGroup, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	lookup := map[string]*partitionGroup{}
	order := make([]string, 0)

	for i, row := range rows {
		record, err := sharing.NewRecord(schema, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		values := make(map[string]string, len(partitions))
		path := make([]storage.PartitionValue, 0, len(partitions))
		var key strings.Builder
		for _, column := range partitions {
			value, _ := record.Get(column.Name)
			formatted := sharing.FormatPartitionValue(column, value)
			values[column.Name] = formatted
			path = append(path, storage.PartitionValue{Column: column.Name, Value: formatted})
			fmt.Fprintf(&key, "%d:%s/", len(formatted), formatted)
		}
		group, ok := lookup[key.String()]
		if !ok {
			group = &partitionGroup{Values: values, Path: path}
			lookup[key.String()] = group
			order = append(order, key.String())
		}
		group.Records = append(group.Records, record)
	}

	result := make([]partitionGroup, 0, len(order))
	for _, k := range order {
		result = append(result, *lookup[k])
	}
	return result, nil
}

func chunk(records []sharing.Record, size int) [][]sharing.Record {
	out := make([][]sharing.Record, 0, len(records)/size+1)
	for len(records) > size {
		out = append(out, records[:size])
		records = records[size:]
	}
	if len(records) > 0 {
		out = append(out, records)
	}
	return out
}
