package publish

import (
	"bytes"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/duckshare/internal/sharing"
)

func TestEncodeRecordsToParquet(t *testing.T) {
	schema := mustSchema(t,
		sharing.Column{Name: "id", Type: sharing.TypeLong},
		sharing.Column{Name: "name", Type: sharing.TypeString, Nullable: true},
		sharing.Column{Name: "day", Type: sharing.TypeDate, Nullable: true},
		sharing.Column{Name: "score", Type: sharing.TypeDouble, Nullable: true},
	)
	records := []sharing.Record{
		mustRecord(t, &schema, map[string]any{"id": int64(2), "name": "beta", "day": "2024-03-02", "score": 1.5}),
		mustRecord(t, &schema, map[string]any{"id": int64(1), "name": nil, "day": "2024-03-01", "score": 9.0}),
		mustRecord(t, &schema, map[string]any{"id": int64(3), "name": "alpha", "day": nil, "score": -2.0}),
	}

	result, err := EncodeRecordsToParquet(schema.Columns, records)
	if err != nil {
		t.Fatalf("EncodeRecordsToParquet() error = %v", err)
	}
	if result.RecordCount != 3 {
		t.Fatalf("RecordCount = %d", result.RecordCount)
	}

	reader := parquet.NewReader(bytes.NewReader(result.Data))
	defer func() { _ = reader.Close() }()
	if reader.NumRows() != 3 {
		t.Fatalf("NumRows() = %d", reader.NumRows())
	}

	stats := result.Stats
	if stats.NumRecords == nil || *stats.NumRecords != 3 {
		t.Fatalf("NumRecords = %v", stats.NumRecords)
	}
	if stats.MinValues["id"] != int64(1) || stats.MaxValues["id"] != int64(3) {
		t.Fatalf("id bounds = %v..%v", stats.MinValues["id"], stats.MaxValues["id"])
	}
	if stats.MinValues["name"] != "alpha" || stats.MaxValues["name"] != "beta" {
		t.Fatalf("name bounds = %v..%v", stats.MinValues["name"], stats.MaxValues["name"])
	}
	if stats.MinValues["day"] != "2024-03-01" || stats.MaxValues["day"] != "2024-03-02" {
		t.Fatalf("day bounds = %v..%v", stats.MinValues["day"], stats.MaxValues["day"])
	}
	if stats.MinValues["score"] != -2.0 || stats.MaxValues["score"] != 9.0 {
		t.Fatalf("score bounds = %v..%v", stats.MinValues["score"], stats.MaxValues["score"])
	}
	if stats.NullCount["name"] != 1 || stats.NullCount["day"] != 1 || stats.NullCount["id"] != 0 {
		t.Fatalf("NullCount = %v", stats.NullCount)
	}
}

func TestEncodeRecordsRejectsUnsupportedTypes(t *testing.T) {
	schema := mustSchema(t, sharing.Column{Name: "tags", Type: `{"type":"array","elementType":"string","containsNull":true}`, Nullable: true})
	record := mustRecord(t, &schema, map[string]any{"tags": nil})
	if _, err := EncodeRecordsToParquet(schema.Columns, []sharing.Record{record}); err == nil {
		t.Fatal("expected error for complex column")
	}
	if _, err := EncodeRecordsToParquet(schema.Columns, nil); err == nil {
		t.Fatal("expected error for empty records")
	}
}

func TestDaysSinceEpoch(t *testing.T) {
	tests := map[string]int32{
		"1970-01-01": 0,
		"1970-01-02": 1,
		"1969-12-31": -1,
		"2024-03-01": 19783,
	}
	for value, want := range tests {
		day, err := time.Parse("2006-01-02", value)
		if err != nil {
			t.Fatalf("time.Parse(%q) error = %v", value, err)
		}
		if got := daysSinceEpoch(day); got != want {
			t.Fatalf("daysSinceEpoch(%s) = %d, want %d", value, got, want)
		}
	}
}

func mustSchema(t *testing.T, columns ...sharing.Column) sharing.TableSchema {
	t.Helper()
	schema, err := sharing.NewSchema(columns...)
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}
	return schema
}

func mustRecord(t *testing.T, schema *sharing.TableSchema, values map[string]any) sharing.Record {
	t.Helper()
	record, err := sharing.NewRecord(schema, values)
	if err != nil {
		t.Fatalf("NewRecord() error = %v", err)
	}
	return record
}
