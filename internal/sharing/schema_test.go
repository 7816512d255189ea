package sharing

import (
	"testing"
	"time"
)

const bostonSchema = `{"type":"struct","fields":[` +
	`{"name":"id","type":"long","nullable":false,"metadata":{}},` +
	`{"name":"age","type":"integer","nullable":true,"metadata":{}},` +
	`{"name":"price","type":"double","nullable":true,"metadata":{}},` +
	`{"name":"town","type":"string","nullable":true,"metadata":{}},` +
	`{"name":"listed","type":"date","nullable":true,"metadata":{}},` +
	`{"name":"tags","type":{"type":"array","elementType":"string","containsNull":true},"nullable":true,"metadata":{}}]}`

func TestParseSchema(t *testing.T) {
	schema, err := ParseSchema(bostonSchema)
	if err != nil {
		t.Fatalf("ParseSchema() error = %v", err)
	}
	if got := schema.Names(); len(got) != 6 || got[0] != "id" || got[5] != "tags" {
		t.Fatalf("Names() = %v", got)
	}
	id, ok := schema.Column("id")
	if !ok || id.Type != TypeLong || id.Nullable {
		t.Fatalf("Column(id) = %+v, %v", id, ok)
	}
	tags, _ := schema.Column("tags")
	if !tags.IsComplex() {
		t.Fatalf("tags column should be complex, got type %q", tags.Type)
	}
	if _, ok := schema.Column("missing"); ok {
		t.Fatal("Column(missing) should not be found")
	}
}

func TestSchemaStringRoundTripPreservesEquality(t *testing.T) {
	schema, err := ParseSchema(bostonSchema)
	if err != nil {
		t.Fatalf("ParseSchema() error = %v", err)
	}
	encoded, err := schema.SchemaString()
	if err != nil {
		t.Fatalf("SchemaString() error = %v", err)
	}
	again, err := ParseSchema(encoded)
	if err != nil {
		t.Fatalf("ParseSchema(encoded) error = %v", err)
	}
	if !schema.Equal(again) {
		t.Fatalf("schemas differ after round trip: %s", encoded)
	}
}

func TestParseSchemaRejectsInvalidInput(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"array"}`,
		`{"type":"struct","fields":[{"name":"a","type":"long"},{"name":"a","type":"long"}]}`,
	} {
		if _, err := ParseSchema(raw); err == nil {
			t.Fatalf("ParseSchema(%q) expected error", raw)
		}
	}
}

func TestColumnCoerce(t *testing.T) {
	tests := []struct {
		typ   string
		input any
		want  any
	}{
		{TypeLong, "42", int64(42)},
		{TypeLong, float64(7), int64(7)},
		{TypeInteger, int64(18), int32(18)},
		{TypeShort, "12", int16(12)},
		{TypeByte, int64(-3), int8(-3)},
		{TypeDouble, "1.5", 1.5},
		{TypeFloat, 2.5, float32(2.5)},
		{TypeBoolean, "true", true},
		{TypeString, []byte("abc"), "abc"},
		{TypeDate, "2021-04-28", time.Date(2021, 4, 28, 0, 0, 0, 0, time.UTC)},
		{TypeDate, int32(1), time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC)},
		{TypeTimestamp, "2021-04-28T10:00:00Z", time.Date(2021, 4, 28, 10, 0, 0, 0, time.UTC)},
		{TypeTimestamp, int64(1_000_000), time.Date(1970, 1, 1, 0, 0, 1, 0, time.UTC)},
		{"decimal(10,2)", "3.25", 3.25},
	}
	for _, tt := range tests {
		got, err := Column{Name: "c", Type: tt.typ}.Coerce(tt.input)
		if err != nil {
			t.Fatalf("Coerce(%s, %v) error = %v", tt.typ, tt.input, err)
		}
		if ts, ok := tt.want.(time.Time); ok {
			if !ts.Equal(got.(time.Time)) {
				t.Fatalf("Coerce(%s, %v) = %v, want %v", tt.typ, tt.input, got, tt.want)
			}
			continue
		}
		if got != tt.want {
			t.Fatalf("Coerce(%s, %v) = %#v, want %#v", tt.typ, tt.input, got, tt.want)
		}
	}
}

func TestColumnCoerceErrors(t *testing.T) {
	tests := []struct {
		typ   string
		input any
	}{
		{TypeInteger, int64(1) << 40},
		{TypeLong, 1.5},
		{TypeBoolean, "maybe"},
		{TypeDate, "yesterday"},
		{TypeString, 12},
		{"interval", "1"},
	}
	for _, tt := range tests {
		if _, err := (Column{Name: "c", Type: tt.typ}).Coerce(tt.input); err == nil {
			t.Fatalf("Coerce(%s, %v) expected error", tt.typ, tt.input)
		}
	}
}

func TestConvertPartitionValueEmptyIsNull(t *testing.T) {
	got, err := ConvertPartitionValue(Column{Name: "p", Type: TypeString}, "")
	if err != nil || got != nil {
		t.Fatalf("ConvertPartitionValue() = %v, %v", got, err)
	}
	// A genuine empty string is written the same way as null.
	column := Column{Name: "city", Type: TypeString, Nullable: true}
	for _, value := range []any{nil, ""} {
		raw := FormatPartitionValue(column, value)
		if back, err := ConvertPartitionValue(column, raw); raw != "" || err != nil || back != nil {
			t.Fatalf("partition value %#v round trip = %q -> %v, %v", value, raw, back, err)
		}
	}
	got, err = ConvertPartitionValue(Column{Name: "p", Type: TypeInteger}, "5")
	if err != nil || got != int32(5) {
		t.Fatalf("ConvertPartitionValue() = %#v, %v", got, err)
	}
}
