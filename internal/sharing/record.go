package sharing

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is one typed row. Values are positional and follow the schema.
type Record struct {
	schema *TableSchema
	values []any
}

// NewRecord coerces every column and rejects nulls in non-nullable columns.
// Keys of values that are not schema columns are ignored.
func NewRecord(schema *TableSchema, values map[string]any) (Record, error) {
	out := make([]any, len(schema.Columns))
	for i, column := range schema.Columns {
		raw := values[column.Name]
		converted, err := column.Coerce(raw)
		if err != nil {
			return Record{}, err
		}
		if converted == nil && !column.Nullable {
			return Record{}, fmt.Errorf("column %q is not nullable", column.Name)
		}
		out[i] = converted
	}
	return Record{schema: schema, values: out}, nil
}

func (r Record) Schema() *TableSchema {
	return r.schema
}

// Get returns the value of a column. ok is false for unknown columns.
func (r Record) Get(name string) (any, bool) {
	if r.schema == nil {
		return nil, false
	}
	i, ok := r.schema.Index(name)
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// Project rebinds the record to a narrower schema built with Select. Columns
// missing from the record come back as nil.
func (r Record) Project(schema *TableSchema) Record {
	out := make([]any, len(schema.Columns))
	for i, column := range schema.Columns {
		out[i], _ = r.Get(column.Name)
	}
	return Record{schema: schema, values: out}
}

func (r Record) Values() []any {
	return append([]any(nil), r.values...)
}

func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.values))
	if r.schema == nil {
		return out
	}
	for i, column := range r.schema.Columns {
		out[column.Name] = r.values[i]
	}
	return out
}

// MarshalJSON writes dates as YYYY-MM-DD and timestamps as RFC 3339.
func (r Record) MarshalJSON() ([]byte, error) {
	out := r.Map()
	if r.schema != nil {
		for _, column := range r.schema.Columns {
			ts, ok := out[column.Name].(time.Time)
			if !ok {
				continue
			}
			if column.Type == TypeDate {
				out[column.Name] = ts.Format(dateLayout)
			} else {
				out[column.Name] = ts.Format(time.RFC3339Nano)
			}
		}
	}
	return json.Marshal(out)
}
