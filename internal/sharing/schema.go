package sharing

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Primitive column types of the Delta schema string.
const (
	TypeString    = "string"
	TypeLong      = "long"
	TypeInteger   = "integer"
	TypeShort     = "short"
	TypeByte      = "byte"
	TypeDouble    = "double"
	TypeFloat     = "float"
	TypeBoolean   = "boolean"
	TypeDate      = "date"
	TypeTimestamp = "timestamp"
	TypeBinary    = "binary"
)

const dateLayout = "2006-01-02"

type Column struct {
	Name     string
	Type     string
	Nullable bool
	Metadata map[string]any
}

// TableSchema is the ordered column list decoded from a schemaString.
type TableSchema struct {
	Columns []Column
	index   map[string]int
}

type structField struct {
	Name     string          `json:"name"`
	Type     json.RawMessage `json:"type"`
	Nullable bool            `json:"nullable"`
	Metadata map[string]any  `json:"metadata"`
}

type structType struct {
	Type   string        `json:"type"`
	Fields []structField `json:"fields"`
}

func NewSchema(columns ...Column) (TableSchema, error) {
	schema := TableSchema{Columns: append([]Column(nil), columns...)}
	schema.index = make(map[string]int, len(columns))
	for i, column := range columns {
		if strings.TrimSpace(column.Name) == "" {
			return TableSchema{}, fmt.Errorf("column %d has no name", i)
		}
		if _, dup := schema.index[column.Name]; dup {
			return TableSchema{}, fmt.Errorf("duplicate column %q", column.Name)
		}
		schema.index[column.Name] = i
	}
	return schema, nil
}

// ParseSchema decodes a Delta struct-type schema string.
func ParseSchema(schemaString string) (TableSchema, error) {
	var root structType
	if err := json.Unmarshal([]byte(schemaString), &root); err != nil {
		return TableSchema{}, fmt.Errorf("decode schema string: %w", err)
	}
	if root.Type != "struct" {
		return TableSchema{}, fmt.Errorf("schema string must be a struct type, got %q", root.Type)
	}
	columns := make([]Column, 0, len(root.Fields))
	for _, field := range root.Fields {
		var typeName string
		if err := json.Unmarshal(field.Type, &typeName); err != nil {
			// Nested struct, array and map types are kept as raw JSON and
			// passed through undecoded.
			typeName = string(bytes.TrimSpace(field.Type))
		}
		columns = append(columns, Column{
			Name:     field.Name,
			Type:     typeName,
			Nullable: field.Nullable,
			Metadata: field.Metadata,
		})
	}
	return NewSchema(columns...)
}

// SchemaString encodes the schema back into Delta struct JSON.
func (s TableSchema) SchemaString() (string, error) {
	root := structType{Type: "struct", Fields: make([]structField, 0, len(s.Columns))}
	for _, column := range s.Columns {
		var typ json.RawMessage
		if column.IsComplex() {
			typ = json.RawMessage(column.Type)
		} else {
			encoded, _ := json.Marshal(column.Type)
			typ = encoded
		}
		metadata := column.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		root.Fields = append(root.Fields, structField{Name: column.Name, Type: typ, Nullable: column.Nullable, Metadata: metadata})
	}
	payload, err := json.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("encode schema string: %w", err)
	}
	return string(payload), nil
}

func (s TableSchema) Len() int {
	return len(s.Columns)
}

func (s TableSchema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, column := range s.Columns {
		names[i] = column.Name
	}
	return names
}

func (s TableSchema) Index(name string) (int, bool) {
	if s.index != nil {
		i, ok := s.index[name]
		return i, ok
	}
	for i, column := range s.Columns {
		if column.Name == name {
			return i, true
		}
	}
	return 0, false
}

func (s TableSchema) Column(name string) (Column, bool) {
	i, ok := s.Index(name)
	if !ok {
		return Column{}, false
	}
	return s.Columns[i], true
}

// Equal compares names, types and nullability in order.
// Select returns the schema restricted to names, in the order given.
func (s TableSchema) Select(names ...string) (TableSchema, error) {
	columns := make([]Column, 0, len(names))
	for _, name := range names {
		column, ok := s.Column(name)
		if !ok {
			return TableSchema{}, fmt.Errorf("unknown column %q", name)
		}
		columns = append(columns, column)
	}
	return NewSchema(columns...)
}

func (s TableSchema) Equal(other TableSchema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		a, b := s.Columns[i], other.Columns[i]
		if a.Name != b.Name || a.Type != b.Type || a.Nullable != b.Nullable {
			return false
		}
	}
	return true
}

func (c Column) IsComplex() bool {
	return strings.HasPrefix(c.Type, "{")
}

func (c Column) isDecimal() bool {
	return strings.HasPrefix(c.Type, "decimal")
}

// Coerce converts a decoded value into the Go type of the column:
// string, int64, int32, int16, int8, float64, float32, bool, time.Time or
// []byte. Decimals become float64. nil passes through.
func (c Column) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if c.IsComplex() {
		return value, nil
	}
	switch {
	case c.Type == TypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case json.Number:
			return v.String(), nil
		}
	case c.Type == TypeLong:
		return toInt(value, math.MinInt64, math.MaxInt64, func(v int64) any { return v })
	case c.Type == TypeInteger:
		return toInt(value, math.MinInt32, math.MaxInt32, func(v int64) any { return int32(v) })
	case c.Type == TypeShort:
		return toInt(value, math.MinInt16, math.MaxInt16, func(v int64) any { return int16(v) })
	case c.Type == TypeByte:
		return toInt(value, math.MinInt8, math.MaxInt8, func(v int64) any { return int8(v) })
	case c.Type == TypeDouble || c.isDecimal():
		return toFloat(value)
	case c.Type == TypeFloat:
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		return float32(f.(float64)), nil
	case c.Type == TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			return b, nil
		}
	case c.Type == TypeDate:
		switch v := value.(type) {
		case time.Time:
			y, m, d := v.UTC().Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		case string:
			ts, err := time.Parse(dateLayout, strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			return ts, nil
		case int32:
			return time.Unix(int64(v)*86400, 0).UTC(), nil
		}
	case c.Type == TypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			ts, err := ParseTimestamp(v)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			return ts, nil
		case int64:
			return time.UnixMicro(v).UTC(), nil
		}
	case c.Type == TypeBinary:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
				return decoded, nil
			}
			return []byte(v), nil
		}
	default:
		return nil, fmt.Errorf("column %q: unsupported type %q", c.Name, c.Type)
	}
	return nil, fmt.Errorf("column %q: cannot convert %T to %s", c.Name, value, c.Type)
}

func toInt(value any, lo, hi int64, wrap func(int64) any) (any, error) {
	var v int64
	switch n := value.(type) {
	case int:
		v = int64(n)
	case int8:
		v = int64(n)
	case int16:
		v = int64(n)
	case int32:
		v = int64(n)
	case int64:
		v = n
	case uint8:
		v = int64(n)
	case uint16:
		v = int64(n)
	case uint32:
		v = int64(n)
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("value %v is not an integer", n)
		}
		v = int64(n)
	case json.Number:
		parsed, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", n)
		}
		v = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", n)
		}
		v = parsed
	default:
		return nil, fmt.Errorf("cannot convert %T to integer", value)
	}
	if v < lo || v > hi {
		return nil, fmt.Errorf("value %d out of range [%d, %d]", v, lo, hi)
	}
	return wrap(v), nil
}

func toFloat(value any) (any, error) {
	switch n := value.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("cannot convert %T to float", value)
}

// ConvertPartitionValue turns a partitionValues entry into a typed value.
// An empty string is a null partition value for every type, string columns
// included, as in Spark. A row published with "" in a string partition
// column therefore reads back as null.
func ConvertPartitionValue(column Column, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	return column.Coerce(raw)
}

const partitionTimestampLayout = "2006-01-02 15:04:05.999999"

// FormatPartitionValue renders a typed value for partitionValues. Nil
// renders as the empty string, which ConvertPartitionValue reads back as
// null.
func FormatPartitionValue(column Column, value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case time.Time:
		if column.Type == TypeDate {
			return v.UTC().Format(dateLayout)
		}
		return v.UTC().Format(partitionTimestampLayout)
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// StatValue renders a typed value for minValues and maxValues.
func StatValue(column Column, value any) any {
	ts, ok := value.(time.Time)
	if !ok {
		return value
	}
	if column.Type == TypeDate {
		return ts.UTC().Format(dateLayout)
	}
	return ts.UTC().Format(time.RFC3339Nano)
}
