package publish

import (
	"bytes"
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/duckshare/internal/sharing"
)

type ParquetEncodeResult struct {
	Data        []byte
	RecordCount int64
	Stats       sharing.FileStats
}

// EncodeRecordsToParquet writes the given data columns of records into one
// parquet file and collects Delta-style statistics for it. Partition
// columns are expected to be left out of columns by the caller.
func EncodeRecordsToParquet(columns []sharing.Column, records []sharing.Record) (ParquetEncodeResult, error) {
	if len(records) == 0 {
		return ParquetEncodeResult{}, fmt.Errorf("records are required")
	}

	schema, err := parquetSchema(columns)
	if err != nil {
		return ParquetEncodeResult{}, err
	}
	leafIndex := make(map[string]int, len(columns))
	for i, path := range schema.Columns() {
		leafIndex[path[0]] = i
	}

	stats := newStatsCollector(columns)
	rows := make([]parquet.Row, 0, len(records))
	for _, record := range records {
		row := make(parquet.Row, len(columns))
		for _, column := range columns {
			value, _ := record.Get(column.Name)
			stats.observe(column, value)
			idx := leafIndex[column.Name]
			pv, err := parquetValue(column, value)
			if err != nil {
				return ParquetEncodeResult{}, err
			}
			definition := 0
			if column.Nullable && value != nil {
				definition = 1
			}
			row[idx] = pv.Level(0, definition, idx)
		}
		rows = append(rows, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if _, err := writer.WriteRows(rows); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return ParquetEncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(records)),
		Stats:       stats.result(int64(len(records))),
	}, nil
}

func parquetSchema(columns []sharing.Column) (*parquet.Schema, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("at least one data column is required")
	}
	group := parquet.Group{}
	for _, column := range columns {
		node, err := parquetNode(column)
		if err != nil {
			return nil, err
		}
		if column.Nullable {
			node = parquet.Optional(node)
		} else {
			node = parquet.Required(node)
		}
		group[column.Name] = node
	}
	return parquet.NewSchema("duckshare", group), nil
}

func parquetNode(column sharing.Column) (parquet.Node, error) {
	switch column.Type {
	case sharing.TypeString:
		return parquet.String(), nil
	case sharing.TypeLong:
		return parquet.Int(64), nil
	case sharing.TypeInteger:
		return parquet.Int(32), nil
	case sharing.TypeShort:
		return parquet.Int(16), nil
	case sharing.TypeByte:
		return parquet.Int(8), nil
	case sharing.TypeDouble:
		return parquet.Leaf(parquet.DoubleType), nil
	case sharing.TypeFloat:
		return parquet.Leaf(parquet.FloatType), nil
	case sharing.TypeBoolean:
		return parquet.Leaf(parquet.BooleanType), nil
	case sharing.TypeDate:
		return parquet.Date(), nil
	case sharing.TypeTimestamp:
		return parquet.Timestamp(parquet.Microsecond), nil
	case sharing.TypeBinary:
		return parquet.Leaf(parquet.ByteArrayType), nil
	default:
		return nil, fmt.Errorf("column %q: type %s cannot be published", column.Name, column.Type)
	}
}

func parquetValue(column sharing.Column, value any) (parquet.Value, error) {
	switch v := value.(type) {
	case nil:
		return parquet.NullValue(), nil
	case string:
		return parquet.ByteArrayValue([]byte(v)), nil
	case []byte:
		return parquet.ByteArrayValue(v), nil
	case bool:
		return parquet.BooleanValue(v), nil
	case int64:
		return parquet.Int64Value(v), nil
	case int32:
		return parquet.Int32Value(v), nil
	case int16:
		return parquet.Int32Value(int32(v)), nil
	case int8:
		return parquet.Int32Value(int32(v)), nil
	case float64:
		return parquet.DoubleValue(v), nil
	case float32:
		return parquet.FloatValue(v), nil
	case time.Time:
		if column.Type == sharing.TypeDate {
			return parquet.Int32Value(daysSinceEpoch(v)), nil
		}
		return parquet.Int64Value(v.UnixMicro()), nil
	default:
		return parquet.Value{}, fmt.Errorf("column %q: unsupported value %T", column.Name, value)
	}
}

func daysSinceEpoch(t time.Time) int32 {
	secs := t.UTC().Unix()
	days := secs / 86400
	if secs%86400 < 0 {
		days--
	}
	return int32(days)
}

type statsCollector struct {
	columns map[string]sharing.Column
	mins    map[string]any
	maxs    map[string]any
	nulls   map[string]int64
}

func newStatsCollector(columns []sharing.Column) *statsCollector {
	c := &statsCollector{
		columns: make(map[string]sharing.Column, len(columns)),
		mins:    map[string]any{},
		maxs:    map[string]any{},
		nulls:   map[string]int64{},
	}
	for _, column := range columns {
		c.columns[column.Name] = column
		c.nulls[column.Name] = 0
	}
	return c
}

func (c *statsCollector) observe(column sharing.Column, value any) {
	if value == nil {
		c.nulls[column.Name]++
		return
	}
	if column.Type == sharing.TypeBinary || column.Type == sharing.TypeBoolean {
		return
	}
	if current, ok := c.mins[column.Name]; !ok || compareValues(value, current) < 0 {
		c.mins[column.Name] = value
	}
	if current, ok := c.maxs[column.Name]; !ok || compareValues(value, current) > 0 {
		c.maxs[column.Name] = value
	}
}

func (c *statsCollector) result(numRecords int64) sharing.FileStats {
	stats := sharing.FileStats{
		NumRecords: &numRecords,
		MinValues:  make(map[string]any, len(c.mins)),
		MaxValues:  make(map[string]any, len(c.maxs)),
		NullCount:  c.nulls,
	}
	for name, value := range c.mins {
		stats.MinValues[name] = sharing.StatValue(c.columns[name], value)
	}
	for name, value := range c.maxs {
		stats.MaxValues[name] = sharing.StatValue(c.columns[name], value)
	}
	return stats
}

// compareValues orders two coerced values of the same column.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		return strings.Compare(av, b.(string))
	case int64:
		return cmp.Compare(av, b.(int64))
	case int32:
		return cmp.Compare(av, b.(int32))
	case int16:
		return cmp.Compare(av, b.(int16))
	case int8:
		return cmp.Compare(av, b.(int8))
	case float64:
		return cmp.Compare(av, b.(float64))
	case float32:
		return cmp.Compare(av, b.(float32))
	case time.Time:
		return av.Compare(b.(time.Time))
	}
	return 0
}
