package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/duckshare/internal/sharing"
)

const decodeBatchSize = 1024

type leafColumn struct {
	column  sharing.Column
	known   bool
	unit    time.Duration
	decimal int
}

// DecodeParquet reads every row of one data file and binds it to schema.
// Partition columns are absent from the file; their values come from the
// file's partitionValues and are converted with the declared column type.
func DecodeParquet(data []byte, schema *sharing.TableSchema, partitionValues map[string]string) ([]sharing.Record, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	partitions := make(map[string]any, len(partitionValues))
	for name, raw := range partitionValues {
		column, ok := schema.Column(name)
		if !ok {
			continue
		}
		value, err := sharing.ConvertPartitionValue(column, raw)
		if err != nil {
			return nil, fmt.Errorf("partition value %q: %w", name, err)
		}
		partitions[name] = value
	}

	fileSchema := file.Schema()
	paths := fileSchema.Columns()
	leaves := make([]leafColumn, len(paths))
	for i, path := range paths {
		if len(path) != 1 {
			continue
		}
		column, ok := schema.Column(path[0])
		if !ok || column.IsComplex() {
			continue
		}
		leaf := leafColumn{column: column, known: true, unit: time.Microsecond, decimal: -1}
		if node, ok := fileSchema.Lookup(path...); ok {
			leaf.unit = timestampUnit(node.Node)
		}
		if strings.HasPrefix(column.Type, "decimal") {
			leaf.decimal = decimalScale(column.Type)
		}
		leaves[i] = leaf
	}

	// The file opened above, so NewReader cannot panic on it.
	reader := parquet.NewReader(bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	records := make([]sharing.Record, 0, file.NumRows())
	buf := make([]parquet.Row, decodeBatchSize)
	for {
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			values := make(map[string]any, len(schema.Columns))
			for name, value := range partitions {
				values[name] = value
			}
			for _, value := range row {
				idx := value.Column()
				if idx < 0 || idx >= len(leaves) || !leaves[idx].known {
					continue
				}
				leaf := leaves[idx]
				goValue, err := leaf.decode(value)
				if err != nil {
					return nil, fmt.Errorf("column %q: %w", leaf.column.Name, err)
				}
				values[leaf.column.Name] = goValue
			}
			record, err := sharing.NewRecord(schema, values)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", len(records), err)
			}
			records = append(records, record)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return records, nil
}

func (l leafColumn) decode(value parquet.Value) (any, error) {
	if value.IsNull() {
		return nil, nil
	}
	if l.decimal >= 0 {
		return decodeDecimal(value, l.decimal)
	}
	switch value.Kind() {
	case parquet.Boolean:
		return value.Boolean(), nil
	case parquet.Int32:
		return value.Int32(), nil
	case parquet.Int64:
		if l.column.Type == sharing.TypeTimestamp {
			return timestampFromUnits(value.Int64(), l.unit), nil
		}
		return value.Int64(), nil
	case parquet.Float:
		return value.Float(), nil
	case parquet.Double:
		return value.Double(), nil
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return bytes.Clone(value.ByteArray()), nil
	default:
		return nil, fmt.Errorf("unsupported parquet kind %s", value.Kind())
	}
}

func timestampUnit(node parquet.Node) time.Duration {
	logical := node.Type().LogicalType()
	if logical == nil || logical.Timestamp == nil {
		return time.Microsecond
	}
	switch {
	case logical.Timestamp.Unit.Millis != nil:
		return time.Millisecond
	case logical.Timestamp.Unit.Nanos != nil:
		return time.Nanosecond
	default:
		return time.Microsecond
	}
}

// timestampFromUnits converts a parquet timestamp counted in unit since the
// epoch. It never goes through time.Duration, which spans only ~292 years.
func timestampFromUnits(n int64, unit time.Duration) time.Time {
	switch unit {
	case time.Millisecond:
		return time.UnixMilli(n).UTC()
	case time.Nanosecond:
		return time.Unix(0, n).UTC()
	default:
		return time.UnixMicro(n).UTC()
	}
}

// decimalScale reads s from "decimal(p,s)". A bare "decimal" has scale 0.
func decimalScale(typeName string) int {
	var precision, scale int
	if _, err := fmt.Sscanf(strings.ReplaceAll(typeName, " ", ""), "decimal(%d,%d)", &precision, &scale); err != nil {
		return 0
	}
	return scale
}

// decodeDecimal turns an unscaled integer into a float64.
func decodeDecimal(value parquet.Value, scale int) (any, error) {
	var unscaled *big.Int
	switch value.Kind() {
	case parquet.Int32:
		unscaled = big.NewInt(int64(value.Int32()))
	case parquet.Int64:
		unscaled = big.NewInt(value.Int64())
	case parquet.ByteArray, parquet.FixedLenByteArray:
		unscaled = twosComplement(value.ByteArray())
	default:
		return nil, fmt.Errorf("unsupported decimal encoding %s", value.Kind())
	}
	f, _ := new(big.Float).SetInt(unscaled).Float64()
	return f / math.Pow10(scale), nil
}

func twosComplement(b []byte) *big.Int {
	n := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return n
}
