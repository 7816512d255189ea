package predicate

import (
	"strings"
	"time"

	"github.com/duckmesh/duckshare/internal/sharing"
)

// FileSummary is what the pruner knows about one data file without reading
// it: decoded statistics plus partition values converted to column types.
type FileSummary struct {
	Stats           sharing.FileStats
	PartitionValues map[string]any
	// Schema types the min/max statistics. Without it only bounds of the
	// same kind as the literal can prune.
	Schema *sharing.TableSchema
}

// NewFileSummary converts raw partition values with the table schema. A
// partition value that cannot be converted is left out, so the pruner
// treats the column as unknown.
func NewFileSummary(schema sharing.TableSchema, stats sharing.FileStats, partitionValues map[string]string) FileSummary {
	summary := FileSummary{Stats: stats, PartitionValues: make(map[string]any, len(partitionValues)), Schema: &schema}
	for name, raw := range partitionValues {
		column, ok := schema.Column(name)
		if !ok {
			continue
		}
		value, err := sharing.ConvertPartitionValue(column, raw)
		if err != nil {
			continue
		}
		summary.PartitionValues[name] = value
	}
	return summary
}

// MayMatch is true for a nil expression.
func MayMatch(expr Expr, file FileSummary) bool {
	if expr == nil {
		return true
	}
	return expr.MayMatch(file)
}

func (e And) MayMatch(file FileSummary) bool {
	return e.Left.MayMatch(file) && e.Right.MayMatch(file)
}

func (e Or) MayMatch(file FileSummary) bool {
	return e.Left.MayMatch(file) || e.Right.MayMatch(file)
}

func (e Not) MayMatch(file FileSummary) bool {
	return e.Inner.negate().MayMatch(file)
}

func (e Comparison) MayMatch(file FileSummary) bool {
	if value, ok := file.PartitionValues[e.Column]; ok {
		if value == nil {
			return false
		}
		cmp, ok := compare(value, e.Value)
		if !ok {
			return true
		}
		return e.Op.holds(cmp)
	}

	if file.allNull(e.Column) {
		return false
	}
	minValue, hasMin := file.Stats.MinValues[e.Column]
	maxValue, hasMax := file.Stats.MaxValues[e.Column]
	if !hasMin || minValue == nil {
		hasMin = false
	}
	if !hasMax || maxValue == nil {
		hasMax = false
	}

	order := file.boundOrder(e.Column, e.Value)
	if order == nil {
		return true
	}
	// minCmp and maxCmp order the file bounds against the literal.
	minCmp, minOK := 0, false
	if hasMin {
		minCmp, minOK = order(minValue)
	}
	maxCmp, maxOK := 0, false
	if hasMax {
		maxCmp, maxOK = order(maxValue)
	}

	switch e.Op {
	case OpEq:
		if minOK && minCmp > 0 {
			return false
		}
		if maxOK && maxCmp < 0 {
			return false
		}
	case OpNe:
		if minOK && maxOK && minCmp == 0 && maxCmp == 0 {
			return false
		}
	case OpLt:
		if minOK && minCmp >= 0 {
			return false
		}
	case OpLe:
		if minOK && minCmp > 0 {
			return false
		}
	case OpGt:
		if maxOK && maxCmp <= 0 {
			return false
		}
	case OpGe:
		if maxOK && maxCmp < 0 {
			return false
		}
	}
	return true
}

func (e NullCheck) MayMatch(file FileSummary) bool {
	if value, ok := file.PartitionValues[e.Column]; ok {
		return (value == nil) != e.Negated
	}
	if e.Negated {
		return !file.allNull(e.Column)
	}
	nulls, ok := file.Stats.NullCount[e.Column]
	if !ok {
		return true
	}
	return nulls > 0
}

// boundOrder returns a function ordering a min/max bound of column against
// literal under the ordering the statistics were collected with. Strings are
// byte ordered there, so a string column never compares numerically or as
// time. A nil result means the bounds cannot prune.
func (f FileSummary) boundOrder(column string, literal any) func(bound any) (int, bool) {
	if f.Schema != nil {
		if col, ok := f.Schema.Column(column); ok {
			// Float bounds widen exactly to float64, which is also how rows
			// compare. Rounding the literal to float32 would not be.
			literalColumn := col
			if col.Type == sharing.TypeFloat {
				literalColumn.Type = sharing.TypeDouble
			}
			typed, err := literalColumn.Coerce(literal)
			if err != nil || typed == nil {
				return nil
			}
			return func(bound any) (int, bool) {
				value, err := col.Coerce(bound)
				if err != nil || value == nil {
					return 0, false
				}
				return compareStrict(value, typed)
			}
		}
	}
	return func(bound any) (int, bool) {
		// An untyped bound that reads as a time may come from a timestamp
		// column, whose byte order is not its time order.
		if raw, ok := bound.(string); ok {
			if _, isTime := parseTime(raw); isTime {
				return 0, false
			}
		}
		return compareStrict(bound, literal)
	}
}

// compareStrict orders values of the same kind only. Integers and floats
// count as one kind.
func compareStrict(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return compareOrdered(av, bv), true
		case float64:
			return compareOrdered(float64(av), bv), true
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return compareOrdered(av, float64(bv)), true
		case float64:
			return compareOrdered(av, bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return compareBool(av, bv), true
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), true
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	}
	return 0, false
}

// allNull reports whether stats prove every row of the column is null.
func (f FileSummary) allNull(column string) bool {
	if f.Stats.NumRecords == nil {
		return false
	}
	nulls, ok := f.Stats.NullCount[column]
	return ok && nulls >= *f.Stats.NumRecords
}
