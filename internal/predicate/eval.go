package predicate

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// RowAccessor exposes column values of one row. sharing.Record satisfies it.
type RowAccessor interface {
	Get(column string) (any, bool)
}

// MapRow adapts a plain map to RowAccessor.
type MapRow map[string]any

func (m MapRow) Get(column string) (any, bool) {
	value, ok := m[column]
	return value, ok
}

type truth int

const (
	unknown truth = iota
	falsy
	truthy
)

func (t truth) not() truth {
	switch t {
	case truthy:
		return falsy
	case falsy:
		return truthy
	default:
		return unknown
	}
}

func (e And) Eval(row RowAccessor) bool        { return e.eval(row) == truthy }
func (e Or) Eval(row RowAccessor) bool         { return e.eval(row) == truthy }
func (e Not) Eval(row RowAccessor) bool        { return e.eval(row) == truthy }
func (e Comparison) Eval(row RowAccessor) bool { return e.eval(row) == truthy }
func (e NullCheck) Eval(row RowAccessor) bool  { return e.eval(row) == truthy }

func (e And) eval(row RowAccessor) truth {
	left := e.Left.eval(row)
	if left == falsy {
		return falsy
	}
	right := e.Right.eval(row)
	switch {
	case right == falsy:
		return falsy
	case left == truthy && right == truthy:
		return truthy
	default:
		return unknown
	}
}

func (e Or) eval(row RowAccessor) truth {
	left := e.Left.eval(row)
	if left == truthy {
		return truthy
	}
	right := e.Right.eval(row)
	switch {
	case right == truthy:
		return truthy
	case left == falsy && right == falsy:
		return falsy
	default:
		return unknown
	}
}

func (e Not) eval(row RowAccessor) truth {
	return e.Inner.eval(row).not()
}

func (e Comparison) eval(row RowAccessor) truth {
	value, ok := row.Get(e.Column)
	if !ok || value == nil {
		return unknown
	}
	cmp, ok := compare(value, e.Value)
	if !ok {
		return unknown
	}
	if e.Op.holds(cmp) {
		return truthy
	}
	return falsy
}

func (e NullCheck) eval(row RowAccessor) truth {
	value, ok := row.Get(e.Column)
	isNull := !ok || value == nil
	if isNull != e.Negated {
		return truthy
	}
	return falsy
}

func (o Op) holds(cmp int) bool {
	switch o {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	default:
		return false
	}
}

// compare orders a against b. ok is false when the two values share no
// ordering, for example a boolean against a number.
func compare(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return compareOrdered(av, bv), true
		case float64:
			return compareOrdered(float64(av), bv), true
		case string:
			return compareNumberString(a, bv, false)
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return compareOrdered(av, float64(bv)), true
		case float64:
			return compareOrdered(av, bv), true
		case string:
			return compareNumberString(a, bv, false)
		}
	case bool:
		switch bv := b.(type) {
		case bool:
			return compareBool(av, bv), true
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(bv))
			if err != nil {
				return 0, false
			}
			return compareBool(av, parsed), true
		}
	case time.Time:
		switch bv := b.(type) {
		case time.Time:
			return av.Compare(bv), true
		case string:
			parsed, ok := parseTime(bv)
			if !ok {
				return 0, false
			}
			return av.Compare(parsed), true
		}
	case string:
		switch bv := b.(type) {
		case string:
			if at, ok := parseTime(av); ok {
				if bt, ok := parseTime(bv); ok {
					return at.Compare(bt), true
				}
			}
			return strings.Compare(av, bv), true
		case int64, float64:
			return compareNumberString(b, av, true)
		case bool, time.Time:
			cmp, ok := compare(b, a)
			return -cmp, ok
		}
	}
	return 0, false
}

func compareNumberString(number any, raw string, swapped bool) (int, bool) {
	parsed := parseNumber(raw)
	if parsed == nil {
		return 0, false
	}
	var cmp int
	var ok bool
	if swapped {
		cmp, ok = compare(parsed, number)
	} else {
		cmp, ok = compare(number, parsed)
	}
	return cmp, ok
}

func parseNumber(raw string) any {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return nil
}

func normalize(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case float32:
		return float64(v)
	case json.Number:
		if n := parseNumber(v.String()); n != nil {
			return n
		}
		return v.String()
	case []byte:
		return string(v)
	default:
		return value
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	// Cheap shape check before trying layouts.
	if len(raw) < 10 || raw[4] != '-' || raw[7] != '-' {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

type ordered interface {
	~int64 | ~float64
}

func compareOrdered[T ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
