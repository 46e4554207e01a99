// Package value defines the dynamic value model shared by the whole engine.
//
// Source databases hand back weakly typed cells; the transformation layer and
// the insert path both need a single representation that distinguishes SQL
// NULL from empty text and keeps numeric, temporal, and binary values typed
// until the last possible moment. Value is a small tagged union over the
// eight kinds the engine understands. Rows are plain maps from column name to
// Value.
package value

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the payload types a Value can carry.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindDecimal
	KindBool
	KindText
	KindTime
	KindUUID
	KindBytes
)

// String returns the lowercase kind name, useful in diagnostics.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindDecimal:
		return "decimal"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	case KindTime:
		return "time"
	case KindUUID:
		return "uuid"
	case KindBytes:
		return "bytes"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is an immutable tagged cell. The zero Value is NULL.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	t    time.Time
	u    uuid.UUID
	by   []byte
}

// Row maps column names to values. Keys preserve the casing reported by the
// source driver.
type Row map[string]Value

// Null returns the NULL value.
func Null() Value { return Value{} }

// Int wraps an integer.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Decimal wraps a floating point number.
func Decimal(v float64) Value { return Value{kind: KindDecimal, f: v} }

// Bool wraps a boolean.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Text wraps a string. Empty text is not NULL.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Time wraps a timestamp.
func Time(v time.Time) Value { return Value{kind: KindTime, t: v} }

// UUID wraps a uuid.
func UUID(v uuid.UUID) Value { return Value{kind: KindUUID, u: v} }

// Bytes wraps a binary blob.
func Bytes(v []byte) Value { return Value{kind: KindBytes, by: v} }

// Kind reports the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Text returns the value coerced to text. NULL coerces to the empty string;
// callers that must distinguish should check IsNull first.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindDecimal:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindText:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339)
	case KindUUID:
		return v.u.String()
	case KindBytes:
		return string(v.by)
	}
	return ""
}

// Int64 returns the integer payload and whether the value is (or losslessly
// converts to) an integer.
func (v Value) Int64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindDecimal:
		if v.f == float64(int64(v.f)) {
			return int64(v.f), true
		}
	case KindText:
		if n, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64); err == nil {
			return n, true
		}
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Float64 returns the value as a float and whether the coercion succeeded.
// Text values parse with the usual decimal syntax.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindDecimal:
		return v.f, true
	case KindText:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// BoolVal returns the boolean payload and whether the value is boolean-like.
func (v Value) BoolVal() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindInt:
		return v.i != 0, true
	case KindText:
		if b, err := strconv.ParseBool(strings.TrimSpace(v.s)); err == nil {
			return b, true
		}
	}
	return false, false
}

// TimeVal returns the temporal payload if the value carries one.
func (v Value) TimeVal() (time.Time, bool) {
	if v.kind == KindTime {
		return v.t, true
	}
	return time.Time{}, false
}

// Interface unwraps the value into the representation database drivers
// expect: nil for NULL, otherwise the native Go payload.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindInt:
		return v.i
	case KindDecimal:
		return v.f
	case KindBool:
		return v.b
	case KindText:
		return v.s
	case KindTime:
		return v.t
	case KindUUID:
		return v.u.String()
	case KindBytes:
		return v.by
	}
	return nil
}

// Equal compares two values by kind and payload. Bytes compare by content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInt:
		return v.i == o.i
	case KindDecimal:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindText:
		return v.s == o.s
	case KindTime:
		return v.t.Equal(o.t)
	case KindUUID:
		return v.u == o.u
	case KindBytes:
		return string(v.by) == string(o.by)
	}
	return false
}

// Compare orders two non-null values. Numeric comparison applies when both
// sides coerce to numbers; otherwise ordering is lexicographic over the text
// forms. The result is negative, zero, or positive.
func Compare(a, b Value) int {
	if fa, ok := a.Float64(); ok {
		if fb, ok2 := b.Float64(); ok2 {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(a.Text(), b.Text())
}

// FromAny converts a value scanned from database/sql into a Value. The set of
// concrete types mirrors what the supported drivers produce.
func FromAny(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case int64:
		return Int(x)
	case int32:
		return Int(int64(x))
	case int:
		return Int(int64(x))
	case float64:
		return Decimal(x)
	case float32:
		return Decimal(float64(x))
	case bool:
		return Bool(x)
	case string:
		return Text(x)
	case []byte:
		return Bytes(append([]byte(nil), x...))
	case time.Time:
		return Time(x)
	case uuid.UUID:
		return UUID(x)
	case fmt.Stringer:
		return Text(x.String())
	default:
		return Text(fmt.Sprintf("%v", x))
	}
}

// RowFromAny converts a scanned map (e.g. sqlx.MapScan output) into a Row.
func RowFromAny(m map[string]any) Row {
	r := make(Row, len(m))
	for k, raw := range m {
		r[k] = FromAny(raw)
	}
	return r
}

// Args flattens a row into driver arguments ordered by cols.
func Args(r Row, cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = r[c].Interface()
	}
	return out
}
