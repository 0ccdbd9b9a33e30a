package ir

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Coerce normalizes caller input into a Value of type t.
//
// Accepted shapes per type:
//   - reference: Ref, Identifiable, any integer, integral float, numeric string
//   - collection: RefSet, []int64, []int, []any, []Identifiable,
//     comma-separated id string, or -1 for "no members"
//   - date/datetime: time.Time, Date, DateTime, or text in the storage
//     layout or RFC 3339
//
// nil and Null always yield Null. References keep whatever kind the input
// carried; callers that know the target kind fill it in.
func Coerce(t FieldType, in any) (Value, error) {
	if in == nil {
		return Null{}, nil
	}
	if _, ok := in.(Null); ok {
		return Null{}, nil
	}
	switch t {
	case TypeString:
		return coerceString(in)
	case TypeInteger:
		n, err := toInt64(in)
		if err != nil {
			return nil, fmt.Errorf("integer: %w", err)
		}
		return Int(n), nil
	case TypeFloat:
		f, err := toFloat64(in)
		if err != nil {
			return nil, fmt.Errorf("float: %w", err)
		}
		return Float(f), nil
	case TypeBoolean:
		return coerceBool(in)
	case TypeDate:
		tm, err := toTime(in, DateLayout)
		if err != nil {
			return nil, fmt.Errorf("date: %w", err)
		}
		return NewDate(tm), nil
	case TypeDateTime:
		tm, err := toTime(in, DateTimeLayout)
		if err != nil {
			return nil, fmt.Errorf("datetime: %w", err)
		}
		return NewDateTime(tm), nil
	case TypeReference:
		return coerceRef(in)
	case TypeCollection:
		return coerceRefSet(in)
	case TypeList:
		return coerceList(in)
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

func coerceString(in any) (Value, error) {
	switch v := in.(type) {
	case String:
		return v, nil
	case string:
		return String(v), nil
	case fmt.Stringer:
		return String(v.String()), nil
	case int, int32, int64, float64, bool:
		return String(fmt.Sprint(v)), nil
	}
	return nil, fmt.Errorf("string: unsupported input %T", in)
}

func coerceBool(in any) (Value, error) {
	switch v := in.(type) {
	case Bool:
		return v, nil
	case bool:
		return Bool(v), nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("boolean: %w", err)
		}
		return Bool(b), nil
	}
	n, err := toInt64(in)
	if err != nil {
		return nil, fmt.Errorf("boolean: unsupported input %T", in)
	}
	return Bool(n != 0), nil
}

func coerceRef(in any) (Value, error) {
	switch v := in.(type) {
	case Ref:
		return v, nil
	case Identifiable:
		return v.Identity(), nil
	}
	n, err := toInt64(in)
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	return Ref{ID: n}, nil
}

func coerceRefSet(in any) (Value, error) {
	switch v := in.(type) {
	case RefSet:
		return NewRefSet(v...), nil
	case []int64:
		return NewRefSet(v...), nil
	case []int:
		ids := make([]int64, len(v))
		for i, id := range v {
			ids[i] = int64(id)
		}
		return NewRefSet(ids...), nil
	case []Ref:
		ids := make([]int64, len(v))
		for i, r := range v {
			ids[i] = r.ID
		}
		return NewRefSet(ids...), nil
	case []any:
		ids := make([]int64, 0, len(v))
		for i, elem := range v {
			r, err := coerceRef(elem)
			if err != nil {
				return nil, fmt.Errorf("collection[%d]: %w", i, err)
			}
			ids = append(ids, r.(Ref).ID)
		}
		return NewRefSet(ids...), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" || s == "-1" {
			return RefSet{}, nil
		}
		parts := strings.Split(s, ",")
		ids := make([]int64, 0, len(parts))
		for _, p := range parts {
			id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("collection: %w", err)
			}
			ids = append(ids, id)
		}
		return NewRefSet(ids...), nil
	}
	// A lone integer: -1 (or any non-positive id) means "no members".
	n, err := toInt64(in)
	if err == nil {
		return NewRefSet(n), nil
	}
	if ids, ok := identifiables(in); ok {
		return NewRefSet(ids...), nil
	}
	return nil, fmt.Errorf("collection: unsupported input %T", in)
}

// identifiables handles typed slices of handles, e.g. []*entity.Entity,
// without reflection by probing the common interface slice shape.
func identifiables(in any) ([]int64, bool) {
	switch v := in.(type) {
	case []Identifiable:
		ids := make([]int64, len(v))
		for i, h := range v {
			ids[i] = h.Identity().ID
		}
		return ids, true
	case interface{ Identities() []Ref }:
		refs := v.Identities()
		ids := make([]int64, len(refs))
		for i, r := range refs {
			ids[i] = r.ID
		}
		return ids, true
	}
	return nil, false
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case Int:
		return int64(v), nil
	case Ref:
		return v.ID, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", v)
		}
		return int64(v), nil
	case float32:
		return integral(float64(v))
	case float64:
		return integral(v)
	case Float:
		return integral(float64(v))
	case json.Number:
		return v.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("unsupported input %T", in)
}

func integral(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%v is not integral", f)
	}
	return int64(f), nil
}

func toFloat64(in any) (float64, error) {
	switch v := in.(type) {
	case Float:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	n, err := toInt64(in)
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}

func toTime(in any, layout string) (time.Time, error) {
	switch v := in.(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		if v == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return *v, nil
	case Date:
		return v.Time, nil
	case DateTime:
		return v.Time, nil
	case string:
		s := strings.TrimSpace(v)
		for _, l := range []string{layout, DateTimeLayout, time.RFC3339Nano, DateLayout} {
			if tm, err := time.Parse(l, s); err == nil {
				return tm, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q", v)
	}
	return time.Time{}, fmt.Errorf("unsupported input %T", in)
}

func coerceList(in any) (Value, error) {
	switch v := in.(type) {
	case List:
		return v, nil
	case RefSet:
		out := make(List, len(v))
		for i, id := range v {
			out[i] = Int(id)
		}
		return out, nil
	case []string:
		out := make(List, len(v))
		for i, s := range v {
			out[i] = String(s)
		}
		return out, nil
	case []int64:
		out := make(List, len(v))
		for i, n := range v {
			out[i] = Int(n)
		}
		return out, nil
	case []int:
		out := make(List, len(v))
		for i, n := range v {
			out[i] = Int(n)
		}
		return out, nil
	case []any:
		out := make(List, len(v))
		for i, elem := range v {
			e, err := Infer(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			out[i] = e
		}
		return out, nil
	}
	return nil, fmt.Errorf("list: unsupported input %T", in)
}

// Infer picks a Value for untyped input such as decoded JSON or YAML.
// Whole numbers become Int, other numbers Float, slices become List.
func Infer(in any) (Value, error) {
	switch v := in.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return Int(n), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return Float(f), nil
	case float32, float64:
		f, _ := toFloat64(v)
		if n, err := integral(f); err == nil {
			return Int(n), nil
		}
		return Float(f), nil
	case time.Time:
		return NewDateTime(v), nil
	case Identifiable:
		return v.Identity(), nil
	case []any, []string, []int, []int64:
		return coerceList(v)
	}
	n, err := toInt64(in)
	if err != nil {
		return nil, fmt.Errorf("cannot infer value from %T", in)
	}
	return Int(n), nil
}
