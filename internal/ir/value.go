package ir

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// FieldType is the semantic type of an entity field.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeInteger    FieldType = "integer"
	TypeFloat      FieldType = "float"
	TypeBoolean    FieldType = "boolean"
	TypeDate       FieldType = "date"
	TypeDateTime   FieldType = "datetime"
	TypeReference  FieldType = "reference"
	TypeCollection FieldType = "collection"

	// TypeList is the operand type of set-membership predicates.
	// It is never a field type.
	TypeList FieldType = "list"
)

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean,
		TypeDate, TypeDateTime, TypeReference, TypeCollection:
		return true
	}
	return false
}

// Scalar reports whether values of this type live in the entity document
// rather than in the membership table.
func (t FieldType) Scalar() bool {
	return t != TypeCollection
}

// Value is a sealed interface for field values.
// Only types in this package can implement it.
type Value interface {
	isValue()
}

// Null represents an absent or cleared value.
type Null struct{}

func (Null) isValue() {}

// String is a text value.
type String string

func (String) isValue() {}

// Int is a 64-bit integer value.
type Int int64

func (Int) isValue() {}

// Float is a 64-bit floating point value.
type Float float64

func (Float) isValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) isValue() {}

// Date is a calendar date. The embedded time is always midnight UTC.
type Date struct{ time.Time }

func (Date) isValue() {}

// NewDate returns the date containing t, taken in t's own location.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Format(DateLayout)
}

// DateTime is an instant. The embedded time is always UTC with microsecond
// precision, matching what the store can round-trip.
type DateTime struct{ time.Time }

func (DateTime) isValue() {}

// NewDateTime normalizes t to UTC microseconds.
func NewDateTime(t time.Time) DateTime {
	return DateTime{t.UTC().Truncate(time.Microsecond)}
}

// String formats the instant in the fixed-width storage layout.
func (d DateTime) String() string {
	return d.Format(DateTimeLayout)
}

// Ref is a type-erased reference to an entity: a kind tag plus identity.
type Ref struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

func (Ref) isValue() {}

// IsZero reports whether the reference points nowhere.
func (r Ref) IsZero() bool {
	return r.ID <= 0
}

// Identity returns r, so a bare reference can stand in for an entity.
func (r Ref) Identity() Ref {
	return r
}

// String renders the reference as kind#id.
func (r Ref) String() string {
	return r.Kind + "#" + strconv.FormatInt(r.ID, 10)
}

// RefSet is the member-id set of a collection field. Always sorted and
// free of duplicates when produced by this package.
type RefSet []int64

func (RefSet) isValue() {}

// NewRefSet returns a sorted, de-duplicated set with non-positive ids removed.
func NewRefSet(ids ...int64) RefSet {
	out := make(RefSet, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Contains reports whether id is a member.
func (s RefSet) Contains(id int64) bool {
	_, ok := slices.BinarySearch(s, id)
	return ok
}

// List is an ordered operand list, used by the "in" predicate operator.
type List []Value

func (List) isValue() {}

// Identifiable is implemented by entity handles that can stand in for a
// reference value.
type Identifiable interface {
	Identity() Ref
}

const (
	// DateLayout is the storage layout for Date.
	DateLayout = "2006-01-02"
	// DateTimeLayout is the fixed-width storage layout for DateTime.
	DateTimeLayout = "2006-01-02T15:04:05.000000Z"
)

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Equal reports semantic equality.
// Strings are compared after NFC normalization; refs compare by id when
// either side omits its kind; ref sets compare as sets.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	switch av := a.(type) {
	case String:
		bv, ok := b.(String)
		return ok && norm.NFC.String(string(av)) == norm.NFC.String(string(bv))
	case Int:
		switch bv := b.(type) {
		case Int:
			return av == bv
		case Float:
			return float64(av) == float64(bv)
		}
	case Float:
		switch bv := b.(type) {
		case Float:
			return av == bv
		case Int:
			return float64(av) == float64(bv)
		}
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Date:
		bv, ok := b.(Date)
		return ok && av.String() == bv.String()
	case DateTime:
		bv, ok := b.(DateTime)
		return ok && av.Equal(bv.Time)
	case Ref:
		bv, ok := b.(Ref)
		if !ok {
			return false
		}
		if av.Kind != "" && bv.Kind != "" && av.Kind != bv.Kind {
			return false
		}
		return av.ID == bv.ID
	case RefSet:
		bv, ok := b.(RefSet)
		return ok && slices.Equal(NewRefSet(av...), NewRefSet(bv...))
	case List:
		bv, ok := b.(List)
		return ok && slices.EqualFunc(av, bv, Equal)
	}
	return false
}

// TypeOf returns the field type a value carries, or "" for Null.
func TypeOf(v Value) FieldType {
	switch v.(type) {
	case String:
		return TypeString
	case Int:
		return TypeInteger
	case Float:
		return TypeFloat
	case Bool:
		return TypeBoolean
	case Date:
		return TypeDate
	case DateTime:
		return TypeDateTime
	case Ref:
		return TypeReference
	case RefSet:
		return TypeCollection
	case List:
		return TypeList
	}
	return ""
}

// Native converts v to the plain Go value used for JSON documents and SQL
// parameters. Dates and date-times become their storage text; refs become
// their id; ref sets become []int64.
func Native(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Date:
		return val.String()
	case DateTime:
		return val.String()
	case Ref:
		return val.ID
	case RefSet:
		return []int64(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Native(elem)
		}
		return out
	default:
		panic(fmt.Sprintf("ir: unknown value type %T", v))
	}
}
