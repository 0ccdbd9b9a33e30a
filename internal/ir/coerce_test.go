package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct{ ref Ref }

func (h handle) Identity() Ref { return h.ref }

func TestCoerceReference(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Ref
	}{
		{"int", 5, Ref{ID: 5}},
		{"int64", int64(6), Ref{ID: 6}},
		{"numeric string", "7", Ref{ID: 7}},
		{"integral float", float64(8), Ref{ID: 8}},
		{"json number", json.Number("9"), Ref{ID: 9}},
		{"ref", Ref{Kind: "crm.owner", ID: 10}, Ref{Kind: "crm.owner", ID: 10}},
		{"handle", handle{Ref{Kind: "crm.owner", ID: 11}}, Ref{Kind: "crm.owner", ID: 11}},
		{"zero", 0, Ref{ID: 0}},
		{"negative", -1, Ref{ID: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(TypeReference, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceReferenceRejectsFraction(t *testing.T) {
	_, err := Coerce(TypeReference, 1.5)
	assert.Error(t, err)
}

func TestCoerceCollection(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want RefSet
	}{
		{"slice", []int64{3, 1, 2}, RefSet{1, 2, 3}},
		{"int slice", []int{2, 2}, RefSet{2}},
		{"any slice", []any{1, "2", json.Number("3")}, RefSet{1, 2, 3}},
		{"csv", "4, 5,6", RefSet{4, 5, 6}},
		{"minus one string", "-1", RefSet{}},
		{"minus one int", -1, RefSet{}},
		{"empty string", "", RefSet{}},
		{"handles", []Identifiable{handle{Ref{ID: 9}}, handle{Ref{ID: 8}}}, RefSet{8, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(TypeCollection, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceScalars(t *testing.T) {
	v, err := Coerce(TypeInteger, "42")
	require.NoError(t, err)
	assert.Equal(t, Int(42), v)

	v, err = Coerce(TypeFloat, 3)
	require.NoError(t, err)
	assert.Equal(t, Float(3), v)

	v, err = Coerce(TypeBoolean, "true")
	require.NoError(t, err)
	assert.Equal(t, Bool(true), v)

	v, err = Coerce(TypeString, "Acme")
	require.NoError(t, err)
	assert.Equal(t, String("Acme"), v)

	v, err = Coerce(TypeString, nil)
	require.NoError(t, err)
	assert.Equal(t, Null{}, v)
}

func TestCoerceDates(t *testing.T) {
	v, err := Coerce(TypeDate, "2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", v.(Date).String())

	at := time.Date(2024, 2, 29, 12, 30, 0, 0, time.FixedZone("X", 3600))
	v, err = Coerce(TypeDateTime, at)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29T11:30:00.000000Z", v.(DateTime).String())

	v, err = Coerce(TypeDateTime, "2024-02-29T11:30:00Z")
	require.NoError(t, err)
	assert.True(t, Equal(v, NewDateTime(at)))

	_, err = Coerce(TypeDate, "yesterday")
	assert.Error(t, err)
}

func TestCoerceUnknownType(t *testing.T) {
	_, err := Coerce(FieldType("blob"), "x")
	assert.Error(t, err)
}

func TestInfer(t *testing.T) {
	v, err := Infer(float64(3))
	require.NoError(t, err)
	assert.Equal(t, Int(3), v)

	v, err = Infer(2.5)
	require.NoError(t, err)
	assert.Equal(t, Float(2.5), v)

	v, err = Infer([]any{"a", 1})
	require.NoError(t, err)
	assert.Equal(t, List{String("a"), Int(1)}, v)

	v, err = Infer(nil)
	require.NoError(t, err)
	assert.Equal(t, Null{}, v)
}
