package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeDocument serializes scalar field values as a JSON object keyed by
// column name. Ref sets are skipped; memberships live in their own table.
func EncodeDocument(values map[string]Value) ([]byte, error) {
	doc := make(map[string]any, len(values))
	for name, v := range values {
		if _, ok := v.(RefSet); ok {
			continue
		}
		doc[name] = Native(v)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// DecodeDocument parses a document written by EncodeDocument.
// typeOf maps a column to its field type; columns it does not know are
// dropped so a narrowed schema can still read older rows.
func DecodeDocument(data []byte, typeOf func(column string) (FieldType, bool)) (map[string]Value, error) {
	raw := map[string]any{}
	if len(data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}
	out := make(map[string]Value, len(raw))
	for name, nv := range raw {
		t, ok := typeOf(name)
		if !ok {
			continue
		}
		v, err := Coerce(t, nv)
		if err != nil {
			return nil, fmt.Errorf("decode document: column %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// TypedValue is the persisted form of a value whose type must survive a
// round trip without a schema, e.g. condition operands.
type TypedValue struct {
	Value any       `json:"value"`
	Type  FieldType `json:"type,omitempty"`
}

// MarshalTyped encodes v as {"value": ..., "type": ...}.
func MarshalTyped(v Value) ([]byte, error) {
	if set, ok := v.(RefSet); ok {
		return json.Marshal(TypedValue{Value: []int64(set), Type: TypeCollection})
	}
	return json.Marshal(TypedValue{Value: Native(v), Type: TypeOf(v)})
}

// UnmarshalTyped decodes a document written by MarshalTyped.
// Documents without a type are inferred from the JSON shape.
func UnmarshalTyped(data []byte) (Value, error) {
	var tv TypedValue
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tv); err != nil {
		return nil, fmt.Errorf("decode typed value: %w", err)
	}
	if tv.Value == nil {
		return Null{}, nil
	}
	if tv.Type == "" {
		return Infer(tv.Value)
	}
	return Coerce(tv.Type, tv.Value)
}
