package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/reconcile/internal/ir"
)

// Document is the top-level shape of a YAML schema file.
type Document struct {
	Kinds []Kind `yaml:"kinds"`
}

// LoadFile reads kinds from a schema file. Files ending in .cue are
// evaluated as CUE; everything else is parsed as YAML.
func LoadFile(path string) ([]Kind, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	if filepath.Ext(path) == ".cue" {
		return ParseCUE(data, path)
	}
	return Parse(data)
}

// Parse decodes a YAML schema document with strict field validation.
func Parse(data []byte) ([]Kind, error) {
	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "unique_togther:"
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	for i := range doc.Kinds {
		if err := doc.Kinds[i].Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Kinds, nil
}

// LoadError reports a CUE schema problem with its source position.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ParseCUE evaluates a CUE schema. Kinds live under the top-level "kind"
// struct, keyed by kind name:
//
//	kind: "crm.account": {
//		fields: {
//			name:  "string"
//			owner: {type: "reference", target: "crm.owner"}
//		}
//		unique_together: ["name"]
//	}
//
// A field is either a bare type string or a struct with type, target and
// exempt. Declaration order is preserved.
func ParseCUE(data []byte, filename string) ([]Kind, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	kindsVal := v.LookupPath(cue.ParsePath("kind"))
	if !kindsVal.Exists() {
		return nil, nil
	}
	iter, err := kindsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var kinds []Kind
	for iter.Next() {
		k, err := compileKind(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		if err := k.Validate(); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func compileKind(name string, v cue.Value) (Kind, error) {
	k := Kind{Name: name}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if fieldsVal.Exists() {
		iter, err := fieldsVal.Fields()
		if err != nil {
			return k, formatCUEError(err)
		}
		for iter.Next() {
			f, err := compileField(iter.Selector().Unquoted(), iter.Value())
			if err != nil {
				return k, err
			}
			k.Fields = append(k.Fields, f)
		}
	}

	if u := v.LookupPath(cue.ParsePath("unique_together")); u.Exists() {
		if err := u.Decode(&k.UniqueTogether); err != nil {
			return k, formatCUEError(err)
		}
	}
	var err error
	if k.StatusField, err = optionalString(v, "status_field"); err != nil {
		return k, err
	}
	if k.ScopeField, err = optionalString(v, "scope_field"); err != nil {
		return k, err
	}
	return k, nil
}

func compileField(name string, v cue.Value) (Field, error) {
	f := Field{Name: name}
	if typ, err := v.String(); err == nil {
		f.Type = ir.FieldType(typ)
		return f, nil
	}
	typ, err := optionalString(v, "type")
	if err != nil {
		return f, err
	}
	if typ == "" {
		return f, &LoadError{Field: "fields." + name, Message: "type is required", Pos: v.Pos()}
	}
	f.Type = ir.FieldType(typ)
	if f.Target, err = optionalString(v, "target"); err != nil {
		return f, err
	}
	if ex := v.LookupPath(cue.ParsePath("exempt")); ex.Exists() {
		if f.Exempt, err = ex.Bool(); err != nil {
			return f, formatCUEError(err)
		}
	}
	return f, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	sv := v.LookupPath(cue.ParsePath(path))
	if !sv.Exists() {
		return "", nil
	}
	s, err := sv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &LoadError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

// LoadFile reads a schema file and registers every kind in it.
func (r *Registry) LoadFile(path string) error {
	kinds, err := LoadFile(path)
	if err != nil {
		return err
	}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return err
		}
	}
	return nil
}
