// Package failure defines the error taxonomy shared by every component.
//
// NotFound is modeled as an absent result at call sites and only appears
// here for store-level plumbing. The other codes propagate to callers.
package failure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	// CodeNotFound indicates an identity or cross-reference lookup missed.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConstraint indicates a uniqueness or required-field violation.
	CodeConstraint Code = "CONSTRAINT_VIOLATION"

	// CodeTransient indicates store contention expected to clear on retry.
	CodeTransient Code = "TRANSIENT_CONFLICT"

	// CodeConfiguration indicates a missing or invalid declaration.
	CodeConfiguration Code = "CONFIGURATION"

	// CodeFatal indicates retries were exhausted.
	CodeFatal Code = "FATAL"
)

// Error is a classified failure with structured context.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Kind is the entity kind involved, if any.
	Kind string

	// EntityID is the entity involved, if any.
	EntityID int64

	// Details contains additional context such as attempted fields or ids.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	switch {
	case e.Kind != "" && e.EntityID != 0:
		fmt.Fprintf(&b, " (kind=%s, id=%d)", e.Kind, e.EntityID)
	case e.Kind != "":
		fmt.Fprintf(&b, " (kind=%s)", e.Kind)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Details[k])
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code around cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Constraint creates a constraint violation for an entity kind.
func Constraint(kind string, cause error) *Error {
	return &Error{Code: CodeConstraint, Message: "constraint violated", Kind: kind, Err: cause}
}

// Transient creates a transient conflict around a store error.
func Transient(cause error) *Error {
	return &Error{Code: CodeTransient, Message: "store contention", Err: cause}
}

// Configuration creates a configuration error.
func Configuration(kind, format string, args ...any) *Error {
	return &Error{Code: CodeConfiguration, Message: fmt.Sprintf(format, args...), Kind: kind}
}

// WithEntity returns a copy of e scoped to an entity.
func (e *Error) WithEntity(kind string, id int64) *Error {
	cp := *e
	cp.Kind = kind
	cp.EntityID = id
	return &cp
}

// WithDetail returns a copy of e with one more detail entry.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// CodeOf returns the code of the outermost Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func is(err error, code Code) bool {
	// Walk the whole chain: a Fatal may wrap the transient cause.
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Err
	}
	return false
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return is(err, CodeNotFound) }

// IsConstraint reports whether err is a constraint violation.
// Uses errors.As to handle wrapped errors.
func IsConstraint(err error) bool { return is(err, CodeConstraint) }

// IsTransient reports whether err is a transient conflict.
func IsTransient(err error) bool { return is(err, CodeTransient) }

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return is(err, CodeConfiguration) }

// IsFatal reports whether err is a fatal failure.
func IsFatal(err error) bool { return is(err, CodeFatal) }
