// Package collab declares the narrow collaborators the engine depends on
// for identity, tenancy and time.
package collab

import (
	"context"
	"time"
)

// Actor is an opaque reference to whoever performed an operation.
// The zero Actor means "no actor".
type Actor struct {
	Ref string
}

// ActorOf wraps an opaque reference.
func ActorOf(ref string) Actor {
	return Actor{Ref: ref}
}

// None reports whether the actor is absent.
func (a Actor) None() bool {
	return a.Ref == ""
}

// Clock supplies the current time. Substitute a manual clock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ScopeProvider supplies the tenant scope used when an entity's scope
// field is unset on creation.
type ScopeProvider interface {
	DefaultScope(ctx context.Context) int64
}

// StaticScope is a ScopeProvider returning a fixed scope.
type StaticScope int64

// DefaultScope returns s.
func (s StaticScope) DefaultScope(context.Context) int64 {
	return int64(s)
}
