// Package xref maps entities to their identities in external systems and
// reconciles incoming external records against them.
//
// A reference is keyed by (kind, scope, source, external key) and the
// store holds at most one per key. Reconcile never creates a second
// reference for a key: when the referenced entity is gone it reports the
// orphan so the caller can repair it.
package xref
