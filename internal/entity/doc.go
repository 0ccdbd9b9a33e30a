// Package entity is the base every persisted record kind shares: typed
// field values, identity lookup, lazy filtered queries, creation and
// status-aware deletion.
//
// Entities are schema-driven. A kind is declared once in a
// schema.Registry and every read and write is checked against it; no
// reflection over Go types is involved.
//
// Writes run under the transient-conflict retry policy. Reads never
// retry: a miss is an absent result, not an error.
package entity
