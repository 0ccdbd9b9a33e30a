// Package diff computes the minimal set of changed fields between a
// stored entity and a proposed state, and applies it.
//
// Only changed scalar columns are written; changed collections are
// replaced whole. Each apply appends one audit record naming every
// changed field and hands back the prior values so the caller can undo.
//
// A save that collides with a unique-together key can opt into duplicate
// resolution: the colliding record is removed and the write retried once.
package diff
