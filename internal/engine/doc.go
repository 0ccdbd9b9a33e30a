// Package engine wires the reconciliation components into one unit.
//
// An Engine owns a store and the services built on it: the entity
// repository, the audit trail, the diff engine, the relationship store,
// cross-references and record flags. Open builds it from configuration;
// New builds it around an already open store.
//
// Hard-delete cascades run through the repository's purgers, registered
// in this order: audit trail, relationship links, cross-references.
// Every purger runs inside the deleting transaction.
//
// On top of the wiring the engine provides the two workflows the command
// line drives: stored condition groups (save, load, query) and batch
// imports of external records through Reconcile.
package engine
