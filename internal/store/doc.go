// Package store provides durable storage for entity documents and the
// records layered on top of them.
//
// The store holds:
//   - Entities: one JSON document per record, keyed by a global id
//   - Members: collection memberships (entity, field, member)
//   - Unique keys: hashed unique-together values per kind
//   - Audit records: append-only change and access history
//   - Relationship links: type-erased (parent, child) pairs
//   - External references: (kind, scope, source, key) → entity
//   - Conditions: persisted predicate rows per group key
//   - Flags: per-record and kind-wide string flags
//
// # Critical Patterns
//
// CP-1: Idempotent Links
//   - UNIQUE(parent_kind, parent_id, child_kind, child_id)
//   - InsertLink is insert-or-select inside one transaction
//
// CP-2: One Reference Per External Key
//   - UNIQUE(kind, scope, source, external_key) on external_refs
//
// CP-3: Deterministic Query Results
//   - Every row query ends with ORDER BY id ASC (COLLATE BINARY on SQLite)
//
// CP-4: Ambient Transactions
//   - RunInTransaction binds a *sql.Tx to the context; every method
//     called with that context runs inside it
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Postgres is reached through the pgx database/sql driver ("pgx").
// Driver errors are classified into the failure taxonomy by classify.
package store
