// Package harness runs YAML scenarios against a fresh reconciliation
// engine.
//
// A scenario names a schema file, a list of setup steps and a traced flow
// of operations (create, save, delete, link, unlink, reconcile, purge).
// Steps refer to entities by the alias an earlier step bound with "as".
// After the flow the audit trail is read back and the assertions are
// evaluated against it and against stored state:
//
//	name: rename_then_orphan
//	description: An imported account is renamed, deleted and repaired.
//	schema: crm.yaml
//	actor: user:sync
//	flow:
//	  - op: reconcile
//	    kind: crm.account
//	    source: hubspot
//	    key: a-1
//	    fields: {name: Acme}
//	    as: acme
//	    expect: {outcome: created}
//	assertions:
//	  - type: audit_order
//	    entity: acme
//	    codes: [GENERAL]
//
// Every run uses an in-memory database, a manual clock and sequential
// operation ids, so its Snapshot is stable and can be kept as a golden
// file.
package harness
