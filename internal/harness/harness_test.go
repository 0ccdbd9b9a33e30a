package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reconcile/internal/audit"
)

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result := RunWithGolden(t, scenario)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "reconcile_orphan_repair.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario, nil)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, Snapshot(scenario.Name, first), Snapshot(scenario.Name, second))
	assert.Equal(t, first.Audit[0].OperationID, second.Audit[0].OperationID)
}

// writeScenario writes a scenario next to a copy of the test schema.
func writeScenario(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	schema, err := os.ReadFile(filepath.Join("testdata", "crm.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crm.yaml"), schema, 0o644))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestFailedExpectationsAreReported(t *testing.T) {
	path := writeScenario(t, `
name: wrong
description: Every check here is wrong.
schema: crm.yaml
flow:
  - op: create
    kind: crm.account
    fields: {name: Acme}
    as: acme
    expect: {outcome: updated}
  - op: save
    entity: acme
    fields: {seats: 3}
    expect: {changed: [name]}
assertions:
  - type: audit_count
    entity: acme
    count: 5
  - type: final_state
    entity: acme
    expect: {seats: 4}
  - type: audit_order
    entity: acme
    codes: [GENERAL]
`)
	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario, nil)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], `expected outcome "updated", got "created"`)
	assert.Contains(t, result.Errors[1], "expected changed [name], got [seats]")
	assert.Contains(t, result.Errors[2], "5 records")
	assert.Contains(t, result.Errors[3], "crm.account#1.seats = 4")
	assert.Contains(t, result.Errors[4], "codes [GENERAL GENERAL]")
}

func TestUnexpectedErrorStopsFlow(t *testing.T) {
	path := writeScenario(t, `
name: boom
description: A duplicate nobody expected.
schema: crm.yaml
flow:
  - op: create
    kind: crm.account
    fields: {name: Acme}
  - op: create
    kind: crm.account
    fields: {name: Acme}
  - op: create
    kind: crm.account
    fields: {name: Never}
assertions:
  - type: entity_count
    kind: crm.account
    count: 2
`)
	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	_, err = Run(context.Background(), scenario, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow step 1 (create)")
}

func TestExpectedErrorMismatch(t *testing.T) {
	path := writeScenario(t, `
name: mismatch
description: The step succeeds although an error was expected.
schema: crm.yaml
flow:
  - op: create
    kind: crm.account
    fields: {name: Acme}
    expect: {error: CONSTRAINT_VIOLATION}
assertions:
  - type: entity_count
    kind: crm.account
    count: 1
`)
	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario, nil)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected error CONSTRAINT_VIOLATION")
}

func TestUnknownAliasFailsSetup(t *testing.T) {
	path := writeScenario(t, `
name: alias
description: Setup refers to an entity that was never bound.
schema: crm.yaml
setup:
  - op: delete
    entity: ghost
flow:
  - op: purge
    kind: crm.account
assertions:
  - type: entity_count
    kind: crm.account
    count: 0
`)
	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	_, err = Run(context.Background(), scenario, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown entity alias "ghost"`)
}

func TestLoadScenarioErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown field",
			body: "name: x\ndescription: d\nschema: crm.yaml\nflows: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing schema file",
			body: "name: x\ndescription: d\nschema: absent.yaml\nflow: [{op: purge, kind: crm.tag}]\nassertions: [{type: entity_count, kind: crm.tag}]\n",
			want: "schema file not found",
		},
		{
			name: "unknown op",
			body: "name: x\ndescription: d\nschema: crm.yaml\nflow: [{op: merge}]\nassertions: [{type: entity_count, kind: crm.tag}]\n",
			want: `unknown op "merge"`,
		},
		{
			name: "reconcile without key",
			body: "name: x\ndescription: d\nschema: crm.yaml\nflow: [{op: reconcile, kind: crm.account, source: hubspot}]\nassertions: [{type: entity_count, kind: crm.tag}]\n",
			want: "kind, source and key are required",
		},
		{
			name: "unknown assertion",
			body: "name: x\ndescription: d\nschema: crm.yaml\nflow: [{op: purge, kind: crm.tag}]\nassertions: [{type: trace_order}]\n",
			want: `unknown assertion type "trace_order"`,
		},
		{
			name: "empty final state",
			body: "name: x\ndescription: d\nschema: crm.yaml\nflow: [{op: purge, kind: crm.tag}]\nassertions: [{type: final_state, entity: a}]\n",
			want: "expect, status or missing is required",
		},
		{
			name: "expect in setup",
			body: "name: x\ndescription: d\nschema: crm.yaml\nsetup: [{op: purge, kind: crm.tag, expect: {outcome: x}}]\nflow: [{op: purge, kind: crm.tag}]\nassertions: [{type: entity_count, kind: crm.tag}]\n",
			want: "setup steps cannot carry expect",
		},
		{
			name: "no description",
			body: "name: x\nschema: crm.yaml\n",
			want: "description is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestAssertionErrorIncludesAuditTrail(t *testing.T) {
	err := &AssertionError{
		Type:     AssertAuditContains,
		Expected: "audit record with event=deleted",
		Actual:   "not found in audit trail",
		Audit: []audit.Record{
			{Kind: "crm.account", EntityID: 1, Event: audit.EventCreated, Code: audit.CodeGeneral},
		},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: audit_contains")
	assert.Contains(t, msg, "Expected: audit record with event=deleted")
	assert.Contains(t, msg, `[1] crm.account#1 created GENERAL ""`)
}
