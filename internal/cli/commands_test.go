package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/config"
	"github.com/roach88/reconcile/internal/engine"
	"github.com/roach88/reconcile/internal/entity"
)

func decodeData(t *testing.T, out string, into any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, into))
}

func withArgs(base []string, args ...string) []string {
	return append(append([]string{}, args...), base...)
}

// openTestEngine opens the test database directly, outside the CLI.
func openTestEngine(t *testing.T, db []string) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = db[1]
	cfg.Engine.SchemaFile = db[3]
	en, err := engine.Open(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { en.Close() })
	return en
}

func TestSchemaValidate(t *testing.T) {
	out, err := runCLI(t, "schema", "validate", filepath.Join("testdata", "crm.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Schema valid: 2 kind(s)")
	assert.Contains(t, out, "crm.account (5 fields)")
}

func TestSchemaValidateCUE(t *testing.T) {
	out, err := runCLI(t, "schema", "validate", filepath.Join("testdata", "crm.cue"), "--format", "json")
	require.NoError(t, err)

	var res SchemaResult
	decodeData(t, out, &res)
	assert.True(t, res.Valid)
	require.Len(t, res.Kinds, 2)
	assert.Equal(t, "crm.owner", res.Kinds[0].Name)
	assert.Equal(t, "crm.account", res.Kinds[1].Name)
	assert.Equal(t, []string{"name", "company"}, res.Kinds[1].Unique)
	assert.Equal(t, "company", res.Kinds[1].ScopeField)
	assert.True(t, res.Kinds[1].SoftDeletes)
}

func TestSchemaValidateRejectsBadSchema(t *testing.T) {
	out, err := runCLI(t, "schema", "validate", filepath.Join("testdata", "bad_schema.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeConfiguration)
	assert.Contains(t, out, "requires a target kind")
}

func TestSchemaValidateMissingFile(t *testing.T) {
	_, err := runCLI(t, "schema", "validate", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestInit(t *testing.T) {
	db := dbFlags(t)
	out, err := runCLI(t, withArgs(db, "init")...)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Initialized")
	assert.Contains(t, out, "(2 kinds)")

	out, err = runCLI(t, withArgs(db, "init", "--format", "json")...)
	require.NoError(t, err, "init is idempotent")
	var res InitResult
	decodeData(t, out, &res)
	assert.Equal(t, "sqlite3", res.Driver)
	assert.Equal(t, []string{"crm.account", "crm.owner"}, res.Kinds)
}

func TestImportThenQuery(t *testing.T) {
	db := dbFlags(t)
	accounts := filepath.Join("testdata", "accounts.yaml")
	renamed := filepath.Join("testdata", "accounts_renamed.yaml")

	out, err := runCLI(t, withArgs(db, "import", "crm.account", accounts, "--actor", "user:sync")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported: 2 created, 0 changed, 0 unchanged, 0 need repair")

	out, err = runCLI(t, withArgs(db, "import", "crm.account", renamed, "--source", "hubspot", "--dry-run", "--format", "json")...)
	require.NoError(t, err)
	var sum engine.ImportSummary
	decodeData(t, out, &sum)
	assert.Equal(t, engine.ImportSummary{Changed: 1, Unchanged: 1, DryRun: true}, sum)

	out, err = runCLI(t, withArgs(db, "query", "crm.account", "--order", "name")...)
	require.NoError(t, err)
	assert.Contains(t, out, "name=Acme seats=10")
	assert.NotContains(t, out, "Acme Corp", "dry run writes nothing")
	assert.Contains(t, out, "2 crm.account entities")

	_, err = runCLI(t, withArgs(db, "import", "crm.account", renamed, "--source", "hubspot")...)
	require.NoError(t, err)

	out, err = runCLI(t, withArgs(db, "query", "crm.account", "--conditions", filepath.Join("testdata", "big.yaml"), "--format", "json")...)
	require.NoError(t, err)
	var res QueryResult
	decodeData(t, out, &res)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "Acme Corp", res.Entities[0].Fields["name"])
	assert.Equal(t, "seats gt 5", res.Filter)
}

func TestImportRejectsKindMismatch(t *testing.T) {
	db := dbFlags(t)
	_, err := runCLI(t, withArgs(db, "import", "crm.owner", filepath.Join("testdata", "accounts.yaml"))...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestImportReportsOrphans(t *testing.T) {
	db := dbFlags(t)
	accounts := filepath.Join("testdata", "accounts.yaml")
	_, err := runCLI(t, withArgs(db, "import", "crm.account", accounts)...)
	require.NoError(t, err)

	en := openTestEngine(t, db)
	ctx := context.Background()
	acme, found, err := en.Repo.First(ctx, "crm.account", nil, entity.OrderBy("name"))
	require.NoError(t, err)
	require.True(t, found)
	_, err = en.Repo.Delete(ctx, acme, collab.ActorOf("user:ann"), entity.DeleteOptions{})
	require.NoError(t, err)
	require.NoError(t, en.Close())

	out, err := runCLI(t, withArgs(db, "import", "crm.account", accounts)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNeedsRepair)
	assert.Contains(t, out, "1 need repair")
	assert.Contains(t, out, "orphaned: a-1")

	out, err = runCLI(t, withArgs(db, "purge-deleted", "crm.account")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 1 deleted crm.account entities")

	out, err = runCLI(t, withArgs(db, "import", "crm.account", accounts)...)
	require.NoError(t, err, "purging drops the orphaned reference")
	assert.Contains(t, out, "1 created")
}

func TestQuerySavedGroup(t *testing.T) {
	db := dbFlags(t)
	_, err := runCLI(t, withArgs(db, "import", "crm.account", filepath.Join("testdata", "accounts.yaml"))...)
	require.NoError(t, err)

	_, err = runCLI(t, withArgs(db, "query", "crm.account", "-c", filepath.Join("testdata", "big.yaml"), "--save-as", "big")...)
	require.NoError(t, err)

	out, err := runCLI(t, withArgs(db, "query", "crm.account", "--group", "big", "--format", "json")...)
	require.NoError(t, err)
	var res QueryResult
	decodeData(t, out, &res)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "Acme", res.Entities[0].Fields["name"])

	_, err = runCLI(t, withArgs(db, "query", "crm.account", "--save-as", "x")...)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestQueryUnknownKind(t *testing.T) {
	out, err := runCLI(t, withArgs(dbFlags(t), "query", "crm.nope")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error ["+ErrCodeConfiguration+"]")
}

func TestHistory(t *testing.T) {
	db := dbFlags(t)
	_, err := runCLI(t, withArgs(db, "import", "crm.account", filepath.Join("testdata", "accounts.yaml"), "--actor", "user:sync")...)
	require.NoError(t, err)

	out, err := runCLI(t, withArgs(db, "history", "crm.account", "--format", "json")...)
	require.NoError(t, err)
	var entries []HistoryEntry
	decodeData(t, out, &entries)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "created", e.Event)
		assert.Equal(t, "user:sync", e.Actor)
	}

	out, err = runCLI(t, withArgs(db, "history", "crm.account", "1", "--actor", "user:other")...)
	require.NoError(t, err)
	assert.Contains(t, out, "No audit records")

	_, err = runCLI(t, withArgs(db, "history", "crm.account", "--from", "2024-01-01")...)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, withArgs(db, "history", "crm.account", "--event", "renamed")...)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLinks(t *testing.T) {
	db := dbFlags(t)
	_, err := runCLI(t, withArgs(db, "import", "crm.account", filepath.Join("testdata", "accounts.yaml"))...)
	require.NoError(t, err)

	out, err := runCLI(t, withArgs(db, "links", "crm.account", "1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "No children for crm.account#1")

	out, err = runCLI(t, withArgs(db, "links", "crm.account", "1", "--link", "crm.account:2", "--both", "--format", "json")...)
	require.NoError(t, err)
	var res LinksResult
	decodeData(t, out, &res)
	require.Len(t, res.Linked["crm.account"], 1)
	assert.Equal(t, int64(2), res.Linked["crm.account"][0].ID)

	out, err = runCLI(t, withArgs(db, "links", "crm.account", "1", "--parents", "--kind", "crm.account")...)
	require.NoError(t, err)
	assert.Contains(t, out, "crm.account#2", "--both links the reverse direction")

	out, err = runCLI(t, withArgs(db, "links", "crm.account", "1", "--unlink", "crm.account:2")...)
	require.NoError(t, err)
	assert.Contains(t, out, "No children")

	_, err = runCLI(t, withArgs(db, "links", "crm.account", "99")...)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = runCLI(t, withArgs(db, "links", "crm.account", "1", "--parents")...)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseRef(t *testing.T) {
	ref, err := parseRef("crm.account:12")
	require.NoError(t, err)
	assert.Equal(t, "crm.account", ref.Kind)
	assert.Equal(t, int64(12), ref.ID)

	for _, bad := range []string{"12", ":12", "crm.account:", "crm.account:x", "crm.account:0"} {
		_, err := parseRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestRunScenarios(t *testing.T) {
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")
	golden := filepath.Join("..", "harness", "testdata", "golden")

	out, err := runCLI(t, "test", scenarios, "--golden", golden)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ soft_delete_cycle")
	assert.Contains(t, out, "3 passed, 0 failed, 3 total")

	out, err = runCLI(t, "test", scenarios, "--golden", golden, "--filter", "links_*", "--format", "json")
	require.NoError(t, err)
	var res TestResult
	decodeData(t, out, &res)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, "links_and_purge", res.Scenarios[0].Name)
}

func TestRunScenariosGoldenMismatch(t *testing.T) {
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "soft_delete_cycle.golden"), []byte("stale\n"), 0o644))

	out, err := runCLI(t, "test", scenarios, "--golden", golden, "--filter", "soft_*")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "golden file mismatch")

	_, err = runCLI(t, "test", scenarios, "--golden", golden, "--filter", "soft_*", "--update")
	require.NoError(t, err)
	updated, err := os.ReadFile(filepath.Join(golden, "soft_delete_cycle.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(updated), "scenario: soft_delete_cycle")

	_, err = runCLI(t, "test", scenarios, "--golden", golden, "--filter", "soft_*")
	require.NoError(t, err)
}

func TestRunScenariosMissingDir(t *testing.T) {
	_, err := runCLI(t, "test", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
