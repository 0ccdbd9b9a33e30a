package store

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reconcile/internal/querysql"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	assert.Equal(t, querysql.SQLite, s.Dialect())
	assert.Equal(t, querysql.SQLite, s.Compiler().Dialect)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"entities", "entity_members", "unique_keys", "audit_records",
		"relationship_links", "external_refs", "conditions", "flags",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpenWith_UnknownDriver(t *testing.T) {
	_, err := OpenWith(context.Background(), Options{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	for name, want := range map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1", // NORMAL
		"busy_timeout": "5000",
		"foreign_keys": "1",
		"user_version": "2",
	} {
		if err := s.verifyPragma(name, want); err != nil {
			t.Error(err)
		}
	}
}

func TestSchema_EntitiesTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "entities")
	for _, col := range []string{"id", "kind", "fields", "status", "scope", "created", "updated"} {
		if !slices.Contains(columns, col) {
			t.Errorf("entities table missing column %q", col)
		}
	}
	if !slices.Contains(getTableIndexes(t, s.db, "entity_members"), "idx_entity_members_member") {
		t.Error("entity_members missing idx_entity_members_member")
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"-- header\nCREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, got)
	assert.NotEmpty(t, splitStatements(postgresSchema))
	assert.Len(t, splitStatements(postgresSchema), len(splitStatements(sqliteSchema)))
}

func TestRunInTransaction_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := assert.AnError

	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		assert.True(t, s.InTransaction(ctx))
		_, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{"name":"Acme"}`))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	ids, err := s.EntityIDsWithStatus(ctx, "crm.account", StatusActive)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.False(t, s.InTransaction(ctx))
}

func TestRunInTransaction_NestedJoinsOuter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{}`)); err != nil {
			return err
		}
		// Inner success must not commit on its own.
		if err := s.RunInTransaction(ctx, func(ctx context.Context) error {
			_, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{}`))
			return err
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	ids, err := s.EntityIDsWithStatus(ctx, "crm.account", StatusActive)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
