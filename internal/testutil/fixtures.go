package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/schema"
	"github.com/roach88/reconcile/internal/store"
)

// Kinds used across package tests.
const (
	KindOwner   = "crm.owner"
	KindAccount = "crm.account"
	KindContact = "crm.contact"
	KindTag     = "crm.tag"
)

// CRMKinds returns a small CRM schema exercising every field type.
//
//   - crm.owner: soft-deletable, no scope
//   - crm.account: soft-deletable, scoped by "company", unique (name, company)
//   - crm.contact: soft-deletable, references an account
//   - crm.tag: no status field, so deletes are hard
func CRMKinds() []schema.Kind {
	return []schema.Kind{
		{
			Name: KindOwner,
			Fields: []schema.Field{
				{Name: "name", Type: ir.TypeString},
				{Name: "email", Type: ir.TypeString},
			},
			StatusField: "status",
		},
		{
			Name: KindAccount,
			Fields: []schema.Field{
				{Name: "name", Type: ir.TypeString},
				{Name: "company", Type: ir.TypeInteger},
				{Name: "owner", Type: ir.TypeReference, Target: KindOwner},
				{Name: "parent", Type: ir.TypeReference, Target: KindAccount, Exempt: true},
				{Name: "tags", Type: ir.TypeCollection, Target: KindTag},
				{Name: "seats", Type: ir.TypeInteger},
				{Name: "revenue", Type: ir.TypeFloat},
				{Name: "vip", Type: ir.TypeBoolean},
				{Name: "opened", Type: ir.TypeDate},
				{Name: "touched", Type: ir.TypeDateTime},
			},
			UniqueTogether: []string{"name", "company"},
			StatusField:    "status",
			ScopeField:     "company",
		},
		{
			Name: KindContact,
			Fields: []schema.Field{
				{Name: "name", Type: ir.TypeString},
				{Name: "email", Type: ir.TypeString},
				{Name: "account", Type: ir.TypeReference, Target: KindAccount},
			},
			StatusField: "status",
		},
		{
			Name: KindTag,
			Fields: []schema.Field{
				{Name: "label", Type: ir.TypeString},
			},
		},
	}
}

// CRMRegistry returns a registry holding CRMKinds.
func CRMRegistry(t testing.TB) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	for _, k := range CRMKinds() {
		if err := reg.Register(k); err != nil {
			t.Fatalf("register %s: %v", k.Name, err)
		}
	}
	return reg
}

// OpenStore opens a SQLite store in a temp dir and closes it on cleanup.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
