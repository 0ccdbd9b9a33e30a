package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/predicate"
	"github.com/roach88/reconcile/internal/querysql"
	"github.com/roach88/reconcile/internal/schema"
)

func TestInsertAndGetEntity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{"name":"Acme","seats":3}`))
	require.NoError(t, err)
	assert.Positive(t, id)

	got, found, err := s.GetEntity(ctx, "crm.account", id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, int64(1), got.Scope)
	assert.Equal(t, testTime, got.Created)
	assert.JSONEq(t, `{"name":"Acme","seats":3}`, string(got.Fields))
}

func TestGetEntity_MissingIsNotAnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{}`))
	require.NoError(t, err)

	_, found, err := s.GetEntity(ctx, "crm.account", 999)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.GetEntity(ctx, "crm.lead", id)
	require.NoError(t, err)
	assert.False(t, found, "ids are scoped by kind on lookup")
}

func TestIdsAreGlobalAcrossKinds(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{}`))
	require.NoError(t, err)
	b, err := s.InsertEntity(ctx, createTestEntity("crm.lead", `{}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGetEntities_SkipsMissingInIDOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var ids []int64
	for range 3 {
		id, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	rows, err := s.GetEntities(ctx, "crm.account", []int64{ids[2], 999, ids[0]})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ids[0], rows[0].ID)
	assert.Equal(t, ids[2], rows[1].ID)

	rows, err = s.GetEntities(ctx, "crm.account", nil)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestPatchEntity_TouchesOnlyPatchedColumns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{"name":"Acme","seats":3,"city":"Oslo"}`))
	require.NoError(t, err)

	later := testTime.Add(time.Hour)
	scope := int64(7)
	ok, err := s.PatchEntity(ctx, "crm.account", id, []byte(`{"seats":5,"city":null}`), &scope, later)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := s.GetEntity(ctx, "crm.account", id)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(got.Fields, &doc))
	assert.Equal(t, "Acme", doc["name"])
	assert.EqualValues(t, 5, doc["seats"])
	assert.Nil(t, doc["city"])
	assert.Equal(t, later, got.Updated)
	assert.Equal(t, testTime, got.Created)
	assert.Equal(t, int64(7), got.Scope)

	ok, err = s.PatchEntity(ctx, "crm.account", 999, []byte(`{}`), nil, later)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetEntityStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{}`))
	require.NoError(t, err)

	ok, err := s.SetEntityStatus(ctx, "crm.account", id, StatusDeleted, testTime)
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := s.EntityIDsWithStatus(ctx, "crm.account", StatusDeleted)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, deleted)
}

func TestDeleteEntity_CascadesOwnedRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	owner, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{}`))
	require.NoError(t, err)
	other, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{}`))
	require.NoError(t, err)

	require.NoError(t, s.ReplaceMembers(ctx, "crm.account", owner, "tags", []int64{10, 11}))
	require.NoError(t, s.ReplaceMembers(ctx, "crm.account", other, "peers", []int64{owner}))
	require.NoError(t, s.PutUniqueKey(ctx, "crm.account", "k1", owner))
	require.NoError(t, s.SetFlag(ctx, "crm.account", owner, "vip", "1"))

	ok, err := s.DeleteEntity(ctx, "crm.account", owner)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, err := s.GetEntity(ctx, "crm.account", owner)
	require.NoError(t, err)
	assert.False(t, found)

	members, err := s.Members(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, members, "memberships pointing at the deleted entity are dropped")

	_, held, err := s.UniqueKeyHolder(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, held)

	flags, err := s.Flags(ctx, "crm.account", owner)
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestMembers_ReplaceIsExact(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.InsertEntity(ctx, createTestEntity("crm.account", `{}`))
	require.NoError(t, err)

	require.NoError(t, s.ReplaceMembers(ctx, "crm.account", id, "tags", []int64{3, 1, 2}))
	require.NoError(t, s.ReplaceMembers(ctx, "crm.account", id, "tags", []int64{2, 3, 4}))
	require.NoError(t, s.ReplaceMembers(ctx, "crm.account", id, "owners", []int64{9}))

	members, err := s.Members(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string][]int64{"tags": {2, 3, 4}, "owners": {9}}, members)

	require.NoError(t, s.ReplaceMembers(ctx, "crm.account", id, "owners", nil))
	members, err = s.Members(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string][]int64{"tags": {2, 3, 4}}, members)
}

func TestUniqueKeys(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUniqueKey(ctx, "crm.account", "k1", 1))
	require.NoError(t, s.PutUniqueKey(ctx, "crm.account", "k1", 1), "re-claiming is a no-op")

	err := s.PutUniqueKey(ctx, "crm.account", "k1", 2)
	require.Error(t, err)
	assert.True(t, failure.IsConstraint(err))

	holder, found, err := s.UniqueKeyHolder(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), holder)

	require.NoError(t, s.ReleaseUniqueKeys(ctx, 1))
	require.NoError(t, s.PutUniqueKey(ctx, "crm.account", "k1", 2))
}

func TestClassify_DriverConstraint(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.exec(ctx, "INSERT INTO unique_keys (key_hash, kind, entity_id) VALUES (?, ?, ?)", "dup", "k", 1)
	require.NoError(t, err)
	_, err = s.exec(ctx, "INSERT INTO unique_keys (key_hash, kind, entity_id) VALUES (?, ?, ?)", "dup", "k", 2)
	require.Error(t, err)
	assert.True(t, failure.IsConstraint(err))

	assert.NoError(t, classify(nil))
	assert.Equal(t, assert.AnError, classify(assert.AnError))
}

func accountKind(t *testing.T) *schema.Kind {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.Kind{
		Name: "crm.account",
		Fields: []schema.Field{
			{Name: "name", Type: ir.TypeString},
			{Name: "seats", Type: ir.TypeInteger},
			{Name: "tags", Type: ir.TypeCollection, Target: "crm.tag"},
		},
		StatusField: "status",
	}))
	return reg.MustLookup("crm.account")
}

func TestQueryEntities_RunsCompiledSQL(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	kind := accountKind(t)

	acme, err := s.InsertEntity(ctx, createTestEntity(kind.Name, `{"name":"Acme","seats":12}`))
	require.NoError(t, err)
	globex, err := s.InsertEntity(ctx, createTestEntity(kind.Name, `{"name":"Globex","seats":3}`))
	require.NoError(t, err)
	gone, err := s.InsertEntity(ctx, createTestEntity(kind.Name, `{"name":"Acme Old","seats":40}`))
	require.NoError(t, err)
	_, err = s.SetEntityStatus(ctx, kind.Name, gone, StatusDeleted, testTime)
	require.NoError(t, err)
	require.NoError(t, s.ReplaceMembers(ctx, kind.Name, globex, "tags", []int64{77}))

	p := predicate.OrOf(
		predicate.NewLeaf("name", predicate.OpIContains, ir.String("acme")),
		predicate.NewLeaf("tags", predicate.OpExact, ir.Int(77)),
	)
	q, err := s.Compiler().Select(kind, p, querysql.SelectOptions{OrderBy: []string{"-seats"}})
	require.NoError(t, err)

	rows, err := s.QueryEntities(ctx, q)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, acme, rows[0].ID)
	assert.Equal(t, globex, rows[1].ID)

	cq, err := s.Compiler().Count(kind, p, true)
	require.NoError(t, err)
	n, err := s.CountEntities(ctx, cq)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "deleted rows are counted when included")
}
