package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/predicate"
)

func TestAudit_InsertQueryDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2024, 3, d, 12, 0, 0, 0, time.UTC) }
	rows := []AuditRow{
		{Kind: "crm.account", EntityID: 1, Event: "created", Actor: "u1", Code: "GENERAL", Scope: 1, At: day(1)},
		{Kind: "crm.account", EntityID: 1, Event: "updated", Actor: "u2", Detail: "name", Code: "GENERAL", Scope: 1, At: day(2)},
		{Kind: "crm.account", EntityID: 2, Event: "created", Actor: "u1", Code: "GENERAL", Scope: 2, At: day(3)},
		{Kind: "crm.lead", EntityID: 1, Event: "created", Actor: "u1", Code: "GENERAL", Scope: 1, At: day(4)},
	}
	for _, r := range rows {
		_, err := s.InsertAudit(ctx, r)
		require.NoError(t, err)
	}

	got, err := s.QueryAudit(ctx, AuditFilter{Targets: []AuditTarget{{Kind: "crm.account", EntityID: 1}}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "created", got[0].Event)
	assert.Equal(t, "name", got[1].Detail)
	assert.Equal(t, day(2), got[1].At)

	got, err = s.QueryAudit(ctx, AuditFilter{Targets: []AuditTarget{
		{Kind: "crm.account", EntityID: 2},
		{Kind: "crm.lead"},
	}})
	require.NoError(t, err)
	assert.Len(t, got, 2, "targets combine with OR")

	got, err = s.QueryAudit(ctx, AuditFilter{Start: day(2), End: day(4)})
	require.NoError(t, err)
	assert.Len(t, got, 2, "start inclusive, end exclusive")

	got, err = s.QueryAudit(ctx, AuditFilter{Event: "created", Actor: "u1", Scopes: []int64{1}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	n, err := s.DeleteAudit(ctx, "crm.account", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err = s.QueryAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func testLink(parentID, childID int64, at time.Time) LinkRow {
	return LinkRow{
		ParentKind: "crm.account", ParentID: parentID,
		ChildKind: "crm.contact", ChildID: childID,
		Created: at, Updated: at,
	}
}

func TestInsertLink_InsertOrSelect(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, inserted, err := s.InsertLink(ctx, testLink(1, 2, testTime))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Positive(t, first.ID)

	again, inserted, err := s.InsertLink(ctx, testLink(1, 2, testTime.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first, again, "existing link returned unchanged")

	ok, err := s.DeleteLink(ctx, "crm.account", 1, "crm.contact", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	fresh, inserted, err := s.InsertLink(ctx, testLink(1, 2, testTime.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Greater(t, fresh.ID, first.ID, "ids are never reused")
	assert.Equal(t, testTime.Add(2*time.Hour), fresh.Created)
}

func TestLinksFromAndTo(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertLink(ctx, testLink(1, 2, testTime))
	require.NoError(t, err)
	_, _, err = s.InsertLink(ctx, testLink(1, 3, testTime))
	require.NoError(t, err)
	_, _, err = s.InsertLink(ctx, LinkRow{ParentKind: "crm.account", ParentID: 1, ChildKind: "crm.note", ChildID: 4, Created: testTime, Updated: testTime})
	require.NoError(t, err)
	_, _, err = s.InsertLink(ctx, testLink(5, 2, testTime))
	require.NoError(t, err)

	all, err := s.LinksFrom(ctx, "crm.account", 1, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	contacts, err := s.LinksFrom(ctx, "crm.account", 1, "crm.contact")
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	parents, err := s.LinksTo(ctx, "crm.contact", 2, "crm.account")
	require.NoError(t, err)
	require.Len(t, parents, 2)
	assert.Equal(t, int64(1), parents[0].ParentID)
	assert.Equal(t, int64(5), parents[1].ParentID)

	n, err := s.DeleteLinksOf(ctx, "crm.contact", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, found, err := s.GetLink(ctx, "crm.account", 1, "crm.contact", 2)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpsertRef_OnePerExternalKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	changed := testTime.Add(-time.Hour)
	r := RefRow{Kind: "crm.account", EntityID: 10, Source: "hubspot", Scope: 1, ExternalKey: "X-1",
		ExternalChanged: &changed, Created: testTime, Updated: testTime}

	first, err := s.UpsertRef(ctx, r)
	require.NoError(t, err)
	assert.Positive(t, first.ID)
	require.NotNil(t, first.ExternalChanged)
	assert.Equal(t, changed, *first.ExternalChanged)

	r.EntityID = 11
	r.ExternalChanged = nil
	second, err := s.UpsertRef(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(11), second.EntityID)
	assert.Nil(t, second.ExternalChanged)

	found, ok, err := s.FindRef(ctx, "crm.account", 1, "hubspot", "X-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, found)

	_, ok, err = s.FindRef(ctx, "crm.account", 2, "hubspot", "X-1")
	require.NoError(t, err)
	assert.False(t, ok, "scope is part of the key")
}

func TestInsertRef_ExistingWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := RefRow{Kind: "crm.account", EntityID: 10, Source: "hubspot", Scope: 1, ExternalKey: "X-1",
		Created: testTime, Updated: testTime}
	first, inserted, err := s.InsertRef(ctx, r)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Positive(t, first.ID)

	r.EntityID = 11
	second, inserted, err := s.InsertRef(ctx, r)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first, second)

	found, ok, err := s.FindRef(ctx, "crm.account", 1, "hubspot", "X-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), found.EntityID, "an existing reference is never re-pointed")
}

func TestRefsForIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		_, err := s.UpsertRef(ctx, RefRow{Kind: "crm.account", EntityID: int64(i + 1), Source: "erp",
			ExternalKey: key, Created: testTime, Updated: testTime})
		require.NoError(t, err)
	}

	in, err := s.RefsForIDs(ctx, "crm.account", "erp", []int64{1, 3}, false)
	require.NoError(t, err)
	assert.Len(t, in, 2)

	out, err := s.RefsForIDs(ctx, "crm.account", "erp", []int64{1, 3}, true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ExternalKey)

	none, err := s.RefsForIDs(ctx, "crm.account", "erp", nil, false)
	require.NoError(t, err)
	assert.Empty(t, none)

	every, err := s.RefsForIDs(ctx, "crm.account", "erp", nil, true)
	require.NoError(t, err)
	assert.Len(t, every, 3)

	ok, err := s.RepointRef(ctx, out[0].ID, 9, testTime)
	require.NoError(t, err)
	assert.True(t, ok)
	byEntity, err := s.RefsForEntity(ctx, "crm.account", 9, "")
	require.NoError(t, err)
	assert.Len(t, byEntity, 1)

	n, err := s.DeleteRefs(ctx, "crm.account", 9, "other")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.DeleteRefs(ctx, "crm.account", 9, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConditions_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rows := []predicate.Condition{
		{Attr: "seats", Op: predicate.OpGTE, Value: ir.Int(10), LogicalAnd: true, SortOrder: 20},
		{Attr: "name", Op: predicate.OpIContains, Value: ir.String("acme"), SortOrder: 10},
		{Attr: "tags", Op: predicate.OpIn, Value: ir.RefSet{4, 5}, GroupPrev: true, Negate: true, SortOrder: 30},
		{Attr: "city", Value: nil, SortOrder: 40},
	}
	require.NoError(t, s.SaveConditions(ctx, "accounts.big", rows))

	got, err := s.LoadConditions(ctx, "accounts.big")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "name", got[0].Attr)
	assert.Equal(t, 0, got[0].SortOrder)
	assert.Equal(t, ir.String("acme"), got[0].Value)
	assert.Equal(t, ir.Int(10), got[1].Value)
	assert.True(t, got[1].LogicalAnd)
	assert.Equal(t, ir.RefSet{4, 5}, got[2].Value)
	assert.True(t, got[2].GroupPrev)
	assert.True(t, got[2].Negate)
	assert.Equal(t, ir.Null{}, got[3].Value)

	assert.Equal(t,
		predicate.Format(predicate.FromConditions(rows)),
		predicate.Format(predicate.FromConditions(got)))

	require.NoError(t, s.SaveConditions(ctx, "accounts.big", rows[:1]))
	got, err = s.LoadConditions(ctx, "accounts.big")
	require.NoError(t, err)
	assert.Len(t, got, 1, "save replaces the group")

	got, err = s.LoadConditions(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFlags(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetFlag(ctx, "crm.account", 1, "vip", "yes"))
	require.NoError(t, s.SetFlag(ctx, "crm.account", 1, "vip", "gold"))
	require.NoError(t, s.SetFlag(ctx, "crm.account", GlobalRecord, "vip", "enabled"))
	require.NoError(t, s.SetFlag(ctx, "crm.lead", 3, "vip", ""))

	flags, err := s.Flags(ctx, "crm.account", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vip": "gold"}, flags)

	kinds, err := s.KindsWithFlag(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, []string{"crm.account", "crm.lead"}, kinds)

	ids, err := s.RecordsWithFlag(ctx, "crm.account", "vip")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	ok, err := s.UnsetFlag(ctx, "crm.account", 1, "vip")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UnsetFlag(ctx, "crm.account", 1, "vip")
	require.NoError(t, err)
	assert.False(t, ok)
}
