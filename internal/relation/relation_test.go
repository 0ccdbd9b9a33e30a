package relation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/store"
	"github.com/roach88/reconcile/internal/testutil"
)

var alice = collab.ActorOf("user:alice")

func newTestStore(t *testing.T) (*Store, *entity.Repository) {
	t.Helper()
	repo := entity.NewRepository(entity.Options{
		Store:   testutil.OpenStore(t),
		Schemas: testutil.CRMRegistry(t),
		Clock:   testutil.NewManualClock(),
	})
	links := New(repo, nil)
	repo.AddPurger(links)
	return links, repo
}

func create(t *testing.T, repo *entity.Repository, kind string, values map[string]any) *entity.Entity {
	t.Helper()
	e, err := repo.Create(context.Background(), kind, values, alice)
	require.NoError(t, err)
	return e
}

func ids(entities []*entity.Entity) []int64 {
	out := []int64{}
	for _, e := range entities {
		out = append(out, e.ID)
	}
	return out
}

func TestLinkIdempotent(t *testing.T) {
	links, repo := newTestStore(t)
	ctx := context.Background()

	acct := create(t, repo, testutil.KindAccount, map[string]any{"name": "Acme"})
	c := create(t, repo, testutil.KindContact, map[string]any{"name": "Bo"})

	first, err := links.Link(ctx, acct, c)
	require.NoError(t, err)
	require.Positive(t, first.ID)
	assert.Equal(t, acct.Ref(), first.Parent)
	assert.Equal(t, c.Ref(), first.Child)

	again, err := links.Link(ctx, acct, c)
	require.NoError(t, err)
	assert.Equal(t, first, again, "linking a linked pair returns the stored link")

	got, found, err := links.Get(ctx, acct, c)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.ID, got.ID)

	_, found, err = links.Get(ctx, c, acct)
	require.NoError(t, err)
	assert.False(t, found, "links are directed")
}

func TestLinkRejectsUnsavedOrUnknown(t *testing.T) {
	links, repo := newTestStore(t)
	ctx := context.Background()
	acct := create(t, repo, testutil.KindAccount, map[string]any{"name": "Acme"})

	_, err := links.Link(ctx, acct, ir.Ref{Kind: testutil.KindContact})
	assert.True(t, failure.IsConfiguration(err))

	_, err = links.Link(ctx, acct, ir.Ref{Kind: "crm.ghost", ID: 1})
	assert.True(t, failure.IsConfiguration(err))
}

func TestUnlink(t *testing.T) {
	links, repo := newTestStore(t)
	ctx := context.Background()

	a := create(t, repo, testutil.KindAccount, map[string]any{"name": "Acme"})
	c := create(t, repo, testutil.KindContact, map[string]any{"name": "Bo"})

	fwd, rev, err := links.LinkBoth(ctx, a, c)
	require.NoError(t, err)
	assert.NotEqual(t, fwd.ID, rev.ID)

	removed, err := links.Unlink(ctx, a, c, false)
	require.NoError(t, err)
	assert.True(t, removed)
	_, found, err := links.Get(ctx, c, a)
	require.NoError(t, err)
	assert.True(t, found, "reverse link survives a one-way unlink")

	removed, err = links.Unlink(ctx, a, c, true)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = links.Unlink(ctx, a, c, true)
	require.NoError(t, err)
	assert.False(t, removed)

	relinked, err := links.Link(ctx, a, c)
	require.NoError(t, err)
	assert.Greater(t, relinked.ID, rev.ID, "a fresh link gets a new id")
}

func TestChildrenAndParents(t *testing.T) {
	links, repo := newTestStore(t)
	ctx := context.Background()

	a := create(t, repo, testutil.KindAccount, map[string]any{"name": "Acme"})
	b := create(t, repo, testutil.KindAccount, map[string]any{"name": "Globex"})
	c1 := create(t, repo, testutil.KindContact, map[string]any{"name": "Bo"})
	c2 := create(t, repo, testutil.KindContact, map[string]any{"name": "Cy"})
	tag := create(t, repo, testutil.KindTag, map[string]any{"label": "hot"})

	for _, pair := range [][2]*entity.Entity{{a, c2}, {a, c1}, {a, tag}, {b, c1}} {
		_, err := links.Link(ctx, pair[0], pair[1])
		require.NoError(t, err)
	}

	children, err := links.ChildrenOf(ctx, a, testutil.KindContact)
	require.NoError(t, err)
	assert.Equal(t, []int64{c2.ID, c1.ID}, ids(children), "link order")

	parents, err := links.ParentsOf(ctx, c1, testutil.KindAccount)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, ids(parents))

	none, err := links.ParentsOf(ctx, tag, testutil.KindContact)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := links.AllLinksFrom(ctx, a)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, []int64{c2.ID, c1.ID}, ids(all[testutil.KindContact]))
	assert.Equal(t, []int64{tag.ID}, ids(all[testutil.KindTag]))
}

func TestDanglingLinksAreSkipped(t *testing.T) {
	links, repo := newTestStore(t)
	ctx := context.Background()

	a := create(t, repo, testutil.KindAccount, map[string]any{"name": "Acme"})
	c := create(t, repo, testutil.KindContact, map[string]any{"name": "Bo"})
	_, err := links.Link(ctx, a, c)
	require.NoError(t, err)

	// A link to an id that was never stored.
	_, _, err = repo.Store().InsertLink(ctx, store.LinkRow{
		ParentKind: a.Kind, ParentID: a.ID, ChildKind: testutil.KindContact, ChildID: 999,
	})
	require.NoError(t, err)

	children, err := links.ChildrenOf(ctx, a, testutil.KindContact)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID}, ids(children))
}

func TestClearLinks(t *testing.T) {
	links, repo := newTestStore(t)
	ctx := context.Background()

	a := create(t, repo, testutil.KindAccount, map[string]any{"name": "Acme"})
	c1 := create(t, repo, testutil.KindContact, map[string]any{"name": "Bo"})
	c2 := create(t, repo, testutil.KindContact, map[string]any{"name": "Cy"})
	tag := create(t, repo, testutil.KindTag, map[string]any{"label": "hot"})

	_, _, err := links.LinkBoth(ctx, a, c1)
	require.NoError(t, err)
	_, err = links.Link(ctx, a, c2)
	require.NoError(t, err)
	_, err = links.Link(ctx, a, tag)
	require.NoError(t, err)

	n, err := links.ClearLinks(ctx, a, testutil.KindContact)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := links.AllLinksFrom(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []int64{tag.ID}, ids(all[testutil.KindTag]))
	assert.NotContains(t, all, testutil.KindContact)

	back, err := links.ParentsOf(ctx, a, testutil.KindContact)
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestHardDeleteRemovesLinks(t *testing.T) {
	links, repo := newTestStore(t)
	ctx := context.Background()

	a := create(t, repo, testutil.KindAccount, map[string]any{"name": "Acme"})
	tag := create(t, repo, testutil.KindTag, map[string]any{"label": "hot"})
	_, _, err := links.LinkBoth(ctx, a, tag)
	require.NoError(t, err)

	_, err = repo.Delete(ctx, tag, alice, entity.DeleteOptions{})
	require.NoError(t, err)

	_, found, err := links.Get(ctx, a, ir.Ref{Kind: testutil.KindTag, ID: tag.ID})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSoftDeletedEndpointsAreHidden(t *testing.T) {
	links, repo := newTestStore(t)
	ctx := context.Background()

	a := create(t, repo, testutil.KindAccount, map[string]any{"name": "Acme"})
	bo := create(t, repo, testutil.KindContact, map[string]any{"name": "Bo"})
	cy := create(t, repo, testutil.KindContact, map[string]any{"name": "Cy"})
	_, _, err := links.LinkBoth(ctx, a, bo)
	require.NoError(t, err)
	_, err = links.Link(ctx, a, cy)
	require.NoError(t, err)

	deleted, err := repo.Delete(ctx, bo, alice, entity.DeleteOptions{})
	require.NoError(t, err)
	require.True(t, deleted)

	children, err := links.ChildrenOf(ctx, a, testutil.KindContact)
	require.NoError(t, err)
	assert.Equal(t, []int64{cy.ID}, ids(children))

	parents, err := links.ParentsOf(ctx, a, testutil.KindContact)
	require.NoError(t, err)
	assert.Empty(t, parents)

	_, found, err := links.Get(ctx, a, bo)
	require.NoError(t, err)
	assert.True(t, found, "the link itself is kept")

	_, err = repo.Delete(ctx, bo, alice, entity.DeleteOptions{})
	require.NoError(t, err)

	children, err = links.ChildrenOf(ctx, a, testutil.KindContact)
	require.NoError(t, err)
	assert.Equal(t, []int64{bo.ID, cy.ID}, ids(children))
}
