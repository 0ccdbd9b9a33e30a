// Package relation stores directed parent→child links between entities
// of any two kinds.
//
// Links are idempotent: linking a linked pair returns the existing link.
// Reads resolve the linked entities and silently skip any that no longer
// exist.
package relation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/logging"
	"github.com/roach88/reconcile/internal/store"
)

// Link is one directed relationship.
type Link struct {
	ID      int64
	Parent  ir.Ref
	Child   ir.Ref
	Created time.Time
	Updated time.Time
}

// Store reads and writes links.
//
// Thread-safety: safe for concurrent use.
type Store struct {
	repo *entity.Repository
	db   *store.Store
	log  *zap.Logger
}

// New creates a Store over the repository's storage.
func New(repo *entity.Repository, log *zap.Logger) *Store {
	return &Store{
		repo: repo,
		db:   repo.Store(),
		log:  logging.OrNop(log).With(zap.String("mod", "relation")),
	}
}

// Link records parent→child and returns the stored link, new or existing.
func (s *Store) Link(ctx context.Context, parent, child ir.Identifiable) (Link, error) {
	p, c, err := s.endpoints(parent, child)
	if err != nil {
		return Link{}, err
	}
	var out Link
	err = s.repo.Retry().OnTransientConflict(ctx, "link", func(ctx context.Context) error {
		now := s.repo.Clock().Now()
		row, inserted, err := s.db.InsertLink(ctx, store.LinkRow{
			ParentKind: p.Kind,
			ParentID:   p.ID,
			ChildKind:  c.Kind,
			ChildID:    c.ID,
			Created:    now,
			Updated:    now,
		})
		if err != nil {
			return err
		}
		if inserted {
			s.log.Debug("linked",
				zap.String("parent", p.Kind), zap.Int64("parent_id", p.ID),
				zap.String("child", c.Kind), zap.Int64("child_id", c.ID))
		}
		out = fromRow(row)
		return nil
	})
	return out, err
}

// LinkBoth links parent→child and child→parent in one transaction.
func (s *Store) LinkBoth(ctx context.Context, a, b ir.Identifiable) (Link, Link, error) {
	var forward, reverse Link
	err := s.db.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		if forward, err = s.Link(ctx, a, b); err != nil {
			return err
		}
		reverse, err = s.Link(ctx, b, a)
		return err
	})
	return forward, reverse, err
}

// Unlink removes parent→child, and child→parent too when both is set.
// Reports whether any link was removed.
func (s *Store) Unlink(ctx context.Context, parent, child ir.Identifiable, both bool) (bool, error) {
	p, c := parent.Identity(), child.Identity()
	var removed bool
	err := s.repo.Retry().OnTransientConflict(ctx, "unlink", func(ctx context.Context) error {
		return s.db.RunInTransaction(ctx, func(ctx context.Context) error {
			ok, err := s.db.DeleteLink(ctx, p.Kind, p.ID, c.Kind, c.ID)
			if err != nil {
				return err
			}
			removed = ok
			if both {
				ok, err = s.db.DeleteLink(ctx, c.Kind, c.ID, p.Kind, p.ID)
				if err != nil {
					return err
				}
				removed = removed || ok
			}
			return nil
		})
	})
	return removed, err
}

// Get returns the parent→child link.
func (s *Store) Get(ctx context.Context, parent, child ir.Identifiable) (Link, bool, error) {
	p, c := parent.Identity(), child.Identity()
	row, found, err := s.db.GetLink(ctx, p.Kind, p.ID, c.Kind, c.ID)
	if err != nil || !found {
		return Link{}, false, err
	}
	return fromRow(row), true, nil
}

// ChildrenOf returns the entities of childKind that parent links to,
// in link order. Missing and deleted entities are skipped.
func (s *Store) ChildrenOf(ctx context.Context, parent ir.Identifiable, childKind string) ([]*entity.Entity, error) {
	p := parent.Identity()
	rows, err := s.db.LinksFrom(ctx, p.Kind, p.ID, childKind)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ChildID
	}
	return s.resolve(ctx, childKind, ids)
}

// ParentsOf returns the entities of parentKind linking to child.
func (s *Store) ParentsOf(ctx context.Context, child ir.Identifiable, parentKind string) ([]*entity.Entity, error) {
	c := child.Identity()
	rows, err := s.db.LinksTo(ctx, c.Kind, c.ID, parentKind)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ParentID
	}
	return s.resolve(ctx, parentKind, ids)
}

// AllLinksFrom returns every entity parent links to, grouped by kind.
// Kinds that are not registered are skipped.
func (s *Store) AllLinksFrom(ctx context.Context, parent ir.Identifiable) (map[string][]*entity.Entity, error) {
	p := parent.Identity()
	rows, err := s.db.LinksFrom(ctx, p.Kind, p.ID, "")
	if err != nil {
		return nil, err
	}
	byKind := map[string][]int64{}
	var kinds []string
	for _, r := range rows {
		if _, seen := byKind[r.ChildKind]; !seen {
			kinds = append(kinds, r.ChildKind)
		}
		byKind[r.ChildKind] = append(byKind[r.ChildKind], r.ChildID)
	}

	out := make(map[string][]*entity.Entity, len(kinds))
	for _, kind := range kinds {
		if _, err := s.repo.Kind(kind); err != nil {
			s.log.Debug("skipping links to unregistered kind", zap.String("kind", kind))
			continue
		}
		entities, err := s.resolve(ctx, kind, byKind[kind])
		if err != nil {
			return nil, err
		}
		out[kind] = entities
	}
	return out, nil
}

// ClearLinks removes parent's links to every entity of childKind, and
// those entities' links back to parent. Returns how many were removed.
func (s *Store) ClearLinks(ctx context.Context, parent ir.Identifiable, childKind string) (int, error) {
	p := parent.Identity()
	var n int
	err := s.repo.Retry().OnTransientConflict(ctx, "clear_links", func(ctx context.Context) error {
		return s.db.RunInTransaction(ctx, func(ctx context.Context) error {
			n = 0
			forward, err := s.db.LinksFrom(ctx, p.Kind, p.ID, childKind)
			if err != nil {
				return err
			}
			reverse, err := s.db.LinksTo(ctx, p.Kind, p.ID, childKind)
			if err != nil {
				return err
			}
			for _, r := range append(forward, reverse...) {
				ok, err := s.db.DeleteLink(ctx, r.ParentKind, r.ParentID, r.ChildKind, r.ChildID)
				if err != nil {
					return err
				}
				if ok {
					n++
				}
			}
			return nil
		})
	})
	return n, err
}

// PurgeEntity removes every link touching an entity being hard-deleted.
func (s *Store) PurgeEntity(ctx context.Context, kind string, id int64) error {
	_, err := s.db.DeleteLinksOf(ctx, kind, id)
	return err
}

var _ entity.Purger = (*Store)(nil)

// resolve loads ids of kind keeping first-seen order, dropping
// duplicates, ids that no longer exist and entities in deleted status.
// Links to a deleted entity stay stored so a restore brings them back.
func (s *Store) resolve(ctx context.Context, kind string, ids []int64) ([]*entity.Entity, error) {
	out := []*entity.Entity{}
	if len(ids) == 0 {
		return out, nil
	}
	unique := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	entities, err := s.repo.ByIdentities(ctx, kind, unique)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*entity.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	for _, id := range unique {
		if e, ok := byID[id]; ok && !e.Deleted() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) endpoints(parent, child ir.Identifiable) (ir.Ref, ir.Ref, error) {
	p, c := parent.Identity(), child.Identity()
	for _, r := range []ir.Ref{p, c} {
		if _, err := s.repo.Kind(r.Kind); err != nil {
			return ir.Ref{}, ir.Ref{}, err
		}
		if r.ID <= 0 {
			return ir.Ref{}, ir.Ref{}, failure.Configuration(r.Kind, "cannot link unsaved entity")
		}
	}
	return p, c, nil
}

func fromRow(r store.LinkRow) Link {
	return Link{
		ID:      r.ID,
		Parent:  ir.Ref{Kind: r.ParentKind, ID: r.ParentID},
		Child:   ir.Ref{Kind: r.ChildKind, ID: r.ChildID},
		Created: r.Created,
		Updated: r.Updated,
	}
}
