package harness

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/audit"
	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/diff"
	"github.com/roach88/reconcile/internal/engine"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/retry"
	"github.com/roach88/reconcile/internal/schema"
	"github.com/roach88/reconcile/internal/store"
	"github.com/roach88/reconcile/internal/testutil"
	"github.com/roach88/reconcile/internal/xref"
)

// Harness executes one scenario against its own engine.
type Harness struct {
	engine  *engine.Engine
	aliases map[string]ir.Ref
	actor   collab.Actor
	logger  *zap.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a manual clock
// and sequential operation ids, so repeated runs produce the same trail.
//
// Execution flow:
// 1. Load the schema and open the engine
// 2. Execute setup steps, which must succeed
// 3. Execute flow steps, checking expect clauses
// 4. Read back the audit trail and evaluate assertions
func Run(ctx context.Context, scenario *Scenario, log *zap.Logger) (*Result, error) {
	reg := schema.NewRegistry()
	if err := reg.LoadFile(scenario.Schema); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	scope := scenario.Scope
	if scope == 0 {
		scope = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	eng, err := engine.New(engine.Options{
		Store:   st,
		Schemas: reg,
		Retry:   retry.Config{MaxAttempts: 3, Interval: time.Millisecond},
		Clock:   testutil.NewManualClock(),
		Scope:   collab.StaticScope(scope),
		IDs:     testutil.NewSequentialIDs("op"),
		Logger:  log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	defer eng.Close()

	h := &Harness{
		engine:  eng,
		aliases: map[string]ir.Ref{},
		actor:   collab.ActorOf(scenario.Actor),
		logger:  log.With(zap.String("scenario", scenario.Name)),
	}

	for i, step := range scenario.Setup {
		if _, err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Op, err)
		}
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	result.Audit, err = eng.Trail.History(ctx, audit.HistoryQuery{})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Engine:  eng,
		Aliases: h.aliases,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeFlow runs the flow steps in order and checks each expect clause.
// An error the step did not expect stops the flow.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) error {
	for i, step := range flow {
		event, err := h.execute(ctx, step)
		event.Seq = i + 1
		if err != nil {
			event.Outcome = "error"
			event.Error = string(failure.CodeOf(err))
			if step.Expect == nil || step.Expect.Error == "" {
				return fmt.Errorf("flow step %d (%s): %w", i, step.Op, err)
			}
		}
		result.Trace = append(result.Trace, event)

		if step.Expect != nil {
			for _, msg := range checkExpect(i, step.Expect, event) {
				result.AddError(msg)
			}
		}
		h.logger.Debug("flow step completed",
			zap.Int("step", i),
			zap.String("op", step.Op),
			zap.String("entity", event.Entity),
			zap.String("outcome", event.Outcome))
	}
	return nil
}

func checkExpect(i int, want *Expect, got TraceEvent) []string {
	var errs []string
	if want.Error != "" && got.Error != want.Error {
		errs = append(errs, fmt.Sprintf("flow[%d]: expected error %s, got %q", i, want.Error, got.Error))
	}
	if want.Outcome != "" && got.Outcome != want.Outcome {
		errs = append(errs, fmt.Sprintf("flow[%d]: expected outcome %q, got %q", i, want.Outcome, got.Outcome))
	}
	if want.Changed != nil {
		expected := slices.Sorted(slices.Values(want.Changed))
		if !slices.Equal(expected, got.Changed) {
			errs = append(errs, fmt.Sprintf("flow[%d]: expected changed %v, got %v", i, expected, got.Changed))
		}
	}
	return errs
}

// execute performs one step. The returned event carries everything but
// the sequence number.
func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	actor := h.actor
	if step.Actor != "" {
		actor = collab.ActorOf(step.Actor)
	}
	event := TraceEvent{Op: step.Op, Alias: step.Entity}

	switch step.Op {
	case OpCreate:
		e, err := h.engine.Repo.Create(ctx, step.Kind, step.Fields, actor)
		if err != nil {
			return event, err
		}
		h.bind(step.As, e)
		event.Alias, event.Entity, event.Outcome = step.As, e.Ref().String(), "created"

	case OpSave:
		e, err := h.load(ctx, step.Entity)
		if err != nil {
			return event, err
		}
		event.Entity = e.Ref().String()
		d, err := h.engine.Diff.ComputeDelta(ctx, e, step.Fields)
		if err != nil {
			return event, err
		}
		var opts []diff.ApplyOption
		if step.Resolve {
			opts = append(opts, diff.WithDuplicateResolution())
		}
		changed, _, err := h.engine.Diff.ApplyChange(ctx, e, d, actor, opts...)
		if err != nil {
			return event, err
		}
		event.Outcome, event.Changed = "unchanged", d.Names()
		if changed {
			event.Outcome = "changed"
		}

	case OpDelete:
		e, err := h.load(ctx, step.Entity)
		if err != nil {
			return event, err
		}
		event.Entity = e.Ref().String()
		k, err := h.engine.Repo.Kind(e.Kind)
		if err != nil {
			return event, err
		}
		deleted, err := h.engine.Repo.Delete(ctx, e, actor, entity.DeleteOptions{Hard: step.Hard, Deactivate: step.Deactivate})
		if err != nil {
			return event, err
		}
		switch {
		case step.Hard || k.StatusField == "":
			event.Outcome = "removed"
		case !deleted:
			event.Outcome = "restored"
		case step.Deactivate:
			event.Outcome = "deactivated"
		default:
			event.Outcome = "deleted"
		}

	case OpLink, OpUnlink:
		parent, err := h.ref(step.Entity)
		if err != nil {
			return event, err
		}
		child, err := h.ref(step.Target)
		if err != nil {
			return event, err
		}
		event.Entity = parent.String() + ">" + child.String()
		if step.Op == OpUnlink {
			removed, err := h.engine.Relations.Unlink(ctx, parent, child, step.Both)
			if err != nil {
				return event, err
			}
			event.Outcome = "absent"
			if removed {
				event.Outcome = "unlinked"
			}
			break
		}
		if step.Both {
			_, _, err = h.engine.Relations.LinkBoth(ctx, parent, child)
		} else {
			_, err = h.engine.Relations.Link(ctx, parent, child)
		}
		if err != nil {
			return event, err
		}
		event.Outcome = "linked"

	case OpReconcile:
		req := xref.ReconcileRequest{
			Kind:         step.Kind,
			Source:       step.Source,
			ExternalKey:  step.Key,
			Fields:       step.Fields,
			CreateFields: step.CreateFields,
			Actor:        actor,
		}
		if step.Replacement != "" {
			e, err := h.load(ctx, step.Replacement)
			if err != nil {
				return event, err
			}
			req.Replacement = e
		}
		res, err := h.engine.Refs.Reconcile(ctx, req)
		if err != nil {
			return event, err
		}
		event.Outcome, event.Changed = string(res.Outcome), res.Delta.Names()
		if res.Entity == nil {
			event.Entity = res.Reference.Entity().String()
			break
		}
		h.bind(step.As, res.Entity)
		event.Alias, event.Entity = step.As, res.Entity.Ref().String()
		if step.Apply && !res.Delta.Empty() {
			if _, _, err := h.engine.Diff.ApplyChange(ctx, res.Entity, res.Delta, actor); err != nil {
				return event, err
			}
		}

	case OpPurge:
		n, err := h.engine.Repo.PurgeDeleted(ctx, step.Kind)
		if err != nil {
			return event, err
		}
		event.Outcome = fmt.Sprintf("purged %d", n)

	default:
		return event, fmt.Errorf("unknown op %q", step.Op)
	}
	return event, nil
}

func (h *Harness) bind(alias string, e *entity.Entity) {
	if alias != "" {
		h.aliases[alias] = e.Identity()
	}
}

func (h *Harness) ref(alias string) (ir.Ref, error) {
	ref, ok := h.aliases[alias]
	if !ok {
		return ir.Ref{}, fmt.Errorf("unknown entity alias %q", alias)
	}
	return ref, nil
}

// load reads the current state of an aliased entity.
func (h *Harness) load(ctx context.Context, alias string) (*entity.Entity, error) {
	ref, err := h.ref(alias)
	if err != nil {
		return nil, err
	}
	e, found, err := h.engine.Repo.ByIdentity(ctx, ref.Kind, ref.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, failure.New(failure.CodeNotFound, "entity is gone").WithEntity(ref.Kind, ref.ID)
	}
	return e, nil
}
