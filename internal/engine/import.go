package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/xref"
)

// ImportRecord is one external record.
type ImportRecord struct {
	Key     string         `yaml:"key"`
	Changed *time.Time     `yaml:"changed,omitempty"`
	Fields  map[string]any `yaml:"fields"`

	// Create holds values used only when the record creates an entity.
	Create map[string]any `yaml:"create,omitempty"`
}

// ImportFile is the YAML form of a batch. Kind and Source may be
// overridden by the caller.
type ImportFile struct {
	Kind    string         `yaml:"kind,omitempty"`
	Source  string         `yaml:"source,omitempty"`
	Scope   int64          `yaml:"scope,omitempty"`
	Records []ImportRecord `yaml:"records"`
}

// LoadImportFile reads a batch from path.
func LoadImportFile(path string) (ImportFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportFile{}, fmt.Errorf("read import file: %w", err)
	}
	var f ImportFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ImportFile{}, fmt.Errorf("parse import file %s: %w", path, err)
	}
	return f, nil
}

// ImportRequest describes a batch import.
type ImportRequest struct {
	Kind    string
	Source  string
	Scope   int64
	Records []ImportRecord

	// DryRun classifies every record without writing anything.
	DryRun bool

	Actor collab.Actor
}

// ImportSummary counts records by what happened to them.
type ImportSummary struct {
	Created     int `json:"created"`
	Changed     int `json:"changed"`
	Unchanged   int `json:"unchanged"`
	NeedsRepair int `json:"needs_repair"`

	// Orphaned lists the external keys whose reference points at a
	// missing or deleted entity.
	Orphaned []string `json:"orphaned,omitempty"`

	DryRun bool `json:"dry_run"`
}

// Total returns the number of records processed.
func (s ImportSummary) Total() int {
	return s.Created + s.Changed + s.Unchanged + s.NeedsRepair
}

// Import reconciles each record against its cross-reference. New
// records create an entity and reference; records whose entity differs
// have the delta applied; orphaned references are reported, never
// replaced.
//
// Records are processed in order and the first error stops the batch.
// Records already imported stay imported; the summary reflects them.
func (e *Engine) Import(ctx context.Context, req ImportRequest) (ImportSummary, error) {
	sum := ImportSummary{DryRun: req.DryRun}
	if req.Source == "" {
		return sum, failure.Configuration(req.Kind, "import needs a source")
	}
	if _, err := e.Repo.Kind(req.Kind); err != nil {
		return sum, err
	}
	scope := req.Scope
	if scope == 0 {
		scope = e.Repo.Scope().DefaultScope(ctx)
	}

	for _, rec := range req.Records {
		var (
			outcome xref.Outcome
			err     error
		)
		if req.DryRun {
			outcome, err = e.classify(ctx, req, scope, rec)
		} else {
			outcome, err = e.importOne(ctx, req, scope, rec)
		}
		if err != nil {
			e.log.Warn("import stopped",
				zap.String("kind", req.Kind),
				zap.String("source", req.Source),
				zap.String("key", rec.Key),
				zap.Int("done", sum.Total()),
				zap.Error(err))
			return sum, fmt.Errorf("import %q: %w", rec.Key, err)
		}
		switch outcome {
		case xref.OutcomeCreated:
			sum.Created++
		case xref.OutcomeDiff:
			sum.Changed++
		case xref.OutcomeUnchanged:
			sum.Unchanged++
		case xref.OutcomeNeedsRepair:
			sum.NeedsRepair++
			sum.Orphaned = append(sum.Orphaned, rec.Key)
		}
	}

	e.log.Info("import finished",
		zap.String("kind", req.Kind),
		zap.String("source", req.Source),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("created", sum.Created),
		zap.Int("changed", sum.Changed),
		zap.Int("unchanged", sum.Unchanged),
		zap.Int("needs_repair", sum.NeedsRepair))
	return sum, nil
}

func (e *Engine) importOne(ctx context.Context, req ImportRequest, scope int64, rec ImportRecord) (xref.Outcome, error) {
	res, err := e.Refs.Reconcile(ctx, xref.ReconcileRequest{
		Kind:            req.Kind,
		Source:          req.Source,
		ExternalKey:     rec.Key,
		Scope:           scope,
		Fields:          rec.Fields,
		CreateFields:    rec.Create,
		ExternalChanged: rec.Changed,
		Actor:           req.Actor,
	})
	if err != nil {
		return "", err
	}
	if res.Outcome != xref.OutcomeDiff {
		return res.Outcome, nil
	}
	if _, _, err := e.Diff.ApplyChange(ctx, res.Entity, res.Delta, req.Actor); err != nil {
		return "", err
	}
	return res.Outcome, nil
}

// classify mirrors Reconcile's decision without writing.
func (e *Engine) classify(ctx context.Context, req ImportRequest, scope int64, rec ImportRecord) (xref.Outcome, error) {
	if rec.Key == "" {
		return "", failure.Configuration(req.Kind, "record needs an external key")
	}
	ref, found, err := e.Refs.FindReferenceIn(ctx, scope, req.Source, rec.Key, req.Kind)
	if err != nil {
		return "", err
	}
	if !found {
		return xref.OutcomeCreated, nil
	}
	ent, found, err := e.Repo.ByIdentity(ctx, ref.Kind, ref.EntityID)
	if err != nil {
		return "", err
	}
	if !found || ent.Deleted() {
		return xref.OutcomeNeedsRepair, nil
	}
	d, err := e.Diff.ComputeDelta(ctx, ent, rec.Fields)
	if err != nil {
		return "", err
	}
	if d.Empty() {
		return xref.OutcomeUnchanged, nil
	}
	return xref.OutcomeDiff, nil
}
