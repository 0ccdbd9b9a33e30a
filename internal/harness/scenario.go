package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a reconciliation scenario.
// A scenario runs a flow of operations against a fresh engine and asserts
// on the resulting audit trail, links and final entity state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is the schema file declaring the kinds used.
	// Relative paths are resolved against the scenario file's directory.
	Schema string `yaml:"schema"`

	// Scope is the default tenant scope. Zero means 1.
	Scope int64 `yaml:"scope,omitempty"`

	// Actor performs every step that does not name its own.
	Actor string `yaml:"actor,omitempty"`

	// Setup steps establish initial state and must succeed.
	// They are not part of the trace.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the traced steps, each optionally checked.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final audit trail and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation against the engine.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Kind names the entity kind for create, reconcile and purge.
	Kind string `yaml:"kind,omitempty"`

	// Entity is the alias of an entity bound by an earlier step.
	Entity string `yaml:"entity,omitempty"`

	// Target is the second entity alias for link and unlink.
	Target string `yaml:"target,omitempty"`

	// As binds the entity a create or reconcile step produced.
	As string `yaml:"as,omitempty"`

	Fields       map[string]any `yaml:"fields,omitempty"`
	CreateFields map[string]any `yaml:"create_fields,omitempty"`

	// Source and Key identify the external record for reconcile.
	Source string `yaml:"source,omitempty"`
	Key    string `yaml:"key,omitempty"`

	// Replacement is the alias re-associated with an orphaned reference.
	Replacement string `yaml:"replacement,omitempty"`

	// Apply writes a reconcile delta after it is reported.
	Apply bool `yaml:"apply,omitempty"`

	// Hard and Deactivate select the delete mode.
	Hard       bool `yaml:"hard,omitempty"`
	Deactivate bool `yaml:"deactivate,omitempty"`

	// Both links or unlinks in both directions.
	Both bool `yaml:"both,omitempty"`

	// Resolve clears a conflicting duplicate on save.
	Resolve bool `yaml:"resolve,omitempty"`

	Actor string `yaml:"actor,omitempty"`

	// Expect checks the step's outcome. Nil expects success.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// Outcome is compared with the traced outcome when set.
	Outcome string `yaml:"outcome,omitempty"`

	// Changed lists the fields a save or reconcile reports as differing.
	Changed []string `yaml:"changed,omitempty"`

	// Error is the expected failure code, e.g. CONSTRAINT_VIOLATION.
	// A step expecting an error does not stop the flow.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the audit trail or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Entity is the alias the assertion is about.
	Entity string `yaml:"entity,omitempty"`

	// Kind restricts audit assertions to a kind when Entity is unset,
	// and names the kind for entity_count and links.
	Kind string `yaml:"kind,omitempty"`

	// Event, Code and Detail match audit records. Empty matches anything.
	Event  string `yaml:"event,omitempty"`
	Code   string `yaml:"code,omitempty"`
	Detail string `yaml:"detail,omitempty"`

	// Codes is the expected code order for audit_order.
	Codes []string `yaml:"codes,omitempty"`

	// Count is the expected number for audit_count and entity_count.
	Count int `yaml:"count,omitempty"`

	// IncludeDeleted counts deleted entities for entity_count.
	IncludeDeleted bool `yaml:"include_deleted,omitempty"`

	// Status and Expect check an entity for final_state.
	// Expect is a subset match.
	Status string         `yaml:"status,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Missing asserts the entity no longer exists.
	Missing bool `yaml:"missing,omitempty"`

	// Children lists the aliases expected as children of Entity.
	Children []string `yaml:"children,omitempty"`
}

// Step operations.
const (
	OpCreate    = "create"
	OpSave      = "save"
	OpDelete    = "delete"
	OpLink      = "link"
	OpUnlink    = "unlink"
	OpReconcile = "reconcile"
	OpPurge     = "purge"
)

var validOps = []string{OpCreate, OpSave, OpDelete, OpLink, OpUnlink, OpReconcile, OpPurge}

// Assertion type constants.
const (
	AssertAuditContains = "audit_contains"
	AssertAuditOrder    = "audit_order"
	AssertAuditCount    = "audit_count"
	AssertFinalState    = "final_state"
	AssertEntityCount   = "entity_count"
	AssertLinks         = "links"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected, and the schema path is resolved against
// the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
		return fmt.Errorf("schema file not found: %s", s.Schema)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(fmt.Sprintf("setup[%d]", i), step); err != nil {
			return err
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot carry expect", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(fmt.Sprintf("flow[%d]", i), step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(where string, step Step) error {
	if !slices.Contains(validOps, step.Op) {
		return fmt.Errorf("%s: unknown op %q", where, step.Op)
	}
	switch step.Op {
	case OpCreate:
		if step.Kind == "" {
			return fmt.Errorf("%s: kind is required for create", where)
		}
	case OpSave, OpDelete:
		if step.Entity == "" {
			return fmt.Errorf("%s: entity is required for %s", where, step.Op)
		}
	case OpLink, OpUnlink:
		if step.Entity == "" || step.Target == "" {
			return fmt.Errorf("%s: entity and target are required for %s", where, step.Op)
		}
	case OpReconcile:
		if step.Kind == "" || step.Source == "" || step.Key == "" {
			return fmt.Errorf("%s: kind, source and key are required for reconcile", where)
		}
	case OpPurge:
		if step.Kind == "" {
			return fmt.Errorf("%s: kind is required for purge", where)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertAuditContains:
		if a.Entity == "" && a.Kind == "" {
			return fmt.Errorf("assertions[%d]: entity or kind is required for audit_contains", index)
		}
	case AssertAuditOrder:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for audit_order", index)
		}
		if len(a.Codes) == 0 {
			return fmt.Errorf("assertions[%d]: codes list is required for audit_order", index)
		}
	case AssertAuditCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	case AssertFinalState:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for final_state", index)
		}
		if !a.Missing && a.Status == "" && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect, status or missing is required for final_state", index)
		}
	case AssertEntityCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for entity_count", index)
		}
	case AssertLinks:
		if a.Entity == "" || a.Kind == "" {
			return fmt.Errorf("assertions[%d]: entity and kind are required for links", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
