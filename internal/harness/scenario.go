package harness

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Scenario is a multi-client board session script.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what behavior the scenario exercises.
	Description string `yaml:"description"`

	// Clients lists the participating users. Each gets its own store, sync
	// engine, lock manager, history, and layout reconciler.
	Clients []string `yaml:"clients"`

	// Steps run in order; the harness drains every engine after each one.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action. Which fields apply depends on Op; the CUE
// schema and validate catch mismatches at load time.
type Step struct {
	// Op names the action: object mutations (create, update, delete),
	// interaction staging (stage, commit, abandon), locks (acquire,
	// release), history (undo, redo), layout batches (reorder, align,
	// distribute), and session control (sync, offline, online, advance).
	Op string `yaml:"op"`

	// Client is the acting user. Session-control steps have none.
	Client string `yaml:"client,omitempty"`

	// ID targets an object.
	ID string `yaml:"id,omitempty"`

	// Object holds the field map for create.
	Object map[string]any `yaml:"object,omitempty"`

	// Patch holds the partial write for update, stage, and commit.
	Patch map[string]any `yaml:"patch,omitempty"`

	// IDs target multiple objects for layout batches.
	IDs []string `yaml:"ids,omitempty"`

	// Mode selects the alignment edge or distribution axis.
	Mode string `yaml:"mode,omitempty"`

	// Ms is the clock advance for the advance op.
	Ms int `yaml:"ms,omitempty"`
}

// Assertion validates final state after all steps ran.
type Assertion struct {
	// Type selects the check: object_field, object_absent, object_count,
	// order, converged, locked_by, unlocked, can_undo, can_redo.
	Type string `yaml:"type"`

	// Client scopes store reads; empty means the authoritative store.
	Client string `yaml:"client,omitempty"`

	// ID targets an object.
	ID string `yaml:"id,omitempty"`

	// Field and Value name the expected field value for object_field.
	Field string `yaml:"field,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Count is the expected object count for object_count.
	Count int `yaml:"count,omitempty"`

	// IDs is the expected front-to-back order for order.
	IDs []string `yaml:"ids,omitempty"`

	// Holder is the expected lease holder for locked_by.
	Holder string `yaml:"holder,omitempty"`
}

// Assertion type constants.
const (
	AssertObjectField  = "object_field"
	AssertObjectAbsent = "object_absent"
	AssertObjectCount  = "object_count"
	AssertOrder        = "order"
	AssertConverged    = "converged"
	AssertLockedBy     = "locked_by"
	AssertUnlocked     = "unlocked"
	AssertCanUndo      = "can_undo"
	AssertCanRedo      = "can_redo"
)

// LoadScenario reads, schema-checks, and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	if err := validateAgainstSchema(path, data); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}

	// Strict decoding catches typos the schema's open maps let through.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

// validateAgainstSchema unifies the YAML document with the embedded CUE
// schema.
func validateAgainstSchema(path string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema compile: %w", err)
	}

	file, err := cueyaml.Extract(path, data)
	if err != nil {
		return fmt.Errorf("yaml extract: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("yaml build: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Scenario")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// validateScenario checks cross-field rules the schema cannot express.
func validateScenario(s *Scenario) error {
	known := make(map[string]bool, len(s.Clients))
	for _, c := range s.Clients {
		if known[c] {
			return fmt.Errorf("duplicate client %q", c)
		}
		known[c] = true
	}

	for i, step := range s.Steps {
		switch step.Op {
		case "sync", "offline", "online":
			continue
		case "advance":
			if step.Ms <= 0 {
				return fmt.Errorf("steps[%d]: advance requires ms", i)
			}
			continue
		}

		if step.Client == "" {
			return fmt.Errorf("steps[%d]: op %s requires a client", i, step.Op)
		}
		if !known[step.Client] {
			return fmt.Errorf("steps[%d]: unknown client %q", i, step.Client)
		}

		switch step.Op {
		case "create":
			if step.Object == nil {
				return fmt.Errorf("steps[%d]: create requires an object", i)
			}
		case "update", "stage":
			if step.ID == "" || step.Patch == nil {
				return fmt.Errorf("steps[%d]: %s requires id and patch", i, step.Op)
			}
		case "delete", "commit", "abandon", "acquire", "release":
			if step.ID == "" {
				return fmt.Errorf("steps[%d]: %s requires an id", i, step.Op)
			}
		case "reorder", "align", "distribute":
			if len(step.IDs) == 0 {
				return fmt.Errorf("steps[%d]: %s requires ids", i, step.Op)
			}
			if step.Op != "reorder" && step.Mode == "" {
				return fmt.Errorf("steps[%d]: %s requires a mode", i, step.Op)
			}
		}
	}

	for i, a := range s.Assertions {
		if a.Client != "" && !known[a.Client] {
			return fmt.Errorf("assertions[%d]: unknown client %q", i, a.Client)
		}
		switch a.Type {
		case AssertObjectField:
			if a.ID == "" || a.Field == "" {
				return fmt.Errorf("assertions[%d]: object_field requires id and field", i)
			}
		case AssertObjectAbsent, AssertUnlocked:
			if a.ID == "" {
				return fmt.Errorf("assertions[%d]: %s requires an id", i, a.Type)
			}
		case AssertLockedBy:
			if a.ID == "" || a.Holder == "" {
				return fmt.Errorf("assertions[%d]: locked_by requires id and holder", i)
			}
		case AssertOrder:
			if a.Client == "" || len(a.IDs) == 0 {
				return fmt.Errorf("assertions[%d]: order requires client and ids", i)
			}
		case AssertCanUndo, AssertCanRedo:
			if a.Client == "" {
				return fmt.Errorf("assertions[%d]: %s requires a client", i, a.Type)
			}
		case AssertObjectCount, AssertConverged:
		default:
			return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
		}
	}
	return nil
}
