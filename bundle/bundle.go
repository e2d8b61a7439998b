// Package bundle reads program rule bundles: YAML documents holding the
// variables and rules of one program.
package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/trackerrules/models"
	"github.com/liamcoop/trackerrules/programengine"
	"github.com/liamcoop/trackerrules/rules"
)

// Bundle is the document form of a program
type Bundle struct {
	Program   string                `yaml:"program"`
	Variables []models.VariableSpec `yaml:"variables"`
	Rules     []RuleSpec            `yaml:"rules"`
}

// RuleSpec is the document form of a rule. Rules are active unless
// active: false is given.
type RuleSpec struct {
	ID        string              `yaml:"id,omitempty"`
	Name      string              `yaml:"name"`
	Condition string              `yaml:"condition"`
	Priority  *int                `yaml:"priority,omitempty"`
	Active    *bool               `yaml:"active,omitempty"`
	Actions   []models.ActionSpec `yaml:"actions"`
}

// Load reads and parses a bundle file
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Parse decodes a bundle. Unknown keys are rejected.
func Parse(data []byte) (*Bundle, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("invalid bundle: %w", err)
	}
	return &b, nil
}

// BuildVariables builds the bundle's rule variables
func (b *Bundle) BuildVariables() ([]models.RuleVariable, error) {
	vars := make([]models.RuleVariable, 0, len(b.Variables))
	for _, spec := range b.Variables {
		v, err := spec.Build()
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, nil
}

// BuildRules builds the bundle's rules, generating IDs where none are given
func (b *Bundle) BuildRules() ([]*rules.Rule, error) {
	built := make([]*rules.Rule, 0, len(b.Rules))
	for i, spec := range b.Rules {
		actions, err := models.BuildActions(spec.Actions)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, spec.Name, err)
		}

		id := spec.ID
		if id == "" {
			id = uuid.New().String()
		}
		active := true
		if spec.Active != nil {
			active = *spec.Active
		}

		built = append(built, &rules.Rule{
			ID:        id,
			Name:      spec.Name,
			Condition: spec.Condition,
			Priority:  spec.Priority,
			Actions:   actions,
			Active:    active,
		})
	}
	return built, nil
}

// Validate checks the whole bundle and reports every problem found
func (b *Bundle) Validate() error {
	var errs []error

	if err := programengine.ValidateProgramName(b.Program); err != nil {
		errs = append(errs, err)
	}

	if vars, err := b.BuildVariables(); err != nil {
		errs = append(errs, err)
	} else if err := programengine.ValidateVariables(vars); err != nil {
		errs = append(errs, err)
	}

	built, err := b.BuildRules()
	if err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool, len(built))
	for _, r := range built {
		if err := programengine.ValidateRule(r); err != nil {
			errs = append(errs, err)
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate rule ID %q", r.ID))
		}
		seen[r.ID] = true
	}

	return errors.Join(errs...)
}

// Store validates the bundle and loads it into a new in-memory store
func (b *Bundle) Store() (*rules.InMemoryRuleStore, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	store := rules.NewInMemoryRuleStore()

	vars, err := b.BuildVariables()
	if err != nil {
		return nil, err
	}
	for _, v := range vars {
		if err := store.AddVariable(v); err != nil {
			return nil, err
		}
	}

	built, err := b.BuildRules()
	if err != nil {
		return nil, err
	}
	for _, r := range built {
		if err := store.Add(r); err != nil {
			return nil, err
		}
	}

	return store, nil
}

// Engine builds an engine over the bundle's store, compiling every rule
func (b *Bundle) Engine(opts ...rules.Option) (*rules.Engine, error) {
	store, err := b.Store()
	if err != nil {
		return nil, err
	}
	return rules.NewEngine(store, opts...)
}

// Marshal encodes a program's variables and rules as a bundle document
func Marshal(program string, vars []models.RuleVariable, ruleList []*rules.Rule) ([]byte, error) {
	b := Bundle{Program: program}
	for _, v := range vars {
		b.Variables = append(b.Variables, models.VariableSpecOf(v))
	}
	for _, r := range ruleList {
		active := r.Active
		b.Rules = append(b.Rules, RuleSpec{
			ID:        r.ID,
			Name:      r.Name,
			Condition: r.Condition,
			Priority:  r.Priority,
			Active:    &active,
			Actions:   models.ActionSpecsOf(r.Actions),
		})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
