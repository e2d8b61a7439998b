package rules

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/trackerrules/models"
)

var (
	ErrRuleNotFound     = errors.New("rule not found")
	ErrRuleExists       = errors.New("rule already exists")
	ErrVariableNotFound = errors.New("rule variable not found")
	ErrVariableExists   = errors.New("rule variable already exists")

	// ErrInvalidExpression wraps expressions that fail to translate or compile
	ErrInvalidExpression = errors.New("invalid expression")
)

// RuleStore manages persistence of one program's rules and rule variables
type RuleStore interface {
	// Add a new rule
	Add(rule *Rule) error

	// Get a rule by ID
	Get(id string) (*Rule, error)

	// List all rules, active or not
	List() ([]*Rule, error)

	// List all active rules
	ListActive() ([]*Rule, error)

	// Update an existing rule
	Update(rule *Rule) error

	// Delete a rule
	Delete(id string) error

	// AddVariable adds a rule variable; names are unique per program
	AddVariable(v models.RuleVariable) error

	// ListVariables returns every rule variable of the program
	ListVariables() ([]models.RuleVariable, error)

	// DeleteVariable removes a rule variable by name
	DeleteVariable(name string) error
}

// InMemoryRuleStore implements RuleStore using in-memory maps.
// Listing preserves insertion order.
type InMemoryRuleStore struct {
	rules     map[string]*Rule
	order     []string
	variables []models.RuleVariable
	mu        sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

// Add adds a new rule to the store and stamps CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	s.order = append(s.order, rule.ID)
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return rule, nil
}

// List returns every rule in insertion order
func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.rules[id])
	}
	return all, nil
}

// ListActive returns all active rules in insertion order
func (s *InMemoryRuleStore) ListActive() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Rule
	for _, id := range s.order {
		if rule := s.rules[id]; rule.Active {
			active = append(active, rule)
		}
	}
	return active, nil
}

// Update replaces an existing rule, preserving CreatedAt
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// AddVariable adds a rule variable
func (s *InMemoryRuleStore) AddVariable(v models.RuleVariable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.variables {
		if existing.Name() == v.Name() {
			return fmt.Errorf("variable %q: %w", v.Name(), ErrVariableExists)
		}
	}
	s.variables = append(s.variables, v)
	return nil
}

// ListVariables returns a copy of the program's rule variables
func (s *InMemoryRuleStore) ListVariables() ([]models.RuleVariable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vars := make([]models.RuleVariable, len(s.variables))
	copy(vars, s.variables)
	return vars, nil
}

// DeleteVariable removes a rule variable by name
func (s *InMemoryRuleStore) DeleteVariable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.variables {
		if existing.Name() == name {
			s.variables = append(s.variables[:i], s.variables[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("variable %q: %w", name, ErrVariableNotFound)
}
