package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/trackerrules/internal/logger"
	"github.com/liamcoop/trackerrules/models"
)

// DefaultCostLimit bounds the work a single expression may do
const DefaultCostLimit = 1000000

// Engine compiles and evaluates the rules of one program. It is safe for
// concurrent use.
type Engine struct {
	env       *cel.Env
	store     RuleStore
	cache     SnapshotCache
	programs  map[string]cel.Program // expression source -> compiled program
	costLimit uint64
	now       func() time.Time
	mu        sync.RWMutex
}

// Option configures an Engine
type Option func(*Engine)

// WithCostLimit overrides DefaultCostLimit
func WithCostLimit(limit uint64) Option {
	return func(en *Engine) { en.costLimit = limit }
}

// WithClock sets the clock used for current_date and DATE defaults
func WithClock(now func() time.Time) Option {
	return func(en *Engine) { en.now = now }
}

// WithCache replaces the default in-memory snapshot cache
func WithCache(cache SnapshotCache) Option {
	return func(en *Engine) { en.cache = cache }
}

// WithCacheConfig gives each engine its own in-memory cache using config
func WithCacheConfig(config CacheConfig) Option {
	return func(en *Engine) { en.cache = NewInMemorySnapshotCache(config) }
}

// NewEngine creates an engine over store and compiles every active rule
func NewEngine(store RuleStore, opts ...Option) (*Engine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}

	en := &Engine{
		env:       env,
		store:     store,
		cache:     NewInMemorySnapshotCache(DefaultCacheConfig()),
		programs:  make(map[string]cel.Program),
		costLimit: DefaultCostLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(en)
	}

	if err := en.CompileAllRules(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

func (en *Engine) compile(expression string) (cel.Program, error) {
	translated, err := TranslateExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: translate error: %w", ErrInvalidExpression, err)
	}

	ast, issues := en.env.Compile(translated)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile error: %w", ErrInvalidExpression, issues.Err())
	}

	prog, err := en.env.Program(ast, cel.CostLimit(en.costLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: program creation error: %w", ErrInvalidExpression, err)
	}
	return prog, nil
}

// program returns the compiled program for an expression, compiling and
// caching it on first use
func (en *Engine) program(expression string) (cel.Program, error) {
	en.mu.RLock()
	prog, ok := en.programs[expression]
	en.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := en.compile(expression)
	if err != nil {
		return nil, err
	}

	en.mu.Lock()
	en.programs[expression] = prog
	en.mu.Unlock()
	return prog, nil
}

// CompileExpression validates an expression and caches its program.
// The empty expression is valid and always evaluates to "".
func (en *Engine) CompileExpression(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := en.program(expression)
	return err
}

// compileRule compiles every expression of a rule and returns the
// expressions that were not cached before
func (en *Engine) compileRule(r *Rule) ([]string, error) {
	var added []string
	for _, expr := range r.Expressions() {
		if expr == "" {
			continue
		}

		en.mu.RLock()
		_, cached := en.programs[expr]
		en.mu.RUnlock()
		if cached {
			continue
		}

		if err := en.CompileExpression(expr); err != nil {
			en.forget(added)
			return nil, fmt.Errorf("expression %q: %w", expr, err)
		}
		added = append(added, expr)
	}
	return added, nil
}

func (en *Engine) forget(expressions []string) {
	en.mu.Lock()
	defer en.mu.Unlock()
	for _, expr := range expressions {
		delete(en.programs, expr)
	}
}

// CompileAllRules compiles all active rules from the store and refreshes
// the snapshot cache
func (en *Engine) CompileAllRules() error {
	snapshot, err := en.loadSnapshot()
	if err != nil {
		return err
	}

	for _, rule := range snapshot.Rules {
		if _, err := en.compileRule(rule); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
		}
	}

	en.cache.Set(snapshot)
	return nil
}

func (en *Engine) loadSnapshot() (*Snapshot, error) {
	rules, err := en.store.ListActive()
	if err != nil {
		return nil, err
	}
	vars, err := en.store.ListVariables()
	if err != nil {
		return nil, err
	}
	return &Snapshot{Rules: rules, Variables: vars}, nil
}

// snapshot returns the cached snapshot, loading it from the store on a miss
func (en *Engine) snapshot() (*Snapshot, error) {
	if s := en.cache.Get(); s != nil {
		return s, nil
	}
	s, err := en.loadSnapshot()
	if err != nil {
		return nil, err
	}
	en.cache.Set(s)
	return s, nil
}

// AddRule compiles a rule and adds it to the store. Nothing is stored if
// any expression fails to compile.
func (en *Engine) AddRule(r *Rule) error {
	if _, err := en.store.Get(r.ID); err == nil {
		return fmt.Errorf("rule with ID %s: %w", r.ID, ErrRuleExists)
	}

	added, err := en.compileRule(r)
	if err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Add(r); err != nil {
		en.forget(added)
		return err
	}

	en.cache.Invalidate()
	return nil
}

// UpdateRule recompiles and replaces a rule
func (en *Engine) UpdateRule(r *Rule) error {
	added, err := en.compileRule(r)
	if err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Update(r); err != nil {
		en.forget(added)
		return err
	}

	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule from the store
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}

	en.cache.Invalidate()
	return nil
}

// Rule returns a rule by ID, active or not
func (en *Engine) Rule(ruleID string) (*Rule, error) {
	return en.store.Get(ruleID)
}

// Rules returns every rule of the program, active or not
func (en *Engine) Rules() ([]*Rule, error) {
	return en.store.List()
}

// AddVariable adds a rule variable to the program
func (en *Engine) AddVariable(v models.RuleVariable) error {
	if err := en.store.AddVariable(v); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// DeleteVariable removes a rule variable from the program
func (en *Engine) DeleteVariable(name string) error {
	if err := en.store.DeleteVariable(name); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// Variables returns the program's rule variables
func (en *Engine) Variables() ([]models.RuleVariable, error) {
	s, err := en.snapshot()
	if err != nil {
		return nil, err
	}
	return s.Variables, nil
}

// EvaluateEvent evaluates the program rules for target. Events in ec are
// the other events of the enrollment.
func (en *Engine) EvaluateEvent(ctx context.Context, target Event, ec EvaluationContext) ([]Effect, error) {
	return en.evaluate(ctx, &target, ec)
}

// EvaluateEnrollment evaluates the program rules for ec.Enrollment
func (en *Engine) EvaluateEnrollment(ctx context.Context, ec EvaluationContext) ([]Effect, error) {
	if ec.Enrollment == nil {
		return nil, errors.New("enrollment evaluation requires an enrollment")
	}
	return en.evaluate(ctx, nil, ec)
}

func (en *Engine) evaluate(ctx context.Context, target *Event, ec EvaluationContext) ([]Effect, error) {
	logger.Evaluations.Add(1)

	s, err := en.snapshot()
	if err != nil {
		return nil, err
	}

	builder := &valueMapBuilder{
		variables: s.Variables,
		target:    target,
		ec:        ec,
		now:       en.now(),
	}
	values, err := builder.build()
	if err != nil {
		return nil, err
	}

	x := &execution{
		engine:        en,
		rules:         selectRules(s.Rules, ec.RuleIDs),
		values:        values,
		constants:     constantValues(ec.Constants),
		environment:   builder.environment(),
		supplementary: ec.SupplementaryData,
	}
	return x.run(ctx)
}

// selectRules keeps the rules named in ids, in their original order.
// Unknown ids are skipped.
func selectRules(all []*Rule, ids []string) []*Rule {
	if len(ids) == 0 {
		return all
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	selected := make([]*Rule, 0, len(ids))
	for _, r := range all {
		if wanted[r.ID] {
			selected = append(selected, r)
			delete(wanted, r.ID)
		}
	}
	for id := range wanted {
		logger.Warn("Requested rule is not active", "rule", id)
	}
	return selected
}
