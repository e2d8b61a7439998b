package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/trackerrules/models"
)

func intPtr(i int) *int { return &i }

func mustAction(t *testing.T) func(models.RuleAction, error) models.RuleAction {
	return func(a models.RuleAction, err error) models.RuleAction {
		t.Helper()
		if err != nil {
			t.Fatalf("Failed to build action: %v", err)
		}
		return a
	}
}

func showWarning(t *testing.T, content, data string) models.RuleAction {
	t.Helper()
	return mustAction(t)(models.NewShowWarning(ptr(content), ptr(data), nil))
}

func showError(t *testing.T, content, data string) models.RuleAction {
	t.Helper()
	return mustAction(t)(models.NewShowError(ptr(content), ptr(data), nil))
}

// newTestEngine builds an engine over an in-memory store with a fixed clock
func newTestEngine(t *testing.T, vars []models.RuleVariable, rules ...*Rule) *Engine {
	t.Helper()

	store := NewInMemoryRuleStore()
	for _, v := range vars {
		if err := store.AddVariable(v); err != nil {
			t.Fatalf("AddVariable() failed: %v", err)
		}
	}
	for _, r := range rules {
		if err := store.Add(r); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	engine, err := NewEngine(store, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine
}

func hbEvent(id, hb string) Event {
	return Event{
		ID:         id,
		EventDate:  day(20),
		DataValues: []DataValue{{DataElementID: "DE_HB", Value: hb}},
	}
}

var hbVariables = []models.RuleVariable{
	models.NewNewestEventVariable("hb", "DE_HB", models.ValueTypeNumeric),
}

func TestNewEngine_RejectsInvalidStoredRule(t *testing.T) {
	store := NewInMemoryRuleStore()
	if err := store.Add(&Rule{ID: "broken", Condition: `#{hb} >`, Active: true}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if _, err := NewEngine(store); err == nil {
		t.Fatal("NewEngine() should fail when an active rule does not compile")
	}
}

func TestCompileExpression(t *testing.T) {
	engine := newTestEngine(t, nil)

	testCases := []struct {
		expr    string
		wantErr bool
	}{
		{``, false},
		{`#{hb} < 9`, false},
		{`d2:count(#{hb}) > 0 && V{environment} == 'Server'`, false},
		{`#{hb} <`, true},
		{`d2:unknown(#{hb})`, true},
		{`d2:zpvc(1.0`, true},
	}

	for _, tc := range testCases {
		t.Run(tc.expr, func(t *testing.T) {
			err := engine.CompileExpression(tc.expr)
			if (err != nil) != tc.wantErr {
				t.Errorf("CompileExpression(%q) error = %v, wantErr %v", tc.expr, err, tc.wantErr)
			}
		})
	}
}

func TestEvaluateEvent_EmitsEffectWithData(t *testing.T) {
	engine := newTestEngine(t, hbVariables, &Rule{
		ID:        "low-hb",
		Name:      "Low haemoglobin",
		Condition: `#{hb} < 9`,
		Actions:   []models.RuleAction{showWarning(t, "Haemoglobin is low", `#{hb}`)},
		Active:    true,
	})

	effects, err := engine.EvaluateEvent(context.Background(), hbEvent("ev-1", "8.5"), EvaluationContext{})
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}
	if len(effects) != 1 {
		t.Fatalf("Expected 1 effect, got %d", len(effects))
	}
	if effects[0].Data != "8.5" {
		t.Errorf("Effect data = %q, want 8.5", effects[0].Data)
	}
	if effects[0].Action.Kind() != models.ActionShowWarning {
		t.Errorf("Effect action = %s, want %s", effects[0].Action.Kind(), models.ActionShowWarning)
	}

	effects, err = engine.EvaluateEvent(context.Background(), hbEvent("ev-1", "12"), EvaluationContext{})
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}
	if len(effects) != 0 {
		t.Errorf("Expected no effects for normal haemoglobin, got %v", effects)
	}
}

func TestEvaluateEvent_PriorityOrderAndCalculatedValues(t *testing.T) {
	vars := []models.RuleVariable{models.NewCalculatedVariable("stage", models.ValueTypeText)}

	setStage := mustAction(t)(models.NewAssign(ptr("#{stage}"), ptr(`'ready'`), nil))

	engine := newTestEngine(t, vars,
		// no priority: runs last
		&Rule{ID: "report", Condition: `true`, Actions: []models.RuleAction{showWarning(t, "Stage", `#{stage}`)}, Active: true},
		&Rule{ID: "assign", Condition: `true`, Priority: intPtr(2), Actions: []models.RuleAction{setStage}, Active: true},
		&Rule{ID: "first", Condition: `#{stage} == ''`, Priority: intPtr(1), Actions: []models.RuleAction{showError(t, "Not ready", "")}, Active: true},
	)

	effects, err := engine.EvaluateEvent(context.Background(), Event{ID: "ev-1"}, EvaluationContext{})
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}

	if len(effects) != 2 {
		t.Fatalf("Expected 2 effects, got %d: %v", len(effects), effects)
	}
	if effects[0].Action.Kind() != models.ActionShowError || effects[0].Data != "" {
		t.Errorf("First effect = %s %q, want showError with empty data", effects[0].Action.Kind(), effects[0].Data)
	}
	if effects[1].Action.Kind() != models.ActionShowWarning || effects[1].Data != "ready" {
		t.Errorf("Second effect = %s %q, want showWarning with data ready", effects[1].Action.Kind(), effects[1].Data)
	}
}

func TestEvaluateEvent_AssignToField(t *testing.T) {
	assign := mustAction(t)(models.NewAssign(nil, ptr(`#{hb} * 10.0`), ptr("DE_HB_SCALED")))

	engine := newTestEngine(t, hbVariables,
		&Rule{ID: "scale", Condition: `true`, Priority: intPtr(1), Actions: []models.RuleAction{assign}, Active: true},
		&Rule{ID: "check", Condition: `#{DE_HB_SCALED} == '85'`, Priority: intPtr(2),
			Actions: []models.RuleAction{showWarning(t, "Scaled", `#{DE_HB_SCALED}`)}, Active: true},
	)

	effects, err := engine.EvaluateEvent(context.Background(), hbEvent("ev-1", "8.5"), EvaluationContext{})
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}
	if len(effects) != 2 {
		t.Fatalf("Expected 2 effects, got %d: %v", len(effects), effects)
	}
	if effects[0].Action.Kind() != models.ActionAssign || effects[0].Data != "85" {
		t.Errorf("Assign effect = %s %q, want assign 85", effects[0].Action.Kind(), effects[0].Data)
	}
	if effects[1].Data != "85" {
		t.Errorf("Follow-up effect data = %q, want 85", effects[1].Data)
	}
}

func TestEvaluateEvent_AssignKeepsDeclaredType(t *testing.T) {
	vars := []models.RuleVariable{
		models.NewCalculatedVariable("risk", models.ValueTypeNumeric),
		models.NewCalculatedVariable("flagged", models.ValueTypeBoolean),
	}

	setRisk := mustAction(t)(models.NewAssign(ptr("#{risk}"), ptr(`5`), nil))
	setFlag := mustAction(t)(models.NewAssign(ptr("#{flagged}"), ptr(`true`), nil))
	setNote := mustAction(t)(models.NewAssign(ptr("#{note}"), ptr(`'12'`), nil))

	engine := newTestEngine(t, vars,
		&Rule{ID: "assign", Condition: `true`, Priority: intPtr(1), Actions: []models.RuleAction{setRisk, setFlag, setNote}, Active: true},
		&Rule{ID: "numeric", Condition: `#{risk} > 3`, Priority: intPtr(2),
			Actions: []models.RuleAction{showWarning(t, "High risk", `#{risk} * 2`)}, Active: true},
		&Rule{ID: "boolean", Condition: `#{flagged}`, Priority: intPtr(3),
			Actions: []models.RuleAction{showError(t, "Flagged", "")}, Active: true},
		&Rule{ID: "undeclared", Condition: `#{note} == '12'`, Priority: intPtr(4),
			Actions: []models.RuleAction{showWarning(t, "Note", `#{note}`)}, Active: true},
	)

	effects, err := engine.EvaluateEvent(context.Background(), Event{ID: "ev-1"}, EvaluationContext{})
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}
	if len(effects) != 3 {
		t.Fatalf("Expected 3 effects, got %d: %v", len(effects), effects)
	}
	if effects[0].Data != "10" {
		t.Errorf("Numeric effect data = %q, want 10", effects[0].Data)
	}
	if effects[1].Action.Kind() != models.ActionShowError {
		t.Errorf("Second effect = %s, want showError", effects[1].Action.Kind())
	}
	if effects[2].Data != "12" {
		t.Errorf("Undeclared effect data = %q, want 12", effects[2].Data)
	}
}

func TestEvaluateEvent_IntegerLiteralArithmetic(t *testing.T) {
	engine := newTestEngine(t, hbVariables,
		&Rule{ID: "sum", Condition: `#{hb} + 1 > 3`,
			Actions: []models.RuleAction{showWarning(t, "Sum", `#{hb} + 1`)}, Active: true},
		&Rule{ID: "ratio", Condition: `#{hb} / 2 == 4`,
			Actions: []models.RuleAction{showWarning(t, "Ratio", `7 / 2`)}, Active: true},
	)

	effects, err := engine.EvaluateEvent(context.Background(), hbEvent("ev-1", "8"), EvaluationContext{})
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}
	if len(effects) != 2 {
		t.Fatalf("Expected 2 effects, got %d: %v", len(effects), effects)
	}
	if effects[0].Data != "9" {
		t.Errorf("Sum data = %q, want 9", effects[0].Data)
	}
	if effects[1].Data != "3.5" {
		t.Errorf("Ratio data = %q, want 3.5", effects[1].Data)
	}
}

func TestEvaluateEvent_FailingExpressionDoesNotFire(t *testing.T) {
	vars := []models.RuleVariable{models.NewCurrentEventVariable("name", "DE_NAME", models.ValueTypeText)}
	engine := newTestEngine(t, vars,
		// text compared with a number has no overload at runtime
		&Rule{ID: "bad", Condition: `#{name} > 5`, Actions: []models.RuleAction{showError(t, "never", "")}, Active: true},
		&Rule{ID: "good", Condition: `#{name} == 'Jane'`, Actions: []models.RuleAction{showWarning(t, "hello", `#{name} > 5`)}, Active: true},
	)

	target := Event{ID: "ev-1", DataValues: []DataValue{{DataElementID: "DE_NAME", Value: "Jane"}}}
	effects, err := engine.EvaluateEvent(context.Background(), target, EvaluationContext{})
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}
	if len(effects) != 1 {
		t.Fatalf("Expected 1 effect, got %d: %v", len(effects), effects)
	}
	if effects[0].Data != "" {
		t.Errorf("Failing data expression should give empty data, got %q", effects[0].Data)
	}
}

func TestEvaluateEvent_ContextValues(t *testing.T) {
	engine := newTestEngine(t, hbVariables, &Rule{
		ID:        "ctx",
		Condition: `V{environment} == 'AndroidClient' && V{event_count} == 2.0`,
		Actions: []models.RuleAction{
			showWarning(t, "dose", `C{factor} * 2.0`),
			showWarning(t, "region", `C{region}`),
			showWarning(t, "visits", `d2:count(#{hb})`),
			showWarning(t, "date", `V{current_date}`),
		},
		Active: true,
	})

	ec := EvaluationContext{
		Environment: EnvironmentAndroidClient,
		Events:      []Event{{ID: "ev-0", EventDate: day(1), DataValues: []DataValue{{DataElementID: "DE_HB", Value: "10"}}}},
		Constants:   map[string]string{"factor": "1.5", "region": "north"},
	}

	effects, err := engine.EvaluateEvent(context.Background(), hbEvent("ev-1", "8"), ec)
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}

	want := []string{"3", "north", "2", "2024-03-01"}
	if len(effects) != len(want) {
		t.Fatalf("Expected %d effects, got %d: %v", len(want), len(effects), effects)
	}
	for i, w := range want {
		if effects[i].Data != w {
			t.Errorf("effect %d data = %q, want %q", i, effects[i].Data, w)
		}
	}
}

func TestEvaluateEnrollment(t *testing.T) {
	vars := []models.RuleVariable{models.NewAttributeVariable("age", "ATTR_AGE", models.ValueTypeNumeric)}
	engine := newTestEngine(t, vars, &Rule{
		ID:        "minor",
		Condition: `A{age} < 18`,
		Actions:   []models.RuleAction{mustAction(t)(models.NewWarningOnCompletion(ptr("Patient is a minor"), nil, nil))},
		Active:    true,
	})

	if _, err := engine.EvaluateEnrollment(context.Background(), EvaluationContext{}); err == nil {
		t.Error("EvaluateEnrollment() without enrollment should fail")
	}

	ec := EvaluationContext{Enrollment: &Enrollment{
		ID:         "enr-1",
		Attributes: []AttributeValue{{AttributeID: "ATTR_AGE", Value: "16"}},
	}}
	effects, err := engine.EvaluateEnrollment(context.Background(), ec)
	if err != nil {
		t.Fatalf("EvaluateEnrollment() failed: %v", err)
	}
	if len(effects) != 1 || effects[0].Action.Kind() != models.ActionWarningOnCompletion {
		t.Errorf("Expected one warningOnCompletion effect, got %v", effects)
	}
}

func TestEvaluateEvent_RuleSelection(t *testing.T) {
	engine := newTestEngine(t, nil,
		&Rule{ID: "a", Condition: `true`, Actions: []models.RuleAction{showWarning(t, "a", "")}, Active: true},
		&Rule{ID: "b", Condition: `true`, Actions: []models.RuleAction{showWarning(t, "b", "")}, Active: true},
	)

	effects, err := engine.EvaluateEvent(context.Background(), Event{ID: "ev-1"}, EvaluationContext{RuleIDs: []string{"b", "unknown"}})
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}
	if len(effects) != 1 {
		t.Fatalf("Expected 1 effect, got %d", len(effects))
	}
	if content := effects[0].Action.(models.MessageAction).Content(); content != "b" {
		t.Errorf("Effect content = %q, want b", content)
	}
}

func TestEvaluateEvent_ContextCanceled(t *testing.T) {
	engine := newTestEngine(t, nil,
		&Rule{ID: "a", Condition: `true`, Actions: []models.RuleAction{showWarning(t, "a", "")}, Active: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.EvaluateEvent(ctx, Event{ID: "ev-1"}, EvaluationContext{}); !errors.Is(err, context.Canceled) {
		t.Errorf("EvaluateEvent() error = %v, want context.Canceled", err)
	}
}

func TestEngineAddRule(t *testing.T) {
	engine := newTestEngine(t, hbVariables)

	rule := &Rule{ID: "low-hb", Condition: `#{hb} < 9`, Actions: []models.RuleAction{showWarning(t, "low", "")}, Active: true}
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if err := engine.AddRule(rule); !errors.Is(err, ErrRuleExists) {
		t.Errorf("AddRule() duplicate error = %v, want ErrRuleExists", err)
	}

	effects, err := engine.EvaluateEvent(context.Background(), hbEvent("ev-1", "7"), EvaluationContext{})
	if err != nil {
		t.Fatalf("EvaluateEvent() failed: %v", err)
	}
	if len(effects) != 1 {
		t.Errorf("Added rule should fire, got %d effects", len(effects))
	}
}

func TestEngineAddRuleValidation(t *testing.T) {
	engine := newTestEngine(t, nil)

	rule := &Rule{ID: "broken", Condition: `true`, Actions: []models.RuleAction{showWarning(t, "x", `#{hb} +`)}, Active: true}
	if err := engine.AddRule(rule); !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("AddRule() error = %v, want ErrInvalidExpression", err)
	}
	if _, err := engine.Rule("broken"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Rejected rule should not be stored, Rule() error = %v", err)
	}
}

func TestEngineUpdateAndDeleteRule(t *testing.T) {
	engine := newTestEngine(t, hbVariables, &Rule{
		ID: "hb", Condition: `#{hb} < 9`, Actions: []models.RuleAction{showWarning(t, "low", "")}, Active: true,
	})

	if err := engine.UpdateRule(&Rule{ID: "hb", Condition: `#{hb} < 7`, Actions: []models.RuleAction{showWarning(t, "low", "")}, Active: true}); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}

	effects, _ := engine.EvaluateEvent(context.Background(), hbEvent("ev-1", "8"), EvaluationContext{})
	if len(effects) != 0 {
		t.Errorf("Updated condition should not fire for 8, got %v", effects)
	}

	if err := engine.UpdateRule(&Rule{ID: "hb", Condition: `#{hb} <`}); !errors.Is(err, ErrInvalidExpression) {
		t.Errorf("UpdateRule() error = %v, want ErrInvalidExpression", err)
	}
	if err := engine.UpdateRule(&Rule{ID: "missing", Condition: `true`}); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("UpdateRule() missing error = %v, want ErrRuleNotFound", err)
	}

	if err := engine.DeleteRule("hb"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if err := engine.DeleteRule("hb"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("DeleteRule() twice error = %v, want ErrRuleNotFound", err)
	}
	if rules, _ := engine.Rules(); len(rules) != 0 {
		t.Errorf("Rules() after delete = %v, want none", rules)
	}
}

func TestEngineVariables(t *testing.T) {
	engine := newTestEngine(t, nil)

	if err := engine.AddVariable(models.NewCalculatedVariable("risk", models.ValueTypeNumeric)); err != nil {
		t.Fatalf("AddVariable() failed: %v", err)
	}
	vars, err := engine.Variables()
	if err != nil || len(vars) != 1 {
		t.Fatalf("Variables() = %v, %v; want one variable", vars, err)
	}

	if err := engine.DeleteVariable("risk"); err != nil {
		t.Fatalf("DeleteVariable() failed: %v", err)
	}
	if vars, _ := engine.Variables(); len(vars) != 0 {
		t.Errorf("Variables() after delete = %v, want none", vars)
	}
}

func TestEngineConcurrentEvaluate(t *testing.T) {
	engine := newTestEngine(t, hbVariables, &Rule{
		ID: "hb", Condition: `#{hb} < 9`, Actions: []models.RuleAction{showWarning(t, "low", `#{hb}`)}, Active: true,
	})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hb := fmt.Sprintf("%d", i%12)
			effects, err := engine.EvaluateEvent(context.Background(), hbEvent("ev", hb), EvaluationContext{})
			if err != nil {
				errs <- err
				return
			}
			fired := len(effects) == 1
			if fired != (i%12 < 9) {
				errs <- fmt.Errorf("hb %s: fired = %v", hb, fired)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
