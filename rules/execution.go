package rules

import (
	"context"
	"sort"
	"strconv"

	"github.com/liamcoop/trackerrules/internal/logger"
	"github.com/liamcoop/trackerrules/models"
)

// execution runs one evaluation. Assign actions mutate values, so an
// execution must not be shared.
type execution struct {
	engine        *Engine
	rules         []*Rule
	values        map[string]VariableValue
	constants     map[string]any
	environment   map[string]any
	supplementary map[string][]string
}

func (x *execution) run(ctx context.Context) ([]Effect, error) {
	ordered := make([]*Rule, len(x.rules))
	copy(ordered, x.rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityLess(ordered[i].Priority, ordered[j].Priority)
	})

	var effects []Effect
	for _, rule := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logger.Debug("Evaluating program rule", "rule", rule.Name, "id", rule.ID)

		if x.process(rule.Condition) != "true" {
			continue
		}

		for _, action := range rule.Actions {
			if assign, ok := action.(models.Assign); ok && assign.AssignsCalculatedValue() {
				x.assign(UnwrapVariableName(assign.Content()), x.process(assign.Data()))
				continue
			}
			effects = append(effects, x.effect(action))
		}
	}

	return effects, nil
}

func (x *execution) effect(action models.RuleAction) Effect {
	data := x.process(action.Data())
	if assign, ok := action.(models.Assign); ok {
		x.values[assign.Field()] = textValue(data)
	}
	return Effect{Action: action, Data: data}
}

// assign stores data in a variable, keeping the declared type of a known
// variable. Undeclared names hold text.
func (x *execution) assign(name, data string) {
	vt := models.ValueTypeText
	if current, ok := x.values[name]; ok {
		vt = current.Type
	}
	x.values[name] = VariableValue{Value: data, Type: vt, Candidates: []string{data}}
}

// process evaluates an expression to its text form. Failures are logged and
// produce "".
func (x *execution) process(expression string) string {
	if expression == "" {
		return ""
	}

	prog, err := x.engine.program(expression)
	if err != nil {
		logger.WarnExpression(expression, err)
		return ""
	}

	out, _, err := prog.Eval(x.activation())
	if err != nil {
		logger.WarnExpression(expression, err)
		return ""
	}
	return formatResult(out)
}

func (x *execution) activation() map[string]any {
	values := make(map[string]any, len(x.values))
	candidates := make(map[string][]string, len(x.values))
	for name, v := range x.values {
		values[name] = v.typed()
		candidates[name] = v.Candidates
	}

	supplementary := x.supplementary
	if supplementary == nil {
		supplementary = map[string][]string{}
	}

	return map[string]any{
		varValues:        values,
		varCandidates:    candidates,
		varConstants:     x.constants,
		varEnvironment:   x.environment,
		varSupplementary: supplementary,
	}
}

// priorityLess orders rules with a priority first, ascending
func priorityLess(a, b *int) bool {
	switch {
	case a != nil && b != nil:
		return *a < *b
	case a != nil:
		return true
	default:
		return false
	}
}

// constantValues exposes numeric constants as numbers and the rest as text
func constantValues(constants map[string]string) map[string]any {
	out := make(map[string]any, len(constants))
	for id, raw := range constants {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			out[id] = f
			continue
		}
		out[id] = raw
	}
	return out
}
