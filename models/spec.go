package models

import "fmt"

// ActionSpec is the serialized form of a RuleAction. Pointer fields keep the
// difference between an absent value and an empty one.
type ActionSpec struct {
	Type    ActionKind `json:"type" yaml:"type"`
	Content *string    `json:"content,omitempty" yaml:"content,omitempty"`
	Data    *string    `json:"data,omitempty" yaml:"data,omitempty"`
	Field   *string    `json:"field,omitempty" yaml:"field,omitempty"`
}

// Build validates the spec and constructs the action it describes
func (s ActionSpec) Build() (RuleAction, error) {
	var (
		a   RuleAction
		err error
	)
	switch s.Type {
	case ActionWarningOnCompletion:
		a, err = NewWarningOnCompletion(s.Content, s.Data, s.Field)
	case ActionErrorOnCompletion:
		a, err = NewErrorOnCompletion(s.Content, s.Data, s.Field)
	case ActionShowWarning:
		a, err = NewShowWarning(s.Content, s.Data, s.Field)
	case ActionShowError:
		a, err = NewShowError(s.Content, s.Data, s.Field)
	case ActionAssign:
		a, err = NewAssign(s.Content, s.Data, s.Field)
	default:
		return nil, fmt.Errorf("unknown action type %q", s.Type)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ActionSpecOf converts an action back to its serialized form
func ActionSpecOf(a RuleAction) ActionSpec {
	spec := ActionSpec{Type: a.Kind()}
	spec.Data = stringPtr(a.Data())
	// Assign carries the same content/field pair as the message actions
	if act, ok := a.(MessageAction); ok {
		spec.Content = stringPtr(act.Content())
		spec.Field = stringPtr(act.Field())
	}
	return spec
}

// BuildActions builds every spec, stopping at the first invalid one
func BuildActions(specs []ActionSpec) ([]RuleAction, error) {
	actions := make([]RuleAction, 0, len(specs))
	for i, s := range specs {
		a, err := s.Build()
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// ActionSpecsOf converts a list of actions to their serialized form
func ActionSpecsOf(actions []RuleAction) []ActionSpec {
	specs := make([]ActionSpec, 0, len(actions))
	for _, a := range actions {
		specs = append(specs, ActionSpecOf(a))
	}
	return specs
}

// VariableSpec is the serialized form of a RuleVariable
type VariableSpec struct {
	Type        VariableKind `json:"type" yaml:"type"`
	Name        string       `json:"name" yaml:"name"`
	AttributeID string       `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	DataElement string       `json:"dataElement,omitempty" yaml:"dataElement,omitempty"`
	ValueType   string       `json:"valueType" yaml:"valueType"`
}

// Build constructs the variable the spec describes
func (s VariableSpec) Build() (RuleVariable, error) {
	vt, err := ParseValueType(s.ValueType)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", s.Name, err)
	}

	switch s.Type {
	case VariableAttribute:
		return NewAttributeVariable(s.Name, s.AttributeID, vt), nil
	case VariableCurrentEvent:
		return NewCurrentEventVariable(s.Name, s.DataElement, vt), nil
	case VariableNewestEvent:
		return NewNewestEventVariable(s.Name, s.DataElement, vt), nil
	case VariableCalculated:
		return NewCalculatedVariable(s.Name, vt), nil
	default:
		return nil, fmt.Errorf("variable %q: unknown variable type %q", s.Name, s.Type)
	}
}

// VariableSpecOf converts a variable back to its serialized form
func VariableSpecOf(v RuleVariable) VariableSpec {
	spec := VariableSpec{
		Type:      v.Kind(),
		Name:      v.Name(),
		ValueType: string(v.ValueType()),
	}
	switch vv := v.(type) {
	case AttributeVariable:
		spec.AttributeID = vv.AttributeID()
	case CurrentEventVariable:
		spec.DataElement = vv.DataElementID()
	case NewestEventVariable:
		spec.DataElement = vv.DataElementID()
	}
	return spec
}

func stringPtr(s string) *string {
	return &s
}
