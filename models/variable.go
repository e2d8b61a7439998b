package models

// VariableKind identifies a rule variable variant
type VariableKind string

const (
	VariableAttribute    VariableKind = "attribute"
	VariableCurrentEvent VariableKind = "currentEvent"
	VariableNewestEvent  VariableKind = "newestEvent"
	VariableCalculated   VariableKind = "calculated"
)

// RuleVariable is a named value available to rule expressions. The set of
// implementations is closed to this package so evaluation can switch over
// every kind.
type RuleVariable interface {
	Name() string
	Kind() VariableKind
	ValueType() ValueType
	isRuleVariable()
}

// AttributeVariable binds a rule variable to a tracked entity attribute
type AttributeVariable struct {
	name          string
	attributeID   string
	attributeType ValueType
}

// NewAttributeVariable binds name to the tracked entity attribute attributeID.
// The inputs are stored as given.
func NewAttributeVariable(name, attributeID string, attributeType ValueType) AttributeVariable {
	return AttributeVariable{
		name:          name,
		attributeID:   attributeID,
		attributeType: attributeType,
	}
}

func (v AttributeVariable) Name() string             { return v.name }
func (v AttributeVariable) AttributeID() string      { return v.attributeID }
func (v AttributeVariable) AttributeType() ValueType { return v.attributeType }
func (v AttributeVariable) ValueType() ValueType     { return v.attributeType }
func (AttributeVariable) Kind() VariableKind         { return VariableAttribute }
func (AttributeVariable) isRuleVariable()            {}

// CurrentEventVariable reads a data element from the event being evaluated
type CurrentEventVariable struct {
	name          string
	dataElementID string
	valueType     ValueType
}

func NewCurrentEventVariable(name, dataElementID string, valueType ValueType) CurrentEventVariable {
	return CurrentEventVariable{name: name, dataElementID: dataElementID, valueType: valueType}
}

func (v CurrentEventVariable) Name() string          { return v.name }
func (v CurrentEventVariable) DataElementID() string { return v.dataElementID }
func (v CurrentEventVariable) ValueType() ValueType  { return v.valueType }
func (CurrentEventVariable) Kind() VariableKind      { return VariableCurrentEvent }
func (CurrentEventVariable) isRuleVariable()         {}

// NewestEventVariable reads a data element from the most recent event that
// has a value for it. Every recorded value is a candidate.
type NewestEventVariable struct {
	name          string
	dataElementID string
	valueType     ValueType
}

func NewNewestEventVariable(name, dataElementID string, valueType ValueType) NewestEventVariable {
	return NewestEventVariable{name: name, dataElementID: dataElementID, valueType: valueType}
}

func (v NewestEventVariable) Name() string          { return v.name }
func (v NewestEventVariable) DataElementID() string { return v.dataElementID }
func (v NewestEventVariable) ValueType() ValueType  { return v.valueType }
func (NewestEventVariable) Kind() VariableKind      { return VariableNewestEvent }
func (NewestEventVariable) isRuleVariable()         {}

// CalculatedVariable has no source; it holds whatever assign actions write
type CalculatedVariable struct {
	name      string
	valueType ValueType
}

func NewCalculatedVariable(name string, valueType ValueType) CalculatedVariable {
	return CalculatedVariable{name: name, valueType: valueType}
}

func (v CalculatedVariable) Name() string         { return v.name }
func (v CalculatedVariable) ValueType() ValueType { return v.valueType }
func (CalculatedVariable) Kind() VariableKind     { return VariableCalculated }
func (CalculatedVariable) isRuleVariable()        {}
