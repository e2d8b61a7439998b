// Package models holds the leaf value types of a program rule definition:
// the actions a rule can fire and the variables its expressions read.
// Every type here is immutable once constructed and safe to share.
package models

import "fmt"

// ActionKind identifies a rule action variant
type ActionKind string

const (
	ActionWarningOnCompletion ActionKind = "warningOnCompletion"
	ActionErrorOnCompletion   ActionKind = "errorOnCompletion"
	ActionShowWarning         ActionKind = "showWarning"
	ActionShowError           ActionKind = "showError"
	ActionAssign              ActionKind = "assign"
)

// InvalidActionError is returned when a rule action cannot be constructed
// from the given inputs
type InvalidActionError struct {
	Action ActionKind
	Reason string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid %s action: %s", e.Action, e.Reason)
}

// RuleAction is a directive fired by a rule whose condition evaluates to true.
// The set of implementations is closed to this package.
type RuleAction interface {
	Kind() ActionKind
	// Data is the expression whose evaluated result travels with the effect
	Data() string
	isRuleAction()
}

// MessageAction is implemented by actions that show a message to the user
type MessageAction interface {
	RuleAction
	Content() string
	Field() string
}

// message is the shared shape of all message actions
type message struct {
	content string
	data    string
	field   string
}

func newMessage(kind ActionKind, content, data, field *string) (message, error) {
	if content == nil && data == nil && field == nil {
		return message{}, &InvalidActionError{
			Action: kind,
			Reason: "content, data and field must not be absent at the same time",
		}
	}
	return message{
		content: valueOrEmpty(content),
		data:    valueOrEmpty(data),
		field:   valueOrEmpty(field),
	}, nil
}

func (m message) Content() string { return m.content }
func (m message) Data() string    { return m.data }
func (m message) Field() string   { return m.field }

// WarningOnCompletion warns the user when the data entry form is completed
type WarningOnCompletion struct{ message }

// NewWarningOnCompletion builds a WarningOnCompletion action. A nil argument
// means the value is absent; absent values become empty strings, but at
// least one of content, data and field must be present.
func NewWarningOnCompletion(content, data, field *string) (WarningOnCompletion, error) {
	m, err := newMessage(ActionWarningOnCompletion, content, data, field)
	if err != nil {
		return WarningOnCompletion{}, err
	}
	return WarningOnCompletion{m}, nil
}

func (WarningOnCompletion) Kind() ActionKind { return ActionWarningOnCompletion }
func (WarningOnCompletion) isRuleAction()    {}

// ErrorOnCompletion blocks completion of the data entry form
type ErrorOnCompletion struct{ message }

// NewErrorOnCompletion follows the same construction rule as NewWarningOnCompletion
func NewErrorOnCompletion(content, data, field *string) (ErrorOnCompletion, error) {
	m, err := newMessage(ActionErrorOnCompletion, content, data, field)
	if err != nil {
		return ErrorOnCompletion{}, err
	}
	return ErrorOnCompletion{m}, nil
}

func (ErrorOnCompletion) Kind() ActionKind { return ActionErrorOnCompletion }
func (ErrorOnCompletion) isRuleAction()    {}

// ShowWarning shows a warning next to a field while data is entered
type ShowWarning struct{ message }

// NewShowWarning follows the same construction rule as NewWarningOnCompletion
func NewShowWarning(content, data, field *string) (ShowWarning, error) {
	m, err := newMessage(ActionShowWarning, content, data, field)
	if err != nil {
		return ShowWarning{}, err
	}
	return ShowWarning{m}, nil
}

func (ShowWarning) Kind() ActionKind { return ActionShowWarning }
func (ShowWarning) isRuleAction()    {}

// ShowError shows a blocking error next to a field while data is entered
type ShowError struct{ message }

// NewShowError follows the same construction rule as NewWarningOnCompletion
func NewShowError(content, data, field *string) (ShowError, error) {
	m, err := newMessage(ActionShowError, content, data, field)
	if err != nil {
		return ShowError{}, err
	}
	return ShowError{m}, nil
}

func (ShowError) Kind() ActionKind { return ActionShowError }
func (ShowError) isRuleAction()    {}

// Assign writes the evaluated data either into a field of the target (Field
// set) or into a calculated variable named by Content (Field empty).
type Assign struct {
	content string
	data    string
	field   string
}

// NewAssign builds an Assign action. Data is required, and at least one of
// content and field must be present.
func NewAssign(content, data, field *string) (Assign, error) {
	if data == nil {
		return Assign{}, &InvalidActionError{Action: ActionAssign, Reason: "data must not be absent"}
	}
	if content == nil && field == nil {
		return Assign{}, &InvalidActionError{
			Action: ActionAssign,
			Reason: "content and field must not be absent at the same time",
		}
	}
	return Assign{
		content: valueOrEmpty(content),
		data:    *data,
		field:   valueOrEmpty(field),
	}, nil
}

func (a Assign) Content() string { return a.content }
func (a Assign) Data() string    { return a.data }
func (a Assign) Field() string   { return a.field }
func (Assign) Kind() ActionKind  { return ActionAssign }
func (Assign) isRuleAction()     {}

// AssignsCalculatedValue reports whether the action targets a calculated
// variable instead of a form field
func (a Assign) AssignsCalculatedValue() bool {
	return a.field == ""
}

func valueOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
