package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/liamcoop/trackerrules/models"
)

// Rule is a program rule: when Condition evaluates to true, every action
// fires in order
type Rule struct {
	ID        string
	ProgramID string
	Name      string
	Condition string
	// Priority orders evaluation ascending; rules without one run last
	Priority  *int
	Actions   []models.RuleAction
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expressions returns every expression the rule needs compiled: the
// condition followed by the data of each action
func (r *Rule) Expressions() []string {
	exprs := make([]string, 0, len(r.Actions)+1)
	exprs = append(exprs, r.Condition)
	for _, a := range r.Actions {
		exprs = append(exprs, a.Data())
	}
	return exprs
}

// Effect is an action fired by a rule together with its evaluated data
type Effect struct {
	Action models.RuleAction
	Data   string
}

type effectJSON struct {
	Action models.ActionSpec `json:"action"`
	Data   string            `json:"data"`
}

// MarshalJSON encodes the action in its tagged form
func (e Effect) MarshalJSON() ([]byte, error) {
	return json.Marshal(effectJSON{Action: models.ActionSpecOf(e.Action), Data: e.Data})
}

// UnmarshalJSON decodes and validates the tagged action
func (e *Effect) UnmarshalJSON(b []byte) error {
	var raw effectJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	action, err := raw.Action.Build()
	if err != nil {
		return fmt.Errorf("invalid effect action: %w", err)
	}
	e.Action = action
	e.Data = raw.Data
	return nil
}

// TriggerEnvironment names the client the rules run for
type TriggerEnvironment string

const (
	EnvironmentServer        TriggerEnvironment = "Server"
	EnvironmentAndroidClient TriggerEnvironment = "AndroidClient"
	EnvironmentWebClient     TriggerEnvironment = "WebClient"
)

// DataValue is a single data element value captured on an event
type DataValue struct {
	DataElementID string `json:"dataElement"`
	Value         string `json:"value"`
}

// Event is a program stage event
type Event struct {
	ID             string      `json:"event"`
	ProgramStageID string      `json:"programStage"`
	Status         string      `json:"status"`
	EventDate      time.Time   `json:"eventDate"`
	DueDate        time.Time   `json:"dueDate"`
	DataValues     []DataValue `json:"dataValues"`
}

// Value returns the event's value for a data element
func (e *Event) Value(dataElementID string) (string, bool) {
	for _, dv := range e.DataValues {
		if dv.DataElementID == dataElementID {
			return dv.Value, true
		}
	}
	return "", false
}

// AttributeValue is a tracked entity attribute value
type AttributeValue struct {
	AttributeID string `json:"attribute"`
	Value       string `json:"value"`
}

// Enrollment is a tracked entity's enrollment into a program
type Enrollment struct {
	ID               string           `json:"enrollment"`
	EnrollmentDate   time.Time        `json:"enrollmentDate"`
	IncidentDate     time.Time        `json:"incidentDate"`
	Status           string           `json:"status"`
	OrganisationUnit string           `json:"orgUnit"`
	Attributes       []AttributeValue `json:"attributes"`
}

// Attribute returns the enrollment's value for a tracked entity attribute
func (e *Enrollment) Attribute(attributeID string) (string, bool) {
	for _, av := range e.Attributes {
		if av.AttributeID == attributeID {
			return av.Value, true
		}
	}
	return "", false
}

// EvaluationContext is everything an evaluation reads besides the rules
// and variables of the program
type EvaluationContext struct {
	Events            []Event             `json:"events"`
	Enrollment        *Enrollment         `json:"enrollment,omitempty"`
	Environment       TriggerEnvironment  `json:"environment,omitempty"`
	Constants         map[string]string   `json:"constants,omitempty"`
	SupplementaryData map[string][]string `json:"supplementaryData,omitempty"`
	// RuleIDs restricts evaluation to these rules when non-empty
	RuleIDs []string `json:"rules,omitempty"`
}
