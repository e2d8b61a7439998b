package rules

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/liamcoop/trackerrules/models"
)

const dateLayout = "2006-01-02"

// VariableValue is the resolved value of a rule variable for one evaluation
type VariableValue struct {
	Value string
	Type  models.ValueType
	// Candidates holds every value the source recorded, newest first
	Candidates []string
}

// HasValue reports whether the variable's source had any value
func (v VariableValue) HasValue() bool {
	return len(v.Candidates) > 0
}

// typed converts the textual value to the Go type CEL sees for it.
// Values that do not parse as their declared type stay text.
func (v VariableValue) typed() any {
	switch v.Type {
	case models.ValueTypeNumeric:
		if f, err := strconv.ParseFloat(v.Value, 64); err == nil {
			return f
		}
	case models.ValueTypeBoolean:
		if b, err := strconv.ParseBool(v.Value); err == nil {
			return b
		}
	}
	return v.Value
}

func textValue(s string) VariableValue {
	return VariableValue{Value: s, Type: models.ValueTypeText, Candidates: []string{s}}
}

// valueMapBuilder resolves every program variable against the evaluation inputs
type valueMapBuilder struct {
	variables []models.RuleVariable
	target    *Event
	ec        EvaluationContext
	now       time.Time
}

func (b *valueMapBuilder) defaultValue(vt models.ValueType) VariableValue {
	if vt == models.ValueTypeDate {
		return VariableValue{Value: b.now.Format(dateLayout), Type: vt}
	}
	return VariableValue{Value: vt.DefaultValue(), Type: vt}
}

func (b *valueMapBuilder) fromSource(vt models.ValueType, value string, found bool) VariableValue {
	if !found || value == "" {
		return b.defaultValue(vt)
	}
	return VariableValue{Value: value, Type: vt, Candidates: []string{value}}
}

// allEvents returns the context events plus the target, newest first
func (b *valueMapBuilder) allEvents() []Event {
	events := make([]Event, 0, len(b.ec.Events)+1)
	seenTarget := false
	for _, e := range b.ec.Events {
		if b.target != nil && e.ID == b.target.ID {
			// the target version wins over a stale copy in the context
			events = append(events, *b.target)
			seenTarget = true
			continue
		}
		events = append(events, e)
	}
	if b.target != nil && !seenTarget {
		events = append(events, *b.target)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].EventDate.After(events[j].EventDate)
	})
	return events
}

func (b *valueMapBuilder) build() (map[string]VariableValue, error) {
	values := make(map[string]VariableValue, len(b.variables))
	events := b.allEvents()

	for _, variable := range b.variables {
		switch v := variable.(type) {
		case models.AttributeVariable:
			var (
				value string
				found bool
			)
			if b.ec.Enrollment != nil {
				value, found = b.ec.Enrollment.Attribute(v.AttributeID())
			}
			values[v.Name()] = b.fromSource(v.AttributeType(), value, found)

		case models.CurrentEventVariable:
			var (
				value string
				found bool
			)
			if b.target != nil {
				value, found = b.target.Value(v.DataElementID())
			}
			values[v.Name()] = b.fromSource(v.ValueType(), value, found)

		case models.NewestEventVariable:
			var candidates []string
			for i := range events {
				if value, ok := events[i].Value(v.DataElementID()); ok && value != "" {
					candidates = append(candidates, value)
				}
			}
			if len(candidates) == 0 {
				values[v.Name()] = b.defaultValue(v.ValueType())
				continue
			}
			values[v.Name()] = VariableValue{Value: candidates[0], Type: v.ValueType(), Candidates: candidates}

		case models.CalculatedVariable:
			values[v.Name()] = b.defaultValue(v.ValueType())

		default:
			return nil, fmt.Errorf("unsupported rule variable %T", variable)
		}
	}

	return values, nil
}

// environment returns the V{...} values exposed to expressions
func (b *valueMapBuilder) environment() map[string]any {
	env := b.ec.Environment
	if env == "" {
		env = EnvironmentServer
	}

	vars := map[string]any{
		"current_date": b.now.Format(dateLayout),
		"environment":  string(env),
		"event_count":  float64(len(b.allEvents())),
	}

	if e := b.ec.Enrollment; e != nil {
		vars["enrollment_id"] = e.ID
		vars["enrollment_status"] = e.Status
		vars["enrollment_date"] = formatDate(e.EnrollmentDate)
		vars["incident_date"] = formatDate(e.IncidentDate)
		vars["org_unit"] = e.OrganisationUnit
	}

	if t := b.target; t != nil {
		vars["event_id"] = t.ID
		vars["event_status"] = t.Status
		vars["event_date"] = formatDate(t.EventDate)
		vars["due_date"] = formatDate(t.DueDate)
		vars["program_stage_id"] = t.ProgramStageID
	}

	return vars
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
