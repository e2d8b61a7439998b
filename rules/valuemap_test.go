package rules

import (
	"reflect"
	"testing"
	"time"

	"github.com/liamcoop/trackerrules/models"
)

var testNow = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2024, 2, d, 0, 0, 0, 0, time.UTC)
}

func TestValueMapBuilder_Defaults(t *testing.T) {
	b := &valueMapBuilder{
		variables: []models.RuleVariable{
			models.NewAttributeVariable("age", "ATTR_AGE", models.ValueTypeNumeric),
			models.NewCurrentEventVariable("pregnant", "DE_PREG", models.ValueTypeBoolean),
			models.NewNewestEventVariable("notes", "DE_NOTES", models.ValueTypeText),
			models.NewCalculatedVariable("next_visit", models.ValueTypeDate),
		},
		now: testNow,
	}

	values, err := b.build()
	if err != nil {
		t.Fatalf("build() failed: %v", err)
	}

	want := map[string]string{
		"age":        "0",
		"pregnant":   "false",
		"notes":      "",
		"next_visit": "2024-03-01",
	}
	for name, value := range want {
		got, ok := values[name]
		if !ok {
			t.Errorf("Missing value for %s", name)
			continue
		}
		if got.Value != value {
			t.Errorf("%s = %q, want %q", name, got.Value, value)
		}
		if got.HasValue() {
			t.Errorf("%s should have no recorded value", name)
		}
	}
}

func TestValueMapBuilder_Sources(t *testing.T) {
	target := Event{
		ID:        "ev-3",
		EventDate: day(20),
		DataValues: []DataValue{
			{DataElementID: "DE_HB", Value: "11.2"},
			{DataElementID: "DE_PREG", Value: "true"},
		},
	}

	b := &valueMapBuilder{
		variables: []models.RuleVariable{
			models.NewAttributeVariable("age", "ATTR_AGE", models.ValueTypeNumeric),
			models.NewCurrentEventVariable("pregnant", "DE_PREG", models.ValueTypeBoolean),
			models.NewNewestEventVariable("hb", "DE_HB", models.ValueTypeNumeric),
		},
		target: &target,
		ec: EvaluationContext{
			Enrollment: &Enrollment{
				ID:         "enr-1",
				Attributes: []AttributeValue{{AttributeID: "ATTR_AGE", Value: "31"}},
			},
			Events: []Event{
				{ID: "ev-1", EventDate: day(1), DataValues: []DataValue{{DataElementID: "DE_HB", Value: "9.5"}}},
				{ID: "ev-2", EventDate: day(10), DataValues: []DataValue{{DataElementID: "DE_HB", Value: "10.1"}}},
				// stale copy of the target
				{ID: "ev-3", EventDate: day(20), DataValues: []DataValue{{DataElementID: "DE_HB", Value: "1.0"}}},
			},
		},
		now: testNow,
	}

	values, err := b.build()
	if err != nil {
		t.Fatalf("build() failed: %v", err)
	}

	if got := values["age"].typed(); got != 31.0 {
		t.Errorf("age = %v, want 31", got)
	}
	if got := values["pregnant"].typed(); got != true {
		t.Errorf("pregnant = %v, want true", got)
	}

	hb := values["hb"]
	if hb.Value != "11.2" {
		t.Errorf("hb = %q, want newest value 11.2", hb.Value)
	}
	if want := []string{"11.2", "10.1", "9.5"}; !reflect.DeepEqual(hb.Candidates, want) {
		t.Errorf("hb candidates = %v, want %v", hb.Candidates, want)
	}
}

func TestVariableValue_TypedFallsBackToText(t *testing.T) {
	v := VariableValue{Value: "not a number", Type: models.ValueTypeNumeric}
	if got := v.typed(); got != "not a number" {
		t.Errorf("typed() = %v, want the raw text", got)
	}
}

func TestValueMapBuilder_Environment(t *testing.T) {
	target := Event{ID: "ev-2", Status: "ACTIVE", ProgramStageID: "STAGE_ANC", EventDate: day(14)}
	b := &valueMapBuilder{
		target: &target,
		ec: EvaluationContext{
			Enrollment: &Enrollment{
				ID:               "enr-1",
				Status:           "ACTIVE",
				EnrollmentDate:   day(1),
				OrganisationUnit: "OU_CLINIC",
			},
			Events: []Event{{ID: "ev-1", EventDate: day(2)}},
		},
		now: testNow,
	}

	env := b.environment()

	want := map[string]any{
		"current_date":     "2024-03-01",
		"environment":      "Server",
		"event_count":      2.0,
		"enrollment_id":    "enr-1",
		"enrollment_date":  "2024-02-01",
		"incident_date":    "",
		"org_unit":         "OU_CLINIC",
		"event_id":         "ev-2",
		"event_status":     "ACTIVE",
		"event_date":       "2024-02-14",
		"program_stage_id": "STAGE_ANC",
	}
	for key, value := range want {
		if env[key] != value {
			t.Errorf("environment[%s] = %v, want %v", key, env[key], value)
		}
	}
}
