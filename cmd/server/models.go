package main

import (
	"time"

	"github.com/liamcoop/trackerrules/models"
	"github.com/liamcoop/trackerrules/programengine"
	"github.com/liamcoop/trackerrules/rules"
)

// CreateProgramRequest is the body for creating a program
type CreateProgramRequest struct {
	Name string `json:"name"`
}

// ProgramResponse represents a program in API responses
type ProgramResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Rules     int    `json:"rules"`
	Variables int    `json:"variables"`
}

// ProgramsListResponse is the response for listing programs
type ProgramsListResponse struct {
	Programs []ProgramResponse `json:"programs"`
}

// RuleRequest is the body for creating or replacing a rule. Active
// defaults to true.
type RuleRequest struct {
	ID        string              `json:"id,omitempty"`
	Name      string              `json:"name"`
	Condition string              `json:"condition"`
	Priority  *int                `json:"priority,omitempty"`
	Active    *bool               `json:"active,omitempty"`
	Actions   []models.ActionSpec `json:"actions"`
}

func (req RuleRequest) toRule(id string) (*rules.Rule, error) {
	actions, err := models.BuildActions(req.Actions)
	if err != nil {
		return nil, err
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &rules.Rule{
		ID:        id,
		Name:      req.Name,
		Condition: req.Condition,
		Priority:  req.Priority,
		Actions:   actions,
		Active:    active,
	}, nil
}

// RuleResponse represents a rule in API responses
type RuleResponse struct {
	ID        string              `json:"id"`
	ProgramID string              `json:"programId,omitempty"`
	Name      string              `json:"name"`
	Condition string              `json:"condition"`
	Priority  *int                `json:"priority,omitempty"`
	Actions   []models.ActionSpec `json:"actions"`
	Active    bool                `json:"active"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func ruleResponse(r *rules.Rule) RuleResponse {
	return RuleResponse{
		ID:        r.ID,
		ProgramID: r.ProgramID,
		Name:      r.Name,
		Condition: r.Condition,
		Priority:  r.Priority,
		Actions:   models.ActionSpecsOf(r.Actions),
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// RulesListResponse is the response for listing rules
type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
}

// VariablesListResponse is the response for listing rule variables
type VariablesListResponse struct {
	Variables []models.VariableSpec `json:"variables"`
}

// EvaluateRequest is the body for evaluating a program's rules. Without an
// event the enrollment in the context is evaluated.
type EvaluateRequest struct {
	ProgramID string                  `json:"programId"`
	Event     *rules.Event            `json:"event,omitempty"`
	Context   rules.EvaluationContext `json:"context"`
}

// EvaluateResponse is the response for rule evaluation
type EvaluateResponse struct {
	Effects        []rules.Effect `json:"effects"`
	EvaluationTime string         `json:"evaluationTime"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status             string `json:"status"`
	Error              string `json:"error,omitempty"`
	ProgramsLoaded     int    `json:"programsLoaded"`
	Evaluations        int64  `json:"evaluations"`
	ExpressionFailures int64  `json:"expressionFailures"`
}

func programResponse(pe *programengine.ProgramEngine) ProgramResponse {
	resp := ProgramResponse{ID: pe.ProgramID, Name: pe.Name}
	if all, err := pe.Engine.Rules(); err == nil {
		resp.Rules = len(all)
	}
	if vars, err := pe.Engine.Variables(); err == nil {
		resp.Variables = len(vars)
	}
	return resp
}
