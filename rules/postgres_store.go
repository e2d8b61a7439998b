package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/liamcoop/trackerrules/models"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Actions and
// variable definitions are stored as JSONB in their tagged form.
type PostgresRuleStore struct {
	db        *sql.DB
	programID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific program
func NewPostgresRuleStore(db *sql.DB, programID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:        db,
		programID: programID,
	}
}

const ruleColumns = `id, program_id, name, condition, priority, actions, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r           Rule
		priority    sql.NullInt64
		actionsJSON []byte
	)
	if err := row.Scan(&r.ID, &r.ProgramID, &r.Name, &r.Condition, &priority,
		&actionsJSON, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}

	if priority.Valid {
		p := int(priority.Int64)
		r.Priority = &p
	}

	var specs []models.ActionSpec
	if err := json.Unmarshal(actionsJSON, &specs); err != nil {
		return nil, fmt.Errorf("invalid actions for rule %s: %w", r.ID, err)
	}
	actions, err := models.BuildActions(specs)
	if err != nil {
		return nil, fmt.Errorf("invalid actions for rule %s: %w", r.ID, err)
	}
	r.Actions = actions

	return &r, nil
}

func nullablePriority(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(rule *Rule) error {
	actionsJSON, err := json.Marshal(models.ActionSpecsOf(rule.Actions))
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	now := time.Now()
	rule.ProgramID = s.programID
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rule.ID, s.programID, rule.Name, rule.Condition, nullablePriority(rule.Priority),
		actionsJSON, rule.Active, rule.CreatedAt, rule.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	rule, err := scanRule(s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND program_id = $2
	`, id, s.programID))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// List returns every rule of the program
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.queryRules(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE program_id = $1
		ORDER BY created_at ASC
	`)
}

// ListActive returns all active rules of the program
func (s *PostgresRuleStore) ListActive() ([]*Rule, error) {
	return s.queryRules(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE program_id = $1 AND active = true
		ORDER BY created_at ASC
	`)
}

func (s *PostgresRuleStore) queryRules(query string) ([]*Rule, error) {
	rows, err := s.db.Query(query, s.programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(rule *Rule) error {
	actionsJSON, err := json.Marshal(models.ActionSpecsOf(rule.Actions))
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	rule.ProgramID = s.programID
	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, condition = $2, priority = $3, actions = $4, active = $5, updated_at = $6
		WHERE id = $7 AND program_id = $8
	`, rule.Name, rule.Condition, nullablePriority(rule.Priority), actionsJSON,
		rule.Active, rule.UpdatedAt, rule.ID, s.programID)

	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return expectOneRow(result, fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound))
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND program_id = $2
	`, id, s.programID)

	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	return expectOneRow(result, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound))
}

// AddVariable inserts a rule variable
func (s *PostgresRuleStore) AddVariable(v models.RuleVariable) error {
	definition, err := json.Marshal(models.VariableSpecOf(v))
	if err != nil {
		return fmt.Errorf("failed to marshal variable: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO rule_variables (program_id, name, definition, created_at)
		VALUES ($1, $2, $3, NOW())
	`, s.programID, v.Name(), definition)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("variable %q: %w", v.Name(), ErrVariableExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert variable: %w", err)
	}

	return nil
}

// ListVariables returns every rule variable of the program
func (s *PostgresRuleStore) ListVariables() ([]models.RuleVariable, error) {
	rows, err := s.db.Query(`
		SELECT definition
		FROM rule_variables
		WHERE program_id = $1
		ORDER BY created_at ASC, name ASC
	`, s.programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	var vars []models.RuleVariable
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}

		var spec models.VariableSpec
		if err := json.Unmarshal(definition, &spec); err != nil {
			return nil, fmt.Errorf("invalid variable definition: %w", err)
		}
		v, err := spec.Build()
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variables: %w", err)
	}

	return vars, nil
}

// DeleteVariable removes a rule variable by name
func (s *PostgresRuleStore) DeleteVariable(name string) error {
	result, err := s.db.Exec(`
		DELETE FROM rule_variables
		WHERE program_id = $1 AND name = $2
	`, s.programID, name)

	if err != nil {
		return fmt.Errorf("failed to delete variable: %w", err)
	}

	return expectOneRow(result, fmt.Errorf("variable %q: %w", name, ErrVariableNotFound))
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}
