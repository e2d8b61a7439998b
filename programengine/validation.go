package programengine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/liamcoop/trackerrules/models"
	"github.com/liamcoop/trackerrules/rules"
)

const (
	maxNameLength       = 230
	maxExpressionLength = 10000
	maxVariables        = 500
)

var variableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_ .\-]*$`)

// ErrInvalid marks programs, variables and rules rejected by validation
var ErrInvalid = errors.New("validation failed")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ValidateProgramName checks a program name before it is stored
func ValidateProgramName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalidf("program name cannot be empty")
	}
	if strings.TrimSpace(name) != name {
		return invalidf("program name has leading/trailing whitespace: %q", name)
	}
	if len(name) > maxNameLength {
		return invalidf("program name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	return nil
}

// validateVariableName checks that a name can be referenced as #{name}
func validateVariableName(name string) error {
	if len(name) == 0 {
		return invalidf("variable name cannot be empty")
	}
	if len(name) > maxNameLength {
		return invalidf("variable name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	if strings.TrimSpace(name) != name {
		return invalidf("variable name has leading/trailing whitespace: %q", name)
	}
	if !variableNamePattern.MatchString(name) {
		return invalidf("variable name %q must start with a letter or underscore, followed by letters, digits, spaces, '.', '-' or '_'", name)
	}
	return nil
}

// ValidateVariable checks a rule variable before it is added to a program
func ValidateVariable(v models.RuleVariable) error {
	if err := validateVariableName(v.Name()); err != nil {
		return err
	}
	if !v.ValueType().Valid() {
		return invalidf("variable %q has invalid value type %q", v.Name(), v.ValueType())
	}

	switch v := v.(type) {
	case models.AttributeVariable:
		if v.AttributeID() == "" {
			return invalidf("attribute variable %q has no attribute", v.Name())
		}
	case models.CurrentEventVariable:
		if v.DataElementID() == "" {
			return invalidf("variable %q has no data element", v.Name())
		}
	case models.NewestEventVariable:
		if v.DataElementID() == "" {
			return invalidf("variable %q has no data element", v.Name())
		}
	case models.CalculatedVariable:
	default:
		return invalidf("unsupported rule variable %T", v)
	}
	return nil
}

// ValidateVariables validates every variable and rejects duplicate names
func ValidateVariables(vars []models.RuleVariable) error {
	if len(vars) > maxVariables {
		return invalidf("program has %d variables, maximum allowed is %d", len(vars), maxVariables)
	}

	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		if err := ValidateVariable(v); err != nil {
			return err
		}
		if seen[v.Name()] {
			return invalidf("duplicate variable name %q", v.Name())
		}
		seen[v.Name()] = true
	}
	return nil
}

// ValidateRule checks the shape of a rule. Expressions are validated by
// compiling them in the engine.
func ValidateRule(r *rules.Rule) error {
	if r.ID == "" {
		return invalidf("rule ID cannot be empty")
	}
	if strings.TrimSpace(r.Name) == "" {
		return invalidf("rule %s: name cannot be empty", r.ID)
	}
	if len(r.Name) > maxNameLength {
		return invalidf("rule %s: name length %d exceeds maximum of %d characters", r.ID, len(r.Name), maxNameLength)
	}
	if r.Priority != nil && *r.Priority < 0 {
		return invalidf("rule %s: priority cannot be negative", r.ID)
	}
	if len(r.Actions) == 0 {
		return invalidf("rule %s: at least one action is required", r.ID)
	}
	for _, expr := range r.Expressions() {
		if len(expr) > maxExpressionLength {
			return invalidf("rule %s: expression length %d exceeds maximum of %d characters", r.ID, len(expr), maxExpressionLength)
		}
	}
	return nil
}
