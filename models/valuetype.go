package models

import (
	"fmt"
	"strings"
)

// ValueType is the declared type of a rule variable or of the tracked
// entity attribute / data element it reads from
type ValueType string

const (
	ValueTypeText    ValueType = "TEXT"
	ValueTypeNumeric ValueType = "NUMERIC"
	ValueTypeBoolean ValueType = "BOOLEAN"
	ValueTypeDate    ValueType = "DATE"
)

// DefaultValue returns the value a variable of this type takes when its
// source has no value. DATE returns "" here; the engine substitutes the
// current date because it owns the clock.
func (t ValueType) DefaultValue() string {
	switch t {
	case ValueTypeNumeric:
		return "0"
	case ValueTypeBoolean:
		return "false"
	default:
		return ""
	}
}

// Valid reports whether t is one of the known value types
func (t ValueType) Valid() bool {
	switch t {
	case ValueTypeText, ValueTypeNumeric, ValueTypeBoolean, ValueTypeDate:
		return true
	}
	return false
}

// ParseValueType converts a case-insensitive type name to a ValueType
func ParseValueType(s string) (ValueType, error) {
	t := ValueType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown value type %q (must be one of: TEXT, NUMERIC, BOOLEAN, DATE)", s)
	}
	return t, nil
}
