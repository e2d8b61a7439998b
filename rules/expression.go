package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Activation variable names visible to compiled expressions
const (
	varValues        = "V" // variable name -> typed value
	varCandidates    = "K" // variable name -> candidate values
	varConstants     = "C" // constant id -> value
	varEnvironment   = "E" // environment variable -> value
	varSupplementary = "S" // supplementary data key -> values
)

var (
	// d2:count(#{x}), d2:count(A{x}), d2:count('x'), d2:count("x") and the
	// other functions that take a variable name instead of its value
	namedFunctionPattern = regexp.MustCompile(
		`d2:(count|countIfZeroPos|hasValue)\(\s*(?:[#A]\{([^}]*)\}|'([^']*)'|"([^"]*)")\s*\)`)
	countIfValuePattern = regexp.MustCompile(
		`d2:countIfValue\(\s*(?:[#A]\{([^}]*)\}|'([^']*)'|"([^"]*)")\s*,`)

	variablePattern    = regexp.MustCompile(`[#A]\{([^}]*)\}`)
	constantPattern    = regexp.MustCompile(`C\{([^}]*)\}`)
	environmentPattern = regexp.MustCompile(`V\{([^}]*)\}`)
)

// TranslateExpression rewrites a program rule expression into CEL.
//
//	#{name}, A{name}      -> V["name"]
//	C{id}                 -> C["id"]
//	V{name}               -> E["name"]
//	d2:count(#{name})     -> d2.count(K, "name")   (also countIfZeroPos, hasValue)
//	d2:zpvc(a, b)         -> d2.zpvc([a, b])
//	d2:fn(                -> d2.fn(
//	1                     -> 1.0
//
// Replacements are textual and also apply inside string literals, except
// for number literals. Numbers are doubles, so integer literals mix with
// variable values in arithmetic.
func TranslateExpression(expr string) (string, error) {
	out := namedFunctionPattern.ReplaceAllStringFunc(expr, func(m string) string {
		sub := namedFunctionPattern.FindStringSubmatch(m)
		return fmt.Sprintf("d2.%s(%s, %s)", sub[1], varCandidates, strconv.Quote(firstNonEmpty(sub[2:])))
	})

	out = countIfValuePattern.ReplaceAllStringFunc(out, func(m string) string {
		sub := countIfValuePattern.FindStringSubmatch(m)
		return fmt.Sprintf("d2.countIfValue(%s, %s,", varCandidates, strconv.Quote(firstNonEmpty(sub[1:])))
	})

	out = variablePattern.ReplaceAllStringFunc(out, func(m string) string {
		return index(varValues, variablePattern.FindStringSubmatch(m)[1])
	})
	out = constantPattern.ReplaceAllStringFunc(out, func(m string) string {
		return index(varConstants, constantPattern.FindStringSubmatch(m)[1])
	})
	out = environmentPattern.ReplaceAllStringFunc(out, func(m string) string {
		return index(varEnvironment, environmentPattern.FindStringSubmatch(m)[1])
	})

	out, err := wrapListArguments(out, "d2:zpvc(")
	if err != nil {
		return "", err
	}

	return doubleLiterals(strings.ReplaceAll(out, "d2:", "d2.")), nil
}

// doubleLiterals rewrites decimal integer literals outside string literals
// as doubles. Hex, unsigned and exponent forms are left alone.
func doubleLiterals(expr string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			b.WriteByte(c)
			if c == '\\' && i+1 < len(expr) {
				i++
				b.WriteByte(expr[i])
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case isDigit(c) && (i == 0 || !isIdentByte(expr[i-1]) && expr[i-1] != '.'):
			j := i
			for j < len(expr) && isDigit(expr[j]) {
				j++
			}
			b.WriteString(expr[i:j])
			if j == len(expr) || !isIdentByte(expr[j]) && expr[j] != '.' {
				b.WriteString(".0")
			}
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentByte(c byte) bool {
	return isDigit(c) || c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// wrapListArguments turns fn(a, b) into fn([a, b]) for every call of fn
func wrapListArguments(expr, call string) (string, error) {
	var b strings.Builder
	rest := expr
	for {
		i := strings.Index(rest, call)
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}

		start := i + len(call)
		end, err := closingParen(rest, start)
		if err != nil {
			return "", err
		}

		b.WriteString(rest[:start])
		b.WriteString("[")
		b.WriteString(rest[start:end])
		b.WriteString("])")
		rest = rest[end+1:]
	}
}

// closingParen returns the index of the ')' balancing an already opened '('
// whose contents begin at start. Quoted strings are skipped.
func closingParen(s string, start int) (int, error) {
	depth := 1
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced parentheses in expression %q", s)
}

// UnwrapVariableName strips the #{...} or A{...} wrapper from a variable reference
func UnwrapVariableName(s string) string {
	s = strings.TrimSpace(s)
	if m := variablePattern.FindStringSubmatch(s); m != nil && m[0] == s {
		return m[1]
	}
	return s
}

func index(mapName, key string) string {
	return mapName + "[" + strconv.Quote(key) + "]"
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
