package dsl

import (
	"strconv"
	"strings"

	"github.com/axion-labs/plancore/pkg/fault"
)

// The when grammar is total on purpose:
//
//	expr := term [ op term ]
//	op   := == | != | > | >= | < | <=
//	term := integer | 'string' | "string" | substituted reference
//
// No function calls, no boolean connectives, no arbitrary code. References
// are substituted by Render before comparison; comparison is numeric when
// both sides parse as integers, string otherwise.

// EvalWhen evaluates a step's when expression under the given scope. An
// empty expression is true. A bare term is true unless it renders to "",
// "false", "0", or "no" (case-insensitive).
func EvalWhen(expr string, sc Scope) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	rendered, err := Render(expr, sc)
	if err != nil {
		return false, err
	}

	left, op, right, err := splitComparison(rendered)
	if err != nil {
		return false, err
	}
	if op == "" {
		return truthy(left), nil
	}

	ln, lok := parseInt(left)
	rn, rok := parseInt(right)
	if lok && rok {
		return compareInts(ln, op, rn), nil
	}
	return compareStrings(left, op, right), nil
}

// splitComparison scans for the single comparison operator, honoring quoted
// strings. More than one operator is a grammar violation.
func splitComparison(s string) (left, op, right string, err error) {
	runes := []rune(s)
	inQuote := rune(0)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			inQuote = c
			continue
		}

		var found string
		switch c {
		case '=':
			if i+1 < len(runes) && runes[i+1] == '=' {
				found = "=="
			}
		case '!':
			if i+1 < len(runes) && runes[i+1] == '=' {
				found = "!="
			}
		case '>':
			found = ">"
			if i+1 < len(runes) && runes[i+1] == '=' {
				found = ">="
			}
		case '<':
			found = "<"
			if i+1 < len(runes) && runes[i+1] == '=' {
				found = "<="
			}
		}
		if found == "" {
			continue
		}
		if op != "" {
			return "", "", "", fault.New(fault.CodeValidationFailed, "when expression has multiple operators: %q", s)
		}
		op = found
		left = strings.TrimSpace(string(runes[:i]))
		right = strings.TrimSpace(string(runes[i+len(found):]))
		i += len(found) - 1
	}
	if op == "" {
		return strings.TrimSpace(s), "", "", nil
	}
	if left == "" || right == "" {
		return "", "", "", fault.New(fault.CodeValidationFailed, "when expression missing a term: %q", s)
	}
	return unquote(left), op, unquote(right), nil
}

// CheckWhenSyntax validates the expression shape without evaluating
// references. Used by the static validator.
func CheckWhenSyntax(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	// Neutralize substitutions so operator scanning sees only literals.
	neutral := exprRe.ReplaceAllString(expr, "1")
	_, _, _, err := splitComparison(neutral)
	return err
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func parseInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n, err == nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(unquote(s))) {
	case "", "false", "0", "no":
		return false
	}
	return true
}

func compareInts(a int64, op string, b int64) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	}
	return false
}

func compareStrings(a, op, b string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	}
	return false
}
