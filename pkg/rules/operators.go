package rules

import (
	"strconv"
	"strings"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/models"
)

type comparer func(actual, expected string, caseSensitive bool) bool

func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func contains(actual, expected string, cs bool) bool {
	return strings.Contains(fold(actual, cs), fold(expected, cs))
}

func equals(actual, expected string, cs bool) bool {
	if cs {
		return actual == expected
	}
	return strings.EqualFold(actual, expected)
}

func startsWith(actual, expected string, cs bool) bool {
	return strings.HasPrefix(fold(actual, cs), fold(expected, cs))
}

func endsWith(actual, expected string, cs bool) bool {
	return strings.HasSuffix(fold(actual, cs), fold(expected, cs))
}

// compare orders numerically when both sides parse as numbers, otherwise
// by string comparison.
func compare(actual, expected string, cs bool) int {
	a, aErr := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	b, bErr := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if aErr == nil && bErr == nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fold(actual, cs), fold(expected, cs))
}

func greaterThan(actual, expected string, cs bool) bool {
	return compare(actual, expected, cs) > 0
}

func lessThan(actual, expected string, cs bool) bool {
	return compare(actual, expected, cs) < 0
}

// parseSet splits a comma-separated value list, dropping blanks.
func parseSet(value string, cs bool) []string {
	items := ectolinq.Map(strings.Split(value, ","), strings.TrimSpace)
	items = ectolinq.Filter(items, func(item string) bool { return item != "" })
	return ectolinq.Map(items, func(item string) string { return fold(item, cs) })
}

func in(actual, expected string, cs bool) bool {
	return ectolinq.Contains(parseSet(expected, cs), fold(strings.TrimSpace(actual), cs))
}

func (e *Engine) operatorTable() map[models.ConditionOperator]comparer {
	return map[models.ConditionOperator]comparer{
		models.OperatorContains:    contains,
		models.OperatorNotContains: func(a, x string, cs bool) bool { return !contains(a, x, cs) },
		models.OperatorEquals:      equals,
		models.OperatorNotEquals:   func(a, x string, cs bool) bool { return !equals(a, x, cs) },
		models.OperatorStartsWith:  startsWith,
		models.OperatorEndsWith:    endsWith,
		models.OperatorRegex:       e.regex.match,
		models.OperatorGreaterThan: greaterThan,
		models.OperatorLessThan:    lessThan,
		models.OperatorIn:          in,
	}
}
