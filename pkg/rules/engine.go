// Package rules evaluates auto-replay rule conditions against DLQ records.
// Evaluation is pure: no I/O, no shared state beyond the compiled regex cache.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
)

// MatchResult is the outcome of evaluating one condition list against one record.
type MatchResult struct {
	Matched         bool                  `json:"matched"`
	Explanation     string                `json:"explanation"`
	FailedCondition *models.RuleCondition `json:"failed_condition,omitempty"`
}

// RuleMatch pairs a matching rule with its decoded action.
type RuleMatch struct {
	Rule   models.AutoReplayRule
	Action models.RuleAction
	Result MatchResult
}

type Option func(*Engine)

// WithRegexTimeout overrides the per-match regex deadline.
func WithRegexTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.regex = newRegexMatcher(d)
	}
}

type Engine struct {
	logger    ectologger.Logger
	regex     *regexMatcher
	operators map[models.ConditionOperator]comparer
}

func NewEngine(logger ectologger.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger: logger,
		regex:  newRegexMatcher(DefaultRegexTimeout),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.operators = e.operatorTable()
	return e
}

// Evaluate applies conditions with AND semantics, stopping at the first
// condition that does not hold.
func (e *Engine) Evaluate(record *models.DlqRecord, conditions []models.RuleCondition) MatchResult {
	if len(conditions) == 0 {
		return MatchResult{Matched: true, Explanation: "rule has no conditions; every record matches"}
	}

	for i := range conditions {
		condition := conditions[i]
		if ok, reason := e.evaluateCondition(record, condition); !ok {
			return MatchResult{
				Matched:         false,
				Explanation:     fmt.Sprintf("condition %d (%s) not satisfied: %s", i+1, condition, reason),
				FailedCondition: &condition,
			}
		}
	}

	return MatchResult{
		Matched:     true,
		Explanation: fmt.Sprintf("all %d conditions matched", len(conditions)),
	}
}

func (e *Engine) evaluateCondition(record *models.DlqRecord, condition models.RuleCondition) (bool, string) {
	extract, ok := fieldTable[condition.Field]
	if !ok {
		return false, fmt.Sprintf("unknown field %q", condition.Field)
	}
	compare, ok := e.operators[condition.Operator]
	if !ok {
		return false, fmt.Sprintf("unknown operator %q", condition.Operator)
	}

	actual, ok := extract(record, condition)
	if !ok {
		return false, "field has no value"
	}
	if !compare(actual, condition.Value, condition.CaseSensitive) {
		return false, fmt.Sprintf("actual value %q", actual)
	}
	return true, ""
}

// EvaluateBatch evaluates every record; results are index-aligned with records.
func (e *Engine) EvaluateBatch(records []models.DlqRecord, conditions []models.RuleCondition) []MatchResult {
	results := make([]MatchResult, len(records))
	for i := range records {
		results[i] = e.Evaluate(&records[i], conditions)
	}
	return results
}

// FindMatchingRules returns every enabled rule whose conditions match record.
// Rules whose stored definition cannot be decoded are logged and skipped.
func (e *Engine) FindMatchingRules(ctx context.Context, record *models.DlqRecord, rules []models.AutoReplayRule) []RuleMatch {
	enabled := ectolinq.Filter(rules, func(rule models.AutoReplayRule) bool { return rule.Enabled })

	var matches []RuleMatch
	for _, rule := range enabled {
		definition, err := rule.Definition()
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"rule_id":   rule.ID,
				"rule_name": rule.Name,
			}).Warn("skipping rule with malformed definition")
			continue
		}

		result := e.Evaluate(record, definition.Conditions)
		if result.Matched {
			matches = append(matches, RuleMatch{Rule: rule, Action: definition.Action, Result: result})
		}
	}
	return matches
}

// ValidateConditions checks conditions against the field and operator tables.
func ValidateConditions(conditions []models.RuleCondition) error {
	var problems []string
	for i, c := range conditions {
		prefix := fmt.Sprintf("condition %d", i+1)
		if !KnownField(c.Field) {
			problems = append(problems, fmt.Sprintf("%s: unknown field %q", prefix, c.Field))
		}
		if !ectolinq.Contains(models.ConditionOperators, c.Operator) {
			problems = append(problems, fmt.Sprintf("%s: unknown operator %q", prefix, c.Operator))
		}
		if c.Field == models.FieldApplicationProperty && (c.PropertyKey == nil || strings.TrimSpace(*c.PropertyKey) == "") {
			problems = append(problems, fmt.Sprintf("%s: property_key is required for %s", prefix, c.Field))
		}
		if c.Operator == models.OperatorRegex {
			if err := ValidPattern(c.Value); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid regex: %v", prefix, err))
			}
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
