package rules_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/rules"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func strPtr(s string) *string {
	return &s
}

func newRecord() *models.DlqRecord {
	return &models.DlqRecord{
		ID:                         uuid.New(),
		EntityName:                 "orders/subscriptions/billing",
		EntityType:                 models.EntityTypeSubscription,
		TopicName:                  strPtr("orders"),
		DeadLetterReason:           "ProcessingTimeout",
		DeadLetterErrorDescription: "timeout calling billing database",
		DeliveryCount:              7,
		FailureCategory:            models.FailureCategoryTransient,
		Status:                     models.DlqStatusActive,
		BodyPreview:                `{"orderId": 42}`,
		ApplicationProperties:      strPtr(`{"tenant":"acme","priority":5,"retry":true,"nested":{"a":1}}`),
	}
}

func cond(field models.ConditionField, op models.ConditionOperator, value string) models.RuleCondition {
	return models.RuleCondition{Field: field, Operator: op, Value: value}
}

func TestEvaluate_Operators(t *testing.T) {
	engine := rules.NewEngine(getTestLogger())
	record := newRecord()

	tests := []struct {
		name      string
		condition models.RuleCondition
		matched   bool
	}{
		{"contains case insensitive", cond(models.FieldDeadLetterReason, models.OperatorContains, "TIMEOUT"), true},
		{"contains case sensitive", models.RuleCondition{Field: models.FieldDeadLetterReason, Operator: models.OperatorContains, Value: "TIMEOUT", CaseSensitive: true}, false},
		{"not contains", cond(models.FieldDeadLetterReason, models.OperatorNotContains, "quota"), true},
		{"equals", cond(models.FieldFailureCategory, models.OperatorEquals, "transient"), true},
		{"not equals", cond(models.FieldFailureCategory, models.OperatorNotEquals, "DataQuality"), true},
		{"starts with", cond(models.FieldEntityName, models.OperatorStartsWith, "orders/"), true},
		{"ends with", cond(models.FieldEntityName, models.OperatorEndsWith, "/billing"), true},
		{"regex", cond(models.FieldDeadLetterErrorDescription, models.OperatorRegex, `^timeout .* database$`), true},
		{"regex no match", cond(models.FieldDeadLetterErrorDescription, models.OperatorRegex, `^quota`), false},
		{"malformed regex never matches", cond(models.FieldDeadLetterReason, models.OperatorRegex, `([a-z`), false},
		{"numeric greater than", cond(models.FieldDeliveryCount, models.OperatorGreaterThan, "5"), true},
		{"numeric not greater than", cond(models.FieldDeliveryCount, models.OperatorGreaterThan, "10"), false},
		{"numeric less than avoids ordinal trap", cond(models.FieldDeliveryCount, models.OperatorLessThan, "10"), true},
		{"ordinal fallback", cond(models.FieldTopicName, models.OperatorGreaterThan, "alpha"), true},
		{"in", cond(models.FieldFailureCategory, models.OperatorIn, "MaxDelivery, transient ,Expired"), true},
		{"in miss", cond(models.FieldFailureCategory, models.OperatorIn, "DataQuality,Unknown"), false},
		{"in case sensitive", models.RuleCondition{Field: models.FieldFailureCategory, Operator: models.OperatorIn, Value: "transient", CaseSensitive: true}, false},
		{"empty optional projects to empty string", cond(models.FieldCorrelationID, models.OperatorEquals, ""), true},
		{"status", cond(models.FieldStatus, models.OperatorEquals, "Active"), true},
		{"body preview", cond(models.FieldBodyPreview, models.OperatorContains, "orderId"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Evaluate(record, []models.RuleCondition{tt.condition})
			assert.Equal(t, tt.matched, result.Matched, result.Explanation)
		})
	}
}

func TestEvaluate_ApplicationProperty(t *testing.T) {
	engine := rules.NewEngine(getTestLogger())
	record := newRecord()

	prop := func(key string, op models.ConditionOperator, value string) models.RuleCondition {
		return models.RuleCondition{Field: models.FieldApplicationProperty, Operator: op, Value: value, PropertyKey: strPtr(key)}
	}

	assert.True(t, engine.Evaluate(record, []models.RuleCondition{prop("tenant", models.OperatorEquals, "ACME")}).Matched)
	assert.True(t, engine.Evaluate(record, []models.RuleCondition{prop("priority", models.OperatorGreaterThan, "3")}).Matched)
	assert.True(t, engine.Evaluate(record, []models.RuleCondition{prop("retry", models.OperatorEquals, "true")}).Matched)
	assert.True(t, engine.Evaluate(record, []models.RuleCondition{prop("nested", models.OperatorContains, `"a":1`)}).Matched)

	missing := engine.Evaluate(record, []models.RuleCondition{prop("absent", models.OperatorNotEquals, "x")})
	assert.False(t, missing.Matched, "a missing key yields no value, which never matches")
	assert.Contains(t, missing.Explanation, "no value")

	noKey := engine.Evaluate(record, []models.RuleCondition{{Field: models.FieldApplicationProperty, Operator: models.OperatorEquals, Value: "acme"}})
	assert.False(t, noKey.Matched)

	record.ApplicationProperties = strPtr("{not json")
	assert.False(t, engine.Evaluate(record, []models.RuleCondition{prop("tenant", models.OperatorEquals, "acme")}).Matched)

	record.ApplicationProperties = nil
	assert.False(t, engine.Evaluate(record, []models.RuleCondition{prop("tenant", models.OperatorNotEquals, "acme")}).Matched)
}

func TestEvaluate_ShortCircuitExplanation(t *testing.T) {
	engine := rules.NewEngine(getTestLogger())
	record := newRecord()

	conditions := []models.RuleCondition{
		cond(models.FieldDeadLetterReason, models.OperatorContains, "timeout"),
		cond(models.FieldDeliveryCount, models.OperatorGreaterThan, "100"),
		cond(models.ConditionField("Bogus"), models.OperatorEquals, "never evaluated"),
	}

	result := engine.Evaluate(record, conditions)
	require.False(t, result.Matched)
	require.NotNil(t, result.FailedCondition)
	assert.Equal(t, models.FieldDeliveryCount, result.FailedCondition.Field)
	assert.Contains(t, result.Explanation, "condition 2")
	assert.Contains(t, result.Explanation, `actual value "7"`)
}

func TestEvaluate_EmptyConditionsMatch(t *testing.T) {
	engine := rules.NewEngine(getTestLogger())
	assert.True(t, engine.Evaluate(newRecord(), nil).Matched)
}

func TestEvaluate_UnknownFieldAndOperator(t *testing.T) {
	engine := rules.NewEngine(getTestLogger())
	record := newRecord()

	result := engine.Evaluate(record, []models.RuleCondition{cond("Nope", models.OperatorEquals, "x")})
	assert.False(t, result.Matched)
	assert.Contains(t, result.Explanation, "unknown field")

	result = engine.Evaluate(record, []models.RuleCondition{cond(models.FieldStatus, "Like", "x")})
	assert.False(t, result.Matched)
	assert.Contains(t, result.Explanation, "unknown operator")
}

func TestEvaluate_RegexTimeoutResolvesToNoMatch(t *testing.T) {
	engine := rules.NewEngine(getTestLogger(), rules.WithRegexTimeout(time.Nanosecond))
	record := newRecord()
	record.BodyPreview = strings.Repeat("a", 1<<22)

	start := time.Now()
	result := engine.Evaluate(record, []models.RuleCondition{cond(models.FieldBodyPreview, models.OperatorRegex, `(a|aa)+$`)})
	assert.False(t, result.Matched)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEvaluate_Monotonic(t *testing.T) {
	engine := rules.NewEngine(getTestLogger())

	population := make([]models.DlqRecord, 0, 20)
	for i := 0; i < 20; i++ {
		r := newRecord()
		r.DeliveryCount = i
		if i%3 == 0 {
			r.DeadLetterReason = "QuotaExceeded"
		}
		population = append(population, *r)
	}

	full := []models.RuleCondition{
		cond(models.FieldDeadLetterReason, models.OperatorContains, "timeout"),
		cond(models.FieldDeliveryCount, models.OperatorGreaterThan, "5"),
		cond(models.FieldEntityName, models.OperatorStartsWith, "orders"),
	}

	count := func(conditions []models.RuleCondition) int {
		n := 0
		for _, r := range engine.EvaluateBatch(population, conditions) {
			if r.Matched {
				n++
			}
		}
		return n
	}

	baseline := count(full)
	for drop := range full {
		reduced := append(append([]models.RuleCondition{}, full[:drop]...), full[drop+1:]...)
		assert.GreaterOrEqual(t, count(reduced), baseline, "dropping condition %d shrank the match set", drop)
	}
}

func TestFindMatchingRules(t *testing.T) {
	engine := rules.NewEngine(getTestLogger())
	record := newRecord()

	matching := models.AutoReplayRule{ID: uuid.New(), Name: "timeouts", Enabled: true}
	require.NoError(t, matching.SetDefinition(
		[]models.RuleCondition{cond(models.FieldDeadLetterReason, models.OperatorContains, "timeout")},
		models.RuleAction{AutoReplay: true, TargetEntity: strPtr("retry-queue")},
	))

	disabled := matching
	disabled.ID = uuid.New()
	disabled.Name = "disabled"
	disabled.Enabled = false

	nonMatching := models.AutoReplayRule{ID: uuid.New(), Name: "quota", Enabled: true}
	require.NoError(t, nonMatching.SetDefinition(
		[]models.RuleCondition{cond(models.FieldDeadLetterReason, models.OperatorContains, "quota")},
		models.RuleAction{},
	))

	malformed := models.AutoReplayRule{
		ID:                uuid.New(),
		Name:              "broken",
		Enabled:           true,
		ConditionsJSON:    "[{",
		ActionJSON:        "{}",
		DefinitionVersion: models.RuleDefinitionVersion,
	}

	futureVersion := matching
	futureVersion.ID = uuid.New()
	futureVersion.Name = "future"
	futureVersion.DefinitionVersion = 2

	matches := engine.FindMatchingRules(context.Background(), record, []models.AutoReplayRule{malformed, matching, disabled, nonMatching, futureVersion})
	require.Len(t, matches, 1)
	assert.Equal(t, "timeouts", matches[0].Rule.Name)
	require.NotNil(t, matches[0].Action.TargetEntity)
	assert.Equal(t, "retry-queue", *matches[0].Action.TargetEntity)
}

func TestValidateConditions(t *testing.T) {
	assert.NoError(t, rules.ValidateConditions([]models.RuleCondition{
		cond(models.FieldDeadLetterReason, models.OperatorContains, "timeout"),
		{Field: models.FieldApplicationProperty, Operator: models.OperatorEquals, Value: "x", PropertyKey: strPtr("k")},
	}))

	err := rules.ValidateConditions([]models.RuleCondition{
		cond("Bogus", models.OperatorContains, "x"),
		cond(models.FieldStatus, "Like", "x"),
		{Field: models.FieldApplicationProperty, Operator: models.OperatorEquals, Value: "x"},
		cond(models.FieldBodyPreview, models.OperatorRegex, "(unclosed"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
	assert.Contains(t, err.Error(), "unknown operator")
	assert.Contains(t, err.Error(), "property_key is required")
	assert.Contains(t, err.Error(), "invalid regex")
}

func TestTemplates(t *testing.T) {
	templates, err := rules.Templates()
	require.NoError(t, err)
	require.Len(t, templates, 6)

	ids := map[string]bool{}
	for _, tmpl := range templates {
		assert.NotEmpty(t, tmpl.Name)
		assert.NotEmpty(t, tmpl.Conditions)
		ids[tmpl.ID] = true
	}
	assert.True(t, ids["transient-retry"])
	assert.True(t, ids["reroute-to-retry-queue"])
}
