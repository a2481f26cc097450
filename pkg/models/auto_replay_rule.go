package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RuleDefinitionVersion is the serialized condition/action format written today.
const RuleDefinitionVersion = 1

// ConditionField names a DlqRecord projection a condition can test
type ConditionField string

const (
	FieldDeadLetterReason           ConditionField = "DeadLetterReason"
	FieldDeadLetterErrorDescription ConditionField = "DeadLetterErrorDescription"
	FieldFailureCategory            ConditionField = "FailureCategory"
	FieldEntityName                 ConditionField = "EntityName"
	FieldDeliveryCount              ConditionField = "DeliveryCount"
	FieldContentType                ConditionField = "ContentType"
	FieldTopicName                  ConditionField = "TopicName"
	FieldCorrelationID              ConditionField = "CorrelationId"
	FieldStatus                     ConditionField = "Status"
	FieldBodyPreview                ConditionField = "BodyPreview"
	FieldApplicationProperty        ConditionField = "ApplicationProperty"
)

var ConditionFields = []ConditionField{
	FieldDeadLetterReason,
	FieldDeadLetterErrorDescription,
	FieldFailureCategory,
	FieldEntityName,
	FieldDeliveryCount,
	FieldContentType,
	FieldTopicName,
	FieldCorrelationID,
	FieldStatus,
	FieldBodyPreview,
	FieldApplicationProperty,
}

// ConditionOperator names a comparison between a field projection and a value
type ConditionOperator string

const (
	OperatorContains    ConditionOperator = "Contains"
	OperatorNotContains ConditionOperator = "NotContains"
	OperatorEquals      ConditionOperator = "Equals"
	OperatorNotEquals   ConditionOperator = "NotEquals"
	OperatorStartsWith  ConditionOperator = "StartsWith"
	OperatorEndsWith    ConditionOperator = "EndsWith"
	OperatorRegex       ConditionOperator = "Regex"
	OperatorGreaterThan ConditionOperator = "GreaterThan"
	OperatorLessThan    ConditionOperator = "LessThan"
	OperatorIn          ConditionOperator = "In"
)

var ConditionOperators = []ConditionOperator{
	OperatorContains,
	OperatorNotContains,
	OperatorEquals,
	OperatorNotEquals,
	OperatorStartsWith,
	OperatorEndsWith,
	OperatorRegex,
	OperatorGreaterThan,
	OperatorLessThan,
	OperatorIn,
}

// RuleCondition is one predicate of a rule. PropertyKey is required for
// ApplicationProperty and ignored otherwise.
type RuleCondition struct {
	Field         ConditionField    `json:"field" yaml:"field" validate:"required"`
	Operator      ConditionOperator `json:"operator" yaml:"operator" validate:"required"`
	Value         string            `json:"value" yaml:"value"`
	CaseSensitive bool              `json:"case_sensitive" yaml:"case_sensitive"`
	PropertyKey   *string           `json:"property_key,omitempty" yaml:"property_key,omitempty"`
}

func (c RuleCondition) String() string {
	if c.Field == FieldApplicationProperty && c.PropertyKey != nil {
		return fmt.Sprintf("%s[%s] %s %q", c.Field, *c.PropertyKey, c.Operator, c.Value)
	}
	return fmt.Sprintf("%s %s %q", c.Field, c.Operator, c.Value)
}

// RuleAction describes what to do with matched messages
type RuleAction struct {
	AutoReplay         bool    `json:"auto_replay" yaml:"auto_replay"`
	DelaySeconds       int     `json:"delay_seconds" yaml:"delay_seconds" validate:"gte=0"`
	MaxRetries         int     `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	ExponentialBackoff bool    `json:"exponential_backoff" yaml:"exponential_backoff"`
	TargetEntity       *string `json:"target_entity,omitempty" yaml:"target_entity,omitempty"`
}

// RuleDefinition is the versioned value object behind a rule's stored blobs.
type RuleDefinition struct {
	Version    int
	Conditions []RuleCondition
	Action     RuleAction
}

// AutoReplayRule is a user-defined replay policy. Conditions and action are
// stored as opaque JSON and decoded with Definition.
type AutoReplayRule struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	Description       *string   `db:"description" json:"description,omitempty"`
	Enabled           bool      `db:"enabled" json:"enabled"`
	ConditionsJSON    string    `db:"conditions_json" json:"-"`
	ActionJSON        string    `db:"action_json" json:"-"`
	DefinitionVersion int       `db:"definition_version" json:"definition_version"`
	MaxReplaysPerHour int       `db:"max_replays_per_hour" json:"max_replays_per_hour"`
	MatchCount        int64     `db:"match_count" json:"match_count"`
	SuccessCount      int64     `db:"success_count" json:"success_count"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (AutoReplayRule) TableName() string {
	return "auto_replay_rules"
}

// Definition decodes the stored conditions and action. Any version other
// than RuleDefinitionVersion is reported as malformed.
func (r AutoReplayRule) Definition() (RuleDefinition, error) {
	if r.DefinitionVersion != RuleDefinitionVersion {
		return RuleDefinition{}, fmt.Errorf("rule %s: unsupported definition version %d", r.ID, r.DefinitionVersion)
	}

	var conditions []RuleCondition
	if err := json.Unmarshal([]byte(r.ConditionsJSON), &conditions); err != nil {
		return RuleDefinition{}, fmt.Errorf("rule %s: malformed conditions: %w", r.ID, err)
	}

	var action RuleAction
	if err := json.Unmarshal([]byte(r.ActionJSON), &action); err != nil {
		return RuleDefinition{}, fmt.Errorf("rule %s: malformed action: %w", r.ID, err)
	}

	return RuleDefinition{
		Version:    r.DefinitionVersion,
		Conditions: conditions,
		Action:     action,
	}, nil
}

// SetDefinition serializes conditions and action into the stored blobs.
func (r *AutoReplayRule) SetDefinition(conditions []RuleCondition, action RuleAction) error {
	if conditions == nil {
		conditions = []RuleCondition{}
	}
	c, err := json.Marshal(conditions)
	if err != nil {
		return err
	}
	a, err := json.Marshal(action)
	if err != nil {
		return err
	}
	r.ConditionsJSON = string(c)
	r.ActionJSON = string(a)
	r.DefinitionVersion = RuleDefinitionVersion
	return nil
}
