package rules

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/Ramsey-B/fern/pkg/models"
)

// extractor projects a record field to a string. ok is false when the field
// has no value for this record.
type extractor func(record *models.DlqRecord, condition models.RuleCondition) (value string, ok bool)

var fieldTable = map[models.ConditionField]extractor{
	models.FieldDeadLetterReason: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return r.DeadLetterReason, true
	},
	models.FieldDeadLetterErrorDescription: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return r.DeadLetterErrorDescription, true
	},
	models.FieldFailureCategory: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return string(r.FailureCategory), true
	},
	models.FieldEntityName: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return r.EntityName, true
	},
	models.FieldDeliveryCount: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return strconv.Itoa(r.DeliveryCount), true
	},
	models.FieldContentType: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return optional(r.ContentType), true
	},
	models.FieldTopicName: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return optional(r.TopicName), true
	},
	models.FieldCorrelationID: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return optional(r.CorrelationID), true
	},
	models.FieldStatus: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return string(r.Status), true
	},
	models.FieldBodyPreview: func(r *models.DlqRecord, _ models.RuleCondition) (string, bool) {
		return r.BodyPreview, true
	},
	models.FieldApplicationProperty: applicationProperty,
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func applicationProperty(r *models.DlqRecord, c models.RuleCondition) (string, bool) {
	if c.PropertyKey == nil || *c.PropertyKey == "" || r.ApplicationProperties == nil {
		return "", false
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(*r.ApplicationProperties)))
	decoder.UseNumber()
	var bag map[string]any
	if err := decoder.Decode(&bag); err != nil {
		return "", false
	}

	raw, ok := bag[*c.PropertyKey]
	if !ok || raw == nil {
		return "", false
	}

	switch v := raw.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// KnownField reports whether field is in the extraction table.
func KnownField(field models.ConditionField) bool {
	_, ok := fieldTable[field]
	return ok
}
