package models

import (
	"time"

	"github.com/google/uuid"
)

// FailureCategory is the heuristic classification of why a message was dead-lettered
type FailureCategory string

const (
	FailureCategoryUnknown          FailureCategory = "Unknown"
	FailureCategoryTransient        FailureCategory = "Transient"
	FailureCategoryMaxDelivery      FailureCategory = "MaxDelivery"
	FailureCategoryExpired          FailureCategory = "Expired"
	FailureCategoryDataQuality      FailureCategory = "DataQuality"
	FailureCategoryAuthorization    FailureCategory = "Authorization"
	FailureCategoryProcessingError  FailureCategory = "ProcessingError"
	FailureCategoryResourceNotFound FailureCategory = "ResourceNotFound"
	FailureCategoryQuotaExceeded    FailureCategory = "QuotaExceeded"
)

// FailureCategories lists every category in declaration order.
var FailureCategories = []FailureCategory{
	FailureCategoryUnknown,
	FailureCategoryTransient,
	FailureCategoryMaxDelivery,
	FailureCategoryExpired,
	FailureCategoryDataQuality,
	FailureCategoryAuthorization,
	FailureCategoryProcessingError,
	FailureCategoryResourceNotFound,
	FailureCategoryQuotaExceeded,
}

func (c FailureCategory) Valid() bool {
	for _, known := range FailureCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Retryable reports whether replaying a message of this category is likely to succeed.
func (c FailureCategory) Retryable() bool {
	switch c {
	case FailureCategoryTransient, FailureCategoryMaxDelivery, FailureCategoryExpired:
		return true
	default:
		return false
	}
}

// DlqStatus is the lifecycle state of a DlqRecord
type DlqStatus string

const (
	DlqStatusActive       DlqStatus = "Active"
	DlqStatusReplayed     DlqStatus = "Replayed"
	DlqStatusReplayFailed DlqStatus = "ReplayFailed"
	DlqStatusArchived     DlqStatus = "Archived"
	DlqStatusDiscarded    DlqStatus = "Discarded"
)

var DlqStatuses = []DlqStatus{
	DlqStatusActive,
	DlqStatusReplayed,
	DlqStatusReplayFailed,
	DlqStatusArchived,
	DlqStatusDiscarded,
}

func (s DlqStatus) Valid() bool {
	for _, known := range DlqStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// EntityType distinguishes queues from topic subscriptions
type EntityType string

const (
	EntityTypeQueue        EntityType = "Queue"
	EntityTypeSubscription EntityType = "Subscription"
)

// DlqRecord is one persisted dead-letter observation. The tuple
// (namespace_id, entity_name, sequence_number) is unique.
type DlqRecord struct {
	ID                         uuid.UUID       `db:"id" json:"id"`
	MessageID                  string          `db:"message_id" json:"message_id"`
	SequenceNumber             int64           `db:"sequence_number" json:"sequence_number"`
	ContentHash                string          `db:"content_hash" json:"content_hash"`
	BodyPreview                string          `db:"body_preview" json:"body_preview"`
	NamespaceID                uuid.UUID       `db:"namespace_id" json:"namespace_id"`
	EntityName                 string          `db:"entity_name" json:"entity_name"`
	EntityType                 EntityType      `db:"entity_type" json:"entity_type"`
	TopicName                  *string         `db:"topic_name" json:"topic_name,omitempty"`
	EnqueuedAt                 time.Time       `db:"enqueued_at" json:"enqueued_at"`
	DeadLetteredAt             *time.Time      `db:"dead_lettered_at" json:"dead_lettered_at,omitempty"`
	DetectedAt                 time.Time       `db:"detected_at" json:"detected_at"`
	DeadLetterReason           string          `db:"dead_letter_reason" json:"dead_letter_reason"`
	DeadLetterErrorDescription string          `db:"dead_letter_error_description" json:"dead_letter_error_description"`
	DeliveryCount              int             `db:"delivery_count" json:"delivery_count"`
	ContentType                *string         `db:"content_type" json:"content_type,omitempty"`
	SizeBytes                  int64           `db:"size_bytes" json:"size_bytes"`
	ApplicationProperties      *string         `db:"application_properties" json:"application_properties,omitempty"`
	FailureCategory            FailureCategory `db:"failure_category" json:"failure_category"`
	CategoryConfidence         float64         `db:"category_confidence" json:"category_confidence"`
	Status                     DlqStatus       `db:"status" json:"status"`
	ReplayedAt                 *time.Time      `db:"replayed_at" json:"replayed_at,omitempty"`
	ReplayOutcome              *string         `db:"replay_outcome" json:"replay_outcome,omitempty"`
	UserNotes                  *string         `db:"user_notes" json:"user_notes,omitempty"`
	CorrelationID              *string         `db:"correlation_id" json:"correlation_id,omitempty"`
	UpdatedAt                  time.Time       `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (DlqRecord) TableName() string {
	return "dlq_records"
}
