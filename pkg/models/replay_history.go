package models

import (
	"time"

	"github.com/google/uuid"
)

// ReplayStrategy records whether a message went back to its own entity
type ReplayStrategy string

const (
	ReplayStrategyOriginalEntity  ReplayStrategy = "OriginalEntity"
	ReplayStrategyAlternateEntity ReplayStrategy = "AlternateEntity"
)

type ReplayOutcome string

const (
	ReplayOutcomeSuccess ReplayOutcome = "Success"
	ReplayOutcomeFailed  ReplayOutcome = "Failed"
)

// ReplayHistoryRecord is one replay attempt. Rows are append-only.
type ReplayHistoryRecord struct {
	ID                  uuid.UUID      `db:"id" json:"id"`
	DlqRecordID         uuid.UUID      `db:"dlq_record_id" json:"dlq_record_id"`
	RuleID              *uuid.UUID     `db:"rule_id" json:"rule_id,omitempty"`
	ReplayedAt          time.Time      `db:"replayed_at" json:"replayed_at"`
	ReplayedBy          string         `db:"replayed_by" json:"replayed_by"`
	Strategy            ReplayStrategy `db:"strategy" json:"strategy"`
	DestinationEntity   string         `db:"destination_entity" json:"destination_entity"`
	Outcome             ReplayOutcome  `db:"outcome" json:"outcome"`
	NewDeadLetterReason *string        `db:"new_dead_letter_reason" json:"new_dead_letter_reason,omitempty"`
	ErrorDetails        *string        `db:"error_details" json:"error_details,omitempty"`
}

// TableName returns the database table name
func (ReplayHistoryRecord) TableName() string {
	return "replay_history"
}
