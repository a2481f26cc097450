package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type TimelineEventType string

const (
	EventEnqueued        TimelineEventType = "Enqueued"
	EventDeadLettered    TimelineEventType = "DeadLettered"
	EventDetected        TimelineEventType = "Detected"
	EventReplayedSuccess TimelineEventType = "ReplayedSuccess"
	EventReplayedFailed  TimelineEventType = "ReplayedFailed"
	EventStatusChanged   TimelineEventType = "StatusChanged"
	EventArchived        TimelineEventType = "Archived"
)

// TimelineEvent is one point in a record's lifecycle
type TimelineEvent struct {
	Type        TimelineEventType `json:"type"`
	Timestamp   time.Time         `json:"timestamp"`
	Description string            `json:"description"`
	Details     map[string]any    `json:"details,omitempty"`
}

// Timeline synthesizes a record's lifecycle from the record and its replay
// history, sorted chronologically.
func (s *Service) Timeline(ctx context.Context, id uuid.UUID) ([]TimelineEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "HistoryService.Timeline")
	defer span.End()

	detail, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(&detail.Record, detail.ReplayHistory), nil
}

func BuildTimeline(record *models.DlqRecord, attempts []models.ReplayHistoryRecord) []TimelineEvent {
	events := []TimelineEvent{{
		Type:        EventEnqueued,
		Timestamp:   record.EnqueuedAt,
		Description: fmt.Sprintf("Message enqueued to %s", record.EntityName),
	}}

	if record.DeadLetteredAt != nil {
		events = append(events, TimelineEvent{
			Type:        EventDeadLettered,
			Timestamp:   *record.DeadLetteredAt,
			Description: fmt.Sprintf("Message dead-lettered after %d deliveries", record.DeliveryCount),
			Details: map[string]any{
				"reason":      record.DeadLetterReason,
				"description": record.DeadLetterErrorDescription,
			},
		})
	}

	events = append(events, TimelineEvent{
		Type:        EventDetected,
		Timestamp:   record.DetectedAt,
		Description: fmt.Sprintf("Detected and categorized as %s", record.FailureCategory),
		Details: map[string]any{
			"category":   record.FailureCategory,
			"confidence": record.CategoryConfidence,
		},
	})

	for _, attempt := range attempts {
		event := TimelineEvent{
			Type:        EventReplayedSuccess,
			Timestamp:   attempt.ReplayedAt,
			Description: fmt.Sprintf("Replayed to %s by %s", attempt.DestinationEntity, attempt.ReplayedBy),
			Details: map[string]any{
				"destination": attempt.DestinationEntity,
				"strategy":    attempt.Strategy,
				"replayed_by": attempt.ReplayedBy,
			},
		}
		if attempt.Outcome != models.ReplayOutcomeSuccess {
			event.Type = EventReplayedFailed
			event.Description = fmt.Sprintf("Replay to %s by %s failed", attempt.DestinationEntity, attempt.ReplayedBy)
			if attempt.ErrorDetails != nil {
				event.Details["error"] = *attempt.ErrorDetails
			}
			if attempt.NewDeadLetterReason != nil {
				event.Details["new_dead_letter_reason"] = *attempt.NewDeadLetterReason
			}
		}
		events = append(events, event)
	}

	switch {
	case record.Status == models.DlqStatusArchived:
		events = append(events, TimelineEvent{
			Type:        EventArchived,
			Timestamp:   record.UpdatedAt,
			Description: "Record archived",
		})
	case record.Status != models.DlqStatusActive && len(attempts) == 0:
		events = append(events, TimelineEvent{
			Type:        EventStatusChanged,
			Timestamp:   record.UpdatedAt,
			Description: fmt.Sprintf("Status changed to %s", record.Status),
			Details:     map[string]any{"status": record.Status},
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}
