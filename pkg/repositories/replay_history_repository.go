package repositories

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const replayHistoryTable = "replay_history"

var replayHistoryStruct = database.NewStruct(new(models.ReplayHistoryRecord))

// ReplayHistoryRepository handles the append-only replay audit log
type ReplayHistoryRepository struct {
	*Repository
}

// NewReplayHistoryRepository creates a new replay history repository
func NewReplayHistoryRepository(db database.DB, logger ectologger.Logger) *ReplayHistoryRepository {
	return &ReplayHistoryRepository{
		Repository: NewRepository(db, logger),
	}
}

// Append writes one replay attempt
func (r *ReplayHistoryRepository) Append(ctx context.Context, record *models.ReplayHistoryRecord) error {
	ctx, span := tracing.StartSpan(ctx, "ReplayHistoryRepository.Append")
	defer span.End()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	ib := replayHistoryStruct.InsertInto(replayHistoryTable, record)
	query, args := ib.Build()
	if _, err := r.DB().Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"dlq_record_id": record.DlqRecordID,
		}).Error("failed to append replay history")
		return Internal("failed to append replay history")
	}
	return nil
}

// ListByRecord returns a record's replay attempts, oldest first
func (r *ReplayHistoryRepository) ListByRecord(ctx context.Context, dlqRecordID uuid.UUID) ([]models.ReplayHistoryRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "ReplayHistoryRepository.ListByRecord")
	defer span.End()

	sb := replayHistoryStruct.SelectFrom(replayHistoryTable)
	sb.Where(sb.Equal("dlq_record_id", dlqRecordID))
	sb.OrderBy("replayed_at", "id")

	query, args := sb.Build()
	history := []models.ReplayHistoryRecord{}
	if err := r.DB().Executor(ctx).SelectContext(ctx, &history, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"dlq_record_id": dlqRecordID,
		}).Error("failed to list replay history")
		return nil, Internal("failed to list replay history")
	}
	return history, nil
}

// CountForRule counts attempts made by a rule inside [windowStart, windowEnd]
func (r *ReplayHistoryRepository) CountForRule(ctx context.Context, ruleID uuid.UUID, windowStart, windowEnd time.Time) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "ReplayHistoryRepository.CountForRule")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(replayHistoryTable)
	sb.Where(
		sb.Equal("rule_id", ruleID),
		sb.GreaterEqualThan("replayed_at", windowStart),
		sb.LessEqualThan("replayed_at", windowEnd),
	)

	query, args := sb.Build()
	var count int
	if err := r.DB().Executor(ctx).GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": ruleID,
		}).Error("failed to count replays for rule")
		return 0, Internal("failed to count replays")
	}
	return count, nil
}
