package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ReplayBatchRepository writes record outcomes, history rows and rule
// counters of one replay run in a single transaction.
type ReplayBatchRepository struct {
	*Repository
	history *ReplayHistoryRepository
}

// NewReplayBatchRepository creates a new replay batch repository
func NewReplayBatchRepository(db database.DB, logger ectologger.Logger) *ReplayBatchRepository {
	return &ReplayBatchRepository{
		Repository: NewRepository(db, logger),
		history:    NewReplayHistoryRepository(db, logger),
	}
}

// ApplyReplayBatch persists batch or nothing
func (r *ReplayBatchRepository) ApplyReplayBatch(ctx context.Context, batch ReplayBatch) error {
	ctx, span := tracing.StartSpan(ctx, "ReplayBatchRepository.ApplyReplayBatch")
	defer span.End()

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return Internal("failed to begin replay batch")
	}
	defer tx.Rollback(ctx)

	for _, outcome := range batch.Outcomes {
		ub := database.NewUpdateBuilder()
		ub.Update(dlqRecordsTable).
			Set(
				ub.Assign("status", outcome.Status),
				ub.Assign("replayed_at", outcome.ReplayedAt),
				ub.Assign("replay_outcome", outcome.Outcome),
				"updated_at = NOW()",
			).
			Where(ub.Equal("id", outcome.RecordID))

		query, args := ub.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"record_id": outcome.RecordID,
				"rule_id":   batch.RuleID,
			}).Error("failed to apply replay outcome")
			return Internal("failed to persist replay batch")
		}
	}

	for i := range batch.History {
		if err := r.history.Append(ctx, &batch.History[i]); err != nil {
			return err
		}
	}

	if batch.RuleID != uuid.Nil && (batch.MatchCount > 0 || batch.SuccessCount > 0) {
		ub := database.NewUpdateBuilder()
		ub.Update(rulesTable).
			Set(
				ub.Increment("match_count", batch.MatchCount),
				ub.Increment("success_count", batch.SuccessCount),
				"updated_at = NOW()",
			).
			Where(ub.Equal("id", batch.RuleID))

		query, args := ub.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"rule_id": batch.RuleID,
			}).Error("failed to increment rule counters")
			return Internal("failed to persist replay batch")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Internal("failed to commit replay batch")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id":  batch.RuleID,
		"outcomes": len(batch.Outcomes),
	}).Debug("Applied replay batch")
	return nil
}
