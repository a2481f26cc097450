package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const rulesTable = "auto_replay_rules"

var ruleStruct = database.NewStruct(new(models.AutoReplayRule))

// RuleRepository handles database operations for auto-replay rules
type RuleRepository struct {
	*Repository
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db database.DB, logger ectologger.Logger) *RuleRepository {
	return &RuleRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new rule. A duplicate name is a 409.
func (r *RuleRepository) Create(ctx context.Context, rule *models.AutoReplayRule) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Create")
	defer span.End()

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(rulesTable).
		Cols("id", "name", "description", "enabled", "conditions_json", "action_json",
			"definition_version", "max_replays_per_hour", "match_count", "success_count",
			"created_at", "updated_at").
		Values(rule.ID, rule.Name, rule.Description, rule.Enabled, rule.ConditionsJSON, rule.ActionJSON,
			rule.DefinitionVersion, rule.MaxReplaysPerHour, 0, 0,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().Executor(ctx).QueryRowxContext(ctx, query, args...).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if IsUniqueViolation(err) {
		return Conflict("rule named %q already exists", rule.Name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_name": rule.Name,
		}).Error("failed to create rule")
		return Internal("failed to create rule")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": rule.ID,
	}).Debugf("Created %s", rulesTable)
	return nil
}

// GetByID retrieves a rule by ID
func (r *RuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AutoReplayRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.GetByID")
	defer span.End()

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var rule models.AutoReplayRule
	err := r.DB().Executor(ctx).GetContext(ctx, &rule, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("rule %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to get rule")
		return nil, Internal("failed to get rule")
	}
	return &rule, nil
}

// List returns every rule ordered by name
func (r *RuleRepository) List(ctx context.Context) ([]models.AutoReplayRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.List")
	defer span.End()

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.OrderBy("name")

	query, args := sb.Build()
	rules := []models.AutoReplayRule{}
	if err := r.DB().Executor(ctx).SelectContext(ctx, &rules, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list rules")
		return nil, Internal("failed to list rules")
	}
	return rules, nil
}

// Update replaces the editable columns. Counters are left untouched.
func (r *RuleRepository) Update(ctx context.Context, rule *models.AutoReplayRule) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Update")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(rulesTable).
		Set(
			ub.Assign("name", rule.Name),
			ub.Assign("description", rule.Description),
			ub.Assign("enabled", rule.Enabled),
			ub.Assign("conditions_json", rule.ConditionsJSON),
			ub.Assign("action_json", rule.ActionJSON),
			ub.Assign("definition_version", rule.DefinitionVersion),
			ub.Assign("max_replays_per_hour", rule.MaxReplaysPerHour),
			"updated_at = NOW()",
		).
		Where(ub.Equal("id", rule.ID))

	query, args := ub.Build()
	result, err := r.DB().Executor(ctx).ExecContext(ctx, query, args...)
	if IsUniqueViolation(err) {
		return Conflict("rule named %q already exists", rule.Name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": rule.ID,
		}).Error("failed to update rule")
		return Internal("failed to update rule")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("rule %s does not exist", rule.ID)
	}

	updated, err := r.GetByID(ctx, rule.ID)
	if err != nil {
		return err
	}
	*rule = *updated
	return nil
}

// Toggle flips the enabled flag in place and returns the updated rule
func (r *RuleRepository) Toggle(ctx context.Context, id uuid.UUID) (*models.AutoReplayRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Toggle")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(rulesTable).
		Set("enabled = NOT enabled", "updated_at = NOW()").
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to toggle rule")
		return nil, Internal("failed to toggle rule")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, NotFound("rule %s does not exist", id)
	}
	return r.GetByID(ctx, id)
}

// Delete removes a rule. Replay history keeps its rule id.
func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(rulesTable).Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to delete rule")
		return Internal("failed to delete rule")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("rule %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": id,
	}).Debugf("Deleted %s", rulesTable)
	return nil
}
