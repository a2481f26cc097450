// Package rules manages auto-replay rules and runs them against stored
// dead-letter records.
package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/replay"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/rules"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// MaxSampleMatches caps the explanations returned by Test
const MaxSampleMatches = 10

var validate = validator.New(validator.WithRequiredStructEnabled())

// RuleRequest is the create/update body for a rule
type RuleRequest struct {
	Name              string                 `json:"name" validate:"required,max=200"`
	Description       *string                `json:"description,omitempty"`
	Enabled           *bool                  `json:"enabled,omitempty"`
	Conditions        []models.RuleCondition `json:"conditions" validate:"dive"`
	Action            models.RuleAction      `json:"action"`
	MaxReplaysPerHour int                    `json:"max_replays_per_hour" validate:"gte=0"`
}

// RuleView is a rule with its definition decoded
type RuleView struct {
	models.AutoReplayRule
	Conditions []models.RuleCondition `json:"conditions"`
	Action     models.RuleAction      `json:"action"`
}

// TestRequest evaluates a stored rule (rule_id) or ad-hoc conditions
type TestRequest struct {
	RuleID      *uuid.UUID             `json:"rule_id,omitempty"`
	Conditions  []models.RuleCondition `json:"conditions,omitempty"`
	NamespaceID *uuid.UUID             `json:"namespace_id,omitempty"`
}

type SampleMatch struct {
	RecordID        uuid.UUID              `json:"record_id"`
	EntityName      string                 `json:"entity_name"`
	FailureCategory models.FailureCategory `json:"failure_category"`
	Explanation     string                 `json:"explanation"`
}

type TestResult struct {
	TotalTested          int           `json:"total_tested"`
	MatchedCount         int           `json:"matched_count"`
	EstimatedSuccessRate float64       `json:"estimated_success_rate"`
	SampleMatches        []SampleMatch `json:"sample_matches"`
}

// Replayer runs replay-all for a rule. *replay.Executor satisfies it.
type Replayer interface {
	ReplayAll(ctx context.Context, ruleID uuid.UUID, actor string) (*replay.Result, error)
}

type Service struct {
	rules    repositories.RuleRepo
	records  repositories.DlqRecordRepo
	engine   *rules.Engine
	replayer Replayer
	logger   ectologger.Logger
}

func NewService(ruleRepo repositories.RuleRepo, records repositories.DlqRecordRepo, engine *rules.Engine, replayer Replayer, logger ectologger.Logger) *Service {
	return &Service{
		rules:    ruleRepo,
		records:  records,
		engine:   engine,
		replayer: replayer,
		logger:   logger,
	}
}

func validateRequest(req *RuleRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		return repositories.BadRequest(validationMessage(err))
	}
	if err := rules.ValidateConditions(req.Conditions); err != nil {
		return repositories.BadRequest(err.Error())
	}
	return nil
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	messages := ectolinq.Map(verrs, func(fe validator.FieldError) string {
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	})
	return strings.Join(messages, "; ")
}

func view(rule *models.AutoReplayRule) (*RuleView, error) {
	definition, err := rule.Definition()
	if err != nil {
		return nil, err
	}
	return &RuleView{AutoReplayRule: *rule, Conditions: definition.Conditions, Action: definition.Action}, nil
}

func (s *Service) viewOrInternal(ctx context.Context, rule *models.AutoReplayRule) (*RuleView, error) {
	v, err := view(rule)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("rule_id", rule.ID).Error("stored rule definition is malformed")
		return nil, repositories.Internal("stored rule definition is malformed")
	}
	return v, nil
}

func (s *Service) Create(ctx context.Context, req RuleRequest) (*RuleView, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleService.Create")
	defer span.End()

	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	rule := &models.AutoReplayRule{
		Name:              req.Name,
		Description:       req.Description,
		Enabled:           req.Enabled == nil || *req.Enabled,
		MaxReplaysPerHour: req.MaxReplaysPerHour,
	}
	if err := rule.SetDefinition(req.Conditions, req.Action); err != nil {
		return nil, repositories.BadRequest("rule definition cannot be serialized")
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id":    rule.ID,
		"rule_name":  rule.Name,
		"conditions": len(req.Conditions),
	}).Info("created auto-replay rule")
	return s.viewOrInternal(ctx, rule)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*RuleView, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleService.Get")
	defer span.End()

	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.viewOrInternal(ctx, rule)
}

// List returns every rule. Rules with a malformed definition are returned
// without conditions so they can still be fixed or deleted.
func (s *Service) List(ctx context.Context) ([]RuleView, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleService.List")
	defer span.End()

	stored, err := s.rules.List(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]RuleView, 0, len(stored))
	for i := range stored {
		v, err := view(&stored[i])
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("rule_id", stored[i].ID).Warn("listing rule with malformed definition")
			views = append(views, RuleView{AutoReplayRule: stored[i], Conditions: []models.RuleCondition{}})
			continue
		}
		views = append(views, *v)
	}
	return views, nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, req RuleRequest) (*RuleView, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleService.Update")
	defer span.End()

	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.Name = req.Name
	rule.Description = req.Description
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.MaxReplaysPerHour = req.MaxReplaysPerHour
	if err := rule.SetDefinition(req.Conditions, req.Action); err != nil {
		return nil, repositories.BadRequest("rule definition cannot be serialized")
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithField("rule_id", id).Info("updated auto-replay rule")
	return s.viewOrInternal(ctx, rule)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RuleService.Delete")
	defer span.End()

	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithContext(ctx).WithField("rule_id", id).Info("deleted auto-replay rule")
	return nil
}

// Toggle flips the enabled flag
func (s *Service) Toggle(ctx context.Context, id uuid.UUID) (*RuleView, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleService.Toggle")
	defer span.End()

	rule, err := s.rules.Toggle(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": id,
		"enabled": rule.Enabled,
	}).Info("toggled auto-replay rule")
	return s.viewOrInternal(ctx, rule)
}

// Test evaluates conditions against current Active records without
// replaying anything. A rule id takes precedence over ad-hoc conditions.
func (s *Service) Test(ctx context.Context, req TestRequest) (*TestResult, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleService.Test")
	defer span.End()

	var conditions []models.RuleCondition
	switch {
	case req.RuleID != nil:
		rule, err := s.rules.GetByID(ctx, *req.RuleID)
		if err != nil {
			return nil, err
		}
		definition, err := rule.Definition()
		if err != nil {
			return nil, repositories.BadRequest("stored rule definition is malformed")
		}
		conditions = definition.Conditions
	case req.Conditions != nil:
		if err := rules.ValidateConditions(req.Conditions); err != nil {
			return nil, repositories.BadRequest(err.Error())
		}
		conditions = req.Conditions
	default:
		return nil, repositories.BadRequest("either rule_id or conditions is required")
	}

	records, err := s.records.ListByStatus(ctx, models.DlqStatusActive, req.NamespaceID)
	if err != nil {
		return nil, err
	}

	result := &TestResult{TotalTested: len(records), SampleMatches: []SampleMatch{}}
	retryable := 0
	for i, match := range s.engine.EvaluateBatch(records, conditions) {
		if !match.Matched {
			continue
		}
		result.MatchedCount++
		if records[i].FailureCategory.Retryable() {
			retryable++
		}
		if len(result.SampleMatches) < MaxSampleMatches {
			result.SampleMatches = append(result.SampleMatches, SampleMatch{
				RecordID:        records[i].ID,
				EntityName:      records[i].EntityName,
				FailureCategory: records[i].FailureCategory,
				Explanation:     match.Explanation,
			})
		}
	}
	if result.MatchedCount > 0 {
		result.EstimatedSuccessRate = float64(retryable) / float64(result.MatchedCount)
	}
	return result, nil
}

func (s *Service) Templates() ([]rules.Template, error) {
	templates, err := rules.Templates()
	if err != nil {
		s.logger.WithError(err).Error("rule template catalog is invalid")
		return nil, repositories.Internal("rule templates unavailable")
	}
	return templates, nil
}

// ReplayAll replays every Active record matching the rule on behalf of the
// request's user.
func (s *Service) ReplayAll(ctx context.Context, id uuid.UUID) (*replay.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleService.ReplayAll")
	defer span.End()

	return s.replayer.ReplayAll(ctx, id, appctx.GetActor(ctx))
}
