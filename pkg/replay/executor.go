// Package replay resubmits dead-lettered messages matched by an auto-replay
// rule and records every attempt.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/broker"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/rules"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// LockKeyPrefix is the prefix for per-rule replay locks
	LockKeyPrefix = "replay:rule:"
	// DefaultLockTTL bounds how long a crashed run can hold a rule's lock
	DefaultLockTTL = 10 * time.Minute
)

// MessageStatus is the per-message outcome of a replay-all run
type MessageStatus string

const (
	MessageReplayed MessageStatus = "Replayed"
	MessageFailed   MessageStatus = "Failed"
	MessageSkipped  MessageStatus = "Skipped"
)

// MessageResult reports what happened to one matched record
type MessageResult struct {
	RecordID       uuid.UUID     `json:"record_id"`
	EntityName     string        `json:"entity_name"`
	SequenceNumber int64         `json:"sequence_number"`
	Destination    string        `json:"destination,omitempty"`
	Status         MessageStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// Result summarizes a replay-all run
type Result struct {
	TotalMatched int             `json:"total_matched"`
	Replayed     int             `json:"replayed"`
	Failed       int             `json:"failed"`
	Skipped      int             `json:"skipped"`
	Results      []MessageResult `json:"results"`
}

func (r *Result) add(m MessageResult) {
	switch m.Status {
	case MessageReplayed:
		r.Replayed++
	case MessageFailed:
		r.Failed++
	case MessageSkipped:
		r.Skipped++
	}
	r.Results = append(r.Results, m)
}

// ClientProvider hands out broker clients per namespace. *broker.ClientCache
// satisfies it.
type ClientProvider interface {
	Get(ctx context.Context, namespaceID uuid.UUID) (broker.Client, error)
}

// Locker guards a rule's replay-all across instances. *redis.Locker satisfies it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Option func(*Executor)

// WithLocker serializes runs of the same rule across instances.
func WithLocker(locker Locker, ttl time.Duration) Option {
	return func(e *Executor) {
		e.locker = locker
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithPublisher sets where replay-completed events go.
func WithPublisher(p kafka.Publisher) Option {
	return func(e *Executor) {
		e.publisher = p
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// Executor runs replay-all for a rule
type Executor struct {
	rules     repositories.RuleRepo
	records   repositories.DlqRecordRepo
	batches   repositories.ReplayBatchRepo
	clients   ClientProvider
	engine    *rules.Engine
	limiter   ratelimit.ReplayLimiter
	publisher kafka.Publisher
	logger    ectologger.Logger
	now       func() time.Time
	locker    Locker
	lockTTL   time.Duration

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func NewExecutor(
	ruleRepo repositories.RuleRepo,
	records repositories.DlqRecordRepo,
	batches repositories.ReplayBatchRepo,
	clients ClientProvider,
	engine *rules.Engine,
	limiter ratelimit.ReplayLimiter,
	logger ectologger.Logger,
	opts ...Option,
) *Executor {
	e := &Executor{
		rules:     ruleRepo,
		records:   records,
		batches:   batches,
		clients:   clients,
		engine:    engine,
		limiter:   limiter,
		publisher: kafka.NoopPublisher{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		lockTTL:   DefaultLockTTL,
		inFlight:  make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// target is one matched record with its resolved destination
type target struct {
	record      models.DlqRecord
	destination broker.Destination
}

// group is every target sharing a namespace and destination
type group struct {
	namespaceID uuid.UUID
	destination broker.Destination
	targets     []target
}

func (e *Executor) begin(ruleID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[ruleID]; busy {
		return false
	}
	e.inFlight[ruleID] = struct{}{}
	return true
}

func (e *Executor) end(ruleID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, ruleID)
}

// ReplayAll replays every Active record matching the rule. Rate limiting is
// decided before any broker call. actor is the user who triggered the run.
// Only one run per rule may be active at a time; a second one gets 409.
func (e *Executor) ReplayAll(ctx context.Context, ruleID uuid.UUID, actor string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "Executor.ReplayAll")
	defer span.End()
	span.SetAttributes(attribute.String("rule_id", ruleID.String()))

	if !e.begin(ruleID) {
		return nil, repositories.Conflict("replay-all already running for rule %s", ruleID)
	}
	defer e.end(ruleID)

	if e.locker == nil {
		return e.run(ctx, ruleID, actor)
	}

	var (
		result *Result
		runErr error
	)
	err := e.locker.WithLock(ctx, LockKeyPrefix+ruleID.String(), e.lockTTL, func(ctx context.Context) error {
		result, runErr = e.run(ctx, ruleID, actor)
		return nil
	})
	switch {
	case errors.Is(err, redis.ErrLockNotAcquired):
		return nil, repositories.Conflict("replay-all already running for rule %s", ruleID)
	case err != nil:
		e.logger.WithContext(ctx).WithError(err).WithField("rule_id", ruleID).Error("failed to acquire replay lock")
		return nil, repositories.Internal("failed to acquire replay lock")
	}
	return result, runErr
}

func (e *Executor) run(ctx context.Context, ruleID uuid.UUID, actor string) (*Result, error) {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": ruleID,
		"actor":   actor,
	})

	rule, err := e.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, repositories.BadRequest(fmt.Sprintf("rule %q is disabled", rule.Name))
	}
	definition, err := rule.Definition()
	if err != nil {
		log.WithError(err).Error("rule definition is malformed")
		return nil, repositories.Internal("rule definition is malformed")
	}

	active, err := e.records.ListByStatus(ctx, models.DlqStatusActive, nil)
	if err != nil {
		return nil, err
	}

	var matched []target
	for _, record := range active {
		if !e.engine.Evaluate(&record, definition.Conditions).Matched {
			continue
		}
		name := record.EntityName
		if definition.Action.TargetEntity != nil && *definition.Action.TargetEntity != "" {
			name = *definition.Action.TargetEntity
		}
		matched = append(matched, target{record: record, destination: broker.ParseDestination(name)})
	}

	result := &Result{TotalMatched: len(matched), Results: make([]MessageResult, 0, len(matched))}
	if len(matched) == 0 {
		return result, nil
	}

	allowed, err := e.applyRateLimit(ctx, rule, matched, result)
	if err != nil {
		log.WithError(err).Error("failed to count recent replays")
		return nil, repositories.Internal("failed to check replay rate limit")
	}

	batch := repositories.ReplayBatch{RuleID: rule.ID}
	var cancelErr error
	groups := groupByDestination(allowed)
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			for _, rest := range groups[i:] {
				for _, t := range rest.targets {
					result.add(skipped(t, "replay cancelled before this destination was attempted"))
				}
			}
			break
		}
		e.replayGroup(ctx, rule, g, &batch, result)
	}

	if len(batch.History) > 0 {
		persistCtx := ctx
		if cancelErr != nil {
			persistCtx = context.WithoutCancel(ctx)
		}
		if err := e.batches.ApplyReplayBatch(persistCtx, batch); err != nil {
			log.WithError(err).Error("failed to persist replay batch")
			return nil, err
		}
		e.recordReplays(persistCtx, rule.ID, batch.History)
	}

	log.Infof("Replay-all completed: matched=%d replayed=%d failed=%d skipped=%d",
		result.TotalMatched, result.Replayed, result.Failed, result.Skipped)
	e.publish(context.WithoutCancel(ctx), rule, actor, result, cancelErr != nil)

	if cancelErr != nil {
		return result, cancelErr
	}
	return result, nil
}

// applyRateLimit marks matches beyond the rule's hourly budget as skipped
// and returns the ones that may be attempted, oldest first.
func (e *Executor) applyRateLimit(ctx context.Context, rule *models.AutoReplayRule, matched []target, result *Result) ([]target, error) {
	if rule.MaxReplaysPerHour <= 0 {
		return matched, nil
	}

	now := e.now()
	count, err := e.limiter.CountReplays(ctx, rule.ID, now.Add(-ratelimit.Window), now)
	if err != nil {
		return nil, err
	}

	remaining := rule.MaxReplaysPerHour - count
	if remaining <= 0 {
		metrics.RateLimitHits.Inc()
		reason := fmt.Sprintf("rate limit reached: %d replays in the last hour (max %d)", count, rule.MaxReplaysPerHour)
		for _, t := range matched {
			result.add(skipped(t, reason))
		}
		return nil, nil
	}
	if remaining >= len(matched) {
		return matched, nil
	}

	reason := fmt.Sprintf("rate limit budget exhausted: %d of %d replays remaining this hour", remaining, rule.MaxReplaysPerHour)
	for _, t := range matched[remaining:] {
		result.add(skipped(t, reason))
	}
	return matched[:remaining], nil
}

// groupByDestination buckets targets by (namespace, destination), keeping
// first-seen order.
func groupByDestination(targets []target) []*group {
	var groups []*group
	index := make(map[string]*group)
	for _, t := range targets {
		key := t.record.NamespaceID.String() + "|" + t.destination.String()
		g, ok := index[key]
		if !ok {
			g = &group{namespaceID: t.record.NamespaceID, destination: t.destination}
			index[key] = g
			groups = append(groups, g)
		}
		g.targets = append(g.targets, t)
	}
	return groups
}

func (e *Executor) replayGroup(ctx context.Context, rule *models.AutoReplayRule, g *group, batch *repositories.ReplayBatch, result *Result) {
	ctx, span := tracing.StartSpan(ctx, "Executor.replayGroup")
	defer span.End()

	metrics.ReplayGroups.Inc()
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"namespace_id": g.namespaceID,
		"destination":  g.destination.String(),
		"messages":     len(g.targets),
	})

	client, err := e.clients.Get(ctx, g.namespaceID)
	if err != nil {
		log.WithError(err).Warn("Failing destination group: broker client unavailable")
		for _, t := range g.targets {
			e.apply(rule, t, broker.ReplayResult{Error: err.Error()}, batch, result)
		}
		return
	}

	items := make([]broker.ReplayItem, len(g.targets))
	for i, t := range g.targets {
		items[i] = broker.ReplayItem{SourceEntity: t.record.EntityName, SequenceNumber: t.record.SequenceNumber}
	}

	replies, err := client.ReplayDeadLetters(ctx, g.destination, items)
	if err != nil {
		log.WithError(err).Warn("Batched replay failed")
	}

	byKey := make(map[broker.ReplayItem]broker.ReplayResult, len(replies))
	for _, reply := range replies {
		byKey[broker.ReplayItem{SourceEntity: reply.SourceEntity, SequenceNumber: reply.SequenceNumber}] = reply
	}

	for i, t := range g.targets {
		reply, ok := byKey[items[i]]
		switch {
		case ok:
		case err != nil:
			reply = broker.ReplayResult{Error: err.Error()}
		default:
			reply = broker.ReplayResult{Error: "broker reported no result for this message"}
		}
		e.apply(rule, t, reply, batch, result)
	}
}

// apply turns one broker reply into a record outcome, a history row and a
// message result.
func (e *Executor) apply(rule *models.AutoReplayRule, t target, reply broker.ReplayResult, batch *repositories.ReplayBatch, result *Result) {
	now := e.now()
	destination := t.destination.String()

	strategy := models.ReplayStrategyOriginalEntity
	if destination != t.record.EntityName {
		strategy = models.ReplayStrategyAlternateEntity
	}

	history := models.ReplayHistoryRecord{
		ID:                  uuid.New(),
		DlqRecordID:         t.record.ID,
		RuleID:              &rule.ID,
		ReplayedAt:          now,
		ReplayedBy:          "rule:" + rule.Name,
		Strategy:            strategy,
		DestinationEntity:   destination,
		NewDeadLetterReason: reply.NewDeadLetterReason,
	}
	outcome := repositories.RecordOutcome{RecordID: t.record.ID, ReplayedAt: now}
	message := MessageResult{
		RecordID:       t.record.ID,
		EntityName:     t.record.EntityName,
		SequenceNumber: t.record.SequenceNumber,
		Destination:    destination,
	}

	if reply.Success {
		history.Outcome = models.ReplayOutcomeSuccess
		outcome.Status = models.DlqStatusReplayed
		outcome.Outcome = string(models.ReplayOutcomeSuccess)
		message.Status = MessageReplayed
		batch.SuccessCount++
	} else {
		detail := reply.Error
		history.Outcome = models.ReplayOutcomeFailed
		history.ErrorDetails = &detail
		outcome.Status = models.DlqStatusReplayFailed
		outcome.Outcome = string(models.ReplayOutcomeFailed) + ": " + detail
		message.Status = MessageFailed
		message.Error = detail
	}

	batch.MatchCount++
	batch.History = append(batch.History, history)
	batch.Outcomes = append(batch.Outcomes, outcome)
	metrics.RecordReplay(string(message.Status))
	result.add(message)
}

func skipped(t target, reason string) MessageResult {
	metrics.RecordReplay(string(MessageSkipped))
	return MessageResult{
		RecordID:       t.record.ID,
		EntityName:     t.record.EntityName,
		SequenceNumber: t.record.SequenceNumber,
		Destination:    t.destination.String(),
		Status:         MessageSkipped,
		Reason:         reason,
	}
}

func (e *Executor) recordReplays(ctx context.Context, ruleID uuid.UUID, history []models.ReplayHistoryRecord) {
	recorder, ok := e.limiter.(ratelimit.ReplayRecorder)
	if !ok {
		return
	}
	ids := make([]uuid.UUID, len(history))
	for i, h := range history {
		ids[i] = h.ID
	}
	if err := recorder.RecordReplays(ctx, ruleID, e.now(), ids); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("rule_id", ruleID).Warn("failed to record replays with rate limiter")
	}
}

func (e *Executor) publish(ctx context.Context, rule *models.AutoReplayRule, actor string, result *Result, cancelled bool) {
	err := e.publisher.PublishReplayCompleted(ctx, &kafka.ReplayCompletedEvent{
		RuleID:       rule.ID.String(),
		RuleName:     rule.Name,
		TriggeredBy:  actor,
		TotalMatched: result.TotalMatched,
		Replayed:     result.Replayed,
		Failed:       result.Failed,
		Skipped:      result.Skipped,
		Cancelled:    cancelled,
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("rule_id", rule.ID).Warn("failed to publish replay event")
	}
}
