package replay_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/broker"
	"github.com/Ramsey-B/fern/pkg/broker/brokertest"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/namespaces"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/replay"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/rules"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	require.True(t, httperror.IsHTTPError(err), "expected HTTP error, got %T", err)
	assert.Equal(t, status, httperror.GetStatusCode(err))
}

type harness struct {
	t       *testing.T
	store   *memory.Store
	factory *brokertest.Factory
	cache   *broker.ClientCache
	base    time.Time
	seq     int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	factory := brokertest.NewFactory()
	directory := namespaces.NewStoreDirectory(store.Namespaces(), nil, getTestLogger())
	return &harness{
		t:       t,
		store:   store,
		factory: factory,
		cache:   broker.NewClientCache(directory, factory, getTestLogger()),
		base:    time.Now().UTC().Add(-24 * time.Hour),
	}
}

// namespace creates an active namespace; registered controls whether the
// fake factory can open a client for it.
func (h *harness) namespace(name string, registered bool) (uuid.UUID, *brokertest.Broker) {
	ns := models.Namespace{Name: name, BrokerType: models.BrokerTypeRedisStreams, IsActive: true}
	require.NoError(h.t, h.store.Namespaces().Create(context.Background(), &ns))
	if !registered {
		return ns.ID, nil
	}
	return ns.ID, h.factory.Register(ns.ID)
}

// deadLetter stores an Active record and puts the matching message on the broker.
func (h *harness) deadLetter(namespaceID uuid.UUID, b *brokertest.Broker, entity, reason string) models.DlqRecord {
	h.seq++
	record := models.DlqRecord{
		ID:               uuid.New(),
		MessageID:        fmt.Sprintf("m-%d", h.seq),
		SequenceNumber:   h.seq,
		NamespaceID:      namespaceID,
		EntityName:       entity,
		EntityType:       models.EntityTypeQueue,
		DetectedAt:       h.base.Add(time.Duration(h.seq) * time.Minute),
		DeadLetterReason: reason,
		FailureCategory:  models.FailureCategoryTransient,
		Status:           models.DlqStatusActive,
	}
	ok, err := h.store.Records().InsertIfAbsent(context.Background(), &record)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	if b != nil {
		b.DeadLetter(entity, broker.Message{MessageID: record.MessageID, SequenceNumber: record.SequenceNumber, Body: []byte("{}")})
	}
	return record
}

func (h *harness) rule(name string, maxPerHour int, action models.RuleAction, conditions ...models.RuleCondition) models.AutoReplayRule {
	rule := models.AutoReplayRule{Name: name, Enabled: true, MaxReplaysPerHour: maxPerHour}
	require.NoError(h.t, rule.SetDefinition(conditions, action))
	require.NoError(h.t, h.store.Rules().Create(context.Background(), &rule))
	return rule
}

func (h *harness) executor(limiter ratelimit.ReplayLimiter, opts ...replay.Option) *replay.Executor {
	return h.executorWith(h.cache, limiter, opts...)
}

func (h *harness) executorWith(clients replay.ClientProvider, limiter ratelimit.ReplayLimiter, opts ...replay.Option) *replay.Executor {
	if limiter == nil {
		limiter = ratelimit.NewStoreLimiter(h.store.History())
	}
	return replay.NewExecutor(
		h.store.Rules(),
		h.store.Records(),
		h.store.Batches(),
		clients,
		rules.NewEngine(getTestLogger()),
		limiter,
		getTestLogger(),
		opts...,
	)
}

func timeout() models.RuleCondition {
	return models.RuleCondition{Field: models.FieldDeadLetterReason, Operator: models.OperatorContains, Value: "timeout"}
}

func TestReplayAll_GroupsByDestination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ns, b := h.namespace("primary", true)
	for i := 0; i < 4; i++ {
		h.deadLetter(ns, b, "orders", "connection timeout")
	}
	for i := 0; i < 3; i++ {
		h.deadLetter(ns, b, "payments", "Timeout talking to db")
	}
	h.deadLetter(ns, b, "orders", "schema validation failed")
	rule := h.rule("retry timeouts", 0, models.RuleAction{AutoReplay: true}, timeout())

	result, err := h.executor(nil).ReplayAll(ctx, rule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 7, result.TotalMatched)
	assert.Equal(t, 7, result.Replayed)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Skipped)

	calls := b.ReplayCalls()
	require.Len(t, calls, 2, "one batched call per destination")
	assert.Equal(t, "orders", calls[0].Destination.String())
	assert.Len(t, calls[0].Items, 4)
	assert.Equal(t, "payments", calls[1].Destination.String())
	assert.Len(t, calls[1].Items, 3)

	stored, err := h.store.Rules().GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, stored.MatchCount)
	assert.EqualValues(t, 7, stored.SuccessCount)

	first := result.Results[0]
	record, err := h.store.Records().GetByID(ctx, first.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.DlqStatusReplayed, record.Status)
	require.NotNil(t, record.ReplayedAt)

	history, err := h.store.History().ListByRecord(ctx, first.RecordID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "rule:retry timeouts", history[0].ReplayedBy)
	assert.Equal(t, models.ReplayStrategyOriginalEntity, history[0].Strategy)
	assert.Equal(t, models.ReplayOutcomeSuccess, history[0].Outcome)
}

func TestReplayAll_RateLimitReachedMakesNoBrokerCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ns, b := h.namespace("primary", true)
	for i := 0; i < 3; i++ {
		h.deadLetter(ns, b, "orders", "timeout")
	}
	rule := h.rule("limited", 5, models.RuleAction{AutoReplay: true}, timeout())

	ruleID := rule.ID
	for i := 0; i < 5; i++ {
		require.NoError(t, h.store.History().Append(ctx, &models.ReplayHistoryRecord{
			DlqRecordID: uuid.New(),
			RuleID:      &ruleID,
			ReplayedAt:  time.Now().UTC().Add(-10 * time.Minute),
			Outcome:     models.ReplayOutcomeSuccess,
		}))
	}

	result, err := h.executor(nil).ReplayAll(ctx, rule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalMatched)
	assert.Equal(t, 3, result.Skipped)
	for _, r := range result.Results {
		assert.Equal(t, replay.MessageSkipped, r.Status)
		assert.Contains(t, r.Reason, "rate limit")
	}
	assert.Empty(t, b.ReplayCalls())
	assert.Equal(t, 3, b.Remaining("orders"))
}

func TestReplayAll_RemainingBudgetTakesOldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ns, b := h.namespace("primary", true)
	var records []models.DlqRecord
	for i := 0; i < 4; i++ {
		records = append(records, h.deadLetter(ns, b, "orders", "timeout"))
	}
	rule := h.rule("budgeted", 5, models.RuleAction{AutoReplay: true}, timeout())

	ruleID := rule.ID
	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.History().Append(ctx, &models.ReplayHistoryRecord{
			DlqRecordID: uuid.New(),
			RuleID:      &ruleID,
			ReplayedAt:  time.Now().UTC().Add(-time.Minute),
		}))
	}

	result, err := h.executor(nil).ReplayAll(ctx, rule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Replayed)
	assert.Equal(t, 2, result.Skipped)

	calls := b.ReplayCalls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Items, 2)
	assert.Equal(t, records[0].SequenceNumber, calls[0].Items[0].SequenceNumber)
	assert.Equal(t, records[1].SequenceNumber, calls[0].Items[1].SequenceNumber)
}

func TestReplayAll_CredentialFailureFailsOnlyItsGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	good, b := h.namespace("good", true)
	bad, _ := h.namespace("bad", false)
	h.deadLetter(good, b, "orders", "timeout")
	h.deadLetter(good, b, "orders", "timeout")
	failing := h.deadLetter(bad, nil, "orders", "timeout")
	rule := h.rule("mixed", 0, models.RuleAction{AutoReplay: true}, timeout())

	result, err := h.executor(nil).ReplayAll(ctx, rule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Replayed)
	assert.Equal(t, 1, result.Failed)

	record, err := h.store.Records().GetByID(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DlqStatusReplayFailed, record.Status)

	history, err := h.store.History().ListByRecord(ctx, failing.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ReplayOutcomeFailed, history[0].Outcome)
	require.NotNil(t, history[0].ErrorDetails)
	assert.Contains(t, *history[0].ErrorDetails, "no broker for namespace")

	stored, err := h.store.Rules().GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stored.MatchCount)
	assert.EqualValues(t, 2, stored.SuccessCount)
}

func TestReplayAll_PerMessageFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ns, b := h.namespace("primary", true)
	ok := h.deadLetter(ns, b, "orders", "timeout")
	bad := h.deadLetter(ns, b, "orders", "timeout")
	b.FailSequences[bad.SequenceNumber] = "lock lost"
	rule := h.rule("partial", 0, models.RuleAction{AutoReplay: true}, timeout())

	result, err := h.executor(nil).ReplayAll(ctx, rule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replayed)
	assert.Equal(t, 1, result.Failed)

	okRecord, _ := h.store.Records().GetByID(ctx, ok.ID)
	badRecord, _ := h.store.Records().GetByID(ctx, bad.ID)
	assert.Equal(t, models.DlqStatusReplayed, okRecord.Status)
	assert.Equal(t, models.DlqStatusReplayFailed, badRecord.Status)
	require.NotNil(t, badRecord.ReplayOutcome)
	assert.Contains(t, *badRecord.ReplayOutcome, "lock lost")
}

func TestReplayAll_TargetOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ns, b := h.namespace("primary", true)
	record := h.deadLetter(ns, b, "orders", "timeout")
	retry := "orders-retry"
	rule := h.rule("reroute", 0, models.RuleAction{AutoReplay: true, TargetEntity: &retry}, timeout())

	result, err := h.executor(nil).ReplayAll(ctx, rule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replayed)
	assert.Len(t, b.Delivered("orders-retry"), 1)

	history, err := h.store.History().ListByRecord(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ReplayStrategyAlternateEntity, history[0].Strategy)
	assert.Equal(t, "orders-retry", history[0].DestinationEntity)
}

func TestReplayAll_RuleErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec := h.executor(nil)

	_, err := exec.ReplayAll(ctx, uuid.New(), "alice")
	assertStatus(t, err, http.StatusNotFound)

	rule := h.rule("disabled", 0, models.RuleAction{}, timeout())
	_, err = h.store.Rules().Toggle(ctx, rule.ID)
	require.NoError(t, err)
	_, err = exec.ReplayAll(ctx, rule.ID, "alice")
	assertStatus(t, err, http.StatusBadRequest)
}

type failingLimiter struct{}

func (failingLimiter) CountReplays(context.Context, uuid.UUID, time.Time, time.Time) (int, error) {
	return 0, errors.New("redis unavailable")
}

func TestReplayAll_LimiterErrorStopsBeforeBroker(t *testing.T) {
	h := newHarness(t)
	ns, b := h.namespace("primary", true)
	h.deadLetter(ns, b, "orders", "timeout")
	rule := h.rule("limited", 10, models.RuleAction{}, timeout())

	_, err := h.executor(failingLimiter{}).ReplayAll(context.Background(), rule.ID, "alice")
	assertStatus(t, err, http.StatusInternalServerError)
	assert.Empty(t, b.ReplayCalls())
}

// cancellingProvider cancels the run as soon as the first group has its client.
type cancellingProvider struct {
	inner  replay.ClientProvider
	cancel context.CancelFunc
}

func (p cancellingProvider) Get(ctx context.Context, namespaceID uuid.UUID) (broker.Client, error) {
	client, err := p.inner.Get(ctx, namespaceID)
	p.cancel()
	return client, err
}

func TestReplayAll_CancellationPersistsAttempted(t *testing.T) {
	h := newHarness(t)
	ns, b := h.namespace("primary", true)
	first := h.deadLetter(ns, b, "orders", "timeout")
	second := h.deadLetter(ns, b, "payments", "timeout")
	rule := h.rule("cancel", 0, models.RuleAction{}, timeout())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := h.executorWith(cancellingProvider{inner: h.cache, cancel: cancel}, nil).ReplayAll(ctx, rule.ID, "alice")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Replayed)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, b.ReplayCalls(), 1)

	done, _ := h.store.Records().GetByID(context.Background(), first.ID)
	untouched, _ := h.store.Records().GetByID(context.Background(), second.ID)
	assert.Equal(t, models.DlqStatusReplayed, done.Status)
	assert.Equal(t, models.DlqStatusActive, untouched.Status)
}

// blockingProvider holds the first Get until release is closed.
type blockingProvider struct {
	inner   replay.ClientProvider
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProvider) Get(ctx context.Context, namespaceID uuid.UUID) (broker.Client, error) {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return p.inner.Get(ctx, namespaceID)
}

func TestReplayAll_OverlappingRunIsRejected(t *testing.T) {
	h := newHarness(t)
	ns, b := h.namespace("primary", true)
	record := h.deadLetter(ns, b, "orders", "timeout")
	rule := h.rule("single", 1, models.RuleAction{}, timeout())

	provider := &blockingProvider{inner: h.cache, entered: make(chan struct{}), release: make(chan struct{})}
	executor := h.executorWith(provider, nil)

	type outcome struct {
		result *replay.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := executor.ReplayAll(context.Background(), rule.ID, "alice")
		done <- outcome{result, err}
	}()

	<-provider.entered
	_, err := executor.ReplayAll(context.Background(), rule.ID, "bob")
	assertStatus(t, err, http.StatusConflict)

	close(provider.release)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, 1, first.result.Replayed)

	stored, err := h.store.Records().GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DlqStatusReplayed, stored.Status)
	history, err := h.store.History().ListByRecord(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// the guard is released once the run finishes
	again, err := executor.ReplayAll(context.Background(), rule.ID, "alice")
	require.NoError(t, err)
	assert.Zero(t, again.TotalMatched)
}

type stubLocker struct {
	err  error
	keys []string
}

func (l *stubLocker) WithLock(ctx context.Context, key string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return l.err
	}
	return fn(ctx)
}

func TestReplayAll_DistributedLock(t *testing.T) {
	h := newHarness(t)
	ns, b := h.namespace("primary", true)
	h.deadLetter(ns, b, "orders", "timeout")
	rule := h.rule("locked", 0, models.RuleAction{}, timeout())

	busy := &stubLocker{err: redis.ErrLockNotAcquired}
	_, err := h.executor(nil, replay.WithLocker(busy, time.Minute)).ReplayAll(context.Background(), rule.ID, "alice")
	assertStatus(t, err, http.StatusConflict)
	assert.Empty(t, b.ReplayCalls())

	broken := &stubLocker{err: errors.New("redis unavailable")}
	_, err = h.executor(nil, replay.WithLocker(broken, time.Minute)).ReplayAll(context.Background(), rule.ID, "alice")
	assertStatus(t, err, http.StatusInternalServerError)

	free := &stubLocker{}
	result, err := h.executor(nil, replay.WithLocker(free, time.Minute)).ReplayAll(context.Background(), rule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replayed)
	assert.Equal(t, []string{replay.LockKeyPrefix + rule.ID.String()}, free.keys)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []kafka.ReplayCompletedEvent
}

func (p *capturePublisher) PublishReplayCompleted(_ context.Context, evt *kafka.ReplayCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *evt)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type recordingLimiter struct {
	*ratelimit.StoreLimiter
	recorded []uuid.UUID
}

func (l *recordingLimiter) RecordReplays(_ context.Context, _ uuid.UUID, _ time.Time, ids []uuid.UUID) error {
	l.recorded = append(l.recorded, ids...)
	return nil
}

func TestReplayAll_PublishesAndRecords(t *testing.T) {
	h := newHarness(t)
	ns, b := h.namespace("primary", true)
	h.deadLetter(ns, b, "orders", "timeout")
	h.deadLetter(ns, b, "orders", "timeout")
	rule := h.rule("events", 10, models.RuleAction{}, timeout())

	publisher := &capturePublisher{}
	limiter := &recordingLimiter{StoreLimiter: ratelimit.NewStoreLimiter(h.store.History())}

	_, err := h.executor(limiter, replay.WithPublisher(publisher)).ReplayAll(context.Background(), rule.ID, "alice")
	require.NoError(t, err)

	require.Len(t, publisher.events, 1)
	evt := publisher.events[0]
	assert.Equal(t, rule.ID.String(), evt.RuleID)
	assert.Equal(t, "alice", evt.TriggeredBy)
	assert.Equal(t, 2, evt.Replayed)
	assert.Len(t, limiter.recorded, 2)
}

func TestReplayAll_NoMatches(t *testing.T) {
	h := newHarness(t)
	ns, b := h.namespace("primary", true)
	h.deadLetter(ns, b, "orders", "schema invalid")
	rule := h.rule("none", 0, models.RuleAction{}, timeout())

	result, err := h.executor(nil).ReplayAll(context.Background(), rule.ID, "alice")
	require.NoError(t, err)
	assert.Zero(t, result.TotalMatched)
	assert.Empty(t, result.Results)
	assert.Empty(t, b.ReplayCalls())
}
