package memory_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
)

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	require.True(t, httperror.IsHTTPError(err), "expected HTTP error, got %T", err)
	assert.Equal(t, status, httperror.GetStatusCode(err))
}

func record(namespaceID uuid.UUID, entity string, seq int64, detected time.Time) *models.DlqRecord {
	return &models.DlqRecord{
		MessageID:       fmt.Sprintf("msg-%d", seq),
		SequenceNumber:  seq,
		NamespaceID:     namespaceID,
		EntityName:      entity,
		EntityType:      models.EntityTypeQueue,
		DetectedAt:      detected,
		EnqueuedAt:      detected.Add(-time.Minute),
		FailureCategory: models.FailureCategoryTransient,
	}
}

func TestInsertIfAbsent_DedupUnderConcurrency(t *testing.T) {
	store := memory.New()
	repo := store.Records()
	ctx := context.Background()
	ns := uuid.New()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := int64(1); seq <= 50; seq++ {
				ok, err := repo.InsertIfAbsent(ctx, record(ns, "orders", seq, now))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					inserted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, inserted)
	_, total, err := repo.List(ctx, repositories.DlqRecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 50, total)

	max, found, err := repo.MaxSequence(ctx, ns, "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(50), max)

	_, found, err = repo.MaxSequence(ctx, ns, "other")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestList_FiltersAndOrdering(t *testing.T) {
	store := memory.New()
	repo := store.Records()
	ctx := context.Background()
	ns := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := repo.InsertIfAbsent(ctx, record(ns, "Orders/Subscriptions/Billing", int64(i), base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := repo.InsertIfAbsent(ctx, record(uuid.New(), "payments", 1, base))
	require.NoError(t, err)

	page, total, err := repo.List(ctx, repositories.DlqRecordFilter{NamespaceID: &ns, EntityName: "billing", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].SequenceNumber)
	assert.Equal(t, int64(3), page[1].SequenceNumber)

	from := base.Add(90 * time.Minute)
	page, total, err = repo.List(ctx, repositories.DlqRecordFilter{From: &from, Offset: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)

	page, _, err = repo.List(ctx, repositories.DlqRecordFilter{Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestNotesAndNotFound(t *testing.T) {
	store := memory.New()
	repo := store.Records()
	ctx := context.Background()

	r := record(uuid.New(), "orders", 1, time.Now().UTC())
	_, err := repo.InsertIfAbsent(ctx, r)
	require.NoError(t, err)

	notes := "checked with billing team"
	updated, err := repo.UpdateNotes(ctx, r.ID, &notes)
	require.NoError(t, err)
	require.NotNil(t, updated.UserNotes)
	assert.Equal(t, notes, *updated.UserNotes)

	again, err := repo.UpdateNotes(ctx, r.ID, &notes)
	require.NoError(t, err)
	assert.Equal(t, *updated.UserNotes, *again.UserNotes)

	_, err = repo.UpdateNotes(ctx, uuid.New(), &notes)
	assertStatus(t, err, http.StatusNotFound)
	_, err = repo.GetByID(ctx, uuid.New())
	assertStatus(t, err, http.StatusNotFound)
}

func TestRules_CRUDAndConflict(t *testing.T) {
	store := memory.New()
	rules := store.Rules()
	ctx := context.Background()

	rule := &models.AutoReplayRule{Name: "timeouts", Enabled: true, MaxReplaysPerHour: 10}
	require.NoError(t, rule.SetDefinition(nil, models.RuleAction{AutoReplay: true}))
	require.NoError(t, rules.Create(ctx, rule))

	dup := &models.AutoReplayRule{Name: "timeouts"}
	assertStatus(t, rules.Create(ctx, dup), http.StatusConflict)

	other := &models.AutoReplayRule{Name: "quota"}
	require.NoError(t, rules.Create(ctx, other))
	other.Name = "timeouts"
	assertStatus(t, rules.Update(ctx, other), http.StatusConflict)

	toggled, err := rules.Toggle(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	list, err := rules.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "quota", list[0].Name)

	require.NoError(t, rules.Delete(ctx, rule.ID))
	assertStatus(t, rules.Delete(ctx, rule.ID), http.StatusNotFound)
}

func TestApplyReplayBatch(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	rule := &models.AutoReplayRule{Name: "r", Enabled: true}
	require.NoError(t, store.Rules().Create(ctx, rule))

	r := record(uuid.New(), "orders", 1, now)
	_, err := store.Records().InsertIfAbsent(ctx, r)
	require.NoError(t, err)

	err = store.Batches().ApplyReplayBatch(ctx, repositories.ReplayBatch{
		RuleID: rule.ID,
		Outcomes: []repositories.RecordOutcome{
			{RecordID: r.ID, Status: models.DlqStatusReplayed, ReplayedAt: now, Outcome: string(models.ReplayOutcomeSuccess)},
		},
		History: []models.ReplayHistoryRecord{
			{DlqRecordID: r.ID, RuleID: &rule.ID, ReplayedAt: now, ReplayedBy: "rule:r", Outcome: models.ReplayOutcomeSuccess},
		},
		MatchCount:   1,
		SuccessCount: 1,
	})
	require.NoError(t, err)

	got, err := store.Records().GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DlqStatusReplayed, got.Status)

	updated, err := store.Rules().GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.MatchCount)
	assert.Equal(t, int64(1), updated.SuccessCount)

	count, err := store.History().CountForRule(ctx, rule.ID, now.Add(-time.Hour), now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.History().CountForRule(ctx, rule.ID, now.Add(time.Minute), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSummaryAndTrend(t *testing.T) {
	store := memory.New()
	repo := store.Records()
	ctx := context.Background()
	ns := uuid.New()
	day := time.Date(2026, 5, 10, 23, 30, 0, 0, time.UTC)

	for i := int64(0); i < 3; i++ {
		_, err := repo.InsertIfAbsent(ctx, record(ns, "orders", i, day))
		require.NoError(t, err)
	}
	replayed := record(ns, "payments", 9, day.Add(time.Hour))
	_, err := repo.InsertIfAbsent(ctx, replayed)
	require.NoError(t, err)
	require.NoError(t, store.Batches().ApplyReplayBatch(ctx, repositories.ReplayBatch{
		Outcomes: []repositories.RecordOutcome{{RecordID: replayed.ID, Status: models.DlqStatusReplayed, ReplayedAt: day.Add(2 * time.Hour)}},
	}))

	counts, err := repo.Summary(ctx, &ns)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Total)
	assert.Equal(t, int64(3), counts.Active)
	assert.Equal(t, int64(1), counts.Replayed)
	assert.Equal(t, map[string]int64{"orders": 3}, counts.ByEntity)
	assert.Equal(t, int64(3), counts.ByCategory[models.FailureCategoryTransient])

	trend, err := repo.DailyTrend(ctx, &ns, day.Add(-48*time.Hour))
	require.NoError(t, err)
	require.Len(t, trend, 2)
	assert.Equal(t, models.DailyCount{Day: "2026-05-10", New: 3}, trend[0])
	assert.Equal(t, models.DailyCount{Day: "2026-05-11", New: 1, Resolved: 1}, trend[1])
}
