// Package memory is an in-process implementation of the repositories
// interfaces. Safe for concurrent access. Intended for tests and local runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

var (
	_ repositories.DlqRecordRepo     = RecordRepo{}
	_ repositories.ReplayHistoryRepo = HistoryRepo{}
	_ repositories.RuleRepo          = RuleRepo{}
	_ repositories.ReplayBatchRepo   = BatchRepo{}
	_ repositories.NamespaceRepo     = NamespaceRepo{}
)

type dedupKey struct {
	namespaceID uuid.UUID
	entityName  string
	sequence    int64
}

// Store holds every table in maps guarded by one lock.
type Store struct {
	mu sync.RWMutex

	records    map[uuid.UUID]*models.DlqRecord
	dedup      map[dedupKey]uuid.UUID
	history    []models.ReplayHistoryRecord
	rules      map[uuid.UUID]*models.AutoReplayRule
	namespaces map[uuid.UUID]*models.Namespace

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		records:    make(map[uuid.UUID]*models.DlqRecord),
		dedup:      make(map[dedupKey]uuid.UUID),
		rules:      make(map[uuid.UUID]*models.AutoReplayRule),
		namespaces: make(map[uuid.UUID]*models.Namespace),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Each repository view shares the Store's tables and lock.
type (
	RecordRepo    struct{ *Store }
	HistoryRepo   struct{ *Store }
	RuleRepo      struct{ *Store }
	BatchRepo     struct{ *Store }
	NamespaceRepo struct{ *Store }
)

func (m *Store) Records() RecordRepo       { return RecordRepo{m} }
func (m *Store) History() HistoryRepo      { return HistoryRepo{m} }
func (m *Store) Rules() RuleRepo           { return RuleRepo{m} }
func (m *Store) Batches() BatchRepo        { return BatchRepo{m} }
func (m *Store) Namespaces() NamespaceRepo { return NamespaceRepo{m} }

// SetClock replaces the time source used for timestamps.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// ──────────────────────────────────────────────────
// DlqRecordRepo
// ──────────────────────────────────────────────────

func (m RecordRepo) InsertIfAbsent(_ context.Context, record *models.DlqRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dedupKey{record.NamespaceID, record.EntityName, record.SequenceNumber}
	if _, exists := m.dedup[key]; exists {
		return false, nil
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = models.DlqStatusActive
	}
	record.UpdatedAt = m.now()

	cp := *record
	m.records[cp.ID] = &cp
	m.dedup[key] = cp.ID
	return true, nil
}

func (m RecordRepo) Exists(_ context.Context, namespaceID uuid.UUID, entityName string, sequenceNumber int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.dedup[dedupKey{namespaceID, entityName, sequenceNumber}]
	return ok, nil
}

func (m RecordRepo) MaxSequence(_ context.Context, namespaceID uuid.UUID, entityName string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		max   int64
		found bool
	)
	for key := range m.dedup {
		if key.namespaceID != namespaceID || key.entityName != entityName {
			continue
		}
		if !found || key.sequence > max {
			max = key.sequence
			found = true
		}
	}
	return max, found, nil
}

func (m RecordRepo) GetByID(_ context.Context, id uuid.UUID) (*models.DlqRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, repositories.NotFound("dlq record %s does not exist", id)
	}
	cp := *record
	return &cp, nil
}

func matchesFilter(r *models.DlqRecord, f repositories.DlqRecordFilter) bool {
	if f.NamespaceID != nil && r.NamespaceID != *f.NamespaceID {
		return false
	}
	if f.EntityName != "" && !strings.Contains(strings.ToLower(r.EntityName), strings.ToLower(f.EntityName)) {
		return false
	}
	if f.From != nil && r.DetectedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.DetectedAt.After(*f.To) {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.Category != nil && r.FailureCategory != *f.Category {
		return false
	}
	return true
}

func (m RecordRepo) List(_ context.Context, filter repositories.DlqRecordFilter) ([]models.DlqRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]models.DlqRecord, 0)
	for _, r := range m.records {
		if matchesFilter(r, filter) {
			matched = append(matched, *r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DetectedAt.Equal(matched[j].DetectedAt) {
			return matched[i].DetectedAt.After(matched[j].DetectedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

func (m RecordRepo) ListByStatus(_ context.Context, status models.DlqStatus, namespaceID *uuid.UUID) ([]models.DlqRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.DlqRecord, 0)
	for _, r := range m.records {
		if r.Status != status {
			continue
		}
		if namespaceID != nil && r.NamespaceID != *namespaceID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m RecordRepo) UpdateNotes(_ context.Context, id uuid.UUID, notes *string) (*models.DlqRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return nil, repositories.NotFound("dlq record %s does not exist", id)
	}
	if notes != nil {
		n := *notes
		record.UserNotes = &n
	} else {
		record.UserNotes = nil
	}
	record.UpdatedAt = m.now()
	cp := *record
	return &cp, nil
}

func (m RecordRepo) Summary(_ context.Context, namespaceID *uuid.UUID) (*models.SummaryCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := &models.SummaryCounts{
		ByCategory: map[models.FailureCategory]int64{},
		ByEntity:   map[string]int64{},
	}
	for _, r := range m.records {
		if namespaceID != nil && r.NamespaceID != *namespaceID {
			continue
		}
		counts.Total++
		switch r.Status {
		case models.DlqStatusReplayed:
			counts.Replayed++
		case models.DlqStatusArchived:
			counts.Archived++
		case models.DlqStatusActive:
			counts.Active++
			counts.ByCategory[r.FailureCategory]++
			counts.ByEntity[r.EntityName]++
			detected := r.DetectedAt
			if counts.OldestActive == nil || detected.Before(*counts.OldestActive) {
				counts.OldestActive = &detected
			}
			if counts.NewestActive == nil || detected.After(*counts.NewestActive) {
				counts.NewestActive = &detected
			}
		}
	}
	return counts, nil
}

func resolvedAt(r *models.DlqRecord) (time.Time, bool) {
	switch r.Status {
	case models.DlqStatusReplayed, models.DlqStatusArchived, models.DlqStatusDiscarded:
	default:
		return time.Time{}, false
	}
	if r.ReplayedAt != nil {
		return *r.ReplayedAt, true
	}
	return r.UpdatedAt, true
}

func (m RecordRepo) DailyTrend(_ context.Context, namespaceID *uuid.UUID, since time.Time) ([]models.DailyCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byDay := map[string]*models.DailyCount{}
	get := func(t time.Time) *models.DailyCount {
		day := t.UTC().Format(time.DateOnly)
		c, ok := byDay[day]
		if !ok {
			c = &models.DailyCount{Day: day}
			byDay[day] = c
		}
		return c
	}

	for _, r := range m.records {
		if namespaceID != nil && r.NamespaceID != *namespaceID {
			continue
		}
		if !r.DetectedAt.Before(since) {
			get(r.DetectedAt).New++
		}
		if at, ok := resolvedAt(r); ok && !at.Before(since) {
			get(at).Resolved++
		}
	}

	trend := make([]models.DailyCount, 0, len(byDay))
	for _, c := range byDay {
		trend = append(trend, *c)
	}
	sort.Slice(trend, func(i, j int) bool { return trend[i].Day < trend[j].Day })
	return trend, nil
}

// ──────────────────────────────────────────────────
// ReplayHistoryRepo
// ──────────────────────────────────────────────────

func (m HistoryRepo) Append(_ context.Context, record *models.ReplayHistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(record)
	return nil
}

func (m *Store) appendLocked(record *models.ReplayHistoryRecord) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	m.history = append(m.history, *record)
}

func (m HistoryRepo) ListByRecord(_ context.Context, dlqRecordID uuid.UUID) ([]models.ReplayHistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.ReplayHistoryRecord, 0)
	for _, h := range m.history {
		if h.DlqRecordID == dlqRecordID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReplayedAt.Before(out[j].ReplayedAt) })
	return out, nil
}

func (m HistoryRepo) CountForRule(_ context.Context, ruleID uuid.UUID, windowStart, windowEnd time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, h := range m.history {
		if h.RuleID == nil || *h.RuleID != ruleID {
			continue
		}
		if h.ReplayedAt.Before(windowStart) || h.ReplayedAt.After(windowEnd) {
			continue
		}
		count++
	}
	return count, nil
}

