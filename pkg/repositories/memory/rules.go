package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func (m *Store) nameTakenLocked(name string, except uuid.UUID) bool {
	for id, rule := range m.rules {
		if id != except && rule.Name == name {
			return true
		}
	}
	return false
}

func (m RuleRepo) Create(_ context.Context, rule *models.AutoReplayRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nameTakenLocked(rule.Name, uuid.Nil) {
		return repositories.Conflict("rule named %q already exists", rule.Name)
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := m.now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	rule.MatchCount, rule.SuccessCount = 0, 0

	cp := *rule
	m.rules[cp.ID] = &cp
	return nil
}

func (m RuleRepo) GetByID(_ context.Context, id uuid.UUID) (*models.AutoReplayRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, repositories.NotFound("rule %s does not exist", id)
	}
	cp := *rule
	return &cp, nil
}

func (m RuleRepo) List(_ context.Context) ([]models.AutoReplayRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AutoReplayRule, 0, len(m.rules))
	for _, rule := range m.rules {
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Update replaces the editable fields. Counters and created_at are kept.
func (m RuleRepo) Update(_ context.Context, rule *models.AutoReplayRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.rules[rule.ID]
	if !ok {
		return repositories.NotFound("rule %s does not exist", rule.ID)
	}
	if m.nameTakenLocked(rule.Name, rule.ID) {
		return repositories.Conflict("rule named %q already exists", rule.Name)
	}

	rule.MatchCount = existing.MatchCount
	rule.SuccessCount = existing.SuccessCount
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = m.now()

	cp := *rule
	m.rules[cp.ID] = &cp
	return nil
}

func (m RuleRepo) Toggle(_ context.Context, id uuid.UUID) (*models.AutoReplayRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, repositories.NotFound("rule %s does not exist", id)
	}
	rule.Enabled = !rule.Enabled
	rule.UpdatedAt = m.now()
	cp := *rule
	return &cp, nil
}

func (m RuleRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return repositories.NotFound("rule %s does not exist", id)
	}
	delete(m.rules, id)
	return nil
}

// ApplyReplayBatch applies the whole batch under the store lock.
func (m BatchRepo) ApplyReplayBatch(_ context.Context, batch repositories.ReplayBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, outcome := range batch.Outcomes {
		record, ok := m.records[outcome.RecordID]
		if !ok {
			continue
		}
		replayedAt := outcome.ReplayedAt
		result := outcome.Outcome
		record.Status = outcome.Status
		record.ReplayedAt = &replayedAt
		record.ReplayOutcome = &result
		record.UpdatedAt = now
	}

	for i := range batch.History {
		m.appendLocked(&batch.History[i])
	}

	if rule, ok := m.rules[batch.RuleID]; ok {
		rule.MatchCount += int64(batch.MatchCount)
		rule.SuccessCount += int64(batch.SuccessCount)
		rule.UpdatedAt = now
	}
	return nil
}

func (m NamespaceRepo) Create(_ context.Context, namespace *models.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.namespaces {
		if existing.Name == namespace.Name {
			return repositories.Conflict("namespace named %q already exists", namespace.Name)
		}
	}
	if namespace.ID == uuid.Nil {
		namespace.ID = uuid.New()
	}
	now := m.now()
	namespace.CreatedAt, namespace.UpdatedAt = now, now

	cp := *namespace
	m.namespaces[cp.ID] = &cp
	return nil
}

func (m NamespaceRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	namespace, ok := m.namespaces[id]
	if !ok {
		return nil, repositories.NotFound("namespace %s does not exist", id)
	}
	cp := *namespace
	return &cp, nil
}

func (m NamespaceRepo) ListActive(_ context.Context) ([]models.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Namespace, 0, len(m.namespaces))
	for _, namespace := range m.namespaces {
		if namespace.IsActive {
			out = append(out, *namespace)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m NamespaceRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	namespace, ok := m.namespaces[id]
	if !ok {
		return repositories.NotFound("namespace %s does not exist", id)
	}
	namespace.IsActive = active
	namespace.UpdatedAt = m.now()
	return nil
}
