package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// DlqRecordFilter narrows history reads. Zero values mean "no filter".
type DlqRecordFilter struct {
	NamespaceID *uuid.UUID
	EntityName  string
	From        *time.Time
	To          *time.Time
	Status      *models.DlqStatus
	Category    *models.FailureCategory
	Offset      int
	Limit       int
}

// DlqRecordRepo defines the interface for dead-letter record operations
type DlqRecordRepo interface {
	// InsertIfAbsent stores record unless its (namespace, entity, sequence) key
	// already exists. inserted is false for a duplicate.
	InsertIfAbsent(ctx context.Context, record *models.DlqRecord) (inserted bool, err error)
	Exists(ctx context.Context, namespaceID uuid.UUID, entityName string, sequenceNumber int64) (bool, error)
	// MaxSequence returns the highest stored sequence number for an entity.
	MaxSequence(ctx context.Context, namespaceID uuid.UUID, entityName string) (seq int64, found bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.DlqRecord, error)
	List(ctx context.Context, filter DlqRecordFilter) ([]models.DlqRecord, int, error)
	ListByStatus(ctx context.Context, status models.DlqStatus, namespaceID *uuid.UUID) ([]models.DlqRecord, error)
	UpdateNotes(ctx context.Context, id uuid.UUID, notes *string) (*models.DlqRecord, error)
	Summary(ctx context.Context, namespaceID *uuid.UUID) (*models.SummaryCounts, error)
	DailyTrend(ctx context.Context, namespaceID *uuid.UUID, since time.Time) ([]models.DailyCount, error)
}

// ReplayHistoryRepo defines the interface for the append-only replay audit log
type ReplayHistoryRepo interface {
	Append(ctx context.Context, record *models.ReplayHistoryRecord) error
	ListByRecord(ctx context.Context, dlqRecordID uuid.UUID) ([]models.ReplayHistoryRecord, error)
	CountForRule(ctx context.Context, ruleID uuid.UUID, windowStart, windowEnd time.Time) (int, error)
}

// RuleRepo defines the interface for auto-replay rule operations
type RuleRepo interface {
	Create(ctx context.Context, rule *models.AutoReplayRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AutoReplayRule, error)
	List(ctx context.Context) ([]models.AutoReplayRule, error)
	Update(ctx context.Context, rule *models.AutoReplayRule) error
	Toggle(ctx context.Context, id uuid.UUID) (*models.AutoReplayRule, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// RecordOutcome is the status change applied to one record by a replay.
type RecordOutcome struct {
	RecordID   uuid.UUID
	Status     models.DlqStatus
	ReplayedAt time.Time
	Outcome    string
}

// ReplayBatch is everything one replay-all run writes.
type ReplayBatch struct {
	RuleID       uuid.UUID
	Outcomes     []RecordOutcome
	History      []models.ReplayHistoryRecord
	MatchCount   int
	SuccessCount int
}

// ReplayBatchRepo persists a replay batch atomically
type ReplayBatchRepo interface {
	ApplyReplayBatch(ctx context.Context, batch ReplayBatch) error
}

// NamespaceRepo defines the interface for namespace operations
type NamespaceRepo interface {
	Create(ctx context.Context, namespace *models.Namespace) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Namespace, error)
	ListActive(ctx context.Context) ([]models.Namespace, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
