// Package history serves read access to dead-letter records, their replay
// audit trail, summaries, and exports.
package history

import (
	"context"
	"math"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 50
	MaxPageSize     = 200

	// DefaultExportMaxRows caps a single export
	DefaultExportMaxRows = 10000

	// TrendDays is the length of the daily trend in a summary
	TrendDays = 30
)

// Query filters a history listing. Zero values mean "no filter".
type Query struct {
	NamespaceID *uuid.UUID
	EntityName  string
	From        *time.Time
	To          *time.Time
	Status      *models.DlqStatus
	Category    *models.FailureCategory
	Page        int
	PageSize    int
}

func (q Query) filter() repositories.DlqRecordFilter {
	return repositories.DlqRecordFilter{
		NamespaceID: q.NamespaceID,
		EntityName:  q.EntityName,
		From:        q.From,
		To:          q.To,
		Status:      q.Status,
		Category:    q.Category,
	}
}

func (q Query) validate() error {
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return repositories.BadRequest("from must not be after to")
	}
	if q.Status != nil && !q.Status.Valid() {
		return repositories.BadRequest("unknown status " + string(*q.Status))
	}
	if q.Category != nil && !q.Category.Valid() {
		return repositories.BadRequest("unknown category " + string(*q.Category))
	}
	return nil
}

// Page is one page of records
type Page struct {
	Items      []models.DlqRecord `json:"items"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalCount int                `json:"total_count"`
	TotalPages int                `json:"total_pages"`
}

// RecordDetail is a record with its replay attempts
type RecordDetail struct {
	Record        models.DlqRecord             `json:"record"`
	ReplayHistory []models.ReplayHistoryRecord `json:"replay_history"`
}

// Summary is the dashboard view of a namespace or of every namespace
type Summary struct {
	TotalCount    int64                            `json:"total_count"`
	ActiveCount   int64                            `json:"active_count"`
	ReplayedCount int64                            `json:"replayed_count"`
	ArchivedCount int64                            `json:"archived_count"`
	ByCategory    map[models.FailureCategory]int64 `json:"by_category"`
	ByEntity      map[string]int64                 `json:"by_entity"`
	OldestActive  *time.Time                       `json:"oldest_active,omitempty"`
	NewestActive  *time.Time                       `json:"newest_active,omitempty"`
	DailyTrend    []models.DailyCount              `json:"daily_trend"`
}

type Service struct {
	records       repositories.DlqRecordRepo
	history       repositories.ReplayHistoryRepo
	exportMaxRows int
	logger        ectologger.Logger
	now           func() time.Time
}

func NewService(records repositories.DlqRecordRepo, history repositories.ReplayHistoryRepo, exportMaxRows int, logger ectologger.Logger) *Service {
	if exportMaxRows <= 0 {
		exportMaxRows = DefaultExportMaxRows
	}
	return &Service{
		records:       records,
		history:       history,
		exportMaxRows: exportMaxRows,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// List returns one page of records, newest detected first.
func (s *Service) List(ctx context.Context, q Query) (*Page, error) {
	ctx, span := tracing.StartSpan(ctx, "HistoryService.List")
	defer span.End()

	if err := q.validate(); err != nil {
		return nil, err
	}

	page, size := q.Page, q.PageSize
	if page < 1 {
		page = DefaultPage
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	filter := q.filter()
	filter.Offset = pageOffset(page, size)
	filter.Limit = size

	items, total, err := s.records.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	return &Page{
		Items:      items,
		Page:       page,
		PageSize:   size,
		TotalCount: total,
		TotalPages: (total + size - 1) / size,
	}, nil
}

// pageOffset is (page-1)*size, saturating at math.MaxInt so a huge page
// number yields an empty page instead of wrapping negative.
func pageOffset(page, size int) int {
	if page-1 > math.MaxInt/size {
		return math.MaxInt
	}
	return (page - 1) * size
}

// Get returns a record with its replay history, oldest attempt first.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*RecordDetail, error) {
	ctx, span := tracing.StartSpan(ctx, "HistoryService.Get")
	defer span.End()

	record, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := s.history.ListByRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RecordDetail{Record: *record, ReplayHistory: attempts}, nil
}

// UpdateNotes overwrites the record's notes. An empty string clears them.
func (s *Service) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) (*models.DlqRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "HistoryService.UpdateNotes")
	defer span.End()

	var value *string
	if notes != "" {
		value = &notes
	}
	return s.records.UpdateNotes(ctx, id, value)
}

// Summary aggregates counts and a zero-filled daily trend over the last
// TrendDays UTC days, today included.
func (s *Service) Summary(ctx context.Context, namespaceID *uuid.UUID) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "HistoryService.Summary")
	defer span.End()

	counts, err := s.records.Summary(ctx, namespaceID)
	if err != nil {
		return nil, err
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(TrendDays - 1))
	trend, err := s.records.DailyTrend(ctx, namespaceID, since)
	if err != nil {
		return nil, err
	}

	return &Summary{
		TotalCount:    counts.Total,
		ActiveCount:   counts.Active,
		ReplayedCount: counts.Replayed,
		ArchivedCount: counts.Archived,
		ByCategory:    counts.ByCategory,
		ByEntity:      counts.ByEntity,
		OldestActive:  counts.OldestActive,
		NewestActive:  counts.NewestActive,
		DailyTrend:    padTrend(trend, since, TrendDays),
	}, nil
}

func padTrend(trend []models.DailyCount, since time.Time, days int) []models.DailyCount {
	byDay := make(map[string]models.DailyCount, len(trend))
	for _, c := range trend {
		byDay[c.Day] = c
	}

	out := make([]models.DailyCount, 0, days)
	for i := 0; i < days; i++ {
		day := since.AddDate(0, 0, i).Format(time.DateOnly)
		c, ok := byDay[day]
		if !ok {
			c = models.DailyCount{Day: day}
		}
		out = append(out, c)
	}
	return out
}
