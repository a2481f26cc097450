package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const dlqRecordsTable = "dlq_records"

var dlqRecordStruct = database.NewStruct(new(models.DlqRecord))

// DlqRecordRepository handles database operations for dead-letter records
type DlqRecordRepository struct {
	*Repository
}

// NewDlqRecordRepository creates a new dead-letter record repository
func NewDlqRecordRepository(db database.DB, logger ectologger.Logger) *DlqRecordRepository {
	return &DlqRecordRepository{
		Repository: NewRepository(db, logger),
	}
}

// InsertIfAbsent relies on the unique (namespace_id, entity_name, sequence_number)
// index so concurrent scans of the same entity cannot produce duplicates.
func (r *DlqRecordRepository) InsertIfAbsent(ctx context.Context, record *models.DlqRecord) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "DlqRecordRepository.InsertIfAbsent")
	defer span.End()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = models.DlqStatusActive
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(dlqRecordsTable).
		Cols("id", "message_id", "sequence_number", "content_hash", "body_preview",
			"namespace_id", "entity_name", "entity_type", "topic_name", "enqueued_at",
			"dead_lettered_at", "detected_at", "dead_letter_reason", "dead_letter_error_description",
			"delivery_count", "content_type", "size_bytes", "application_properties",
			"failure_category", "category_confidence", "status", "correlation_id", "updated_at").
		Values(record.ID, record.MessageID, record.SequenceNumber, record.ContentHash, record.BodyPreview,
			record.NamespaceID, record.EntityName, record.EntityType, record.TopicName, record.EnqueuedAt,
			record.DeadLetteredAt, record.DetectedAt, record.DeadLetterReason, record.DeadLetterErrorDescription,
			record.DeliveryCount, record.ContentType, record.SizeBytes, record.ApplicationProperties,
			record.FailureCategory, record.CategoryConfidence, record.Status, record.CorrelationID, sqlbuilder.Raw("NOW()")).
		OnConflictDoNothing("namespace_id", "entity_name", "sequence_number").
		Returning("updated_at")

	query, args := ib.Build()
	err := r.DB().Executor(ctx).QueryRowxContext(ctx, query, args...).Scan(&record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"namespace_id":    record.NamespaceID,
			"entity_name":     record.EntityName,
			"sequence_number": record.SequenceNumber,
		}).Error("failed to insert dlq record")
		return false, Internal("failed to insert dlq record")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"record_id": record.ID,
	}).Debugf("Created %s", dlqRecordsTable)
	return true, nil
}

// Exists checks the dedup key
func (r *DlqRecordRepository) Exists(ctx context.Context, namespaceID uuid.UUID, entityName string, sequenceNumber int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "DlqRecordRepository.Exists")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("1").From(dlqRecordsTable)
	sb.Where(sb.Equal("namespace_id", namespaceID), sb.Equal("entity_name", entityName), sb.Equal("sequence_number", sequenceNumber))
	sb.Limit(1)

	query, args := sb.Build()
	var one int
	err := r.DB().Executor(ctx).GetContext(ctx, &one, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"namespace_id": namespaceID,
			"entity_name":  entityName,
		}).Error("failed to check dlq record existence")
		return false, Internal("failed to check dlq record")
	}
	return true, nil
}

// MaxSequence returns the resume cursor base for an entity
func (r *DlqRecordRepository) MaxSequence(ctx context.Context, namespaceID uuid.UUID, entityName string) (int64, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "DlqRecordRepository.MaxSequence")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("MAX(sequence_number)").From(dlqRecordsTable)
	sb.Where(sb.Equal("namespace_id", namespaceID), sb.Equal("entity_name", entityName))

	query, args := sb.Build()
	var seq sql.NullInt64
	if err := r.DB().Executor(ctx).GetContext(ctx, &seq, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"namespace_id": namespaceID,
			"entity_name":  entityName,
		}).Error("failed to get max sequence")
		return 0, false, Internal("failed to get max sequence")
	}
	return seq.Int64, seq.Valid, nil
}

// GetByID retrieves a dead-letter record by ID
func (r *DlqRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DlqRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "DlqRecordRepository.GetByID")
	defer span.End()

	sb := dlqRecordStruct.SelectFrom(dlqRecordsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var record models.DlqRecord
	err := r.DB().Executor(ctx).GetContext(ctx, &record, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("dlq record %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"record_id": id,
		}).Error("failed to get dlq record")
		return nil, Internal("failed to get dlq record")
	}
	return &record, nil
}

func applyRecordFilter(sb *sqlbuilder.SelectBuilder, filter DlqRecordFilter) {
	if filter.NamespaceID != nil {
		sb.Where(sb.Equal("namespace_id", *filter.NamespaceID))
	}
	if filter.EntityName != "" {
		sb.Where(sb.ILike("entity_name", "%"+database.EscapeLike(filter.EntityName)+"%"))
	}
	if filter.From != nil {
		sb.Where(sb.GreaterEqualThan("detected_at", *filter.From))
	}
	if filter.To != nil {
		sb.Where(sb.LessEqualThan("detected_at", *filter.To))
	}
	if filter.Status != nil {
		sb.Where(sb.Equal("status", *filter.Status))
	}
	if filter.Category != nil {
		sb.Where(sb.Equal("failure_category", *filter.Category))
	}
}

// List returns one page of records, most recently detected first, and the
// total number of records matching filter.
func (r *DlqRecordRepository) List(ctx context.Context, filter DlqRecordFilter) ([]models.DlqRecord, int, error) {
	ctx, span := tracing.StartSpan(ctx, "DlqRecordRepository.List")
	defer span.End()

	cb := database.NewSelectBuilder()
	cb.Select("COUNT(*)").From(dlqRecordsTable)
	applyRecordFilter(cb.SelectBuilder, filter)

	countQuery, countArgs := cb.Build()
	var total int
	if err := r.DB().Executor(ctx).GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count dlq records")
		return nil, 0, Internal("failed to list dlq records")
	}

	sb := dlqRecordStruct.SelectFrom(dlqRecordsTable)
	applyRecordFilter(sb.SelectBuilder, filter)
	sb.OrderBy("detected_at DESC", "id")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()
	records := []models.DlqRecord{}
	if err := r.DB().Executor(ctx).SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list dlq records")
		return nil, 0, Internal("failed to list dlq records")
	}
	return records, total, nil
}

// ListByStatus returns every record with status, oldest detected first
func (r *DlqRecordRepository) ListByStatus(ctx context.Context, status models.DlqStatus, namespaceID *uuid.UUID) ([]models.DlqRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "DlqRecordRepository.ListByStatus")
	defer span.End()

	sb := dlqRecordStruct.SelectFrom(dlqRecordsTable)
	sb.Where(sb.Equal("status", status))
	if namespaceID != nil {
		sb.Where(sb.Equal("namespace_id", *namespaceID))
	}
	sb.OrderBy("detected_at", "id")

	query, args := sb.Build()
	records := []models.DlqRecord{}
	if err := r.DB().Executor(ctx).SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"status": status,
		}).Error("failed to list dlq records by status")
		return nil, Internal("failed to list dlq records")
	}
	return records, nil
}

// UpdateNotes overwrites user notes
func (r *DlqRecordRepository) UpdateNotes(ctx context.Context, id uuid.UUID, notes *string) (*models.DlqRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "DlqRecordRepository.UpdateNotes")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(dlqRecordsTable).
		Set(ub.Assign("user_notes", notes), "updated_at = NOW()").
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"record_id": id,
		}).Error("failed to update notes")
		return nil, Internal("failed to update notes")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, NotFound("dlq record %s does not exist", id)
	}
	return r.GetByID(ctx, id)
}

type summaryRow struct {
	Total        int64      `db:"total"`
	Active       int64      `db:"active"`
	Replayed     int64      `db:"replayed"`
	Archived     int64      `db:"archived"`
	OldestActive *time.Time `db:"oldest_active"`
	NewestActive *time.Time `db:"newest_active"`
}

type groupRow struct {
	Key   string `db:"key"`
	Count int64  `db:"count"`
}

// Summary aggregates counts; breakdowns are restricted to Active records
func (r *DlqRecordRepository) Summary(ctx context.Context, namespaceID *uuid.UUID) (*models.SummaryCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "DlqRecordRepository.Summary")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(
		"COUNT(*) AS total",
		"COUNT(*) FILTER (WHERE status = "+sb.Var(models.DlqStatusActive)+") AS active",
		"COUNT(*) FILTER (WHERE status = "+sb.Var(models.DlqStatusReplayed)+") AS replayed",
		"COUNT(*) FILTER (WHERE status = "+sb.Var(models.DlqStatusArchived)+") AS archived",
		"MIN(detected_at) FILTER (WHERE status = "+sb.Var(models.DlqStatusActive)+") AS oldest_active",
		"MAX(detected_at) FILTER (WHERE status = "+sb.Var(models.DlqStatusActive)+") AS newest_active",
	).From(dlqRecordsTable)
	if namespaceID != nil {
		sb.Where(sb.Equal("namespace_id", *namespaceID))
	}

	query, args := sb.Build()
	var row summaryRow
	if err := r.DB().Executor(ctx).GetContext(ctx, &row, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to summarize dlq records")
		return nil, Internal("failed to summarize dlq records")
	}

	byCategory, err := r.activeBreakdown(ctx, "failure_category", namespaceID)
	if err != nil {
		return nil, err
	}
	byEntity, err := r.activeBreakdown(ctx, "entity_name", namespaceID)
	if err != nil {
		return nil, err
	}

	counts := &models.SummaryCounts{
		Total:        row.Total,
		Active:       row.Active,
		Replayed:     row.Replayed,
		Archived:     row.Archived,
		ByCategory:   make(map[models.FailureCategory]int64, len(byCategory)),
		ByEntity:     make(map[string]int64, len(byEntity)),
		OldestActive: row.OldestActive,
		NewestActive: row.NewestActive,
	}
	for _, g := range byCategory {
		counts.ByCategory[models.FailureCategory(g.Key)] = g.Count
	}
	for _, g := range byEntity {
		counts.ByEntity[g.Key] = g.Count
	}
	return counts, nil
}

func (r *DlqRecordRepository) activeBreakdown(ctx context.Context, column string, namespaceID *uuid.UUID) ([]groupRow, error) {
	sb := database.NewSelectBuilder()
	sb.Select(column+" AS key", "COUNT(*) AS count").From(dlqRecordsTable)
	sb.Where(sb.Equal("status", models.DlqStatusActive))
	if namespaceID != nil {
		sb.Where(sb.Equal("namespace_id", *namespaceID))
	}
	sb.GroupBy(column)

	query, args := sb.Build()
	rows := []groupRow{}
	if err := r.DB().Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("column", column).Error("failed to group dlq records")
		return nil, Internal("failed to summarize dlq records")
	}
	return rows, nil
}

// DailyTrend buckets new (detected_at) and resolved (replayed_at, falling back
// to updated_at for archived or discarded records) counts by UTC date. Days
// with no activity are omitted.
func (r *DlqRecordRepository) DailyTrend(ctx context.Context, namespaceID *uuid.UUID, since time.Time) ([]models.DailyCount, error) {
	ctx, span := tracing.StartSpan(ctx, "DlqRecordRepository.DailyTrend")
	defer span.End()

	newRows, err := r.countByDay(ctx, "detected_at", nil, namespaceID, since)
	if err != nil {
		return nil, err
	}
	resolvedRows, err := r.countByDay(ctx, "COALESCE(replayed_at, updated_at)",
		[]any{models.DlqStatusReplayed, models.DlqStatusArchived, models.DlqStatusDiscarded}, namespaceID, since)
	if err != nil {
		return nil, err
	}

	byDay := map[string]*models.DailyCount{}
	var days []string
	get := func(day string) *models.DailyCount {
		if c, ok := byDay[day]; ok {
			return c
		}
		c := &models.DailyCount{Day: day}
		byDay[day] = c
		days = append(days, day)
		return c
	}
	for _, g := range newRows {
		get(g.Key).New = g.Count
	}
	for _, g := range resolvedRows {
		get(g.Key).Resolved = g.Count
	}

	trend := make([]models.DailyCount, 0, len(days))
	for _, day := range days {
		trend = append(trend, *byDay[day])
	}
	return trend, nil
}

func (r *DlqRecordRepository) countByDay(ctx context.Context, expr string, statuses []any, namespaceID *uuid.UUID, since time.Time) ([]groupRow, error) {
	day := "to_char((" + expr + ") AT TIME ZONE 'UTC', 'YYYY-MM-DD')"

	sb := database.NewSelectBuilder()
	sb.Select(day+" AS key", "COUNT(*) AS count").From(dlqRecordsTable)
	sb.Where(sb.GreaterEqualThan(expr, since))
	if len(statuses) > 0 {
		sb.Where(sb.In("status", statuses...))
	}
	if namespaceID != nil {
		sb.Where(sb.Equal("namespace_id", *namespaceID))
	}
	sb.GroupBy("key")
	sb.OrderBy("key")

	query, args := sb.Build()
	rows := []groupRow{}
	if err := r.DB().Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to build daily trend")
		return nil, Internal("failed to build daily trend")
	}
	return rows, nil
}
