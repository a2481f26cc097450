package history

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// ParseExportFormat defaults to JSON when format is empty.
func ParseExportFormat(format string) (ExportFormat, error) {
	switch ExportFormat(format) {
	case "", ExportJSON:
		return ExportJSON, nil
	case ExportCSV:
		return ExportCSV, nil
	default:
		return "", repositories.BadRequest(fmt.Sprintf("unsupported export format %q", format))
	}
}

func (f ExportFormat) ContentType() string {
	if f == ExportCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// CSVHeader is the column order of a CSV export.
var CSVHeader = []string{
	"id", "namespace_id", "entity_name", "entity_type", "topic_name",
	"message_id", "sequence_number", "enqueued_at", "dead_lettered_at", "detected_at",
	"dead_letter_reason", "dead_letter_error_description", "delivery_count",
	"content_type", "size_bytes", "failure_category", "category_confidence",
	"status", "replayed_at", "replay_outcome", "correlation_id", "user_notes",
	"content_hash", "body_preview",
}

// Export writes every record matching q, newest first and capped at the
// configured row limit. Paging fields of q are ignored.
func (s *Service) Export(ctx context.Context, q Query, format ExportFormat, w io.Writer) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "HistoryService.Export")
	defer span.End()

	if err := q.validate(); err != nil {
		return 0, err
	}

	filter := q.filter()
	filter.Limit = s.exportMaxRows
	records, total, err := s.records.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	if total > len(records) {
		s.logger.WithContext(ctx).Warnf("Export truncated to %d of %d records", len(records), total)
	}

	switch format {
	case ExportCSV:
		err = writeCSV(w, records)
	default:
		err = json.NewEncoder(w).Encode(records)
	}
	if err != nil {
		return 0, fmt.Errorf("write %s export: %w", format, err)
	}
	return len(records), nil
}

func writeCSV(w io.Writer, records []models.DlqRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for i := range records {
		if err := cw.Write(csvRow(&records[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(r *models.DlqRecord) []string {
	return []string{
		r.ID.String(),
		r.NamespaceID.String(),
		r.EntityName,
		string(r.EntityType),
		deref(r.TopicName),
		r.MessageID,
		strconv.FormatInt(r.SequenceNumber, 10),
		formatTime(&r.EnqueuedAt),
		formatTime(r.DeadLetteredAt),
		formatTime(&r.DetectedAt),
		r.DeadLetterReason,
		r.DeadLetterErrorDescription,
		strconv.Itoa(r.DeliveryCount),
		deref(r.ContentType),
		strconv.FormatInt(r.SizeBytes, 10),
		string(r.FailureCategory),
		strconv.FormatFloat(r.CategoryConfidence, 'f', -1, 64),
		string(r.Status),
		formatTime(r.ReplayedAt),
		deref(r.ReplayOutcome),
		deref(r.CorrelationID),
		deref(r.UserNotes),
		r.ContentHash,
		r.BodyPreview,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
