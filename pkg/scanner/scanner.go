// Package scanner discovers dead-lettered messages and records them in the
// history store.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/broker"
	"github.com/Ramsey-B/fern/pkg/categorizer"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultPeekBatchSize is how many messages are peeked per entity per scan
	DefaultPeekBatchSize = 100

	// PreviewMaxBytes bounds the stored body preview
	PreviewMaxBytes = 1024
)

// ErrScanInProgress is returned when the namespace is already being scanned
// by this process.
var ErrScanInProgress = errors.New("scan already in progress for namespace")

// ClientProvider hands out broker clients per namespace. *broker.ClientCache
// satisfies it.
type ClientProvider interface {
	Get(ctx context.Context, namespaceID uuid.UUID) (broker.Client, error)
	Invalidate(namespaceID uuid.UUID)
}

type Config struct {
	PeekBatchSize int
}

// Scanner peeks every dead-letter queue of a namespace and persists the
// messages it has not seen before.
type Scanner struct {
	records repositories.DlqRecordRepo
	clients ClientProvider
	config  Config
	logger  ectologger.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func New(records repositories.DlqRecordRepo, clients ClientProvider, config Config, logger ectologger.Logger) *Scanner {
	if config.PeekBatchSize <= 0 {
		config.PeekBatchSize = DefaultPeekBatchSize
	}
	return &Scanner{
		records:  records,
		clients:  clients,
		config:   config,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

func (s *Scanner) begin(namespaceID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[namespaceID]; busy {
		return false
	}
	s.inFlight[namespaceID] = struct{}{}
	return true
}

func (s *Scanner) end(namespaceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, namespaceID)
}

// ScanNamespace scans every entity with dead letters and returns how many new
// records were stored. Entity failures are logged and skipped; only failures
// that prevent the scan from starting are returned.
func (s *Scanner) ScanNamespace(ctx context.Context, namespaceID uuid.UUID) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "Scanner.ScanNamespace")
	defer span.End()

	if !s.begin(namespaceID) {
		return 0, ErrScanInProgress
	}
	defer s.end(namespaceID)

	ctx = appctx.SetNamespaceID(ctx, namespaceID.String())
	log := s.logger.WithContext(ctx).WithField("namespace_id", namespaceID)
	start := time.Now()

	client, err := s.clients.Get(ctx, namespaceID)
	if err != nil {
		metrics.RecordScan("error", time.Since(start).Seconds())
		log.WithError(err).Error("Failed to resolve broker client")
		return 0, err
	}

	entities, err := client.ListEntities(ctx)
	if err != nil {
		s.clients.Invalidate(namespaceID)
		metrics.RecordScan("error", time.Since(start).Seconds())
		log.WithError(err).Error("Failed to list entities")
		return 0, fmt.Errorf("list entities: %w", err)
	}

	total := 0
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			metrics.RecordScan("cancelled", time.Since(start).Seconds())
			return total, err
		}
		if entity.DeadLetterCount <= 0 {
			continue
		}

		n, err := s.scanEntity(ctx, client, namespaceID, entity)
		total += n
		if err != nil {
			metrics.EntityErrors.Inc()
			log.WithError(err).WithField("entity_name", entity.Name).Warn("Skipping entity after scan failure")
		}
	}

	metrics.RecordScan("success", time.Since(start).Seconds())
	log.Infof("Namespace scan completed: entities=%d new_records=%d duration=%s",
		len(entities), total, time.Since(start))
	return total, nil
}

func (s *Scanner) scanEntity(ctx context.Context, client broker.Client, namespaceID uuid.UUID, entity broker.Entity) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "Scanner.scanEntity")
	defer span.End()

	cursor, found, err := s.records.MaxSequence(ctx, namespaceID, entity.Name)
	if err != nil {
		return 0, fmt.Errorf("load resume cursor: %w", err)
	}
	from := int64(0)
	if found {
		from = cursor + 1
	}

	messages, err := client.PeekDeadLetters(ctx, entity.Name, s.config.PeekBatchSize, from)
	if err != nil {
		return 0, fmt.Errorf("peek dead letters: %w", err)
	}

	inserted := 0
	for i := range messages {
		msg := &messages[i]

		exists, err := s.records.Exists(ctx, namespaceID, entity.Name, msg.SequenceNumber)
		if err != nil {
			return inserted, fmt.Errorf("check sequence %d: %w", msg.SequenceNumber, err)
		}
		if exists {
			continue
		}

		record := s.newRecord(namespaceID, entity, msg)
		ok, err := s.records.InsertIfAbsent(ctx, record)
		if err != nil {
			return inserted, fmt.Errorf("insert sequence %d: %w", msg.SequenceNumber, err)
		}
		if ok {
			inserted++
			metrics.RecordDetection(string(record.FailureCategory))
		}
	}

	if inserted > 0 {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_name": entity.Name,
			"peeked":      len(messages),
			"inserted":    inserted,
		}).Debug("Recorded new dead letters")
	}
	return inserted, nil
}

func (s *Scanner) newRecord(namespaceID uuid.UUID, entity broker.Entity, msg *broker.Message) *models.DlqRecord {
	result := categorizer.Categorize(msg.DeadLetterReason, msg.DeadLetterErrorDescription, msg.DeliveryCount)
	now := s.now()

	entityType, topic := entity.Type, entity.TopicName
	if entityType == "" {
		entityType, topic = broker.EntityInfo(entity.Name)
	}

	sum := sha256.Sum256(msg.Body)
	return &models.DlqRecord{
		ID:                         uuid.New(),
		MessageID:                  msg.MessageID,
		SequenceNumber:             msg.SequenceNumber,
		ContentHash:                hex.EncodeToString(sum[:]),
		BodyPreview:                Preview(msg.Body),
		NamespaceID:                namespaceID,
		EntityName:                 entity.Name,
		EntityType:                 entityType,
		TopicName:                  topic,
		EnqueuedAt:                 msg.EnqueuedAt,
		DeadLetteredAt:             msg.DeadLetteredAt,
		DetectedAt:                 now,
		DeadLetterReason:           msg.DeadLetterReason,
		DeadLetterErrorDescription: msg.DeadLetterErrorDescription,
		DeliveryCount:              msg.DeliveryCount,
		ContentType:                msg.ContentType,
		SizeBytes:                  int64(len(msg.Body)),
		ApplicationProperties:      s.propertyBag(msg),
		FailureCategory:            result.Category,
		CategoryConfidence:         result.Confidence,
		Status:                     models.DlqStatusActive,
		CorrelationID:              msg.CorrelationID,
		UpdatedAt:                  now,
	}
}

func (s *Scanner) propertyBag(msg *broker.Message) *string {
	if len(msg.ApplicationProperties) == 0 {
		return nil
	}
	b, err := json.Marshal(msg.ApplicationProperties)
	if err != nil {
		s.logger.WithError(err).WithField("sequence_number", msg.SequenceNumber).Warn("dropping unserializable application properties")
		return nil
	}
	bag := string(b)
	return &bag
}

// Preview returns at most PreviewMaxBytes of body as valid UTF-8 text, cut on
// a rune boundary. NUL bytes are removed.
func Preview(body []byte) string {
	if len(body) > PreviewMaxBytes {
		cut := PreviewMaxBytes
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	text := strings.ToValidUTF8(string(body), "")
	return strings.ReplaceAll(text, "\x00", "")
}
