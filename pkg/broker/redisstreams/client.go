// Package redisstreams is a broker adapter over Redis Streams. Each entity's
// dead-letter queue is the stream "<entity>:$deadletter" whose entry IDs are
// "<sequence>-0".
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/broker"
	"github.com/Ramsey-B/fern/pkg/namespaces"
	"github.com/Ramsey-B/fern/pkg/redis"
)

const (
	DeadLetterSuffix = ":$deadletter"
	scanCount        = 200
)

// Entry field names.
const (
	fieldMessageID        = "message_id"
	fieldBody             = "body"
	fieldEnqueuedAt       = "enqueued_at"
	fieldDeadLetteredAt   = "dead_lettered_at"
	fieldReason           = "dead_letter_reason"
	fieldErrorDescription = "dead_letter_error_description"
	fieldDeliveryCount    = "delivery_count"
	fieldContentType      = "content_type"
	fieldCorrelationID    = "correlation_id"
	fieldProperties       = "properties"
)

var deadLetterFields = []string{fieldDeadLetteredAt, fieldReason, fieldErrorDescription}

func deadLetterStream(entity string) string {
	return entity + DeadLetterSuffix
}

func entryID(seq int64) string {
	return strconv.FormatInt(seq, 10) + "-0"
}

func sequenceOf(id string) (int64, error) {
	ms, _, _ := strings.Cut(id, "-")
	return strconv.ParseInt(ms, 10, 64)
}

// Client is a broker.Client for one Redis database.
type Client struct {
	client *redis.Client
	logger ectologger.Logger
}

var _ broker.Client = (*Client)(nil)

func New(client *redis.Client, logger ectologger.Logger) *Client {
	return &Client{client: client, logger: logger}
}

// NewFactory opens clients from "redis://" connection strings.
func NewFactory(logger ectologger.Logger) broker.Factory {
	return broker.FactoryFunc(func(ctx context.Context, conn *namespaces.Connection) (broker.Client, error) {
		opts, err := goredis.ParseURL(conn.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("parse redis connection for namespace %s: %w", conn.Name, err)
		}
		rdb := goredis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to namespace %s: %w", conn.Name, err)
		}
		return New(redis.Wrap(rdb, logger), logger), nil
	})
}

func (c *Client) ListEntities(ctx context.Context) ([]broker.Entity, error) {
	rdb := c.client.Redis()

	var keys []string
	iter := rdb.Scan(ctx, 0, "*"+DeadLetterSuffix, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan dead-letter streams: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := rdb.Pipeline()
	lens := make([]*goredis.IntCmd, len(keys))
	for i, key := range keys {
		lens[i] = pipe.XLen(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read dead-letter depth: %w", err)
	}

	entities := make([]broker.Entity, 0, len(keys))
	for i, key := range keys {
		count := lens[i].Val()
		if count == 0 {
			continue
		}
		name := strings.TrimSuffix(key, DeadLetterSuffix)
		entityType, topic := broker.EntityInfo(name)
		entities = append(entities, broker.Entity{
			Name:            name,
			Type:            entityType,
			TopicName:       topic,
			DeadLetterCount: count,
		})
	}
	return entities, nil
}

func (c *Client) PeekDeadLetters(ctx context.Context, entity string, max int, fromSequence int64) ([]broker.Message, error) {
	start := "-"
	if fromSequence > 0 {
		start = entryID(fromSequence)
	}

	entries, err := c.client.Redis().XRangeN(ctx, deadLetterStream(entity), start, "+", int64(max)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", entity, err)
	}

	messages := make([]broker.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := decode(entry)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"entity":   entity,
				"entry_id": entry.ID,
			}).Warn("skipping undecodable dead-letter entry")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ReplayDeadLetters reads every item in one pipeline, then re-publishes the
// found messages to the destination and deletes them from their dead-letter
// streams in one transaction.
func (c *Client) ReplayDeadLetters(ctx context.Context, destination broker.Destination, items []broker.ReplayItem) ([]broker.ReplayResult, error) {
	rdb := c.client.Redis()
	results := make([]broker.ReplayResult, len(items))

	read := rdb.Pipeline()
	cmds := make([]*goredis.XMessageSliceCmd, len(items))
	for i, item := range items {
		results[i] = broker.ReplayResult{SourceEntity: item.SourceEntity, SequenceNumber: item.SequenceNumber}
		id := entryID(item.SequenceNumber)
		cmds[i] = read.XRange(ctx, deadLetterStream(item.SourceEntity), id, id)
	}
	if _, err := read.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}

	write := rdb.TxPipeline()
	var pending []int
	for i, cmd := range cmds {
		entries, err := cmd.Result()
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		if len(entries) == 0 {
			results[i].Error = "message not found in dead-letter queue"
			continue
		}

		values := make(map[string]any, len(entries[0].Values))
		for k, v := range entries[0].Values {
			values[k] = v
		}
		for _, f := range deadLetterFields {
			delete(values, f)
		}

		write.XAdd(ctx, &goredis.XAddArgs{Stream: destination.String(), Values: values})
		write.XDel(ctx, deadLetterStream(items[i].SourceEntity), entries[0].ID)
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		if _, err := write.Exec(ctx); err != nil {
			for _, i := range pending {
				results[i].Error = err.Error()
			}
			return results, nil
		}
		for _, i := range pending {
			results[i].Success = true
		}
	}
	return results, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// DeadLetter writes msg into entity's dead-letter stream using its sequence
// number as the entry ID.
func (c *Client) DeadLetter(ctx context.Context, entity string, msg broker.Message) error {
	values, err := encode(msg)
	if err != nil {
		return err
	}
	return c.client.Redis().XAdd(ctx, &goredis.XAddArgs{
		Stream: deadLetterStream(entity),
		ID:     entryID(msg.SequenceNumber),
		Values: values,
	}).Err()
}

func encode(msg broker.Message) (map[string]any, error) {
	values := map[string]any{
		fieldMessageID:        msg.MessageID,
		fieldBody:             string(msg.Body),
		fieldEnqueuedAt:       msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		fieldReason:           msg.DeadLetterReason,
		fieldErrorDescription: msg.DeadLetterErrorDescription,
		fieldDeliveryCount:    strconv.Itoa(msg.DeliveryCount),
	}
	if msg.DeadLetteredAt != nil {
		values[fieldDeadLetteredAt] = msg.DeadLetteredAt.UTC().Format(time.RFC3339Nano)
	}
	if msg.ContentType != nil {
		values[fieldContentType] = *msg.ContentType
	}
	if msg.CorrelationID != nil {
		values[fieldCorrelationID] = *msg.CorrelationID
	}
	if len(msg.ApplicationProperties) > 0 {
		b, err := json.Marshal(msg.ApplicationProperties)
		if err != nil {
			return nil, fmt.Errorf("encode application properties: %w", err)
		}
		values[fieldProperties] = string(b)
	}
	return values, nil
}

func decode(entry goredis.XMessage) (broker.Message, error) {
	seq, err := sequenceOf(entry.ID)
	if err != nil {
		return broker.Message{}, fmt.Errorf("entry id %q: %w", entry.ID, err)
	}

	str := func(field string) string {
		s, _ := entry.Values[field].(string)
		return s
	}
	optional := func(field string) *string {
		s, ok := entry.Values[field].(string)
		if !ok || s == "" {
			return nil
		}
		return &s
	}

	msg := broker.Message{
		MessageID:                  str(fieldMessageID),
		SequenceNumber:             seq,
		Body:                       []byte(str(fieldBody)),
		DeadLetterReason:           str(fieldReason),
		DeadLetterErrorDescription: str(fieldErrorDescription),
		ContentType:                optional(fieldContentType),
		CorrelationID:              optional(fieldCorrelationID),
	}
	if msg.MessageID == "" {
		msg.MessageID = entry.ID
	}

	if s := str(fieldEnqueuedAt); s != "" {
		if msg.EnqueuedAt, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return broker.Message{}, fmt.Errorf("enqueued_at: %w", err)
		}
	} else {
		msg.EnqueuedAt = time.UnixMilli(seq).UTC()
	}
	if s := str(fieldDeadLetteredAt); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return broker.Message{}, fmt.Errorf("dead_lettered_at: %w", err)
		}
		msg.DeadLetteredAt = &t
	}
	if s := str(fieldDeliveryCount); s != "" {
		if msg.DeliveryCount, err = strconv.Atoi(s); err != nil {
			return broker.Message{}, fmt.Errorf("delivery_count: %w", err)
		}
	}
	if s := str(fieldProperties); s != "" {
		if err := json.Unmarshal([]byte(s), &msg.ApplicationProperties); err != nil {
			return broker.Message{}, fmt.Errorf("properties: %w", err)
		}
	}
	return msg, nil
}
