// Package ratelimit answers how many replays a rule has made in a window.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// Window is the trailing period max_replays_per_hour applies to.
const Window = time.Hour

// ReplayLimiter counts replay attempts made by a rule inside a window.
type ReplayLimiter interface {
	CountReplays(ctx context.Context, ruleID uuid.UUID, windowStart, windowEnd time.Time) (int, error)
}

// ReplayRecorder is implemented by limiters that keep their own event log.
// Store-backed limiters read the replay history instead.
type ReplayRecorder interface {
	RecordReplays(ctx context.Context, ruleID uuid.UUID, at time.Time, attemptIDs []uuid.UUID) error
}

// StoreLimiter counts rows in the replay history. Correct for any number of
// instances sharing one store.
type StoreLimiter struct {
	history repositories.ReplayHistoryRepo
}

func NewStoreLimiter(history repositories.ReplayHistoryRepo) *StoreLimiter {
	return &StoreLimiter{history: history}
}

func (l *StoreLimiter) CountReplays(ctx context.Context, ruleID uuid.UUID, windowStart, windowEnd time.Time) (int, error) {
	return l.history.CountForRule(ctx, ruleID, windowStart, windowEnd)
}

// RedisLimiter keeps a sliding window per rule in a Redis sorted set.
type RedisLimiter struct {
	counter *redis.WindowCounter
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{counter: redis.NewWindowCounter(client, "fern:replays:", Window)}
}

func (l *RedisLimiter) CountReplays(ctx context.Context, ruleID uuid.UUID, windowStart, windowEnd time.Time) (int, error) {
	n, err := l.counter.Count(ctx, ruleID.String(), windowStart, windowEnd)
	return int(n), err
}

func (l *RedisLimiter) RecordReplays(ctx context.Context, ruleID uuid.UUID, at time.Time, attemptIDs []uuid.UUID) error {
	members := make([]string, len(attemptIDs))
	for i, id := range attemptIDs {
		members[i] = id.String()
	}
	return l.counter.Record(ctx, ruleID.String(), at, members...)
}
