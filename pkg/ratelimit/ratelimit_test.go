package ratelimit_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
)

func TestStoreLimiter_CountsHistoryInWindow(t *testing.T) {
	store := memory.New()
	limiter := ratelimit.NewStoreLimiter(store.History())
	ctx := context.Background()
	ruleID := uuid.New()
	otherRule := uuid.New()
	now := time.Now().UTC()

	for _, at := range []time.Time{now.Add(-2 * time.Hour), now.Add(-30 * time.Minute), now.Add(-time.Minute)} {
		require.NoError(t, store.History().Append(ctx, &models.ReplayHistoryRecord{
			DlqRecordID: uuid.New(),
			RuleID:      &ruleID,
			ReplayedAt:  at,
			Outcome:     models.ReplayOutcomeFailed,
		}))
	}
	require.NoError(t, store.History().Append(ctx, &models.ReplayHistoryRecord{
		DlqRecordID: uuid.New(),
		RuleID:      &otherRule,
		ReplayedAt:  now,
	}))

	count, err := limiter.CountReplays(ctx, ruleID, now.Add(-ratelimit.Window), now)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "failed attempts count toward the limit")
}

func TestRedisLimiter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}
	addr := os.Getenv("FERN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FERN_TEST_REDIS_ADDR not set")
	}

	zapLogger, _ := zap.NewDevelopment()
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: addr}), zapadapter.NewZapEctoLogger(zapLogger, nil))
	t.Cleanup(func() { client.Close() })

	limiter := ratelimit.NewRedisLimiter(client)
	ctx := context.Background()
	ruleID := uuid.New()
	now := time.Now()

	require.NoError(t, limiter.RecordReplays(ctx, ruleID, now.Add(-10*time.Minute), []uuid.UUID{uuid.New(), uuid.New()}))
	require.NoError(t, limiter.RecordReplays(ctx, ruleID, now, []uuid.UUID{uuid.New()}))

	count, err := limiter.CountReplays(ctx, ruleID, now.Add(-ratelimit.Window), now)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = limiter.CountReplays(ctx, ruleID, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
