package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// WindowCounter keeps a sorted set of timestamped events per key, scored by
// unix milliseconds, so counts over any trailing window can be taken.
type WindowCounter struct {
	client    *Client
	keyPrefix string
	retention time.Duration
}

// NewWindowCounter creates a counter that trims events older than retention
func NewWindowCounter(client *Client, keyPrefix string, retention time.Duration) *WindowCounter {
	if keyPrefix == "" {
		keyPrefix = "fern:ratelimit:"
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &WindowCounter{
		client:    client,
		keyPrefix: keyPrefix,
		retention: retention,
	}
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Count returns the number of events recorded for key in [start, end]
func (w *WindowCounter) Count(ctx context.Context, key string, start, end time.Time) (int64, error) {
	return w.client.rdb.ZCount(ctx, w.keyPrefix+key, score(start), score(end)).Result()
}

// Record adds one event per member at t and trims expired events
func (w *WindowCounter) Record(ctx context.Context, key string, t time.Time, members ...string) error {
	if len(members) == 0 {
		return nil
	}

	rateKey := w.keyPrefix + key
	zs := make([]goredis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, goredis.Z{Score: float64(t.UnixMilli()), Member: m})
	}

	pipe := w.client.rdb.TxPipeline()
	pipe.ZAdd(ctx, rateKey, zs...)
	pipe.ZRemRangeByScore(ctx, rateKey, "-inf", fmt.Sprintf("(%d", t.Add(-w.retention).UnixMilli()))
	pipe.PExpire(ctx, rateKey, w.retention)
	_, err := pipe.Exec(ctx)
	return err
}

// Reset drops every event for key
func (w *WindowCounter) Reset(ctx context.Context, key string) error {
	return w.client.rdb.Del(ctx, w.keyPrefix+key).Err()
}
