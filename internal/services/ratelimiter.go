package services

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/cache"
)

// Window size for the sliding rate check
const rateWindow = 60 * time.Second

// SlidingWindow implements per-identifier rate limiting on a Redis
// sorted set scored by request time.
type SlidingWindow struct {
	client *redis.Client
	logger *zap.Logger
	seq    atomic.Uint64
}

func NewSlidingWindow(client *redis.Client, logger *zap.Logger) *SlidingWindow {
	return &SlidingWindow{client: client, logger: logger}
}

// Allow appends the current request to the identifier's window and
// counts entries inside the trailing 60 seconds. The returned count
// includes this request, so count > limit means the request breached.
// Pruning of old entries happens asynchronously on the allow path.
func (sw *SlidingWindow) Allow(ctx context.Context, identifier string, limit int) (bool, int64, error) {
	key := cache.RateWindowKey(identifier)
	now := time.Now()
	windowStart := now.Add(-rateWindow).UnixNano()

	// Members carry a sequence suffix so two requests in the same
	// nanosecond never collapse into one sorted-set entry.
	member := fmt.Sprintf("%d-%d", now.UnixNano(), sw.seq.Add(1))

	pipe := sw.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCount(ctx, key, strconv.FormatInt(windowStart, 10), "+inf")
	pipe.Expire(ctx, key, 2*rateWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate window update failed: %w", err)
	}

	count := countCmd.Val()
	allowed := count <= int64(limit)

	if allowed {
		go sw.prune(key, windowStart)
	}

	return allowed, count, nil
}

// prune removes entries that have slid out of the window. Best effort;
// the ZCount range bound keeps stale entries from affecting decisions.
func (sw *SlidingWindow) prune(key string, windowStart int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	max := strconv.FormatInt(windowStart, 10)
	if err := sw.client.ZRemRangeByScore(ctx, key, "-inf", "("+max).Err(); err != nil {
		sw.logger.Debug("rate window prune failed", zap.String("key", key), zap.Error(err))
	}
}

// Window returns the check window size
func (sw *SlidingWindow) Window() time.Duration { return rateWindow }
