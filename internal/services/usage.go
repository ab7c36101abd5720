package services

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/cache"
)

type usageEvent struct {
	ownerID  string
	userID   string
	provider string
	mimeType string
	category string
	at       time.Time
}

// UsageRecorder is the write-behind metrics path. Record hands the
// event to a background goroutine and returns immediately; increments
// land in the per-(owner, UTC day) accumulator hash that the sync and
// rollup workers later drain. Failures are logged and dropped, never
// surfaced to the triggering request.
type UsageRecorder struct {
	client *redis.Client
	logger *zap.Logger
	events chan usageEvent

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewUsageRecorder(client *redis.Client, logger *zap.Logger) *UsageRecorder {
	u := &UsageRecorder{
		client: client,
		logger: logger,
		events: make(chan usageEvent, 1024),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go u.drain()
	return u
}

// Record queues one successful provider operation. Never blocks.
func (u *UsageRecorder) Record(ownerID, userID, provider, mimeType, category string) {
	event := usageEvent{
		ownerID:  ownerID,
		userID:   userID,
		provider: provider,
		mimeType: mimeType,
		category: category,
		at:       time.Now().UTC(),
	}

	select {
	case u.events <- event:
	default:
		u.logger.Warn("usage buffer full, dropping event", zap.String("owner", ownerID))
	}
}

func (u *UsageRecorder) drain() {
	defer close(u.done)
	for {
		select {
		case event := <-u.events:
			u.apply(event)
		case <-u.stop:
			for {
				select {
				case event := <-u.events:
					u.apply(event)
				default:
					return
				}
			}
		}
	}
}

// apply performs the batched increment: one pipeline bumps the total,
// provider, MIME and category fields, marks last activity, refreshes
// the accumulator's expiry, and bumps the owner's monthly quota
// counter.
func (u *UsageRecorder) apply(event usageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := cache.UsageDailyKey(event.ownerID, cache.UTCDate(event.at))

	pipe := u.client.Pipeline()
	pipe.HIncrBy(ctx, key, cache.FieldTotal, 1)
	pipe.HIncrBy(ctx, key, cache.FieldProviderPrefix+event.provider, 1)
	pipe.HIncrBy(ctx, key, cache.FieldMimePrefix+event.mimeType, 1)
	pipe.HIncrBy(ctx, key, cache.FieldCategoryPrefix+event.category, 1)
	pipe.HSet(ctx, key, cache.FieldLastActivity, event.at.Format(time.RFC3339), cache.FieldUserID, event.userID)
	pipe.Expire(ctx, key, cache.TTLUsageDaily)

	if event.userID != "" {
		quotaKey := cache.QuotaKey(event.userID, cache.UTCMonth(event.at))
		pipe.Incr(ctx, quotaKey)
		pipe.Expire(ctx, quotaKey, cache.TTLQuotaMonthly)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		u.logger.Warn("usage increment failed",
			zap.String("owner", event.ownerID),
			zap.Error(err))
	}
}

// Close flushes queued events and stops the drain goroutine
func (u *UsageRecorder) Close() {
	u.stopOnce.Do(func() { close(u.stop) })
	<-u.done
}
