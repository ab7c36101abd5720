package workers

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/cache"
	"github.com/yourusername/upload-gateway/internal/models"
)

// scanBatch bounds each SCAN step so the worker never blocks Redis on
// a full keyspace walk.
const scanBatch = 100

// SyncWorker drains the current day's accumulators into Postgres on a
// short interval. It shares no key space with a rollup of the previous
// day, since both key on UTC date.
type SyncWorker struct {
	client   *redis.Client
	store    UsageStore
	logger   *zap.Logger
	interval time.Duration
	stats    WorkerStats
}

func NewSyncWorker(client *redis.Client, store UsageStore, interval time.Duration, logger *zap.Logger) *SyncWorker {
	return &SyncWorker{
		client:   client,
		store:    store,
		logger:   logger,
		interval: interval,
	}
}

func (w *SyncWorker) Stats() *WorkerSnapshot { return w.stats.Snapshot() }

// Run loops until the context is cancelled
func (w *SyncWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("usage sync cycle failed", zap.Error(err))
			}
		}
	}
}

// Cycle drains every current-day accumulator it can. Each key is
// deleted only after its durable write succeeds, so a failure leaves
// the counts hot for the next cycle.
func (w *SyncWorker) Cycle(ctx context.Context) error {
	w.stats.startCycle()

	pattern := cache.UsageDailyPattern(cache.UTCDate(time.Now()))

	var cursor uint64
	for {
		keys, next, err := w.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			w.stats.addError()
			return err
		}

		for _, key := range keys {
			if err := w.drainKey(ctx, key); err != nil {
				w.stats.addError()
				w.logger.Warn("accumulator drain failed", zap.String("key", key), zap.Error(err))
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (w *SyncWorker) drainKey(ctx context.Context, key string) error {
	owner, date, ok := parseDailyKey(key)
	if !ok {
		w.stats.addSkipped(1)
		return nil
	}

	fields, err := w.client.HGetAll(ctx, key).Result()
	if err != nil {
		return err
	}

	ownerRow, providerRows := rowsFromHash(owner, date, fields)
	if ownerRow.TotalRequests == 0 && len(providerRows) == 0 {
		// Empty or zeroed accumulator; nothing worth persisting.
		w.stats.addSkipped(1)
		return w.client.Del(ctx, key).Err()
	}

	var ownerRows []models.DailyUsageRow
	if ownerRow.TotalRequests > 0 {
		ownerRows = append(ownerRows, ownerRow)
	}
	if err := w.store.UpsertUsage(ctx, ownerRows, providerRows); err != nil {
		return err
	}
	w.stats.addRows(int64(len(ownerRows) + len(providerRows)))

	if err := w.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	w.stats.addDrained(1)
	return nil
}
