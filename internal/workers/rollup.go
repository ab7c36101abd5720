package workers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/cache"
	"github.com/yourusername/upload-gateway/internal/models"
)

// upsertChunkSize bounds rows per bulk upsert call
const upsertChunkSize = 500

// ErrRollupLocked reports that another instance already holds the
// day's lock; the caller exits without touching any keys.
var ErrRollupLocked = errors.New("rollup already running for date")

// ownerBatch groups one owner-day accumulator with the hot keys that
// produced it, so keys are only deleted once their chunk persists.
type ownerBatch struct {
	ownerRow     models.DailyUsageRow
	providerRows []models.ProviderUsageRow
	hotKeys      []string
}

// RollupWorker closes out a UTC day: under a per-date distributed lock
// it collects every accumulator for the date, bulk-upserts the rows in
// chunks, and deletes hot keys only for chunks whose upsert succeeded.
// Failed chunks keep their keys for the next run, making the whole
// operation retryable without double counting.
type RollupWorker struct {
	client     *redis.Client
	store      UsageStore
	logger     *zap.Logger
	legacyKeys bool
	instanceID string
	stats      WorkerStats
}

func NewRollupWorker(client *redis.Client, store UsageStore, legacyKeys bool, logger *zap.Logger) *RollupWorker {
	return &RollupWorker{
		client:     client,
		store:      store,
		logger:     logger,
		legacyKeys: legacyKeys,
		instanceID: uuid.New().String(),
	}
}

func (w *RollupWorker) Stats() *WorkerSnapshot { return w.stats.Snapshot() }

// RollupYesterday closes out the previous UTC day
func (w *RollupWorker) RollupYesterday(ctx context.Context) error {
	return w.Rollup(ctx, cache.UTCDate(time.Now().UTC().AddDate(0, 0, -1)))
}

// Rollup processes one date. Safe to invoke manually for backfill.
func (w *RollupWorker) Rollup(ctx context.Context, date string) error {
	lockKey := cache.RollupLockKey(date)

	acquired, err := w.client.SetNX(ctx, lockKey, w.instanceID, cache.TTLRollupLock).Result()
	if err != nil {
		w.stats.addError()
		return fmt.Errorf("rollup lock acquire failed: %w", err)
	}
	if !acquired {
		w.logger.Info("rollup skipped, lock held elsewhere", zap.String("date", date))
		return ErrRollupLocked
	}
	defer w.releaseLock(lockKey)

	w.stats.startCycle()
	w.logger.Info("rollup starting", zap.String("date", date))

	batches, err := w.collect(ctx, date)
	if err != nil {
		w.stats.addError()
		return fmt.Errorf("rollup collect failed: %w", err)
	}

	if w.legacyKeys {
		legacy, err := w.collectLegacy(ctx, date)
		if err != nil {
			w.stats.addError()
			return fmt.Errorf("legacy collect failed: %w", err)
		}
		batches = append(batches, legacy...)
	}

	if len(batches) == 0 {
		w.logger.Info("rollup found nothing to close out", zap.String("date", date))
		return nil
	}

	var failed int
	for _, group := range chunk(batches, upsertChunkSize) {
		if err := w.persistChunk(ctx, group); err != nil {
			failed++
			w.stats.addError()
			w.logger.Error("rollup chunk failed, keys left for next run",
				zap.Int("batches", len(group)), zap.Error(err))
		}
	}

	w.logger.Info("rollup finished",
		zap.String("date", date),
		zap.Int("batches", len(batches)),
		zap.Int("failed_chunks", failed))

	if failed > 0 {
		return fmt.Errorf("rollup for %s left %d failed chunks", date, failed)
	}
	return nil
}

// collect scans the date's accumulator hashes into in-memory batches;
// no durable writes happen during collection.
func (w *RollupWorker) collect(ctx context.Context, date string) ([]ownerBatch, error) {
	var batches []ownerBatch

	var cursor uint64
	for {
		keys, next, err := w.client.Scan(ctx, cursor, cache.UsageDailyPattern(date), scanBatch).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			owner, keyDate, ok := parseDailyKey(key)
			if !ok || keyDate != date {
				w.stats.addSkipped(1)
				continue
			}

			fields, err := w.client.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, err
			}

			ownerRow, providerRows := rowsFromHash(owner, date, fields)
			if ownerRow.TotalRequests == 0 && len(providerRows) == 0 {
				w.stats.addSkipped(1)
				if err := w.client.Del(ctx, key).Err(); err != nil {
					w.logger.Warn("empty accumulator cleanup failed", zap.String("key", key), zap.Error(err))
				}
				continue
			}

			batches = append(batches, ownerBatch{
				ownerRow:     ownerRow,
				providerRows: providerRows,
				hotKeys:      []string{key},
			})
		}

		cursor = next
		if cursor == 0 {
			return batches, nil
		}
	}
}

// collectLegacy handles the pre-migration key-per-record layout with
// the same collect-then-persist-then-delete discipline. Each legacy
// counter covers a single (owner, provider) pair.
func (w *RollupWorker) collectLegacy(ctx context.Context, date string) ([]ownerBatch, error) {
	// owner -> accumulated batch, so one owner's scattered records
	// travel in a single upsert row set.
	grouped := make(map[string]*ownerBatch)

	var cursor uint64
	for {
		keys, next, err := w.client.Scan(ctx, cursor, cache.UsageOldPattern(date), scanBatch).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			owner, provider, keyDate, ok := parseLegacyKey(key)
			if !ok || keyDate != date {
				w.stats.addSkipped(1)
				continue
			}

			raw, err := w.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			count, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || count <= 0 {
				w.stats.addSkipped(1)
				continue
			}

			batch, ok := grouped[owner]
			if !ok {
				batch = &ownerBatch{ownerRow: models.DailyUsageRow{OwnerID: owner, UsageDate: date}}
				grouped[owner] = batch
			}
			batch.ownerRow.TotalRequests += count
			batch.providerRows = append(batch.providerRows, models.ProviderUsageRow{
				OwnerID:     owner,
				Provider:    provider,
				UsageDate:   date,
				UploadCount: count,
			})
			batch.hotKeys = append(batch.hotKeys, key)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	batches := make([]ownerBatch, 0, len(grouped))
	for _, batch := range grouped {
		batches = append(batches, *batch)
	}
	return batches, nil
}

// persistChunk bulk-upserts one chunk's rows and, only on success,
// deletes the hot keys behind them in one batched call.
func (w *RollupWorker) persistChunk(ctx context.Context, group []ownerBatch) error {
	ownerRows := make([]models.DailyUsageRow, 0, len(group))
	var providerRows []models.ProviderUsageRow
	var hotKeys []string

	for _, batch := range group {
		if batch.ownerRow.TotalRequests > 0 {
			ownerRows = append(ownerRows, batch.ownerRow)
		}
		providerRows = append(providerRows, batch.providerRows...)
		hotKeys = append(hotKeys, batch.hotKeys...)
	}

	if err := w.store.UpsertUsage(ctx, ownerRows, providerRows); err != nil {
		return err
	}
	w.stats.addRows(int64(len(ownerRows) + len(providerRows)))

	if len(hotKeys) > 0 {
		if err := w.client.Del(ctx, hotKeys...).Err(); err != nil {
			// Rows are already persisted; leftover keys will be
			// re-drained and re-added next run, so surface this.
			return fmt.Errorf("hot key cleanup failed after persist: %w", err)
		}
		w.stats.addDrained(int64(len(hotKeys)))
	}

	return nil
}

func (w *RollupWorker) releaseLock(lockKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.client.Del(ctx, lockKey).Err(); err != nil {
		// The lock's own TTL is the backstop.
		w.logger.Warn("rollup lock release failed", zap.String("key", lockKey), zap.Error(err))
	}
}
