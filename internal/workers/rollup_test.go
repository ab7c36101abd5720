package workers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/cache"
)

// seedAccumulator writes a hash the way the usage recorder would
func seedAccumulator(t *testing.T, client *redis.Client, owner, date, provider string, count int64) string {
	t.Helper()
	ctx := context.Background()
	key := cache.UsageDailyKey(owner, date)

	pipe := client.Pipeline()
	pipe.HIncrBy(ctx, key, cache.FieldTotal, count)
	pipe.HIncrBy(ctx, key, cache.FieldProviderPrefix+provider, count)
	pipe.Expire(ctx, key, time.Hour)
	_, err := pipe.Exec(ctx)
	require.NoError(t, err)

	t.Cleanup(func() { client.Del(context.Background(), key) })
	return key
}

func testDate(t *testing.T) string {
	// A fake date unique per test run keeps scans disjoint from other
	// runs and from any real traffic on the shared Redis.
	return fmt.Sprintf("2199-01-%02d", time.Now().UnixNano()%28+1)
}

func TestRollup_DrainsAndDeletes(t *testing.T) {
	client := liveRedis(t)
	store := newFakeUsageStore()
	worker := NewRollupWorker(client, store, false, zap.NewNop())

	date := testDate(t)
	owner1 := fmt.Sprintf("o1-%d", time.Now().UnixNano())
	owner2 := fmt.Sprintf("o2-%d", time.Now().UnixNano())
	key1 := seedAccumulator(t, client, owner1, date, "s3", 5)
	key2 := seedAccumulator(t, client, owner2, date, "gcs", 3)

	require.NoError(t, worker.Rollup(context.Background(), date))

	assert.Equal(t, int64(5), store.ownerTotal(owner1, date))
	assert.Equal(t, int64(3), store.ownerTotal(owner2, date))
	assert.Equal(t, int64(5), store.providerTotal(owner1, "s3", date))
	assert.Equal(t, int64(3), store.providerTotal(owner2, "gcs", date))

	ctx := context.Background()
	exists, err := client.Exists(ctx, key1, key2).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "hot keys deleted after a successful chunk")
}

func TestRollup_SecondRunIsNoop(t *testing.T) {
	client := liveRedis(t)
	store := newFakeUsageStore()
	worker := NewRollupWorker(client, store, false, zap.NewNop())

	date := testDate(t)
	owner := fmt.Sprintf("o-%d", time.Now().UnixNano())
	seedAccumulator(t, client, owner, date, "s3", 9)

	require.NoError(t, worker.Rollup(context.Background(), date))
	require.Equal(t, int64(9), store.ownerTotal(owner, date))

	// Already fully processed: nothing to add.
	require.NoError(t, worker.Rollup(context.Background(), date))
	assert.Equal(t, int64(9), store.ownerTotal(owner, date), "idempotent close-out")
}

func TestRollup_FailedChunkKeepsKeys(t *testing.T) {
	client := liveRedis(t)
	store := newFakeUsageStore()
	worker := NewRollupWorker(client, store, false, zap.NewNop())

	date := testDate(t)
	owner := fmt.Sprintf("o-%d", time.Now().UnixNano())
	key := seedAccumulator(t, client, owner, date, "s3", 4)

	store.setFailing(true)
	require.Error(t, worker.Rollup(context.Background(), date))

	ctx := context.Background()
	exists, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "failed chunk leaves its keys for the next run")

	// Next run succeeds and drains without double counting.
	store.setFailing(false)
	require.NoError(t, worker.Rollup(ctx, date))
	assert.Equal(t, int64(4), store.ownerTotal(owner, date))
}

func TestRollup_FailedBatchRetriesWithoutDoubleCount(t *testing.T) {
	client := liveRedis(t)
	store := newFakeUsageStore()
	worker := NewRollupWorker(client, store, false, zap.NewNop())

	date := testDate(t)
	owner := fmt.Sprintf("o-%d", time.Now().UnixNano())
	key := seedAccumulator(t, client, owner, date, "s3", 4)

	// The batch errors as a whole: no owner total may land while the
	// provider rows are lost, or the retry would re-add it.
	store.failOnce()
	require.Error(t, worker.Rollup(context.Background(), date))
	assert.Zero(t, store.ownerTotal(owner, date), "failed batch must not partially persist")
	assert.Zero(t, store.providerTotal(owner, "s3", date))

	ctx := context.Background()
	exists, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), exists)

	require.NoError(t, worker.Rollup(ctx, date))
	assert.Equal(t, int64(4), store.ownerTotal(owner, date), "retry lands the total exactly once")
	assert.Equal(t, int64(4), store.providerTotal(owner, "s3", date))
}

func TestRollup_LockExcludesConcurrentRun(t *testing.T) {
	client := liveRedis(t)
	store := newFakeUsageStore()
	worker := NewRollupWorker(client, store, false, zap.NewNop())

	date := testDate(t)
	owner := fmt.Sprintf("o-%d", time.Now().UnixNano())
	seedAccumulator(t, client, owner, date, "s3", 2)

	ctx := context.Background()
	lockKey := cache.RollupLockKey(date)
	require.NoError(t, client.Set(ctx, lockKey, "other-instance", time.Minute).Err())
	defer client.Del(ctx, lockKey)

	err := worker.Rollup(ctx, date)
	assert.ErrorIs(t, err, ErrRollupLocked)
	assert.Zero(t, store.ownerTotal(owner, date), "locked-out run processes nothing")

	holder, err := client.Get(ctx, lockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-instance", holder, "losing instance must not release someone else's lock")
}

func TestRollup_LockReleasedAfterRun(t *testing.T) {
	client := liveRedis(t)
	worker := NewRollupWorker(client, newFakeUsageStore(), false, zap.NewNop())

	date := testDate(t)
	require.NoError(t, worker.Rollup(context.Background(), date))

	exists, err := client.Exists(context.Background(), cache.RollupLockKey(date)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRollup_LegacyFormat(t *testing.T) {
	client := liveRedis(t)
	store := newFakeUsageStore()
	worker := NewRollupWorker(client, store, true, zap.NewNop())

	date := testDate(t)
	owner := fmt.Sprintf("legacy-%d", time.Now().UnixNano())
	ctx := context.Background()

	k1 := cache.UsageOldKey(owner, "s3", date)
	k2 := cache.UsageOldKey(owner, "azure", date)
	require.NoError(t, client.Set(ctx, k1, 6, time.Hour).Err())
	require.NoError(t, client.Set(ctx, k2, 2, time.Hour).Err())
	t.Cleanup(func() { client.Del(context.Background(), k1, k2) })

	require.NoError(t, worker.Rollup(ctx, date))

	assert.Equal(t, int64(8), store.ownerTotal(owner, date), "legacy records aggregate into the owner total")
	assert.Equal(t, int64(6), store.providerTotal(owner, "s3", date))
	assert.Equal(t, int64(2), store.providerTotal(owner, "azure", date))

	exists, err := client.Exists(ctx, k1, k2).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "drained legacy keys are deleted")
}

func TestRollup_MixedDrainMatchesTotal(t *testing.T) {
	client := liveRedis(t)
	store := newFakeUsageStore()

	date := testDate(t)
	owner := fmt.Sprintf("mixed-%d", time.Now().UnixNano())

	// Half the day's traffic drained early by the sync worker, the
	// rest closed out by the rollup: totals must still add up.
	seedAccumulator(t, client, owner, date, "s3", 4)
	sync := NewSyncWorker(client, store, time.Second, zap.NewNop())
	require.NoError(t, sync.drainKey(context.Background(), cache.UsageDailyKey(owner, date)))

	seedAccumulator(t, client, owner, date, "s3", 6)
	rollup := NewRollupWorker(client, store, false, zap.NewNop())
	require.NoError(t, rollup.Rollup(context.Background(), date))

	assert.Equal(t, int64(10), store.ownerTotal(owner, date))
	assert.Equal(t, int64(10), store.providerTotal(owner, "s3", date))
}
