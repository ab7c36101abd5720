package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/upload-gateway/internal/models"
)

var errUpsertFailed = errors.New("upsert failed")

// fakeUsageStore accumulates upserted rows like the real ON CONFLICT
// queries would. A failing call applies nothing, mirroring the
// transactional contract of the real store.
type fakeUsageStore struct {
	mu sync.Mutex

	ownerTotals    map[string]int64 // owner|date -> total
	providerTotals map[string]int64 // owner|provider|date -> count
	failing        bool
	failNext       int

	calls int
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{
		ownerTotals:    make(map[string]int64),
		providerTotals: make(map[string]int64),
	}
}

func (f *fakeUsageStore) UpsertUsage(_ context.Context, ownerRows []models.DailyUsageRow, providerRows []models.ProviderUsageRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return errUpsertFailed
	}
	if f.failNext > 0 {
		f.failNext--
		return errUpsertFailed
	}
	for _, row := range ownerRows {
		f.ownerTotals[row.OwnerID+"|"+row.UsageDate] += row.TotalRequests
	}
	for _, row := range providerRows {
		f.providerTotals[row.OwnerID+"|"+row.Provider+"|"+row.UsageDate] += row.UploadCount
	}
	return nil
}

func (f *fakeUsageStore) ownerTotal(owner, date string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ownerTotals[owner+"|"+date]
}

func (f *fakeUsageStore) providerTotal(owner, provider, date string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.providerTotals[owner+"|"+provider+"|"+date]
}

func (f *fakeUsageStore) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

// failOnce makes exactly the next upsert call error
func (f *fakeUsageStore) failOnce() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext++
}

func (f *fakeUsageStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// liveRedis connects to a local Redis or skips the test
func liveRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}
