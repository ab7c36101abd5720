package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/upload-gateway/internal/cache"
	"github.com/yourusername/upload-gateway/internal/models"
)

// fakeStore implements IdentityStore, BanStore and AuditSink with call
// counting so tests can observe which tiers were hit.
type fakeStore struct {
	mu sync.Mutex

	identities map[string]*models.IdentityRecord
	tiers      map[uuid.UUID]models.Tier
	lookupErr  error

	identityCalls int
	tierCalls     int
	permBans      map[string]int64
	events        []*models.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities: make(map[string]*models.IdentityRecord),
		tiers:      make(map[uuid.UUID]models.Tier),
		permBans:   make(map[string]int64),
	}
}

func (f *fakeStore) GetIdentityWithTier(_ context.Context, rawKey string) (*models.IdentityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identityCalls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.identities[rawKey], nil
}

func (f *fakeStore) GetUserTier(_ context.Context, userID uuid.UUID) (models.Tier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tierCalls++
	if f.lookupErr != nil {
		return "", f.lookupErr
	}
	if tier, ok := f.tiers[userID]; ok {
		return tier, nil
	}
	return models.TierFree, nil
}

func (f *fakeStore) UpsertPermanentBan(_ context.Context, userID, _ string, violationCount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permBans[userID] = violationCount
	return nil
}

func (f *fakeStore) InsertAuditEvent(_ context.Context, event *models.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identityCalls
}

func (f *fakeStore) tierLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tierCalls
}

func (f *fakeStore) eventKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, 0, len(f.events))
	for _, e := range f.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

var errStoreDown = errors.New("store down")

// identifierFor mirrors how the gate derives an identifier from a key
func identifierFor(rawKey string) string {
	return cache.HashKey(rawKey)
}

func quotaKeyForTest(userID string) string {
	return cache.QuotaKey(userID, cache.UTCMonth(time.Now()))
}

// deadRedis returns a client whose every call fails fast, for
// exercising the degradation paths without a server.
func deadRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
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
