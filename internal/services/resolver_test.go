package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/cache"
	"github.com/yourusername/upload-gateway/internal/models"
)

const testRawKey = "up_0123456789abcdef0123456789abcdef"

func newTestResolver(t *testing.T, store *fakeStore) *Resolver {
	t.Helper()
	// Dead Redis: the shared tier degrades to a miss, so these tests
	// observe only the local tier and the store.
	client := deadRedis()
	t.Cleanup(func() { client.Close() })
	return NewResolver(client, store, zap.NewNop())
}

func TestResolver_MalformedKeyNoIO(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(t, store)

	for _, key := range []string{"", "short", "sk-wrong-prefix-0123456789abcdef", "up_tooshort"} {
		_, err := r.Resolve(context.Background(), key)
		assert.ErrorIs(t, err, ErrKeyNotFound, "key %q", key)
	}
	assert.Equal(t, 0, store.calls(), "structural rejects must not touch the store")
}

func TestResolver_UnknownKey(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(t, store)

	_, err := r.Resolve(context.Background(), testRawKey)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 1, store.calls())
}

func TestResolver_LocalTierAvoidsStore(t *testing.T) {
	store := newFakeStore()
	store.identities[testRawKey] = record(models.TierPro)
	r := newTestResolver(t, store)

	first, err := r.Resolve(context.Background(), testRawKey)
	require.NoError(t, err)

	// Repeated resolves within the local TTL never reach the store.
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(), testRawKey)
		require.NoError(t, err)
		assert.Equal(t, first.UserID, again.UserID)
	}
	assert.Equal(t, 1, store.calls())
}

func TestResolver_InactiveKey(t *testing.T) {
	store := newFakeStore()
	rec := record(models.TierFree)
	rec.IsActive = false
	store.identities[testRawKey] = rec
	r := newTestResolver(t, store)

	_, err := r.Resolve(context.Background(), testRawKey)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestResolver_ExpiredKey(t *testing.T) {
	store := newFakeStore()
	rec := record(models.TierFree)
	past := time.Now().Add(-time.Hour)
	rec.ExpiresAt = &past
	store.identities[testRawKey] = rec
	r := newTestResolver(t, store)

	_, err := r.Resolve(context.Background(), testRawKey)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestResolver_StoreErrorPropagates(t *testing.T) {
	store := newFakeStore()
	store.lookupErr = errStoreDown
	r := newTestResolver(t, store)

	_, err := r.Resolve(context.Background(), testRawKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound, "infrastructure failure is not the same as unknown key")
	assert.ErrorIs(t, err, errStoreDown)
}

func TestResolver_InvalidateForcesRefetch(t *testing.T) {
	store := newFakeStore()
	store.identities[testRawKey] = record(models.TierPro)
	r := newTestResolver(t, store)

	_, err := r.Resolve(context.Background(), testRawKey)
	require.NoError(t, err)
	require.Equal(t, 1, store.calls())

	r.Invalidate(context.Background(), testRawKey)

	_, err = r.Resolve(context.Background(), testRawKey)
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls(), "invalidation must drop the cached projection")
}

func TestResolver_PeekNeverResolves(t *testing.T) {
	store := newFakeStore()
	store.identities[testRawKey] = record(models.TierPro)
	r := newTestResolver(t, store)

	assert.Nil(t, r.Peek(testRawKey), "peek before resolve sees nothing")
	assert.Equal(t, 0, store.calls())

	_, err := r.Resolve(context.Background(), testRawKey)
	require.NoError(t, err)
	assert.NotNil(t, r.Peek(testRawKey))
	assert.Equal(t, 1, store.calls())
}

func TestResolver_UserTierCachedInShared(t *testing.T) {
	client := liveRedis(t)
	store := newFakeStore()
	r := NewResolver(client, store, zap.NewNop())

	userID := uuid.New()
	store.tiers[userID] = models.TierPro
	t.Cleanup(func() { client.Del(context.Background(), cache.TierKey(userID.String())) })

	for i := 0; i < 3; i++ {
		tier, err := r.UserTier(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, models.TierPro, tier)
	}
	assert.Equal(t, 1, store.tierLookups(), "repeat lookups ride the shared cache")
}

func TestResolver_UserTierCacheDownFallsThrough(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(t, store)

	userID := uuid.New()
	store.tiers[userID] = models.TierEnterprise

	for i := 0; i < 2; i++ {
		tier, err := r.UserTier(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, models.TierEnterprise, tier)
	}
	assert.Equal(t, 2, store.tierLookups(), "dead cache means every lookup reaches the store")
}

func TestResolver_UserTierStoreErrorPropagates(t *testing.T) {
	store := newFakeStore()
	store.lookupErr = errStoreDown
	r := newTestResolver(t, store)

	_, err := r.UserTier(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errStoreDown)
}

func TestWellFormedKey(t *testing.T) {
	assert.True(t, WellFormedKey(testRawKey))
	assert.False(t, WellFormedKey(""))
	assert.False(t, WellFormedKey("up_short"))
	assert.False(t, WellFormedKey("sk_0123456789abcdef0123456789abcdef"))
}
