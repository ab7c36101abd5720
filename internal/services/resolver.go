package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/cache"
	"github.com/yourusername/upload-gateway/internal/models"
)

// ErrKeyNotFound covers every hard authentication failure: malformed,
// unknown, expired, or deactivated keys.
var ErrKeyNotFound = errors.New("api key not found")

// Structural requirements checked before any I/O
const (
	keyPrefix    = "up_"
	keyMinLength = 32
)

// IdentityStore is the slice of the durable store the resolver needs
type IdentityStore interface {
	GetIdentityWithTier(ctx context.Context, rawKey string) (*models.IdentityRecord, error)
	GetUserTier(ctx context.Context, userID uuid.UUID) (models.Tier, error)
}

// Resolver turns a raw API key into an IdentityRecord through three
// tiers: process-local map, shared Redis cache, then one joined
// Postgres query. Redis failures degrade to a miss; Postgres failures
// are terminal for the request.
type Resolver struct {
	local  *LocalCache
	client *redis.Client
	store  IdentityStore
	logger *zap.Logger
}

func NewResolver(client *redis.Client, store IdentityStore, logger *zap.Logger) *Resolver {
	return &Resolver{
		local:  NewLocalCache(4096, cache.TTLIdentityLocal),
		client: client,
		store:  store,
		logger: logger,
	}
}

// Resolve looks up the owner of rawKey. Inactive and expired keys
// resolve to ErrKeyNotFound just like unknown ones.
func (r *Resolver) Resolve(ctx context.Context, rawKey string) (*models.IdentityRecord, error) {
	if !WellFormedKey(rawKey) {
		return nil, ErrKeyNotFound
	}

	keyHash := cache.HashKey(rawKey)

	if rec := r.local.Get(keyHash); rec != nil {
		return r.vet(rec)
	}

	if rec := r.fromShared(ctx, keyHash); rec != nil {
		r.local.Set(keyHash, rec)
		return r.vet(rec)
	}

	rec, err := r.store.GetIdentityWithTier(ctx, rawKey)
	if err != nil {
		return nil, fmt.Errorf("identity lookup failed: %w", err)
	}
	if rec == nil {
		return nil, ErrKeyNotFound
	}

	r.toShared(ctx, keyHash, rec)
	r.local.Set(keyHash, rec)
	return r.vet(rec)
}

// Peek returns the identity only if the process-local tier holds it.
// It never performs I/O; the admission fast path keys off this.
func (r *Resolver) Peek(rawKey string) *models.IdentityRecord {
	if !WellFormedKey(rawKey) {
		return nil
	}
	rec := r.local.Get(cache.HashKey(rawKey))
	if rec == nil || !rec.IsActive || rec.Expired(time.Now()) {
		return nil
	}
	return rec
}

// Invalidate drops both cache tiers for a key. Called whenever the key
// row is mutated out-of-band.
func (r *Resolver) Invalidate(ctx context.Context, rawKey string) {
	keyHash := cache.HashKey(rawKey)
	r.local.Delete(keyHash)
	if err := r.client.Del(ctx, cache.IdentityKey(keyHash)).Err(); err != nil {
		r.logger.Warn("identity cache invalidation failed", zap.Error(err))
	}
}

// UserTier resolves a user's tier by user id, through a shared cache
// with its own five-minute TTL. Used where only the user is known and
// no API key is in hand.
func (r *Resolver) UserTier(ctx context.Context, userID uuid.UUID) (models.Tier, error) {
	key := cache.TierKey(userID.String())

	val, err := r.client.Get(ctx, key).Result()
	if err == nil {
		return models.Tier(val), nil
	}
	if !errors.Is(err, redis.Nil) {
		r.logger.Warn("tier cache read failed", zap.Error(err))
	}

	tier, err := r.store.GetUserTier(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("tier lookup failed: %w", err)
	}

	if err := r.client.Set(ctx, key, string(tier), cache.TTLTier).Err(); err != nil {
		r.logger.Warn("tier cache write failed", zap.Error(err))
	}
	return tier, nil
}

func (r *Resolver) vet(rec *models.IdentityRecord) (*models.IdentityRecord, error) {
	if !rec.IsActive || rec.Expired(time.Now()) {
		return nil, ErrKeyNotFound
	}
	return rec, nil
}

func (r *Resolver) fromShared(ctx context.Context, keyHash string) *models.IdentityRecord {
	data, err := r.client.Get(ctx, cache.IdentityKey(keyHash)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// Treat a broken shared cache as a miss and let Postgres answer.
			r.logger.Warn("shared identity cache read failed", zap.Error(err))
		}
		return nil
	}

	rec := &models.IdentityRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		r.logger.Warn("corrupt identity cache entry", zap.Error(err))
		return nil
	}
	return rec
}

func (r *Resolver) toShared(ctx context.Context, keyHash string, rec *models.IdentityRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, cache.IdentityKey(keyHash), data, cache.TTLIdentityShared).Err(); err != nil {
		r.logger.Warn("shared identity cache write failed", zap.Error(err))
	}
}

// WellFormedKey is the cheap structural check applied before any cache
// or database work.
func WellFormedKey(rawKey string) bool {
	return len(rawKey) >= keyMinLength && strings.HasPrefix(rawKey, keyPrefix)
}
