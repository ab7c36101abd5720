package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/cache"
	"github.com/yourusername/upload-gateway/internal/models"
)

// Escalation thresholds on the lifetime violation count
const (
	thresholdFiveMinute = 5
	thresholdOneDay     = 7
	thresholdPermanent  = 12
)

// BanStore is the slice of the durable store the engine needs
type BanStore interface {
	UpsertPermanentBan(ctx context.Context, userID, reason string, violationCount int64) error
}

// BanOutcome is the result of recording a violation. Ban is nil when
// the count is still below every threshold; callers then issue a soft
// rate-limit rejection carrying Violations.
type BanOutcome struct {
	Ban        *models.BanState
	Violations int64
	Escalated  bool
}

// BanEngine tracks lifetime violations per identifier and escalates
// them through FIVE_MIN, ONE_DAY and PERMANENT. Escalation only moves
// forward; non-permanent bans lift themselves by TTL expiry.
type BanEngine struct {
	client *redis.Client
	store  BanStore
	audit  *AuditLog
	logger *zap.Logger
}

func NewBanEngine(client *redis.Client, store BanStore, audit *AuditLog, logger *zap.Logger) *BanEngine {
	return &BanEngine{client: client, store: store, audit: audit, logger: logger}
}

// levelForCount maps a lifetime violation count onto the highest
// threshold it meets.
func levelForCount(count int64) models.BanLevel {
	switch {
	case count >= thresholdPermanent:
		return models.BanPermanent
	case count >= thresholdOneDay:
		return models.BanOneDay
	case count >= thresholdFiveMinute:
		return models.BanFiveMinute
	default:
		return models.BanNone
	}
}

// RecordViolation atomically bumps the identifier's violation counter
// and applies or escalates a ban when a threshold is crossed.
func (e *BanEngine) RecordViolation(ctx context.Context, identifier, userID string) (*BanOutcome, error) {
	count, err := e.bumpViolations(ctx, identifier)
	if err != nil {
		return nil, err
	}

	existing, err := e.ActiveBan(ctx, identifier)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.Level == models.BanPermanent {
		return &BanOutcome{Ban: existing, Violations: count}, nil
	}

	target := levelForCount(count)

	if existing != nil {
		if target <= existing.Level {
			return &BanOutcome{Ban: existing, Violations: count}, nil
		}
		ban, err := e.apply(ctx, identifier, userID, target, count, "escalated after repeated violations")
		if err != nil {
			return nil, err
		}
		return &BanOutcome{Ban: ban, Violations: count, Escalated: true}, nil
	}

	if target == models.BanNone {
		return &BanOutcome{Violations: count}, nil
	}

	ban, err := e.apply(ctx, identifier, userID, target, count, "rate limit violations")
	if err != nil {
		return nil, err
	}
	return &BanOutcome{Ban: ban, Violations: count, Escalated: true}, nil
}

// ActiveBan returns the current ban for an identifier, permanent first.
// An expired temporary ban found here is lazily cleared.
func (e *BanEngine) ActiveBan(ctx context.Context, identifier string) (*models.BanState, error) {
	if ban, err := e.readBan(ctx, cache.PermBanKey(identifier)); err != nil {
		return nil, err
	} else if ban != nil {
		return ban, nil
	}

	ban, err := e.readBan(ctx, cache.TempBanKey(identifier))
	if err != nil || ban == nil {
		return nil, err
	}

	if ban.ExpiredAt(time.Now()) {
		// Redis normally expires the key itself; clocks can disagree.
		if err := e.client.Del(ctx, cache.TempBanKey(identifier)).Err(); err != nil {
			e.logger.Warn("stale ban cleanup failed", zap.String("identifier", identifier), zap.Error(err))
		}
		e.audit.Submit(models.AuditInfo, "ban_lifted", ban.UserID, identifier,
			fmt.Sprintf("%s ban expired", ban.Level))
		return nil, nil
	}

	return ban, nil
}

func (e *BanEngine) bumpViolations(ctx context.Context, identifier string) (int64, error) {
	pipe := e.client.Pipeline()
	incr := pipe.Incr(ctx, cache.ViolationsKey(identifier))
	pipe.Expire(ctx, cache.ViolationsKey(identifier), cache.TTLViolations)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("violation counter update failed: %w", err)
	}
	return incr.Val(), nil
}

func (e *BanEngine) apply(ctx context.Context, identifier, userID string, level models.BanLevel, count int64, reason string) (*models.BanState, error) {
	now := time.Now().UTC()
	ban := &models.BanState{
		Identifier:     identifier,
		UserID:         userID,
		Level:          level,
		ViolationCount: count,
		Reason:         reason,
		BannedAt:       now,
	}

	if level == models.BanPermanent {
		if userID != "" {
			if err := e.store.UpsertPermanentBan(ctx, userID, reason, count); err != nil {
				return nil, fmt.Errorf("permanent ban persist failed: %w", err)
			}
		}
		if err := e.writeBan(ctx, cache.PermBanKey(identifier), ban, 0); err != nil {
			return nil, err
		}
	} else {
		duration := level.Duration()
		expires := now.Add(duration)
		ban.ExpiresAt = &expires
		if err := e.writeBan(ctx, cache.TempBanKey(identifier), ban, duration); err != nil {
			return nil, err
		}
	}

	e.audit.Submit(models.AuditCritical, "ban_applied", userID, identifier,
		fmt.Sprintf("%s ban after %d violations", level, count))
	e.logger.Warn("identifier banned",
		zap.String("identifier", identifier),
		zap.String("level", level.String()),
		zap.Int64("violations", count))

	return ban, nil
}

func (e *BanEngine) readBan(ctx context.Context, key string) (*models.BanState, error) {
	data, err := e.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban read failed: %w", err)
	}

	ban := &models.BanState{}
	if err := json.Unmarshal(data, ban); err != nil {
		return nil, fmt.Errorf("corrupt ban record: %w", err)
	}
	return ban, nil
}

func (e *BanEngine) writeBan(ctx context.Context, key string, ban *models.BanState, ttl time.Duration) error {
	data, err := json.Marshal(ban)
	if err != nil {
		return err
	}
	if err := e.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("ban write failed: %w", err)
	}
	return nil
}
