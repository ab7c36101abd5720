package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/cache"
	"github.com/yourusername/upload-gateway/internal/models"
)

// Deny codes surfaced to the HTTP layer
const (
	DenyAuth          = "AUTH_INVALID"
	DenyBanned        = "BANNED"
	DenyRateLimited   = "RATE_LIMITED"
	DenyQuotaExceeded = "QUOTA_EXCEEDED"
)

// AdmitRequest is the slice of an incoming request the gate examines
type AdmitRequest struct {
	APIKey     string
	RemoteAddr string
}

// Decision is the gate's verdict. Identity is populated on Allow for
// authenticated callers so downstream handlers can attribute usage.
type Decision struct {
	Allowed    bool
	Code       string
	Message    string
	RetryAfter time.Duration
	Limit      int64
	Ban        *models.BanState
	Violations int64
	Identity   *models.IdentityRecord
}

func allow(ident *models.IdentityRecord) Decision {
	return Decision{Allowed: true, Identity: ident}
}

func deny(code, message string) Decision {
	return Decision{Code: code, Message: message}
}

// AdmissionController is the per-request gate: ban check, monthly quota
// check and sliding-window rate limiting, short-circuiting on the first
// rejection. Infrastructure failures inside the gate fail open; only a
// failed identity resolution rejects.
type AdmissionController struct {
	client   *redis.Client
	resolver *Resolver
	bans     *BanEngine
	window   *SlidingWindow
	audit    *AuditLog
	stats    *GateStats
	logger   *zap.Logger
	timeout  time.Duration
}

func NewAdmissionController(
	client *redis.Client,
	resolver *Resolver,
	bans *BanEngine,
	window *SlidingWindow,
	audit *AuditLog,
	logger *zap.Logger,
	timeout time.Duration,
) *AdmissionController {
	return &AdmissionController{
		client:   client,
		resolver: resolver,
		bans:     bans,
		window:   window,
		audit:    audit,
		stats:    NewGateStats(),
		logger:   logger,
		timeout:  timeout,
	}
}

func (c *AdmissionController) Stats() *GateSnapshot { return c.stats.Snapshot() }

// Admit decides whether the request may proceed
func (c *AdmissionController) Admit(ctx context.Context, req AdmitRequest) Decision {
	if req.APIKey == "" && req.RemoteAddr == "" {
		// Nothing to key limits on; this gate only governs
		// identifiable traffic.
		return allow(nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dec Decision
	switch {
	case req.APIKey != "":
		identifier := cache.HashKey(req.APIKey)
		if ident := c.resolver.Peek(req.APIKey); ident != nil {
			dec = c.fastPath(ctx, identifier, ident)
		} else {
			dec = c.slowPath(ctx, req.APIKey, identifier)
		}
	default:
		dec = c.anonymous(ctx, "ip:"+req.RemoteAddr)
	}

	if dec.Allowed {
		c.stats.recordAllow()
	} else {
		c.stats.recordDeny(dec.Code)
	}
	return dec
}

// fastPath handles identifiers whose identity is already in the
// process-local cache: one pipelined read replaces what would be four
// sequential round trips.
func (c *AdmissionController) fastPath(ctx context.Context, identifier string, ident *models.IdentityRecord) Decision {
	userID := ident.UserID.String()
	month := cache.UTCMonth(time.Now())

	pipe := c.client.Pipeline()
	permCmd := pipe.Get(ctx, cache.PermBanKey(identifier))
	tempCmd := pipe.Get(ctx, cache.TempBanKey(identifier))
	quotaCmd := pipe.Get(ctx, cache.QuotaKey(userID, month))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return c.failOpen(ident, "admission batch read", err)
	}

	if ban := parseBan(permCmd); ban != nil {
		return c.denyBanned(ban)
	}

	if ban := parseBan(tempCmd); ban != nil {
		if !ban.ExpiredAt(time.Now()) {
			return c.denyBanned(ban)
		}
		// Lifted by time but the key outlived its TTL; clear lazily.
		go c.clearExpiredBan(identifier, ban)
	}

	limits := models.LimitsFor(ident.Tier)

	if limits.MonthlyQuota != models.Unlimited {
		count, _ := strconv.ParseInt(quotaCmd.Val(), 10, 64)
		if count >= limits.MonthlyQuota {
			return c.denyQuota(ctx, ident, count)
		}
	}

	return c.rateCheck(ctx, identifier, ident, limits)
}

// slowPath resolves the identity through all three tiers and runs the
// same checks explicitly.
func (c *AdmissionController) slowPath(ctx context.Context, rawKey, identifier string) Decision {
	ident, err := c.resolver.Resolve(ctx, rawKey)
	if errors.Is(err, ErrKeyNotFound) {
		return deny(DenyAuth, "invalid API key")
	}
	if err != nil {
		// Cannot authenticate without the durable store; never
		// silently allow here.
		c.logger.Error("identity resolution failed", zap.Error(err))
		return deny(DenyAuth, "authentication unavailable")
	}

	ban, err := c.banCheck(ctx, identifier, ident.UserID.String())
	if err != nil {
		return c.failOpen(ident, "ban read", err)
	}
	if ban != nil {
		return c.denyBanned(ban)
	}

	limits := models.LimitsFor(ident.Tier)

	if limits.MonthlyQuota != models.Unlimited {
		count, err := c.quotaCount(ctx, ident.UserID.String())
		if err != nil {
			return c.failOpen(ident, "quota read", err)
		}
		if count >= limits.MonthlyQuota {
			return c.denyQuota(ctx, ident, count)
		}
	}

	return c.rateCheck(ctx, identifier, ident, limits)
}

// anonymous governs callers identified only by address: ban state and
// the default per-minute window, no tier or quota.
func (c *AdmissionController) anonymous(ctx context.Context, identifier string) Decision {
	ban, err := c.banCheck(ctx, identifier, "")
	if err != nil {
		return c.failOpen(nil, "ban read", err)
	}
	if ban != nil {
		return c.denyBanned(ban)
	}
	return c.rateCheck(ctx, identifier, nil, models.LimitsFor(models.TierFree))
}

// banCheck reads the active ban and, when one is found on this path,
// records the continued traffic as a fresh violation.
func (c *AdmissionController) banCheck(ctx context.Context, identifier, userID string) (*models.BanState, error) {
	ban, err := c.bans.ActiveBan(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if ban == nil {
		return nil, nil
	}

	outcome, err := c.bans.RecordViolation(ctx, identifier, userID)
	if err != nil {
		c.logger.Warn("violation escalation failed", zap.String("identifier", identifier), zap.Error(err))
		return ban, nil
	}
	if outcome.Ban != nil {
		return outcome.Ban, nil
	}
	return ban, nil
}

func (c *AdmissionController) rateCheck(ctx context.Context, identifier string, ident *models.IdentityRecord, limits models.Limits) Decision {
	if limits.RequestsPerMinute == models.Unlimited {
		return allow(ident)
	}

	ok, count, err := c.window.Allow(ctx, identifier, limits.RequestsPerMinute)
	if err != nil {
		return c.failOpen(ident, "rate window", err)
	}
	if ok {
		return allow(ident)
	}

	userID := ""
	if ident != nil {
		userID = ident.UserID.String()
	}

	outcome, err := c.bans.RecordViolation(ctx, identifier, userID)
	if err != nil {
		return c.failOpen(ident, "violation record", err)
	}

	if outcome.Ban != nil {
		return c.denyBanned(outcome.Ban)
	}

	dec := deny(DenyRateLimited, fmt.Sprintf("rate limit exceeded: %d requests in the last minute", count))
	dec.RetryAfter = c.window.Window()
	dec.Limit = int64(limits.RequestsPerMinute)
	dec.Violations = outcome.Violations
	return dec
}

func (c *AdmissionController) denyBanned(ban *models.BanState) Decision {
	dec := deny(DenyBanned, fmt.Sprintf("access banned (%s)", ban.Level))
	dec.Ban = ban
	if ban.Level != models.BanPermanent {
		dec.RetryAfter = ban.RemainingAt(time.Now())
	}
	return dec
}

// denyQuota emits the critical audit event at most once per user per
// month, deduplicated through a month-scoped flag.
func (c *AdmissionController) denyQuota(ctx context.Context, ident *models.IdentityRecord, count int64) Decision {
	userID := ident.UserID.String()
	month := cache.UTCMonth(time.Now())

	first, err := c.client.SetNX(ctx, cache.QuotaAlertKey(userID, month), "1", cache.TTLQuotaAlert).Result()
	if err != nil {
		c.logger.Warn("quota alert dedup failed", zap.Error(err))
	} else if first {
		c.audit.Submit(models.AuditCritical, "quota_exceeded", userID, "",
			fmt.Sprintf("monthly quota exhausted at %d requests (%s tier)", count, ident.Tier))
	}

	return deny(DenyQuotaExceeded, "monthly quota exceeded, resets next billing period")
}

func (c *AdmissionController) quotaCount(ctx context.Context, userID string) (int64, error) {
	val, err := c.client.Get(ctx, cache.QuotaKey(userID, cache.UTCMonth(time.Now()))).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// failOpen allows the request when infrastructure misbehaves:
// availability wins over strict enforcement.
func (c *AdmissionController) failOpen(ident *models.IdentityRecord, op string, err error) Decision {
	c.logger.Error("admission degraded, failing open", zap.String("op", op), zap.Error(err))
	c.stats.recordFailOpen()
	return Decision{Allowed: true, Identity: ident}
}

func (c *AdmissionController) clearExpiredBan(identifier string, ban *models.BanState) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, cache.TempBanKey(identifier)).Err(); err != nil {
		c.logger.Warn("expired ban cleanup failed", zap.Error(err))
		return
	}
	c.audit.Submit(models.AuditInfo, "ban_lifted", ban.UserID, identifier,
		fmt.Sprintf("%s ban expired", ban.Level))
}

func parseBan(cmd *redis.StringCmd) *models.BanState {
	data, err := cmd.Bytes()
	if err != nil {
		return nil
	}
	ban := &models.BanState{}
	if json.Unmarshal(data, ban) != nil {
		return nil
	}
	return ban
}
