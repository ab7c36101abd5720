package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier classifies an account for rate and quota limits
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Limits carries the tier-derived admission limits. A value of
// Unlimited (-1) disables the corresponding check entirely.
type Limits struct {
	RequestsPerMinute int
	MonthlyQuota      int64
}

// Unlimited disables a limit when used as its value
const Unlimited = -1

var tierLimits = map[Tier]Limits{
	TierFree:       {RequestsPerMinute: 60, MonthlyQuota: 5000},
	TierPro:        {RequestsPerMinute: 300, MonthlyQuota: 100000},
	TierEnterprise: {RequestsPerMinute: Unlimited, MonthlyQuota: Unlimited},
}

// LimitsFor returns the limits for a tier, falling back to the free
// tier for anything unrecognized.
func LimitsFor(tier Tier) Limits {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// IdentityRecord is the resolved owner of an API key. Cached copies are
// read-only projections of the durable row; CachedAt records when the
// projection was taken.
type IdentityRecord struct {
	APIKeyID    uuid.UUID  `json:"api_key_id"`
	UserID      uuid.UUID  `json:"user_id"`
	SecretHash  string     `json:"secret_hash"`
	IsActive    bool       `json:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Tier        Tier       `json:"tier"`
	RateLimitID string     `json:"rate_limit_id"`
	CachedAt    time.Time  `json:"cached_at"`
}

// Expired reports whether the key itself (not the cache entry) has
// passed its expiry.
func (r *IdentityRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// BanLevel is the escalation ladder for abusive identifiers
type BanLevel int

const (
	BanNone BanLevel = iota
	BanFiveMinute
	BanOneDay
	BanPermanent
)

func (l BanLevel) String() string {
	switch l {
	case BanFiveMinute:
		return "five_minute"
	case BanOneDay:
		return "one_day"
	case BanPermanent:
		return "permanent"
	default:
		return "none"
	}
}

// Duration returns how long a ban at this level lasts; zero means
// indefinite.
func (l BanLevel) Duration() time.Duration {
	switch l {
	case BanFiveMinute:
		return 5 * time.Minute
	case BanOneDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// BanState is the cached record of an active ban. Non-permanent bans
// live only in the shared cache with a TTL equal to their duration;
// permanent bans are mirrored into Postgres.
type BanState struct {
	Identifier     string     `json:"identifier"`
	UserID         string     `json:"user_id,omitempty"`
	Level          BanLevel   `json:"level"`
	ViolationCount int64      `json:"violation_count"`
	Reason         string     `json:"reason"`
	BannedAt       time.Time  `json:"banned_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// ExpiredAt reports whether a non-permanent ban has run out
func (b *BanState) ExpiredAt(now time.Time) bool {
	if b.Level == BanPermanent {
		return false
	}
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// RemainingAt returns the time left on a temporary ban
func (b *BanState) RemainingAt(now time.Time) time.Duration {
	if b.ExpiresAt == nil {
		return 0
	}
	if d := b.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// DailyUsageRow is one durable owner-level usage row, unique on
// (owner_id, usage_date). Upserts accumulate, never overwrite.
type DailyUsageRow struct {
	OwnerID       string
	UsageDate     string // YYYY-MM-DD, UTC
	TotalRequests int64
}

// ProviderUsageRow is one durable per-provider usage row, unique on
// (owner_id, provider, usage_date).
type ProviderUsageRow struct {
	OwnerID     string
	Provider    string
	UsageDate   string
	UploadCount int64
}

// Audit event severities
const (
	AuditInfo     = "info"
	AuditCritical = "critical"
)

// AuditEvent is a fire-and-forget record of a governance decision
type AuditEvent struct {
	ID         uuid.UUID `json:"id"`
	Severity   string    `json:"severity"`
	Kind       string    `json:"kind"`
	UserID     string    `json:"user_id,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// APIKey is the administrative view of a key row
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	Key       string     `json:"key"`
	UserID    uuid.UUID  `json:"user_id"`
	Name      string     `json:"name"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
