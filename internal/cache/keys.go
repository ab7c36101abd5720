// Package cache defines the shared Redis key schema and TTLs. Every
// component builds keys through these helpers so the sync and rollup
// workers can rely on the layout when scanning.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Key prefixes
const (
	PrefixIdentity   = "apikey:identity:"  // apikey:identity:<sha256(raw)> -> IdentityRecord JSON
	PrefixTier       = "apikey:tier:"      // apikey:tier:<userID> -> tier string
	PrefixTempBan    = "ban:temp:"         // ban:temp:<identifier> -> BanState JSON, TTL = ban duration
	PrefixPermBan    = "ban:perm:"         // ban:perm:<identifier> -> BanState JSON, no TTL
	PrefixViolations = "ban:violations:"   // ban:violations:<identifier> -> counter
	PrefixQuota      = "quota:monthly:"    // quota:monthly:<userID>:<YYYY-MM> -> counter
	PrefixQuotaAlert = "quota:alerted:"    // quota:alerted:<userID>:<YYYY-MM> -> dedup flag
	PrefixRateWindow = "ratelimit:window:" // ratelimit:window:<identifier> -> sorted set of request times
	PrefixUsageDaily = "usage:daily:"      // usage:daily:<ownerID>:<YYYY-MM-DD> -> accumulator hash
	PrefixUsageOld   = "usage:record:"     // usage:record:<ownerID>:<provider>:<YYYY-MM-DD> -> counter (pre-migration)
	PrefixRollupLock = "rollup:lock:"      // rollup:lock:<YYYY-MM-DD> -> holder id, SET NX
)

// TTLs
const (
	TTLIdentityShared = 5 * time.Minute
	TTLIdentityLocal  = 30 * time.Second
	TTLTier           = 5 * time.Minute
	TTLViolations     = 7 * 24 * time.Hour
	TTLUsageDaily     = 48 * time.Hour
	TTLQuotaMonthly   = 40 * 24 * time.Hour
	TTLQuotaAlert     = 40 * 24 * time.Hour
	TTLRollupLock     = 10 * time.Minute
)

// Accumulator hash fields
const (
	FieldTotal        = "total"
	FieldLastActivity = "last_activity"
	FieldUserID       = "user_id"

	FieldProviderPrefix = "provider:"
	FieldMimePrefix     = "mime:"
	FieldCategoryPrefix = "category:"
)

// HashKey returns the hex SHA-256 of a raw API key. Raw keys never
// appear in Redis key names.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func IdentityKey(keyHash string) string      { return PrefixIdentity + keyHash }
func TierKey(userID string) string           { return PrefixTier + userID }
func TempBanKey(identifier string) string    { return PrefixTempBan + identifier }
func PermBanKey(identifier string) string    { return PrefixPermBan + identifier }
func ViolationsKey(identifier string) string { return PrefixViolations + identifier }
func RateWindowKey(identifier string) string { return PrefixRateWindow + identifier }
func RollupLockKey(date string) string       { return PrefixRollupLock + date }

func QuotaKey(userID, month string) string      { return PrefixQuota + userID + ":" + month }
func QuotaAlertKey(userID, month string) string { return PrefixQuotaAlert + userID + ":" + month }

func UsageDailyKey(ownerID, date string) string {
	return PrefixUsageDaily + ownerID + ":" + date
}

func UsageOldKey(ownerID, provider, date string) string {
	return PrefixUsageOld + ownerID + ":" + provider + ":" + date
}

// UsageDailyPattern matches every accumulator for one UTC date
func UsageDailyPattern(date string) string { return PrefixUsageDaily + "*:" + date }

// UsageOldPattern matches every legacy usage record for one UTC date
func UsageOldPattern(date string) string { return PrefixUsageOld + "*:" + date }

// UTCDate formats a time as the schema's date component
func UTCDate(t time.Time) string { return t.UTC().Format("2006-01-02") }

// UTCMonth formats a time as the quota counter's month component
func UTCMonth(t time.Time) string { return t.UTC().Format("2006-01") }
