// Package workers contains the background processes that drain the
// write-behind usage counters into Postgres: a short-interval sync
// worker and a once-daily closing rollup.
package workers

import (
	"context"
	"strconv"
	"strings"

	"github.com/yourusername/upload-gateway/internal/cache"
	"github.com/yourusername/upload-gateway/internal/models"
)

// UsageStore is the slice of the durable store the workers write to.
// One call persists a whole drained batch atomically; a batch that
// errors leaves nothing behind, so its hot keys can be re-drained
// without double counting.
type UsageStore interface {
	UpsertUsage(ctx context.Context, ownerRows []models.DailyUsageRow, providerRows []models.ProviderUsageRow) error
}

// parseDailyKey splits usage:daily:<owner>:<date> back into its parts
func parseDailyKey(key string) (owner, date string, ok bool) {
	rest, found := strings.CutPrefix(key, cache.PrefixUsageDaily)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// parseLegacyKey splits usage:record:<owner>:<provider>:<date>
func parseLegacyKey(key string) (owner, provider, date string, ok bool) {
	rest, found := strings.CutPrefix(key, cache.PrefixUsageOld)
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// rowsFromHash converts one accumulator hash into its durable rows.
// Returns a zero total when the hash holds no counted requests.
func rowsFromHash(owner, date string, fields map[string]string) (models.DailyUsageRow, []models.ProviderUsageRow) {
	ownerRow := models.DailyUsageRow{OwnerID: owner, UsageDate: date}
	var providerRows []models.ProviderUsageRow

	for field, raw := range fields {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == cache.FieldTotal:
			ownerRow.TotalRequests = count
		case strings.HasPrefix(field, cache.FieldProviderPrefix):
			provider := strings.TrimPrefix(field, cache.FieldProviderPrefix)
			if provider != "" && count > 0 {
				providerRows = append(providerRows, models.ProviderUsageRow{
					OwnerID:     owner,
					Provider:    provider,
					UsageDate:   date,
					UploadCount: count,
				})
			}
		}
	}

	return ownerRow, providerRows
}

// chunk splits a slice into batches of at most size elements
func chunk[T any](in []T, size int) [][]T {
	if size <= 0 || len(in) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(in)+size-1)/size)
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}
