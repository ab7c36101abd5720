package services

import (
	"sync"
	"time"
)

// GateStats counts admission outcomes for the health endpoint. Built
// fresh per process; nothing here is durable.
type GateStats struct {
	mu sync.RWMutex

	allowed      int64
	deniedAuth   int64
	deniedBanned int64
	deniedRate   int64
	deniedQuota  int64
	failOpen     int64

	startTime time.Time
}

func NewGateStats() *GateStats {
	return &GateStats{startTime: time.Now()}
}

func (gs *GateStats) recordAllow() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.allowed++
}

func (gs *GateStats) recordDeny(code string) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	switch code {
	case DenyAuth:
		gs.deniedAuth++
	case DenyBanned:
		gs.deniedBanned++
	case DenyRateLimited:
		gs.deniedRate++
	case DenyQuotaExceeded:
		gs.deniedQuota++
	}
}

func (gs *GateStats) recordFailOpen() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.failOpen++
}

type GateSnapshot struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	Allowed       int64 `json:"allowed"`
	DeniedAuth    int64 `json:"denied_auth"`
	DeniedBanned  int64 `json:"denied_banned"`
	DeniedRate    int64 `json:"denied_rate_limited"`
	DeniedQuota   int64 `json:"denied_quota_exceeded"`
	FailOpen      int64 `json:"fail_open"`
}

func (gs *GateStats) Snapshot() *GateSnapshot {
	gs.mu.RLock()
	defer gs.mu.RUnlock()

	return &GateSnapshot{
		UptimeSeconds: int64(time.Since(gs.startTime).Seconds()),
		Allowed:       gs.allowed,
		DeniedAuth:    gs.deniedAuth,
		DeniedBanned:  gs.deniedBanned,
		DeniedRate:    gs.deniedRate,
		DeniedQuota:   gs.deniedQuota,
		FailOpen:      gs.failOpen,
	}
}
