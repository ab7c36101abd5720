package workers

import (
	"sync"
	"time"
)

// WorkerStats tracks a worker's progress in-process, constructed fresh
// per process and read through Snapshot for the health endpoint.
type WorkerStats struct {
	mu sync.RWMutex

	cycles      int64
	keysDrained int64
	keysSkipped int64
	rowsWritten int64
	errors      int64
	lastRun     time.Time
}

func (ws *WorkerStats) startCycle() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.cycles++
	ws.lastRun = time.Now()
}

func (ws *WorkerStats) addDrained(n int64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.keysDrained += n
}

func (ws *WorkerStats) addSkipped(n int64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.keysSkipped += n
}

func (ws *WorkerStats) addRows(n int64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.rowsWritten += n
}

func (ws *WorkerStats) addError() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.errors++
}

type WorkerSnapshot struct {
	Cycles      int64  `json:"cycles"`
	KeysDrained int64  `json:"keys_drained"`
	KeysSkipped int64  `json:"keys_skipped"`
	RowsWritten int64  `json:"rows_written"`
	Errors      int64  `json:"errors"`
	LastRun     string `json:"last_run,omitempty"`
}

func (ws *WorkerStats) Snapshot() *WorkerSnapshot {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	snap := &WorkerSnapshot{
		Cycles:      ws.cycles,
		KeysDrained: ws.keysDrained,
		KeysSkipped: ws.keysSkipped,
		RowsWritten: ws.rowsWritten,
		Errors:      ws.errors,
	}
	if !ws.lastRun.IsZero() {
		snap.LastRun = ws.lastRun.Format(time.RFC3339)
	}
	return snap
}
