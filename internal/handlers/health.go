package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/database"
	"github.com/yourusername/upload-gateway/internal/services"
	"github.com/yourusername/upload-gateway/internal/workers"
)

// HealthHandler reports dependency health and the in-process stats of
// the gate and both workers.
type HealthHandler struct {
	db         *database.DB
	client     *redis.Client
	controller *services.AdmissionController
	sync       *workers.SyncWorker
	rollup     *workers.RollupWorker
	logger     *zap.Logger
}

func NewHealthHandler(
	db *database.DB,
	client *redis.Client,
	controller *services.AdmissionController,
	sync *workers.SyncWorker,
	rollup *workers.RollupWorker,
	logger *zap.Logger,
) *HealthHandler {
	return &HealthHandler{
		db:         db,
		client:     client,
		controller: controller,
		sync:       sync,
		rollup:     rollup,
		logger:     logger,
	}
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"Method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Services:  make(map[string]string),
	}

	if err := h.db.Ping(ctx); err != nil {
		health.Services["postgresql"] = "unhealthy: " + err.Error()
		health.Status = "degraded"
		h.logger.Warn("postgres health check failed", zap.Error(err))
	} else {
		health.Services["postgresql"] = "healthy"
	}

	if err := h.client.Ping(ctx).Err(); err != nil {
		health.Services["redis"] = "unhealthy: " + err.Error()
		health.Status = "degraded"
		h.logger.Warn("redis health check failed", zap.Error(err))
	} else {
		health.Services["redis"] = "healthy"
	}

	statusCode := http.StatusOK
	if health.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

type StatsResponse struct {
	Gate       *services.GateSnapshot  `json:"gate"`
	SyncWorker *workers.WorkerSnapshot `json:"sync_worker"`
	Rollup     *workers.WorkerSnapshot `json:"rollup_worker"`
	Timestamp  string                  `json:"timestamp"`
}

// GetStats exposes the gate and worker counters
func (h *HealthHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"Method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	stats := &StatsResponse{
		Gate:       h.controller.Stats(),
		SyncWorker: h.sync.Stats(),
		Rollup:     h.rollup.Stats(),
		Timestamp:  time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
