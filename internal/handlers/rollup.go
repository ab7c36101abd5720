package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/workers"
)

// RollupHandler triggers a manual or backfill rollup for one date
type RollupHandler struct {
	rollup *workers.RollupWorker
	logger *zap.Logger
}

func NewRollupHandler(rollup *workers.RollupWorker, logger *zap.Logger) *RollupHandler {
	return &RollupHandler{rollup: rollup, logger: logger}
}

func (h *RollupHandler) Run(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"Method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		http.Error(w, `{"error":"date parameter is required (YYYY-MM-DD)"}`, http.StatusBadRequest)
		return
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		http.Error(w, `{"error":"invalid date, use YYYY-MM-DD"}`, http.StatusBadRequest)
		return
	}

	err := h.rollup.Rollup(r.Context(), date)
	if errors.Is(err, workers.ErrRollupLocked) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "rollup already running for this date"})
		return
	}
	if err != nil {
		h.logger.Error("manual rollup failed", zap.String("date", date), zap.Error(err))
		http.Error(w, `{"error":"Rollup failed, see logs"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "rollup completed", "date": date})
}
