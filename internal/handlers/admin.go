package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/database"
	"github.com/yourusername/upload-gateway/internal/models"
	"github.com/yourusername/upload-gateway/internal/services"
)

type AdminHandler struct {
	db       *database.DB
	resolver *services.Resolver
	logger   *zap.Logger
}

func NewAdminHandler(db *database.DB, resolver *services.Resolver, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{db: db, resolver: resolver, logger: logger}
}

type CreateAPIKeyRequest struct {
	Name      string `json:"name"`
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func (h *AdminHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, `{"error":"Name is required"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"Invalid user_id"}`, http.StatusBadRequest)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			http.Error(w, `{"error":"Invalid expires_at, use RFC3339"}`, http.StatusBadRequest)
			return
		}
		expiresAt = &t
	}

	apiKey := &models.APIKey{
		Key:       newRawKey(),
		UserID:    userID,
		Name:      req.Name,
		IsActive:  true,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}

	if err := h.db.CreateAPIKey(r.Context(), apiKey); err != nil {
		h.logger.Error("api key creation failed", zap.Error(err))
		http.Error(w, `{"error":"Failed to create API key"}`, http.StatusInternalServerError)
		return
	}

	// Echo the plan the new key inherits; unknown users surface as free.
	tier, err := h.resolver.UserTier(r.Context(), userID)
	if err != nil {
		h.logger.Warn("tier lookup for new key failed", zap.String("user_id", userID.String()), zap.Error(err))
		tier = models.TierFree
	}

	h.logger.Info("api key created",
		zap.String("name", apiKey.Name),
		zap.String("id", apiKey.ID.String()),
		zap.String("tier", string(tier)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(struct {
		*models.APIKey
		Tier models.Tier `json:"tier"`
	}{apiKey, tier})
}

func (h *AdminHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.db.ListAPIKeys(r.Context())
	if err != nil {
		h.logger.Error("api key listing failed", zap.Error(err))
		http.Error(w, `{"error":"Failed to list API keys"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(keys)
}

func (h *AdminHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, `{"error":"Method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	id, ok := idParam(w, r)
	if !ok {
		return
	}

	rawKey, err := h.db.DeleteAPIKey(r.Context(), id)
	if err != nil {
		h.logger.Error("api key deletion failed", zap.Error(err))
		http.Error(w, `{"error":"Failed to delete API key"}`, http.StatusInternalServerError)
		return
	}

	// Cached projections must not outlive the row.
	h.resolver.Invalidate(r.Context(), rawKey)

	h.logger.Info("api key deleted", zap.String("id", id.String()))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "API key deleted successfully"})
}

func (h *AdminHandler) DeactivateAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, `{"error":"Method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	id, ok := idParam(w, r)
	if !ok {
		return
	}

	rawKey, err := h.db.DeactivateAPIKey(r.Context(), id)
	if err != nil {
		h.logger.Error("api key deactivation failed", zap.Error(err))
		http.Error(w, `{"error":"Failed to deactivate API key"}`, http.StatusInternalServerError)
		return
	}

	h.resolver.Invalidate(r.Context(), rawKey)

	h.logger.Info("api key deactivated", zap.String("id", id.String()))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "API key deactivated successfully"})
}

func idParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		http.Error(w, `{"error":"ID parameter is required"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, `{"error":"Invalid UUID"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// newRawKey mints a key matching the resolver's structural check
func newRawKey() string {
	return "up_" + strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
}
