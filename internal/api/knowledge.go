package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shopmind/shopmind/internal/knowledge"
)

// knowledgeHandler holds dependencies for knowledge API endpoints.
type knowledgeHandler struct {
	store  *knowledge.Store
	logger *slog.Logger
}

// listKnowledge handles GET /api/v1/knowledge — returns a user's items,
// optionally filtered by type and a since timestamp.
func (h *knowledgeHandler) listKnowledge(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r, h.logger)
	if !ok {
		return
	}

	limit := min(parseIntParam(r, "limit", 50), 200)
	contentType := knowledge.ContentType(r.URL.Query().Get("type"))
	if contentType != "" && !contentType.Valid() {
		WriteError(w, http.StatusBadRequest, "invalid_type", "unknown content type", h.logger)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_since", "since must be RFC 3339", h.logger)
			return
		}
		since = parsed
	}

	items, err := h.store.List(r.Context(), userID, contentType, since, limit)
	if err != nil {
		h.logger.Error("listing knowledge", "error", err, "user_id", userID)
		WriteError(w, http.StatusInternalServerError, "list_failed", "failed to list knowledge", h.logger)
		return
	}

	total, err := h.store.Count(r.Context(), userID)
	if err != nil {
		h.logger.Error("counting knowledge", "error", err, "user_id", userID)
		WriteError(w, http.StatusInternalServerError, "list_failed", "failed to list knowledge", h.logger)
		return
	}

	out := make([]knowledgeItem, len(items))
	for i, item := range items {
		out[i] = toKnowledgeItem(item)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"items": out,
		"total": total,
	})
}

// getKnowledge handles GET /api/v1/knowledge/{id} — returns a single item.
func (h *knowledgeHandler) getKnowledge(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r, h.logger)
	if !ok {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_id", "invalid knowledge ID", h.logger)
		return
	}

	item, err := h.store.Get(r.Context(), id, userID)
	if err != nil {
		if h.mapStoreError(w, err) {
			return
		}
		h.logger.Error("getting knowledge", "error", err, "id", id)
		WriteError(w, http.StatusInternalServerError, "get_failed", "failed to get knowledge", h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, toKnowledgeItem(item))
}

// deleteKnowledge handles DELETE /api/v1/knowledge/{id}.
func (h *knowledgeHandler) deleteKnowledge(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r, h.logger)
	if !ok {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_id", "invalid knowledge ID", h.logger)
		return
	}

	if err := h.store.Delete(r.Context(), id, userID); err != nil {
		if h.mapStoreError(w, err) {
			return
		}
		h.logger.Error("deleting knowledge", "error", err, "id", id)
		WriteError(w, http.StatusInternalServerError, "delete_failed", "failed to delete knowledge", h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// deleteAllKnowledge handles DELETE /api/v1/knowledge — wipes a user's store.
// Exposed for account-level data deletion requests.
func (h *knowledgeHandler) deleteAllKnowledge(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r, h.logger)
	if !ok {
		return
	}

	deleted, err := h.store.DeleteAll(r.Context(), userID)
	if err != nil {
		h.logger.Error("deleting all knowledge", "error", err, "user_id", userID)
		WriteError(w, http.StatusInternalServerError, "delete_failed", "failed to delete knowledge", h.logger)
		return
	}

	h.logger.Info("user knowledge wiped", "user_id", userID, "deleted", deleted)
	WriteJSON(w, http.StatusOK, map[string]any{"status": "deleted", "count": deleted})
}

// mapStoreError maps store errors to HTTP 404 to prevent IDOR enumeration.
// Returns true if the error was handled (response written), false otherwise.
// Both ErrNotFound and ErrForbidden map to 404 — a 403 would reveal that an
// item with this ID exists but belongs to another user.
func (h *knowledgeHandler) mapStoreError(w http.ResponseWriter, err error) bool {
	if errors.Is(err, knowledge.ErrNotFound) || errors.Is(err, knowledge.ErrForbidden) {
		WriteError(w, http.StatusNotFound, "not_found", "knowledge item not found", h.logger)
		return true
	}
	return false
}

// knowledgeItem is the JSON representation of a stored item.
type knowledgeItem struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	Type           string            `json:"type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Topics         []string          `json:"topics,omitempty"`
	Importance     float32           `json:"importance"`
	AccessCount    int               `json:"access_count"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
	LastAccessedAt string            `json:"last_accessed_at,omitempty"`
}

// toKnowledgeItem converts a knowledge.Item to its JSON representation.
func toKnowledgeItem(item *knowledge.Item) knowledgeItem {
	out := knowledgeItem{
		ID:          item.ID.String(),
		Content:     item.Content,
		Type:        string(item.Type),
		Metadata:    item.Metadata,
		Topics:      item.Topics,
		Importance:  item.Importance,
		AccessCount: item.AccessCount,
		CreatedAt:   item.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   item.UpdatedAt.Format(time.RFC3339),
	}
	if item.LastAccessedAt != nil {
		out.LastAccessedAt = item.LastAccessedAt.Format(time.RFC3339)
	}
	return out
}
