// evictions.go — двухфазное вытеснение objectstore-копий.
// Первая фаза — advisory-список кандидатов; вторая — подтверждение,
// после которого удаляются каталожная запись и физический объект.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gonlds/internal/api/errors"
)

// EvictionCandidates — GET /api/v1/evictions/candidates.
// Advisory-список: условия перепроверяются при подтверждении.
func (h *APIHandler) EvictionCandidates(w http.ResponseWriter, r *http.Request) {
	var holdingID int64
	if v := r.URL.Query().Get("holding_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			apierrors.ValidationError(w, "holding_id должен быть целым числом")
			return
		}
		holdingID = id
	}

	candidates, err := h.resolver.EvictCandidates(r.Context(), holdingID, h.retention)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": candidates,
		"count":      len(candidates),
	})
}

// ConfirmEviction — POST /api/v1/evictions/{locationID}/confirm.
// Удаляет каталожную запись и физический объект. Кандидат, потерявший
// право на вытеснение между фазами, отклоняется с 409.
func (h *APIHandler) ConfirmEviction(w http.ResponseWriter, r *http.Request) {
	locationID, err := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err != nil {
		apierrors.ValidationError(w, "locationID должен быть целым числом")
		return
	}

	loc, err := h.resolver.ConfirmEviction(r.Context(), locationID, h.retention)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if err := h.objectStore.Delete(r.Context(), loc.URL); err != nil {
		h.logger.Warn("Ошибка удаления вытесненного объекта",
			"url", loc.URL, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"location_id": loc.ID,
		"url":         loc.URL,
		"evicted":     true,
	})
}
