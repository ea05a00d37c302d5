// holdings.go — обработчики операций над холдингами: list, meta, delete.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gonlds/internal/api/errors"
	"github.com/bigkaa/gonlds/internal/repository"
)

// ListHoldings — GET /api/v1/holdings. Список холдингов по фильтрам.
func (h *APIHandler) ListHoldings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	allUsers := q.Get("all_users") == "true"

	filters := repository.HoldingFilters{
		User:     q.Get("user"),
		Group:    q.Get("group"),
		AllUsers: allUsers,
	}
	if !allUsers && filters.User == "" {
		apierrors.ValidationError(w, "параметр user обязателен")
		return
	}

	if v := q.Get("label"); v != "" {
		filters.Label = &v
	}
	if v := q.Get("holding_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			apierrors.ValidationError(w, "holding_id должен быть целым числом")
			return
		}
		filters.HoldingID = &id
	}
	if v := q.Get("tag"); v != "" {
		tags, err := parseTags(v)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		// Все перечисленные теги комбинируются через AND
		filters.Tags = tags
	}

	holdings, err := h.catalog.List(r.Context(), filters)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holdings": holdings,
		"count":    len(holdings),
	})
}

// metaRequest — тело META-запроса: смена метки и/или изменение тегов.
type metaRequest struct {
	User     string            `json:"user"`
	Group    string            `json:"group"`
	NewLabel string            `json:"new_label,omitempty"`
	AddTags  map[string]string `json:"add_tags,omitempty"`
	DelTags  []string          `json:"del_tags,omitempty"`
}

// UpdateMeta — POST /api/v1/holdings/{holdingID}/meta.
// Атомарно применяет смену метки и изменения тегов.
func (h *APIHandler) UpdateMeta(w http.ResponseWriter, r *http.Request) {
	holdingID, err := strconv.ParseInt(chi.URLParam(r, "holdingID"), 10, 64)
	if err != nil {
		apierrors.ValidationError(w, "holdingID должен быть целым числом")
		return
	}

	var req metaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "некорректное тело запроса: "+err.Error())
		return
	}
	if req.User == "" || req.Group == "" {
		apierrors.ValidationError(w, "поля user и group обязательны")
		return
	}
	if req.NewLabel == "" && len(req.AddTags) == 0 && len(req.DelTags) == 0 {
		apierrors.ValidationError(w, "запрос не содержит изменений")
		return
	}

	holding, err := h.catalog.UpdateMeta(r.Context(), holdingID,
		req.User, req.Group, req.NewLabel, req.AddTags, req.DelTags)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holding)
}

// DeleteHolding — DELETE /api/v1/holdings/{holdingID}.
// Удаляет холдинг, все его файлы и физические objectstore-копии.
// Необратимая операция.
func (h *APIHandler) DeleteHolding(w http.ResponseWriter, r *http.Request) {
	holdingID, err := strconv.ParseInt(chi.URLParam(r, "holdingID"), 10, 64)
	if err != nil {
		apierrors.ValidationError(w, "holdingID должен быть целым числом")
		return
	}
	user, group, err := userGroup(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	locations, err := h.catalog.Remove(r.Context(), holdingID, user, group)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.deleteObjects(r, locations)

	writeJSON(w, http.StatusOK, map[string]any{
		"holding_id": holdingID,
		"locations":  len(locations),
	})
}
