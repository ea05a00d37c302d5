// files.go — обработчики файловых операций: putlist, getlist, del, find.
// Перенос данных асинхронный: putlist/getlist возвращают 202 с UUID
// транзакции, продвижение отслеживается через /api/v1/transactions/{id}.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/gonlds/internal/api/errors"
	"github.com/bigkaa/gonlds/internal/domain/model"
	"github.com/bigkaa/gonlds/internal/pipeline"
	"github.com/bigkaa/gonlds/internal/repository"
)

// transferRequest — тело запроса putlist/getlist.
type transferRequest struct {
	User      string                 `json:"user"`
	Group     string                 `json:"group"`
	Label     string                 `json:"label,omitempty"`
	HoldingID int64                  `json:"holding_id,omitempty"`
	JobLabel  string                 `json:"job_label,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Files     []pipeline.RequestFile `json:"files"`
}

// transferResponse — ответ 202 на принятый запрос переноса.
type transferResponse struct {
	TransactionID string `json:"transaction_id"`
	JobLabel      string `json:"job_label"`
	HoldingID     int64  `json:"holding_id"`
	Status        string `json:"status"`
	Files         int    `json:"files"`
}

// submitTransfer — общий код putlist/getlist.
func (h *APIHandler) submitTransfer(w http.ResponseWriter, r *http.Request, action model.ApiAction) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "некорректное тело запроса: "+err.Error())
		return
	}
	if req.User == "" || req.Group == "" {
		apierrors.ValidationError(w, "поля user и group обязательны")
		return
	}

	tx, err := h.router.Submit(r.Context(), pipeline.Request{
		Action:    action,
		User:      req.User,
		Group:     req.Group,
		Label:     req.Label,
		HoldingID: req.HoldingID,
		JobLabel:  req.JobLabel,
		Target:    req.Target,
		Files:     req.Files,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, transferResponse{
		TransactionID: tx.TransactionID,
		JobLabel:      tx.JobLabel,
		HoldingID:     tx.HoldingID,
		Status:        tx.Status.String(),
		Files:         len(tx.SubRecords),
	})
}

// Putlist — PUT /api/v1/files. Принимает список файлов на запись.
func (h *APIHandler) Putlist(w http.ResponseWriter, r *http.Request) {
	h.submitTransfer(w, r, model.ActionPutList)
}

// Getlist — GET /api/v1/files. Принимает список файлов на чтение.
func (h *APIHandler) Getlist(w http.ResponseWriter, r *http.Request) {
	h.submitTransfer(w, r, model.ActionGetList)
}

// deleteRequest — тело запроса del.
type deleteRequest struct {
	User      string   `json:"user"`
	Group     string   `json:"group"`
	Label     string   `json:"label,omitempty"`
	HoldingID int64    `json:"holding_id,omitempty"`
	Paths     []string `json:"paths"`
}

// Del — DELETE /api/v1/files. Удаляет все поколения перечисленных путей
// вместе с физическими копиями. Необратимая операция.
func (h *APIHandler) Del(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "некорректное тело запроса: "+err.Error())
		return
	}
	if req.User == "" || req.Group == "" {
		apierrors.ValidationError(w, "поля user и group обязательны")
		return
	}
	if len(req.Paths) == 0 {
		apierrors.ValidationError(w, "список путей пуст")
		return
	}

	holdingID := req.HoldingID
	if holdingID == 0 {
		if req.Label == "" {
			apierrors.ValidationError(w, "требуется holding_id или label")
			return
		}
		filters := repository.HoldingFilters{User: req.User, Group: req.Group, Label: &req.Label}
		holdings, err := h.catalog.List(r.Context(), filters)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		if len(holdings) == 0 {
			apierrors.NotFound(w, "холдинг не найден")
			return
		}
		holdingID = holdings[0].ID
	}

	deleted := 0
	for _, path := range req.Paths {
		locations, err := h.catalog.RemoveFile(r.Context(), holdingID, req.User, req.Group, path)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		h.deleteObjects(r, locations)
		h.resolver.Invalidate(holdingID, path)
		deleted++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"holding_id": holdingID,
		"deleted":    deleted,
	})
}

// deleteObjects удаляет физические objectstore-копии перечисленных локаций.
// Ленточные агрегаты не трогаются: они разделяются с другими файлами.
func (h *APIHandler) deleteObjects(r *http.Request, locations []*model.Location) {
	for _, loc := range locations {
		if loc.Tier != model.TierObjectStore {
			continue
		}
		if err := h.objectStore.Delete(r.Context(), loc.URL); err != nil {
			h.logger.Warn("Ошибка удаления объекта",
				"url", loc.URL, "error", err)
		}
	}
}

// Find — GET /api/v1/files/find. Поиск файлов по фильтрам.
// По умолчанию для каждого пути возвращается только самое свежее поколение.
func (h *APIHandler) Find(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	allUsers := q.Get("all_users") == "true"

	params := repository.FindParams{
		User:           q.Get("user"),
		Group:          q.Get("group"),
		AllUsers:       allUsers,
		AllGenerations: q.Get("all_generations") == "true",
	}
	if !allUsers && params.User == "" {
		apierrors.ValidationError(w, "параметр user обязателен")
		return
	}

	if v := q.Get("label"); v != "" {
		params.Label = &v
	}
	if v := q.Get("holding_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			apierrors.ValidationError(w, "holding_id должен быть целым числом")
			return
		}
		params.HoldingID = &id
	}
	if v := q.Get("transaction_id"); v != "" {
		params.TransactionID = &v
	}
	if v := q.Get("path"); v != "" {
		params.PathRegex = &v
	}
	if v := q.Get("tag"); v != "" {
		tags, err := parseTags(v)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		// Все перечисленные теги комбинируются через AND
		params.Tags = tags
	}

	files, err := h.catalog.Find(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}
