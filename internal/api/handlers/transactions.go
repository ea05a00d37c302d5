// transactions.go — обработчики статуса и отмены транзакций.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gonlds/internal/api/errors"
)

// Stat — GET /api/v1/transactions/{id}.
// Сводка по UUID транзакции либо по метке задания (job_label):
// метка может покрывать несколько транзакций.
func (h *APIHandler) Stat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, group, err := userGroup(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	txs, err := h.catalog.Stat(r.Context(), id, user, group)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Cancel — POST /api/v1/transactions/{id}/cancel.
// Отмена действует на суб-записи, ещё не начавшие физический перенос;
// суб-записи внутри transfer-стадии откатываются после её завершения.
func (h *APIHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, group, err := userGroup(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	// Проверка существования и принадлежности до пометки
	if _, err := h.catalog.Stat(r.Context(), id, user, group); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.router.Cancel(id)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"transaction_id": id,
		"status":         "cancelling",
	})
}
