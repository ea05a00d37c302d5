// handler.go — общая часть обработчиков API каталога.
// Бизнес-логика живёт в catalog/pipeline; обработчики разбирают запрос,
// вызывают сервисный слой и сериализуют ответ.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/bigkaa/gonlds/internal/api/errors"
	"github.com/bigkaa/gonlds/internal/catalog"
	"github.com/bigkaa/gonlds/internal/pipeline"
	"github.com/bigkaa/gonlds/internal/repository"
	"github.com/bigkaa/gonlds/internal/storage"
)

// APIHandler — обработчики API каталога.
type APIHandler struct {
	catalog     *catalog.Catalog
	resolver    *catalog.Resolver
	router      *pipeline.Router
	objectStore storage.Driver
	// retention — период удержания objectstore-копий перед вытеснением
	retention time.Duration
	logger    *slog.Logger
}

// NewAPIHandler создаёт обработчики API.
func NewAPIHandler(
	cat *catalog.Catalog,
	resolver *catalog.Resolver,
	router *pipeline.Router,
	objectStore storage.Driver,
	retention time.Duration,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		catalog:     cat,
		resolver:    resolver,
		router:      router,
		objectStore: objectStore,
		retention:   retention,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError транслирует ошибки сервисного слоя в HTTP-ответы.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrDuplicatePath):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, pipeline.ErrEmptyRequest):
		apierrors.ValidationError(w, err.Error())
	default:
		h.logger.Error("Внутренняя ошибка API", slog.Any("error", err))
		apierrors.InternalError(w, "внутренняя ошибка сервера")
	}
}

// userGroup извлекает обязательные параметры user и group.
func userGroup(r *http.Request) (user, group string, err error) {
	user = r.URL.Query().Get("user")
	group = r.URL.Query().Get("group")
	if user == "" || group == "" {
		return "", "", fmt.Errorf("параметры user и group обязательны")
	}
	return user, group, nil
}

// parseTags разбирает строковую форму тегов key:value,key:value.
func parseTags(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	tags := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, ":")
		if !ok || key == "" {
			return nil, fmt.Errorf("некорректный тег: %q (ожидалось key:value)", pair)
		}
		tags[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return tags, nil
}
