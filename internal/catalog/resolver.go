// resolver.go — выбор источника чтения и вытеснение objectstore-копий.
// Resolver кэширует результаты разрешения «путь → самое свежее поколение»
// в LRU с TTL (hashicorp/golang-lru/v2/expirable) и предпочитает
// objectstore-копию, пока она существует; tape — только как fallback.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gonlds/internal/domain/model"
	"github.com/bigkaa/gonlds/internal/repository"
)

// Prometheus-метрики резолвера.
var (
	resolveCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nlds_resolve_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш разрешения путей.",
	})
	resolveCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nlds_resolve_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша разрешения путей.",
	})
	evictedLocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nlds_evicted_locations_total",
		Help: "Общее количество вытесненных objectstore-копий.",
	})
)

// Resolution — результат разрешения пути: файл и выбранная локация.
type Resolution struct {
	File     *model.File
	Location *model.Location
	// Staged — true, если objectstore-копии нет и чтение пойдёт с ленты
	Staged bool
}

// Resolver разрешает путь в физическую локацию и управляет вытеснением.
type Resolver struct {
	files     repository.FileRepository
	locations repository.LocationRepository
	cache     *expirable.LRU[string, *model.File]
	logger    *slog.Logger
}

// NewResolver создаёт резолвер с LRU-кэшем указанного размера и TTL.
func NewResolver(files repository.FileRepository, locations repository.LocationRepository,
	cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *Resolver {

	return &Resolver{
		files:     files,
		locations: locations,
		cache:     expirable.NewLRU[string, *model.File](cacheSize, nil, cacheTTL),
		logger:    logger.With(slog.String("component", "resolver")),
	}
}

func resolveKey(holdingID int64, path string) string {
	return fmt.Sprintf("%d\x00%s", holdingID, path)
}

// Resolve возвращает самое свежее поколение пути и локацию для чтения.
// Приоритет — verified objectstore-копия; при её отсутствии возвращается
// tape-локация со Staged=true (вызывающий обязан запустить staging).
// Успешное разрешение обновляет last_accessed выбранной локации.
func (r *Resolver) Resolve(ctx context.Context, holdingID int64, path string) (*Resolution, error) {
	key := resolveKey(holdingID, path)

	f, ok := r.cache.Get(key)
	if ok {
		resolveCacheHitsTotal.Inc()
	} else {
		resolveCacheMissesTotal.Inc()
		var err error
		f, err = r.files.GetNewest(ctx, holdingID, path)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, f)
	}

	res := &Resolution{File: f}
	if loc := verifiedLocation(f, model.TierObjectStore); loc != nil {
		res.Location = loc
	} else if loc := verifiedLocation(f, model.TierTape); loc != nil {
		res.Location = loc
		res.Staged = true
	} else {
		// Файл каталогизирован, но ни одна копия ещё не подтверждена:
		// transfer в процессе либо откат не завершён
		return nil, repository.ErrNotFound
	}

	if err := r.locations.TouchAccess(ctx, res.Location.ID); err != nil {
		// Потеря отметки доступа не срывает чтение
		r.logger.Warn("Не удалось обновить last_accessed",
			slog.Int64("location_id", res.Location.ID),
			slog.Any("error", err),
		)
	}
	return res, nil
}

func verifiedLocation(f *model.File, tier model.StorageTier) *model.Location {
	loc := f.LocationFor(tier)
	if loc != nil && loc.Verified {
		return loc
	}
	return nil
}

// Invalidate сбрасывает кэш пути после записи нового поколения или удаления.
func (r *Resolver) Invalidate(holdingID int64, path string) {
	r.cache.Remove(resolveKey(holdingID, path))
}

// EvictCandidates возвращает advisory-список objectstore-копий, пригодных
// к вытеснению: verified + evictable, с verified tape-копией того же файла,
// без доступа после cutoff. Список — рекомендация; физическое удаление
// выполняет только ConfirmEviction.
func (r *Resolver) EvictCandidates(ctx context.Context, holdingID int64, retention time.Duration) ([]*model.Location, error) {
	cutoff := time.Now().Add(-retention)
	return r.locations.EvictionCandidates(ctx, holdingID, cutoff)
}

// ConfirmEviction — вторая фаза вытеснения: перепроверяет условия
// кандидата и удаляет каталожную запись objectstore-локации.
// Возвращает локацию для физического удаления объекта драйвером.
// Кандидат, потерявший право на вытеснение между фазами (доступ,
// пропавшая tape-копия), отклоняется с ErrConflict.
func (r *Resolver) ConfirmEviction(ctx context.Context, locationID int64, retention time.Duration) (*model.Location, error) {
	loc, err := r.locations.GetByID(ctx, locationID)
	if err != nil {
		return nil, err
	}
	if loc.Tier != model.TierObjectStore || !loc.Verified || !loc.Evictable {
		return nil, fmt.Errorf("%w: локация %d не подлежит вытеснению",
			repository.ErrConflict, locationID)
	}
	if loc.LastAccessed.After(time.Now().Add(-retention)) {
		return nil, fmt.Errorf("%w: к локации %d был доступ внутри периода удержания",
			repository.ErrConflict, locationID)
	}

	// Перепроверка правила безопасности: tape-копия обязана существовать
	f, err := r.files.GetByID(ctx, loc.FileID)
	if err != nil {
		return nil, err
	}
	if verifiedLocation(f, model.TierTape) == nil {
		return nil, fmt.Errorf("%w: у файла %d нет подтверждённой tape-копии",
			repository.ErrConflict, loc.FileID)
	}

	if err := r.locations.Delete(ctx, loc.ID); err != nil {
		return nil, err
	}
	r.Invalidate(f.HoldingID, f.OriginalPath)
	evictedLocationsTotal.Inc()

	r.logger.Info("Objectstore-копия вытеснена",
		slog.Int64("location_id", loc.ID),
		slog.Int64("file_id", loc.FileID),
		slog.String("url", loc.URL),
	)
	return loc, nil
}
