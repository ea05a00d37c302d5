// router.go — приём запросов, разбиение на суб-записи и пул воркеров.
// Буферизованный канал задач сохраняет порядок поступления; каждая
// задача обрабатывается одним воркером от начала до терминального
// статуса своей суб-записи.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gonlds/internal/catalog"
	"github.com/bigkaa/gonlds/internal/domain/model"
	"github.com/bigkaa/gonlds/internal/domain/status"
	"github.com/bigkaa/gonlds/internal/repository"
	"github.com/bigkaa/gonlds/internal/storage"
)

// Prometheus-метрики конвейера.
var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nlds_pipeline_stage_duration_seconds",
		Help:    "Длительность стадий конвейера в секундах.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})

	transferredBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nlds_transferred_bytes_total",
		Help: "Количество перенесённых байт по направлениям.",
	}, []string{"direction"}) // direction: put, get, stage, archive

	subRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nlds_sub_records_total",
		Help: "Количество суб-записей, завершивших конвейер, по статусам.",
	}, []string{"status"})
)

// Ошибки роутера.
var (
	// ErrStopped — роутер остановлен, новые запросы не принимаются.
	ErrStopped = errors.New("конвейер остановлен")
	// ErrEmptyRequest — запрос без файлов.
	ErrEmptyRequest = errors.New("запрос не содержит файлов")
)

// Catalog — операции каталога, используемые конвейером.
// Реализуется catalog.Catalog; в тестах подменяется фейком.
type Catalog interface {
	PutHolding(ctx context.Context, p catalog.PutHoldingParams) (*model.Holding, error)
	List(ctx context.Context, filters repository.HoldingFilters) ([]*model.Holding, error)
	NewTransaction(ctx context.Context, t *model.Transaction, paths []string) error
	PutFile(ctx context.Context, f *model.File, objectURL string) error
	ConfirmTransfer(ctx context.Context, f *model.File, checksum string, size int64) error
	RollbackFile(ctx context.Context, fileID int64) error
	AddTapeLocation(ctx context.Context, f *model.File, tapeURL string) error
	RollbackArchive(ctx context.Context, fileIDs []int64) error
	AddObjectStoreLocation(ctx context.Context, fileID int64, url string) (*model.Location, error)
	AdvanceSub(ctx context.Context, subID int64, from, to status.Status, reason string) error
	IncrementRetries(ctx context.Context, subID int64) (int, error)
	FinalizeTransaction(ctx context.Context, transactionRowID int64) (status.Status, bool, error)
	ArchiveCandidates(ctx context.Context, limit int) ([]*model.File, error)
}

// PathResolver — разрешение пути в локацию чтения.
type PathResolver interface {
	Resolve(ctx context.Context, holdingID int64, path string) (*catalog.Resolution, error)
	Invalidate(holdingID int64, path string)
}

// Options — параметры конвейера.
type Options struct {
	// Workers — размер пула воркеров переноса
	Workers int
	// QueueSize — ёмкость буфера канала задач
	QueueSize int
	// Retry — политика повторов транзиентных ошибок
	Retry RetryPolicy
	// AggregateMaxFiles, AggregateMaxBytes — пороги ленточного агрегата
	AggregateMaxFiles int
	AggregateMaxBytes int64
	// ArchiveWorkers — число параллельно записываемых агрегатов
	ArchiveWorkers int
}

// Router — приём запросов и диспетчеризация задач по воркерам.
type Router struct {
	cat         Catalog
	resolver    PathResolver
	objectStore storage.Driver
	tape        storage.Driver
	fs          Filesystem
	opts        Options
	logger      *slog.Logger

	tasks chan task
	wg    sync.WaitGroup

	// sendMu упорядочивает отправку задач и закрытие канала:
	// Submit держит RLock на время отправки, Stop закрывает канал
	// под write-lock, поэтому отправка в закрытый канал исключена.
	sendMu  sync.RWMutex
	stopped bool

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewRouter создаёт конвейер. Start запускает воркеры.
func NewRouter(cat Catalog, resolver PathResolver, objectStore, tape storage.Driver,
	fs Filesystem, opts Options, logger *slog.Logger) *Router {

	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Router{
		cat:         cat,
		resolver:    resolver,
		objectStore: objectStore,
		tape:        tape,
		fs:          fs,
		opts:        opts,
		logger:      logger.With(slog.String("component", "pipeline")),
		tasks:       make(chan task, opts.QueueSize),
		cancelled:   make(map[string]bool),
	}
}

// Start запускает пул воркеров. Вызывается один раз при старте приложения.
func (r *Router) Start(ctx context.Context) {
	r.logger.Info("Конвейер запущен",
		slog.Int("workers", r.opts.Workers),
		slog.Int("queue_size", r.opts.QueueSize),
	)
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for t := range r.tasks {
				r.run(ctx, t)
			}
		}()
	}
}

// Stop закрывает приём задач и ждёт завершения воркеров.
// Задачи, оставшиеся в очереди, дорабатываются.
func (r *Router) Stop() {
	r.sendMu.Lock()
	if r.stopped {
		r.sendMu.Unlock()
		return
	}
	r.stopped = true
	close(r.tasks)
	r.sendMu.Unlock()

	r.wg.Wait()
	r.logger.Info("Конвейер остановлен")
}

// Submit принимает запрос: выбирает холдинг, создаёт транзакцию
// и суб-записи (разбиение ROUTING), ставит задачи в очередь.
// Возвращает созданную транзакцию с присвоенным UUID.
func (r *Router) Submit(ctx context.Context, req Request) (*model.Transaction, error) {
	if len(req.Files) == 0 {
		return nil, ErrEmptyRequest
	}
	if req.User == "" || req.Group == "" {
		return nil, fmt.Errorf("не заданы пользователь и группа запроса")
	}

	txUUID := uuid.NewString()
	jobLabel := req.JobLabel
	if jobLabel == "" {
		if req.Label != "" {
			jobLabel = req.Label
		} else {
			jobLabel = txUUID[:8]
		}
	}

	holding, err := r.resolveHolding(ctx, req, txUUID)
	if err != nil {
		return nil, err
	}

	tx := &model.Transaction{
		TransactionID: txUUID,
		HoldingID:     holding.ID,
		Action:        req.Action,
		JobLabel:      jobLabel,
		User:          req.User,
		Group:         req.Group,
	}
	paths := make([]string, len(req.Files))
	for i, f := range req.Files {
		paths[i] = f.Path
	}
	if err := r.cat.NewTransaction(ctx, tx, paths); err != nil {
		return nil, err
	}

	r.sendMu.RLock()
	if r.stopped {
		r.sendMu.RUnlock()
		return nil, ErrStopped
	}
	for i, sub := range tx.SubRecords {
		select {
		case r.tasks <- task{req: req, tx: tx, sub: sub, file: req.Files[i]}:
		case <-ctx.Done():
			r.sendMu.RUnlock()
			return nil, ctx.Err()
		}
	}
	r.sendMu.RUnlock()

	r.logger.Info("Транзакция принята",
		slog.String("transaction_id", tx.TransactionID),
		slog.String("action", string(tx.Action)),
		slog.Int64("holding_id", holding.ID),
		slog.Int("files", len(req.Files)),
	)
	return tx, nil
}

// resolveHolding выбирает холдинг запроса: для PUT — создание/append,
// для GET — только существующий холдинг.
func (r *Router) resolveHolding(ctx context.Context, req Request, txUUID string) (*model.Holding, error) {
	switch req.Action {
	case model.ActionPut, model.ActionPutList:
		return r.cat.PutHolding(ctx, catalog.PutHoldingParams{
			User:         req.User,
			Group:        req.Group,
			Label:        req.Label,
			HoldingID:    req.HoldingID,
			DefaultLabel: txUUID[:8],
		})
	case model.ActionGet, model.ActionGetList:
		filters := repository.HoldingFilters{User: req.User, Group: req.Group}
		if req.HoldingID > 0 {
			filters.HoldingID = &req.HoldingID
		} else if req.Label != "" {
			filters.Label = &req.Label
		} else {
			return nil, fmt.Errorf("для чтения требуется holding_id или label")
		}
		holdings, err := r.cat.List(ctx, filters)
		if err != nil {
			return nil, err
		}
		if len(holdings) == 0 {
			return nil, repository.ErrNotFound
		}
		return holdings[0], nil
	default:
		return nil, fmt.Errorf("неизвестное действие: %s", req.Action)
	}
}

// Cancel помечает транзакцию отменённой. Отмена действует только
// на суб-записи, ещё не начавшие физический перенос; суб-записи
// внутри transfer-стадии откатываются после её завершения.
func (r *Router) Cancel(transactionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[transactionID] = true
}

func (r *Router) isCancelled(transactionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[transactionID]
}

// run обрабатывает одну задачу до терминального статуса суб-записи.
func (r *Router) run(ctx context.Context, t task) {
	var err error
	switch t.req.Action {
	case model.ActionPut, model.ActionPutList:
		err = r.runPut(ctx, t)
	case model.ActionGet, model.ActionGetList:
		err = r.runGet(ctx, t)
	default:
		err = fmt.Errorf("неизвестное действие: %s", t.req.Action)
	}
	if err != nil {
		r.logger.Error("Ошибка обработки суб-записи",
			slog.String("transaction_id", t.tx.TransactionID),
			slog.String("path", t.sub.OriginalPath),
			slog.Any("error", err),
		)
	}

	if _, _, err := r.cat.FinalizeTransaction(ctx, t.tx.ID); err != nil {
		r.logger.Error("Ошибка агрегации статуса транзакции",
			slog.String("transaction_id", t.tx.TransactionID),
			slog.Any("error", err),
		)
	}
}

// advance переводит суб-запись и учитывает терминальные статусы в метриках.
func (r *Router) advance(ctx context.Context, subID int64, from, to status.Status, reason string) error {
	if err := r.cat.AdvanceSub(ctx, subID, from, to, reason); err != nil {
		return err
	}
	if to.Terminal() {
		subRecordsTotal.WithLabelValues(to.String()).Inc()
	}
	return nil
}

// fail переводит суб-запись напрямую в FAILED из текущей стадии.
func (r *Router) fail(ctx context.Context, subID int64, from status.Status, reason string) error {
	return r.advance(ctx, subID, from, status.Failed, reason)
}

func observeStage(stage string, start time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
