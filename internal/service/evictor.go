// evictor.go — фоновый сервис учёта кандидатов на вытеснение.
//
// Вытеснение двухфазное: сервис только пересчитывает advisory-список
// кандидатов (verified + evictable objectstore-копии с tape-дублем
// и холодным last_accessed) и публикует его размер в метриках.
// Физическое удаление выполняется исключительно через подтверждение
// оператором (POST /api/v1/evictions/{locationID}/confirm).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gonlds/internal/domain/model"
)

// Prometheus метрики вытеснения
var (
	evictionRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nlds_eviction_runs_total",
		Help: "Общее количество пересчётов кандидатов на вытеснение",
	})

	evictionCandidates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nlds_eviction_candidates",
		Help: "Текущее количество кандидатов на вытеснение",
	})

	evictionCandidateBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nlds_eviction_candidate_bytes",
		Help: "Суммарный размер файлов-кандидатов на вытеснение в байтах",
	})
)

// CandidateLister — источник кандидатов на вытеснение.
type CandidateLister interface {
	EvictCandidates(ctx context.Context, holdingID int64, retention time.Duration) ([]*model.Location, error)
}

// FileSizer — размер файла по id для метрики candidate_bytes.
type FileSizer interface {
	GetByID(ctx context.Context, id int64) (*model.File, error)
}

// Evictor — фоновый сервис пересчёта кандидатов на вытеснение.
type Evictor struct {
	lister    CandidateLister
	files     FileSizer
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEvictor создаёт сервис учёта кандидатов.
func NewEvictor(lister CandidateLister, files FileSizer,
	retention, interval time.Duration, logger *slog.Logger) *Evictor {

	return &Evictor{
		lister:    lister,
		files:     files,
		retention: retention,
		interval:  interval,
		logger:    logger.With(slog.String("component", "evictor")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (e *Evictor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go e.run(ctx)

	e.logger.Info("Учёт кандидатов на вытеснение запущен",
		slog.String("interval", e.interval.String()),
		slog.String("retention", e.retention.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (e *Evictor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
	e.logger.Info("Учёт кандидатов на вытеснение остановлен")
}

func (e *Evictor) run(ctx context.Context) {
	defer close(e.done)

	// Первый пересчёт — сразу после старта
	e.RunOnce(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один пересчёт кандидатов.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (e *Evictor) RunOnce(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	candidates, err := e.lister.EvictCandidates(ctx, 0, e.retention)
	if err != nil {
		e.logger.Error("Ошибка пересчёта кандидатов на вытеснение", slog.Any("error", err))
		return 0
	}

	var totalBytes int64
	for _, loc := range candidates {
		f, err := e.files.GetByID(ctx, loc.FileID)
		if err != nil {
			continue
		}
		totalBytes += f.Size
	}

	evictionRunsTotal.Inc()
	evictionCandidates.Set(float64(len(candidates)))
	evictionCandidateBytes.Set(float64(totalBytes))

	if len(candidates) > 0 {
		e.logger.Info("Кандидаты на вытеснение пересчитаны",
			slog.Int("candidates", len(candidates)),
			slog.Int64("bytes", totalBytes),
		)
	}
	return len(candidates)
}
