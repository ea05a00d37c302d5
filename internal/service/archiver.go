// archiver.go — фоновый сервис архивации на ленту.
//
// Запускает горутину с периодическим тикером (NLDS_ARCHIVE_INTERVAL),
// которая выполняет цикл архивации конвейера: отбор файлов без tape-копии,
// агрегация по холдингам и запись tar-агрегатов на ленточный драйвер.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики архиватора
var (
	archiveRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nlds_archive_runs_total",
		Help: "Общее количество запусков цикла архивации",
	})

	archivedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nlds_archived_files_total",
		Help: "Общее количество файлов, записанных на ленту",
	})

	archiveDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nlds_archive_duration_seconds",
		Help:    "Длительность цикла архивации в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
	})
)

// ArchiveRunner — цикл архивации конвейера.
type ArchiveRunner interface {
	RunArchive(ctx context.Context) (int, error)
}

// Archiver — фоновый сервис архивации.
type Archiver struct {
	runner   ArchiveRunner
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchiver создаёт сервис архивации.
func NewArchiver(runner ArchiveRunner, interval time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		runner:   runner,
		interval: interval,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
// Вызывается один раз при старте приложения.
func (a *Archiver) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go a.run(ctx)

	a.logger.Info("Архиватор запущен",
		slog.String("interval", a.interval.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
	a.logger.Info("Архиватор остановлен")
}

func (a *Archiver) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл архивации.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (a *Archiver) RunOnce(ctx context.Context) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	archived, err := a.runner.RunArchive(ctx)

	archiveRunsTotal.Inc()
	archivedFilesTotal.Add(float64(archived))
	archiveDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		a.logger.Error("Ошибка цикла архивации",
			slog.Int("archived", archived),
			slog.Any("error", err),
		)
		return archived
	}
	if archived > 0 {
		a.logger.Info("Цикл архивации завершён",
			slog.Int("archived", archived),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return archived
}
