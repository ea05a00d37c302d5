// Точка входа Catalog Module — каталога и конвейера переноса NLDS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/gonlds/internal/api/handlers"
	"github.com/bigkaa/gonlds/internal/api/middleware"
	"github.com/bigkaa/gonlds/internal/catalog"
	"github.com/bigkaa/gonlds/internal/config"
	"github.com/bigkaa/gonlds/internal/database"
	"github.com/bigkaa/gonlds/internal/pipeline"
	"github.com/bigkaa/gonlds/internal/repository"
	"github.com/bigkaa/gonlds/internal/server"
	"github.com/bigkaa/gonlds/internal/service"
	"github.com/bigkaa/gonlds/internal/storage"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Catalog Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// --- Инициализация компонентов ---

	// 1. Миграции схемы каталога
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграции БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Пул соединений PostgreSQL
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к БД", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 3. Драйверы хранилищ
	objectStore, err := storage.NewDiskStore(cfg.ObjectStoreDir)
	if err != nil {
		logger.Error("Ошибка инициализации объектного хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}
	tape, err := storage.NewDiskStore(cfg.TapeDir)
	if err != nil {
		logger.Error("Ошибка инициализации ленточного хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Каталог и резолвер локаций
	cat := catalog.New(pool, logger)
	fileRepo := repository.NewFileRepository(pool)
	locationRepo := repository.NewLocationRepository(pool)
	resolver := catalog.NewResolver(fileRepo, locationRepo, cfg.CacheSize, cfg.CacheTTL, logger)

	// 5. Конвейер переноса
	router := pipeline.NewRouter(cat, resolver, objectStore, tape, pipeline.OSFilesystem{},
		pipeline.Options{
			Workers:   cfg.TransferWorkers,
			QueueSize: cfg.QueueSize,
			Retry: pipeline.RetryPolicy{
				Max:       cfg.RetryMax,
				BaseDelay: cfg.RetryBaseDelay,
				MaxDelay:  cfg.RetryMaxDelay,
			},
			AggregateMaxFiles: cfg.AggregateMaxFiles,
			AggregateMaxBytes: cfg.AggregateMaxBytes,
			ArchiveWorkers:    cfg.ArchiveWorkers,
		}, logger)
	router.Start(ctx)
	defer router.Stop()

	// 6. Фоновые сервисы

	// 6.1 Архиватор — периодическая запись агрегатов на ленту
	archiver := service.NewArchiver(router, cfg.ArchiveInterval, logger)
	archiver.Start(ctx)
	defer archiver.Stop()

	// 6.2 Учёт кандидатов на вытеснение
	evictor := service.NewEvictor(resolver, fileRepo, cfg.EvictionRetention, cfg.EvictionInterval, logger)
	evictor.Start(ctx)
	defer evictor.Stop()

	// 6.3 topologymetrics — мониторинг зависимостей
	db := stdlib.OpenDBFromPool(pool)
	dephealthSvc, err := service.NewDephealthService(
		"catalog-module",
		cfg.DephealthGroup,
		db,
		cfg.DatabaseURL(),
		cfg.DephealthCheckInterval,
		cfg.DephealthIsEntry,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка инициализации мониторинга зависимостей", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := dephealthSvc.Start(ctx); err != nil {
		logger.Error("Ошибка запуска мониторинга зависимостей", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer dephealthSvc.Stop()

	// 7. HTTP-сервер
	apiHandler := handlers.NewAPIHandler(cat, resolver, router, objectStore,
		cfg.EvictionRetention, logger)
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool))

	srv := server.New(cfg, logger, apiHandler, healthHandler,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)

	// Блокирующий вызов с graceful shutdown
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Catalog Module остановлен")
}
