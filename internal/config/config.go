// Пакет config — загрузка и валидация конфигурации Catalog Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Catalog Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	// Таймаут чтения HTTP-сервера (по умолчанию 30s)
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-сервера (по умолчанию 60s)
	HTTPWriteTimeout time.Duration
	// Таймаут простоя HTTP-сервера (по умолчанию 120s)
	HTTPIdleTimeout time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown (по умолчанию 10s)
	ShutdownTimeout time.Duration

	// --- PostgreSQL (каталог) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- Хранилища ---

	// Корневая директория объектного хранилища
	ObjectStoreDir string
	// Корневая директория ленточной библиотеки (эмуляция на диске)
	TapeDir string

	// --- Конвейер ---

	// Количество воркеров transfer-стадий
	TransferWorkers int
	// Количество воркеров archive-стадий
	ArchiveWorkers int
	// Размер буфера очередей стадий
	QueueSize int
	// Максимальное количество повторов транзиентного сбоя стадии
	RetryMax int
	// Базовая задержка экспоненциального backoff
	RetryBaseDelay time.Duration
	// Верхняя граница задержки backoff
	RetryMaxDelay time.Duration

	// --- Архивация ---

	// Интервал фонового сканирования файлов для архивации
	ArchiveInterval time.Duration
	// Порог агрегации: максимум файлов в одной единице записи на ленту
	AggregateMaxFiles int
	// Порог агрегации: максимум байт в одной единице записи на ленту
	AggregateMaxBytes int64

	// --- Вытеснение ---

	// Интервал фонового сканирования кандидатов на вытеснение
	EvictionInterval time.Duration
	// Окно удержания: objectstore-копия не вытесняется,
	// пока с последнего доступа не прошло это время
	EvictionRetention time.Duration

	// --- Кэш резолвера локаций ---

	// Максимальное количество записей LRU-кэша
	CacheSize int
	// TTL записи кэша
	CacheTTL time.Duration

	// --- Dependency health (topologymetrics) ---

	// Имя группы в метриках dephealth
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
	// Добавлять лейбл isentry=yes ко всем зависимостям
	DephealthIsEntry bool
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// NLDS_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("NLDS_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("NLDS_PORT: %w", err)
	}

	// NLDS_LOG_LEVEL — уровень логирования (по умолчанию info)
	logLevel := getEnvDefault("NLDS_LOG_LEVEL", "info")
	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("NLDS_LOG_LEVEL: %w", err)
	}

	// NLDS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("NLDS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("NLDS_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("NLDS_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NLDS_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("NLDS_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NLDS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("NLDS_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NLDS_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("NLDS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NLDS_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	// NLDS_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("NLDS_DB_HOST")
	if err != nil {
		return nil, err
	}

	// NLDS_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("NLDS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("NLDS_DB_PORT: %w", err)
	}

	// NLDS_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("NLDS_DB_NAME")
	if err != nil {
		return nil, err
	}

	// NLDS_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("NLDS_DB_USER")
	if err != nil {
		return nil, err
	}

	// NLDS_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("NLDS_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// NLDS_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("NLDS_DB_SSL_MODE", "disable")
	switch cfg.DBSSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("NLDS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Хранилища ---

	// NLDS_OBJECT_STORE_DIR — обязательный
	cfg.ObjectStoreDir, err = getEnvRequired("NLDS_OBJECT_STORE_DIR")
	if err != nil {
		return nil, err
	}

	// NLDS_TAPE_DIR — обязательный
	cfg.TapeDir, err = getEnvRequired("NLDS_TAPE_DIR")
	if err != nil {
		return nil, err
	}

	// --- Конвейер ---

	cfg.TransferWorkers, err = getEnvInt("NLDS_TRANSFER_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("NLDS_TRANSFER_WORKERS: %w", err)
	}
	if cfg.TransferWorkers < 1 {
		return nil, fmt.Errorf("NLDS_TRANSFER_WORKERS: значение должно быть >= 1")
	}

	cfg.ArchiveWorkers, err = getEnvInt("NLDS_ARCHIVE_WORKERS", 2)
	if err != nil {
		return nil, fmt.Errorf("NLDS_ARCHIVE_WORKERS: %w", err)
	}
	if cfg.ArchiveWorkers < 1 {
		return nil, fmt.Errorf("NLDS_ARCHIVE_WORKERS: значение должно быть >= 1")
	}

	cfg.QueueSize, err = getEnvInt("NLDS_QUEUE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("NLDS_QUEUE_SIZE: %w", err)
	}

	cfg.RetryMax, err = getEnvInt("NLDS_RETRY_MAX", 3)
	if err != nil {
		return nil, fmt.Errorf("NLDS_RETRY_MAX: %w", err)
	}
	cfg.RetryBaseDelay, err = getEnvDuration("NLDS_RETRY_BASE_DELAY", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("NLDS_RETRY_BASE_DELAY: %w", err)
	}
	cfg.RetryMaxDelay, err = getEnvDuration("NLDS_RETRY_MAX_DELAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NLDS_RETRY_MAX_DELAY: %w", err)
	}

	// --- Архивация ---

	cfg.ArchiveInterval, err = getEnvDuration("NLDS_ARCHIVE_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("NLDS_ARCHIVE_INTERVAL: %w", err)
	}

	// Пороги агрегации настраиваемы: точная политика батчинга
	// (количество файлов vs объём) — решение оператора.
	cfg.AggregateMaxFiles, err = getEnvInt("NLDS_AGGREGATE_MAX_FILES", 64)
	if err != nil {
		return nil, fmt.Errorf("NLDS_AGGREGATE_MAX_FILES: %w", err)
	}
	aggBytes, err := getEnvInt("NLDS_AGGREGATE_MAX_MB", 5120)
	if err != nil {
		return nil, fmt.Errorf("NLDS_AGGREGATE_MAX_MB: %w", err)
	}
	cfg.AggregateMaxBytes = int64(aggBytes) * 1024 * 1024

	// --- Вытеснение ---

	cfg.EvictionInterval, err = getEnvDuration("NLDS_EVICTION_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("NLDS_EVICTION_INTERVAL: %w", err)
	}
	cfg.EvictionRetention, err = getEnvDuration("NLDS_EVICTION_RETENTION", 72*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("NLDS_EVICTION_RETENTION: %w", err)
	}

	// --- Кэш резолвера ---

	cfg.CacheSize, err = getEnvInt("NLDS_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("NLDS_CACHE_SIZE: %w", err)
	}
	cfg.CacheTTL, err = getEnvDuration("NLDS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("NLDS_CACHE_TTL: %w", err)
	}

	// --- Dependency health ---

	cfg.DephealthGroup = getEnvDefault("NLDS_DEPHEALTH_GROUP", "nlds")
	cfg.DephealthCheckInterval, err = getEnvDuration("NLDS_DEPHEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NLDS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL
// (используется для лейблов мониторинга зависимостей).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
