package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// setEnvVars устанавливает переменные окружения для теста и возвращает
// функцию очистки. Всегда вызывать defer cleanup().
func setEnvVars(t *testing.T, vars map[string]string) func() {
	t.Helper()

	originals := make(map[string]string)
	origSet := make(map[string]bool)
	for k := range vars {
		if v, ok := os.LookupEnv(k); ok {
			originals[k] = v
			origSet[k] = true
		}
	}

	for k, v := range vars {
		os.Setenv(k, v)
	}

	return func() {
		for k := range vars {
			if origSet[k] {
				os.Setenv(k, originals[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

// requiredEnvVars возвращает минимальный набор обязательных переменных.
func requiredEnvVars() map[string]string {
	return map[string]string{
		"NLDS_DB_HOST":          "localhost",
		"NLDS_DB_NAME":          "nlds_test",
		"NLDS_DB_USER":          "nlds",
		"NLDS_DB_PASSWORD":      "secret",
		"NLDS_OBJECT_STORE_DIR": "/tmp/nlds-objects",
		"NLDS_TAPE_DIR":         "/tmp/nlds-tape",
	}
}

// TestLoad_Defaults проверяет значения по умолчанию при минимальной конфигурации.
func TestLoad_Defaults(t *testing.T) {
	cleanup := setEnvVars(t, requiredEnvVars())
	defer cleanup()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load(): неожиданная ошибка: %v", err)
	}

	if cfg.Port != 8040 {
		t.Errorf("Port: ожидалось 8040, получено %d", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel: ожидался info, получен %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat: ожидался json, получен %q", cfg.LogFormat)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort: ожидалось 5432, получено %d", cfg.DBPort)
	}
	if cfg.TransferWorkers != 4 {
		t.Errorf("TransferWorkers: ожидалось 4, получено %d", cfg.TransferWorkers)
	}
	if cfg.RetryMax != 3 {
		t.Errorf("RetryMax: ожидалось 3, получено %d", cfg.RetryMax)
	}
	if cfg.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("RetryBaseDelay: ожидалось 500ms, получено %v", cfg.RetryBaseDelay)
	}
	if cfg.AggregateMaxFiles != 64 {
		t.Errorf("AggregateMaxFiles: ожидалось 64, получено %d", cfg.AggregateMaxFiles)
	}
	if cfg.AggregateMaxBytes != 5120*1024*1024 {
		t.Errorf("AggregateMaxBytes: ожидалось 5 GiB, получено %d", cfg.AggregateMaxBytes)
	}
	if cfg.EvictionRetention != 72*time.Hour {
		t.Errorf("EvictionRetention: ожидалось 72h, получено %v", cfg.EvictionRetention)
	}
	if cfg.CacheSize != 10000 {
		t.Errorf("CacheSize: ожидалось 10000, получено %d", cfg.CacheSize)
	}
}

// TestLoad_MissingRequired проверяет ошибку при отсутствии обязательной переменной.
func TestLoad_MissingRequired(t *testing.T) {
	for missing := range requiredEnvVars() {
		vars := requiredEnvVars()
		delete(vars, missing)
		cleanup := setEnvVars(t, vars)
		os.Unsetenv(missing)

		if _, err := Load(); err == nil {
			t.Errorf("Load() без %s: ожидалась ошибка", missing)
		}
		cleanup()
	}
}

// TestLoad_InvalidValues проверяет валидацию некорректных значений.
func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"некорректный порт", "NLDS_PORT", "не-число"},
		{"некорректный уровень логов", "NLDS_LOG_LEVEL", "trace"},
		{"некорректный формат логов", "NLDS_LOG_FORMAT", "xml"},
		{"некорректный ssl mode", "NLDS_DB_SSL_MODE", "maybe"},
		{"некорректная длительность", "NLDS_RETRY_BASE_DELAY", "полсекунды"},
		{"ноль воркеров", "NLDS_TRANSFER_WORKERS", "0"},
	}

	for _, tt := range tests {
		vars := requiredEnvVars()
		vars[tt.key] = tt.val
		cleanup := setEnvVars(t, vars)

		if _, err := Load(); err == nil {
			t.Errorf("%s: Load() должен вернуть ошибку для %s=%q", tt.name, tt.key, tt.val)
		}
		cleanup()
	}
}

// TestDatabaseDSN проверяет формирование строки подключения.
func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.local",
		DBPort:     5433,
		DBName:     "nlds",
		DBUser:     "catalog",
		DBPassword: "pw",
		DBSSLMode:  "disable",
	}

	want := "host=db.local port=5433 dbname=nlds user=catalog password=pw sslmode=disable"
	if got := cfg.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN():\nполучено: %s\nожидалось: %s", got, want)
	}
}
