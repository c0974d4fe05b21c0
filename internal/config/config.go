// Пакет config — загрузка и валидация конфигурации Storage Manager
// из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// kilobyte — единица измерения размеров кэша в переменных окружения.
const kilobyte int64 = 1024

// Config содержит все параметры конфигурации Storage Manager.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8020-8029)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Арендаторы ---

	// Активные арендаторы, по которым проходят все циклы
	Tenants []string

	// --- Кэш ---

	// Корневой каталог кэша, у каждого арендатора свой подкаталог
	CacheRoot string
	// Максимальный размер кэша арендатора в байтах
	CacheMaxSize int64
	// Верхний порог очистки в байтах
	CachePurgeUpper int64
	// Нижний порог очистки в байтах
	CachePurgeLower int64
	// Минимальное время жизни файла в кэше
	CacheMinTTL time.Duration
	// Размер страницы при восстановлении файлов в кэш
	CachePageSize int

	// --- Планирование ---

	// Размер страницы при планировании запросов
	DispatchPageSize int
	// Интервал планирования запросов
	DispatchInterval time.Duration
	// Интервал очистки кэша
	CachePurgeInterval time.Duration
	// Интервал восстановления файлов в кэш
	CacheRestoreInterval time.Duration
	// Интервал проверки доступности бэкендов
	HealthMonitorInterval time.Duration

	// --- Задачи ---

	// Количество обработчиков задач
	WorkerCount int
	// Размер очереди задач
	JobQueueSize int
	// Максимальное число закэшированных экземпляров плагинов
	ResolverCacheSize int

	// --- Бэкенды ---

	// Путь к YAML-файлу с начальными бэкендами (опционально)
	BackendsFile string

	// --- topologymetrics ---

	// Группа в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
	// URL S3-совместимого хранилища для проверки доступности (опционально)
	DephealthS3URL string

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// SM_PORT — порт HTTP-сервера (по умолчанию 8020)
	cfg.Port, err = getEnvInt("SM_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("SM_PORT: %w", err)
	}
	if cfg.Port < 8020 || cfg.Port > 8029 {
		return nil, fmt.Errorf("SM_PORT: значение %d вне допустимого диапазона 8020-8029", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("SM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("SM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("SM_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("SM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("SM_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("SM_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("SM_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("SM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("SM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("SM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Арендаторы ---

	// SM_TENANTS — список арендаторов через запятую (по умолчанию "default")
	cfg.Tenants = parseCSV(getEnvDefault("SM_TENANTS", "default"))
	if len(cfg.Tenants) == 0 {
		return nil, fmt.Errorf("SM_TENANTS: список арендаторов пуст")
	}
	for _, tenant := range cfg.Tenants {
		if strings.ContainsAny(tenant, `/\.`) {
			return nil, fmt.Errorf("SM_TENANTS: недопустимое имя арендатора %q", tenant)
		}
	}

	// --- Кэш ---

	cfg.CacheRoot, err = getEnvRequired("SM_CACHE_ROOT")
	if err != nil {
		return nil, err
	}

	// SM_CACHE_MAX_SIZE_KB — максимальный размер кэша (по умолчанию 500000000 КБ)
	maxKB, err := getEnvInt64("SM_CACHE_MAX_SIZE_KB", 500_000_000)
	if err != nil {
		return nil, fmt.Errorf("SM_CACHE_MAX_SIZE_KB: %w", err)
	}
	upperKB, err := getEnvInt64("SM_CACHE_PURGE_UPPER_KB", 450_000_000)
	if err != nil {
		return nil, fmt.Errorf("SM_CACHE_PURGE_UPPER_KB: %w", err)
	}
	lowerKB, err := getEnvInt64("SM_CACHE_PURGE_LOWER_KB", 400_000_000)
	if err != nil {
		return nil, fmt.Errorf("SM_CACHE_PURGE_LOWER_KB: %w", err)
	}
	if maxKB <= 0 {
		return nil, fmt.Errorf("SM_CACHE_MAX_SIZE_KB: значение должно быть положительным, получено %d", maxKB)
	}
	if upperKB <= lowerKB {
		return nil, fmt.Errorf("SM_CACHE_PURGE_UPPER_KB: верхний порог %d должен быть больше нижнего %d", upperKB, lowerKB)
	}
	if upperKB > maxKB {
		return nil, fmt.Errorf("SM_CACHE_PURGE_UPPER_KB: верхний порог %d превышает максимальный размер кэша %d", upperKB, maxKB)
	}
	cfg.CacheMaxSize = maxKB * kilobyte
	cfg.CachePurgeUpper = upperKB * kilobyte
	cfg.CachePurgeLower = lowerKB * kilobyte

	cfg.CacheMinTTL, err = getEnvDuration("SM_CACHE_MIN_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SM_CACHE_MIN_TTL: %w", err)
	}

	cfg.CachePageSize, err = getEnvInt("SM_CACHE_PAGE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("SM_CACHE_PAGE_SIZE: %w", err)
	}
	if cfg.CachePageSize < 1 || cfg.CachePageSize > 10000 {
		return nil, fmt.Errorf("SM_CACHE_PAGE_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.CachePageSize)
	}

	// --- Планирование ---

	cfg.DispatchPageSize, err = getEnvInt("SM_DISPATCH_PAGE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("SM_DISPATCH_PAGE_SIZE: %w", err)
	}
	if cfg.DispatchPageSize < 1 || cfg.DispatchPageSize > 10000 {
		return nil, fmt.Errorf("SM_DISPATCH_PAGE_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.DispatchPageSize)
	}

	intervals := []struct {
		key    string
		target *time.Duration
		def    time.Duration
	}{
		{"SM_DISPATCH_INTERVAL", &cfg.DispatchInterval, time.Minute},
		{"SM_CACHE_PURGE_INTERVAL", &cfg.CachePurgeInterval, time.Hour},
		{"SM_CACHE_RESTORE_INTERVAL", &cfg.CacheRestoreInterval, time.Minute},
		{"SM_HEALTH_MONITOR_INTERVAL", &cfg.HealthMonitorInterval, 5 * time.Minute},
		{"SM_DEPHEALTH_CHECK_INTERVAL", &cfg.DephealthCheckInterval, 15 * time.Second},
		{"SM_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, 5 * time.Second},
	}
	for _, iv := range intervals {
		*iv.target, err = getEnvDuration(iv.key, iv.def)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", iv.key, err)
		}
		if *iv.target <= 0 {
			return nil, fmt.Errorf("%s: интервал должен быть положительным", iv.key)
		}
	}

	// --- Задачи ---

	cfg.WorkerCount, err = getEnvInt("SM_WORKER_COUNT", 4)
	if err != nil {
		return nil, fmt.Errorf("SM_WORKER_COUNT: %w", err)
	}
	if cfg.WorkerCount < 1 || cfg.WorkerCount > 64 {
		return nil, fmt.Errorf("SM_WORKER_COUNT: значение %d вне допустимого диапазона 1-64", cfg.WorkerCount)
	}

	cfg.JobQueueSize, err = getEnvInt("SM_JOB_QUEUE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("SM_JOB_QUEUE_SIZE: %w", err)
	}
	if cfg.JobQueueSize < 1 {
		return nil, fmt.Errorf("SM_JOB_QUEUE_SIZE: значение %d должно быть положительным", cfg.JobQueueSize)
	}

	cfg.ResolverCacheSize, err = getEnvInt("SM_RESOLVER_CACHE_SIZE", 128)
	if err != nil {
		return nil, fmt.Errorf("SM_RESOLVER_CACHE_SIZE: %w", err)
	}
	if cfg.ResolverCacheSize < 1 {
		return nil, fmt.Errorf("SM_RESOLVER_CACHE_SIZE: значение %d должно быть положительным", cfg.ResolverCacheSize)
	}

	// --- Бэкенды ---

	cfg.BackendsFile = getEnvDefault("SM_BACKENDS_FILE", "")

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("SM_DEPHEALTH_GROUP", "artstore")
	cfg.DephealthS3URL = strings.TrimRight(getEnvDefault("SM_DEPHEALTH_S3_URL", ""), "/")

	return cfg, nil
}

// LoadEnvFile загружает переменные из .env-файла. Уже заданные в окружении
// переменные не перезаписываются. Пустой path — ./.env, если он существует.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("загрузка %s: %w", path, err)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
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

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
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

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
