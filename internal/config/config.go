// Пакет config — загрузка и валидация конфигурации practice-store
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// TimeOfDay — локальное время суток (часы и минуты) для ежедневного запуска.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// String возвращает время в формате HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Config содержит все параметры конфигурации practice-store.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
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

	// --- Хранилище ---

	// Корень активного хранилища (files/, tmp/, staging/)
	StorageRoot string
	// Корень архивного хранилища
	ArchiveRoot string
	// Максимальный размер загружаемого файла в байтах
	MaxUploadSize int64
	// Разрешённые MIME-типы, допускается маска вида image/*
	AllowedContentTypes []string
	// Возраст, после которого временные файлы считаются брошенными
	TmpMaxAge time.Duration
	// Возраст, после которого blob без строки каталога считается брошенным; 0 — не проверять
	OrphanMaxAge time.Duration

	// --- Архивирование ---

	// Сколько дней soft-deleted файл остаётся в активном хранилище
	ArchiveRetentionDays int
	// Максимум кандидатов за один прогон
	ArchiveBatchSize int
	// Ежедневное время запуска
	ArchiveRunAt TimeOfDay
	// Часовой пояс для ArchiveRunAt
	ArchiveLocation *time.Location
	// Запускать планировщик в режиме serve
	ArchiveEnabled bool

	// --- Entitlements ---

	EntitlementCacheSize int
	EntitlementCacheTTL  time.Duration

	// --- JWT ---

	// URL JWKS endpoint
	JWKSURL string
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Путь к CA-сертификату (опционально)
	CACertPath string
	// Пропускать проверку TLS-сертификатов
	TLSSkipVerify bool

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
	DephealthIsEntry       bool

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("PS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("PS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("PS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("PS_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("PS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("PS_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("PS_DB_NAME", "practice_store")
	cfg.DBUser, err = getEnvRequired("PS_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("PS_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("PS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("PS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Хранилище ---

	cfg.StorageRoot = getEnvDefault("PS_STORAGE_ROOT", "./data/files")
	cfg.ArchiveRoot = getEnvDefault("PS_ARCHIVE_ROOT", "./data/archive")
	if cfg.StorageRoot == cfg.ArchiveRoot {
		return nil, fmt.Errorf("PS_ARCHIVE_ROOT: не может совпадать с PS_STORAGE_ROOT")
	}

	cfg.MaxUploadSize, err = getEnvInt64("PS_MAX_UPLOAD_SIZE", 100*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("PS_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("PS_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	cfg.AllowedContentTypes = parseCSV(strings.ToLower(
		getEnvDefault("PS_ALLOWED_CONTENT_TYPES", "application/pdf,image/*,text/plain")))
	if len(cfg.AllowedContentTypes) == 0 {
		return nil, fmt.Errorf("PS_ALLOWED_CONTENT_TYPES: список не может быть пустым")
	}

	cfg.TmpMaxAge, err = getEnvDuration("PS_TMP_MAX_AGE", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PS_TMP_MAX_AGE: %w", err)
	}

	cfg.OrphanMaxAge, err = getEnvDuration("PS_ORPHAN_MAX_AGE", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PS_ORPHAN_MAX_AGE: %w", err)
	}

	// --- Архивирование ---

	cfg.ArchiveRetentionDays, err = getEnvInt("PS_ARCHIVE_RETENTION_DAYS", 30)
	if err != nil {
		return nil, fmt.Errorf("PS_ARCHIVE_RETENTION_DAYS: %w", err)
	}
	if cfg.ArchiveRetentionDays < 0 {
		return nil, fmt.Errorf("PS_ARCHIVE_RETENTION_DAYS: значение не может быть отрицательным")
	}

	cfg.ArchiveBatchSize, err = getEnvInt("PS_ARCHIVE_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("PS_ARCHIVE_BATCH_SIZE: %w", err)
	}
	if cfg.ArchiveBatchSize < 1 || cfg.ArchiveBatchSize > 10000 {
		return nil, fmt.Errorf("PS_ARCHIVE_BATCH_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.ArchiveBatchSize)
	}

	cfg.ArchiveRunAt, err = parseTimeOfDay(getEnvDefault("PS_ARCHIVE_RUN_AT", "03:00"))
	if err != nil {
		return nil, fmt.Errorf("PS_ARCHIVE_RUN_AT: %w", err)
	}

	cfg.ArchiveLocation, err = time.LoadLocation(getEnvDefault("PS_ARCHIVE_TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("PS_ARCHIVE_TIMEZONE: %w", err)
	}

	cfg.ArchiveEnabled, err = getEnvBool("PS_ARCHIVE_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("PS_ARCHIVE_ENABLED: %w", err)
	}

	// --- Entitlements ---

	cfg.EntitlementCacheSize, err = getEnvInt("PS_ENTITLEMENT_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("PS_ENTITLEMENT_CACHE_SIZE: %w", err)
	}
	if cfg.EntitlementCacheSize < 1 {
		return nil, fmt.Errorf("PS_ENTITLEMENT_CACHE_SIZE: значение должно быть положительным")
	}
	cfg.EntitlementCacheTTL, err = getEnvDuration("PS_ENTITLEMENT_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PS_ENTITLEMENT_CACHE_TTL: %w", err)
	}

	// --- JWT ---

	cfg.JWKSURL, err = getEnvRequired("PS_JWKS_URL")
	if err != nil {
		return nil, err
	}
	if _, err := url.ParseRequestURI(cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("PS_JWKS_URL: некорректный URL %q", cfg.JWKSURL)
	}
	cfg.JWTLeeway, err = getEnvDuration("PS_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("PS_JWKS_REFRESH_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWKSClientTimeout, err = getEnvDuration("PS_JWKS_CLIENT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.CACertPath = getEnvDefault("PS_CA_CERT_PATH", "")
	cfg.TLSSkipVerify, err = getEnvBool("PS_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("PS_TLS_SKIP_VERIFY: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("PS_DEPHEALTH_GROUP", "practice-store")
	cfg.DephealthCheckInterval, err = getEnvDuration("PS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthIsEntry, err = getEnvBool("PS_DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("PS_DEPHEALTH_ISENTRY: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("PS_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_SHUTDOWN_TIMEOUT: %w", err)
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

// DatabaseURL возвращает URL PostgreSQL без пароля.
// Используется для лейблов topologymetrics, не для подключения.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL в формате драйвера pgx5 для golang-migrate.
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
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

// getEnvInt64 — то же, что getEnvInt, для размеров в байтах.
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

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
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

// parseTimeOfDay разбирает строку HH:MM.
func parseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("некорректное время %q, ожидается HH:MM", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
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
