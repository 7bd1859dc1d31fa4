package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"PS_DB_HOST":     "localhost",
		"PS_DB_USER":     "practice",
		"PS_DB_PASSWORD": "secret",
		"PS_JWKS_URL":    "https://idp.example.lan/certs",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, ожидается 8080", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.DBName != "practice_store" {
		t.Errorf("DBName = %q, ожидается practice_store", cfg.DBName)
	}
	if cfg.MaxUploadSize != 100*1024*1024 {
		t.Errorf("MaxUploadSize = %d, ожидается 100MiB", cfg.MaxUploadSize)
	}
	if len(cfg.AllowedContentTypes) != 3 || cfg.AllowedContentTypes[1] != "image/*" {
		t.Errorf("AllowedContentTypes = %v", cfg.AllowedContentTypes)
	}
	if cfg.ArchiveRetentionDays != 30 {
		t.Errorf("ArchiveRetentionDays = %d, ожидается 30", cfg.ArchiveRetentionDays)
	}
	if cfg.ArchiveBatchSize != 100 {
		t.Errorf("ArchiveBatchSize = %d, ожидается 100", cfg.ArchiveBatchSize)
	}
	if cfg.ArchiveRunAt != (TimeOfDay{Hour: 3, Minute: 0}) {
		t.Errorf("ArchiveRunAt = %v, ожидается 03:00", cfg.ArchiveRunAt)
	}
	if cfg.ArchiveLocation != time.UTC {
		t.Errorf("ArchiveLocation = %v, ожидается UTC", cfg.ArchiveLocation)
	}
	if !cfg.ArchiveEnabled {
		t.Error("ArchiveEnabled = false, ожидается true")
	}
	if cfg.TmpMaxAge != 24*time.Hour {
		t.Errorf("TmpMaxAge = %v, ожидается 24h", cfg.TmpMaxAge)
	}
	if cfg.OrphanMaxAge != 7*24*time.Hour {
		t.Errorf("OrphanMaxAge = %v, ожидается 168h", cfg.OrphanMaxAge)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 30s", cfg.ShutdownTimeout)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	envs := minimalEnvs()
	envs["PS_PORT"] = "9090"
	envs["PS_LOG_FORMAT"] = "text"
	envs["PS_ALLOWED_CONTENT_TYPES"] = "Application/PDF, image/png"
	envs["PS_ARCHIVE_RUN_AT"] = "23:45"
	envs["PS_ARCHIVE_TIMEZONE"] = "Europe/Moscow"
	envs["PS_ARCHIVE_ENABLED"] = "false"
	envs["PS_ARCHIVE_RETENTION_DAYS"] = "0"
	envs["PS_MAX_UPLOAD_SIZE"] = "1048576"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, ожидается 9090", cfg.Port)
	}
	if got := strings.Join(cfg.AllowedContentTypes, ","); got != "application/pdf,image/png" {
		t.Errorf("AllowedContentTypes = %q", got)
	}
	if cfg.ArchiveRunAt.String() != "23:45" {
		t.Errorf("ArchiveRunAt = %s, ожидается 23:45", cfg.ArchiveRunAt)
	}
	if cfg.ArchiveLocation.String() != "Europe/Moscow" {
		t.Errorf("ArchiveLocation = %s", cfg.ArchiveLocation)
	}
	if cfg.ArchiveEnabled {
		t.Error("ArchiveEnabled = true, ожидается false")
	}
	if cfg.ArchiveRetentionDays != 0 {
		t.Errorf("ArchiveRetentionDays = %d, ожидается 0", cfg.ArchiveRetentionDays)
	}
	if cfg.MaxUploadSize != 1048576 {
		t.Errorf("MaxUploadSize = %d", cfg.MaxUploadSize)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"время без минут", "PS_ARCHIVE_RUN_AT", "3"},
		{"время вне диапазона", "PS_ARCHIVE_RUN_AT", "25:00"},
		{"неизвестная зона", "PS_ARCHIVE_TIMEZONE", "Mars/Olympus"},
		{"нулевой batch", "PS_ARCHIVE_BATCH_SIZE", "0"},
		{"отрицательный retention", "PS_ARCHIVE_RETENTION_DAYS", "-1"},
		{"нулевой размер", "PS_MAX_UPLOAD_SIZE", "0"},
		{"формат логов", "PS_LOG_FORMAT", "xml"},
		{"ssl mode", "PS_DB_SSL_MODE", "maybe"},
		{"bool", "PS_ARCHIVE_ENABLED", "sometimes"},
		{"одинаковые корни", "PS_ARCHIVE_ROOT", "./data/files"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := minimalEnvs()
			envs[tt.key] = tt.val
			setEnvs(t, envs)

			if _, err := Load(); err == nil {
				t.Errorf("Load() с %s=%q должен вернуть ошибку", tt.key, tt.val)
			}
		})
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, key := range []string{"PS_DB_HOST", "PS_DB_USER", "PS_DB_PASSWORD", "PS_JWKS_URL"} {
		t.Run(key, func(t *testing.T) {
			envs := minimalEnvs()
			delete(envs, key)
			setEnvs(t, envs)
			t.Setenv(key, "")

			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), key) {
				t.Errorf("ожидалась ошибка про %s, получено: %v", key, err)
			}
		})
	}
}

func TestConfig_URLs(t *testing.T) {
	cfg := &Config{
		DBHost: "db", DBPort: 5433, DBName: "ps", DBUser: "u", DBPassword: "p@ss", DBSSLMode: "disable",
	}

	if got := cfg.DatabaseURL(); got != "postgres://db:5433/ps" {
		t.Errorf("DatabaseURL() = %q", got)
	}
	if got := cfg.MigrateURL(); got != "pgx5://u:p%40ss@db:5433/ps?sslmode=disable" {
		t.Errorf("MigrateURL() = %q", got)
	}
	if got := cfg.DatabaseDSN(); !strings.Contains(got, "port=5433") {
		t.Errorf("DatabaseDSN() = %q", got)
	}
}
