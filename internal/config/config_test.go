package config

import (
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"
)

// allKeys — все переменные, которые читает Load.
var allKeys = []string{
	"ISO_PORT", "ISO_STORAGE_DIR", "ISO_BASE_URL",
	"ISO_RECONCILE_INTERVAL", "ISO_AUTO_IMPORT_ENABLED",
	"ISO_WATCHED_EXTENSIONS", "ISO_BROWSE_EXTENSIONS",
	"ISO_MAX_CONCURRENT_DOWNLOADS", "ISO_HASH_WORKERS",
	"ISO_MAX_UPLOAD_SIZE", "ISO_MAX_DISK_USAGE_PCT",
	"ISO_CONNECT_TIMEOUT", "ISO_DOWNLOAD_IDLE_TIMEOUT", "ISO_UPDATE_CHECK_TIMEOUT",
	"ISO_MAX_REDIRECTS", "ISO_PROGRESS_INTERVAL",
	"ISO_MANIFEST_CACHE_TTL", "ISO_MANIFEST_CACHE_SIZE",
	"ISO_DB_DRIVER", "ISO_DB_HOST", "ISO_DB_PORT", "ISO_DB_NAME",
	"ISO_DB_USER", "ISO_DB_PASSWORD", "ISO_DB_SSL_MODE",
	"ISO_DEPHEALTH_CHECK_INTERVAL", "ISO_DEPHEALTH_GROUP",
	"ISO_LOG_LEVEL", "ISO_LOG_FORMAT",
	"ISO_HTTP_READ_HEADER_TIMEOUT", "ISO_HTTP_IDLE_TIMEOUT", "ISO_SHUTDOWN_TIMEOUT",
	"ISO_TLS_CERT", "ISO_TLS_KEY",
}

// setEnv очищает все ISO_* переменные и выставляет переданные.
// Пустое значение Load трактует как «не задано».
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

// requiredEnvVars возвращает минимальный набор обязательных переменных.
func requiredEnvVars() map[string]string {
	return map[string]string{
		"ISO_STORAGE_DIR": "/var/lib/isostore",
		"ISO_DB_PASSWORD": "secret",
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, requiredEnvVars())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: неожиданная ошибка: %v", err)
	}

	if cfg.Port != 8585 {
		t.Errorf("Port: ожидалось 8585, получено %d", cfg.Port)
	}
	if cfg.BaseURL != "http://localhost:8585" {
		t.Errorf("BaseURL: получено %q", cfg.BaseURL)
	}
	if cfg.ReconcileInterval != 60*time.Second {
		t.Errorf("ReconcileInterval: ожидалось 60s, получено %s", cfg.ReconcileInterval)
	}
	if !cfg.AutoImportEnabled {
		t.Error("AutoImportEnabled: ожидалось true")
	}
	if cfg.MaxConcurrentDownloads != 3 {
		t.Errorf("MaxConcurrentDownloads: ожидалось 3, получено %d", cfg.MaxConcurrentDownloads)
	}
	if cfg.MaxDiskUsagePct != 90 {
		t.Errorf("MaxDiskUsagePct: ожидалось 90, получено %d", cfg.MaxDiskUsagePct)
	}
	if cfg.ConnectTimeout != 10*time.Second || cfg.UpdateCheckTimeout != 30*time.Second {
		t.Errorf("таймауты: connect=%s update=%s", cfg.ConnectTimeout, cfg.UpdateCheckTimeout)
	}
	if cfg.MaxRedirects != 5 {
		t.Errorf("MaxRedirects: ожидалось 5, получено %d", cfg.MaxRedirects)
	}
	if cfg.ProgressInterval != 2*time.Second {
		t.Errorf("ProgressInterval: ожидалось 2s, получено %s", cfg.ProgressInterval)
	}
	if !slices.Equal(cfg.WatchedExtensions, DefaultWatchedExtensions) {
		t.Errorf("WatchedExtensions: получено %v", cfg.WatchedExtensions)
	}
	for _, ext := range []string{".iso", ".ova", ".zst"} {
		if !slices.Contains(cfg.BrowseExtensions, ext) {
			t.Errorf("BrowseExtensions: нет %s", ext)
		}
	}
	if cfg.DBDriver != DBDriverPostgres {
		t.Errorf("DBDriver: получено %q", cfg.DBDriver)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "json" {
		t.Errorf("логирование: level=%v format=%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.TLSEnabled() {
		t.Error("TLS не должен быть включён по умолчанию")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	vars := requiredEnvVars()
	vars["ISO_PORT"] = "9000"
	vars["ISO_BASE_URL"] = "https://iso.example.com/"
	vars["ISO_RECONCILE_INTERVAL"] = "30"
	vars["ISO_AUTO_IMPORT_ENABLED"] = "false"
	vars["ISO_WATCHED_EXTENSIONS"] = "ISO, qcow2 ,"
	vars["ISO_DB_DRIVER"] = "memory"
	vars["ISO_LOG_LEVEL"] = "debug"
	vars["ISO_LOG_FORMAT"] = "text"
	setEnv(t, vars)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: неожиданная ошибка: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port: ожидалось 9000, получено %d", cfg.Port)
	}
	if cfg.BaseURL != "https://iso.example.com" {
		t.Errorf("BaseURL: завершающий / должен отрезаться, получено %q", cfg.BaseURL)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("ReconcileInterval: голое число — секунды, получено %s", cfg.ReconcileInterval)
	}
	if cfg.AutoImportEnabled {
		t.Error("AutoImportEnabled: ожидалось false")
	}
	if !slices.Equal(cfg.WatchedExtensions, []string{".iso", ".qcow2"}) {
		t.Errorf("WatchedExtensions: получено %v", cfg.WatchedExtensions)
	}
	if cfg.DBDriver != DBDriverMemory {
		t.Errorf("DBDriver: получено %q", cfg.DBDriver)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel: получено %v", cfg.LogLevel)
	}
}

func TestLoad_MemoryDriverWithoutPassword(t *testing.T) {
	setEnv(t, map[string]string{
		"ISO_STORAGE_DIR": "/data",
		"ISO_DB_DRIVER":   "memory",
	})
	if _, err := Load(); err != nil {
		t.Fatalf("memory-драйвер не требует пароля БД: %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantKey string
	}{
		{"нет каталога", "ISO_STORAGE_DIR", "", "ISO_STORAGE_DIR"},
		{"порт не число", "ISO_PORT", "abc", "ISO_PORT"},
		{"порт вне диапазона", "ISO_PORT", "70000", "ISO_PORT"},
		{"base url без схемы", "ISO_BASE_URL", "iso.local", "ISO_BASE_URL"},
		{"нулевой интервал", "ISO_RECONCILE_INTERVAL", "0s", "ISO_RECONCILE_INTERVAL"},
		{"нулевой интервал прогресса", "ISO_PROGRESS_INTERVAL", "0s", "ISO_PROGRESS_INTERVAL"},
		{"отрицательный интервал прогресса", "ISO_PROGRESS_INTERVAL", "-1s", "ISO_PROGRESS_INTERVAL"},
		{"кривой bool", "ISO_AUTO_IMPORT_ENABLED", "maybe", "ISO_AUTO_IMPORT_ENABLED"},
		{"ноль скачиваний", "ISO_MAX_CONCURRENT_DOWNLOADS", "0", "ISO_MAX_CONCURRENT_DOWNLOADS"},
		{"квота > 100", "ISO_MAX_DISK_USAGE_PCT", "150", "ISO_MAX_DISK_USAGE_PCT"},
		{"отрицательный лимит загрузки", "ISO_MAX_UPLOAD_SIZE", "-1", "ISO_MAX_UPLOAD_SIZE"},
		{"неизвестный драйвер", "ISO_DB_DRIVER", "sqlite", "ISO_DB_DRIVER"},
		{"уровень логов", "ISO_LOG_LEVEL", "trace", "ISO_LOG_LEVEL"},
		{"формат логов", "ISO_LOG_FORMAT", "xml", "ISO_LOG_FORMAT"},
		{"только сертификат", "ISO_TLS_CERT", "/tls/cert.pem", "ISO_TLS_CERT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := requiredEnvVars()
			vars[tt.key] = tt.value
			setEnv(t, vars)

			_, err := Load()
			if err == nil {
				t.Fatalf("ожидалась ошибка для %s=%q", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("ошибка должна называть %s: %v", tt.wantKey, err)
			}
		})
	}
}

func TestLoad_PostgresRequiresPassword(t *testing.T) {
	setEnv(t, map[string]string{"ISO_STORAGE_DIR": "/data"})
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "ISO_DB_PASSWORD") {
		t.Fatalf("ожидалась ошибка ISO_DB_PASSWORD, получено %v", err)
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBUser: "iso", DBPassword: "pw", DBHost: "db", DBPort: 5433,
		DBName: "catalog", DBSSLMode: "require",
	}
	if got := cfg.DatabaseDSN(); got != "postgres://iso:pw@db:5433/catalog?sslmode=require" {
		t.Errorf("DatabaseDSN: получено %q", got)
	}
	if got := cfg.DatabaseURLRedacted(); strings.Contains(got, "pw") {
		t.Errorf("DatabaseURLRedacted не должен содержать пароль: %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo,
		"warning": slog.LevelWarn, "error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLogLevel(%q) = %v, %v; ожидалось %v", in, got, err, want)
		}
	}
}
