// Пакет config — загрузка и валидация конфигурации isostore
// из переменных окружения (префикс ISO_).
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

// Драйверы репозитория.
const (
	DBDriverPostgres = "postgres"
	DBDriverMemory   = "memory"
)

// DefaultWatchedExtensions — расширения образов, которые подхватывает автоимпорт.
var DefaultWatchedExtensions = []string{".iso", ".img", ".vmdk", ".qcow2", ".vdi", ".raw", ".vhd", ".vhdx"}

// extraBrowseExtensions — дополнительные расширения для ручного просмотра каталога.
var extraBrowseExtensions = []string{".ova", ".ovf", ".tar", ".gz", ".xz", ".zst"}

// Config содержит все параметры конфигурации isostore.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Плоский каталог хранения образов
	StorageDir string
	// Публичный базовый URL для ссылок на файлы (без завершающего /)
	BaseURL string

	// Интервал цикла сверки
	ReconcileInterval time.Duration
	// Автоимпорт неотслеживаемых файлов
	AutoImportEnabled bool
	// Расширения для автоимпорта (с точкой, в нижнем регистре)
	WatchedExtensions []string
	// Расширения для ручного просмотра каталога
	BrowseExtensions []string

	// Максимум одновременных скачиваний
	MaxConcurrentDownloads int
	// Максимум одновременных вычислений хэша
	HashWorkers int
	// Максимальный размер прямой загрузки в байтах (0 — без ограничения)
	MaxUploadSize int64
	// Порог заполнения диска в процентах, выше которого новые образы не принимаются
	MaxDiskUsagePct int

	// Таймаут установки TCP-соединения для исходящих запросов
	ConnectTimeout time.Duration
	// Прерывать скачивание, если данные не поступают дольше этого времени
	DownloadIdleTimeout time.Duration
	// Таймаут чтения для проверки обновлений
	UpdateCheckTimeout time.Duration
	// Максимум перенаправлений
	MaxRedirects int
	// Минимальный интервал записи прогресса скачивания
	ProgressInterval time.Duration
	// TTL кэша файлов контрольных сумм (0 — кэш выключен)
	ManifestCacheTTL time.Duration
	// Размер кэша файлов контрольных сумм
	ManifestCacheSize int

	// Репозиторий: postgres или memory
	DBDriver   string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймауты HTTP-сервера
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	// Таймаут graceful shutdown (HTTP-сервер и фоновые задачи)
	ShutdownTimeout time.Duration

	// TLS (опционально, оба или ни одного)
	TLSCert string
	TLSKey  string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// ISO_PORT — порт HTTP-сервера (по умолчанию 8585)
	cfg.Port, err = getEnvInt("ISO_PORT", 8585)
	if err != nil {
		return nil, fmt.Errorf("ISO_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("ISO_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	// ISO_STORAGE_DIR — обязательный
	cfg.StorageDir, err = getEnvRequired("ISO_STORAGE_DIR")
	if err != nil {
		return nil, err
	}

	cfg.BaseURL = strings.TrimRight(getEnvDefault("ISO_BASE_URL", "http://localhost:8585"), "/")
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("ISO_BASE_URL: ожидается http:// или https://, получено %q", cfg.BaseURL)
	}

	// ISO_RECONCILE_INTERVAL — период сверки (по умолчанию 60s)
	cfg.ReconcileInterval, err = getEnvDuration("ISO_RECONCILE_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ISO_RECONCILE_INTERVAL: %w", err)
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("ISO_RECONCILE_INTERVAL: значение должно быть положительным")
	}

	cfg.AutoImportEnabled, err = getEnvBool("ISO_AUTO_IMPORT_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("ISO_AUTO_IMPORT_ENABLED: %w", err)
	}

	cfg.WatchedExtensions = getEnvList("ISO_WATCHED_EXTENSIONS", DefaultWatchedExtensions)
	cfg.BrowseExtensions = getEnvList("ISO_BROWSE_EXTENSIONS",
		append(append([]string(nil), cfg.WatchedExtensions...), extraBrowseExtensions...))

	cfg.MaxConcurrentDownloads, err = getEnvInt("ISO_MAX_CONCURRENT_DOWNLOADS", 3)
	if err != nil {
		return nil, fmt.Errorf("ISO_MAX_CONCURRENT_DOWNLOADS: %w", err)
	}
	if cfg.MaxConcurrentDownloads < 1 {
		return nil, fmt.Errorf("ISO_MAX_CONCURRENT_DOWNLOADS: значение должно быть >= 1")
	}

	cfg.HashWorkers, err = getEnvInt("ISO_HASH_WORKERS", 2)
	if err != nil {
		return nil, fmt.Errorf("ISO_HASH_WORKERS: %w", err)
	}
	if cfg.HashWorkers < 1 {
		return nil, fmt.Errorf("ISO_HASH_WORKERS: значение должно быть >= 1")
	}

	cfg.MaxUploadSize, err = getEnvInt64("ISO_MAX_UPLOAD_SIZE", 0)
	if err != nil {
		return nil, fmt.Errorf("ISO_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize < 0 {
		return nil, fmt.Errorf("ISO_MAX_UPLOAD_SIZE: значение не может быть отрицательным")
	}

	cfg.MaxDiskUsagePct, err = getEnvInt("ISO_MAX_DISK_USAGE_PCT", 90)
	if err != nil {
		return nil, fmt.Errorf("ISO_MAX_DISK_USAGE_PCT: %w", err)
	}
	if cfg.MaxDiskUsagePct < 1 || cfg.MaxDiskUsagePct > 100 {
		return nil, fmt.Errorf("ISO_MAX_DISK_USAGE_PCT: значение %d вне диапазона 1-100", cfg.MaxDiskUsagePct)
	}

	// --- Исходящие HTTP-запросы ---

	cfg.ConnectTimeout, err = getEnvDuration("ISO_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ISO_CONNECT_TIMEOUT: %w", err)
	}
	cfg.DownloadIdleTimeout, err = getEnvDuration("ISO_DOWNLOAD_IDLE_TIMEOUT", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("ISO_DOWNLOAD_IDLE_TIMEOUT: %w", err)
	}
	cfg.UpdateCheckTimeout, err = getEnvDuration("ISO_UPDATE_CHECK_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ISO_UPDATE_CHECK_TIMEOUT: %w", err)
	}
	cfg.MaxRedirects, err = getEnvInt("ISO_MAX_REDIRECTS", 5)
	if err != nil {
		return nil, fmt.Errorf("ISO_MAX_REDIRECTS: %w", err)
	}
	if cfg.MaxRedirects < 0 {
		return nil, fmt.Errorf("ISO_MAX_REDIRECTS: значение не может быть отрицательным")
	}
	cfg.ProgressInterval, err = getEnvDuration("ISO_PROGRESS_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ISO_PROGRESS_INTERVAL: %w", err)
	}
	if cfg.ProgressInterval <= 0 {
		return nil, fmt.Errorf("ISO_PROGRESS_INTERVAL: значение должно быть положительным")
	}
	cfg.ManifestCacheTTL, err = getEnvDuration("ISO_MANIFEST_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ISO_MANIFEST_CACHE_TTL: %w", err)
	}
	cfg.ManifestCacheSize, err = getEnvInt("ISO_MANIFEST_CACHE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("ISO_MANIFEST_CACHE_SIZE: %w", err)
	}
	if cfg.ManifestCacheSize < 1 {
		return nil, fmt.Errorf("ISO_MANIFEST_CACHE_SIZE: значение должно быть >= 1")
	}

	// --- Репозиторий ---

	cfg.DBDriver = getEnvDefault("ISO_DB_DRIVER", DBDriverPostgres)
	if cfg.DBDriver != DBDriverPostgres && cfg.DBDriver != DBDriverMemory {
		return nil, fmt.Errorf("ISO_DB_DRIVER: недопустимое значение %q, допустимые: postgres, memory", cfg.DBDriver)
	}
	cfg.DBHost = getEnvDefault("ISO_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("ISO_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("ISO_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("ISO_DB_NAME", "isostore")
	cfg.DBUser = getEnvDefault("ISO_DB_USER", "isostore")
	cfg.DBPassword = getEnvDefault("ISO_DB_PASSWORD", "")
	cfg.DBSSLMode = getEnvDefault("ISO_DB_SSL_MODE", "disable")
	if cfg.DBDriver == DBDriverPostgres && cfg.DBPassword == "" {
		return nil, fmt.Errorf("ISO_DB_PASSWORD: обязательная переменная окружения не задана (ISO_DB_DRIVER=postgres)")
	}

	// --- topologymetrics ---

	cfg.DephealthCheckInterval, err = getEnvDuration("ISO_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ISO_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("ISO_DEPHEALTH_GROUP", "isostore")

	// --- Логирование ---

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("ISO_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("ISO_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("ISO_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("ISO_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP-сервер ---

	cfg.ReadHeaderTimeout, err = getEnvDuration("ISO_HTTP_READ_HEADER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ISO_HTTP_READ_HEADER_TIMEOUT: %w", err)
	}
	cfg.IdleTimeout, err = getEnvDuration("ISO_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ISO_HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = getEnvDuration("ISO_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ISO_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.TLSCert = getEnvDefault("ISO_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("ISO_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("ISO_TLS_CERT/ISO_TLS_KEY: задаются только вместе")
	}

	return cfg, nil
}

// DatabaseDSN возвращает DSN для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// DatabaseURLRedacted — DSN без пароля (для логов и меток метрик).
func (c *Config) DatabaseURLRedacted() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// TLSEnabled сообщает, настроен ли HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
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

// getEnvBool принимает true/false/1/0/yes/no.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := strings.ToLower(os.Getenv(key))
	switch val {
	case "":
		return defaultVal, nil
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
// Голое число трактуется как секунды.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// getEnvList разбирает список расширений через запятую.
// Значения приводятся к нижнему регистру, точка добавляется при отсутствии.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var result []string
	for _, part := range strings.Split(val, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		result = append(result, part)
	}
	if len(result) == 0 {
		return defaultVal
	}
	return result
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
