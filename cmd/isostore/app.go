package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/isostore/internal/api/handlers"
	"github.com/bigkaa/isostore/internal/config"
	"github.com/bigkaa/isostore/internal/database"
	"github.com/bigkaa/isostore/internal/fetcher"
	"github.com/bigkaa/isostore/internal/netguard"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/service"
	"github.com/bigkaa/isostore/internal/storage/filestore"
	"github.com/bigkaa/isostore/internal/storage/hashing"
	"github.com/bigkaa/isostore/internal/storage/lease"
)

// app — собранные компоненты сервиса.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool // nil для ISO_DB_DRIVER=memory
	repo  repository.AssetRepository
	store *filestore.FileStore
	tasks *service.TaskRunner
	lease *lease.Lease

	verifier    *service.VerifyService
	acquire     *service.AcquireService
	upload      *service.UploadService
	importer    *service.ImportService
	catalog     *service.CatalogService
	update      *service.UpdateService
	reconcile   *service.ReconcileService
	maintenance *service.MaintenanceService
	dephealth   *service.DephealthService
}

// newApp инициализирует хранилище, репозиторий и сервисы.
// Фоновые процессы не запускаются.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := filestore.New(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	a.store = store
	hostname, _ := os.Hostname()
	a.lease = lease.New(cfg.StorageDir, fmt.Sprintf("%s:%d", hostname, cfg.Port), 0, logger)

	switch cfg.DBDriver {
	case config.DBDriverMemory:
		logger.Warn("Репозиторий в памяти: каталог не переживёт перезапуск")
		a.repo = repository.NewMemoryRepository()
	default:
		if err := database.Migrate(cfg, logger); err != nil {
			return nil, err
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.repo = repository.NewPostgresRepository(pool)
		a.dephealth = newDephealth(cfg, pool, logger)
	}

	guard := netguard.New(nil)
	// Скачивание: без общего таймаута, простой потока ловит IdleTimeout
	downloadClient := fetcher.New(fetcher.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		MaxRedirects:   cfg.MaxRedirects,
		Guard:          guard,
		DialFilter:     netguard.DialFilter,
	}, logger)
	checkClient := fetcher.New(fetcher.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		Timeout:        cfg.UpdateCheckTimeout,
		MaxRedirects:   cfg.MaxRedirects,
		Guard:          guard,
		DialFilter:     netguard.DialFilter,
	}, logger)

	a.tasks = service.NewTaskRunner(logger)
	hasher := hashing.NewEngine(cfg.HashWorkers, logger)
	a.verifier = service.NewVerifyService(a.repo, store, hasher, cfg.BaseURL, logger)
	a.acquire = service.NewAcquireService(a.repo, store, a.verifier, downloadClient, guard, a.tasks, service.AcquireOptions{
		IdleTimeout:      cfg.DownloadIdleTimeout,
		ProgressInterval: cfg.ProgressInterval,
		MaxConcurrent:    cfg.MaxConcurrentDownloads,
		MaxDiskUsagePct:  cfg.MaxDiskUsagePct,
	}, logger)
	a.upload = service.NewUploadService(a.repo, store, a.verifier, a.tasks, cfg.MaxUploadSize, cfg.MaxDiskUsagePct, logger)
	a.importer = service.NewImportService(a.repo, store, a.verifier, a.tasks, cfg.BaseURL, logger)
	a.catalog = service.NewCatalogService(a.repo, store, cfg.BrowseExtensions, logger)
	a.update = service.NewUpdateService(a.repo, checkClient, guard,
		service.NewManifestCache(cfg.ManifestCacheSize, cfg.ManifestCacheTTL), logger)
	a.reconcile = service.NewReconcileService(a.repo, store, a.importer, service.ReconcileOptions{
		Interval:          cfg.ReconcileInterval,
		AutoImportEnabled: cfg.AutoImportEnabled,
		WatchedExtensions: cfg.WatchedExtensions,
	}, logger)
	a.maintenance = service.NewMaintenanceService(cfg, a.repo, store, a.reconcile, logger)

	return a, nil
}

// newDephealth создаёт мониторинг PostgreSQL. Ошибка SDK не мешает запуску.
func newDephealth(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) *service.DephealthService {
	hostname, _ := os.Hostname()
	ds, err := service.NewDephealthService(
		dephealthName(hostname),
		cfg.DephealthGroup,
		database.OpenSQLDB(pool),
		cfg.DatabaseURLRedacted(),
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return ds
}

// handler собирает HTTP API поверх сервисов.
func (a *app) handler() *handlers.APIHandler {
	var deps handlers.DependencyHealth
	if a.dephealth != nil {
		deps = a.dephealth
	}
	return handlers.NewAPIHandler(
		handlers.NewAssetsHandler(a.catalog, a.acquire, a.upload, a.importer, a.verifier, a.update, a.logger),
		handlers.NewFilesHandler(a.store, a.logger),
		handlers.NewSystemHandler(a.maintenance, a.logger),
		handlers.NewMaintenanceHandler(a.maintenance, a.logger),
		handlers.NewHealthHandler(a.repo, a.store, deps),
	)
}

// close освобождает подключения к базе.
func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// describe — параметры запуска для лога.
func (a *app) describe() []any {
	return []any{
		slog.String("version", config.Version),
		slog.Int("port", a.cfg.Port),
		slog.String("storage_dir", a.cfg.StorageDir),
		slog.String("db_driver", a.cfg.DBDriver),
		slog.String("reconcile_interval", a.cfg.ReconcileInterval.String()),
		slog.Bool("auto_import", a.cfg.AutoImportEnabled),
		slog.Int("max_concurrent_downloads", a.cfg.MaxConcurrentDownloads),
		slog.Bool("tls", a.cfg.TLSEnabled()),
	}
}
