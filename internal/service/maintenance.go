package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/isostore/internal/config"
	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
)

// SystemInfo — сведения о хранилище и каталоге.
type SystemInfo struct {
	Version           string               `json:"version"`
	StorageDir        string               `json:"storage_dir"`
	DBDriver          string               `json:"db_driver"`
	AssetCount        int                  `json:"asset_count"`
	Stats             *model.Stats         `json:"stats"`
	Disk              *filestore.DiskUsage `json:"disk"`
	DiskQuotaPct      int                  `json:"disk_quota_pct"`
	DiskQuotaExceeded bool                 `json:"disk_quota_exceeded"`
	AutoImportEnabled bool                 `json:"auto_import_enabled"`
	ReconcileRunning  bool                 `json:"reconcile_running"`
	ActiveTasks       int                  `json:"active_tasks"`
}

// OrphanEntry — удалённая запись без файла.
type OrphanEntry struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
}

// CleanupResult — итог очистки записей без файлов.
type CleanupResult struct {
	Removed int           `json:"removed"`
	Items   []OrphanEntry `json:"items"`
}

// StorageMaintenanceResult — итог обслуживания хранилища каталога.
type StorageMaintenanceResult struct {
	Operation  string `json:"operation"`
	DBDriver   string `json:"db_driver"`
	DurationMS int64  `json:"duration_ms"`
}

// IntegrityProblem — найденное расхождение записи с диском или с
// инвариантами её состояния.
type IntegrityProblem struct {
	ID       int64             `json:"id"`
	Filename string            `json:"filename"`
	Status   model.AssetStatus `json:"status"`
	Problem  string            `json:"problem"`
}

// IntegrityResult — итог проверки целостности каталога.
type IntegrityResult struct {
	OK       bool               `json:"ok"`
	Checked  int                `json:"checked"`
	Problems []IntegrityProblem `json:"problems"`
}

// MaintenanceService — обслуживание: сведения о системе, очистка
// записей без файлов, внеочередная сверка, обслуживание хранилища
// каталога и проверка его целостности.
type MaintenanceService struct {
	cfg       *config.Config
	repo      repository.AssetRepository
	store     *filestore.FileStore
	reconcile *ReconcileService
	logger    *slog.Logger
}

// NewMaintenanceService создаёт сервис обслуживания.
func NewMaintenanceService(
	cfg *config.Config,
	repo repository.AssetRepository,
	store *filestore.FileStore,
	reconcile *ReconcileService,
	logger *slog.Logger,
) *MaintenanceService {
	return &MaintenanceService{
		cfg:       cfg,
		repo:      repo,
		store:     store,
		reconcile: reconcile,
		logger:    logger.With(slog.String("component", "maintenance")),
	}
}

// SystemInfo собирает сведения о системе. Статистика диска может
// быть недоступна (Disk == nil), это не ошибка.
func (s *MaintenanceService) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, classify(err)
	}

	info := &SystemInfo{
		Version:           config.Version,
		StorageDir:        s.store.Dir(),
		DBDriver:          s.cfg.DBDriver,
		AssetCount:        stats.Total,
		Stats:             stats,
		DiskQuotaPct:      s.cfg.MaxDiskUsagePct,
		AutoImportEnabled: s.cfg.AutoImportEnabled,
		ReconcileRunning:  s.reconcile != nil && s.reconcile.IsInProgress(),
	}
	for _, st := range model.ActiveStatuses {
		info.ActiveTasks += stats.ByStatus[st]
	}
	if usage, ok := s.store.DiskUsage(); ok {
		info.Disk = &usage
		info.DiskQuotaExceeded = s.cfg.MaxDiskUsagePct > 0 && usage.Exceeds(s.cfg.MaxDiskUsagePct)
	}
	return info, nil
}

// CleanupOrphans удаляет записи в available и missing, чьих файлов
// нет на диске. Активные записи и записи в error не трогаются.
func (s *MaintenanceService) CleanupOrphans(ctx context.Context) (*CleanupResult, error) {
	assets, err := s.repo.ListWhere(ctx, repository.StatusPredicate{
		In: []model.AssetStatus{model.StatusAvailable, model.StatusMissing},
	})
	if err != nil {
		return nil, classify(err)
	}

	result := &CleanupResult{Items: []OrphanEntry{}}
	for _, a := range assets {
		if s.store.FileExists(a.Filename) {
			continue
		}
		if err := s.repo.Delete(ctx, a.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return result, classify(err)
		}
		result.Items = append(result.Items, OrphanEntry{ID: a.ID, Name: a.Name, Filename: a.Filename})
	}
	result.Removed = len(result.Items)

	if result.Removed > 0 {
		s.logger.Info("Удалены записи без файлов", slog.Int("removed", result.Removed))
	}
	return result, nil
}

// ReconcileNow выполняет внеочередной цикл сверки.
// ErrBusy — цикл уже выполняется.
func (s *MaintenanceService) ReconcileNow(ctx context.Context) (*ReconcileResult, error) {
	if s.reconcile == nil {
		return nil, fmt.Errorf("%w: сверка не настроена", ErrValidation)
	}
	result, skipped := s.reconcile.RunOnce(ctx)
	if skipped {
		return nil, ErrBusy
	}
	return result, nil
}

// Vacuum сжимает хранилище каталога и обновляет статистику.
func (s *MaintenanceService) Vacuum(ctx context.Context) (*StorageMaintenanceResult, error) {
	return s.runStorageMaintenance(ctx, "vacuum", repository.Maintainer.Vacuum)
}

// Reindex перестраивает индексы каталога.
func (s *MaintenanceService) Reindex(ctx context.Context) (*StorageMaintenanceResult, error) {
	return s.runStorageMaintenance(ctx, "reindex", repository.Maintainer.Reindex)
}

func (s *MaintenanceService) runStorageMaintenance(
	ctx context.Context,
	operation string,
	run func(repository.Maintainer, context.Context) error,
) (*StorageMaintenanceResult, error) {
	m, ok := s.repo.(repository.Maintainer)
	if !ok {
		return nil, fmt.Errorf("%w: репозиторий %s не поддерживает %s", ErrValidation, s.cfg.DBDriver, operation)
	}

	start := time.Now()
	if err := run(m, ctx); err != nil {
		s.logger.Error("Ошибка обслуживания каталога",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return nil, classify(err)
	}
	elapsed := time.Since(start)

	s.logger.Info("Обслуживание каталога выполнено",
		slog.String("operation", operation),
		slog.Duration("duration", elapsed),
	)
	return &StorageMaintenanceResult{
		Operation:  operation,
		DBDriver:   s.cfg.DBDriver,
		DurationMS: elapsed.Milliseconds(),
	}, nil
}

// CheckIntegrity сверяет записи в конечных состояниях с диском и с
// инвариантами состояния. Ничего не исправляет: missing/available
// переключает сверка, записи без файлов удаляет CleanupOrphans.
func (s *MaintenanceService) CheckIntegrity(ctx context.Context) (*IntegrityResult, error) {
	assets, err := s.repo.ListWhere(ctx, repository.NotActive())
	if err != nil {
		return nil, classify(err)
	}

	result := &IntegrityResult{Problems: []IntegrityProblem{}}
	for _, a := range assets {
		result.Checked++
		for _, problem := range s.assetProblems(a) {
			result.Problems = append(result.Problems, IntegrityProblem{
				ID:       a.ID,
				Filename: a.Filename,
				Status:   a.Status,
				Problem:  problem,
			})
		}
	}
	result.OK = len(result.Problems) == 0

	if !result.OK {
		s.logger.Warn("Проверка целостности каталога нашла расхождения",
			slog.Int("checked", result.Checked),
			slog.Int("problems", len(result.Problems)),
		)
	}
	return result, nil
}

func (s *MaintenanceService) assetProblems(a *model.Asset) []string {
	var problems []string
	if a.FilePath != s.store.FullPath(a.Filename) {
		problems = append(problems, fmt.Sprintf("file_path %q вне каталога хранения", a.FilePath))
	}

	exists := s.store.FileExists(a.Filename)
	switch a.Status {
	case model.StatusAvailable:
		if !exists {
			problems = append(problems, "файл отсутствует на диске")
		} else if size, err := s.store.FileSize(a.Filename); err == nil && size != a.SizeBytes {
			problems = append(problems, fmt.Sprintf("размер на диске %d, в каталоге %d", size, a.SizeBytes))
		}
		if a.SHA256 == nil || *a.SHA256 == "" {
			problems = append(problems, "нет sha256")
		}
		if a.DownloadProgress != 100 {
			problems = append(problems, fmt.Sprintf("прогресс %d вместо 100", a.DownloadProgress))
		}
	case model.StatusMissing:
		if exists {
			problems = append(problems, "файл на диске, запись в missing")
		}
	case model.StatusError:
		if a.ErrorMessage == nil || *a.ErrorMessage == "" {
			problems = append(problems, "нет error_message")
		}
	}
	return problems
}
