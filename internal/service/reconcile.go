// reconcile.go — фоновая сверка каталога с каталогом хранения.
//
// Каждый цикл выполняет два прохода:
//  1. available ↔ missing: для записей не в активном состоянии проверяется
//     наличие файла; пропавшие помечаются missing, вернувшиеся — available
//     с обновлённым размером.
//  2. Автоимпорт (ISO_AUTO_IMPORT_ENABLED): файлы с отслеживаемыми
//     расширениями, которых нет в каталоге, ставятся на учёт.
//
// Записи в downloading/uploading/verifying не трогаются: ими владеет
// незавершённая операция, и файла может ещё не быть на диске.
// Запускается как горутина с периодическим тикером (ISO_RECONCILE_INTERVAL).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
)

// Prometheus метрики сверки
var (
	reconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isostore_reconcile_runs_total",
		Help: "Количество циклов сверки по результату",
	}, []string{"result"})

	reconcileChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isostore_reconcile_changes_total",
		Help: "Количество изменений, внесённых сверкой, по виду",
	}, []string{"kind"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "isostore_reconcile_duration_seconds",
		Help:    "Длительность цикла сверки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	assetsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "isostore_assets",
		Help: "Количество образов в каталоге по состоянию",
	}, []string{"status"})
)

// ReconcileResult — итог одного цикла сверки.
type ReconcileResult struct {
	// Checked — записей проверено на наличие файла
	Checked int `json:"checked"`
	// MarkedMissing — available → missing
	MarkedMissing int `json:"marked_missing"`
	// Restored — missing → available
	Restored int `json:"restored"`
	// Imported — новых записей автоимпорта
	Imported int `json:"imported"`
	// Error — причина досрочного завершения цикла
	Error string `json:"error,omitempty"`
	// Duration — длительность цикла
	Duration time.Duration `json:"duration_ns"`
}

// Importer ставит на учёт найденный файл. Реализуется ImportService.
type Importer interface {
	AutoImport(ctx context.Context, filename string) (bool, error)
}

// ReconcileOptions — параметры сверки.
type ReconcileOptions struct {
	Interval          time.Duration
	AutoImportEnabled bool
	// WatchedExtensions — расширения для автоимпорта (".iso", ...)
	WatchedExtensions []string
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	repo     repository.AssetRepository
	store    *filestore.FileStore
	importer Importer
	opts     ReconcileOptions
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис сверки. importer может быть nil,
// тогда автоимпорт не выполняется.
func NewReconcileService(
	repo repository.AssetRepository,
	store *filestore.FileStore,
	importer Importer,
	opts ReconcileOptions,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		repo:     repo,
		store:    store,
		importer: importer,
		opts:     opts,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину: первый цикл сразу, далее по тикеру.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rsCtx)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.opts.Interval.String()),
		slog.Bool("auto_import", rs.opts.AutoImportEnabled),
	)
}

// Stop прерывает ожидание следующего цикла и дожидается завершения
// текущего, если он выполняется.
func (rs *ReconcileService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если цикл выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(rs.opts.Interval)
	defer ticker.Stop()

	for {
		// Цикл не прерывается отменой: отмена действует только на ожидание
		rs.RunOnce(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один цикл сверки.
// Если цикл уже выполняется, возвращает nil, true.
// Ошибки и паники внутри цикла логируются и завершают цикл досрочно.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	start := time.Now()
	result := &ReconcileResult{}

	err := rs.cycle(ctx, result)
	result.Duration = time.Since(start)
	reconcileDurationSeconds.Observe(result.Duration.Seconds())

	if err != nil {
		result.Error = err.Error()
		reconcileRunsTotal.WithLabelValues("error").Inc()
		rs.logger.Error("Цикл сверки прерван", slog.String("error", err.Error()))
	} else {
		reconcileRunsTotal.WithLabelValues("success").Inc()
	}

	rs.refreshGauges(ctx)

	if result.MarkedMissing+result.Restored+result.Imported > 0 {
		rs.logger.Info("Сверка завершена",
			slog.Int("checked", result.Checked),
			slog.Int("marked_missing", result.MarkedMissing),
			slog.Int("restored", result.Restored),
			slog.Int("imported", result.Imported),
			slog.Duration("duration", result.Duration),
		)
	}
	return result, false
}

func (rs *ReconcileService) cycle(ctx context.Context, result *ReconcileResult) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("паника в цикле сверки: %v", rec)
		}
	}()

	if err := rs.sweepPresence(ctx, result); err != nil {
		return err
	}
	if rs.opts.AutoImportEnabled && rs.importer != nil {
		if err := rs.sweepUntracked(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// sweepPresence переключает available ↔ missing по наличию файла.
// Переходы условные: запись, сменившая состояние после выборки, не трогается.
func (rs *ReconcileService) sweepPresence(ctx context.Context, result *ReconcileResult) error {
	assets, err := rs.repo.ListWhere(ctx, repository.NotActive())
	if err != nil {
		return fmt.Errorf("выборка записей: %w", err)
	}

	for _, a := range assets {
		result.Checked++
		exists := rs.store.FileExists(a.Filename)

		switch {
		case !exists && a.Status == model.StatusAvailable:
			ok, err := transition(ctx, rs.repo, a.ID, model.StatusAvailable, model.StatusMissing, nil)
			if err != nil {
				return fmt.Errorf("образ %d → missing: %w", a.ID, err)
			}
			if ok {
				result.MarkedMissing++
				reconcileChangesTotal.WithLabelValues("missing").Inc()
				rs.logger.Warn("Файл образа отсутствует",
					slog.Int64("asset_id", a.ID),
					slog.String("filename", a.Filename),
				)
			}

		case exists && a.Status == model.StatusMissing:
			size, err := rs.store.FileSize(a.Filename)
			if err != nil {
				// Файл исчез между проверками, разберёмся в следующем цикле
				continue
			}
			ok, err := transition(ctx, rs.repo, a.ID, model.StatusMissing, model.StatusAvailable, repository.Fields{
				repository.FieldSizeBytes: size,
			})
			if err != nil {
				return fmt.Errorf("образ %d → available: %w", a.ID, err)
			}
			if ok {
				result.Restored++
				reconcileChangesTotal.WithLabelValues("restored").Inc()
				rs.logger.Info("Файл образа снова на месте",
					slog.Int64("asset_id", a.ID),
					slog.String("filename", a.Filename),
					slog.Int64("size", size),
				)
			}
		}
	}
	return nil
}

// sweepUntracked ставит на учёт файлы хранилища, которых нет в каталоге.
func (rs *ReconcileService) sweepUntracked(ctx context.Context, result *ReconcileResult) error {
	entries, err := rs.store.List(rs.opts.WatchedExtensions)
	if err != nil {
		return fmt.Errorf("листинг хранилища: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	tracked, err := rs.repo.TrackedFilenames(ctx, names)
	if err != nil {
		return fmt.Errorf("проверка отслеживаемых файлов: %w", err)
	}

	for _, name := range names {
		if _, ok := tracked[name]; ok {
			continue
		}
		rs.logger.Info("Обнаружен новый файл", slog.String("filename", name))
		created, err := rs.importer.AutoImport(ctx, name)
		if err != nil {
			return fmt.Errorf("автоимпорт %s: %w", name, err)
		}
		if created {
			result.Imported++
			reconcileChangesTotal.WithLabelValues("imported").Inc()
		}
	}
	return nil
}

// refreshGauges обновляет метрику числа образов по состояниям.
func (rs *ReconcileService) refreshGauges(ctx context.Context) {
	stats, err := rs.repo.Stats(ctx)
	if err != nil {
		rs.logger.Debug("Не удалось получить статистику каталога", slog.String("error", err.Error()))
		return
	}
	for _, st := range model.AllStatuses {
		assetsByStatus.WithLabelValues(string(st)).Set(float64(stats.ByStatus[st]))
	}
}
