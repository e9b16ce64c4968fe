package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/fetcher"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
)

// Prometheus метрики скачивания
var (
	acquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isostore_acquisitions_total",
		Help: "Количество завершённых скачиваний по результату",
	}, []string{"result"})

	acquiredBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isostore_acquired_bytes_total",
		Help: "Общее количество скачанных байт",
	})
)

// errIdleTimeout — источник не присылал данных дольше допустимого простоя.
var errIdleTimeout = errors.New("источник не передаёт данные дольше допустимого времени простоя")

// AcquireOptions — параметры скачивания.
type AcquireOptions struct {
	// IdleTimeout — максимум простоя потока (0 — без ограничения)
	IdleTimeout time.Duration
	// ProgressInterval — не чаще одной записи прогресса за интервал
	// (<= 0 — DefaultProgressInterval)
	ProgressInterval time.Duration
	// MaxConcurrent — одновременных скачиваний, остальные ждут в очереди
	MaxConcurrent int
	// MaxDiskUsagePct — порог заполнения диска для новых скачиваний
	MaxDiskUsagePct int
}

// DefaultProgressInterval — период записи прогресса по умолчанию.
const DefaultProgressInterval = 2 * time.Second

// CreateFromURLRequest — запрос на добавление образа по URL.
type CreateFromURLRequest struct {
	URL              string
	Metadata         Metadata
	ExpectedChecksum string
	ChecksumType     string
}

// AcquireService — потоковое скачивание образов по URL.
type AcquireService struct {
	repo     repository.AssetRepository
	store    *filestore.FileStore
	verifier *VerifyService
	client   *fetcher.Client
	guard    fetcher.URLValidator
	tasks    *TaskRunner
	sem      *semaphore.Weighted
	opts     AcquireOptions
	logger   *slog.Logger
}

// NewAcquireService создаёт сервис скачивания.
// client должен быть без общего таймаута: длительность ограничивает IdleTimeout.
func NewAcquireService(
	repo repository.AssetRepository,
	store *filestore.FileStore,
	verifier *VerifyService,
	client *fetcher.Client,
	guard fetcher.URLValidator,
	tasks *TaskRunner,
	opts AcquireOptions,
	logger *slog.Logger,
) *AcquireService {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &AcquireService{
		repo:     repo,
		store:    store,
		verifier: verifier,
		client:   client,
		guard:    guard,
		tasks:    tasks,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		opts:     opts,
		logger:   logger.With(slog.String("component", "acquire")),
	}
}

// CreateFromURL проверяет URL и квоту, подбирает свободное имя файла,
// создаёт запись в downloading и запускает скачивание в фоне.
func (s *AcquireService) CreateFromURL(ctx context.Context, req CreateFromURLRequest) (*model.Asset, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url обязателен", ErrValidation)
	}
	if err := s.guard.Validate(ctx, rawURL); err != nil {
		return nil, classify(err)
	}
	if err := checkQuota(s.store, s.opts.MaxDiskUsagePct); err != nil {
		return nil, err
	}
	wanted, err := FilenameFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	a, err := newAsset(wanted, model.AddMethodURL)
	if err != nil {
		return nil, err
	}
	a.SourceURL = model.StringPtr(rawURL)
	req.Metadata.applyTo(a)
	if expected := strings.TrimSpace(req.ExpectedChecksum); expected != "" {
		checksumType := strings.ToLower(strings.TrimSpace(req.ChecksumType))
		if checksumType == "" {
			checksumType = "sha256"
		}
		a.ExpectedChecksum = model.StringPtr(strings.ToLower(expected))
		a.ChecksumType = model.StringPtr(checksumType)
	}

	if err := insertUnique(ctx, s.repo, s.store, a, wanted); err != nil {
		return nil, err
	}
	s.logger.Info("Скачивание поставлено в очередь",
		slog.Int64("asset_id", a.ID),
		slog.String("filename", a.Filename),
		slog.String("url", rawURL),
	)

	asset := a.Clone()
	_, err = s.tasks.Go("acquire", a.ID, func(ctx context.Context, logger *slog.Logger) {
		_ = s.Acquire(ctx, asset)
	})
	if err != nil {
		s.verifier.fail(ctx, a.ID, err)
		return nil, err
	}
	return a, nil
}

// Acquire скачивает source_url записи в файл и доводит запись до available.
//
// Последовательность: проверка URL → GET → запись блоками с прогрессом →
// verifying (прогресс 100) → контрольные суммы → available.
// При любой ошибке запись переходит в error, недокачанный файл удаляется.
func (s *AcquireService) Acquire(ctx context.Context, a *model.Asset) error {
	logger := s.logger.With(slog.Int64("asset_id", a.ID), slog.String("filename", a.Filename))

	err := s.acquire(ctx, a, logger)
	if err != nil {
		acquisitionsTotal.WithLabelValues("error").Inc()
		logger.Error("Скачивание завершилось ошибкой", slog.String("error", err.Error()))
		cause := err
		if ctx.Err() != nil {
			// Остановка сервиса: транспорт может вернуть свою ошибку вместо отмены
			cause = ctx.Err()
		}
		s.verifier.fail(ctx, a.ID, cause)
		if delErr := s.store.DeleteFile(a.Filename); delErr != nil {
			logger.Error("Не удалось удалить недокачанный файл", slog.String("error", delErr.Error()))
		}
		return classify(err)
	}
	acquisitionsTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *AcquireService) acquire(ctx context.Context, a *model.Asset, logger *slog.Logger) error {
	if a.SourceURL == nil || *a.SourceURL == "" {
		return fmt.Errorf("%w: у образа нет source_url", ErrValidation)
	}
	sourceURL := *a.SourceURL

	// Очередь: ограничение одновременных скачиваний
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	if err := s.guard.Validate(ctx, sourceURL); err != nil {
		return err
	}

	dlCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resp, err := s.client.Get(dlCtx, sourceURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	logger.Info("Скачивание начато", slog.Int64("content_length", total))

	body := fetcher.NewIdleReader(resp.Body, s.opts.IdleTimeout, func() { cancel(errIdleTimeout) })
	defer body.Stop()

	progress := rate.Sometimes{Interval: s.opts.ProgressInterval}
	onChunk := func(written int64) {
		// Без Content-Length промежуточный прогресс не сообщается
		if total <= 0 {
			return
		}
		progress.Do(func() {
			pct := int(written * 100 / total)
			pct = min(pct, 100)
			if err := s.repo.UpdateFields(ctx, a.ID, repository.Fields{
				repository.FieldDownloadProgress: pct,
			}); err != nil {
				logger.Warn("Не удалось сохранить прогресс", slog.String("error", err.Error()))
			}
		})
	}

	written, err := s.store.Write(dlCtx, a.Filename, body, filestore.WriteOptions{OnChunk: onChunk})
	acquiredBytesTotal.Add(float64(written))
	if err != nil {
		if cause := context.Cause(dlCtx); errors.Is(cause, errIdleTimeout) {
			return fmt.Errorf("%w: %w", ErrNetwork, errIdleTimeout)
		}
		return err
	}
	if total > 0 && written != total {
		return fmt.Errorf("%w: получено %d байт из %d", ErrNetwork, written, total)
	}

	ok, err := transition(ctx, s.repo, a.ID, model.StatusDownloading, model.StatusVerifying, repository.Fields{
		repository.FieldDownloadProgress: 100,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: образ %d вышел из состояния downloading", ErrConflict, a.ID)
	}
	logger.Info("Скачивание завершено, проверка целостности", slog.Int64("bytes", written))

	return s.verifier.complete(ctx, a)
}
