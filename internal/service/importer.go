package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
)

var importsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "isostore_imports_total",
	Help: "Количество импортированных файлов хранилища по способу",
}, []string{"method"})

// ImportService — постановка на учёт файлов, уже лежащих в хранилище.
// Запись создаётся в verifying, контрольная сумма считается в фоне.
type ImportService struct {
	repo     repository.AssetRepository
	store    *filestore.FileStore
	verifier *VerifyService
	tasks    *TaskRunner
	baseURL  string
	logger   *slog.Logger
}

// NewImportService создаёт сервис импорта.
func NewImportService(
	repo repository.AssetRepository,
	store *filestore.FileStore,
	verifier *VerifyService,
	tasks *TaskRunner,
	baseURL string,
	logger *slog.Logger,
) *ImportService {
	return &ImportService{
		repo:     repo,
		store:    store,
		verifier: verifier,
		tasks:    tasks,
		baseURL:  baseURL,
		logger:   logger.With(slog.String("component", "import")),
	}
}

// Import ставит на учёт файл по запросу пользователя.
// ErrNotFound — файла нет в хранилище, ErrConflict — он уже отслеживается.
func (s *ImportService) Import(ctx context.Context, filename string, md Metadata) (*model.Asset, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: filename обязателен", ErrValidation)
	}
	clean, err := filestore.SanitizeFilename(filename)
	if err != nil || clean != filename {
		return nil, fmt.Errorf("%w: недопустимое имя файла %q", ErrValidation, filename)
	}
	if !s.store.FileExists(filename) {
		return nil, fmt.Errorf("%w: файл %s отсутствует в хранилище", ErrNotFound, filename)
	}
	if _, err := s.repo.GetByFilename(ctx, filename); err == nil {
		return nil, fmt.Errorf("%w: файл %s уже отслеживается", ErrConflict, filename)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, classify(err)
	}

	a, err := s.create(ctx, filename, model.AddMethodImport, md)
	if err != nil {
		return nil, classify(err)
	}
	return a, nil
}

// AutoImport ставит на учёт файл, найденный сверкой. Перед вставкой
// повторно проверяет, не занят ли файл другой операцией.
// Возвращает false без ошибки, если файл уже отслеживается или исчез.
func (s *ImportService) AutoImport(ctx context.Context, filename string) (bool, error) {
	if _, err := s.repo.GetByFilename(ctx, filename); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}
	if !s.store.FileExists(filename) {
		return false, nil
	}

	_, err := s.create(ctx, filename, model.AddMethodAutoImport, Metadata{})
	if errors.Is(err, repository.ErrConflict) || errors.Is(err, filestore.ErrNotFound) {
		// Параллельная операция успела поставить файл на учёт или файл исчез
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// create вставляет запись в verifying и запускает фоновое хэширование.
func (s *ImportService) create(ctx context.Context, filename string, method model.AddMethod, md Metadata) (*model.Asset, error) {
	size, err := s.store.FileSize(filename)
	if err != nil {
		return nil, err
	}

	a, err := newAsset(filename, method)
	if err != nil {
		return nil, err
	}
	a.SizeBytes = size
	a.FilePath = s.store.FullPath(filename)
	a.HTTPURL = model.StringPtr(publicURL(s.baseURL, filename))
	md.applyTo(a)

	if err := s.repo.Insert(ctx, a); err != nil {
		return nil, err
	}
	importsTotal.WithLabelValues(string(method)).Inc()
	s.logger.Info("Файл поставлен на учёт, вычисление контрольной суммы",
		slog.Int64("asset_id", a.ID),
		slog.String("filename", filename),
		slog.String("add_method", string(method)),
		slog.Int64("size", size),
	)

	asset := a.Clone()
	_, err = s.tasks.Go("hash", a.ID, func(ctx context.Context, logger *slog.Logger) {
		if err := s.verifier.complete(ctx, asset); err != nil {
			logger.Error("Импорт завершился ошибкой", slog.String("error", err.Error()))
			s.verifier.fail(ctx, asset.ID, err)
		}
	})
	if err != nil {
		s.verifier.fail(ctx, a.ID, err)
		return nil, err
	}
	return a, nil
}
