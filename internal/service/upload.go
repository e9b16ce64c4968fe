// upload.go — приём образа, загружаемого напрямую через API.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
)

// UploadParams — параметры загрузки.
type UploadParams struct {
	// Reader — поток данных файла
	Reader io.Reader
	// Filename — имя файла у клиента
	Filename string
	// Metadata — описательные поля
	Metadata Metadata
	// ExpectedChecksum, ChecksumType — необязательная ожидаемая сумма
	ExpectedChecksum string
	ChecksumType     string
}

// UploadService — загрузка образов через API.
type UploadService struct {
	repo            repository.AssetRepository
	store           *filestore.FileStore
	verifier        *VerifyService
	tasks           *TaskRunner
	maxUploadSize   int64
	maxDiskUsagePct int
	logger          *slog.Logger
}

// NewUploadService создаёт сервис загрузки.
// maxUploadSize == 0 — без ограничения размера.
func NewUploadService(
	repo repository.AssetRepository,
	store *filestore.FileStore,
	verifier *VerifyService,
	tasks *TaskRunner,
	maxUploadSize int64,
	maxDiskUsagePct int,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		repo:            repo,
		store:           store,
		verifier:        verifier,
		tasks:           tasks,
		maxUploadSize:   maxUploadSize,
		maxDiskUsagePct: maxDiskUsagePct,
		logger:          logger.With(slog.String("component", "upload_service")),
	}
}

// Upload принимает поток в хранилище.
//
// Поток:
//  1. Проверка квоты диска и имени файла
//  2. Запись в uploading под свободным именем
//  3. Потоковая запись (.part → fsync → rename) с лимитом размера
//  4. verifying, контрольная сумма в фоне → available
//
// При ошибке записи запись переходит в error, файл удаляется.
// Возвращается запись в состоянии verifying.
func (s *UploadService) Upload(ctx context.Context, params UploadParams) (*model.Asset, error) {
	if err := checkQuota(s.store, s.maxDiskUsagePct); err != nil {
		return nil, err
	}
	wanted, err := filestore.SanitizeFilename(params.Filename)
	if err != nil {
		return nil, classify(err)
	}

	a, err := newAsset(wanted, model.AddMethodUpload)
	if err != nil {
		return nil, err
	}
	params.Metadata.applyTo(a)
	if expected := strings.TrimSpace(params.ExpectedChecksum); expected != "" {
		checksumType := strings.ToLower(strings.TrimSpace(params.ChecksumType))
		if checksumType == "" {
			checksumType = "sha256"
		}
		a.ExpectedChecksum = model.StringPtr(strings.ToLower(expected))
		a.ChecksumType = model.StringPtr(checksumType)
	}

	if err := insertUnique(ctx, s.repo, s.store, a, wanted); err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.Int64("asset_id", a.ID), slog.String("filename", a.Filename))

	written, err := s.store.Write(ctx, a.Filename, params.Reader, filestore.WriteOptions{MaxBytes: s.maxUploadSize})
	if err != nil {
		logger.Error("Ошибка приёма файла", slog.Int64("written", written), slog.String("error", err.Error()))
		s.verifier.fail(ctx, a.ID, err)
		_ = s.store.DeleteFile(a.Filename)
		return nil, classify(err)
	}

	ok, err := transition(ctx, s.repo, a.ID, model.StatusUploading, model.StatusVerifying, repository.Fields{
		repository.FieldDownloadProgress: 100,
		repository.FieldSizeBytes:        written,
	})
	if err == nil && !ok {
		err = fmt.Errorf("%w: образ %d вышел из состояния uploading", ErrConflict, a.ID)
	}
	if err != nil {
		s.verifier.fail(ctx, a.ID, err)
		_ = s.store.DeleteFile(a.Filename)
		return nil, classify(err)
	}
	logger.Info("Файл принят, проверка целостности", slog.Int64("size", written))

	asset := a.Clone()
	_, err = s.tasks.Go("hash", a.ID, func(ctx context.Context, logger *slog.Logger) {
		if err := s.verifier.complete(ctx, asset); err != nil {
			logger.Error("Проверка загруженного файла завершилась ошибкой", slog.String("error", err.Error()))
			s.verifier.fail(ctx, asset.ID, err)
			if !errors.Is(err, ErrConflict) {
				_ = s.store.DeleteFile(asset.Filename)
			}
		}
	})
	if err != nil {
		s.verifier.fail(ctx, a.ID, err)
		return nil, err
	}

	a.Status = model.StatusVerifying
	a.DownloadProgress = 100
	a.SizeBytes = written
	return a, nil
}
