package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/isostore/internal/domain/lifecycle"
	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
	"github.com/bigkaa/isostore/internal/storage/hashing"
)

// verificationsTotal — итоги сверки с ожидаемой суммой.
var verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "isostore_checksum_verifications_total",
	Help: "Количество сверок с ожидаемой контрольной суммой по результату",
}, []string{"result"})

// VerifyService — проверка целостности: вычисление сумм и сверка
// с ожидаемой. Используется в конце скачивания, загрузки и импорта,
// а также как отдельная повторная проверка по запросу.
type VerifyService struct {
	repo    repository.AssetRepository
	store   *filestore.FileStore
	hasher  *hashing.Engine
	baseURL string
	logger  *slog.Logger
}

// NewVerifyService создаёт сервис проверки целостности.
func NewVerifyService(
	repo repository.AssetRepository,
	store *filestore.FileStore,
	hasher *hashing.Engine,
	baseURL string,
	logger *slog.Logger,
) *VerifyService {
	return &VerifyService{
		repo:    repo,
		store:   store,
		hasher:  hasher,
		baseURL: baseURL,
		logger:  logger.With(slog.String("component", "verify")),
	}
}

// Verify повторно проверяет файл образа и возвращает обновлённую запись.
//
// Файл должен существовать (иначе ErrNotFound). Запись переводится в
// verifying, затем в available независимо от результата сверки:
// несовпадение записывается в checksum_verified, образ остаётся доступным.
// Запись в missing, чей файл вернулся на диск, сначала восстанавливается
// в available, как это сделала бы сверка.
func (s *VerifyService) Verify(ctx context.Context, id int64) (*model.Asset, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	if !s.store.FileExists(a.Filename) {
		return nil, fmt.Errorf("%w: файл %s отсутствует на диске", ErrNotFound, a.Filename)
	}

	from := a.Status
	if from == model.StatusMissing {
		ok, err := transition(ctx, s.repo, id, model.StatusMissing, model.StatusAvailable, nil)
		if err != nil {
			return nil, classify(err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: состояние образа %d изменилось во время запроса", ErrConflict, id)
		}
		s.logger.Info("Файл образа снова на месте",
			slog.Int64("asset_id", id),
			slog.String("filename", a.Filename),
		)
		from = model.StatusAvailable
	}

	ok, err := transition(ctx, s.repo, id, from, model.StatusVerifying, repository.Fields{
		repository.FieldErrorMessage: nil,
	})
	if err != nil {
		return nil, classify(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: состояние образа %d изменилось во время запроса", ErrConflict, id)
	}

	if err := s.complete(ctx, a); err != nil {
		s.fail(ctx, a.ID, err)
		return nil, classify(err)
	}
	return s.repo.GetByID(ctx, id)
}

// complete вычисляет суммы файла записи, находящейся в verifying,
// и переводит её в available.
func (s *VerifyService) complete(ctx context.Context, a *model.Asset) error {
	path := s.store.FullPath(a.Filename)

	algs := []hashing.Algorithm{hashing.SHA256}
	expected := ""
	if a.ExpectedChecksum != nil {
		expected = *a.ExpectedChecksum
	}
	var (
		expectedAlg hashing.Algorithm
		supported   bool
	)
	if expected != "" {
		checksumType := "sha256"
		if a.ChecksumType != nil && *a.ChecksumType != "" {
			checksumType = *a.ChecksumType
		}
		expectedAlg, supported = hashing.ParseAlgorithm(checksumType)
		if supported {
			algs = append(algs, expectedAlg)
		}
	}

	sums, err := s.hasher.DigestMany(ctx, path, algs...)
	if err != nil {
		return err
	}
	size, err := s.store.FileSize(a.Filename)
	if err != nil {
		return err
	}

	fields := repository.Fields{
		repository.FieldDownloadProgress: 100,
		repository.FieldSHA256:           sums[hashing.SHA256],
		repository.FieldSizeBytes:        size,
		repository.FieldHTTPURL:          publicURL(s.baseURL, a.Filename),
		repository.FieldErrorMessage:     nil,
		repository.FieldChecksumVerified: nil,
	}
	if v, ok := sums[hashing.SHA512]; ok {
		fields[repository.FieldSHA512] = v
	}
	if v, ok := sums[hashing.MD5]; ok {
		fields[repository.FieldMD5] = v
	}

	if expected != "" {
		verified := supported && hashing.Equal(sums[expectedAlg], expected)
		fields[repository.FieldChecksumVerified] = verified
		if verified {
			verificationsTotal.WithLabelValues("match").Inc()
		} else {
			verificationsTotal.WithLabelValues("mismatch").Inc()
			s.logger.Warn("Контрольная сумма не совпадает",
				slog.Int64("asset_id", a.ID),
				slog.String("filename", a.Filename),
				slog.Bool("algorithm_supported", supported),
			)
		}
	}

	ok, err := transition(ctx, s.repo, a.ID, model.StatusVerifying, model.StatusAvailable, fields)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: образ %d вышел из состояния verifying", ErrConflict, a.ID)
	}

	s.logger.Info("Образ проверен",
		slog.Int64("asset_id", a.ID),
		slog.String("filename", a.Filename),
		slog.Int64("size", size),
		slog.String("sha256", sums[hashing.SHA256]),
	)
	return nil
}

// fail переводит запись из активного состояния в error. Выполняется и
// после отмены ctx. Запись, уже покинувшая активное состояние (например,
// available после гонки), не трогается.
func (s *VerifyService) fail(ctx context.Context, id int64, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("Не удалось прочитать образ", slog.Int64("asset_id", id), slog.String("error", err.Error()))
		}
		return
	}
	if !lifecycle.CanTransition(a.Status, model.StatusError) {
		s.logger.Warn("Ошибка не записана: образ не в активном состоянии",
			slog.Int64("asset_id", id),
			slog.String("status", string(a.Status)),
			slog.String("cause", cause.Error()),
		)
		return
	}

	ok, err := transition(ctx, s.repo, id, a.Status, model.StatusError, repository.Fields{
		repository.FieldErrorMessage: errorMessage(cause),
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("Не удалось записать ошибку образа",
			slog.Int64("asset_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		s.logger.Warn("Ошибка не записана: состояние образа изменилось", slog.Int64("asset_id", id))
	}
}
