// Пакет service — бизнес-логика каталога образов: скачивание, проверка
// целостности, проверка обновлений, сверка каталога с диском, импорт,
// загрузка и обслуживание.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/bigkaa/isostore/internal/domain/lifecycle"
	"github.com/bigkaa/isostore/internal/fetcher"
	"github.com/bigkaa/isostore/internal/netguard"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
	"github.com/bigkaa/isostore/internal/storage/hashing"
)

// Классы ошибок сервисного слоя. Проверяются через errors.Is,
// исходная причина остаётся в цепочке.
var (
	// ErrValidation — некорректные входные данные или небезопасный URL.
	ErrValidation = errors.New("ошибка валидации")
	// ErrNotFound — образ или файл не найден.
	ErrNotFound = errors.New("не найдено")
	// ErrConflict — операция несовместима с текущим состоянием.
	ErrConflict = errors.New("конфликт")
	// ErrIO — ошибка чтения или записи на диск.
	ErrIO = errors.New("ошибка ввода-вывода")
	// ErrNetwork — ошибка соединения, таймаут или ответ вне 2xx.
	ErrNetwork = errors.New("сетевая ошибка")
	// ErrIntegrityMismatch — контрольная сумма не совпала.
	// В жизненном цикле образа только фиксируется, фатальной не считается.
	ErrIntegrityMismatch = errors.New("контрольная сумма не совпадает")
	// ErrStorageFull — превышен порог заполнения диска.
	ErrStorageFull = errors.New("недостаточно места в хранилище")
	// ErrTooLarge — превышен лимит размера загрузки.
	ErrTooLarge = errors.New("файл слишком большой")
	// ErrBusy — операция уже выполняется.
	ErrBusy = errors.New("операция уже выполняется")
	// ErrShuttingDown — сервис останавливается, новые задачи не принимаются.
	ErrShuttingDown = errors.New("сервис останавливается")
)

// classify относит ошибку нижних слоёв к классу сервисного слоя.
// Уже классифицированные ошибки возвращаются как есть.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrValidation, ErrNotFound, ErrConflict, ErrIO, ErrNetwork,
		ErrIntegrityMismatch, ErrStorageFull, ErrTooLarge, ErrBusy, ErrShuttingDown,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var (
		statusErr *fetcher.StatusError
		netErr    net.Error
		transErr  *lifecycle.TransitionError
		pathErr   *os.PathError
	)
	switch {
	case errors.Is(err, netguard.ErrUnsafeURL),
		errors.Is(err, filestore.ErrInvalidFilename):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, filestore.ErrNotFound),
		errors.Is(err, hashing.ErrFileNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repository.ErrConflict), errors.As(err, &transErr):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, filestore.ErrTooLarge):
		return fmt.Errorf("%w: %w", ErrTooLarge, err)
	case errors.As(err, &statusErr),
		errors.Is(err, fetcher.ErrTooManyRedirects),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	case errors.Is(err, hashing.ErrRead), errors.As(err, &pathErr):
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return err
}
