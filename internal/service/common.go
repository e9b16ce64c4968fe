package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
)

// finalizeTimeout — бюджет на запись итогового состояния после отмены задачи.
const finalizeTimeout = 10 * time.Second

// Metadata — описательные поля образа, задаваемые пользователем.
type Metadata struct {
	Name         string
	Category     string
	OSFamily     *string
	Edition      *string
	Version      *string
	Architecture *string
	Description  *string
	Tags         []string
}

// applyTo заполняет описательные поля записи. Пустая категория и
// семейство ОС угадываются по имени файла.
func (m Metadata) applyTo(a *model.Asset) {
	a.Name = strings.TrimSpace(m.Name)
	if a.Name == "" {
		a.Name = strings.TrimSuffix(a.Filename, path.Ext(a.Filename))
	}
	guessedCategory, guessedOS := ClassifyFilename(a.Filename)
	a.Category = strings.TrimSpace(m.Category)
	if a.Category == "" {
		a.Category = guessedCategory
	}
	a.OSFamily = m.OSFamily
	if a.OSFamily == nil && guessedOS != "" {
		a.OSFamily = model.StringPtr(guessedOS)
	}
	a.Edition = m.Edition
	a.Version = m.Version
	a.Architecture = m.Architecture
	a.Description = m.Description
	a.Tags = m.Tags
	if a.Tags == nil {
		a.Tags = []string{}
	}
	a.FileFormat = model.FileFormatOf(a.Filename)
}

// publicURL — адрес, по которому файл отдаётся через GET /files/{filename}.
func publicURL(baseURL, filename string) string {
	return strings.TrimRight(baseURL, "/") + "/files/" + url.PathEscape(filename)
}

// FilenameFromURL выводит имя файла из последнего сегмента пути URL
// (query и fragment отбрасываются, %-кодирование раскрывается).
func FilenameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: некорректный URL: %v", ErrValidation, err)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "", fmt.Errorf("%w: не удалось определить имя файла из URL %q", ErrValidation, rawURL)
	}
	name, err := filestore.SanitizeFilename(base)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return name, nil
}

// checkQuota возвращает ErrStorageFull, если заполнение диска достигло
// порога pct. Недоступная статистика диска и pct <= 0 квоту не применяют.
func checkQuota(store *filestore.FileStore, pct int) error {
	if pct <= 0 {
		return nil
	}
	usage, ok := store.DiskUsage()
	if !ok || !usage.Exceeds(pct) {
		return nil
	}
	return fmt.Errorf("%w: занято %.1f%% (порог %d%%), свободно %d байт",
		ErrStorageFull, usage.UsedPct, pct, usage.FreeBytes)
}

// insertUnique подбирает свободное имя (диск + репозиторий) и создаёт запись.
// При гонке за имя повторяет подбор несколько раз.
func insertUnique(ctx context.Context, repo repository.AssetRepository, store *filestore.FileStore, a *model.Asset, wanted string) error {
	taken := func(ctx context.Context, name string) (bool, error) {
		_, err := repo.GetByFilename(ctx, name)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, repository.ErrNotFound):
			return false, nil
		default:
			return false, err
		}
	}

	const attempts = 3
	var lastErr error
	for range attempts {
		name, err := store.UniqueFilename(ctx, wanted, taken)
		if err != nil {
			return classify(err)
		}
		a.Filename = name
		a.FilePath = store.FullPath(name)
		a.FileFormat = model.FileFormatOf(name)

		lastErr = repo.Insert(ctx, a)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, repository.ErrConflict) {
			return classify(lastErr)
		}
	}
	return classify(lastErr)
}

// errorMessage — текст ошибки для поля error_message.
func errorMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "операция прервана остановкой сервиса"
	}
	return err.Error()
}
