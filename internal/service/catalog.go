package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
	"github.com/bigkaa/isostore/internal/storage/hashing"
)

// Пагинация списка.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 500
)

// Page — страница списка образов.
type Page struct {
	Items  []*model.Asset `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// MetadataPatch — частичное обновление описательных полей.
// nil — поле не меняется; для nullable-полей пустая строка очищает значение.
type MetadataPatch struct {
	Name             *string
	Category         *string
	OSFamily         *string
	Edition          *string
	Version          *string
	Architecture     *string
	Description      *string
	Tags             *[]string
	ExpectedChecksum *string
	ChecksumType     *string
}

// Progress — состояние незавершённой операции.
type Progress struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name"`
	Filename         string            `json:"filename"`
	Status           model.AssetStatus `json:"status"`
	DownloadProgress int               `json:"download_progress"`
	ErrorMessage     *string           `json:"error_message"`
	SizeBytes        int64             `json:"size_bytes"`
}

// BrowseEntry — файл хранилища в листинге.
type BrowseEntry struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Extension string `json:"extension"`
	Tracked   bool   `json:"tracked"`
	AssetID   *int64 `json:"asset_id"`
}

// BrowseResult — листинг хранилища.
type BrowseResult struct {
	Files     []BrowseEntry `json:"files"`
	Total     int           `json:"total"`
	Untracked int           `json:"untracked"`
}

// CatalogService — чтение и редактирование каталога образов.
type CatalogService struct {
	repo             repository.AssetRepository
	store            *filestore.FileStore
	browseExtensions []string
	logger           *slog.Logger
}

// NewCatalogService создаёт сервис каталога.
func NewCatalogService(
	repo repository.AssetRepository,
	store *filestore.FileStore,
	browseExtensions []string,
	logger *slog.Logger,
) *CatalogService {
	return &CatalogService{
		repo:             repo,
		store:            store,
		browseExtensions: browseExtensions,
		logger:           logger.With(slog.String("component", "catalog")),
	}
}

// List возвращает страницу образов, новые первыми.
func (s *CatalogService) List(ctx context.Context, filters model.ListFilters, limit, offset int) (*Page, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, fmt.Errorf("%w: неизвестное состояние %q", ErrValidation, filters.Status)
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return nil, fmt.Errorf("%w: limit не больше %d", ErrValidation, MaxPageLimit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset не может быть отрицательным", ErrValidation)
	}

	items, err := s.repo.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	total, err := s.repo.Count(ctx, filters)
	if err != nil {
		return nil, classify(err)
	}
	return &Page{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Get возвращает образ по ID.
func (s *CatalogService) Get(ctx context.Context, id int64) (*model.Asset, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return a, nil
}

// Update применяет изменения описательных полей.
func (s *CatalogService) Update(ctx context.Context, id int64, patch MetadataPatch) (*model.Asset, error) {
	fields := repository.Fields{}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name не может быть пустым", ErrValidation)
		}
		fields[repository.FieldName] = name
	}
	if patch.Category != nil {
		category := strings.TrimSpace(*patch.Category)
		if category == "" {
			return nil, fmt.Errorf("%w: category не может быть пустой", ErrValidation)
		}
		fields[repository.FieldCategory] = category
	}
	if patch.ChecksumType != nil && *patch.ChecksumType != "" {
		if _, ok := hashing.ParseAlgorithm(*patch.ChecksumType); !ok {
			return nil, fmt.Errorf("%w: неподдерживаемый checksum_type %q", ErrValidation, *patch.ChecksumType)
		}
	}

	nullable := map[repository.Field]*string{
		repository.FieldOSFamily:         patch.OSFamily,
		repository.FieldEdition:          patch.Edition,
		repository.FieldVersion:          patch.Version,
		repository.FieldArchitecture:     patch.Architecture,
		repository.FieldDescription:      patch.Description,
		repository.FieldExpectedChecksum: patch.ExpectedChecksum,
		repository.FieldChecksumType:     patch.ChecksumType,
	}
	for field, v := range nullable {
		if v == nil {
			continue
		}
		value := strings.TrimSpace(*v)
		if field == repository.FieldExpectedChecksum || field == repository.FieldChecksumType {
			value = strings.ToLower(value)
		}
		fields[field] = model.StringPtr(value)
	}
	if patch.Tags != nil {
		fields[repository.FieldTags] = *patch.Tags
	}
	// Новая ожидаемая сумма делает прежний результат сверки недействительным
	if patch.ExpectedChecksum != nil || patch.ChecksumType != nil {
		fields[repository.FieldChecksumVerified] = nil
	}

	if len(fields) == 0 {
		return s.Get(ctx, id)
	}
	if err := s.repo.UpdateFields(ctx, id, fields); err != nil {
		return nil, classify(err)
	}
	return s.Get(ctx, id)
}

// Delete удаляет запись и, если deleteFile, файл образа.
// Образы в активном состоянии не удаляются (ErrConflict).
func (s *CatalogService) Delete(ctx context.Context, id int64, deleteFile bool) error {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return classify(err)
	}
	if a.Status.Active() {
		return fmt.Errorf("%w: образ %d в состоянии %s, дождитесь завершения операции", ErrConflict, id, a.Status)
	}

	if deleteFile {
		if err := s.store.DeleteFile(a.Filename); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return classify(err)
	}

	s.logger.Info("Образ удалён",
		slog.Int64("asset_id", id),
		slog.String("filename", a.Filename),
		slog.Bool("file_deleted", deleteFile),
	)
	return nil
}

// ToggleFavorite инвертирует признак избранного.
func (s *CatalogService) ToggleFavorite(ctx context.Context, id int64) (*model.Asset, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	if err := s.repo.UpdateFields(ctx, id, repository.Fields{
		repository.FieldIsFavorite: !a.IsFavorite,
	}); err != nil {
		return nil, classify(err)
	}
	return s.Get(ctx, id)
}

// Progress возвращает прогресс операции над образом.
func (s *CatalogService) Progress(ctx context.Context, id int64) (*Progress, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return progressOf(a), nil
}

// ActiveDownloads — образы в downloading, uploading и verifying.
func (s *CatalogService) ActiveDownloads(ctx context.Context) ([]*Progress, error) {
	assets, err := s.repo.ListWhere(ctx, repository.StatusPredicate{In: model.ActiveStatuses})
	if err != nil {
		return nil, classify(err)
	}
	result := make([]*Progress, 0, len(assets))
	for _, a := range assets {
		result = append(result, progressOf(a))
	}
	return result, nil
}

func progressOf(a *model.Asset) *Progress {
	return &Progress{
		ID:               a.ID,
		Name:             a.Name,
		Filename:         a.Filename,
		Status:           a.Status,
		DownloadProgress: a.DownloadProgress,
		ErrorMessage:     a.ErrorMessage,
		SizeBytes:        a.SizeBytes,
	}
}

// Stats возвращает сводку по каталогу.
func (s *CatalogService) Stats(ctx context.Context) (*model.Stats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return stats, nil
}

// Browse перечисляет файлы хранилища с поддерживаемыми расширениями
// и отмечает, какие из них отслеживаются.
func (s *CatalogService) Browse(ctx context.Context) (*BrowseResult, error) {
	entries, err := s.store.List(s.browseExtensions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	tracked, err := s.repo.TrackedFilenames(ctx, names)
	if err != nil {
		return nil, classify(err)
	}

	result := &BrowseResult{Files: make([]BrowseEntry, 0, len(entries))}
	for _, e := range entries {
		entry := BrowseEntry{
			Filename:  e.Name,
			SizeBytes: e.Size,
			Extension: extensionOf(e.Name),
		}
		if id, ok := tracked[e.Name]; ok {
			entry.Tracked = true
			entry.AssetID = &id
		} else {
			result.Untracked++
		}
		result.Files = append(result.Files, entry)
	}
	result.Total = len(result.Files)
	return result, nil
}

func extensionOf(name string) string {
	if f := model.FileFormatOf(name); f != nil {
		return "." + *f
	}
	return ""
}
