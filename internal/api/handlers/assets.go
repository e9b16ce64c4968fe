// assets.go — HTTP handlers каталога образов: список, карточка,
// добавление (URL, загрузка, импорт), редактирование, удаление,
// проверка целостности и обновлений.
package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/bigkaa/isostore/internal/api/errors"
	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/service"
)

// maxFormField — предел значения текстового поля multipart-формы.
const maxFormField = 64 << 10

// AssetsHandler — обработчик endpoints каталога.
type AssetsHandler struct {
	catalog  *service.CatalogService
	acquire  *service.AcquireService
	upload   *service.UploadService
	importer *service.ImportService
	verifier *service.VerifyService
	update   *service.UpdateService
	logger   *slog.Logger
}

// NewAssetsHandler создаёт обработчик endpoints каталога.
func NewAssetsHandler(
	catalog *service.CatalogService,
	acquire *service.AcquireService,
	upload *service.UploadService,
	importer *service.ImportService,
	verifier *service.VerifyService,
	update *service.UpdateService,
	logger *slog.Logger,
) *AssetsHandler {
	return &AssetsHandler{
		catalog:  catalog,
		acquire:  acquire,
		upload:   upload,
		importer: importer,
		verifier: verifier,
		update:   update,
		logger:   logger.With(slog.String("component", "assets_handler")),
	}
}

// metadataRequest — описательные поля в теле запроса.
type metadataRequest struct {
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	OSFamily     string   `json:"os_family"`
	Edition      string   `json:"edition"`
	Version      string   `json:"version"`
	Architecture string   `json:"architecture"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags"`
}

func (m metadataRequest) toMetadata() service.Metadata {
	return service.Metadata{
		Name:         m.Name,
		Category:     m.Category,
		OSFamily:     optional(m.OSFamily),
		Edition:      optional(m.Edition),
		Version:      optional(m.Version),
		Architecture: optional(m.Architecture),
		Description:  optional(m.Description),
		Tags:         cleanTags(m.Tags),
	}
}

// createFromURLRequest — тело POST /api/v1/isos/from-url.
type createFromURLRequest struct {
	metadataRequest
	URL              string `json:"url"`
	ExpectedChecksum string `json:"expected_checksum"`
	ChecksumType     string `json:"checksum_type"`
}

// importRequest — тело POST /api/v1/isos/import.
type importRequest struct {
	metadataRequest
	Filename string `json:"filename"`
}

// updateRequest — тело PUT /api/v1/isos/{id}. Отсутствующие поля не меняются.
type updateRequest struct {
	Name             *string   `json:"name"`
	Category         *string   `json:"category"`
	OSFamily         *string   `json:"os_family"`
	Edition          *string   `json:"edition"`
	Version          *string   `json:"version"`
	Architecture     *string   `json:"architecture"`
	Description      *string   `json:"description"`
	Tags             *[]string `json:"tags"`
	ExpectedChecksum *string   `json:"expected_checksum"`
	ChecksumType     *string   `json:"checksum_type"`
}

// checkUpdateResponse — ответ POST /api/v1/isos/{id}/check-update.
type checkUpdateResponse struct {
	Asset  *model.Asset            `json:"asset"`
	Result model.UpdateCheckResult `json:"result"`
}

// List обрабатывает GET /api/v1/isos.
// Query: category, os_family (os), architecture (arch), edition, status,
// q, favorites, limit, offset.
func (h *AssetsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := model.ListFilters{
		Category:     q.Get("category"),
		OSFamily:     firstNonEmpty(q.Get("os_family"), q.Get("os")),
		Architecture: firstNonEmpty(q.Get("architecture"), q.Get("arch")),
		Edition:      q.Get("edition"),
		Status:       model.AssetStatus(q.Get("status")),
		Query:        strings.TrimSpace(q.Get("q")),
	}

	if raw := q.Get("favorites"); raw != "" {
		fav, err := strconv.ParseBool(raw)
		if err != nil {
			errors.ValidationError(w, fmt.Sprintf("Параметр favorites: ожидается true/false, получено %q", raw))
			return
		}
		filters.FavoritesOnly = fav
	}

	limit, ok := queryInt(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, q.Get("offset"), "offset")
	if !ok {
		return
	}

	page, err := h.catalog.List(r.Context(), filters, limit, offset)
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Get обрабатывает GET /api/v1/isos/{id}.
func (h *AssetsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}
	a, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// CreateFromURL обрабатывает POST /api/v1/isos/from-url.
// Скачивание идёт в фоне, ответ 202 с записью в состоянии downloading.
func (h *AssetsHandler) CreateFromURL(w http.ResponseWriter, r *http.Request) {
	var req createFromURLRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.acquire.CreateFromURL(r.Context(), service.CreateFromURLRequest{
		URL:              strings.TrimSpace(req.URL),
		Metadata:         req.toMetadata(),
		ExpectedChecksum: req.ExpectedChecksum,
		ChecksumType:     req.ChecksumType,
	})
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

// Upload обрабатывает POST /api/v1/isos/upload.
// Multipart form: текстовые поля (name, category, os_family, edition,
// version, architecture, description, tags через запятую,
// expected_checksum, checksum_type), затем file. Файл читается потоком,
// поля после file игнорируются.
func (h *AssetsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		errors.ValidationError(w, fmt.Sprintf("Ожидается multipart/form-data: %s", err.Error()))
		return
	}

	fields := make(map[string]string)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			errors.ValidationError(w, "Поле 'file' обязательно")
			return
		}
		if err != nil {
			errors.ValidationError(w, fmt.Sprintf("Ошибка разбора multipart: %s", err.Error()))
			return
		}

		if part.FormName() != "file" {
			value, err := io.ReadAll(io.LimitReader(part, maxFormField+1))
			_ = part.Close()
			if err != nil {
				errors.ValidationError(w, fmt.Sprintf("Ошибка чтения поля %q: %s", part.FormName(), err.Error()))
				return
			}
			if len(value) > maxFormField {
				errors.ValidationError(w, fmt.Sprintf("Поле %q слишком длинное", part.FormName()))
				return
			}
			fields[part.FormName()] = string(value)
			continue
		}

		md := metadataRequest{
			Name:         fields["name"],
			Category:     fields["category"],
			OSFamily:     fields["os_family"],
			Edition:      fields["edition"],
			Version:      fields["version"],
			Architecture: fields["architecture"],
			Description:  fields["description"],
			Tags:         strings.Split(fields["tags"], ","),
		}
		a, err := h.upload.Upload(r.Context(), service.UploadParams{
			Reader:           part,
			Filename:         part.FileName(),
			Metadata:         md.toMetadata(),
			ExpectedChecksum: fields["expected_checksum"],
			ChecksumType:     fields["checksum_type"],
		})
		_ = part.Close()
		if err != nil {
			errors.FromService(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
		return
	}
}

// Import обрабатывает POST /api/v1/isos/import — постановку на учёт
// файла, уже лежащего в каталоге хранения.
func (h *AssetsHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.importer.Import(r.Context(), req.Filename, req.toMetadata())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Update обрабатывает PUT /api/v1/isos/{id}.
func (h *AssetsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	patch := service.MetadataPatch{
		Name:             req.Name,
		Category:         req.Category,
		OSFamily:         req.OSFamily,
		Edition:          req.Edition,
		Version:          req.Version,
		Architecture:     req.Architecture,
		Description:      req.Description,
		ExpectedChecksum: req.ExpectedChecksum,
		ChecksumType:     req.ChecksumType,
	}
	if req.Tags != nil {
		tags := cleanTags(*req.Tags)
		patch.Tags = &tags
	}

	a, err := h.catalog.Update(r.Context(), id, patch)
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Delete обрабатывает DELETE /api/v1/isos/{id}?delete_file=true.
// По умолчанию файл на диске сохраняется.
func (h *AssetsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}
	deleteFile := false
	if raw := r.URL.Query().Get("delete_file"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errors.ValidationError(w, fmt.Sprintf("Параметр delete_file: ожидается true/false, получено %q", raw))
			return
		}
		deleteFile = v
	}
	if err := h.catalog.Delete(r.Context(), id, deleteFile); err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleFavorite обрабатывает POST /api/v1/isos/{id}/favorite.
func (h *AssetsHandler) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}
	a, err := h.catalog.ToggleFavorite(r.Context(), id)
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Progress обрабатывает GET /api/v1/isos/{id}/progress.
func (h *AssetsHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}
	p, err := h.catalog.Progress(r.Context(), id)
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Verify обрабатывает POST /api/v1/isos/{id}/verify.
// Контрольные суммы пересчитываются синхронно.
func (h *AssetsHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}
	a, err := h.verifier.Verify(r.Context(), id)
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// CheckUpdate обрабатывает POST /api/v1/isos/{id}/check-update.
// Неудачная проверка источника не является ошибкой запроса: причина
// возвращается в result.error.
func (h *AssetsHandler) CheckUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := assetID(w, r)
	if !ok {
		return
	}
	a, result, err := h.update.CheckAsset(r.Context(), id)
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, checkUpdateResponse{Asset: a, Result: result})
}

// ActiveDownloads обрабатывает GET /api/v1/downloads/active.
func (h *AssetsHandler) ActiveDownloads(w http.ResponseWriter, r *http.Request) {
	items, err := h.catalog.ActiveDownloads(r.Context())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// Stats обрабатывает GET /api/v1/stats.
func (h *AssetsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.catalog.Stats(r.Context())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Browse обрабатывает GET /api/v1/browse.
func (h *AssetsHandler) Browse(w http.ResponseWriter, r *http.Request) {
	res, err := h.catalog.Browse(r.Context())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// optional — nil для пустой строки после обрезки пробелов.
func optional(s string) *string {
	return model.StringPtr(strings.TrimSpace(s))
}

// cleanTags обрезает пробелы и отбрасывает пустые теги.
func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// queryInt разбирает целочисленный query-параметр. Пустое значение — 0.
func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		errors.ValidationError(w, fmt.Sprintf("Параметр %s: ожидается целое число, получено %q", name, raw))
		return 0, false
	}
	return v, true
}
