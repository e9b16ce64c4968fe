// files.go — отдача файлов образов по http_url (GET /files/{filename}).
package handlers

import (
	stderrors "errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/isostore/internal/api/errors"
	"github.com/bigkaa/isostore/internal/storage/filestore"
)

// FilesHandler — отдача файлов из каталога хранения.
type FilesHandler struct {
	store  *filestore.FileStore
	logger *slog.Logger
}

// NewFilesHandler создаёт обработчик отдачи файлов.
func NewFilesHandler(store *filestore.FileStore, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		store:  store,
		logger: logger.With(slog.String("component", "files_handler")),
	}
}

// ServeFile обрабатывает GET и HEAD /files/{filename}.
// Range, If-Modified-Since и HEAD обслуживает http.ServeContent.
// Незавершённые .part файлы не отдаются.
func (h *FilesHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "filename")
	if r.URL.RawPath != "" {
		// chi маршрутизирует по RawPath, параметр остаётся в %-кодировке
		unescaped, err := url.PathUnescape(raw)
		if err != nil {
			errors.NotFound(w, "Файл не найден")
			return
		}
		raw = unescaped
	}
	name, err := filestore.SanitizeFilename(raw)
	if err != nil || name != raw {
		errors.NotFound(w, "Файл не найден")
		return
	}

	f, err := h.store.Open(name)
	if err != nil {
		if stderrors.Is(err, filestore.ErrNotFound) {
			errors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка открытия файла",
			slog.String("filename", name),
			slog.String("error", err.Error()),
		)
		errors.InternalError(w, "Ошибка чтения файла")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		errors.NotFound(w, "Файл не найден")
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if w.Header().Get("Content-Type") == "" && mime.TypeByExtension(path.Ext(name)) == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}
