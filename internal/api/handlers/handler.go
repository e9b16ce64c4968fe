// handler.go — APIHandler собирает доменные handlers и монтирует
// их маршруты в роутер chi.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/isostore/internal/api/errors"
	"github.com/bigkaa/isostore/internal/api/openapi"
)

// maxJSONBody — предел тела JSON-запроса.
const maxJSONBody = 1 << 20

// APIHandler — все доменные handlers в одном объекте.
type APIHandler struct {
	assets      *AssetsHandler
	files       *FilesHandler
	system      *SystemHandler
	maintenance *MaintenanceHandler
	health      *HealthHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	assets *AssetsHandler,
	files *FilesHandler,
	system *SystemHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
) *APIHandler {
	return &APIHandler{
		assets:      assets,
		files:       files,
		system:      system,
		maintenance: maintenance,
		health:      health,
	}
}

// Register монтирует маршруты в роутер.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)

	r.Get("/files/{filename}", h.files.ServeFile)
	r.Head("/files/{filename}", h.files.ServeFile)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/openapi.json", openapi.Handler)

		r.Route("/isos", func(r chi.Router) {
			r.Get("/", h.assets.List)
			r.Post("/from-url", h.assets.CreateFromURL)
			r.Post("/upload", h.assets.Upload)
			r.Post("/import", h.assets.Import)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.assets.Get)
				r.Put("/", h.assets.Update)
				r.Delete("/", h.assets.Delete)
				r.Post("/favorite", h.assets.ToggleFavorite)
				r.Get("/progress", h.assets.Progress)
				r.Post("/verify", h.assets.Verify)
				r.Post("/check-update", h.assets.CheckUpdate)
			})
		})

		r.Get("/downloads/active", h.assets.ActiveDownloads)
		r.Get("/stats", h.assets.Stats)
		r.Get("/browse", h.assets.Browse)

		r.Get("/system-info", h.system.SystemInfo)
		r.Post("/maintenance/cleanup-orphans", h.maintenance.CleanupOrphans)
		r.Post("/maintenance/reconcile", h.maintenance.Reconcile)
		r.Post("/maintenance/vacuum", h.maintenance.Vacuum)
		r.Post("/maintenance/reindex", h.maintenance.Reindex)
		r.Get("/maintenance/integrity", h.maintenance.Integrity)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статус-кодом.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса. При ошибке ответ уже записан.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		errors.ValidationError(w, fmt.Sprintf("Некорректное тело запроса: %s", err.Error()))
		return false
	}
	return true
}

// assetID извлекает {id} из пути. При ошибке ответ уже записан.
func assetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		errors.ValidationError(w, fmt.Sprintf("Некорректный идентификатор образа: %q", raw))
		return 0, false
	}
	return id, true
}
