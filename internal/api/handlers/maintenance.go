// maintenance.go — обработчики endpoints обслуживания:
// POST /api/v1/maintenance/reconcile, /cleanup-orphans, /vacuum, /reindex
// и GET /api/v1/maintenance/integrity.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bigkaa/isostore/internal/api/errors"
	"github.com/bigkaa/isostore/internal/service"
)

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	maintenance *service.MaintenanceService
	logger      *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(maintenance *service.MaintenanceService, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		maintenance: maintenance,
		logger:      logger.With(slog.String("component", "maintenance_handler")),
	}
}

// Reconcile обрабатывает POST /api/v1/maintenance/reconcile.
// Запускает синхронный цикл сверки и возвращает результат.
// Если сверка уже выполняется — 409 RECONCILE_IN_PROGRESS.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.maintenance.ReconcileNow(r.Context())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CleanupOrphans обрабатывает POST /api/v1/maintenance/cleanup-orphans.
// Удаляет записи available/missing, у которых нет файла на диске.
func (h *MaintenanceHandler) CleanupOrphans(w http.ResponseWriter, r *http.Request) {
	result, err := h.maintenance.CleanupOrphans(r.Context())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Vacuum обрабатывает POST /api/v1/maintenance/vacuum.
func (h *MaintenanceHandler) Vacuum(w http.ResponseWriter, r *http.Request) {
	result, err := h.maintenance.Vacuum(r.Context())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Reindex обрабатывает POST /api/v1/maintenance/reindex.
func (h *MaintenanceHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	result, err := h.maintenance.Reindex(r.Context())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Integrity обрабатывает GET /api/v1/maintenance/integrity.
// Расхождения не считаются ошибкой запроса: ответ всегда 200, см. поле ok.
func (h *MaintenanceHandler) Integrity(w http.ResponseWriter, r *http.Request) {
	result, err := h.maintenance.CheckIntegrity(r.Context())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
