// system.go — обработчик GET /api/v1/system-info.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bigkaa/isostore/internal/api/errors"
	"github.com/bigkaa/isostore/internal/service"
)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	maintenance *service.MaintenanceService
	logger      *slog.Logger
}

// NewSystemHandler создаёт обработчик системных endpoints.
func NewSystemHandler(maintenance *service.MaintenanceService, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		maintenance: maintenance,
		logger:      logger.With(slog.String("component", "system_handler")),
	}
}

// SystemInfo обрабатывает GET /api/v1/system-info: версия, каталог,
// заполнение диска и квота, сводка каталога, состояние сверки.
func (h *SystemHandler) SystemInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.maintenance.SystemInfo(r.Context())
	if err != nil {
		errors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
