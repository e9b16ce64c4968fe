// health.go — обработчики liveness/readiness для Kubernetes.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/bigkaa/isostore/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// readyCheckTimeout — бюджет на проверку репозитория.
const readyCheckTimeout = 2 * time.Second

// Pinger — проверка доступности репозитория.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WritableChecker — проверка каталога хранения на запись.
type WritableChecker interface {
	CheckWritable() error
}

// DependencyHealth — состояние внешних зависимостей (topologymetrics).
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	repo    Pinger
	storage WritableChecker
	// deps — nil, если мониторинг зависимостей выключен
	deps DependencyHealth
}

// NewHealthHandler создаёт обработчик health endpoints.
// deps может быть nil.
func NewHealthHandler(repo Pinger, storage WritableChecker, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		repo:    repo,
		storage: storage,
		deps:    deps,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "isostore",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Репозиторий и каталог хранения обязательны (fail → 503),
// внешние зависимости влияют только на статус degraded.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	dbCheck := h.checkRepository(r.Context())
	if dbCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	storageCheck := h.checkStorage()
	if storageCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	checks := map[string]any{
		"repository": dbCheck,
		"storage":    storageCheck,
	}

	if h.deps != nil {
		depsCheck := h.checkDependencies()
		checks["dependencies"] = depsCheck
		if depsCheck["status"] != "ok" && overallStatus != statusFail {
			overallStatus = "degraded"
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "isostore",
		"checks":    checks,
	})
}

func (h *HealthHandler) checkRepository(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
	defer cancel()
	if err := h.repo.Ping(ctx); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Репозиторий недоступен: " + err.Error(),
		}
	}
	return map[string]any{"status": "ok"}
}

func (h *HealthHandler) checkStorage() map[string]any {
	if err := h.storage.CheckWritable(); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": err.Error(),
		}
	}
	return map[string]any{"status": "ok"}
}

// checkDependencies сводит состояние зависимостей topologymetrics.
// Пока первая проверка не прошла, карта пуста и статус ok.
func (h *HealthHandler) checkDependencies() map[string]any {
	health := h.deps.Health()
	status := "ok"
	for _, healthy := range health {
		if !healthy {
			status = statusFail
			break
		}
	}
	return map[string]any{
		"status":  status,
		"details": health,
	}
}
