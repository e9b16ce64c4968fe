package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// backgroundTasks — число выполняющихся фоновых задач по типу.
var backgroundTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "isostore_background_tasks",
	Help: "Количество выполняющихся фоновых задач",
}, []string{"kind"})

// TaskFunc — тело фоновой задачи. ctx отменяется при остановке сервиса.
type TaskFunc func(ctx context.Context, logger *slog.Logger)

// TaskRunner запускает фоновые задачи (скачивание, импорт, хэширование),
// не привязанные к HTTP-запросу. Все задачи разделяют один корневой
// контекст: Shutdown отменяет его и ждёт завершения.
type TaskRunner struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewTaskRunner создаёт пул фоновых задач.
func NewTaskRunner(logger *slog.Logger) *TaskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRunner{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "tasks")),
	}
}

// Go запускает задачу и возвращает её идентификатор.
// После Shutdown возвращает ErrShuttingDown.
func (r *TaskRunner) Go(kind string, assetID int64, fn TaskFunc) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()

	taskID := uuid.NewString()
	logger := r.logger.With(
		slog.String("task_id", taskID),
		slog.String("kind", kind),
		slog.Int64("asset_id", assetID),
	)
	gauge := backgroundTasks.WithLabelValues(kind)
	gauge.Inc()

	go func() {
		defer r.wg.Done()
		defer gauge.Dec()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Паника в фоновой задаче", slog.String("panic", fmt.Sprint(rec)))
			}
		}()

		logger.Debug("Фоновая задача запущена")
		fn(r.ctx, logger)
		logger.Debug("Фоновая задача завершена")
	}()

	return taskID, nil
}

// Wait ждёт завершения всех запущенных задач.
func (r *TaskRunner) Wait() {
	r.wg.Wait()
}

// Shutdown отменяет задачи и ждёт их завершения не дольше ctx.
func (r *TaskRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Фоновые задачи завершены")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("фоновые задачи не завершились: %w", ctx.Err())
	}
}
