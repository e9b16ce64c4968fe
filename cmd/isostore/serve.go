package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/isostore/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP API, сверку каталога и фоновые задачи",
		Long: `Запускает HTTP API каталога образов. Конфигурация задаётся
переменными окружения с префиксом ISO_ (обязательна ISO_STORAGE_DIR).

По SIGINT/SIGTERM сервер перестаёт принимать запросы, фоновые скачивания
отменяются (запись переходит в error), незавершённые файлы удаляются.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe работает до отмены ctx (сигнал завершения) или ошибки сервера.
func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		return err
	}
	defer a.close()
	logger.Info("isostore запускается", a.describe()...)

	// Фоновые процессы живут до явной остановки, а не до отмены ctx:
	// при shutdown они останавливаются после HTTP-сервера.
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	// Периодическую сверку выполняет только держатель аренды каталога
	if err := a.lease.Run(func() { a.reconcile.Start(bgCtx) }); err != nil {
		return err
	}
	if a.dephealth != nil {
		if err := a.dephealth.Start(bgCtx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
			a.dephealth = nil
		}
	}

	srv := server.New(cfg, logger, a.handler())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("Получен сигнал завершения")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	return shutdown(a, srv, logger)
}

// shutdown останавливает HTTP-сервер и фоновые задачи параллельно
// в пределах ISO_SHUTDOWN_TIMEOUT.
func shutdown(a *app, srv *server.Server, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		return srv.Shutdown(ctx)
	})
	g.Go(func() error {
		a.lease.Release()
		a.reconcile.Stop()
		return a.tasks.Shutdown(ctx)
	})
	err := g.Wait()

	if a.dephealth != nil {
		a.dephealth.Stop()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Ошибка при остановке", slog.String("error", err.Error()))
		return err
	}
	logger.Info("isostore остановлен")
	return nil
}
