// Пакет server — HTTP-сервер isostore с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/isostore/internal/api/middleware"
	"github.com/bigkaa/isostore/internal/config"
)

// Routes — регистрация маршрутов API. Реализуется handlers.APIHandler.
type Routes interface {
	Register(r chi.Router)
}

// Server — HTTP-сервер isostore.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// WriteTimeout не задаётся: отдача образов длится дольше любого разумного предела.
func New(cfg *config.Config, logger *slog.Logger, routes Routes) *Server {
	logger = logger.With(slog.String("component", "http_server"))

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.RequestLogger(logger))
	router.Use(chimw.Recoverer)
	router.Use(middleware.MetricsMiddleware())

	router.Handle("/metrics", promhttp.Handler())
	routes.Register(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Handler возвращает корневой обработчик (для тестов).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve принимает соединения на ln до вызова Shutdown.
// http.ErrServerClosed ошибкой не считается.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP-сервер запущен",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", s.cfg.TLSCert != ""),
	)

	var err error
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		err = s.httpServer.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ошибка HTTP-сервера: %w", err)
	}
	return nil
}

// ListenAndServe открывает порт из конфигурации и вызывает Serve.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("не удалось открыть порт %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Shutdown останавливает приём соединений и ждёт завершения
// активных запросов в пределах ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Выполняется graceful shutdown HTTP-сервера...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}
	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
