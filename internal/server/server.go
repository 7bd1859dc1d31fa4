// Пакет server — HTTP-сервер practice-store с graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/practicestore/internal/api/handlers"
	"github.com/bigkaa/practicestore/internal/api/middleware"
	"github.com/bigkaa/practicestore/internal/config"
)

// Handlers — набор обработчиков, монтируемых в роутер.
type Handlers struct {
	Files   *handlers.FilesHandler
	Archive *handlers.ArchiveHandler
	Health  *handlers.HealthHandler
}

// Server — HTTP-сервер practice-store.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers, auth *middleware.JWTAuth) *Server {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     NewRouter(logger, h, auth),
		ReadTimeout: 5 * time.Minute,
		// Загрузка и выдача больших файлов
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer:      srv,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.With(slog.String("component", "http_server")),
	}
}

// NewRouter собирает chi-роутер.
// Публичные: /health/live, /health/ready, /metrics.
// /api/v1 — только с JWT, каждая группа требует свой scope.
func NewRouter(logger *slog.Logger, h Handlers, auth *middleware.JWTAuth) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware())

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeFilesRead))
			r.Get("/patients/{patient_id}/files", h.Files.ListFiles)
			r.Get("/files/{file_id}/download", h.Files.DownloadFile)
			r.Get("/quota", h.Files.GetQuota)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeFilesWrite))
			r.Post("/patients/{patient_id}/files", h.Files.UploadFile)
			r.Delete("/files/{file_id}", h.Files.DeleteFile)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeArchiveAdmin))
			r.Post("/archive/runs", h.Archive.StartRun)
			r.Get("/archive/runs", h.Archive.ListRuns)
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняет graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...", slog.Duration("timeout", s.shutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
