package main

import (
	"context"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bigkaa/practicestore/internal/api/handlers"
	"github.com/bigkaa/practicestore/internal/api/middleware"
	"github.com/bigkaa/practicestore/internal/config"
	"github.com/bigkaa/practicestore/internal/database"
	"github.com/bigkaa/practicestore/internal/server"
	"github.com/bigkaa/practicestore/internal/service"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP API и планировщик архивирования",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	logger.Info("practice-store запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("archive_run_at", cfg.ArchiveRunAt.String()),
		slog.String("archive_timezone", cfg.ArchiveLocation.String()),
	)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// 1. Миграции
	if err := database.Migrate(cfg, logger); err != nil {
		return err
	}

	// 2. PostgreSQL, хранилища, сервисы
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// 3. Планировщик архивирования
	if cfg.ArchiveEnabled {
		scheduler := service.NewArchivalScheduler(a.archival,
			cfg.ArchiveRunAt.Hour, cfg.ArchiveRunAt.Minute, cfg.ArchiveLocation,
			clock.New(), logger)
		scheduler.Start(ctx)
		defer scheduler.Stop()
	} else {
		logger.Info("Планировщик архивирования отключён (PS_ARCHIVE_ENABLED=false)")
	}

	// 4. topologymetrics: *sql.DB поверх существующего пула
	pgDB := stdlib.OpenDBFromPool(a.pool)
	defer pgDB.Close()

	dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "practice-store",
		Group:         cfg.DephealthGroup,
		PgConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWKSURL,
		CheckInterval: cfg.DephealthCheckInterval,
		IsEntry:       cfg.DephealthIsEntry,
		TLSSkipVerify: cfg.TLSSkipVerify,
	}, pgDB, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
	} else {
		defer dephealthSvc.Stop()
	}

	// 5. JWT
	auth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:         cfg.JWKSURL,
		CACertPath:      cfg.CACertPath,
		TLSSkipVerify:   cfg.TLSSkipVerify,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		JWTLeeway:       cfg.JWTLeeway,
	}, logger)
	if err != nil {
		return err
	}

	// 6. HTTP-сервер
	srv := server.New(cfg, logger, server.Handlers{
		Files:   handlers.NewFilesHandler(a.ingest, a.files, cfg.MaxUploadSize, logger),
		Archive: handlers.NewArchiveHandler(a.archival, logger),
		Health:  handlers.NewHealthHandler(database.NewReadinessChecker(a.pool)),
	}, auth)

	if err := srv.Run(ctx); err != nil {
		return err
	}

	logger.Info("practice-store остановлен")
	return nil
}
