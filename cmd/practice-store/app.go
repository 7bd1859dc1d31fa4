package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/practicestore/internal/database"
	"github.com/bigkaa/practicestore/internal/repository"
	"github.com/bigkaa/practicestore/internal/service"
	"github.com/bigkaa/practicestore/internal/storage/bytestore"
)

// app — собранные компоненты, общие для serve и операторских команд.
type app struct {
	pool         *pgxpool.Pool
	entitlements *service.EntitlementService
	ingest       *service.IngestService
	files        *service.FileService
	archival     *service.ArchivalService
	quota        *service.QuotaService
}

// newApp подключается к PostgreSQL, открывает хранилища и создаёт сервисы.
// Вызывающий обязан закрыть app.
func newApp(ctx context.Context) (*app, error) {
	// 1. PostgreSQL
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// 2. Хранилища blob-ов
	active, err := bytestore.NewOSStore(cfg.StorageRoot)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("активное хранилище: %w", err)
	}
	archive, err := bytestore.NewOSStore(cfg.ArchiveRoot)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("архивное хранилище: %w", err)
	}
	logger.Info("Хранилища открыты",
		slog.String("storage_root", cfg.StorageRoot),
		slog.String("archive_root", cfg.ArchiveRoot),
	)

	// 3. Репозитории и транзакции
	repos := repository.NewRepos(pool)
	tx := repository.NewTxRunner(pool)
	clk := clock.New()

	// 4. Сервисы
	entitlements := service.NewEntitlementService(repos.Entitlements, cfg.EntitlementCacheSize, cfg.EntitlementCacheTTL, logger)

	return &app{
		pool:         pool,
		entitlements: entitlements,
		ingest: service.NewIngestService(tx, active, entitlements, service.IngestConfig{
			MaxUploadSize:       cfg.MaxUploadSize,
			AllowedContentTypes: cfg.AllowedContentTypes,
		}, clk, logger),
		files: service.NewFileService(repos, tx, active, entitlements, clk, logger),
		archival: service.NewArchivalService(repos, tx, active, archive, service.ArchivalConfig{
			RetentionDays: cfg.ArchiveRetentionDays,
			BatchSize:     cfg.ArchiveBatchSize,
			TmpMaxAge:     cfg.TmpMaxAge,
			OrphanMaxAge:  cfg.OrphanMaxAge,
		}, clk, logger),
		quota: service.NewQuotaService(repos, tx, logger),
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
}
