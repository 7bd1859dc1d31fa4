// dephealth.go — мониторинг зависимостей через topologymetrics SDK.
//
// practice-store мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - JWKS endpoint — HTTP checker (critical: без ключей API недоступен)
//
// Метрики доступны на /metrics:
//   - app_dependency_health
//   - app_dependency_latency_seconds
//   - app_dependency_status
//   - app_dependency_status_detail
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа (practice-store)
	ServiceID string
	// Group — имя группы в метриках (PS_DEPHEALTH_GROUP)
	Group string
	// PgConnURL — URL PostgreSQL без учётных данных, только для лейблов
	PgConnURL string
	// JWKSURL — адрес JWKS endpoint
	JWKSURL       string
	CheckInterval time.Duration
	// IsEntry — лейбл isentry=yes на всех зависимостях
	IsEntry bool
	// TLSSkipVerify — не проверять сертификат JWKS endpoint
	TLSSkipVerify bool
}

// DephealthService — мониторинг зависимостей.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга. Метрики регистрируются
// в глобальном Prometheus registry. db — *sql.DB из stdlib.OpenDBFromPool().
func NewDephealthService(cfg DephealthConfig, db *sql.DB, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, db, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	cfg DephealthConfig,
	db *sql.DB,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(cfg, db, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	cfg DephealthConfig,
	db *sql.DB,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	jwks, err := url.Parse(cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("некорректный JWKS URL: %w", err)
	}
	jwksPath := jwks.Path
	if jwksPath == "" {
		jwksPath = "/"
	}

	pgDepOpts := []dephealth.DependencyOption{
		dephealth.FromURL(cfg.PgConnURL),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(true),
	}
	jwksDepOpts := []dephealth.DependencyOption{
		dephealth.FromURL(cfg.JWKSURL),
		dephealth.WithHTTPHealthPath(jwksPath),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(true),
	}
	if jwks.Scheme == "https" {
		jwksDepOpts = append(jwksDepOpts, dephealth.WithHTTPTLSSkipVerify(cfg.TLSSkipVerify))
	}
	if cfg.IsEntry {
		pgDepOpts = append(pgDepOpts, dephealth.WithLabel("isentry", "yes"))
		jwksDepOpts = append(jwksDepOpts, dephealth.WithLabel("isentry", "yes"))
	}

	opts := make([]dephealth.Option, 0, 3+len(extraOpts))
	opts = append(opts,
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)), pgDepOpts...),
		dephealth.HTTP("jwks", jwksDepOpts...),
	)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + JWKS)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает состояние зависимостей: ключ — "имя:host:port".
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
