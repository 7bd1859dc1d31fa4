// entitlements.go — лимиты хранилища тенантов.
// Чтение через LRU-кэш с TTL (hashicorp/golang-lru/v2/expirable),
// загрузка из YAML для начального заполнения.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"

	"github.com/bigkaa/practicestore/internal/domain/model"
	"github.com/bigkaa/practicestore/internal/repository"
)

var (
	entitlementCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ps_entitlement_cache_hits_total",
		Help: "Попадания в кэш entitlements.",
	})
	entitlementCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ps_entitlement_cache_misses_total",
		Help: "Промахи кэша entitlements.",
	})
)

// QuotaLimiter возвращает лимит хранилища тенанта.
// ok=false — лимит не выдан, загрузка должна быть отклонена.
type QuotaLimiter interface {
	QuotaLimit(ctx context.Context, tenantID string) (limit int64, ok bool, err error)
}

// EntitlementService — доступ к entitlements с кэшированием.
// Отсутствующие entitlements не кэшируются: выданный лимит
// начинает действовать без ожидания TTL.
type EntitlementService struct {
	repo   repository.EntitlementRepository
	cache  *expirable.LRU[string, *model.Entitlement]
	logger *slog.Logger
}

// NewEntitlementService создаёт сервис entitlements.
func NewEntitlementService(repo repository.EntitlementRepository, cacheSize int, ttl time.Duration, logger *slog.Logger) *EntitlementService {
	return &EntitlementService{
		repo:   repo,
		cache:  expirable.NewLRU[string, *model.Entitlement](cacheSize, nil, ttl),
		logger: logger.With(slog.String("component", "entitlements")),
	}
}

// Get возвращает entitlement тенанта. Отсутствие — ErrNoEntitlement.
// Строка без лимита не кэшируется: выданный позже лимит виден сразу.
func (s *EntitlementService) Get(ctx context.Context, tenantID string) (*model.Entitlement, error) {
	if e, ok := s.cache.Get(tenantID); ok {
		entitlementCacheHits.Inc()
		return e, nil
	}
	entitlementCacheMisses.Inc()

	e, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoEntitlement
		}
		return nil, fmt.Errorf("получение entitlement: %w", err)
	}
	if e.StorageQuotaBytes != nil {
		s.cache.Add(tenantID, e)
	}
	return e, nil
}

// QuotaLimit реализует QuotaLimiter.
func (s *EntitlementService) QuotaLimit(ctx context.Context, tenantID string) (int64, bool, error) {
	e, err := s.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNoEntitlement) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if e.StorageQuotaBytes == nil {
		return 0, false, nil
	}
	return *e.StorageQuotaBytes, true, nil
}

// Upsert сохраняет лимит тенанта и сбрасывает кэш.
func (s *EntitlementService) Upsert(ctx context.Context, tenantID string, quotaBytes *int64) error {
	if tenantID == "" {
		return fmt.Errorf("%w: пустой tenant_id", ErrValidation)
	}
	if quotaBytes != nil && *quotaBytes < 0 {
		return fmt.Errorf("%w: отрицательная квота для %s", ErrValidation, tenantID)
	}

	e := &model.Entitlement{TenantID: tenantID, StorageQuotaBytes: quotaBytes}
	if err := s.repo.Upsert(ctx, e); err != nil {
		return fmt.Errorf("сохранение entitlement: %w", err)
	}
	s.cache.Remove(tenantID)

	s.logger.Info("Entitlement обновлён",
		slog.String("tenant_id", tenantID),
		slog.Any("storage_quota_bytes", quotaBytes),
	)
	return nil
}

// entitlementsFile — формат YAML-файла начального заполнения:
//
//	tenants:
//	  - tenant_id: clinic-1
//	    storage_quota_bytes: 10737418240
type entitlementsFile struct {
	Tenants []model.Entitlement `yaml:"tenants"`
}

// LoadYAML читает entitlements из YAML и сохраняет их.
// Возвращает число сохранённых записей.
func (s *EntitlementService) LoadYAML(ctx context.Context, r io.Reader) (int, error) {
	var doc entitlementsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return 0, fmt.Errorf("%w: разбор YAML: %v", ErrValidation, err)
	}

	for i, e := range doc.Tenants {
		if err := s.Upsert(ctx, e.TenantID, e.StorageQuotaBytes); err != nil {
			return i, err
		}
	}
	return len(doc.Tenants), nil
}
