package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/practicestore/internal/domain/model"
)

// EntitlementRepository — настройки тенантов (tenant_entitlements).
type EntitlementRepository interface {
	Get(ctx context.Context, tenantID string) (*model.Entitlement, error)
	Upsert(ctx context.Context, e *model.Entitlement) error
}

type entitlementRepo struct {
	db DBTX
}

// NewEntitlementRepository создаёт репозиторий entitlements.
func NewEntitlementRepository(db DBTX) EntitlementRepository {
	return &entitlementRepo{db: db}
}

func (r *entitlementRepo) Get(ctx context.Context, tenantID string) (*model.Entitlement, error) {
	e := &model.Entitlement{}
	err := r.db.QueryRow(ctx, `
		SELECT tenant_id, storage_quota_bytes, updated_at
		FROM tenant_entitlements
		WHERE tenant_id = $1`,
		tenantID,
	).Scan(&e.TenantID, &e.StorageQuotaBytes, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения entitlement: %w", err)
	}
	return e, nil
}

func (r *entitlementRepo) Upsert(ctx context.Context, e *model.Entitlement) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO tenant_entitlements (tenant_id, storage_quota_bytes, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE
		SET storage_quota_bytes = EXCLUDED.storage_quota_bytes, updated_at = now()
		RETURNING updated_at`,
		e.TenantID, e.StorageQuotaBytes,
	).Scan(&e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения entitlement: %w", err)
	}
	return nil
}
