package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/practicestore/internal/domain/model"
)

// QuotaLedgerRepository — учёт занятого тенантом места (tenant_storage_usage).
// Вызывается только внутри транзакции, которая также работает с каталогом.
type QuotaLedgerRepository interface {
	// EnsureRow создаёт нулевую строку тенанта, если её нет.
	EnsureRow(ctx context.Context, tenantID string) error
	// LockUsed создаёт строку при отсутствии, блокирует её и возвращает used_bytes.
	LockUsed(ctx context.Context, tenantID string) (int64, error)
	// GetUsed читает used_bytes под разделяемой блокировкой. Нет строки — 0.
	GetUsed(ctx context.Context, tenantID string) (int64, error)
	Increment(ctx context.Context, tenantID string, delta int64) error
	// Decrement уменьшает used_bytes, не опуская ниже нуля.
	Decrement(ctx context.Context, tenantID string, delta int64) error
	// Recalculate пересчитывает used_bytes по каталогу и возвращает новое значение.
	Recalculate(ctx context.Context, tenantID string) (int64, error)
	// ListDrift возвращает тенантов, у которых ledger расходится с каталогом.
	ListDrift(ctx context.Context) ([]model.QuotaDrift, error)
}

type quotaLedgerRepo struct {
	db DBTX
}

// NewQuotaLedgerRepository создаёт репозиторий ledger квот.
func NewQuotaLedgerRepository(db DBTX) QuotaLedgerRepository {
	return &quotaLedgerRepo{db: db}
}

func (r *quotaLedgerRepo) EnsureRow(ctx context.Context, tenantID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenant_storage_usage (tenant_id, used_bytes, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("ошибка создания строки ledger: %w", err)
	}
	return nil
}

// LockUsed — upsert с DO UPDATE берёт эксклюзивную блокировку строки
// и в том же запросе создаёт её при отсутствии.
func (r *quotaLedgerRepo) LockUsed(ctx context.Context, tenantID string) (int64, error) {
	var used int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO tenant_storage_usage (tenant_id, used_bytes, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (tenant_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
		RETURNING used_bytes`,
		tenantID,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("ошибка блокировки ledger: %w", err)
	}
	return used, nil
}

func (r *quotaLedgerRepo) GetUsed(ctx context.Context, tenantID string) (int64, error) {
	var used int64
	err := r.db.QueryRow(ctx,
		`SELECT used_bytes FROM tenant_storage_usage WHERE tenant_id = $1 FOR SHARE`,
		tenantID,
	).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка чтения ledger: %w", err)
	}
	return used, nil
}

func (r *quotaLedgerRepo) Increment(ctx context.Context, tenantID string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("отрицательное приращение ledger: %d", delta)
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenant_storage_usage (tenant_id, used_bytes, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE
		SET used_bytes = tenant_storage_usage.used_bytes + EXCLUDED.used_bytes,
			updated_at = now()`,
		tenantID, delta,
	)
	if err != nil {
		return fmt.Errorf("ошибка увеличения ledger: %w", err)
	}
	return nil
}

func (r *quotaLedgerRepo) Decrement(ctx context.Context, tenantID string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("отрицательное уменьшение ledger: %d", delta)
	}
	_, err := r.db.Exec(ctx, `
		UPDATE tenant_storage_usage
		SET used_bytes = GREATEST(used_bytes - $2, 0), updated_at = now()
		WHERE tenant_id = $1`,
		tenantID, delta,
	)
	if err != nil {
		return fmt.Errorf("ошибка уменьшения ledger: %w", err)
	}
	return nil
}

func (r *quotaLedgerRepo) Recalculate(ctx context.Context, tenantID string) (int64, error) {
	var used int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO tenant_storage_usage (tenant_id, used_bytes, updated_at)
		SELECT $1::text, COALESCE(SUM(size_bytes), 0), now()
		FROM patient_files
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ON CONFLICT (tenant_id) DO UPDATE
		SET used_bytes = EXCLUDED.used_bytes, updated_at = now()
		RETURNING used_bytes`,
		tenantID,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("ошибка пересчёта ledger: %w", err)
	}
	return used, nil
}

func (r *quotaLedgerRepo) ListDrift(ctx context.Context) ([]model.QuotaDrift, error) {
	rows, err := r.db.Query(ctx, `
		WITH actual AS (
			SELECT tenant_id, SUM(size_bytes) AS bytes
			FROM patient_files
			WHERE deleted_at IS NULL
			GROUP BY tenant_id
		)
		SELECT COALESCE(u.tenant_id, a.tenant_id),
			COALESCE(u.used_bytes, 0),
			COALESCE(a.bytes, 0)::BIGINT
		FROM tenant_storage_usage u
		FULL OUTER JOIN actual a ON a.tenant_id = u.tenant_id
		WHERE COALESCE(u.used_bytes, 0) <> COALESCE(a.bytes, 0)
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска расхождений ledger: %w", err)
	}
	defer rows.Close()

	var result []model.QuotaDrift
	for rows.Next() {
		var d model.QuotaDrift
		if err := rows.Scan(&d.TenantID, &d.LedgerBytes, &d.ActualBytes); err != nil {
			return nil, fmt.Errorf("ошибка сканирования расхождения: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
