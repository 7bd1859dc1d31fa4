package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/practicestore/internal/domain/model"
	"github.com/bigkaa/practicestore/internal/repository"
)

// QuotaService — обслуживание ledger квот.
type QuotaService struct {
	repos  repository.Repos
	tx     repository.Transactor
	logger *slog.Logger
}

// NewQuotaService создаёт сервис обслуживания квот.
func NewQuotaService(repos repository.Repos, tx repository.Transactor, logger *slog.Logger) *QuotaService {
	return &QuotaService{
		repos:  repos,
		tx:     tx,
		logger: logger.With(slog.String("component", "quota")),
	}
}

// Reconcile выравнивает ledger по сумме размеров активных файлов
// для тенантов с расхождением. Возвращает найденные расхождения.
func (s *QuotaService) Reconcile(ctx context.Context) ([]model.QuotaDrift, error) {
	drifts, err := s.repos.Quota.ListDrift(ctx)
	if err != nil {
		return nil, fmt.Errorf("поиск расхождений ledger: %w", err)
	}

	for i, d := range drifts {
		var actual int64
		// Пересчёт под блокировкой строки: параллельные загрузки ждут
		err := s.tx.InTx(ctx, pgx.ReadCommitted, func(r repository.Repos) error {
			if _, err := r.Quota.LockUsed(ctx, d.TenantID); err != nil {
				return err
			}
			v, err := r.Quota.Recalculate(ctx, d.TenantID)
			actual = v
			return err
		})
		if err != nil {
			return drifts[:i], fmt.Errorf("пересчёт ledger %s: %w", d.TenantID, err)
		}
		drifts[i].ActualBytes = actual

		s.logger.Warn("Ledger квоты исправлен",
			slog.String("tenant_id", d.TenantID),
			slog.Int64("ledger_bytes", d.LedgerBytes),
			slog.Int64("actual_bytes", actual),
		)
	}
	return drifts, nil
}
