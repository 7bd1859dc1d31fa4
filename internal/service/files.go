// files.go — чтение, листинг и soft delete файлов пациентов.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/practicestore/internal/domain/model"
	"github.com/bigkaa/practicestore/internal/repository"
	"github.com/bigkaa/practicestore/internal/storage/bytestore"
)

var softDeleteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ps_soft_delete_total",
	Help: "Soft delete файлов по результату.",
}, []string{"result"})

// Scope — область видимости вызывающего.
type Scope struct {
	TenantID string
	// Privileged — роль owner, обход фильтра по тенанту
	Privileged bool
}

// allows проверяет, виден ли файл тенанта в данной области.
func (s Scope) allows(tenantID string) bool {
	return s.Privileged || s.TenantID == tenantID
}

// FileService — операции над активным каталогом.
type FileService struct {
	repos  repository.Repos
	tx     repository.Transactor
	store  bytestore.Store
	limits QuotaLimiter
	clock  clock.Clock
	logger *slog.Logger
}

// NewFileService создаёт сервис файлов. repos используются для чтения
// вне транзакций.
func NewFileService(
	repos repository.Repos,
	tx repository.Transactor,
	store bytestore.Store,
	limits QuotaLimiter,
	clk clock.Clock,
	logger *slog.Logger,
) *FileService {
	return &FileService{
		repos:  repos,
		tx:     tx,
		store:  store,
		limits: limits,
		clock:  clk,
		logger: logger.With(slog.String("component", "files")),
	}
}

// OpenRead возвращает метаданные и поток содержимого активного файла.
// Отсутствующий, удалённый или чужой файл — ErrNotFound.
// Вызывающий обязан закрыть поток.
func (s *FileService) OpenRead(ctx context.Context, fileID string, scope Scope) (*model.FileRecord, io.ReadCloser, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, nil, ErrNotFound
	}

	rec, err := s.repos.Files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("получение файла: %w", err)
	}
	if rec.IsDeleted() || !scope.allows(rec.TenantID) {
		return nil, nil, ErrNotFound
	}

	rc, err := s.store.Open(rec.StoragePath)
	if err != nil {
		// Активная строка без blob-а — нарушение согласованности, не 404
		s.logger.Error("Blob активного файла недоступен",
			slog.String("file_id", rec.ID),
			slog.String("path", rec.StoragePath),
			slog.String("error", err.Error()),
		)
		return nil, nil, fmt.Errorf("открытие blob-а %s: %w", rec.ID, err)
	}
	return rec, rc, nil
}

// List возвращает файлы тенанта (и пациента, если задан), новые первыми.
// Удалённые файлы включаются с отметкой deleted_at.
func (s *FileService) List(ctx context.Context, tenantID, patientID string, privileged bool) ([]model.FileSummary, error) {
	var filter repository.FileListFilter
	if !privileged {
		if tenantID == "" {
			return nil, fmt.Errorf("%w: не указан тенант", ErrValidation)
		}
		filter.TenantID = &tenantID
	}
	if patientID != "" {
		filter.PatientID = &patientID
	}

	recs, err := s.repos.Files.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("получение списка файлов: %w", err)
	}

	items := make([]model.FileSummary, 0, len(recs))
	for _, rec := range recs {
		items = append(items, rec.Summary())
	}
	return items, nil
}

// SoftDelete помечает файл удалённым и освобождает квоту.
// false — файла нет или он принадлежит другому тенанту.
// Повторное удаление — true без изменений. Blob остаётся на месте
// до архивирования.
func (s *FileService) SoftDelete(ctx context.Context, fileID, tenantID string, deletedBy *string) (deleted bool, err error) {
	defer func() {
		result := "deleted"
		switch {
		case err != nil:
			result = "error"
		case !deleted:
			result = "not_found"
		}
		softDeleteTotal.WithLabelValues(result).Inc()
	}()

	if _, err := uuid.Parse(fileID); err != nil {
		return false, nil
	}

	now := s.clock.Now().UTC()
	var size int64
	alreadyDeleted := false

	err = s.tx.InTx(ctx, pgx.ReadCommitted, func(r repository.Repos) error {
		rec, err := r.Files.GetForUpdate(ctx, fileID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return err
		}
		if rec.TenantID != tenantID {
			return nil
		}
		deleted = true
		if rec.IsDeleted() {
			alreadyDeleted = true
			return nil
		}

		if err := r.Files.MarkDeleted(ctx, fileID, now, deletedBy); err != nil {
			return err
		}
		size = rec.SizeBytes
		return r.Quota.Decrement(ctx, rec.TenantID, rec.SizeBytes)
	})
	if err != nil {
		return false, fmt.Errorf("soft delete %s: %w", fileID, err)
	}

	if deleted && !alreadyDeleted {
		s.logger.Info("Файл помечен удалённым",
			slog.String("file_id", fileID),
			slog.String("tenant_id", tenantID),
			slog.Int64("released_bytes", size),
		)
	}
	return deleted, nil
}

// QuotaUsage возвращает занятый объём, число активных файлов и лимит тенанта.
func (s *FileService) QuotaUsage(ctx context.Context, tenantID string) (*model.QuotaUsage, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: не указан тенант", ErrValidation)
	}

	usage := &model.QuotaUsage{TenantID: tenantID}
	err := s.tx.InTx(ctx, pgx.ReadCommitted, func(r repository.Repos) error {
		used, err := r.Quota.GetUsed(ctx, tenantID)
		if err != nil {
			return err
		}
		count, err := r.Files.CountActive(ctx, tenantID)
		if err != nil {
			return err
		}
		usage.UsedBytes = used
		usage.ActiveFiles = count
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("получение использования квоты: %w", err)
	}

	limit, ok, err := s.limits.QuotaLimit(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("получение лимита тенанта: %w", err)
	}
	if ok {
		usage.LimitBytes = &limit
	}
	return usage, nil
}
