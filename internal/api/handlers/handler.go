// handler.go — общие части HTTP handlers: интерфейсы сервисов,
// JSON-ответы и отображение ошибок сервисного слоя в коды API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/practicestore/internal/api/errors"
	"github.com/bigkaa/practicestore/internal/domain/model"
	"github.com/bigkaa/practicestore/internal/service"
)

// Ingester — приём файлов (service.IngestService).
type Ingester interface {
	Save(ctx context.Context, req service.SaveRequest) (*service.SaveResult, error)
}

// FileCatalog — чтение, листинг и удаление файлов (service.FileService).
type FileCatalog interface {
	OpenRead(ctx context.Context, fileID string, scope service.Scope) (*model.FileRecord, io.ReadCloser, error)
	List(ctx context.Context, tenantID, patientID string, privileged bool) ([]model.FileSummary, error)
	SoftDelete(ctx context.Context, fileID, tenantID string, deletedBy *string) (bool, error)
	QuotaUsage(ctx context.Context, tenantID string) (*model.QuotaUsage, error)
}

// ArchiveRunner — ручной запуск архивирования и журнал прогонов
// (service.ArchivalService).
type ArchiveRunner interface {
	RunOnce(ctx context.Context) (ok, fail int, err error)
	ListRuns(ctx context.Context, limit int) ([]*model.ArchiveRun, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError отображает ошибку сервиса в ответ API.
// Неизвестные ошибки логируются и отдаются как 500 без подробностей.
func writeServiceError(w http.ResponseWriter, err error, logger *slog.Logger) {
	msg := err.Error()
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, msg)
	case errors.Is(err, service.ErrUnsupportedType):
		apierrors.UnsupportedType(w, msg)
	case errors.Is(err, service.ErrTooLarge):
		apierrors.FileTooLarge(w, msg)
	case errors.Is(err, service.ErrNoEntitlement):
		apierrors.NoEntitlement(w, msg)
	case errors.Is(err, service.ErrQuotaExceeded):
		apierrors.QuotaExceeded(w, msg)
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, msg)
	case errors.Is(err, service.ErrArchivalInProgress):
		apierrors.ArchivalInProgress(w, msg)
	default:
		logger.Error("Внутренняя ошибка обработки запроса", slog.String("error", msg))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
