// ingest.go — загрузка файлов с проверкой квоты тенанта.
//
// Транзакция PostgreSQL — источник истины: при любой ошибке до коммита
// (включая сам коммит) файловая система откатывается к её состоянию.
//
// Метрики:
//   - ps_ingest_total{result} — результаты загрузок
//   - ps_ingest_bytes_total — объём успешно загруженных данных
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"unicode"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/practicestore/internal/domain/model"
	"github.com/bigkaa/practicestore/internal/repository"
	"github.com/bigkaa/practicestore/internal/storage/bytestore"
)

var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ps_ingest_total",
		Help: "Загрузки файлов по результату.",
	}, []string{"result"})
	ingestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ps_ingest_bytes_total",
		Help: "Байты успешно загруженных файлов.",
	})
)

// maxOriginalNameLen — предел длины сохраняемого имени файла.
const maxOriginalNameLen = 255

// SaveRequest — параметры загрузки файла.
type SaveRequest struct {
	TenantID  string
	PatientID string
	// Body — поток данных файла
	Body io.Reader
	// ContentType — заявленный MIME-тип
	ContentType  string
	OriginalName string
	Comment      *string
	UploaderID   *string
	// DeclaredSize — заявленный размер; <= 0 — неизвестен
	DeclaredSize int64
}

// SaveResult — результат загрузки.
type SaveResult struct {
	FileID   string `json:"file_id"`
	Size     int64  `json:"size_bytes"`
	Checksum string `json:"checksum_sha256"`
}

// IngestConfig — ограничения загрузки.
type IngestConfig struct {
	MaxUploadSize int64
	// AllowedContentTypes — список MIME-типов, допускается маска type/*
	AllowedContentTypes []string
}

// IngestService — конвейер загрузки файлов.
type IngestService struct {
	tx     repository.Transactor
	store  bytestore.Store
	limits QuotaLimiter
	cfg    IngestConfig
	clock  clock.Clock
	logger *slog.Logger
}

// NewIngestService создаёт сервис загрузки.
func NewIngestService(
	tx repository.Transactor,
	store bytestore.Store,
	limits QuotaLimiter,
	cfg IngestConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		tx:     tx,
		store:  store,
		limits: limits,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With(slog.String("component", "ingest")),
	}
}

// Save загружает файл тенанта.
//
// Поток:
//  1. Валидация типа и заявленного размера (до любой записи)
//  2. Запись во tmp/<id> с подсчётом SHA-256 и размера по записанным байтам
//  3. Получение лимита тенанта (нет лимита — отказ)
//  4. Транзакция: блокировка ledger, проверка квоты
//  5. Перемещение в files/<tenant>/<patient>/<id>, строка каталога, ledger += size, коммит
//
// При ошибке удаляются временный и, если уже перемещён, итоговый файл.
func (s *IngestService) Save(ctx context.Context, req SaveRequest) (res *SaveResult, err error) {
	defer func() {
		ingestTotal.WithLabelValues(ingestResultLabel(err)).Inc()
	}()

	// 1. Валидация
	contentType, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	fileID := uuid.New().String()
	tmpPath := bytestore.TempPath(fileID)
	finalPath := bytestore.ActivePath(req.TenantID, req.PatientID, fileID)
	moved := false

	cleanup := func() {
		if moved {
			if _, delErr := s.store.Delete(finalPath); delErr != nil {
				s.logger.Error("Не удалось удалить файл после отката",
					slog.String("file_id", fileID),
					slog.String("path", finalPath),
					slog.String("error", delErr.Error()),
				)
			}
		}
		if _, delErr := s.store.Delete(tmpPath); delErr != nil {
			s.logger.Error("Не удалось удалить временный файл",
				slog.String("file_id", fileID),
				slog.String("path", tmpPath),
				slog.String("error", delErr.Error()),
			)
		}
	}

	// 2. Streaming во временный файл
	saved, err := s.store.Save(ctx, tmpPath, &maxBytesReader{r: req.Body, n: s.cfg.MaxUploadSize})
	if err != nil {
		cleanup()
		if errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("%w: больше %d байт", ErrTooLarge, s.cfg.MaxUploadSize)
		}
		return nil, fmt.Errorf("запись временного файла: %w", err)
	}

	// 3. Лимит тенанта
	limit, ok, err := s.limits.QuotaLimit(ctx, req.TenantID)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("получение лимита тенанта: %w", err)
	}
	if !ok {
		cleanup()
		return nil, fmt.Errorf("%w: %s", ErrNoEntitlement, req.TenantID)
	}

	// 4–5. Транзакция
	now := s.clock.Now().UTC()
	err = s.tx.InTx(ctx, pgx.ReadCommitted, func(r repository.Repos) error {
		used, err := r.Quota.LockUsed(ctx, req.TenantID)
		if err != nil {
			return err
		}
		if used+saved.Size > limit {
			return fmt.Errorf("%w: занято %d из %d байт, файл %d байт",
				ErrQuotaExceeded, used, limit, saved.Size)
		}

		if err := s.store.Rename(tmpPath, finalPath); err != nil {
			return fmt.Errorf("перемещение файла: %w", err)
		}
		moved = true

		rec := &model.FileRecord{
			ID:             fileID,
			TenantID:       req.TenantID,
			PatientID:      req.PatientID,
			OriginalName:   req.OriginalName,
			ContentType:    contentType,
			SizeBytes:      saved.Size,
			StorageBackend: model.StorageBackendLocal,
			StoragePath:    finalPath,
			ChecksumSHA256: saved.Checksum,
			Comment:        req.Comment,
			UploadedBy:     req.UploaderID,
			UploadedAt:     now,
		}
		if err := r.Files.Insert(ctx, rec); err != nil {
			return err
		}
		return r.Quota.Increment(ctx, req.TenantID, saved.Size)
	})
	if err != nil {
		cleanup()
		if !errors.Is(err, ErrQuotaExceeded) {
			s.logger.Error("Ошибка загрузки файла",
				slog.String("file_id", fileID),
				slog.String("tenant_id", req.TenantID),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	ingestBytesTotal.Add(float64(saved.Size))
	s.logger.Info("Файл загружен",
		slog.String("file_id", fileID),
		slog.String("tenant_id", req.TenantID),
		slog.String("patient_id", req.PatientID),
		slog.Int64("size", saved.Size),
	)

	return &SaveResult{FileID: fileID, Size: saved.Size, Checksum: saved.Checksum}, nil
}

// validate проверяет запрос и возвращает нормализованный MIME-тип.
func (s *IngestService) validate(req *SaveRequest) (string, error) {
	if !bytestore.ValidSegment(req.TenantID) {
		return "", fmt.Errorf("%w: некорректный tenant_id %q", ErrValidation, req.TenantID)
	}
	if !bytestore.ValidSegment(req.PatientID) {
		return "", fmt.Errorf("%w: некорректный patient_id %q", ErrValidation, req.PatientID)
	}
	if req.Body == nil {
		return "", fmt.Errorf("%w: пустое тело запроса", ErrValidation)
	}

	contentType := normalizeContentType(req.ContentType)
	if !contentTypeAllowed(contentType, s.cfg.AllowedContentTypes) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, req.ContentType)
	}

	if req.DeclaredSize > s.cfg.MaxUploadSize {
		return "", fmt.Errorf("%w: заявлено %d байт, максимум %d", ErrTooLarge, req.DeclaredSize, s.cfg.MaxUploadSize)
	}

	req.OriginalName = sanitizeName(req.OriginalName)
	return contentType, nil
}

// normalizeContentType убирает параметры (charset и т.п.) и приводит к нижнему регистру.
func normalizeContentType(ct string) string {
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// contentTypeAllowed проверяет тип по списку, поддерживая маски type/*.
func contentTypeAllowed(ct string, allowed []string) bool {
	if ct == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*/*" || a == ct {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(ct, prefix+"/") {
			return true
		}
	}
	return false
}

// sanitizeName оставляет только базовое имя без управляющих символов.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "file"
	}
	if runes := []rune(name); len(runes) > maxOriginalNameLen {
		name = string(runes[:maxOriginalNameLen])
	}
	return name
}

// maxBytesReader пропускает не больше n байт и возвращает ErrTooLarge,
// если источник содержит больше.
type maxBytesReader struct {
	r io.Reader
	n int64
}

func (m *maxBytesReader) Read(p []byte) (int, error) {
	if m.n < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > m.n+1 {
		p = p[:m.n+1]
	}
	n, err := m.r.Read(p)
	if int64(n) <= m.n {
		m.n -= int64(n)
		return n, err
	}
	n = int(m.n)
	m.n = -1
	return n, ErrTooLarge
}

func ingestResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrNoEntitlement):
		return "no_entitlement"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "error"
	}
}
