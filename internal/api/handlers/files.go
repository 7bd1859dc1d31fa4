// files.go — HTTP handlers для файлов пациента.
// Upload, List, Download, Delete и использование квоты.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/practicestore/internal/api/errors"
	"github.com/bigkaa/practicestore/internal/api/middleware"
	"github.com/bigkaa/practicestore/internal/domain/model"
	"github.com/bigkaa/practicestore/internal/service"
)

// multipartMemory — порог, после которого части multipart уходят во временные файлы.
const multipartMemory = 32 << 20

// multipartOverhead — запас на заголовки и поля формы сверх размера файла.
const multipartOverhead = 1 << 20

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	ingest        Ingester
	files         FileCatalog
	maxUploadSize int64
	logger        *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(ingest Ingester, files FileCatalog, maxUploadSize int64, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		ingest:        ingest,
		files:         files,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "files_handler")),
	}
}

// listResponse — ответ GET /patients/{patient_id}/files.
type listResponse struct {
	Items []model.FileSummary `json:"items"`
	Total int                 `json:"total"`
}

// UploadFile обрабатывает POST /api/v1/patients/{patient_id}/files.
// Multipart form: file (обязательно), comment (опционально).
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := middleware.SubjectFromContext(ctx)
	tenant := middleware.TenantFromContext(ctx)
	if tenant == "" {
		apierrors.Forbidden(w, "Загрузка требует привязки токена к клинике")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Размер запроса превышает %d байт", h.maxUploadSize))
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req := service.SaveRequest{
		TenantID:     tenant,
		PatientID:    chi.URLParam(r, "patient_id"),
		Body:         file,
		ContentType:  contentType,
		OriginalName: header.Filename,
		UploaderID:   &subject,
		DeclaredSize: header.Size,
	}
	if comment := strings.TrimSpace(r.FormValue("comment")); comment != "" {
		req.Comment = &comment
	}

	result, err := h.ingest.Save(ctx, req)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// ListFiles обрабатывает GET /api/v1/patients/{patient_id}/files.
// Удалённые файлы присутствуют в списке с deleted_at.
func (h *FilesHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	items, err := h.files.List(ctx,
		middleware.TenantFromContext(ctx),
		chi.URLParam(r, "patient_id"),
		middleware.HasScope(ctx, middleware.ScopeOwner),
	)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	if items == nil {
		items = []model.FileSummary{}
	}

	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: len(items)})
}

// DownloadFile обрабатывает GET /api/v1/files/{file_id}/download.
// ETag — SHA-256 содержимого, If-None-Match → 304.
func (h *FilesHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := service.Scope{
		TenantID:   middleware.TenantFromContext(ctx),
		Privileged: middleware.HasScope(ctx, middleware.ScopeOwner),
	}

	rec, body, err := h.files.OpenRead(ctx, chi.URLParam(r, "file_id"), scope)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	defer body.Close()

	etag := `"` + rec.ChecksumSHA256 + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": rec.OriginalName,
	}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		// Заголовки уже отправлены, остаётся только залогировать
		h.logger.Warn("Передача файла прервана",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteFile обрабатывает DELETE /api/v1/files/{file_id}.
// 204 — файл помечен удалённым (в том числе повторно), 404 — не найден или чужой.
func (h *FilesHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := middleware.SubjectFromContext(ctx)

	deleted, err := h.files.SoftDelete(ctx, chi.URLParam(r, "file_id"), middleware.TenantFromContext(ctx), &subject)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	if !deleted {
		apierrors.NotFound(w, "Файл не найден")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetQuota обрабатывает GET /api/v1/quota.
// Владелец (files:owner) может запросить чужого тенанта через ?tenant_id=.
func (h *FilesHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := middleware.TenantFromContext(ctx)
	if q := r.URL.Query().Get("tenant_id"); q != "" && middleware.HasScope(ctx, middleware.ScopeOwner) {
		tenant = q
	}

	usage, err := h.files.QuotaUsage(ctx, tenant)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, usage)
}
