package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/practicestore/internal/domain/model"
)

// FileCatalogRepository — доступ к активному каталогу patient_files.
type FileCatalogRepository interface {
	// Insert добавляет строку файла.
	Insert(ctx context.Context, f *model.FileRecord) error
	// GetByID возвращает файл по UUID (включая soft-deleted).
	GetByID(ctx context.Context, fileID string) (*model.FileRecord, error)
	// GetForUpdate возвращает файл с блокировкой строки (SELECT ... FOR UPDATE).
	GetForUpdate(ctx context.Context, fileID string) (*model.FileRecord, error)
	// List возвращает файлы по фильтру, новые первыми.
	List(ctx context.Context, filter FileListFilter) ([]*model.FileRecord, error)
	// CountActive возвращает число неудалённых файлов тенанта.
	CountActive(ctx context.Context, tenantID string) (int, error)
	// MarkDeleted проставляет deleted_at/deleted_by у неудалённой строки.
	MarkDeleted(ctx context.Context, fileID string, deletedAt time.Time, deletedBy *string) error
	// ListArchiveCandidates возвращает soft-deleted файлы, удалённые раньше deletedBefore,
	// старые первыми.
	ListArchiveCandidates(ctx context.Context, deletedBefore time.Time, limit int) ([]model.ArchiveCandidate, error)
	// Delete удаляет строку из активного каталога.
	Delete(ctx context.Context, fileID string) error
}

// FileListFilter — фильтр списка файлов.
// TenantID == nil — без ограничения по тенанту (привилегированный доступ).
type FileListFilter struct {
	TenantID  *string
	PatientID *string
}

type fileCatalogRepo struct {
	db DBTX
}

// NewFileCatalogRepository создаёт репозиторий активного каталога.
func NewFileCatalogRepository(db DBTX) FileCatalogRepository {
	return &fileCatalogRepo{db: db}
}

const fileColumns = `id, tenant_id, patient_id, original_name, content_type, size_bytes,
	storage_backend, storage_path, checksum_sha256, comment, uploaded_by, uploaded_at,
	deleted_at, deleted_by`

// scanFile сканирует строку в порядке fileColumns.
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	err := row.Scan(
		&f.ID, &f.TenantID, &f.PatientID, &f.OriginalName, &f.ContentType, &f.SizeBytes,
		&f.StorageBackend, &f.StoragePath, &f.ChecksumSHA256, &f.Comment, &f.UploadedBy, &f.UploadedAt,
		&f.DeletedAt, &f.DeletedBy,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *fileCatalogRepo) Insert(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO patient_files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.Exec(ctx, query,
		f.ID, f.TenantID, f.PatientID, f.OriginalName, f.ContentType, f.SizeBytes,
		f.StorageBackend, f.StoragePath, f.ChecksumSHA256, f.Comment, f.UploadedBy, f.UploadedAt,
		f.DeletedAt, f.DeletedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %s уже существует", ErrConflict, f.ID)
		}
		return fmt.Errorf("ошибка добавления файла: %w", err)
	}
	return nil
}

func (r *fileCatalogRepo) GetByID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	return r.get(ctx, `SELECT `+fileColumns+` FROM patient_files WHERE id = $1`, fileID)
}

func (r *fileCatalogRepo) GetForUpdate(ctx context.Context, fileID string) (*model.FileRecord, error) {
	return r.get(ctx, `SELECT `+fileColumns+` FROM patient_files WHERE id = $1 FOR UPDATE`, fileID)
}

func (r *fileCatalogRepo) get(ctx context.Context, query, fileID string) (*model.FileRecord, error) {
	f, err := scanFile(r.db.QueryRow(ctx, query, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

// buildFileWhere строит WHERE-условие и аргументы для фильтрации файлов.
func buildFileWhere(filter FileListFilter, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filter.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argNum))
		args = append(args, *filter.TenantID)
		argNum++
	}
	if filter.PatientID != nil {
		conditions = append(conditions, fmt.Sprintf("patient_id = $%d", argNum))
		args = append(args, *filter.PatientID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *fileCatalogRepo) List(ctx context.Context, filter FileListFilter) ([]*model.FileRecord, error) {
	where, args := buildFileWhere(filter, 1)
	query := fmt.Sprintf(`SELECT %s FROM patient_files %s ORDER BY uploaded_at DESC, id`, fileColumns, where)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	defer rows.Close()

	var files []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *fileCatalogRepo) CountActive(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM patient_files WHERE tenant_id = $1 AND deleted_at IS NULL`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта файлов: %w", err)
	}
	return n, nil
}

func (r *fileCatalogRepo) MarkDeleted(ctx context.Context, fileID string, deletedAt time.Time, deletedBy *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE patient_files SET deleted_at = $2, deleted_by = $3
		WHERE id = $1 AND deleted_at IS NULL`,
		fileID, deletedAt, deletedBy,
	)
	if err != nil {
		return fmt.Errorf("ошибка пометки файла удалённым: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileCatalogRepo) ListArchiveCandidates(ctx context.Context, deletedBefore time.Time, limit int) ([]model.ArchiveCandidate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, patient_id, storage_path, deleted_at
		FROM patient_files
		WHERE deleted_at IS NOT NULL AND deleted_at < $1
		ORDER BY deleted_at ASC
		LIMIT $2`,
		deletedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки кандидатов архивирования: %w", err)
	}
	defer rows.Close()

	var result []model.ArchiveCandidate
	for rows.Next() {
		var c model.ArchiveCandidate
		if err := rows.Scan(&c.FileID, &c.TenantID, &c.PatientID, &c.StoragePath, &c.DeletedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования кандидата: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *fileCatalogRepo) Delete(ctx context.Context, fileID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM patient_files WHERE id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("ошибка удаления строки файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
