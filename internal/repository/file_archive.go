package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/practicestore/internal/domain/model"
)

// FileArchiveRepository — доступ к архивному каталогу patient_files_archive.
// Строки только добавляются.
type FileArchiveRepository interface {
	Insert(ctx context.Context, f *model.ArchivedFile) error
	GetByID(ctx context.Context, fileID string) (*model.ArchivedFile, error)
}

type fileArchiveRepo struct {
	db DBTX
}

// NewFileArchiveRepository создаёт репозиторий архивного каталога.
func NewFileArchiveRepository(db DBTX) FileArchiveRepository {
	return &fileArchiveRepo{db: db}
}

const archiveColumns = fileColumns + `, archived_at`

func scanArchived(row pgx.Row) (*model.ArchivedFile, error) {
	a := &model.ArchivedFile{}
	err := row.Scan(
		&a.ID, &a.TenantID, &a.PatientID, &a.OriginalName, &a.ContentType, &a.SizeBytes,
		&a.StorageBackend, &a.StoragePath, &a.ChecksumSHA256, &a.Comment, &a.UploadedBy, &a.UploadedAt,
		&a.DeletedAt, &a.DeletedBy, &a.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *fileArchiveRepo) Insert(ctx context.Context, a *model.ArchivedFile) error {
	query := `
		INSERT INTO patient_files_archive (` + archiveColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db.Exec(ctx, query,
		a.ID, a.TenantID, a.PatientID, a.OriginalName, a.ContentType, a.SizeBytes,
		a.StorageBackend, a.StoragePath, a.ChecksumSHA256, a.Comment, a.UploadedBy, a.UploadedAt,
		a.DeletedAt, a.DeletedBy, a.ArchivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %s уже в архиве", ErrConflict, a.ID)
		}
		return fmt.Errorf("ошибка добавления файла в архив: %w", err)
	}
	return nil
}

func (r *fileArchiveRepo) GetByID(ctx context.Context, fileID string) (*model.ArchivedFile, error) {
	a, err := scanArchived(r.db.QueryRow(ctx,
		`SELECT `+archiveColumns+` FROM patient_files_archive WHERE id = $1`, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения архивного файла: %w", err)
	}
	return a, nil
}
