package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/practicestore/internal/domain/model"
)

// ArchiveRunRepository — журнал прогонов архивирования (file_archive_runs).
type ArchiveRunRepository interface {
	// Create добавляет запись о начале прогона с нулевыми счётчиками.
	Create(ctx context.Context, run *model.ArchiveRun) error
	// Finish финализирует прогон. Повторная финализация возвращает ErrNotFound.
	Finish(ctx context.Context, runID string, success, failure int, lastError *string, finishedAt time.Time) error
	GetByID(ctx context.Context, runID string) (*model.ArchiveRun, error)
	// ListRecent возвращает последние прогоны, новые первыми.
	ListRecent(ctx context.Context, limit int) ([]*model.ArchiveRun, error)
}

type archiveRunRepo struct {
	db DBTX
}

// NewArchiveRunRepository создаёт репозиторий журнала прогонов.
func NewArchiveRunRepository(db DBTX) ArchiveRunRepository {
	return &archiveRunRepo{db: db}
}

func (r *archiveRunRepo) Create(ctx context.Context, run *model.ArchiveRun) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO file_archive_runs (id, success_count, failure_count, started_at)
		VALUES ($1, 0, 0, $2)`,
		run.ID, run.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: прогон %s уже существует", ErrConflict, run.ID)
		}
		return fmt.Errorf("ошибка создания записи прогона: %w", err)
	}
	return nil
}

func (r *archiveRunRepo) Finish(ctx context.Context, runID string, success, failure int, lastError *string, finishedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE file_archive_runs
		SET success_count = $2, failure_count = $3, last_error = $4, finished_at = $5
		WHERE id = $1 AND finished_at IS NULL`,
		runID, success, failure, lastError, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка финализации прогона: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, success_count, failure_count, last_error, started_at, finished_at`

func scanRun(row pgx.Row) (*model.ArchiveRun, error) {
	run := &model.ArchiveRun{}
	err := row.Scan(&run.ID, &run.SuccessCount, &run.FailureCount, &run.LastError, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *archiveRunRepo) GetByID(ctx context.Context, runID string) (*model.ArchiveRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM file_archive_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения прогона: %w", err)
	}
	return run, nil
}

func (r *archiveRunRepo) ListRecent(ctx context.Context, limit int) ([]*model.ArchiveRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+runColumns+` FROM file_archive_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения прогонов: %w", err)
	}
	defer rows.Close()

	var result []*model.ArchiveRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования прогона: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}
