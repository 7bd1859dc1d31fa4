// archival.go — перенос soft-deleted файлов в архив.
//
// Каждый кандидат проходит три фазы (candidateMove):
//
//	A. stage    — blob переименовывается в staging/ активного хранилища
//	B. commit   — serializable-транзакция: строка копируется в архив и удаляется из каталога
//	C. finalize — blob переносится из staging/ в архивное хранилище
//
// Ошибка в фазе B откатывает фазу A. Ошибка фазы C не отменяет
// архивирование: blob остаётся в staging/ и дожимается при следующем
// прогоне (recoverStaging). Blob-ы files/ без строки каталога старше
// OrphanMaxAge разбирает sweepOrphans.
//
// Метрики:
//   - ps_archive_runs_total
//   - ps_archive_files_total{result}
//   - ps_archive_finalize_errors_total
//   - ps_archive_staging_recovered_total{action}
//   - ps_archive_orphans_total{action}
//   - ps_archive_tmp_cleaned_total
//   - ps_archive_run_duration_seconds
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

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
	archiveRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ps_archive_runs_total",
		Help: "Количество прогонов архивирования.",
	})
	archiveFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ps_archive_files_total",
		Help: "Кандидаты архивирования по результату (archived, failed, serialization, skipped).",
	}, []string{"result"})
	archiveFinalizeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ps_archive_finalize_errors_total",
		Help: "Ошибки переноса blob-а в архивное хранилище (фаза C).",
	})
	archiveStagingRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ps_archive_staging_recovered_total",
		Help: "Обработанные blob-ы staging/ по действию.",
	}, []string{"action"})
	archiveOrphans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ps_archive_orphans_total",
		Help: "Blob-ы files/ без строки каталога по действию (archived, removed).",
	}, []string{"action"})
	archiveTmpCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ps_archive_tmp_cleaned_total",
		Help: "Удалённые устаревшие временные файлы загрузки.",
	})
	archiveRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ps_archive_run_duration_seconds",
		Help:    "Длительность прогона архивирования.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	})
)

// ArchivalConfig — параметры архивирования.
type ArchivalConfig struct {
	// RetentionDays — сколько дней удалённый файл остаётся в каталоге
	RetentionDays int
	// BatchSize — максимум кандидатов за прогон
	BatchSize int
	// TmpMaxAge — возраст, после которого tmp/ файлы считаются брошенными; 0 — не чистить
	TmpMaxAge time.Duration
	// OrphanMaxAge — возраст, после которого blob files/ без строки каталога
	// переносится в архив или удаляется; 0 — не проверять
	OrphanMaxAge time.Duration
}

// ArchivalService выполняет прогоны архивирования.
type ArchivalService struct {
	// mu — не больше одного прогона в процессе
	mu sync.Mutex

	repos   repository.Repos
	tx      repository.Transactor
	active  bytestore.Store
	archive bytestore.Store
	cfg     ArchivalConfig
	clock   clock.Clock
	logger  *slog.Logger
}

// NewArchivalService создаёт сервис архивирования.
func NewArchivalService(
	repos repository.Repos,
	tx repository.Transactor,
	active, archive bytestore.Store,
	cfg ArchivalConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *ArchivalService {
	return &ArchivalService{
		repos:   repos,
		tx:      tx,
		active:  active,
		archive: archive,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With(slog.String("component", "archival")),
	}
}

// RunOnce выполняет один прогон архивирования.
//
// Параллельный вызов в том же процессе — ErrArchivalInProgress.
// Отмена ctx проверяется только между кандидатами: начатый кандидат
// доводится до конца. При отмене возвращаются счётчики и ctx.Err().
func (s *ArchivalService) RunOnce(ctx context.Context) (ok, fail int, err error) {
	if !s.mu.TryLock() {
		return 0, 0, ErrArchivalInProgress
	}
	defer s.mu.Unlock()

	started := s.clock.Now()
	archiveRunsTotal.Inc()
	defer func() {
		archiveRunDuration.Observe(s.clock.Since(started).Seconds())
	}()

	run := &model.ArchiveRun{ID: uuid.New().String(), StartedAt: started.UTC()}
	if err := s.tx.InTx(ctx, pgx.ReadCommitted, func(r repository.Repos) error {
		return r.Runs.Create(ctx, run)
	}); err != nil {
		return 0, 0, fmt.Errorf("создание записи прогона: %w", err)
	}

	logger := s.logger.With(slog.String("run_id", run.ID))
	logger.Info("Прогон архивирования запущен")

	s.recoverStaging(ctx, logger)
	s.cleanupTmp(logger)
	s.sweepOrphans(ctx, logger)

	cutoff := started.Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	candidates, err := s.repos.Files.ListArchiveCandidates(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		msg := fmt.Sprintf("выбор кандидатов: %v", err)
		s.finish(ctx, logger, run.ID, 0, 0, &msg)
		return 0, 0, fmt.Errorf("выбор кандидатов архивирования: %w", err)
	}

	var lastError *string
	skipped := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}

		m := newCandidateMove(s, c, logger)
		m.run(context.WithoutCancel(ctx))

		switch m.outcome {
		case outcomeArchived:
			ok++
			archiveFilesTotal.WithLabelValues("archived").Inc()
		case outcomeSkipped:
			skipped++
			archiveFilesTotal.WithLabelValues("skipped").Inc()
		case outcomeFailed:
			fail++
			result := "failed"
			if errors.Is(m.err, repository.ErrSerialization) {
				result = "serialization"
			}
			archiveFilesTotal.WithLabelValues(result).Inc()
			msg := fmt.Sprintf("%s: %v", c.FileID, m.err)
			lastError = &msg
		}
		if m.finalizeErr != nil {
			msg := fmt.Sprintf("%s: перенос в архив: %v", c.FileID, m.finalizeErr)
			lastError = &msg
		}
	}

	s.finish(ctx, logger, run.ID, ok, fail, lastError)

	logger.Info("Прогон архивирования завершён",
		slog.Int("candidates", len(candidates)),
		slog.Int("archived", ok),
		slog.Int("failed", fail),
		slog.Int("skipped", skipped),
		slog.Duration("duration", s.clock.Since(started)),
	)

	if err := ctx.Err(); err != nil {
		return ok, fail, err
	}
	return ok, fail, nil
}

// ListRuns возвращает последние прогоны, новые первыми.
func (s *ArchivalService) ListRuns(ctx context.Context, limit int) ([]*model.ArchiveRun, error) {
	if limit <= 0 {
		limit = 20
	}
	runs, err := s.repos.Runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("получение прогонов архивирования: %w", err)
	}
	return runs, nil
}

// finish фиксирует итоги прогона даже при отменённом ctx.
func (s *ArchivalService) finish(ctx context.Context, logger *slog.Logger, runID string, ok, fail int, lastError *string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.repos.Runs.Finish(ctx, runID, ok, fail, lastError, s.clock.Now().UTC()); err != nil {
		logger.Error("Не удалось зафиксировать итоги прогона",
			slog.String("error", err.Error()),
		)
	}
}

// recoverStaging разбирает blob-ы, оставшиеся в staging/ после сбоя.
//   - активная строка есть: blob возвращается на место (или дубль удаляется)
//   - есть архивная строка: повторяется фаза C
//   - строк нет: blob оставляется оператору
func (s *ArchivalService) recoverStaging(ctx context.Context, logger *slog.Logger) {
	var paths []string
	if err := s.active.Walk(bytestore.DirStaging, func(fi bytestore.FileInfo) error {
		paths = append(paths, fi.Path)
		return nil
	}); err != nil {
		logger.Error("Ошибка обхода staging", slog.String("error", err.Error()))
		return
	}

	for _, p := range paths {
		action, err := s.recoverStaged(ctx, p)
		if err != nil {
			logger.Error("Ошибка восстановления blob-а из staging",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		archiveStagingRecovered.WithLabelValues(action).Inc()
		level := slog.LevelInfo
		if action == "orphaned" {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "Blob в staging обработан",
			slog.String("path", p),
			slog.String("action", action),
		)
	}
}

func (s *ArchivalService) recoverStaged(ctx context.Context, p string) (string, error) {
	tenantID, patientID, fileID, ok := bytestore.ParseStagingPath(p)
	if !ok {
		return "orphaned", nil
	}

	rec, err := s.repos.Files.GetByID(ctx, fileID)
	switch {
	case err == nil:
		exists, err := s.active.Exists(rec.StoragePath)
		if err != nil {
			return "", err
		}
		if exists {
			if _, err := s.active.Delete(p); err != nil {
				return "", err
			}
			return "discarded", nil
		}
		if err := s.active.Rename(p, rec.StoragePath); err != nil {
			return "", err
		}
		return "restored", nil
	case !errors.Is(err, repository.ErrNotFound):
		return "", err
	}

	if _, err := s.repos.Archive.GetByID(ctx, fileID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "orphaned", nil
		}
		return "", err
	}
	if err := bytestore.Transfer(ctx, s.active, p, s.archive, bytestore.ArchivePath(tenantID, patientID, fileID)); err != nil {
		return "", err
	}
	return "finalized", nil
}

// cleanupTmp удаляет брошенные временные файлы загрузки.
func (s *ArchivalService) cleanupTmp(logger *slog.Logger) {
	if s.cfg.TmpMaxAge <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.cfg.TmpMaxAge)

	var stale []string
	if err := s.active.Walk(bytestore.DirTmp, func(fi bytestore.FileInfo) error {
		if fi.ModTime.Before(cutoff) {
			stale = append(stale, fi.Path)
		}
		return nil
	}); err != nil {
		logger.Error("Ошибка обхода tmp", slog.String("error", err.Error()))
		return
	}

	for _, p := range stale {
		deleted, err := s.active.Delete(p)
		if err != nil {
			logger.Error("Не удалось удалить временный файл",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		if deleted {
			archiveTmpCleaned.Inc()
		}
	}
	if len(stale) > 0 {
		logger.Info("Удалены устаревшие временные файлы", slog.Int("count", len(stale)))
	}
}

// sweepOrphans разбирает blob-ы files/, у которых нет строки каталога:
// сбой загрузки между переименованием и фиксацией или неудачный
// перенос в архив. Возраст защищает загрузки, ещё не зафиксированные.
//   - есть архивная строка: blob переносится в архив
//   - строк нет: blob удаляется
func (s *ArchivalService) sweepOrphans(ctx context.Context, logger *slog.Logger) {
	if s.cfg.OrphanMaxAge <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.cfg.OrphanMaxAge)

	var stale []string
	if err := s.active.Walk(bytestore.DirFiles, func(fi bytestore.FileInfo) error {
		if fi.ModTime.Before(cutoff) {
			stale = append(stale, fi.Path)
		}
		return nil
	}); err != nil {
		logger.Error("Ошибка обхода files", slog.String("error", err.Error()))
		return
	}

	for _, p := range stale {
		action, err := s.sweepOrphan(ctx, p)
		if err != nil {
			logger.Error("Ошибка обработки blob-а без строки каталога",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		if action == "" {
			continue
		}
		archiveOrphans.WithLabelValues(action).Inc()
		logger.Warn("Blob без строки каталога обработан",
			slog.String("path", p),
			slog.String("action", action),
		)
	}
}

// sweepOrphan возвращает пустое действие, если blob принадлежит каталогу
// или путь не разобран.
func (s *ArchivalService) sweepOrphan(ctx context.Context, p string) (string, error) {
	tenantID, patientID, fileID, ok := bytestore.ParseActivePath(p)
	if !ok {
		return "", nil
	}

	_, err := s.repos.Files.GetByID(ctx, fileID)
	switch {
	case err == nil:
		return "", nil
	case !errors.Is(err, repository.ErrNotFound):
		return "", err
	}

	_, err = s.repos.Archive.GetByID(ctx, fileID)
	switch {
	case err == nil:
		dst := bytestore.ArchivePath(tenantID, patientID, fileID)
		if err := bytestore.Transfer(ctx, s.active, p, s.archive, dst); err != nil {
			return "", err
		}
		return "archived", nil
	case !errors.Is(err, repository.ErrNotFound):
		return "", err
	}

	if _, err := s.active.Delete(p); err != nil {
		return "", err
	}
	return "removed", nil
}

// --- candidateMove ---

type movePhase int

const (
	phaseStage movePhase = iota
	phaseCommit
	phaseFinalize
	phaseDone
)

type moveOutcome int

const (
	outcomeArchived moveOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// errCandidateGone — строка уже архивирована другим прогоном или восстановлена.
var errCandidateGone = errors.New("кандидат больше не подлежит архивированию")

// candidateMove — перенос одного кандидата через фазы stage → commit → finalize.
type candidateMove struct {
	svc    *ArchivalService
	cand   model.ArchiveCandidate
	logger *slog.Logger

	phase       movePhase
	stagingPath string
	staged      bool
	// leftover — blob есть, но остался на активном пути
	leftover bool

	outcome moveOutcome
	// err — причина outcomeFailed
	err error
	// finalizeErr — ошибка фазы C, не влияет на outcome
	finalizeErr error
}

func newCandidateMove(svc *ArchivalService, c model.ArchiveCandidate, logger *slog.Logger) *candidateMove {
	return &candidateMove{
		svc:         svc,
		cand:        c,
		logger:      logger.With(slog.String("file_id", c.FileID)),
		phase:       phaseStage,
		stagingPath: bytestore.StagingPath(c.TenantID, c.PatientID, c.FileID),
	}
}

// run проводит кандидата по фазам. ctx не должен отменяться.
func (m *candidateMove) run(ctx context.Context) {
	for m.phase != phaseDone {
		switch m.phase {
		case phaseStage:
			m.stage()
		case phaseCommit:
			m.commit(ctx)
		case phaseFinalize:
			m.finalize(ctx)
		}
	}
}

// stage — фаза A. Отсутствие blob-а или ошибка переименования
// не мешают архивировать строку каталога.
func (m *candidateMove) stage() {
	m.phase = phaseCommit

	store := m.svc.active
	exists, err := store.Exists(m.cand.StoragePath)
	if err != nil {
		m.logger.Warn("Не удалось проверить blob, архивируется только строка",
			slog.String("path", m.cand.StoragePath),
			slog.String("error", err.Error()),
		)
		return
	}
	if !exists {
		m.logger.Warn("Blob отсутствует, архивируется только строка",
			slog.String("path", m.cand.StoragePath),
		)
		return
	}
	if err := store.Rename(m.cand.StoragePath, m.stagingPath); err != nil {
		m.logger.Warn("Не удалось переместить blob в staging, архивируется только строка",
			slog.String("path", m.cand.StoragePath),
			slog.String("error", err.Error()),
		)
		m.leftover = true
		return
	}
	m.staged = true
}

// commit — фаза B.
func (m *candidateMove) commit(ctx context.Context) {
	now := m.svc.clock.Now().UTC()
	err := m.svc.tx.InTx(ctx, pgx.Serializable, func(r repository.Repos) error {
		rec, err := r.Files.GetForUpdate(ctx, m.cand.FileID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return errCandidateGone
			}
			return err
		}
		if !rec.IsDeleted() {
			return errCandidateGone
		}

		if err := r.Archive.Insert(ctx, &model.ArchivedFile{FileRecord: *rec, ArchivedAt: now}); err != nil {
			return err
		}
		return r.Files.Delete(ctx, rec.ID)
	})

	switch {
	case err == nil:
		m.phase = phaseFinalize
	case errors.Is(err, errCandidateGone):
		m.logger.Info("Кандидат уже обработан, пропуск")
		m.unstage()
		m.outcome = outcomeSkipped
		m.phase = phaseDone
	default:
		m.logger.Error("Ошибка архивирования строки каталога",
			slog.String("error", err.Error()),
		)
		m.unstage()
		m.outcome = outcomeFailed
		m.err = err
		m.phase = phaseDone
	}
}

// unstage откатывает фазу A.
func (m *candidateMove) unstage() {
	if !m.staged {
		return
	}
	store := m.svc.active

	exists, err := store.Exists(m.cand.StoragePath)
	if err == nil && !exists {
		err = store.Rename(m.stagingPath, m.cand.StoragePath)
	} else if err == nil {
		_, err = store.Delete(m.stagingPath)
	}
	if err != nil {
		// Остаток в staging/ подберёт recoverStaging
		m.logger.Error("Не удалось откатить staging",
			slog.String("path", m.stagingPath),
			slog.String("error", err.Error()),
		)
		return
	}
	m.staged = false
}

// finalize — фаза C. Blob, не попавший в staging/, переносится
// в архив прямо с активного пути: строки каталога у него уже нет.
func (m *candidateMove) finalize(ctx context.Context) {
	m.outcome = outcomeArchived
	m.phase = phaseDone

	var src string
	switch {
	case m.staged:
		src = m.stagingPath
	case m.leftover:
		src = m.cand.StoragePath
	default:
		return
	}

	dst := bytestore.ArchivePath(m.cand.TenantID, m.cand.PatientID, m.cand.FileID)
	if err := bytestore.Transfer(ctx, m.svc.active, src, m.svc.archive, dst); err != nil {
		archiveFinalizeErrors.Inc()
		m.finalizeErr = err
		if m.staged {
			m.logger.Error("Ошибка переноса blob-а в архивное хранилище, повтор при следующем прогоне",
				slog.String("path", src),
				slog.String("error", err.Error()),
			)
			return
		}
		m.logger.Warn("Blob остался на активном пути без строки каталога",
			slog.String("path", src),
			slog.String("error", err.Error()),
		)
	}
}
