package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/practicestore/internal/domain/model"
	"github.com/bigkaa/practicestore/internal/repository"
	"github.com/bigkaa/practicestore/internal/storage/bytestore"
)

// fakeDB — in-memory замена PostgreSQL для unit-тестов сервисов.
// Транзакции сериализуются глобальным mutex, откат — восстановлением снимка.
type fakeDB struct {
	mu sync.Mutex

	files        map[string]model.FileRecord
	archive      map[string]model.ArchivedFile
	used         map[string]int64
	runs         map[string]model.ArchiveRun
	entitlements map[string]model.Entitlement

	// Инъекция ошибок
	commitErr        error
	archiveInsertErr error
	// beforeCommit вызывается внутри транзакции перед фиксацией
	beforeCommit func(r repository.Repos)

	txIsoLevels []pgx.TxIsoLevel
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		files:        map[string]model.FileRecord{},
		archive:      map[string]model.ArchivedFile{},
		used:         map[string]int64{},
		runs:         map[string]model.ArchiveRun{},
		entitlements: map[string]model.Entitlement{},
	}
}

type fakeSnapshot struct {
	files   map[string]model.FileRecord
	archive map[string]model.ArchivedFile
	used    map[string]int64
	runs    map[string]model.ArchiveRun
}

func (d *fakeDB) snapshot() fakeSnapshot {
	return fakeSnapshot{
		files:   maps.Clone(d.files),
		archive: maps.Clone(d.archive),
		used:    maps.Clone(d.used),
		runs:    maps.Clone(d.runs),
	}
}

func (d *fakeDB) restore(s fakeSnapshot) {
	d.files, d.archive, d.used, d.runs = s.files, s.archive, s.used, s.runs
}

// Repos возвращает репозитории для работы вне транзакции.
func (d *fakeDB) Repos() repository.Repos {
	return d.repos(false)
}

func (d *fakeDB) repos(inTx bool) repository.Repos {
	r := fakeRepos{db: d, inTx: inTx}
	return repository.Repos{
		Files:        fakeFiles{r},
		Archive:      fakeArchive{r},
		Quota:        fakeQuota{r},
		Runs:         fakeRuns{r},
		Entitlements: fakeEntitlements{r},
	}
}

func (d *fakeDB) InTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(r repository.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.txIsoLevels = append(d.txIsoLevels, iso)
	snap := d.snapshot()
	r := d.repos(true)
	if err := fn(r); err != nil {
		d.restore(snap)
		return err
	}
	if d.beforeCommit != nil {
		d.beforeCommit(r)
	}
	if d.commitErr != nil {
		d.restore(snap)
		return d.commitErr
	}
	return nil
}

// Чтение состояния из тестов.

func (d *fakeDB) usedBytes(tenant string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used[tenant]
}

func (d *fakeDB) file(id string) (model.FileRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[id]
	return f, ok
}

func (d *fakeDB) archived(id string) (model.ArchivedFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.archive[id]
	return f, ok
}

func (d *fakeDB) fileCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}

func (d *fakeDB) setQuota(tenant string, quota int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entitlements[tenant] = model.Entitlement{TenantID: tenant, StorageQuotaBytes: &quota}
}

// putFile кладёт строку каталога напрямую.
func (d *fakeDB) putFile(f model.FileRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[f.ID] = f
}

// --- репозитории ---

type fakeRepos struct {
	db   *fakeDB
	inTx bool
}

// lock берёт mutex только вне транзакции: в транзакции он уже захвачен.
func (r fakeRepos) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.db.mu.Lock()
	return r.db.mu.Unlock
}

type fakeFiles struct{ fakeRepos }

func (r fakeFiles) Insert(_ context.Context, f *model.FileRecord) error {
	defer r.lock()()
	if _, ok := r.db.files[f.ID]; ok {
		return repository.ErrConflict
	}
	r.db.files[f.ID] = *f
	return nil
}

func (r fakeFiles) GetByID(_ context.Context, id string) (*model.FileRecord, error) {
	defer r.lock()()
	f, ok := r.db.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &f, nil
}

func (r fakeFiles) GetForUpdate(ctx context.Context, id string) (*model.FileRecord, error) {
	return r.GetByID(ctx, id)
}

func (r fakeFiles) List(_ context.Context, filter repository.FileListFilter) ([]*model.FileRecord, error) {
	defer r.lock()()
	var out []*model.FileRecord
	for _, f := range r.db.files {
		if filter.TenantID != nil && f.TenantID != *filter.TenantID {
			continue
		}
		if filter.PatientID != nil && f.PatientID != *filter.PatientID {
			continue
		}
		out = append(out, &f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r fakeFiles) CountActive(_ context.Context, tenant string) (int, error) {
	defer r.lock()()
	n := 0
	for _, f := range r.db.files {
		if f.TenantID == tenant && !f.IsDeleted() {
			n++
		}
	}
	return n, nil
}

func (r fakeFiles) MarkDeleted(_ context.Context, id string, at time.Time, by *string) error {
	defer r.lock()()
	f, ok := r.db.files[id]
	if !ok || f.IsDeleted() {
		return repository.ErrNotFound
	}
	f.DeletedAt = &at
	f.DeletedBy = by
	r.db.files[id] = f
	return nil
}

func (r fakeFiles) ListArchiveCandidates(_ context.Context, before time.Time, limit int) ([]model.ArchiveCandidate, error) {
	defer r.lock()()
	var out []model.ArchiveCandidate
	for _, f := range r.db.files {
		if f.DeletedAt != nil && f.DeletedAt.Before(before) {
			out = append(out, model.ArchiveCandidate{
				FileID:      f.ID,
				TenantID:    f.TenantID,
				PatientID:   f.PatientID,
				StoragePath: f.StoragePath,
				DeletedAt:   *f.DeletedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(out[j].DeletedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r fakeFiles) Delete(_ context.Context, id string) error {
	defer r.lock()()
	if _, ok := r.db.files[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.db.files, id)
	return nil
}

type fakeArchive struct{ fakeRepos }

func (r fakeArchive) Insert(_ context.Context, f *model.ArchivedFile) error {
	defer r.lock()()
	if r.db.archiveInsertErr != nil {
		return r.db.archiveInsertErr
	}
	if _, ok := r.db.archive[f.ID]; ok {
		return repository.ErrConflict
	}
	r.db.archive[f.ID] = *f
	return nil
}

func (r fakeArchive) GetByID(_ context.Context, id string) (*model.ArchivedFile, error) {
	defer r.lock()()
	f, ok := r.db.archive[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &f, nil
}

type fakeQuota struct{ fakeRepos }

func (r fakeQuota) EnsureRow(_ context.Context, tenant string) error {
	defer r.lock()()
	if _, ok := r.db.used[tenant]; !ok {
		r.db.used[tenant] = 0
	}
	return nil
}

func (r fakeQuota) LockUsed(_ context.Context, tenant string) (int64, error) {
	defer r.lock()()
	if _, ok := r.db.used[tenant]; !ok {
		r.db.used[tenant] = 0
	}
	return r.db.used[tenant], nil
}

func (r fakeQuota) GetUsed(_ context.Context, tenant string) (int64, error) {
	defer r.lock()()
	return r.db.used[tenant], nil
}

func (r fakeQuota) Increment(_ context.Context, tenant string, delta int64) error {
	defer r.lock()()
	if delta < 0 {
		return errors.New("отрицательный delta")
	}
	r.db.used[tenant] += delta
	return nil
}

func (r fakeQuota) Decrement(_ context.Context, tenant string, delta int64) error {
	defer r.lock()()
	r.db.used[tenant] = max(r.db.used[tenant]-delta, 0)
	return nil
}

func (r fakeQuota) Recalculate(_ context.Context, tenant string) (int64, error) {
	defer r.lock()()
	var sum int64
	for _, f := range r.db.files {
		if f.TenantID == tenant && !f.IsDeleted() {
			sum += f.SizeBytes
		}
	}
	r.db.used[tenant] = sum
	return sum, nil
}

func (r fakeQuota) ListDrift(_ context.Context) ([]model.QuotaDrift, error) {
	defer r.lock()()
	actual := map[string]int64{}
	for _, f := range r.db.files {
		if !f.IsDeleted() {
			actual[f.TenantID] += f.SizeBytes
		}
	}
	tenants := map[string]struct{}{}
	for t := range actual {
		tenants[t] = struct{}{}
	}
	for t := range r.db.used {
		tenants[t] = struct{}{}
	}
	var out []model.QuotaDrift
	for t := range tenants {
		if actual[t] != r.db.used[t] {
			out = append(out, model.QuotaDrift{TenantID: t, LedgerBytes: r.db.used[t], ActualBytes: actual[t]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

type fakeRuns struct{ fakeRepos }

func (r fakeRuns) Create(_ context.Context, run *model.ArchiveRun) error {
	defer r.lock()()
	if _, ok := r.db.runs[run.ID]; ok {
		return repository.ErrConflict
	}
	r.db.runs[run.ID] = *run
	return nil
}

func (r fakeRuns) Finish(_ context.Context, id string, success, failure int, lastError *string, at time.Time) error {
	defer r.lock()()
	run, ok := r.db.runs[id]
	if !ok || run.FinishedAt != nil {
		return repository.ErrNotFound
	}
	run.SuccessCount, run.FailureCount, run.LastError, run.FinishedAt = success, failure, lastError, &at
	r.db.runs[id] = run
	return nil
}

func (r fakeRuns) GetByID(_ context.Context, id string) (*model.ArchiveRun, error) {
	defer r.lock()()
	run, ok := r.db.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &run, nil
}

func (r fakeRuns) ListRecent(_ context.Context, limit int) ([]*model.ArchiveRun, error) {
	defer r.lock()()
	var out []*model.ArchiveRun
	for _, run := range r.db.runs {
		out = append(out, &run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEntitlements struct{ fakeRepos }

func (r fakeEntitlements) Get(_ context.Context, tenant string) (*model.Entitlement, error) {
	defer r.lock()()
	e, ok := r.db.entitlements[tenant]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (r fakeEntitlements) Upsert(_ context.Context, e *model.Entitlement) error {
	defer r.lock()()
	e.UpdatedAt = time.Now().UTC()
	r.db.entitlements[e.TenantID] = *e
	return nil
}

// --- тестовое окружение ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv — сервисы поверх fakeDB и хранилищ в памяти.
type testEnv struct {
	db           *fakeDB
	active       *bytestore.BillyStore
	archive      *bytestore.BillyStore
	clock        *clock.Mock
	entitlements *EntitlementService
	ingest       *IngestService
	files        *FileService
	archival     *ArchivalService
	quota        *QuotaService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newFakeDB()
	active := bytestore.NewMemStore()
	archive := bytestore.NewMemStore()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := testLogger()

	ent := NewEntitlementService(db.Repos().Entitlements, 100, time.Minute, logger)

	return &testEnv{
		db:           db,
		active:       active,
		archive:      archive,
		clock:        clk,
		entitlements: ent,
		ingest: NewIngestService(db, active, ent, IngestConfig{
			MaxUploadSize:       1 << 20,
			AllowedContentTypes: []string{"application/pdf", "image/*", "text/plain"},
		}, clk, logger),
		files: NewFileService(db.Repos(), db, active, ent, clk, logger),
		archival: NewArchivalService(db.Repos(), db, active, archive, ArchivalConfig{
			RetentionDays: 0,
			BatchSize:     100,
			TmpMaxAge:     24 * time.Hour,
		}, clk, logger),
		quota: NewQuotaService(db.Repos(), db, logger),
	}
}

func ptr[T any](v T) *T { return &v }
