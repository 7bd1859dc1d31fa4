package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/practicestore/internal/domain/model"
	"github.com/bigkaa/practicestore/internal/repository"
)

// countingEntitlements считает обращения к репозиторию.
type countingEntitlements struct {
	repository.EntitlementRepository
	gets atomic.Int32
}

func (c *countingEntitlements) Get(ctx context.Context, tenantID string) (*model.Entitlement, error) {
	c.gets.Add(1)
	return c.EntitlementRepository.Get(ctx, tenantID)
}

func newCountingService(t *testing.T) (*EntitlementService, *countingEntitlements, *fakeDB) {
	t.Helper()
	db := newFakeDB()
	repo := &countingEntitlements{EntitlementRepository: db.Repos().Entitlements}
	return NewEntitlementService(repo, 10, time.Minute, testLogger()), repo, db
}

func TestEntitlementService_Cache(t *testing.T) {
	svc, repo, db := newCountingService(t)
	ctx := context.Background()
	db.setQuota("clinic-1", 100)

	for i := 0; i < 3; i++ {
		limit, ok, err := svc.QuotaLimit(ctx, "clinic-1")
		if err != nil || !ok || limit != 100 {
			t.Fatalf("QuotaLimit() = %d, %v, %v", limit, ok, err)
		}
	}
	if n := repo.gets.Load(); n != 1 {
		t.Errorf("обращений к репозиторию %d, ожидали 1", n)
	}

	// Upsert сбрасывает кэш
	if err := svc.Upsert(ctx, "clinic-1", ptr(int64(200))); err != nil {
		t.Fatalf("Upsert() ошибка: %v", err)
	}
	limit, _, _ := svc.QuotaLimit(ctx, "clinic-1")
	if limit != 200 {
		t.Errorf("лимит после Upsert = %d", limit)
	}
	if n := repo.gets.Load(); n != 2 {
		t.Errorf("обращений к репозиторию %d, ожидали 2", n)
	}
}

func TestEntitlementService_MissingNotCached(t *testing.T) {
	svc, repo, db := newCountingService(t)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "clinic-1"); !errors.Is(err, ErrNoEntitlement) {
		t.Fatalf("Get() = %v, ожидали ErrNoEntitlement", err)
	}
	_, ok, err := svc.QuotaLimit(ctx, "clinic-1")
	if err != nil || ok {
		t.Errorf("QuotaLimit(нет) = %v, %v", ok, err)
	}

	db.setQuota("clinic-1", 5)
	limit, ok, err := svc.QuotaLimit(ctx, "clinic-1")
	if err != nil || !ok || limit != 5 {
		t.Errorf("QuotaLimit() после выдачи = %d, %v, %v", limit, ok, err)
	}
	if n := repo.gets.Load(); n != 3 {
		t.Errorf("обращений к репозиторию %d, ожидали 3", n)
	}
}

func TestEntitlementService_NullQuotaNotCached(t *testing.T) {
	svc, repo, db := newCountingService(t)
	ctx := context.Background()

	if err := db.Repos().Entitlements.Upsert(ctx, &model.Entitlement{TenantID: "clinic-1"}); err != nil {
		t.Fatalf("Upsert() ошибка: %v", err)
	}
	_, ok, err := svc.QuotaLimit(ctx, "clinic-1")
	if err != nil || ok {
		t.Fatalf("QuotaLimit(без лимита) = %v, %v", ok, err)
	}

	// Лимит выдан в обход сервиса: кэш не должен его скрывать
	db.setQuota("clinic-1", 42)
	limit, ok, err := svc.QuotaLimit(ctx, "clinic-1")
	if err != nil || !ok || limit != 42 {
		t.Errorf("QuotaLimit() после выдачи = %d, %v, %v", limit, ok, err)
	}
	if n := repo.gets.Load(); n != 2 {
		t.Errorf("обращений к репозиторию %d, ожидали 2", n)
	}
}

func TestEntitlementService_UpsertValidation(t *testing.T) {
	svc, _, _ := newCountingService(t)
	ctx := context.Background()

	if err := svc.Upsert(ctx, "", ptr(int64(1))); !errors.Is(err, ErrValidation) {
		t.Errorf("Upsert(пустой тенант) = %v", err)
	}
	if err := svc.Upsert(ctx, "clinic-1", ptr(int64(-1))); !errors.Is(err, ErrValidation) {
		t.Errorf("Upsert(отрицательная квота) = %v", err)
	}
}

func TestEntitlementService_LoadYAML(t *testing.T) {
	svc, _, db := newCountingService(t)
	ctx := context.Background()

	doc := `
tenants:
  - tenant_id: clinic-1
    storage_quota_bytes: 10737418240
  - tenant_id: clinic-2
`
	n, err := svc.LoadYAML(ctx, strings.NewReader(doc))
	if err != nil || n != 2 {
		t.Fatalf("LoadYAML() = %d, %v", n, err)
	}
	if e := db.entitlements["clinic-1"]; e.StorageQuotaBytes == nil || *e.StorageQuotaBytes != 10737418240 {
		t.Errorf("clinic-1 = %+v", e)
	}
	if e, ok := db.entitlements["clinic-2"]; !ok || e.StorageQuotaBytes != nil {
		t.Errorf("clinic-2 = %+v, %v", e, ok)
	}

	bad := []string{
		"tenants:\n  - tenant_id: x\n    quota: 1\n",
		"tenants:\n  - tenant_id: x\n    storage_quota_bytes: -5\n",
		"tenants: [",
	}
	for _, b := range bad {
		if _, err := svc.LoadYAML(ctx, strings.NewReader(b)); !errors.Is(err, ErrValidation) {
			t.Errorf("LoadYAML(%q) = %v, ожидали ErrValidation", b, err)
		}
	}
}
