package model

import "time"

// Entitlement — настройки тенанта, влияющие на хранилище.
type Entitlement struct {
	TenantID string `yaml:"tenant_id"`
	// Лимит в байтах; nil — лимит не выдан
	StorageQuotaBytes *int64    `yaml:"storage_quota_bytes"`
	UpdatedAt         time.Time `yaml:"-"`
}

// QuotaUsage — текущее использование квоты тенантом.
type QuotaUsage struct {
	TenantID    string `json:"tenant_id"`
	UsedBytes   int64  `json:"used_bytes"`
	LimitBytes  *int64 `json:"limit_bytes,omitempty"`
	ActiveFiles int    `json:"active_files"`
}

// QuotaDrift — расхождение ledger с суммой размеров файлов в каталоге.
type QuotaDrift struct {
	TenantID    string
	LedgerBytes int64
	ActualBytes int64
}
