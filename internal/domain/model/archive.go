package model

import "time"

// ArchiveCandidate — файл, выбранный для архивирования в текущем прогоне.
// Не сохраняется в БД.
type ArchiveCandidate struct {
	FileID      string
	TenantID    string
	PatientID   string
	StoragePath string
	DeletedAt   time.Time
}

// ArchiveRun — запись журнала прогонов архивирования.
type ArchiveRun struct {
	ID           string     `json:"run_id"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	LastError    *string    `json:"last_error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// IsFinished сообщает, был ли прогон финализирован.
func (r *ArchiveRun) IsFinished() bool {
	return r.FinishedAt != nil
}
