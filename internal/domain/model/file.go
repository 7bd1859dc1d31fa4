// Пакет model — доменные модели practice-store.
package model

import "time"

// StorageBackendLocal — тег бэкенда для иерархического хранилища (локальная ФС).
const StorageBackendLocal = "local"

// FileRecord — строка активного каталога (таблица patient_files).
type FileRecord struct {
	// Уникальный идентификатор файла (UUID)
	ID string
	// Тенант (организация), которому принадлежит файл
	TenantID string
	// Пациент-владелец файла
	PatientID string
	// Исходное имя файла
	OriginalName string
	// MIME-тип
	ContentType string
	// Размер в байтах, посчитанный по фактически записанным данным
	SizeBytes int64
	// Тег бэкенда хранения
	StorageBackend string
	// Относительный путь blob-а в хранилище
	StoragePath string
	// SHA-256 (hex)
	ChecksumSHA256 string
	Comment        *string
	UploadedBy     *string
	UploadedAt     time.Time
	// Время soft delete (nil — файл активен)
	DeletedAt *time.Time
	DeletedBy *string
}

// IsDeleted сообщает, помечен ли файл как удалённый.
func (f *FileRecord) IsDeleted() bool {
	return f.DeletedAt != nil
}

// Summary возвращает проекцию для листинга.
func (f *FileRecord) Summary() FileSummary {
	return FileSummary{
		ID:             f.ID,
		TenantID:       f.TenantID,
		PatientID:      f.PatientID,
		OriginalName:   f.OriginalName,
		ContentType:    f.ContentType,
		SizeBytes:      f.SizeBytes,
		ChecksumSHA256: f.ChecksumSHA256,
		Comment:        f.Comment,
		UploadedBy:     f.UploadedBy,
		UploadedAt:     f.UploadedAt,
		DeletedAt:      f.DeletedAt,
		DeletedBy:      f.DeletedBy,
	}
}

// ArchivedFile — строка архивного каталога (таблица patient_files_archive).
type ArchivedFile struct {
	FileRecord
	// Время переноса в архив
	ArchivedAt time.Time
}

// FileSummary — элемент списка файлов пациента.
// Удалённые файлы присутствуют с отметкой DeletedAt.
type FileSummary struct {
	ID             string     `json:"file_id"`
	TenantID       string     `json:"tenant_id"`
	PatientID      string     `json:"patient_id"`
	OriginalName   string     `json:"original_name"`
	ContentType    string     `json:"content_type"`
	SizeBytes      int64      `json:"size_bytes"`
	ChecksumSHA256 string     `json:"checksum_sha256"`
	Comment        *string    `json:"comment,omitempty"`
	UploadedBy     *string    `json:"uploaded_by,omitempty"`
	UploadedAt     time.Time  `json:"uploaded_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	DeletedBy      *string    `json:"deleted_by,omitempty"`
}
