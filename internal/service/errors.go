// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — файл не найден, удалён или принадлежит другому тенанту.
	ErrNotFound = errors.New("файл не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrUnsupportedType — MIME-тип не входит в список разрешённых.
	ErrUnsupportedType = errors.New("неподдерживаемый тип содержимого")
	// ErrTooLarge — файл превышает максимальный размер загрузки.
	ErrTooLarge = errors.New("файл превышает допустимый размер")
	// ErrNoEntitlement — у тенанта нет лимита хранилища.
	ErrNoEntitlement = errors.New("у тенанта нет лимита хранилища")
	// ErrQuotaExceeded — загрузка превысит квоту тенанта.
	ErrQuotaExceeded = errors.New("квота хранилища превышена")
	// ErrArchivalInProgress — прогон архивирования уже выполняется.
	ErrArchivalInProgress = errors.New("архивирование уже выполняется")
)
