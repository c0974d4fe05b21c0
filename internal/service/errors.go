// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrForbidden — операция запрещена текущим состоянием.
	ErrForbidden = errors.New("операция запрещена")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrUnknownBackend — бэкенд неизвестен или отключён.
	ErrUnknownBackend = errors.New("бэкенд неизвестен или отключён")
	// ErrUnknownTenant — арендатор не сконфигурирован.
	ErrUnknownTenant = errors.New("неизвестный арендатор")
)
