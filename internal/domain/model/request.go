package model

import (
	"fmt"
	"time"
)

// RequestKind — вид запроса в журнале.
type RequestKind string

const (
	// KindStorage — сохранение файла на бэкенд
	KindStorage RequestKind = "storage"
	// KindDeletion — физическое удаление файла с бэкенда
	KindDeletion RequestKind = "deletion"
	// KindRestoration — восстановление nearline-файла в кэш
	KindRestoration RequestKind = "restoration"
)

// ParseRequestKind разбирает строковое представление вида запроса.
func ParseRequestKind(s string) (RequestKind, error) {
	switch RequestKind(s) {
	case KindStorage, KindDeletion, KindRestoration:
		return RequestKind(s), nil
	default:
		return "", fmt.Errorf("недопустимый вид запроса: %q", s)
	}
}

// RequestStatus — состояние запроса.
type RequestStatus string

const (
	// StatusTodo — запрос ожидает планирования
	StatusTodo RequestStatus = "TODO"
	// StatusPending — запрос упакован в задачу
	StatusPending RequestStatus = "PENDING"
	// StatusError — запрос завершился ошибкой
	StatusError RequestStatus = "ERROR"
)

// MaxErrorCauseLength — максимальная длина причины ошибки.
const MaxErrorCauseLength = 512

// FileRequest — строка журнала запросов (storage, deletion, restoration).
// Уникальна по (tenant, kind, checksum, storage).
type FileRequest struct {
	ID     int64
	Tenant string
	Kind   RequestKind
	// Meta — снимок метаданных файла
	Meta FileMetaInfo
	// Owners — владельцы, запросившие операцию
	Owners []string
	// Origin — откуда файл берётся
	Origin FileLocation
	// Destination — куда файл помещается. Для restoration — путь в кэше.
	Destination FileLocation
	Status      RequestStatus
	// ErrorCause — причина ошибки (только для ERROR)
	ErrorCause string
	// JobID — задача, в которую упакован запрос
	JobID     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Storage возвращает метку бэкенда, к которому относится запрос.
// Для storage и deletion это назначение, для restoration — источник.
func (r *FileRequest) Storage() string {
	if r.Kind == KindRestoration {
		return r.Origin.Storage
	}
	return r.Destination.Storage
}

// SetError переводит запрос в ERROR с обрезанной причиной.
func (r *FileRequest) SetError(cause string) {
	r.Status = StatusError
	r.ErrorCause = TruncateCause(cause)
}

// TruncateCause обрезает причину ошибки до MaxErrorCauseLength символов.
func TruncateCause(cause string) string {
	runes := []rune(cause)
	if len(runes) <= MaxErrorCauseLength {
		return cause
	}
	return string(runes[:MaxErrorCauseLength])
}
