package model

import (
	"slices"
	"time"
)

// FileLocation — местоположение файла: метка бэкенда и URL внутри него.
type FileLocation struct {
	// Storage — метка бэкенда (label из backend_entries)
	Storage string
	// URL — адрес файла, специфичный для бэкенда
	URL string
}

// Equal сравнивает два местоположения по метке бэкенда.
// URL не участвует: один и тот же бэкенд может адресовать файл по-разному.
func (l FileLocation) Equal(other FileLocation) bool {
	return l.Storage == other.Storage
}

// FileMetaInfo — метаданные файла, передаваемые вместе с запросом.
type FileMetaInfo struct {
	// Checksum — контрольная сумма файла
	Checksum string
	// Algorithm — алгоритм контрольной суммы (sha256, md5)
	Algorithm string
	// FileName — имя файла
	FileName string
	// FileSize — размер файла в байтах
	FileSize int64
	// MimeType — MIME-тип
	MimeType string
	// Types — классификационные теги (rawdata, quicklook, ...)
	Types []string
}

// Equal проверяет совпадение метаданных.
func (m FileMetaInfo) Equal(other FileMetaInfo) bool {
	return m.Checksum == other.Checksum &&
		m.Algorithm == other.Algorithm &&
		m.FileName == other.FileName &&
		m.FileSize == other.FileSize &&
		m.MimeType == other.MimeType &&
		slices.Equal(m.Types, other.Types)
}

// FileReference — файл, хранящийся на бэкенде.
// Хранится в таблице file_references, уникален по (tenant, checksum, storage).
type FileReference struct {
	// ID — внутренний идентификатор
	ID int64
	// Tenant — арендатор
	Tenant string
	// Meta — метаданные файла
	Meta FileMetaInfo
	// Location — бэкенд и URL файла
	Location FileLocation
	// Owners — упорядоченный набор владельцев.
	// Пустой набор означает, что файл ожидает удаления с бэкенда.
	Owners []string
	// StoredAt — время подтверждения хранения
	StoredAt time.Time
}

// HasOwner проверяет, есть ли владелец в наборе.
func (f *FileReference) HasOwner(owner string) bool {
	return slices.Contains(f.Owners, owner)
}

// PendingDeletion сообщает, что владельцев не осталось.
func (f *FileReference) PendingDeletion() bool {
	return len(f.Owners) == 0
}

// MergeOwners объединяет наборы владельцев с сохранением порядка.
// Повторный вызов с теми же владельцами ничего не меняет.
func MergeOwners(current, added []string) []string {
	result := slices.Clone(current)
	for _, o := range added {
		if o == "" || slices.Contains(result, o) {
			continue
		}
		result = append(result, o)
	}
	return result
}

// RemoveOwners возвращает набор без указанных владельцев.
func RemoveOwners(current, removed []string) []string {
	result := make([]string, 0, len(current))
	for _, o := range current {
		if !slices.Contains(removed, o) {
			result = append(result, o)
		}
	}
	return result
}
