package model

import (
	"fmt"
	"strings"
	"time"
)

// BackendType — тип бэкенда.
type BackendType string

const (
	// BackendOnline — файлы доступны для скачивания напрямую
	BackendOnline BackendType = "ONLINE"
	// BackendNearline — файлы требуют предварительного восстановления в кэш
	BackendNearline BackendType = "NEARLINE"
)

// ParseBackendType разбирает тип бэкенда без учёта регистра.
func ParseBackendType(s string) (BackendType, error) {
	switch BackendType(strings.ToUpper(s)) {
	case BackendOnline:
		return BackendOnline, nil
	case BackendNearline:
		return BackendNearline, nil
	default:
		return "", fmt.Errorf("недопустимый тип бэкенда: %q, допустимые: online, nearline", s)
	}
}

// BackendConfig — конфигурация плагина бэкенда.
type BackendConfig struct {
	// Label — уникальная метка бэкенда (используется в FileLocation.Storage)
	Label string
	// PluginID — идентификатор плагина в фабрике (disk, s3)
	PluginID string
	// Active — бэкенд включён
	Active bool
	// Params — параметры плагина
	Params map[string]string
	// DependsOn — идентификаторы бэкендов, от которых зависит плагин
	DependsOn []int64
}

// BackendEntry — запись реестра бэкендов с ключом (type, priority).
// Хранится в таблице backend_entries.
type BackendEntry struct {
	ID     int64
	Tenant string
	Type   BackendType
	// Priority — 0 — наивысший. nil только внутри обмена приоритетами.
	Priority  *int
	Config    BackendConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PriorityValue возвращает приоритет или -1, если он не задан.
func (e *BackendEntry) PriorityValue() int {
	if e.Priority == nil {
		return -1
	}
	return *e.Priority
}

// IntPtr — вспомогательная функция для приоритетов.
func IntPtr(v int) *int {
	return &v
}
