package model

import "time"

// CacheState — состояние файла в кэше.
type CacheState string

const (
	// CacheQueued — ожидает восстановления
	CacheQueued CacheState = "QUEUED"
	// CacheRestoring — копируется плагином в кэш
	CacheRestoring CacheState = "RESTORING"
	// CacheAvailable — доступен для скачивания
	CacheAvailable CacheState = "AVAILABLE"
)

// CachedFile — локальная копия nearline-файла.
// Хранится в таблице cached_files, уникальна по (tenant, checksum).
type CachedFile struct {
	ID       int64
	Tenant   string
	Checksum string
	// Location — путь к файлу относительно каталога кэша арендатора
	Location string
	// Size — размер в байтах
	Size int64
	// Expiration — момент, после которого копия удаляется
	Expiration time.Time
	// LastRequestDate — время последнего запроса файла
	LastRequestDate time.Time
	State           CacheState
	// Source — метка nearline-бэкенда, из которого восстанавливается файл
	Source string
	// FailureCause — причина последней неудачи восстановления
	FailureCause string
}

// IsExpired проверяет, истёк ли срок хранения копии.
func (c *CachedFile) IsExpired(now time.Time) bool {
	return c.Expiration.Before(now)
}

// CacheUsage — занятость кэша арендатора.
type CacheUsage struct {
	// Used — сумма размеров AVAILABLE и RESTORING файлов
	Used int64
	// Queued — количество файлов в очереди
	Queued int
	// MaxSize — максимальный размер кэша
	MaxSize int64
}

// Free возвращает оставшееся свободное место.
func (u CacheUsage) Free() int64 {
	free := u.MaxSize - u.Used
	if free < 0 {
		return 0
	}
	return free
}
