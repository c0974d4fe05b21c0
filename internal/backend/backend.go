// Пакет backend — контракт плагинов хранения, фабрика плагинов по идентификатору
// и резолвер экземпляров с кэшированием по (tenant, id).
//
// Плагин получает страницу запросов журнала, делит её на рабочие подмножества
// (Prepare / PrepareForDeletion), а затем обрабатывает каждое подмножество
// в отдельной задаче (Store / Delete / Retrieve), сообщая результат по каждому
// запросу через Reporter.
package backend

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

var (
	// ErrUnknownPlugin — плагин с таким идентификатором не зарегистрирован.
	ErrUnknownPlugin = errors.New("неизвестный плагин бэкенда")
	// ErrDependencyCycle — циклическая зависимость между бэкендами.
	ErrDependencyCycle = errors.New("циклическая зависимость бэкендов")
	// ErrInvalidParams — некорректные параметры плагина.
	ErrInvalidParams = errors.New("некорректные параметры плагина")
	// ErrFileNotFound — файл отсутствует на бэкенде.
	ErrFileNotFound = errors.New("файл отсутствует на бэкенде")
)

// Mode — режим подготовки запросов.
type Mode string

const (
	// ModeStore — подготовка запросов сохранения
	ModeStore Mode = "STORE"
	// ModeRetrieve — подготовка запросов восстановления
	ModeRetrieve Mode = "RETRIEVE"
)

// WorkingSubset — подмножество запросов, обрабатываемое одной задачей.
type WorkingSubset struct {
	Requests []*model.FileRequest
}

// IDs возвращает идентификаторы запросов подмножества.
func (s WorkingSubset) IDs() []int64 {
	ids := make([]int64, len(s.Requests))
	for i, r := range s.Requests {
		ids[i] = r.ID
	}
	return ids
}

// Size возвращает суммарный размер файлов подмножества.
func (s WorkingSubset) Size() int64 {
	var total int64
	for _, r := range s.Requests {
		total += r.Meta.FileSize
	}
	return total
}

// Reporter принимает результаты обработки отдельных запросов задачи.
type Reporter interface {
	// Target открывает файл, в который плагин записывает восстановленное содержимое.
	Target(req *model.FileRequest) (io.WriteCloser, error)
	// Stored — файл сохранён на бэкенде по адресу url.
	Stored(ctx context.Context, req *model.FileRequest, url string)
	// Deleted — файл удалён с бэкенда.
	Deleted(ctx context.Context, req *model.FileRequest)
	// Retrieved — файл восстановлен в Target, записано size байт.
	Retrieved(ctx context.Context, req *model.FileRequest, size int64)
	// Failed — обработка запроса завершилась ошибкой.
	Failed(ctx context.Context, req *model.FileRequest, cause string)
}

// Backend — экземпляр плагина, привязанный к записи реестра.
type Backend interface {
	Label() string
	Type() model.BackendType
	// Prepare делит запросы сохранения или восстановления на рабочие подмножества.
	Prepare(reqs []*model.FileRequest, mode Mode) ([]WorkingSubset, error)
	// PrepareForDeletion делит запросы удаления на рабочие подмножества.
	PrepareForDeletion(reqs []*model.FileRequest) ([]WorkingSubset, error)
	Store(ctx context.Context, subset WorkingSubset, reporter Reporter) error
	Delete(ctx context.Context, subset WorkingSubset, reporter Reporter) error
	Retrieve(ctx context.Context, subset WorkingSubset, reporter Reporter) error
	// Available проверяет доступность бэкенда. nil — доступен.
	Available(ctx context.Context) error
}

// Opener — бэкенд, из которого другие бэкенды могут читать файлы.
type Opener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// Chunk делит запросы на подмножества не более size запросов.
func Chunk(reqs []*model.FileRequest, size int) []WorkingSubset {
	if size <= 0 {
		size = len(reqs)
	}
	var subsets []WorkingSubset
	for start := 0; start < len(reqs); start += size {
		end := min(start+size, len(reqs))
		subsets = append(subsets, WorkingSubset{Requests: reqs[start:end:end]})
	}
	return subsets
}

// ChunkBySize делит запросы на подмножества суммарным размером не более maxBytes.
// Файл больше maxBytes образует отдельное подмножество.
func ChunkBySize(reqs []*model.FileRequest, maxBytes int64) []WorkingSubset {
	if maxBytes <= 0 {
		return Chunk(reqs, 0)
	}
	var subsets []WorkingSubset
	var current []*model.FileRequest
	var size int64
	for _, r := range reqs {
		if len(current) > 0 && size+r.Meta.FileSize > maxBytes {
			subsets = append(subsets, WorkingSubset{Requests: current})
			current, size = nil, 0
		}
		current = append(current, r)
		size += r.Meta.FileSize
	}
	if len(current) > 0 {
		subsets = append(subsets, WorkingSubset{Requests: current})
	}
	return subsets
}

// LocalPath преобразует file:// URL в путь файловой системы.
func LocalPath(url string) string {
	return strings.TrimPrefix(url, "file://")
}

// OpenOrigin открывает исходный файл запроса сохранения.
// Если origin указывает на бэкенд из deps, файл читается через него,
// иначе — из локальной файловой системы sources.
func OpenOrigin(ctx context.Context, origin model.FileLocation, deps []Backend, sources billy.Filesystem) (io.ReadCloser, error) {
	if origin.Storage != "" {
		for _, d := range deps {
			if d.Label() != origin.Storage {
				continue
			}
			opener, ok := d.(Opener)
			if !ok {
				return nil, errors.New("бэкенд " + d.Label() + " не поддерживает чтение файлов")
			}
			return opener.Open(ctx, origin.URL)
		}
	}
	if sources == nil {
		return nil, errors.New("локальные источники недоступны")
	}
	return sources.Open(LocalPath(origin.URL))
}
