// Пакет backendtest — вспомогательные типы для тестов плагинов.
package backendtest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// Reporter запоминает результаты обработки запросов по контрольной сумме.
type Reporter struct {
	mu       sync.Mutex
	urls     map[string]string
	deleted  map[string]bool
	sizes    map[string]int64
	failures map[string]string
	buffers  map[string]*bytes.Buffer
}

// NewReporter создаёт пустой Reporter.
func NewReporter() *Reporter {
	return &Reporter{
		urls:     make(map[string]string),
		deleted:  make(map[string]bool),
		sizes:    make(map[string]int64),
		failures: make(map[string]string),
		buffers:  make(map[string]*bytes.Buffer),
	}
}

type bufferCloser struct{ *bytes.Buffer }

func (bufferCloser) Close() error { return nil }

func (r *Reporter) Target(req *model.FileRequest) (io.WriteCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := &bytes.Buffer{}
	r.buffers[req.Meta.Checksum] = buf
	return bufferCloser{buf}, nil
}

func (r *Reporter) Stored(_ context.Context, req *model.FileRequest, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls[req.Meta.Checksum] = url
}

func (r *Reporter) Deleted(_ context.Context, req *model.FileRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted[req.Meta.Checksum] = true
}

func (r *Reporter) Retrieved(_ context.Context, req *model.FileRequest, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes[req.Meta.Checksum] = size
}

func (r *Reporter) Failed(_ context.Context, req *model.FileRequest, cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[req.Meta.Checksum] = cause
}

// URL возвращает адрес сохранённого файла.
func (r *Reporter) URL(checksum string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.urls[checksum]
	return u, ok
}

// IsDeleted сообщает, подтверждено ли удаление файла.
func (r *Reporter) IsDeleted(checksum string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleted[checksum]
}

// Content возвращает восстановленное содержимое и заявленный размер.
func (r *Reporter) Content(checksum string) ([]byte, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size, ok := r.sizes[checksum]
	if !ok {
		return nil, 0, false
	}
	return r.buffers[checksum].Bytes(), size, true
}

// Failure возвращает причину ошибки обработки файла.
func (r *Reporter) Failure(checksum string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.failures[checksum]
	return c, ok
}
