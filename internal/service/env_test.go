package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"

	"github.com/bigkaa/goartstore/storage-manager/internal/backend"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

const testTenant = "tenant-a"

// testEnv — связанный набор сервисов поверх in-memory базы.
type testEnv struct {
	db         *memDB
	known      *KnownBackends
	ledger     *RequestLedger
	files      *FileReferenceService
	registry   *BackendRegistry
	resolver   *fakeResolver
	queue      *fakeQueue
	dispatcher *Dispatcher
	cache      *CacheManager
	runner     *JobRunner
	notifier   *fakeNotifier
	fs         billy.Filesystem
	now        time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	plugins := backend.NewRegistry()
	plugins.Register("fake", func(*model.BackendEntry, []backend.Backend, *slog.Logger) (backend.Backend, error) {
		return nil, nil
	})

	env := &testEnv{
		db:       newMemDB(),
		resolver: newFakeResolver(),
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
		fs:       memfs.New(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.known = NewKnownBackends(logger)
	env.ledger = NewRequestLedger(env.db, env.known, logger)
	env.files = NewFileReferenceService(env.db, env.ledger, logger)
	env.files.now = func() time.Time { return env.now }
	env.registry = NewBackendRegistry(env.db, plugins, logger)
	env.registry.AddListener(env.known)
	env.dispatcher = NewDispatcher(env.db, env.resolver, env.known, env.queue, 1000, logger)
	env.cache = NewCacheManager(env.db, env.ledger, env.dispatcher, env.notifier, env.fs, CacheConfig{
		MaxSize:    200,
		PurgeUpper: 100,
		PurgeLower: 50,
		MinTTL:     time.Hour,
		PageSize:   2,
	}, logger)
	env.cache.now = func() time.Time { return env.now }
	env.runner = NewJobRunner(env.db, env.resolver, env.files, env.cache, logger)

	if err := env.cache.Startup(context.Background(), testTenant); err != nil {
		t.Fatalf("Startup() ошибка: %v", err)
	}
	return env
}

// addBackend регистрирует активный бэкенд и связывает его с fakeBackend.
func (e *testEnv) addBackend(t *testing.T, label string, bt model.BackendType) (*model.BackendEntry, *fakeBackend) {
	t.Helper()
	entry, err := e.registry.Register(context.Background(), testTenant, bt, model.BackendConfig{
		Label:    label,
		PluginID: "fake",
		Active:   true,
	})
	if err != nil {
		t.Fatalf("Register(%s) ошибка: %v", label, err)
	}
	fb := newFakeBackend(label, bt)
	e.resolver.set(entry.ID, fb)
	return entry, fb
}

// requests возвращает запросы вида kind, упорядоченные по id.
func (e *testEnv) requests(t *testing.T, kind model.RequestKind) []*model.FileRequest {
	t.Helper()
	var result []*model.FileRequest
	err := e.db.Do(context.Background(), testTenant, func(r repository.Repos) error {
		var err error
		result, err = r.Requests.Page(context.Background(), repository.RequestFilter{Kind: kind}, 0, 10000)
		return err
	})
	if err != nil {
		t.Fatalf("чтение запросов: %v", err)
	}
	return result
}

// request возвращает запрос по ключу или nil.
func (e *testEnv) request(t *testing.T, kind model.RequestKind, checksum, storage string) *model.FileRequest {
	t.Helper()
	var req *model.FileRequest
	e.db.view(testTenant, func(mt *memTenant) {
		for _, r := range mt.requests {
			if r.Kind == kind && r.Meta.Checksum == checksum && r.Storage() == storage {
				req = cloneReq(r)
			}
		}
	})
	return req
}

// cached возвращает файл кэша или nil.
func (e *testEnv) cached(checksum string) *model.CachedFile {
	var cf *model.CachedFile
	e.db.view(testTenant, func(mt *memTenant) {
		for _, c := range mt.cache {
			if c.Checksum == checksum {
				cp := *c
				cf = &cp
			}
		}
	})
	return cf
}

// putCached создаёт запись кэша и, если content не пуст, файл на диске.
func (e *testEnv) putCached(t *testing.T, cf *model.CachedFile, content string) *model.CachedFile {
	t.Helper()
	if cf.Location == "" {
		cf.Location = cf.Checksum
	}
	err := e.db.Do(context.Background(), testTenant, func(r repository.Repos) error {
		return r.Cache.Create(context.Background(), cf)
	})
	if err != nil {
		t.Fatalf("создание файла кэша: %v", err)
	}
	if content != "" {
		writeFile(t, e.fs, e.fs.Join(testTenant, cf.Location), content)
	}
	return cf
}

func writeFile(t *testing.T, fs billy.Filesystem, name, content string) {
	t.Helper()
	f, err := fs.Create(name)
	if err != nil {
		t.Fatalf("создание %s: %v", name, err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		t.Fatalf("запись %s: %v", name, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("закрытие %s: %v", name, err)
	}
}

func fileExists(fs billy.Filesystem, name string) bool {
	_, err := fs.Stat(name)
	return err == nil
}
