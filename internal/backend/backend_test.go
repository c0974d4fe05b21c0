package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubBackend — минимальный плагин для тестов резолвера.
type stubBackend struct {
	entry  *model.BackendEntry
	deps   []Backend
	closed atomic.Bool
}

func (b *stubBackend) Label() string           { return b.entry.Config.Label }
func (b *stubBackend) Type() model.BackendType { return b.entry.Type }
func (b *stubBackend) Prepare(reqs []*model.FileRequest, _ Mode) ([]WorkingSubset, error) {
	return Chunk(reqs, 0), nil
}
func (b *stubBackend) PrepareForDeletion(reqs []*model.FileRequest) ([]WorkingSubset, error) {
	return Chunk(reqs, 0), nil
}
func (b *stubBackend) Store(context.Context, WorkingSubset, Reporter) error    { return nil }
func (b *stubBackend) Delete(context.Context, WorkingSubset, Reporter) error   { return nil }
func (b *stubBackend) Retrieve(context.Context, WorkingSubset, Reporter) error { return nil }
func (b *stubBackend) Available(context.Context) error                        { return nil }
func (b *stubBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *stubBackend) Open(_ context.Context, url string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: %s", ErrFileNotFound, url)
}

// graph — набор записей реестра для загрузчика.
type graph map[int64]*model.BackendEntry

func (g graph) add(id int64, deps ...int64) {
	g[id] = &model.BackendEntry{
		ID:     id,
		Tenant: "t1",
		Type:   model.BackendOnline,
		Config: model.BackendConfig{Label: fmt.Sprintf("b%d", id), PluginID: "stub", Active: true, DependsOn: deps},
	}
}

func (g graph) loader(calls *atomic.Int32) EntryLoader {
	return func(_ context.Context, _ string, id int64) (*model.BackendEntry, error) {
		if calls != nil {
			calls.Add(1)
		}
		e, ok := g[id]
		if !ok {
			return nil, fmt.Errorf("бэкенд %d не найден", id)
		}
		return e, nil
	}
}

func newStubRegistry(builds *atomic.Int32, delay time.Duration) *Registry {
	reg := NewRegistry()
	reg.Register("stub", func(entry *model.BackendEntry, deps []Backend, _ *slog.Logger) (Backend, error) {
		if builds != nil {
			builds.Add(1)
		}
		time.Sleep(delay)
		return &stubBackend{entry: entry, deps: deps}, nil
	})
	return reg
}

// TestRegistry_UnknownPlugin проверяет ошибку неизвестного плагина.
func TestRegistry_UnknownPlugin(t *testing.T) {
	reg := newStubRegistry(nil, 0)
	if _, err := reg.Get("tape"); !errors.Is(err, ErrUnknownPlugin) {
		t.Errorf("Get(tape) = %v, ожидается ErrUnknownPlugin", err)
	}
	if !reg.Has("stub") {
		t.Error("Has(stub) = false")
	}
	if got := reg.Plugins(); len(got) != 1 || got[0] != "stub" {
		t.Errorf("Plugins() = %v", got)
	}
}

// TestResolver_DependenciesBuiltFirst проверяет построение зависимостей.
func TestResolver_DependenciesBuiltFirst(t *testing.T) {
	g := graph{}
	g.add(1, 2, 3)
	g.add(2, 3)
	g.add(3)

	var builds atomic.Int32
	r, err := NewResolver(newStubRegistry(&builds, 0), g.loader(nil), 16, testLogger())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	b, release, err := r.Resolve(context.Background(), "t1", 1)
	if err != nil {
		t.Fatalf("Resolve(1): %v", err)
	}
	defer release()
	root := b.(*stubBackend)
	if len(root.deps) != 2 || root.deps[0].Label() != "b2" || root.deps[1].Label() != "b3" {
		t.Fatalf("зависимости b1 = %v", root.deps)
	}
	// b3 построен один раз и разделяется между b1 и b2
	if root.deps[1] != root.deps[0].(*stubBackend).deps[0] {
		t.Error("b3 построен повторно")
	}
	if n := builds.Load(); n != 3 {
		t.Errorf("построений = %d, ожидается 3", n)
	}

	// Повторное обращение берётся из кэша
	if _, _, err := r.Resolve(context.Background(), "t1", 2); err != nil {
		t.Fatalf("Resolve(2): %v", err)
	}
	if n := builds.Load(); n != 3 {
		t.Errorf("после повторного Resolve построений = %d, ожидается 3", n)
	}
}

// TestResolver_Cycle проверяет обнаружение цикла зависимостей.
func TestResolver_Cycle(t *testing.T) {
	g := graph{}
	g.add(1, 2)
	g.add(2, 3)
	g.add(3, 1)

	r, _ := NewResolver(newStubRegistry(nil, 0), g.loader(nil), 16, testLogger())
	_, _, err := r.Resolve(context.Background(), "t1", 1)
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("Resolve = %v, ожидается ErrDependencyCycle", err)
	}
	if r.Len() != 0 {
		t.Errorf("после цикла в кэше %d экземпляров, ожидается 0", r.Len())
	}

	self := graph{}
	self.add(7, 7)
	r, _ = NewResolver(newStubRegistry(nil, 0), self.loader(nil), 16, testLogger())
	if _, _, err := r.Resolve(context.Background(), "t1", 7); !errors.Is(err, ErrDependencyCycle) {
		t.Errorf("самозависимость: %v, ожидается ErrDependencyCycle", err)
	}
}

// TestResolver_ConcurrentFirstAccess проверяет построение не более одного раза.
func TestResolver_ConcurrentFirstAccess(t *testing.T) {
	g := graph{}
	g.add(1)

	var builds atomic.Int32
	r, _ := NewResolver(newStubRegistry(&builds, 20*time.Millisecond), g.loader(nil), 16, testLogger())

	var wg sync.WaitGroup
	results := make([]Backend, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, release, err := r.Resolve(context.Background(), "t1", 1)
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			defer release()
			results[i] = b
		}(i)
	}
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Errorf("построений = %d, ожидается 1", n)
	}
	for i := range results {
		if results[i] != results[0] {
			t.Fatalf("вызов %d получил другой экземпляр", i)
		}
	}
}

// TestResolver_Invalidate проверяет инвалидацию зависящих экземпляров.
func TestResolver_Invalidate(t *testing.T) {
	g := graph{}
	g.add(1, 2)
	g.add(2)
	g.add(3)

	r, _ := NewResolver(newStubRegistry(nil, 0), g.loader(nil), 16, testLogger())
	ctx := context.Background()
	b1, release1, _ := r.Resolve(ctx, "t1", 1)
	release1()
	b2 := b1.(*stubBackend).deps[0].(*stubBackend)
	if _, _, err := r.Resolve(ctx, "t1", 3); err != nil {
		t.Fatalf("Resolve(3): %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, ожидается 3", r.Len())
	}

	r.Invalidate("t1", 2)
	if r.Len() != 1 {
		t.Errorf("после Invalidate(2) Len() = %d, ожидается 1 (только b3)", r.Len())
	}
	if !b2.closed.Load() || !b1.(*stubBackend).closed.Load() {
		t.Error("инвалидированные экземпляры не закрыты")
	}

	again, _, _ := r.Resolve(ctx, "t1", 1)
	if again == b1 {
		t.Error("после инвалидации возвращён старый экземпляр")
	}
}

// TestResolver_LeasedInstanceClosedOnRelease проверяет, что вытесненный
// экземпляр закрывается только после возврата аренды.
func TestResolver_LeasedInstanceClosedOnRelease(t *testing.T) {
	g := graph{}
	g.add(1)
	g.add(2)

	r, _ := NewResolver(newStubRegistry(nil, 0), g.loader(nil), 1, testLogger())
	ctx := context.Background()
	b1, release1, err := r.Resolve(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("Resolve(1): %v", err)
	}

	// Вытесняет b1 из кэша на один экземпляр
	_, release2, err := r.Resolve(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("Resolve(2): %v", err)
	}
	defer release2()

	stub := b1.(*stubBackend)
	if stub.closed.Load() {
		t.Fatal("арендованный экземпляр закрыт при вытеснении")
	}
	release1()
	if !stub.closed.Load() {
		t.Error("вытесненный экземпляр не закрыт после возврата аренды")
	}
	release1()

	again, releaseAgain, err := r.Resolve(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("повторный Resolve(1): %v", err)
	}
	defer releaseAgain()
	if again == b1 {
		t.Error("возвращён закрытый экземпляр")
	}
}

// TestResolver_InvalidateWhileLeased проверяет, что зависимость живёт,
// пока арендован зависящий от неё экземпляр.
func TestResolver_InvalidateWhileLeased(t *testing.T) {
	g := graph{}
	g.add(1, 2)
	g.add(2)

	r, _ := NewResolver(newStubRegistry(nil, 0), g.loader(nil), 16, testLogger())
	b1, release, err := r.Resolve(context.Background(), "t1", 1)
	if err != nil {
		t.Fatalf("Resolve(1): %v", err)
	}
	root := b1.(*stubBackend)
	dep := root.deps[0].(*stubBackend)

	r.Invalidate("t1", 2)
	if r.Len() != 0 {
		t.Errorf("Len() = %d, ожидается 0", r.Len())
	}
	if root.closed.Load() || dep.closed.Load() {
		t.Fatal("экземпляры закрыты при незавершённой аренде")
	}

	release()
	if !root.closed.Load() || !dep.closed.Load() {
		t.Error("после возврата аренды экземпляры должны быть закрыты")
	}
}

// TestResolver_TenantIsolation проверяет раздельный кэш арендаторов.
func TestResolver_TenantIsolation(t *testing.T) {
	g := graph{}
	g.add(1)

	var calls atomic.Int32
	r, _ := NewResolver(newStubRegistry(nil, 0), g.loader(&calls), 16, testLogger())
	a, _, _ := r.Resolve(context.Background(), "t1", 1)
	b, _, _ := r.Resolve(context.Background(), "t2", 1)
	if a == b {
		t.Error("арендаторы получили общий экземпляр")
	}
	if calls.Load() != 2 {
		t.Errorf("загрузок = %d, ожидается 2", calls.Load())
	}
}

// TestChunk проверяет разбиение на подмножества.
func TestChunk(t *testing.T) {
	reqs := make([]*model.FileRequest, 5)
	for i := range reqs {
		reqs[i] = &model.FileRequest{ID: int64(i + 1), Meta: model.FileMetaInfo{FileSize: 40}}
	}

	subsets := Chunk(reqs, 2)
	if len(subsets) != 3 || len(subsets[2].Requests) != 1 {
		t.Fatalf("Chunk(2): %d подмножеств", len(subsets))
	}
	if ids := subsets[1].IDs(); ids[0] != 3 || ids[1] != 4 {
		t.Errorf("IDs() = %v", ids)
	}

	bySize := ChunkBySize(reqs, 100)
	if len(bySize) != 3 || bySize[0].Size() != 80 {
		t.Errorf("ChunkBySize(100): %d подмножеств", len(bySize))
	}

	huge := []*model.FileRequest{{ID: 1, Meta: model.FileMetaInfo{FileSize: 500}}, {ID: 2, Meta: model.FileMetaInfo{FileSize: 1}}}
	if got := ChunkBySize(huge, 100); len(got) != 2 {
		t.Errorf("большой файл должен образовать отдельное подмножество, получено %d", len(got))
	}
}

// TestOpenOrigin проверяет выбор источника исходного файла.
func TestOpenOrigin(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "/upload/c1", []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rc, err := OpenOrigin(context.Background(), model.FileLocation{URL: "file:///upload/c1"}, nil, fs)
	if err != nil {
		t.Fatalf("OpenOrigin(local): %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "data" {
		t.Errorf("содержимое = %q", data)
	}

	dep := &stubBackend{entry: &model.BackendEntry{Config: model.BackendConfig{Label: "staging"}}}
	_, err = OpenOrigin(context.Background(), model.FileLocation{Storage: "staging", URL: "x"}, []Backend{dep}, fs)
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("OpenOrigin(staging) = %v, ожидается чтение через зависимость", err)
	}
}
