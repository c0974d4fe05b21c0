package service

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// lockedFS — файловая система, на которой файлы кэша нельзя удалить.
type lockedFS struct {
	billy.Filesystem
}

func (lockedFS) Remove(string) error {
	return errors.New("operation not permitted")
}

// storeOn регистрирует файл, уже лежащий на бэкенде label.
func (e *testEnv) storeOn(t *testing.T, label string, meta model.FileMetaInfo) {
	t.Helper()
	loc := model.FileLocation{Storage: label, URL: label + "://" + meta.Checksum}
	if _, _, err := e.files.CreateOrAttachOwner(context.Background(), testTenant, []string{"owner"}, meta, loc, loc); err != nil {
		t.Fatalf("CreateOrAttachOwner(%s) ошибка: %v", meta.Checksum, err)
	}
}

// available создаёт AVAILABLE-файл кэша с файлом на диске.
func (e *testEnv) available(t *testing.T, checksum string, size int64, lastRequest time.Time) {
	t.Helper()
	e.putCached(t, &model.CachedFile{
		Checksum:        checksum,
		Size:            size,
		Expiration:      e.now.Add(24 * time.Hour),
		LastRequestDate: lastRequest,
		State:           model.CacheAvailable,
		Source:          "tape",
	}, "data")
}

func (e *testEnv) queued(t *testing.T, checksum string, size int64) {
	t.Helper()
	e.putCached(t, &model.CachedFile{
		Checksum:        checksum,
		Size:            size,
		Expiration:      e.now.Add(24 * time.Hour),
		LastRequestDate: e.now,
		State:           model.CacheQueued,
		Source:          "tape",
	}, "")
}

func TestPurge_ExpiredRegardlessOfThresholds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.putCached(t, &model.CachedFile{
		Checksum:        "old",
		Size:            10,
		Expiration:      env.now.Add(-time.Minute),
		LastRequestDate: env.now.Add(-48 * time.Hour),
		State:           model.CacheAvailable,
	}, "data")
	// Файл уже удалён с диска: строка всё равно удаляется
	env.putCached(t, &model.CachedFile{
		Checksum:   "lost",
		Size:       10,
		Expiration: env.now.Add(-time.Minute),
		State:      model.CacheAvailable,
	}, "")
	env.available(t, "fresh", 10, env.now)

	result, err := env.cache.Purge(ctx, testTenant)
	if err != nil {
		t.Fatalf("Purge() ошибка: %v", err)
	}
	if result.Expired != 2 || result.Evicted != 0 || result.Failed != 0 {
		t.Errorf("PurgeResult = %+v", result)
	}
	if env.cached("old") != nil || env.cached("lost") != nil {
		t.Error("просроченные файлы должны быть удалены")
	}
	if fileExists(env.fs, env.fs.Join(testTenant, "old")) {
		t.Error("файл на диске должен быть удалён")
	}
	if env.cached("fresh") == nil || !fileExists(env.fs, env.fs.Join(testTenant, "fresh")) {
		t.Error("непросроченный файл должен остаться")
	}
	if result.Used != 10 {
		t.Errorf("Used = %d, ожидали 10", result.Used)
	}
}

func TestPurge_ExpiredQueuedDropsRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addBackend(t, "tape", model.BackendNearline)
	env.storeOn(t, "tape", testMeta("c1"))

	if _, err := env.cache.MakeAvailable(ctx, testTenant, []string{"c1"}, env.now); err != nil {
		t.Fatal(err)
	}
	env.now = env.now.Add(2 * time.Hour)

	result, err := env.cache.Purge(ctx, testTenant)
	if err != nil {
		t.Fatalf("Purge() ошибка: %v", err)
	}
	if result.Expired != 1 || env.cached("c1") != nil {
		t.Errorf("PurgeResult = %+v, файл в кэше: %v", result, env.cached("c1"))
	}
	if env.request(t, model.KindRestoration, "c1", "tape") != nil {
		t.Error("незапущенный запрос восстановления должен быть удалён")
	}
}

// Занято 160 при пороге 100: вытесняются самые давние файлы до 50 и ниже.
func TestPurge_CapacityDownToLowerThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.available(t, "f1", 40, env.now.Add(-5*time.Hour))
	env.available(t, "f2", 40, env.now.Add(-4*time.Hour))
	env.available(t, "f3", 40, env.now.Add(-3*time.Hour))
	env.available(t, "f4", 40, env.now.Add(-2*time.Hour))
	env.queued(t, "q1", 10)

	result, err := env.cache.Purge(ctx, testTenant)
	if err != nil {
		t.Fatalf("Purge() ошибка: %v", err)
	}
	if result.Evicted != 3 || result.Used != 40 {
		t.Fatalf("PurgeResult = %+v, ожидали Evicted=3 Used=40", result)
	}
	for _, cs := range []string{"f1", "f2", "f3"} {
		if env.cached(cs) != nil {
			t.Errorf("%s должен быть вытеснен", cs)
		}
	}
	if env.cached("f4") == nil || env.cached("q1") == nil {
		t.Error("f4 и q1 должны остаться")
	}
}

func TestPurge_MinTTLProtectsRecentFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.available(t, "old", 40, env.now.Add(-5*time.Hour))
	env.available(t, "r1", 40, env.now.Add(-10*time.Minute))
	env.available(t, "r2", 40, env.now.Add(-20*time.Minute))
	env.available(t, "r3", 40, env.now.Add(-30*time.Minute))
	env.queued(t, "q1", 10)

	result, err := env.cache.Purge(ctx, testTenant)
	if err != nil {
		t.Fatalf("Purge() ошибка: %v", err)
	}
	if result.Evicted != 1 || result.Used != 120 {
		t.Errorf("PurgeResult = %+v, ожидали Evicted=1 Used=120", result)
	}
	for _, cs := range []string{"r1", "r2", "r3"} {
		if env.cached(cs) == nil {
			t.Errorf("%s моложе минимального времени жизни и должен остаться", cs)
		}
	}
}

func TestPurge_NoEvictionWithoutQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i, cs := range []string{"f1", "f2", "f3"} {
		env.available(t, cs, 40, env.now.Add(-time.Duration(5+i)*time.Hour))
	}

	result, err := env.cache.Purge(ctx, testTenant)
	if err != nil {
		t.Fatalf("Purge() ошибка: %v", err)
	}
	if result.Evicted != 0 || result.Used != 120 {
		t.Errorf("PurgeResult = %+v", result)
	}
}

func TestMakeAvailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addBackend(t, "disk", model.BackendOnline)
	env.addBackend(t, "tape", model.BackendNearline)
	env.storeOn(t, "disk", testMeta("on"))
	env.storeOn(t, "tape", testMeta("near"))
	env.storeOn(t, "tape", testMeta("both"))
	env.storeOn(t, "disk", testMeta("both"))
	env.available(t, "hot", 10, env.now.Add(-3*time.Hour))
	env.storeOn(t, "tape", testMeta("hot"))

	got, err := env.cache.MakeAvailable(ctx, testTenant, []string{"on", "near", "both", "hot", "none"}, env.now)
	if err != nil {
		t.Fatalf("MakeAvailable() ошибка: %v", err)
	}
	if !slices.Equal(got.Online, []string{"on", "both"}) {
		t.Errorf("Online = %v", got.Online)
	}
	if !slices.Equal(got.Pending, []string{"near"}) {
		t.Errorf("Pending = %v", got.Pending)
	}
	if !slices.Equal(got.Cached, []string{"hot"}) {
		t.Errorf("Cached = %v", got.Cached)
	}
	if !slices.Equal(got.Unknown, []string{"none"}) {
		t.Errorf("Unknown = %v", got.Unknown)
	}

	near := env.cached("near")
	if near == nil || near.State != model.CacheQueued || near.Source != "tape" || near.Size != 10 {
		t.Fatalf("near = %+v", near)
	}
	if !near.Expiration.Equal(env.now.Add(time.Hour)) {
		t.Errorf("Expiration = %v, ожидали не меньше минимального времени жизни", near.Expiration)
	}
	if req := env.request(t, model.KindRestoration, "near", "tape"); req == nil || req.Status != model.StatusTodo {
		t.Errorf("запрос восстановления = %+v", req)
	}
	if hot := env.cached("hot"); !hot.LastRequestDate.Equal(env.now) {
		t.Errorf("LastRequestDate = %v, ожидали обновления", hot.LastRequestDate)
	}

	// Повторный запрос продлевает срок, но не сокращает его
	later := env.now.Add(48 * time.Hour)
	if _, err := env.cache.MakeAvailable(ctx, testTenant, []string{"near"}, later); err != nil {
		t.Fatal(err)
	}
	if _, err := env.cache.MakeAvailable(ctx, testTenant, []string{"near"}, env.now); err != nil {
		t.Fatal(err)
	}
	if got := env.cached("near").Expiration; !got.Equal(later) {
		t.Errorf("Expiration = %v, ожидали %v", got, later)
	}
	if n := len(env.requests(t, model.KindRestoration)); n != 1 {
		t.Errorf("запросов восстановления: %d, ожидали 1", n)
	}
}

func TestRestoreQueued_RestoresIntoCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, tape := env.addBackend(t, "tape", model.BackendNearline)
	tape.content["c1"] = "payload"
	env.storeOn(t, "tape", testMeta("c1"))

	if _, err := env.cache.MakeAvailable(ctx, testTenant, []string{"c1"}, env.now); err != nil {
		t.Fatal(err)
	}
	result, err := env.cache.RestoreQueued(ctx, testTenant)
	if err != nil {
		t.Fatalf("RestoreQueued() ошибка: %v", err)
	}
	if result.Selected != 1 || result.Scheduled != 1 || result.Reverted != 0 {
		t.Fatalf("RestoreResult = %+v", result)
	}
	if cf := env.cached("c1"); cf.State != model.CacheRestoring {
		t.Fatalf("state = %s, ожидали RESTORING", cf.State)
	}

	env.queue.runAll(t, env.runner)

	cf := env.cached("c1")
	if cf.State != model.CacheAvailable || cf.Size != int64(len("payload")) {
		t.Fatalf("файл кэша = %+v", cf)
	}
	data, err := env.fs.Open(env.fs.Join(testTenant, "c1"))
	if err != nil {
		t.Fatalf("файл кэша не создан: %v", err)
	}
	buf := make([]byte, 16)
	n, _ := data.Read(buf)
	_ = data.Close()
	if string(buf[:n]) != "payload" {
		t.Errorf("содержимое = %q", buf[:n])
	}
	if env.request(t, model.KindRestoration, "c1", "tape") != nil {
		t.Error("выполненный запрос восстановления должен быть удалён")
	}

	entries, err := env.fs.ReadDir(testTenant)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("в каталоге кэша %d файлов, временные файлы должны быть перенесены", len(entries))
	}

	usage, err := env.cache.Usage(ctx, testTenant)
	if err != nil || usage.Used != 7 || usage.Queued != 0 || usage.Free() != 193 {
		t.Errorf("Usage() = %+v, %v", usage, err)
	}
}

func TestRestoreQueued_FailureReturnsToQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, tape := env.addBackend(t, "tape", model.BackendNearline)
	tape.fail["c1"] = "лента повреждена"
	env.storeOn(t, "tape", testMeta("c1"))

	if _, err := env.cache.MakeAvailable(ctx, testTenant, []string{"c1"}, env.now); err != nil {
		t.Fatal(err)
	}
	if _, err := env.cache.RestoreQueued(ctx, testTenant); err != nil {
		t.Fatal(err)
	}
	env.queue.runAll(t, env.runner)

	cf := env.cached("c1")
	if cf.State != model.CacheQueued || cf.FailureCause != "лента повреждена" {
		t.Errorf("файл кэша = %+v, ожидали QUEUED с причиной", cf)
	}
	req := env.request(t, model.KindRestoration, "c1", "tape")
	if req == nil || req.Status != model.StatusError {
		t.Fatalf("запрос = %+v, ожидали ERROR", req)
	}

	// Запрос в ERROR не перезапускается без явного повтора
	result, err := env.cache.RestoreQueued(ctx, testTenant)
	if err != nil || result.Selected != 0 {
		t.Errorf("RestoreQueued() = %+v, %v", result, err)
	}
}

func TestRestoreQueued_CacheFullNotifiedOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addBackend(t, "tape", model.BackendNearline)
	meta := testMeta("big")
	meta.FileSize = 500
	env.storeOn(t, "tape", meta)

	if _, err := env.cache.MakeAvailable(ctx, testTenant, []string{"big"}, env.now); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		result, err := env.cache.RestoreQueued(ctx, testTenant)
		if err != nil || result.Selected != 0 {
			t.Fatalf("RestoreQueued() = %+v, %v", result, err)
		}
	}
	full := 0
	for _, title := range env.notifier.titles() {
		if title == "Cache full" {
			full++
		}
	}
	if full != 1 {
		t.Errorf("уведомлений о заполненном кэше: %d, ожидали 1", full)
	}
	if cf := env.cached("big"); cf.State != model.CacheQueued {
		t.Errorf("state = %s, ожидали QUEUED", cf.State)
	}
}

func TestStartup_RepairsCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.available(t, "ok", 10, env.now)
	env.putCached(t, &model.CachedFile{
		Checksum:   "gone",
		Size:       10,
		Expiration: env.now.Add(time.Hour),
		State:      model.CacheAvailable,
	}, "")
	env.putCached(t, &model.CachedFile{
		Checksum:   "r1",
		Size:       10,
		Expiration: env.now.Add(time.Hour),
		State:      model.CacheRestoring,
		Source:     "tape",
	}, "")
	part := env.fs.Join(testTenant, "r1.0b9e1c.part")
	stray := env.fs.Join(testTenant, "stray")
	writeFile(t, env.fs, part, "partial")
	writeFile(t, env.fs, stray, "unknown")

	if err := env.cache.Startup(ctx, testTenant); err != nil {
		t.Fatalf("Startup() ошибка: %v", err)
	}

	if env.cached("gone") != nil {
		t.Error("запись без файла на диске должна быть удалена")
	}
	if cf := env.cached("r1"); cf == nil || cf.State != model.CacheQueued {
		t.Errorf("r1 = %+v, ожидали QUEUED", cf)
	}
	if env.cached("ok") == nil {
		t.Error("корректная запись должна остаться")
	}
	if fileExists(env.fs, part) {
		t.Error("временный файл должен быть удалён")
	}
	if !fileExists(env.fs, stray) {
		t.Error("посторонний файл не удаляется")
	}
	if !slices.Contains(env.notifier.titles(), "Dirty cache") {
		t.Errorf("уведомления = %v, ожидали Dirty cache", env.notifier.titles())
	}
}

// Файл, который не удалось стереть с диска, остаётся в учёте кэша.
func TestPurge_UndeletableFileKept(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.putCached(t, &model.CachedFile{
		Checksum:        "stuck",
		Size:            10,
		Expiration:      env.now.Add(-time.Minute),
		LastRequestDate: env.now.Add(-48 * time.Hour),
		State:           model.CacheAvailable,
	}, "data")
	env.cache.fs = lockedFS{Filesystem: env.fs}

	result, err := env.cache.Purge(ctx, testTenant)
	if err != nil {
		t.Fatalf("Purge() ошибка: %v", err)
	}
	if result.Failed != 1 || result.Expired != 0 {
		t.Errorf("PurgeResult = %+v, ожидали Failed=1", result)
	}
	if env.cached("stuck") == nil {
		t.Error("строка неудалённого файла должна остаться")
	}
	if !fileExists(env.fs, env.fs.Join(testTenant, "stuck")) {
		t.Error("файл на диске должен остаться")
	}
	if !slices.Contains(env.notifier.titles(), "Cache purge failure") {
		t.Errorf("уведомления = %v, ожидали Cache purge failure", env.notifier.titles())
	}
}

// Периодическое планирование восстановления не обходит проверку места:
// запросы файлов из очереди запускает только RestoreQueued.
func TestScheduleRestoration_OnlyRestoringFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addBackend(t, "tape", model.BackendNearline)
	checksums := []string{"r1", "r2", "r3"}
	for _, cs := range checksums {
		meta := testMeta(cs)
		meta.FileSize = 150
		env.storeOn(t, "tape", meta)
	}
	if _, err := env.cache.MakeAvailable(ctx, testTenant, checksums, env.now); err != nil {
		t.Fatal(err)
	}

	sr, err := env.dispatcher.ScheduleRequests(ctx, testTenant, model.KindRestoration, model.StatusTodo, ScheduleFilter{})
	if err != nil {
		t.Fatalf("ScheduleRequests() ошибка: %v", err)
	}
	if sr.Scheduled != 0 || len(env.queue.drain()) != 0 {
		t.Fatalf("ScheduleResult = %+v, ожидали пустое планирование", sr)
	}
	for _, cs := range checksums {
		if req := env.request(t, model.KindRestoration, cs, "tape"); req.Status != model.StatusTodo {
			t.Errorf("%s: status = %s, ожидали TODO", cs, req.Status)
		}
	}

	result, err := env.cache.RestoreQueued(ctx, testTenant)
	if err != nil {
		t.Fatalf("RestoreQueued() ошибка: %v", err)
	}
	if result.Selected != 1 || result.Scheduled != 1 {
		t.Errorf("RestoreResult = %+v, ожидали один файл", result)
	}
	usage, err := env.cache.Usage(ctx, testTenant)
	if err != nil || usage.Used > usage.MaxSize || usage.Queued != 2 {
		t.Errorf("Usage() = %+v, %v", usage, err)
	}
}
