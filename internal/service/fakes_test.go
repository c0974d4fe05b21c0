// fakes_test.go — in-memory реализации репозиториев, очереди и плагинов
// для unit-тестов сервисного слоя.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/storage-manager/internal/backend"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/jobs"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

// --- Хранилище ---

type memTenant struct {
	files    map[int64]*model.FileReference
	requests map[int64]*model.FileRequest
	backends map[int64]*model.BackendEntry
	cache    map[int64]*model.CachedFile
}

func newMemTenant() *memTenant {
	return &memTenant{
		files:    make(map[int64]*model.FileReference),
		requests: make(map[int64]*model.FileRequest),
		backends: make(map[int64]*model.BackendEntry),
		cache:    make(map[int64]*model.CachedFile),
	}
}

func (t *memTenant) clone() *memTenant {
	c := newMemTenant()
	for id, f := range t.files {
		c.files[id] = cloneRef(f)
	}
	for id, r := range t.requests {
		c.requests[id] = cloneReq(r)
	}
	for id, b := range t.backends {
		c.backends[id] = cloneEntry(b)
	}
	for id, cf := range t.cache {
		cp := *cf
		c.cache[id] = &cp
	}
	return c
}

func cloneRef(f *model.FileReference) *model.FileReference {
	cp := *f
	cp.Owners = slices.Clone(f.Owners)
	cp.Meta.Types = slices.Clone(f.Meta.Types)
	return &cp
}

func cloneReq(r *model.FileRequest) *model.FileRequest {
	cp := *r
	cp.Owners = slices.Clone(r.Owners)
	cp.Meta.Types = slices.Clone(r.Meta.Types)
	return &cp
}

func cloneEntry(e *model.BackendEntry) *model.BackendEntry {
	cp := *e
	if e.Priority != nil {
		cp.Priority = model.IntPtr(*e.Priority)
	}
	cp.Config.Params = maps.Clone(e.Config.Params)
	cp.Config.DependsOn = slices.Clone(e.Config.DependsOn)
	return &cp
}

// memDB — in-memory база с UnitOfWork: ошибка fn откатывает изменения арендатора.
// Вложенные вызовы Do не поддерживаются.
type memDB struct {
	mu      sync.Mutex
	nextID  int64
	tenants map[string]*memTenant
	// pageErr — ошибка чтения страницы запросов бэкенда (ключ — метка)
	pageErr map[string]error
}

func newMemDB() *memDB {
	return &memDB{tenants: make(map[string]*memTenant)}
}

func (db *memDB) tenant(name string) *memTenant {
	t, ok := db.tenants[name]
	if !ok {
		t = newMemTenant()
		db.tenants[name] = t
	}
	return t
}

func (db *memDB) id() int64 {
	db.nextID++
	return db.nextID
}

func (db *memDB) Do(_ context.Context, tenant string, fn func(r repository.Repos) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	snapshot := db.tenant(tenant).clone()
	t := db.tenant(tenant)
	repos := repository.Repos{
		Files:    &memFiles{db: db, t: t, tenant: tenant},
		Requests: &memRequests{db: db, t: t, tenant: tenant},
		Backends: &memBackends{db: db, t: t, tenant: tenant},
		Cache:    &memCache{db: db, t: t, tenant: tenant},
	}
	if err := fn(repos); err != nil {
		db.tenants[tenant] = snapshot
		return err
	}
	return nil
}

// view выполняет fn над данными арендатора без транзакции (для проверок в тестах).
func (db *memDB) view(tenant string, fn func(t *memTenant)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn(db.tenant(tenant))
}

// --- FileReferenceRepository ---

type memFiles struct {
	db     *memDB
	t      *memTenant
	tenant string
}

func (r *memFiles) Find(_ context.Context, storage, checksum string) (*model.FileReference, error) {
	for _, f := range r.t.files {
		if f.Location.Storage == storage && f.Meta.Checksum == checksum {
			return cloneRef(f), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memFiles) FindByChecksum(_ context.Context, checksum string) ([]*model.FileReference, error) {
	var result []*model.FileReference
	for _, f := range r.t.files {
		if f.Meta.Checksum == checksum {
			result = append(result, cloneRef(f))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *memFiles) Create(ctx context.Context, ref *model.FileReference) error {
	if _, err := r.Find(ctx, ref.Location.Storage, ref.Meta.Checksum); err == nil {
		return repository.ErrConflict
	}
	ref.ID = r.db.id()
	ref.Tenant = r.tenant
	r.t.files[ref.ID] = cloneRef(ref)
	return nil
}

func (r *memFiles) UpdateOwners(_ context.Context, id int64, owners []string) error {
	f, ok := r.t.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	f.Owners = slices.Clone(owners)
	return nil
}

func (r *memFiles) UpdateLocation(_ context.Context, id int64, url string) error {
	f, ok := r.t.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	f.Location.URL = url
	return nil
}

func (r *memFiles) Delete(_ context.Context, id int64) error {
	if _, ok := r.t.files[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.t.files, id)
	return nil
}

func (r *memFiles) CountByStorage(_ context.Context, storage string) (int, error) {
	n := 0
	for _, f := range r.t.files {
		if f.Location.Storage == storage {
			n++
		}
	}
	return n, nil
}

// --- FileRequestRepository ---

type memRequests struct {
	db     *memDB
	t      *memTenant
	tenant string
}

func matchRequest(req *model.FileRequest, f repository.RequestFilter) bool {
	if f.Kind != "" && req.Kind != f.Kind {
		return false
	}
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	if len(f.Storages) > 0 && !slices.Contains(f.Storages, req.Storage()) {
		return false
	}
	if len(f.Owners) > 0 && !slices.ContainsFunc(req.Owners, func(o string) bool { return slices.Contains(f.Owners, o) }) {
		return false
	}
	if len(f.Checksums) > 0 && !slices.Contains(f.Checksums, req.Meta.Checksum) {
		return false
	}
	return true
}

func (r *memRequests) sorted(f repository.RequestFilter) []*model.FileRequest {
	var result []*model.FileRequest
	for _, req := range r.t.requests {
		if matchRequest(req, f) {
			result = append(result, req)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *memRequests) Get(_ context.Context, kind model.RequestKind, checksum, storage string) (*model.FileRequest, error) {
	for _, req := range r.t.requests {
		if req.Kind == kind && req.Meta.Checksum == checksum && req.Storage() == storage {
			return cloneReq(req), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memRequests) GetByID(_ context.Context, id int64) (*model.FileRequest, error) {
	req, ok := r.t.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneReq(req), nil
}

func (r *memRequests) Create(ctx context.Context, req *model.FileRequest) error {
	if _, err := r.Get(ctx, req.Kind, req.Meta.Checksum, req.Storage()); err == nil {
		return repository.ErrConflict
	}
	req.ID = r.db.id()
	req.Tenant = r.tenant
	req.ErrorCause = model.TruncateCause(req.ErrorCause)
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	r.t.requests[req.ID] = cloneReq(req)
	return nil
}

func (r *memRequests) Update(_ context.Context, req *model.FileRequest) error {
	if _, ok := r.t.requests[req.ID]; !ok {
		return repository.ErrNotFound
	}
	req.UpdatedAt = time.Now()
	r.t.requests[req.ID] = cloneReq(req)
	return nil
}

func (r *memRequests) Delete(_ context.Context, id int64) error {
	if _, ok := r.t.requests[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.t.requests, id)
	return nil
}

func (r *memRequests) ListStorages(_ context.Context, f repository.RequestFilter) ([]string, error) {
	set := make(map[string]bool)
	for _, req := range r.sorted(f) {
		set[req.Storage()] = true
	}
	return slices.Sorted(maps.Keys(set)), nil
}

func (r *memRequests) Page(_ context.Context, f repository.RequestFilter, afterID int64, limit int) ([]*model.FileRequest, error) {
	for _, storage := range f.Storages {
		if err := r.db.pageErr[storage]; err != nil {
			return nil, err
		}
	}
	var result []*model.FileRequest
	for _, req := range r.sorted(f) {
		if req.ID <= afterID {
			continue
		}
		result = append(result, cloneReq(req))
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (r *memRequests) SetStatus(_ context.Context, ids []int64, status model.RequestStatus, cause, jobID string) error {
	for _, id := range ids {
		if req, ok := r.t.requests[id]; ok {
			req.Status = status
			req.ErrorCause = model.TruncateCause(cause)
			req.JobID = jobID
		}
	}
	return nil
}

func (r *memRequests) Claim(_ context.Context, ids []int64, from, to model.RequestStatus, cause, jobID string) ([]int64, error) {
	var claimed []int64
	for _, id := range ids {
		req, ok := r.t.requests[id]
		if !ok || req.Status != from {
			continue
		}
		req.Status = to
		req.ErrorCause = model.TruncateCause(cause)
		req.JobID = jobID
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (r *memRequests) Retry(_ context.Context, f repository.RequestFilter) (int64, error) {
	f.Status = model.StatusError
	var n int64
	for _, req := range r.sorted(f) {
		req.Status = model.StatusTodo
		req.ErrorCause = ""
		req.JobID = ""
		n++
	}
	return n, nil
}

func (r *memRequests) DeleteByStatus(_ context.Context, kind model.RequestKind, status model.RequestStatus) (int64, error) {
	var n int64
	for id, req := range r.t.requests {
		if req.Kind == kind && req.Status == status {
			delete(r.t.requests, id)
			n++
		}
	}
	return n, nil
}

func (r *memRequests) CountByStatus(_ context.Context, kind model.RequestKind) (map[model.RequestStatus]int, error) {
	result := make(map[model.RequestStatus]int)
	for _, req := range r.t.requests {
		if req.Kind == kind {
			result[req.Status]++
		}
	}
	return result, nil
}

// --- BackendEntryRepository ---

type memBackends struct {
	db     *memDB
	t      *memTenant
	tenant string
}

func (r *memBackends) priorityTaken(bt model.BackendType, priority *int, exceptID int64) bool {
	if priority == nil {
		return false
	}
	for _, e := range r.t.backends {
		if e.ID != exceptID && e.Type == bt && e.Priority != nil && *e.Priority == *priority {
			return true
		}
	}
	return false
}

func (r *memBackends) Create(_ context.Context, e *model.BackendEntry) error {
	for _, existing := range r.t.backends {
		if existing.Config.Label == e.Config.Label {
			return repository.ErrConflict
		}
	}
	if r.priorityTaken(e.Type, e.Priority, 0) {
		return repository.ErrConflict
	}
	e.ID = r.db.id()
	e.Tenant = r.tenant
	r.t.backends[e.ID] = cloneEntry(e)
	return nil
}

func (r *memBackends) GetByID(_ context.Context, id int64) (*model.BackendEntry, error) {
	e, ok := r.t.backends[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (r *memBackends) GetByLabel(_ context.Context, label string) (*model.BackendEntry, error) {
	for _, e := range r.t.backends {
		if e.Config.Label == label {
			return cloneEntry(e), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memBackends) List(_ context.Context, bt *model.BackendType) ([]*model.BackendEntry, error) {
	var result []*model.BackendEntry
	for _, e := range r.t.backends {
		if bt == nil || e.Type == *bt {
			result = append(result, cloneEntry(e))
		}
	}
	typeRank := func(t model.BackendType) int {
		if t == model.BackendOnline {
			return 0
		}
		return 1
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if typeRank(a.Type) != typeRank(b.Type) {
			return typeRank(a.Type) < typeRank(b.Type)
		}
		if a.PriorityValue() != b.PriorityValue() {
			return a.PriorityValue() < b.PriorityValue()
		}
		return a.ID < b.ID
	})
	return result, nil
}

func (r *memBackends) FindByPriority(_ context.Context, bt model.BackendType, priority int) (*model.BackendEntry, error) {
	for _, e := range r.t.backends {
		if e.Type == bt && e.Priority != nil && *e.Priority == priority {
			return cloneEntry(e), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memBackends) MaxPriority(_ context.Context, bt model.BackendType) (int, bool, error) {
	maxPriority, ok := 0, false
	for _, e := range r.t.backends {
		if e.Type == bt && e.Priority != nil && (!ok || *e.Priority > maxPriority) {
			maxPriority, ok = *e.Priority, true
		}
	}
	return maxPriority, ok, nil
}

func (r *memBackends) SetPriority(_ context.Context, id int64, priority *int) error {
	e, ok := r.t.backends[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.priorityTaken(e.Type, priority, id) {
		return repository.ErrConflict
	}
	if priority == nil {
		e.Priority = nil
	} else {
		e.Priority = model.IntPtr(*priority)
	}
	return nil
}

func (r *memBackends) Update(_ context.Context, e *model.BackendEntry) error {
	stored, ok := r.t.backends[e.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Config.PluginID = e.Config.PluginID
	stored.Config.Active = e.Config.Active
	stored.Config.Params = maps.Clone(e.Config.Params)
	stored.Config.DependsOn = slices.Clone(e.Config.DependsOn)
	return nil
}

func (r *memBackends) Delete(_ context.Context, id int64) error {
	if _, ok := r.t.backends[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.t.backends, id)
	return nil
}

func (r *memBackends) ShiftDown(_ context.Context, bt model.BackendType, above int) error {
	for _, e := range r.t.backends {
		if e.Type == bt && e.Priority != nil && *e.Priority > above {
			e.Priority = model.IntPtr(*e.Priority - 1)
		}
	}
	return nil
}

// --- CachedFileRepository ---

type memCache struct {
	db     *memDB
	t      *memTenant
	tenant string
}

func (r *memCache) sorted(keep func(cf *model.CachedFile) bool) []*model.CachedFile {
	var result []*model.CachedFile
	for _, cf := range r.t.cache {
		if keep(cf) {
			cp := *cf
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func limitFiles(files []*model.CachedFile, limit int) []*model.CachedFile {
	if len(files) > limit {
		return files[:limit]
	}
	return files
}

func (r *memCache) Get(_ context.Context, checksum string) (*model.CachedFile, error) {
	for _, cf := range r.t.cache {
		if cf.Checksum == checksum {
			cp := *cf
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memCache) Create(ctx context.Context, cf *model.CachedFile) error {
	if _, err := r.Get(ctx, cf.Checksum); err == nil {
		return repository.ErrConflict
	}
	cf.ID = r.db.id()
	cf.Tenant = r.tenant
	cp := *cf
	r.t.cache[cf.ID] = &cp
	return nil
}

func (r *memCache) Update(_ context.Context, cf *model.CachedFile) error {
	if _, ok := r.t.cache[cf.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *cf
	r.t.cache[cf.ID] = &cp
	return nil
}

func (r *memCache) Delete(_ context.Context, id int64) error {
	if _, ok := r.t.cache[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.t.cache, id)
	return nil
}

func (r *memCache) ListExpired(_ context.Context, now time.Time, afterID int64, limit int) ([]*model.CachedFile, error) {
	return limitFiles(r.sorted(func(cf *model.CachedFile) bool {
		return cf.Expiration.Before(now) && cf.ID > afterID
	}), limit), nil
}

func (r *memCache) ListByState(_ context.Context, state model.CacheState, afterID int64, limit int) ([]*model.CachedFile, error) {
	return limitFiles(r.sorted(func(cf *model.CachedFile) bool {
		return cf.State == state && cf.ID > afterID
	}), limit), nil
}

func (r *memCache) ListEvictable(_ context.Context, olderThan time.Time, after repository.EvictionCursor, limit int) ([]*model.CachedFile, error) {
	files := r.sorted(func(cf *model.CachedFile) bool {
		if cf.State != model.CacheAvailable || !cf.LastRequestDate.Before(olderThan) {
			return false
		}
		if cf.LastRequestDate.Equal(after.LastRequestDate) {
			return cf.ID > after.ID
		}
		return cf.LastRequestDate.After(after.LastRequestDate)
	})
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].LastRequestDate.Equal(files[j].LastRequestDate) {
			return files[i].LastRequestDate.Before(files[j].LastRequestDate)
		}
		return files[i].ID < files[j].ID
	})
	return limitFiles(files, limit), nil
}

func (r *memCache) SumSize(_ context.Context, states ...model.CacheState) (int64, error) {
	var total int64
	for _, cf := range r.t.cache {
		if slices.Contains(states, cf.State) {
			total += cf.Size
		}
	}
	return total, nil
}

func (r *memCache) CountByState(_ context.Context, state model.CacheState) (int, error) {
	n := 0
	for _, cf := range r.t.cache {
		if cf.State == state {
			n++
		}
	}
	return n, nil
}

// --- Очередь задач ---

type fakeQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job jobs.Job) (jobs.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return jobs.Handle{}, q.err
	}
	q.jobs = append(q.jobs, job)
	return jobs.Handle{ID: job.ID, EnqueuedAt: time.Now()}, nil
}

// drain возвращает и очищает поставленные задачи.
func (q *fakeQueue) drain() []jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	return out
}

// runAll выполняет поставленные задачи синхронно.
func (q *fakeQueue) runAll(t *testing.T, runner jobs.Runner) {
	t.Helper()
	for _, job := range q.drain() {
		_ = runner.Run(context.Background(), job)
	}
}

// --- Плагины ---

// fakeBackend — плагин в памяти. Запросы с контрольными суммами из fail
// завершаются ошибкой, prepareErr ломает подготовку страницы, запросы из omit
// не включаются ни в одно подмножество, onPrepare вызывается перед подготовкой.
type fakeBackend struct {
	label      string
	bt         model.BackendType
	chunk      int
	fail       map[string]string
	omit       map[string]bool
	onPrepare  func()
	prepareErr error
	availErr   error
	content    map[string]string

	mu       sync.Mutex
	prepared int
}

func newFakeBackend(label string, bt model.BackendType) *fakeBackend {
	return &fakeBackend{label: label, bt: bt, fail: map[string]string{}, content: map[string]string{}}
}

func (b *fakeBackend) Label() string           { return b.label }
func (b *fakeBackend) Type() model.BackendType { return b.bt }

func (b *fakeBackend) Prepare(reqs []*model.FileRequest, _ backend.Mode) ([]backend.WorkingSubset, error) {
	b.mu.Lock()
	b.prepared++
	hook := b.onPrepare
	b.onPrepare = nil
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	if b.prepareErr != nil {
		return nil, b.prepareErr
	}
	kept := make([]*model.FileRequest, 0, len(reqs))
	for _, req := range reqs {
		if !b.omit[req.Meta.Checksum] {
			kept = append(kept, req)
		}
	}
	return backend.Chunk(kept, b.chunk), nil
}

func (b *fakeBackend) PrepareForDeletion(reqs []*model.FileRequest) ([]backend.WorkingSubset, error) {
	return b.Prepare(reqs, backend.ModeStore)
}

func (b *fakeBackend) Store(ctx context.Context, subset backend.WorkingSubset, rep backend.Reporter) error {
	for _, req := range subset.Requests {
		if cause, ok := b.fail[req.Meta.Checksum]; ok {
			rep.Failed(ctx, req, cause)
			continue
		}
		rep.Stored(ctx, req, fmt.Sprintf("mem://%s/%s", b.label, req.Meta.Checksum))
	}
	return nil
}

func (b *fakeBackend) Delete(ctx context.Context, subset backend.WorkingSubset, rep backend.Reporter) error {
	for _, req := range subset.Requests {
		if cause, ok := b.fail[req.Meta.Checksum]; ok {
			rep.Failed(ctx, req, cause)
			continue
		}
		rep.Deleted(ctx, req)
	}
	return nil
}

func (b *fakeBackend) Retrieve(ctx context.Context, subset backend.WorkingSubset, rep backend.Reporter) error {
	for _, req := range subset.Requests {
		if cause, ok := b.fail[req.Meta.Checksum]; ok {
			rep.Failed(ctx, req, cause)
			continue
		}
		w, err := rep.Target(req)
		if err != nil {
			rep.Failed(ctx, req, err.Error())
			continue
		}
		data := b.content[req.Meta.Checksum]
		n, err := io.Copy(w, strings.NewReader(data))
		_ = w.Close()
		if err != nil {
			rep.Failed(ctx, req, err.Error())
			continue
		}
		rep.Retrieved(ctx, req, n)
	}
	return nil
}

func (b *fakeBackend) Available(context.Context) error { return b.availErr }

// fakeResolver — резолвер по меткам: id бэкенда берётся из memDB.
type fakeResolver struct {
	mu       sync.Mutex
	backends map[int64]backend.Backend
	err      error
	// leased — невозвращённые аренды
	leased int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{backends: make(map[int64]backend.Backend)}
}

func (r *fakeResolver) set(id int64, b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[id] = b
}

func (r *fakeResolver) Resolve(_ context.Context, _ string, id int64) (backend.Backend, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, nil, r.err
	}
	b, ok := r.backends[id]
	if !ok {
		return nil, nil, errors.New("плагин не найден")
	}
	r.leased++
	return b, sync.OnceFunc(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.leased--
	}), nil
}

func (r *fakeResolver) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leased
}

// --- Уведомления ---

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *fakeNotifier) Notify(_ context.Context, msg Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *fakeNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, m := range n.sent {
		out[i] = m.Title
	}
	return out
}

// --- Общие помощники ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMeta(checksum string) model.FileMetaInfo {
	return model.FileMetaInfo{
		Checksum:  checksum,
		Algorithm: "sha256",
		FileName:  checksum + ".bin",
		FileSize:  10,
		MimeType:  "application/octet-stream",
	}
}
