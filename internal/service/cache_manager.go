// cache_manager.go — локальный дисковый кэш nearline-файлов.
//
// Файл кэша хранится как <root>/<tenant>/<location>, восстанавливаемое
// содержимое сначала пишется во временный <checksum>.<uuid>.part и
// переименовывается после успешного восстановления.
//
// Очистка (Purge) выполняется в две фазы:
//  1. Удаление файлов с истёкшим сроком независимо от порогов.
//  2. Вытеснение по объёму: только если верхний порог больше нижнего,
//     в очереди есть файлы и занятость выше верхнего порога. Файлы удаляются
//     по возрастанию даты последнего запроса, не раньше минимального времени
//     жизни, пока занятость не опустится до нижнего порога.
//
// Операции одного арендатора сериализуются мьютексом.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

// Prometheus-метрики кэша.
var (
	cacheUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sm_cache_used_bytes",
		Help: "Занятость кэша арендатора (AVAILABLE и RESTORING), байт.",
	}, []string{"tenant"})

	cachePurgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_cache_purged_total",
		Help: "Количество файлов, удалённых из кэша.",
	}, []string{"tenant", "reason"}) // reason: expired, capacity

	cacheRestoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_cache_restores_total",
		Help: "Количество файлов, отправленных на восстановление в кэш.",
	}, []string{"tenant"})
)

const partSuffix = ".part"

// stateOnline — файл доступен напрямую с ONLINE-бэкенда, кэш не нужен.
const stateOnline model.CacheState = "ONLINE"

// RequestScheduler планирует запросы журнала.
type RequestScheduler interface {
	ScheduleRequests(ctx context.Context, tenant string, kind model.RequestKind,
		status model.RequestStatus, filter ScheduleFilter) (*ScheduleResult, error)
}

// CacheConfig — параметры кэша арендатора.
type CacheConfig struct {
	MaxSize    int64
	PurgeUpper int64
	PurgeLower int64
	MinTTL     time.Duration
	PageSize   int
}

// Availability — результат запроса доступности файлов.
type Availability struct {
	// Online — файлы с копией на ONLINE-бэкенде, доступны напрямую
	Online []string
	// Cached — файлы, уже доступные в кэше
	Cached []string
	// Pending — файлы в очереди на восстановление
	Pending []string
	// Unknown — файлы без активной копии
	Unknown []string
}

// PurgeResult — итог очистки кэша.
type PurgeResult struct {
	Expired int
	Evicted int
	Failed  int
	Used    int64
}

// RestoreResult — итог восстановления файлов из очереди.
type RestoreResult struct {
	Selected  int
	Scheduled int
	Reverted  int
}

// CacheManager — сервис дискового кэша.
type CacheManager struct {
	uow       repository.UnitOfWork
	ledger    *RequestLedger
	scheduler RequestScheduler
	notifier  Notifier
	fs        billy.Filesystem
	cfg       CacheConfig
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	full  map[string]bool
}

// NewCacheManager создаёт сервис кэша. fs — корневой каталог кэша.
func NewCacheManager(uow repository.UnitOfWork, ledger *RequestLedger, scheduler RequestScheduler,
	notifier Notifier, fs billy.Filesystem, cfg CacheConfig, logger *slog.Logger) *CacheManager {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &CacheManager{
		uow:       uow,
		ledger:    ledger,
		scheduler: scheduler,
		notifier:  notifier,
		fs:        fs,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "cache_manager")),
		locks:     make(map[string]*sync.Mutex),
		full:      make(map[string]bool),
	}
}

// SetScheduler задаёт планировщик запросов восстановления.
func (m *CacheManager) SetScheduler(s RequestScheduler) {
	m.scheduler = s
}

func (m *CacheManager) lock(tenant string) func() {
	m.mu.Lock()
	l, ok := m.locks[tenant]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenant] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *CacheManager) filePath(tenant, location string) string {
	return m.fs.Join(tenant, location)
}

// removeFile удаляет файл кэша. Отсутствующий файл не считается ошибкой.
func (m *CacheManager) removeFile(tenant, location string) error {
	err := m.fs.Remove(m.filePath(tenant, location))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MakeAvailable делает файлы доступными для скачивания не меньше чем до expiration.
// Срок не может быть меньше минимального времени жизни кэша.
func (m *CacheManager) MakeAvailable(ctx context.Context, tenant string, checksums []string, expiration time.Time) (*Availability, error) {
	now := m.now()
	if floor := now.Add(m.cfg.MinTTL); expiration.Before(floor) {
		expiration = floor
	}

	result := &Availability{}
	err := m.uow.Do(ctx, tenant, func(r repository.Repos) error {
		for _, cs := range checksums {
			state, err := m.makeAvailable(ctx, r, tenant, cs, now, expiration)
			if err != nil {
				return fmt.Errorf("файл %s: %w", cs, err)
			}
			switch state {
			case stateOnline:
				result.Online = append(result.Online, cs)
			case model.CacheAvailable:
				result.Cached = append(result.Cached, cs)
			case model.CacheQueued, model.CacheRestoring:
				result.Pending = append(result.Pending, cs)
			default:
				result.Unknown = append(result.Unknown, cs)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *CacheManager) makeAvailable(ctx context.Context, r repository.Repos, tenant, checksum string,
	now, expiration time.Time) (model.CacheState, error) {
	refs, err := r.Files.FindByChecksum(ctx, checksum)
	if err != nil {
		return "", err
	}
	labels := make([]string, 0, len(refs))
	for _, ref := range refs {
		if !ref.PendingDeletion() {
			labels = append(labels, ref.Location.Storage)
		}
	}
	if len(labels) == 0 {
		return "", nil
	}
	best, err := searchActiveHigherPriority(ctx, r, labels)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if best.Type == model.BackendOnline {
		return stateOnline, nil
	}

	cf, err := r.Cache.Get(ctx, checksum)
	switch {
	case err == nil:
		if cf.State == model.CacheAvailable {
			cf.LastRequestDate = now
		}
		if expiration.After(cf.Expiration) {
			cf.Expiration = expiration
		}
		if err := r.Cache.Update(ctx, cf); err != nil {
			return "", err
		}
		return cf.State, nil
	case !errors.Is(err, repository.ErrNotFound):
		return "", err
	}

	var source *model.FileReference
	for _, ref := range refs {
		if ref.Location.Storage == best.Config.Label {
			source = ref
			break
		}
	}
	cf = &model.CachedFile{
		Checksum:        checksum,
		Location:        checksum,
		Size:            source.Meta.FileSize,
		Expiration:      expiration,
		LastRequestDate: now,
		State:           model.CacheQueued,
		Source:          source.Location.Storage,
	}
	if err := r.Cache.Create(ctx, cf); err != nil {
		return "", err
	}
	if _, err := m.ledger.requestRestoration(ctx, r, tenant, source.Meta, source.Location, cf.Location); err != nil {
		return "", err
	}
	m.logger.Info("Файл поставлен в очередь на восстановление",
		slog.String("tenant", tenant),
		slog.String("checksum", checksum),
		slog.String("source", cf.Source),
	)
	return model.CacheQueued, nil
}

// Purge очищает кэш арендатора.
func (m *CacheManager) Purge(ctx context.Context, tenant string) (*PurgeResult, error) {
	defer m.lock(tenant)()

	result := &PurgeResult{}
	if err := m.uow.Do(ctx, tenant, func(r repository.Repos) error {
		return m.purgeExpired(ctx, r, tenant, result)
	}); err != nil {
		return nil, fmt.Errorf("удаление просроченных файлов кэша: %w", err)
	}

	if err := m.uow.Do(ctx, tenant, func(r repository.Repos) error {
		return m.purgeCapacity(ctx, r, tenant, result)
	}); err != nil {
		return nil, fmt.Errorf("вытеснение файлов кэша: %w", err)
	}

	if result.Expired > 0 || result.Evicted > 0 || result.Failed > 0 {
		m.logger.Info("Кэш очищен",
			slog.String("tenant", tenant),
			slog.Int("expired", result.Expired),
			slog.Int("evicted", result.Evicted),
			slog.Int("failed", result.Failed),
			slog.Int64("used", result.Used),
		)
	}
	return result, nil
}

func (m *CacheManager) purgeExpired(ctx context.Context, r repository.Repos, tenant string, result *PurgeResult) error {
	now := m.now()
	var afterID int64
	for {
		page, err := r.Cache.ListExpired(ctx, now, afterID, m.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		afterID = page[len(page)-1].ID

		for _, cf := range page {
			switch cf.State {
			case model.CacheAvailable:
				ok, err := m.evict(ctx, r, tenant, cf)
				if err != nil {
					return err
				}
				if !ok {
					result.Failed++
					continue
				}
			case model.CacheQueued:
				if err := m.dropQueued(ctx, r, cf); err != nil {
					return err
				}
			default:
				continue
			}
			result.Expired++
			cachePurgedTotal.WithLabelValues(tenant, "expired").Inc()
		}
	}
}

func (m *CacheManager) purgeCapacity(ctx context.Context, r repository.Repos, tenant string, result *PurgeResult) error {
	used, err := r.Cache.SumSize(ctx, model.CacheAvailable, model.CacheRestoring)
	if err != nil {
		return err
	}
	result.Used = used
	cacheUsedBytes.WithLabelValues(tenant).Set(float64(used))

	if m.cfg.PurgeUpper <= m.cfg.PurgeLower || used <= m.cfg.PurgeUpper {
		return nil
	}
	queued, err := r.Cache.CountByState(ctx, model.CacheQueued)
	if err != nil {
		return err
	}
	if queued == 0 {
		return nil
	}

	olderThan := m.now().Add(-m.cfg.MinTTL)
	var cursor repository.EvictionCursor
	for used > m.cfg.PurgeLower {
		page, err := r.Cache.ListEvictable(ctx, olderThan, cursor, m.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		last := page[len(page)-1]
		cursor = repository.EvictionCursor{LastRequestDate: last.LastRequestDate, ID: last.ID}

		for _, cf := range page {
			if used <= m.cfg.PurgeLower {
				break
			}
			ok, err := m.evict(ctx, r, tenant, cf)
			if err != nil {
				return err
			}
			if !ok {
				result.Failed++
				continue
			}
			used -= cf.Size
			result.Evicted++
			cachePurgedTotal.WithLabelValues(tenant, "capacity").Inc()
		}
	}

	result.Used = used
	cacheUsedBytes.WithLabelValues(tenant).Set(float64(used))
	if used > m.cfg.PurgeLower {
		m.logger.Warn("Не удалось освободить кэш до нижнего порога",
			slog.String("tenant", tenant),
			slog.Int64("used", used),
			slog.Int64("lower", m.cfg.PurgeLower),
		)
	}
	return nil
}

// evict удаляет файл с диска и строку кэша. ok=false — файл не удалось удалить,
// строка сохранена, администратор уведомлён.
func (m *CacheManager) evict(ctx context.Context, r repository.Repos, tenant string, cf *model.CachedFile) (bool, error) {
	if err := m.removeFile(tenant, cf.Location); err != nil {
		m.logger.Error("Ошибка удаления файла кэша",
			slog.String("tenant", tenant),
			slog.String("location", cf.Location),
			slog.String("error", err.Error()),
		)
		m.notify(ctx, Notification{
			Tenant:  tenant,
			Level:   NotifyError,
			Title:   "Cache purge failure",
			Message: fmt.Sprintf("Cached file %s cannot be deleted: %v", m.filePath(tenant, cf.Location), err),
		})
		return false, nil
	}
	if err := r.Cache.Delete(ctx, cf.ID); err != nil {
		return false, err
	}
	return true, nil
}

// dropQueued удаляет файл из очереди вместе с ещё не запущенным запросом восстановления.
func (m *CacheManager) dropQueued(ctx context.Context, r repository.Repos, cf *model.CachedFile) error {
	req, err := r.Requests.Get(ctx, model.KindRestoration, cf.Checksum, cf.Source)
	switch {
	case err == nil && req.Status != model.StatusPending:
		if err := r.Requests.Delete(ctx, req.ID); err != nil {
			return err
		}
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return err
	}
	return r.Cache.Delete(ctx, cf.ID)
}

// RestoreQueued отправляет на восстановление файлы из очереди, которые помещаются в кэш.
func (m *CacheManager) RestoreQueued(ctx context.Context, tenant string) (*RestoreResult, error) {
	defer m.lock(tenant)()

	result := &RestoreResult{}
	var selected []string
	err := m.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		selected, err = m.selectQueued(ctx, r, tenant)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("выбор файлов для восстановления: %w", err)
	}
	result.Selected = len(selected)
	if len(selected) == 0 {
		return result, nil
	}

	if m.scheduler != nil {
		sr, err := m.scheduler.ScheduleRequests(ctx, tenant, model.KindRestoration, model.StatusTodo,
			ScheduleFilter{Checksums: selected})
		if err != nil {
			m.logger.Error("Ошибка планирования восстановления",
				slog.String("tenant", tenant),
				slog.String("error", err.Error()),
			)
		} else {
			result.Scheduled = sr.Scheduled
		}
	}

	err = m.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		result.Reverted, err = m.revertFailed(ctx, r, selected)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("возврат файлов в очередь: %w", err)
	}

	cacheRestoresTotal.WithLabelValues(tenant).Add(float64(result.Scheduled))
	m.logger.Info("Файлы отправлены на восстановление",
		slog.String("tenant", tenant),
		slog.Int("selected", result.Selected),
		slog.Int("scheduled", result.Scheduled),
		slog.Int("reverted", result.Reverted),
	)
	return result, nil
}

// selectQueued переводит в RESTORING файлы очереди, которые помещаются в свободное место.
func (m *CacheManager) selectQueued(ctx context.Context, r repository.Repos, tenant string) ([]string, error) {
	used, err := r.Cache.SumSize(ctx, model.CacheAvailable, model.CacheRestoring)
	if err != nil {
		return nil, err
	}
	free := m.cfg.MaxSize - used

	var (
		selected  []string
		skipped   int
		afterID   int64
		hasQueued bool
	)
	for {
		page, err := r.Cache.ListByState(ctx, model.CacheQueued, afterID, m.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		for _, cf := range page {
			hasQueued = true
			req, err := r.Requests.Get(ctx, model.KindRestoration, cf.Checksum, cf.Source)
			if errors.Is(err, repository.ErrNotFound) {
				m.logger.Warn("Для файла в очереди нет запроса восстановления",
					slog.String("tenant", tenant),
					slog.String("checksum", cf.Checksum),
				)
				continue
			}
			if err != nil {
				return nil, err
			}
			if req.Status != model.StatusTodo {
				continue
			}
			if cf.Size > free {
				skipped++
				continue
			}
			if err := lifecycle.TransitionCache(cf, model.CacheRestoring); err != nil {
				return nil, err
			}
			cf.FailureCause = ""
			if err := r.Cache.Update(ctx, cf); err != nil {
				return nil, err
			}
			free -= cf.Size
			selected = append(selected, cf.Checksum)
		}
	}

	m.updateFull(ctx, tenant, hasQueued && len(selected) == 0 && skipped > 0)
	return selected, nil
}

// updateFull уведомляет о заполненном кэше один раз до освобождения места.
func (m *CacheManager) updateFull(ctx context.Context, tenant string, full bool) {
	m.mu.Lock()
	was := m.full[tenant]
	m.full[tenant] = full
	m.mu.Unlock()

	if full && !was {
		m.notify(ctx, Notification{
			Tenant:  tenant,
			Level:   NotifyWarning,
			Title:   "Cache full",
			Message: "Cache is full, queued files cannot be restored until space is freed.",
		})
	}
}

// revertFailed возвращает в QUEUED файлы, чьи запросы не удалось запланировать.
func (m *CacheManager) revertFailed(ctx context.Context, r repository.Repos, checksums []string) (int, error) {
	reverted := 0
	for _, cs := range checksums {
		cf, err := r.Cache.Get(ctx, cs)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return reverted, err
		}
		if cf.State != model.CacheRestoring {
			continue
		}
		req, err := r.Requests.Get(ctx, model.KindRestoration, cf.Checksum, cf.Source)
		var cause string
		switch {
		case errors.Is(err, repository.ErrNotFound):
			cause = "запрос восстановления отсутствует"
		case err != nil:
			return reverted, err
		case req.Status == model.StatusPending:
			continue
		case req.Status == model.StatusError:
			cause = req.ErrorCause
		default:
			cause = "запрос восстановления не запланирован"
		}
		if err := lifecycle.TransitionCache(cf, model.CacheQueued); err != nil {
			return reverted, err
		}
		cf.FailureCause = model.TruncateCause(cause)
		if err := r.Cache.Update(ctx, cf); err != nil {
			return reverted, err
		}
		reverted++
	}
	return reverted, nil
}

// Startup сверяет кэш арендатора с диском при запуске сервиса.
func (m *CacheManager) Startup(ctx context.Context, tenant string) error {
	defer m.lock(tenant)()

	if err := m.fs.MkdirAll(tenant, 0o755); err != nil {
		return fmt.Errorf("создание каталога кэша %s: %w", tenant, err)
	}

	var missing, requeued int
	err := m.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var afterID int64
		for {
			page, err := r.Cache.ListByState(ctx, model.CacheAvailable, afterID, m.cfg.PageSize)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				break
			}
			afterID = page[len(page)-1].ID
			for _, cf := range page {
				if _, err := m.fs.Stat(m.filePath(tenant, cf.Location)); err == nil {
					continue
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				if err := r.Cache.Delete(ctx, cf.ID); err != nil {
					return err
				}
				missing++
			}
		}

		afterID = 0
		for {
			page, err := r.Cache.ListByState(ctx, model.CacheRestoring, afterID, m.cfg.PageSize)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				return nil
			}
			afterID = page[len(page)-1].ID
			for _, cf := range page {
				if err := lifecycle.TransitionCache(cf, model.CacheQueued); err != nil {
					return err
				}
				if err := r.Cache.Update(ctx, cf); err != nil {
					return err
				}
				requeued++
			}
		}
	})
	if err != nil {
		return fmt.Errorf("сверка кэша арендатора %s: %w", tenant, err)
	}

	dirty, err := m.scanDisk(ctx, tenant)
	if err != nil {
		return err
	}

	m.logger.Info("Кэш арендатора сверен с диском",
		slog.String("tenant", tenant),
		slog.Int("missing", missing),
		slog.Int("requeued", requeued),
		slog.Int("dirty", len(dirty)),
	)
	if len(dirty) > 0 {
		m.notify(ctx, Notification{
			Tenant: tenant,
			Level:  NotifyWarning,
			Title:  "Dirty cache",
			Message: fmt.Sprintf("Cache directory %s contains %d files unknown to the cache: %s",
				tenant, len(dirty), strings.Join(dirty, ", ")),
		})
	}
	return nil
}

// scanDisk удаляет оставшиеся временные файлы и возвращает файлы без AVAILABLE-записи.
func (m *CacheManager) scanDisk(ctx context.Context, tenant string) ([]string, error) {
	entries, err := m.fs.ReadDir(tenant)
	if err != nil {
		return nil, fmt.Errorf("чтение каталога кэша %s: %w", tenant, err)
	}

	var dirty []string
	err = m.uow.Do(ctx, tenant, func(r repository.Repos) error {
		for _, e := range entries {
			if e.IsDir() {
				dirty = append(dirty, e.Name())
				continue
			}
			if strings.HasSuffix(e.Name(), partSuffix) {
				m.removePart(m.filePath(tenant, e.Name()))
				continue
			}
			cf, err := r.Cache.Get(ctx, e.Name())
			if errors.Is(err, repository.ErrNotFound) {
				dirty = append(dirty, e.Name())
				continue
			}
			if err != nil {
				return err
			}
			if cf.State != model.CacheAvailable {
				dirty = append(dirty, e.Name())
			}
		}
		return nil
	})
	return dirty, err
}

// Usage возвращает занятость кэша арендатора.
func (m *CacheManager) Usage(ctx context.Context, tenant string) (model.CacheUsage, error) {
	usage := model.CacheUsage{MaxSize: m.cfg.MaxSize}
	err := m.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		if usage.Used, err = r.Cache.SumSize(ctx, model.CacheAvailable, model.CacheRestoring); err != nil {
			return err
		}
		usage.Queued, err = r.Cache.CountByState(ctx, model.CacheQueued)
		return err
	})
	if err != nil {
		return usage, err
	}
	cacheUsedBytes.WithLabelValues(tenant).Set(float64(usage.Used))
	return usage, nil
}

// partFile создаёт временный файл для восстановления.
func (m *CacheManager) partFile(tenant, checksum string) (io.WriteCloser, string, error) {
	name := m.filePath(tenant, fmt.Sprintf("%s.%s%s", checksum, uuid.New().String(), partSuffix))
	f, err := m.fs.Create(name)
	if err != nil {
		return nil, "", fmt.Errorf("создание временного файла кэша: %w", err)
	}
	return f, name, nil
}

func (m *CacheManager) removePart(name string) {
	if err := m.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("Ошибка удаления временного файла кэша",
			slog.String("path", name),
			slog.String("error", err.Error()),
		)
	}
}

// completeRestore переносит восстановленный файл на место и делает его AVAILABLE.
func (m *CacheManager) completeRestore(ctx context.Context, r repository.Repos, tenant string,
	req *model.FileRequest, part string, size int64) error {
	cf, err := r.Cache.Get(ctx, req.Meta.Checksum)
	if errors.Is(err, repository.ErrNotFound) {
		m.logger.Warn("Файл удалён из кэша во время восстановления",
			slog.String("tenant", tenant),
			slog.String("checksum", req.Meta.Checksum),
		)
		m.removePart(part)
		return nil
	}
	if err != nil {
		return err
	}

	if cf.State == model.CacheQueued {
		if err := lifecycle.TransitionCache(cf, model.CacheRestoring); err != nil {
			return err
		}
	}
	if err := lifecycle.TransitionCache(cf, model.CacheAvailable); err != nil {
		return err
	}

	final := m.filePath(tenant, cf.Location)
	if err := m.removeFile(tenant, cf.Location); err != nil {
		return err
	}
	if err := m.fs.Rename(part, final); err != nil {
		return fmt.Errorf("перенос восстановленного файла: %w", err)
	}

	cf.Size = size
	cf.FailureCause = ""
	cf.LastRequestDate = m.now()
	if err := r.Cache.Update(ctx, cf); err != nil {
		return err
	}
	m.logger.Info("Файл восстановлен в кэш",
		slog.String("tenant", tenant),
		slog.String("checksum", cf.Checksum),
		slog.Int64("size", size),
	)
	return nil
}

// failRestore возвращает файл в очередь после неудачного восстановления.
func (m *CacheManager) failRestore(ctx context.Context, r repository.Repos, checksum, cause string) error {
	cf, err := r.Cache.Get(ctx, checksum)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cf.State == model.CacheRestoring {
		if err := lifecycle.TransitionCache(cf, model.CacheQueued); err != nil {
			return err
		}
	}
	if cf.State != model.CacheQueued {
		return nil
	}
	cf.FailureCause = model.TruncateCause(cause)
	return r.Cache.Update(ctx, cf)
}

func (m *CacheManager) notify(ctx context.Context, n Notification) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, n)
	}
}
