// dispatcher.go — пакетное планирование запросов журнала в задачи.
//
// ScheduleRequests для каждого бэкенда среди подходящих запросов постранично
// (по возрастанию id) выполняет:
//  1. Метка неизвестна или бэкенд отключён — вся страница в ERROR, бэкенд не вызывается.
//  2. Иначе экземпляр плагина делит страницу на рабочие подмножества;
//     каждое подмножество переводится в PENDING и ставится в очередь одной задачей.
//  3. Ошибка получения плагина или подготовки — вся страница в ERROR.
//  4. Запросы, которые плагин не включил ни в одно подмножество, — в ERROR.
//
// Ошибка одного бэкенда не прерывает обход остальных.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-manager/internal/backend"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/jobs"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

// Prometheus-метрики диспетчера.
var (
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sm_dispatch_duration_seconds",
		Help:    "Длительность планирования запросов арендатора.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s … ~20s
	}, []string{"kind"})

	dispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_dispatch_requests_total",
		Help: "Количество запросов, обработанных диспетчером.",
	}, []string{"kind", "result"}) // result: scheduled, error
)

// BackendResolver возвращает экземпляр плагина бэкенда и функцию возврата
// аренды; экземпляр используется только до её вызова.
type BackendResolver interface {
	Resolve(ctx context.Context, tenant string, id int64) (backend.Backend, func(), error)
}

// JobQueue принимает задачи на выполнение.
type JobQueue interface {
	Enqueue(ctx context.Context, job jobs.Job) (jobs.Handle, error)
}

// ScheduleFilter ограничивает планирование. Пустые поля — без ограничения.
type ScheduleFilter struct {
	Backends  []string
	Owners    []string
	Checksums []string
}

// ScheduleResult — итог планирования.
type ScheduleResult struct {
	Tenant    string
	Kind      model.RequestKind
	Backends  int
	Jobs      int
	Scheduled int
	Errored   int
	Duration  time.Duration
}

// Dispatcher — сервис планирования запросов.
type Dispatcher struct {
	uow      repository.UnitOfWork
	resolver BackendResolver
	known    *KnownBackends
	queue    JobQueue
	pageSize int
	logger   *slog.Logger
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(uow repository.UnitOfWork, resolver BackendResolver, known *KnownBackends,
	queue JobQueue, pageSize int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		uow:      uow,
		resolver: resolver,
		known:    known,
		queue:    queue,
		pageSize: pageSize,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// ScheduleRequests планирует запросы вида kind в состоянии status.
//
// Каждая страница читается, а каждое подмножество захватывается в PENDING
// в отдельной единице работы; задача ставится в очередь только после фиксации
// захвата. Захват условный (по текущему состоянию), поэтому параллельные
// вызовы не планируют один запрос дважды.
func (d *Dispatcher) ScheduleRequests(ctx context.Context, tenant string, kind model.RequestKind,
	status model.RequestStatus, filter ScheduleFilter) (*ScheduleResult, error) {
	start := time.Now()
	result := &ScheduleResult{Tenant: tenant, Kind: kind}

	base := repository.RequestFilter{
		Kind:      kind,
		Status:    status,
		Storages:  filter.Backends,
		Owners:    filter.Owners,
		Checksums: filter.Checksums,
	}
	var storages []string
	err := d.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		storages, err = r.Requests.ListStorages(ctx, base)
		return err
	})
	if err == nil {
		result.Backends = len(storages)
		var errs []error
		for _, storage := range storages {
			f := base
			f.Storages = []string{storage}
			if err := d.scheduleStorage(ctx, tenant, storage, f, result); err != nil {
				d.logger.Error("Ошибка планирования запросов бэкенда",
					slog.String("tenant", tenant),
					slog.String("kind", string(kind)),
					slog.String("storage", storage),
					slog.String("error", err.Error()),
				)
				errs = append(errs, fmt.Errorf("бэкенд %s: %w", storage, err))
			}
		}
		err = errors.Join(errs...)
	}

	result.Duration = time.Since(start)
	dispatchDuration.WithLabelValues(string(kind)).Observe(result.Duration.Seconds())

	if result.Scheduled > 0 || result.Errored > 0 {
		d.logger.Info("Запросы запланированы",
			slog.String("tenant", tenant),
			slog.String("kind", string(kind)),
			slog.Int("backends", result.Backends),
			slog.Int("jobs", result.Jobs),
			slog.Int("scheduled", result.Scheduled),
			slog.Int("errored", result.Errored),
			slog.Duration("duration", result.Duration),
		)
	}
	if err != nil {
		return result, fmt.Errorf("планирование запросов %s арендатора %s: %w", kind, tenant, err)
	}
	return result, nil
}

// scheduleStorage обходит страницы запросов одного бэкенда.
func (d *Dispatcher) scheduleStorage(ctx context.Context, tenant, storage string,
	filter repository.RequestFilter, result *ScheduleResult) error {
	var afterID int64
	for {
		page, ready, err := d.readPage(ctx, tenant, filter, afterID)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		afterID = page[len(page)-1].ID

		if len(ready) > 0 {
			if err := d.schedulePage(ctx, tenant, storage, filter, ready, result); err != nil {
				return err
			}
		}
		if len(page) < d.pageSize {
			return nil
		}
	}
}

// readPage читает страницу запросов. ready — запросы, которые можно планировать:
// восстановление планируется только для файлов кэша в состоянии RESTORING,
// то есть уже прошедших проверку свободного места.
func (d *Dispatcher) readPage(ctx context.Context, tenant string, filter repository.RequestFilter,
	afterID int64) (page, ready []*model.FileRequest, err error) {
	err = d.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		page, err = r.Requests.Page(ctx, filter, afterID, d.pageSize)
		if err != nil {
			return err
		}
		if filter.Kind != model.KindRestoration {
			ready = page
			return nil
		}
		ready = make([]*model.FileRequest, 0, len(page))
		for _, req := range page {
			cf, err := r.Cache.Get(ctx, req.Meta.Checksum)
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if cf.State == model.CacheRestoring {
				ready = append(ready, req)
			}
		}
		return nil
	})
	return page, ready, err
}

// schedulePage планирует одну страницу запросов бэкенда storage.
func (d *Dispatcher) schedulePage(ctx context.Context, tenant, storage string,
	filter repository.RequestFilter, page []*model.FileRequest, result *ScheduleResult) error {
	if !d.known.IsEnabled(tenant, storage) {
		return d.fail(ctx, tenant, filter.Status, page, unknownStorageCause(page[0]), result)
	}

	subsets, backendID, err := d.prepare(ctx, tenant, storage, filter.Kind, page)
	if err != nil {
		d.logger.Warn("Ошибка подготовки запросов бэкендом",
			slog.String("tenant", tenant),
			slog.String("storage", storage),
			slog.String("error", err.Error()),
		)
		return d.fail(ctx, tenant, filter.Status, page, err.Error(), result)
	}

	placed := make(map[int64]bool, len(page))
	for _, subset := range subsets {
		for _, req := range subset.Requests {
			placed[req.ID] = true
		}
		if err := d.enqueue(ctx, tenant, backendID, filter.Kind, filter.Status, subset, result); err != nil {
			return err
		}
	}

	// Запросы, не попавшие ни в одно подмножество, не остаются в исходном состоянии
	var left []*model.FileRequest
	for _, req := range page {
		if !placed[req.ID] {
			left = append(left, req)
		}
	}
	if len(left) == 0 {
		return nil
	}
	return d.fail(ctx, tenant, filter.Status, left, notPreparedCause(left[0]), result)
}

// prepare получает экземпляр плагина и делит страницу на подмножества.
func (d *Dispatcher) prepare(ctx context.Context, tenant, storage string,
	kind model.RequestKind, page []*model.FileRequest) ([]backend.WorkingSubset, int64, error) {
	var entry *model.BackendEntry
	err := d.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		entry, err = r.Backends.GetByLabel(ctx, storage)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrUnknownBackend, storage)
		}
		return nil, 0, err
	}
	b, release, err := d.resolver.Resolve(ctx, tenant, entry.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("получение плагина бэкенда %s: %w", storage, err)
	}
	defer release()

	var subsets []backend.WorkingSubset
	switch kind {
	case model.KindStorage:
		subsets, err = b.Prepare(page, backend.ModeStore)
	case model.KindRestoration:
		subsets, err = b.Prepare(page, backend.ModeRetrieve)
	case model.KindDeletion:
		subsets, err = b.PrepareForDeletion(page)
	default:
		err = fmt.Errorf("неизвестный вид запроса: %s", kind)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("подготовка запросов бэкендом %s: %w", storage, err)
	}
	return subsets, entry.ID, nil
}

// enqueue захватывает подмножество в PENDING, фиксирует захват и только
// затем ставит ровно одну задачу. Запросы, которые уже захватил другой
// обход, в задачу не попадают. Если очередь отказала, захваченные запросы
// переводятся в ERROR.
func (d *Dispatcher) enqueue(ctx context.Context, tenant string, backendID int64, kind model.RequestKind,
	from model.RequestStatus, subset backend.WorkingSubset, result *ScheduleResult) error {
	if len(subset.Requests) == 0 {
		return nil
	}
	jobID := uuid.New().String()

	var claimed []*model.FileRequest
	err := d.uow.Do(ctx, tenant, func(r repository.Repos) error {
		ids, err := r.Requests.Claim(ctx, subset.IDs(), from, model.StatusPending, "", jobID)
		if err != nil {
			return err
		}
		claimed = claimed[:0]
		for _, req := range subset.Requests {
			if !slices.Contains(ids, req.ID) {
				continue
			}
			if err := toPending(req); err != nil {
				return err
			}
			req.JobID = jobID
			claimed = append(claimed, req)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	subset.Requests = claimed
	job := jobs.Job{ID: jobID, Tenant: tenant, BackendID: backendID, Kind: kind, Subset: subset}
	if _, err := d.queue.Enqueue(ctx, job); err != nil {
		d.logger.Warn("Задача не поставлена в очередь",
			slog.String("tenant", tenant),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return d.fail(ctx, tenant, model.StatusPending, claimed, fmt.Sprintf("задача не поставлена в очередь: %v", err), result)
	}

	result.Jobs++
	result.Scheduled += len(claimed)
	dispatchRequestsTotal.WithLabelValues(string(kind), "scheduled").Add(float64(len(claimed)))
	return nil
}

// toPending переводит запрос в PENDING; запрос в ERROR проходит через TODO.
func toPending(req *model.FileRequest) error {
	if req.Status == model.StatusError {
		if err := lifecycle.TransitionRequest(req, model.StatusTodo); err != nil {
			return err
		}
	}
	return lifecycle.TransitionRequest(req, model.StatusPending)
}

// fail переводит запросы из состояния from в ERROR с общей причиной
// в отдельной единице работы. Запросы, уже сменившие состояние, не трогаются.
func (d *Dispatcher) fail(ctx context.Context, tenant string, from model.RequestStatus,
	reqs []*model.FileRequest, cause string, result *ScheduleResult) error {
	if len(reqs) == 0 {
		return nil
	}
	if from != model.StatusError && !lifecycle.CanTransitionRequest(from, model.StatusError) {
		return fmt.Errorf("переход запросов %s → %s недопустим", from, model.StatusError)
	}
	ids := make([]int64, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
	}

	var failed []int64
	err := d.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		failed, err = r.Requests.Claim(ctx, ids, from, model.StatusError, cause, "")
		return err
	})
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if slices.Contains(failed, req.ID) {
			req.Status = model.StatusError
			req.SetError(cause)
			req.JobID = ""
		}
	}
	result.Errored += len(failed)
	dispatchRequestsTotal.WithLabelValues(string(reqs[0].Kind), "error").Add(float64(len(failed)))
	return nil
}
