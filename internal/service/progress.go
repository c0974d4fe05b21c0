// progress.go — выполнение задач плагинами и фиксация результатов по каждому запросу.
//
// JobRunner выполняет задачу очереди: получает экземпляр плагина и вызывает
// Store / Delete / Retrieve для подмножества. Каждый результат, сообщённый
// плагином, фиксируется в отдельной единице работы:
//   - Stored    — файл подтверждается на бэкенде назначения, запрос удаляется
//   - Deleted   — ссылка на файл и запрос удаляются
//   - Retrieved — файл кэша становится AVAILABLE, запрос удаляется
//   - Failed    — запрос в ERROR, файл кэша возвращается в QUEUED
//
// Запросы, по которым плагин ничего не сообщил, переводятся в ERROR.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-manager/internal/backend"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/jobs"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

var requestOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sm_request_outcomes_total",
	Help: "Результаты обработки запросов плагинами.",
}, []string{"kind", "result"}) // result: done, error

// JobRunner — исполнитель задач очереди.
type JobRunner struct {
	uow      repository.UnitOfWork
	resolver BackendResolver
	files    *FileReferenceService
	cache    *CacheManager
	logger   *slog.Logger
}

// NewJobRunner создаёт исполнитель задач.
func NewJobRunner(uow repository.UnitOfWork, resolver BackendResolver, files *FileReferenceService,
	cache *CacheManager, logger *slog.Logger) *JobRunner {
	return &JobRunner{
		uow:      uow,
		resolver: resolver,
		files:    files,
		cache:    cache,
		logger:   logger.With(slog.String("component", "job_runner")),
	}
}

// Run выполняет задачу. Возвращает ошибку плагина; результаты по запросам
// к этому моменту уже зафиксированы.
func (j *JobRunner) Run(ctx context.Context, job jobs.Job) error {
	rep := newJobReporter(j, job)

	b, release, err := j.resolver.Resolve(ctx, job.Tenant, job.BackendID)
	if err != nil {
		rep.failRemaining(ctx, fmt.Sprintf("получение плагина бэкенда: %v", err))
		return err
	}
	defer release()

	switch job.Kind {
	case model.KindStorage:
		err = b.Store(ctx, job.Subset, rep)
	case model.KindDeletion:
		err = b.Delete(ctx, job.Subset, rep)
	case model.KindRestoration:
		err = b.Retrieve(ctx, job.Subset, rep)
	default:
		err = fmt.Errorf("неизвестный вид задачи: %s", job.Kind)
	}

	if err != nil {
		rep.failRemaining(ctx, err.Error())
		return err
	}
	rep.failRemaining(ctx, "плагин не сообщил результат обработки запроса")
	return nil
}

// jobReporter — Reporter одной задачи.
type jobReporter struct {
	runner *JobRunner
	job    jobs.Job
	logger *slog.Logger

	mu       sync.Mutex
	reported map[int64]bool
	parts    map[int64]string
}

func newJobReporter(runner *JobRunner, job jobs.Job) *jobReporter {
	return &jobReporter{
		runner: runner,
		job:    job,
		logger: runner.logger.With(
			slog.String("tenant", job.Tenant),
			slog.String("job_id", job.ID),
		),
		reported: make(map[int64]bool, len(job.Subset.Requests)),
		parts:    make(map[int64]string),
	}
}

// markReported отмечает запрос. false — результат по запросу уже зафиксирован.
func (rep *jobReporter) markReported(req *model.FileRequest) bool {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.reported[req.ID] {
		return false
	}
	rep.reported[req.ID] = true
	return true
}

func (rep *jobReporter) partPath(req *model.FileRequest) string {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	return rep.parts[req.ID]
}

// Target создаёт временный файл в кэше для восстанавливаемого файла.
func (rep *jobReporter) Target(req *model.FileRequest) (io.WriteCloser, error) {
	if rep.runner.cache == nil {
		return nil, errors.New("кэш не настроен")
	}
	w, part, err := rep.runner.cache.partFile(rep.job.Tenant, req.Meta.Checksum)
	if err != nil {
		return nil, err
	}
	rep.mu.Lock()
	rep.parts[req.ID] = part
	rep.mu.Unlock()
	return w, nil
}

// Stored фиксирует сохранение файла на бэкенде назначения.
func (rep *jobReporter) Stored(ctx context.Context, req *model.FileRequest, url string) {
	if !rep.markReported(req) {
		return
	}
	err := rep.runner.uow.Do(ctx, rep.job.Tenant, func(r repository.Repos) error {
		current, ok, err := rep.current(ctx, r, req)
		if err != nil || !ok {
			return err
		}
		if err := rep.runner.files.confirmStored(ctx, r, rep.job.Tenant, current, url); err != nil {
			return err
		}
		return r.Requests.Delete(ctx, current.ID)
	})
	rep.settle(ctx, req, err)
}

// Deleted фиксирует физическое удаление файла с бэкенда.
func (rep *jobReporter) Deleted(ctx context.Context, req *model.FileRequest) {
	if !rep.markReported(req) {
		return
	}
	err := rep.runner.uow.Do(ctx, rep.job.Tenant, func(r repository.Repos) error {
		current, ok, err := rep.current(ctx, r, req)
		if err != nil || !ok {
			return err
		}
		ref, err := r.Files.Find(ctx, current.Destination.Storage, current.Meta.Checksum)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return err
		case !ref.PendingDeletion():
			rep.logger.Error("Файл удалён с бэкенда, но у него снова есть владельцы",
				slog.String("checksum", ref.Meta.Checksum),
				slog.String("storage", ref.Location.Storage),
				slog.Any("owners", ref.Owners),
			)
		default:
			if err := r.Files.Delete(ctx, ref.ID); err != nil {
				return err
			}
		}
		return r.Requests.Delete(ctx, current.ID)
	})
	rep.settle(ctx, req, err)
}

// Retrieved фиксирует восстановление файла в кэш.
func (rep *jobReporter) Retrieved(ctx context.Context, req *model.FileRequest, size int64) {
	if !rep.markReported(req) {
		return
	}
	part := rep.partPath(req)
	if part == "" || rep.runner.cache == nil {
		rep.fail(ctx, req, "плагин не открыл файл назначения в кэше")
		return
	}
	err := rep.runner.uow.Do(ctx, rep.job.Tenant, func(r repository.Repos) error {
		current, ok, err := rep.current(ctx, r, req)
		if err != nil || !ok {
			return err
		}
		if err := rep.runner.cache.completeRestore(ctx, r, rep.job.Tenant, current, part, size); err != nil {
			return err
		}
		return r.Requests.Delete(ctx, current.ID)
	})
	rep.settle(ctx, req, err)
}

// Failed фиксирует ошибку обработки запроса.
func (rep *jobReporter) Failed(ctx context.Context, req *model.FileRequest, cause string) {
	if !rep.markReported(req) {
		return
	}
	rep.fail(ctx, req, cause)
}

// current перечитывает запрос. ok=false — запрос удалён или уже не принадлежит задаче.
func (rep *jobReporter) current(ctx context.Context, r repository.Repos, req *model.FileRequest) (*model.FileRequest, bool, error) {
	current, err := r.Requests.GetByID(ctx, req.ID)
	if errors.Is(err, repository.ErrNotFound) {
		rep.logger.Warn("Запрос удалён во время выполнения задачи", slog.Int64("request_id", req.ID))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if current.JobID != rep.job.ID || current.Status != model.StatusPending {
		rep.logger.Warn("Запрос больше не принадлежит задаче",
			slog.Int64("request_id", req.ID),
			slog.String("status", string(current.Status)),
			slog.String("current_job_id", current.JobID),
		)
		return nil, false, nil
	}
	return current, true, nil
}

// settle учитывает результат успешного колбэка: ошибка фиксации переводит запрос в ERROR.
func (rep *jobReporter) settle(ctx context.Context, req *model.FileRequest, err error) {
	if err != nil {
		rep.logger.Error("Ошибка фиксации результата запроса",
			slog.Int64("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		rep.fail(ctx, req, fmt.Sprintf("фиксация результата: %v", err))
		return
	}
	requestOutcomesTotal.WithLabelValues(string(rep.job.Kind), "done").Inc()
}

// fail переводит запрос в ERROR. Для восстановления файл кэша возвращается в QUEUED.
func (rep *jobReporter) fail(ctx context.Context, req *model.FileRequest, cause string) {
	cause = model.TruncateCause(cause)
	if part := rep.partPath(req); part != "" && rep.runner.cache != nil {
		rep.runner.cache.removePart(part)
	}

	err := rep.runner.uow.Do(ctx, rep.job.Tenant, func(r repository.Repos) error {
		current, ok, err := rep.current(ctx, r, req)
		if err != nil || !ok {
			return err
		}
		if err := lifecycle.TransitionRequest(current, model.StatusError); err != nil {
			return err
		}
		if err := r.Requests.SetStatus(ctx, []int64{current.ID}, model.StatusError, cause, rep.job.ID); err != nil {
			return err
		}
		if current.Kind == model.KindRestoration && rep.runner.cache != nil {
			return rep.runner.cache.failRestore(ctx, r, current.Meta.Checksum, cause)
		}
		return nil
	})
	if err != nil {
		rep.logger.Error("Ошибка перевода запроса в ERROR",
			slog.Int64("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	rep.logger.Warn("Запрос завершился ошибкой",
		slog.Int64("request_id", req.ID),
		slog.String("kind", string(req.Kind)),
		slog.String("checksum", req.Meta.Checksum),
		slog.String("cause", cause),
	)
	requestOutcomesTotal.WithLabelValues(string(rep.job.Kind), "error").Inc()
}

// failRemaining переводит в ERROR запросы, по которым не было результата.
func (rep *jobReporter) failRemaining(ctx context.Context, cause string) {
	for _, req := range rep.job.Subset.Requests {
		if rep.markReported(req) {
			rep.fail(ctx, req, cause)
		}
	}
}

var _ backend.Reporter = (*jobReporter)(nil)
