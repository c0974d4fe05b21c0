// Пакет jobs — in-process очередь асинхронных задач и пул исполнителей.
//
// Задача несёт арендатора, идентификатор бэкенда, вид запросов и рабочее
// подмножество. Очередь ограничена: при переполнении Enqueue возвращает
// ErrQueueFull и вызывающий код помечает подмножество ошибкой.
// Задачи, не выполненные к остановке, теряются: их запросы остаются в PENDING
// и возвращаются в TODO при следующем запуске.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-manager/internal/backend"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

var (
	// ErrQueueFull — очередь задач переполнена.
	ErrQueueFull = errors.New("очередь задач переполнена")
	// ErrStopped — очередь остановлена.
	ErrStopped = errors.New("очередь задач остановлена")
)

// Prometheus-метрики очереди задач.
var (
	jobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sm_jobs_queued",
		Help: "Количество задач в очереди.",
	})
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_jobs_total",
		Help: "Количество выполненных задач.",
	}, []string{"kind", "result"}) // result: ok, error
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sm_job_duration_seconds",
		Help:    "Длительность выполнения задачи.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 0.05s … ~410s
	}, []string{"kind"})
)

// Job — задача обработки рабочего подмножества запросов.
type Job struct {
	ID        string
	Tenant    string
	BackendID int64
	Kind      model.RequestKind
	Subset    backend.WorkingSubset
}

// Handle — дескриптор поставленной в очередь задачи.
type Handle struct {
	ID         string
	EnqueuedAt time.Time
}

// Runner выполняет задачу.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// RunnerFunc — функция, реализующая Runner.
type RunnerFunc func(ctx context.Context, job Job) error

func (f RunnerFunc) Run(ctx context.Context, job Job) error { return f(ctx, job) }

// Queue — ограниченная очередь задач с пулом исполнителей.
type Queue struct {
	jobs    chan Job
	workers int
	logger  *slog.Logger

	mu      sync.RWMutex
	runner  Runner
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue создаёт очередь ёмкостью size с workers исполнителями.
func NewQueue(size, workers int, logger *slog.Logger) *Queue {
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
		logger:  logger.With(slog.String("component", "jobs")),
	}
}

// SetRunner задаёт исполнителя задач. Вызывается до Start.
func (q *Queue) SetRunner(r Runner) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runner = r
}

// Enqueue ставит задачу в очередь без блокировки.
func (q *Queue) Enqueue(_ context.Context, job Job) (Handle, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return Handle{}, ErrStopped
	}
	select {
	case q.jobs <- job:
		jobsQueued.Inc()
		return Handle{ID: job.ID, EnqueuedAt: time.Now().UTC()}, nil
	default:
		return Handle{}, fmt.Errorf("%w: задача %s", ErrQueueFull, job.ID)
	}
}

// Len возвращает количество задач в очереди.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Start запускает исполнителей.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	q.logger.Info("Пул исполнителей задач запущен",
		slog.Int("workers", q.workers),
		slog.Int("queue_size", cap(q.jobs)),
	)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					jobsQueued.Dec()
					q.execute(ctx, worker, job)
				}
			}
		}(i)
	}
}

func (q *Queue) execute(ctx context.Context, worker int, job Job) {
	q.mu.RLock()
	runner := q.runner
	q.mu.RUnlock()

	start := time.Now()
	kind := string(job.Kind)
	logger := q.logger.With(
		slog.String("job_id", job.ID),
		slog.String("tenant", job.Tenant),
		slog.Int64("backend_id", job.BackendID),
		slog.String("kind", kind),
		slog.Int("worker", worker),
	)

	if runner == nil {
		logger.Error("Исполнитель задач не задан")
		jobsTotal.WithLabelValues(kind, "error").Inc()
		return
	}

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("паника при выполнении задачи: %v", p)
			}
		}()
		return runner.Run(ctx, job)
	}()

	jobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		jobsTotal.WithLabelValues(kind, "error").Inc()
		logger.Error("Ошибка выполнения задачи", slog.String("error", err.Error()))
		return
	}
	jobsTotal.WithLabelValues(kind, "ok").Inc()
	logger.Debug("Задача выполнена",
		slog.Int("requests", len(job.Subset.Requests)),
		slog.Duration("duration", time.Since(start)),
	)
}

// Stop прекращает приём задач и ждёт завершения исполнителей.
// Задачи, оставшиеся в очереди, не выполняются.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	if n := len(q.jobs); n > 0 {
		q.logger.Warn("Задачи в очереди не выполнены", slog.Int("count", n))
	}
	q.logger.Info("Пул исполнителей задач остановлен")
}
