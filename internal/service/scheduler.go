// scheduler.go — периодические обходы арендаторов.
//
// Каждый обход (планирование, очистка кэша, восстановление, проверка бэкендов)
// запускается своей горутиной с ticker. На каждом тике обход выполняется
// для всех арендаторов параллельно, но не более чем parallelism одновременно.
// Ошибка одного арендатора не прерывает обход остальных.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// Prometheus-метрики обходов.
var (
	sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sm_sweep_duration_seconds",
		Help:    "Длительность периодического обхода всех арендаторов.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 0.01s … ~82s
	}, []string{"sweep"})

	sweepErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_sweep_errors_total",
		Help: "Количество ошибок периодического обхода по арендаторам.",
	}, []string{"sweep", "tenant"})
)

// Sweep — периодический обход.
type Sweep struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, tenant string) error
}

// Scheduler — запуск периодических обходов.
type Scheduler struct {
	tenants     []string
	sweeps      []Sweep
	parallelism int
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler создаёт планировщик обходов.
func NewScheduler(tenants []string, parallelism int, logger *slog.Logger, sweeps ...Sweep) *Scheduler {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Scheduler{
		tenants:     tenants,
		sweeps:      sweeps,
		parallelism: parallelism,
		logger:      logger.With(slog.String("component", "scheduler")),
	}
}

// Start запускает горутину для каждого обхода.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, sw := range s.sweeps {
		s.wg.Add(1)
		go func(sw Sweep) {
			defer s.wg.Done()

			s.logger.Info("Периодический обход запущен",
				slog.String("sweep", sw.Name),
				slog.String("interval", sw.Interval.String()),
			)

			ticker := time.NewTicker(sw.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					s.logger.Info("Периодический обход остановлен", slog.String("sweep", sw.Name))
					return
				case <-ticker.C:
					s.RunOnce(ctx, sw)
				}
			}
		}(sw)
	}
}

// Stop останавливает обходы и ждёт завершения текущих.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunOnce выполняет обход для всех арендаторов и возвращает число ошибок.
func (s *Scheduler) RunOnce(ctx context.Context, sw Sweep) int {
	start := time.Now()

	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, tenant := range s.tenants {
		g.Go(func() error {
			if err := sw.Run(gctx, tenant); err != nil {
				s.logger.Error("Ошибка периодического обхода",
					slog.String("sweep", sw.Name),
					slog.String("tenant", tenant),
					slog.String("error", err.Error()),
				)
				sweepErrorsTotal.WithLabelValues(sw.Name, tenant).Inc()
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sweepDuration.WithLabelValues(sw.Name).Observe(time.Since(start).Seconds())
	return failed
}
