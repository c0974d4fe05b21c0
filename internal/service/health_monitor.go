// health_monitor.go — проверка доступности активных бэкендов.
//
// Check вызывает Available у каждого активного бэкенда арендатора,
// публикует gauge sm_backend_available и уведомляет администратора
// при смене состояния бэкенда.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

var backendAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sm_backend_available",
	Help: "Доступность бэкенда (1 — доступен, 0 — недоступен).",
}, []string{"tenant", "label", "type"})

// BackendHealth — состояние одного бэкенда.
type BackendHealth struct {
	ID        int64
	Label     string
	Type      model.BackendType
	Available bool
	Error     string
}

// HealthMonitor — сервис проверки доступности бэкендов.
type HealthMonitor struct {
	uow      repository.UnitOfWork
	resolver BackendResolver
	notifier Notifier
	logger   *slog.Logger

	mu    sync.Mutex
	state map[string]bool // tenant/label → доступен
}

// NewHealthMonitor создаёт сервис проверки бэкендов.
func NewHealthMonitor(uow repository.UnitOfWork, resolver BackendResolver, notifier Notifier, logger *slog.Logger) *HealthMonitor {
	return &HealthMonitor{
		uow:      uow,
		resolver: resolver,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "health_monitor")),
		state:    make(map[string]bool),
	}
}

// Check проверяет активные бэкенды арендатора.
func (h *HealthMonitor) Check(ctx context.Context, tenant string) ([]BackendHealth, error) {
	var entries []*model.BackendEntry
	err := h.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		entries, err = r.Backends.List(ctx, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("получение бэкендов арендатора %s: %w", tenant, err)
	}

	result := make([]BackendHealth, 0, len(entries))
	for _, e := range entries {
		if !e.Config.Active {
			continue
		}
		hs := BackendHealth{ID: e.ID, Label: e.Config.Label, Type: e.Type, Available: true}
		b, release, err := h.resolver.Resolve(ctx, tenant, e.ID)
		if err == nil {
			err = b.Available(ctx)
			release()
		}
		if err != nil {
			hs.Available = false
			hs.Error = err.Error()
		}
		h.record(ctx, tenant, hs)
		result = append(result, hs)
	}
	return result, nil
}

// record обновляет метрику и уведомляет о смене состояния.
func (h *HealthMonitor) record(ctx context.Context, tenant string, hs BackendHealth) {
	value := 0.0
	if hs.Available {
		value = 1
	}
	backendAvailable.WithLabelValues(tenant, hs.Label, string(hs.Type)).Set(value)

	key := tenant + "/" + hs.Label
	h.mu.Lock()
	prev, seen := h.state[key]
	h.state[key] = hs.Available
	h.mu.Unlock()

	switch {
	case !hs.Available && (!seen || prev):
		h.logger.Warn("Бэкенд недоступен",
			slog.String("tenant", tenant),
			slog.String("label", hs.Label),
			slog.String("error", hs.Error),
		)
		if h.notifier != nil {
			h.notifier.Notify(ctx, Notification{
				Tenant:  tenant,
				Level:   NotifyError,
				Title:   "Backend unavailable",
				Message: fmt.Sprintf("Backend %s is unavailable: %s", hs.Label, hs.Error),
			})
		}
	case hs.Available && seen && !prev:
		h.logger.Info("Бэкенд снова доступен",
			slog.String("tenant", tenant),
			slog.String("label", hs.Label),
		)
		if h.notifier != nil {
			h.notifier.Notify(ctx, Notification{
				Tenant:  tenant,
				Level:   NotifyInfo,
				Title:   "Backend available",
				Message: fmt.Sprintf("Backend %s is available again.", hs.Label),
			})
		}
	}
}
