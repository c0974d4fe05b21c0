// backend_registry.go — реестр бэкендов арендатора с плотными приоритетами.
//
// Приоритеты образуют последовательность 0..n-1 в пределах типа (ONLINE / NEARLINE),
// 0 — наивысший. Новый бэкенд получает max+1. Повышение и понижение меняют
// местами соседние приоритеты; удаление сдвигает нижестоящие на единицу вверх.
// Все изменения выполняются в одной единице работы; события рассылаются
// слушателям после фиксации.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bigkaa/goartstore/storage-manager/internal/backend"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

// BackendEventType — вид события жизненного цикла бэкенда.
type BackendEventType string

const (
	BackendCreated   BackendEventType = "CREATED"
	BackendDeleted   BackendEventType = "DELETED"
	BackendActivated BackendEventType = "ACTIVATED"
	BackendDisabled  BackendEventType = "DISABLED"
	BackendUpdated   BackendEventType = "UPDATED"
)

// BackendEvent — событие жизненного цикла бэкенда.
type BackendEvent struct {
	Type   BackendEventType
	Tenant string
	ID     int64
	Label  string
	Active bool
}

// BackendListener получает события реестра.
type BackendListener interface {
	OnBackendEvent(ev BackendEvent)
}

// BackendListenerFunc — функция, реализующая BackendListener.
type BackendListenerFunc func(ev BackendEvent)

func (f BackendListenerFunc) OnBackendEvent(ev BackendEvent) { f(ev) }

// InvalidateOnChange возвращает слушателя, сбрасывающего закэшированные
// экземпляры плагинов при изменении или удалении бэкенда.
func InvalidateOnChange(resolver *backend.Resolver) BackendListener {
	return BackendListenerFunc(func(ev BackendEvent) {
		if ev.Type != BackendCreated {
			resolver.Invalidate(ev.Tenant, ev.ID)
		}
	})
}

// BackendRegistry — сервис реестра бэкендов.
type BackendRegistry struct {
	uow     repository.UnitOfWork
	plugins *backend.Registry
	logger  *slog.Logger

	mu        sync.RWMutex
	listeners []BackendListener
}

// NewBackendRegistry создаёт сервис реестра бэкендов.
func NewBackendRegistry(uow repository.UnitOfWork, plugins *backend.Registry, logger *slog.Logger) *BackendRegistry {
	return &BackendRegistry{
		uow:     uow,
		plugins: plugins,
		logger:  logger.With(slog.String("component", "backend_registry")),
	}
}

// AddListener подписывает слушателя на события реестра.
func (s *BackendRegistry) AddListener(l BackendListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *BackendRegistry) publish(ev BackendEvent) {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		l.OnBackendEvent(ev)
	}
	s.logger.Info("Событие бэкенда",
		slog.String("tenant", ev.Tenant),
		slog.String("label", ev.Label),
		slog.String("event", string(ev.Type)),
	)
}

// mapRepoErr преобразует ошибки репозитория в ошибки сервиса.
func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

func (s *BackendRegistry) validateDeps(ctx context.Context, r repository.Repos, selfID int64, deps []int64) error {
	for _, id := range deps {
		if id == selfID {
			return fmt.Errorf("%w: бэкенд не может зависеть от себя", ErrValidation)
		}
		if _, err := r.Backends.GetByID(ctx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: зависимость %d не найдена", ErrValidation, id)
			}
			return err
		}
	}
	return nil
}

// Register регистрирует бэкенд с приоритетом max+1 (0 — если бэкендов этого типа нет).
func (s *BackendRegistry) Register(ctx context.Context, tenant string, bt model.BackendType, cfg model.BackendConfig) (*model.BackendEntry, error) {
	if cfg.Label == "" {
		return nil, fmt.Errorf("%w: метка бэкенда обязательна", ErrValidation)
	}
	if !s.plugins.Has(cfg.PluginID) {
		return nil, fmt.Errorf("%w: неизвестный плагин %q", ErrValidation, cfg.PluginID)
	}

	entry := &model.BackendEntry{Type: bt, Config: cfg}
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		if err := s.validateDeps(ctx, r, 0, cfg.DependsOn); err != nil {
			return err
		}
		maxPriority, ok, err := r.Backends.MaxPriority(ctx, bt)
		if err != nil {
			return err
		}
		priority := 0
		if ok {
			priority = maxPriority + 1
		}
		entry.Priority = model.IntPtr(priority)
		return r.Backends.Create(ctx, entry)
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	s.publish(BackendEvent{Type: BackendCreated, Tenant: tenant, ID: entry.ID, Label: cfg.Label, Active: cfg.Active})
	return entry, nil
}

// IncreasePriority поднимает бэкенд на одну позицию (priority-1).
// На границе вызов ничего не меняет.
func (s *BackendRegistry) IncreasePriority(ctx context.Context, tenant string, id int64) error {
	return s.shift(ctx, tenant, id, -1)
}

// DecreasePriority опускает бэкенд на одну позицию (priority+1).
// На границе вызов ничего не меняет.
func (s *BackendRegistry) DecreasePriority(ctx context.Context, tenant string, id int64) error {
	return s.shift(ctx, tenant, id, 1)
}

// shift меняет местами приоритеты бэкенда и соседа в два шага:
// сначала приоритет бэкенда снимается, затем назначаются оба новых значения.
func (s *BackendRegistry) shift(ctx context.Context, tenant string, id int64, delta int) error {
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		e, err := r.Backends.GetByID(ctx, id)
		if err != nil {
			return err
		}
		current := e.PriorityValue()
		target := current + delta
		if target < 0 {
			return nil
		}
		neighbour, err := r.Backends.FindByPriority(ctx, e.Type, target)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return err
		}

		if err := r.Backends.SetPriority(ctx, e.ID, nil); err != nil {
			return err
		}
		if err := r.Backends.SetPriority(ctx, neighbour.ID, model.IntPtr(current)); err != nil {
			return err
		}
		if err := r.Backends.SetPriority(ctx, e.ID, model.IntPtr(target)); err != nil {
			return err
		}

		s.logger.Info("Приоритеты бэкендов обменяны",
			slog.String("tenant", tenant),
			slog.String("label", e.Config.Label),
			slog.String("neighbour", neighbour.Config.Label),
			slog.Int("priority", target),
		)
		return nil
	})
	return mapRepoErr(err)
}

// Remove удаляет бэкенд, если на нём нет файлов, и перенумеровывает нижестоящие.
func (s *BackendRegistry) Remove(ctx context.Context, tenant string, id int64) error {
	var removed *model.BackendEntry
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		e, err := r.Backends.GetByID(ctx, id)
		if err != nil {
			return err
		}
		count, err := r.Files.CountByStorage(ctx, e.Config.Label)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: на бэкенде %s хранится файлов: %d", ErrForbidden, e.Config.Label, count)
		}
		if err := r.Backends.Delete(ctx, e.ID); err != nil {
			return err
		}
		if e.Priority != nil {
			if err := r.Backends.ShiftDown(ctx, e.Type, *e.Priority); err != nil {
				return err
			}
		}
		removed = e
		return nil
	})
	if err != nil {
		return mapRepoErr(err)
	}

	s.publish(BackendEvent{Type: BackendDeleted, Tenant: tenant, ID: removed.ID, Label: removed.Config.Label})
	return nil
}

// Activate включает бэкенд.
func (s *BackendRegistry) Activate(ctx context.Context, tenant string, id int64) (*model.BackendEntry, error) {
	return s.setActive(ctx, tenant, id, true)
}

// Disable отключает бэкенд.
func (s *BackendRegistry) Disable(ctx context.Context, tenant string, id int64) (*model.BackendEntry, error) {
	return s.setActive(ctx, tenant, id, false)
}

func (s *BackendRegistry) setActive(ctx context.Context, tenant string, id int64, active bool) (*model.BackendEntry, error) {
	var entry *model.BackendEntry
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		e, err := r.Backends.GetByID(ctx, id)
		if err != nil {
			return err
		}
		e.Config.Active = active
		if err := r.Backends.Update(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	evType := BackendDisabled
	if active {
		evType = BackendActivated
	}
	s.publish(BackendEvent{Type: evType, Tenant: tenant, ID: entry.ID, Label: entry.Config.Label, Active: active})
	return entry, nil
}

// Update заменяет параметры плагина и зависимости бэкенда.
func (s *BackendRegistry) Update(ctx context.Context, tenant string, id int64, params map[string]string, dependsOn []int64) (*model.BackendEntry, error) {
	var entry *model.BackendEntry
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		e, err := r.Backends.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.validateDeps(ctx, r, e.ID, dependsOn); err != nil {
			return err
		}
		e.Config.Params = params
		e.Config.DependsOn = dependsOn
		if err := r.Backends.Update(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	s.publish(BackendEvent{Type: BackendUpdated, Tenant: tenant, ID: entry.ID, Label: entry.Config.Label, Active: entry.Config.Active})
	return entry, nil
}

// Get возвращает бэкенд по идентификатору.
func (s *BackendRegistry) Get(ctx context.Context, tenant string, id int64) (*model.BackendEntry, error) {
	var entry *model.BackendEntry
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		entry, err = r.Backends.GetByID(ctx, id)
		return err
	})
	return entry, mapRepoErr(err)
}

// List возвращает бэкенды, упорядоченные по (type, priority). bt=nil — все типы.
func (s *BackendRegistry) List(ctx context.Context, tenant string, bt *model.BackendType) ([]*model.BackendEntry, error) {
	var entries []*model.BackendEntry
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		entries, err = r.Backends.List(ctx, bt)
		return err
	})
	return entries, mapRepoErr(err)
}

// FirstActive возвращает активный бэкенд типа bt с наименьшим значением приоритета.
func (s *BackendRegistry) FirstActive(ctx context.Context, tenant string, bt model.BackendType) (*model.BackendEntry, error) {
	var entry *model.BackendEntry
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		entry, err = firstActive(ctx, r, bt)
		return err
	})
	return entry, err
}

// SearchActiveHigherPriority возвращает среди labels активный бэкенд с лучшим приоритетом.
func (s *BackendRegistry) SearchActiveHigherPriority(ctx context.Context, tenant string, labels []string) (*model.BackendEntry, error) {
	var entry *model.BackendEntry
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		entry, err = searchActiveHigherPriority(ctx, r, labels)
		return err
	})
	return entry, err
}

func firstActive(ctx context.Context, r repository.Repos, bt model.BackendType) (*model.BackendEntry, error) {
	entries, err := r.Backends.List(ctx, &bt)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Config.Active {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: нет активных бэкендов типа %s", ErrNotFound, bt)
}

// searchActiveHigherPriority выбирает бэкенд в порядке (type, priority):
// ONLINE предпочтительнее NEARLINE, затем меньшее значение приоритета.
func searchActiveHigherPriority(ctx context.Context, r repository.Repos, labels []string) (*model.BackendEntry, error) {
	entries, err := r.Backends.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Config.Active && slices.Contains(labels, e.Config.Label) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: среди %v нет активных бэкендов", ErrNotFound, labels)
}
