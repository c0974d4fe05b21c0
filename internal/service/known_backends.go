// known_backends.go — множество известных меток бэкендов по арендаторам.
//
// Создание и удаление бэкенда меняют членство, активация и отключение —
// только флаг. Обновляется обработчиком событий реестра, читается диспетчером
// и журналом запросов.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

// KnownBackends — потокобезопасное множество меток с флагом активности.
type KnownBackends struct {
	mu      sync.RWMutex
	tenants map[string]map[string]bool
	logger  *slog.Logger
}

// NewKnownBackends создаёт пустое множество.
func NewKnownBackends(logger *slog.Logger) *KnownBackends {
	return &KnownBackends{
		tenants: make(map[string]map[string]bool),
		logger:  logger.With(slog.String("component", "known_backends")),
	}
}

// Load заполняет множество из реестра для указанных арендаторов.
func (k *KnownBackends) Load(ctx context.Context, uow repository.UnitOfWork, tenants []string) error {
	for _, tenant := range tenants {
		err := uow.Do(ctx, tenant, func(r repository.Repos) error {
			entries, err := r.Backends.List(ctx, nil)
			if err != nil {
				return err
			}
			for _, e := range entries {
				k.set(tenant, e.Config.Label, e.Config.Active, true)
			}
			k.logger.Info("Известные бэкенды загружены",
				slog.String("tenant", tenant),
				slog.Int("count", len(entries)),
			)
			return nil
		})
		if err != nil {
			return fmt.Errorf("загрузка бэкендов арендатора %s: %w", tenant, err)
		}
	}
	return nil
}

// set устанавливает флаг. addIfMissing=false не добавляет неизвестную метку.
func (k *KnownBackends) set(tenant, label string, active, addIfMissing bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	labels, ok := k.tenants[tenant]
	if !ok {
		labels = make(map[string]bool)
		k.tenants[tenant] = labels
	}
	if _, exists := labels[label]; !exists && !addIfMissing {
		return
	}
	labels[label] = active
}

func (k *KnownBackends) remove(tenant, label string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.tenants[tenant], label)
}

// IsEnabled сообщает, что метка известна и бэкенд активен.
func (k *KnownBackends) IsEnabled(tenant, label string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	active, ok := k.tenants[tenant][label]
	return ok && active
}

// IsKnown сообщает, что метка известна (независимо от активности).
func (k *KnownBackends) IsKnown(tenant, label string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.tenants[tenant][label]
	return ok
}

// Labels возвращает отсортированные метки арендатора.
func (k *KnownBackends) Labels(tenant string) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	labels := make([]string, 0, len(k.tenants[tenant]))
	for l := range k.tenants[tenant] {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// OnBackendEvent обновляет множество по событию реестра.
func (k *KnownBackends) OnBackendEvent(ev BackendEvent) {
	switch ev.Type {
	case BackendCreated:
		k.set(ev.Tenant, ev.Label, ev.Active, true)
	case BackendDeleted:
		k.remove(ev.Tenant, ev.Label)
	case BackendActivated:
		// Активация неизвестного бэкенда добавляет его
		k.set(ev.Tenant, ev.Label, true, true)
	case BackendDisabled:
		k.set(ev.Tenant, ev.Label, false, false)
	case BackendUpdated:
	}
	k.logger.Debug("Событие бэкенда обработано",
		slog.String("tenant", ev.Tenant),
		slog.String("label", ev.Label),
		slog.String("event", string(ev.Type)),
	)
}
