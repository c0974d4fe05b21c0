package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// Factory создаёт экземпляр плагина по записи реестра.
// deps — уже построенные бэкенды из entry.Config.DependsOn в том же порядке.
type Factory func(entry *model.BackendEntry, deps []Backend, logger *slog.Logger) (Backend, error)

// Registry — статическая фабрика плагинов по идентификатору.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry создаёт пустую фабрику.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register регистрирует фабрику плагина. Повторная регистрация заменяет прежнюю.
func (r *Registry) Register(pluginID string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[pluginID] = f
}

// Get возвращает фабрику плагина или ErrUnknownPlugin.
func (r *Registry) Get(pluginID string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[pluginID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, pluginID)
	}
	return f, nil
}

// Has проверяет, зарегистрирован ли плагин.
func (r *Registry) Has(pluginID string) bool {
	_, err := r.Get(pluginID)
	return err == nil
}

// Plugins возвращает отсортированный список идентификаторов плагинов.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
