package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// Prometheus-метрики резолвера.
var (
	resolverHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sm_resolver_cache_hits_total",
		Help: "Количество попаданий в кэш экземпляров плагинов.",
	})
	resolverBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sm_resolver_builds_total",
		Help: "Количество построений экземпляров плагинов.",
	}, []string{"plugin", "result"})
)

// EntryLoader загружает запись реестра бэкендов арендатора по идентификатору.
type EntryLoader func(ctx context.Context, tenant string, id int64) (*model.BackendEntry, error)

// instance — закэшированный экземпляр плагина. refs считает выданные
// аренды и зависящие экземпляры; retired — экземпляр уже вне кэша.
type instance struct {
	key     string
	backend Backend
	deps    []int64
	held    []*instance
	refs    int
	retired bool
}

// Resolver строит экземпляры плагинов по (tenant, id) и кэширует их.
// Одновременные первые обращения к одному ключу строят экземпляр один раз.
// Зависимости строятся раньше зависящих от них бэкендов; цикл — ErrDependencyCycle.
//
// Экземпляр, вытесненный из кэша или инвалидированный, закрывается только
// после возврата всех аренд и закрытия зависящих от него экземпляров.
type Resolver struct {
	registry *Registry
	load     EntryLoader
	cache    *lru.Cache[string, *instance]
	group    singleflight.Group
	logger   *slog.Logger

	// mu защищает refs и retired; под ним не вызываются Add и Remove кэша
	mu sync.Mutex
}

// NewResolver создаёт резолвер с LRU-кэшем на size экземпляров.
// Вытесненные из кэша экземпляры, реализующие io.Closer, закрываются.
func NewResolver(registry *Registry, load EntryLoader, size int, logger *slog.Logger) (*Resolver, error) {
	r := &Resolver{registry: registry, load: load, logger: logger.With(slog.String("component", "resolver"))}
	cache, err := lru.NewWithEvict[string, *instance](size, func(_ string, inst *instance) {
		r.retire(inst)
	})
	if err != nil {
		return nil, fmt.Errorf("создание кэша плагинов: %w", err)
	}
	r.cache = cache
	return r, nil
}

func cacheKey(tenant string, id int64) string {
	return tenant + "/" + strconv.FormatInt(id, 10)
}

// Resolve возвращает экземпляр плагина бэкенда id арендатора tenant и функцию
// возврата аренды. Пока аренда не возвращена, экземпляр не закрывается.
func (r *Resolver) Resolve(ctx context.Context, tenant string, id int64) (Backend, func(), error) {
	key := cacheKey(tenant, id)
	for attempt := 0; ; attempt++ {
		if inst, ok := r.acquire(key); ok {
			if attempt == 0 {
				resolverHitsTotal.Inc()
			}
			return inst.backend, sync.OnceFunc(func() { r.release(inst) }), nil
		}

		// Построенный экземпляр мог быть вытеснен до аренды: тогда строим заново
		_, err, _ := r.group.Do(key, func() (any, error) {
			if r.cache.Contains(key) {
				return nil, nil
			}
			return nil, r.build(ctx, tenant, id)
		})
		if err != nil {
			return nil, nil, err
		}
	}
}

// acquire выдаёт аренду закэшированного экземпляра.
func (r *Resolver) acquire(key string) (*instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.cache.Get(key)
	if !ok || inst.retired {
		return nil, false
	}
	inst.refs++
	return inst, true
}

func (r *Resolver) release(inst *instance) {
	r.mu.Lock()
	inst.refs--
	closeNow := inst.retired && inst.refs == 0
	r.mu.Unlock()
	if closeNow {
		r.close(inst)
	}
}

// retire отмечает экземпляр, покинувший кэш, и закрывает его, если он не арендован.
func (r *Resolver) retire(inst *instance) {
	r.mu.Lock()
	inst.retired = true
	closeNow := inst.refs == 0
	r.mu.Unlock()
	if closeNow {
		r.close(inst)
	}
}

// close закрывает экземпляр и отпускает его зависимости.
func (r *Resolver) close(inst *instance) {
	if c, ok := inst.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("Ошибка закрытия экземпляра плагина",
				slog.String("key", inst.key),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, dep := range inst.held {
		r.release(dep)
	}
}

// build обходит граф зависимостей итеративным DFS и строит экземпляры
// в порядке post-order: каждая зависимость строится до зависящего бэкенда.
func (r *Resolver) build(ctx context.Context, tenant string, rootID int64) error {
	const (
		visiting = 1
		done     = 2
	)
	entries := make(map[int64]*model.BackendEntry)
	state := map[int64]int{rootID: visiting}
	stack := []frame{{id: rootID}}
	var order []int64

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		entry, ok := entries[top.id]
		if !ok {
			e, err := r.load(ctx, tenant, top.id)
			if err != nil {
				return fmt.Errorf("загрузка бэкенда %d: %w", top.id, err)
			}
			entries[top.id] = e
			entry = e
		}

		if top.next < len(entry.Config.DependsOn) {
			dep := entry.Config.DependsOn[top.next]
			top.next++
			switch state[dep] {
			case visiting:
				return fmt.Errorf("%w: %s", ErrDependencyCycle, cyclePath(stack, dep))
			case done:
				continue
			}
			if r.cache.Contains(cacheKey(tenant, dep)) {
				state[dep] = done
				continue
			}
			state[dep] = visiting
			stack = append(stack, frame{id: dep})
			continue
		}

		state[top.id] = done
		order = append(order, top.id)
		stack = stack[:len(stack)-1]
	}

	built := make(map[int64]*instance, len(order))
	for _, id := range order {
		entry := entries[id]
		held, err := r.holdDeps(tenant, entry, built)
		if err != nil {
			return err
		}
		deps := make([]Backend, len(held))
		for i, h := range held {
			deps[i] = h.backend
		}

		b, err := r.construct(entry, deps)
		if err != nil {
			for _, h := range held {
				r.release(h)
			}
			return err
		}
		inst := &instance{
			key:     cacheKey(tenant, id),
			backend: b,
			deps:    slices.Clone(entry.Config.DependsOn),
			held:    held,
		}
		built[id] = inst
		r.cache.Add(inst.key, inst)
	}
	return nil
}

// holdDeps берёт ссылки на экземпляры зависимостей entry: построенные в этом
// обходе или закэшированные ранее.
func (r *Resolver) holdDeps(tenant string, entry *model.BackendEntry, built map[int64]*instance) ([]*instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := make([]*instance, 0, len(entry.Config.DependsOn))
	for _, depID := range entry.Config.DependsOn {
		dep, ok := built[depID]
		if !ok {
			dep, ok = r.cache.Peek(cacheKey(tenant, depID))
		}
		if !ok || (dep.retired && dep.refs == 0) {
			for _, h := range held {
				h.refs--
			}
			return nil, fmt.Errorf("зависимость %d бэкенда %s вытеснена из кэша во время построения", depID, entry.Config.Label)
		}
		dep.refs++
		held = append(held, dep)
	}
	return held, nil
}

func (r *Resolver) construct(entry *model.BackendEntry, deps []Backend) (Backend, error) {
	factory, err := r.registry.Get(entry.Config.PluginID)
	if err != nil {
		resolverBuildsTotal.WithLabelValues(entry.Config.PluginID, "error").Inc()
		return nil, fmt.Errorf("бэкенд %s: %w", entry.Config.Label, err)
	}
	b, err := factory(entry, deps, r.logger.With(slog.String("backend", entry.Config.Label)))
	if err != nil {
		resolverBuildsTotal.WithLabelValues(entry.Config.PluginID, "error").Inc()
		return nil, fmt.Errorf("построение бэкенда %s: %w", entry.Config.Label, err)
	}
	resolverBuildsTotal.WithLabelValues(entry.Config.PluginID, "ok").Inc()

	r.logger.Debug("Экземпляр плагина построен",
		slog.String("tenant", entry.Tenant),
		slog.Int64("id", entry.ID),
		slog.String("label", entry.Config.Label),
		slog.String("plugin", entry.Config.PluginID),
	)
	return b, nil
}

// Invalidate удаляет из кэша экземпляр бэкенда и все экземпляры,
// транзитивно зависящие от него.
func (r *Resolver) Invalidate(tenant string, id int64) {
	prefix := tenant + "/"
	removed := []int64{id}
	r.cache.Remove(cacheKey(tenant, id))

	for changed := true; changed; {
		changed = false
		for _, key := range r.cache.Keys() {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			v, ok := r.cache.Peek(key)
			if !ok {
				continue
			}
			for _, dep := range v.deps {
				if slices.Contains(removed, dep) {
					depID, _ := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
					removed = append(removed, depID)
					r.cache.Remove(key)
					changed = true
					break
				}
			}
		}
	}
}

// Len возвращает количество закэшированных экземпляров.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// frame — вершина стека обхода: бэкенд и индекс следующей зависимости.
type frame struct {
	id   int64
	next int
}

func cyclePath(stack []frame, dep int64) string {
	ids := make([]string, 0, len(stack)+1)
	for _, f := range stack {
		ids = append(ids, strconv.FormatInt(f.id, 10))
	}
	ids = append(ids, strconv.FormatInt(dep, 10))
	return strings.Join(ids, " → ")
}
