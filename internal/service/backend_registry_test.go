package service

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// priorities возвращает метки бэкендов типа bt в порядке приоритета и проверяет плотность 0..n-1.
func priorities(t *testing.T, env *testEnv, bt model.BackendType) []string {
	t.Helper()
	entries, err := env.registry.List(context.Background(), testTenant, &bt)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	labels := make([]string, len(entries))
	for i, e := range entries {
		if e.PriorityValue() != i {
			t.Errorf("%s: priority = %d, ожидали %d", e.Config.Label, e.PriorityValue(), i)
		}
		labels[i] = e.Config.Label
	}
	return labels
}

func TestRegister_DensePriorities(t *testing.T) {
	env := newTestEnv(t)
	env.addBackend(t, "a", model.BackendOnline)
	env.addBackend(t, "tape", model.BackendNearline)
	env.addBackend(t, "b", model.BackendOnline)

	if got := priorities(t, env, model.BackendOnline); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("ONLINE = %v", got)
	}
	if got := priorities(t, env, model.BackendNearline); !slices.Equal(got, []string{"tape"}) {
		t.Errorf("NEARLINE = %v", got)
	}
}

func TestRegister_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addBackend(t, "a", model.BackendOnline)

	tests := []struct {
		name string
		cfg  model.BackendConfig
		want error
	}{
		{"без метки", model.BackendConfig{PluginID: "fake"}, ErrValidation},
		{"неизвестный плагин", model.BackendConfig{Label: "x", PluginID: "ftp"}, ErrValidation},
		{"несуществующая зависимость", model.BackendConfig{Label: "x", PluginID: "fake", DependsOn: []int64{999}}, ErrValidation},
		{"дубликат метки", model.BackendConfig{Label: "a", PluginID: "fake"}, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.registry.Register(ctx, testTenant, model.BackendOnline, tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("Register() ошибка = %v, ожидали %v", err, tt.want)
			}
		})
	}
	if got := priorities(t, env, model.BackendOnline); !slices.Equal(got, []string{"a"}) {
		t.Errorf("после ошибок реестр изменился: %v", got)
	}
}

// A (0) и B (1): понижение A меняет их местами, повтор на границе ничего не делает.
func TestPrioritySwap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _ := env.addBackend(t, "A", model.BackendOnline)
	b, _ := env.addBackend(t, "B", model.BackendOnline)

	if err := env.registry.DecreasePriority(ctx, testTenant, a.ID); err != nil {
		t.Fatalf("DecreasePriority(A) ошибка: %v", err)
	}
	if got := priorities(t, env, model.BackendOnline); !slices.Equal(got, []string{"B", "A"}) {
		t.Fatalf("после обмена: %v, ожидали [B A]", got)
	}

	// A уже последний, B уже первый
	if err := env.registry.DecreasePriority(ctx, testTenant, a.ID); err != nil {
		t.Errorf("DecreasePriority на границе: %v", err)
	}
	if err := env.registry.IncreasePriority(ctx, testTenant, b.ID); err != nil {
		t.Errorf("IncreasePriority на границе: %v", err)
	}
	if got := priorities(t, env, model.BackendOnline); !slices.Equal(got, []string{"B", "A"}) {
		t.Errorf("на границе порядок изменился: %v", got)
	}

	if err := env.registry.IncreasePriority(ctx, testTenant, a.ID); err != nil {
		t.Fatalf("IncreasePriority(A) ошибка: %v", err)
	}
	if got := priorities(t, env, model.BackendOnline); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("после обратного обмена: %v", got)
	}

	if err := env.registry.IncreasePriority(ctx, testTenant, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный бэкенд: ожидали ErrNotFound, получили %v", err)
	}
}

func TestRemove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _ := env.addBackend(t, "a", model.BackendOnline)
	b, _ := env.addBackend(t, "b", model.BackendOnline)
	env.addBackend(t, "c", model.BackendOnline)

	loc := model.FileLocation{Storage: "b", URL: "file:///b/c1"}
	if _, _, err := env.files.CreateOrAttachOwner(ctx, testTenant, []string{"o"}, testMeta("c1"), loc, loc); err != nil {
		t.Fatal(err)
	}
	if err := env.registry.Remove(ctx, testTenant, b.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Remove(b) с файлами: ожидали ErrForbidden, получили %v", err)
	}
	if got := priorities(t, env, model.BackendOnline); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("после отказа: %v", got)
	}

	if err := env.registry.Remove(ctx, testTenant, a.ID); err != nil {
		t.Fatalf("Remove(a) ошибка: %v", err)
	}
	if got := priorities(t, env, model.BackendOnline); !slices.Equal(got, []string{"b", "c"}) {
		t.Errorf("после удаления: %v", got)
	}
	if env.known.IsKnown(testTenant, "a") {
		t.Error("удалённая метка должна исчезнуть из известных")
	}
}

func TestActivateDisable_Events(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _ := env.addBackend(t, "a", model.BackendOnline)

	var events []BackendEventType
	env.registry.AddListener(BackendListenerFunc(func(ev BackendEvent) {
		events = append(events, ev.Type)
	}))

	if _, err := env.registry.Disable(ctx, testTenant, a.ID); err != nil {
		t.Fatal(err)
	}
	if env.known.IsEnabled(testTenant, "a") || !env.known.IsKnown(testTenant, "a") {
		t.Error("отключение меняет только флаг активности")
	}
	if _, err := env.registry.Activate(ctx, testTenant, a.ID); err != nil {
		t.Fatal(err)
	}
	if !env.known.IsEnabled(testTenant, "a") {
		t.Error("после активации бэкенд должен быть доступен")
	}
	updated, err := env.registry.Update(ctx, testTenant, a.ID, map[string]string{"root": "/new"}, nil)
	if err != nil || updated.Config.Params["root"] != "/new" {
		t.Fatalf("Update() = %+v, %v", updated, err)
	}
	if _, err := env.registry.Update(ctx, testTenant, a.ID, nil, []int64{a.ID}); !errors.Is(err, ErrValidation) {
		t.Errorf("зависимость от себя: ожидали ErrValidation, получили %v", err)
	}

	want := []BackendEventType{BackendDisabled, BackendActivated, BackendUpdated}
	if len(events) != len(want) {
		t.Fatalf("события = %v, ожидали %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("событие %d = %s, ожидали %s", i, events[i], want[i])
		}
	}
}

func TestFirstActiveAndSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _ := env.addBackend(t, "a", model.BackendOnline)
	env.addBackend(t, "b", model.BackendOnline)
	env.addBackend(t, "tape", model.BackendNearline)

	if _, err := env.registry.Disable(ctx, testTenant, a.ID); err != nil {
		t.Fatal(err)
	}
	first, err := env.registry.FirstActive(ctx, testTenant, model.BackendOnline)
	if err != nil || first.Config.Label != "b" {
		t.Errorf("FirstActive(ONLINE) = %v, %v", first, err)
	}

	best, err := env.registry.SearchActiveHigherPriority(ctx, testTenant, []string{"tape", "b"})
	if err != nil || best.Config.Label != "b" {
		t.Errorf("SearchActiveHigherPriority = %v, %v, ожидали b", best, err)
	}
	best, err = env.registry.SearchActiveHigherPriority(ctx, testTenant, []string{"tape", "a"})
	if err != nil || best.Config.Label != "tape" {
		t.Errorf("SearchActiveHigherPriority = %v, %v, ожидали tape", best, err)
	}
	if _, err := env.registry.SearchActiveHigherPriority(ctx, testTenant, []string{"a"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("только отключённые: ожидали ErrNotFound, получили %v", err)
	}
}
