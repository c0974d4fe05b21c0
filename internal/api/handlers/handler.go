// handler.go — служебный HTTP API Storage Manager.
// Ручной запуск циклов планирования и обслуживания кэша, просмотр
// и управление реестром бэкендов. Обработчики делегируют в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/storage-manager/internal/api/errors"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/service"
)

// RequestScheduler — планирование запросов журнала.
type RequestScheduler interface {
	ScheduleRequests(ctx context.Context, tenant string, kind model.RequestKind,
		status model.RequestStatus, filter service.ScheduleFilter) (*service.ScheduleResult, error)
}

// RequestLedger — обслуживание журнала запросов.
type RequestLedger interface {
	Counts(ctx context.Context, tenant string, kind model.RequestKind) (map[model.RequestStatus]int, error)
	Retry(ctx context.Context, tenant string, kind model.RequestKind, backends, owners []string) (int64, error)
	Purge(ctx context.Context, tenant string, kind model.RequestKind, status model.RequestStatus) (int64, error)
}

// CacheService — обслуживание кэша.
type CacheService interface {
	MakeAvailable(ctx context.Context, tenant string, checksums []string, expiration time.Time) (*service.Availability, error)
	Purge(ctx context.Context, tenant string) (*service.PurgeResult, error)
	RestoreQueued(ctx context.Context, tenant string) (*service.RestoreResult, error)
	Usage(ctx context.Context, tenant string) (model.CacheUsage, error)
}

// BackendService — реестр бэкендов.
type BackendService interface {
	List(ctx context.Context, tenant string, bt *model.BackendType) ([]*model.BackendEntry, error)
	Activate(ctx context.Context, tenant string, id int64) (*model.BackendEntry, error)
	Disable(ctx context.Context, tenant string, id int64) (*model.BackendEntry, error)
	IncreasePriority(ctx context.Context, tenant string, id int64) error
	DecreasePriority(ctx context.Context, tenant string, id int64) error
	Remove(ctx context.Context, tenant string, id int64) error
}

// BackendHealthChecker — проверка доступности бэкендов.
type BackendHealthChecker interface {
	Check(ctx context.Context, tenant string) ([]service.BackendHealth, error)
}

// FileService — ссылки на файлы.
type FileService interface {
	Find(ctx context.Context, tenant, storage, checksum string) (*model.FileReference, error)
	CreateOrAttachOwner(ctx context.Context, tenant string, owners []string,
		meta model.FileMetaInfo, origin, destination model.FileLocation) (*model.FileReference, bool, error)
	RemoveOwners(ctx context.Context, tenant, checksum, storage string, owners []string) (*model.FileReference, error)
	CountByBackend(ctx context.Context, tenant, label string) (int, error)
}

// Services — зависимости APIHandler.
type Services struct {
	Files     FileService
	Scheduler RequestScheduler
	Ledger    RequestLedger
	Cache     CacheService
	Backends  BackendService
	Health    BackendHealthChecker
}

// APIHandler — обработчик служебного API.
type APIHandler struct {
	health  *HealthHandler
	svc     Services
	tenants []string
	logger  *slog.Logger
}

// NewAPIHandler создаёт обработчик служебного API.
func NewAPIHandler(health *HealthHandler, svc Services, tenants []string, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health:  health,
		svc:     svc,
		tenants: tenants,
		logger:  logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// Routes регистрирует маршруты /api/v1/tenants/{tenant}/... на роутере.
func (h *APIHandler) Routes(r chi.Router) {
	r.Route("/api/v1/tenants/{tenant}", func(r chi.Router) {
		r.Use(h.requireTenant)

		r.Post("/files", h.StoreFile)
		r.Get("/files/{storage}", h.CountFiles)
		r.Get("/files/{storage}/{checksum}", h.GetFile)
		r.Delete("/files/{storage}/{checksum}", h.RemoveFileOwners)

		r.Post("/dispatch/{kind}", h.Dispatch)
		r.Get("/requests/{kind}", h.RequestCounts)
		r.Post("/requests/{kind}/retry", h.RetryRequests)
		r.Delete("/requests/{kind}/errors", h.PurgeErrors)

		r.Post("/cache/available", h.MakeAvailable)
		r.Post("/cache/purge", h.PurgeCache)
		r.Post("/cache/restore", h.RestoreCache)
		r.Get("/cache/usage", h.CacheUsage)

		r.Get("/backends", h.ListBackends)
		r.Get("/backends/health", h.BackendsHealth)
		r.Delete("/backends/{id}", h.RemoveBackend)
		r.Post("/backends/{id}/activate", h.ActivateBackend)
		r.Post("/backends/{id}/disable", h.DisableBackend)
		r.Post("/backends/{id}/priority/increase", h.IncreasePriority)
		r.Post("/backends/{id}/priority/decrease", h.DecreasePriority)
	})
}

// requireTenant отвечает 404 для арендаторов, не указанных в конфигурации.
func (h *APIHandler) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := chi.URLParam(r, "tenant")
		if !slices.Contains(h.tenants, tenant) {
			apierrors.UnknownTenant(w, "Арендатор не сконфигурирован: "+tenant)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// serviceError отвечает по ошибке сервиса, неизвестные ошибки логируются как 500.
func (h *APIHandler) serviceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if apierrors.FromService(w, err) {
		return
	}
	h.logger.Error("Ошибка обработки запроса",
		slog.String("op", op),
		slog.String("tenant", chi.URLParam(r, "tenant")),
		slog.String("error", err.Error()),
	)
	apierrors.InternalError(w, "Внутренняя ошибка: "+op)
}

func kindParam(w http.ResponseWriter, r *http.Request) (model.RequestKind, bool) {
	kind, err := model.ParseRequestKind(chi.URLParam(r, "kind"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return "", false
	}
	return kind, true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apierrors.ValidationError(w, "Некорректный идентификатор бэкенда")
		return 0, false
	}
	return id, true
}

// csvQuery возвращает значения параметра, заданного повторно или через запятую.
func csvQuery(r *http.Request, key string) []string {
	var result []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}
