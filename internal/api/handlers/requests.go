// requests.go — обработчики журнала запросов: ручное планирование,
// счётчики по статусам, повтор и удаление запросов в ERROR.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/storage-manager/internal/api/errors"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/service"
)

type scheduleResponse struct {
	Tenant     string   `json:"tenant"`
	Kind       string   `json:"kind"`
	Backends   []string `json:"backends"`
	Jobs       int      `json:"jobs"`
	Scheduled  int      `json:"scheduled"`
	Errored    int      `json:"errored"`
	DurationMs int64    `json:"duration_ms"`
}

// Dispatch — POST /api/v1/tenants/{tenant}/dispatch/{kind}.
// Параметры: status (TODO по умолчанию или ERROR), backend, owner, checksum.
func (h *APIHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	status := model.StatusTodo
	if s := r.URL.Query().Get("status"); s != "" {
		status = model.RequestStatus(s)
		if status != model.StatusTodo && status != model.StatusError {
			apierrors.ValidationError(w, "Планировать можно только запросы в статусе TODO или ERROR")
			return
		}
	}

	filter := service.ScheduleFilter{
		Backends:  csvQuery(r, "backend"),
		Owners:    csvQuery(r, "owner"),
		Checksums: csvQuery(r, "checksum"),
	}
	tenant := chi.URLParam(r, "tenant")
	result, err := h.svc.Scheduler.ScheduleRequests(r.Context(), tenant, kind, status, filter)
	if err != nil {
		h.serviceError(w, r, "планирование запросов", err)
		return
	}

	resp := scheduleResponse{
		Tenant:     result.Tenant,
		Kind:       string(result.Kind),
		Backends:   result.Backends,
		Jobs:       result.Jobs,
		Scheduled:  result.Scheduled,
		Errored:    result.Errored,
		DurationMs: result.Duration.Milliseconds(),
	}
	if resp.Backends == nil {
		resp.Backends = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type countsResponse struct {
	Kind    string `json:"kind"`
	Todo    int    `json:"todo"`
	Pending int    `json:"pending"`
	Error   int    `json:"error"`
}

// RequestCounts — GET /api/v1/tenants/{tenant}/requests/{kind}.
func (h *APIHandler) RequestCounts(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	counts, err := h.svc.Ledger.Counts(r.Context(), chi.URLParam(r, "tenant"), kind)
	if err != nil {
		h.serviceError(w, r, "подсчёт запросов", err)
		return
	}
	writeJSON(w, http.StatusOK, countsResponse{
		Kind:    string(kind),
		Todo:    counts[model.StatusTodo],
		Pending: counts[model.StatusPending],
		Error:   counts[model.StatusError],
	})
}

type affectedResponse struct {
	Affected int64 `json:"affected"`
}

// RetryRequests — POST /api/v1/tenants/{tenant}/requests/{kind}/retry.
// Переводит запросы в ERROR обратно в TODO. Параметры: backend, owner.
func (h *APIHandler) RetryRequests(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	n, err := h.svc.Ledger.Retry(r.Context(), chi.URLParam(r, "tenant"), kind,
		csvQuery(r, "backend"), csvQuery(r, "owner"))
	if err != nil {
		h.serviceError(w, r, "повтор запросов", err)
		return
	}
	writeJSON(w, http.StatusOK, affectedResponse{Affected: n})
}

// PurgeErrors — DELETE /api/v1/tenants/{tenant}/requests/{kind}/errors.
func (h *APIHandler) PurgeErrors(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	n, err := h.svc.Ledger.Purge(r.Context(), chi.URLParam(r, "tenant"), kind, model.StatusError)
	if err != nil {
		h.serviceError(w, r, "удаление запросов", err)
		return
	}
	writeJSON(w, http.StatusOK, affectedResponse{Affected: n})
}
