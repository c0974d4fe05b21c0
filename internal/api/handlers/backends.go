// backends.go — обработчики реестра бэкендов арендатора.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/storage-manager/internal/api/errors"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

type backendResponse struct {
	ID        int64             `json:"id"`
	Label     string            `json:"label"`
	Type      string            `json:"type"`
	Priority  int               `json:"priority"`
	Plugin    string            `json:"plugin"`
	Active    bool              `json:"active"`
	Params    map[string]string `json:"params,omitempty"`
	DependsOn []int64           `json:"depends_on,omitempty"`
}

func toBackendResponse(e *model.BackendEntry) backendResponse {
	return backendResponse{
		ID:        e.ID,
		Label:     e.Config.Label,
		Type:      string(e.Type),
		Priority:  e.PriorityValue(),
		Plugin:    e.Config.PluginID,
		Active:    e.Config.Active,
		Params:    e.Config.Params,
		DependsOn: e.Config.DependsOn,
	}
}

// ListBackends — GET /api/v1/tenants/{tenant}/backends?type=online|nearline.
// Бэкенды упорядочены по типу (ONLINE первыми) и приоритету.
func (h *APIHandler) ListBackends(w http.ResponseWriter, r *http.Request) {
	var bt *model.BackendType
	if s := r.URL.Query().Get("type"); s != "" {
		parsed, err := model.ParseBackendType(s)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		bt = &parsed
	}

	entries, err := h.svc.Backends.List(r.Context(), chi.URLParam(r, "tenant"), bt)
	if err != nil {
		h.serviceError(w, r, "список бэкендов", err)
		return
	}
	resp := make([]backendResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toBackendResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

type backendHealthResponse struct {
	ID        int64  `json:"id"`
	Label     string `json:"label"`
	Type      string `json:"type"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// BackendsHealth — GET /api/v1/tenants/{tenant}/backends/health.
func (h *APIHandler) BackendsHealth(w http.ResponseWriter, r *http.Request) {
	checks, err := h.svc.Health.Check(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		h.serviceError(w, r, "проверка бэкендов", err)
		return
	}
	resp := make([]backendHealthResponse, 0, len(checks))
	for _, c := range checks {
		resp = append(resp, backendHealthResponse{
			ID:        c.ID,
			Label:     c.Label,
			Type:      string(c.Type),
			Available: c.Available,
			Error:     c.Error,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ActivateBackend — POST /api/v1/tenants/{tenant}/backends/{id}/activate.
func (h *APIHandler) ActivateBackend(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.svc.Backends.Activate)
}

// DisableBackend — POST /api/v1/tenants/{tenant}/backends/{id}/disable.
func (h *APIHandler) DisableBackend(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.svc.Backends.Disable)
}

func (h *APIHandler) setActive(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, tenant string, id int64) (*model.BackendEntry, error)) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	entry, err := fn(r.Context(), chi.URLParam(r, "tenant"), id)
	if err != nil {
		h.serviceError(w, r, "изменение активности бэкенда", err)
		return
	}
	writeJSON(w, http.StatusOK, toBackendResponse(entry))
}

// IncreasePriority — POST /api/v1/tenants/{tenant}/backends/{id}/priority/increase.
func (h *APIHandler) IncreasePriority(w http.ResponseWriter, r *http.Request) {
	h.shiftPriority(w, r, h.svc.Backends.IncreasePriority)
}

// DecreasePriority — POST /api/v1/tenants/{tenant}/backends/{id}/priority/decrease.
func (h *APIHandler) DecreasePriority(w http.ResponseWriter, r *http.Request) {
	h.shiftPriority(w, r, h.svc.Backends.DecreasePriority)
}

func (h *APIHandler) shiftPriority(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, tenant string, id int64) error) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), chi.URLParam(r, "tenant"), id); err != nil {
		h.serviceError(w, r, "изменение приоритета бэкенда", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveBackend — DELETE /api/v1/tenants/{tenant}/backends/{id}.
// 403, если на бэкенде хранятся файлы.
func (h *APIHandler) RemoveBackend(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.Backends.Remove(r.Context(), chi.URLParam(r, "tenant"), id); err != nil {
		h.serviceError(w, r, "удаление бэкенда", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
