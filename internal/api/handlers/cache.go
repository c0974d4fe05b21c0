// cache.go — обработчики обслуживания кэша арендатора.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/storage-manager/internal/api/errors"
)

type availableRequest struct {
	Checksums  []string  `json:"checksums"`
	Expiration time.Time `json:"expiration"`
}

type availableResponse struct {
	Online  []string `json:"online"`
	Cached  []string `json:"cached"`
	Pending []string `json:"pending"`
	Unknown []string `json:"unknown"`
}

// MakeAvailable — POST /api/v1/tenants/{tenant}/cache/available.
func (h *APIHandler) MakeAvailable(w http.ResponseWriter, r *http.Request) {
	var req availableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	if len(req.Checksums) == 0 {
		apierrors.ValidationError(w, "Список контрольных сумм пуст")
		return
	}

	got, err := h.svc.Cache.MakeAvailable(r.Context(), chi.URLParam(r, "tenant"), req.Checksums, req.Expiration)
	if err != nil {
		h.serviceError(w, r, "запрос доступности файлов", err)
		return
	}
	writeJSON(w, http.StatusOK, availableResponse{
		Online:  nonNil(got.Online),
		Cached:  nonNil(got.Cached),
		Pending: nonNil(got.Pending),
		Unknown: nonNil(got.Unknown),
	})
}

type purgeResponse struct {
	Expired int   `json:"expired"`
	Evicted int   `json:"evicted"`
	Failed  int   `json:"failed"`
	Used    int64 `json:"used_bytes"`
}

// PurgeCache — POST /api/v1/tenants/{tenant}/cache/purge.
func (h *APIHandler) PurgeCache(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Cache.Purge(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		h.serviceError(w, r, "очистка кэша", err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{
		Expired: result.Expired,
		Evicted: result.Evicted,
		Failed:  result.Failed,
		Used:    result.Used,
	})
}

type restoreResponse struct {
	Selected  int `json:"selected"`
	Scheduled int `json:"scheduled"`
	Reverted  int `json:"reverted"`
}

// RestoreCache — POST /api/v1/tenants/{tenant}/cache/restore.
func (h *APIHandler) RestoreCache(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Cache.RestoreQueued(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		h.serviceError(w, r, "восстановление в кэш", err)
		return
	}
	writeJSON(w, http.StatusOK, restoreResponse{
		Selected:  result.Selected,
		Scheduled: result.Scheduled,
		Reverted:  result.Reverted,
	})
}

type usageResponse struct {
	Used    int64 `json:"used_bytes"`
	Free    int64 `json:"free_bytes"`
	MaxSize int64 `json:"max_bytes"`
	Queued  int   `json:"queued"`
}

// CacheUsage — GET /api/v1/tenants/{tenant}/cache/usage.
func (h *APIHandler) CacheUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.svc.Cache.Usage(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		h.serviceError(w, r, "занятость кэша", err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		Used:    usage.Used,
		Free:    usage.Free(),
		MaxSize: usage.MaxSize,
		Queued:  usage.Queued,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
