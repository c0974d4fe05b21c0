// files.go — обработчики ссылок на файлы арендатора.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/storage-manager/internal/api/errors"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

type locationJSON struct {
	Storage string `json:"storage"`
	URL     string `json:"url"`
}

type storeFileRequest struct {
	Owners      []string     `json:"owners"`
	Checksum    string       `json:"checksum"`
	Algorithm   string       `json:"algorithm"`
	FileName    string       `json:"file_name"`
	FileSize    int64        `json:"file_size"`
	MimeType    string       `json:"mime_type"`
	Types       []string     `json:"types,omitempty"`
	Origin      locationJSON `json:"origin"`
	Destination locationJSON `json:"destination"`
}

type fileResponse struct {
	ID        int64        `json:"id"`
	Checksum  string       `json:"checksum"`
	Algorithm string       `json:"algorithm"`
	FileName  string       `json:"file_name"`
	FileSize  int64        `json:"file_size"`
	MimeType  string       `json:"mime_type"`
	Types     []string     `json:"types,omitempty"`
	Location  locationJSON `json:"location"`
	Owners    []string     `json:"owners"`
	StoredAt  string       `json:"stored_at"`
}

func toFileResponse(f *model.FileReference) fileResponse {
	return fileResponse{
		ID:        f.ID,
		Checksum:  f.Meta.Checksum,
		Algorithm: f.Meta.Algorithm,
		FileName:  f.Meta.FileName,
		FileSize:  f.Meta.FileSize,
		MimeType:  f.Meta.MimeType,
		Types:     f.Meta.Types,
		Location:  locationJSON{Storage: f.Location.Storage, URL: f.Location.URL},
		Owners:    nonNil(f.Owners),
		StoredAt:  f.StoredAt.UTC().Format(time.RFC3339),
	}
}

// StoreFile — POST /api/v1/tenants/{tenant}/files.
// 201 — файл зарегистрирован сразу, 200 — владельцы добавлены к существующему,
// 202 — создан запрос сохранения.
func (h *APIHandler) StoreFile(w http.ResponseWriter, r *http.Request) {
	var req storeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	if req.Checksum == "" || req.Destination.Storage == "" {
		apierrors.ValidationError(w, "Обязательны checksum и destination.storage")
		return
	}
	origin := model.FileLocation{Storage: req.Origin.Storage, URL: req.Origin.URL}
	if origin.Storage == "" {
		origin = model.FileLocation{Storage: req.Destination.Storage, URL: req.Destination.URL}
	}

	ref, created, err := h.svc.Files.CreateOrAttachOwner(r.Context(), chi.URLParam(r, "tenant"), req.Owners,
		model.FileMetaInfo{
			Checksum:  req.Checksum,
			Algorithm: req.Algorithm,
			FileName:  req.FileName,
			FileSize:  req.FileSize,
			MimeType:  req.MimeType,
			Types:     req.Types,
		},
		origin,
		model.FileLocation{Storage: req.Destination.Storage, URL: req.Destination.URL},
	)
	if err != nil {
		h.serviceError(w, r, "регистрация файла", err)
		return
	}

	switch {
	case ref == nil:
		w.WriteHeader(http.StatusAccepted)
	case created:
		writeJSON(w, http.StatusCreated, toFileResponse(ref))
	default:
		writeJSON(w, http.StatusOK, toFileResponse(ref))
	}
}

// GetFile — GET /api/v1/tenants/{tenant}/files/{storage}/{checksum}.
func (h *APIHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	ref, err := h.svc.Files.Find(r.Context(), chi.URLParam(r, "tenant"),
		chi.URLParam(r, "storage"), chi.URLParam(r, "checksum"))
	if err != nil {
		h.serviceError(w, r, "поиск файла", err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(ref))
}

// RemoveFileOwners — DELETE /api/v1/tenants/{tenant}/files/{storage}/{checksum}?owner=a,b.
// Когда владельцев не остаётся, файл ставится в очередь на удаление.
func (h *APIHandler) RemoveFileOwners(w http.ResponseWriter, r *http.Request) {
	owners := csvQuery(r, "owner")
	if len(owners) == 0 {
		apierrors.ValidationError(w, "Не указаны владельцы")
		return
	}
	ref, err := h.svc.Files.RemoveOwners(r.Context(), chi.URLParam(r, "tenant"),
		chi.URLParam(r, "checksum"), chi.URLParam(r, "storage"), owners)
	if err != nil {
		h.serviceError(w, r, "удаление владельцев файла", err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(ref))
}

// CountFiles — GET /api/v1/tenants/{tenant}/files/{storage}.
func (h *APIHandler) CountFiles(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	n, err := h.svc.Files.CountByBackend(r.Context(), chi.URLParam(r, "tenant"), storage)
	if err != nil {
		h.serviceError(w, r, "подсчёт файлов", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"storage": storage, "files": n})
}
