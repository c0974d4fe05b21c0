// file_reference.go — учёт файлов, подтверждённых на бэкендах, и их владельцев.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

// FileReferenceService — сервис файлов и владельцев.
type FileReferenceService struct {
	uow    repository.UnitOfWork
	ledger *RequestLedger
	now    func() time.Time
	logger *slog.Logger
}

// NewFileReferenceService создаёт сервис файлов.
func NewFileReferenceService(uow repository.UnitOfWork, ledger *RequestLedger, logger *slog.Logger) *FileReferenceService {
	return &FileReferenceService{
		uow:    uow,
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "file_reference")),
	}
}

// Find возвращает файл на бэкенде storage.
func (s *FileReferenceService) Find(ctx context.Context, tenant, storage, checksum string) (*model.FileReference, error) {
	var ref *model.FileReference
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		ref, err = r.Files.Find(ctx, storage, checksum)
		return err
	})
	return ref, mapRepoErr(err)
}

// CreateOrAttachOwner подтверждает файл на destination для владельцев owners.
//
// Файл уже есть на destination — владельцы объединяются, файл возвращается.
// Файла нет и origin совпадает с destination — файл создаётся сразу (created=true).
// Иначе регистрируется запрос сохранения и возвращается nil.
func (s *FileReferenceService) CreateOrAttachOwner(ctx context.Context, tenant string, owners []string,
	meta model.FileMetaInfo, origin, destination model.FileLocation) (*model.FileReference, bool, error) {
	var (
		ref     *model.FileReference
		created bool
	)
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		ref, created, err = s.createOrAttach(ctx, r, tenant, owners, meta, origin, destination)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return ref, created, nil
}

func (s *FileReferenceService) createOrAttach(ctx context.Context, r repository.Repos, tenant string, owners []string,
	meta model.FileMetaInfo, origin, destination model.FileLocation) (*model.FileReference, bool, error) {
	if len(model.MergeOwners(nil, owners)) == 0 {
		return nil, false, fmt.Errorf("%w: нужен хотя бы один владелец", ErrValidation)
	}
	if destination.Storage == "" {
		return nil, false, fmt.Errorf("%w: бэкенд назначения не указан", ErrValidation)
	}

	existing, err := r.Files.Find(ctx, destination.Storage, meta.Checksum)
	switch {
	case err == nil:
		if err := s.attach(ctx, r, tenant, existing, owners, meta); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, false, err
	}

	if origin.Equal(destination) {
		ref := &model.FileReference{
			Meta:     meta,
			Location: destination,
			Owners:   model.MergeOwners(nil, owners),
			StoredAt: s.now(),
		}
		if ref.Location.URL == "" {
			ref.Location.URL = origin.URL
		}
		if err := r.Files.Create(ctx, ref); err != nil {
			return nil, false, err
		}
		s.logger.Info("Файл зарегистрирован",
			slog.String("tenant", tenant),
			slog.String("checksum", meta.Checksum),
			slog.String("storage", destination.Storage),
		)
		return ref, true, nil
	}

	if _, err := s.ledger.requestStorage(ctx, r, tenant, owners, meta, origin, destination); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// attach объединяет владельцев существующего файла.
// Метаданные существующего файла не меняются, расхождение только логируется.
func (s *FileReferenceService) attach(ctx context.Context, r repository.Repos, tenant string,
	ref *model.FileReference, owners []string, meta model.FileMetaInfo) error {
	if !ref.Meta.Equal(meta) {
		s.logger.Warn("Метаданные файла отличаются от сохранённых, сохранённые остаются",
			slog.String("tenant", tenant),
			slog.String("checksum", ref.Meta.Checksum),
			slog.String("storage", ref.Location.Storage),
			slog.String("stored_name", ref.Meta.FileName),
			slog.String("requested_name", meta.FileName),
		)
	}

	wasPendingDeletion := ref.PendingDeletion()
	merged := model.MergeOwners(ref.Owners, owners)
	if len(merged) == len(ref.Owners) {
		return nil
	}
	if err := r.Files.UpdateOwners(ctx, ref.ID, merged); err != nil {
		return err
	}
	ref.Owners = merged

	if wasPendingDeletion {
		s.cancelDeletion(ctx, r, tenant, ref)
	}
	return nil
}

// cancelDeletion отменяет ещё не запущенное удаление файла, получившего владельцев.
func (s *FileReferenceService) cancelDeletion(ctx context.Context, r repository.Repos, tenant string, ref *model.FileReference) {
	req, err := r.Requests.Get(ctx, model.KindDeletion, ref.Meta.Checksum, ref.Location.Storage)
	if err != nil {
		return
	}
	if req.Status == model.StatusPending {
		s.logger.Warn("Удаление файла уже выполняется, новые владельцы могут потерять файл",
			slog.String("tenant", tenant),
			slog.String("checksum", ref.Meta.Checksum),
			slog.String("storage", ref.Location.Storage),
		)
		return
	}
	if err := r.Requests.Delete(ctx, req.ID); err != nil {
		s.logger.Warn("Ошибка отмены удаления", slog.String("error", err.Error()))
	}
}

// RemoveOwners убирает владельцев файла на storage. Если владельцев не осталось,
// регистрируется запрос удаления файла с бэкенда.
func (s *FileReferenceService) RemoveOwners(ctx context.Context, tenant, checksum, storage string, owners []string) (*model.FileReference, error) {
	var ref *model.FileReference
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		ref, err = r.Files.Find(ctx, storage, checksum)
		if err != nil {
			return err
		}
		remaining := model.RemoveOwners(ref.Owners, owners)
		if len(remaining) == len(ref.Owners) {
			return nil
		}
		if err := r.Files.UpdateOwners(ctx, ref.ID, remaining); err != nil {
			return err
		}
		removed := model.RemoveOwners(ref.Owners, remaining)
		ref.Owners = remaining
		if len(remaining) > 0 {
			return nil
		}

		s.logger.Info("У файла не осталось владельцев, запрошено удаление",
			slog.String("tenant", tenant),
			slog.String("checksum", checksum),
			slog.String("storage", storage),
		)
		_, err = s.ledger.requestDeletion(ctx, r, tenant, removed, ref.Meta, ref.Location)
		return err
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return ref, nil
}

// CountByBackend возвращает количество файлов на бэкенде.
func (s *FileReferenceService) CountByBackend(ctx context.Context, tenant, label string) (int, error) {
	var count int
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		count, err = r.Files.CountByStorage(ctx, label)
		return err
	})
	return count, err
}

// confirmStored фиксирует успешное сохранение файла по запросу req.
func (s *FileReferenceService) confirmStored(ctx context.Context, r repository.Repos, tenant string, req *model.FileRequest, url string) error {
	destination := model.FileLocation{Storage: req.Destination.Storage, URL: url}
	ref, created, err := s.createOrAttach(ctx, r, tenant, req.Owners, req.Meta, destination, destination)
	if err != nil {
		return err
	}
	if !created && ref != nil && ref.Location.URL != url && url != "" {
		if err := r.Files.UpdateLocation(ctx, ref.ID, url); err != nil {
			return err
		}
	}
	return nil
}
