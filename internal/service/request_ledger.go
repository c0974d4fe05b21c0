// request_ledger.go — журнал запросов storage / deletion / restoration.
//
// Запрос уникален по (tenant, kind, checksum, storage). Повторный запрос
// с тем же ключом объединяет владельцев, заменяет метаданные и источник,
// а ERROR возвращает в TODO. Успешно обработанный запрос удаляется.
// Запрос к неизвестному или отключённому бэкенду сразу сохраняется в ERROR
// с причиной; вызывающему код ошибка не возвращается.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sm_requests_total",
	Help: "Количество зарегистрированных запросов журнала.",
}, []string{"kind", "status"})

// RequestLedger — сервис журнала запросов.
type RequestLedger struct {
	uow    repository.UnitOfWork
	known  *KnownBackends
	logger *slog.Logger
}

// NewRequestLedger создаёт сервис журнала запросов.
func NewRequestLedger(uow repository.UnitOfWork, known *KnownBackends, logger *slog.Logger) *RequestLedger {
	return &RequestLedger{
		uow:    uow,
		known:  known,
		logger: logger.With(slog.String("component", "request_ledger")),
	}
}

// notPreparedCause — причина ошибки для запроса, который плагин не включил в задачу.
func notPreparedCause(req *model.FileRequest) string {
	return fmt.Sprintf("File %s was not selected for %s by storage %s.",
		req.Meta.FileName, req.Kind, req.Storage())
}

// unknownStorageCause формирует причину ошибки для неизвестного или отключённого бэкенда.
func unknownStorageCause(req *model.FileRequest) string {
	switch req.Kind {
	case model.KindStorage:
		return fmt.Sprintf("File %s cannot be handled for storage as destination storage %s is unknown or disabled.",
			req.Meta.FileName, req.Storage())
	case model.KindRestoration:
		return fmt.Sprintf("File %s cannot be handled for restoration as origin storage %s is unknown or disabled.",
			req.Meta.FileName, req.Storage())
	default:
		return fmt.Sprintf("File %s cannot be handled for %s as storage %s is unknown or disabled.",
			req.Meta.FileName, req.Kind, req.Storage())
	}
}

// RequestStorage регистрирует запрос сохранения файла на destination.
func (s *RequestLedger) RequestStorage(ctx context.Context, tenant string, owners []string,
	meta model.FileMetaInfo, origin, destination model.FileLocation) (*model.FileRequest, error) {
	var req *model.FileRequest
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		req, err = s.requestStorage(ctx, r, tenant, owners, meta, origin, destination)
		return err
	})
	return req, err
}

func (s *RequestLedger) requestStorage(ctx context.Context, r repository.Repos, tenant string, owners []string,
	meta model.FileMetaInfo, origin, destination model.FileLocation) (*model.FileRequest, error) {
	return s.upsert(ctx, r, tenant, &model.FileRequest{
		Kind:        model.KindStorage,
		Meta:        meta,
		Owners:      owners,
		Origin:      origin,
		Destination: destination,
		Status:      model.StatusTodo,
	})
}

// RequestDeletion регистрирует запрос физического удаления файла с бэкенда location.
func (s *RequestLedger) RequestDeletion(ctx context.Context, tenant string, owners []string,
	meta model.FileMetaInfo, location model.FileLocation) (*model.FileRequest, error) {
	var req *model.FileRequest
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		req, err = s.requestDeletion(ctx, r, tenant, owners, meta, location)
		return err
	})
	return req, err
}

func (s *RequestLedger) requestDeletion(ctx context.Context, r repository.Repos, tenant string, owners []string,
	meta model.FileMetaInfo, location model.FileLocation) (*model.FileRequest, error) {
	return s.upsert(ctx, r, tenant, &model.FileRequest{
		Kind:        model.KindDeletion,
		Meta:        meta,
		Owners:      owners,
		Origin:      location,
		Destination: location,
		Status:      model.StatusTodo,
	})
}

// RequestRestoration регистрирует запрос восстановления nearline-файла origin в кэш.
// cacheLocation — путь файла в кэше арендатора.
func (s *RequestLedger) RequestRestoration(ctx context.Context, tenant string, meta model.FileMetaInfo,
	origin model.FileLocation, cacheLocation string) (*model.FileRequest, error) {
	var req *model.FileRequest
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		req, err = s.requestRestoration(ctx, r, tenant, meta, origin, cacheLocation)
		return err
	})
	return req, err
}

func (s *RequestLedger) requestRestoration(ctx context.Context, r repository.Repos, tenant string,
	meta model.FileMetaInfo, origin model.FileLocation, cacheLocation string) (*model.FileRequest, error) {
	return s.upsert(ctx, r, tenant, &model.FileRequest{
		Kind:        model.KindRestoration,
		Meta:        meta,
		Origin:      origin,
		Destination: model.FileLocation{URL: cacheLocation},
		Status:      model.StatusTodo,
	})
}

// upsert создаёт запрос или обновляет существующий с тем же ключом.
func (s *RequestLedger) upsert(ctx context.Context, r repository.Repos, tenant string, req *model.FileRequest) (*model.FileRequest, error) {
	if req.Meta.Checksum == "" {
		return nil, fmt.Errorf("%w: контрольная сумма обязательна", ErrValidation)
	}
	if req.Storage() == "" {
		return nil, fmt.Errorf("%w: бэкенд запроса не указан", ErrValidation)
	}

	existing, err := r.Requests.Get(ctx, req.Kind, req.Meta.Checksum, req.Storage())
	switch {
	case err == nil:
		existing.Owners = model.MergeOwners(existing.Owners, req.Owners)
		existing.Meta = req.Meta
		existing.Origin = req.Origin
		existing.Destination.URL = req.Destination.URL
		if existing.Status == model.StatusError {
			if err := lifecycle.TransitionRequest(existing, model.StatusTodo); err != nil {
				return nil, err
			}
		}
		req = existing
	case errors.Is(err, repository.ErrNotFound):
		req.Owners = model.MergeOwners(nil, req.Owners)
	default:
		return nil, err
	}

	if !s.known.IsEnabled(tenant, req.Storage()) {
		cause := unknownStorageCause(req)
		if err := lifecycle.TransitionRequest(req, model.StatusError); err != nil {
			return nil, err
		}
		req.SetError(cause)
		s.logger.Warn("Запрос к неизвестному или отключённому бэкенду",
			slog.String("tenant", tenant),
			slog.String("kind", string(req.Kind)),
			slog.String("storage", req.Storage()),
			slog.String("checksum", req.Meta.Checksum),
		)
	}

	if req.ID == 0 {
		err = r.Requests.Create(ctx, req)
	} else {
		err = r.Requests.Update(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	requestsTotal.WithLabelValues(string(req.Kind), string(req.Status)).Inc()
	return req, nil
}

// Retry переводит ERROR-запросы вида kind в TODO.
// backends и owners ограничивают выборку; пустые — без ограничения.
func (s *RequestLedger) Retry(ctx context.Context, tenant string, kind model.RequestKind, backends, owners []string) (int64, error) {
	var n int64
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		n, err = r.Requests.Retry(ctx, repository.RequestFilter{Kind: kind, Storages: backends, Owners: owners})
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Запросы возвращены в обработку",
		slog.String("tenant", tenant),
		slog.String("kind", string(kind)),
		slog.Int64("count", n),
	)
	return n, nil
}

// Purge удаляет запросы вида kind в состоянии status. Разрешено только для ERROR.
func (s *RequestLedger) Purge(ctx context.Context, tenant string, kind model.RequestKind, status model.RequestStatus) (int64, error) {
	if status != model.StatusError {
		return 0, fmt.Errorf("%w: удалять можно только запросы в состоянии ERROR", ErrValidation)
	}
	var n int64
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		n, err = r.Requests.DeleteByStatus(ctx, kind, status)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Запросы удалены администратором",
		slog.String("tenant", tenant),
		slog.String("kind", string(kind)),
		slog.Int64("count", n),
	)
	return n, nil
}

// Counts возвращает количество запросов вида kind по состояниям.
func (s *RequestLedger) Counts(ctx context.Context, tenant string, kind model.RequestKind) (map[model.RequestStatus]int, error) {
	var counts map[model.RequestStatus]int
	err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
		var err error
		counts, err = r.Requests.CountByStatus(ctx, kind)
		return err
	})
	return counts, err
}

// RecoverPending возвращает в TODO запросы, оставшиеся в PENDING после
// остановки сервиса: их задачи потеряны вместе с очередью.
func (s *RequestLedger) RecoverPending(ctx context.Context, tenant string, pageSize int) (int, error) {
	recovered := 0
	for _, kind := range []model.RequestKind{model.KindStorage, model.KindDeletion, model.KindRestoration} {
		err := s.uow.Do(ctx, tenant, func(r repository.Repos) error {
			filter := repository.RequestFilter{Kind: kind, Status: model.StatusPending}
			var afterID int64
			for {
				page, err := r.Requests.Page(ctx, filter, afterID, pageSize)
				if err != nil {
					return err
				}
				if len(page) == 0 {
					return nil
				}
				ids := make([]int64, 0, len(page))
				for _, req := range page {
					if !lifecycle.CanTransitionRequest(req.Status, model.StatusTodo) {
						continue
					}
					ids = append(ids, req.ID)
				}
				if err := r.Requests.SetStatus(ctx, ids, model.StatusTodo, "", ""); err != nil {
					return err
				}
				recovered += len(ids)
				afterID = page[len(page)-1].ID
			}
		})
		if err != nil {
			return recovered, fmt.Errorf("восстановление запросов %s: %w", kind, err)
		}
	}
	if recovered > 0 {
		s.logger.Warn("Запросы с потерянными задачами возвращены в TODO",
			slog.String("tenant", tenant),
			slog.Int("count", recovered),
		)
	}
	return recovered, nil
}
