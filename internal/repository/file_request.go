package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// FileRequestRepository — доступ к журналу запросов file_requests.
type FileRequestRepository interface {
	// Get возвращает запрос по ключу (kind, checksum, storage).
	Get(ctx context.Context, kind model.RequestKind, checksum, storage string) (*model.FileRequest, error)
	// GetByID возвращает запрос по идентификатору.
	GetByID(ctx context.Context, id int64) (*model.FileRequest, error)
	// Create создаёт запрос. ErrConflict — запрос с таким ключом уже есть.
	Create(ctx context.Context, req *model.FileRequest) error
	// Update сохраняет изменяемые поля запроса.
	Update(ctx context.Context, req *model.FileRequest) error
	// Delete удаляет запрос.
	Delete(ctx context.Context, id int64) error
	// ListStorages возвращает различные бэкенды среди запросов, подходящих под фильтр.
	ListStorages(ctx context.Context, filter RequestFilter) ([]string, error)
	// Page возвращает страницу запросов по возрастанию id, начиная после afterID.
	Page(ctx context.Context, filter RequestFilter, afterID int64, limit int) ([]*model.FileRequest, error)
	// SetStatus переводит набор запросов в новое состояние.
	SetStatus(ctx context.Context, ids []int64, status model.RequestStatus, cause, jobID string) error
	// Claim переводит в состояние to только те запросы из ids, что находятся
	// в состоянии from, и возвращает их идентификаторы.
	Claim(ctx context.Context, ids []int64, from, to model.RequestStatus, cause, jobID string) ([]int64, error)
	// Retry переводит ERROR-запросы, подходящие под фильтр, в TODO.
	Retry(ctx context.Context, filter RequestFilter) (int64, error)
	// DeleteByStatus удаляет запросы вида kind в состоянии status.
	DeleteByStatus(ctx context.Context, kind model.RequestKind, status model.RequestStatus) (int64, error)
	// CountByStatus возвращает количество запросов вида kind по состояниям.
	CountByStatus(ctx context.Context, kind model.RequestKind) (map[model.RequestStatus]int, error)
}

// RequestFilter — фильтр журнала запросов. Пустые поля не ограничивают выборку.
type RequestFilter struct {
	Kind      model.RequestKind
	Status    model.RequestStatus
	Storages  []string
	Owners    []string
	Checksums []string
}

type fileRequestRepo struct {
	db     DBTX
	tenant string
}

// NewFileRequestRepository создаёт репозиторий журнала запросов арендатора.
func NewFileRequestRepository(db DBTX, tenant string) FileRequestRepository {
	return &fileRequestRepo{db: db, tenant: tenant}
}

const fileRequestColumns = `id, tenant, kind, checksum, algorithm, file_name, file_size, mime_type,
	types, owners, origin_storage, origin_url, destination_storage, destination_url,
	status, error_cause, job_id, created_at, updated_at`

func scanFileRequest(row pgx.Row) (*model.FileRequest, error) {
	req := &model.FileRequest{}
	err := row.Scan(
		&req.ID, &req.Tenant, &req.Kind, &req.Meta.Checksum, &req.Meta.Algorithm,
		&req.Meta.FileName, &req.Meta.FileSize, &req.Meta.MimeType, &req.Meta.Types, &req.Owners,
		&req.Origin.Storage, &req.Origin.URL, &req.Destination.Storage, &req.Destination.URL,
		&req.Status, &req.ErrorCause, &req.JobID, &req.CreatedAt, &req.UpdatedAt,
	)
	return req, err
}

// buildRequestWhere строит WHERE-условие для фильтра, начиная с аргумента $startArg.
// tenant всегда передаётся первым аргументом.
func buildRequestWhere(filter RequestFilter, startArg int) (string, []any) {
	conditions := []string{"tenant = $1"}
	var args []any
	argNum := startArg

	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argNum))
		args = append(args, filter.Kind)
		argNum++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, filter.Status)
		argNum++
	}
	if len(filter.Storages) > 0 {
		conditions = append(conditions, fmt.Sprintf("storage = ANY($%d)", argNum))
		args = append(args, filter.Storages)
		argNum++
	}
	if len(filter.Owners) > 0 {
		conditions = append(conditions, fmt.Sprintf("owners && $%d", argNum))
		args = append(args, filter.Owners)
		argNum++
	}
	if len(filter.Checksums) > 0 {
		conditions = append(conditions, fmt.Sprintf("checksum = ANY($%d)", argNum))
		args = append(args, filter.Checksums)
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *fileRequestRepo) Get(ctx context.Context, kind model.RequestKind, checksum, storage string) (*model.FileRequest, error) {
	query := `SELECT ` + fileRequestColumns + `
		FROM file_requests
		WHERE tenant = $1 AND kind = $2 AND checksum = $3 AND storage = $4`

	req, err := scanFileRequest(r.db.QueryRow(ctx, query, r.tenant, kind, checksum, storage))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса: %w", err)
	}
	return req, nil
}

func (r *fileRequestRepo) GetByID(ctx context.Context, id int64) (*model.FileRequest, error) {
	query := `SELECT ` + fileRequestColumns + ` FROM file_requests WHERE tenant = $1 AND id = $2`

	req, err := scanFileRequest(r.db.QueryRow(ctx, query, r.tenant, id))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса: %w", err)
	}
	return req, nil
}

func (r *fileRequestRepo) Create(ctx context.Context, req *model.FileRequest) error {
	query := `
		INSERT INTO file_requests (tenant, kind, checksum, algorithm, file_name, file_size,
			mime_type, types, owners, storage, origin_storage, origin_url,
			destination_storage, destination_url, status, error_cause, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		r.tenant, req.Kind, req.Meta.Checksum, req.Meta.Algorithm, req.Meta.FileName,
		req.Meta.FileSize, req.Meta.MimeType, nonNil(req.Meta.Types), nonNil(req.Owners), req.Storage(),
		req.Origin.Storage, req.Origin.URL, req.Destination.Storage, req.Destination.URL,
		req.Status, model.TruncateCause(req.ErrorCause), req.JobID,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запрос %s для %s на %s уже существует", ErrConflict, req.Kind, req.Meta.Checksum, req.Storage())
		}
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Tenant = r.tenant
	return nil
}

func (r *fileRequestRepo) Update(ctx context.Context, req *model.FileRequest) error {
	query := `
		UPDATE file_requests
		SET algorithm = $3, file_name = $4, file_size = $5, mime_type = $6, types = $7,
			owners = $8, origin_storage = $9, origin_url = $10, destination_url = $11,
			status = $12, error_cause = $13, job_id = $14, updated_at = NOW()
		WHERE tenant = $1 AND id = $2
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		r.tenant, req.ID, req.Meta.Algorithm, req.Meta.FileName, req.Meta.FileSize,
		req.Meta.MimeType, nonNil(req.Meta.Types), nonNil(req.Owners),
		req.Origin.Storage, req.Origin.URL, req.Destination.URL,
		req.Status, model.TruncateCause(req.ErrorCause), req.JobID,
	).Scan(&req.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления запроса: %w", err)
	}
	return nil
}

func (r *fileRequestRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM file_requests WHERE tenant = $1 AND id = $2`, r.tenant, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления запроса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRequestRepo) ListStorages(ctx context.Context, filter RequestFilter) ([]string, error) {
	where, args := buildRequestWhere(filter, 2)
	query := fmt.Sprintf(`SELECT DISTINCT storage FROM file_requests %s ORDER BY storage`, where)

	rows, err := r.db.Query(ctx, query, append([]any{r.tenant}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения бэкендов запросов: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var storage string
		if err := rows.Scan(&storage); err != nil {
			return nil, fmt.Errorf("ошибка сканирования бэкенда: %w", err)
		}
		result = append(result, storage)
	}
	return result, rows.Err()
}

func (r *fileRequestRepo) Page(ctx context.Context, filter RequestFilter, afterID int64, limit int) ([]*model.FileRequest, error) {
	where, args := buildRequestWhere(filter, 2)
	argNum := len(args) + 2
	query := fmt.Sprintf(`SELECT %s FROM file_requests %s AND id > $%d ORDER BY id LIMIT $%d`,
		fileRequestColumns, where, argNum, argNum+1)

	params := append([]any{r.tenant}, args...)
	params = append(params, afterID, limit)

	rows, err := r.db.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения страницы запросов: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRequest
	for rows.Next() {
		req, err := scanFileRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования запроса: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (r *fileRequestRepo) SetStatus(ctx context.Context, ids []int64, status model.RequestStatus, cause, jobID string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE file_requests
		SET status = $3, error_cause = $4, job_id = $5, updated_at = NOW()
		WHERE tenant = $1 AND id = ANY($2)`,
		r.tenant, ids, status, model.TruncateCause(cause), jobID)
	if err != nil {
		return fmt.Errorf("ошибка смены состояния запросов: %w", err)
	}
	return nil
}

func (r *fileRequestRepo) Claim(ctx context.Context, ids []int64, from, to model.RequestStatus, cause, jobID string) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		UPDATE file_requests
		SET status = $4, error_cause = $5, job_id = $6, updated_at = NOW()
		WHERE tenant = $1 AND id = ANY($2) AND status = $3
		RETURNING id`,
		r.tenant, ids, from, to, model.TruncateCause(cause), jobID)
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата запросов: %w", err)
	}
	claimed, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата запросов: %w", err)
	}
	return claimed, nil
}

func (r *fileRequestRepo) Retry(ctx context.Context, filter RequestFilter) (int64, error) {
	filter.Status = model.StatusError
	where, args := buildRequestWhere(filter, 3)
	query := fmt.Sprintf(`
		UPDATE file_requests
		SET status = $2, error_cause = '', job_id = '', updated_at = NOW()
		%s`, where)

	params := append([]any{r.tenant, model.StatusTodo}, args...)
	tag, err := r.db.Exec(ctx, query, params...)
	if err != nil {
		return 0, fmt.Errorf("ошибка повтора запросов: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *fileRequestRepo) DeleteByStatus(ctx context.Context, kind model.RequestKind, status model.RequestStatus) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM file_requests WHERE tenant = $1 AND kind = $2 AND status = $3`,
		r.tenant, kind, status)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления запросов: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *fileRequestRepo) CountByStatus(ctx context.Context, kind model.RequestKind) (map[model.RequestStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM file_requests WHERE tenant = $1 AND kind = $2 GROUP BY status`,
		r.tenant, kind)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта запросов: %w", err)
	}
	defer rows.Close()

	result := make(map[model.RequestStatus]int)
	for rows.Next() {
		var status model.RequestStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("ошибка сканирования счётчика: %w", err)
		}
		result[status] = count
	}
	return result, rows.Err()
}

// nonNil заменяет nil-срез пустым: колонки массивов объявлены NOT NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
