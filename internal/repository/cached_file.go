package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// CachedFileRepository — доступ к таблице cached_files.
type CachedFileRepository interface {
	// Get возвращает файл кэша по контрольной сумме.
	Get(ctx context.Context, checksum string) (*model.CachedFile, error)
	// Create создаёт запись. ErrConflict — файл уже в кэше.
	Create(ctx context.Context, cf *model.CachedFile) error
	// Update сохраняет изменяемые поля.
	Update(ctx context.Context, cf *model.CachedFile) error
	Delete(ctx context.Context, id int64) error
	// ListExpired возвращает файлы с истёкшим сроком (expiration < now) после afterID.
	ListExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]*model.CachedFile, error)
	// ListByState возвращает файлы в состоянии state по возрастанию id после afterID.
	ListByState(ctx context.Context, state model.CacheState, afterID int64, limit int) ([]*model.CachedFile, error)
	// ListEvictable возвращает AVAILABLE-файлы, запрошенные до olderThan,
	// по возрастанию last_request_date, после курсора.
	ListEvictable(ctx context.Context, olderThan time.Time, after EvictionCursor, limit int) ([]*model.CachedFile, error)
	// SumSize возвращает суммарный размер файлов в указанных состояниях.
	SumSize(ctx context.Context, states ...model.CacheState) (int64, error)
	// CountByState возвращает количество файлов в состоянии.
	CountByState(ctx context.Context, state model.CacheState) (int, error)
}

// EvictionCursor — позиция постраничного обхода кандидатов на вытеснение.
type EvictionCursor struct {
	LastRequestDate time.Time
	ID              int64
}

type cachedFileRepo struct {
	db     DBTX
	tenant string
}

// NewCachedFileRepository создаёт репозиторий кэша арендатора.
func NewCachedFileRepository(db DBTX, tenant string) CachedFileRepository {
	return &cachedFileRepo{db: db, tenant: tenant}
}

const cachedFileColumns = `id, tenant, checksum, location, size, expiration, last_request_date,
	state, source, failure_cause`

func scanCachedFile(row pgx.Row) (*model.CachedFile, error) {
	cf := &model.CachedFile{}
	err := row.Scan(
		&cf.ID, &cf.Tenant, &cf.Checksum, &cf.Location, &cf.Size, &cf.Expiration,
		&cf.LastRequestDate, &cf.State, &cf.Source, &cf.FailureCause,
	)
	return cf, err
}

func (r *cachedFileRepo) list(ctx context.Context, query string, args ...any) ([]*model.CachedFile, error) {
	rows, err := r.db.Query(ctx, query, append([]any{r.tenant}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файлов кэша: %w", err)
	}
	defer rows.Close()

	var result []*model.CachedFile
	for rows.Next() {
		cf, err := scanCachedFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла кэша: %w", err)
		}
		result = append(result, cf)
	}
	return result, rows.Err()
}

func (r *cachedFileRepo) Get(ctx context.Context, checksum string) (*model.CachedFile, error) {
	query := `SELECT ` + cachedFileColumns + ` FROM cached_files WHERE tenant = $1 AND checksum = $2`

	cf, err := scanCachedFile(r.db.QueryRow(ctx, query, r.tenant, checksum))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла кэша: %w", err)
	}
	return cf, nil
}

func (r *cachedFileRepo) Create(ctx context.Context, cf *model.CachedFile) error {
	query := `
		INSERT INTO cached_files (tenant, checksum, location, size, expiration,
			last_request_date, state, source, failure_cause)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		r.tenant, cf.Checksum, cf.Location, cf.Size, cf.Expiration,
		cf.LastRequestDate, cf.State, cf.Source, model.TruncateCause(cf.FailureCause),
	).Scan(&cf.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %s уже в кэше", ErrConflict, cf.Checksum)
		}
		return fmt.Errorf("ошибка создания файла кэша: %w", err)
	}
	cf.Tenant = r.tenant
	return nil
}

func (r *cachedFileRepo) Update(ctx context.Context, cf *model.CachedFile) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE cached_files
		SET location = $3, size = $4, expiration = $5, last_request_date = $6,
			state = $7, source = $8, failure_cause = $9, updated_at = NOW()
		WHERE tenant = $1 AND id = $2`,
		r.tenant, cf.ID, cf.Location, cf.Size, cf.Expiration, cf.LastRequestDate,
		cf.State, cf.Source, model.TruncateCause(cf.FailureCause))
	if err != nil {
		return fmt.Errorf("ошибка обновления файла кэша: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *cachedFileRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM cached_files WHERE tenant = $1 AND id = $2`, r.tenant, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления файла кэша: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *cachedFileRepo) ListExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]*model.CachedFile, error) {
	return r.list(ctx, `SELECT `+cachedFileColumns+` FROM cached_files
		WHERE tenant = $1 AND expiration < $2 AND id > $3
		ORDER BY id LIMIT $4`, now, afterID, limit)
}

func (r *cachedFileRepo) ListByState(ctx context.Context, state model.CacheState, afterID int64, limit int) ([]*model.CachedFile, error) {
	return r.list(ctx, `SELECT `+cachedFileColumns+` FROM cached_files
		WHERE tenant = $1 AND state = $2 AND id > $3
		ORDER BY id LIMIT $4`, state, afterID, limit)
}

func (r *cachedFileRepo) ListEvictable(ctx context.Context, olderThan time.Time, after EvictionCursor, limit int) ([]*model.CachedFile, error) {
	return r.list(ctx, `SELECT `+cachedFileColumns+` FROM cached_files
		WHERE tenant = $1 AND state = $2 AND last_request_date < $3
			AND (last_request_date, id) > ($4, $5)
		ORDER BY last_request_date, id LIMIT $6`,
		model.CacheAvailable, olderThan, after.LastRequestDate, after.ID, limit)
}

func (r *cachedFileRepo) SumSize(ctx context.Context, states ...model.CacheState) (int64, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM cached_files WHERE tenant = $1 AND state = ANY($2)`,
		r.tenant, names).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта размера кэша: %w", err)
	}
	return total, nil
}

func (r *cachedFileRepo) CountByState(ctx context.Context, state model.CacheState) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM cached_files WHERE tenant = $1 AND state = $2`,
		r.tenant, state).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта файлов кэша: %w", err)
	}
	return count, nil
}
